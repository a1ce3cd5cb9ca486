package vms

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
)

// HashEncoder is a deterministic, dependency-free Encoder: it hashes the
// digest text into a fixed-size pseudo-embedding. A concrete model-backed
// encoder that calls an external embeddings API is a pluggable alternative;
// this one exists so VMS is usable and testable without one.
type HashEncoder struct {
	Dim int
}

func (h HashEncoder) Encode(_ context.Context, text string) ([]float32, error) {
	out := make([]float32, h.Dim)
	seed := sha256.Sum256([]byte(text))
	state := binary.BigEndian.Uint64(seed[:8])
	for i := range out {
		state = state*6364136223846793005 + 1442695040888963407
		// map to [-1,1] via the top bits, xorshift-mixed per index with the digest
		mix := state ^ uint64(i)*0x9E3779B97F4A7C15
		out[i] = float32(int64(mix>>40)%2000-1000) / 1000.0
	}
	return out, nil
}
