package execution

import (
	"github.com/vmihailenco/msgpack/v5"

	"github.com/solflux-labs/hft-core/pkg/types"
)

func encodeResult(result types.ExecutionResult) ([]byte, error) {
	return msgpack.Marshal(result)
}

func decodeResult(raw []byte, out *types.ExecutionResult) error {
	return msgpack.Unmarshal(raw, out)
}
