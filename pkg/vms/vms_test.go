package vms

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/solflux-labs/hft-core/pkg/clock"
	"github.com/solflux-labs/hft-core/pkg/types"
)

func openTestStore(t *testing.T, dim int) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "vms.db")
	s, err := Open(path, dim, HashEncoder{Dim: dim}, clock.Fixed{At: time.Unix(1700000000, 0).UTC()})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func newExperience(id string, embedding []float32) types.Experience {
	return types.Experience{
		ExperienceID: id,
		Embedding:    embedding,
		Situation:    types.Situation{Symbol: "SOL/USDC", Digest: "digest-" + id},
		Decision:     types.Decision{Action: types.ActionBuy, Quantity: 1, Confidence: 0.8},
	}
}

func TestStoreThenSearchReturnsRankOneWithHighScore(t *testing.T) {
	s := openTestStore(t, 8)
	ctx := context.Background()

	vec := []float32{1, 0, 0, 0, 0, 0, 0, 0}
	id := uuid.NewString()
	_, err := s.Store(ctx, newExperience(id, vec))
	require.NoError(t, err)

	results, err := s.Search(ctx, vec, 5, "")
	require.NoError(t, err)
	require.NotEmpty(t, results)
	require.Equal(t, id, results[0].Experience.ExperienceID)
	require.GreaterOrEqual(t, results[0].Score, 1-1e-6)
}

func TestStoreDuplicateIDFails(t *testing.T) {
	s := openTestStore(t, 4)
	ctx := context.Background()
	exp := newExperience(uuid.NewString(), []float32{1, 0, 0, 0})

	_, err := s.Store(ctx, exp)
	require.NoError(t, err)

	_, err = s.Store(ctx, exp)
	require.ErrorIs(t, err, ErrDuplicateID)
}

func TestUpdateOutcomeMonotoneRefinement(t *testing.T) {
	s := openTestStore(t, 4)
	ctx := context.Background()
	id := uuid.NewString()
	_, err := s.Store(ctx, newExperience(id, []float32{0, 1, 0, 0}))
	require.NoError(t, err)

	err = s.UpdateOutcome(ctx, id, types.Outcome{Status: types.ExecExecuted, PnL: 1.5, Final: false})
	require.NoError(t, err)

	err = s.UpdateOutcome(ctx, id, types.Outcome{Status: types.ExecExecuted, PnL: 2.0, Final: true})
	require.NoError(t, err)

	err = s.UpdateOutcome(ctx, id, types.Outcome{Status: types.ExecExecuted, PnL: 3.0, Final: true})
	require.ErrorIs(t, err, ErrAlreadyFinalized)
}

func TestUpdateOutcomeNotFound(t *testing.T) {
	s := openTestStore(t, 4)
	err := s.UpdateOutcome(context.Background(), "missing-id", types.Outcome{})
	require.ErrorIs(t, err, ErrNotFound)
}

func TestDimensionMismatchRejectedOnOpen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "vms.db")

	s, err := Open(path, 8, HashEncoder{Dim: 8}, clock.Real{})
	require.NoError(t, err)
	s.Close()

	_, err = Open(path, 16, HashEncoder{Dim: 16}, clock.Real{})
	require.ErrorIs(t, err, ErrDimensionMismatch)
}

func TestSearchDimensionMismatch(t *testing.T) {
	s := openTestStore(t, 8)
	_, err := s.Search(context.Background(), []float32{1, 2, 3}, 5, "")
	require.ErrorIs(t, err, ErrDimensionMismatch)
}

func TestPurgeBeforeRemovesOldEntries(t *testing.T) {
	s := openTestStore(t, 4)
	ctx := context.Background()
	id := uuid.NewString()
	_, err := s.Store(ctx, newExperience(id, []float32{1, 0, 0, 0}))
	require.NoError(t, err)

	n, err := s.PurgeBefore(ctx, time.Unix(1700000001, 0).UTC())
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	require.Zero(t, stats.Count)
}
