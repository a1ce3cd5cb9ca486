package execution

import (
	"context"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/solflux-labs/hft-core/pkg/clock"
	"github.com/solflux-labs/hft-core/pkg/config"
	"github.com/solflux-labs/hft-core/pkg/types"
	"github.com/solflux-labs/hft-core/pkg/wallet"
)

type fakeWM struct {
	selectErr  error
	reserveErr error
	released   []string
	committed  []string
}

func (f *fakeWM) Select(criteria wallet.SelectionCriteria) (types.Wallet, error) {
	if f.selectErr != nil {
		return types.Wallet{}, f.selectErr
	}
	return types.Wallet{WalletID: "wallet-a"}, nil
}

func (f *fakeWM) Reserve(walletID, symbol string, size float64) (*wallet.ReservationToken, error) {
	if f.reserveErr != nil {
		return nil, f.reserveErr
	}
	return &wallet.ReservationToken{Token: "tok-1", WalletID: walletID, Symbol: symbol, Size: size}, nil
}

func (f *fakeWM) Commit(token, positionID string, entryPx, stop, target float64) error {
	f.committed = append(f.committed, token)
	return nil
}

func (f *fakeWM) Release(token string) error {
	f.released = append(f.released, token)
	return nil
}

func (f *fakeWM) Sign(walletID string, tx *solana.Transaction) error { return nil }

func (f *fakeWM) PublicKey(walletID string) (solana.PublicKey, error) {
	return solana.PublicKey{}, nil
}

func (f *fakeWM) RecordExecutionOutcome(walletID string, priorityFeePaid uint64, confirmLatency time.Duration, landed bool) error {
	return nil
}

func newTestLedgerEngine(t *testing.T, wm walletSelector) *Engine {
	t.Helper()
	ledger, err := openCompletionLedger(t.TempDir()+"/ledger.db", time.Hour)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ledger.Close() })
	return &Engine{
		cfg:       &config.Config{WMDBPath: ":memory:"},
		log:       zerolog.Nop(),
		clk:       clock.Fixed{At: time.Now()},
		wm:        wm,
		ledger:    ledger,
		simulator: &simulator{clk: clock.Fixed{At: time.Now()}, model: FixedFillModel{FeesPaid: 0.01, SlippageBps: 5}},
	}
}

func TestProcessIntentHoldShortCircuits(t *testing.T) {
	wm := &fakeWM{}
	e := newTestLedgerEngine(t, wm)

	intent := types.Intent{IntentID: "i1", Action: types.ActionHold}
	result := e.ProcessIntent(context.Background(), intent)

	require.Equal(t, types.ExecExecuted, result.Status)
	require.Empty(t, result.Signature)
	require.Zero(t, result.LatencyMS)
}

func TestProcessIntentPaperModeExecutesAndCommits(t *testing.T) {
	wm := &fakeWM{}
	e := newTestLedgerEngine(t, wm)

	intent := types.Intent{IntentID: "i2", Symbol: "SOL/USDC", Action: types.ActionBuy, Quantity: 10}
	result := e.ProcessIntent(context.Background(), intent)

	require.Equal(t, types.ExecExecuted, result.Status)
	require.Equal(t, "PAPER-i2", result.Signature)
	require.Contains(t, wm.committed, "tok-1")
}

func TestProcessIntentDedupReturnsCachedResult(t *testing.T) {
	wm := &fakeWM{}
	e := newTestLedgerEngine(t, wm)

	intent := types.Intent{IntentID: "i3", Symbol: "SOL/USDC", Action: types.ActionBuy, Quantity: 10}
	first := e.ProcessIntent(context.Background(), intent)
	second := e.ProcessIntent(context.Background(), intent)

	require.Equal(t, first.Signature, second.Signature)
	require.True(t, first.ProducedAt.Equal(second.ProducedAt))
	require.Empty(t, wm.committed[1:]) // no second commit
}

func TestProcessIntentWalletSelectionFailureRejects(t *testing.T) {
	wm := &fakeWM{selectErr: wallet.ErrNoWalletAvailable}
	e := newTestLedgerEngine(t, wm)

	intent := types.Intent{IntentID: "i4", Symbol: "SOL/USDC", Action: types.ActionBuy, Quantity: 10}
	result := e.ProcessIntent(context.Background(), intent)

	require.Equal(t, types.ExecRejected, result.Status)
	require.NotEmpty(t, result.RejectReason)
}

func TestClampPriorityFeeRespectsBounds(t *testing.T) {
	require.Equal(t, uint64(100), clampPriorityFee(50, 0.05, 100, 1000))
	require.Equal(t, uint64(1000), clampPriorityFee(10000, 0.3, 100, 1000))
	require.Equal(t, uint64(650), clampPriorityFee(500, 0.3, 100, 1000))
}

func TestComputeUnitBudgetAppliesMarginAndClamp(t *testing.T) {
	require.Equal(t, uint32(220_000), computeUnitBudget(200_000, 0.10, 1_400_000))
	require.Equal(t, uint32(1_400_000), computeUnitBudget(2_000_000, 0.10, 1_400_000))
}
