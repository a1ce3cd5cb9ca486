package execution

import (
	"context"

	"github.com/solflux-labs/hft-core/pkg/clock"
	"github.com/solflux-labs/hft-core/pkg/types"
)

// FillModel determines the synthetic fees a paper-trading submission incurs.
// Configurable so backtests can exercise different cost assumptions without
// touching the engine.
type FillModel interface {
	SimulateFees(intent types.Intent) (feesPaid float64, slippageBps int)
}

// FixedFillModel charges a constant fee and slippage regardless of intent
// shape, the simplest deterministic model for paper trading.
type FixedFillModel struct {
	FeesPaid    float64
	SlippageBps int
}

func (f FixedFillModel) SimulateFees(intent types.Intent) (float64, int) {
	return f.FeesPaid, f.SlippageBps
}

// simulator replaces steps 3-8 of the live execution contract: no
// compute-unit estimation, no fee oracle, no instruction building, no
// signing or submission. Reservation, position accounting, and
// ExecutionResult publication proceed exactly as in live mode.
type simulator struct {
	clk   clock.Clock
	model FillModel
}

func (s *simulator) Execute(ctx context.Context, intent types.Intent) types.ExecutionResult {
	fees, slippage := s.model.SimulateFees(intent)
	return types.ExecutionResult{
		IntentID:            intent.IntentID,
		Status:              types.ExecExecuted,
		Signature:           "PAPER-" + intent.IntentID,
		RealizedSlippageBps: slippage,
		FeesPaid:            fees,
		LatencyMS:           0,
		ProducedAt:          s.clk.Now(),
	}
}
