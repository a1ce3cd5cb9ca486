package risk

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/solflux-labs/hft-core/pkg/config"
	"github.com/solflux-labs/hft-core/pkg/types"
)

func equalWeights() config.RiskWeights {
	return config.RiskWeights{Market: 0.2, Position: 0.2, Portfolio: 0.2, Correlation: 0.2, Execution: 0.2}
}

func baseIntent() types.Intent {
	return types.Intent{
		Symbol:     "SOL/USDC",
		Action:     types.ActionBuy,
		Quantity:   1,
		Confidence: 0.8,
	}
}

func baseFeatures() types.MarketFeatures {
	return types.MarketFeatures{Symbol: "SOL/USDC", Volatility: 0.01, LiquidityDepth: 100, Confidence: 0.9}
}

func TestAssessLowConfidenceVetoes(t *testing.T) {
	intent := baseIntent()
	intent.Confidence = 0.4
	res := Assess(intent, baseFeatures(), PortfolioSnapshot{}, types.Limits{MaxPosition: 10, DailyLossCap: 100}, equalWeights(), 0.6, 100)
	require.True(t, res.Vetoed)
	require.Equal(t, vetoLowConfidence, res.VetoReason)
}

func TestAssessExtremeRiskVetoes(t *testing.T) {
	intent := baseIntent()
	intent.Quantity = 1000 // far beyond max_position
	snapshot := PortfolioSnapshot{
		DailyRealizedLoss: 95,
		WalletExposure:    0.99,
		SymbolExposurePct: map[string]float64{"SOL/USDC": 0.95},
		StalenessSeconds:  60,
	}
	features := baseFeatures()
	features.Volatility = 0.5
	features.Confidence = 0.1
	features.LiquidityDepth = 0 // no observed depth: worst liquidity risk
	res := Assess(intent, features, snapshot, types.Limits{MaxPosition: 1, DailyLossCap: 100}, equalWeights(), 0.6, 100)
	require.True(t, res.Vetoed)
	require.Equal(t, vetoExtremeRisk, res.VetoReason)
}

func TestAssessModerateRiskShrinksQuantity(t *testing.T) {
	intent := baseIntent()
	intent.Quantity = 8
	snapshot := PortfolioSnapshot{
		DailyRealizedLoss: 80,
		WalletExposure:    0.5,
		SymbolExposurePct: map[string]float64{"SOL/USDC": 0.8},
		StalenessSeconds:  60,
	}
	features := baseFeatures()
	features.Volatility = 0.05
	res := Assess(intent, features, snapshot, types.Limits{MaxPosition: 10, DailyLossCap: 100}, equalWeights(), 0.6, 100)
	require.False(t, res.Vetoed)
	require.Less(t, res.Intent.Quantity, intent.Quantity)
}

func TestAssessLowRiskPassesThroughUnshrunk(t *testing.T) {
	intent := baseIntent()
	intent.Quantity = 1
	res := Assess(intent, baseFeatures(), PortfolioSnapshot{}, types.Limits{MaxPosition: 10, DailyLossCap: 100}, equalWeights(), 0.6, 100)
	require.False(t, res.Vetoed)
	require.Equal(t, intent.Quantity, res.Intent.Quantity)
}

func TestStopTargetSymmetricForBuyAndSell(t *testing.T) {
	buyStop, buyTarget := stopTarget(types.ActionBuy, 100, 0.05)
	require.Less(t, buyStop, 100.0)
	require.Greater(t, buyTarget, 100.0)

	sellStop, sellTarget := stopTarget(types.ActionSell, 100, 0.05)
	require.Greater(t, sellStop, 100.0)
	require.Less(t, sellTarget, 100.0)
}

func TestCompositeNeverExceedsOne(t *testing.T) {
	f := Factors{Market: 1, Position: 1, Portfolio: 1, Correlation: 1, Execution: 1}
	require.LessOrEqual(t, f.Composite(equalWeights()), 1.0)
}
