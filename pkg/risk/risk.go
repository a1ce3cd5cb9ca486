// Package risk implements the Risk Analyzer: a pure function gating and
// shaping candidate intents before publication. It cannot fail except by an
// invariant violation, which is a programming bug rather than a runtime
// condition.
package risk

import (
	"math"

	"github.com/solflux-labs/hft-core/pkg/config"
	"github.com/solflux-labs/hft-core/pkg/types"
)

const (
	vetoExtremeRisk   = "extreme_risk"
	vetoLowConfidence = "low_confidence"

	extremeRiskThreshold = 0.9
	adjustmentThreshold  = 0.6

	// k scales the ATR-like proxy used to derive stop/target from volatility.
	stopTargetK = 2.0
)

// PortfolioSnapshot is the read-only view RA needs of wallet/portfolio state
// at assessment time; RO captures this from WM before calling RA.
type PortfolioSnapshot struct {
	WalletExposure      float64            // fraction of wallet capacity currently committed, [0,1]
	DailyRealizedLoss   float64
	SymbolExposurePct   map[string]float64 // symbol -> fraction of portfolio concentrated there
	StalenessSeconds    float64            // age of the features this decision is based on
}

// Factors is the five weighted risk components, each in [0,1] where 1 is
// worst.
type Factors struct {
	Market      float64
	Position    float64
	Portfolio   float64
	Correlation float64
	Execution   float64
}

// Composite computes the weighted mean of the five factors.
func (f Factors) Composite(w config.RiskWeights) float64 {
	sum := w.Market + w.Position + w.Portfolio + w.Correlation + w.Execution
	if sum == 0 {
		sum = 1
	}
	return (f.Market*w.Market + f.Position*w.Position + f.Portfolio*w.Portfolio +
		f.Correlation*w.Correlation + f.Execution*w.Execution) / sum
}

// Result is the RA verdict: either a veto with a reason, or an (possibly
// adjusted) intent ready for publication.
type Result struct {
	Vetoed     bool
	VetoReason string
	Intent     types.Intent
	Composite  float64
	Factors    Factors
}

// Assess gates and shapes a candidate intent. referencePrice is the current
// mid-price for the intent's symbol, used to derive stop/target levels.
func Assess(intent types.Intent, features types.MarketFeatures, snapshot PortfolioSnapshot, limits types.Limits, weights config.RiskWeights, minConfidence, referencePrice float64) Result {
	if intent.Confidence < minConfidence {
		return Result{Vetoed: true, VetoReason: vetoLowConfidence}
	}

	factors := computeFactors(intent, features, snapshot, limits)
	composite := factors.Composite(weights)

	if composite >= extremeRiskThreshold {
		return Result{Vetoed: true, VetoReason: vetoExtremeRisk, Composite: composite, Factors: factors}
	}

	adjusted := intent
	if composite >= adjustmentThreshold {
		shrink := math.Pow(1-composite, 2)
		adjusted.Quantity = intent.Quantity * shrink
	}

	if referencePrice > 0 {
		adjusted.RiskEnvelope.StopPrice, adjusted.RiskEnvelope.TakeProfitPrice = stopTarget(intent.Action, referencePrice, features.Volatility)
	}

	return Result{Intent: adjusted, Composite: composite, Factors: factors}
}

// volatilityScale maps the MA's log-return stddev (typically a few percent)
// onto the [0,1] risk range used by every other factor.
const volatilityScale = 10.0

func computeFactors(intent types.Intent, features types.MarketFeatures, snapshot PortfolioSnapshot, limits types.Limits) Factors {
	liquidityRisk := 1.0
	if features.LiquidityDepth > 0 {
		liquidityRisk = clamp01(1 / (1 + features.LiquidityDepth))
	}
	market := clamp01(clamp01(features.Volatility*volatilityScale)*0.6 + liquidityRisk*0.4)

	position := 0.0
	if limits.MaxPosition > 0 {
		position = clamp01(intent.Quantity / limits.MaxPosition)
	}

	portfolio := 0.0
	if limits.DailyLossCap > 0 {
		portfolio = clamp01(snapshot.DailyRealizedLoss / limits.DailyLossCap)
	}
	portfolio = math.Max(portfolio, clamp01(snapshot.WalletExposure))

	correlation := clamp01(snapshot.SymbolExposurePct[intent.Symbol])

	execution := clamp01((1-features.Confidence)*0.5 + clamp01(snapshot.StalenessSeconds/30)*0.5)

	return Factors{
		Market:      market,
		Position:    position,
		Portfolio:   portfolio,
		Correlation: correlation,
		Execution:   execution,
	}
}

// stopTarget derives a symmetric stop/target pair from an ATR-like proxy:
// stop = entry * (1 - k*volatility) for BUY, mirrored for SELL.
func stopTarget(action types.Action, entry, volatility float64) (stop, target float64) {
	delta := entry * stopTargetK * volatility
	switch action {
	case types.ActionSell:
		return entry + delta, entry - delta
	default: // BUY; HOLD also lands here and gets BUY-oriented levels
		return entry - delta, entry + delta
	}
}

func clamp01(v float64) float64 {
	if v != v { // NaN
		return 0
	}
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
