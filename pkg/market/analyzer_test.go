package market

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/solflux-labs/hft-core/pkg/clock"
	"github.com/solflux-labs/hft-core/pkg/types"
)

func priceEvent(symbol string, ts time.Time, price, size float64) types.MarketEvent {
	return types.MarketEvent{
		EventID:   "evt-" + ts.String(),
		Symbol:    symbol,
		Timestamp: ts.UnixMilli(),
		Kind:      types.EventKindPrice,
		Payload:   map[string]any{"price": price, "size": size},
	}
}

func TestAnalyzeEmptyWindowReturnsZeroConfidenceNoError(t *testing.T) {
	a := New(200, 5*time.Minute, 200, clock.Real{})
	f := a.Analyze("SOL/USDC", time.Now())
	require.Equal(t, 0, f.WindowFill)
	require.Zero(t, f.Confidence)
}

func TestAnalyzeUptrendYieldsPositiveTrendScore(t *testing.T) {
	a := New(200, 5*time.Minute, 10, clock.Real{})
	base := time.Now().Add(-time.Minute)
	for i := 0; i < 20; i++ {
		a.Ingest(priceEvent("SOL/USDC", base.Add(time.Duration(i)*time.Second), 100+float64(i), 5))
	}
	f := a.Analyze("SOL/USDC", base.Add(25*time.Second))
	require.Greater(t, f.TrendScore, 0.0)
	require.LessOrEqual(t, f.TrendScore, 1.0)
	require.GreaterOrEqual(t, f.Confidence, 0.0)
	require.LessOrEqual(t, f.Confidence, 1.0)
}

func TestAnalyzeNeverProducesNaNOrInf(t *testing.T) {
	a := New(200, 5*time.Minute, 200, clock.Real{})
	now := time.Now()
	a.Ingest(priceEvent("X/Y", now, 0, 0))
	a.Ingest(priceEvent("X/Y", now.Add(time.Second), 0, 0))
	f := a.Analyze("X/Y", now.Add(2*time.Second))
	require.False(t, isNaNOrInfT(f.TrendScore))
	require.False(t, isNaNOrInfT(f.Volatility))
	require.False(t, isNaNOrInfT(f.Momentum))
	require.False(t, isNaNOrInfT(f.Confidence))
}

func TestAnalyzeWindowExpiresStaleEvents(t *testing.T) {
	a := New(200, time.Second, 10, clock.Real{})
	now := time.Now()
	a.Ingest(priceEvent("SOL/USDC", now.Add(-10*time.Second), 100, 1))
	f := a.Analyze("SOL/USDC", now)
	require.Equal(t, 0, f.WindowFill)
}

func isNaNOrInfT(v float64) bool {
	return v != v || v > 1e308 || v < -1e308
}
