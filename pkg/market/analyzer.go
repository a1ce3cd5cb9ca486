// Package market implements the Market Analyzer: a pure function from a
// bounded recent window of MarketEvents to a MarketFeatures bundle. It never
// errors; insufficient data degrades to confidence=0 rather than failing.
package market

import (
	"math"
	"sort"
	"sync"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/solflux-labs/hft-core/pkg/clock"
	"github.com/solflux-labs/hft-core/pkg/types"
)

type point struct {
	ts   time.Time
	mid  float64
	size float64
}

// symbolWindow is the bounded recent-event buffer for one symbol, trimmed by
// event count on every ingest; points older than the window TTL are left out
// when Analyze runs.
type symbolWindow struct {
	mu     sync.Mutex
	points []point
}

// Analyzer turns ingested MarketEvents into on-demand MarketFeatures.
type Analyzer struct {
	maxEvents  int
	windowTTL  time.Duration
	targetFill int
	clk        clock.Clock

	mu      sync.RWMutex
	windows map[string]*symbolWindow
}

func New(maxEvents int, windowTTL time.Duration, targetFill int, clk clock.Clock) *Analyzer {
	return &Analyzer{
		maxEvents:  maxEvents,
		windowTTL:  windowTTL,
		targetFill: targetFill,
		clk:        clk,
		windows:    make(map[string]*symbolWindow),
	}
}

// Ingest records one normalized MarketEvent into its symbol's window. The
// event kind is not consulted: a price/mid/mid_price payload field gives a
// mid-price sample, a size/quantity/amount field gives a size sample, and an
// event with neither is ignored.
func (a *Analyzer) Ingest(evt types.MarketEvent) {
	mid, hasMid := floatField(evt.Payload, "price", "mid", "mid_price")
	size, hasSize := floatField(evt.Payload, "size", "quantity", "amount")

	if !hasMid && !hasSize {
		return
	}

	w := a.windowFor(evt.Symbol)
	w.mu.Lock()
	defer w.mu.Unlock()

	p := point{ts: evt.Time()}
	if hasMid {
		p.mid = mid
	}
	if hasSize {
		p.size = size
	}
	w.points = append(w.points, p)

	sort.Slice(w.points, func(i, j int) bool { return w.points[i].ts.Before(w.points[j].ts) })
	if len(w.points) > a.maxEvents {
		w.points = w.points[len(w.points)-a.maxEvents:]
	}
}

// LastPrice returns the most recent mid-price observed for symbol and
// whether one has been observed at all. Used to derive stop/target levels
// from a reference price outside the feature bundle itself.
func (a *Analyzer) LastPrice(symbol string) (float64, bool) {
	w := a.windowFor(symbol)
	w.mu.Lock()
	defer w.mu.Unlock()
	for i := len(w.points) - 1; i >= 0; i-- {
		if w.points[i].mid > 0 {
			return w.points[i].mid, true
		}
	}
	return 0, false
}

func (a *Analyzer) windowFor(symbol string) *symbolWindow {
	a.mu.RLock()
	w, ok := a.windows[symbol]
	a.mu.RUnlock()
	if ok {
		return w
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if w, ok := a.windows[symbol]; ok {
		return w
	}
	w = &symbolWindow{}
	a.windows[symbol] = w
	return w
}

// Analyze computes MarketFeatures over the bounded recent window for symbol
// as of now. It never errors: an empty or stale window yields
// confidence=0 features rather than a failure.
func (a *Analyzer) Analyze(symbol string, now time.Time) types.MarketFeatures {
	f := types.MarketFeatures{Symbol: symbol, ComputedAt: now}

	w := a.windowFor(symbol)
	w.mu.Lock()
	cutoff := now.Add(-a.windowTTL)
	live := make([]point, 0, len(w.points))
	for _, p := range w.points {
		if p.ts.After(cutoff) {
			live = append(live, p)
		}
	}
	w.points = live
	points := append([]point(nil), live...)
	w.mu.Unlock()

	f.WindowFill = len(points)
	if len(points) == 0 {
		f.Clamp()
		return f
	}

	mids := pricesOf(points)
	if len(mids) >= 2 {
		f.TrendScore = trendScore(mids)
		f.Volatility = logReturnStdDev(mids)
		f.Momentum = momentum(mids)
	}
	f.LiquidityDepth = averageSize(points)

	lastSeen := points[len(points)-1].ts
	freshness := 1.0
	if age := now.Sub(lastSeen); age > 0 {
		freshness = 1 - float64(age)/float64(a.windowTTL)
		if freshness < 0 {
			freshness = 0
		}
	}
	fill := math.Min(1, float64(f.WindowFill)/float64(a.targetFill))
	f.Confidence = fill * freshness

	f.Clamp()
	return f
}

func floatField(payload map[string]any, keys ...string) (float64, bool) {
	for _, k := range keys {
		v, ok := payload[k]
		if !ok {
			continue
		}
		switch n := v.(type) {
		case float64:
			return n, true
		case float32:
			return float64(n), true
		case int:
			return float64(n), true
		case int64:
			return float64(n), true
		}
	}
	return 0, false
}

func pricesOf(points []point) []float64 {
	var out []float64
	for _, p := range points {
		if p.mid > 0 {
			out = append(out, p.mid)
		}
	}
	return out
}

func averageSize(points []point) float64 {
	var sum float64
	var n int
	for _, p := range points {
		if p.size > 0 {
			sum += p.size
			n++
		}
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}

// trendScore is the sign of the slope of a linear regression over mid-prices
// against their index, scaled by R².
func trendScore(mids []float64) float64 {
	xs := make([]float64, len(mids))
	for i := range mids {
		xs[i] = float64(i)
	}
	intercept, slope := stat.LinearRegression(xs, mids, nil, false)

	fitted := make([]float64, len(xs))
	for i, x := range xs {
		fitted[i] = intercept + slope*x
	}
	r2 := stat.RSquaredFrom(fitted, mids, nil)

	sign := 0.0
	switch {
	case slope > 0:
		sign = 1
	case slope < 0:
		sign = -1
	}
	return sign * r2
}

// logReturnStdDev is the stddev of consecutive log-returns over the window.
func logReturnStdDev(mids []float64) float64 {
	if len(mids) < 2 {
		return 0
	}
	returns := make([]float64, 0, len(mids)-1)
	for i := 1; i < len(mids); i++ {
		if mids[i-1] <= 0 || mids[i] <= 0 {
			continue
		}
		returns = append(returns, math.Log(mids[i]/mids[i-1]))
	}
	if len(returns) < 2 {
		return 0
	}
	return stat.StdDev(returns, nil)
}

// momentum is a normalized, signed rate-of-change from window start to end.
func momentum(mids []float64) float64 {
	first, last := mids[0], mids[len(mids)-1]
	if first == 0 {
		return 0
	}
	roc := (last - first) / first
	return roc
}
