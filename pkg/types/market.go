// Package types holds the shared data model: entities that cross package
// boundaries (and the wire boundary between reasoner and executor). Nothing
// here suspends or performs I/O; these are plain value types.
package types

import "time"

// EventKind is the closed set of MarketEvent variants. Unknown kinds are
// rejected at ingress rather than passed through as duck-typed payloads.
type EventKind string

const (
	EventKindPrice     EventKind = "price"
	EventKindTrade     EventKind = "trade"
	EventKindLiquidity EventKind = "liquidity"
	EventKindCustom    EventKind = "custom"
)

func (k EventKind) Valid() bool {
	switch k {
	case EventKindPrice, EventKindTrade, EventKindLiquidity, EventKindCustom:
		return true
	default:
		return false
	}
}

// MarketEvent is a single normalized ingress record on the market_events
// stream. event_id uniqueness is enforced by the consumer (RO), not by this
// type; per-(symbol,kind) timestamp order is checked by neither.
type MarketEvent struct {
	EventID   string          `msgpack:"event_id" json:"event_id"`
	Symbol    string          `msgpack:"symbol" json:"symbol"`
	Timestamp int64           `msgpack:"timestamp" json:"timestamp"` // unix ms
	Kind      EventKind       `msgpack:"kind" json:"kind"`
	Payload   map[string]any  `msgpack:"payload" json:"payload"`
	SchemaVer int             `msgpack:"schema_version" json:"schema_version"`
}

// Time returns the event timestamp as a time.Time.
func (e MarketEvent) Time() time.Time {
	return time.UnixMilli(e.Timestamp).UTC()
}

// MarketFeatures is the output of the Market Analyzer. All fields are
// saturated to their documented ranges; NaN/Inf never escape Analyze().
type MarketFeatures struct {
	Symbol         string  `msgpack:"symbol" json:"symbol"`
	TrendScore     float64 `msgpack:"trend_score" json:"trend_score"`         // [-1,1]
	Volatility     float64 `msgpack:"volatility" json:"volatility"`           // >=0
	Momentum       float64 `msgpack:"momentum" json:"momentum"`               // [-1,1]
	LiquidityDepth float64 `msgpack:"liquidity_depth" json:"liquidity_depth"` // >=0
	Confidence     float64 `msgpack:"confidence" json:"confidence"`           // [0,1]
	ComputedAt     time.Time `msgpack:"computed_at" json:"computed_at"`
	WindowFill     int     `msgpack:"window_fill" json:"window_fill"`
}

// Clamp saturates every range-bound field in place.
func (f *MarketFeatures) Clamp() {
	f.TrendScore = clamp(f.TrendScore, -1, 1)
	f.Momentum = clamp(f.Momentum, -1, 1)
	f.Confidence = clamp(f.Confidence, 0, 1)
	if f.Volatility < 0 || isNaNOrInf(f.Volatility) {
		f.Volatility = 0
	}
	if f.LiquidityDepth < 0 || isNaNOrInf(f.LiquidityDepth) {
		f.LiquidityDepth = 0
	}
	if isNaNOrInf(f.TrendScore) {
		f.TrendScore = 0
	}
	if isNaNOrInf(f.Momentum) {
		f.Momentum = 0
	}
	if isNaNOrInf(f.Confidence) {
		f.Confidence = 0
	}
}

func clamp(v, lo, hi float64) float64 {
	if isNaNOrInf(v) {
		return 0
	}
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func isNaNOrInf(v float64) bool {
	return v != v || v > 1e308 || v < -1e308
}
