package control

import (
	"context"
	"time"

	"github.com/solflux-labs/hft-core/pkg/config"
	"github.com/solflux-labs/hft-core/pkg/decision"
	"github.com/solflux-labs/hft-core/pkg/risk"
	"github.com/solflux-labs/hft-core/pkg/types"
)

// ComponentStatus is one line of the /status response: a named component
// and whether it considers itself degraded, with a human reason.
type ComponentStatus struct {
	Name     string `json:"name"`
	Degraded bool   `json:"degraded"`
	Reason   string `json:"reason,omitempty"`
}

// depther reports stream backlog, used for back-pressure visibility on
// /status. *bus.Bus satisfies this.
type depther interface {
	Depth(ctx context.Context, stream string) (int64, error)
}

// analyzer is the Market Analyzer surface /analyze needs. *market.Analyzer
// satisfies this.
type analyzer interface {
	Ingest(evt types.MarketEvent)
	Analyze(symbol string, now time.Time) types.MarketFeatures
	LastPrice(symbol string) (float64, bool)
}

// memorySearcher is the Vector Memory Store surface /analyze and
// /memory/* need. *vms.Store satisfies this.
type memorySearcher interface {
	Embed(ctx context.Context, digest string) ([]float32, error)
	Search(ctx context.Context, queryVector []float32, k int, symbolFilter string) ([]types.ScoredExperience, error)
	UpdateOutcome(ctx context.Context, experienceID string, outcome types.Outcome) error
}

// decider is the Decision Engine surface /analyze needs. *decision.Engine
// satisfies this.
type decider interface {
	Decide(ctx context.Context, features types.MarketFeatures, hits []types.ScoredExperience, snapshot decision.PortfolioSnapshot, ttl time.Duration) types.Intent
}

// snapshotter gives /analyze the same read-only portfolio view the think
// loop uses. *wallet.Manager satisfies this.
type snapshotter interface {
	Snapshot(ctx context.Context, symbol string) (decision.PortfolioSnapshot, risk.PortfolioSnapshot, types.Limits)
}

// Stopper is the Wallet Manager surface /emergency_stop needs.
// *wallet.Manager satisfies this.
type Stopper interface {
	EmergencyStopAll() []types.Position
}

// healthReporter gives /status the wallet health-score tie-break profile
// WM tracks per wallet. *wallet.Manager satisfies this.
type healthReporter interface {
	WalletHealthSnapshot() map[string]types.WalletHealth
}

// eventNotifier lets /emergency_stop best-effort broadcast the stop onto
// the control_events stream for observers outside this process. *bus.Bus
// satisfies this.
type eventNotifier interface {
	Publish(ctx context.Context, stream string, payload any) (string, error)
}

type analyzeDeps struct {
	ma            analyzer
	memory        memorySearcher
	decider       decider
	portfolio     snapshotter
	riskWeights   config.RiskWeights
	minConfidence float64
	ttl           time.Duration
}
