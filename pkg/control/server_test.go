package control

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/solflux-labs/hft-core/pkg/clock"
	"github.com/solflux-labs/hft-core/pkg/config"
	"github.com/solflux-labs/hft-core/pkg/decision"
	"github.com/solflux-labs/hft-core/pkg/risk"
	"github.com/solflux-labs/hft-core/pkg/types"
)

type fakeDepther struct{ depth int64 }

func (f fakeDepther) Depth(ctx context.Context, stream string) (int64, error) { return f.depth, nil }

type fakeAnalyzer struct{ features types.MarketFeatures }

func (f *fakeAnalyzer) Ingest(evt types.MarketEvent)                          {}
func (f *fakeAnalyzer) Analyze(symbol string, now time.Time) types.MarketFeatures { return f.features }
func (f *fakeAnalyzer) LastPrice(symbol string) (float64, bool)               { return 100, true }

type fakeMemory struct{ hit types.ScoredExperience }

func (f *fakeMemory) Embed(ctx context.Context, text string) ([]float32, error) {
	return []float32{0.1, 0.2}, nil
}
func (f *fakeMemory) Search(ctx context.Context, q []float32, k int, symbol string) ([]types.ScoredExperience, error) {
	return []types.ScoredExperience{f.hit}, nil
}
func (f *fakeMemory) UpdateOutcome(ctx context.Context, experienceID string, outcome types.Outcome) error {
	return nil
}

type fakeDecider struct{ intent types.Intent }

func (f *fakeDecider) Decide(ctx context.Context, features types.MarketFeatures, hits []types.ScoredExperience, snapshot decision.PortfolioSnapshot, ttl time.Duration) types.Intent {
	return f.intent
}

type fakeSnapshotter struct{}

func (fakeSnapshotter) Snapshot(ctx context.Context, symbol string) (decision.PortfolioSnapshot, risk.PortfolioSnapshot, types.Limits) {
	return decision.PortfolioSnapshot{}, risk.PortfolioSnapshot{}, types.Limits{MaxExposurePct: 1}
}

type fakeStopper struct{ positions []types.Position }

func (f *fakeStopper) EmergencyStopAll() []types.Position { return f.positions }

type fakeHealthReporter struct{ health map[string]types.WalletHealth }

func (f *fakeHealthReporter) WalletHealthSnapshot() map[string]types.WalletHealth { return f.health }

type fakeNotifier struct{ published []string }

func (f *fakeNotifier) Publish(ctx context.Context, stream string, payload any) (string, error) {
	f.published = append(f.published, stream)
	return "id-1", nil
}

func testServer(t *testing.T, opts ...Option) *Server {
	t.Helper()
	cfg := &config.Config{TradingMode: config.ModePaper, OperatorToken: "secret-token"}
	return New(cfg, zerolog.Nop(), clock.Fixed{At: time.Now()}, 0, opts...)
}

func TestHealthReturnsOK(t *testing.T) {
	s := testServer(t)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "healthy")
}

func TestStatusReportsComponentsAndQueueDepths(t *testing.T) {
	s := testServer(t,
		WithComponent("wallet_manager", func() ComponentStatus { return ComponentStatus{Name: "wallet_manager"} }),
		WithQueueDepths(fakeDepther{depth: 7}),
	)
	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "wallet_manager")
	require.Contains(t, rec.Body.String(), "trading_intents")
}

func TestEmergencyStopRequiresOperatorToken(t *testing.T) {
	s := testServer(t, WithEmergencyStop(&fakeStopper{}, &fakeNotifier{}))
	req := httptest.NewRequest(http.MethodPost, "/emergency_stop", nil)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestEmergencyStopWithTokenStopsAllWallets(t *testing.T) {
	stopper := &fakeStopper{positions: []types.Position{{PositionID: "p1"}}}
	notifier := &fakeNotifier{}
	s := testServer(t, WithEmergencyStop(stopper, notifier))
	req := httptest.NewRequest(http.MethodPost, "/emergency_stop", nil)
	req.Header.Set(operatorTokenHeader, "secret-token")
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"positions_open":1`)
	require.Len(t, notifier.published, 1)
}

func TestAnalyzeReturnsCandidateWithoutPublishing(t *testing.T) {
	intent := types.Intent{IntentID: "ignored", Symbol: "SOL/USDC", Action: types.ActionBuy, Quantity: 1, Confidence: 0.9}
	s := testServer(t, WithAnalyze(
		&fakeAnalyzer{features: types.MarketFeatures{Symbol: "SOL/USDC"}},
		&fakeMemory{},
		&fakeDecider{intent: intent},
		fakeSnapshotter{},
		config.RiskWeights{Market: 1},
		0.5,
		time.Minute,
	))
	req := httptest.NewRequest(http.MethodPost, "/analyze", strings.NewReader(`{"symbol":"SOL/USDC"}`))
	req.Header.Set(operatorTokenHeader, "secret-token")
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"symbol":"SOL/USDC"`)
}

func TestMemorySearchRequiresQuery(t *testing.T) {
	s := testServer(t, WithMemory(&fakeMemory{}))
	req := httptest.NewRequest(http.MethodGet, "/memory/search", nil)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestMemorySearchReturnsHits(t *testing.T) {
	s := testServer(t, WithMemory(&fakeMemory{hit: types.ScoredExperience{Score: 0.9}}))
	req := httptest.NewRequest(http.MethodGet, "/memory/search?q=volatility+spike&k=3", nil)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"score":0.9`)
}

func TestStatusIncludesWalletHealthWhenWired(t *testing.T) {
	s := testServer(t, WithWalletHealth(&fakeHealthReporter{
		health: map[string]types.WalletHealth{"wallet-a": {LandedCount: 4, DroppedCount: 1}},
	}))
	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"wallet_health"`)
	require.Contains(t, rec.Body.String(), `"wallet-a"`)
}

func TestStatusOmitsWalletHealthWhenNotWired(t *testing.T) {
	s := testServer(t)
	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotContains(t, rec.Body.String(), `"wallet_health"`)
}

func TestLatencyRecorderComputesPercentiles(t *testing.T) {
	rec := newRecorder()
	for i := 1; i <= 10; i++ {
		rec.Observe("execution_engine", time.Duration(i)*time.Millisecond)
	}
	snap := rec.Snapshot()
	stats, ok := snap["execution_engine"]
	require.True(t, ok)
	require.Equal(t, 10, stats.Count)
	require.Greater(t, stats.P95Ms, stats.P50Ms)
}
