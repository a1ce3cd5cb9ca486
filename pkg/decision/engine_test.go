package decision

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/solflux-labs/hft-core/pkg/config"
	"github.com/solflux-labs/hft-core/pkg/types"
)

func anthropicBody(text string) string {
	return fmt.Sprintf(`{"content":[{"text":%q}]}`, text)
}

func anthropicHandler(text string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, anthropicBody(text))
	}
}

func anthropicSequenceHandler(i *int, responses []string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		idx := *i
		*i++
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, anthropicBody(responses[idx%len(responses)]))
	}
}

func TestDecideWithNoProviderFallsBackToHold(t *testing.T) {
	e := New(&config.Config{}, zerolog.Nop())
	intent := e.Decide(context.Background(), types.MarketFeatures{Symbol: "SOL/USDC"}, nil, PortfolioSnapshot{}, time.Second)
	require.Equal(t, types.ActionHold, intent.Action)
	require.Equal(t, fallbackReasoning, intent.Reasoning)
	require.Zero(t, intent.Confidence)
}

func TestDecideOnceUsesAnthropicProvider(t *testing.T) {
	srv := httptest.NewServer(anthropicHandler(`{"action":"BUY","quantity":1.5,"confidence":0.75,"reasoning":"uptrend","max_slippage_bps":40}`))
	defer srv.Close()

	e := New(&config.Config{AnthropicAPIKey: "test-key"}, zerolog.Nop())
	e.apiBaseURL = srv.URL

	intent := e.Decide(context.Background(), types.MarketFeatures{Symbol: "SOL/USDC"}, nil, PortfolioSnapshot{}, time.Second)
	require.Equal(t, types.ActionBuy, intent.Action)
	require.Equal(t, 1.5, intent.Quantity)
	require.InDelta(t, 0.75, intent.Confidence, 1e-9)
}

func TestDecideMalformedResponseFallsBack(t *testing.T) {
	srv := httptest.NewServer(anthropicHandler(`not json at all`))
	defer srv.Close()

	e := New(&config.Config{AnthropicAPIKey: "test-key"}, zerolog.Nop())
	e.apiBaseURL = srv.URL

	intent := e.Decide(context.Background(), types.MarketFeatures{Symbol: "SOL/USDC"}, nil, PortfolioSnapshot{}, time.Second)
	require.Equal(t, types.ActionHold, intent.Action)
	require.Equal(t, fallbackReasoning, intent.Reasoning)
}

func TestDecideHoldWithNonZeroQuantityIsZeroedNotRejected(t *testing.T) {
	srv := httptest.NewServer(anthropicHandler(`{"action":"HOLD","quantity":3,"confidence":0.5,"reasoning":"x"}`))
	defer srv.Close()

	e := New(&config.Config{AnthropicAPIKey: "test-key"}, zerolog.Nop())
	e.apiBaseURL = srv.URL

	intent := e.Decide(context.Background(), types.MarketFeatures{Symbol: "SOL/USDC"}, nil, PortfolioSnapshot{}, time.Second)
	require.Equal(t, types.ActionHold, intent.Action)
	require.Zero(t, intent.Quantity)
}

func TestConsensusMajorityWins(t *testing.T) {
	responses := []string{
		`{"action":"BUY","quantity":1,"confidence":0.8,"reasoning":"a"}`,
		`{"action":"BUY","quantity":2,"confidence":0.6,"reasoning":"b"}`,
		`{"action":"HOLD","quantity":0,"confidence":0.9,"reasoning":"c"}`,
	}
	i := 0
	srv := httptest.NewServer(anthropicSequenceHandler(&i, responses))
	defer srv.Close()

	e := New(&config.Config{AnthropicAPIKey: "test-key", ConsensusModelCount: 3}, zerolog.Nop())
	e.apiBaseURL = srv.URL

	intent := e.Decide(context.Background(), types.MarketFeatures{Symbol: "SOL/USDC"}, nil, PortfolioSnapshot{}, time.Second)
	require.Equal(t, types.ActionBuy, intent.Action)
}

func TestConsensusTieFallsBackToHold(t *testing.T) {
	responses := []string{
		`{"action":"BUY","quantity":1,"confidence":0.8,"reasoning":"a"}`,
		`{"action":"SELL","quantity":1,"confidence":0.8,"reasoning":"b"}`,
		`{"action":"HOLD","quantity":0,"confidence":0.5,"reasoning":"c"}`,
	}
	i := 0
	srv := httptest.NewServer(anthropicSequenceHandler(&i, responses))
	defer srv.Close()

	e := New(&config.Config{AnthropicAPIKey: "test-key", ConsensusModelCount: 3}, zerolog.Nop())
	e.apiBaseURL = srv.URL

	intent := e.Decide(context.Background(), types.MarketFeatures{Symbol: "SOL/USDC"}, nil, PortfolioSnapshot{}, time.Second)
	require.Equal(t, types.ActionHold, intent.Action)
}

func TestExtractJSONStripsCodeFences(t *testing.T) {
	raw := "```json\n{\"action\":\"HOLD\"}\n```"
	require.JSONEq(t, `{"action":"HOLD"}`, string(extractJSON(raw)))
}

func TestExtractJSONIsolatesObjectFromSurroundingProse(t *testing.T) {
	raw := "Sure, here is the decision:\n{\"action\":\"BUY\",\"quantity\":1}\nLet me know if you need anything else."
	require.JSONEq(t, `{"action":"BUY","quantity":1}`, string(extractJSON(raw)))
}

func TestSituationDigestIsDeterministic(t *testing.T) {
	f := types.MarketFeatures{Symbol: "SOL/USDC", TrendScore: 0.5, Volatility: 0.1, Momentum: 0.2, LiquidityDepth: 10}
	require.Equal(t, SituationDigest(f), SituationDigest(f))
}
