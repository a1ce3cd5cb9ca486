// Package decision implements the Decision Engine: an LLM-backed producer
// of trading Intents, with deterministic prompt assembly, optional
// multi-model consensus, and a mandatory conservative fallback on any
// external-model failure or schema violation.
package decision

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/solflux-labs/hft-core/pkg/config"
	"github.com/solflux-labs/hft-core/pkg/types"
)

const fallbackReasoning = "fallback"

// PortfolioSnapshot is the read-only slice of wallet state the prompt is
// conditioned on.
type PortfolioSnapshot struct {
	OpenPositions      int
	AvailableCapital   float64
	DailyRealizedLoss  float64
}

// rawIntent is the JSON shape requested of the model; fields are validated
// before being converted into a types.Intent.
type rawIntent struct {
	Action         string  `json:"action"`
	Quantity       float64 `json:"quantity"`
	Confidence     float64 `json:"confidence"`
	Reasoning      string  `json:"reasoning"`
	MaxSlippageBps int     `json:"max_slippage_bps"`
}

// Engine wraps a single LLM provider, auto-selected at construction time
// from whichever API key or endpoint is configured.
type Engine struct {
	client *http.Client
	log    zerolog.Logger

	provider   string // "anthropic", "openai", "ollama"
	apiKey     string
	model      string
	apiBaseURL string

	consensusCount int
}

func New(cfg *config.Config, log zerolog.Logger) *Engine {
	e := &Engine{
		client:         &http.Client{Timeout: 30 * time.Second},
		log:            log,
		consensusCount: cfg.ConsensusModelCount,
	}

	switch {
	case cfg.AnthropicAPIKey != "":
		e.provider = "anthropic"
		e.apiKey = cfg.AnthropicAPIKey
		e.model = firstNonEmpty(cfg.AIModel, "claude-sonnet-4-20250514")
		e.apiBaseURL = "https://api.anthropic.com/v1/messages"
	case cfg.OpenAIAPIKey != "":
		e.provider = "openai"
		e.apiKey = cfg.OpenAIAPIKey
		e.model = firstNonEmpty(cfg.AIModel, "gpt-4o")
		e.apiBaseURL = "https://api.openai.com/v1/chat/completions"
	case cfg.OllamaURL != "":
		e.provider = "ollama"
		e.model = firstNonEmpty(cfg.AIModel, cfg.OllamaModel, "llama3.1")
		e.apiBaseURL = cfg.OllamaURL + "/api/chat"
	}

	if e.provider != "" {
		log.Info().Str("provider", e.provider).Str("model", e.model).Msg("decision engine initialized")
	} else {
		log.Warn().Msg("no model provider configured, decide() will always fall back to HOLD")
	}
	return e
}

func (e *Engine) IsEnabled() bool {
	return e.provider != ""
}

// Decide produces an Intent from MA features, VMS retrieval hits, and a
// portfolio snapshot. Any external-model failure or schema violation yields
// a conservative HOLD rather than an error.
func (e *Engine) Decide(ctx context.Context, features types.MarketFeatures, hits []types.ScoredExperience, snapshot PortfolioSnapshot, ttl time.Duration) types.Intent {
	if !e.IsEnabled() {
		return fallbackIntent(features.Symbol, ttl)
	}

	prompt := buildPrompt(features, hits, snapshot)

	if e.consensusCount >= 3 {
		return e.decideConsensus(ctx, features.Symbol, prompt, ttl)
	}

	intent, err := e.decideOnce(ctx, features.Symbol, prompt, ttl)
	if err != nil {
		e.log.Warn().Err(err).Str("symbol", features.Symbol).Msg("decision engine call failed, falling back to HOLD")
		return fallbackIntent(features.Symbol, ttl)
	}
	return intent
}

func (e *Engine) decideOnce(ctx context.Context, symbol, prompt string, ttl time.Duration) (types.Intent, error) {
	resp, err := e.callLLM(ctx, prompt)
	if err != nil {
		return types.Intent{}, err
	}
	raw, err := parseRawIntent(resp)
	if err != nil {
		return types.Intent{}, err
	}
	return toIntent(symbol, raw, ttl)
}

// decideConsensus calls consensusCount model variants and resolves a
// majority-vote action; ties resolve to HOLD, confidence is the mean of the
// agreeing variants' confidence scaled by the agreement ratio.
func (e *Engine) decideConsensus(ctx context.Context, symbol, prompt string, ttl time.Duration) types.Intent {
	votes := make([]rawIntent, 0, e.consensusCount)
	for i := 0; i < e.consensusCount; i++ {
		resp, err := e.callLLM(ctx, prompt)
		if err != nil {
			e.log.Warn().Err(err).Int("variant", i).Msg("consensus variant call failed")
			continue
		}
		raw, err := parseRawIntent(resp)
		if err != nil {
			e.log.Warn().Err(err).Int("variant", i).Msg("consensus variant returned malformed intent")
			continue
		}
		votes = append(votes, raw)
	}
	if len(votes) == 0 {
		return fallbackIntent(symbol, ttl)
	}

	tally := map[string]int{}
	for _, v := range votes {
		tally[v.Action]++
	}
	winner, winnerCount := "", 0
	tied := false
	for action, count := range tally {
		switch {
		case count > winnerCount:
			winner, winnerCount = action, count
			tied = false
		case count == winnerCount:
			tied = true
		}
	}
	if tied || winner == "" {
		return fallbackIntent(symbol, ttl)
	}

	var sumConf float64
	var sumQty float64
	var reasoning string
	for _, v := range votes {
		if v.Action == winner {
			sumConf += v.Confidence
			sumQty += v.Quantity
			if reasoning == "" {
				reasoning = v.Reasoning
			}
		}
	}
	agreement := float64(winnerCount) / float64(len(votes))
	avgConf := (sumConf / float64(winnerCount)) * agreement
	avgQty := sumQty / float64(winnerCount)

	intent, err := toIntent(symbol, rawIntent{Action: winner, Quantity: avgQty, Confidence: avgConf, Reasoning: reasoning}, ttl)
	if err != nil {
		return fallbackIntent(symbol, ttl)
	}
	return intent
}

func toIntent(symbol string, raw rawIntent, ttl time.Duration) (types.Intent, error) {
	action := types.Action(strings.ToUpper(raw.Action))
	intent := types.Intent{
		IntentID:   uuid.NewString(),
		Symbol:     symbol,
		Action:     action,
		Quantity:   raw.Quantity,
		Confidence: clamp01(raw.Confidence),
		Reasoning:  raw.Reasoning,
		RiskEnvelope: types.RiskEnvelope{
			MaxSlippageBps: raw.MaxSlippageBps,
		},
		TTL: ttl,
	}
	if intent.Action == types.ActionHold {
		intent.Quantity = 0
	}
	if err := intent.Validate(); err != nil {
		return types.Intent{}, fmt.Errorf("decision: schema violation: %w", err)
	}
	return intent, nil
}

func fallbackIntent(symbol string, ttl time.Duration) types.Intent {
	return types.Intent{
		IntentID:   uuid.NewString(),
		Symbol:     symbol,
		Action:     types.ActionHold,
		Quantity:   0,
		Confidence: 0,
		Reasoning:  fallbackReasoning,
		TTL:        ttl,
	}
}

func clamp01(v float64) float64 {
	if v != v {
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

// buildPrompt is deterministic given its inputs: identical features, hits,
// and snapshot always produce the identical prompt string.
func buildPrompt(features types.MarketFeatures, hits []types.ScoredExperience, snapshot PortfolioSnapshot) string {
	var memCtx strings.Builder
	if len(hits) == 0 {
		memCtx.WriteString("(no similar past situations found)\n")
	}
	for _, h := range hits {
		outcome := "pending"
		if h.Experience.Outcome != nil {
			outcome = fmt.Sprintf("%s pnl=%.4f", h.Experience.Outcome.Status, h.Experience.Outcome.PnL)
		}
		memCtx.WriteString(fmt.Sprintf("- score=%.3f action=%s qty=%.4f confidence=%.2f outcome=%s\n",
			h.Score, h.Experience.Decision.Action, h.Experience.Decision.Quantity, h.Experience.Decision.Confidence, outcome))
	}

	return fmt.Sprintf(`You are a disciplined systematic trading assistant for a high-frequency execution system.

SYMBOL: %s

MARKET FEATURES:
- trend_score: %.4f
- volatility: %.4f
- momentum: %.4f
- liquidity_depth: %.4f
- confidence: %.4f

SIMILAR PAST SITUATIONS (retrieved from memory, ranked by similarity):
%s
PORTFOLIO STATE:
- open_positions: %d
- available_capital: %.4f
- daily_realized_loss: %.4f

Decide the single best action for this symbol right now. Return ONLY a JSON object, no other text:
{
  "action": "BUY|SELL|HOLD",
  "quantity": 0.0,
  "confidence": 0.0-1.0,
  "reasoning": "one sentence",
  "max_slippage_bps": 50
}

Rules:
- If action is HOLD, quantity must be 0.
- confidence must reflect genuine certainty; do not inflate it.
- Weigh the outcomes of similar past situations above your own priors when they disagree.`,
		features.Symbol, features.TrendScore, features.Volatility, features.Momentum, features.LiquidityDepth, features.Confidence,
		memCtx.String(), snapshot.OpenPositions, snapshot.AvailableCapital, snapshot.DailyRealizedLoss)
}

func parseRawIntent(resp string) (rawIntent, error) {
	var raw rawIntent
	if err := json.Unmarshal(extractJSON(resp), &raw); err != nil {
		return rawIntent{}, fmt.Errorf("decision: unparseable model response: %w", err)
	}
	if raw.Action == "" {
		return rawIntent{}, fmt.Errorf("decision: model response missing action")
	}
	return raw, nil
}

// extractJSON strips markdown code fences and isolates the outermost JSON
// object in a model response that may include prose around it.
func extractJSON(s string) []byte {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	s = strings.TrimSpace(s)
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start >= 0 && end > start {
		return []byte(s[start : end+1])
	}
	return []byte(s)
}

func (e *Engine) callLLM(ctx context.Context, prompt string) (string, error) {
	switch e.provider {
	case "anthropic":
		return e.callAnthropic(ctx, prompt)
	case "openai":
		return e.callOpenAI(ctx, prompt)
	case "ollama":
		return e.callOllama(ctx, prompt)
	default:
		return "", fmt.Errorf("decision: no model provider configured")
	}
}

func (e *Engine) callAnthropic(ctx context.Context, prompt string) (string, error) {
	reqBody := map[string]any{
		"model":      e.model,
		"max_tokens": 1024,
		"messages":   []map[string]string{{"role": "user", "content": prompt}},
	}
	body, err := json.Marshal(reqBody)
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.apiBaseURL, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", e.apiKey)
	req.Header.Set("anthropic-version", "2023-06-01")

	resp, err := e.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("decision: anthropic API error %d: %s", resp.StatusCode, string(respBody))
	}

	var result struct {
		Content []struct {
			Text string `json:"text"`
		} `json:"content"`
	}
	if err := json.Unmarshal(respBody, &result); err != nil {
		return "", fmt.Errorf("decision: anthropic response decode: %w", err)
	}
	if len(result.Content) == 0 {
		return "", fmt.Errorf("decision: anthropic response had no content")
	}
	return result.Content[0].Text, nil
}

func (e *Engine) callOpenAI(ctx context.Context, prompt string) (string, error) {
	reqBody := map[string]any{
		"model":    e.model,
		"messages": []map[string]string{{"role": "user", "content": prompt}},
	}
	body, err := json.Marshal(reqBody)
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.apiBaseURL, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+e.apiKey)

	resp, err := e.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("decision: openai API error %d: %s", resp.StatusCode, string(respBody))
	}

	var result struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(respBody, &result); err != nil {
		return "", fmt.Errorf("decision: openai response decode: %w", err)
	}
	if len(result.Choices) == 0 {
		return "", fmt.Errorf("decision: openai response had no choices")
	}
	return result.Choices[0].Message.Content, nil
}

func (e *Engine) callOllama(ctx context.Context, prompt string) (string, error) {
	reqBody := map[string]any{
		"model":    e.model,
		"messages": []map[string]string{{"role": "user", "content": prompt}},
		"stream":   false,
	}
	body, err := json.Marshal(reqBody)
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.apiBaseURL, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("decision: ollama API error %d: %s", resp.StatusCode, string(respBody))
	}

	var result struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	}
	if err := json.Unmarshal(respBody, &result); err != nil {
		return "", fmt.Errorf("decision: ollama response decode: %w", err)
	}
	return result.Message.Content, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

// SituationDigest builds the deterministic text VMS embeds and searches on.
// Exported so RO can build it before calling vms.Embed.
func SituationDigest(features types.MarketFeatures) string {
	return fmt.Sprintf("symbol=%s trend=%.4f vol=%.4f mom=%.4f liq=%.4f",
		features.Symbol, features.TrendScore, features.Volatility, features.Momentum, features.LiquidityDepth)
}
