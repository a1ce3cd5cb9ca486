package control

import (
	"encoding/json"
	"net/http"

	"github.com/solflux-labs/hft-core/pkg/decision"
	"github.com/solflux-labs/hft-core/pkg/risk"
	"github.com/solflux-labs/hft-core/pkg/types"
)

type analyzeRequest struct {
	Symbol string             `json:"symbol"`
	Event  *types.MarketEvent `json:"event,omitempty"` // optional: ingested before analyzing
}

type analyzeResponse struct {
	Features types.MarketFeatures `json:"features"`
	Hits     []types.ScoredExperience `json:"memory_hits"`
	Intent   types.Intent         `json:"intent"`
	Vetoed   bool                 `json:"vetoed"`
	VetoReason string             `json:"veto_reason,omitempty"`
}

// handleAnalyze runs a single Market Analyzer -> Vector Memory Store ->
// Decision Engine -> Risk Analyzer pass for the given symbol and returns
// the candidate intent it would have produced, without publishing
// anything or touching wallet reservations. Useful for dry-running a
// decision or debugging why the live loop vetoed one.
func (s *Server) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	if s.analyzeDeps == nil {
		http.Error(w, "analyze not wired on this control surface", http.StatusNotImplemented)
		return
	}
	var req analyzeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return
	}
	if req.Symbol == "" {
		http.Error(w, "symbol required", http.StatusBadRequest)
		return
	}

	deps := s.analyzeDeps
	ctx := r.Context()
	now := s.clk.Now()

	if req.Event != nil {
		deps.ma.Ingest(*req.Event)
	}
	features := deps.ma.Analyze(req.Symbol, now)

	digest := decision.SituationDigest(features)
	var hits []types.ScoredExperience
	if embedding, err := deps.memory.Embed(ctx, digest); err == nil {
		hits, _ = deps.memory.Search(ctx, embedding, 5, req.Symbol)
	}

	decisionSnap, riskSnap, limits := deps.portfolio.Snapshot(ctx, req.Symbol)
	candidate := deps.decider.Decide(ctx, features, hits, decisionSnap, deps.ttl)

	referencePrice, _ := deps.ma.LastPrice(req.Symbol)
	result := risk.Assess(candidate, features, riskSnap, limits, deps.riskWeights, deps.minConfidence, referencePrice)

	writeJSON(w, http.StatusOK, analyzeResponse{
		Features:   features,
		Hits:       hits,
		Intent:     result.Intent,
		Vetoed:     result.Vetoed,
		VetoReason: result.VetoReason,
	})
}
