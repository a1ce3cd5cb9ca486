package control

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/solflux-labs/hft-core/pkg/types"
)

// handleMemorySearch runs a direct VMS similarity query: embeds q and
// returns the top-k most similar experiences, optionally filtered to one
// symbol.
func (s *Server) handleMemorySearch(w http.ResponseWriter, r *http.Request) {
	if s.memory == nil {
		http.Error(w, "memory search not wired on this control surface", http.StatusNotImplemented)
		return
	}
	q := r.URL.Query().Get("q")
	if q == "" {
		http.Error(w, "q required", http.StatusBadRequest)
		return
	}
	k := 5
	if raw := r.URL.Query().Get("k"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			k = parsed
		}
	}
	symbol := r.URL.Query().Get("symbol")

	embedding, err := s.memory.Embed(r.Context(), q)
	if err != nil {
		http.Error(w, "embedding failed: "+err.Error(), http.StatusInternalServerError)
		return
	}
	hits, err := s.memory.Search(r.Context(), embedding, k, symbol)
	if err != nil {
		http.Error(w, "search failed: "+err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, hits)
}

type outcomeRequest struct {
	ExperienceID string          `json:"experience_id"`
	Outcome      types.Outcome   `json:"outcome"`
}

// handleMemoryOutcome lets an operator manually refine or finalize an
// experience's outcome, e.g. to correct a terminal result the automatic
// outcome loop missed.
func (s *Server) handleMemoryOutcome(w http.ResponseWriter, r *http.Request) {
	if s.memory == nil {
		http.Error(w, "memory outcome not wired on this control surface", http.StatusNotImplemented)
		return
	}
	var req outcomeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return
	}
	if req.ExperienceID == "" {
		http.Error(w, "experience_id required", http.StatusBadRequest)
		return
	}
	if err := s.memory.UpdateOutcome(r.Context(), req.ExperienceID, req.Outcome); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
