package control

import (
	"net/http"

	"github.com/solflux-labs/hft-core/pkg/bus"
	"github.com/solflux-labs/hft-core/pkg/types"
)

var statusStreams = []string{bus.StreamMarketEvents, bus.StreamTradingIntents, bus.StreamExecutionResults, bus.StreamControlEvents}

type statusResponse struct {
	TradingMode  string                         `json:"trading_mode"`
	Components   []ComponentStatus              `json:"components"`
	QueueDepths  map[string]int64                `json:"queue_depths,omitempty"`
	Latency      map[string]LatencyStats        `json:"latency"`
	WalletHealth map[string]types.WalletHealth `json:"wallet_health,omitempty"`
}

// handleStatus reports per-component degraded state (with reason), stream
// backlogs, recent latency percentiles, and (where wired) each wallet's
// rolling Select tie-break health profile.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{
		TradingMode: string(s.cfg.TradingMode),
		Latency:     s.latency.Snapshot(),
	}
	for _, c := range s.components {
		resp.Components = append(resp.Components, c.fn())
	}
	if s.depther != nil {
		resp.QueueDepths = make(map[string]int64, len(statusStreams))
		for _, stream := range statusStreams {
			depth, err := s.depther.Depth(r.Context(), stream)
			if err != nil {
				continue
			}
			resp.QueueDepths[stream] = depth
		}
	}
	if s.health != nil {
		resp.WalletHealth = s.health.WalletHealthSnapshot()
	}
	writeJSON(w, http.StatusOK, resp)
}
