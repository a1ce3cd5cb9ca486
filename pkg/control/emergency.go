package control

import (
	"net/http"
	"time"

	"github.com/solflux-labs/hft-core/pkg/bus"
)

type emergencyStopEvent struct {
	TriggeredAt time.Time `json:"triggered_at"`
	Reason      string    `json:"reason"`
}

type emergencyStopResponse struct {
	Status          string `json:"status"`
	PositionsOpen   int    `json:"positions_open"`
}

// handleEmergencyStop halts every wallet's reservation eligibility
// immediately (in-process, synchronously) and best-effort broadcasts the
// stop on control_events for observers in other processes. In-flight
// intents already reserved run to their natural terminal state; new
// selection attempts for any wallet fail until an operator reactivates it.
func (s *Server) handleEmergencyStop(w http.ResponseWriter, r *http.Request) {
	if s.stopper == nil {
		http.Error(w, "emergency stop not wired on this control surface", http.StatusNotImplemented)
		return
	}
	open := s.stopper.EmergencyStopAll()

	if s.notifier != nil {
		_, _ = s.notifier.Publish(r.Context(), bus.StreamControlEvents, emergencyStopEvent{
			TriggeredAt: s.clk.Now(),
			Reason:      "operator-triggered emergency stop",
		})
	}

	s.log.Warn().Int("positions_open", len(open)).Msg("emergency stop triggered")
	writeJSON(w, http.StatusOK, emergencyStopResponse{Status: "stopped", PositionsOpen: len(open)})
}
