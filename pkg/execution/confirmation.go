package execution

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// ConfirmationWatcher subscribes to a transaction signature and reports the
// terminal or intermediate state observed for it. Production implementations
// talk to the chain's WS endpoint (signatureSubscribe); paper-trading and
// tests supply a scripted watcher.
type ConfirmationWatcher interface {
	Watch(ctx context.Context, signature string) (<-chan ConfirmationEvent, error)
}

// ConfirmationEvent is one observation in the Submitted -> Observed -> Landed
// (or -> Dropped/Failed) state machine.
type ConfirmationEvent struct {
	Observed bool
	Landed   bool
	Failed   bool
	Err      error
}

type signatureSubscribeParams struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      int64         `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
}

type signatureNotification struct {
	Params struct {
		Result struct {
			Value struct {
				Err interface{} `json:"err"`
			} `json:"value"`
		} `json:"result"`
	} `json:"params"`
}

// wsConfirmationWatcher implements ConfirmationWatcher against a real Solana
// WS endpoint using signatureSubscribe with "confirmed" commitment.
type wsConfirmationWatcher struct {
	wsEndpoint string
	reqID      int64
}

// NewWSConfirmationWatcher wires a ConfirmationWatcher against a live
// Solana WS endpoint, for use by the live-mode executor binary.
func NewWSConfirmationWatcher(wsEndpoint string) *wsConfirmationWatcher {
	return &wsConfirmationWatcher{wsEndpoint: wsEndpoint}
}

func (w *wsConfirmationWatcher) Watch(ctx context.Context, signature string) (<-chan ConfirmationEvent, error) {
	conn, _, err := websocket.Dial(ctx, w.wsEndpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("execution: dial confirmation socket: %w", err)
	}

	id := atomic.AddInt64(&w.reqID, 1)
	sub := signatureSubscribeParams{
		JSONRPC: "2.0",
		ID:      id,
		Method:  "signatureSubscribe",
		Params: []interface{}{
			signature,
			map[string]string{"commitment": "confirmed"},
		},
	}
	if err := wsjson.Write(ctx, conn, sub); err != nil {
		conn.Close(websocket.StatusInternalError, "subscribe failed")
		return nil, fmt.Errorf("execution: send signatureSubscribe: %w", err)
	}

	events := make(chan ConfirmationEvent, 1)
	go func() {
		defer conn.Close(websocket.StatusNormalClosure, "done")
		defer close(events)

		events <- ConfirmationEvent{Observed: true}

		var note signatureNotification
		if err := wsjson.Read(ctx, conn, &note); err != nil {
			if ctx.Err() != nil {
				return
			}
			events <- ConfirmationEvent{Err: fmt.Errorf("execution: reading confirmation notification: %w", err)}
			return
		}
		if note.Params.Result.Value.Err != nil {
			events <- ConfirmationEvent{Failed: true}
			return
		}
		events <- ConfirmationEvent{Landed: true}
	}()
	return events, nil
}

// runConfirmationStateMachine drives a single Submission through
// Submitted -> Observed -> Landed/Dropped/Failed, returning the terminal
// status once reached, a freshness deadline passes, or ctx is cancelled.
func runConfirmationStateMachine(ctx context.Context, watcher ConfirmationWatcher, signature string, freshnessDeadline time.Duration) (terminal string, err error) {
	watchCtx, cancel := context.WithTimeout(ctx, freshnessDeadline)
	defer cancel()

	events, err := watcher.Watch(watchCtx, signature)
	if err != nil {
		return statusFailed, err
	}

	observed := false
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				if !observed {
					return statusDropped, nil
				}
				return statusFailed, fmt.Errorf("execution: confirmation stream closed before terminal state")
			}
			if ev.Err != nil {
				return statusFailed, ev.Err
			}
			if ev.Observed {
				observed = true
				continue
			}
			if ev.Landed {
				return statusLanded, nil
			}
			if ev.Failed {
				return statusFailed, nil
			}
		case <-watchCtx.Done():
			if !observed {
				return statusDropped, nil
			}
			return statusFailed, fmt.Errorf("execution: confirmation timed out after being observed")
		}
	}
}

const (
	statusLanded  = "landed"
	statusDropped = "dropped"
	statusFailed  = "failed"
)
