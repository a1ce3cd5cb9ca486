package wallet

import (
	"fmt"

	"github.com/robfig/cron/v3"

	"github.com/solflux-labs/hft-core/pkg/types"
)

// startScheduledJobs wires the reservation-leak reaper (runs every
// ReservationReaperInterval) and the daily counter reset (runs at UTC
// midnight) onto a single cron.Cron instance.
func (m *Manager) startScheduledJobs() error {
	m.cron = cron.New(cron.WithSeconds())

	every := fmt.Sprintf("@every %s", m.cfg.ReservationReaperInterval)
	if _, err := m.cron.AddFunc(every, m.reapLeakedReservations); err != nil {
		return fmt.Errorf("wallet: scheduling reservation reaper: %w", err)
	}
	if _, err := m.cron.AddFunc("CRON_TZ=UTC @daily", m.resetDailyCounters); err != nil {
		return fmt.Errorf("wallet: scheduling daily counter reset: %w", err)
	}

	m.cron.Start()
	return nil
}

// reapLeakedReservations releases any ReservationToken older than the
// configured intent TTL: a wallet-crediting Commit or Release should always
// arrive within that window, so a token that has outlived it was abandoned
// by a caller that crashed or forgot to resolve it.
func (m *Manager) reapLeakedReservations() {
	cutoff := m.clk.Now().Add(-m.cfg.IntentTTL)

	m.resMu.Lock()
	var stale []*ReservationToken
	for token, tok := range m.reservations {
		if tok.IssuedAt.Before(cutoff) {
			stale = append(stale, tok)
			delete(m.reservations, token)
		}
	}
	m.resMu.Unlock()

	for _, tok := range stale {
		if err := m.releaseReservation(tok); err != nil {
			m.log.Error().Err(err).Str("wallet_id", tok.WalletID).Str("token", tok.Token).Msg("reaping leaked reservation")
			continue
		}
		m.log.Warn().Str("wallet_id", tok.WalletID).Str("token", tok.Token).Msg("reaped leaked reservation")
	}
}

// resetDailyCounters zeroes DailyRealizedLoss and DailyTradeCount for every
// wallet whose DayKey no longer matches today (UTC), persisting the reset so
// it survives restart.
func (m *Manager) resetDailyCounters() {
	if err := m.rollDailyCountersIfStale(); err != nil {
		m.log.Error().Err(err).Msg("resetting daily wallet counters")
	}
}

func (m *Manager) rollDailyCountersIfStale() error {
	today := dayKey(m.clk.Now())

	m.mu.RLock()
	ids := append([]string(nil), m.order...)
	m.mu.RUnlock()

	for _, id := range ids {
		e := m.entries[id]
		e.mu.Lock()
		if e.wallet.Counters.DayKey != today {
			e.wallet.Counters.DailyRealizedLoss = 0
			e.wallet.Counters.DailyTradeCount = 0
			e.wallet.Counters.DayKey = today
			// A Paused wallet only ever got there via the daily loss cap
			// (see ClosePosition); resetting the loss counter clears the
			// reason it paused, so it resumes trading for the new day.
			// EmergencyStopped wallets stay stopped until an operator calls
			// Reactivate explicitly.
			if e.wallet.State == types.WalletPaused {
				e.wallet.State = types.WalletActive
			}
			err := saveCounters(m.db, e.wallet.WalletID, e.wallet.State, e.wallet.Counters, e.wallet.Health)
			e.mu.Unlock()
			if err != nil {
				return err
			}
			continue
		}
		e.mu.Unlock()
	}
	return nil
}
