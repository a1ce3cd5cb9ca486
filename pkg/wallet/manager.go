// Package wallet implements the Wallet Manager: the authoritative registry
// of wallets, their allocations and limits, and the atomic reserve/commit/
// release lifecycle around every capacity hold.
package wallet

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/solflux-labs/hft-core/pkg/clock"
	"github.com/solflux-labs/hft-core/pkg/config"
	"github.com/solflux-labs/hft-core/pkg/decision"
	"github.com/solflux-labs/hft-core/pkg/risk"
	"github.com/solflux-labs/hft-core/pkg/types"
)

var (
	// ErrNoWalletAvailable is returned when Select finds no wallet matching
	// the given criteria.
	ErrNoWalletAvailable = fmt.Errorf("wallet: no wallet available for criteria")
	// ErrLimitExceeded is returned when Reserve would violate a per-wallet cap.
	ErrLimitExceeded = fmt.Errorf("wallet: reservation would exceed a configured limit")
	// ErrUnknownWallet is returned when an operation names a wallet_id WM has
	// no record of.
	ErrUnknownWallet = fmt.Errorf("wallet: unknown wallet_id")
	// ErrUnknownReservation is returned when Commit/Release is given a token
	// WM has no pending record of (already resolved, or never issued).
	ErrUnknownReservation = fmt.Errorf("wallet: unknown or already-resolved reservation")
)

// SelectionCriteria mirrors the WM selection API: strategy, required
// capacity, risk tolerance driving class compatibility, an optional
// preferred class, and wallets to exclude outright (e.g. already tried and
// failed for this intent).
type SelectionCriteria struct {
	Strategy         string
	RequiredCapacity float64
	RiskTolerance    float64
	PreferredClass   types.WalletClass
	Exclude          []string
}

// ReservationToken is a provisional hold on wallet capacity. It must be
// either Committed (on successful submission, becoming a Position) or
// Released (on rejection, veto, or failure); unresolved tokens older than
// their TTL are cleared by the reaper.
type ReservationToken struct {
	Token    string
	WalletID string
	Symbol   string
	Size     float64
	IssuedAt time.Time
}

type walletEntry struct {
	mu     sync.Mutex
	wallet types.Wallet
	signer solana.PrivateKey
}

// Manager is the authoritative, process-local registry of wallets. All
// mutating operations are serialized per wallet via each entry's own mutex;
// Snapshot visits the wallets in a fixed (wallet_id) order, holding one
// wallet's lock at a time, so its aggregate is not one atomic view across
// all wallets.
type Manager struct {
	cfg *config.Config
	log zerolog.Logger
	clk clock.Clock
	db  *sql.DB

	mu      sync.RWMutex
	order   []string
	entries map[string]*walletEntry

	resMu        sync.Mutex
	reservations map[string]*ReservationToken

	cron *cron.Cron
}

// Open loads wallet definitions from config, resolves their key material,
// restores persisted counters/state from the WM database, and starts the
// reservation-leak reaper and daily counter reset jobs.
func Open(ctx context.Context, cfg *config.Config, log zerolog.Logger, clk clock.Clock) (*Manager, error) {
	db, err := openDB(cfg.WMDBPath)
	if err != nil {
		return nil, err
	}

	m := &Manager{
		cfg:          cfg,
		log:          log.With().Str("component", "wallet_manager").Logger(),
		clk:          clk,
		db:           db,
		entries:      make(map[string]*walletEntry, len(cfg.Wallets)),
		reservations: make(map[string]*ReservationToken),
	}

	for _, def := range cfg.Wallets {
		raw, err := resolveKeySource(def.KeySourceRef)
		if err != nil {
			db.Close()
			return nil, err
		}
		signer, err := solana.PrivateKeyFromBase58(string(raw))
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("wallet: %s: key material is not a valid base58 keypair: %w", def.WalletID, err)
		}
		w := types.Wallet{
			WalletID:      def.WalletID,
			PublicAddress: signer.PublicKey().String(),
			Class:         types.WalletClass(def.Class),
			Allocations:   def.Allocations,
			Limits: types.Limits{
				DailyLossCap:           def.Limits.DailyLossCap,
				MaxPosition:            def.Limits.MaxPosition,
				MaxConcurrentPositions: def.Limits.MaxConcurrentPositions,
				MaxExposurePct:         def.Limits.MaxExposurePct,
				DailyTradeCap:          def.Limits.DailyTradeCap,
			},
			State: types.WalletActive,
		}

		state, counters, health, found, err := loadCounters(db, def.WalletID)
		if err != nil {
			db.Close()
			return nil, err
		}
		if found {
			w.State = state
			w.Counters = counters
			w.Health = health
		} else {
			w.Counters.DayKey = dayKey(clk.Now())
			if err := saveCounters(db, w.WalletID, w.State, w.Counters, w.Health); err != nil {
				db.Close()
				return nil, err
			}
		}

		m.entries[def.WalletID] = &walletEntry{wallet: w, signer: signer}
		m.order = append(m.order, def.WalletID)
	}
	sort.Strings(m.order)

	if err := m.rollDailyCountersIfStale(); err != nil {
		db.Close()
		return nil, err
	}

	if err := m.startScheduledJobs(); err != nil {
		db.Close()
		return nil, err
	}

	return m, nil
}

// Close stops scheduled jobs and the underlying database handle.
func (m *Manager) Close() error {
	if m.cron != nil {
		<-m.cron.Stop().Done()
	}
	return m.db.Close()
}

func dayKey(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

// Reload re-reads persisted state/counters for every known wallet from the
// WM database into the in-memory entries. A Manager only observes its own
// process's Reserve/Commit/Release calls otherwise; Reload lets a read-only
// consumer in another process (e.g. Reasoner, which opens its own Manager
// against the same database the Executor writes through) pick up the
// Executor's live reservation state before taking a Snapshot.
func (m *Manager) Reload() error {
	m.mu.RLock()
	ids := append([]string(nil), m.order...)
	m.mu.RUnlock()

	for _, id := range ids {
		state, counters, health, found, err := loadCounters(m.db, id)
		if err != nil {
			return fmt.Errorf("wallet: reload %s: %w", id, err)
		}
		if !found {
			continue
		}
		m.mu.RLock()
		e := m.entries[id]
		m.mu.RUnlock()
		e.mu.Lock()
		e.wallet.State = state
		e.wallet.Counters = counters
		e.wallet.Health = health
		e.mu.Unlock()
	}
	return nil
}

// Select implements the five-step WM selection policy: active-and-funded,
// strategy-permitted, class-compatible with risk tolerance, optionally
// narrowed to a preferred class, tie-broken on lowest utilization, then
// highest rolling health score, then lexical wallet_id.
func (m *Manager) Select(criteria SelectionCriteria) (types.Wallet, error) {
	excluded := make(map[string]struct{}, len(criteria.Exclude))
	for _, id := range criteria.Exclude {
		excluded[id] = struct{}{}
	}

	m.mu.RLock()
	candidates := make([]types.Wallet, 0, len(m.order))
	for _, id := range m.order {
		if _, skip := excluded[id]; skip {
			continue
		}
		e := m.entries[id]
		e.mu.Lock()
		w := e.wallet
		e.mu.Unlock()
		candidates = append(candidates, w)
	}
	m.mu.RUnlock()

	candidates = filterActiveWithCapacity(candidates, criteria.RequiredCapacity)
	candidates = filterStrategyPermitted(candidates, criteria.Strategy)
	candidates = filterClassCompatible(candidates, criteria.RiskTolerance)

	if criteria.PreferredClass != "" {
		if narrowed := filterClass(candidates, criteria.PreferredClass); len(narrowed) > 0 {
			candidates = narrowed
		}
	}

	if len(candidates) == 0 {
		return types.Wallet{}, ErrNoWalletAvailable
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		ui, uj := utilization(candidates[i]), utilization(candidates[j])
		if ui != uj {
			return ui < uj
		}
		hi, hj := candidates[i].Health.Score(), candidates[j].Health.Score()
		if hi != hj {
			return hi > hj
		}
		return candidates[i].WalletID < candidates[j].WalletID
	})
	return candidates[0], nil
}

func utilization(w types.Wallet) float64 {
	if w.Limits.MaxConcurrentPositions <= 0 {
		return 0
	}
	return float64(w.Counters.OpenPositions) / float64(w.Limits.MaxConcurrentPositions)
}

func filterActiveWithCapacity(in []types.Wallet, required float64) []types.Wallet {
	out := make([]types.Wallet, 0, len(in))
	for _, w := range in {
		if w.State != types.WalletActive {
			continue
		}
		if availableCapacity(w) < required {
			continue
		}
		out = append(out, w)
	}
	return out
}

// availableCapacity approximates the "balance" the selection policy filters
// on as configured capital ceiling minus what is already reserved or
// committed; WM has no live chain balance feed of its own, only the config-
// declared ceiling per wallet, so that ceiling stands in for it here.
func availableCapacity(w types.Wallet) float64 {
	return w.Limits.MaxPosition - w.Counters.OutstandingReserved
}

func filterStrategyPermitted(in []types.Wallet, strategy string) []types.Wallet {
	out := make([]types.Wallet, 0, len(in))
	for _, w := range in {
		if strategy == "" {
			out = append(out, w)
			continue
		}
		if pct, ok := w.Allocations[strategy]; ok && pct > 0 {
			out = append(out, w)
		}
	}
	return out
}

func filterClassCompatible(in []types.Wallet, riskTolerance float64) []types.Wallet {
	var want types.WalletClass
	switch {
	case riskTolerance <= 0.3:
		want = types.ClassConservative
	case riskTolerance >= 0.7:
		want = types.ClassHFT
	default:
		want = types.ClassPrimary
	}

	out := make([]types.Wallet, 0, len(in))
	for _, w := range in {
		if w.Class == want {
			out = append(out, w)
			continue
		}
		if want == types.ClassHFT && w.Class == types.ClassArbitrage {
			out = append(out, w)
		}
	}
	return out
}

func filterClass(in []types.Wallet, class types.WalletClass) []types.Wallet {
	out := make([]types.Wallet, 0, len(in))
	for _, w := range in {
		if w.Class == class {
			out = append(out, w)
		}
	}
	return out
}

// Reserve places a provisional hold on wallet capacity, atomically checking
// max_concurrent_positions, max_exposure_pct, and daily_trade_cap before
// committing the state change, and persists the updated counters so a crash
// between Reserve and Commit/Release is still visible to the reaper after
// restart.
func (m *Manager) Reserve(walletID, symbol string, size float64) (*ReservationToken, error) {
	m.mu.RLock()
	e, ok := m.entries[walletID]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrUnknownWallet
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	w := &e.wallet
	if w.State != types.WalletActive {
		return nil, ErrLimitExceeded
	}
	if w.Limits.DailyLossCap > 0 && w.Counters.DailyRealizedLoss >= w.Limits.DailyLossCap {
		return nil, ErrLimitExceeded
	}
	if w.Limits.MaxConcurrentPositions > 0 && w.Counters.OpenPositions >= w.Limits.MaxConcurrentPositions {
		return nil, ErrLimitExceeded
	}
	if w.Limits.DailyTradeCap > 0 && w.Counters.DailyTradeCount >= w.Limits.DailyTradeCap {
		return nil, ErrLimitExceeded
	}
	if w.Limits.MaxExposurePct > 0 {
		exposurePct := 0.0
		if w.Limits.MaxPosition > 0 {
			exposurePct = (w.Counters.OutstandingReserved + size) / w.Limits.MaxPosition * 100
		}
		if exposurePct > w.Limits.MaxExposurePct {
			return nil, ErrLimitExceeded
		}
	}
	if availableCapacity(*w) < size {
		return nil, ErrLimitExceeded
	}

	w.Counters.OpenPositions++
	w.Counters.OutstandingReserved += size
	if err := saveCounters(m.db, w.WalletID, w.State, w.Counters, w.Health); err != nil {
		w.Counters.OpenPositions--
		w.Counters.OutstandingReserved -= size
		return nil, err
	}

	tok := &ReservationToken{
		Token:    uuid.NewString(),
		WalletID: walletID,
		Symbol:   symbol,
		Size:     size,
		IssuedAt: m.clk.Now(),
	}
	m.resMu.Lock()
	m.reservations[tok.Token] = tok
	m.resMu.Unlock()
	return tok, nil
}

// Commit resolves a reservation into a settled Position, decrementing the
// provisional hold and recording the position for exposure accounting.
func (m *Manager) Commit(token, positionID string, entryPx, stop, target float64) error {
	tok, err := m.takeReservation(token)
	if err != nil {
		return err
	}

	m.mu.RLock()
	e, ok := m.entries[tok.WalletID]
	m.mu.RUnlock()
	if !ok {
		return ErrUnknownWallet
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	w := &e.wallet
	w.Counters.OutstandingReserved -= tok.Size
	w.Counters.DailyTradeCount++
	if err := saveCounters(m.db, w.WalletID, w.State, w.Counters, w.Health); err != nil {
		return err
	}

	pos := types.Position{
		PositionID: positionID,
		WalletID:   tok.WalletID,
		Symbol:     tok.Symbol,
		EntryPx:    entryPx,
		Size:       tok.Size,
		Stop:       stop,
		Target:     target,
		OpenedAt:   m.clk.Now(),
		Status:     types.PositionOpen,
	}
	return savePosition(m.db, pos)
}

// Release gives back a reservation without a Position being created:
// rejection, veto, or submission failure all end here.
func (m *Manager) Release(token string) error {
	tok, err := m.takeReservation(token)
	if err != nil {
		return err
	}
	return m.releaseReservation(tok)
}

func (m *Manager) releaseReservation(tok *ReservationToken) error {
	m.mu.RLock()
	e, ok := m.entries[tok.WalletID]
	m.mu.RUnlock()
	if !ok {
		return ErrUnknownWallet
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	w := &e.wallet
	w.Counters.OpenPositions--
	if w.Counters.OpenPositions < 0 {
		w.Counters.OpenPositions = 0
	}
	w.Counters.OutstandingReserved -= tok.Size
	if w.Counters.OutstandingReserved < 0 {
		w.Counters.OutstandingReserved = 0
	}
	return saveCounters(m.db, w.WalletID, w.State, w.Counters, w.Health)
}

func (m *Manager) takeReservation(token string) (*ReservationToken, error) {
	m.resMu.Lock()
	defer m.resMu.Unlock()
	tok, ok := m.reservations[token]
	if !ok {
		return nil, ErrUnknownReservation
	}
	delete(m.reservations, token)
	return tok, nil
}

// ClosePosition records PnL realized when a position closes, feeding the
// daily loss cap, and marks the position closed in storage. A wallet whose
// DailyRealizedLoss reaches its DailyLossCap here is paused immediately: no
// further Reserve calls succeed against it until the daily reset (or an
// operator Reactivate) clears the breach.
func (m *Manager) ClosePosition(walletID, positionID string, realizedPnL float64) error {
	m.mu.RLock()
	e, ok := m.entries[walletID]
	m.mu.RUnlock()
	if !ok {
		return ErrUnknownWallet
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	w := &e.wallet
	w.Counters.OpenPositions--
	if w.Counters.OpenPositions < 0 {
		w.Counters.OpenPositions = 0
	}
	if realizedPnL < 0 {
		w.Counters.DailyRealizedLoss += -realizedPnL
	}
	if w.State == types.WalletActive && w.Limits.DailyLossCap > 0 && w.Counters.DailyRealizedLoss >= w.Limits.DailyLossCap {
		w.State = types.WalletPaused
		m.log.Warn().Str("wallet_id", w.WalletID).Float64("daily_realized_loss", w.Counters.DailyRealizedLoss).
			Float64("daily_loss_cap", w.Limits.DailyLossCap).Msg("wallet paused: daily loss cap reached")
	}
	if err := saveCounters(m.db, w.WalletID, w.State, w.Counters, w.Health); err != nil {
		return err
	}
	return deletePosition(m.db, positionID)
}

// healthEMAWeight is the exponential-moving-average weight applied to each
// new execution outcome; low enough that one bad submission doesn't swing a
// wallet's tie-break score, high enough that a sustained run of dropped
// transactions or rising fees shows up within a handful of samples.
const healthEMAWeight = 0.2

// RecordExecutionOutcome feeds one submission outcome into a wallet's
// rolling health profile: the priority fee actually paid, how long
// confirmation took, and whether the transaction landed or was dropped.
// This is purely a Select tie-break input — it never blocks a Reserve.
func (m *Manager) RecordExecutionOutcome(walletID string, priorityFeePaid uint64, confirmLatency time.Duration, landed bool) error {
	m.mu.RLock()
	e, ok := m.entries[walletID]
	m.mu.RUnlock()
	if !ok {
		return ErrUnknownWallet
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	w := &e.wallet
	h := &w.Health
	if h.LandedCount+h.DroppedCount == 0 {
		h.AvgPriorityFeePaid = float64(priorityFeePaid)
		h.AvgConfirmLatencyMS = float64(confirmLatency.Milliseconds())
	} else {
		h.AvgPriorityFeePaid += healthEMAWeight * (float64(priorityFeePaid) - h.AvgPriorityFeePaid)
		h.AvgConfirmLatencyMS += healthEMAWeight * (float64(confirmLatency.Milliseconds()) - h.AvgConfirmLatencyMS)
	}
	if landed {
		h.LandedCount++
	} else {
		h.DroppedCount++
	}
	return saveCounters(m.db, w.WalletID, w.State, w.Counters, w.Health)
}

// EmergencyStopAll transitions every wallet to EmergencyStopped. New
// reservations fail immediately; Open positions are returned so the caller
// can drive their liquidation.
func (m *Manager) EmergencyStopAll() []types.Position {
	m.mu.RLock()
	ids := append([]string(nil), m.order...)
	m.mu.RUnlock()

	for _, id := range ids {
		e := m.entries[id]
		e.mu.Lock()
		e.wallet.State = types.WalletEmergencyStopped
		_ = saveCounters(m.db, e.wallet.WalletID, e.wallet.State, e.wallet.Counters, e.wallet.Health)
		e.mu.Unlock()
	}

	open, err := loadOpenPositions(m.db)
	if err != nil {
		m.log.Error().Err(err).Msg("loading open positions during emergency stop")
		return nil
	}
	return open
}

// Reactivate transitions a single wallet back to Active, provided its
// current counters do not already exceed its configured limits.
func (m *Manager) Reactivate(walletID string) error {
	m.mu.RLock()
	e, ok := m.entries[walletID]
	m.mu.RUnlock()
	if !ok {
		return ErrUnknownWallet
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	w := &e.wallet
	if w.Limits.DailyLossCap > 0 && w.Counters.DailyRealizedLoss >= w.Limits.DailyLossCap {
		return fmt.Errorf("wallet: %s: daily loss cap already exhausted", walletID)
	}
	if w.Limits.MaxConcurrentPositions > 0 && w.Counters.OpenPositions > w.Limits.MaxConcurrentPositions {
		return fmt.Errorf("wallet: %s: open position count exceeds limit", walletID)
	}
	w.State = types.WalletActive
	return saveCounters(m.db, w.WalletID, w.State, w.Counters, w.Health)
}

// Snapshot aggregates state across all non-EmergencyStopped wallets into the
// portfolio-level views Reasoner needs: DE's available-capital view, RA's
// exposure/staleness view, and an aggregate Limits used as RA's portfolio-
// level risk input ahead of any specific wallet being selected (wallet
// selection itself happens later, in EE).
func (m *Manager) Snapshot(ctx context.Context, symbol string) (decision.PortfolioSnapshot, risk.PortfolioSnapshot, types.Limits) {
	m.mu.RLock()
	ids := append([]string(nil), m.order...)
	m.mu.RUnlock()

	var (
		openPositions      int
		availableCapital   float64
		dailyRealizedLoss  float64
		walletExposure     float64
		aggLimits          types.Limits
		exposurePctSum     float64
		activeCount        int
	)

	for _, id := range ids {
		e := m.entries[id]
		e.mu.Lock()
		w := e.wallet
		e.mu.Unlock()

		if w.State == types.WalletEmergencyStopped {
			continue
		}

		openPositions += w.Counters.OpenPositions
		dailyRealizedLoss += w.Counters.DailyRealizedLoss
		availableCapital += availableCapacity(w)
		walletExposure += w.Counters.OutstandingReserved

		aggLimits.DailyLossCap += w.Limits.DailyLossCap
		aggLimits.MaxPosition += w.Limits.MaxPosition
		aggLimits.MaxConcurrentPositions += w.Limits.MaxConcurrentPositions
		aggLimits.DailyTradeCap += w.Limits.DailyTradeCap
		if w.Limits.MaxExposurePct > 0 {
			exposurePctSum += w.Limits.MaxExposurePct
			activeCount++
		}
	}
	if activeCount > 0 {
		aggLimits.MaxExposurePct = exposurePctSum / float64(activeCount)
	}

	de := decision.PortfolioSnapshot{
		OpenPositions:     openPositions,
		AvailableCapital:  availableCapital,
		DailyRealizedLoss: dailyRealizedLoss,
	}
	ra := risk.PortfolioSnapshot{
		WalletExposure:    walletExposure,
		DailyRealizedLoss: dailyRealizedLoss,
		SymbolExposurePct: m.symbolExposure(symbol, walletExposure),
		StalenessSeconds:  0,
	}
	return de, ra, aggLimits
}

// WalletHealthSnapshot reports every wallet's current rolling health
// profile, keyed by wallet_id, for the Control Surface's /status endpoint.
func (m *Manager) WalletHealthSnapshot() map[string]types.WalletHealth {
	m.mu.RLock()
	ids := append([]string(nil), m.order...)
	m.mu.RUnlock()

	out := make(map[string]types.WalletHealth, len(ids))
	for _, id := range ids {
		e := m.entries[id]
		e.mu.Lock()
		out[id] = e.wallet.Health
		e.mu.Unlock()
	}
	return out
}

func (m *Manager) symbolExposure(symbol string, totalExposure float64) map[string]float64 {
	if totalExposure <= 0 {
		return map[string]float64{}
	}
	positions, err := loadOpenPositions(m.db)
	if err != nil {
		m.log.Error().Err(err).Msg("loading positions for symbol exposure")
		return map[string]float64{}
	}
	var symbolTotal float64
	for _, p := range positions {
		if p.Symbol == symbol {
			symbolTotal += p.Size
		}
	}
	return map[string]float64{symbol: symbolTotal / totalExposure * 100}
}
