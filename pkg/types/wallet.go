package types

import "time"

// WalletClass is the closed set of wallet roles.
type WalletClass string

const (
	ClassPrimary      WalletClass = "Primary"
	ClassHFT          WalletClass = "HFT"
	ClassConservative WalletClass = "Conservative"
	ClassExperimental WalletClass = "Experimental"
	ClassArbitrage    WalletClass = "Arbitrage"
	ClassMEVProtected WalletClass = "MEVProtected"
	ClassEmergency    WalletClass = "Emergency"
)

// WalletState is the closed set of WM-driven wallet lifecycle states.
type WalletState string

const (
	WalletActive           WalletState = "Active"
	WalletPaused           WalletState = "Paused"
	WalletEmergencyStopped WalletState = "EmergencyStopped"
)

// Limits are the per-wallet caps WM enforces on every reservation.
type Limits struct {
	DailyLossCap          float64 `json:"daily_loss_cap"`
	MaxPosition           float64 `json:"max_position"`
	MaxConcurrentPositions int    `json:"max_concurrent_positions"`
	MaxExposurePct        float64 `json:"max_exposure_pct"`
	DailyTradeCap         int     `json:"daily_trade_cap"`
}

// WalletCounters are the mutable runtime counters WM maintains per wallet.
// Daily counters are reset by the cron-scheduled maintenance job at UTC
// midnight and persisted to survive restart.
type WalletCounters struct {
	OpenPositions      int
	OutstandingReserved float64
	DailyRealizedLoss  float64
	DailyTradeCount    int
	DayKey             string // YYYY-MM-DD (UTC) the counters apply to
}

// WalletHealth is a rolling execution-quality profile WM derives from the
// outcomes EE reports after every submission: average priority fee paid,
// average confirmation latency, and the landed-vs-dropped ratio. It is used
// only as a Select tie-break signal; it never overrides a hard limit.
type WalletHealth struct {
	AvgPriorityFeePaid  float64 `json:"avg_priority_fee_paid"`
	AvgConfirmLatencyMS float64 `json:"avg_confirm_latency_ms"`
	LandedCount         int     `json:"landed_count"`
	DroppedCount        int     `json:"dropped_count"`
}

// LandedRatio is landed/(landed+dropped). A wallet with no recorded outcomes
// yet reads as 1.0 so it is not penalized ahead of having any history.
func (h WalletHealth) LandedRatio() float64 {
	total := h.LandedCount + h.DroppedCount
	if total == 0 {
		return 1
	}
	return float64(h.LandedCount) / float64(total)
}

// Score folds the profile into a single value in [0,1], higher is
// healthier, for use as a Select tie-break. Fee and latency are compared
// against fixed reference scales (rather than normalized against sibling
// wallets) so a wallet's score does not shift just because another wallet's
// history changed.
func (h WalletHealth) Score() float64 {
	const (
		refFee     = 200_000.0 // micro-lamports/CU past which fee health bottoms out
		refLatency = 30_000.0  // ms past which latency health bottoms out
	)
	feeHealth := 1 - clamp01(h.AvgPriorityFeePaid/refFee)
	latencyHealth := 1 - clamp01(h.AvgConfirmLatencyMS/refLatency)
	return 0.5*h.LandedRatio() + 0.25*feeHealth + 0.25*latencyHealth
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// Wallet is WM's authoritative record. The keypair is held as an opaque
// resolved secret (pkg/wallet/keysource.go) and is never embedded in this type
// so it can never accidentally be logged or serialized — only the WM keeps
// the resolved signer, keyed by WalletID.
type Wallet struct {
	WalletID      string             `json:"wallet_id"`
	PublicAddress string             `json:"public_address"`
	Class         WalletClass        `json:"class"`
	Allocations   map[string]float64 `json:"allocations"` // strategy -> pct, sums <= 100
	Limits        Limits             `json:"limits"`
	State         WalletState        `json:"state"`
	Counters      WalletCounters     `json:"counters"`
	Health        WalletHealth       `json:"health"`
}

// PositionStatus is the closed set of Position lifecycle states.
type PositionStatus string

const (
	PositionOpen    PositionStatus = "Open"
	PositionClosing PositionStatus = "Closing"
	PositionClosed  PositionStatus = "Closed"
)

// Position is owned exclusively by WM; it exists in exactly one wallet.
type Position struct {
	PositionID string         `json:"position_id"`
	WalletID   string         `json:"wallet_id"`
	Symbol     string         `json:"symbol"`
	EntryPx    float64        `json:"entry_px"`
	Size       float64        `json:"size"`
	Stop       float64        `json:"stop"`
	Target     float64        `json:"target"`
	OpenedAt   time.Time      `json:"opened_at"`
	Status     PositionStatus `json:"status"`
}

// SubmissionStatus is the closed set of Submission lifecycle states in the
// confirmation state machine.
type SubmissionStatus string

const (
	SubSubmitted SubmissionStatus = "Submitted"
	SubObserved  SubmissionStatus = "Observed"
	SubLanded    SubmissionStatus = "Landed"
	SubDropped   SubmissionStatus = "Dropped"
	SubFailed    SubmissionStatus = "Failed"
)

func (s SubmissionStatus) Terminal() bool {
	return s == SubLanded || s == SubDropped || s == SubFailed
}

// Submission tracks one attempt at landing an Intent on-chain.
type Submission struct {
	IntentID       string
	WalletID       string
	Attempt        int
	Signature      string
	SubmittedAt    time.Time
	Status         SubmissionStatus
	ConfirmedSlot  *uint64
	BlockhashAt    time.Time // when the blockhash used for this attempt was fetched
}
