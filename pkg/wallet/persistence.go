package wallet

import (
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"

	"github.com/solflux-labs/hft-core/pkg/types"
)

const schema = `
CREATE TABLE IF NOT EXISTS wallet_state (
	wallet_id            TEXT PRIMARY KEY,
	state                TEXT NOT NULL,
	open_positions       INTEGER NOT NULL DEFAULT 0,
	outstanding_reserved REAL NOT NULL DEFAULT 0,
	daily_realized_loss  REAL NOT NULL DEFAULT 0,
	daily_trade_count    INTEGER NOT NULL DEFAULT 0,
	day_key              TEXT NOT NULL DEFAULT '',
	avg_priority_fee     REAL NOT NULL DEFAULT 0,
	avg_confirm_latency_ms REAL NOT NULL DEFAULT 0,
	landed_count         INTEGER NOT NULL DEFAULT 0,
	dropped_count        INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS positions (
	position_id TEXT PRIMARY KEY,
	wallet_id   TEXT NOT NULL,
	symbol      TEXT NOT NULL,
	entry_px    REAL NOT NULL,
	size        REAL NOT NULL,
	stop        REAL NOT NULL,
	target      REAL NOT NULL,
	opened_at   INTEGER NOT NULL,
	status      TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_positions_wallet ON positions(wallet_id);
CREATE INDEX IF NOT EXISTS idx_positions_symbol ON positions(symbol);
`

func openDB(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("wallet: open: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("wallet: migrate: %w", err)
	}
	return db, nil
}

func loadCounters(db *sql.DB, walletID string) (types.WalletState, types.WalletCounters, types.WalletHealth, bool, error) {
	var state string
	var c types.WalletCounters
	var h types.WalletHealth
	row := db.QueryRow(`SELECT state, open_positions, outstanding_reserved, daily_realized_loss, daily_trade_count, day_key,
		avg_priority_fee, avg_confirm_latency_ms, landed_count, dropped_count
		FROM wallet_state WHERE wallet_id = ?`, walletID)
	err := row.Scan(&state, &c.OpenPositions, &c.OutstandingReserved, &c.DailyRealizedLoss, &c.DailyTradeCount, &c.DayKey,
		&h.AvgPriorityFeePaid, &h.AvgConfirmLatencyMS, &h.LandedCount, &h.DroppedCount)
	if err == sql.ErrNoRows {
		return "", types.WalletCounters{}, types.WalletHealth{}, false, nil
	}
	if err != nil {
		return "", types.WalletCounters{}, types.WalletHealth{}, false, fmt.Errorf("wallet: load counters %s: %w", walletID, err)
	}
	return types.WalletState(state), c, h, true, nil
}

func saveCounters(db *sql.DB, walletID string, state types.WalletState, c types.WalletCounters, h types.WalletHealth) error {
	_, err := db.Exec(`
		INSERT INTO wallet_state(wallet_id, state, open_positions, outstanding_reserved, daily_realized_loss, daily_trade_count, day_key,
			avg_priority_fee, avg_confirm_latency_ms, landed_count, dropped_count)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(wallet_id) DO UPDATE SET
			state=excluded.state,
			open_positions=excluded.open_positions,
			outstanding_reserved=excluded.outstanding_reserved,
			daily_realized_loss=excluded.daily_realized_loss,
			daily_trade_count=excluded.daily_trade_count,
			day_key=excluded.day_key,
			avg_priority_fee=excluded.avg_priority_fee,
			avg_confirm_latency_ms=excluded.avg_confirm_latency_ms,
			landed_count=excluded.landed_count,
			dropped_count=excluded.dropped_count`,
		walletID, string(state), c.OpenPositions, c.OutstandingReserved, c.DailyRealizedLoss, c.DailyTradeCount, c.DayKey,
		h.AvgPriorityFeePaid, h.AvgConfirmLatencyMS, h.LandedCount, h.DroppedCount)
	if err != nil {
		return fmt.Errorf("wallet: save counters %s: %w", walletID, err)
	}
	return nil
}

func savePosition(db *sql.DB, p types.Position) error {
	_, err := db.Exec(`
		INSERT INTO positions(position_id, wallet_id, symbol, entry_px, size, stop, target, opened_at, status)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(position_id) DO UPDATE SET status=excluded.status`,
		p.PositionID, p.WalletID, p.Symbol, p.EntryPx, p.Size, p.Stop, p.Target, p.OpenedAt.UnixMilli(), string(p.Status))
	if err != nil {
		return fmt.Errorf("wallet: save position %s: %w", p.PositionID, err)
	}
	return nil
}

func deletePosition(db *sql.DB, positionID string) error {
	_, err := db.Exec(`DELETE FROM positions WHERE position_id = ?`, positionID)
	if err != nil {
		return fmt.Errorf("wallet: delete position %s: %w", positionID, err)
	}
	return nil
}

func loadOpenPositions(db *sql.DB) ([]types.Position, error) {
	rows, err := db.Query(`SELECT position_id, wallet_id, symbol, entry_px, size, stop, target, opened_at, status FROM positions WHERE status != ?`, string(types.PositionClosed))
	if err != nil {
		return nil, fmt.Errorf("wallet: load positions: %w", err)
	}
	defer rows.Close()

	var out []types.Position
	for rows.Next() {
		var p types.Position
		var openedMS int64
		var status string
		if err := rows.Scan(&p.PositionID, &p.WalletID, &p.Symbol, &p.EntryPx, &p.Size, &p.Stop, &p.Target, &openedMS, &status); err != nil {
			return nil, fmt.Errorf("wallet: scan position: %w", err)
		}
		p.Status = types.PositionStatus(status)
		out = append(out, p)
	}
	return out, rows.Err()
}
