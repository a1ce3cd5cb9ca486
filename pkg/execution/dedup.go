package execution

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const recentCompletionsSchema = `
CREATE TABLE IF NOT EXISTS recent_completions (
	intent_id  TEXT PRIMARY KEY,
	result     BLOB NOT NULL,
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_recent_completions_created_at ON recent_completions(created_at);
`

// completionLedger is the durable at-most-once record of terminal
// ExecutionResults, keyed by intent_id. An intent redelivered by MB after a
// crash hits this ledger before anything is re-executed; the cached result
// is republished instead.
type completionLedger struct {
	db  *sql.DB
	ttl time.Duration
}

func openCompletionLedger(path string, ttl time.Duration) (*completionLedger, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("execution: open dedup ledger: %w", err)
	}
	if _, err := db.Exec(recentCompletionsSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("execution: migrate dedup ledger: %w", err)
	}
	return &completionLedger{db: db, ttl: ttl}, nil
}

func (l *completionLedger) Close() error { return l.db.Close() }

func (l *completionLedger) lookup(intentID string) ([]byte, bool, error) {
	var raw []byte
	err := l.db.QueryRow(`SELECT result FROM recent_completions WHERE intent_id = ?`, intentID).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("execution: dedup lookup %s: %w", intentID, err)
	}
	return raw, true, nil
}

func (l *completionLedger) record(intentID string, raw []byte, now time.Time) error {
	_, err := l.db.Exec(`
		INSERT INTO recent_completions(intent_id, result, created_at) VALUES (?, ?, ?)
		ON CONFLICT(intent_id) DO UPDATE SET result=excluded.result, created_at=excluded.created_at`,
		intentID, raw, now.UnixMilli())
	if err != nil {
		return fmt.Errorf("execution: dedup record %s: %w", intentID, err)
	}
	return nil
}

// prune removes entries older than the ledger TTL, keeping the bounded LRU
// property without an in-process cap on the number of entries tracked.
func (l *completionLedger) prune(now time.Time) error {
	cutoff := now.Add(-l.ttl).UnixMilli()
	_, err := l.db.Exec(`DELETE FROM recent_completions WHERE created_at < ?`, cutoff)
	if err != nil {
		return fmt.Errorf("execution: prune dedup ledger: %w", err)
	}
	return nil
}
