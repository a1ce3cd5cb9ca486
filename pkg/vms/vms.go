// Package vms implements the Vector Memory Store: a content-addressed
// record of past situation -> decision -> outcome experiences, retrieved by
// cosine similarity over L2-normalized embeddings.
package vms

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/vmihailenco/msgpack/v5"
	"gonum.org/v1/gonum/floats"

	"github.com/solflux-labs/hft-core/pkg/clock"
	"github.com/solflux-labs/hft-core/pkg/types"
)

var (
	ErrDuplicateID       = errors.New("vms: duplicate experience_id")
	ErrNotFound          = errors.New("vms: experience not found")
	ErrAlreadyFinalized  = errors.New("vms: outcome already finalized")
	ErrEncodeFailed      = errors.New("vms: encode failed")
	ErrDimensionMismatch = errors.New("vms: embedding dimension mismatch")
)

// Encoder turns a situation digest into a dense embedding. Production
// encoders call an external embedding model; tests supply a deterministic
// stub.
type Encoder interface {
	Encode(ctx context.Context, text string) ([]float32, error)
}

const schema = `
CREATE TABLE IF NOT EXISTS experiences (
	experience_id TEXT PRIMARY KEY,
	symbol        TEXT NOT NULL,
	embedding     BLOB NOT NULL,
	record        BLOB NOT NULL,
	final         INTEGER NOT NULL DEFAULT 0,
	created_at    INTEGER NOT NULL,
	updated_at    INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_experiences_symbol ON experiences(symbol);
CREATE INDEX IF NOT EXISTS idx_experiences_created ON experiences(created_at);

CREATE TABLE IF NOT EXISTS vms_meta (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
`

// record is what's actually persisted in the "record" blob — the full
// Experience minus the embedding, which gets its own indexed column.
type record struct {
	Situation types.Situation `msgpack:"situation"`
	Decision  types.Decision  `msgpack:"decision"`
	Outcome   *types.Outcome  `msgpack:"outcome"`
}

// Store is the VMS's sqlite-backed persistence and retrieval layer.
type Store struct {
	db      *sql.DB
	dim     int
	encoder Encoder
	clk     clock.Clock

	mu sync.Mutex // serializes writes; single-writer-per-row is enforced by experience_id PK anyway

	cron *cron.Cron
}

// Open opens (creating if absent) a VMS database at path. dim is the
// embedding dimensionality this store instance enforces; it is stamped into
// vms_meta on first open and checked against on subsequent opens.
func Open(path string, dim int, encoder Encoder, clk clock.Clock) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("vms: open: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("vms: migrate: %w", err)
	}

	s := &Store{db: db, dim: dim, encoder: encoder, clk: clk}
	if err := s.lockDimension(dim); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) lockDimension(dim int) error {
	var stored string
	err := s.db.QueryRow(`SELECT value FROM vms_meta WHERE key = 'embedding_dim'`).Scan(&stored)
	if errors.Is(err, sql.ErrNoRows) {
		_, err := s.db.Exec(`INSERT INTO vms_meta(key, value) VALUES ('embedding_dim', ?)`, fmt.Sprint(dim))
		return err
	}
	if err != nil {
		return fmt.Errorf("vms: read embedding_dim: %w", err)
	}
	if stored != fmt.Sprint(dim) {
		return fmt.Errorf("%w: store was initialized with dim=%s, opened with dim=%d", ErrDimensionMismatch, stored, dim)
	}
	return nil
}

func (s *Store) Close() error {
	if s.cron != nil {
		<-s.cron.Stop().Done()
	}
	return s.db.Close()
}

// StartMaintenance schedules a recurring PurgeBefore sweep, removing
// experiences older than retention every interval. Without this, the store
// grows without bound: nothing else in the normal store/search/update_outcome
// path ever deletes a row.
func (s *Store) StartMaintenance(log zerolog.Logger, retention, interval time.Duration) error {
	s.cron = cron.New(cron.WithSeconds())
	every := fmt.Sprintf("@every %s", interval)
	_, err := s.cron.AddFunc(every, func() {
		cutoff := s.clk.Now().Add(-retention)
		n, err := s.PurgeBefore(context.Background(), cutoff)
		if err != nil {
			log.Error().Err(err).Msg("vms purge sweep failed")
			return
		}
		if n > 0 {
			log.Info().Int64("purged", n).Msg("vms purge sweep")
		}
	})
	if err != nil {
		return fmt.Errorf("vms: scheduling purge sweep: %w", err)
	}
	s.cron.Start()
	return nil
}

// Store appends an experience. If exp.ExperienceID is empty the store has
// nothing to key on and returns an error; callers assign IDs before calling.
func (s *Store) Store(ctx context.Context, exp types.Experience) (string, error) {
	if exp.ExperienceID == "" {
		return "", fmt.Errorf("vms: experience_id required")
	}
	if len(exp.Embedding) != s.dim {
		return "", fmt.Errorf("%w: got %d, want %d", ErrDimensionMismatch, len(exp.Embedding), s.dim)
	}

	normalized := l2Normalize(exp.Embedding)
	embBytes := encodeFloats(normalized)

	rec := record{Situation: exp.Situation, Decision: exp.Decision, Outcome: exp.Outcome}
	recBytes, err := msgpack.Marshal(rec)
	if err != nil {
		return "", fmt.Errorf("vms: marshal record: %w", err)
	}

	now := s.clk.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO experiences(experience_id, symbol, embedding, record, final, created_at, updated_at)
		VALUES (?, ?, ?, ?, 0, ?, ?)`,
		exp.ExperienceID, exp.Situation.Symbol, embBytes, recBytes, now.UnixMilli(), now.UnixMilli())
	if err != nil {
		if isUniqueViolation(err) {
			return "", ErrDuplicateID
		}
		return "", fmt.Errorf("vms: insert: %w", err)
	}
	return exp.ExperienceID, nil
}

// Search returns the k experiences whose embeddings are most cosine-similar
// to queryVector, optionally restricted to a symbol filter.
func (s *Store) Search(ctx context.Context, queryVector []float32, k int, symbolFilter string) ([]types.ScoredExperience, error) {
	if len(queryVector) != s.dim {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrDimensionMismatch, len(queryVector), s.dim)
	}
	if k <= 0 {
		return nil, nil
	}
	query := l2Normalize(queryVector)

	rows, err := s.rowsForScan(ctx, symbolFilter)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	type candidate struct {
		exp   types.Experience
		score float64
	}
	var candidates []candidate

	for rows.Next() {
		var id, symbol string
		var embBytes, recBytes []byte
		var final int
		var createdMS, updatedMS int64
		if err := rows.Scan(&id, &symbol, &embBytes, &recBytes, &final, &createdMS, &updatedMS); err != nil {
			return nil, fmt.Errorf("vms: scan: %w", err)
		}
		vec := decodeFloats(embBytes)
		var rec record
		if err := msgpack.Unmarshal(recBytes, &rec); err != nil {
			return nil, fmt.Errorf("vms: unmarshal record %s: %w", id, err)
		}
		exp := types.Experience{
			ExperienceID: id,
			Embedding:    vec,
			Situation:    rec.Situation,
			Decision:     rec.Decision,
			Outcome:      rec.Outcome,
			CreatedAt:    time.UnixMilli(createdMS).UTC(),
			UpdatedAt:    time.UnixMilli(updatedMS).UTC(),
		}
		candidates = append(candidates, candidate{exp: exp, score: cosineSimilarity(query, vec)})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("vms: rows: %w", err)
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].score != candidates[j].score {
			return candidates[i].score > candidates[j].score
		}
		return candidates[i].exp.CreatedAt.After(candidates[j].exp.CreatedAt)
	})

	if len(candidates) > k {
		candidates = candidates[:k]
	}
	out := make([]types.ScoredExperience, len(candidates))
	for i, c := range candidates {
		out[i] = types.ScoredExperience{Experience: c.exp, Score: c.score}
	}
	return out, nil
}

func (s *Store) rowsForScan(ctx context.Context, symbolFilter string) (*sql.Rows, error) {
	if symbolFilter == "" {
		return s.db.QueryContext(ctx, `SELECT experience_id, symbol, embedding, record, final, created_at, updated_at FROM experiences`)
	}
	return s.db.QueryContext(ctx, `SELECT experience_id, symbol, embedding, record, final, created_at, updated_at FROM experiences WHERE symbol = ?`, symbolFilter)
}

// UpdateOutcome refines the outcome of an existing experience. The refinement
// is monotone: once an outcome is written with Final=true, further calls fail
// with ErrAlreadyFinalized.
func (s *Store) UpdateOutcome(ctx context.Context, experienceID string, outcome types.Outcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var recBytes []byte
	var final int
	err := s.db.QueryRowContext(ctx, `SELECT record, final FROM experiences WHERE experience_id = ?`, experienceID).Scan(&recBytes, &final)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("vms: select for update: %w", err)
	}
	if final == 1 {
		return ErrAlreadyFinalized
	}

	var rec record
	if err := msgpack.Unmarshal(recBytes, &rec); err != nil {
		return fmt.Errorf("vms: unmarshal record: %w", err)
	}
	rec.Outcome = &outcome
	newBytes, err := msgpack.Marshal(rec)
	if err != nil {
		return fmt.Errorf("vms: marshal record: %w", err)
	}

	finalFlag := 0
	if outcome.Final {
		finalFlag = 1
	}
	now := s.clk.Now()
	_, err = s.db.ExecContext(ctx, `UPDATE experiences SET record = ?, final = ?, updated_at = ? WHERE experience_id = ?`,
		newBytes, finalFlag, now.UnixMilli(), experienceID)
	if err != nil {
		return fmt.Errorf("vms: update: %w", err)
	}
	return nil
}

// Stats is the VMS's self-reported size/freshness summary, surfaced on the
// control surface's /status endpoint.
type Stats struct {
	Count        int64
	Dim          int
	LastWrittenAt time.Time
}

func (s *Store) Stats(ctx context.Context) (Stats, error) {
	var count int64
	var lastMS sql.NullInt64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*), MAX(updated_at) FROM experiences`).Scan(&count, &lastMS)
	if err != nil {
		return Stats{}, fmt.Errorf("vms: stats: %w", err)
	}
	st := Stats{Count: count, Dim: s.dim}
	if lastMS.Valid {
		st.LastWrittenAt = time.UnixMilli(lastMS.Int64).UTC()
	}
	return st, nil
}

// PurgeBefore is the administrative sweep that removes experiences created
// before the given timestamp. There is no deletion path in the normal
// store/search/update_outcome API.
func (s *Store) PurgeBefore(ctx context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.ExecContext(ctx, `DELETE FROM experiences WHERE created_at < ?`, before.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("vms: purge: %w", err)
	}
	return res.RowsAffected()
}

// Embed runs the store's encoder over a digest, wrapping failures in
// ErrEncodeFailed so callers (RO) can degrade to an empty-context search.
func (s *Store) Embed(ctx context.Context, digest string) ([]float32, error) {
	vec, err := s.encoder.Encode(ctx, digest)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncodeFailed, err)
	}
	return vec, nil
}

func l2Normalize(v []float32) []float32 {
	f64 := make([]float64, len(v))
	for i, x := range v {
		f64[i] = float64(x)
	}
	norm := floats.Norm(f64, 2)
	out := make([]float32, len(v))
	if norm == 0 {
		return out
	}
	for i, x := range f64 {
		out[i] = float32(x / norm)
	}
	return out
}

func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	af := make([]float64, len(a))
	bf := make([]float64, len(b))
	for i := range a {
		af[i] = float64(a[i])
		bf[i] = float64(b[i])
	}
	// a and b are already L2-normalized on insert/query, so dot product is
	// cosine similarity directly.
	dot := floats.Dot(af, bf)
	if dot > 1 {
		dot = 1
	}
	if dot < -1 {
		dot = -1
	}
	return dot
}

func encodeFloats(v []float32) []byte {
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		bits := math.Float32bits(f)
		buf[i*4] = byte(bits)
		buf[i*4+1] = byte(bits >> 8)
		buf[i*4+2] = byte(bits >> 16)
		buf[i*4+3] = byte(bits >> 24)
	}
	return buf
}

func decodeFloats(buf []byte) []float32 {
	n := len(buf) / 4
	out := make([]float32, n)
	for i := 0; i < n; i++ {
		bits := uint32(buf[i*4]) | uint32(buf[i*4+1])<<8 | uint32(buf[i*4+2])<<16 | uint32(buf[i*4+3])<<24
		out[i] = math.Float32frombits(bits)
	}
	return out
}

func isUniqueViolation(err error) bool {
	return err != nil && (strings.Contains(err.Error(), "UNIQUE constraint failed") || strings.Contains(err.Error(), "PRIMARY KEY"))
}
