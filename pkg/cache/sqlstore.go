package cache

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/ASTGD/ValidEmailVerifierGUI-sub000/pkg/jobstore"
)

// lookupChunk stays below SQLite's bound-parameter limit.
const lookupChunk = 500

// SQLStore keeps the verification cache in the job database.
type SQLStore struct {
	db    *sql.DB
	store *jobstore.Store
}

var (
	_ Store  = (*SQLStore)(nil)
	_ Writer = (*SQLStore)(nil)
)

// NewSQLStore creates the cache table if needed. It shares the job store's
// connection pool.
func NewSQLStore(ctx context.Context, st *jobstore.Store) (*SQLStore, error) {
	if st == nil {
		return nil, fmt.Errorf("job store is required")
	}
	s := &SQLStore{db: st.DB(), store: st}
	if err := s.ensureSchema(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLStore) ensureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS verification_cache (
			email TEXT PRIMARY KEY,
			outcome TEXT NOT NULL,
			reason TEXT NOT NULL DEFAULT '',
			observed_at TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_verification_cache_observed_at ON verification_cache(observed_at);`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ensure cache schema: %w", err)
		}
	}
	return nil
}

func (s *SQLStore) LookupMany(ctx context.Context, emails []string) (map[string]Entry, error) {
	out := make(map[string]Entry, len(emails))
	for start := 0; start < len(emails); start += lookupChunk {
		end := start + lookupChunk
		if end > len(emails) {
			end = len(emails)
		}
		batch := emails[start:end]

		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(batch)), ",")
		args := make([]any, len(batch))
		for i, e := range batch {
			args[i] = e
		}

		rows, err := s.db.QueryContext(ctx, s.store.Rebind(
			`SELECT email, outcome, reason, observed_at FROM verification_cache WHERE email IN (`+placeholders+`)`), args...)
		if err != nil {
			return nil, fmt.Errorf("lookup cache: %w", err)
		}
		if err := scanEntries(rows, out); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func scanEntries(rows *sql.Rows, out map[string]Entry) error {
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var (
			e        Entry
			observed string
		)
		if err := rows.Scan(&e.Email, &e.Outcome, &e.Reason, &observed); err != nil {
			return fmt.Errorf("scan cache entry: %w", err)
		}
		if t, err := time.Parse(time.RFC3339Nano, observed); err == nil {
			e.ObservedAt = t
		}
		out[e.Email] = e
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate cache entries: %w", err)
	}
	return nil
}

// Upsert writes entries in one transaction; newer observations replace
// older ones.
func (s *SQLStore) Upsert(ctx context.Context, entries []Entry) error {
	if len(entries) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	query := s.store.Rebind(`INSERT INTO verification_cache (email, outcome, reason, observed_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(email) DO UPDATE SET
			outcome = excluded.outcome,
			reason = excluded.reason,
			observed_at = excluded.observed_at`)

	now := s.store.Now()
	for _, e := range entries {
		observed := e.ObservedAt
		if observed.IsZero() {
			observed = now
		}
		if _, err := tx.ExecContext(ctx, query, e.Email, e.Outcome, e.Reason, jobstore.FormatTime(observed)); err != nil {
			return fmt.Errorf("upsert cache entry: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit cache tx: %w", err)
	}
	return nil
}
