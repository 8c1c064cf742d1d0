package jobstore

import (
	"context"
	"fmt"
)

const SchemaVersion = 1

// Migrate creates (or upgrades) the job schema in-place.
//
// Timestamps are TEXT in the fixed-width layout of FormatTime so the same
// schema and comparisons work on SQLite, libsql and postgres.
func (s *Store) Migrate(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if s == nil || s.db == nil {
		return fmt.Errorf("db is nil")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmts := []string{
		`CREATE TABLE IF NOT EXISTS schema_meta (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			schema_version INTEGER NOT NULL
		);`,
		`INSERT INTO schema_meta (id, schema_version)
			VALUES (1, 0)
			ON CONFLICT(id) DO NOTHING;`,

		`CREATE TABLE IF NOT EXISTS engine_servers (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL UNIQUE,
			created_at TEXT NOT NULL,
			last_seen_at TEXT NOT NULL
		);`,

		`CREATE TABLE IF NOT EXISTS verification_jobs (
			id TEXT PRIMARY KEY,
			status TEXT NOT NULL,
			verification_mode TEXT NOT NULL DEFAULT 'standard',
			input_disk TEXT NOT NULL DEFAULT '',
			input_key TEXT NOT NULL DEFAULT '',
			output_disk TEXT NOT NULL DEFAULT '',
			total_emails INTEGER NOT NULL DEFAULT 0,
			cached_count INTEGER NOT NULL DEFAULT 0,
			unknown_count INTEGER NOT NULL DEFAULT 0,
			valid_count INTEGER NOT NULL DEFAULT 0,
			invalid_count INTEGER NOT NULL DEFAULT 0,
			risky_count INTEGER NOT NULL DEFAULT 0,
			valid_key TEXT NOT NULL DEFAULT '',
			invalid_key TEXT NOT NULL DEFAULT '',
			risky_key TEXT NOT NULL DEFAULT '',
			cached_parts INTEGER NOT NULL DEFAULT 0,
			engine_server_id TEXT NOT NULL DEFAULT '',
			claimed_at TEXT,
			claim_expires_at TEXT,
			claim_token TEXT NOT NULL DEFAULT '',
			attempts INTEGER NOT NULL DEFAULT 0,
			error_message TEXT NOT NULL DEFAULT '',
			policy_version TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			started_at TEXT,
			finished_at TEXT,
			prepared_at TEXT
		);`,
		`CREATE INDEX IF NOT EXISTS idx_verification_jobs_status ON verification_jobs(status, created_at);`,

		`CREATE TABLE IF NOT EXISTS verification_job_chunks (
			id TEXT PRIMARY KEY,
			job_id TEXT NOT NULL,
			chunk_no INTEGER NOT NULL,
			status TEXT NOT NULL,
			input_disk TEXT NOT NULL DEFAULT '',
			input_key TEXT NOT NULL DEFAULT '',
			output_disk TEXT NOT NULL DEFAULT '',
			valid_key TEXT NOT NULL DEFAULT '',
			invalid_key TEXT NOT NULL DEFAULT '',
			risky_key TEXT NOT NULL DEFAULT '',
			email_count INTEGER NOT NULL DEFAULT 0,
			valid_count INTEGER NOT NULL DEFAULT 0,
			invalid_count INTEGER NOT NULL DEFAULT 0,
			risky_count INTEGER NOT NULL DEFAULT 0,
			attempts INTEGER NOT NULL DEFAULT 0,
			max_attempts INTEGER NOT NULL DEFAULT 0,
			engine_server_id TEXT NOT NULL DEFAULT '',
			assigned_worker_id TEXT NOT NULL DEFAULT '',
			claimed_at TEXT,
			claim_expires_at TEXT,
			claim_token TEXT NOT NULL DEFAULT '',
			retry_attempt INTEGER NOT NULL DEFAULT 0,
			retry_parent_id TEXT NOT NULL DEFAULT '',
			available_at TEXT,
			retry_planned_at TEXT,
			provider TEXT NOT NULL DEFAULT '',
			domain TEXT NOT NULL DEFAULT '',
			preferred_pool TEXT NOT NULL DEFAULT '',
			last_report_token TEXT NOT NULL DEFAULT '',
			error_message TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			UNIQUE(job_id, chunk_no),
			FOREIGN KEY(job_id) REFERENCES verification_jobs(id) ON DELETE CASCADE
		);`,
		`CREATE INDEX IF NOT EXISTS idx_chunks_claim ON verification_job_chunks(status, available_at);`,
		`CREATE INDEX IF NOT EXISTS idx_chunks_retry_parent ON verification_job_chunks(retry_parent_id);`,

		`CREATE TABLE IF NOT EXISTS job_locks (
			job_id TEXT PRIMARY KEY,
			owner TEXT NOT NULL,
			acquired_at TEXT NOT NULL,
			expires_at TEXT NOT NULL
		);`,
	}

	for _, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec schema statement: %w", err)
		}
	}

	var current int
	if err := tx.QueryRowContext(ctx, `SELECT schema_version FROM schema_meta WHERE id=1`).Scan(&current); err != nil {
		return fmt.Errorf("read schema_version: %w", err)
	}

	if current > SchemaVersion {
		return fmt.Errorf("schema version %d is newer than supported version %d", current, SchemaVersion)
	}
	if current != SchemaVersion {
		if _, err := tx.ExecContext(ctx, s.Rebind(`UPDATE schema_meta SET schema_version=? WHERE id=1`), SchemaVersion); err != nil {
			return fmt.Errorf("update schema_version: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit schema tx: %w", err)
	}
	return nil
}
