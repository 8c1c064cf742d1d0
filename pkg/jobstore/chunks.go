package jobstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ChunkStatus is the lifecycle state of a chunk.
type ChunkStatus string

const (
	ChunkPending    ChunkStatus = "pending"
	ChunkProcessing ChunkStatus = "processing"
	ChunkCompleted  ChunkStatus = "completed"
	ChunkFailed     ChunkStatus = "failed"
)

func (s ChunkStatus) String() string { return string(s) }

// Terminal reports whether the chunk reached completed or failed.
func (s ChunkStatus) Terminal() bool {
	return s == ChunkCompleted || s == ChunkFailed
}

// Chunk is one unit of work handed to a worker.
type Chunk struct {
	ID      string
	JobID   string
	ChunkNo int
	Status  ChunkStatus

	InputDisk  string
	InputKey   string
	OutputDisk string
	ValidKey   string
	InvalidKey string
	RiskyKey   string

	EmailCount   int
	ValidCount   int
	InvalidCount int
	RiskyCount   int

	Attempts    int
	MaxAttempts int

	EngineServerID   string
	AssignedWorkerID string
	ClaimedAt        *time.Time
	ClaimExpiresAt   *time.Time
	ClaimToken       string

	RetryAttempt   int
	RetryParentID  string
	AvailableAt    *time.Time
	// RetryPlannedAt is set once tempfail planning has run for a
	// completed chunk, whether or not it produced a retry chunk.
	RetryPlannedAt *time.Time

	// Routing hints for worker selection.
	Provider      string
	Domain        string
	PreferredPool string

	LastReportToken string
	ErrorMessage    string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// LeaseExpired reports whether a processing chunk's lease has run out.
func (c *Chunk) LeaseExpired(now time.Time) bool {
	return c.Status == ChunkProcessing && c.ClaimExpiresAt != nil && !c.ClaimExpiresAt.After(now)
}

const chunkSelectColumns = `id, job_id, chunk_no, status, input_disk, input_key, output_disk,
	valid_key, invalid_key, risky_key, email_count, valid_count, invalid_count, risky_count,
	attempts, max_attempts, engine_server_id, assigned_worker_id, claimed_at, claim_expires_at, claim_token,
	retry_attempt, retry_parent_id, available_at, provider, domain, preferred_pool,
	last_report_token, error_message, retry_planned_at, created_at, updated_at`

// CreateChunk inserts a chunk. ID and timestamps are filled when empty;
// Status defaults to pending.
func (s *Store) CreateChunk(ctx context.Context, chunk *Chunk) error {
	return s.insertChunk(ctx, s.db, chunk)
}

func (s *Store) insertChunk(ctx context.Context, q queryer, chunk *Chunk) error {
	if chunk == nil {
		return errors.New("chunk is nil")
	}
	if chunk.JobID == "" {
		return errors.New("chunk job id is required")
	}
	now := s.Now()
	if chunk.ID == "" {
		chunk.ID = uuid.NewString()
	}
	if chunk.Status == "" {
		chunk.Status = ChunkPending
	}
	if chunk.CreatedAt.IsZero() {
		chunk.CreatedAt = now
	}
	chunk.UpdatedAt = now

	_, err := q.ExecContext(ctx, s.Rebind(`INSERT INTO verification_job_chunks (
		id, job_id, chunk_no, status, input_disk, input_key, output_disk,
		email_count, attempts, max_attempts, retry_attempt, retry_parent_id, available_at,
		provider, domain, preferred_pool, created_at, updated_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		chunk.ID, chunk.JobID, chunk.ChunkNo, string(chunk.Status), chunk.InputDisk, chunk.InputKey, chunk.OutputDisk,
		chunk.EmailCount, chunk.Attempts, chunk.MaxAttempts, chunk.RetryAttempt, chunk.RetryParentID, nullTime(chunk.AvailableAt),
		chunk.Provider, chunk.Domain, chunk.PreferredPool, FormatTime(chunk.CreatedAt), FormatTime(chunk.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert chunk: %w", err)
	}
	return nil
}

// GetChunk loads a chunk by id. Returns ErrNotFound when missing.
func (s *Store) GetChunk(ctx context.Context, id string) (*Chunk, error) {
	row := s.db.QueryRowContext(ctx, s.Rebind(`SELECT `+chunkSelectColumns+` FROM verification_job_chunks WHERE id = ?`), id)
	chunk, err := scanChunk(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("chunk %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get chunk: %w", err)
	}
	return chunk, nil
}

// GetChunks returns all chunks of a job ordered by chunk_no.
func (s *Store) GetChunks(ctx context.Context, jobID string) ([]Chunk, error) {
	return s.queryChunks(ctx, `SELECT `+chunkSelectColumns+` FROM verification_job_chunks
		WHERE job_id = ? ORDER BY chunk_no ASC`, jobID)
}

// FindRetryChild returns the retry chunk spawned from parentID, or nil.
func (s *Store) FindRetryChild(ctx context.Context, parentID string) (*Chunk, error) {
	chunks, err := s.queryChunks(ctx, `SELECT `+chunkSelectColumns+` FROM verification_job_chunks
		WHERE retry_parent_id = ? ORDER BY chunk_no ASC LIMIT 1`, parentID)
	if err != nil {
		return nil, err
	}
	if len(chunks) == 0 {
		return nil, nil
	}
	return &chunks[0], nil
}

func (s *Store) queryChunks(ctx context.Context, query string, args ...any) ([]Chunk, error) {
	rows, err := s.db.QueryContext(ctx, s.Rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("query chunks: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var chunks []Chunk
	for rows.Next() {
		chunk, err := scanChunk(rows)
		if err != nil {
			return nil, fmt.Errorf("scan chunk: %w", err)
		}
		chunks = append(chunks, *chunk)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate chunks: %w", err)
	}
	return chunks, nil
}

// UpdateChunkStatus moves a chunk from expected to next and applies fields,
// but only if the chunk is still in expected and every condition holds.
// It reports whether the update was applied.
func (s *Store) UpdateChunkStatus(ctx context.Context, id string, expected, next ChunkStatus, fields Fields, conds ...Condition) (bool, error) {
	return s.updateChunkStatus(ctx, s.db, id, expected, next, fields, conds...)
}

func (s *Store) updateChunkStatus(ctx context.Context, q queryer, id string, expected, next ChunkStatus, fields Fields, conds ...Condition) (bool, error) {
	query, args, err := buildUpdate("verification_job_chunks", chunkColumns, id, string(expected), string(next), s.Now(), fields, conds)
	if err != nil {
		return false, err
	}
	res, err := q.ExecContext(ctx, s.Rebind(query), args...)
	if err != nil {
		return false, fmt.Errorf("update chunk %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("update chunk %s: rows affected: %w", id, err)
	}
	return n == 1, nil
}

// ClaimCandidates lists chunks a worker may claim at now: pending chunks
// whose available_at has passed (or is unset) and processing chunks whose
// lease expired. Only chunks of processing jobs are returned. Ordering is
// oldest availability first, then creation order.
func (s *Store) ClaimCandidates(ctx context.Context, now time.Time, limit int) ([]Candidate, error) {
	if limit <= 0 {
		limit = 10
	}
	ts := FormatTime(now)
	rows, err := s.db.QueryContext(ctx, s.Rebind(`SELECT c.id, c.status, c.claim_token
		FROM verification_job_chunks c
		JOIN verification_jobs j ON j.id = c.job_id
		WHERE j.status = ?
		  AND (
			(c.status = ? AND (c.available_at IS NULL OR c.available_at <= ?))
			OR (c.status = ? AND c.claim_expires_at IS NOT NULL AND c.claim_expires_at <= ?)
		  )
		ORDER BY COALESCE(c.available_at, c.created_at) ASC, c.created_at ASC, c.job_id ASC, c.chunk_no ASC
		LIMIT ?`),
		string(JobProcessing), string(ChunkPending), ts, string(ChunkProcessing), ts, limit)
	if err != nil {
		return nil, fmt.Errorf("select chunk candidates: %w", err)
	}
	return scanCandidates(rows)
}

// ExpiredLeases returns ids of processing chunks whose lease ended at or
// before now.
func (s *Store) ExpiredLeases(ctx context.Context, now time.Time) ([]Candidate, error) {
	rows, err := s.db.QueryContext(ctx, s.Rebind(`SELECT id, status, claim_token FROM verification_job_chunks
		WHERE status = ? AND claim_expires_at IS NOT NULL AND claim_expires_at <= ?
		ORDER BY claim_expires_at ASC`), string(ChunkProcessing), FormatTime(now))
	if err != nil {
		return nil, fmt.Errorf("select expired leases: %w", err)
	}
	return scanCandidates(rows)
}

// RecordTempfailRetry atomically rewrites a completed parent chunk and
// inserts its retry child.
//
// The job must still be processing. The parent update is guarded on
// status=completed and on the parent's current risky_key, and no child may
// exist yet for the parent. When any guard fails nothing is written and
// false is returned. The parent is marked retry-planned in the same
// transaction. The child's chunk_no is allocated after the highest
// chunk_no of the job.
func (s *Store) RecordTempfailRetry(ctx context.Context, parent *Chunk, parentFields Fields, child *Chunk) (bool, error) {
	if parent == nil || child == nil {
		return false, errors.New("parent and child chunks are required")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var jobStatus string
	err = tx.QueryRowContext(ctx, s.Rebind(`SELECT status FROM verification_jobs WHERE id = ?`), parent.JobID).Scan(&jobStatus)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read job status: %w", err)
	}
	if JobStatus(jobStatus) != JobProcessing {
		return false, nil
	}

	var existing int
	if err := tx.QueryRowContext(ctx, s.Rebind(`SELECT COUNT(*) FROM verification_job_chunks WHERE retry_parent_id = ?`), parent.ID).Scan(&existing); err != nil {
		return false, fmt.Errorf("count retry children: %w", err)
	}
	if existing > 0 {
		return false, nil
	}

	fields := Fields{"retry_planned_at": s.Now()}.Merge(parentFields)
	applied, err := s.updateChunkStatus(ctx, tx, parent.ID, ChunkCompleted, ChunkCompleted, fields,
		Condition{Column: "risky_key", Value: parent.RiskyKey})
	if err != nil {
		return false, err
	}
	if !applied {
		return false, nil
	}

	var next int
	if err := tx.QueryRowContext(ctx, s.Rebind(`SELECT COALESCE(MAX(chunk_no), 0) + 1 FROM verification_job_chunks WHERE job_id = ?`), parent.JobID).Scan(&next); err != nil {
		return false, fmt.Errorf("allocate chunk number: %w", err)
	}

	child.JobID = parent.JobID
	child.RetryParentID = parent.ID
	child.ChunkNo = next
	if err := s.insertChunk(ctx, tx, child); err != nil {
		return false, err
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit retry tx: %w", err)
	}
	return true, nil
}

// MarkRetryPlanned records that tempfail planning ran for a completed chunk
// without producing a retry chunk. It reports whether the mark was written;
// an already marked or non-completed chunk is left unchanged.
func (s *Store) MarkRetryPlanned(ctx context.Context, id string) (bool, error) {
	return s.updateChunkStatus(ctx, s.db, id, ChunkCompleted, ChunkCompleted,
		Fields{"retry_planned_at": s.Now()},
		Condition{Column: "retry_planned_at", Value: nil})
}

func scanChunk(row rowScanner) (*Chunk, error) {
	var (
		c                       Chunk
		status                  string
		claimedAt, claimExpires sql.NullString
		availableAt, planned    sql.NullString
		createdAt, updatedAt    string
	)
	err := row.Scan(
		&c.ID, &c.JobID, &c.ChunkNo, &status, &c.InputDisk, &c.InputKey, &c.OutputDisk,
		&c.ValidKey, &c.InvalidKey, &c.RiskyKey, &c.EmailCount, &c.ValidCount, &c.InvalidCount, &c.RiskyCount,
		&c.Attempts, &c.MaxAttempts, &c.EngineServerID, &c.AssignedWorkerID, &claimedAt, &claimExpires, &c.ClaimToken,
		&c.RetryAttempt, &c.RetryParentID, &availableAt, &c.Provider, &c.Domain, &c.PreferredPool,
		&c.LastReportToken, &c.ErrorMessage, &planned, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}
	c.Status = ChunkStatus(status)

	if c.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if c.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	if c.ClaimedAt, err = parseNullTime(claimedAt); err != nil {
		return nil, err
	}
	if c.ClaimExpiresAt, err = parseNullTime(claimExpires); err != nil {
		return nil, err
	}
	if c.AvailableAt, err = parseNullTime(availableAt); err != nil {
		return nil, err
	}
	if c.RetryPlannedAt, err = parseNullTime(planned); err != nil {
		return nil, err
	}
	return &c, nil
}

// PrepareJob records a planner run atomically: the job fields (counters,
// cached-result keys, prepared_at) and every chunk row. It applies only to
// a processing job that has not been prepared yet.
func (s *Store) PrepareJob(ctx context.Context, jobID string, fields Fields, chunks []*Chunk) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	applied, err := s.updateJobStatus(ctx, tx, jobID, JobProcessing, JobProcessing, fields,
		Condition{Column: "prepared_at", Value: nil})
	if err != nil {
		return false, err
	}
	if !applied {
		return false, nil
	}

	for _, c := range chunks {
		c.JobID = jobID
		if err := s.insertChunk(ctx, tx, c); err != nil {
			return false, err
		}
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit prepare tx: %w", err)
	}
	return true, nil
}
