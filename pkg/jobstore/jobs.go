package jobstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// JobStatus is the lifecycle state of a VerificationJob.
type JobStatus string

const (
	JobPending    JobStatus = "pending"
	JobProcessing JobStatus = "processing"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
)

func (s JobStatus) String() string { return string(s) }

// Terminal reports whether no further transitions are expected.
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed
}

// VerificationMode selects the verification depth requested for a job.
type VerificationMode string

const (
	ModeStandard VerificationMode = "standard"
	ModeEnhanced VerificationMode = "enhanced"
)

func (m VerificationMode) String() string { return string(m) }

// ParseVerificationMode accepts "standard" and "enhanced" (case-insensitive).
func ParseVerificationMode(s string) (VerificationMode, error) {
	switch VerificationMode(strings.ToLower(strings.TrimSpace(s))) {
	case "", ModeStandard:
		return ModeStandard, nil
	case ModeEnhanced:
		return ModeEnhanced, nil
	}
	return "", fmt.Errorf("unknown verification mode %q", s)
}

// Job is one uploaded email list moving through the pipeline.
type Job struct {
	ID               string
	Status           JobStatus
	VerificationMode VerificationMode
	InputDisk        string
	InputKey         string
	// OutputDisk receives chunk inputs and final blobs. Defaults to InputDisk.
	OutputDisk string

	TotalEmails  int
	CachedCount  int
	UnknownCount int
	ValidCount   int
	InvalidCount int
	RiskyCount   int

	// Final result keys, set once the job is Completed.
	ValidKey   string
	InvalidKey string
	RiskyKey   string

	// CachedParts is the number of cache-hit blob parts the planner wrote.
	// Each part holds one blob per bucket; see CachedKey.
	CachedParts int

	EngineServerID string
	ClaimedAt      *time.Time
	ClaimExpiresAt *time.Time
	ClaimToken     string
	Attempts       int

	ErrorMessage  string
	PolicyVersion string

	CreatedAt  time.Time
	UpdatedAt  time.Time
	StartedAt  *time.Time
	FinishedAt *time.Time
	PreparedAt *time.Time
}

// ResultDisk returns the disk that chunk and final blobs are written to.
func (j *Job) ResultDisk() string {
	if j.OutputDisk != "" {
		return j.OutputDisk
	}
	return j.InputDisk
}

// CachedKeys lists the job's cache-hit blobs for bucket in part order.
func (j *Job) CachedKeys(bucket string) []string {
	keys := make([]string, 0, j.CachedParts)
	for part := 1; part <= j.CachedParts; part++ {
		keys = append(keys, CachedKey(j.ID, part, bucket))
	}
	return keys
}

// CachedKey is the blob key of one part of a job's cache-hit rows for
// bucket.
func CachedKey(jobID string, part int, bucket string) string {
	return "jobs/" + jobID + "/cached/" + strconv.Itoa(part) + "/" + bucket + ".csv"
}

const jobSelectColumns = `id, status, verification_mode, input_disk, input_key, output_disk,
	total_emails, cached_count, unknown_count, valid_count, invalid_count, risky_count,
	valid_key, invalid_key, risky_key, cached_parts,
	engine_server_id, claimed_at, claim_expires_at, claim_token, attempts,
	error_message, policy_version, created_at, updated_at, started_at, finished_at, prepared_at`

// CreateJob inserts a new job. ID and timestamps are filled when empty;
// Status defaults to Pending.
func (s *Store) CreateJob(ctx context.Context, job *Job) error {
	if job == nil {
		return errors.New("job is nil")
	}
	now := s.Now()
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.Status == "" {
		job.Status = JobPending
	}
	if job.VerificationMode == "" {
		job.VerificationMode = ModeStandard
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	job.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, s.Rebind(`INSERT INTO verification_jobs (
		id, status, verification_mode, input_disk, input_key, output_disk,
		total_emails, cached_count, unknown_count, policy_version, error_message, created_at, updated_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		job.ID, string(job.Status), string(job.VerificationMode), job.InputDisk, job.InputKey, job.OutputDisk,
		job.TotalEmails, job.CachedCount, job.UnknownCount, job.PolicyVersion, job.ErrorMessage,
		FormatTime(job.CreatedAt), FormatTime(job.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

// GetJob loads a job by id. Returns ErrNotFound when missing.
func (s *Store) GetJob(ctx context.Context, id string) (*Job, error) {
	row := s.db.QueryRowContext(ctx, s.Rebind(`SELECT `+jobSelectColumns+` FROM verification_jobs WHERE id = ?`), id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

// ListJobs returns jobs in creation order, optionally filtered by status.
// limit <= 0 means no limit.
func (s *Store) ListJobs(ctx context.Context, status JobStatus, limit int) ([]Job, error) {
	query := `SELECT ` + jobSelectColumns + ` FROM verification_jobs`
	var args []any
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY created_at ASC, id ASC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, s.Rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var jobs []Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, *job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate jobs: %w", err)
	}
	return jobs, nil
}

// UpdateJobStatus moves a job from expected to next and applies fields,
// but only if the job is still in expected and every condition holds.
// It reports whether the update was applied.
func (s *Store) UpdateJobStatus(ctx context.Context, id string, expected, next JobStatus, fields Fields, conds ...Condition) (bool, error) {
	return s.updateJobStatus(ctx, s.db, id, expected, next, fields, conds...)
}

func (s *Store) updateJobStatus(ctx context.Context, q queryer, id string, expected, next JobStatus, fields Fields, conds ...Condition) (bool, error) {
	query, args, err := buildUpdate("verification_jobs", jobColumns, id, string(expected), string(next), s.Now(), fields, conds)
	if err != nil {
		return false, err
	}
	res, err := q.ExecContext(ctx, s.Rebind(query), args...)
	if err != nil {
		return false, fmt.Errorf("update job %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("update job %s: rows affected: %w", id, err)
	}
	return n == 1, nil
}

// DeleteJob removes a job; its chunks are removed by cascade.
func (s *Store) DeleteJob(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, s.Rebind(`DELETE FROM verification_jobs WHERE id = ?`), id)
	if err != nil {
		return fmt.Errorf("delete job: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	return nil
}

// JobClaimCandidates lists pending jobs that are unclaimed or whose claim
// has expired, oldest first.
func (s *Store) JobClaimCandidates(ctx context.Context, now time.Time, limit int) ([]Candidate, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.db.QueryContext(ctx, s.Rebind(`SELECT id, status, claim_token FROM verification_jobs
		WHERE status = ? AND (claim_expires_at IS NULL OR claim_expires_at <= ?)
		ORDER BY created_at ASC, id ASC
		LIMIT ?`), string(JobPending), FormatTime(now), limit)
	if err != nil {
		return nil, fmt.Errorf("select job candidates: %w", err)
	}
	return scanCandidates(rows)
}

// Candidate is a row that may be claimed, with the values needed to guard
// the claiming update.
type Candidate struct {
	ID         string
	Status     string
	ClaimToken string
}

func scanCandidates(rows *sql.Rows) ([]Candidate, error) {
	defer func() { _ = rows.Close() }()
	var out []Candidate
	for rows.Next() {
		var c Candidate
		if err := rows.Scan(&c.ID, &c.Status, &c.ClaimToken); err != nil {
			return nil, fmt.Errorf("scan candidate: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate candidates: %w", err)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*Job, error) {
	var (
		job                               Job
		status, mode                      string
		claimedAt, claimExpires           sql.NullString
		createdAt, updatedAt              string
		startedAt, finishedAt, preparedAt sql.NullString
	)
	err := row.Scan(
		&job.ID, &status, &mode, &job.InputDisk, &job.InputKey, &job.OutputDisk,
		&job.TotalEmails, &job.CachedCount, &job.UnknownCount, &job.ValidCount, &job.InvalidCount, &job.RiskyCount,
		&job.ValidKey, &job.InvalidKey, &job.RiskyKey, &job.CachedParts,
		&job.EngineServerID, &claimedAt, &claimExpires, &job.ClaimToken, &job.Attempts,
		&job.ErrorMessage, &job.PolicyVersion, &createdAt, &updatedAt, &startedAt, &finishedAt, &preparedAt,
	)
	if err != nil {
		return nil, err
	}
	job.Status = JobStatus(status)
	job.VerificationMode = VerificationMode(mode)

	if job.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if job.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	for _, f := range []struct {
		src sql.NullString
		dst **time.Time
	}{
		{claimedAt, &job.ClaimedAt},
		{claimExpires, &job.ClaimExpiresAt},
		{startedAt, &job.StartedAt},
		{finishedAt, &job.FinishedAt},
		{preparedAt, &job.PreparedAt},
	} {
		if *f.dst, err = parseNullTime(f.src); err != nil {
			return nil, err
		}
	}
	return &job, nil
}
