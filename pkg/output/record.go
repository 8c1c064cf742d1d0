// Package output provides JSONL output for pipeline commands.
//
// Output is structured as typed record envelopes. Each line is a
// self-contained JSON object that can be parsed independently, so a
// worker wrapper can pipe `verifier chunk claim` into its own loop.
package output

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/ASTGD/ValidEmailVerifierGUI-sub000/pkg/jobstore"
)

// Record type constants follow the pattern verifier.<type>.v<version>.
const (
	TypeJob       = "verifier.job.v1"
	TypeChunk     = "verifier.chunk.v1"
	TypeLease     = "verifier.lease.v1"
	TypeJobLease  = "verifier.job_lease.v1"
	TypePlan      = "verifier.plan.v1"
	TypeReport    = "verifier.report.v1"
	TypeFinalize  = "verifier.finalize.v1"
	TypeWriteBack = "verifier.writeback.v1"
	TypeError     = "verifier.error.v1"
	TypeSummary   = "verifier.summary.v1"
)

// Record is the envelope for all JSONL output.
type Record struct {
	// Type identifies the payload in Data.
	Type string `json:"type"`

	TS time.Time `json:"ts"`

	// JobID correlates records of one job. Empty for cross-job records.
	JobID string `json:"job_id,omitempty"`

	// Engine is the engine identity that produced the record.
	Engine string `json:"engine,omitempty"`

	Data json.RawMessage `json:"data"`
}

// JobRecord is the public view of a verification job. Claim tokens are
// never exposed.
type JobRecord struct {
	ID               string     `json:"id"`
	Status           string     `json:"status"`
	VerificationMode string     `json:"verification_mode"`
	InputDisk        string     `json:"input_disk"`
	InputKey         string     `json:"input_key"`
	OutputDisk       string     `json:"output_disk,omitempty"`
	TotalEmails      int        `json:"total_emails"`
	CachedCount      int        `json:"cached_count"`
	UnknownCount     int        `json:"unknown_count"`
	ValidCount       int        `json:"valid_count"`
	InvalidCount     int        `json:"invalid_count"`
	RiskyCount       int        `json:"risky_count"`
	ValidKey         string     `json:"valid_key,omitempty"`
	InvalidKey       string     `json:"invalid_key,omitempty"`
	RiskyKey         string     `json:"risky_key,omitempty"`
	PolicyVersion    string     `json:"policy_version,omitempty"`
	ErrorMessage     string     `json:"error_message,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
	PreparedAt       *time.Time `json:"prepared_at,omitempty"`
	FinishedAt       *time.Time `json:"finished_at,omitempty"`
}

// NewJobRecord copies the public fields of j.
func NewJobRecord(j *jobstore.Job) *JobRecord {
	return &JobRecord{
		ID:               j.ID,
		Status:           j.Status.String(),
		VerificationMode: j.VerificationMode.String(),
		InputDisk:        j.InputDisk,
		InputKey:         j.InputKey,
		OutputDisk:       j.OutputDisk,
		TotalEmails:      j.TotalEmails,
		CachedCount:      j.CachedCount,
		UnknownCount:     j.UnknownCount,
		ValidCount:       j.ValidCount,
		InvalidCount:     j.InvalidCount,
		RiskyCount:       j.RiskyCount,
		ValidKey:         j.ValidKey,
		InvalidKey:       j.InvalidKey,
		RiskyKey:         j.RiskyKey,
		PolicyVersion:    j.PolicyVersion,
		ErrorMessage:     j.ErrorMessage,
		CreatedAt:        j.CreatedAt,
		UpdatedAt:        j.UpdatedAt,
		PreparedAt:       j.PreparedAt,
		FinishedAt:       j.FinishedAt,
	}
}

// ChunkRecord is the public view of a chunk.
type ChunkRecord struct {
	ID               string     `json:"id"`
	JobID            string     `json:"job_id"`
	ChunkNo          int        `json:"chunk_no"`
	Status           string     `json:"status"`
	InputDisk        string     `json:"input_disk"`
	InputKey         string     `json:"input_key"`
	OutputDisk       string     `json:"output_disk,omitempty"`
	ValidKey         string     `json:"valid_key,omitempty"`
	InvalidKey       string     `json:"invalid_key,omitempty"`
	RiskyKey         string     `json:"risky_key,omitempty"`
	EmailCount       int        `json:"email_count"`
	ValidCount       int        `json:"valid_count"`
	InvalidCount     int        `json:"invalid_count"`
	RiskyCount       int        `json:"risky_count"`
	Attempts         int        `json:"attempts"`
	MaxAttempts      int        `json:"max_attempts"`
	RetryAttempt     int        `json:"retry_attempt"`
	RetryParentID    string     `json:"retry_parent_id,omitempty"`
	AvailableAt      *time.Time `json:"available_at,omitempty"`
	AssignedWorkerID string     `json:"assigned_worker_id,omitempty"`
	ClaimExpiresAt   *time.Time `json:"claim_expires_at,omitempty"`
	Provider         string     `json:"provider,omitempty"`
	Domain           string     `json:"domain,omitempty"`
	PreferredPool    string     `json:"preferred_pool,omitempty"`
	ErrorMessage     string     `json:"error_message,omitempty"`
}

func NewChunkRecord(c *jobstore.Chunk) *ChunkRecord {
	return &ChunkRecord{
		ID:               c.ID,
		JobID:            c.JobID,
		ChunkNo:          c.ChunkNo,
		Status:           c.Status.String(),
		InputDisk:        c.InputDisk,
		InputKey:         c.InputKey,
		OutputDisk:       c.OutputDisk,
		ValidKey:         c.ValidKey,
		InvalidKey:       c.InvalidKey,
		RiskyKey:         c.RiskyKey,
		EmailCount:       c.EmailCount,
		ValidCount:       c.ValidCount,
		InvalidCount:     c.InvalidCount,
		RiskyCount:       c.RiskyCount,
		Attempts:         c.Attempts,
		MaxAttempts:      c.MaxAttempts,
		RetryAttempt:     c.RetryAttempt,
		RetryParentID:    c.RetryParentID,
		AvailableAt:      c.AvailableAt,
		AssignedWorkerID: c.AssignedWorkerID,
		ClaimExpiresAt:   c.ClaimExpiresAt,
		Provider:         c.Provider,
		Domain:           c.Domain,
		PreferredPool:    c.PreferredPool,
		ErrorMessage:     c.ErrorMessage,
	}
}

// LeaseRecord is handed to the worker that claimed a chunk. The claim
// token must be echoed back on complete and fail.
type LeaseRecord struct {
	JobID          string    `json:"job_id"`
	ChunkID        string    `json:"chunk_id"`
	ChunkNo        int       `json:"chunk_no"`
	ClaimToken     string    `json:"claim_token"`
	ExpiresAt      time.Time `json:"expires_at"`
	EngineServerID string    `json:"engine_server_id"`
	WorkerID       string    `json:"worker_id"`
	InputDisk      string    `json:"input_disk"`
	InputKey       string    `json:"input_key"`
	OutputDisk     string    `json:"output_disk,omitempty"`
	EmailCount     int       `json:"email_count"`
	RetryAttempt   int       `json:"retry_attempt"`
	Provider       string    `json:"provider,omitempty"`
	Domain         string    `json:"domain,omitempty"`
	PreferredPool  string    `json:"preferred_pool,omitempty"`
	Reclaimed      bool      `json:"reclaimed,omitempty"`
}

// JobLeaseRecord is handed to the engine that claimed a job for planning.
type JobLeaseRecord struct {
	JobID          string    `json:"job_id"`
	ClaimToken     string    `json:"claim_token"`
	ExpiresAt      time.Time `json:"expires_at"`
	EngineServerID string    `json:"engine_server_id"`
	InputDisk      string    `json:"input_disk"`
	InputKey       string    `json:"input_key"`
	Attempts       int       `json:"attempts"`
}

// PlanRecord summarises a planned job.
type PlanRecord struct {
	Chunks       int `json:"chunks"`
	TotalEmails  int `json:"total_emails"`
	CachedCount  int `json:"cached_count"`
	UnknownCount int `json:"unknown_count"`
	Skipped      int `json:"skipped"`
}

// ReportRecord is the outcome of a complete or fail call.
type ReportRecord struct {
	ChunkID  string          `json:"chunk_id"`
	Status   string          `json:"status"`
	Attempts int             `json:"attempts"`
	Replayed bool            `json:"replayed,omitempty"`
	Requeued bool            `json:"requeued,omitempty"`
	Retry    *RetryRecord    `json:"retry,omitempty"`
	Finalize *FinalizeRecord `json:"finalize,omitempty"`
}

// RetryRecord describes tempfail retry planning for a completed chunk.
type RetryRecord struct {
	Skipped      string     `json:"skipped,omitempty"`
	RetryCount   int        `json:"retry_count"`
	ChildChunkID string     `json:"child_chunk_id,omitempty"`
	RetryAttempt int        `json:"retry_attempt,omitempty"`
	AvailableAt  *time.Time `json:"available_at,omitempty"`
	RiskyKey     string     `json:"risky_key,omitempty"`
}

// FinalizeRecord is the outcome of a finalize attempt.
type FinalizeRecord struct {
	Outcome      string `json:"outcome"`
	Reason       string `json:"reason,omitempty"`
	ValidCount   int    `json:"valid_count"`
	InvalidCount int    `json:"invalid_count"`
	RiskyCount   int    `json:"risky_count"`
	ValidKey     string `json:"valid_key,omitempty"`
	InvalidKey   string `json:"invalid_key,omitempty"`
	RiskyKey     string `json:"risky_key,omitempty"`
	Malformed    int    `json:"malformed,omitempty"`
}

// WriteBackRecord is the outcome of a cache write-back.
type WriteBackRecord struct {
	Written         int `json:"written"`
	SkippedCached   int `json:"skipped_cached"`
	SkippedNoData   int `json:"skipped_no_data"`
	SkippedPromoted int `json:"skipped_promoted"`
}

// ErrorRecord reports a failed operation without aborting the stream.
type ErrorRecord struct {
	// Code is a machine-readable error code.
	Code string `json:"code"`

	Message string `json:"message"`

	ChunkID string `json:"chunk_id,omitempty"`

	Details any `json:"details,omitempty"`
}

// Error codes for ErrorRecord.
const (
	ErrCodeNotFound   = "NOT_FOUND"
	ErrCodeConflict   = "CONFLICT"
	ErrCodeStaleLease = "STALE_LEASE"
	ErrCodeInvalid    = "INVALID_ARGUMENT"
	ErrCodeInternal   = "INTERNAL"
)

// SummaryRecord is emitted after a sweep.
type SummaryRecord struct {
	Reclaimed int `json:"reclaimed"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`

	Duration      time.Duration `json:"duration_ns"`
	DurationHuman string        `json:"duration"`
}

// Writer errors.
var (
	// ErrWriterClosed is returned when writing to a closed writer.
	ErrWriterClosed = errors.New("writer is closed")
)

// WriteError wraps errors that occur during write operations.
type WriteError struct {
	Op  string // Operation that failed (e.g., "marshal_data", "write")
	Err error  // Underlying error
}

func (e *WriteError) Error() string {
	return "output: " + e.Op + ": " + e.Err.Error()
}

func (e *WriteError) Unwrap() error {
	return e.Err
}
