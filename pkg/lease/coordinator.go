// Package lease hands chunks to workers under time-bounded leases and
// records their reports.
//
// Every transition is a conditional update guarded on the chunk status
// and claim token, so concurrent callers in different processes never both
// win the same chunk.
package lease

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ASTGD/ValidEmailVerifierGUI-sub000/pkg/jobstore"
)

// Repository is the part of the job store the coordinator uses.
type Repository interface {
	GetJob(ctx context.Context, id string) (*jobstore.Job, error)
	GetChunk(ctx context.Context, id string) (*jobstore.Chunk, error)
	UpdateJobStatus(ctx context.Context, id string, expected, next jobstore.JobStatus, fields jobstore.Fields, conds ...jobstore.Condition) (bool, error)
	UpdateChunkStatus(ctx context.Context, id string, expected, next jobstore.ChunkStatus, fields jobstore.Fields, conds ...jobstore.Condition) (bool, error)
	ClaimCandidates(ctx context.Context, now time.Time, limit int) ([]jobstore.Candidate, error)
	JobClaimCandidates(ctx context.Context, now time.Time, limit int) ([]jobstore.Candidate, error)
	ExpiredLeases(ctx context.Context, now time.Time) ([]jobstore.Candidate, error)
	UpsertEngineServer(ctx context.Context, name string) (*jobstore.EngineServer, error)
	Now() time.Time
}

// Options configures a Coordinator.
type Options struct {
	Repo Repository

	// MaxAttempts applies to chunks created without their own limit.
	// Defaults to 3.
	MaxAttempts int

	// CandidateLimit is how many candidates one claim round considers.
	// Defaults to 16.
	CandidateLimit int

	Logger *zap.Logger
}

// Coordinator implements the claim/lease protocol.
type Coordinator struct {
	repo           Repository
	maxAttempts    int
	candidateLimit int
	logger         *zap.Logger
}

func New(opts Options) (*Coordinator, error) {
	if opts.Repo == nil {
		return nil, errors.New("lease: repository is required")
	}
	c := &Coordinator{
		repo:           opts.Repo,
		maxAttempts:    opts.MaxAttempts,
		candidateLimit: opts.CandidateLimit,
		logger:         opts.Logger,
	}
	if c.maxAttempts <= 0 {
		c.maxAttempts = 3
	}
	if c.candidateLimit <= 0 {
		c.candidateLimit = 16
	}
	if c.logger == nil {
		c.logger = zap.NewNop()
	}
	return c, nil
}

// Lease is a granted chunk claim.
type Lease struct {
	Chunk          *jobstore.Chunk
	Token          string
	ExpiresAt      time.Time
	EngineServerID string
	// Reclaimed is set when the chunk was taken over from an expired lease.
	Reclaimed bool
}

// Outputs are the result locations and counts a worker reports.
type Outputs struct {
	OutputDisk   string
	ValidKey     string
	InvalidKey   string
	RiskyKey     string
	ValidCount   int
	InvalidCount int
	RiskyCount   int
}

// Report is the outcome of a Complete or Fail call.
type Report struct {
	Chunk *jobstore.Chunk
	// Replayed is set when the call repeated an already recorded report.
	Replayed bool
	// Requeued is set when a failure sent the chunk back to pending.
	Requeued bool
}

const claimRounds = 3

// ClaimNext atomically hands one eligible chunk to workerID. Eligible are
// pending chunks whose available_at has passed and processing chunks whose
// lease expired, oldest availability first. It returns nil when nothing is
// eligible.
//
// Taking over an expired lease does not count as an attempt.
func (c *Coordinator) ClaimNext(ctx context.Context, engine, workerID string, leaseSeconds int) (*Lease, error) {
	if leaseSeconds <= 0 {
		return nil, fmt.Errorf("lease seconds must be positive, got %d", leaseSeconds)
	}
	workerID = strings.TrimSpace(workerID)
	if workerID == "" {
		return nil, errors.New("worker id is required")
	}
	es, err := c.repo.UpsertEngineServer(ctx, engine)
	if err != nil {
		return nil, err
	}

	for round := 0; round < claimRounds; round++ {
		now := c.repo.Now()
		cands, err := c.repo.ClaimCandidates(ctx, now, c.candidateLimit)
		if err != nil {
			return nil, err
		}
		if len(cands) == 0 {
			return nil, nil
		}

		for _, cand := range cands {
			token := uuid.NewString()
			expires := now.Add(time.Duration(leaseSeconds) * time.Second)
			ok, err := c.repo.UpdateChunkStatus(ctx, cand.ID,
				jobstore.ChunkStatus(cand.Status), jobstore.ChunkProcessing,
				jobstore.Fields{
					"claim_token":        token,
					"claimed_at":         now,
					"claim_expires_at":   expires,
					"assigned_worker_id": workerID,
					"engine_server_id":   es.ID,
				},
				jobstore.Condition{Column: "claim_token", Value: cand.ClaimToken},
			)
			if err != nil {
				return nil, err
			}
			if !ok {
				// Another claimer won this row; try the next one.
				continue
			}

			chunk, err := c.repo.GetChunk(ctx, cand.ID)
			if err != nil {
				return nil, err
			}
			reclaimed := cand.Status == string(jobstore.ChunkProcessing)
			c.logger.Debug("chunk claimed",
				zap.String("chunk_id", chunk.ID),
				zap.String("job_id", chunk.JobID),
				zap.String("worker_id", workerID),
				zap.String("engine_server_id", es.ID),
				zap.Bool("reclaimed", reclaimed),
			)
			return &Lease{
				Chunk:          chunk,
				Token:          token,
				ExpiresAt:      expires,
				EngineServerID: es.ID,
				Reclaimed:      reclaimed,
			}, nil
		}
	}
	return nil, nil
}

// Complete records a worker's successful result.
//
// The claim token must hold the current lease. A repeated report whose
// outputs equal the recorded ones succeeds without changing anything; a
// report with different outputs fails with a ConflictError and leaves the
// recorded result intact.
func (c *Coordinator) Complete(ctx context.Context, chunkID, token string, out Outputs) (*Report, error) {
	fp := completeFingerprint(token, out)

	for attempt := 0; attempt < 2; attempt++ {
		chunk, err := c.repo.GetChunk(ctx, chunkID)
		if err != nil {
			return nil, err
		}

		switch {
		case chunk.Status == jobstore.ChunkCompleted:
			if chunk.LastReportToken == fp || sameOutputs(chunk, out) {
				return &Report{Chunk: chunk, Replayed: true}, nil
			}
			return nil, &ConflictError{ChunkID: chunk.ID, Status: string(chunk.Status), Reason: "completed with different outputs"}

		case chunk.Status == jobstore.ChunkProcessing && token != "" && chunk.ClaimToken == token:
			disk := out.OutputDisk
			if disk == "" {
				disk = chunk.OutputDisk
			}
			fields := jobstore.ClearClaim().Merge(jobstore.Fields{
				"output_disk":       disk,
				"valid_key":         out.ValidKey,
				"invalid_key":       out.InvalidKey,
				"risky_key":         out.RiskyKey,
				"valid_count":       out.ValidCount,
				"invalid_count":     out.InvalidCount,
				"risky_count":       out.RiskyCount,
				"last_report_token": fp,
				"error_message":     "",
			})
			ok, err := c.repo.UpdateChunkStatus(ctx, chunk.ID, jobstore.ChunkProcessing, jobstore.ChunkCompleted, fields,
				jobstore.Condition{Column: "claim_token", Value: token})
			if err != nil {
				return nil, err
			}
			if !ok {
				continue
			}
			updated, err := c.repo.GetChunk(ctx, chunk.ID)
			if err != nil {
				return nil, err
			}
			c.logger.Debug("chunk completed",
				zap.String("chunk_id", updated.ID),
				zap.String("job_id", updated.JobID),
				zap.Int("valid_count", out.ValidCount),
				zap.Int("invalid_count", out.InvalidCount),
				zap.Int("risky_count", out.RiskyCount),
			)
			return &Report{Chunk: updated}, nil

		default:
			return nil, &ConflictError{ChunkID: chunk.ID, Status: string(chunk.Status), Reason: "claim token does not hold the lease", Stale: true}
		}
	}
	return nil, &ConflictError{ChunkID: chunkID, Reason: "lease changed during completion", Stale: true}
}

// Fail records a worker-reported failure. attempts is incremented; a
// retryable failure below the attempt limit returns the chunk to pending
// (available immediately), anything else fails it terminally. Repeating
// the same report is a no-op.
func (c *Coordinator) Fail(ctx context.Context, chunkID, token, message string, retryable bool) (*Report, error) {
	fp := failFingerprint(token, message, retryable)

	for attempt := 0; attempt < 2; attempt++ {
		chunk, err := c.repo.GetChunk(ctx, chunkID)
		if err != nil {
			return nil, err
		}
		if chunk.LastReportToken == fp {
			return &Report{Chunk: chunk, Replayed: true, Requeued: chunk.Status != jobstore.ChunkFailed}, nil
		}
		if chunk.Status != jobstore.ChunkProcessing || token == "" || chunk.ClaimToken != token {
			return nil, &ConflictError{ChunkID: chunk.ID, Status: string(chunk.Status), Reason: "claim token does not hold the lease", Stale: true}
		}

		limit := chunk.MaxAttempts
		if limit <= 0 {
			limit = c.maxAttempts
		}
		attempts := chunk.Attempts + 1
		requeue := retryable && attempts < limit

		next := jobstore.ChunkFailed
		fields := jobstore.ClearClaim().Merge(jobstore.Fields{
			"attempts":          attempts,
			"error_message":     message,
			"last_report_token": fp,
		})
		if requeue {
			next = jobstore.ChunkPending
			fields["available_at"] = nil
		}

		ok, err := c.repo.UpdateChunkStatus(ctx, chunk.ID, jobstore.ChunkProcessing, next, fields,
			jobstore.Condition{Column: "claim_token", Value: token})
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}

		updated, err := c.repo.GetChunk(ctx, chunk.ID)
		if err != nil {
			return nil, err
		}
		logFn := c.logger.Warn
		if requeue {
			logFn = c.logger.Info
		}
		logFn("chunk failure recorded",
			zap.String("chunk_id", updated.ID),
			zap.String("job_id", updated.JobID),
			zap.Int("attempts", attempts),
			zap.Int("max_attempts", limit),
			zap.Bool("requeued", requeue),
			zap.String("error", message),
		)
		return &Report{Chunk: updated, Requeued: requeue}, nil
	}
	return nil, &ConflictError{ChunkID: chunkID, Reason: "lease changed during failure report", Stale: true}
}

// Reclaim resets a processing chunk to pending and clears its claim,
// leaving attempts unchanged. It reports whether the chunk was reset.
func (c *Coordinator) Reclaim(ctx context.Context, chunkID string) (bool, error) {
	chunk, err := c.repo.GetChunk(ctx, chunkID)
	if err != nil {
		return false, err
	}
	if chunk.Status != jobstore.ChunkProcessing {
		return false, nil
	}
	ok, err := c.repo.UpdateChunkStatus(ctx, chunk.ID, jobstore.ChunkProcessing, jobstore.ChunkPending, jobstore.ClearClaim(),
		jobstore.Condition{Column: "claim_token", Value: chunk.ClaimToken})
	if err != nil {
		return false, err
	}
	if ok {
		c.logger.Info("chunk reclaimed", zap.String("chunk_id", chunk.ID), zap.String("job_id", chunk.JobID))
	}
	return ok, nil
}

// ReclaimExpired resets every chunk whose lease ended, returning how many
// were reset.
func (c *Coordinator) ReclaimExpired(ctx context.Context) (int, error) {
	cands, err := c.repo.ExpiredLeases(ctx, c.repo.Now())
	if err != nil {
		return 0, err
	}
	n := 0
	for _, cand := range cands {
		ok, err := c.repo.UpdateChunkStatus(ctx, cand.ID, jobstore.ChunkProcessing, jobstore.ChunkPending, jobstore.ClearClaim(),
			jobstore.Condition{Column: "claim_token", Value: cand.ClaimToken})
		if err != nil {
			return n, err
		}
		if ok {
			n++
		}
	}
	if n > 0 {
		c.logger.Info("expired leases reclaimed", zap.Int("count", n))
	}
	return n, nil
}

// JobLease is a granted claim on a pending job for planning.
type JobLease struct {
	Job            *jobstore.Job
	Token          string
	ExpiresAt      time.Time
	EngineServerID string
}

// ClaimNextJob hands the oldest unclaimed (or claim-expired) pending job to
// an engine that will plan it. It returns nil when none is available.
func (c *Coordinator) ClaimNextJob(ctx context.Context, engine string, leaseSeconds int) (*JobLease, error) {
	if leaseSeconds <= 0 {
		return nil, fmt.Errorf("lease seconds must be positive, got %d", leaseSeconds)
	}
	es, err := c.repo.UpsertEngineServer(ctx, engine)
	if err != nil {
		return nil, err
	}

	now := c.repo.Now()
	cands, err := c.repo.JobClaimCandidates(ctx, now, c.candidateLimit)
	if err != nil {
		return nil, err
	}
	for _, cand := range cands {
		job, err := c.repo.GetJob(ctx, cand.ID)
		if err != nil {
			return nil, err
		}
		token := uuid.NewString()
		expires := now.Add(time.Duration(leaseSeconds) * time.Second)
		ok, err := c.repo.UpdateJobStatus(ctx, job.ID, jobstore.JobPending, jobstore.JobPending, jobstore.Fields{
			"claim_token":      token,
			"claimed_at":       now,
			"claim_expires_at": expires,
			"engine_server_id": es.ID,
			"attempts":         job.Attempts + 1,
		}, jobstore.Condition{Column: "claim_token", Value: job.ClaimToken})
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		claimed, err := c.repo.GetJob(ctx, job.ID)
		if err != nil {
			return nil, err
		}
		c.logger.Debug("job claimed", zap.String("job_id", job.ID), zap.String("engine_server_id", es.ID))
		return &JobLease{Job: claimed, Token: token, ExpiresAt: expires, EngineServerID: es.ID}, nil
	}
	return nil, nil
}

func sameOutputs(chunk *jobstore.Chunk, out Outputs) bool {
	if out.OutputDisk != "" && out.OutputDisk != chunk.OutputDisk {
		return false
	}
	return chunk.ValidKey == out.ValidKey &&
		chunk.InvalidKey == out.InvalidKey &&
		chunk.RiskyKey == out.RiskyKey &&
		chunk.ValidCount == out.ValidCount &&
		chunk.InvalidCount == out.InvalidCount &&
		chunk.RiskyCount == out.RiskyCount
}

func completeFingerprint(token string, out Outputs) string {
	return fingerprint("complete", token, out.OutputDisk, out.ValidKey, out.InvalidKey, out.RiskyKey,
		strconv.Itoa(out.ValidCount), strconv.Itoa(out.InvalidCount), strconv.Itoa(out.RiskyCount))
}

func failFingerprint(token, message string, retryable bool) string {
	return fingerprint("fail", token, message, strconv.FormatBool(retryable))
}

func fingerprint(parts ...string) string {
	h := sha256.New()
	for _, p := range parts {
		h.Write([]byte(p))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}
