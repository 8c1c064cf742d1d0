// Package pipeline is the worker-facing surface of the verification
// pipeline. It wires chunk planning, leases, tempfail retries and
// finalization around one policy snapshot.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/ASTGD/ValidEmailVerifierGUI-sub000/pkg/cache"
	"github.com/ASTGD/ValidEmailVerifierGUI-sub000/pkg/finalize"
	"github.com/ASTGD/ValidEmailVerifierGUI-sub000/pkg/jobstore"
	"github.com/ASTGD/ValidEmailVerifierGUI-sub000/pkg/lease"
	"github.com/ASTGD/ValidEmailVerifierGUI-sub000/pkg/planner"
	"github.com/ASTGD/ValidEmailVerifierGUI-sub000/pkg/policy"
	"github.com/ASTGD/ValidEmailVerifierGUI-sub000/pkg/retry"
	"github.com/ASTGD/ValidEmailVerifierGUI-sub000/pkg/storage"
)

// Repository is everything the pipeline stages need from the job store.
// *jobstore.Store satisfies it.
type Repository interface {
	planner.Repository
	lease.Repository
	retry.Repository
	finalize.Repository
	ListJobs(ctx context.Context, status jobstore.JobStatus, limit int) ([]jobstore.Job, error)
}

type Options struct {
	Repo    Repository
	Storage storage.Store
	// Cache is optional; without it every email goes to a chunk.
	Cache   cache.Store
	Limiter *rate.Limiter
	Policy  policy.Policy

	// SpillDir holds planner dedupe spill files. Defaults to the OS temp
	// dir.
	SpillDir string

	// LockOwner identifies this process in finalize job locks.
	LockOwner string

	Logger *zap.Logger
}

// Pipeline runs the verification job stages.
type Pipeline struct {
	repo      Repository
	policy    policy.Policy
	planner   *planner.Planner
	leases    *lease.Coordinator
	retries   *retry.Planner
	finalizer *finalize.Engine
	logger    *zap.Logger
}

func New(opts Options) (*Pipeline, error) {
	if opts.Repo == nil {
		return nil, errors.New("pipeline: repository is required")
	}
	if opts.Storage == nil {
		return nil, errors.New("pipeline: storage is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	pol := opts.Policy
	pol.ApplyDefaults()
	if err := policy.Validate(&pol); err != nil {
		return nil, err
	}

	pl, err := planner.New(planner.Options{
		Repo:     opts.Repo,
		Storage:  opts.Storage,
		Cache:    opts.Cache,
		Limiter:  opts.Limiter,
		SpillDir: opts.SpillDir,
		Logger:   logger.Named("planner"),
	})
	if err != nil {
		return nil, err
	}
	coord, err := lease.New(lease.Options{
		Repo:        opts.Repo,
		MaxAttempts: pol.MaxAttempts,
		Logger:      logger.Named("lease"),
	})
	if err != nil {
		return nil, err
	}
	rp, err := retry.New(retry.Options{Repo: opts.Repo, Storage: opts.Storage, Logger: logger.Named("retry")})
	if err != nil {
		return nil, err
	}
	fin, err := finalize.New(finalize.Options{
		Repo:      opts.Repo,
		Storage:   opts.Storage,
		Retries:   rp,
		LockOwner: opts.LockOwner,
		Logger:    logger.Named("finalize"),
	})
	if err != nil {
		return nil, err
	}

	return &Pipeline{
		repo:      opts.Repo,
		policy:    pol,
		planner:   pl,
		leases:    coord,
		retries:   rp,
		finalizer: fin,
		logger:    logger,
	}, nil
}

// Policy returns the snapshot the pipeline runs with.
func (p *Pipeline) Policy() policy.Policy { return p.policy }

// Leases exposes the lease coordinator for operator actions.
func (p *Pipeline) Leases() *lease.Coordinator { return p.leases }

// PlanJob splits a pending job into chunks. A job answered entirely from
// the cache has no chunks and is finalized right away.
func (p *Pipeline) PlanJob(ctx context.Context, jobID string) (*planner.Result, error) {
	res, err := p.planner.Plan(ctx, jobID, p.policy)
	if err != nil {
		return res, err
	}
	if len(res.Chunks) == 0 {
		if _, err := p.finalizer.Finalize(ctx, res.JobID, p.policy); err != nil {
			return res, fmt.Errorf("finalize job %s: %w", res.JobID, err)
		}
	}
	return res, nil
}

// ClaimNext hands one chunk to a worker. leaseSeconds <= 0 uses the
// policy lease. It returns nil when nothing is claimable.
func (p *Pipeline) ClaimNext(ctx context.Context, engine, workerID string, leaseSeconds int) (*lease.Lease, error) {
	if leaseSeconds <= 0 {
		leaseSeconds = p.policy.LeaseSeconds
	}
	return p.leases.ClaimNext(ctx, engine, workerID, leaseSeconds)
}

// ChunkReport is the outcome of a worker report and the follow-up stages
// it triggered.
type ChunkReport struct {
	Chunk    *jobstore.Chunk
	Replayed bool
	Requeued bool
	Retry    *retry.Result
	Finalize *finalize.Result
}

// CompleteChunk records a worker result, plans tempfail retries for it and
// attempts to finalize the job. The follow-up stages are idempotent, so a
// worker that repeats the call after an error resumes where it stopped.
// Finalization plans any completed chunk that missed its retry planning,
// so a sweep that runs between the two stages cannot merge tempfail rows
// early.
func (p *Pipeline) CompleteChunk(ctx context.Context, chunkID, token string, out lease.Outputs) (*ChunkReport, error) {
	rep, err := p.leases.Complete(ctx, chunkID, token, out)
	if err != nil {
		return nil, err
	}
	report := &ChunkReport{Chunk: rep.Chunk, Replayed: rep.Replayed}

	report.Retry, err = p.retries.Plan(ctx, chunkID, p.policy)
	if err != nil {
		return report, fmt.Errorf("plan tempfail retry for chunk %s: %w", chunkID, err)
	}

	report.Finalize, err = p.finalizer.Finalize(ctx, rep.Chunk.JobID, p.policy)
	if err != nil {
		return report, fmt.Errorf("finalize job %s: %w", rep.Chunk.JobID, err)
	}
	return report, nil
}

// FailChunk records a worker failure. A terminal failure triggers
// finalization, which fails the job.
func (p *Pipeline) FailChunk(ctx context.Context, chunkID, token, message string, retryable bool) (*ChunkReport, error) {
	rep, err := p.leases.Fail(ctx, chunkID, token, message, retryable)
	if err != nil {
		return nil, err
	}
	report := &ChunkReport{Chunk: rep.Chunk, Replayed: rep.Replayed, Requeued: rep.Requeued}
	if rep.Chunk.Status != jobstore.ChunkFailed {
		return report, nil
	}
	report.Finalize, err = p.finalizer.Finalize(ctx, rep.Chunk.JobID, p.policy)
	if err != nil {
		return report, fmt.Errorf("finalize job %s: %w", rep.Chunk.JobID, err)
	}
	return report, nil
}

// Finalize merges a job whose chunks are all terminal.
func (p *Pipeline) Finalize(ctx context.Context, jobID string) (*finalize.Result, error) {
	return p.finalizer.Finalize(ctx, jobID, p.policy)
}

// SweepResult summarizes one Sweep.
type SweepResult struct {
	Reclaimed int
	Completed int
	Failed    int
	Duration  time.Duration
}

// sweepBatch bounds the processing jobs examined per sweep.
const sweepBatch = 200

// Sweep releases expired leases and finalizes processing jobs whose chunks
// have all finished. A job that fails to finalize is logged and skipped.
func (p *Pipeline) Sweep(ctx context.Context) (SweepResult, error) {
	start := time.Now()
	var res SweepResult

	n, err := p.leases.ReclaimExpired(ctx)
	if err != nil {
		return res, err
	}
	res.Reclaimed = n

	jobs, err := p.repo.ListJobs(ctx, jobstore.JobProcessing, sweepBatch)
	if err != nil {
		return res, err
	}
	for _, job := range jobs {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if job.PreparedAt == nil {
			continue
		}
		fr, err := p.finalizer.Finalize(ctx, job.ID, p.policy)
		if err != nil {
			p.logger.Warn("sweep finalize failed", zap.String("job_id", job.ID), zap.Error(err))
			continue
		}
		switch fr.Outcome {
		case finalize.OutcomeCompleted:
			res.Completed++
		case finalize.OutcomeFailed:
			res.Failed++
		}
	}
	res.Duration = time.Since(start)

	if res.Reclaimed > 0 || res.Completed > 0 || res.Failed > 0 {
		p.logger.Info("sweep finished",
			zap.Int("reclaimed", res.Reclaimed),
			zap.Int("completed", res.Completed),
			zap.Int("failed", res.Failed),
			zap.Duration("duration", res.Duration),
		)
	}
	return res, nil
}
