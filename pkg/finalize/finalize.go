// Package finalize merges a job's chunk and cache results into its final
// valid, invalid and risky result files.
package finalize

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/ASTGD/ValidEmailVerifierGUI-sub000/pkg/jobstore"
	"github.com/ASTGD/ValidEmailVerifierGUI-sub000/pkg/policy"
	"github.com/ASTGD/ValidEmailVerifierGUI-sub000/pkg/resultrow"
	"github.com/ASTGD/ValidEmailVerifierGUI-sub000/pkg/retry"
	"github.com/ASTGD/ValidEmailVerifierGUI-sub000/pkg/storage"
)

// Outcome is the result of a Finalize call.
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeFailed    Outcome = "failed"
	OutcomeNoop      Outcome = "noop"
)

// Reasons reported with OutcomeNoop.
const (
	NoopTerminal       = "job_terminal"
	NoopNotStarted     = "job_not_started"
	NoopNotPrepared    = "job_not_prepared"
	NoopChunksOpen     = "chunks_not_terminal"
	NoopLocked         = "locked"
	NoopChunksChanged  = "chunks_changed"
	NoopStatusConflict = "status_conflict"
	NoopRetryUnplanned = "retry_not_planned"
)

// Repository is the part of the job store finalization uses.
type Repository interface {
	GetJob(ctx context.Context, id string) (*jobstore.Job, error)
	GetChunks(ctx context.Context, jobID string) ([]jobstore.Chunk, error)
	UpdateJobStatus(ctx context.Context, id string, expected, next jobstore.JobStatus, fields jobstore.Fields, conds ...jobstore.Condition) (bool, error)
	AcquireJobLock(ctx context.Context, jobID, owner string, ttl time.Duration) (bool, error)
	ReleaseJobLock(ctx context.Context, jobID, owner string) error
	Now() time.Time
}

// RetryPlanner plans tempfail retries for a completed chunk.
// *retry.Planner satisfies it.
type RetryPlanner interface {
	Plan(ctx context.Context, chunkID string, pol policy.Policy) (*retry.Result, error)
}

type Options struct {
	Repo    Repository
	Storage storage.Store

	// Retries plans completed chunks that have not been through tempfail
	// planning yet. Without it such chunks hold finalization back until
	// their worker's report plans them.
	Retries RetryPlanner

	// LockOwner identifies this process in job locks. Defaults to a
	// random id.
	LockOwner string

	// Concurrency bounds parallel blob reads. Defaults to 4.
	Concurrency int

	Logger *zap.Logger
}

// Engine finalizes jobs. Concurrent calls for the same job within a
// process share one run; across processes a job lock serializes them.
type Engine struct {
	repo        Repository
	storage     storage.Store
	retries     RetryPlanner
	owner       string
	concurrency int
	logger      *zap.Logger
	flight      singleflight.Group
}

func New(opts Options) (*Engine, error) {
	if opts.Repo == nil {
		return nil, errors.New("finalize: repository is required")
	}
	if opts.Storage == nil {
		return nil, errors.New("finalize: storage is required")
	}
	e := &Engine{
		repo:        opts.Repo,
		storage:     opts.Storage,
		retries:     opts.Retries,
		owner:       opts.LockOwner,
		concurrency: opts.Concurrency,
		logger:      opts.Logger,
	}
	if e.owner == "" {
		e.owner = "finalize-" + uuid.NewString()
	}
	if e.concurrency <= 0 {
		e.concurrency = 4
	}
	if e.logger == nil {
		e.logger = zap.NewNop()
	}
	return e, nil
}

// Result reports a Finalize call.
type Result struct {
	JobID   string
	Outcome Outcome
	// Reason explains a noop or failure.
	Reason string

	ValidCount   int
	InvalidCount int
	RiskyCount   int

	ValidKey   string
	InvalidKey string
	RiskyKey   string

	// Malformed counts unparseable result records that were skipped.
	Malformed int
}

// Finalize merges a job whose chunks are all terminal.
//
// It is a noop while any chunk is pending or processing, including
// delayed retry chunks. With tempfail retries enabled every completed chunk
// must have been through retry planning first; unplanned chunks are planned
// here when a RetryPlanner is configured. A failed chunk fails the job
// without merging.
// Otherwise the merged results are written to fixed per-job keys and the
// job moves to completed. Calling it again on a finished job is a noop.
func (e *Engine) Finalize(ctx context.Context, jobID string, pol policy.Policy) (*Result, error) {
	v, err, _ := e.flight.Do(jobID, func() (any, error) {
		return e.finalizeLocked(ctx, jobID, pol)
	})
	if err != nil {
		return nil, err
	}
	res := *v.(*Result)
	return &res, nil
}

func (e *Engine) finalizeLocked(ctx context.Context, jobID string, pol policy.Policy) (*Result, error) {
	ok, err := e.repo.AcquireJobLock(ctx, jobID, e.owner, pol.FinalizeLockDuration())
	if err != nil {
		return nil, err
	}
	if !ok {
		return &Result{JobID: jobID, Outcome: OutcomeNoop, Reason: NoopLocked}, nil
	}
	defer func() {
		if err := e.repo.ReleaseJobLock(context.WithoutCancel(ctx), jobID, e.owner); err != nil {
			e.logger.Warn("release job lock", zap.String("job_id", jobID), zap.Error(err))
		}
	}()
	return e.finalize(ctx, jobID, pol)
}

func (e *Engine) finalize(ctx context.Context, jobID string, pol policy.Policy) (*Result, error) {
	noop := func(reason string) (*Result, error) {
		return &Result{JobID: jobID, Outcome: OutcomeNoop, Reason: reason}, nil
	}

	job, err := e.repo.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	switch {
	case job.Status.Terminal():
		return noop(NoopTerminal)
	case job.Status != jobstore.JobProcessing:
		return noop(NoopNotStarted)
	case job.PreparedAt == nil:
		return noop(NoopNotPrepared)
	}

	chunks, err := e.repo.GetChunks(ctx, jobID)
	if err != nil {
		return nil, err
	}
	open, failed := scanChunks(chunks)
	switch {
	case open:
		return noop(NoopChunksOpen)
	case failed != nil:
		return e.fail(ctx, job, failed)
	}

	if unplanned := unplannedChunks(chunks, pol); len(unplanned) > 0 {
		if e.retries == nil {
			return noop(NoopRetryUnplanned)
		}
		for _, id := range unplanned {
			if _, err := e.retries.Plan(ctx, id, pol); err != nil {
				return nil, fmt.Errorf("plan tempfail retry for chunk %s: %w", id, err)
			}
		}
		if chunks, err = e.repo.GetChunks(ctx, jobID); err != nil {
			return nil, err
		}
		open, failed = scanChunks(chunks)
		switch {
		case open:
			return noop(NoopChunksOpen)
		case failed != nil:
			return e.fail(ctx, job, failed)
		case len(unplannedChunks(chunks, pol)) > 0:
			return noop(NoopRetryUnplanned)
		}
	}

	m, err := e.merge(ctx, job, chunks, pol)
	if err != nil {
		return nil, err
	}

	disk := job.ResultDisk()
	keys := map[string]string{}
	for _, bucket := range []string{resultrow.StatusValid, resultrow.StatusInvalid, resultrow.StatusRisky} {
		data, err := resultrow.Encode(m.rows[bucket])
		if err != nil {
			return nil, err
		}
		key := FinalKey(job.ID, bucket)
		if err := e.storage.Put(ctx, disk, key, data); err != nil {
			return nil, fmt.Errorf("write final %s results: %w", bucket, err)
		}
		keys[bucket] = key
	}

	// Chunks must be unchanged since the merge read them.
	current, err := e.repo.GetChunks(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if !sameSnapshot(chunks, current) {
		return noop(NoopChunksChanged)
	}

	res := &Result{
		JobID:        job.ID,
		Outcome:      OutcomeCompleted,
		ValidCount:   len(m.rows[resultrow.StatusValid]),
		InvalidCount: len(m.rows[resultrow.StatusInvalid]),
		RiskyCount:   len(m.rows[resultrow.StatusRisky]),
		ValidKey:     keys[resultrow.StatusValid],
		InvalidKey:   keys[resultrow.StatusInvalid],
		RiskyKey:     keys[resultrow.StatusRisky],
		Malformed:    m.malformed,
	}
	applied, err := e.repo.UpdateJobStatus(ctx, job.ID, jobstore.JobProcessing, jobstore.JobCompleted, jobstore.Fields{
		"valid_count":   res.ValidCount,
		"invalid_count": res.InvalidCount,
		"risky_count":   res.RiskyCount,
		"valid_key":     res.ValidKey,
		"invalid_key":   res.InvalidKey,
		"risky_key":     res.RiskyKey,
		"output_disk":   disk,
		"finished_at":   e.repo.Now(),
		"error_message": "",
	})
	if err != nil {
		return nil, err
	}
	if !applied {
		return noop(NoopStatusConflict)
	}

	e.logger.Info("job finalized",
		zap.String("job_id", job.ID),
		zap.Int("valid_count", res.ValidCount),
		zap.Int("invalid_count", res.InvalidCount),
		zap.Int("risky_count", res.RiskyCount),
		zap.Int("malformed_rows", res.Malformed),
	)
	return res, nil
}

func (e *Engine) fail(ctx context.Context, job *jobstore.Job, chunk *jobstore.Chunk) (*Result, error) {
	msg := fmt.Sprintf("chunk %d failed", chunk.ChunkNo)
	if chunk.ErrorMessage != "" {
		msg += ": " + chunk.ErrorMessage
	}
	applied, err := e.repo.UpdateJobStatus(ctx, job.ID, jobstore.JobProcessing, jobstore.JobFailed, jobstore.Fields{
		"error_message": msg,
		"finished_at":   e.repo.Now(),
	})
	if err != nil {
		return nil, err
	}
	if !applied {
		return &Result{JobID: job.ID, Outcome: OutcomeNoop, Reason: NoopStatusConflict}, nil
	}
	e.logger.Warn("job failed",
		zap.String("job_id", job.ID),
		zap.String("chunk_id", chunk.ID),
		zap.String("error", msg),
	)
	return &Result{JobID: job.ID, Outcome: OutcomeFailed, Reason: msg}, nil
}

// Source ranks; a higher rank wins when an email appears more than once.
const (
	rankCacheMiss = iota
	rankCached
	rankChunk
)

// blobRef is one result blob read during the merge.
type blobRef struct {
	disk   string
	key    string
	bucket string
	rank   int
	rows   []resultrow.Row
	bad    int
}

type merged struct {
	rows      map[string][]resultrow.Row
	malformed int
}

// merge reads every source and resolves each email to one row. Sources are
// applied lowest rank first and in a fixed order within a rank, so the last
// writer wins: chunks by chunk_no, buckets valid, invalid, risky.
func (e *Engine) merge(ctx context.Context, job *jobstore.Job, chunks []jobstore.Chunk, pol policy.Policy) (*merged, error) {
	jobDisk := job.ResultDisk()
	var refs []*blobRef
	add := func(disk, key, bucket string, rank int) {
		if key != "" {
			refs = append(refs, &blobRef{disk: disk, key: key, bucket: bucket, rank: rank})
		}
	}

	ordered := make([]jobstore.Chunk, len(chunks))
	copy(ordered, chunks)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].ChunkNo < ordered[j].ChunkNo })

	// Every cache miss went into exactly one planned chunk, so the planned
	// chunk inputs are the job's cache-miss list.
	for _, c := range ordered {
		if c.RetryParentID != "" {
			continue
		}
		disk := c.InputDisk
		if disk == "" {
			disk = jobDisk
		}
		add(disk, c.InputKey, resultrow.StatusRisky, rankCacheMiss)
	}
	for part := 1; part <= job.CachedParts; part++ {
		for _, bucket := range []string{resultrow.StatusValid, resultrow.StatusInvalid, resultrow.StatusRisky} {
			add(jobDisk, jobstore.CachedKey(job.ID, part, bucket), bucket, rankCached)
		}
	}

	for _, c := range ordered {
		disk := c.OutputDisk
		if disk == "" {
			disk = jobDisk
		}
		add(disk, c.ValidKey, resultrow.StatusValid, rankChunk)
		add(disk, c.InvalidKey, resultrow.StatusInvalid, rankChunk)
		add(disk, c.RiskyKey, resultrow.StatusRisky, rankChunk)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.concurrency)
	for _, ref := range refs {
		g.Go(func() error {
			data, err := e.storage.Get(gctx, ref.disk, ref.key)
			if err != nil {
				return fmt.Errorf("read %s: %w", ref.key, err)
			}
			rows, bad, err := resultrow.Parse(data, ref.bucket)
			if err != nil {
				return fmt.Errorf("parse %s: %w", ref.key, err)
			}
			ref.rows, ref.bad = rows, bad
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	type winner struct {
		row  resultrow.Row
		rank int
	}
	byEmail := make(map[string]winner)
	m := &merged{rows: map[string][]resultrow.Row{}}
	for _, ref := range refs {
		m.malformed += ref.bad
		for _, r := range ref.rows {
			if ref.rank == rankCacheMiss {
				r = resultrow.Row{
					Email:     r.Email,
					Status:    resultrow.StatusRisky,
					SubStatus: resultrow.SubStatusUnknown,
					Reason:    resultrow.ReasonNoResult,
				}
			}
			if prev, ok := byEmail[r.Email]; ok && prev.rank > ref.rank {
				continue
			}
			byEmail[r.Email] = winner{row: r, rank: ref.rank}
		}
	}

	emails := make([]string, 0, len(byEmail))
	for email := range byEmail {
		emails = append(emails, email)
	}
	sort.Strings(emails)

	for _, email := range emails {
		w := byEmail[email]
		row := w.row
		score := Score(row, w.rank == rankCached, pol)
		bucket := Bucket(row, score, pol)
		out := resultrow.Row{
			Email:     row.Email,
			Status:    bucket,
			SubStatus: row.SubStatus,
			Score:     score,
			HasScore:  true,
			Reason:    row.Reason,
		}
		m.rows[bucket] = append(m.rows[bucket], out)
	}
	return m, nil
}

// scanChunks reports whether any chunk is still open and returns the first
// failed chunk.
func scanChunks(chunks []jobstore.Chunk) (bool, *jobstore.Chunk) {
	var failed *jobstore.Chunk
	for i := range chunks {
		c := &chunks[i]
		if !c.Status.Terminal() {
			return true, nil
		}
		if c.Status == jobstore.ChunkFailed && failed == nil {
			failed = c
		}
	}
	return false, failed
}

// unplannedChunks lists completed chunks still waiting for tempfail
// planning.
func unplannedChunks(chunks []jobstore.Chunk, pol policy.Policy) []string {
	if !pol.Tempfail.Enabled {
		return nil
	}
	var ids []string
	for _, c := range chunks {
		if c.Status == jobstore.ChunkCompleted && c.RetryPlannedAt == nil {
			ids = append(ids, c.ID)
		}
	}
	return ids
}

// sameSnapshot reports whether two chunk reads agree on every field the
// merge depends on.
func sameSnapshot(a, b []jobstore.Chunk) bool {
	if len(a) != len(b) {
		return false
	}
	index := make(map[string]jobstore.Chunk, len(a))
	for _, c := range a {
		index[c.ID] = c
	}
	for _, c := range b {
		prev, ok := index[c.ID]
		if !ok {
			return false
		}
		if prev.Status != c.Status ||
			prev.OutputDisk != c.OutputDisk ||
			prev.ValidKey != c.ValidKey ||
			prev.InvalidKey != c.InvalidKey ||
			prev.RiskyKey != c.RiskyKey ||
			(prev.RetryPlannedAt == nil) != (c.RetryPlannedAt == nil) {
			return false
		}
	}
	return true
}

// FinalKey is the blob key of a job's merged results for bucket.
func FinalKey(jobID, bucket string) string {
	return "jobs/" + jobID + "/final/" + bucket + ".csv"
}

// ReadFinal loads a completed job's merged rows for bucket.
func ReadFinal(ctx context.Context, st storage.Store, job *jobstore.Job, bucket string) ([]resultrow.Row, error) {
	var key string
	switch bucket {
	case resultrow.StatusValid:
		key = job.ValidKey
	case resultrow.StatusInvalid:
		key = job.InvalidKey
	case resultrow.StatusRisky:
		key = job.RiskyKey
	default:
		return nil, fmt.Errorf("unknown bucket %q", bucket)
	}
	if key == "" {
		return nil, nil
	}
	data, err := st.Get(ctx, job.ResultDisk(), key)
	if err != nil {
		return nil, err
	}
	rows, _, err := resultrow.Parse(data, bucket)
	return rows, err
}
