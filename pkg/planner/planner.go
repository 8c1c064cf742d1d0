// Package planner splits an uploaded email list into chunks.
//
// Planning normalizes and deduplicates the list in first-seen order,
// resolves known outcomes from the cache in batches, and cuts the remaining
// addresses into contiguous chunks whose input blobs are written to
// storage. The job row and all chunk rows are recorded in one transaction.
package planner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/ASTGD/ValidEmailVerifierGUI-sub000/pkg/cache"
	"github.com/ASTGD/ValidEmailVerifierGUI-sub000/pkg/jobstore"
	"github.com/ASTGD/ValidEmailVerifierGUI-sub000/pkg/policy"
	"github.com/ASTGD/ValidEmailVerifierGUI-sub000/pkg/resultrow"
	"github.com/ASTGD/ValidEmailVerifierGUI-sub000/pkg/storage"
)

var (
	// ErrEmptyInput indicates the list held no addresses after dedupe.
	ErrEmptyInput = errors.New("empty input")

	// ErrAlreadyPlanned indicates the job's chunks were already recorded.
	ErrAlreadyPlanned = errors.New("job already planned")

	// ErrNotPlannable indicates the job reached a terminal status.
	ErrNotPlannable = errors.New("job is not plannable")
)

// EmptyInputError fails a job whose list held no usable address.
type EmptyInputError struct {
	JobID string
}

func (e *EmptyInputError) Error() string {
	return "job " + e.JobID + ": no email addresses after dedupe"
}

func (e *EmptyInputError) Unwrap() error { return ErrEmptyInput }

// Repository is the part of the job store the planner uses.
type Repository interface {
	GetJob(ctx context.Context, id string) (*jobstore.Job, error)
	UpdateJobStatus(ctx context.Context, id string, expected, next jobstore.JobStatus, fields jobstore.Fields, conds ...jobstore.Condition) (bool, error)
	PrepareJob(ctx context.Context, jobID string, fields jobstore.Fields, chunks []*jobstore.Chunk) (bool, error)
	Now() time.Time
}

// Options configures a Planner.
type Options struct {
	Repo    Repository
	Storage storage.Store

	// Cache resolves known outcomes. Nil disables cache lookups.
	Cache cache.Store

	// Limiter throttles cache lookups. Nil means unthrottled.
	Limiter *rate.Limiter

	// SpillDir holds the dedupe overflow file. Defaults to os.TempDir.
	SpillDir string

	Logger *zap.Logger
}

// Planner turns a pending job into chunks.
type Planner struct {
	repo     Repository
	storage  storage.Store
	cache    cache.Store
	limiter  *rate.Limiter
	spillDir string
	logger   *zap.Logger
}

// Result summarizes a planning run.
type Result struct {
	JobID        string
	Chunks       []*jobstore.Chunk
	TotalEmails  int
	CachedCount  int
	UnknownCount int
	// Skipped counts entries dropped because they held no "@".
	Skipped int
}

func New(opts Options) (*Planner, error) {
	if opts.Repo == nil {
		return nil, errors.New("planner: repository is required")
	}
	if opts.Storage == nil {
		return nil, errors.New("planner: storage is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Planner{
		repo:     opts.Repo,
		storage:  opts.Storage,
		cache:    opts.Cache,
		limiter:  opts.Limiter,
		spillDir: spillDir(opts.SpillDir),
		logger:   logger,
	}, nil
}

// Plan prepares jobID under the given policy snapshot.
//
// A pending job is moved to processing before any work starts. A
// processing job that was never prepared (an earlier run crashed) is
// planned again; chunk blob keys are deterministic so the rerun overwrites
// the same blobs. An empty list fails the job with EmptyInputError. Cache
// errors are returned unchanged and leave the job processing and
// unprepared.
func (p *Planner) Plan(ctx context.Context, jobID string, pol policy.Policy) (*Result, error) {
	pol.ApplyDefaults()
	version, err := policy.Version(pol)
	if err != nil {
		return nil, err
	}
	router, err := policy.NewRouter(pol.Routing)
	if err != nil {
		return nil, err
	}

	job, err := p.begin(ctx, jobID, version)
	if err != nil {
		return nil, err
	}
	logger := p.logger.With(zap.String("job_id", job.ID))

	run := &planRun{
		planner: p,
		job:     job,
		pol:     pol,
		router:  router,
		seen:    newSeenSet(pol.DedupeMemoryLimit, p.spillDir),
		cached:  make(map[string][]resultrow.Row),
		result:  &Result{JobID: job.ID},
	}
	defer func() { _ = run.seen.Close() }()

	if err := run.read(ctx); err != nil {
		return nil, err
	}
	if run.seen.Spilled() {
		logger.Info("dedupe set spilled to disk", zap.Int("memory_limit", pol.DedupeMemoryLimit))
	}

	if run.result.TotalEmails == 0 {
		if err := p.failEmpty(ctx, job); err != nil {
			return nil, err
		}
		logger.Warn("job has no email addresses", zap.Int("skipped", run.result.Skipped))
		return run.result, &EmptyInputError{JobID: job.ID}
	}

	if err := run.finishChunks(ctx); err != nil {
		return nil, err
	}
	if err := run.flushCached(ctx); err != nil {
		return nil, err
	}

	fields := jobstore.Fields{"cached_parts": run.cachedParts}

	fields["total_emails"] = run.result.TotalEmails
	fields["cached_count"] = run.result.CachedCount
	fields["unknown_count"] = run.result.UnknownCount
	fields["prepared_at"] = p.repo.Now()
	fields["policy_version"] = version

	ok, err := p.repo.PrepareJob(ctx, job.ID, fields, run.result.Chunks)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("job %s: %w", job.ID, ErrAlreadyPlanned)
	}

	logger.Info("job planned",
		zap.Int("total_emails", run.result.TotalEmails),
		zap.Int("cached_count", run.result.CachedCount),
		zap.Int("unknown_count", run.result.UnknownCount),
		zap.Int("chunks", len(run.result.Chunks)),
	)
	return run.result, nil
}

func (p *Planner) begin(ctx context.Context, jobID, version string) (*jobstore.Job, error) {
	job, err := p.repo.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}

	if job.Status == jobstore.JobPending {
		ok, err := p.repo.UpdateJobStatus(ctx, job.ID, jobstore.JobPending, jobstore.JobProcessing, jobstore.Fields{
			"started_at":     p.repo.Now(),
			"policy_version": version,
		})
		if err != nil {
			return nil, err
		}
		if job, err = p.repo.GetJob(ctx, jobID); err != nil {
			return nil, err
		}
		if !ok && job.Status == jobstore.JobPending {
			return nil, fmt.Errorf("job %s: lost planning transition", job.ID)
		}
	}

	switch {
	case job.Status.Terminal():
		return nil, fmt.Errorf("job %s is %s: %w", job.ID, job.Status, ErrNotPlannable)
	case job.PreparedAt != nil:
		return nil, fmt.Errorf("job %s: %w", job.ID, ErrAlreadyPlanned)
	}
	return job, nil
}

func (p *Planner) failEmpty(ctx context.Context, job *jobstore.Job) error {
	msg := (&EmptyInputError{JobID: job.ID}).Error()
	_, err := p.repo.UpdateJobStatus(ctx, job.ID, jobstore.JobProcessing, jobstore.JobFailed, jobstore.Fields{
		"error_message": msg,
		"finished_at":   p.repo.Now(),
		"total_emails":  0,
	}, jobstore.Condition{Column: "prepared_at", Value: nil})
	return err
}

// planRun carries the state of one Plan call.
type planRun struct {
	planner *Planner
	job     *jobstore.Job
	pol     policy.Policy
	router  *policy.Router
	seen    *seenSet
	result  *Result

	batch   []string
	grouped []string
	current []string

	// Cache hits are buffered up to one chunk's worth of rows, then
	// written out as the next cached part.
	cached      map[string][]resultrow.Row
	cachedRows  int
	cachedParts int
}

func (r *planRun) read(ctx context.Context) error {
	p := r.planner
	rc, err := storage.Open(ctx, p.storage, r.job.InputDisk, r.job.InputKey)
	if err != nil {
		return fmt.Errorf("open input list: %w", err)
	}
	defer func() { _ = rc.Close() }()

	err = ReadEmails(ctx, rc, DetectFormat(r.job.InputKey), func(raw string) error {
		email := resultrow.NormalizeEmail(raw)
		if !strings.Contains(email, "@") {
			r.result.Skipped++
			return nil
		}
		fresh, err := r.seen.Add(ctx, email)
		if err != nil {
			return err
		}
		if !fresh {
			return nil
		}
		r.result.TotalEmails++
		r.batch = append(r.batch, email)
		if len(r.batch) >= r.pol.CacheBatchSize {
			return r.flushBatch(ctx)
		}
		return nil
	})
	if err != nil {
		return err
	}
	return r.flushBatch(ctx)
}

// flushBatch resolves the pending lookup batch against the cache, keeping
// first-seen order for the misses.
func (r *planRun) flushBatch(ctx context.Context) error {
	if len(r.batch) == 0 {
		return nil
	}
	p := r.planner

	var hits map[string]cache.Entry
	if p.cache != nil {
		if p.limiter != nil {
			if err := p.limiter.Wait(ctx); err != nil {
				return fmt.Errorf("cache lookup throttle: %w", err)
			}
		}
		var err error
		hits, err = p.cache.LookupMany(ctx, r.batch)
		if err != nil {
			return fmt.Errorf("cache lookup: %w", err)
		}
	}

	for _, email := range r.batch {
		if hit, ok := hits[email]; ok {
			bucket := strings.ToLower(strings.TrimSpace(hit.Outcome))
			if !resultrow.ValidStatus(bucket) {
				bucket = resultrow.StatusRisky
			}
			r.cached[bucket] = append(r.cached[bucket], resultrow.Row{Email: email, Status: bucket, Reason: hit.Reason})
			r.result.CachedCount++
			r.cachedRows++
			if r.cachedRows >= r.pol.ChunkSize {
				if err := r.flushCached(ctx); err != nil {
					return err
				}
			}
			continue
		}
		r.result.UnknownCount++
		if r.pol.GroupByDomain {
			r.grouped = append(r.grouped, email)
			continue
		}
		if err := r.addToChunk(ctx, email); err != nil {
			return err
		}
	}
	r.batch = r.batch[:0]
	return nil
}

func (r *planRun) addToChunk(ctx context.Context, email string) error {
	r.current = append(r.current, email)
	if len(r.current) >= r.pol.ChunkSize {
		return r.cutChunk(ctx)
	}
	return nil
}

func (r *planRun) finishChunks(ctx context.Context) error {
	if r.pol.GroupByDomain {
		for _, email := range groupByDomain(r.grouped) {
			if err := r.addToChunk(ctx, email); err != nil {
				return err
			}
		}
		r.grouped = nil
	}
	return r.cutChunk(ctx)
}

// cutChunk writes the current chunk's input blob and queues its row.
func (r *planRun) cutChunk(ctx context.Context) error {
	if len(r.current) == 0 {
		return nil
	}
	p := r.planner
	no := len(r.result.Chunks) + 1
	disk := r.job.ResultDisk()
	key := ChunkInputKey(r.job.ID, no)

	var buf bytes.Buffer
	for _, email := range r.current {
		buf.WriteString(email)
		buf.WriteByte('\n')
	}
	if err := p.storage.Put(ctx, disk, key, buf.Bytes()); err != nil {
		return fmt.Errorf("write chunk %d input: %w", no, err)
	}

	domain, provider := routingHints(r.current, r.router)
	r.result.Chunks = append(r.result.Chunks, &jobstore.Chunk{
		ChunkNo:       no,
		Status:        jobstore.ChunkPending,
		InputDisk:     disk,
		InputKey:      key,
		OutputDisk:    disk,
		EmailCount:    len(r.current),
		MaxAttempts:   r.pol.MaxAttempts,
		Domain:        domain,
		Provider:      provider,
		PreferredPool: string(r.job.VerificationMode),
	})
	r.current = r.current[:0]
	return nil
}

// flushCached writes the buffered cache hits as the next cached part, one
// blob per bucket. Empty buckets get a header-only blob so every part has
// all three keys.
func (r *planRun) flushCached(ctx context.Context) error {
	if r.cachedRows == 0 {
		return nil
	}
	p := r.planner
	disk := r.job.ResultDisk()
	part := r.cachedParts + 1

	for _, bucket := range []string{resultrow.StatusValid, resultrow.StatusInvalid, resultrow.StatusRisky} {
		data, err := resultrow.Encode(r.cached[bucket])
		if err != nil {
			return err
		}
		key := jobstore.CachedKey(r.job.ID, part, bucket)
		if err := p.storage.Put(ctx, disk, key, data); err != nil {
			return fmt.Errorf("write cached %s results part %d: %w", bucket, part, err)
		}
	}

	r.cachedParts = part
	r.cachedRows = 0
	r.cached = make(map[string][]resultrow.Row)
	return nil
}

// groupByDomain orders emails by domain, domains in order of first
// appearance and emails within a domain in input order.
func groupByDomain(emails []string) []string {
	order := make([]string, 0)
	groups := make(map[string][]string)
	for _, e := range emails {
		d := domainOf(e)
		if _, ok := groups[d]; !ok {
			order = append(order, d)
		}
		groups[d] = append(groups[d], e)
	}
	out := make([]string, 0, len(emails))
	for _, d := range order {
		out = append(out, groups[d]...)
	}
	return out
}

// routingHints returns the chunk's domain when all emails share one, and
// the provider when all domains route to the same provider.
func routingHints(emails []string, router *policy.Router) (domain, provider string) {
	for i, e := range emails {
		d := domainOf(e)
		pr := router.Provider(d)
		if i == 0 {
			domain, provider = d, pr
			continue
		}
		if d != domain {
			domain = ""
		}
		if pr != provider {
			provider = ""
		}
	}
	return domain, provider
}

func domainOf(email string) string {
	if i := strings.LastIndexByte(email, '@'); i >= 0 {
		return email[i+1:]
	}
	return ""
}

// ChunkInputKey is the blob key of a chunk's email list.
func ChunkInputKey(jobID string, chunkNo int) string {
	return "jobs/" + jobID + "/chunks/" + strconv.Itoa(chunkNo) + "/input.txt"
}
