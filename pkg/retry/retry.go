// Package retry re-plans risky rows that failed with a transient SMTP
// response into delayed retry chunks.
package retry

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/ASTGD/ValidEmailVerifierGUI-sub000/pkg/jobstore"
	"github.com/ASTGD/ValidEmailVerifierGUI-sub000/pkg/policy"
	"github.com/ASTGD/ValidEmailVerifierGUI-sub000/pkg/resultrow"
	"github.com/ASTGD/ValidEmailVerifierGUI-sub000/pkg/storage"
)

// Repository is the part of the job store the retry planner uses.
type Repository interface {
	GetJob(ctx context.Context, id string) (*jobstore.Job, error)
	GetChunk(ctx context.Context, id string) (*jobstore.Chunk, error)
	MarkRetryPlanned(ctx context.Context, id string) (bool, error)
	FindRetryChild(ctx context.Context, parentID string) (*jobstore.Chunk, error)
	RecordTempfailRetry(ctx context.Context, parent *jobstore.Chunk, parentFields jobstore.Fields, child *jobstore.Chunk) (bool, error)
	Now() time.Time
}

type Options struct {
	Repo    Repository
	Storage storage.Store
	Logger  *zap.Logger
}

// Planner extracts tempfail rows from completed chunks.
type Planner struct {
	repo    Repository
	storage storage.Store
	logger  *zap.Logger
}

func New(opts Options) (*Planner, error) {
	if opts.Repo == nil {
		return nil, errors.New("retry: repository is required")
	}
	if opts.Storage == nil {
		return nil, errors.New("retry: storage is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Planner{repo: opts.Repo, storage: opts.Storage, logger: logger}, nil
}

// Skip reasons reported in Result.
const (
	SkipDisabled       = "disabled"
	SkipNotCompleted   = "not_completed"
	SkipNoRiskyOutput  = "no_risky_output"
	SkipAlreadyPlanned = "already_planned"
	SkipMaxAttempts    = "max_attempts"
	SkipNoTempfail     = "no_tempfail_rows"
	SkipJobClosed      = "job_not_processing"
)

// Result describes one Plan call.
type Result struct {
	// RetryCount is the number of risky rows moved into the retry chunk.
	RetryCount int
	// Child is the retry chunk, newly created or already present.
	Child *jobstore.Chunk
	// RiskyKey is the parent's filtered risky blob.
	RiskyKey string
	// Skipped names why no retry chunk was created.
	Skipped string
}

// Plan moves the tempfail rows of a completed chunk's risky output into a
// new pending chunk that becomes available after the policy backoff.
//
// The parent's filtered risky rows are written to a fresh key and the
// parent's risky_count drops by the number of rows moved. A chunk is planned
// at most once; repeated calls return the existing child. Every outcome
// other than a disabled policy, an unfinished chunk or a closed job marks
// the chunk retry-planned, which finalization waits for. Nothing is
// planned once the job has left processing.
func (p *Planner) Plan(ctx context.Context, chunkID string, pol policy.Policy) (*Result, error) {
	if !pol.Tempfail.Enabled {
		return &Result{Skipped: SkipDisabled}, nil
	}

	parent, err := p.repo.GetChunk(ctx, chunkID)
	if err != nil {
		return nil, err
	}
	if parent.Status != jobstore.ChunkCompleted {
		return &Result{Skipped: SkipNotCompleted}, nil
	}

	existing, err := p.repo.FindRetryChild(ctx, parent.ID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return p.settle(ctx, parent, &Result{Child: existing, RiskyKey: parent.RiskyKey, Skipped: SkipAlreadyPlanned})
	}
	if parent.RetryPlannedAt != nil {
		return &Result{RiskyKey: parent.RiskyKey, Skipped: SkipAlreadyPlanned}, nil
	}

	job, err := p.repo.GetJob(ctx, parent.JobID)
	if err != nil {
		return nil, err
	}
	if job.Status != jobstore.JobProcessing {
		return &Result{RiskyKey: parent.RiskyKey, Skipped: SkipJobClosed}, nil
	}

	if parent.RiskyKey == "" {
		return p.settle(ctx, parent, &Result{Skipped: SkipNoRiskyOutput})
	}
	if parent.RetryAttempt >= pol.Tempfail.MaxAttempts {
		return p.settle(ctx, parent, &Result{RiskyKey: parent.RiskyKey, Skipped: SkipMaxAttempts})
	}

	disk := parent.OutputDisk
	if disk == "" {
		disk = parent.InputDisk
	}
	data, err := p.storage.Get(ctx, disk, parent.RiskyKey)
	if err != nil {
		return nil, fmt.Errorf("read risky output of chunk %s: %w", parent.ID, err)
	}

	var (
		kept      []resultrow.Row
		extracted int
		emails    []string
		seen      = map[string]struct{}{}
	)
	if _, err := resultrow.Scan(bytes.NewReader(data), resultrow.StatusRisky, func(r resultrow.Row) error {
		if !pol.IsTempfailReason(r.Reason) {
			kept = append(kept, r)
			return nil
		}
		extracted++
		if _, ok := seen[r.Email]; !ok {
			seen[r.Email] = struct{}{}
			emails = append(emails, r.Email)
		}
		return nil
	}); err != nil {
		return nil, fmt.Errorf("parse risky output of chunk %s: %w", parent.ID, err)
	}
	if extracted == 0 {
		return p.settle(ctx, parent, &Result{RiskyKey: parent.RiskyKey, Skipped: SkipNoTempfail})
	}

	attempt := parent.RetryAttempt + 1
	riskyKey := FilteredRiskyKey(parent.JobID, parent.ChunkNo, attempt)
	inputKey := RetryInputKey(parent.JobID, parent.ChunkNo, attempt)

	filtered, err := resultrow.Encode(kept)
	if err != nil {
		return nil, err
	}
	if err := p.storage.Put(ctx, disk, riskyKey, filtered); err != nil {
		return nil, fmt.Errorf("write filtered risky output: %w", err)
	}
	var input bytes.Buffer
	for _, e := range emails {
		input.WriteString(e)
		input.WriteByte('\n')
	}
	if err := p.storage.Put(ctx, disk, inputKey, input.Bytes()); err != nil {
		return nil, fmt.Errorf("write retry input: %w", err)
	}

	riskyCount := parent.RiskyCount - extracted
	if riskyCount < 0 {
		riskyCount = 0
	}
	availableAt := p.repo.Now().Add(pol.Backoff(attempt))
	child := &jobstore.Chunk{
		Status:        jobstore.ChunkPending,
		InputDisk:     disk,
		InputKey:      inputKey,
		OutputDisk:    disk,
		EmailCount:    len(emails),
		MaxAttempts:   parent.MaxAttempts,
		RetryAttempt:  attempt,
		AvailableAt:   &availableAt,
		Provider:      parent.Provider,
		Domain:        parent.Domain,
		PreferredPool: parent.PreferredPool,
	}
	applied, err := p.repo.RecordTempfailRetry(ctx, parent, jobstore.Fields{
		"risky_key":   riskyKey,
		"risky_count": riskyCount,
	}, child)
	if err != nil {
		return nil, err
	}
	if !applied {
		// Either a concurrent call planned this chunk first or the job
		// left processing.
		existing, err := p.repo.FindRetryChild(ctx, parent.ID)
		if err != nil {
			return nil, err
		}
		if existing == nil {
			return &Result{RiskyKey: parent.RiskyKey, Skipped: SkipJobClosed}, nil
		}
		return &Result{Child: existing, Skipped: SkipAlreadyPlanned}, nil
	}

	p.logger.Info("tempfail retry planned",
		zap.String("job_id", parent.JobID),
		zap.String("chunk_id", parent.ID),
		zap.String("retry_chunk_id", child.ID),
		zap.Int("retry_attempt", attempt),
		zap.Int("retry_count", extracted),
		zap.Time("available_at", availableAt),
	)
	return &Result{RetryCount: extracted, Child: child, RiskyKey: riskyKey}, nil
}

// settle marks parent retry-planned and returns res.
func (p *Planner) settle(ctx context.Context, parent *jobstore.Chunk, res *Result) (*Result, error) {
	if parent.RetryPlannedAt != nil {
		return res, nil
	}
	if _, err := p.repo.MarkRetryPlanned(ctx, parent.ID); err != nil {
		return nil, fmt.Errorf("mark chunk %s retry planned: %w", parent.ID, err)
	}
	return res, nil
}

// FilteredRiskyKey is the blob key of a chunk's risky rows after the
// retry-th extraction.
func FilteredRiskyKey(jobID string, chunkNo, retry int) string {
	return "jobs/" + jobID + "/chunks/" + strconv.Itoa(chunkNo) + "/risky.retry-" + strconv.Itoa(retry) + ".csv"
}

// RetryInputKey is the blob key of the emails handed to a retry chunk.
func RetryInputKey(jobID string, chunkNo, retry int) string {
	return "jobs/" + jobID + "/chunks/" + strconv.Itoa(chunkNo) + "/retry-" + strconv.Itoa(retry) + "/input.txt"
}
