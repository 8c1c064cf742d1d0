package cache

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/ASTGD/ValidEmailVerifierGUI-sub000/pkg/jobstore"
	"github.com/ASTGD/ValidEmailVerifierGUI-sub000/pkg/resultrow"
	"github.com/ASTGD/ValidEmailVerifierGUI-sub000/pkg/storage"
)

// ErrJobNotCompleted is returned when write-back runs before finalization.
var ErrJobNotCompleted = errors.New("job is not completed")

// WriteBackOptions configures WriteBack.
type WriteBackOptions struct {
	Storage storage.Store
	Cache   Writer

	// Limiter throttles upsert batches. Nil means unthrottled.
	Limiter *rate.Limiter

	// BatchSize is the number of entries per upsert. Defaults to 500.
	BatchSize int

	Logger *zap.Logger
}

// WriteBackResult summarizes one write-back run.
type WriteBackResult struct {
	Written         int
	SkippedCached   int
	SkippedNoData   int
	// SkippedPromoted counts catch-all rows that finalization promoted to
	// valid. The cache keeps no sub-status, so a hit would lose the
	// catch-all treatment.
	SkippedPromoted int
}

// WriteBack pushes the outcomes of a completed job into the cache.
// Emails that were served from the cache, placeholder rows for emails
// without a worker result and promoted catch-all rows are not written.
func WriteBack(ctx context.Context, job *jobstore.Job, opts WriteBackOptions) (WriteBackResult, error) {
	var res WriteBackResult
	if job == nil {
		return res, errors.New("job is nil")
	}
	if job.Status != jobstore.JobCompleted {
		return res, fmt.Errorf("job %s: %w", job.ID, ErrJobNotCompleted)
	}
	if opts.Storage == nil || opts.Cache == nil {
		return res, errors.New("storage and cache writer are required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	batchSize := opts.BatchSize
	if batchSize <= 0 {
		batchSize = 500
	}
	disk := job.ResultDisk()

	cached := make(map[string]struct{})
	for _, bucket := range []string{resultrow.StatusValid, resultrow.StatusInvalid, resultrow.StatusRisky} {
		for _, key := range job.CachedKeys(bucket) {
			rows, err := readRows(ctx, opts.Storage, disk, key, bucket)
			if err != nil {
				return res, err
			}
			for _, r := range rows {
				cached[r.Email] = struct{}{}
			}
		}
	}

	batch := make([]Entry, 0, batchSize)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if opts.Limiter != nil {
			if err := opts.Limiter.Wait(ctx); err != nil {
				return fmt.Errorf("cache write-back throttle: %w", err)
			}
		}
		if err := opts.Cache.Upsert(ctx, batch); err != nil {
			return fmt.Errorf("cache write-back: %w", err)
		}
		res.Written += len(batch)
		batch = batch[:0]
		return nil
	}

	for _, src := range []struct{ key, bucket string }{
		{job.ValidKey, resultrow.StatusValid},
		{job.InvalidKey, resultrow.StatusInvalid},
		{job.RiskyKey, resultrow.StatusRisky},
	} {
		if src.key == "" {
			continue
		}
		rows, err := readRows(ctx, opts.Storage, disk, src.key, src.bucket)
		if err != nil {
			return res, err
		}
		for _, r := range rows {
			if _, ok := cached[r.Email]; ok {
				res.SkippedCached++
				continue
			}
			if r.Reason == resultrow.ReasonNoResult {
				res.SkippedNoData++
				continue
			}
			if r.SubStatus == resultrow.SubStatusCatchAll && r.Status == resultrow.StatusValid {
				res.SkippedPromoted++
				continue
			}
			batch = append(batch, Entry{Email: r.Email, Outcome: r.Status, Reason: r.Reason})
			if len(batch) >= batchSize {
				if err := flush(); err != nil {
					return res, err
				}
			}
		}
	}
	if err := flush(); err != nil {
		return res, err
	}

	logger.Info("cache write-back finished",
		zap.String("job_id", job.ID),
		zap.Int("written", res.Written),
		zap.Int("skipped_cached", res.SkippedCached),
		zap.Int("skipped_no_data", res.SkippedNoData),
		zap.Int("skipped_promoted", res.SkippedPromoted),
	)
	return res, nil
}

func readRows(ctx context.Context, st storage.Store, disk, key, bucket string) ([]resultrow.Row, error) {
	data, err := st.Get(ctx, disk, key)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", key, err)
	}
	rows, _, err := resultrow.Parse(data, bucket)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", key, err)
	}
	return rows, nil
}
