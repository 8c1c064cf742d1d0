package output

import (
	"errors"

	"github.com/ASTGD/ValidEmailVerifierGUI-sub000/pkg/finalize"
	"github.com/ASTGD/ValidEmailVerifierGUI-sub000/pkg/jobstore"
	"github.com/ASTGD/ValidEmailVerifierGUI-sub000/pkg/lease"
	"github.com/ASTGD/ValidEmailVerifierGUI-sub000/pkg/pipeline"
	"github.com/ASTGD/ValidEmailVerifierGUI-sub000/pkg/planner"
	"github.com/ASTGD/ValidEmailVerifierGUI-sub000/pkg/retry"
)

func NewLeaseRecord(l *lease.Lease) *LeaseRecord {
	c := l.Chunk
	return &LeaseRecord{
		JobID:          c.JobID,
		ChunkID:        c.ID,
		ChunkNo:        c.ChunkNo,
		ClaimToken:     l.Token,
		ExpiresAt:      l.ExpiresAt,
		EngineServerID: l.EngineServerID,
		WorkerID:       c.AssignedWorkerID,
		InputDisk:      c.InputDisk,
		InputKey:       c.InputKey,
		OutputDisk:     c.OutputDisk,
		EmailCount:     c.EmailCount,
		RetryAttempt:   c.RetryAttempt,
		Provider:       c.Provider,
		Domain:         c.Domain,
		PreferredPool:  c.PreferredPool,
		Reclaimed:      l.Reclaimed,
	}
}

func NewJobLeaseRecord(l *lease.JobLease) *JobLeaseRecord {
	return &JobLeaseRecord{
		JobID:          l.Job.ID,
		ClaimToken:     l.Token,
		ExpiresAt:      l.ExpiresAt,
		EngineServerID: l.EngineServerID,
		InputDisk:      l.Job.InputDisk,
		InputKey:       l.Job.InputKey,
		Attempts:       l.Job.Attempts,
	}
}

func NewPlanRecord(r *planner.Result) *PlanRecord {
	return &PlanRecord{
		Chunks:       len(r.Chunks),
		TotalEmails:  r.TotalEmails,
		CachedCount:  r.CachedCount,
		UnknownCount: r.UnknownCount,
		Skipped:      r.Skipped,
	}
}

// NewRetryRecord returns nil for a nil result.
func NewRetryRecord(r *retry.Result) *RetryRecord {
	if r == nil {
		return nil
	}
	rec := &RetryRecord{
		Skipped:    r.Skipped,
		RetryCount: r.RetryCount,
		RiskyKey:   r.RiskyKey,
	}
	if r.Child != nil {
		rec.ChildChunkID = r.Child.ID
		rec.RetryAttempt = r.Child.RetryAttempt
		rec.AvailableAt = r.Child.AvailableAt
	}
	return rec
}

// NewFinalizeRecord returns nil for a nil result.
func NewFinalizeRecord(r *finalize.Result) *FinalizeRecord {
	if r == nil {
		return nil
	}
	return &FinalizeRecord{
		Outcome:      string(r.Outcome),
		Reason:       r.Reason,
		ValidCount:   r.ValidCount,
		InvalidCount: r.InvalidCount,
		RiskyCount:   r.RiskyCount,
		ValidKey:     r.ValidKey,
		InvalidKey:   r.InvalidKey,
		RiskyKey:     r.RiskyKey,
		Malformed:    r.Malformed,
	}
}

func NewReportRecord(r *pipeline.ChunkReport) *ReportRecord {
	rec := &ReportRecord{
		Replayed: r.Replayed,
		Requeued: r.Requeued,
		Retry:    NewRetryRecord(r.Retry),
		Finalize: NewFinalizeRecord(r.Finalize),
	}
	if r.Chunk != nil {
		rec.ChunkID = r.Chunk.ID
		rec.Status = r.Chunk.Status.String()
		rec.Attempts = r.Chunk.Attempts
	}
	return rec
}

func NewSummaryRecord(r pipeline.SweepResult) *SummaryRecord {
	return &SummaryRecord{
		Reclaimed:     r.Reclaimed,
		Completed:     r.Completed,
		Failed:        r.Failed,
		Duration:      r.Duration,
		DurationHuman: r.Duration.String(),
	}
}

// NewErrorRecord classifies err into an ErrorRecord.
func NewErrorRecord(chunkID string, err error) *ErrorRecord {
	code := ErrCodeInternal
	switch {
	case errors.Is(err, jobstore.ErrNotFound):
		code = ErrCodeNotFound
	case errors.Is(err, lease.ErrStaleLease):
		code = ErrCodeStaleLease
	case errors.Is(err, lease.ErrConflict):
		code = ErrCodeConflict
	}
	return &ErrorRecord{Code: code, Message: err.Error(), ChunkID: chunkID}
}
