package jobstore

import (
	"context"
	"fmt"
	"time"
)

// AcquireJobLock takes the per-job mutual-exclusion lock for owner with a
// bounded hold time. An expired lock held by someone else is taken over.
// It reports whether owner now holds the lock.
func (s *Store) AcquireJobLock(ctx context.Context, jobID, owner string, ttl time.Duration) (bool, error) {
	now := s.Now()
	expires := now.Add(ttl)

	if _, err := s.db.ExecContext(ctx, s.Rebind(`DELETE FROM job_locks WHERE job_id = ? AND expires_at <= ?`),
		jobID, FormatTime(now)); err != nil {
		return false, fmt.Errorf("expire job lock: %w", err)
	}

	res, err := s.db.ExecContext(ctx, s.Rebind(`INSERT INTO job_locks (job_id, owner, acquired_at, expires_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(job_id) DO NOTHING`),
		jobID, owner, FormatTime(now), FormatTime(expires))
	if err != nil {
		return false, fmt.Errorf("insert job lock: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert job lock: rows affected: %w", err)
	}
	if n == 1 {
		return true, nil
	}

	// Re-entrant for the same owner: extend the hold.
	res, err = s.db.ExecContext(ctx, s.Rebind(`UPDATE job_locks SET expires_at = ? WHERE job_id = ? AND owner = ?`),
		FormatTime(expires), jobID, owner)
	if err != nil {
		return false, fmt.Errorf("extend job lock: %w", err)
	}
	n, err = res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("extend job lock: rows affected: %w", err)
	}
	return n == 1, nil
}

// ReleaseJobLock drops the lock if owner still holds it.
func (s *Store) ReleaseJobLock(ctx context.Context, jobID, owner string) error {
	if _, err := s.db.ExecContext(ctx, s.Rebind(`DELETE FROM job_locks WHERE job_id = ? AND owner = ?`), jobID, owner); err != nil {
		return fmt.Errorf("release job lock: %w", err)
	}
	return nil
}
