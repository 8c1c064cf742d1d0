package jobstore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testClock is a manually advanced time source.
type testClock struct{ t time.Time }

func (c *testClock) Now() time.Time          { return c.t }
func (c *testClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func openTestStore(t *testing.T) (*Store, *testClock) {
	t.Helper()
	ctx := context.Background()
	st, err := Open(ctx, Config{Path: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	require.NoError(t, st.Migrate(ctx))

	clock := &testClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	st.SetClock(clock.Now)
	return st, clock
}

func createProcessingJob(t *testing.T, st *Store) *Job {
	t.Helper()
	ctx := context.Background()
	job := &Job{InputDisk: "local", InputKey: "uploads/list.txt"}
	require.NoError(t, st.CreateJob(ctx, job))
	ok, err := st.UpdateJobStatus(ctx, job.ID, JobPending, JobProcessing, nil)
	require.NoError(t, err)
	require.True(t, ok)
	job.Status = JobProcessing
	return job
}

func TestMigrateRejectsNewerSchema(t *testing.T) {
	st, _ := openTestStore(t)
	ctx := context.Background()

	_, err := st.DB().ExecContext(ctx, `UPDATE schema_meta SET schema_version = 99 WHERE id = 1`)
	require.NoError(t, err)
	err = st.Migrate(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "newer than supported")
}

func TestMigrateIsIdempotent(t *testing.T) {
	st, _ := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, st.Migrate(ctx))

	var v int
	require.NoError(t, st.DB().QueryRowContext(ctx, `SELECT schema_version FROM schema_meta WHERE id=1`).Scan(&v))
	assert.Equal(t, SchemaVersion, v)
}

func TestRebind(t *testing.T) {
	q := `UPDATE t SET a = ? WHERE id = ? AND status = ?`
	assert.Equal(t, q, rebind(DialectSQLite, q))
	assert.Equal(t, `UPDATE t SET a = $1 WHERE id = $2 AND status = $3`, rebind(DialectPostgres, q))
}

func TestBuildDSN(t *testing.T) {
	dsn, err := buildDSN(Config{Path: ":memory:"})
	require.NoError(t, err)
	assert.Equal(t, ":memory:", dsn)

	dsn, err = buildDSN(Config{URL: "libsql://db.example.io", AuthToken: "tok"})
	require.NoError(t, err)
	assert.Equal(t, "libsql://db.example.io?authToken=tok", dsn)

	_, err = buildDSN(Config{})
	assert.Error(t, err)
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	_, err := Open(context.Background(), Config{Driver: "oracle", Path: ":memory:"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported store driver")
}

func TestJobs(t *testing.T) {
	st, clock := openTestStore(t)
	ctx := context.Background()

	job := &Job{InputDisk: "local", InputKey: "uploads/a.csv", VerificationMode: ModeEnhanced, PolicyVersion: "abc"}
	require.NoError(t, st.CreateJob(ctx, job))
	require.NotEmpty(t, job.ID)

	t.Run("get", func(t *testing.T) {
		got, err := st.GetJob(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, JobPending, got.Status)
		assert.Equal(t, ModeEnhanced, got.VerificationMode)
		assert.Equal(t, "uploads/a.csv", got.InputKey)
		assert.Equal(t, "abc", got.PolicyVersion)
		assert.Equal(t, clock.Now(), got.CreatedAt)
		assert.Nil(t, got.FinishedAt)
	})

	t.Run("missing", func(t *testing.T) {
		_, err := st.GetJob(ctx, "nope")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("conditional update", func(t *testing.T) {
		clock.Advance(time.Minute)
		started := clock.Now()
		ok, err := st.UpdateJobStatus(ctx, job.ID, JobPending, JobProcessing, Fields{"started_at": started, "total_emails": 10})
		require.NoError(t, err)
		assert.True(t, ok)

		// Stale expectation loses.
		ok, err = st.UpdateJobStatus(ctx, job.ID, JobPending, JobFailed, Fields{"error_message": "late"})
		require.NoError(t, err)
		assert.False(t, ok)

		got, err := st.GetJob(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, JobProcessing, got.Status)
		assert.Equal(t, 10, got.TotalEmails)
		require.NotNil(t, got.StartedAt)
		assert.Equal(t, started, *got.StartedAt)
		assert.Empty(t, got.ErrorMessage)
	})

	t.Run("unknown column", func(t *testing.T) {
		_, err := st.UpdateJobStatus(ctx, job.ID, JobProcessing, JobProcessing, Fields{"status": "x"})
		assert.ErrorIs(t, err, ErrUnknownColumn)
	})

	t.Run("list by status", func(t *testing.T) {
		other := &Job{InputDisk: "local", InputKey: "uploads/b.csv"}
		require.NoError(t, st.CreateJob(ctx, other))

		pending, err := st.ListJobs(ctx, JobPending, 0)
		require.NoError(t, err)
		require.Len(t, pending, 1)
		assert.Equal(t, other.ID, pending[0].ID)

		all, err := st.ListJobs(ctx, "", 0)
		require.NoError(t, err)
		assert.Len(t, all, 2)
	})
}

func TestDeleteJobCascadesChunks(t *testing.T) {
	st, _ := openTestStore(t)
	ctx := context.Background()
	job := createProcessingJob(t, st)

	chunk := &Chunk{JobID: job.ID, ChunkNo: 1, EmailCount: 2}
	require.NoError(t, st.CreateChunk(ctx, chunk))

	require.NoError(t, st.DeleteJob(ctx, job.ID))
	_, err := st.GetChunk(ctx, chunk.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, st.DeleteJob(ctx, job.ID), ErrNotFound)
}

func TestChunkNumbersUniquePerJob(t *testing.T) {
	st, _ := openTestStore(t)
	ctx := context.Background()
	job := createProcessingJob(t, st)

	require.NoError(t, st.CreateChunk(ctx, &Chunk{JobID: job.ID, ChunkNo: 1}))
	assert.Error(t, st.CreateChunk(ctx, &Chunk{JobID: job.ID, ChunkNo: 1}))
}

func TestUpdateChunkStatusConditions(t *testing.T) {
	st, clock := openTestStore(t)
	ctx := context.Background()
	job := createProcessingJob(t, st)

	chunk := &Chunk{JobID: job.ID, ChunkNo: 1, EmailCount: 3, MaxAttempts: 3}
	require.NoError(t, st.CreateChunk(ctx, chunk))

	expires := clock.Now().Add(time.Minute)
	ok, err := st.UpdateChunkStatus(ctx, chunk.ID, ChunkPending, ChunkProcessing, Fields{
		"claim_token":        "tok-1",
		"claim_expires_at":   expires,
		"claimed_at":         clock.Now(),
		"assigned_worker_id": "w1",
	}, Condition{Column: "claim_token", Value: ""})
	require.NoError(t, err)
	require.True(t, ok)

	// Wrong token does not match.
	ok, err = st.UpdateChunkStatus(ctx, chunk.ID, ChunkProcessing, ChunkCompleted, nil, Condition{Column: "claim_token", Value: "tok-2"})
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = st.UpdateChunkStatus(ctx, chunk.ID, ChunkProcessing, ChunkCompleted,
		ClearClaim().Merge(Fields{"valid_count": 3, "valid_key": "v.csv"}),
		Condition{Column: "claim_token", Value: "tok-1"})
	require.NoError(t, err)
	assert.True(t, ok)

	got, err := st.GetChunk(ctx, chunk.ID)
	require.NoError(t, err)
	assert.Equal(t, ChunkCompleted, got.Status)
	assert.Equal(t, 3, got.ValidCount)
	assert.Equal(t, "v.csv", got.ValidKey)
	assert.Empty(t, got.ClaimToken)
	assert.Nil(t, got.ClaimExpiresAt)
	assert.Equal(t, 3, got.MaxAttempts)
}

func TestClaimCandidates(t *testing.T) {
	st, clock := openTestStore(t)
	ctx := context.Background()
	job := createProcessingJob(t, st)

	pendingJob := &Job{InputDisk: "local", InputKey: "uploads/p.txt"}
	require.NoError(t, st.CreateJob(ctx, pendingJob))

	now := clock.Now()
	future := now.Add(time.Hour)
	past := now.Add(-time.Minute)

	ready := &Chunk{JobID: job.ID, ChunkNo: 1}
	delayed := &Chunk{JobID: job.ID, ChunkNo: 2, AvailableAt: &future}
	earlier := &Chunk{JobID: job.ID, ChunkNo: 3, AvailableAt: &past}
	expired := &Chunk{JobID: job.ID, ChunkNo: 4}
	notReady := &Chunk{JobID: pendingJob.ID, ChunkNo: 1}
	for _, c := range []*Chunk{ready, delayed, earlier, expired, notReady} {
		require.NoError(t, st.CreateChunk(ctx, c))
	}

	leaseEnd := now.Add(-time.Second)
	ok, err := st.UpdateChunkStatus(ctx, expired.ID, ChunkPending, ChunkProcessing, Fields{
		"claim_token":      "old",
		"claim_expires_at": leaseEnd,
	})
	require.NoError(t, err)
	require.True(t, ok)

	cands, err := st.ClaimCandidates(ctx, now, 10)
	require.NoError(t, err)

	ids := make([]string, 0, len(cands))
	for _, c := range cands {
		ids = append(ids, c.ID)
	}
	assert.Equal(t, []string{earlier.ID, ready.ID, expired.ID}, ids)
	assert.Equal(t, "old", cands[2].ClaimToken)
	assert.Equal(t, string(ChunkProcessing), cands[2].Status)

	expiredLeases, err := st.ExpiredLeases(ctx, now)
	require.NoError(t, err)
	require.Len(t, expiredLeases, 1)
	assert.Equal(t, expired.ID, expiredLeases[0].ID)
}

func TestRecordTempfailRetry(t *testing.T) {
	st, clock := openTestStore(t)
	ctx := context.Background()
	job := createProcessingJob(t, st)

	parent := &Chunk{JobID: job.ID, ChunkNo: 1}
	require.NoError(t, st.CreateChunk(ctx, parent))
	ok, err := st.UpdateChunkStatus(ctx, parent.ID, ChunkPending, ChunkCompleted, Fields{"risky_key": "r0.csv", "risky_count": 2})
	require.NoError(t, err)
	require.True(t, ok)
	parent, err = st.GetChunk(ctx, parent.ID)
	require.NoError(t, err)

	avail := clock.Now().Add(5 * time.Minute)
	child := &Chunk{RetryAttempt: 1, AvailableAt: &avail, EmailCount: 1}
	ok, err = st.RecordTempfailRetry(ctx, parent, Fields{"risky_key": "r1.csv", "risky_count": 1}, child)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 2, child.ChunkNo)

	found, err := st.FindRetryChild(ctx, parent.ID)
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, child.ID, found.ID)
	assert.Equal(t, 1, found.RetryAttempt)
	require.NotNil(t, found.AvailableAt)
	assert.Equal(t, avail, *found.AvailableAt)

	// Replaying with the stale parent snapshot is rejected.
	ok, err = st.RecordTempfailRetry(ctx, parent, Fields{"risky_key": "r2.csv"}, &Chunk{RetryAttempt: 1})
	require.NoError(t, err)
	assert.False(t, ok)

	updated, err := st.GetChunk(ctx, parent.ID)
	require.NoError(t, err)
	assert.Equal(t, "r1.csv", updated.RiskyKey)
	assert.Equal(t, 1, updated.RiskyCount)
	assert.NotNil(t, updated.RetryPlannedAt)

	chunks, err := st.GetChunks(ctx, job.ID)
	require.NoError(t, err)
	assert.Len(t, chunks, 2)
}

func TestRecordTempfailRetryRequiresProcessingJob(t *testing.T) {
	st, _ := openTestStore(t)
	ctx := context.Background()
	job := createProcessingJob(t, st)

	parent := &Chunk{JobID: job.ID, ChunkNo: 1}
	require.NoError(t, st.CreateChunk(ctx, parent))
	ok, err := st.UpdateChunkStatus(ctx, parent.ID, ChunkPending, ChunkCompleted, Fields{"risky_key": "r0.csv", "risky_count": 1})
	require.NoError(t, err)
	require.True(t, ok)
	parent, err = st.GetChunk(ctx, parent.ID)
	require.NoError(t, err)

	ok, err = st.UpdateJobStatus(ctx, job.ID, JobProcessing, JobCompleted, nil)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = st.RecordTempfailRetry(ctx, parent, Fields{"risky_key": "r1.csv", "risky_count": 0}, &Chunk{RetryAttempt: 1})
	require.NoError(t, err)
	assert.False(t, ok)

	chunks, err := st.GetChunks(ctx, job.ID)
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	assert.Equal(t, "r0.csv", chunks[0].RiskyKey)
	assert.Nil(t, chunks[0].RetryPlannedAt)
}

func TestMarkRetryPlanned(t *testing.T) {
	st, clock := openTestStore(t)
	ctx := context.Background()
	job := createProcessingJob(t, st)

	c := &Chunk{JobID: job.ID, ChunkNo: 1}
	require.NoError(t, st.CreateChunk(ctx, c))

	ok, err := st.MarkRetryPlanned(ctx, c.ID)
	require.NoError(t, err)
	assert.False(t, ok, "pending chunks are not marked")

	ok, err = st.UpdateChunkStatus(ctx, c.ID, ChunkPending, ChunkCompleted, nil)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = st.MarkRetryPlanned(ctx, c.ID)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = st.MarkRetryPlanned(ctx, c.ID)
	require.NoError(t, err)
	assert.False(t, ok)

	got, err := st.GetChunk(ctx, c.ID)
	require.NoError(t, err)
	require.NotNil(t, got.RetryPlannedAt)
	assert.True(t, got.RetryPlannedAt.Equal(clock.Now()))
}

func TestJobLocks(t *testing.T) {
	st, clock := openTestStore(t)
	ctx := context.Background()

	ok, err := st.AcquireJobLock(ctx, "job-1", "a", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = st.AcquireJobLock(ctx, "job-1", "b", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = st.AcquireJobLock(ctx, "job-1", "a", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok, "same owner re-enters")

	clock.Advance(2 * time.Minute)
	ok, err = st.AcquireJobLock(ctx, "job-1", "b", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok, "expired lock is taken over")

	require.NoError(t, st.ReleaseJobLock(ctx, "job-1", "a"))
	ok, err = st.AcquireJobLock(ctx, "job-1", "a", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "release by a non-owner is a no-op")

	require.NoError(t, st.ReleaseJobLock(ctx, "job-1", "b"))
	ok, err = st.AcquireJobLock(ctx, "job-1", "a", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestUpsertEngineServer(t *testing.T) {
	st, clock := openTestStore(t)
	ctx := context.Background()

	first, err := st.UpsertEngineServer(ctx, "engine-eu-1")
	require.NoError(t, err)

	clock.Advance(time.Hour)
	second, err := st.UpsertEngineServer(ctx, " engine-eu-1 ")
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, first.CreatedAt, second.CreatedAt)
	assert.Equal(t, clock.Now(), second.LastSeenAt)

	_, err = st.UpsertEngineServer(ctx, "")
	assert.Error(t, err)
}

func TestPrepareJobOnce(t *testing.T) {
	st, clock := openTestStore(t)
	ctx := context.Background()
	job := createProcessingJob(t, st)

	chunks := []*Chunk{{ChunkNo: 1, EmailCount: 2}, {ChunkNo: 2, EmailCount: 1}}
	ok, err := st.PrepareJob(ctx, job.ID, Fields{"total_emails": 3, "unknown_count": 3, "prepared_at": clock.Now()}, chunks)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = st.PrepareJob(ctx, job.ID, Fields{"prepared_at": clock.Now()}, []*Chunk{{ChunkNo: 3}})
	require.NoError(t, err)
	assert.False(t, ok)

	got, err := st.GetChunks(ctx, job.ID)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, job.ID, got[0].JobID)

	loaded, err := st.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, loaded.TotalEmails)
	assert.NotNil(t, loaded.PreparedAt)
}
