package lease

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ASTGD/ValidEmailVerifierGUI-sub000/pkg/jobstore"
)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type fixture struct {
	store *jobstore.Store
	clock *testClock
	coord *Coordinator
	job   *jobstore.Job
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	st, err := jobstore.Open(ctx, jobstore.Config{Path: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	require.NoError(t, st.Migrate(ctx))

	clock := &testClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	st.SetClock(clock.Now)

	job := &jobstore.Job{InputDisk: "local", InputKey: "uploads/list.txt"}
	require.NoError(t, st.CreateJob(ctx, job))
	ok, err := st.UpdateJobStatus(ctx, job.ID, jobstore.JobPending, jobstore.JobProcessing, nil)
	require.NoError(t, err)
	require.True(t, ok)

	coord, err := New(Options{Repo: st})
	require.NoError(t, err)
	return &fixture{store: st, clock: clock, coord: coord, job: job}
}

func (f *fixture) addChunk(t *testing.T, no, maxAttempts int) *jobstore.Chunk {
	t.Helper()
	c := &jobstore.Chunk{
		JobID:       f.job.ID,
		ChunkNo:     no,
		InputDisk:   "local",
		InputKey:    "jobs/" + f.job.ID + "/chunks/x/input.txt",
		EmailCount:  10,
		MaxAttempts: maxAttempts,
	}
	require.NoError(t, f.store.CreateChunk(context.Background(), c))
	return c
}

func TestNewRequiresRepository(t *testing.T) {
	_, err := New(Options{})
	assert.Error(t, err)
}

func TestClaimNextNothingEligible(t *testing.T) {
	f := newFixture(t)
	l, err := f.coord.ClaimNext(context.Background(), "engine-a", "w1", 60)
	require.NoError(t, err)
	assert.Nil(t, l)
}

func TestClaimNextValidatesInput(t *testing.T) {
	f := newFixture(t)
	_, err := f.coord.ClaimNext(context.Background(), "engine-a", "w1", 0)
	assert.Error(t, err)
	_, err = f.coord.ClaimNext(context.Background(), "engine-a", " ", 60)
	assert.Error(t, err)
}

func TestClaimNextGrantsLease(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.addChunk(t, 1, 3)

	l, err := f.coord.ClaimNext(ctx, "engine-a", "w1", 60)
	require.NoError(t, err)
	require.NotNil(t, l)

	assert.Equal(t, c.ID, l.Chunk.ID)
	assert.Equal(t, jobstore.ChunkProcessing, l.Chunk.Status)
	assert.Equal(t, l.Token, l.Chunk.ClaimToken)
	assert.Equal(t, "w1", l.Chunk.AssignedWorkerID)
	assert.Equal(t, l.EngineServerID, l.Chunk.EngineServerID)
	require.NotNil(t, l.Chunk.ClaimExpiresAt)
	assert.True(t, l.Chunk.ClaimExpiresAt.Equal(f.clock.Now().Add(time.Minute)))
	assert.False(t, l.Reclaimed)
	assert.Equal(t, 0, l.Chunk.Attempts)

	// Held lease is not handed out again.
	again, err := f.coord.ClaimNext(ctx, "engine-a", "w2", 60)
	require.NoError(t, err)
	assert.Nil(t, again)
}

func TestClaimNextSkipsChunksOfUnstartedJobs(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	pending := &jobstore.Job{InputDisk: "local", InputKey: "uploads/other.txt"}
	require.NoError(t, f.store.CreateJob(ctx, pending))
	require.NoError(t, f.store.CreateChunk(ctx, &jobstore.Chunk{JobID: pending.ID, ChunkNo: 1, InputDisk: "local", InputKey: "k"}))

	l, err := f.coord.ClaimNext(ctx, "engine-a", "w1", 60)
	require.NoError(t, err)
	assert.Nil(t, l)
}

func TestClaimNextRespectsAvailableAt(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	later := f.clock.Now().Add(5 * time.Minute)
	c := &jobstore.Chunk{JobID: f.job.ID, ChunkNo: 1, InputDisk: "local", InputKey: "k", AvailableAt: &later}
	require.NoError(t, f.store.CreateChunk(ctx, c))

	l, err := f.coord.ClaimNext(ctx, "engine-a", "w1", 60)
	require.NoError(t, err)
	assert.Nil(t, l)

	f.clock.Advance(5 * time.Minute)
	l, err = f.coord.ClaimNext(ctx, "engine-a", "w1", 60)
	require.NoError(t, err)
	require.NotNil(t, l)
	assert.Equal(t, c.ID, l.Chunk.ID)
}

func TestClaimNextConcurrentClaimersNeverShareAChunk(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for i := 1; i <= 3; i++ {
		f.addChunk(t, i, 3)
	}

	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		leases []*Lease
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			l, err := f.coord.ClaimNext(ctx, "engine-a", "worker", 60)
			assert.NoError(t, err)
			if l != nil {
				mu.Lock()
				leases = append(leases, l)
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	seen := map[string]bool{}
	for _, l := range leases {
		assert.False(t, seen[l.Chunk.ID], "chunk %s granted twice", l.Chunk.ID)
		seen[l.Chunk.ID] = true
	}
	assert.Len(t, seen, 3)
}

func TestExpiredLeaseIsReclaimedWithoutCountingAttempt(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addChunk(t, 1, 3)

	first, err := f.coord.ClaimNext(ctx, "engine-a", "w1", 60)
	require.NoError(t, err)
	require.NotNil(t, first)

	f.clock.Advance(61 * time.Second)
	second, err := f.coord.ClaimNext(ctx, "engine-b", "w2", 60)
	require.NoError(t, err)
	require.NotNil(t, second)

	assert.Equal(t, first.Chunk.ID, second.Chunk.ID)
	assert.True(t, second.Reclaimed)
	assert.NotEqual(t, first.Token, second.Token)
	assert.Equal(t, 0, second.Chunk.Attempts)
	assert.Equal(t, "w2", second.Chunk.AssignedWorkerID)

	// The original holder can no longer report.
	_, err = f.coord.Complete(ctx, first.Chunk.ID, first.Token, Outputs{ValidKey: "v.csv", ValidCount: 1})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrStaleLease)
	assert.ErrorIs(t, err, ErrConflict)

	_, err = f.coord.Fail(ctx, first.Chunk.ID, first.Token, "boom", true)
	assert.ErrorIs(t, err, ErrStaleLease)
}

func TestCompleteRecordsOutputsAndIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addChunk(t, 1, 3)

	l, err := f.coord.ClaimNext(ctx, "engine-a", "w1", 60)
	require.NoError(t, err)
	require.NotNil(t, l)

	out := Outputs{
		OutputDisk:   "local",
		ValidKey:     "out/valid.csv",
		InvalidKey:   "out/invalid.csv",
		RiskyKey:     "out/risky.csv",
		ValidCount:   4,
		InvalidCount: 3,
		RiskyCount:   3,
	}
	rep, err := f.coord.Complete(ctx, l.Chunk.ID, l.Token, out)
	require.NoError(t, err)
	assert.False(t, rep.Replayed)
	assert.Equal(t, jobstore.ChunkCompleted, rep.Chunk.Status)
	assert.Equal(t, "out/valid.csv", rep.Chunk.ValidKey)
	assert.Equal(t, 4, rep.Chunk.ValidCount)
	assert.Empty(t, rep.Chunk.ClaimToken)
	assert.Nil(t, rep.Chunk.ClaimExpiresAt)

	again, err := f.coord.Complete(ctx, l.Chunk.ID, l.Token, out)
	require.NoError(t, err)
	assert.True(t, again.Replayed)

	// A different token reporting identical outputs is also accepted.
	other, err := f.coord.Complete(ctx, l.Chunk.ID, "other-token", out)
	require.NoError(t, err)
	assert.True(t, other.Replayed)

	changed := out
	changed.ValidCount = 5
	_, err = f.coord.Complete(ctx, l.Chunk.ID, l.Token, changed)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrConflict)
	assert.NotErrorIs(t, err, ErrStaleLease)

	stored, err := f.store.GetChunk(ctx, l.Chunk.ID)
	require.NoError(t, err)
	assert.Equal(t, 4, stored.ValidCount)
}

func TestCompleteReplayAfterRiskyRewriteStillSucceeds(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addChunk(t, 1, 3)

	l, err := f.coord.ClaimNext(ctx, "engine-a", "w1", 60)
	require.NoError(t, err)
	out := Outputs{RiskyKey: "out/risky.csv", RiskyCount: 2}
	_, err = f.coord.Complete(ctx, l.Chunk.ID, l.Token, out)
	require.NoError(t, err)

	ok, err := f.store.UpdateChunkStatus(ctx, l.Chunk.ID, jobstore.ChunkCompleted, jobstore.ChunkCompleted,
		jobstore.Fields{"risky_key": "out/risky.retry-1.csv", "risky_count": 1})
	require.NoError(t, err)
	require.True(t, ok)

	rep, err := f.coord.Complete(ctx, l.Chunk.ID, l.Token, out)
	require.NoError(t, err)
	assert.True(t, rep.Replayed)
}

func TestFailRetryableRequeuesUntilMaxAttempts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.addChunk(t, 1, 3)

	for i := 1; i <= 3; i++ {
		l, err := f.coord.ClaimNext(ctx, "engine-a", "w1", 60)
		require.NoError(t, err)
		require.NotNil(t, l, "claim %d", i)

		rep, err := f.coord.Fail(ctx, c.ID, l.Token, "smtp timeout", true)
		require.NoError(t, err)
		assert.Equal(t, i, rep.Chunk.Attempts)
		if i < 3 {
			assert.True(t, rep.Requeued)
			assert.Equal(t, jobstore.ChunkPending, rep.Chunk.Status)
			assert.Empty(t, rep.Chunk.ClaimToken)
		} else {
			assert.False(t, rep.Requeued)
			assert.Equal(t, jobstore.ChunkFailed, rep.Chunk.Status)
			assert.Equal(t, "smtp timeout", rep.Chunk.ErrorMessage)
		}
	}

	l, err := f.coord.ClaimNext(ctx, "engine-a", "w1", 60)
	require.NoError(t, err)
	assert.Nil(t, l)
}

func TestFailNonRetryableIsTerminal(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.addChunk(t, 1, 3)

	l, err := f.coord.ClaimNext(ctx, "engine-a", "w1", 60)
	require.NoError(t, err)
	rep, err := f.coord.Fail(ctx, c.ID, l.Token, "bad input", false)
	require.NoError(t, err)
	assert.Equal(t, jobstore.ChunkFailed, rep.Chunk.Status)
	assert.Equal(t, 1, rep.Chunk.Attempts)
}

func TestFailReplayIsNoop(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.addChunk(t, 1, 3)

	l, err := f.coord.ClaimNext(ctx, "engine-a", "w1", 60)
	require.NoError(t, err)
	_, err = f.coord.Fail(ctx, c.ID, l.Token, "timeout", true)
	require.NoError(t, err)

	rep, err := f.coord.Fail(ctx, c.ID, l.Token, "timeout", true)
	require.NoError(t, err)
	assert.True(t, rep.Replayed)
	assert.Equal(t, 1, rep.Chunk.Attempts)
}

func TestFailUsesDefaultLimitWhenChunkHasNone(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	coord, err := New(Options{Repo: f.store, MaxAttempts: 1})
	require.NoError(t, err)
	c := f.addChunk(t, 1, 0)

	l, err := coord.ClaimNext(ctx, "engine-a", "w1", 60)
	require.NoError(t, err)
	rep, err := coord.Fail(ctx, c.ID, l.Token, "timeout", true)
	require.NoError(t, err)
	assert.Equal(t, jobstore.ChunkFailed, rep.Chunk.Status)
}

func TestReclaim(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.addChunk(t, 1, 3)

	ok, err := f.coord.Reclaim(ctx, c.ID)
	require.NoError(t, err)
	assert.False(t, ok, "pending chunk is not reclaimable")

	_, err = f.coord.ClaimNext(ctx, "engine-a", "w1", 60)
	require.NoError(t, err)
	ok, err = f.coord.Reclaim(ctx, c.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	got, err := f.store.GetChunk(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, jobstore.ChunkPending, got.Status)
	assert.Empty(t, got.AssignedWorkerID)
	assert.Nil(t, got.ClaimedAt)
	assert.Equal(t, 0, got.Attempts)
}

func TestReclaimExpired(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addChunk(t, 1, 3)
	f.addChunk(t, 2, 3)

	_, err := f.coord.ClaimNext(ctx, "engine-a", "w1", 30)
	require.NoError(t, err)
	_, err = f.coord.ClaimNext(ctx, "engine-a", "w2", 120)
	require.NoError(t, err)

	f.clock.Advance(time.Minute)
	n, err := f.coord.ReclaimExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	chunks, err := f.store.GetChunks(ctx, f.job.ID)
	require.NoError(t, err)
	assert.Equal(t, jobstore.ChunkPending, chunks[0].Status)
	assert.Equal(t, jobstore.ChunkProcessing, chunks[1].Status)
}

func TestClaimNextJob(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	pending := &jobstore.Job{InputDisk: "local", InputKey: "uploads/next.txt"}
	require.NoError(t, f.store.CreateJob(ctx, pending))

	jl, err := f.coord.ClaimNextJob(ctx, "engine-a", 60)
	require.NoError(t, err)
	require.NotNil(t, jl)
	assert.Equal(t, pending.ID, jl.Job.ID)
	assert.Equal(t, jl.Token, jl.Job.ClaimToken)
	assert.Equal(t, 1, jl.Job.Attempts)

	none, err := f.coord.ClaimNextJob(ctx, "engine-b", 60)
	require.NoError(t, err)
	assert.Nil(t, none)

	f.clock.Advance(2 * time.Minute)
	again, err := f.coord.ClaimNextJob(ctx, "engine-b", 60)
	require.NoError(t, err)
	require.NotNil(t, again)
	assert.Equal(t, 2, again.Job.Attempts)
}
