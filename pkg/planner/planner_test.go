package planner

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"github.com/ASTGD/ValidEmailVerifierGUI-sub000/pkg/cache"
	"github.com/ASTGD/ValidEmailVerifierGUI-sub000/pkg/jobstore"
	"github.com/ASTGD/ValidEmailVerifierGUI-sub000/pkg/policy"
	"github.com/ASTGD/ValidEmailVerifierGUI-sub000/pkg/resultrow"
	"github.com/ASTGD/ValidEmailVerifierGUI-sub000/pkg/storage"
	"github.com/ASTGD/ValidEmailVerifierGUI-sub000/pkg/storage/memory"
)

type fixture struct {
	store *jobstore.Store
	reg   *storage.Registry
	disk  *memory.Disk
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	st, err := jobstore.Open(ctx, jobstore.Config{Path: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	require.NoError(t, st.Migrate(ctx))

	disk := memory.New()
	reg := storage.NewRegistry("local")
	reg.Register("local", disk)
	return &fixture{store: st, reg: reg, disk: disk}
}

func (f *fixture) job(t *testing.T, key string, content []byte) *jobstore.Job {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, f.disk.Put(ctx, key, content))
	job := &jobstore.Job{InputDisk: "local", InputKey: key}
	require.NoError(t, f.store.CreateJob(ctx, job))
	return job
}

func (f *fixture) planner(t *testing.T, c cache.Store) *Planner {
	t.Helper()
	p, err := New(Options{Repo: f.store, Storage: f.reg, Cache: c, SpillDir: t.TempDir()})
	require.NoError(t, err)
	return p
}

func testPolicy(chunkSize int) policy.Policy {
	p := policy.Defaults()
	p.ChunkSize = chunkSize
	p.ApplyDefaults()
	return p
}

func TestPlanDedupesAndChunks(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	job := f.job(t, "uploads/list.txt", []byte("A@x.com\na@x.com\nb@x.com\n"))

	res, err := f.planner(t, nil).Plan(ctx, job.ID, testPolicy(2))
	require.NoError(t, err)
	assert.Equal(t, 2, res.TotalEmails)
	assert.Equal(t, 0, res.CachedCount)
	assert.Equal(t, 2, res.UnknownCount)
	require.Len(t, res.Chunks, 1)

	chunks, err := f.store.GetChunks(ctx, job.ID)
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	assert.Equal(t, 2, chunks[0].EmailCount)
	assert.Equal(t, jobstore.ChunkPending, chunks[0].Status)
	assert.Equal(t, 3, chunks[0].MaxAttempts)
	assert.Equal(t, "x.com", chunks[0].Domain)
	assert.Equal(t, "standard", chunks[0].PreferredPool)

	input, err := f.disk.Get(ctx, chunks[0].InputKey)
	require.NoError(t, err)
	assert.Equal(t, "a@x.com\nb@x.com\n", string(input))

	loaded, err := f.store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, jobstore.JobProcessing, loaded.Status)
	assert.Equal(t, 2, loaded.TotalEmails)
	assert.Equal(t, 2, loaded.UnknownCount)
	assert.NotNil(t, loaded.PreparedAt)
	assert.NotNil(t, loaded.StartedAt)
	assert.NotEmpty(t, loaded.PolicyVersion)
	assert.Equal(t, 0, loaded.CachedParts)

	t.Run("second plan is rejected", func(t *testing.T) {
		_, err := f.planner(t, nil).Plan(ctx, job.ID, testPolicy(2))
		assert.ErrorIs(t, err, ErrAlreadyPlanned)
	})
}

func TestPlanSplitsContiguousChunks(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var b strings.Builder
	for i := 0; i < 7; i++ {
		fmt.Fprintf(&b, "user%d@x.com\n", i)
	}
	job := f.job(t, "uploads/seven.txt", []byte(b.String()))

	res, err := f.planner(t, nil).Plan(ctx, job.ID, testPolicy(3))
	require.NoError(t, err)
	require.Len(t, res.Chunks, 3)
	assert.Equal(t, []int{3, 3, 1}, []int{res.Chunks[0].EmailCount, res.Chunks[1].EmailCount, res.Chunks[2].EmailCount})

	second, err := f.disk.Get(ctx, res.Chunks[1].InputKey)
	require.NoError(t, err)
	assert.Equal(t, "user3@x.com\nuser4@x.com\nuser5@x.com\n", string(second))
}

func TestPlanUsesCache(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	job := f.job(t, "uploads/list.txt", []byte("known@x.com\nnew@x.com\nbad@x.com\n"))

	c := cache.NewMemoryStore(
		cache.Entry{Email: "known@x.com", Outcome: "valid", Reason: "accepted"},
		cache.Entry{Email: "bad@x.com", Outcome: "invalid", Reason: "no_mailbox"},
	)
	pol := testPolicy(10)
	pol.CacheBatchSize = 2

	res, err := f.planner(t, c).Plan(ctx, job.ID, pol)
	require.NoError(t, err)
	assert.Equal(t, 3, res.TotalEmails)
	assert.Equal(t, 2, res.CachedCount)
	assert.Equal(t, 1, res.UnknownCount)
	require.Len(t, res.Chunks, 1)
	assert.Equal(t, 1, res.Chunks[0].EmailCount)

	loaded, err := f.store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, loaded.CachedParts)

	risky, err := f.disk.Get(ctx, jobstore.CachedKey(job.ID, 1, "risky"))
	require.NoError(t, err)
	assert.Equal(t, "email,status,sub_status,score,reason\n", string(risky))

	data, err := f.disk.Get(ctx, loaded.CachedKeys("valid")[0])
	require.NoError(t, err)
	rows, _, err := resultrow.Parse(data, "valid")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "known@x.com", rows[0].Email)
	assert.Equal(t, "accepted", rows[0].Reason)
}

func TestPlanAllCachedHasNoChunks(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	job := f.job(t, "uploads/list.txt", []byte("known@x.com\n"))
	c := cache.NewMemoryStore(cache.Entry{Email: "known@x.com", Outcome: "valid"})

	res, err := f.planner(t, c).Plan(ctx, job.ID, testPolicy(10))
	require.NoError(t, err)
	assert.Empty(t, res.Chunks)

	loaded, err := f.store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.NotNil(t, loaded.PreparedAt)
	assert.Equal(t, 1, loaded.CachedParts)
}

func TestPlanWritesCachedRowsInParts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var (
		b       strings.Builder
		entries []cache.Entry
	)
	for i := 0; i < 5; i++ {
		email := fmt.Sprintf("known%d@x.com", i)
		fmt.Fprintln(&b, email)
		entries = append(entries, cache.Entry{Email: email, Outcome: "valid"})
	}
	b.WriteString("fresh@x.com\n")
	job := f.job(t, "uploads/list.txt", []byte(b.String()))

	res, err := f.planner(t, cache.NewMemoryStore(entries...)).Plan(ctx, job.ID, testPolicy(2))
	require.NoError(t, err)
	assert.Equal(t, 5, res.CachedCount)
	require.Len(t, res.Chunks, 1)

	loaded, err := f.store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, 3, loaded.CachedParts)

	var emails []string
	for _, key := range loaded.CachedKeys("valid") {
		data, err := f.disk.Get(ctx, key)
		require.NoError(t, err)
		rows, _, err := resultrow.Parse(data, "valid")
		require.NoError(t, err)
		assert.LessOrEqual(t, len(rows), 2)
		for _, r := range rows {
			emails = append(emails, r.Email)
		}
	}
	assert.Equal(t, []string{"known0@x.com", "known1@x.com", "known2@x.com", "known3@x.com", "known4@x.com"}, emails)
}

func TestPlanEmptyInputFailsJob(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	job := f.job(t, "uploads/empty.txt", []byte("\n  \nnot-an-address\n"))

	res, err := f.planner(t, nil).Plan(ctx, job.ID, testPolicy(10))
	require.Error(t, err)
	var empty *EmptyInputError
	require.ErrorAs(t, err, &empty)
	assert.ErrorIs(t, err, ErrEmptyInput)
	assert.Equal(t, 1, res.Skipped)

	loaded, err := f.store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, jobstore.JobFailed, loaded.Status)
	assert.Contains(t, loaded.ErrorMessage, "no email addresses")
	assert.NotNil(t, loaded.FinishedAt)

	chunks, err := f.store.GetChunks(ctx, job.ID)
	require.NoError(t, err)
	assert.Empty(t, chunks)

	_, err = f.planner(t, nil).Plan(ctx, job.ID, testPolicy(10))
	assert.ErrorIs(t, err, ErrNotPlannable)
}

type failingCache struct{}

func (failingCache) LookupMany(context.Context, []string) (map[string]cache.Entry, error) {
	return nil, errors.New("cache down")
}

func TestPlanCacheFailureLeavesJobReplannable(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	job := f.job(t, "uploads/list.txt", []byte("a@x.com\n"))

	_, err := f.planner(t, failingCache{}).Plan(ctx, job.ID, testPolicy(10))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cache down")

	loaded, err := f.store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, jobstore.JobProcessing, loaded.Status)
	assert.Nil(t, loaded.PreparedAt)

	res, err := f.planner(t, nil).Plan(ctx, job.ID, testPolicy(10))
	require.NoError(t, err)
	assert.Equal(t, 1, res.TotalEmails)
}

// Property: unique emails across chunks plus cached_count equals the number
// of distinct normalized emails, also when the dedupe set spills to disk.
func TestPlanCountsDistinctEmails(t *testing.T) {
	rng := rand.New(rand.NewSource(42))

	for trial := 0; trial < 5; trial++ {
		t.Run(fmt.Sprintf("trial_%d", trial), func(t *testing.T) {
			f := newFixture(t)
			ctx := context.Background()

			distinct := make(map[string]struct{})
			var lines []string
			var entries []cache.Entry
			for i := 0; i < 60; i++ {
				n := rng.Intn(25)
				email := fmt.Sprintf("User%d@Example.com", n)
				if rng.Intn(2) == 0 {
					email = strings.ToLower(email)
				}
				lines = append(lines, "  "+email+" ")
				distinct[strings.ToLower(email)] = struct{}{}
				if n%7 == 0 {
					entries = append(entries, cache.Entry{Email: email, Outcome: "valid"})
				}
			}
			job := f.job(t, "uploads/list.txt", []byte(strings.Join(lines, "\n")))

			pol := testPolicy(1 + rng.Intn(6))
			pol.DedupeMemoryLimit = 1 + rng.Intn(10)
			pol.CacheBatchSize = 1 + rng.Intn(8)

			res, err := f.planner(t, cache.NewMemoryStore(entries...)).Plan(ctx, job.ID, pol)
			require.NoError(t, err)

			seen := make(map[string]struct{})
			chunked := 0
			for _, c := range res.Chunks {
				data, err := f.disk.Get(ctx, c.InputKey)
				require.NoError(t, err)
				for _, e := range strings.Fields(string(data)) {
					seen[e] = struct{}{}
					chunked++
				}
				assert.LessOrEqual(t, c.EmailCount, pol.ChunkSize)
			}
			assert.Equal(t, chunked, len(seen), "no email appears in two chunks")
			assert.Equal(t, len(distinct), len(seen)+res.CachedCount)
			assert.Equal(t, len(distinct), res.TotalEmails)
		})
	}
}

func TestPlanGroupsByDomainWithRouting(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	job := f.job(t, "uploads/list.txt", []byte("a@gmail.com\nb@corp.io\nc@gmail.com\nd@corp.io\n"))

	pol := testPolicy(2)
	pol.GroupByDomain = true
	pol.Routing = []policy.RoutingRule{{Pattern: "gmail.com", Provider: "google"}}

	res, err := f.planner(t, nil).Plan(ctx, job.ID, pol)
	require.NoError(t, err)
	require.Len(t, res.Chunks, 2)
	assert.Equal(t, "gmail.com", res.Chunks[0].Domain)
	assert.Equal(t, "google", res.Chunks[0].Provider)
	assert.Equal(t, "corp.io", res.Chunks[1].Domain)
	assert.Empty(t, res.Chunks[1].Provider)

	first, err := f.disk.Get(ctx, res.Chunks[0].InputKey)
	require.NoError(t, err)
	assert.Equal(t, "a@gmail.com\nc@gmail.com\n", string(first))
}

func TestReadEmailsFormats(t *testing.T) {
	ctx := context.Background()
	collect := func(t *testing.T, data []byte, format Format) []string {
		t.Helper()
		var out []string
		require.NoError(t, ReadEmails(ctx, strings.NewReader(string(data)), format, func(s string) error {
			out = append(out, s)
			return nil
		}))
		return out
	}

	t.Run("csv with named column", func(t *testing.T) {
		got := collect(t, []byte("name,Email\nAnn,ann@x.com\nBob,bob@x.com\n"), FormatCSV)
		assert.Equal(t, []string{"ann@x.com", "bob@x.com"}, got)
	})

	t.Run("csv without header", func(t *testing.T) {
		got := collect(t, []byte("ann@x.com,Ann\nbob@x.com,Bob\n"), FormatCSV)
		assert.Equal(t, []string{"ann@x.com", "bob@x.com"}, got)
	})

	t.Run("xlsx", func(t *testing.T) {
		x := excelize.NewFile()
		sheet := x.GetSheetName(0)
		require.NoError(t, x.SetCellValue(sheet, "A1", "email"))
		require.NoError(t, x.SetCellValue(sheet, "A2", "ann@x.com"))
		require.NoError(t, x.SetCellValue(sheet, "A3", "bob@x.com"))
		buf, err := x.WriteToBuffer()
		require.NoError(t, err)
		require.NoError(t, x.Close())

		got := collect(t, buf.Bytes(), FormatXLSX)
		assert.Equal(t, []string{"ann@x.com", "bob@x.com"}, got)
	})

	assert.Equal(t, FormatXLSX, DetectFormat("a/b/List.XLSX"))
	assert.Equal(t, FormatCSV, DetectFormat("a.csv"))
	assert.Equal(t, FormatText, DetectFormat("a"))
}
