package output

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ASTGD/ValidEmailVerifierGUI-sub000/pkg/finalize"
	"github.com/ASTGD/ValidEmailVerifierGUI-sub000/pkg/jobstore"
	"github.com/ASTGD/ValidEmailVerifierGUI-sub000/pkg/lease"
	"github.com/ASTGD/ValidEmailVerifierGUI-sub000/pkg/pipeline"
	"github.com/ASTGD/ValidEmailVerifierGUI-sub000/pkg/retry"
)

func decodeLines(t *testing.T, buf *bytes.Buffer) []Record {
	t.Helper()
	var out []Record
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		var rec Record
		require.NoError(t, json.Unmarshal([]byte(line), &rec))
		out = append(out, rec)
	}
	return out
}

func TestNewJSONLWriter(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLWriter(&buf, "job-123", "engine-a")

	assert.NotNil(t, w)
	assert.Equal(t, "job-123", w.jobID)
	assert.Equal(t, "engine-a", w.engine)
}

func TestJSONLWriter_WriteLease(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLWriter(&buf, "job-123", "engine-a")

	expires := time.Date(2026, 3, 1, 12, 10, 0, 0, time.UTC)
	l := &lease.Lease{
		Chunk: &jobstore.Chunk{
			ID:               "chunk-1",
			JobID:            "job-123",
			ChunkNo:          2,
			InputDisk:        "local",
			InputKey:         "jobs/job-123/chunks/2/input.txt",
			EmailCount:       1000,
			AssignedWorkerID: "worker-7",
			RetryAttempt:     1,
			Provider:         "gmail",
		},
		Token:          "tok-1",
		ExpiresAt:      expires,
		EngineServerID: "es-1",
	}
	require.NoError(t, w.WriteLease(context.Background(), NewLeaseRecord(l)))

	recs := decodeLines(t, &buf)
	require.Len(t, recs, 1)
	assert.Equal(t, TypeLease, recs[0].Type)
	assert.Equal(t, "job-123", recs[0].JobID)
	assert.Equal(t, "engine-a", recs[0].Engine)

	var data LeaseRecord
	require.NoError(t, json.Unmarshal(recs[0].Data, &data))
	assert.Equal(t, "chunk-1", data.ChunkID)
	assert.Equal(t, 2, data.ChunkNo)
	assert.Equal(t, "tok-1", data.ClaimToken)
	assert.Equal(t, expires, data.ExpiresAt)
	assert.Equal(t, "worker-7", data.WorkerID)
	assert.Equal(t, 1, data.RetryAttempt)
	assert.Equal(t, "gmail", data.Provider)
	assert.False(t, data.Reclaimed)
}

func TestJSONLWriter_WriteJobUsesRecordID(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLWriter(&buf, "", "")

	job := &jobstore.Job{ID: "job-9", Status: jobstore.JobProcessing, VerificationMode: jobstore.ModeEnhanced, ClaimToken: "secret"}
	require.NoError(t, w.WriteJob(context.Background(), NewJobRecord(job)))

	recs := decodeLines(t, &buf)
	require.Len(t, recs, 1)
	assert.Equal(t, TypeJob, recs[0].Type)
	assert.Equal(t, "job-9", recs[0].JobID)
	assert.NotContains(t, buf.String(), "secret")

	var data JobRecord
	require.NoError(t, json.Unmarshal(recs[0].Data, &data))
	assert.Equal(t, "processing", data.Status)
	assert.Equal(t, "enhanced", data.VerificationMode)
}

func TestJSONLWriter_WriteReport(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLWriter(&buf, "job-1", "")

	available := time.Date(2026, 3, 1, 12, 5, 0, 0, time.UTC)
	report := &pipeline.ChunkReport{
		Chunk: &jobstore.Chunk{ID: "c1", Status: jobstore.ChunkCompleted, Attempts: 1},
		Retry: &retry.Result{
			RetryCount: 1,
			RiskyKey:   "jobs/job-1/chunks/1/risky.retry-1.csv",
			Child:      &jobstore.Chunk{ID: "c2", RetryAttempt: 1, AvailableAt: &available},
		},
		Finalize: &finalize.Result{Outcome: finalize.OutcomeNoop, Reason: finalize.NoopChunksOpen},
	}
	require.NoError(t, w.WriteReport(context.Background(), NewReportRecord(report)))

	recs := decodeLines(t, &buf)
	require.Len(t, recs, 1)
	assert.Equal(t, TypeReport, recs[0].Type)

	var data ReportRecord
	require.NoError(t, json.Unmarshal(recs[0].Data, &data))
	assert.Equal(t, "c1", data.ChunkID)
	assert.Equal(t, "completed", data.Status)
	require.NotNil(t, data.Retry)
	assert.Equal(t, "c2", data.Retry.ChildChunkID)
	assert.Equal(t, 1, data.Retry.RetryAttempt)
	require.NotNil(t, data.Retry.AvailableAt)
	assert.Equal(t, available, *data.Retry.AvailableAt)
	require.NotNil(t, data.Finalize)
	assert.Equal(t, string(finalize.OutcomeNoop), data.Finalize.Outcome)
	assert.Equal(t, finalize.NoopChunksOpen, data.Finalize.Reason)
}

func TestJSONLWriter_WriteError(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLWriter(&buf, "job-123", "")

	tests := []struct {
		err  error
		code string
	}{
		{fmt.Errorf("get chunk: %w", jobstore.ErrNotFound), ErrCodeNotFound},
		{&lease.ConflictError{ChunkID: "c1", Stale: true}, ErrCodeStaleLease},
		{&lease.ConflictError{ChunkID: "c1"}, ErrCodeConflict},
		{errors.New("boom"), ErrCodeInternal},
	}
	for _, tt := range tests {
		require.NoError(t, w.WriteError(context.Background(), NewErrorRecord("c1", tt.err)))
	}

	recs := decodeLines(t, &buf)
	require.Len(t, recs, len(tests))
	for i, rec := range recs {
		assert.Equal(t, TypeError, rec.Type)
		var data ErrorRecord
		require.NoError(t, json.Unmarshal(rec.Data, &data))
		assert.Equal(t, tests[i].code, data.Code)
		assert.Equal(t, "c1", data.ChunkID)
	}
}

func TestJSONLWriter_WriteSummary(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLWriter(&buf, "", "engine-a")

	sum := NewSummaryRecord(pipeline.SweepResult{Reclaimed: 2, Completed: 3, Failed: 1, Duration: 30 * time.Second})
	require.NoError(t, w.WriteSummary(context.Background(), sum))

	recs := decodeLines(t, &buf)
	require.Len(t, recs, 1)
	assert.Equal(t, TypeSummary, recs[0].Type)
	assert.Empty(t, recs[0].JobID)

	var data SummaryRecord
	require.NoError(t, json.Unmarshal(recs[0].Data, &data))
	assert.Equal(t, 2, data.Reclaimed)
	assert.Equal(t, 3, data.Completed)
	assert.Equal(t, 1, data.Failed)
	assert.Equal(t, 30*time.Second, data.Duration)
	assert.Equal(t, "30s", data.DurationHuman)
}

func TestNewRetryAndFinalizeRecordNil(t *testing.T) {
	assert.Nil(t, NewRetryRecord(nil))
	assert.Nil(t, NewFinalizeRecord(nil))
}

func TestJSONLWriter_NewlineTerminated(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLWriter(&buf, "job-123", "")

	require.NoError(t, w.WritePlan(context.Background(), &PlanRecord{Chunks: 1}))
	require.NoError(t, w.WritePlan(context.Background(), &PlanRecord{Chunks: 2}))

	assert.True(t, strings.HasSuffix(buf.String(), "\n"))
	assert.Len(t, decodeLines(t, &buf), 2)
}

func TestJSONLWriter_Close(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLWriter(&buf, "job-123", "")

	require.NoError(t, w.Close())

	err := w.WriteFinalize(context.Background(), &FinalizeRecord{Outcome: "completed"})
	assert.ErrorIs(t, err, ErrWriterClosed)
}

func TestJSONLWriter_ConcurrentWrites(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLWriter(&buf, "job-123", "")

	const numWriters = 10
	const writesPerWriter = 100

	var wg sync.WaitGroup
	wg.Add(numWriters)

	for i := 0; i < numWriters; i++ {
		go func(writerID int) {
			defer wg.Done()
			for j := 0; j < writesPerWriter; j++ {
				_ = w.WriteChunk(context.Background(), &ChunkRecord{
					ID:      "chunk",
					ChunkNo: writerID*writesPerWriter + j,
				})
			}
		}(i)
	}

	wg.Wait()

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	assert.Len(t, lines, numWriters*writesPerWriter)

	for i, line := range lines {
		var record Record
		err := json.Unmarshal([]byte(line), &record)
		assert.NoError(t, err, "line %d should be valid JSON: %s", i, line)
	}
}

func TestJSONLWriter_ContextCancellation(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLWriter(&buf, "job-123", "")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := w.WriteWriteBack(ctx, &WriteBackRecord{Written: 1})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, buf.String())
}

func TestJSONLWriter_WriteFailure(t *testing.T) {
	failWriter := &failingWriter{err: errors.New("disk full")}
	w := NewJSONLWriter(failWriter, "job-123", "")

	err := w.WriteJobLease(context.Background(), &JobLeaseRecord{ClaimToken: "t"})
	require.Error(t, err)

	var writeErr *WriteError
	assert.True(t, errors.As(err, &writeErr))
	assert.Equal(t, "write", writeErr.Op)
}

// failingWriter is an io.Writer that always returns an error.
type failingWriter struct {
	err error
}

func (f *failingWriter) Write(p []byte) (n int, err error) {
	return 0, f.err
}

func TestJSONLWriter_ShortWrite(t *testing.T) {
	shortWriter := &shortWriteWriter{bytesPerWrite: 10}
	w := NewJSONLWriter(shortWriter, "job-123", "")

	err := w.WriteChunk(context.Background(), &ChunkRecord{ID: "chunk-1", InputKey: "jobs/job-123/chunks/1/input.txt"})
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(shortWriter.buf.String()), "\n")
	assert.Len(t, lines, 1)

	var record Record
	err = json.Unmarshal([]byte(lines[0]), &record)
	assert.NoError(t, err, "output should be valid JSON despite short writes")
	assert.Equal(t, TypeChunk, record.Type)
}

func TestJSONLWriter_ZeroWrite(t *testing.T) {
	w := NewJSONLWriter(&zeroWriteWriter{}, "job-123", "")

	err := w.WriteChunk(context.Background(), &ChunkRecord{ID: "chunk-1"})
	require.Error(t, err)
	assert.ErrorIs(t, err, io.ErrShortWrite)
}

// shortWriteWriter writes at most bytesPerWrite bytes per call.
type shortWriteWriter struct {
	buf           bytes.Buffer
	bytesPerWrite int
}

func (sw *shortWriteWriter) Write(p []byte) (n int, err error) {
	toWrite := len(p)
	if toWrite > sw.bytesPerWrite {
		toWrite = sw.bytesPerWrite
	}
	return sw.buf.Write(p[:toWrite])
}

// zeroWriteWriter always returns 0 bytes written with nil error.
type zeroWriteWriter struct{}

func (zw *zeroWriteWriter) Write(p []byte) (n int, err error) {
	return 0, nil
}

func TestWriteError(t *testing.T) {
	underlying := errors.New("underlying error")
	err := &WriteError{Op: "marshal", Err: underlying}

	assert.Equal(t, "output: marshal: underlying error", err.Error())
	assert.ErrorIs(t, err, underlying)
}

func TestRecord_JSONSerialization(t *testing.T) {
	record := Record{
		Type:   TypeLease,
		TS:     time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC),
		JobID:  "abc123",
		Engine: "engine-a",
		Data:   json.RawMessage(`{"chunk_id":"c1"}`),
	}

	data, err := json.Marshal(record)
	require.NoError(t, err)

	var parsed map[string]any
	require.NoError(t, json.Unmarshal(data, &parsed))

	assert.Equal(t, TypeLease, parsed["type"])
	assert.Equal(t, "abc123", parsed["job_id"])
	assert.Equal(t, "engine-a", parsed["engine"])
	assert.NotNil(t, parsed["ts"])
	assert.NotNil(t, parsed["data"])
}

func TestErrorRecord_OmitEmpty(t *testing.T) {
	data, err := json.Marshal(ErrorRecord{Code: ErrCodeInternal, Message: "Something went wrong"})
	require.NoError(t, err)

	assert.NotContains(t, string(data), "chunk_id")
	assert.NotContains(t, string(data), "details")
}

func BenchmarkJSONLWriter_WriteChunk(b *testing.B) {
	w := NewJSONLWriter(io.Discard, "job-123", "engine-a")
	rec := &ChunkRecord{
		ID:         "chunk-1",
		JobID:      "job-123",
		ChunkNo:    1,
		Status:     "completed",
		InputKey:   "jobs/job-123/chunks/1/input.txt",
		EmailCount: 1000,
	}
	ctx := context.Background()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = w.WriteChunk(ctx, rec)
	}
}

func TestJSONLWriter_LeaseEnvelopeUsesChunkJob(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLWriter(&buf, "", "engine-a")

	require.NoError(t, w.WriteLease(context.Background(), &LeaseRecord{JobID: "job-9", ChunkID: "c1"}))
	require.NoError(t, w.WriteJobLease(context.Background(), &JobLeaseRecord{JobID: "job-10"}))
	assert.Equal(t, 2, w.Written())

	recs := decodeLines(t, &buf)
	require.Len(t, recs, 2)
	assert.Equal(t, "job-9", recs[0].JobID)
	assert.Equal(t, "job-10", recs[1].JobID)
}
