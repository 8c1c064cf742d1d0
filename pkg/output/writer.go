package output

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"time"
)

// Writer outputs JSONL records for pipeline commands.
//
// Implementations must be safe for concurrent use from multiple
// goroutines. Each Write* method emits a complete record as a
// single line of JSON followed by a newline.
type Writer interface {
	WriteJob(ctx context.Context, job *JobRecord) error
	WriteChunk(ctx context.Context, chunk *ChunkRecord) error
	WriteLease(ctx context.Context, lease *LeaseRecord) error
	WriteJobLease(ctx context.Context, lease *JobLeaseRecord) error
	WritePlan(ctx context.Context, plan *PlanRecord) error
	WriteReport(ctx context.Context, report *ReportRecord) error
	WriteFinalize(ctx context.Context, fin *FinalizeRecord) error
	WriteWriteBack(ctx context.Context, wb *WriteBackRecord) error
	WriteError(ctx context.Context, err *ErrorRecord) error
	WriteSummary(ctx context.Context, sum *SummaryRecord) error

	// Close flushes any buffered output and releases resources.
	Close() error
}

// JSONLWriter writes one JSON envelope per line. Writes are serialized so
// concurrent callers never interleave lines.
type JSONLWriter struct {
	w      io.Writer
	jobID  string
	engine string
	now    func() time.Time

	mu      sync.Mutex
	closed  bool
	written int
}

// NewJSONLWriter creates a new JSONL writer. jobID and engine are stamped
// on every envelope; either may be empty.
func NewJSONLWriter(w io.Writer, jobID, engine string) *JSONLWriter {
	return &JSONLWriter{w: w, jobID: jobID, engine: engine, now: time.Now}
}

func (jw *JSONLWriter) WriteJob(ctx context.Context, job *JobRecord) error {
	return jw.emit(ctx, jw.jobIDOr(job.ID), TypeJob, job)
}

func (jw *JSONLWriter) WriteChunk(ctx context.Context, chunk *ChunkRecord) error {
	return jw.emit(ctx, jw.jobIDOr(chunk.JobID), TypeChunk, chunk)
}

func (jw *JSONLWriter) WriteLease(ctx context.Context, lease *LeaseRecord) error {
	return jw.emit(ctx, jw.jobIDOr(lease.JobID), TypeLease, lease)
}

func (jw *JSONLWriter) WriteJobLease(ctx context.Context, lease *JobLeaseRecord) error {
	return jw.emit(ctx, jw.jobIDOr(lease.JobID), TypeJobLease, lease)
}

func (jw *JSONLWriter) WritePlan(ctx context.Context, plan *PlanRecord) error {
	return jw.emit(ctx, jw.jobID, TypePlan, plan)
}

func (jw *JSONLWriter) WriteReport(ctx context.Context, report *ReportRecord) error {
	return jw.emit(ctx, jw.jobID, TypeReport, report)
}

func (jw *JSONLWriter) WriteFinalize(ctx context.Context, fin *FinalizeRecord) error {
	return jw.emit(ctx, jw.jobID, TypeFinalize, fin)
}

func (jw *JSONLWriter) WriteWriteBack(ctx context.Context, wb *WriteBackRecord) error {
	return jw.emit(ctx, jw.jobID, TypeWriteBack, wb)
}

func (jw *JSONLWriter) WriteError(ctx context.Context, err *ErrorRecord) error {
	return jw.emit(ctx, jw.jobID, TypeError, err)
}

func (jw *JSONLWriter) WriteSummary(ctx context.Context, sum *SummaryRecord) error {
	return jw.emit(ctx, jw.jobID, TypeSummary, sum)
}

// Written returns the number of records emitted so far.
func (jw *JSONLWriter) Written() int {
	jw.mu.Lock()
	defer jw.mu.Unlock()
	return jw.written
}

func (jw *JSONLWriter) jobIDOr(id string) string {
	if jw.jobID != "" {
		return jw.jobID
	}
	return id
}

// Close rejects further writes. The underlying io.Writer is left open.
func (jw *JSONLWriter) Close() error {
	jw.mu.Lock()
	jw.closed = true
	jw.mu.Unlock()
	return nil
}

func (jw *JSONLWriter) emit(ctx context.Context, jobID, recordType string, data any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	payload, err := json.Marshal(data)
	if err != nil {
		return &WriteError{Op: "marshal_data", Err: err}
	}

	jw.mu.Lock()
	defer jw.mu.Unlock()
	if jw.closed {
		return ErrWriterClosed
	}

	line, err := json.Marshal(Record{
		Type:   recordType,
		TS:     jw.now().UTC(),
		JobID:  jobID,
		Engine: jw.engine,
		Data:   payload,
	})
	if err != nil {
		return &WriteError{Op: "marshal_record", Err: err}
	}
	if err := writeAll(jw.w, append(line, '\n')); err != nil {
		return &WriteError{Op: "write", Err: err}
	}
	jw.written++
	return nil
}

// writeAll loops over short writes so a line is never truncated.
func writeAll(w io.Writer, p []byte) error {
	for len(p) > 0 {
		n, err := w.Write(p)
		if err != nil {
			return err
		}
		if n == 0 {
			return io.ErrShortWrite
		}
		p = p[n:]
	}
	return nil
}

var _ Writer = (*JSONLWriter)(nil)
