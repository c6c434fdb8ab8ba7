package backend

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/wolfeidau/resource-cache/telemetry"
)

// InstrumentedBackend wraps a Backend with metrics recording.
type InstrumentedBackend struct {
	backend Backend
	name    string
}

// NewInstrumentedBackend creates a new instrumented backend wrapper.
func NewInstrumentedBackend(b Backend, name string) *InstrumentedBackend {
	return &InstrumentedBackend{backend: b, name: name}
}

func (ib *InstrumentedBackend) Read(ctx context.Context, key string) (io.ReadCloser, error) {
	start := time.Now()
	rc, err := ib.backend.Read(ctx, key)
	telemetry.RecordBackendOp(ctx, ib.name, "read", outcomeFromError(err), time.Since(start), 0)
	if err != nil {
		return nil, err
	}
	return rc, nil
}

func (ib *InstrumentedBackend) Exists(ctx context.Context, key string) (bool, error) {
	start := time.Now()
	exists, err := ib.backend.Exists(ctx, key)
	outcome := outcomeFromError(err)
	if err == nil && !exists {
		outcome = "not_found"
	}
	telemetry.RecordBackendOp(ctx, ib.name, "exists", outcome, time.Since(start), 0)
	return exists, err
}

func (ib *InstrumentedBackend) Size(ctx context.Context, key string) (int64, error) {
	start := time.Now()
	size, err := ib.backend.Size(ctx, key)
	telemetry.RecordBackendOp(ctx, ib.name, "size", outcomeFromError(err), time.Since(start), 0)
	return size, err
}

// Writer records the write when it is committed or aborted, so the duration
// covers the whole transfer.
func (ib *InstrumentedBackend) Writer(ctx context.Context, key string) (PendingWriter, error) {
	start := time.Now()
	w, err := ib.backend.Writer(ctx, key)
	if err != nil {
		telemetry.RecordBackendOp(ctx, ib.name, "write", outcomeFromError(err), time.Since(start), 0)
		return nil, err
	}
	return &instrumentedWriter{PendingWriter: w, ctx: ctx, name: ib.name, start: start}, nil
}

func (ib *InstrumentedBackend) Path(key string) string {
	return ib.backend.Path(key)
}

func outcomeFromError(err error) string {
	if err == nil {
		return "success"
	}
	if errors.Is(err, ErrNotFound) {
		return "not_found"
	}
	return "error"
}

// instrumentedWriter counts bytes written and records a single write op.
type instrumentedWriter struct {
	PendingWriter
	ctx      context.Context
	name     string
	start    time.Time
	n        int64
	recorded bool
}

func (w *instrumentedWriter) Write(p []byte) (int, error) {
	n, err := w.PendingWriter.Write(p)
	w.n += int64(n)
	return n, err
}

func (w *instrumentedWriter) Close() error {
	err := w.PendingWriter.Close()
	w.record(outcomeFromError(err))
	return err
}

func (w *instrumentedWriter) Abort() error {
	err := w.PendingWriter.Abort()
	w.record("aborted")
	return err
}

func (w *instrumentedWriter) record(outcome string) {
	if w.recorded {
		return
	}
	w.recorded = true
	telemetry.RecordBackendOp(w.ctx, w.name, "write", outcome, time.Since(w.start), w.n)
}

// Compile-time interface checks
var _ Backend = (*InstrumentedBackend)(nil)
