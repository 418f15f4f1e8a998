package logger

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
)

// Closer flushes and stops a logging pipeline. The synchronous pipeline
// returns a no-op.
type Closer interface {
	Close()
}

type nopCloser struct{}

func (nopCloser) Close() {}

// AsyncHandler decouples log emission from log writing so the orchestration
// hot path never blocks on output. Records go through a bounded queue; when
// the queue is full the record is dropped and counted rather than stalling
// the caller.
type AsyncHandler struct {
	next    slog.Handler
	queue   chan slog.Record
	writers *sync.WaitGroup
	dropped *atomic.Int64
}

// NewAsyncHandler wraps next with a queue of the given capacity drained by
// the given number of writer goroutines.
func NewAsyncHandler(next slog.Handler, capacity, writers int) *AsyncHandler {
	h := &AsyncHandler{
		next:    next,
		queue:   make(chan slog.Record, capacity),
		writers: &sync.WaitGroup{},
		dropped: &atomic.Int64{},
	}
	for range writers {
		h.writers.Add(1)
		go h.write()
	}
	return h
}

func (h *AsyncHandler) write() {
	defer h.writers.Done()
	for rec := range h.queue {
		_ = h.next.Handle(context.Background(), rec)
	}
}

// Enabled delegates to the wrapped handler.
func (h *AsyncHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

// Handle queues the record, dropping it when the queue is full.
func (h *AsyncHandler) Handle(_ context.Context, rec slog.Record) error { //nolint:gocritic // slog.Handler interface requires value receiver
	select {
	case h.queue <- rec:
	default:
		h.dropped.Add(1)
	}
	return nil
}

// WithAttrs derives a handler that shares the queue and counters.
func (h *AsyncHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &AsyncHandler{
		next:    h.next.WithAttrs(attrs),
		queue:   h.queue,
		writers: h.writers,
		dropped: h.dropped,
	}
}

// WithGroup derives a handler that shares the queue and counters.
func (h *AsyncHandler) WithGroup(name string) slog.Handler {
	return &AsyncHandler{
		next:    h.next.WithGroup(name),
		queue:   h.queue,
		writers: h.writers,
		dropped: h.dropped,
	}
}

// DroppedCount returns how many records were discarded on a full queue.
func (h *AsyncHandler) DroppedCount() int64 {
	return h.dropped.Load()
}

// Close stops intake and blocks until every queued record is written.
func (h *AsyncHandler) Close() {
	close(h.queue)
	h.writers.Wait()
}
