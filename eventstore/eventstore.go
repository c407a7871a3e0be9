// Package eventstore persists normalized session events (terminal.output,
// agent.notify, agent.session-exit) through a batching writer. Appends are
// buffered in memory and flushed when the batch fills or a short delay
// elapses, so high-rate terminal output never issues one insert per chunk.
package eventstore

import (
	"context"
	"log/slog"
	"sync"
	"time"

	harness "github.com/jmoyers/harness-sub010"
)

const (
	defaultMaxBatch = 64
	defaultMaxDelay = 12 * time.Millisecond
)

// Appender is the storage side of the writer. Batches are flushed in
// insertion order.
type Appender interface {
	AppendEvents(ctx context.Context, batch []harness.EventEnvelope) error
}

// WriterOption configures a Writer.
type WriterOption func(*Writer)

// WithLogger sets a structured logger for flush failures.
func WithLogger(l *slog.Logger) WriterOption {
	return func(w *Writer) { w.logger = l }
}

// WithMaxBatch overrides the flush threshold.
func WithMaxBatch(n int) WriterOption {
	return func(w *Writer) {
		if n > 0 {
			w.maxBatch = n
		}
	}
}

// WithMaxDelay overrides the flush delay.
func WithMaxDelay(d time.Duration) WriterOption {
	return func(w *Writer) {
		if d > 0 {
			w.maxDelay = d
		}
	}
}

// Writer batches event envelopes in front of an Appender. All storage I/O
// happens on a single flusher goroutine, so Append never blocks on the
// appender; a failed flush is logged and the batch is dropped so a sick
// disk cannot wedge the PTY read loop.
type Writer struct {
	appender Appender
	logger   *slog.Logger
	maxBatch int
	maxDelay time.Duration

	mu      sync.Mutex
	pending []harness.EventEnvelope
	timer   *time.Timer
	closed  bool

	wake    chan struct{}
	done    chan struct{}
	stopped chan struct{}
}

// NewWriter creates a Writer in front of appender and starts its flusher.
func NewWriter(appender Appender, opts ...WriterOption) *Writer {
	w := &Writer{
		appender: appender,
		logger:   slog.New(discardHandler{}),
		maxBatch: defaultMaxBatch,
		maxDelay: defaultMaxDelay,
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}
	for _, o := range opts {
		o(w)
	}
	go w.run()
	return w
}

// Append queues one envelope and returns without touching storage. The
// flusher is signalled once the batch reaches maxBatch, otherwise after
// maxDelay.
func (w *Writer) Append(env harness.EventEnvelope) {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.pending = append(w.pending, env)
	full := len(w.pending) >= w.maxBatch
	if !full && w.timer == nil {
		w.timer = time.AfterFunc(w.maxDelay, w.signal)
	}
	w.mu.Unlock()
	if full {
		w.signal()
	}
}

// signal nudges the flusher without ever blocking the caller.
func (w *Writer) signal() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// Flush synchronously writes everything queued so far. Unlike Append, the
// caller pays the storage latency.
func (w *Writer) Flush() {
	w.flushPending()
}

// Close drains the queue and stops the flusher. Appends after Close are
// dropped.
func (w *Writer) Close() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.closed = true
	w.mu.Unlock()
	close(w.done)
	<-w.stopped
}

func (w *Writer) run() {
	defer close(w.stopped)
	for {
		select {
		case <-w.wake:
			w.flushPending()
		case <-w.done:
			w.flushPending()
			return
		}
	}
}

// takeLocked detaches the pending batch and stops the delay timer.
func (w *Writer) takeLocked() []harness.EventEnvelope {
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
	batch := w.pending
	w.pending = nil
	return batch
}

func (w *Writer) flushPending() {
	w.mu.Lock()
	batch := w.takeLocked()
	w.mu.Unlock()
	w.flush(batch)
}

func (w *Writer) flush(batch []harness.EventEnvelope) {
	if len(batch) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := w.appender.AppendEvents(ctx, batch); err != nil {
		// Dropped on purpose: terminal output is replayable from the
		// broker tail, and retrying against a failing store would back up
		// into the PTY read path.
		w.logger.Error("eventstore: flush failed, dropping batch",
			"events", len(batch), "error", err)
	}
}

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }
