package client

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Supersede selects what an op with the same key displaces.
type Supersede string

const (
	// SupersedeNone leaves earlier ops alone.
	SupersedeNone Supersede = ""
	// SupersedePending removes queued same-key ops.
	SupersedePending Supersede = "pending"
	// SupersedePendingAndRunning also aborts the executing same-key op.
	SupersedePendingAndRunning Supersede = "pending-and-running"
)

// Task is one unit of queued work. The context is cancelled when the op is
// superseded, the queue shuts down, or the caller's own context fires;
// tasks that honor ctx.Err() contribute nothing after cancellation.
type Task func(ctx context.Context) error

// Op describes one queue entry.
type Op struct {
	Label     string
	Priority  int
	Key       string
	Supersede Supersede
	Task      Task
	// Ctx, when set, cancels the op from the caller's side.
	Ctx context.Context
}

// Metrics is the queue depth snapshot emitted on every transition.
type Metrics struct {
	InteractiveQueued int
	BackgroundQueued  int
	Running           int
}

type queuedOp struct {
	id         string
	op         Op
	enqueuedAt time.Time
	cancel     context.CancelFunc
	ctx        context.Context
	seq        int
}

// OpQueueOption configures an OpQueue.
type OpQueueOption func(*OpQueue)

// WithOpQueueLogger sets a structured logger.
func WithOpQueueLogger(l *slog.Logger) OpQueueOption {
	return func(q *OpQueue) { q.logger = l }
}

// WithMetrics registers the depth callback. Wait time (enqueue to start)
// rides on the lifecycle log events instead.
func WithMetrics(fn func(Metrics)) OpQueueOption {
	return func(q *OpQueue) { q.onMetrics = fn }
}

// WithOnError registers the per-op failure callback. The queue proceeds to
// the next op afterwards.
func WithOnError(fn func(label string, err error)) OpQueueOption {
	return func(q *OpQueue) { q.onError = fn }
}

// WithOnFatal registers the callback for queue-loop failures.
func WithOnFatal(fn func(err any)) OpQueueOption {
	return func(q *OpQueue) { q.onFatal = fn }
}

// OpQueue serializes client mutations: two FIFOs, interactive draining
// before background, one op executing at a time. Same-key ops never run
// concurrently.
type OpQueue struct {
	logger    *slog.Logger
	onMetrics func(Metrics)
	onError   func(string, error)
	onFatal   func(any)

	mu          sync.Mutex
	interactive []*queuedOp
	background  []*queuedOp
	running     *queuedOp
	seq         int
	closed      bool
	wake        chan struct{}
	idle        *sync.Cond
}

// NewOpQueue creates and starts the queue run loop.
func NewOpQueue(opts ...OpQueueOption) *OpQueue {
	q := &OpQueue{
		logger:    slog.New(discardHandler{}),
		onMetrics: func(Metrics) {},
		onError:   func(string, error) {},
		onFatal:   func(any) {},
		wake:      make(chan struct{}, 1),
	}
	q.idle = sync.NewCond(&q.mu)
	for _, o := range opts {
		o(q)
	}
	go q.run()
	return q
}

// EnqueueInteractive queues op on the interactive FIFO.
func (q *OpQueue) EnqueueInteractive(op Op) {
	q.enqueue(op, true)
}

// EnqueueBackground queues op on the background FIFO.
func (q *OpQueue) EnqueueBackground(op Op) {
	q.enqueue(op, false)
}

func (q *OpQueue) enqueue(op Op, interactive bool) {
	base := op.Ctx
	if base == nil {
		base = context.Background()
	}
	ctx, cancel := context.WithCancel(base)

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		cancel()
		return
	}
	q.seq++
	entry := &queuedOp{
		id:         op.Label,
		op:         op,
		enqueuedAt: time.Now(),
		cancel:     cancel,
		ctx:        ctx,
		seq:        q.seq,
	}

	if op.Key != "" && op.Supersede != SupersedeNone {
		q.interactive = removeKeyed(q.interactive, op.Key)
		q.background = removeKeyed(q.background, op.Key)
		if op.Supersede == SupersedePendingAndRunning &&
			q.running != nil && q.running.op.Key == op.Key {
			q.running.cancel()
		}
	}

	if interactive {
		q.interactive = insertByPriority(q.interactive, entry)
	} else {
		q.background = insertByPriority(q.background, entry)
	}
	metrics := q.metricsLocked()
	q.mu.Unlock()

	q.onMetrics(metrics)
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// removeKeyed drops and cancels every entry with the given key.
func removeKeyed(ops []*queuedOp, key string) []*queuedOp {
	kept := ops[:0]
	for _, entry := range ops {
		if entry.op.Key == key {
			entry.cancel()
			continue
		}
		kept = append(kept, entry)
	}
	return kept
}

// insertByPriority keeps the FIFO stable within a priority level; higher
// priority drains first.
func insertByPriority(ops []*queuedOp, entry *queuedOp) []*queuedOp {
	ops = append(ops, entry)
	sort.SliceStable(ops, func(i, j int) bool {
		return ops[i].op.Priority > ops[j].op.Priority
	})
	return ops
}

func (q *OpQueue) metricsLocked() Metrics {
	m := Metrics{
		InteractiveQueued: len(q.interactive),
		BackgroundQueued:  len(q.background),
	}
	if q.running != nil {
		m.Running = 1
	}
	return m
}

// Metrics returns the current depth snapshot.
func (q *OpQueue) Metrics() Metrics {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.metricsLocked()
}

// WaitForDrain blocks until both FIFOs are empty and nothing is running.
func (q *OpQueue) WaitForDrain() {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.interactive) > 0 || len(q.background) > 0 || q.running != nil {
		q.idle.Wait()
	}
}

// Close cancels every queued op and stops the run loop after the current
// op finishes.
func (q *OpQueue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	for _, entry := range q.interactive {
		entry.cancel()
	}
	for _, entry := range q.background {
		entry.cancel()
	}
	q.interactive = nil
	q.background = nil
	if q.running != nil {
		q.running.cancel()
	}
	q.idle.Broadcast()
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *OpQueue) run() {
	defer func() {
		if r := recover(); r != nil {
			q.onFatal(r)
		}
	}()

	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return
		}
		entry := q.takeLocked()
		if entry == nil {
			q.mu.Unlock()
			<-q.wake
			continue
		}
		q.running = entry
		metrics := q.metricsLocked()
		q.mu.Unlock()
		q.onMetrics(metrics)

		wait := time.Since(entry.enqueuedAt)
		q.logger.Debug("opqueue: start", "label", entry.op.Label, "waitMs", wait.Milliseconds())

		var err error
		if entry.ctx.Err() == nil {
			err = entry.op.Task(entry.ctx)
		}
		entry.cancel()
		if err != nil && entry.ctx.Err() == nil {
			q.onError(entry.op.Label, err)
		}

		q.mu.Lock()
		q.running = nil
		metrics = q.metricsLocked()
		q.idle.Broadcast()
		q.mu.Unlock()
		q.onMetrics(metrics)
	}
}

// takeLocked pops the next op: interactive first.
func (q *OpQueue) takeLocked() *queuedOp {
	if len(q.interactive) > 0 {
		entry := q.interactive[0]
		q.interactive = q.interactive[1:]
		return entry
	}
	if len(q.background) > 0 {
		entry := q.background[0]
		q.background = q.background[1:]
		return entry
	}
	return nil
}
