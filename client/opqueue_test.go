package client

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestInteractiveDrainsBeforeBackground(t *testing.T) {
	q := NewOpQueue()
	defer q.Close()

	var mu sync.Mutex
	var order []string
	record := func(label string) Task {
		return func(context.Context) error {
			mu.Lock()
			order = append(order, label)
			mu.Unlock()
			return nil
		}
	}

	// A slow op holds the runner so the queues actually fill.
	gate := make(chan struct{})
	q.EnqueueInteractive(Op{Label: "gate", Task: func(context.Context) error {
		<-gate
		return nil
	}})
	q.EnqueueBackground(Op{Label: "bg-1", Task: record("bg-1")})
	q.EnqueueInteractive(Op{Label: "ui-1", Task: record("ui-1")})
	q.EnqueueInteractive(Op{Label: "ui-2", Task: record("ui-2")})
	close(gate)
	q.WaitForDrain()

	mu.Lock()
	defer mu.Unlock()
	want := []string{"ui-1", "ui-2", "bg-1"}
	if len(order) != len(want) {
		t.Fatalf("order = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order = %v, want %v", order, want)
		}
	}
}

func TestPriorityWithinQueue(t *testing.T) {
	q := NewOpQueue()
	defer q.Close()

	var mu sync.Mutex
	var order []string
	gate := make(chan struct{})
	q.EnqueueInteractive(Op{Label: "gate", Task: func(context.Context) error {
		<-gate
		return nil
	}})
	for _, entry := range []struct {
		label    string
		priority int
	}{{"low-a", 0}, {"high", 5}, {"low-b", 0}} {
		label := entry.label
		q.EnqueueInteractive(Op{Label: label, Priority: entry.priority, Task: func(context.Context) error {
			mu.Lock()
			order = append(order, label)
			mu.Unlock()
			return nil
		}})
	}
	close(gate)
	q.WaitForDrain()

	mu.Lock()
	defer mu.Unlock()
	if order[0] != "high" {
		t.Errorf("order = %v, want high first", order)
	}
	if order[1] != "low-a" || order[2] != "low-b" {
		t.Errorf("order = %v, want stable FIFO within priority", order)
	}
}

func TestKeyedSupersessionRapidEnqueue(t *testing.T) {
	q := NewOpQueue()
	defer q.Close()

	const total = 40
	var completed atomic.Int64
	var final atomic.Int64

	for i := 1; i <= total; i++ {
		n := int64(i)
		q.EnqueueInteractive(Op{
			Label:     "activate",
			Key:       "activate-conversation",
			Supersede: SupersedePendingAndRunning,
			Task: func(ctx context.Context) error {
				// Simulate real activation work; superseded ops see their
				// context fire and contribute nothing.
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(2 * time.Millisecond):
				}
				completed.Add(1)
				final.Store(n)
				return nil
			},
		})
	}
	q.WaitForDrain()

	if final.Load() != total {
		t.Errorf("final applied value = %d, want %d", final.Load(), total)
	}
	if completed.Load() >= total {
		t.Errorf("completed = %d ops, supersession removed none", completed.Load())
	}
}

func TestSupersedePendingLeavesRunningAlone(t *testing.T) {
	q := NewOpQueue()
	defer q.Close()

	started := make(chan struct{})
	release := make(chan struct{})
	var firstAborted atomic.Bool

	q.EnqueueInteractive(Op{
		Label: "first", Key: "k", Supersede: SupersedePending,
		Task: func(ctx context.Context) error {
			close(started)
			<-release
			firstAborted.Store(ctx.Err() != nil)
			return nil
		},
	})
	<-started
	q.EnqueueInteractive(Op{
		Label: "second", Key: "k", Supersede: SupersedePending,
		Task: func(context.Context) error { return nil },
	})
	close(release)
	q.WaitForDrain()

	if firstAborted.Load() {
		t.Error("pending supersession aborted the running op")
	}
}

func TestOnErrorContinues(t *testing.T) {
	var mu sync.Mutex
	var failures []string
	q := NewOpQueue(WithOnError(func(label string, err error) {
		mu.Lock()
		failures = append(failures, label)
		mu.Unlock()
	}))
	defer q.Close()

	ran := make(chan struct{})
	q.EnqueueInteractive(Op{Label: "boom", Task: func(context.Context) error {
		return errors.New("broken")
	}})
	q.EnqueueInteractive(Op{Label: "next", Task: func(context.Context) error {
		close(ran)
		return nil
	}})
	q.WaitForDrain()

	select {
	case <-ran:
	default:
		t.Fatal("queue stopped after an op error")
	}
	mu.Lock()
	defer mu.Unlock()
	if len(failures) != 1 || failures[0] != "boom" {
		t.Errorf("failures = %v", failures)
	}
}

func TestMetricsCallback(t *testing.T) {
	var mu sync.Mutex
	var snapshots []Metrics
	q := NewOpQueue(WithMetrics(func(m Metrics) {
		mu.Lock()
		snapshots = append(snapshots, m)
		mu.Unlock()
	}))
	defer q.Close()

	gate := make(chan struct{})
	q.EnqueueInteractive(Op{Label: "gate", Task: func(context.Context) error {
		<-gate
		return nil
	}})
	q.EnqueueBackground(Op{Label: "bg", Task: func(context.Context) error { return nil }})
	close(gate)
	q.WaitForDrain()

	mu.Lock()
	defer mu.Unlock()
	var sawRunning, sawBackgroundQueued bool
	for _, m := range snapshots {
		if m.Running == 1 {
			sawRunning = true
		}
		if m.BackgroundQueued > 0 {
			sawBackgroundQueued = true
		}
	}
	if !sawRunning || !sawBackgroundQueued {
		t.Errorf("metrics never showed activity: %+v", snapshots)
	}
}

func TestCallerContextCancels(t *testing.T) {
	q := NewOpQueue()
	defer q.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	var ran atomic.Bool
	q.EnqueueInteractive(Op{Label: "cancelled", Ctx: ctx, Task: func(ctx context.Context) error {
		ran.Store(true)
		return nil
	}})
	q.WaitForDrain()
	if ran.Load() {
		t.Error("op with cancelled caller context still ran")
	}
}
