package eventstore

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	harness "github.com/jmoyers/harness-sub010"
)

type fakeAppender struct {
	mu      sync.Mutex
	batches [][]harness.EventEnvelope
	calls   int
	fail    bool
}

func (f *fakeAppender) AppendEvents(_ context.Context, batch []harness.EventEnvelope) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.fail {
		return errors.New("disk full")
	}
	cp := make([]harness.EventEnvelope, len(batch))
	copy(cp, batch)
	f.batches = append(f.batches, cp)
	return nil
}

func (f *fakeAppender) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *fakeAppender) total() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, b := range f.batches {
		n += len(b)
	}
	return n
}

func env(kind string) harness.EventEnvelope {
	return harness.EventEnvelope{
		ID:    harness.NewID(),
		TS:    time.Now().UTC(),
		Kind:  kind,
		Scope: harness.Scope{TenantID: "local", UserID: "local", WorkspaceID: "w"},
	}
}

func TestWriterFlushesOnBatchSize(t *testing.T) {
	fake := &fakeAppender{}
	w := NewWriter(fake, WithMaxBatch(4), WithMaxDelay(time.Hour))
	defer w.Close()

	for i := 0; i < 4; i++ {
		w.Append(env(harness.EventTerminalOutput))
	}
	// Reaching maxBatch wakes the flusher; no delay timer involved.
	deadline := time.Now().Add(2 * time.Second)
	for fake.total() != 4 {
		if time.Now().After(deadline) {
			t.Fatalf("flushed %d events, want 4", fake.total())
		}
		time.Sleep(time.Millisecond)
	}
}

func TestAppendNeverBlocksOnStorage(t *testing.T) {
	block := make(chan struct{})
	slow := &blockingAppender{release: block}
	w := NewWriter(slow, WithMaxBatch(1), WithMaxDelay(time.Hour))

	// The first append wakes the flusher, which parks inside the appender.
	// Subsequent appends must still return immediately.
	w.Append(env(harness.EventTerminalOutput))
	start := time.Now()
	for i := 0; i < 100; i++ {
		w.Append(env(harness.EventTerminalOutput))
	}
	if elapsed := time.Since(start); elapsed > 100*time.Millisecond {
		t.Errorf("appends took %v with a stalled appender", elapsed)
	}
	close(block)
	w.Close()
}

type blockingAppender struct {
	release <-chan struct{}
}

func (b *blockingAppender) AppendEvents(context.Context, []harness.EventEnvelope) error {
	<-b.release
	return nil
}

func TestWriterFlushesOnDelay(t *testing.T) {
	fake := &fakeAppender{}
	w := NewWriter(fake, WithMaxBatch(1000), WithMaxDelay(5*time.Millisecond))
	defer w.Close()

	w.Append(env(harness.EventAgentNotify))

	deadline := time.Now().Add(2 * time.Second)
	for fake.total() != 1 {
		if time.Now().After(deadline) {
			t.Fatal("delay flush never happened")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestWriterFlushAndClose(t *testing.T) {
	fake := &fakeAppender{}
	w := NewWriter(fake, WithMaxBatch(1000), WithMaxDelay(time.Hour))

	w.Append(env(harness.EventTerminalOutput))
	w.Append(env(harness.EventTerminalOutput))
	w.Flush()
	if got := fake.total(); got != 2 {
		t.Fatalf("after Flush: %d events, want 2", got)
	}

	w.Append(env(harness.EventAgentSessionExit))
	w.Close()
	if got := fake.total(); got != 3 {
		t.Errorf("after Close: %d events, want 3", got)
	}

	// Appends after Close are dropped.
	w.Append(env(harness.EventTerminalOutput))
	w.Flush()
	if got := fake.total(); got != 3 {
		t.Errorf("append after Close wrote %d events", got-3)
	}
}

func TestWriterDropsBatchOnFlushError(t *testing.T) {
	fake := &fakeAppender{fail: true}
	w := NewWriter(fake, WithMaxBatch(2), WithMaxDelay(time.Hour))
	defer w.Close()

	w.Append(env(harness.EventTerminalOutput))
	w.Append(env(harness.EventTerminalOutput))

	// Wait for the failing flush, then recover the appender. The failed
	// batch is gone; a later healthy flush starts clean.
	deadline := time.Now().Add(2 * time.Second)
	for fake.callCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("failing flush never attempted")
		}
		time.Sleep(time.Millisecond)
	}
	fake.mu.Lock()
	fake.fail = false
	fake.mu.Unlock()
	w.Append(env(harness.EventAgentNotify))
	w.Flush()
	if got := fake.total(); got != 1 {
		t.Errorf("flushed %d events after recovery, want 1", got)
	}
}

func TestSQLiteAppendAndList(t *testing.T) {
	ctx := context.Background()
	store, err := OpenSQLite(ctx, filepath.Join(t.TempDir(), "events.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer store.Close()

	scope := harness.Scope{TenantID: "local", UserID: "local", WorkspaceID: "w"}
	batch := []harness.EventEnvelope{
		{ID: harness.NewID(), TS: time.Now(), Kind: harness.EventTerminalOutput, Scope: scope,
			Payload: map[string]any{"sessionId": "s1", "bytes": float64(12)}},
		{ID: harness.NewID(), TS: time.Now(), Kind: harness.EventAgentNotify, Scope: scope,
			Payload: map[string]any{"sessionId": "s1", "event": "codex.notify"}},
		{ID: harness.NewID(), TS: time.Now(), Kind: harness.EventAgentSessionExit, Scope: scope},
	}
	if err := store.AppendEvents(ctx, batch); err != nil {
		t.Fatalf("append: %v", err)
	}

	all, err := store.ListRecent(ctx, scope, "", 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("got %d events, want 3", len(all))
	}
	// Oldest first.
	if all[0].Kind != harness.EventTerminalOutput || all[2].Kind != harness.EventAgentSessionExit {
		t.Errorf("order = %s..%s", all[0].Kind, all[2].Kind)
	}
	if all[1].Payload["event"] != "codex.notify" {
		t.Errorf("payload = %v", all[1].Payload)
	}

	notify, err := store.ListRecent(ctx, scope, harness.EventAgentNotify, 10)
	if err != nil || len(notify) != 1 {
		t.Fatalf("kind filter = %v, %v", notify, err)
	}

	other := harness.Scope{TenantID: "local", UserID: "local", WorkspaceID: "elsewhere"}
	none, err := store.ListRecent(ctx, other, "", 10)
	if err != nil || len(none) != 0 {
		t.Errorf("cross-scope list = %v, %v", none, err)
	}
}
