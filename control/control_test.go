package control

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/jmoyers/harness-sub010/internal/config"
)

func TestResolveWorkspace(t *testing.T) {
	ws, err := ResolveWorkspace("/cfg", "/home/dev/project", "")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	base := filepath.Base(ws.Root)
	if !strings.HasPrefix(base, "project-") {
		t.Errorf("workspace dir = %q, want project- prefix", base)
	}
	if len(base) != len("project-")+12 {
		t.Errorf("workspace dir = %q, want 12 hex hash chars", base)
	}

	// Same basename, different path: distinct workspaces.
	other, err := ResolveWorkspace("/cfg", "/srv/other/project", "")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if other.Root == ws.Root {
		t.Error("different paths share a workspace root")
	}

	if ws.RecordPath() != filepath.Join(ws.Root, "gateway.json") {
		t.Errorf("record path = %q", ws.RecordPath())
	}
}

func TestNamedSessionScopesDeeper(t *testing.T) {
	ws, err := ResolveWorkspace("/cfg", "/home/dev/project", "review")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	want := filepath.Join(ws.Root, "sessions", "review", "gateway.json")
	if ws.RecordPath() != want {
		t.Errorf("record path = %q, want %q", ws.RecordPath(), want)
	}

	if _, err := ResolveWorkspace("/cfg", "/home/dev/project", "-bad"); err == nil {
		t.Error("leading dash session name accepted")
	}
}

func TestSessionNameValidation(t *testing.T) {
	for _, name := range []string{"a", "review-2", "A.b_c-9", strings.Repeat("x", 64)} {
		if !ValidSessionName(name) {
			t.Errorf("%q rejected", name)
		}
	}
	for _, name := range []string{"", ".hidden", "-dash", "has space", strings.Repeat("x", 65), "slash/y"} {
		if ValidSessionName(name) {
			t.Errorf("%q accepted", name)
		}
	}
}

func TestAtomicWriteLeavesNoTemp(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "gateway.json")
	if err := writeFileAtomic(path, []byte("{}"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].Name() != "gateway.json" {
		t.Errorf("dir entries = %v, want only gateway.json", entries)
	}
}

func TestRecordValidation(t *testing.T) {
	good := GatewayRecord{
		Version: 1, PID: 42, Host: "127.0.0.1", Port: 7433,
		StateDBPath: "/tmp/db.sqlite", StartedAt: time.Now(),
	}
	if err := good.Validate(); err != nil {
		t.Errorf("valid record rejected: %v", err)
	}

	bad := good
	bad.Port = 0
	if bad.Validate() == nil {
		t.Error("port 0 accepted")
	}
	bad = good
	bad.Port = 70000
	if bad.Validate() == nil {
		t.Error("port 70000 accepted")
	}
	bad = good
	bad.StateDBPath = "relative/db.sqlite"
	if bad.Validate() == nil {
		t.Error("relative db path accepted")
	}
	bad = good
	bad.Host = "0.0.0.0"
	if bad.Validate() == nil {
		t.Error("non-loopback host without token accepted")
	}
	bad.AuthToken = "tok"
	if err := bad.Validate(); err != nil {
		t.Errorf("non-loopback host with token rejected: %v", err)
	}
}

func TestRecordRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gateway.json")
	rec := GatewayRecord{
		PID: 42, Host: "localhost", Port: 7433,
		StateDBPath: "/tmp/db.sqlite", StartedAt: time.Now().UTC().Truncate(time.Second),
		WorkspaceRoot: "/tmp/ws",
	}
	if err := WriteRecord(path, rec); err != nil {
		t.Fatalf("write: %v", err)
	}
	got, err := ReadRecord(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if got.PID != rec.PID || got.Port != rec.Port || !got.StartedAt.Equal(rec.StartedAt) {
		t.Errorf("round trip = %+v", got)
	}
	if got.Version != recordVersion {
		t.Errorf("version = %d", got.Version)
	}
}

func TestLockReentrantAndStale(t *testing.T) {
	path := filepath.Join(t.TempDir(), "control.lock")

	release, err := acquireLock(path)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	// Same process acquires again without blocking.
	release2, err := acquireLock(path)
	if err != nil {
		t.Fatalf("reentrant acquire: %v", err)
	}
	release2()
	release()

	// A lock from a dead PID is stale and gets replaced.
	stale, _ := json.Marshal(lockOwner{PID: 1 << 30, StartedAt: 12345})
	if err := os.WriteFile(path, stale, 0o600); err != nil {
		t.Fatal(err)
	}
	release, err = acquireLock(path)
	if err != nil {
		t.Fatalf("acquire over stale lock: %v", err)
	}
	release()
}

func TestRunServesAndCleansUpRecord(t *testing.T) {
	cfg := config.Default()
	cfg.ConfigRoot = t.TempDir()
	// Port 0 lets the daemon pick a free port; the record carries the
	// bound one.
	cfg.ControlPlane.Port = 0
	ws, err := ResolveWorkspace(cfg.ConfigRoot, t.TempDir(), "")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	g := NewGateway(cfg, ws, WithOutput(os.Stderr))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- g.Run(ctx, StartOptions{Host: "127.0.0.1", Port: 0})
	}()

	// Wait for the record, then exercise status and a one-shot call.
	var rec GatewayRecord
	deadline := time.Now().Add(5 * time.Second)
	for {
		rec, err = ReadRecord(ws.RecordPath())
		if err == nil {
			break
		}
		if time.Now().After(deadline) {
			cancel()
			t.Fatalf("record never written: %v", err)
		}
		time.Sleep(20 * time.Millisecond)
	}
	if rec.PID != os.Getpid() {
		t.Errorf("record pid = %d, want self", rec.PID)
	}

	info, err := g.Status(ctx)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if !info.Running || !info.Reachable {
		t.Errorf("status = %+v, want running and reachable", info)
	}

	result, err := g.CallJSON(ctx, []byte(`{"type":"session.list","limit":1}`))
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	var body struct {
		Sessions []json.RawMessage `json:"sessions"`
	}
	if err := json.Unmarshal(result, &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(15 * time.Second):
		t.Fatal("run did not exit")
	}
	if _, err := os.Stat(ws.RecordPath()); !os.IsNotExist(err) {
		t.Error("record survived shutdown")
	}
}

func TestGCRemovesDeadOldSessions(t *testing.T) {
	cfg := config.Default()
	ws, err := ResolveWorkspace(t.TempDir(), t.TempDir(), "")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	g := NewGateway(cfg, ws, WithOutput(os.Stderr))

	old := filepath.Join(ws.SessionsDir(), "ancient")
	fresh := filepath.Join(ws.SessionsDir(), "recent")
	for _, dir := range []string{old, fresh} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(filepath.Join(dir, "gateway.log"), []byte("log"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	ancient := time.Now().Add(-8 * 24 * time.Hour)
	for _, path := range []string{old, filepath.Join(old, "gateway.log")} {
		if err := os.Chtimes(path, ancient, ancient); err != nil {
			t.Fatal(err)
		}
	}

	res, err := g.GC()
	if err != nil {
		t.Fatalf("gc: %v", err)
	}
	if res.Removed != 1 || res.Skipped != 1 {
		t.Errorf("gc = %+v, want 1 removed 1 skipped", res)
	}
	if _, err := os.Stat(old); !os.IsNotExist(err) {
		t.Error("ancient session survived gc")
	}
	if _, err := os.Stat(fresh); err != nil {
		t.Error("recent session was removed")
	}
}

func TestOrphanSummaryFormat(t *testing.T) {
	s := OrphanSummary{Class: OrphanDaemon}
	if got := s.String(); got != "orphan daemon cleanup: none found" {
		t.Errorf("empty summary = %q", got)
	}
	s = OrphanSummary{Class: OrphanSQLite, Matched: 1, Terminated: 1}
	if got := s.String(); got != "orphan sqlite cleanup: terminated 1 process(es)" {
		t.Errorf("clean summary = %q", got)
	}
	s = OrphanSummary{Class: OrphanSQLite, Matched: 3, Terminated: 2, Failed: 1}
	if got := s.String(); got != "orphan sqlite cleanup: matched=3 terminated=2 failed=1" {
		t.Errorf("partial summary = %q", got)
	}
}

func TestCleanupOrphansNoMatches(t *testing.T) {
	ws, err := ResolveWorkspace(t.TempDir(), t.TempDir(), "")
	if err != nil {
		t.Fatal(err)
	}
	summaries := CleanupOrphans(ws, false, time.Second)
	if len(summaries) != 4 {
		t.Fatalf("summaries = %d, want 4 classes", len(summaries))
	}
	for _, s := range summaries {
		if s.Err != nil {
			t.Skipf("process table not readable: %v", s.Err)
		}
		if s.Matched != 0 {
			t.Errorf("%s matched %d in a fresh workspace", s.Class, s.Matched)
		}
	}
}
