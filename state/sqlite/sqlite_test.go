package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	harness "github.com/jmoyers/harness-sub010"
	"github.com/jmoyers/harness-sub010/state"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	s := New(filepath.Join(t.TempDir(), "harness.db"))
	if err := s.Init(context.Background()); err != nil {
		t.Fatalf("init store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testScope() harness.Scope {
	return harness.Scope{TenantID: "local", UserID: "local", WorkspaceID: "w1"}
}

func TestDirectoryLifecycle(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	d := harness.Directory{
		DirectoryID: harness.NewID(),
		Path:        "/home/dev/proj",
		Scope:       testScope(),
		CreatedAt:   time.Now().UTC().Truncate(time.Second),
	}
	if err := s.UpsertDirectory(ctx, d); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	got, err := s.GetDirectory(ctx, d.DirectoryID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Path != d.Path || got.Scope != d.Scope {
		t.Errorf("got %+v, want %+v", got, d)
	}

	// Upsert with a new path updates in place.
	d.Path = "/home/dev/other"
	if err := s.UpsertDirectory(ctx, d); err != nil {
		t.Fatalf("re-upsert: %v", err)
	}
	got, _ = s.GetDirectory(ctx, d.DirectoryID)
	if got.Path != "/home/dev/other" {
		t.Errorf("path = %q after upsert", got.Path)
	}

	list, err := s.ListDirectories(ctx, testScope())
	if err != nil || len(list) != 1 {
		t.Fatalf("list = %v, %v", list, err)
	}

	if err := s.ArchiveDirectory(ctx, d.DirectoryID, time.Now()); err != nil {
		t.Fatalf("archive: %v", err)
	}
	list, _ = s.ListDirectories(ctx, testScope())
	if len(list) != 0 {
		t.Errorf("archived directory still listed")
	}
	got, err = s.GetDirectory(ctx, d.DirectoryID)
	if err != nil {
		t.Fatalf("get archived: %v", err)
	}
	if got.ArchivedAt == nil {
		t.Error("archivedAt not set")
	}
}

func TestGetMissingReturnsNotFound(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	if _, err := s.GetDirectory(ctx, "nope"); !errors.Is(err, state.ErrNotFound) {
		t.Errorf("GetDirectory err = %v, want ErrNotFound", err)
	}
	if _, err := s.GetConversation(ctx, "nope"); !errors.Is(err, state.ErrNotFound) {
		t.Errorf("GetConversation err = %v, want ErrNotFound", err)
	}
	if _, err := s.GetTask(ctx, "nope"); !errors.Is(err, state.ErrNotFound) {
		t.Errorf("GetTask err = %v, want ErrNotFound", err)
	}
	if err := s.ArchiveRepository(ctx, "nope", time.Now()); !errors.Is(err, state.ErrNotFound) {
		t.Errorf("ArchiveRepository err = %v, want ErrNotFound", err)
	}
	if err := s.DeleteTask(ctx, "nope"); !errors.Is(err, state.ErrNotFound) {
		t.Errorf("DeleteTask err = %v, want ErrNotFound", err)
	}
}

func TestScopeIsolation(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	mine := testScope()
	other := harness.Scope{TenantID: "local", UserID: "local", WorkspaceID: "w2"}

	for i, scope := range []harness.Scope{mine, other} {
		err := s.UpsertDirectory(ctx, harness.Directory{
			DirectoryID: harness.NewID(),
			Path:        "/p",
			Scope:       scope,
			CreatedAt:   time.Now().Add(time.Duration(i) * time.Second),
		})
		if err != nil {
			t.Fatalf("upsert: %v", err)
		}
	}

	list, err := s.ListDirectories(ctx, mine)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 1 {
		t.Errorf("listed %d directories across scopes, want 1", len(list))
	}
}

func TestRepositoryMetadataRoundTrip(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	r := harness.Repository{
		RepositoryID:  harness.NewID(),
		Scope:         testScope(),
		Name:          "harness",
		RemoteURL:     "git@example.com:dev/harness.git",
		DefaultBranch: "main",
		Metadata:      map[string]string{"language": "go"},
		CreatedAt:     time.Now().UTC().Truncate(time.Second),
	}
	if err := s.UpsertRepository(ctx, r); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	got, err := s.GetRepository(ctx, r.RepositoryID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Metadata["language"] != "go" {
		t.Errorf("metadata = %v", got.Metadata)
	}

	r.Name = "harness-core"
	r.Metadata = map[string]string{"language": "go", "ci": "none"}
	if err := s.UpdateRepository(ctx, r); err != nil {
		t.Fatalf("update: %v", err)
	}
	got, _ = s.GetRepository(ctx, r.RepositoryID)
	if got.Name != "harness-core" || got.Metadata["ci"] != "none" {
		t.Errorf("after update: %+v", got)
	}
}

func TestConversationSnapshotPersistence(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	c := harness.Conversation{
		ThreadID:    harness.NewID(),
		DirectoryID: harness.NewID(),
		Scope:       testScope(),
		Title:       "fix flaky test",
		AgentType:   harness.AgentClaude,
		CreatedAt:   time.Now().UTC().Truncate(time.Second),
	}
	if err := s.CreateConversation(ctx, c); err != nil {
		t.Fatalf("create: %v", err)
	}

	snap := harness.RuntimeSnapshot{
		Status:          harness.StatusNeedsInput,
		Live:            true,
		AttentionReason: "permissionRequest",
		ProcessID:       4242,
	}
	if err := s.SaveRuntimeSnapshot(ctx, c.ThreadID, snap); err != nil {
		t.Fatalf("save snapshot: %v", err)
	}

	got, err := s.GetConversation(ctx, c.ThreadID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Runtime.Status != harness.StatusNeedsInput || got.Runtime.ProcessID != 4242 {
		t.Errorf("runtime = %+v", got.Runtime)
	}
	if got.AgentType != harness.AgentClaude {
		t.Errorf("agentType = %s", got.AgentType)
	}

	if err := s.UpdateConversationTitle(ctx, c.ThreadID, "renamed"); err != nil {
		t.Fatalf("title: %v", err)
	}
	got, _ = s.GetConversation(ctx, c.ThreadID)
	if got.Title != "renamed" {
		t.Errorf("title = %q", got.Title)
	}

	if err := s.ArchiveConversation(ctx, c.ThreadID, time.Now()); err != nil {
		t.Fatalf("archive: %v", err)
	}
	list, _ := s.ListConversations(ctx, testScope())
	if len(list) != 0 {
		t.Errorf("archived conversation still listed")
	}
}

func TestTaskOrderingAndFilters(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	repo := harness.NewID()

	mk := func(title string, order float64, status harness.TaskStatus) harness.Task {
		now := time.Now().UTC().Truncate(time.Second)
		return harness.Task{
			TaskID:       harness.NewID(),
			Scope:        testScope(),
			ScopeKind:    harness.TaskScopeRepository,
			RepositoryID: repo,
			Title:        title,
			Status:       status,
			OrderIndex:   order,
			CreatedAt:    now,
			UpdatedAt:    now,
		}
	}

	// Inserted out of order; listing is ordered by orderIndex.
	for _, task := range []harness.Task{
		mk("third", 3, harness.TaskReady),
		mk("first", 1, harness.TaskDraft),
		mk("second", 1.5, harness.TaskReady),
	} {
		if err := s.CreateTask(ctx, task); err != nil {
			t.Fatalf("create %s: %v", task.Title, err)
		}
	}

	all, err := s.ListTasks(ctx, state.TaskFilter{Scope: testScope(), RepositoryID: repo})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	var titles []string
	for _, task := range all {
		titles = append(titles, task.Title)
	}
	want := []string{"first", "second", "third"}
	for i := range want {
		if titles[i] != want[i] {
			t.Fatalf("order = %v, want %v", titles, want)
		}
	}

	ready, err := s.ListTasks(ctx, state.TaskFilter{Scope: testScope(), RepositoryID: repo, Status: harness.TaskReady})
	if err != nil {
		t.Fatalf("list ready: %v", err)
	}
	if len(ready) != 2 {
		t.Errorf("ready count = %d, want 2", len(ready))
	}
}

func TestTaskClaimFieldsRoundTrip(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Second)
	task := harness.Task{
		TaskID:     harness.NewID(),
		Scope:      testScope(),
		ScopeKind:  harness.TaskScopeProject,
		ProjectID:  "proj-1",
		Title:      "wire retries",
		Status:     harness.TaskReady,
		OrderIndex: 1,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.CreateTask(ctx, task); err != nil {
		t.Fatalf("create: %v", err)
	}

	claimedAt := now.Add(time.Minute)
	task.Status = harness.TaskClaimed
	task.ClaimedByControllerID = "agent-7"
	task.ClaimedByProjectID = "proj-1"
	task.BranchName = "task/wire-retries"
	task.BaseBranch = "main"
	task.ClaimedAt = &claimedAt
	task.UpdatedAt = claimedAt
	if err := s.UpdateTask(ctx, task); err != nil {
		t.Fatalf("update: %v", err)
	}

	got, err := s.GetTask(ctx, task.TaskID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != harness.TaskClaimed || got.ClaimedByControllerID != "agent-7" {
		t.Errorf("claim fields = %+v", got)
	}
	if got.ClaimedAt == nil || !got.ClaimedAt.Equal(claimedAt) {
		t.Errorf("claimedAt = %v, want %v", got.ClaimedAt, claimedAt)
	}

	if err := s.DeleteTask(ctx, task.TaskID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := s.GetTask(ctx, task.TaskID); !errors.Is(err, state.ErrNotFound) {
		t.Errorf("get after delete = %v, want ErrNotFound", err)
	}
}

func TestObservedLogCursorFilter(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	scope := testScope()

	for i := uint64(1); i <= 5; i++ {
		err := s.AppendObserved(ctx, harness.ObservedEvent{
			Cursor:  i,
			Type:    harness.ObservedSessionStatus,
			Scope:   scope,
			TS:      time.Now(),
			Payload: map[string]any{"n": float64(i)},
		})
		if err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}

	events, err := s.ListObservedSince(ctx, scope, 2, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("got %d events after cursor 2, want 3", len(events))
	}
	if events[0].Cursor != 3 || events[2].Cursor != 5 {
		t.Errorf("cursors = %d..%d", events[0].Cursor, events[len(events)-1].Cursor)
	}

	limited, err := s.ListObservedSince(ctx, scope, 0, 2)
	if err != nil || len(limited) != 2 {
		t.Fatalf("limited = %v, %v", limited, err)
	}
}
