// Package sqlite implements state.Store using pure-Go SQLite. Zero CGO
// required.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	harness "github.com/jmoyers/harness-sub010"
	"github.com/jmoyers/harness-sub010/state"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// StoreOption configures a SQLite Store.
type StoreOption func(*Store)

// WithLogger sets a structured logger for the store. When set, the store
// emits debug logs for every operation. If not set, no logs are emitted.
func WithLogger(l *slog.Logger) StoreOption {
	return func(s *Store) { s.logger = l }
}

// Store implements state.Store backed by a local SQLite file.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

var _ state.Store = (*Store)(nil)

// nopLogger discards all output.
var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// New creates a Store using a local SQLite file at dbPath. It opens a
// single shared connection pool with SetMaxOpenConns(1) so that all
// goroutines serialize through one connection, eliminating SQLITE_BUSY
// errors caused by concurrent writers opening independent connections.
func New(dbPath string, opts ...StoreOption) *Store {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		// sql.Open only fails when the driver is not registered; with the
		// blank import above that never happens.
		panic(fmt.Sprintf("sqlite: open driver: %v", err))
	}
	db.SetMaxOpenConns(1)
	s := &Store{db: db, logger: nopLogger}
	for _, o := range opts {
		o(s)
	}
	s.logger.Debug("sqlite: state store opened", "path", dbPath)
	return s
}

// Init creates all required tables.
func (s *Store) Init(ctx context.Context) error {
	tables := []string{
		`CREATE TABLE IF NOT EXISTS directories (
			id TEXT PRIMARY KEY,
			path TEXT NOT NULL,
			tenant_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			workspace_id TEXT NOT NULL,
			worktree_id TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL,
			archived_at INTEGER
		)`,
		`CREATE TABLE IF NOT EXISTS repositories (
			id TEXT PRIMARY KEY,
			tenant_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			workspace_id TEXT NOT NULL,
			worktree_id TEXT NOT NULL DEFAULT '',
			name TEXT NOT NULL,
			remote_url TEXT NOT NULL,
			default_branch TEXT NOT NULL DEFAULT '',
			metadata TEXT,
			created_at INTEGER NOT NULL,
			archived_at INTEGER
		)`,
		`CREATE TABLE IF NOT EXISTS conversations (
			id TEXT PRIMARY KEY,
			directory_id TEXT NOT NULL,
			tenant_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			workspace_id TEXT NOT NULL,
			worktree_id TEXT NOT NULL DEFAULT '',
			title TEXT NOT NULL DEFAULT '',
			agent_type TEXT NOT NULL,
			adapter_state TEXT,
			runtime TEXT,
			created_at INTEGER NOT NULL,
			archived_at INTEGER
		)`,
		`CREATE TABLE IF NOT EXISTS tasks (
			id TEXT PRIMARY KEY,
			tenant_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			workspace_id TEXT NOT NULL,
			worktree_id TEXT NOT NULL DEFAULT '',
			scope_kind TEXT NOT NULL,
			repository_id TEXT NOT NULL DEFAULT '',
			project_id TEXT NOT NULL DEFAULT '',
			title TEXT NOT NULL,
			body TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			order_index REAL NOT NULL DEFAULT 0,
			claimed_by_controller_id TEXT NOT NULL DEFAULT '',
			claimed_by_project_id TEXT NOT NULL DEFAULT '',
			branch_name TEXT NOT NULL DEFAULT '',
			base_branch TEXT NOT NULL DEFAULT '',
			claimed_at INTEGER,
			completed_at INTEGER,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS observed_events (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			cursor INTEGER NOT NULL,
			type TEXT NOT NULL,
			tenant_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			workspace_id TEXT NOT NULL,
			worktree_id TEXT NOT NULL DEFAULT '',
			ts INTEGER NOT NULL,
			payload TEXT
		)`,
	}
	for _, ddl := range tables {
		if _, err := s.db.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("sqlite: create table: %w", err)
		}
	}
	return nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// --- helpers ---

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.Unix()
}

func timePtr(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.Unix(v.Int64, 0).UTC()
	return &t
}

func marshalJSON(v any) (string, error) {
	if v == nil {
		return "", nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("sqlite: marshal: %w", err)
	}
	return string(raw), nil
}

// --- directories ---

func (s *Store) UpsertDirectory(ctx context.Context, d harness.Directory) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO directories (id, path, tenant_id, user_id, workspace_id, worktree_id, created_at, archived_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET path = excluded.path, archived_at = excluded.archived_at`,
		d.DirectoryID, d.Path, d.Scope.TenantID, d.Scope.UserID, d.Scope.WorkspaceID, d.Scope.WorktreeID,
		d.CreatedAt.Unix(), nullableTime(d.ArchivedAt))
	if err != nil {
		return fmt.Errorf("sqlite: upsert directory: %w", err)
	}
	s.logger.Debug("sqlite: directory upserted", "id", d.DirectoryID, "path", d.Path)
	return nil
}

func (s *Store) GetDirectory(ctx context.Context, id string) (harness.Directory, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, path, tenant_id, user_id, workspace_id, worktree_id, created_at, archived_at
		FROM directories WHERE id = ?`, id)
	return scanDirectory(row)
}

func (s *Store) ListDirectories(ctx context.Context, scope harness.Scope) ([]harness.Directory, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, path, tenant_id, user_id, workspace_id, worktree_id, created_at, archived_at
		FROM directories
		WHERE tenant_id = ? AND user_id = ? AND workspace_id = ? AND archived_at IS NULL
		ORDER BY created_at`, scope.TenantID, scope.UserID, scope.WorkspaceID)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list directories: %w", err)
	}
	defer rows.Close()

	var out []harness.Directory
	for rows.Next() {
		d, err := scanDirectory(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *Store) ArchiveDirectory(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `UPDATE directories SET archived_at = ? WHERE id = ?`, at.Unix(), id)
	if err != nil {
		return fmt.Errorf("sqlite: archive directory: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return state.ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDirectory(row rowScanner) (harness.Directory, error) {
	var d harness.Directory
	var created int64
	var archived sql.NullInt64
	err := row.Scan(&d.DirectoryID, &d.Path, &d.Scope.TenantID, &d.Scope.UserID,
		&d.Scope.WorkspaceID, &d.Scope.WorktreeID, &created, &archived)
	if err == sql.ErrNoRows {
		return d, state.ErrNotFound
	}
	if err != nil {
		return d, fmt.Errorf("sqlite: scan directory: %w", err)
	}
	d.CreatedAt = time.Unix(created, 0).UTC()
	d.ArchivedAt = timePtr(archived)
	return d, nil
}

// --- repositories ---

func (s *Store) UpsertRepository(ctx context.Context, r harness.Repository) error {
	meta, err := marshalJSON(r.Metadata)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO repositories (id, tenant_id, user_id, workspace_id, worktree_id, name, remote_url, default_branch, metadata, created_at, archived_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			remote_url = excluded.remote_url,
			default_branch = excluded.default_branch,
			metadata = excluded.metadata,
			archived_at = excluded.archived_at`,
		r.RepositoryID, r.Scope.TenantID, r.Scope.UserID, r.Scope.WorkspaceID, r.Scope.WorktreeID,
		r.Name, r.RemoteURL, r.DefaultBranch, meta, r.CreatedAt.Unix(), nullableTime(r.ArchivedAt))
	if err != nil {
		return fmt.Errorf("sqlite: upsert repository: %w", err)
	}
	return nil
}

func (s *Store) GetRepository(ctx context.Context, id string) (harness.Repository, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, user_id, workspace_id, worktree_id, name, remote_url, default_branch, metadata, created_at, archived_at
		FROM repositories WHERE id = ?`, id)
	return scanRepository(row)
}

func (s *Store) ListRepositories(ctx context.Context, scope harness.Scope) ([]harness.Repository, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, tenant_id, user_id, workspace_id, worktree_id, name, remote_url, default_branch, metadata, created_at, archived_at
		FROM repositories
		WHERE tenant_id = ? AND user_id = ? AND workspace_id = ? AND archived_at IS NULL
		ORDER BY created_at`, scope.TenantID, scope.UserID, scope.WorkspaceID)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list repositories: %w", err)
	}
	defer rows.Close()

	var out []harness.Repository
	for rows.Next() {
		r, err := scanRepository(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) UpdateRepository(ctx context.Context, r harness.Repository) error {
	meta, err := marshalJSON(r.Metadata)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE repositories SET name = ?, remote_url = ?, default_branch = ?, metadata = ? WHERE id = ?`,
		r.Name, r.RemoteURL, r.DefaultBranch, meta, r.RepositoryID)
	if err != nil {
		return fmt.Errorf("sqlite: update repository: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return state.ErrNotFound
	}
	return nil
}

func (s *Store) ArchiveRepository(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `UPDATE repositories SET archived_at = ? WHERE id = ?`, at.Unix(), id)
	if err != nil {
		return fmt.Errorf("sqlite: archive repository: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return state.ErrNotFound
	}
	return nil
}

func scanRepository(row rowScanner) (harness.Repository, error) {
	var r harness.Repository
	var meta sql.NullString
	var created int64
	var archived sql.NullInt64
	err := row.Scan(&r.RepositoryID, &r.Scope.TenantID, &r.Scope.UserID, &r.Scope.WorkspaceID,
		&r.Scope.WorktreeID, &r.Name, &r.RemoteURL, &r.DefaultBranch, &meta, &created, &archived)
	if err == sql.ErrNoRows {
		return r, state.ErrNotFound
	}
	if err != nil {
		return r, fmt.Errorf("sqlite: scan repository: %w", err)
	}
	if meta.Valid && meta.String != "" {
		if err := json.Unmarshal([]byte(meta.String), &r.Metadata); err != nil {
			return r, fmt.Errorf("sqlite: metadata: %w", err)
		}
	}
	r.CreatedAt = time.Unix(created, 0).UTC()
	r.ArchivedAt = timePtr(archived)
	return r, nil
}

// --- conversations ---

func (s *Store) CreateConversation(ctx context.Context, c harness.Conversation) error {
	adapter, err := marshalJSON(c.AdapterState)
	if err != nil {
		return err
	}
	runtime, err := marshalJSON(c.Runtime)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO conversations (id, directory_id, tenant_id, user_id, workspace_id, worktree_id, title, agent_type, adapter_state, runtime, created_at, archived_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ThreadID, c.DirectoryID, c.Scope.TenantID, c.Scope.UserID, c.Scope.WorkspaceID, c.Scope.WorktreeID,
		c.Title, string(c.AgentType), adapter, runtime, c.CreatedAt.Unix(), nullableTime(c.ArchivedAt))
	if err != nil {
		return fmt.Errorf("sqlite: create conversation: %w", err)
	}
	return nil
}

func (s *Store) GetConversation(ctx context.Context, id string) (harness.Conversation, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, directory_id, tenant_id, user_id, workspace_id, worktree_id, title, agent_type, adapter_state, runtime, created_at, archived_at
		FROM conversations WHERE id = ?`, id)
	return scanConversation(row)
}

func (s *Store) ListConversations(ctx context.Context, scope harness.Scope) ([]harness.Conversation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, directory_id, tenant_id, user_id, workspace_id, worktree_id, title, agent_type, adapter_state, runtime, created_at, archived_at
		FROM conversations
		WHERE tenant_id = ? AND user_id = ? AND workspace_id = ? AND archived_at IS NULL
		ORDER BY created_at`, scope.TenantID, scope.UserID, scope.WorkspaceID)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list conversations: %w", err)
	}
	defer rows.Close()

	var out []harness.Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *Store) UpdateConversationTitle(ctx context.Context, id, title string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE conversations SET title = ? WHERE id = ?`, title, id)
	if err != nil {
		return fmt.Errorf("sqlite: update title: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return state.ErrNotFound
	}
	return nil
}

func (s *Store) ArchiveConversation(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `UPDATE conversations SET archived_at = ? WHERE id = ?`, at.Unix(), id)
	if err != nil {
		return fmt.Errorf("sqlite: archive conversation: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return state.ErrNotFound
	}
	return nil
}

func (s *Store) SaveRuntimeSnapshot(ctx context.Context, id string, snap harness.RuntimeSnapshot) error {
	runtime, err := marshalJSON(snap)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `UPDATE conversations SET runtime = ? WHERE id = ?`, runtime, id)
	if err != nil {
		return fmt.Errorf("sqlite: save snapshot: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return state.ErrNotFound
	}
	return nil
}

func scanConversation(row rowScanner) (harness.Conversation, error) {
	var c harness.Conversation
	var agent string
	var adapter, runtime sql.NullString
	var created int64
	var archived sql.NullInt64
	err := row.Scan(&c.ThreadID, &c.DirectoryID, &c.Scope.TenantID, &c.Scope.UserID, &c.Scope.WorkspaceID,
		&c.Scope.WorktreeID, &c.Title, &agent, &adapter, &runtime, &created, &archived)
	if err == sql.ErrNoRows {
		return c, state.ErrNotFound
	}
	if err != nil {
		return c, fmt.Errorf("sqlite: scan conversation: %w", err)
	}
	c.AgentType = harness.AgentType(agent)
	if adapter.Valid && adapter.String != "" {
		if err := json.Unmarshal([]byte(adapter.String), &c.AdapterState); err != nil {
			return c, fmt.Errorf("sqlite: adapter state: %w", err)
		}
	}
	if runtime.Valid && runtime.String != "" {
		if err := json.Unmarshal([]byte(runtime.String), &c.Runtime); err != nil {
			return c, fmt.Errorf("sqlite: runtime snapshot: %w", err)
		}
	}
	c.CreatedAt = time.Unix(created, 0).UTC()
	c.ArchivedAt = timePtr(archived)
	return c, nil
}

// --- tasks ---

func (s *Store) CreateTask(ctx context.Context, t harness.Task) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tasks (id, tenant_id, user_id, workspace_id, worktree_id, scope_kind, repository_id, project_id,
			title, body, status, order_index, claimed_by_controller_id, claimed_by_project_id, branch_name, base_branch,
			claimed_at, completed_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.TaskID, t.Scope.TenantID, t.Scope.UserID, t.Scope.WorkspaceID, t.Scope.WorktreeID,
		string(t.ScopeKind), t.RepositoryID, t.ProjectID, t.Title, t.Body, string(t.Status), t.OrderIndex,
		t.ClaimedByControllerID, t.ClaimedByProjectID, t.BranchName, t.BaseBranch,
		nullableTime(t.ClaimedAt), nullableTime(t.CompletedAt), t.CreatedAt.Unix(), t.UpdatedAt.Unix())
	if err != nil {
		return fmt.Errorf("sqlite: create task: %w", err)
	}
	return nil
}

func (s *Store) GetTask(ctx context.Context, id string) (harness.Task, error) {
	row := s.db.QueryRowContext(ctx, taskSelect+` WHERE id = ?`, id)
	return scanTask(row)
}

func (s *Store) UpdateTask(ctx context.Context, t harness.Task) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET title = ?, body = ?, status = ?, order_index = ?,
			claimed_by_controller_id = ?, claimed_by_project_id = ?, branch_name = ?, base_branch = ?,
			claimed_at = ?, completed_at = ?, updated_at = ?
		WHERE id = ?`,
		t.Title, t.Body, string(t.Status), t.OrderIndex,
		t.ClaimedByControllerID, t.ClaimedByProjectID, t.BranchName, t.BaseBranch,
		nullableTime(t.ClaimedAt), nullableTime(t.CompletedAt), t.UpdatedAt.Unix(), t.TaskID)
	if err != nil {
		return fmt.Errorf("sqlite: update task: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return state.ErrNotFound
	}
	return nil
}

func (s *Store) DeleteTask(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("sqlite: delete task: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return state.ErrNotFound
	}
	return nil
}

const taskSelect = `
	SELECT id, tenant_id, user_id, workspace_id, worktree_id, scope_kind, repository_id, project_id,
		title, body, status, order_index, claimed_by_controller_id, claimed_by_project_id, branch_name, base_branch,
		claimed_at, completed_at, created_at, updated_at
	FROM tasks`

func (s *Store) ListTasks(ctx context.Context, f state.TaskFilter) ([]harness.Task, error) {
	query := taskSelect + ` WHERE tenant_id = ? AND user_id = ? AND workspace_id = ?`
	args := []any{f.Scope.TenantID, f.Scope.UserID, f.Scope.WorkspaceID}
	if f.RepositoryID != "" {
		query += ` AND repository_id = ?`
		args = append(args, f.RepositoryID)
	}
	if f.ProjectID != "" {
		query += ` AND project_id = ?`
		args = append(args, f.ProjectID)
	}
	if f.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(f.Status))
	}
	query += ` ORDER BY order_index, created_at`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list tasks: %w", err)
	}
	defer rows.Close()

	var out []harness.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func scanTask(row rowScanner) (harness.Task, error) {
	var t harness.Task
	var scopeKind, status string
	var claimed, completed sql.NullInt64
	var created, updated int64
	err := row.Scan(&t.TaskID, &t.Scope.TenantID, &t.Scope.UserID, &t.Scope.WorkspaceID, &t.Scope.WorktreeID,
		&scopeKind, &t.RepositoryID, &t.ProjectID, &t.Title, &t.Body, &status, &t.OrderIndex,
		&t.ClaimedByControllerID, &t.ClaimedByProjectID, &t.BranchName, &t.BaseBranch,
		&claimed, &completed, &created, &updated)
	if err == sql.ErrNoRows {
		return t, state.ErrNotFound
	}
	if err != nil {
		return t, fmt.Errorf("sqlite: scan task: %w", err)
	}
	t.ScopeKind = harness.TaskScopeKind(scopeKind)
	t.Status = harness.TaskStatus(status)
	t.ClaimedAt = timePtr(claimed)
	t.CompletedAt = timePtr(completed)
	t.CreatedAt = time.Unix(created, 0).UTC()
	t.UpdatedAt = time.Unix(updated, 0).UTC()
	return t, nil
}

// --- observed events ---

func (s *Store) AppendObserved(ctx context.Context, ev harness.ObservedEvent) error {
	payload, err := marshalJSON(ev.Payload)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO observed_events (cursor, type, tenant_id, user_id, workspace_id, worktree_id, ts, payload)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.Cursor, ev.Type, ev.Scope.TenantID, ev.Scope.UserID, ev.Scope.WorkspaceID, ev.Scope.WorktreeID,
		ev.TS.Unix(), payload)
	if err != nil {
		return fmt.Errorf("sqlite: append observed: %w", err)
	}
	return nil
}

func (s *Store) ListObservedSince(ctx context.Context, scope harness.Scope, afterCursor uint64, limit int) ([]harness.ObservedEvent, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT cursor, type, tenant_id, user_id, workspace_id, worktree_id, ts, payload
		FROM observed_events
		WHERE tenant_id = ? AND user_id = ? AND workspace_id = ? AND cursor > ?
		ORDER BY seq LIMIT ?`,
		scope.TenantID, scope.UserID, scope.WorkspaceID, afterCursor, limit)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list observed: %w", err)
	}
	defer rows.Close()

	var out []harness.ObservedEvent
	for rows.Next() {
		var ev harness.ObservedEvent
		var ts int64
		var payload sql.NullString
		if err := rows.Scan(&ev.Cursor, &ev.Type, &ev.Scope.TenantID, &ev.Scope.UserID,
			&ev.Scope.WorkspaceID, &ev.Scope.WorktreeID, &ts, &payload); err != nil {
			return nil, fmt.Errorf("sqlite: scan observed: %w", err)
		}
		ev.TS = time.Unix(ts, 0).UTC()
		if payload.Valid && payload.String != "" {
			if err := json.Unmarshal([]byte(payload.String), &ev.Payload); err != nil {
				return nil, fmt.Errorf("sqlite: observed payload: %w", err)
			}
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}
