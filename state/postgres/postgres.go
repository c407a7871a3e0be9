// Package postgres implements state.Store using PostgreSQL for
// deployments where several gateways share one metadata database.
//
// Store accepts an externally-owned *pgxpool.Pool via constructor
// injection. The caller creates and closes the pool.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	harness "github.com/jmoyers/harness-sub010"
	"github.com/jmoyers/harness-sub010/state"
)

// Store implements state.Store backed by PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

var _ state.Store = (*Store)(nil)

// New creates a Store using an existing pgxpool.Pool.
// The caller owns the pool and is responsible for closing it.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
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
			created_at BIGINT NOT NULL,
			archived_at BIGINT
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
			metadata JSONB,
			created_at BIGINT NOT NULL,
			archived_at BIGINT
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
			adapter_state JSONB,
			runtime JSONB,
			created_at BIGINT NOT NULL,
			archived_at BIGINT
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
			order_index DOUBLE PRECISION NOT NULL DEFAULT 0,
			claimed_by_controller_id TEXT NOT NULL DEFAULT '',
			claimed_by_project_id TEXT NOT NULL DEFAULT '',
			branch_name TEXT NOT NULL DEFAULT '',
			base_branch TEXT NOT NULL DEFAULT '',
			claimed_at BIGINT,
			completed_at BIGINT,
			created_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS observed_events (
			seq BIGSERIAL PRIMARY KEY,
			cursor BIGINT NOT NULL,
			type TEXT NOT NULL,
			tenant_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			workspace_id TEXT NOT NULL,
			worktree_id TEXT NOT NULL DEFAULT '',
			ts BIGINT NOT NULL,
			payload JSONB
		)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_scope ON tasks (tenant_id, user_id, workspace_id, order_index)`,
		`CREATE INDEX IF NOT EXISTS idx_observed_scope ON observed_events (tenant_id, user_id, workspace_id, cursor)`,
	}
	for _, ddl := range tables {
		if _, err := s.pool.Exec(ctx, ddl); err != nil {
			return fmt.Errorf("postgres: create table: %w", err)
		}
	}
	return nil
}

// Close is a no-op; the pool is owned by the caller.
func (s *Store) Close() error { return nil }

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.Unix()
}

func timePtr(v *int64) *time.Time {
	if v == nil {
		return nil
	}
	t := time.Unix(*v, 0).UTC()
	return &t
}

func marshalJSON(v any) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("postgres: marshal: %w", err)
	}
	return raw, nil
}

// --- directories ---

func (s *Store) UpsertDirectory(ctx context.Context, d harness.Directory) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO directories (id, path, tenant_id, user_id, workspace_id, worktree_id, created_at, archived_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET path = EXCLUDED.path, archived_at = EXCLUDED.archived_at`,
		d.DirectoryID, d.Path, d.Scope.TenantID, d.Scope.UserID, d.Scope.WorkspaceID, d.Scope.WorktreeID,
		d.CreatedAt.Unix(), nullableTime(d.ArchivedAt))
	if err != nil {
		return fmt.Errorf("postgres: upsert directory: %w", err)
	}
	return nil
}

func (s *Store) GetDirectory(ctx context.Context, id string) (harness.Directory, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, path, tenant_id, user_id, workspace_id, worktree_id, created_at, archived_at
		FROM directories WHERE id = $1`, id)

	var d harness.Directory
	var created int64
	var archived *int64
	err := row.Scan(&d.DirectoryID, &d.Path, &d.Scope.TenantID, &d.Scope.UserID,
		&d.Scope.WorkspaceID, &d.Scope.WorktreeID, &created, &archived)
	if errors.Is(err, pgx.ErrNoRows) {
		return d, state.ErrNotFound
	}
	if err != nil {
		return d, fmt.Errorf("postgres: get directory: %w", err)
	}
	d.CreatedAt = time.Unix(created, 0).UTC()
	d.ArchivedAt = timePtr(archived)
	return d, nil
}

func (s *Store) ListDirectories(ctx context.Context, scope harness.Scope) ([]harness.Directory, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, path, tenant_id, user_id, workspace_id, worktree_id, created_at, archived_at
		FROM directories
		WHERE tenant_id = $1 AND user_id = $2 AND workspace_id = $3 AND archived_at IS NULL
		ORDER BY created_at`, scope.TenantID, scope.UserID, scope.WorkspaceID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list directories: %w", err)
	}
	defer rows.Close()

	var out []harness.Directory
	for rows.Next() {
		var d harness.Directory
		var created int64
		var archived *int64
		if err := rows.Scan(&d.DirectoryID, &d.Path, &d.Scope.TenantID, &d.Scope.UserID,
			&d.Scope.WorkspaceID, &d.Scope.WorktreeID, &created, &archived); err != nil {
			return nil, fmt.Errorf("postgres: scan directory: %w", err)
		}
		d.CreatedAt = time.Unix(created, 0).UTC()
		d.ArchivedAt = timePtr(archived)
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *Store) ArchiveDirectory(ctx context.Context, id string, at time.Time) error {
	tag, err := s.pool.Exec(ctx, `UPDATE directories SET archived_at = $1 WHERE id = $2`, at.Unix(), id)
	if err != nil {
		return fmt.Errorf("postgres: archive directory: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return state.ErrNotFound
	}
	return nil
}

// --- repositories ---

func (s *Store) UpsertRepository(ctx context.Context, r harness.Repository) error {
	meta, err := marshalJSON(r.Metadata)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO repositories (id, tenant_id, user_id, workspace_id, worktree_id, name, remote_url, default_branch, metadata, created_at, archived_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			remote_url = EXCLUDED.remote_url,
			default_branch = EXCLUDED.default_branch,
			metadata = EXCLUDED.metadata,
			archived_at = EXCLUDED.archived_at`,
		r.RepositoryID, r.Scope.TenantID, r.Scope.UserID, r.Scope.WorkspaceID, r.Scope.WorktreeID,
		r.Name, r.RemoteURL, r.DefaultBranch, meta, r.CreatedAt.Unix(), nullableTime(r.ArchivedAt))
	if err != nil {
		return fmt.Errorf("postgres: upsert repository: %w", err)
	}
	return nil
}

func (s *Store) GetRepository(ctx context.Context, id string) (harness.Repository, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, tenant_id, user_id, workspace_id, worktree_id, name, remote_url, default_branch, metadata, created_at, archived_at
		FROM repositories WHERE id = $1`, id)
	r, err := scanRepository(row)
	if err != nil {
		return r, err
	}
	return r, nil
}

func (s *Store) ListRepositories(ctx context.Context, scope harness.Scope) ([]harness.Repository, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, tenant_id, user_id, workspace_id, worktree_id, name, remote_url, default_branch, metadata, created_at, archived_at
		FROM repositories
		WHERE tenant_id = $1 AND user_id = $2 AND workspace_id = $3 AND archived_at IS NULL
		ORDER BY created_at`, scope.TenantID, scope.UserID, scope.WorkspaceID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list repositories: %w", err)
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
	tag, err := s.pool.Exec(ctx, `
		UPDATE repositories SET name = $1, remote_url = $2, default_branch = $3, metadata = $4 WHERE id = $5`,
		r.Name, r.RemoteURL, r.DefaultBranch, meta, r.RepositoryID)
	if err != nil {
		return fmt.Errorf("postgres: update repository: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return state.ErrNotFound
	}
	return nil
}

func (s *Store) ArchiveRepository(ctx context.Context, id string, at time.Time) error {
	tag, err := s.pool.Exec(ctx, `UPDATE repositories SET archived_at = $1 WHERE id = $2`, at.Unix(), id)
	if err != nil {
		return fmt.Errorf("postgres: archive repository: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return state.ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRepository(row rowScanner) (harness.Repository, error) {
	var r harness.Repository
	var meta []byte
	var created int64
	var archived *int64
	err := row.Scan(&r.RepositoryID, &r.Scope.TenantID, &r.Scope.UserID, &r.Scope.WorkspaceID,
		&r.Scope.WorktreeID, &r.Name, &r.RemoteURL, &r.DefaultBranch, &meta, &created, &archived)
	if errors.Is(err, pgx.ErrNoRows) {
		return r, state.ErrNotFound
	}
	if err != nil {
		return r, fmt.Errorf("postgres: scan repository: %w", err)
	}
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &r.Metadata); err != nil {
			return r, fmt.Errorf("postgres: metadata: %w", err)
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
	_, err = s.pool.Exec(ctx, `
		INSERT INTO conversations (id, directory_id, tenant_id, user_id, workspace_id, worktree_id, title, agent_type, adapter_state, runtime, created_at, archived_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		c.ThreadID, c.DirectoryID, c.Scope.TenantID, c.Scope.UserID, c.Scope.WorkspaceID, c.Scope.WorktreeID,
		c.Title, string(c.AgentType), adapter, runtime, c.CreatedAt.Unix(), nullableTime(c.ArchivedAt))
	if err != nil {
		return fmt.Errorf("postgres: create conversation: %w", err)
	}
	return nil
}

func (s *Store) GetConversation(ctx context.Context, id string) (harness.Conversation, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, directory_id, tenant_id, user_id, workspace_id, worktree_id, title, agent_type, adapter_state, runtime, created_at, archived_at
		FROM conversations WHERE id = $1`, id)
	return scanConversation(row)
}

func (s *Store) ListConversations(ctx context.Context, scope harness.Scope) ([]harness.Conversation, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, directory_id, tenant_id, user_id, workspace_id, worktree_id, title, agent_type, adapter_state, runtime, created_at, archived_at
		FROM conversations
		WHERE tenant_id = $1 AND user_id = $2 AND workspace_id = $3 AND archived_at IS NULL
		ORDER BY created_at`, scope.TenantID, scope.UserID, scope.WorkspaceID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list conversations: %w", err)
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
	tag, err := s.pool.Exec(ctx, `UPDATE conversations SET title = $1 WHERE id = $2`, title, id)
	if err != nil {
		return fmt.Errorf("postgres: update title: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return state.ErrNotFound
	}
	return nil
}

func (s *Store) ArchiveConversation(ctx context.Context, id string, at time.Time) error {
	tag, err := s.pool.Exec(ctx, `UPDATE conversations SET archived_at = $1 WHERE id = $2`, at.Unix(), id)
	if err != nil {
		return fmt.Errorf("postgres: archive conversation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return state.ErrNotFound
	}
	return nil
}

func (s *Store) SaveRuntimeSnapshot(ctx context.Context, id string, snap harness.RuntimeSnapshot) error {
	runtime, err := marshalJSON(snap)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx, `UPDATE conversations SET runtime = $1 WHERE id = $2`, runtime, id)
	if err != nil {
		return fmt.Errorf("postgres: save snapshot: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return state.ErrNotFound
	}
	return nil
}

func scanConversation(row rowScanner) (harness.Conversation, error) {
	var c harness.Conversation
	var agent string
	var adapter, runtime []byte
	var created int64
	var archived *int64
	err := row.Scan(&c.ThreadID, &c.DirectoryID, &c.Scope.TenantID, &c.Scope.UserID, &c.Scope.WorkspaceID,
		&c.Scope.WorktreeID, &c.Title, &agent, &adapter, &runtime, &created, &archived)
	if errors.Is(err, pgx.ErrNoRows) {
		return c, state.ErrNotFound
	}
	if err != nil {
		return c, fmt.Errorf("postgres: scan conversation: %w", err)
	}
	c.AgentType = harness.AgentType(agent)
	if len(adapter) > 0 {
		if err := json.Unmarshal(adapter, &c.AdapterState); err != nil {
			return c, fmt.Errorf("postgres: adapter state: %w", err)
		}
	}
	if len(runtime) > 0 {
		if err := json.Unmarshal(runtime, &c.Runtime); err != nil {
			return c, fmt.Errorf("postgres: runtime snapshot: %w", err)
		}
	}
	c.CreatedAt = time.Unix(created, 0).UTC()
	c.ArchivedAt = timePtr(archived)
	return c, nil
}

// --- tasks ---

const taskSelect = `
	SELECT id, tenant_id, user_id, workspace_id, worktree_id, scope_kind, repository_id, project_id,
		title, body, status, order_index, claimed_by_controller_id, claimed_by_project_id, branch_name, base_branch,
		claimed_at, completed_at, created_at, updated_at
	FROM tasks`

func (s *Store) CreateTask(ctx context.Context, t harness.Task) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO tasks (id, tenant_id, user_id, workspace_id, worktree_id, scope_kind, repository_id, project_id,
			title, body, status, order_index, claimed_by_controller_id, claimed_by_project_id, branch_name, base_branch,
			claimed_at, completed_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)`,
		t.TaskID, t.Scope.TenantID, t.Scope.UserID, t.Scope.WorkspaceID, t.Scope.WorktreeID,
		string(t.ScopeKind), t.RepositoryID, t.ProjectID, t.Title, t.Body, string(t.Status), t.OrderIndex,
		t.ClaimedByControllerID, t.ClaimedByProjectID, t.BranchName, t.BaseBranch,
		nullableTime(t.ClaimedAt), nullableTime(t.CompletedAt), t.CreatedAt.Unix(), t.UpdatedAt.Unix())
	if err != nil {
		return fmt.Errorf("postgres: create task: %w", err)
	}
	return nil
}

func (s *Store) GetTask(ctx context.Context, id string) (harness.Task, error) {
	row := s.pool.QueryRow(ctx, taskSelect+` WHERE id = $1`, id)
	return scanTask(row)
}

func (s *Store) UpdateTask(ctx context.Context, t harness.Task) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE tasks SET title = $1, body = $2, status = $3, order_index = $4,
			claimed_by_controller_id = $5, claimed_by_project_id = $6, branch_name = $7, base_branch = $8,
			claimed_at = $9, completed_at = $10, updated_at = $11
		WHERE id = $12`,
		t.Title, t.Body, string(t.Status), t.OrderIndex,
		t.ClaimedByControllerID, t.ClaimedByProjectID, t.BranchName, t.BaseBranch,
		nullableTime(t.ClaimedAt), nullableTime(t.CompletedAt), t.UpdatedAt.Unix(), t.TaskID)
	if err != nil {
		return fmt.Errorf("postgres: update task: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return state.ErrNotFound
	}
	return nil
}

func (s *Store) DeleteTask(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM tasks WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("postgres: delete task: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return state.ErrNotFound
	}
	return nil
}

func (s *Store) ListTasks(ctx context.Context, f state.TaskFilter) ([]harness.Task, error) {
	query := taskSelect + ` WHERE tenant_id = $1 AND user_id = $2 AND workspace_id = $3`
	args := []any{f.Scope.TenantID, f.Scope.UserID, f.Scope.WorkspaceID}
	if f.RepositoryID != "" {
		args = append(args, f.RepositoryID)
		query += fmt.Sprintf(` AND repository_id = $%d`, len(args))
	}
	if f.ProjectID != "" {
		args = append(args, f.ProjectID)
		query += fmt.Sprintf(` AND project_id = $%d`, len(args))
	}
	if f.Status != "" {
		args = append(args, string(f.Status))
		query += fmt.Sprintf(` AND status = $%d`, len(args))
	}
	query += ` ORDER BY order_index, created_at`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list tasks: %w", err)
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
	var claimed, completed *int64
	var created, updated int64
	err := row.Scan(&t.TaskID, &t.Scope.TenantID, &t.Scope.UserID, &t.Scope.WorkspaceID, &t.Scope.WorktreeID,
		&scopeKind, &t.RepositoryID, &t.ProjectID, &t.Title, &t.Body, &status, &t.OrderIndex,
		&t.ClaimedByControllerID, &t.ClaimedByProjectID, &t.BranchName, &t.BaseBranch,
		&claimed, &completed, &created, &updated)
	if errors.Is(err, pgx.ErrNoRows) {
		return t, state.ErrNotFound
	}
	if err != nil {
		return t, fmt.Errorf("postgres: scan task: %w", err)
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
	_, err = s.pool.Exec(ctx, `
		INSERT INTO observed_events (cursor, type, tenant_id, user_id, workspace_id, worktree_id, ts, payload)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		ev.Cursor, ev.Type, ev.Scope.TenantID, ev.Scope.UserID, ev.Scope.WorkspaceID, ev.Scope.WorktreeID,
		ev.TS.Unix(), payload)
	if err != nil {
		return fmt.Errorf("postgres: append observed: %w", err)
	}
	return nil
}

func (s *Store) ListObservedSince(ctx context.Context, scope harness.Scope, afterCursor uint64, limit int) ([]harness.ObservedEvent, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := s.pool.Query(ctx, `
		SELECT cursor, type, tenant_id, user_id, workspace_id, worktree_id, ts, payload
		FROM observed_events
		WHERE tenant_id = $1 AND user_id = $2 AND workspace_id = $3 AND cursor > $4
		ORDER BY seq LIMIT $5`,
		scope.TenantID, scope.UserID, scope.WorkspaceID, afterCursor, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: list observed: %w", err)
	}
	defer rows.Close()

	var out []harness.ObservedEvent
	for rows.Next() {
		var ev harness.ObservedEvent
		var ts int64
		var payload []byte
		if err := rows.Scan(&ev.Cursor, &ev.Type, &ev.Scope.TenantID, &ev.Scope.UserID,
			&ev.Scope.WorkspaceID, &ev.Scope.WorktreeID, &ts, &payload); err != nil {
			return nil, fmt.Errorf("postgres: scan observed: %w", err)
		}
		ev.TS = time.Unix(ts, 0).UTC()
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &ev.Payload); err != nil {
				return nil, fmt.Errorf("postgres: observed payload: %w", err)
			}
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}
