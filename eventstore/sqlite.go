package eventstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	harness "github.com/jmoyers/harness-sub010"

	_ "modernc.org/sqlite"
)

// SQLiteStore is the durable side of the event log. One row per envelope,
// insertion ordered by rowid.
type SQLiteStore struct {
	db *sql.DB
}

var _ Appender = (*SQLiteStore)(nil)

// OpenSQLite opens (or creates) the event log at dbPath. Like the state
// store it serializes through a single connection.
func OpenSQLite(ctx context.Context, dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("eventstore: open: %w", err)
	}
	db.SetMaxOpenConns(1)
	_, err = db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS events (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT NOT NULL,
			ts INTEGER NOT NULL,
			kind TEXT NOT NULL,
			tenant_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			workspace_id TEXT NOT NULL,
			worktree_id TEXT NOT NULL DEFAULT '',
			payload TEXT
		)`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("eventstore: create table: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close releases the database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// AppendEvents writes one batch inside a transaction.
func (s *SQLiteStore) AppendEvents(ctx context.Context, batch []harness.EventEnvelope) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("eventstore: begin: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO events (id, ts, kind, tenant_id, user_id, workspace_id, worktree_id, payload)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("eventstore: prepare: %w", err)
	}
	defer stmt.Close()

	for _, env := range batch {
		var payload string
		if env.Payload != nil {
			raw, err := json.Marshal(env.Payload)
			if err != nil {
				return fmt.Errorf("eventstore: marshal payload: %w", err)
			}
			payload = string(raw)
		}
		_, err := stmt.ExecContext(ctx, env.ID, env.TS.UnixMilli(), env.Kind,
			env.Scope.TenantID, env.Scope.UserID, env.Scope.WorkspaceID, env.Scope.WorktreeID, payload)
		if err != nil {
			return fmt.Errorf("eventstore: insert: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("eventstore: commit: %w", err)
	}
	return nil
}

// ListRecent returns up to limit envelopes of the given kind inside scope,
// newest last. Empty kind matches all kinds.
func (s *SQLiteStore) ListRecent(ctx context.Context, scope harness.Scope, kind string, limit int) ([]harness.EventEnvelope, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `
		SELECT id, ts, kind, tenant_id, user_id, workspace_id, worktree_id, payload
		FROM events
		WHERE tenant_id = ? AND user_id = ? AND workspace_id = ?`
	args := []any{scope.TenantID, scope.UserID, scope.WorkspaceID}
	if kind != "" {
		query += ` AND kind = ?`
		args = append(args, kind)
	}
	query += ` ORDER BY seq DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("eventstore: list: %w", err)
	}
	defer rows.Close()

	var out []harness.EventEnvelope
	for rows.Next() {
		var env harness.EventEnvelope
		var ts int64
		var payload sql.NullString
		if err := rows.Scan(&env.ID, &ts, &env.Kind, &env.Scope.TenantID, &env.Scope.UserID,
			&env.Scope.WorkspaceID, &env.Scope.WorktreeID, &payload); err != nil {
			return nil, fmt.Errorf("eventstore: scan: %w", err)
		}
		env.TS = time.UnixMilli(ts).UTC()
		if payload.Valid && payload.String != "" {
			if err := json.Unmarshal([]byte(payload.String), &env.Payload); err != nil {
				return nil, fmt.Errorf("eventstore: payload: %w", err)
			}
		}
		out = append(out, env)
	}
	// Reverse into oldest-first order.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, rows.Err()
}
