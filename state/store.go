// Package state defines the persistent store for harness metadata:
// directories, repositories, conversations, tasks, and the observed-event
// log. Backends live in state/sqlite (local) and state/postgres (remote).
package state

import (
	"context"
	"time"

	harness "github.com/jmoyers/harness-sub010"
)

// TaskFilter narrows a task listing. Zero fields match everything inside
// the scope.
type TaskFilter struct {
	Scope        harness.Scope
	RepositoryID string
	ProjectID    string
	Status       harness.TaskStatus
}

// Store is the persistence contract. The gateway is the only writer; all
// rows carry the scope tuple and queries never cross scopes.
type Store interface {
	Init(ctx context.Context) error
	Close() error

	UpsertDirectory(ctx context.Context, d harness.Directory) error
	GetDirectory(ctx context.Context, id string) (harness.Directory, error)
	ListDirectories(ctx context.Context, scope harness.Scope) ([]harness.Directory, error)
	ArchiveDirectory(ctx context.Context, id string, at time.Time) error

	UpsertRepository(ctx context.Context, r harness.Repository) error
	GetRepository(ctx context.Context, id string) (harness.Repository, error)
	ListRepositories(ctx context.Context, scope harness.Scope) ([]harness.Repository, error)
	UpdateRepository(ctx context.Context, r harness.Repository) error
	ArchiveRepository(ctx context.Context, id string, at time.Time) error

	CreateConversation(ctx context.Context, c harness.Conversation) error
	GetConversation(ctx context.Context, id string) (harness.Conversation, error)
	ListConversations(ctx context.Context, scope harness.Scope) ([]harness.Conversation, error)
	UpdateConversationTitle(ctx context.Context, id, title string) error
	ArchiveConversation(ctx context.Context, id string, at time.Time) error
	SaveRuntimeSnapshot(ctx context.Context, id string, snap harness.RuntimeSnapshot) error

	CreateTask(ctx context.Context, t harness.Task) error
	GetTask(ctx context.Context, id string) (harness.Task, error)
	UpdateTask(ctx context.Context, t harness.Task) error
	DeleteTask(ctx context.Context, id string) error
	ListTasks(ctx context.Context, f TaskFilter) ([]harness.Task, error)

	AppendObserved(ctx context.Context, ev harness.ObservedEvent) error
	ListObservedSince(ctx context.Context, scope harness.Scope, afterCursor uint64, limit int) ([]harness.ObservedEvent, error)
}

// ErrNotFound is returned by Get* methods for unknown ids.
var ErrNotFound = harness.Errf(harness.KindInternal, "state: record not found")
