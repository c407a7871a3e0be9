package harness

import "time"

// Normalized event kinds persisted in the event store.
const (
	EventTerminalOutput   = "terminal.output"
	EventAgentNotify      = "agent.notify"
	EventAgentSessionExit = "agent.session-exit"
)

// EventEnvelope is a persisted, insertion-ordered event record.
type EventEnvelope struct {
	ID      string         `json:"id"`
	TS      time.Time      `json:"ts"`
	Kind    string         `json:"kind"`
	Scope   Scope          `json:"scope"`
	Payload map[string]any `json:"payload,omitempty"`
}

// Observed event types published on the gateway hub.
const (
	ObservedSessionStatus      = "session-status"
	ObservedSessionEvent       = "session-event"
	ObservedSessionKeyEvent    = "session-key-event"
	ObservedSessionPrompt      = "session-prompt"
	ObservedTaskCreated        = "task-created"
	ObservedTaskUpdated        = "task-updated"
	ObservedTaskDeleted        = "task-deleted"
	ObservedTaskReordered      = "task-reordered"
	ObservedRepositoryUpserted = "repository-upserted"
	ObservedRepositoryUpdated  = "repository-updated"
	ObservedRepositoryArchived = "repository-archived"
	ObservedDirectoryGit       = "directory-git-updated"
)

// ObservedEvent is an ephemeral hub event with a process-wide monotonic
// cursor. Cursors are unique per gateway process and do not survive a
// daemon restart.
type ObservedEvent struct {
	Cursor  uint64         `json:"cursor"`
	Type    string         `json:"type"`
	Scope   Scope          `json:"scope"`
	TS      time.Time      `json:"ts"`
	Payload map[string]any `json:"payload,omitempty"`
}
