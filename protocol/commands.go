package protocol

import (
	harness "github.com/jmoyers/harness-sub010"
)

// Command types accepted by the gateway dispatcher.
const (
	CmdSessionList      = "session.list"
	CmdSessionStatus    = "session.status"
	CmdSessionSnapshot  = "session.snapshot"
	CmdSessionRespond   = "session.respond"
	CmdSessionInterrupt = "session.interrupt"
	CmdSessionRemove    = "session.remove"
	CmdSessionClaim     = "session.claim"
	CmdSessionRelease   = "session.release"

	CmdPtyStart             = "pty.start"
	CmdPtyAttach            = "pty.attach"
	CmdPtyDetach            = "pty.detach"
	CmdPtySubscribeEvents   = "pty.subscribe-events"
	CmdPtyUnsubscribeEvents = "pty.unsubscribe-events"
	CmdPtyClose             = "pty.close"

	CmdAttentionList = "attention.list"

	CmdDirectoryUpsert  = "directory.upsert"
	CmdDirectoryList    = "directory.list"
	CmdDirectoryArchive = "directory.archive"

	CmdRepositoryUpsert  = "repository.upsert"
	CmdRepositoryList    = "repository.list"
	CmdRepositoryUpdate  = "repository.update"
	CmdRepositoryArchive = "repository.archive"

	CmdTaskCreate   = "task.create"
	CmdTaskUpdate   = "task.update"
	CmdTaskDelete   = "task.delete"
	CmdTaskList     = "task.list"
	CmdTaskReorder  = "task.reorder"
	CmdTaskReady    = "task.ready"
	CmdTaskDraft    = "task.draft"
	CmdTaskComplete = "task.complete"
	CmdTaskClaim    = "task.claim"
	CmdTaskPull     = "task.pull"

	CmdConversationCreate      = "conversation.create"
	CmdConversationUpdateTitle = "conversation.update-title"
	CmdConversationList        = "conversation.list"
	CmdConversationArchive     = "conversation.archive"

	CmdStreamSubscribe      = "stream.subscribe"
	CmdStreamUnsubscribe    = "stream.unsubscribe"
	CmdObservedList         = "observed.list"
	CmdKeyEventsSubscribe   = "key-events.subscribe"
	CmdKeyEventsUnsubscribe = "key-events.unsubscribe"
)

// Typed command parameter payloads. Each struct marshals to the command
// object carried on a command envelope; Type must be set to the matching
// Cmd* constant.

type SessionListParams struct {
	Type  string `json:"type"`
	Limit int    `json:"limit,omitempty"`
}

type SessionRefParams struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
}

type SessionRespondParams struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
	Text      string `json:"text"`
}

type SessionClaimParams struct {
	Type            string                 `json:"type"`
	SessionID       string                 `json:"sessionId"`
	ControllerID    string                 `json:"controllerId"`
	ControllerType  harness.ControllerType `json:"controllerType,omitempty"`
	ControllerLabel string                 `json:"controllerLabel,omitempty"`
	Takeover        bool                   `json:"takeover,omitempty"`
}

type PtyStartParams struct {
	Type      string            `json:"type"`
	SessionID string            `json:"sessionId"`
	Command   []string          `json:"command"`
	Dir       string            `json:"dir,omitempty"`
	Env       map[string]string `json:"env,omitempty"`
	Cols      int               `json:"cols,omitempty"`
	Rows      int               `json:"rows,omitempty"`
}

type PtyAttachParams struct {
	Type        string  `json:"type"`
	SessionID   string  `json:"sessionId"`
	SinceCursor *uint64 `json:"sinceCursor,omitempty"`
}

type DirectoryUpsertParams struct {
	Type  string        `json:"type"`
	Path  string        `json:"path"`
	Scope harness.Scope `json:"scope"`
}

type DirectoryRefParams struct {
	Type        string `json:"type"`
	DirectoryID string `json:"directoryId"`
}

type ScopeParams struct {
	Type  string        `json:"type"`
	Scope harness.Scope `json:"scope"`
}

type RepositoryUpsertParams struct {
	Type          string            `json:"type"`
	Scope         harness.Scope     `json:"scope"`
	Name          string            `json:"name"`
	RemoteURL     string            `json:"remoteUrl"`
	DefaultBranch string            `json:"defaultBranch,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

type RepositoryUpdateParams struct {
	Type          string            `json:"type"`
	RepositoryID  string            `json:"repositoryId"`
	Name          string            `json:"name,omitempty"`
	DefaultBranch string            `json:"defaultBranch,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

type RepositoryRefParams struct {
	Type         string `json:"type"`
	RepositoryID string `json:"repositoryId"`
}

type TaskCreateParams struct {
	Type         string                `json:"type"`
	Scope        harness.Scope         `json:"scope"`
	ScopeKind    harness.TaskScopeKind `json:"scopeKind"`
	RepositoryID string                `json:"repositoryId,omitempty"`
	ProjectID    string                `json:"projectId,omitempty"`
	Title        string                `json:"title"`
	Body         string                `json:"body,omitempty"`
}

type TaskUpdateParams struct {
	Type   string  `json:"type"`
	TaskID string  `json:"taskId"`
	Title  *string `json:"title,omitempty"`
	Body   *string `json:"body,omitempty"`
}

type TaskRefParams struct {
	Type   string `json:"type"`
	TaskID string `json:"taskId"`
}

type TaskListParams struct {
	Type         string        `json:"type"`
	Scope        harness.Scope `json:"scope"`
	RepositoryID string        `json:"repositoryId,omitempty"`
	ProjectID    string        `json:"projectId,omitempty"`
}

type TaskReorderParams struct {
	Type       string  `json:"type"`
	TaskID     string  `json:"taskId"`
	OrderIndex float64 `json:"orderIndex"`
}

type TaskClaimParams struct {
	Type         string `json:"type"`
	TaskID       string `json:"taskId"`
	ControllerID string `json:"controllerId"`
	ProjectID    string `json:"projectId,omitempty"`
	BranchName   string `json:"branchName,omitempty"`
	BaseBranch   string `json:"baseBranch,omitempty"`
}

type TaskPullParams struct {
	Type         string        `json:"type"`
	Scope        harness.Scope `json:"scope"`
	RepositoryID string        `json:"repositoryId,omitempty"`
	ControllerID string        `json:"controllerId"`
}

type ConversationCreateParams struct {
	Type        string            `json:"type"`
	SessionID   string            `json:"sessionId,omitempty"`
	DirectoryID string            `json:"directoryId"`
	Scope       harness.Scope     `json:"scope"`
	Title       string            `json:"title,omitempty"`
	AgentType   harness.AgentType `json:"agentType"`
}

type ConversationUpdateTitleParams struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
	Title     string `json:"title"`
}

type StreamSubscribeParams struct {
	Type        string        `json:"type"`
	Scope       harness.Scope `json:"scope"`
	AfterCursor *uint64       `json:"afterCursor,omitempty"`
}

type ObservedListParams struct {
	Type        string        `json:"type"`
	Scope       harness.Scope `json:"scope"`
	AfterCursor uint64        `json:"afterCursor,omitempty"`
	Limit       int           `json:"limit,omitempty"`
}
