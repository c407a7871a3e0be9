package harness

import "time"

// Status is the derived state of a session runtime.
type Status string

const (
	StatusRunning    Status = "running"
	StatusNeedsInput Status = "needs-input"
	StatusCompleted  Status = "completed"
	StatusExited     Status = "exited"
)

// AgentType identifies which coding agent a conversation runs.
type AgentType string

const (
	AgentCodex    AgentType = "codex"
	AgentClaude   AgentType = "claude"
	AgentCursor   AgentType = "cursor"
	AgentCritique AgentType = "critique"
)

// ValidAgentType reports whether s names a known agent.
func ValidAgentType(s string) bool {
	switch AgentType(s) {
	case AgentCodex, AgentClaude, AgentCursor, AgentCritique:
		return true
	}
	return false
}

// ExitStatus records how a PTY child terminated. Exactly one of Code or
// Signal is meaningful: Signal is empty for a normal exit.
type ExitStatus struct {
	Code   int    `json:"code"`
	Signal string `json:"signal,omitempty"`
}

// ControllerType distinguishes human from agent claimants.
type ControllerType string

const (
	ControllerHuman ControllerType = "human"
	ControllerAgent ControllerType = "agent"
)

// Controller is the single claimant allowed to send input, resize, and
// signals to a session.
type Controller struct {
	ControllerID    string         `json:"controllerId"`
	ControllerType  ControllerType `json:"controllerType"`
	ControllerLabel string         `json:"controllerLabel,omitempty"`
	ClaimedAt       time.Time      `json:"claimedAt"`
}

// ClaimAction is the outcome of a session.claim command.
type ClaimAction string

const (
	ClaimClaimed          ClaimAction = "claimed"
	ClaimAlreadyOwned     ClaimAction = "already-owned"
	ClaimTakeoverDeclined ClaimAction = "takeover-declined"
)

// Directory is a registered working directory.
type Directory struct {
	DirectoryID string     `json:"directoryId"`
	Path        string     `json:"path"`
	Scope       Scope      `json:"scope"`
	CreatedAt   time.Time  `json:"createdAt"`
	ArchivedAt  *time.Time `json:"archivedAt,omitempty"`
}

// Repository is a registered git repository.
type Repository struct {
	RepositoryID  string            `json:"repositoryId"`
	Scope         Scope             `json:"scope"`
	Name          string            `json:"name"`
	RemoteURL     string            `json:"remoteUrl"`
	DefaultBranch string            `json:"defaultBranch"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	CreatedAt     time.Time         `json:"createdAt"`
	ArchivedAt    *time.Time        `json:"archivedAt,omitempty"`
}

// RuntimeSnapshot is the embedded runtime view of a conversation: what the
// UI needs to render a row without attaching to the PTY.
type RuntimeSnapshot struct {
	Status          Status      `json:"status"`
	StatusModel     string      `json:"statusModel,omitempty"`
	Live            bool        `json:"live"`
	AttentionReason string      `json:"attentionReason,omitempty"`
	ProcessID       int         `json:"processId,omitempty"`
	LastEventAt     time.Time   `json:"lastEventAt,omitempty"`
	LastExit        *ExitStatus `json:"lastExit,omitempty"`
	Controller      *Controller `json:"controller,omitempty"`
}

// Conversation is a single agent PTY session. threadId, sessionId, and
// conversationId name the same identifier.
type Conversation struct {
	ThreadID     string         `json:"threadId"`
	DirectoryID  string         `json:"directoryId"`
	Scope        Scope          `json:"scope"`
	Title        string         `json:"title"`
	AgentType    AgentType      `json:"agentType"`
	AdapterState map[string]any `json:"adapterState,omitempty"`
	CreatedAt    time.Time      `json:"createdAt"`
	ArchivedAt   *time.Time     `json:"archivedAt,omitempty"`

	Runtime RuntimeSnapshot `json:"runtime"`
}

// TaskStatus is the lifecycle state of a Task.
type TaskStatus string

const (
	TaskDraft     TaskStatus = "draft"
	TaskReady     TaskStatus = "ready"
	TaskClaimed   TaskStatus = "claimed"
	TaskCompleted TaskStatus = "completed"
)

// TaskScopeKind says whether a task hangs off a repository or a project.
type TaskScopeKind string

const (
	TaskScopeRepository TaskScopeKind = "repository"
	TaskScopeProject    TaskScopeKind = "project"
)

// Task is a unit of work queued against a repository or project.
type Task struct {
	TaskID       string        `json:"taskId"`
	Scope        Scope         `json:"scope"`
	ScopeKind    TaskScopeKind `json:"scopeKind"`
	RepositoryID string        `json:"repositoryId,omitempty"`
	ProjectID    string        `json:"projectId,omitempty"`
	Title        string        `json:"title"`
	Body         string        `json:"body,omitempty"`
	Status       TaskStatus    `json:"status"`
	OrderIndex   float64       `json:"orderIndex"`

	ClaimedByControllerID string     `json:"claimedByControllerId,omitempty"`
	ClaimedByProjectID    string     `json:"claimedByProjectId,omitempty"`
	BranchName            string     `json:"branchName,omitempty"`
	BaseBranch            string     `json:"baseBranch,omitempty"`
	ClaimedAt             *time.Time `json:"claimedAt,omitempty"`
	CompletedAt           *time.Time `json:"completedAt,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}
