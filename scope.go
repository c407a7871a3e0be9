package harness

// Scope identifies the tenant, user, and workspace a record belongs to.
// Sessions additionally carry a worktree. The core uses scope only for
// filtering; records never cross scopes.
type Scope struct {
	TenantID    string `json:"tenantId"`
	UserID      string `json:"userId"`
	WorkspaceID string `json:"workspaceId"`
	WorktreeID  string `json:"worktreeId,omitempty"`
}

// Matches reports whether s falls inside filter. Empty filter fields match
// anything; the worktree is compared only when the filter sets one.
func (s Scope) Matches(filter Scope) bool {
	if filter.TenantID != "" && filter.TenantID != s.TenantID {
		return false
	}
	if filter.UserID != "" && filter.UserID != s.UserID {
		return false
	}
	if filter.WorkspaceID != "" && filter.WorkspaceID != s.WorkspaceID {
		return false
	}
	if filter.WorktreeID != "" && filter.WorktreeID != s.WorktreeID {
		return false
	}
	return true
}
