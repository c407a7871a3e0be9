// Package control manages the gateway daemon from the outside: workspace
// paths, the lock and record files, start/stop/status lifecycle, readiness
// probing, and orphan process cleanup.
package control

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// sessionNameRe bounds --session names to a filesystem-safe alphabet.
var sessionNameRe = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,63}$`)

// ValidSessionName reports whether name is acceptable for --session.
func ValidSessionName(name string) bool {
	return sessionNameRe.MatchString(name)
}

// Workspace is the runtime directory for one invocation directory,
// optionally narrowed to a named session.
type Workspace struct {
	// Root is <config-root>/workspaces/<base>-<hash12>.
	Root string
	// SessionName is empty for the default session.
	SessionName string
}

// ResolveWorkspace derives the workspace root from the invocation
// directory. Two different paths with the same basename get distinct
// workspaces via the hash suffix.
func ResolveWorkspace(configRoot, invokeCwd, sessionName string) (Workspace, error) {
	if sessionName != "" && !ValidSessionName(sessionName) {
		return Workspace{}, fmt.Errorf("control: invalid session name %q", sessionName)
	}
	abs, err := filepath.Abs(invokeCwd)
	if err != nil {
		return Workspace{}, fmt.Errorf("control: resolve workspace: %w", err)
	}
	sum := sha256.Sum256([]byte(abs))
	dir := fmt.Sprintf("%s-%s", sanitizeBase(filepath.Base(abs)), hex.EncodeToString(sum[:])[:12])
	return Workspace{
		Root:        filepath.Join(configRoot, "workspaces", dir),
		SessionName: sessionName,
	}, nil
}

// sanitizeBase keeps the basename readable in directory listings while
// dropping anything outside the session-name alphabet.
func sanitizeBase(base string) string {
	var b strings.Builder
	for _, r := range base {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9',
			r == '.', r == '_', r == '-':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	if b.Len() == 0 {
		return "workspace"
	}
	return b.String()
}

// dir returns where this workspace's runtime files live: the root for the
// default session, sessions/<name> otherwise.
func (w Workspace) dir() string {
	if w.SessionName == "" {
		return w.Root
	}
	return filepath.Join(w.Root, "sessions", w.SessionName)
}

// Ensure creates the workspace directory tree.
func (w Workspace) Ensure() error {
	if err := os.MkdirAll(w.dir(), 0o755); err != nil {
		return fmt.Errorf("control: create workspace: %w", err)
	}
	return nil
}

// RecordPath is the gateway record file.
func (w Workspace) RecordPath() string { return filepath.Join(w.dir(), "gateway.json") }

// LogPath is the daemon's append-only log.
func (w Workspace) LogPath() string { return filepath.Join(w.dir(), "gateway.log") }

// DBPath is the default state database.
func (w Workspace) DBPath() string { return filepath.Join(w.dir(), "control-plane.sqlite") }

// EventDBPath is the append-only envelope mirror.
func (w Workspace) EventDBPath() string { return filepath.Join(w.dir(), "events.sqlite") }

// NotifySocketPath is the unix socket hook scripts deliver notifications
// to.
func (w Workspace) NotifySocketPath() string { return filepath.Join(w.dir(), "notify.sock") }

// LockPath is the control lock serializing lifecycle operations.
func (w Workspace) LockPath() string { return filepath.Join(w.dir(), "control.lock") }

// SessionsDir holds per-session subtrees under the workspace root.
func (w Workspace) SessionsDir() string { return filepath.Join(w.Root, "sessions") }

// ScriptsDir holds workspace-installed helper scripts (notify relays).
func (w Workspace) ScriptsDir() string { return filepath.Join(w.Root, "scripts") }

// PtyHelperPath is the workspace-scoped install path of the PTY helper
// binary.
func (w Workspace) PtyHelperPath() string { return filepath.Join(w.Root, "bin", "harness-pty") }
