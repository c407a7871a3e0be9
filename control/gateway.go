package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/jmoyers/harness-sub010/client"
	"github.com/jmoyers/harness-sub010/internal/config"
)

const (
	defaultStopTimeout = 5 * time.Second
	// gcMaxAge is how stale a session subtree must be before gc removes it.
	gcMaxAge = 7 * 24 * time.Hour
)

// GatewayOption configures a Gateway controller.
type GatewayOption func(*Gateway)

// WithLogger sets a structured logger.
func WithLogger(l *slog.Logger) GatewayOption {
	return func(g *Gateway) { g.logger = l }
}

// WithOutput redirects human-readable status lines (default os.Stdout).
func WithOutput(w io.Writer) GatewayOption {
	return func(g *Gateway) { g.out = w }
}

// Gateway drives the daemon lifecycle for one workspace.
type Gateway struct {
	cfg    config.RuntimeConfig
	ws     Workspace
	logger *slog.Logger
	out    io.Writer
}

// NewGateway binds lifecycle operations to a workspace.
func NewGateway(cfg config.RuntimeConfig, ws Workspace, opts ...GatewayOption) *Gateway {
	g := &Gateway{cfg: cfg, ws: ws, logger: slog.Default(), out: os.Stdout}
	for _, o := range opts {
		o(g)
	}
	return g
}

// StartOptions override the config-derived daemon settings.
type StartOptions struct {
	Host        string
	Port        int
	AuthToken   string
	StateDBPath string
}

func (g *Gateway) resolveStart(opts StartOptions) StartOptions {
	if opts.Host == "" {
		opts.Host = g.cfg.ControlPlane.Host
	}
	if opts.Port == 0 {
		opts.Port = g.cfg.ControlPlane.Port
	}
	if opts.AuthToken == "" {
		opts.AuthToken = g.cfg.ControlPlane.AuthToken
	}
	if opts.StateDBPath == "" {
		opts.StateDBPath = g.cfg.ControlPlane.DBPath
	}
	if opts.StateDBPath == "" {
		opts.StateDBPath = g.ws.DBPath()
	}
	if abs, err := filepath.Abs(opts.StateDBPath); err == nil {
		opts.StateDBPath = abs
	}
	return opts
}

// Start launches a detached daemon, waits for readiness and writes the
// gateway record. Reports "already running" when the recorded daemon still
// answers.
func (g *Gateway) Start(ctx context.Context, opts StartOptions) error {
	opts = g.resolveStart(opts)
	return withLock(g.ws, func() error {
		if rec, err := ReadRecord(g.ws.RecordPath()); err == nil {
			if _, perr := probeOnce(ctx, rec.Addr(), rec.AuthToken); perr == nil {
				fmt.Fprintf(g.out, "gateway already running (pid %d, %s)\n", rec.PID, rec.Addr())
				return nil
			}
			if pidAlive(rec.PID, 0) {
				return fmt.Errorf("control: gateway pid %d is alive but unreachable; run `gateway stop --force` first", rec.PID)
			}
			// Dead PID: the record is stale.
			os.Remove(g.ws.RecordPath())
		}

		pid, err := g.spawnDaemon(opts)
		if err != nil {
			return err
		}

		addr := net.JoinHostPort(opts.Host, strconv.Itoa(opts.Port))
		if _, err := waitReady(ctx, addr, opts.AuthToken,
			g.cfg.ControlPlane.RetryWindow(), g.cfg.ControlPlane.RetryDelay()); err != nil {
			// The child never came up; do not leave it lingering.
			unix.Kill(pid, unix.SIGTERM)
			return err
		}

		rec := GatewayRecord{
			PID:           pid,
			Host:          opts.Host,
			Port:          opts.Port,
			AuthToken:     opts.AuthToken,
			StateDBPath:   opts.StateDBPath,
			StartedAt:     time.Now().UTC(),
			WorkspaceRoot: g.ws.Root,
		}
		if err := WriteRecord(g.ws.RecordPath(), rec); err != nil {
			unix.Kill(pid, unix.SIGTERM)
			return err
		}
		fmt.Fprintf(g.out, "gateway started (pid %d, %s)\n", pid, addr)
		return nil
	})
}

// spawnDaemon re-executes this binary as `gateway run` in a new session,
// with stdio appended to the workspace log.
func (g *Gateway) spawnDaemon(opts StartOptions) (int, error) {
	exe, err := os.Executable()
	if err != nil {
		return 0, fmt.Errorf("control: resolve executable: %w", err)
	}
	args := []string{}
	if g.ws.SessionName != "" {
		args = append(args, "--session", g.ws.SessionName)
	}
	args = append(args, "gateway", "run",
		"--host", opts.Host,
		"--port", strconv.Itoa(opts.Port),
		"--state-db-path", opts.StateDBPath,
	)
	if opts.AuthToken != "" {
		args = append(args, "--auth-token", opts.AuthToken)
	}

	logFile, err := os.OpenFile(g.ws.LogPath(), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return 0, fmt.Errorf("control: open gateway log: %w", err)
	}
	defer logFile.Close()

	cmd := exec.Command(exe, args...)
	cmd.Dir = g.ws.dir()
	cmd.Env = append(os.Environ(), "HARNESS_INVOKE_CWD="+g.cfg.InvokeCwd)
	cmd.Stdin = nil
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("control: spawn gateway: %w", err)
	}
	pid := cmd.Process.Pid
	cmd.Process.Release()
	return pid, nil
}

// Run starts the daemon in the foreground, inheriting stdio, and blocks
// until ctx is cancelled. The record is removed on the way out if it still
// points at this process.
func (g *Gateway) Run(ctx context.Context, opts StartOptions) error {
	opts = g.resolveStart(opts)

	var daemon *Daemon
	err := withLock(g.ws, func() error {
		if rec, err := ReadRecord(g.ws.RecordPath()); err == nil {
			if _, perr := probeOnce(ctx, rec.Addr(), rec.AuthToken); perr == nil {
				return fmt.Errorf("control: gateway already running (pid %d)", rec.PID)
			}
			if !pidAlive(rec.PID, 0) {
				os.Remove(g.ws.RecordPath())
			}
		}
		d, err := StartDaemon(ctx, DaemonOptions{
			Host:             opts.Host,
			Port:             opts.Port,
			AuthToken:        opts.AuthToken,
			StateDBPath:      opts.StateDBPath,
			EventDBPath:      g.ws.EventDBPath(),
			NotifySocketPath: g.ws.NotifySocketPath(),
			DatabaseDriver:   g.cfg.Database.Driver,
			DatabaseURL:      g.cfg.Database.URL,
			ObserverEnabled:  g.cfg.Observer.Enabled,
			Logger:           g.logger,
		})
		if err != nil {
			return err
		}
		daemon = d
		rec := GatewayRecord{
			PID:           os.Getpid(),
			Host:          opts.Host,
			Port:          d.Port(),
			AuthToken:     opts.AuthToken,
			StateDBPath:   opts.StateDBPath,
			StartedAt:     time.Now().UTC(),
			WorkspaceRoot: g.ws.Root,
		}
		return WriteRecord(g.ws.RecordPath(), rec)
	})
	if err != nil {
		if daemon != nil {
			daemon.Close(context.Background())
		}
		return err
	}

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	daemon.Close(shutdownCtx)
	g.removeRecordIfOwn(os.Getpid())
	return nil
}

func (g *Gateway) removeRecordIfOwn(pid int) {
	rec, err := ReadRecord(g.ws.RecordPath())
	if err == nil && rec.PID == pid {
		os.Remove(g.ws.RecordPath())
	}
}

// StopOptions control how hard the daemon is brought down.
type StopOptions struct {
	Force          bool
	Timeout        time.Duration
	CleanupOrphans bool
}

// Stop terminates the recorded daemon: SIGTERM to the process group and
// the PID, SIGKILL after the timeout when forced, then removes the record.
func (g *Gateway) Stop(ctx context.Context, opts StopOptions) error {
	if opts.Timeout <= 0 {
		opts.Timeout = defaultStopTimeout
	}
	return withLock(g.ws, func() error {
		rec, err := ReadRecord(g.ws.RecordPath())
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintln(g.out, "gateway not running")
			g.maybeCleanupOrphans(opts)
			return nil
		}
		if err != nil {
			return err
		}

		if _, perr := probeOnce(ctx, rec.Addr(), rec.AuthToken); perr != nil {
			if pidAlive(rec.PID, 0) && !opts.Force {
				return fmt.Errorf("control: gateway pid %d unreachable; retry with --force", rec.PID)
			}
		}

		if err := terminatePID(rec.PID, true, opts.Force, opts.Timeout); err != nil {
			return err
		}
		os.Remove(g.ws.RecordPath())
		fmt.Fprintf(g.out, "gateway stopped (pid %d)\n", rec.PID)
		g.maybeCleanupOrphans(opts)
		return nil
	})
}

func (g *Gateway) maybeCleanupOrphans(opts StopOptions) {
	if !opts.CleanupOrphans {
		return
	}
	for _, summary := range CleanupOrphans(g.ws, opts.Force, opts.Timeout) {
		fmt.Fprintf(g.out, "%s\n", summary)
	}
}

// terminatePID sends SIGTERM (to the process group too when group is set),
// polls for exit, and escalates to SIGKILL iff force. ESRCH counts as
// already exited.
func terminatePID(pid int, group, force bool, timeout time.Duration) error {
	signalBoth := func(sig unix.Signal) {
		if group {
			unix.Kill(-pid, sig)
		}
		unix.Kill(pid, sig)
	}
	signalBoth(unix.SIGTERM)
	if waitExit(pid, timeout) {
		return nil
	}
	if !force {
		return fmt.Errorf("control: pid %d did not exit within %s", pid, timeout)
	}
	signalBoth(unix.SIGKILL)
	if waitExit(pid, timeout) {
		return nil
	}
	return fmt.Errorf("control: pid %d survived SIGKILL", pid)
}

func waitExit(pid int, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if !pidAlive(pid, 0) {
			return true
		}
		time.Sleep(50 * time.Millisecond)
	}
	return !pidAlive(pid, 0)
}

// Restart is a forced stop followed by a fresh start on the same settings.
func (g *Gateway) Restart(ctx context.Context, opts StartOptions) error {
	if err := g.Stop(ctx, StopOptions{Force: true}); err != nil {
		return err
	}
	if err := g.Start(ctx, opts); err != nil {
		return fmt.Errorf("control: restart: %w", err)
	}
	return nil
}

// StatusInfo is the result of a status query.
type StatusInfo struct {
	Running   bool
	Reachable bool
	PID       int
	Addr      string
	Sessions  int
	Live      int
}

// Status reports record presence, PID liveness and live session counts.
func (g *Gateway) Status(ctx context.Context) (StatusInfo, error) {
	rec, err := ReadRecord(g.ws.RecordPath())
	if errors.Is(err, os.ErrNotExist) {
		return StatusInfo{}, nil
	}
	if err != nil {
		return StatusInfo{}, err
	}
	info := StatusInfo{
		Running: pidAlive(rec.PID, 0),
		PID:     rec.PID,
		Addr:    rec.Addr(),
	}
	if res, perr := probeOnce(ctx, rec.Addr(), rec.AuthToken); perr == nil {
		info.Reachable = true
		info.Sessions = res.Sessions
		info.Live = res.Live
	}
	return info, nil
}

// CallJSON sends one raw command to the running gateway and returns the
// result payload.
func (g *Gateway) CallJSON(ctx context.Context, raw []byte) (json.RawMessage, error) {
	if !json.Valid(raw) {
		return nil, fmt.Errorf("control: call payload is not valid JSON")
	}
	rec, err := ReadRecord(g.ws.RecordPath())
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("control: gateway not running")
	}
	if err != nil {
		return nil, err
	}

	opts := []client.Option{
		client.WithRetryWindow(g.cfg.ControlPlane.RetryWindow()),
		client.WithRetryDelay(g.cfg.ControlPlane.RetryDelay()),
	}
	if rec.AuthToken != "" {
		opts = append(opts, client.WithAuthToken(rec.AuthToken))
	}
	c, err := client.Dial(ctx, rec.Addr(), opts...)
	if err != nil {
		return nil, err
	}
	defer c.Close()
	return c.Call(ctx, json.RawMessage(raw))
}

// GCResult summarizes one gc pass over the sessions directory.
type GCResult struct {
	Removed int
	Skipped int
}

// GC removes named-session subtrees whose artifacts are all older than a
// week and whose recorded PID is dead. Live or recent sessions are skipped.
func (g *Gateway) GC() (GCResult, error) {
	var res GCResult
	entries, err := os.ReadDir(g.ws.SessionsDir())
	if errors.Is(err, os.ErrNotExist) {
		return res, nil
	}
	if err != nil {
		return res, fmt.Errorf("control: gc: %w", err)
	}
	cutoff := time.Now().Add(-gcMaxAge)
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		dir := filepath.Join(g.ws.SessionsDir(), entry.Name())
		if sessionCollectable(dir, cutoff) {
			if err := os.RemoveAll(dir); err != nil {
				g.logger.Warn("control: gc remove failed", "dir", dir, "error", err)
				res.Skipped++
				continue
			}
			res.Removed++
		} else {
			res.Skipped++
		}
	}
	return res, nil
}

// sessionCollectable reports whether every artifact under dir predates the
// cutoff and the session's recorded daemon is dead.
func sessionCollectable(dir string, cutoff time.Time) bool {
	if rec, err := ReadRecord(filepath.Join(dir, "gateway.json")); err == nil {
		if pidAlive(rec.PID, 0) {
			return false
		}
	}
	fresh := false
	filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil || fresh {
			return nil
		}
		if info, ierr := d.Info(); ierr == nil && info.ModTime().After(cutoff) {
			fresh = true
		}
		return nil
	})
	return !fresh
}
