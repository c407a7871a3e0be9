//go:build unix

// Package ptyhost runs a child process attached to a pseudoterminal and
// reports its output chunks, exit status, and sideband session events.
package ptyhost

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"

	"github.com/creack/pty"
	"golang.org/x/sys/unix"

	harness "github.com/jmoyers/harness-sub010"
)

// Spec describes the child process to spawn.
type Spec struct {
	Command []string
	Dir     string
	Env     []string
	Cols    int
	Rows    int
}

// Option configures a Host.
type Option func(*Host)

// WithLogger sets a structured logger. Default is a nop logger.
func WithLogger(l *slog.Logger) Option {
	return func(h *Host) { h.logger = l }
}

// OnChunk registers the raw output callback. Called from the read loop
// with a chunk the callee may retain.
func OnChunk(fn func([]byte)) Option {
	return func(h *Host) { h.onChunk = fn }
}

// OnExit registers the exit callback. Invoked exactly once, even when the
// read loop error and the process exit race.
func OnExit(fn func(harness.ExitStatus)) Option {
	return func(h *Host) { h.onExit = fn }
}

// Host owns one child process under a PTY.
type Host struct {
	cmd    *exec.Cmd
	master *os.File
	logger *slog.Logger

	onChunk func([]byte)
	onExit  func(harness.ExitStatus)

	exitOnce sync.Once
	done     chan struct{}

	writeMu sync.Mutex
}

// Start spawns spec.Command under a new PTY in its own process group and
// begins the read and exit-watch loops.
func Start(ctx context.Context, spec Spec, opts ...Option) (*Host, error) {
	if len(spec.Command) == 0 {
		return nil, fmt.Errorf("ptyhost: empty command")
	}

	h := &Host{
		logger:  slog.New(discardHandler{}),
		onChunk: func([]byte) {},
		onExit:  func(harness.ExitStatus) {},
		done:    make(chan struct{}),
	}
	for _, o := range opts {
		o(h)
	}

	cmd := exec.CommandContext(ctx, spec.Command[0], spec.Command[1:]...)
	cmd.Dir = spec.Dir
	cmd.Env = spec.Env
	if cmd.Env == nil {
		cmd.Env = os.Environ()
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true, Setctty: true}

	cols, rows := spec.Cols, spec.Rows
	if cols <= 0 {
		cols = 80
	}
	if rows <= 0 {
		rows = 24
	}
	master, err := pty.StartWithSize(cmd, &pty.Winsize{Cols: uint16(cols), Rows: uint16(rows)})
	if err != nil {
		return nil, fmt.Errorf("ptyhost: start %q: %w", spec.Command[0], err)
	}
	h.cmd = cmd
	h.master = master

	go h.readLoop()
	go h.watchExit()

	h.logger.Debug("ptyhost: started", "pid", cmd.Process.Pid, "command", spec.Command[0])
	return h, nil
}

// Pid returns the child process id.
func (h *Host) Pid() int {
	return h.cmd.Process.Pid
}

// Done is closed after the exit callback has fired.
func (h *Host) Done() <-chan struct{} {
	return h.done
}

// Write sends keyboard bytes to the child.
func (h *Host) Write(data []byte) error {
	h.writeMu.Lock()
	defer h.writeMu.Unlock()
	if _, err := h.master.Write(data); err != nil {
		return fmt.Errorf("ptyhost: write: %w", err)
	}
	return nil
}

// Resize changes the terminal dimensions.
func (h *Host) Resize(cols, rows int) error {
	if cols < 1 || rows < 1 {
		return fmt.Errorf("ptyhost: invalid size %dx%d", cols, rows)
	}
	if err := pty.Setsize(h.master, &pty.Winsize{Cols: uint16(cols), Rows: uint16(rows)}); err != nil {
		return fmt.Errorf("ptyhost: resize: %w", err)
	}
	return nil
}

// Signal delivers one of the protocol signals: interrupt sends SIGINT to
// the process group, eof writes EOT to the PTY, terminate sends SIGTERM.
func (h *Host) Signal(name string) error {
	switch name {
	case "interrupt":
		return h.kill(unix.SIGINT)
	case "eof":
		return h.Write([]byte{0x04})
	case "terminate":
		return h.kill(unix.SIGTERM)
	}
	return fmt.Errorf("ptyhost: unknown signal %q", name)
}

// Close terminates the child (SIGTERM to the group) and releases the PTY.
// The exit callback still fires via the exit watcher.
func (h *Host) Close() error {
	err := h.kill(unix.SIGTERM)
	if cerr := h.master.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}

// kill signals the child's process group; ESRCH means already exited.
func (h *Host) kill(sig unix.Signal) error {
	pid := h.cmd.Process.Pid
	if err := unix.Kill(-pid, sig); err != nil {
		if errors.Is(err, unix.ESRCH) {
			return nil
		}
		// Fall back to the single PID when the group is gone.
		if err := unix.Kill(pid, sig); err != nil && !errors.Is(err, unix.ESRCH) {
			return fmt.Errorf("ptyhost: signal %v: %w", sig, err)
		}
	}
	return nil
}

func (h *Host) readLoop() {
	buf := make([]byte, 32<<10)
	for {
		n, err := h.master.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			h.onChunk(chunk)
		}
		if err != nil {
			// EIO is the normal end-of-stream on Linux PTYs when the child
			// side closes. Either way the exit watcher owns the terminal
			// transition; a read error must not produce a second exit.
			if !errors.Is(err, io.EOF) && !errors.Is(err, unix.EIO) {
				h.logger.Debug("ptyhost: read", "error", err)
			}
			return
		}
	}
}

func (h *Host) watchExit() {
	err := h.cmd.Wait()
	exit := harness.ExitStatus{}
	if err != nil {
		var ee *exec.ExitError
		if errors.As(err, &ee) {
			if ws, ok := ee.Sys().(syscall.WaitStatus); ok {
				if ws.Signaled() {
					exit.Code = -1
					exit.Signal = unix.SignalName(ws.Signal())
				} else {
					exit.Code = ws.ExitStatus()
				}
			} else {
				exit.Code = ee.ExitCode()
			}
		} else {
			exit.Code = -1
			exit.Signal = "unknown"
		}
	}
	h.deliverExit(exit)
}

// deliverExit coalesces the exit event: exactly one callback, after which
// further errors from the host are dropped.
func (h *Host) deliverExit(exit harness.ExitStatus) {
	h.exitOnce.Do(func() {
		h.master.Close()
		h.onExit(exit)
		close(h.done)
		h.logger.Debug("ptyhost: exited", "code", exit.Code, "signal", exit.Signal)
	})
}

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }
