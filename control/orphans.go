package control

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v3/process"
)

// Orphan classes. Each is a process signature that survives a crashed
// daemon because it was reparented to init.
const (
	OrphanDaemon      = "daemon"
	OrphanSQLite      = "sqlite"
	OrphanPtyHelper   = "pty-helper"
	OrphanNotifyRelay = "notify-relay"
)

// OrphanSummary is the per-class outcome of a cleanup pass.
type OrphanSummary struct {
	Class      string
	Matched    int
	Terminated int
	Failed     int
	Err        error
}

func (s OrphanSummary) String() string {
	switch {
	case s.Err != nil:
		return fmt.Sprintf("orphan %s cleanup: %v", s.Class, s.Err)
	case s.Matched == 0:
		return fmt.Sprintf("orphan %s cleanup: none found", s.Class)
	case s.Failed == 0:
		return fmt.Sprintf("orphan %s cleanup: terminated %d process(es)", s.Class, s.Terminated)
	}
	return fmt.Sprintf("orphan %s cleanup: matched=%d terminated=%d failed=%d",
		s.Class, s.Matched, s.Terminated, s.Failed)
}

type orphanCandidate struct {
	pid   int
	class string
	// group: signal the whole process group, not just the pid.
	group bool
}

// CleanupOrphans scans the process table for workspace-owned processes
// reparented to init and terminates them. Returns one summary per class in
// a stable order.
func CleanupOrphans(ws Workspace, force bool, timeout time.Duration) []OrphanSummary {
	if timeout <= 0 {
		timeout = defaultStopTimeout
	}
	classes := []string{OrphanDaemon, OrphanSQLite, OrphanPtyHelper, OrphanNotifyRelay}
	byClass := make(map[string]*OrphanSummary, len(classes))
	for _, class := range classes {
		byClass[class] = &OrphanSummary{Class: class}
	}

	candidates, err := findOrphans(ws)
	if err != nil {
		for _, class := range classes {
			byClass[class].Err = err
		}
	}
	for _, cand := range candidates {
		summary := byClass[cand.class]
		summary.Matched++
		if err := terminatePID(cand.pid, cand.group, force, timeout); err != nil {
			summary.Failed++
		} else {
			summary.Terminated++
		}
	}

	out := make([]OrphanSummary, 0, len(classes))
	for _, class := range classes {
		out = append(out, *byClass[class])
	}
	return out
}

// findOrphans walks the process table looking for the four workspace
// signatures among processes reparented to init.
func findOrphans(ws Workspace) ([]orphanCandidate, error) {
	procs, err := process.Processes()
	if err != nil {
		return nil, fmt.Errorf("control: scan processes: %w", err)
	}
	self := os.Getpid()
	dbPath := ws.DBPath()
	var out []orphanCandidate
	for _, p := range procs {
		if int(p.Pid) == self {
			continue
		}
		ppid, err := p.Ppid()
		if err != nil || ppid != 1 {
			continue
		}
		cmdline, err := p.Cmdline()
		if err != nil || cmdline == "" {
			continue
		}
		name, _ := p.Name()

		switch {
		case strings.Contains(cmdline, "--state-db-path "+dbPath),
			strings.Contains(cmdline, "--state-db-path="+dbPath):
			out = append(out, orphanCandidate{pid: int(p.Pid), class: OrphanDaemon, group: true})
		case name == "sqlite3" && strings.Contains(cmdline, dbPath):
			out = append(out, orphanCandidate{pid: int(p.Pid), class: OrphanSQLite})
		case strings.Contains(cmdline, ws.PtyHelperPath()):
			out = append(out, orphanCandidate{pid: int(p.Pid), class: OrphanPtyHelper})
		case strings.Contains(cmdline, ws.ScriptsDir()):
			out = append(out, orphanCandidate{pid: int(p.Pid), class: OrphanNotifyRelay})
		}
	}
	return out, nil
}
