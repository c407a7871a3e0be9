package control

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/shirou/gopsutil/v3/process"
)

// ErrLocked means another live process holds the control lock.
var ErrLocked = errors.New("control: lock held by another process")

// lockOwner identifies the lock holder. PID alone is not enough: PIDs
// recycle, so the holder's process start time disambiguates.
type lockOwner struct {
	PID       int   `json:"pid"`
	StartedAt int64 `json:"startedAt"`
}

func selfOwner() lockOwner {
	pid := os.Getpid()
	return lockOwner{PID: pid, StartedAt: processStartMillis(int32(pid))}
}

// processStartMillis returns the kernel-reported process creation time, or
// 0 when the process table cannot be read.
func processStartMillis(pid int32) int64 {
	p, err := process.NewProcess(pid)
	if err != nil {
		return 0
	}
	created, err := p.CreateTime()
	if err != nil {
		return 0
	}
	return created
}

// pidAlive reports whether pid exists and matches the recorded start time.
// A recycled PID with a different start time counts as dead.
func pidAlive(pid int, startedAt int64) bool {
	if pid <= 0 {
		return false
	}
	exists, err := process.PidExists(int32(pid))
	if err != nil || !exists {
		return false
	}
	if startedAt == 0 {
		return true
	}
	created := processStartMillis(int32(pid))
	return created == 0 || created == startedAt
}

// acquireLock takes the workspace control lock. Reentrant for the current
// process; stale locks from dead processes are replaced.
func acquireLock(path string) (release func(), err error) {
	self := selfOwner()
	for {
		f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
		if err == nil {
			data, _ := json.Marshal(self)
			if _, werr := f.Write(data); werr != nil {
				f.Close()
				os.Remove(path)
				return nil, fmt.Errorf("control: write lock: %w", werr)
			}
			f.Close()
			return func() { os.Remove(path) }, nil
		}
		if !errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("control: open lock: %w", err)
		}

		data, rerr := os.ReadFile(path)
		if rerr != nil {
			if errors.Is(rerr, os.ErrNotExist) {
				continue // holder released between our open and read
			}
			return nil, fmt.Errorf("control: read lock: %w", rerr)
		}
		var owner lockOwner
		if jerr := json.Unmarshal(data, &owner); jerr == nil {
			if owner.PID == self.PID && owner.StartedAt == self.StartedAt {
				// Reentrant acquisition; the outermost caller removes it.
				return func() {}, nil
			}
			if pidAlive(owner.PID, owner.StartedAt) {
				return nil, fmt.Errorf("%w (pid %d)", ErrLocked, owner.PID)
			}
		}
		// Stale or corrupt lock: clear it and retry the exclusive create.
		os.Remove(path)
	}
}

// withLock runs fn while holding the workspace control lock.
func withLock(ws Workspace, fn func() error) error {
	if err := ws.Ensure(); err != nil {
		return err
	}
	release, err := acquireLock(ws.LockPath())
	if err != nil {
		return err
	}
	defer release()
	return fn()
}
