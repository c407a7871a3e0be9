package control

import (
	"fmt"
	"os"
	"time"

	harness "github.com/jmoyers/harness-sub010"
)

// writeFileAtomic writes data next to path and renames it into place, so a
// reader never observes a torn record. The temp name carries pid, time and
// a fresh id to survive concurrent writers on the same path.
func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	tmp := fmt.Sprintf("%s.tmp-%d-%d-%s", path, os.Getpid(), time.Now().UnixNano(), harness.NewID())
	if err := os.WriteFile(tmp, data, perm); err != nil {
		return fmt.Errorf("control: write %s: %w", path, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("control: rename %s: %w", path, err)
	}
	return nil
}
