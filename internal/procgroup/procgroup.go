// Package procgroup runs child processes in their own process group so the
// whole tree can be reaped on cancellation. FFmpeg occasionally forks
// helpers; killing only the direct child would leak them past a stall kill.
package procgroup

import (
	"errors"
	"os/exec"
	"time"
)

// ErrKillFailed means the group outlived SIGKILL plus the timeout.
var ErrKillFailed = errors.New("process group would not die")

// Set configures the command to start as a process group leader. Required
// before KillGroup can reap the tree.
func Set(cmd *exec.Cmd) {
	set(cmd)
}

// KillGroup terminates the process group: SIGTERM, wait grace, then SIGKILL.
func KillGroup(pid int, grace, timeout time.Duration) error {
	return killGroup(pid, grace, timeout)
}
