//go:build linux

package procgroup

import (
	"os"
	"os/exec"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestKillGroupReapsChildren(t *testing.T) {
	cmd := exec.Command("sh", "-c", "sleep 100 & sleep 100")
	Set(cmd)
	require.NoError(t, cmd.Start())

	pid := cmd.Process.Pid
	pgid, err := syscall.Getpgid(pid)
	require.NoError(t, err)
	require.Equal(t, pid, pgid, "child must lead its own group")

	require.NoError(t, KillGroup(pid, 100*time.Millisecond, time.Second))

	proc, _ := os.FindProcess(pid)
	require.Error(t, proc.Signal(syscall.Signal(0)), "leader must be dead")
	require.Equal(t, syscall.ESRCH, syscall.Kill(-pgid, syscall.Signal(0)), "group must be dead")
}

func TestKillGroupAlreadyGone(t *testing.T) {
	require.NoError(t, KillGroup(4194304, 10*time.Millisecond, 10*time.Millisecond))
}
