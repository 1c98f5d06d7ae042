//go:build unix

package executor

import (
	"os/exec"
	"syscall"
	"time"
)

// killGrace is how long Wait keeps reading output after the process group
// was killed.
const killGrace = 2 * time.Second

// configureProcess runs the launcher in its own process group so that a
// timeout kills the managed CLI and anything it spawned, not just the shell.
func configureProcess(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	cmd.WaitDelay = killGrace
}
