//go:build !unix

package executor

import (
	"os/exec"
	"time"
)

const killGrace = 2 * time.Second

// configureProcess bounds how long Wait blocks on pipes held open by
// grandchildren after the launcher is killed.
func configureProcess(cmd *exec.Cmd) {
	cmd.WaitDelay = killGrace
}
