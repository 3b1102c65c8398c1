//go:build unix && !linux

package agent

import (
	"os/exec"
	"syscall"
)

// setProcGroup runs the command in its own process group so the whole tree
// can be signalled.
func setProcGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// killProcessGroup kills the entire process group for the given PID.
func killProcessGroup(pid int) error {
	return syscall.Kill(-pid, syscall.SIGKILL)
}
