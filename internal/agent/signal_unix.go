//go:build !windows

package agent

import (
	"errors"
	"os/exec"
	"syscall"
)

const etx = 0x03

// waitProcess reaps the process. Signalled exits report 128+signal.
// err is set only when the exit status could not be determined.
func waitProcess(cmd *exec.Cmd) (exitCode int, signalName string, err error) {
	err = cmd.Wait()
	if err == nil {
		return 0, "", nil
	}
	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		return 1, "", err
	}
	waitStatus, ok := exitErr.Sys().(syscall.WaitStatus)
	if !ok {
		return exitErr.ExitCode(), "", nil
	}
	if waitStatus.Signaled() {
		return 128 + int(waitStatus.Signal()), waitStatus.Signal().String(), nil
	}
	return waitStatus.ExitStatus(), "", nil
}

// interruptProcess sends ETX through the terminal, which the line discipline
// turns into SIGINT for the foreground group. Without a terminal the group
// is signalled directly.
func interruptProcess(p *execProcess) error {
	if p.pty {
		_, err := p.Write([]byte{etx})
		return err
	}
	return syscall.Kill(-p.PID(), syscall.SIGINT)
}
