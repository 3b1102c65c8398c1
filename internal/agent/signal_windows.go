//go:build windows

package agent

import (
	"os/exec"
	"time"
)

const (
	etx = 0x03
	// Answers the "Terminate batch job (Y/N)?" prompt of cmd.exe shims.
	batchConfirm      = "Y\r\n"
	batchConfirmDelay = 100 * time.Millisecond
)

// waitProcess waits on cmd.Process since ConPTY processes are not started
// through cmd.Start.
func waitProcess(cmd *exec.Cmd) (exitCode int, signalName string, err error) {
	state, err := cmd.Process.Wait()
	if err != nil {
		return 1, "", err
	}
	return state.ExitCode(), "", nil
}

func interruptProcess(p *execProcess) error {
	if _, err := p.Write([]byte{etx}); err != nil {
		return err
	}
	time.AfterFunc(batchConfirmDelay, func() {
		_, _ = p.Write([]byte(batchConfirm))
	})
	return nil
}
