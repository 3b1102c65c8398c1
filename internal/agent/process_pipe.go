package agent

import (
	"fmt"
	"os"
	"os/exec"
)

// startPipes starts the process on plain pipes. Output pipes are os.Pipe files
// so the process can be reaped independently of reading.
func (l *ExecLauncher) startPipes(path string, spec LaunchSpec, env []string) (*execProcess, error) {
	cmd := exec.Command(path, spec.Args...)
	cmd.Dir = spec.Dir
	cmd.Env = env
	setProcGroup(cmd)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}

	outR, outW, err := os.Pipe()
	if err != nil {
		_ = stdin.Close()
		return nil, fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	errR, errW, err := os.Pipe()
	if err != nil {
		_ = stdin.Close()
		_ = outR.Close()
		_ = outW.Close()
		return nil, fmt.Errorf("failed to create stderr pipe: %w", err)
	}
	cmd.Stdout = outW
	cmd.Stderr = errW

	if err := cmd.Start(); err != nil {
		_ = stdin.Close()
		for _, f := range []*os.File{outR, outW, errR, errW} {
			_ = f.Close()
		}
		return nil, err
	}
	_ = outW.Close()
	_ = errW.Close()

	proc := newExecProcess(l, cmd, outR, stdin, false)
	proc.stdin = stdin
	proc.stderr = errR
	return proc, nil
}
