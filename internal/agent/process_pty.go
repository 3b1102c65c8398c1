package agent

import (
	"io"
	"os/exec"
)

const (
	fallbackCols = 200
	fallbackRows = 30
)

// ptyHandle abstracts the pseudo-terminal across Unix and Windows.
type ptyHandle interface {
	io.ReadWriteCloser
}

func (l *ExecLauncher) startPTY(path string, spec LaunchSpec, env []string) (*execProcess, error) {
	cols, rows := spec.Cols, spec.Rows
	if cols <= 0 {
		cols = fallbackCols
	}
	if rows <= 0 {
		rows = fallbackRows
	}

	cmd := exec.Command(path, spec.Args...)
	cmd.Dir = spec.Dir
	cmd.Env = env

	h, err := startPTYWithSize(cmd, cols, rows)
	if err != nil {
		return nil, err
	}
	return newExecProcess(l, cmd, h, h, true), nil
}
