package agent

import (
	"context"
	"os"
	"os/exec"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/sevir/cowork/internal/logger"
)

const defaultDrainTimeout = 2 * time.Second

// LaunchSpec describes one agent process to start.
type LaunchSpec struct {
	Binary string
	Args   []string
	// Env overrides entries of the parent environment.
	Env    map[string]string
	Dir    string
	UsePTY bool
	Cols   int
	Rows   int
}

// ExitStatus describes how a process ended.
type ExitStatus struct {
	Code   int
	Signal string
	Err    error
}

// Interrupted reports whether the process ended from an interrupt signal.
func (s ExitStatus) Interrupted() bool {
	return s.Code == 130
}

// Process is a running agent process.
type Process interface {
	PID() int
	IsPTY() bool
	// Write injects input into the process.
	Write(p []byte) (int, error)
	// Interrupt asks the process to wrap up. It is best-effort.
	Interrupt() error
	// Kill terminates the process and its children.
	Kill() error
	// Watch starts delivering output. onData receives chunks in order and
	// onExit is called exactly once after the last chunk. Both run on the
	// same goroutine. Only the first call has any effect.
	Watch(onData func([]byte), onExit func(ExitStatus))
}

// Launcher starts agent processes.
type Launcher interface {
	Launch(ctx context.Context, spec LaunchSpec) (Process, error)
}

// ExecLauncher launches processes on a pseudo-terminal, falling back to pipes
// when one cannot be allocated.
type ExecLauncher struct {
	log          *logger.Logger
	drainTimeout time.Duration
}

// NewExecLauncher creates a launcher. drainTimeout bounds how long output is
// drained after the process exits.
func NewExecLauncher(log *logger.Logger, drainTimeout time.Duration) *ExecLauncher {
	if log == nil {
		log = logger.Default()
	}
	if drainTimeout <= 0 {
		drainTimeout = defaultDrainTimeout
	}
	return &ExecLauncher{log: log, drainTimeout: drainTimeout}
}

// Launch resolves the binary and starts it. ctx only bounds the launch itself;
// the process outlives it.
func (l *ExecLauncher) Launch(ctx context.Context, spec LaunchSpec) (Process, error) {
	if err := ctx.Err(); err != nil {
		return nil, &SpawnError{Binary: spec.Binary, Err: err}
	}

	path, err := exec.LookPath(spec.Binary)
	if err != nil {
		return nil, &SpawnError{Binary: spec.Binary, Err: err}
	}

	env := mergeEnv(os.Environ(), spec.Env)

	if spec.UsePTY {
		proc, err := l.startPTY(path, spec, env)
		if err == nil {
			return proc, nil
		}
		l.log.Warn("pty allocation failed, falling back to pipes",
			zap.String("binary", path),
			zap.Error(err))
	}

	proc, err := l.startPipes(path, spec, env)
	if err != nil {
		return nil, &SpawnError{Binary: path, Err: err}
	}
	return proc, nil
}

// mergeEnv returns base with the keys in overrides replaced or appended.
func mergeEnv(base []string, overrides map[string]string) []string {
	if len(overrides) == 0 {
		return base
	}
	env := make([]string, 0, len(base)+len(overrides))
	for _, entry := range base {
		key, _, _ := strings.Cut(entry, "=")
		if _, ok := overrides[key]; !ok {
			env = append(env, entry)
		}
	}
	keys := make([]string, 0, len(overrides))
	for k := range overrides {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+overrides[k])
	}
	return env
}
