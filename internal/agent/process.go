package agent

import (
	"bufio"
	"io"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/sevir/cowork/internal/logger"
)

const readChunkSize = 32 * 1024

// execProcess is a Process backed by os/exec, attached either to a
// pseudo-terminal or to plain pipes.
type execProcess struct {
	cmd          *exec.Cmd
	out          io.ReadCloser
	in           io.Writer
	stdin        io.Closer
	stderr       io.ReadCloser
	pty          bool
	log          *logger.Logger
	drainTimeout time.Duration

	writeMu   sync.Mutex
	exited    atomic.Bool
	watchOnce sync.Once

	// deliverMu serializes callbacks; closed stops late chunks once exit was delivered.
	deliverMu sync.Mutex
	closed    bool
}

func newExecProcess(l *ExecLauncher, cmd *exec.Cmd, out io.ReadCloser, in io.Writer, pty bool) *execProcess {
	return &execProcess{
		cmd:          cmd,
		out:          out,
		in:           in,
		pty:          pty,
		drainTimeout: l.drainTimeout,
		log: l.log.WithFields(
			zap.Int("pid", cmd.Process.Pid),
			zap.Bool("pty", pty),
		),
	}
}

func (p *execProcess) PID() int    { return p.cmd.Process.Pid }
func (p *execProcess) IsPTY() bool { return p.pty }

func (p *execProcess) Write(b []byte) (int, error) {
	if p.exited.Load() {
		return 0, ErrNoActiveProcess
	}
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	return p.in.Write(b)
}

func (p *execProcess) Interrupt() error {
	if p.exited.Load() {
		return nil
	}
	return interruptProcess(p)
}

func (p *execProcess) Kill() error {
	if p.exited.Load() {
		return nil
	}
	if err := killProcessGroup(p.PID()); err != nil {
		p.log.Debug("process group kill failed, killing process", zap.Error(err))
		if err := p.cmd.Process.Kill(); err != nil && err != os.ErrProcessDone {
			return err
		}
	}
	return nil
}

func (p *execProcess) Watch(onData func([]byte), onExit func(ExitStatus)) {
	p.watchOnce.Do(func() {
		go p.run(onData, onExit)
	})
}

func (p *execProcess) run(onData func([]byte), onExit func(ExitStatus)) {
	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		p.pump(onData)
	}()
	if p.stderr != nil {
		go p.logStderr()
	}

	code, signal, err := waitProcess(p.cmd)
	p.exited.Store(true)

	// A grandchild may keep the output open after the agent exits.
	timer := time.NewTimer(p.drainTimeout)
	select {
	case <-readDone:
		timer.Stop()
	case <-timer.C:
		p.log.Debug("output drain timed out", zap.Duration("timeout", p.drainTimeout))
	}

	p.deliverMu.Lock()
	defer p.deliverMu.Unlock()
	p.closed = true
	_ = p.out.Close()
	if p.stdin != nil {
		_ = p.stdin.Close()
	}

	p.log.Debug("process exited",
		zap.Int("exit_code", code),
		zap.String("signal", signal),
		zap.Error(err))
	onExit(ExitStatus{Code: code, Signal: signal, Err: err})
}

func (p *execProcess) pump(onData func([]byte)) {
	buf := make([]byte, readChunkSize)
	for {
		n, err := p.out.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			p.deliverMu.Lock()
			if !p.closed {
				onData(chunk)
			}
			p.deliverMu.Unlock()
		}
		if err != nil {
			return
		}
	}
}

func (p *execProcess) logStderr() {
	defer p.stderr.Close()
	scanner := bufio.NewScanner(p.stderr)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		if line := scanner.Text(); line != "" {
			p.log.Debug("agent stderr", zap.String("line", line))
		}
	}
}
