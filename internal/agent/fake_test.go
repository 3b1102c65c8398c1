package agent

import (
	"context"
	"sync"

	"github.com/sevir/cowork/pkg/models"
)

// fakeProcess is a Process driven by the test. Data and exit are delivered
// synchronously on the calling goroutine.
type fakeProcess struct {
	mu          sync.Mutex
	pid         int
	pty         bool
	written     []string
	interrupts  int
	kills       int
	exited      bool
	onData      func([]byte)
	onExit      func(ExitStatus)
	interruptFn func() error
}

func (p *fakeProcess) PID() int    { return p.pid }
func (p *fakeProcess) IsPTY() bool { return p.pty }

func (p *fakeProcess) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.exited {
		return 0, ErrNoActiveProcess
	}
	p.written = append(p.written, string(b))
	return len(b), nil
}

func (p *fakeProcess) Interrupt() error {
	p.mu.Lock()
	p.interrupts++
	fn := p.interruptFn
	p.mu.Unlock()
	if fn != nil {
		return fn()
	}
	return nil
}

func (p *fakeProcess) Kill() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.kills++
	return nil
}

func (p *fakeProcess) Watch(onData func([]byte), onExit func(ExitStatus)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.onData == nil {
		p.onData = onData
		p.onExit = onExit
	}
}

func (p *fakeProcess) feed(s string) {
	p.mu.Lock()
	fn := p.onData
	p.mu.Unlock()
	fn([]byte(s))
}

func (p *fakeProcess) exit(code int) {
	p.exitWith(ExitStatus{Code: code})
}

func (p *fakeProcess) exitWith(st ExitStatus) {
	p.mu.Lock()
	p.exited = true
	fn := p.onExit
	p.mu.Unlock()
	fn(st)
}

func (p *fakeProcess) killCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.kills
}

func (p *fakeProcess) writes() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.written...)
}

// fakeLauncher hands out fakeProcesses and records launch specs.
type fakeLauncher struct {
	mu    sync.Mutex
	err   error
	specs []LaunchSpec
	procs []*fakeProcess
}

func (l *fakeLauncher) Launch(_ context.Context, spec LaunchSpec) (Process, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.specs = append(l.specs, spec)
	if l.err != nil {
		return nil, l.err
	}
	p := &fakeProcess{pid: 1000 + len(l.procs), pty: spec.UsePTY}
	l.procs = append(l.procs, p)
	return p, nil
}

func (l *fakeLauncher) last() *fakeProcess {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.procs[len(l.procs)-1]
}

// recorder collects session callbacks in order.
type recorder struct {
	mu      sync.Mutex
	kinds   []string
	started []models.StartInfo
	msgs    []models.TaskMessage
	prog    []models.TaskProgress
	perms   []models.PermissionRequest
	results []models.TaskResult
	errs    []error
}

func (r *recorder) handlers() Handlers {
	return Handlers{
		OnStarted: func(i models.StartInfo) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.kinds = append(r.kinds, "started")
			r.started = append(r.started, i)
		},
		OnMessage: func(m models.TaskMessage) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.kinds = append(r.kinds, "message")
			r.msgs = append(r.msgs, m)
		},
		OnProgress: func(p models.TaskProgress) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.kinds = append(r.kinds, "progress")
			r.prog = append(r.prog, p)
		},
		OnPermissionRequest: func(p models.PermissionRequest) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.kinds = append(r.kinds, "permission")
			r.perms = append(r.perms, p)
		},
		OnComplete: func(res models.TaskResult) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.kinds = append(r.kinds, "complete")
			r.results = append(r.results, res)
		},
		OnError: func(err error) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.kinds = append(r.kinds, "error")
			r.errs = append(r.errs, err)
		},
	}
}

func (r *recorder) terminalCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.results) + len(r.errs)
}

func (r *recorder) lastKind() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.kinds) == 0 {
		return ""
	}
	return r.kinds[len(r.kinds)-1]
}
