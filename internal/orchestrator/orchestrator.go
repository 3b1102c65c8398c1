// Package orchestrator runs agent task sessions and tracks their lifecycle.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sevir/cowork/internal/agent"
	"github.com/sevir/cowork/internal/logger"
	"github.com/sevir/cowork/internal/store"
	"github.com/sevir/cowork/pkg/models"
)

// DefaultMaxConcurrentTasks is used when Config.MaxConcurrentTasks is unset.
const DefaultMaxConcurrentTasks = 10

var (
	// ErrDuplicateTask is returned when a task id is already running.
	ErrDuplicateTask = errors.New("task already running")
	// ErrConcurrencyLimit is returned when the running task ceiling is reached.
	ErrConcurrencyLimit = errors.New("concurrency limit reached")
	// ErrTaskNotFound is returned for ids with no running task.
	ErrTaskNotFound = errors.New("task not found")
	// ErrShuttingDown is returned by StartTask after Shutdown.
	ErrShuttingDown = errors.New("orchestrator is shutting down")
	// ErrTaskRunning is returned when removing the record of a live task.
	ErrTaskRunning = errors.New("task is still running")
)

// Config holds orchestrator configuration.
type Config struct {
	MaxConcurrentTasks int
	ParserMaxBytes     int
	// TaskTimeout aborts tasks running longer than this. Zero disables it.
	TaskTimeout  time.Duration
	HistoryLimit int
	DefaultModel string

	Command  agent.CommandBuilder
	Launcher agent.Launcher
	// Store defaults to a MemoryStore bounded by HistoryLimit.
	Store  store.Store
	Logger *logger.Logger
}

// Orchestrator is the registry of running task sessions. A task id is
// registered at most once at a time, and every session is unregistered and
// disposed exactly once.
type Orchestrator struct {
	cfg   Config
	store store.Store
	log   *logger.Logger

	mu     sync.RWMutex
	tasks  map[string]*entry
	closed bool

	subscribers map[string][]chan *models.Task
	subMu       sync.Mutex
}

type entry struct {
	session  *agent.Session
	watchdog *time.Timer
}

// TaskInfo is a snapshot of a running task.
type TaskInfo struct {
	ID        string               `json:"id"`
	State     agent.LifecycleState `json:"state"`
	SessionID string               `json:"session_id,omitempty"`
	PID       int                  `json:"pid,omitempty"`
	Model     string               `json:"model,omitempty"`
	WorkDir   string               `json:"work_dir,omitempty"`
	StartedAt time.Time            `json:"started_at"`
}

// New creates an Orchestrator.
func New(cfg Config) (*Orchestrator, error) {
	if cfg.Command == nil {
		return nil, fmt.Errorf("command builder is required")
	}
	if cfg.Launcher == nil {
		return nil, fmt.Errorf("launcher is required")
	}
	if cfg.MaxConcurrentTasks <= 0 {
		cfg.MaxConcurrentTasks = DefaultMaxConcurrentTasks
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.Default()
	}
	st := cfg.Store
	if st == nil {
		st = store.NewMemoryStore(cfg.HistoryLimit)
	}

	return &Orchestrator{
		cfg:         cfg,
		store:       st,
		log:         cfg.Logger,
		tasks:       make(map[string]*entry),
		subscribers: make(map[string][]chan *models.Task),
	}, nil
}

// NewTaskID returns a fresh task id.
func NewTaskID() string {
	return "task_" + uuid.NewString()
}

// StartTask registers and launches a task. The returned id is cfg.TaskID, or
// a generated one when it was empty. It is returned on failure as well so the
// caller can report against it.
//
// handlers receive the session events. The task is unregistered before the
// terminal handler runs, so the id may be reused from inside it.
func (o *Orchestrator) StartTask(ctx context.Context, cfg models.TaskConfig, handlers agent.Handlers) (string, error) {
	if cfg.TaskID == "" {
		cfg.TaskID = NewTaskID()
	}
	if cfg.ModelID == "" {
		cfg.ModelID = o.cfg.DefaultModel
	}
	id := cfg.TaskID

	timeout := time.Duration(cfg.Timeout)
	if timeout <= 0 {
		timeout = o.cfg.TaskTimeout
	}

	var sess *agent.Session
	sess = agent.NewSession(cfg, agent.SessionOptions{
		Launcher:       o.cfg.Launcher,
		Command:        o.cfg.Command,
		ParserMaxBytes: o.cfg.ParserMaxBytes,
		Logger:         o.log,
	}, o.wrapHandlers(id, func() *agent.Session { return sess }, handlers))

	o.mu.Lock()
	switch {
	case o.closed:
		o.mu.Unlock()
		return id, ErrShuttingDown
	case o.tasks[id] != nil:
		o.mu.Unlock()
		return id, fmt.Errorf("%w: %s", ErrDuplicateTask, id)
	case len(o.tasks) >= o.cfg.MaxConcurrentTasks:
		o.mu.Unlock()
		return id, fmt.Errorf("%w: %d tasks running", ErrConcurrencyLimit, o.cfg.MaxConcurrentTasks)
	}
	e := &entry{session: sess}
	o.tasks[id] = e
	o.mu.Unlock()

	task := &models.Task{
		ID:        id,
		Prompt:    cfg.Prompt,
		WorkDir:   cfg.WorkingDirectory,
		Status:    models.TaskStatusRunning,
		Model:     cfg.ModelID,
		SessionID: cfg.SessionID,
		CreatedAt: time.Now(),
	}
	if err := o.store.Save(task); err != nil {
		o.log.Warn("failed to record task", zap.String("task_id", id), zap.Error(err))
	}
	o.logTaskReceived(task, timeout)

	if err := sess.Start(ctx); err != nil {
		// A cancel during the launch already released and recorded the task.
		if o.release(id, sess) {
			sess.Dispose()
			o.finish(id, models.TaskStatusFailed, "", err)
		}
		return id, err
	}

	if timeout > 0 {
		o.mu.Lock()
		if o.tasks[id] == e {
			e.watchdog = time.AfterFunc(timeout, func() {
				o.log.Warn("task timed out", zap.String("task_id", id), zap.Duration("timeout", timeout))
				sess.Abort(&agent.TimeoutError{Timeout: timeout})
			})
		}
		o.mu.Unlock()
	}
	return id, nil
}

// wrapHandlers releases the task before forwarding terminal events.
func (o *Orchestrator) wrapHandlers(id string, session func() *agent.Session, h agent.Handlers) agent.Handlers {
	cleanup := func() {
		sess := session()
		if o.release(id, sess) {
			sess.Dispose()
		}
	}

	return agent.Handlers{
		OnStarted: func(info models.StartInfo) {
			o.recordStart(id, info)
			if h.OnStarted != nil {
				h.OnStarted(info)
			}
		},
		OnMessage:           h.OnMessage,
		OnProgress:          h.OnProgress,
		OnPermissionRequest: h.OnPermissionRequest,
		OnDebug:             h.OnDebug,
		OnComplete: func(res models.TaskResult) {
			cleanup()
			o.finishResult(id, res)
			if h.OnComplete != nil {
				h.OnComplete(res)
			}
		},
		OnError: func(err error) {
			cleanup()
			o.finish(id, models.TaskStatusFailed, "", err)
			if h.OnError != nil {
				h.OnError(err)
			}
		},
	}
}

// release unregisters id if it still maps to sess. Only the first caller
// gets true.
func (o *Orchestrator) release(id string, sess *agent.Session) bool {
	o.mu.Lock()
	defer o.mu.Unlock()

	e, ok := o.tasks[id]
	if !ok || e.session != sess {
		return false
	}
	if e.watchdog != nil {
		e.watchdog.Stop()
	}
	delete(o.tasks, id)
	return true
}

func (o *Orchestrator) lookup(id string) (*agent.Session, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()

	e, ok := o.tasks[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	return e.session, nil
}

// CancelTask kills a running task. No terminal event is delivered for it.
func (o *Orchestrator) CancelTask(id string) error {
	sess, err := o.lookup(id)
	if err != nil {
		return err
	}

	sess.Cancel()
	if o.release(id, sess) {
		sess.Dispose()
		o.finish(id, models.TaskStatusCancelled, "", nil)
	}
	return nil
}

// InterruptTask asks a running task to wrap up.
func (o *Orchestrator) InterruptTask(id string) error {
	sess, err := o.lookup(id)
	if err != nil {
		return err
	}
	return sess.Interrupt()
}

// SendResponse writes a reply to a running task's input.
func (o *Orchestrator) SendResponse(id, text string) error {
	sess, err := o.lookup(id)
	if err != nil {
		return err
	}
	return sess.SendResponse(text)
}

// Tasks returns a snapshot of the running tasks.
func (o *Orchestrator) Tasks() []TaskInfo {
	o.mu.RLock()
	sessions := make([]*agent.Session, 0, len(o.tasks))
	for _, e := range o.tasks {
		sessions = append(sessions, e.session)
	}
	o.mu.RUnlock()

	infos := make([]TaskInfo, 0, len(sessions))
	for _, s := range sessions {
		cfg := s.Config()
		infos = append(infos, TaskInfo{
			ID:        s.ID(),
			State:     s.State(),
			SessionID: s.SessionID(),
			PID:       s.PID(),
			Model:     cfg.ModelID,
			WorkDir:   cfg.WorkingDirectory,
			StartedAt: s.StartedAt(),
		})
	}
	return infos
}

// RunningCount returns the number of registered tasks.
func (o *Orchestrator) RunningCount() int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return len(o.tasks)
}

// GetTask returns the recorded state of a task.
func (o *Orchestrator) GetTask(id string) (*models.Task, error) {
	return o.store.Get(id)
}

// DeleteTask removes a finished task from the history.
func (o *Orchestrator) DeleteTask(id string) error {
	o.mu.RLock()
	_, live := o.tasks[id]
	o.mu.RUnlock()
	if live {
		return fmt.Errorf("%w: %s", ErrTaskRunning, id)
	}
	return o.store.Delete(id)
}

// History lists recorded tasks, newest first.
func (o *Orchestrator) History(filter store.ListFilter) ([]*models.Task, error) {
	return o.store.List(filter)
}

// Wait blocks until the task reaches a terminal status or ctx is done.
func (o *Orchestrator) Wait(ctx context.Context, id string) (*models.Task, error) {
	ch := make(chan *models.Task, 1)
	o.subMu.Lock()
	o.subscribers[id] = append(o.subscribers[id], ch)
	o.subMu.Unlock()

	defer func() {
		o.subMu.Lock()
		subs := o.subscribers[id]
		for i, sub := range subs {
			if sub == ch {
				o.subscribers[id] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
		if len(o.subscribers[id]) == 0 {
			delete(o.subscribers, id)
		}
		o.subMu.Unlock()
	}()

	// Checked after subscribing so a completion in between is not missed.
	task, err := o.store.Get(id)
	if err != nil {
		return nil, err
	}
	if task.IsTerminal() {
		return task, nil
	}

	select {
	case <-ctx.Done():
		return task, fmt.Errorf("waiting for task %s: %w", id, ctx.Err())
	case task := <-ch:
		return task, nil
	}
}

// Shutdown cancels every running task and closes the store.
func (o *Orchestrator) Shutdown() error {
	o.mu.Lock()
	o.closed = true
	entries := make(map[string]*entry, len(o.tasks))
	for id, e := range o.tasks {
		entries[id] = e
	}
	o.mu.Unlock()

	var g errgroup.Group
	for id, e := range entries {
		g.Go(func() error {
			e.session.Cancel()
			if o.release(id, e.session) {
				e.session.Dispose()
				o.finish(id, models.TaskStatusCancelled, "", nil)
			}
			return nil
		})
	}
	_ = g.Wait()

	if len(entries) > 0 {
		o.log.Info("cancelled running tasks on shutdown", zap.Int("count", len(entries)))
	}
	return o.store.Close()
}

func (o *Orchestrator) recordStart(id string, info models.StartInfo) {
	task, err := o.store.Get(id)
	if err != nil {
		return
	}
	startedAt := info.StartedAt
	task.PID = info.PID
	task.PTY = info.PTY
	task.StartedAt = &startedAt
	if err := o.store.Save(task); err != nil {
		o.log.Warn("failed to record task start", zap.String("task_id", id), zap.Error(err))
	}
}

func (o *Orchestrator) finishResult(id string, res models.TaskResult) {
	status := models.TaskStatusCompleted
	switch res.Status {
	case models.CompletionError:
		status = models.TaskStatusFailed
	case models.CompletionInterrupted:
		status = models.TaskStatusInterrupted
	}
	o.finish(id, status, res.SessionID, resultError(res))
}

func resultError(res models.TaskResult) error {
	if res.Error == "" {
		return nil
	}
	return errors.New(res.Error)
}

// finish records the terminal status of a task and wakes its waiters.
func (o *Orchestrator) finish(id string, status models.TaskStatus, sessionID string, cause error) {
	task, err := o.store.Get(id)
	if err != nil {
		task = &models.Task{ID: id, CreatedAt: time.Now()}
	}

	now := time.Now()
	task.Status = status
	task.CompletedAt = &now
	if sessionID != "" {
		task.SessionID = sessionID
	}
	if cause != nil {
		task.Error = cause.Error()
		var exitErr *agent.ExitError
		if errors.As(cause, &exitErr) {
			code := exitErr.Code
			task.ExitCode = &code
		}
	}
	if err := o.store.Save(task); err != nil {
		o.log.Debug("failed to record task result", zap.String("task_id", id), zap.Error(err))
	}
	o.logTaskFinished(task)

	o.subMu.Lock()
	subs := o.subscribers[id]
	delete(o.subscribers, id)
	o.subMu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- task:
		default:
		}
	}
}

func (o *Orchestrator) logTaskReceived(task *models.Task, timeout time.Duration) {
	o.log.Info("task_event=received",
		zap.String("task_id", task.ID),
		zap.String("status", string(task.Status)),
		zap.String("work_dir", task.WorkDir),
		zap.String("model", task.Model),
		zap.String("resume_session", task.SessionID),
		zap.Duration("timeout", timeout),
		zap.Int("prompt_len", len(task.Prompt)),
		zap.String("prompt_preview", truncateForLog(task.Prompt, 160)),
	)
}

func (o *Orchestrator) logTaskFinished(task *models.Task) {
	fields := []zap.Field{
		zap.String("task_id", task.ID),
		zap.String("status", string(task.Status)),
		zap.String("session_id", task.SessionID),
		zap.String("error", strings.TrimSpace(task.Error)),
	}
	if task.ExitCode != nil {
		fields = append(fields, zap.Int("exit_code", *task.ExitCode))
	}
	if task.StartedAt != nil && task.CompletedAt != nil {
		fields = append(fields, zap.Duration("duration", task.CompletedAt.Sub(*task.StartedAt)))
	}
	o.log.Info("task_event=finished", fields...)
}

func truncateForLog(s string, max int) string {
	if max <= 0 {
		return ""
	}
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}
