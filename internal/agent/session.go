// Package agent supervises one opencode process per task: it launches the
// process, reassembles its JSON output and drives the task lifecycle.
package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sevir/cowork/internal/logger"
	"github.com/sevir/cowork/pkg/models"
)

// LifecycleState is the state of a task session.
type LifecycleState string

const (
	StateStarting   LifecycleState = "starting"
	StateConnected  LifecycleState = "connected"
	StateRunning    LifecycleState = "running"
	StateToolUse    LifecycleState = "tool_use"
	StateCompleting LifecycleState = "completing"
	StateTerminated LifecycleState = "terminated"
)

// askUserTool is the reserved tool the agent uses to ask the user a question.
const askUserTool = "AskUserQuestion"

// Handlers receives the events of one session. Nil fields are skipped.
// Handlers are never called concurrently for the same session, and
// OnComplete or OnError is always the last call.
type Handlers struct {
	OnStarted           func(models.StartInfo)
	OnMessage           func(models.TaskMessage)
	OnProgress          func(models.TaskProgress)
	OnPermissionRequest func(models.PermissionRequest)
	OnComplete          func(models.TaskResult)
	OnError             func(error)

	// OnDebug receives diagnostics that are not task events, such as output
	// lines that could not be decoded.
	OnDebug func(string)
}

// SessionOptions configures how a session launches its process.
type SessionOptions struct {
	Launcher       Launcher
	Command        CommandBuilder
	ParserMaxBytes int
	Logger         *logger.Logger
}

// Session owns one agent process and its stream parser.
type Session struct {
	cfg    models.TaskConfig
	opts   SessionOptions
	log    *logger.Logger
	parser *StreamParser

	// deliverMu serializes handler calls.
	deliverMu sync.Mutex

	mu                sync.Mutex
	handlers          Handlers
	state             LifecycleState
	externalSessionID string
	proc              Process
	startedAt         time.Time
	announcedCalls    map[string]struct{}
	finishedCalls     map[string]struct{}

	started     bool
	completed   bool
	interrupted bool
	responding  bool
	cancelled   bool
	exited      bool
	disposed    bool
	finished    bool
}

// NewSession creates a session for cfg. It does nothing until Start.
func NewSession(cfg models.TaskConfig, opts SessionOptions, handlers Handlers) *Session {
	if opts.Logger == nil {
		opts.Logger = logger.Default()
	}
	s := &Session{
		cfg:               cfg,
		opts:              opts,
		log:               opts.Logger.WithTaskID(cfg.TaskID),
		handlers:          handlers,
		state:             StateStarting,
		externalSessionID: cfg.SessionID,
		announcedCalls:    make(map[string]struct{}),
		finishedCalls:     make(map[string]struct{}),
	}
	s.parser = NewStreamParser(opts.ParserMaxBytes, s.handleEvent, s.handleParseError)
	return s
}

// ID returns the task id.
func (s *Session) ID() string { return s.cfg.TaskID }

// Config returns the configuration captured at creation.
func (s *Session) Config() models.TaskConfig { return s.cfg }

// State returns the current lifecycle state.
func (s *Session) State() LifecycleState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// SessionID returns the agent's own session id, once reported.
func (s *Session) SessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.externalSessionID
}

// PID returns the process id, or 0 before the process started.
func (s *Session) PID() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.proc == nil {
		return 0
	}
	return s.proc.PID()
}

// StartedAt returns when the process was spawned.
func (s *Session) StartedAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.startedAt
}

// Start launches the agent process.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	switch {
	case s.disposed:
		s.mu.Unlock()
		return ErrSessionDisposed
	case s.started:
		s.mu.Unlock()
		return ErrAlreadyStarted
	}
	s.started = true
	s.state = StateStarting
	s.mu.Unlock()
	s.parser.Reset()

	spec, err := s.opts.Command.Build(s.cfg)
	if err != nil {
		s.terminate()
		return err
	}

	proc, err := s.opts.Launcher.Launch(ctx, spec)
	if err != nil {
		s.terminate()
		var spawnErr *SpawnError
		if !errors.As(err, &spawnErr) {
			err = &SpawnError{Binary: spec.Binary, Err: err}
		}
		return err
	}

	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		_ = proc.Kill()
		proc.Watch(func([]byte) {}, func(ExitStatus) {})
		return ErrSessionDisposed
	}
	s.proc = proc
	s.startedAt = time.Now()
	startedAt := s.startedAt
	s.mu.Unlock()

	s.log.Info("task_event=started",
		zap.Int("pid", proc.PID()),
		zap.Bool("pty", proc.IsPTY()),
		zap.String("model", s.cfg.ModelID),
		zap.String("work_dir", spec.Dir),
		zap.String("resume_session", s.cfg.SessionID))

	info := models.StartInfo{
		TaskID:    s.cfg.TaskID,
		PID:       proc.PID(),
		PTY:       proc.IsPTY(),
		StartedAt: startedAt,
	}
	s.emit(func(h Handlers) {
		if h.OnStarted != nil {
			h.OnStarted(info)
		}
	})
	s.emitProgress(models.StageInit, "Starting agent")

	proc.Watch(s.handleData, s.handleExit)
	return nil
}

// Interrupt asks the agent to wrap up. A later clean exit is reported as
// interrupted. It is a no-op when no process is attached.
func (s *Session) Interrupt() error {
	s.mu.Lock()
	p := s.proc
	if p == nil || s.exited || s.disposed {
		s.mu.Unlock()
		return nil
	}
	s.interrupted = true
	s.mu.Unlock()

	s.log.Info("interrupt requested")
	if err := p.Interrupt(); err != nil {
		return fmt.Errorf("failed to interrupt task %s: %w", s.cfg.TaskID, err)
	}
	return nil
}

// Cancel kills the process. No terminal event follows. Safe to call repeatedly.
func (s *Session) Cancel() {
	s.mu.Lock()
	already := s.cancelled
	s.cancelled = true
	s.mu.Unlock()

	if !already {
		s.log.Info("cancel requested")
	}
	s.killIfAlive()
}

// SendResponse writes text to the process input, terminated by a newline.
func (s *Session) SendResponse(text string) error {
	s.mu.Lock()
	p := s.proc
	alive := p != nil && !s.exited && !s.disposed
	s.mu.Unlock()
	if !alive {
		return ErrNoActiveProcess
	}

	if !strings.HasSuffix(text, "\n") {
		text += "\n"
	}
	if _, err := p.Write([]byte(text)); err != nil {
		if errors.Is(err, ErrNoActiveProcess) {
			return err
		}
		return fmt.Errorf("failed to write response: %w", err)
	}
	return nil
}

// Abort ends the session with err as its terminal error and kills the process.
func (s *Session) Abort(err error) {
	s.fail(err)
	s.killIfAlive()
}

// Dispose kills the process if alive, detaches the handlers and clears the
// parser. It is idempotent.
func (s *Session) Dispose() {
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return
	}
	s.disposed = true
	s.handlers = Handlers{}
	s.state = StateTerminated
	p := s.proc
	alive := p != nil && !s.exited
	s.mu.Unlock()

	if alive {
		if err := p.Kill(); err != nil {
			s.log.Warn("failed to kill agent process", zap.Error(err))
		}
	}
	s.parser.Reset()
}

func (s *Session) killIfAlive() {
	s.mu.Lock()
	p := s.proc
	alive := p != nil && !s.exited
	s.mu.Unlock()
	if !alive {
		return
	}
	if err := p.Kill(); err != nil {
		s.log.Warn("failed to kill agent process", zap.Error(err))
	}
}

func (s *Session) terminate() {
	s.mu.Lock()
	s.state = StateTerminated
	s.mu.Unlock()
}

func (s *Session) handleData(chunk []byte) {
	s.parser.Feed(chunk)
}

func (s *Session) handleParseError(err error) {
	if errors.Is(err, ErrBufferOverflow) {
		s.log.Warn("discarded overlong output line", zap.Error(err))
		return
	}
	s.log.Debug("ignored non-record output", zap.Error(err))
	s.emit(func(h Handlers) {
		if h.OnDebug != nil {
			h.OnDebug(err.Error())
		}
	})
}

func (s *Session) handleExit(st ExitStatus) {
	// A final record may lack its newline.
	s.parser.Flush()

	s.mu.Lock()
	s.exited = true
	s.state = StateTerminated
	interrupted := s.interrupted
	s.mu.Unlock()

	s.log.Info("process exited",
		zap.Int("exit_code", st.Code),
		zap.String("signal", st.Signal),
		zap.Bool("interrupted", interrupted))

	switch {
	case st.Err != nil:
		s.fail(fmt.Errorf("failed to wait for agent process: %w", st.Err))
	case interrupted && (st.Code == 0 || st.Interrupted()):
		s.complete(models.CompletionInterrupted, "")
	case st.Code == 0:
		s.complete(models.CompletionSuccess, "")
	default:
		s.fail(&ExitError{Code: st.Code, Signal: st.Signal})
	}
}

func (s *Session) handleEvent(ev models.Event) {
	switch ev.Kind {
	case models.EventStepStart:
		s.mu.Lock()
		if s.externalSessionID == "" && ev.SessionID != "" {
			s.externalSessionID = ev.SessionID
		}
		first := s.state == StateStarting
		s.setState(StateConnected)
		sid := s.externalSessionID
		s.mu.Unlock()
		if first {
			s.emitProgress(models.StageConnected, "Connected to session "+sid)
		}

	case models.EventText:
		s.mu.Lock()
		first := !s.responding
		s.responding = true
		s.setState(StateRunning)
		s.mu.Unlock()
		if first {
			s.emitProgress(models.StageRunning, "Agent is responding")
		}
		if ev.Content != "" {
			s.emitMessage(models.TaskMessage{
				ID:      messageID(ev.PartID, ""),
				Type:    models.MessageAssistant,
				Content: ev.Content,
			})
		}

	case models.EventToolCallStart:
		s.toolStarted(ev)

	case models.EventToolUseState:
		// Pending records may carry an empty input until the call is built.
		if ev.Status != models.ToolStatusPending || len(ev.Input) > 0 {
			s.toolStarted(ev)
		}
		if ev.Status == models.ToolStatusCompleted || ev.Status == models.ToolStatusError {
			s.toolFinished(ev)
		}

	case models.EventToolResult:
		s.toolFinished(ev)

	case models.EventStepFinish:
		switch ev.Reason {
		case models.FinishError:
			s.complete(models.CompletionError, "agent step finished with an error")
		case models.FinishStop, models.FinishEndTurn:
			s.complete(models.CompletionSuccess, "")
		default:
			s.mu.Lock()
			s.setState(StateRunning)
			s.mu.Unlock()
		}

	case models.EventError:
		s.complete(models.CompletionError, ev.Message)
	}
}

func (s *Session) toolStarted(ev models.Event) {
	s.mu.Lock()
	if ev.CallID != "" {
		if _, seen := s.announcedCalls[ev.CallID]; seen {
			s.mu.Unlock()
			return
		}
		s.announcedCalls[ev.CallID] = struct{}{}
	}
	s.setState(StateToolUse)
	s.mu.Unlock()

	if isAskUserTool(ev.Tool) {
		req := questionRequest(s.cfg.TaskID, ev)
		s.emit(func(h Handlers) {
			if h.OnPermissionRequest != nil {
				h.OnPermissionRequest(req)
			}
		})
		return
	}

	s.emitMessage(models.TaskMessage{
		ID:        messageID(ev.PartID, ""),
		Type:      models.MessageTool,
		Content:   "Using tool: " + ev.Tool,
		ToolName:  ev.Tool,
		ToolInput: ev.Input,
	})
	s.emitProgress(models.StageToolUse, "Using "+ev.Tool)
}

func (s *Session) toolFinished(ev models.Event) {
	s.mu.Lock()
	if ev.CallID != "" {
		if _, seen := s.finishedCalls[ev.CallID]; seen {
			s.mu.Unlock()
			return
		}
		s.finishedCalls[ev.CallID] = struct{}{}
	}
	s.setState(StateRunning)
	s.mu.Unlock()

	if ev.Output == "" {
		return
	}
	s.emitMessage(models.TaskMessage{
		ID:       messageID(ev.PartID, "_result"),
		Type:     models.MessageTool,
		Content:  ev.Output,
		ToolName: ev.Tool,
	})
}

// setState moves to st unless the session is already finishing. Callers hold mu.
func (s *Session) setState(st LifecycleState) {
	if s.state == StateCompleting || s.state == StateTerminated {
		return
	}
	s.state = st
}

// claim marks the session completed. Only the first caller wins.
func (s *Session) claim() (models.TaskResult, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.completed || s.cancelled || s.disposed {
		return models.TaskResult{}, false
	}
	s.completed = true
	s.setState(StateCompleting)
	res := models.TaskResult{SessionID: s.externalSessionID}
	if !s.startedAt.IsZero() {
		res.DurationMS = time.Since(s.startedAt).Milliseconds()
	}
	return res, true
}

func (s *Session) complete(status models.CompletionStatus, errMsg string) {
	res, ok := s.claim()
	if !ok {
		return
	}
	res.Status = status
	res.Error = errMsg

	s.log.Info("task_event=completed",
		zap.String("status", string(status)),
		zap.String("session_id", res.SessionID),
		zap.String("error", errMsg))
	s.emitTerminal(func(h Handlers) {
		if h.OnComplete != nil {
			h.OnComplete(res)
		}
	})
}

func (s *Session) fail(err error) {
	if _, ok := s.claim(); !ok {
		return
	}
	s.log.Warn("task_event=failed", zap.Error(err))
	s.emitTerminal(func(h Handlers) {
		if h.OnError != nil {
			h.OnError(err)
		}
	})
}

func (s *Session) emitMessage(msg models.TaskMessage) {
	msg.Timestamp = time.Now()
	s.emit(func(h Handlers) {
		if h.OnMessage != nil {
			h.OnMessage(msg)
		}
	})
}

func (s *Session) emitProgress(stage models.ProgressStage, message string) {
	p := models.TaskProgress{Stage: stage, Message: message}
	s.emit(func(h Handlers) {
		if h.OnProgress != nil {
			h.OnProgress(p)
		}
	})
}

// emit delivers a non-terminal event unless the session already finished.
func (s *Session) emit(fn func(Handlers)) {
	s.deliver(fn, false)
}

// emitTerminal delivers the terminal event. Nothing is delivered after it.
func (s *Session) emitTerminal(fn func(Handlers)) {
	s.deliver(fn, true)
}

func (s *Session) deliver(fn func(Handlers), terminal bool) {
	s.deliverMu.Lock()
	defer s.deliverMu.Unlock()

	s.mu.Lock()
	h := s.handlers
	live := !s.finished && !s.disposed
	if terminal {
		s.finished = true
	}
	s.mu.Unlock()

	if live {
		fn(h)
	}
}

func isAskUserTool(name string) bool {
	if strings.EqualFold(name, askUserTool) {
		return true
	}
	return strings.HasSuffix(strings.ToLower(name), "_"+strings.ToLower(askUserTool))
}

// questionRequest translates the ask-user tool input into a question prompt.
// Only the first question is surfaced.
func questionRequest(taskID string, ev models.Event) models.PermissionRequest {
	req := models.PermissionRequest{
		ID:        firstNonEmpty(ev.CallID, "perm_"+uuid.NewString()),
		TaskID:    taskID,
		Type:      models.PermissionQuestion,
		ToolName:  ev.Tool,
		ToolInput: ev.Input,
		CreatedAt: time.Now(),
	}

	q := ev.Input
	if list, ok := ev.Input["questions"].([]any); ok && len(list) > 0 {
		if first, ok := list[0].(map[string]any); ok {
			q = first
		}
	}

	req.Question, _ = q["question"].(string)
	req.Header, _ = q["header"].(string)
	req.MultiSelect, _ = q["multiSelect"].(bool)
	if opts, ok := q["options"].([]any); ok {
		for _, o := range opts {
			switch v := o.(type) {
			case map[string]any:
				label, _ := v["label"].(string)
				desc, _ := v["description"].(string)
				req.Options = append(req.Options, models.QuestionOption{Label: label, Description: desc})
			case string:
				req.Options = append(req.Options, models.QuestionOption{Label: v})
			}
		}
	}
	return req
}

func messageID(partID, suffix string) string {
	if partID == "" {
		return "msg_" + uuid.NewString()
	}
	return partID + suffix
}
