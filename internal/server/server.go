// Package server speaks the sidecar's JSON-lines protocol on stdio and
// mirrors it over an optional HTTP surface.
package server

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sevir/cowork/internal/agent"
	"github.com/sevir/cowork/internal/logger"
	"github.com/sevir/cowork/internal/orchestrator"
	"github.com/sevir/cowork/pkg/models"
)

const (
	maxLineSize     = 16 * 1024 * 1024
	cliCheckTimeout = 5 * time.Second
	subscriberQueue = 256
)

// Config holds server configuration.
type Config struct {
	Orchestrator *orchestrator.Orchestrator
	Version      string
	Commit       string

	// In and Out carry the protocol. They default to stdin and stdout.
	In  io.Reader
	Out io.Writer

	// HTTPAddr enables the HTTP surface when set.
	HTTPAddr string
	Logger   *logger.Logger

	AgentBinary    string
	InstallCommand string
}

// Server decodes inbound commands, drives the orchestrator and encodes
// every task event as one outbound line.
type Server struct {
	orchestrator   *orchestrator.Orchestrator
	version        string
	commit         string
	in             io.Reader
	out            io.Writer
	log            *logger.Logger
	agentBinary    string
	installCommand string

	outMu sync.Mutex

	subMu       sync.Mutex
	subscribers map[chan []byte]struct{}

	httpServer *http.Server
	background sync.WaitGroup
}

// New creates a Server.
func New(cfg Config) *Server {
	if cfg.In == nil {
		cfg.In = os.Stdin
	}
	if cfg.Out == nil {
		cfg.Out = os.Stdout
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.Default()
	}
	if cfg.AgentBinary == "" {
		cfg.AgentBinary = "opencode"
	}

	s := &Server{
		orchestrator:   cfg.Orchestrator,
		version:        cfg.Version,
		commit:         cfg.Commit,
		in:             cfg.In,
		out:            cfg.Out,
		log:            cfg.Logger,
		agentBinary:    cfg.AgentBinary,
		installCommand: cfg.InstallCommand,
		subscribers:    make(map[chan []byte]struct{}),
	}

	if cfg.HTTPAddr != "" {
		s.httpServer = &http.Server{
			Addr:              cfg.HTTPAddr,
			Handler:           s.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
			WriteTimeout:      0, // No timeout for SSE
		}
	}
	return s
}

// Run emits ready and dispatches inbound lines until the input ends or ctx
// is done.
func (s *Server) Run(ctx context.Context) error {
	s.Emit(Event{Type: EventReady, Payload: readyPayload{Version: s.version}})

	lines := make(chan []byte)
	readErr := make(chan error, 1)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(s.in)
		scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
		for scanner.Scan() {
			line := append([]byte(nil), scanner.Bytes()...)
			select {
			case lines <- line:
			case <-ctx.Done():
				readErr <- nil
				return
			}
		}
		readErr <- scanner.Err()
	}()

	defer s.background.Wait()
	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				if err := <-readErr; err != nil {
					return fmt.Errorf("error reading commands: %w", err)
				}
				s.log.Info("command input closed")
				return nil
			}
			s.HandleLine(ctx, line)
		}
	}
}

// HandleLine decodes and dispatches one inbound line. Malformed lines are
// reported with an error event.
func (s *Server) HandleLine(ctx context.Context, line []byte) {
	line = []byte(strings.TrimSpace(string(line)))
	if len(line) == 0 {
		return
	}

	var cmd Command
	if err := json.Unmarshal(line, &cmd); err != nil {
		s.log.Warn("invalid command line", zap.Error(err))
		s.emitError("", fmt.Errorf("invalid command: %w", err))
		return
	}
	s.Dispatch(ctx, cmd)
}

// Dispatch runs one command. Failures are reported as events, never returned.
func (s *Server) Dispatch(ctx context.Context, cmd Command) {
	switch cmd.Type {
	case CommandStartTask:
		s.startTask(ctx, cmd)

	case CommandCancelTask:
		s.log.Info("cancel requested", zap.String("task_id", cmd.TaskID))
		if err := s.orchestrator.CancelTask(cmd.TaskID); err != nil {
			s.emitError(cmd.TaskID, err)
		}

	case CommandInterruptTask:
		s.log.Info("interrupt requested", zap.String("task_id", cmd.TaskID))
		if err := s.orchestrator.InterruptTask(cmd.TaskID); err != nil {
			s.emitError(cmd.TaskID, err)
		}

	case CommandSendResponse:
		var p SendResponsePayload
		if err := decodePayload(cmd.Payload, &p); err != nil {
			s.emitError(cmd.TaskID, err)
			return
		}
		if err := s.orchestrator.SendResponse(cmd.TaskID, p.Response); err != nil {
			s.emitError(cmd.TaskID, err)
		}

	case CommandPing:
		s.Emit(Event{Type: EventPong})

	case CommandCheckCLI:
		// The check outlives the command; HTTP request contexts end with the response.
		checkCtx := context.WithoutCancel(ctx)
		s.background.Add(1)
		go func() {
			defer s.background.Done()
			s.Emit(Event{Type: EventCLIStatus, Payload: s.CheckCLI(checkCtx)})
		}()

	default:
		s.log.Warn("unknown command type", zap.String("type", cmd.Type))
		s.Emit(Event{
			Type:   EventLog,
			TaskID: cmd.TaskID,
			Payload: logPayload{
				Level:   "warn",
				Message: "unknown command type: " + cmd.Type,
			},
		})
	}
}

func (s *Server) startTask(ctx context.Context, cmd Command) {
	var p StartTaskPayload
	if err := decodePayload(cmd.Payload, &p); err != nil {
		s.emitError(cmd.TaskID, err)
		return
	}

	taskID := cmd.TaskID
	if taskID == "" {
		taskID = p.TaskID
	}
	if taskID == "" {
		taskID = orchestrator.NewTaskID()
	}

	_, err := s.orchestrator.StartTask(ctx, p.TaskConfig(taskID), s.taskHandlers(taskID))
	switch {
	case err == nil:
	case errors.Is(err, orchestrator.ErrDuplicateTask), errors.Is(err, orchestrator.ErrShuttingDown):
		// The running task keeps its own terminal event.
		s.emitError(taskID, err)
	default:
		s.Emit(Event{Type: EventTaskError, TaskID: taskID, Payload: errorPayload{Error: err.Error()}})
	}
}

// taskHandlers encodes the events of one task.
func (s *Server) taskHandlers(taskID string) agent.Handlers {
	return agent.Handlers{
		OnStarted: func(info models.StartInfo) {
			s.Emit(Event{Type: EventTaskStarted, TaskID: taskID, Payload: info})
		},
		OnMessage: func(msg models.TaskMessage) {
			s.Emit(Event{Type: EventTaskMessage, TaskID: taskID, Payload: taskMessagePayload{Message: msg}})
		},
		OnProgress: func(p models.TaskProgress) {
			s.Emit(Event{Type: EventTaskProgress, TaskID: taskID, Payload: p})
		},
		OnPermissionRequest: func(req models.PermissionRequest) {
			s.Emit(Event{Type: EventPermissionRequest, TaskID: taskID, Payload: permissionRequestPayload{Request: req}})
		},
		OnComplete: func(res models.TaskResult) {
			s.Emit(Event{Type: EventTaskComplete, TaskID: taskID, Payload: taskCompletePayload{Result: res}})
		},
		OnError: func(err error) {
			s.Emit(Event{Type: EventTaskError, TaskID: taskID, Payload: errorPayload{Error: err.Error()}})
		},
		OnDebug: func(msg string) {
			s.Emit(Event{Type: EventLog, TaskID: taskID, Payload: logPayload{Level: "debug", Message: msg}})
		},
	}
}

// Emit writes ev as one line and fans it out to HTTP subscribers.
func (s *Server) Emit(ev Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		s.log.Error("failed to encode event", zap.String("type", ev.Type), zap.Error(err))
		return
	}

	s.outMu.Lock()
	_, err = s.out.Write(append(data, '\n'))
	s.outMu.Unlock()
	if err != nil {
		s.log.Warn("failed to write event", zap.String("type", ev.Type), zap.Error(err))
	}

	s.subMu.Lock()
	for ch := range s.subscribers {
		select {
		case ch <- data:
		default:
			s.log.Debug("dropping event for slow subscriber", zap.String("type", ev.Type))
		}
	}
	s.subMu.Unlock()
}

func (s *Server) emitError(taskID string, err error) {
	s.Emit(Event{Type: EventError, TaskID: taskID, Payload: errorPayload{Error: err.Error()}})
}

func (s *Server) subscribe() chan []byte {
	ch := make(chan []byte, subscriberQueue)
	s.subMu.Lock()
	s.subscribers[ch] = struct{}{}
	s.subMu.Unlock()
	return ch
}

func (s *Server) unsubscribe(ch chan []byte) {
	s.subMu.Lock()
	delete(s.subscribers, ch)
	s.subMu.Unlock()
}

// CheckCLI reports whether the agent binary is installed and its version.
func (s *Server) CheckCLI(ctx context.Context) CLIStatus {
	status := CLIStatus{InstallCommand: s.installCommand}

	path, err := exec.LookPath(s.agentBinary)
	if err != nil {
		return status
	}
	status.Installed = true

	ctx, cancel := context.WithTimeout(ctx, cliCheckTimeout)
	defer cancel()
	out, err := exec.CommandContext(ctx, path, "--version").Output()
	if err != nil {
		s.log.Debug("agent version check failed", zap.String("binary", path), zap.Error(err))
		return status
	}
	status.Version = strings.TrimSpace(string(out))
	return status
}

// ListenAndServe serves the HTTP surface. It returns nil when HTTP is disabled.
func (s *Server) ListenAndServe() error {
	if s.httpServer == nil {
		return nil
	}
	s.log.Info("http server starting", zap.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully stops the HTTP surface.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func decodePayload(raw json.RawMessage, v any) error {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}
	return nil
}
