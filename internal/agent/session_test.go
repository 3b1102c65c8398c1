package agent

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sevir/cowork/internal/logger"
	"github.com/sevir/cowork/pkg/models"
)

func newTestSession(t *testing.T, cfg models.TaskConfig) (*Session, *fakeLauncher, *recorder) {
	t.Helper()
	if cfg.TaskID == "" {
		cfg.TaskID = "task_test"
	}
	if cfg.Prompt == "" {
		cfg.Prompt = "do something"
	}
	launcher := &fakeLauncher{}
	rec := &recorder{}
	s := NewSession(cfg, SessionOptions{
		Launcher: launcher,
		Command:  &OpenCodeCommand{},
		Logger:   logger.NewNop(),
	}, rec.handlers())
	return s, launcher, rec
}

func startTestSession(t *testing.T) (*Session, *fakeProcess, *recorder) {
	t.Helper()
	s, launcher, rec := newTestSession(t, models.TaskConfig{})
	require.NoError(t, s.Start(context.Background()))
	return s, launcher.last(), rec
}

func TestSession_Start(t *testing.T) {
	s, launcher, rec := newTestSession(t, models.TaskConfig{TaskID: "task_a", Prompt: "hi", ModelID: "m"})

	require.NoError(t, s.Start(context.Background()))

	require.Len(t, launcher.specs, 1)
	assert.Contains(t, launcher.specs[0].Args, "hi")
	require.Len(t, rec.started, 1)
	assert.Equal(t, "task_a", rec.started[0].TaskID)
	assert.Equal(t, 1000, rec.started[0].PID)
	require.Len(t, rec.prog, 1)
	assert.Equal(t, models.StageInit, rec.prog[0].Stage)
	assert.Equal(t, StateStarting, s.State())
	assert.Equal(t, 1000, s.PID())
	assert.False(t, s.StartedAt().IsZero())

	assert.ErrorIs(t, s.Start(context.Background()), ErrAlreadyStarted)
}

func TestSession_StartLaunchFailure(t *testing.T) {
	s, launcher, rec := newTestSession(t, models.TaskConfig{})
	launcher.err = errors.New("boom")

	err := s.Start(context.Background())

	var spawnErr *SpawnError
	require.True(t, errors.As(err, &spawnErr))
	assert.Equal(t, "opencode", spawnErr.Binary)
	assert.Equal(t, StateTerminated, s.State())
	assert.Empty(t, rec.kinds)
}

func TestSession_StartAfterDispose(t *testing.T) {
	s, launcher, _ := newTestSession(t, models.TaskConfig{})
	s.Dispose()

	assert.ErrorIs(t, s.Start(context.Background()), ErrSessionDisposed)
	assert.Empty(t, launcher.specs)
}

func TestSession_SuccessfulRun(t *testing.T) {
	s, proc, rec := startTestSession(t)

	proc.feed(`{"type":"step_start","part":{"sessionID":"ses_1"}}` + "\n")
	assert.Equal(t, StateConnected, s.State())
	assert.Equal(t, "ses_1", s.SessionID())

	proc.feed(`{"type":"text","part":{"id":"p1","text":"Working on it"}}` + "\n")
	assert.Equal(t, StateRunning, s.State())

	proc.feed(`{"type":"step_finish","part":{"reason":"stop"}}` + "\n")
	proc.exit(0)

	require.Len(t, rec.results, 1)
	assert.Empty(t, rec.errs)
	assert.Equal(t, models.CompletionSuccess, rec.results[0].Status)
	assert.Equal(t, "ses_1", rec.results[0].SessionID)
	assert.Equal(t, "complete", rec.lastKind())
	assert.Equal(t, StateTerminated, s.State())

	require.Len(t, rec.msgs, 1)
	assert.Equal(t, "p1", rec.msgs[0].ID)
	assert.Equal(t, models.MessageAssistant, rec.msgs[0].Type)
	assert.Equal(t, "Working on it", rec.msgs[0].Content)

	stages := make([]models.ProgressStage, 0, len(rec.prog))
	for _, p := range rec.prog {
		stages = append(stages, p.Stage)
	}
	assert.Equal(t, []models.ProgressStage{models.StageInit, models.StageConnected, models.StageRunning}, stages)
}

func TestSession_CleanExitWithoutFinishIsSuccess(t *testing.T) {
	_, proc, rec := startTestSession(t)

	proc.feed(`{"type":"text","part":{"text":"done"}}`)
	proc.exit(0)

	require.Len(t, rec.msgs, 1)
	assert.Equal(t, "done", rec.msgs[0].Content)
	require.Len(t, rec.results, 1)
	assert.Equal(t, models.CompletionSuccess, rec.results[0].Status)
}

func TestSession_NonzeroExit(t *testing.T) {
	_, proc, rec := startTestSession(t)

	proc.feed("Error: provider not configured\n")
	proc.exit(1)

	assert.Empty(t, rec.results)
	require.Len(t, rec.errs, 1)
	var exitErr *ExitError
	require.True(t, errors.As(rec.errs[0], &exitErr))
	assert.Equal(t, 1, exitErr.Code)
	assert.Contains(t, rec.errs[0].Error(), "1")
}

func TestSession_WaitFailure(t *testing.T) {
	_, proc, rec := startTestSession(t)

	proc.exitWith(ExitStatus{Code: -1, Err: errors.New("wait failed")})

	require.Len(t, rec.errs, 1)
	assert.Contains(t, rec.errs[0].Error(), "wait failed")
}

func TestSession_AgentErrorRecord(t *testing.T) {
	_, proc, rec := startTestSession(t)

	proc.feed(`{"type":"error","error":{"name":"APIError","message":"quota"}}` + "\n")
	proc.exit(1)

	require.Len(t, rec.results, 1)
	assert.Empty(t, rec.errs)
	assert.Equal(t, models.CompletionError, rec.results[0].Status)
	assert.Equal(t, "APIError: quota", rec.results[0].Error)
}

func TestSession_StepFinishError(t *testing.T) {
	_, proc, rec := startTestSession(t)

	proc.feed(`{"type":"step_finish","part":{"reason":"error"}}` + "\n")
	proc.exit(0)

	require.Len(t, rec.results, 1)
	assert.Equal(t, models.CompletionError, rec.results[0].Status)
}

func TestSession_StepFinishToolUseKeepsRunning(t *testing.T) {
	s, proc, rec := startTestSession(t)

	proc.feed(`{"type":"step_finish","part":{"reason":"tool_use"}}` + "\n")
	assert.Equal(t, StateRunning, s.State())
	assert.Equal(t, 0, rec.terminalCount())

	proc.feed(`{"type":"step_finish","part":{"reason":"end_turn"}}` + "\n")
	assert.Equal(t, 1, rec.terminalCount())
	assert.Equal(t, StateCompleting, s.State())
}

func TestSession_InterruptThenCleanExit(t *testing.T) {
	s, proc, rec := startTestSession(t)

	proc.feed(`{"type":"text","part":{"text":"partial"}}` + "\n")
	require.NoError(t, s.Interrupt())
	proc.exit(0)

	require.Len(t, rec.results, 1)
	assert.Equal(t, models.CompletionInterrupted, rec.results[0].Status)
	assert.Equal(t, 1, proc.interrupts)
}

func TestSession_InterruptThenSigint(t *testing.T) {
	s, proc, rec := startTestSession(t)

	require.NoError(t, s.Interrupt())
	proc.exitWith(ExitStatus{Code: 130, Signal: "interrupt"})

	require.Len(t, rec.results, 1)
	assert.Equal(t, models.CompletionInterrupted, rec.results[0].Status)
}

func TestSession_InterruptThenFailureExit(t *testing.T) {
	s, proc, rec := startTestSession(t)

	require.NoError(t, s.Interrupt())
	proc.exit(2)

	assert.Empty(t, rec.results)
	require.Len(t, rec.errs, 1)
}

func TestSession_InterruptWithoutProcess(t *testing.T) {
	s, launcher, _ := newTestSession(t, models.TaskConfig{})

	assert.NoError(t, s.Interrupt())
	assert.Empty(t, launcher.procs)
}

func TestSession_InterruptError(t *testing.T) {
	s, proc, _ := startTestSession(t)
	proc.interruptFn = func() error { return errors.New("no tty") }

	err := s.Interrupt()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no tty")
}

func TestSession_CancelIsSilentAndIdempotent(t *testing.T) {
	s, proc, rec := startTestSession(t)
	before := len(rec.kinds)

	s.Cancel()
	s.Cancel()
	assert.Equal(t, 2, proc.killCount())

	proc.feed(`{"type":"step_finish","part":{"reason":"stop"}}` + "\n")
	proc.exit(137)
	s.Cancel()

	assert.Equal(t, 0, rec.terminalCount())
	assert.Len(t, rec.kinds, before)
	assert.Equal(t, 2, proc.killCount())
}

func TestSession_SendResponse(t *testing.T) {
	s, proc, _ := startTestSession(t)

	require.NoError(t, s.SendResponse("yes"))
	require.NoError(t, s.SendResponse("already terminated\n"))
	assert.Equal(t, []string{"yes\n", "already terminated\n"}, proc.writes())

	proc.exit(0)
	assert.ErrorIs(t, s.SendResponse("late"), ErrNoActiveProcess)
}

func TestSession_SendResponseBeforeStart(t *testing.T) {
	s, _, _ := newTestSession(t, models.TaskConfig{})
	assert.ErrorIs(t, s.SendResponse("x"), ErrNoActiveProcess)
}

func TestSession_ToolLifecycle(t *testing.T) {
	s, proc, rec := startTestSession(t)

	proc.feed(`{"type":"tool_use","part":{"id":"p2","tool":"bash","callID":"c1","state":{"status":"pending"}}}` + "\n")
	assert.Empty(t, rec.msgs)

	proc.feed(`{"type":"tool_use","part":{"id":"p2","tool":"bash","callID":"c1","state":{"status":"running","input":{"command":"ls"}}}}` + "\n")
	assert.Equal(t, StateToolUse, s.State())
	proc.feed(`{"type":"tool_use","part":{"id":"p2","tool":"bash","callID":"c1","state":{"status":"running","input":{"command":"ls"}}}}` + "\n")

	proc.feed(`{"type":"tool_use","part":{"id":"p2","tool":"bash","callID":"c1","state":{"status":"completed","input":{"command":"ls"},"output":"go.mod"}}}` + "\n")
	assert.Equal(t, StateRunning, s.State())
	proc.feed(`{"type":"tool_result","part":{"id":"p2","tool":"bash","callID":"c1","output":"go.mod"}}` + "\n")

	require.Len(t, rec.msgs, 2)
	assert.Equal(t, models.MessageTool, rec.msgs[0].Type)
	assert.Equal(t, "bash", rec.msgs[0].ToolName)
	assert.Equal(t, map[string]any{"command": "ls"}, rec.msgs[0].ToolInput)
	assert.Equal(t, "p2", rec.msgs[0].ID)
	assert.Equal(t, "p2_result", rec.msgs[1].ID)
	assert.Equal(t, "go.mod", rec.msgs[1].Content)

	var toolProgress int
	for _, p := range rec.prog {
		if p.Stage == models.StageToolUse {
			toolProgress++
		}
	}
	assert.Equal(t, 1, toolProgress)
}

func TestSession_AskUserQuestion(t *testing.T) {
	_, proc, rec := startTestSession(t)

	proc.feed(`{"type":"tool_call","part":{"tool":"mcp_AskUserQuestion","callID":"call_9","input":{"questions":[` +
		`{"question":"Proceed?","header":"Confirm","multiSelect":false,"options":[{"label":"Yes","description":"go"},{"label":"No"}]}]}}}` + "\n")

	assert.Empty(t, rec.msgs)
	require.Len(t, rec.perms, 1)
	req := rec.perms[0]
	assert.Equal(t, "call_9", req.ID)
	assert.Equal(t, "task_test", req.TaskID)
	assert.Equal(t, models.PermissionQuestion, req.Type)
	assert.Equal(t, "Proceed?", req.Question)
	assert.Equal(t, "Confirm", req.Header)
	assert.Equal(t, []models.QuestionOption{{Label: "Yes", Description: "go"}, {Label: "No"}}, req.Options)
}

func TestSession_AskUserQuestionPendingWithEmptyInput(t *testing.T) {
	_, proc, rec := startTestSession(t)

	proc.feed(`{"type":"tool_use","part":{"id":"p3","tool":"AskUserQuestion","callID":"c1","state":{"status":"pending","input":{}}}}` + "\n")
	assert.Empty(t, rec.perms)

	proc.feed(`{"type":"tool_use","part":{"id":"p3","tool":"AskUserQuestion","callID":"c1","state":{"status":"running",` +
		`"input":{"questions":[{"question":"Proceed?","options":[{"label":"Yes"}]}]}}}}` + "\n")

	require.Len(t, rec.perms, 1)
	assert.Equal(t, "c1", rec.perms[0].ID)
	assert.Equal(t, "Proceed?", rec.perms[0].Question)
	assert.Equal(t, []models.QuestionOption{{Label: "Yes"}}, rec.perms[0].Options)
}

func TestIsAskUserTool(t *testing.T) {
	assert.True(t, isAskUserTool("AskUserQuestion"))
	assert.True(t, isAskUserTool("askuserquestion"))
	assert.True(t, isAskUserTool("cowork_AskUserQuestion"))
	assert.False(t, isAskUserTool("AskUserQuestionV2"))
	assert.False(t, isAskUserTool("bash"))
}

func TestSession_Abort(t *testing.T) {
	s, proc, rec := startTestSession(t)

	timeoutErr := &TimeoutError{}
	s.Abort(timeoutErr)
	proc.exit(137)

	require.Len(t, rec.errs, 1)
	assert.ErrorIs(t, rec.errs[0], error(timeoutErr))
	assert.Equal(t, 1, proc.killCount())
}

func TestSession_DisposeIsIdempotent(t *testing.T) {
	s, proc, rec := startTestSession(t)
	before := len(rec.kinds)

	s.Dispose()
	s.Dispose()

	assert.Equal(t, StateTerminated, s.State())
	assert.Equal(t, 1, proc.killCount())

	proc.feed(`{"type":"text","part":{"text":"ignored"}}` + "\n")
	proc.exit(0)
	assert.Len(t, rec.kinds, before)
}

func TestSession_TerminalEventIsLast(t *testing.T) {
	_, proc, rec := startTestSession(t)

	proc.feed(`{"type":"step_finish","part":{"reason":"stop"}}` + "\n" +
		`{"type":"text","part":{"text":"after finish"}}` + "\n")
	proc.exit(0)

	assert.Equal(t, 1, rec.terminalCount())
	assert.Equal(t, "complete", rec.lastKind())
	assert.Empty(t, rec.msgs)
}

func TestSession_HandlerMayDispose(t *testing.T) {
	launcher := &fakeLauncher{}
	var s *Session
	var once sync.Once
	var completions int
	s = NewSession(models.TaskConfig{TaskID: "t", Prompt: "p"}, SessionOptions{
		Launcher: launcher,
		Command:  &OpenCodeCommand{},
		Logger:   logger.NewNop(),
	}, Handlers{
		OnComplete: func(models.TaskResult) {
			completions++
			once.Do(s.Dispose)
		},
	})
	require.NoError(t, s.Start(context.Background()))

	launcher.last().feed(`{"type":"step_finish","part":{"reason":"stop"}}` + "\n")
	launcher.last().exit(0)

	assert.Equal(t, 1, completions)
	assert.Equal(t, StateTerminated, s.State())
}

func TestSession_NoiseReportedAsDebug(t *testing.T) {
	launcher := &fakeLauncher{}
	var mu sync.Mutex
	var debug []string
	s := NewSession(models.TaskConfig{TaskID: "task_dbg", Prompt: "p"}, SessionOptions{
		Launcher: launcher,
		Command:  &OpenCodeCommand{},
		Logger:   logger.NewNop(),
	}, Handlers{
		OnDebug: func(msg string) {
			mu.Lock()
			defer mu.Unlock()
			debug = append(debug, msg)
		},
	})
	require.NoError(t, s.Start(context.Background()))

	launcher.last().feed("Loading plugins...\n")
	launcher.last().feed(`{"type":"text","part":{"text":"ok"}}` + "\n")

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, debug, 1)
	assert.Contains(t, debug[0], "Loading plugins...")
}
