package agent

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNoActiveProcess is returned when input is sent to a task whose process has exited.
	ErrNoActiveProcess = errors.New("no active process")
	// ErrAlreadyStarted is returned when Start is called twice on a session.
	ErrAlreadyStarted = errors.New("session already started")
	// ErrSessionDisposed is returned when a disposed session is started.
	ErrSessionDisposed = errors.New("session disposed")
	// ErrBufferOverflow is wrapped by the ParseError raised when a line exceeds the parser limit.
	ErrBufferOverflow = errors.New("stream buffer overflow")
)

// SpawnError reports that the agent binary could not be launched.
type SpawnError struct {
	Binary string
	Err    error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("failed to spawn %s: %v", e.Binary, e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }

// ExitError reports a nonzero exit with no prior completion.
type ExitError struct {
	Code   int
	Signal string
}

func (e *ExitError) Error() string {
	if e.Signal != "" {
		return fmt.Sprintf("agent process exited with code %d (signal: %s)", e.Code, e.Signal)
	}
	return fmt.Sprintf("agent process exited with code %d", e.Code)
}

// ParseError reports a line that could not be decoded. It is never fatal.
type ParseError struct {
	Line string
	Err  error
}

func (e *ParseError) Error() string {
	if e.Line == "" {
		return fmt.Sprintf("parse error: %v", e.Err)
	}
	return fmt.Sprintf("parse error: %v: %q", e.Err, e.Line)
}

func (e *ParseError) Unwrap() error { return e.Err }

// TimeoutError reports that a task exceeded its allotted run time.
type TimeoutError struct {
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("task exceeded timeout of %s", e.Timeout)
}
