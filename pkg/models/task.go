// Package models defines the core domain types for the cowork sidecar.
package models

import (
	"fmt"
	"strconv"
	"time"
)

// TaskStatus represents the recorded outcome of a task.
type TaskStatus string

const (
	TaskStatusRunning     TaskStatus = "running"
	TaskStatusCompleted   TaskStatus = "completed"
	TaskStatusFailed      TaskStatus = "failed"
	TaskStatusInterrupted TaskStatus = "interrupted"
	TaskStatusCancelled   TaskStatus = "cancelled"
)

// ValidStatus reports whether s is a known task status.
func ValidStatus(s TaskStatus) bool {
	switch s {
	case TaskStatusRunning, TaskStatusCompleted, TaskStatusFailed, TaskStatusInterrupted, TaskStatusCancelled:
		return true
	}
	return false
}

// TaskConfig is the configuration captured when a task starts.
// It is immutable for the lifetime of the task.
type TaskConfig struct {
	TaskID           string      `json:"taskId"`
	Prompt           string      `json:"prompt"`
	SessionID        string      `json:"sessionId,omitempty"`
	ModelID          string      `json:"modelId,omitempty"`
	WorkingDirectory string      `json:"workingDirectory,omitempty"`
	Credentials      Credentials `json:"-"`
	Timeout          Duration    `json:"timeout,omitempty"`
}

// Task is the bookkeeping record of a task kept in the history store.
type Task struct {
	ID          string     `json:"id"`
	Prompt      string     `json:"prompt"`
	WorkDir     string     `json:"work_dir"`
	Status      TaskStatus `json:"status"`
	Model       string     `json:"model,omitempty"`
	SessionID   string     `json:"session_id,omitempty"`
	PID         int        `json:"pid,omitempty"`
	PTY         bool       `json:"pty"`
	Error       string     `json:"error,omitempty"`
	ExitCode    *int       `json:"exit_code,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Duration is a wrapper around time.Duration for JSON marshaling.
type Duration time.Duration

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) {
	return []byte(`"` + time.Duration(d).String() + `"`), nil
}

// UnmarshalJSON implements json.Unmarshaler.
// Accepts a Go duration string or a number of milliseconds.
func (d *Duration) UnmarshalJSON(b []byte) error {
	if len(b) == 0 || string(b) == "null" {
		return nil
	}
	if b[0] != '"' {
		ms, err := strconv.ParseInt(string(b), 10, 64)
		if err != nil {
			return fmt.Errorf("invalid duration %s: %w", b, err)
		}
		*d = Duration(time.Duration(ms) * time.Millisecond)
		return nil
	}
	s := string(b[1 : len(b)-1])
	if s == "" {
		*d = 0
		return nil
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(dur)
	return nil
}

// IsTerminal returns true if the task is in a terminal state.
func (t *Task) IsTerminal() bool {
	return t.Status == TaskStatusCompleted ||
		t.Status == TaskStatusFailed ||
		t.Status == TaskStatusInterrupted ||
		t.Status == TaskStatusCancelled
}

// IsRunning returns true if the task is currently running.
func (t *Task) IsRunning() bool {
	return t.Status == TaskStatusRunning
}

// TaskSummary provides a condensed view of a task for listing.
type TaskSummary struct {
	ID          string     `json:"id"`
	Prompt      string     `json:"prompt"`
	WorkDir     string     `json:"work_dir"`
	Status      TaskStatus `json:"status"`
	SessionID   string     `json:"session_id,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Duration    string     `json:"duration,omitempty"`
}

// ToSummary converts a Task to a TaskSummary.
func (t *Task) ToSummary() TaskSummary {
	summary := TaskSummary{
		ID:          t.ID,
		Prompt:      truncateString(t.Prompt, 100),
		WorkDir:     t.WorkDir,
		Status:      t.Status,
		SessionID:   t.SessionID,
		CreatedAt:   t.CreatedAt,
		CompletedAt: t.CompletedAt,
	}
	if t.CompletedAt != nil && t.StartedAt != nil {
		summary.Duration = t.CompletedAt.Sub(*t.StartedAt).String()
	}
	return summary
}

func truncateString(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
