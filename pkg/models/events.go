package models

import "time"

// EventKind identifies a structured record reported by the agent.
type EventKind string

const (
	EventStepStart     EventKind = "step_start"
	EventText          EventKind = "text"
	EventToolCallStart EventKind = "tool_call"
	EventToolUseState  EventKind = "tool_use"
	EventToolResult    EventKind = "tool_result"
	EventStepFinish    EventKind = "step_finish"
	EventError         EventKind = "error"
)

// FinishReason is the reason attached to a step_finish record.
type FinishReason string

const (
	FinishStop    FinishReason = "stop"
	FinishEndTurn FinishReason = "end_turn"
	FinishToolUse FinishReason = "tool_use"
	FinishError   FinishReason = "error"
)

// Tool states reported by tool_use records.
const (
	ToolStatusPending   = "pending"
	ToolStatusCompleted = "completed"
	ToolStatusError     = "error"
)

// Event is one domain event reconstructed from the agent's output stream.
// Only the fields relevant to Kind are populated.
type Event struct {
	Kind      EventKind      `json:"kind"`
	PartID    string         `json:"partId,omitempty"`
	SessionID string         `json:"sessionId,omitempty"`
	Content   string         `json:"content,omitempty"`
	Tool      string         `json:"tool,omitempty"`
	CallID    string         `json:"callId,omitempty"`
	Status    string         `json:"status,omitempty"`
	Input     map[string]any `json:"input,omitempty"`
	Output    string         `json:"output,omitempty"`
	Reason    FinishReason   `json:"reason,omitempty"`
	Message   string         `json:"message,omitempty"`
}

// MessageType classifies a task message shown to the caller.
type MessageType string

const (
	MessageAssistant MessageType = "assistant"
	MessageTool      MessageType = "tool"
)

// TaskMessage is a message forwarded to the caller as task_message.
type TaskMessage struct {
	ID        string         `json:"id"`
	Type      MessageType    `json:"type"`
	Content   string         `json:"content"`
	ToolName  string         `json:"toolName,omitempty"`
	ToolInput map[string]any `json:"toolInput,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// ProgressStage names a coarse stage of task execution.
type ProgressStage string

const (
	StageInit      ProgressStage = "init"
	StageConnected ProgressStage = "connected"
	StageToolUse   ProgressStage = "tool-use"
	StageRunning   ProgressStage = "running"
)

// TaskProgress is forwarded to the caller as task_progress.
type TaskProgress struct {
	Stage   ProgressStage `json:"stage"`
	Message string        `json:"message,omitempty"`
}

// PermissionType classifies a permission request.
type PermissionType string

const (
	PermissionQuestion PermissionType = "question"
)

// QuestionOption is one choice offered by a question prompt.
type QuestionOption struct {
	Label       string `json:"label"`
	Description string `json:"description,omitempty"`
}

// PermissionRequest asks the caller for a response that is sent back
// through send_response.
type PermissionRequest struct {
	ID          string           `json:"id"`
	TaskID      string           `json:"taskId"`
	Type        PermissionType   `json:"type"`
	Question    string           `json:"question,omitempty"`
	Header      string           `json:"header,omitempty"`
	Options     []QuestionOption `json:"options,omitempty"`
	MultiSelect bool             `json:"multiSelect,omitempty"`
	ToolName    string           `json:"toolName,omitempty"`
	ToolInput   map[string]any   `json:"toolInput,omitempty"`
	CreatedAt   time.Time        `json:"createdAt"`
}

// CompletionStatus is the outcome carried by task_complete.
type CompletionStatus string

const (
	CompletionSuccess     CompletionStatus = "success"
	CompletionError       CompletionStatus = "error"
	CompletionInterrupted CompletionStatus = "interrupted"
)

// TaskResult is the terminal result of a task.
type TaskResult struct {
	Status     CompletionStatus `json:"status"`
	SessionID  string           `json:"sessionId,omitempty"`
	Error      string           `json:"error,omitempty"`
	DurationMS int64            `json:"durationMs,omitempty"`
}

// StartInfo is reported once the agent process has been spawned.
type StartInfo struct {
	TaskID    string    `json:"taskId"`
	PID       int       `json:"pid"`
	PTY       bool      `json:"pty"`
	StartedAt time.Time `json:"startedAt"`
}
