package server

import (
	"encoding/json"

	"github.com/sevir/cowork/pkg/models"
)

// Inbound command types.
const (
	CommandStartTask     = "start_task"
	CommandCancelTask    = "cancel_task"
	CommandInterruptTask = "interrupt_task"
	CommandSendResponse  = "send_response"
	CommandPing          = "ping"
	CommandCheckCLI      = "check_cli"
)

// Outbound event types.
const (
	EventReady             = "ready"
	EventPong              = "pong"
	EventCLIStatus         = "cli_status"
	EventTaskStarted       = "task_started"
	EventTaskMessage       = "task_message"
	EventTaskProgress      = "task_progress"
	EventPermissionRequest = "permission_request"
	EventTaskComplete      = "task_complete"
	EventTaskError         = "task_error"
	EventLog               = "log"
	EventError             = "error"
)

// Command is one inbound line.
type Command struct {
	Type    string          `json:"type"`
	TaskID  string          `json:"taskId,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Event is one outbound line.
type Event struct {
	Type    string `json:"type"`
	TaskID  string `json:"taskId,omitempty"`
	Payload any    `json:"payload,omitempty"`
}

// StartTaskPayload is the payload of start_task.
type StartTaskPayload struct {
	TaskID           string            `json:"taskId,omitempty"`
	Prompt           string            `json:"prompt"`
	SessionID        string            `json:"sessionId,omitempty"`
	ModelID          string            `json:"modelId,omitempty"`
	WorkingDirectory string            `json:"workingDirectory,omitempty"`
	APIKeys          models.APIKeys    `json:"apiKeys,omitempty"`
	Credentials      map[string]string `json:"credentials,omitempty"`
	Timeout          models.Duration   `json:"timeout,omitempty"`
}

// TaskConfig converts the payload for the task id.
func (p StartTaskPayload) TaskConfig(taskID string) models.TaskConfig {
	return models.TaskConfig{
		TaskID:           taskID,
		Prompt:           p.Prompt,
		SessionID:        p.SessionID,
		ModelID:          p.ModelID,
		WorkingDirectory: p.WorkingDirectory,
		Credentials: models.Credentials{
			APIKeys: p.APIKeys,
			Env:     p.Credentials,
		},
		Timeout: p.Timeout,
	}
}

// SendResponsePayload is the payload of send_response.
type SendResponsePayload struct {
	Response string `json:"response"`
}

type readyPayload struct {
	Version string `json:"version"`
}

// CLIStatus is the payload of cli_status.
type CLIStatus struct {
	Installed      bool   `json:"installed"`
	Version        string `json:"version,omitempty"`
	InstallCommand string `json:"installCommand,omitempty"`
}

type taskMessagePayload struct {
	Message models.TaskMessage `json:"message"`
}

type permissionRequestPayload struct {
	Request models.PermissionRequest `json:"request"`
}

type taskCompletePayload struct {
	Result models.TaskResult `json:"result"`
}

type errorPayload struct {
	Error string `json:"error"`
}

type logPayload struct {
	Level   string         `json:"level"`
	Message string         `json:"message"`
	Context map[string]any `json:"context,omitempty"`
}
