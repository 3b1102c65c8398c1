package agent

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/sevir/cowork/pkg/models"
)

const (
	defaultAgentBinary = "opencode"
	terminalType       = "xterm-256color"
	configEnvVar       = "OPENCODE_CONFIG"
)

// openCodeRecord is one line of `opencode run --format json` output.
type openCodeRecord struct {
	Type      string          `json:"type"`
	SessionID string          `json:"sessionID"`
	Part      *openCodePart   `json:"part"`
	Error     json.RawMessage `json:"error"`
	Message   string          `json:"message"`
}

type openCodePart struct {
	ID        string             `json:"id"`
	SessionID string             `json:"sessionID"`
	Text      string             `json:"text"`
	Tool      string             `json:"tool"`
	CallID    string             `json:"callID"`
	Input     json.RawMessage    `json:"input"`
	Output    json.RawMessage    `json:"output"`
	Reason    string             `json:"reason"`
	State     *openCodeToolState `json:"state"`
}

type openCodeToolState struct {
	Status string          `json:"status"`
	Input  json.RawMessage `json:"input"`
	Output json.RawMessage `json:"output"`
	Title  string          `json:"title"`
	Error  json.RawMessage `json:"error"`
}

// decodeRecord converts one cleaned line into a domain event.
// ok is false for valid records of a type the sidecar does not act on.
func decodeRecord(line []byte) (ev models.Event, ok bool, err error) {
	if len(line) == 0 || line[0] != '{' {
		return ev, false, errNotObject
	}

	var rec openCodeRecord
	if err := json.Unmarshal(line, &rec); err != nil {
		return ev, false, err
	}
	part := rec.Part
	if part == nil {
		part = &openCodePart{}
	}
	ev.PartID = part.ID

	switch models.EventKind(rec.Type) {
	case models.EventStepStart:
		ev.Kind = models.EventStepStart
		ev.SessionID = firstNonEmpty(part.SessionID, rec.SessionID)

	case models.EventText:
		ev.Kind = models.EventText
		ev.Content = part.Text

	case models.EventToolCallStart:
		ev.Kind = models.EventToolCallStart
		ev.Tool = part.Tool
		ev.CallID = part.CallID
		ev.Input = decodeInput(part.Input)
		if ev.Input == nil && part.State != nil {
			ev.Input = decodeInput(part.State.Input)
		}

	case models.EventToolUseState:
		ev.Kind = models.EventToolUseState
		ev.Tool = part.Tool
		ev.CallID = part.CallID
		ev.Input = decodeInput(part.Input)
		if st := part.State; st != nil {
			ev.Status = st.Status
			if ev.Input == nil {
				ev.Input = decodeInput(st.Input)
			}
			ev.Output = rawText(st.Output)
			if ev.Status == models.ToolStatusError && ev.Output == "" {
				ev.Output = rawText(st.Error)
			}
		}

	case models.EventToolResult:
		ev.Kind = models.EventToolResult
		ev.Tool = part.Tool
		ev.CallID = part.CallID
		ev.Output = rawText(part.Output)
		if ev.Output == "" && part.State != nil {
			ev.Output = rawText(part.State.Output)
		}

	case models.EventStepFinish:
		ev.Kind = models.EventStepFinish
		ev.Reason = models.FinishReason(part.Reason)
		if ev.Reason == "" {
			ev.Reason = models.FinishStop
		}

	case models.EventError:
		ev.Kind = models.EventError
		ev.Message = errorMessage(rec.Error)
		if ev.Message == "" {
			ev.Message = firstNonEmpty(rec.Message, "agent reported an error")
		}

	default:
		return ev, false, nil
	}
	return ev, true, nil
}

func decodeInput(raw json.RawMessage) map[string]any {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err == nil {
		return m
	}
	var v any
	if err := json.Unmarshal(raw, &v); err == nil {
		return map[string]any{"value": v}
	}
	return nil
}

// rawText returns a JSON string's value, or the raw JSON for other values.
func rawText(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}

// errorMessage accepts either a plain string or {name, message, data:{message}}.
func errorMessage(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var obj struct {
		Name    string `json:"name"`
		Message string `json:"message"`
		Data    struct {
			Message string `json:"message"`
		} `json:"data"`
	}
	if err := json.Unmarshal(raw, &obj); err != nil {
		return string(raw)
	}
	msg := firstNonEmpty(obj.Data.Message, obj.Message)
	switch {
	case msg != "" && obj.Name != "":
		return obj.Name + ": " + msg
	case msg != "":
		return msg
	default:
		return obj.Name
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// CommandBuilder turns a task configuration into a LaunchSpec.
type CommandBuilder interface {
	Build(cfg models.TaskConfig) (LaunchSpec, error)
}

// OpenCodeCommand builds `opencode run` invocations.
type OpenCodeCommand struct {
	Binary    string
	ExtraArgs []string
	// Env is merged before credentials, so credentials win.
	Env map[string]string
	// ConfigFile is a pre-generated agent config, exported as OPENCODE_CONFIG.
	ConfigFile string
	UsePTY     bool
	Cols       int
	Rows       int
}

// Build returns the launch spec for cfg.
func (c *OpenCodeCommand) Build(cfg models.TaskConfig) (LaunchSpec, error) {
	binary := c.Binary
	if binary == "" {
		binary = defaultAgentBinary
	}
	if strings.TrimSpace(cfg.Prompt) == "" {
		return LaunchSpec{}, &SpawnError{Binary: binary, Err: fmt.Errorf("empty prompt")}
	}

	env := make(map[string]string, len(c.Env)+4)
	for k, v := range c.Env {
		env[k] = v
	}
	for k, v := range cfg.Credentials.Environ() {
		env[k] = v
	}
	env["NO_COLOR"] = "1"
	if c.UsePTY {
		env["TERM"] = terminalType
	}
	if c.ConfigFile != "" {
		if _, err := os.Stat(c.ConfigFile); err != nil {
			return LaunchSpec{}, &SpawnError{Binary: binary, Err: fmt.Errorf("agent config %s: %w", c.ConfigFile, err)}
		}
		env[configEnvVar] = c.ConfigFile
	}

	dir := cfg.WorkingDirectory
	if dir != "" {
		info, err := os.Stat(dir)
		if err != nil {
			return LaunchSpec{}, &SpawnError{Binary: binary, Err: fmt.Errorf("working directory: %w", err)}
		}
		if !info.IsDir() {
			return LaunchSpec{}, &SpawnError{Binary: binary, Err: fmt.Errorf("working directory %s is not a directory", dir)}
		}
	}

	return LaunchSpec{
		Binary: binary,
		Args:   c.buildArgs(cfg),
		Env:    env,
		Dir:    dir,
		UsePTY: c.UsePTY,
		Cols:   c.Cols,
		Rows:   c.Rows,
	}, nil
}

func (c *OpenCodeCommand) buildArgs(cfg models.TaskConfig) []string {
	args := []string{
		"run", // non-interactive execution
		"--format", "json",
	}

	if cfg.ModelID != "" {
		args = append(args, "-m", cfg.ModelID)
	}
	if cfg.SessionID != "" {
		args = append(args, "--session", cfg.SessionID)
	}

	args = append(args, c.ExtraArgs...)

	// The prompt is the final positional argument.
	return append(args, cfg.Prompt)
}
