// Package config handles application configuration.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/sevir/cowork/internal/logger"
)

const (
	configDirName = ".cowork"

	defaultBinary        = "opencode"
	defaultMaxTasks      = 10
	defaultParserMax     = 10 * 1024 * 1024
	defaultHistoryLimit  = 100
	defaultCols          = 32000
	defaultRows          = 30
	defaultDrainTimeout  = 2 * time.Second
	minParserMaxBytes    = 1024
	defaultInstallHint   = "npm install -g opencode-ai"
	defaultLogLevel      = "info"
	defaultLogFormat     = "auto"
	defaultLogOutputPath = "stderr"
)

// Config holds the application configuration.
type Config struct {
	DefaultModel string               `json:"default_model" yaml:"default_model"`
	Agent        AgentConfig          `json:"agent" yaml:"agent"`
	Orchestrator OrchestratorConfig   `json:"orchestrator" yaml:"orchestrator"`
	Server       ServerConfig         `json:"server" yaml:"server"`
	Logging      logger.LoggingConfig `json:"logging" yaml:"logging"`
}

// AgentConfig describes how the agent CLI is launched.
type AgentConfig struct {
	Binary         string            `json:"binary" yaml:"binary"`
	ExtraArgs      []string          `json:"extra_args,omitempty" yaml:"extra_args,omitempty"`
	Env            map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
	ConfigFile     string            `json:"config_file,omitempty" yaml:"config_file,omitempty"`
	UsePTY         bool              `json:"use_pty" yaml:"use_pty"`
	Cols           int               `json:"cols" yaml:"cols"`
	Rows           int               `json:"rows" yaml:"rows"`
	DrainTimeout   Duration          `json:"drain_timeout" yaml:"drain_timeout"`
	InstallCommand string            `json:"install_command" yaml:"install_command"`
}

// OrchestratorConfig holds task manager configuration.
type OrchestratorConfig struct {
	MaxConcurrentTasks int      `json:"max_concurrent_tasks" yaml:"max_concurrent_tasks"`
	ParserMaxBytes     int      `json:"parser_max_bytes" yaml:"parser_max_bytes"`
	TaskTimeout        Duration `json:"task_timeout" yaml:"task_timeout"`
	HistoryLimit       int      `json:"history_limit" yaml:"history_limit"`
}

// ServerConfig holds the optional HTTP surface configuration.
// An empty HTTPAddr disables it.
type ServerConfig struct {
	HTTPAddr string `json:"http_addr" yaml:"http_addr"`
}

// Duration is a time.Duration that reads and writes as a string like "2s".
type Duration time.Duration

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// UnmarshalJSON implements json.Unmarshaler.
func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("duration must be a string: %w", err)
	}
	return d.parse(s)
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	return d.parse(s)
}

func (d *Duration) parse(s string) error {
	s = strings.TrimSpace(s)
	if s == "" || s == "0" {
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

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Agent: AgentConfig{
			Binary:         defaultBinary,
			UsePTY:         true,
			Cols:           defaultCols,
			Rows:           defaultRows,
			DrainTimeout:   Duration(defaultDrainTimeout),
			InstallCommand: defaultInstallHint,
		},
		Orchestrator: OrchestratorConfig{
			MaxConcurrentTasks: defaultMaxTasks,
			ParserMaxBytes:     defaultParserMax,
			HistoryLimit:       defaultHistoryLimit,
		},
		Logging: logger.LoggingConfig{
			Level:      defaultLogLevel,
			Format:     defaultLogFormat,
			OutputPath: defaultLogOutputPath,
		},
	}
}

// DefaultPath returns the default config file location.
func DefaultPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, configDirName, "config.yaml")
}

// Load loads configuration from a file (supports JSON and YAML).
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	baseDir := ""

	if path == "" {
		home, _ := os.UserHomeDir()
		// Try YAML first, then JSON
		yamlPath := filepath.Join(home, configDirName, "config.yaml")
		jsonPath := filepath.Join(home, configDirName, "config.json")

		if _, err := os.Stat(yamlPath); err == nil {
			path = yamlPath
		} else if _, err := os.Stat(jsonPath); err == nil {
			path = jsonPath
		} else {
			return cfg, nil
		}
	}
	baseDir = filepath.Dir(path)

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if isYAML(path) {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse YAML config: %w", err)
		}
	} else {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse JSON config: %w", err)
		}
	}

	// The agent binary is a bare command name unless it carries a separator.
	if strings.ContainsAny(cfg.Agent.Binary, `/\`) {
		cfg.Agent.Binary = resolvePath(cfg.Agent.Binary, baseDir)
	}
	cfg.Agent.ConfigFile = resolvePath(cfg.Agent.ConfigFile, baseDir)
	if out := cfg.Logging.OutputPath; out != "stderr" && out != "stdout" {
		cfg.Logging.OutputPath = resolvePath(out, baseDir)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for values the sidecar cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Agent.Binary) == "" {
		errs = append(errs, errors.New("agent.binary must not be empty"))
	}
	if c.Agent.Cols <= 0 || c.Agent.Rows <= 0 {
		errs = append(errs, fmt.Errorf("agent terminal size must be positive, got %dx%d", c.Agent.Cols, c.Agent.Rows))
	}
	if c.Orchestrator.MaxConcurrentTasks <= 0 {
		errs = append(errs, fmt.Errorf("orchestrator.max_concurrent_tasks must be positive, got %d", c.Orchestrator.MaxConcurrentTasks))
	}
	if c.Orchestrator.ParserMaxBytes < minParserMaxBytes {
		errs = append(errs, fmt.Errorf("orchestrator.parser_max_bytes must be at least %d, got %d", minParserMaxBytes, c.Orchestrator.ParserMaxBytes))
	}
	if c.Orchestrator.TaskTimeout < 0 {
		errs = append(errs, errors.New("orchestrator.task_timeout must not be negative"))
	}
	// stdout carries the event protocol.
	if c.Logging.OutputPath == "stdout" {
		errs = append(errs, errors.New("logging.output_path must not be stdout"))
	}
	return errors.Join(errs...)
}

// Save saves configuration to a file. The format follows the extension.
func (c *Config) Save(path string) error {
	if path == "" {
		path = DefaultPath()
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	var (
		data []byte
		err  error
	)
	if isYAML(path) {
		data, err = yaml.Marshal(c)
	} else {
		data, err = json.MarshalIndent(c, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

func isYAML(path string) bool {
	lower := strings.ToLower(path)
	return strings.HasSuffix(lower, ".yaml") || strings.HasSuffix(lower, ".yml")
}

// expandHome expands ~ to home directory in paths.
func expandHome(path string) string {
	path = strings.TrimSpace(path)
	if path == "" {
		return path
	}
	if path == "~" {
		home, _ := os.UserHomeDir()
		return home
	}
	if strings.HasPrefix(path, "~/") || strings.HasPrefix(path, "~\\") {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[2:])
	}
	return path
}

// resolvePath expands ~ and resolves relative paths against baseDir.
// If baseDir is empty, relative paths are returned unchanged.
func resolvePath(value, baseDir string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return value
	}
	p := expandHome(value)
	if filepath.IsAbs(p) {
		return p
	}
	if baseDir == "" {
		return p
	}
	return filepath.Clean(filepath.Join(baseDir, p))
}
