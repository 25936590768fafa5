// Package config loads the runtime configuration from a YAML hierarchy with
// environment overrides, decodes it into typed structs, applies defaults and
// validates the result.
package config

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/invopop/jsonschema"

	"github.com/aiwhisperer/aiwhisperer/pkg/ailoop"
	"github.com/aiwhisperer/aiwhisperer/pkg/continuation"
	"github.com/aiwhisperer/aiwhisperer/pkg/llm"
	"github.com/aiwhisperer/aiwhisperer/pkg/observability"
	"github.com/aiwhisperer/aiwhisperer/pkg/tools"
)

// Config is the full runtime configuration.
type Config struct {
	OpenRouter    OpenRouterConfig               `json:"openrouter" yaml:"openrouter" mapstructure:"openrouter"`
	SiteURL       string                         `json:"site_url,omitempty" yaml:"site_url" mapstructure:"site_url"`
	AppName       string                         `json:"app_name,omitempty" yaml:"app_name" mapstructure:"app_name"`
	WorkspacePath string                         `json:"workspace_path,omitempty" yaml:"workspace_path" mapstructure:"workspace_path"`
	OutputDir     string                         `json:"output_dir,omitempty" yaml:"output_dir" mapstructure:"output_dir"`
	StateDir      string                         `json:"state_dir,omitempty" yaml:"state_dir" mapstructure:"state_dir"`
	TaskModels    map[string]string              `json:"task_models,omitempty" yaml:"task_models" mapstructure:"task_models"`
	TaskPrompts   map[string]string              `json:"task_prompts,omitempty" yaml:"task_prompts" mapstructure:"task_prompts"`
	Agents        AgentsConfig                   `json:"agents,omitempty" yaml:"agents" mapstructure:"agents"`
	Continuation  ContinuationConfig             `json:"continuation,omitempty" yaml:"continuation" mapstructure:"continuation"`
	Tools         ToolsConfig                    `json:"tools,omitempty" yaml:"tools" mapstructure:"tools"`
	Server        ServerConfig                   `json:"server,omitempty" yaml:"server" mapstructure:"server"`
	Logging       LoggingConfig                  `json:"logging,omitempty" yaml:"logging" mapstructure:"logging"`
	Observability observability.Config           `json:"observability,omitempty" yaml:"observability" mapstructure:"observability"`
}

// OpenRouterConfig selects the default model and its client settings. The API
// key normally comes from the OPENROUTER_API_KEY environment variable.
type OpenRouterConfig struct {
	Model             string               `json:"model" yaml:"model" mapstructure:"model"`
	APIKey            string               `json:"api_key,omitempty" yaml:"api_key" mapstructure:"api_key"`
	BaseURL           string               `json:"base_url,omitempty" yaml:"base_url" mapstructure:"base_url"`
	TimeoutSeconds    int                  `json:"timeout_seconds,omitempty" yaml:"timeout_seconds" mapstructure:"timeout_seconds"`
	MaxRetries        int                  `json:"max_retries,omitempty" yaml:"max_retries" mapstructure:"max_retries"`
	RetryDelaySeconds int                  `json:"retry_delay_seconds,omitempty" yaml:"retry_delay_seconds" mapstructure:"retry_delay_seconds"`
	Params            llm.GenerationParams `json:"params,omitempty" yaml:"params" mapstructure:"params"`
}

// AgentsConfig holds per-agent definitions and shared loop limits.
type AgentsConfig struct {
	// MaxLoopIterations caps internal iterations over an agent's whole
	// session. A guard against runaway loops, surfaced here rather than
	// hard-coded.
	MaxLoopIterations int                            `json:"max_loop_iterations,omitempty" yaml:"max_loop_iterations" mapstructure:"max_loop_iterations"`
	Definitions       map[string]*ailoop.AgentConfig `json:"definitions,omitempty" yaml:"definitions" mapstructure:"definitions"`
}

// ContinuationConfig mirrors continuation.Config with an optional explicit
// signal flag so an absent key keeps the safe default (true).
type ContinuationConfig struct {
	RequireExplicitSignal *bool         `json:"require_explicit_signal,omitempty" yaml:"require_explicit_signal" mapstructure:"require_explicit_signal"`
	MaxIterations         int           `json:"max_iterations,omitempty" yaml:"max_iterations" mapstructure:"max_iterations"`
	Timeout               time.Duration `json:"timeout,omitempty" yaml:"timeout" mapstructure:"timeout"`
	MaxContinuationDepth  int           `json:"max_continuation_depth,omitempty" yaml:"max_continuation_depth" mapstructure:"max_continuation_depth"`
}

// Controller converts to the controller's config type.
func (c ContinuationConfig) Controller() continuation.Config {
	cfg := continuation.Config{
		RequireExplicitSignal: true,
		MaxIterations:         c.MaxIterations,
		Timeout:               c.Timeout,
		MaxContinuationDepth:  c.MaxContinuationDepth,
	}
	if c.RequireExplicitSignal != nil {
		cfg.RequireExplicitSignal = *c.RequireExplicitSignal
	}
	cfg.SetDefaults()
	return cfg
}

// ToolsConfig tunes the built-in tool set.
type ToolsConfig struct {
	AllowedCommands       []string `json:"allowed_commands,omitempty" yaml:"allowed_commands" mapstructure:"allowed_commands"`
	CommandTimeoutSeconds int      `json:"command_timeout_seconds,omitempty" yaml:"command_timeout_seconds" mapstructure:"command_timeout_seconds"`
	AllowedDomains        []string `json:"allowed_domains,omitempty" yaml:"allowed_domains" mapstructure:"allowed_domains"`
	FetchTimeoutSeconds   int      `json:"fetch_timeout_seconds,omitempty" yaml:"fetch_timeout_seconds" mapstructure:"fetch_timeout_seconds"`
	ExposureSettingsPath  string   `json:"exposure_settings_path,omitempty" yaml:"exposure_settings_path" mapstructure:"exposure_settings_path"`
}

// BuiltinOptions converts to the registry's builtin registration options.
func (t ToolsConfig) BuiltinOptions() tools.BuiltinOptions {
	return tools.BuiltinOptions{
		AllowedCommands: t.AllowedCommands,
		CommandTimeout:  time.Duration(t.CommandTimeoutSeconds) * time.Second,
		AllowedDomains:  t.AllowedDomains,
		FetchTimeout:    time.Duration(t.FetchTimeoutSeconds) * time.Second,
	}
}

// ServerConfig tunes the interactive HTTP/WebSocket server.
type ServerConfig struct {
	Host string `json:"host,omitempty" yaml:"host" mapstructure:"host"`
	Port int    `json:"port,omitempty" yaml:"port" mapstructure:"port"`
}

// Address returns the listen address.
func (s ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// LoggingConfig selects log level, format and optional file output.
type LoggingConfig struct {
	Level  string `json:"level,omitempty" yaml:"level" mapstructure:"level"`
	Format string `json:"format,omitempty" yaml:"format" mapstructure:"format"`
	File   string `json:"file,omitempty" yaml:"file" mapstructure:"file"`
}

// SlogLevel maps the configured level name to a slog level.
func (l LoggingConfig) SlogLevel() slog.Level {
	switch l.Level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// SetDefaults fills zero-valued fields.
func (c *Config) SetDefaults() {
	if c.OpenRouter.BaseURL == "" {
		c.OpenRouter.BaseURL = "https://openrouter.ai/api/v1"
	}
	if c.OpenRouter.APIKey == "" {
		c.OpenRouter.APIKey = os.Getenv("OPENROUTER_API_KEY")
	}
	if c.OpenRouter.TimeoutSeconds <= 0 {
		c.OpenRouter.TimeoutSeconds = 60
	}
	if c.OpenRouter.MaxRetries == 0 {
		c.OpenRouter.MaxRetries = 3
	}
	if c.AppName == "" {
		c.AppName = "AIWhisperer"
	}
	if c.WorkspacePath == "" {
		c.WorkspacePath = "."
	}
	if c.OutputDir == "" {
		c.OutputDir = "output"
	}
	if c.StateDir == "" {
		c.StateDir = "state"
	}
	if c.Agents.MaxLoopIterations <= 0 {
		c.Agents.MaxLoopIterations = 1000
	}
	if c.Tools.CommandTimeoutSeconds <= 0 {
		c.Tools.CommandTimeoutSeconds = 30
	}
	if c.Tools.FetchTimeoutSeconds <= 0 {
		c.Tools.FetchTimeoutSeconds = 30
	}
	if c.Server.Host == "" {
		c.Server.Host = "127.0.0.1"
	}
	if c.Server.Port <= 0 {
		c.Server.Port = 8000
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "simple"
	}
}

// Validate checks required fields and value ranges. Call after SetDefaults.
func (c *Config) Validate() error {
	if c.OpenRouter.Model == "" {
		return fmt.Errorf("openrouter.model is required")
	}
	if c.OpenRouter.APIKey == "" {
		return fmt.Errorf("OPENROUTER_API_KEY is required when a remote model is configured")
	}
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535, got %d", c.Server.Port)
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be one of debug, info, warn, error; got %q", c.Logging.Level)
	}
	for name, agent := range c.Agents.Definitions {
		if agent == nil {
			return fmt.Errorf("agents.definitions.%s must not be empty", name)
		}
	}
	if c.Continuation.MaxIterations < 0 {
		return fmt.Errorf("continuation.max_iterations must not be negative")
	}
	return nil
}

// ClientConfig converts to the AI service client config.
func (c *Config) ClientConfig() llm.Config {
	return llm.Config{
		Model:             c.OpenRouter.Model,
		APIKey:            c.OpenRouter.APIKey,
		BaseURL:           c.OpenRouter.BaseURL,
		SiteURL:           c.SiteURL,
		AppName:           c.AppName,
		TimeoutSeconds:    c.OpenRouter.TimeoutSeconds,
		MaxRetries:        c.OpenRouter.MaxRetries,
		RetryDelaySeconds: c.OpenRouter.RetryDelaySeconds,
		Params:            c.OpenRouter.Params,
	}
}

// ModelForTask returns the model bound to a named task, falling back to the
// default model.
func (c *Config) ModelForTask(task string) string {
	if model, ok := c.TaskModels[task]; ok && model != "" {
		return model
	}
	return c.OpenRouter.Model
}

// Schema generates the JSON schema of the configuration file.
func Schema() ([]byte, error) {
	reflector := &jsonschema.Reflector{
		ExpandedStruct:             true,
		RequiredFromJSONSchemaTags: true,
	}
	schema := reflector.Reflect(&Config{})
	return json.MarshalIndent(schema, "", "  ")
}
