package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetDefaults(t *testing.T) {
	t.Setenv("OPENROUTER_API_KEY", "env-key")

	cfg := &Config{}
	cfg.OpenRouter.Model = "openai/gpt-4o"
	cfg.SetDefaults()

	assert.Equal(t, "https://openrouter.ai/api/v1", cfg.OpenRouter.BaseURL)
	assert.Equal(t, "env-key", cfg.OpenRouter.APIKey)
	assert.Equal(t, 60, cfg.OpenRouter.TimeoutSeconds)
	assert.Equal(t, 3, cfg.OpenRouter.MaxRetries)
	assert.Equal(t, 1000, cfg.Agents.MaxLoopIterations)
	assert.Equal(t, "127.0.0.1:8000", cfg.Server.Address())
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "state", cfg.StateDir)
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		cfg := &Config{}
		cfg.OpenRouter.Model = "openai/gpt-4o"
		cfg.OpenRouter.APIKey = "key"
		cfg.SetDefaults()
		return cfg
	}

	cases := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(c *Config) {}, ""},
		{"missing model", func(c *Config) { c.OpenRouter.Model = "" }, "openrouter.model"},
		{"missing api key", func(c *Config) { c.OpenRouter.APIKey = "" }, "OPENROUTER_API_KEY"},
		{"bad port", func(c *Config) { c.Server.Port = 70000 }, "server.port"},
		{"bad log level", func(c *Config) { c.Logging.Level = "loud" }, "logging.level"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := valid()
			tc.mutate(cfg)
			err := cfg.Validate()
			if tc.wantErr == "" {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tc.wantErr)
			}
		})
	}
}

func TestContinuationController(t *testing.T) {
	// Absent flag keeps the safe default.
	cfg := ContinuationConfig{}
	controller := cfg.Controller()
	assert.True(t, controller.RequireExplicitSignal)
	assert.Equal(t, 10, controller.MaxIterations)
	assert.Equal(t, 300*time.Second, controller.Timeout)
	assert.Equal(t, 3, controller.MaxContinuationDepth)

	// Explicit false survives.
	off := false
	cfg = ContinuationConfig{RequireExplicitSignal: &off, MaxIterations: 5}
	controller = cfg.Controller()
	assert.False(t, controller.RequireExplicitSignal)
	assert.Equal(t, 5, controller.MaxIterations)
}

func TestModelForTask(t *testing.T) {
	cfg := &Config{TaskModels: map[string]string{"summarize": "openai/gpt-4o-mini"}}
	cfg.OpenRouter.Model = "openai/gpt-4o"

	assert.Equal(t, "openai/gpt-4o-mini", cfg.ModelForTask("summarize"))
	assert.Equal(t, "openai/gpt-4o", cfg.ModelForTask("unknown"))
}

func TestClientConfig(t *testing.T) {
	cfg := &Config{SiteURL: "https://example.com", AppName: "Tester"}
	cfg.OpenRouter.Model = "openai/gpt-4o"
	cfg.OpenRouter.APIKey = "key"
	cfg.SetDefaults()

	client := cfg.ClientConfig()
	assert.Equal(t, "openai/gpt-4o", client.Model)
	assert.Equal(t, "key", client.APIKey)
	assert.Equal(t, "https://example.com", client.SiteURL)
	assert.Equal(t, "Tester", client.AppName)
	assert.Equal(t, 60, client.TimeoutSeconds)
}

func TestSchema(t *testing.T) {
	data, err := Schema()
	require.NoError(t, err)
	assert.Contains(t, string(data), "openrouter")
	assert.Contains(t, string(data), "max_loop_iterations")
}
