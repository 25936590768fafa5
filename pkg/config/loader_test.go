package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0644))
}

func TestLoadBaseFile(t *testing.T) {
	t.Setenv("OPENROUTER_API_KEY", "test-key")
	dir := t.TempDir()
	writeConfig(t, dir, "main.yaml", `
openrouter:
  model: openai/gpt-4o
  params:
    temperature: 0.7
    max_tokens: 2048
workspace_path: /tmp/workspace
agents:
  max_loop_iterations: 500
continuation:
  timeout: 120s
`)

	cfg, err := NewLoader(dir).Load()
	require.NoError(t, err)

	assert.Equal(t, "openai/gpt-4o", cfg.OpenRouter.Model)
	assert.Equal(t, "test-key", cfg.OpenRouter.APIKey)
	require.NotNil(t, cfg.OpenRouter.Params.Temperature)
	assert.Equal(t, 0.7, *cfg.OpenRouter.Params.Temperature)
	assert.Equal(t, 2048, cfg.OpenRouter.Params.MaxTokens)
	assert.Equal(t, "/tmp/workspace", cfg.WorkspacePath)
	assert.Equal(t, 500, cfg.Agents.MaxLoopIterations)
	assert.Equal(t, 120*time.Second, cfg.Continuation.Timeout)
}

func TestLoadHierarchyOverrides(t *testing.T) {
	t.Setenv("OPENROUTER_API_KEY", "test-key")
	t.Setenv(EnvVar, "test")
	dir := t.TempDir()

	writeConfig(t, dir, "main.yaml", `
openrouter:
  model: openai/gpt-4o
  params:
    temperature: 0.7
server:
  port: 8000
`)
	writeConfig(t, dir, "main.test.yaml", `
openrouter:
  model: openai/gpt-4o-mini
`)
	writeConfig(t, dir, "main.local.yaml", `
server:
  port: 9001
`)

	cfg, err := NewLoader(dir).Load()
	require.NoError(t, err)

	// Environment overlay replaced the model, local overlay the port;
	// untouched keys survive from the base.
	assert.Equal(t, "openai/gpt-4o-mini", cfg.OpenRouter.Model)
	assert.Equal(t, 9001, cfg.Server.Port)
	require.NotNil(t, cfg.OpenRouter.Params.Temperature)
	assert.Equal(t, 0.7, *cfg.OpenRouter.Params.Temperature)
}

func TestLoadMissingBaseFile(t *testing.T) {
	_, err := NewLoader(t.TempDir()).Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "config file not found")
}

func TestLoadExpandsEnvVars(t *testing.T) {
	t.Setenv("OPENROUTER_API_KEY", "fallback")
	t.Setenv("MY_SITE", "https://my.site")
	dir := t.TempDir()
	writeConfig(t, dir, "main.yaml", `
openrouter:
  model: openai/gpt-4o
site_url: ${MY_SITE}
app_name: ${MISSING_APP_NAME:-AIWhisperer}
`)

	cfg, err := NewLoader(dir).Load()
	require.NoError(t, err)
	assert.Equal(t, "https://my.site", cfg.SiteURL)
	assert.Equal(t, "AIWhisperer", cfg.AppName)
}

func TestLoadAgentDefinitions(t *testing.T) {
	t.Setenv("OPENROUTER_API_KEY", "test-key")
	dir := t.TempDir()
	writeConfig(t, dir, "main.yaml", `
openrouter:
  model: openai/gpt-4o
agents:
  definitions:
    alice:
      model: anthropic/claude-sonnet-4
      system_prompt: You are Alice.
      params:
        max_tokens: 4096
`)

	cfg, err := NewLoader(dir).Load()
	require.NoError(t, err)

	alice := cfg.Agents.Definitions["alice"]
	require.NotNil(t, alice)
	assert.Equal(t, "anthropic/claude-sonnet-4", alice.Model)
	assert.Equal(t, "You are Alice.", alice.SystemPrompt)
	assert.Equal(t, 4096, alice.Params.MaxTokens)
}

func TestLoadRejectsInvalidConfig(t *testing.T) {
	t.Setenv("OPENROUTER_API_KEY", "test-key")
	dir := t.TempDir()
	writeConfig(t, dir, "main.yaml", `
site_url: https://example.com
`)

	_, err := NewLoader(dir).Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "openrouter.model")
}

func TestLoadFileSingle(t *testing.T) {
	t.Setenv("OPENROUTER_API_KEY", "test-key")
	dir := t.TempDir()
	writeConfig(t, dir, "standalone.yaml", `
openrouter:
  model: openai/gpt-4o
`)

	cfg, err := LoadFile(filepath.Join(dir, "standalone.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "openai/gpt-4o", cfg.OpenRouter.Model)
}

func TestWatchReloadsOnChange(t *testing.T) {
	t.Setenv("OPENROUTER_API_KEY", "test-key")
	dir := t.TempDir()
	writeConfig(t, dir, "main.yaml", `
openrouter:
  model: openai/gpt-4o
`)

	loader := NewLoader(dir)
	reloaded := make(chan *Config, 1)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		_ = loader.Watch(ctx, func(cfg *Config) {
			select {
			case reloaded <- cfg:
			default:
			}
		})
	}()

	// Give the watcher a moment to register before writing.
	time.Sleep(100 * time.Millisecond)
	writeConfig(t, dir, "main.yaml", `
openrouter:
  model: openai/gpt-4o-mini
`)

	select {
	case cfg := <-reloaded:
		assert.Equal(t, "openai/gpt-4o-mini", cfg.OpenRouter.Model)
	case <-time.After(3 * time.Second):
		t.Fatal("config reload not observed")
	}
}
