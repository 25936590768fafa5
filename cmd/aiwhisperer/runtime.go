package main

import (
	"fmt"
	"log/slog"

	"github.com/aiwhisperer/aiwhisperer/pkg/config"
	"github.com/aiwhisperer/aiwhisperer/pkg/mailbox"
	"github.com/aiwhisperer/aiwhisperer/pkg/tools"
	"github.com/aiwhisperer/aiwhisperer/pkg/workspace"
)

// loadConfig loads the .env files and the YAML hierarchy from the config
// directory.
func loadConfig(dir string) (*config.Config, *config.Loader, error) {
	if err := config.LoadEnvFiles(); err != nil {
		slog.Warn("Failed to load env files", "error", err)
	}
	loader := config.NewLoader(dir)
	cfg, err := loader.Load()
	if err != nil {
		return nil, nil, err
	}
	return cfg, loader, nil
}

// reinitLogger applies the config logging section unless the CLI flags
// already chose level or format.
func reinitLogger(cli *CLI, cfg *config.Config) (func(), error) {
	if cli.LogLevel != "" || cli.LogFormat != "" || cli.LogFile != "" {
		return func() {}, nil
	}
	effective := *cli
	effective.LogLevel = cfg.Logging.Level
	effective.LogFormat = cfg.Logging.Format
	effective.LogFile = cfg.Logging.File
	return initLoggerFromCLI(&effective)
}

// buildToolRegistry assembles the tool registry with builtins and the
// exposure filter. A broken settings file disables filtering rather than
// aborting startup.
func buildToolRegistry(cfg *config.Config, ws *workspace.Workspace, mb *mailbox.Mailbox) (*tools.Registry, error) {
	registry := tools.NewRegistry()
	if err := tools.RegisterBuiltins(registry, ws, mb, cfg.Tools.BuiltinOptions()); err != nil {
		return nil, fmt.Errorf("failed to register tools: %w", err)
	}

	settingsPath := cfg.Tools.ExposureSettingsPath
	if settingsPath == "" {
		var err error
		settingsPath, err = tools.DefaultSettingsPath()
		if err != nil {
			slog.Warn("Tool exposure filter disabled", "error", err)
			return registry, nil
		}
	}
	filter, err := tools.NewExposureFilter(settingsPath)
	if err != nil {
		slog.Warn("Tool exposure filter disabled", "error", err)
		return registry, nil
	}
	registry.SetExposureFilter(filter)
	return registry, nil
}
