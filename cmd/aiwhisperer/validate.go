package main

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/aiwhisperer/aiwhisperer/pkg/config"
)

// ValidateCmd validates a single configuration file.
type ValidateCmd struct {
	Config      string `arg:"" name:"config" help:"Configuration file path." placeholder:"PATH"`
	PrintConfig bool   `short:"p" name:"print-config" help:"Print the expanded configuration (defaults applied, env vars resolved)."`
}

func (c *ValidateCmd) Run(cli *CLI) error {
	if err := config.LoadEnvFiles(); err != nil {
		fmt.Fprintf(os.Stderr, "warning: %v\n", err)
	}

	cfg, err := config.LoadFile(c.Config)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: invalid: %v\n", c.Config, err)
		return fmt.Errorf("config validation failed")
	}

	if c.PrintConfig {
		fmt.Printf("# Expanded configuration from %s\n", c.Config)
		encoder := yaml.NewEncoder(os.Stdout)
		encoder.SetIndent(2)
		if err := encoder.Encode(cfg); err != nil {
			return fmt.Errorf("failed to encode config: %w", err)
		}
		return encoder.Close()
	}

	fmt.Printf("%s: valid\n", c.Config)
	fmt.Printf("   model:  %s\n", cfg.OpenRouter.Model)
	fmt.Printf("   server: %s\n", cfg.Server.Address())
	fmt.Printf("   agents: %d\n", len(cfg.Agents.Definitions))
	return nil
}
