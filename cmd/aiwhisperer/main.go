// Command aiwhisperer runs the multi-agent orchestration runtime.
//
// Usage:
//
//	aiwhisperer serve --config config
//	aiwhisperer mcp --transport stdio
//	aiwhisperer validate config/main.yaml
package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"runtime/debug"

	"github.com/alecthomas/kong"

	"github.com/aiwhisperer/aiwhisperer/pkg/logger"
	"github.com/aiwhisperer/aiwhisperer/pkg/workspace"
)

// CLI defines the command-line interface.
type CLI struct {
	Version  VersionCmd  `cmd:"" help:"Show version information."`
	Serve    ServeCmd    `cmd:"" help:"Start the interactive server."`
	Mcp      McpCmd      `cmd:"" help:"Serve workspace tools over MCP."`
	Validate ValidateCmd `cmd:"" help:"Validate a configuration file."`
	Schema   SchemaCmd   `cmd:"" help:"Generate the configuration JSON schema."`

	Config    string `short:"c" help:"Config directory (main.yaml hierarchy)." default:"config"`
	LogLevel  string `help:"Log level (debug, info, warn, error); overrides config."`
	LogFile   string `help:"Log file path (empty = stderr)."`
	LogFormat string `help:"Log format (simple or verbose); overrides config."`
}

// VersionCmd shows version information.
type VersionCmd struct{}

func (c *VersionCmd) Run() error {
	fmt.Printf("aiwhisperer version %s\n", versionString())
	return nil
}

func versionString() string {
	if info, ok := debug.ReadBuildInfo(); ok {
		if info.Main.Version != "" && info.Main.Version != "(devel)" {
			return info.Main.Version
		}
	}
	return "dev"
}

// initLoggerFromCLI installs the process logger from CLI flags. The serve
// command re-initializes from config later unless the flags were set
// explicitly.
func initLoggerFromCLI(cli *CLI) (func(), error) {
	level, _ := logger.ParseLevel(cli.LogLevel)
	if cli.LogLevel == "" {
		level = slog.LevelInfo
	}

	output := os.Stderr
	cleanup := func() {}
	if cli.LogFile != "" {
		file, closeFile, err := logger.OpenLogFile(cli.LogFile)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file: %w", err)
		}
		output = file
		cleanup = closeFile
	}

	logger.Init(level, output, cli.LogFormat)
	return cleanup, nil
}

func main() {
	cli := CLI{}
	ctx := kong.Parse(&cli,
		kong.Name("aiwhisperer"),
		kong.Description("AIWhisperer - multi-agent AI orchestration runtime"),
		kong.UsageOnError(),
	)

	cleanup, err := initLoggerFromCLI(&cli)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer cleanup()

	if err := ctx.Run(&cli); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		if errors.Is(err, workspace.ErrNoWorkspace) {
			os.Exit(1)
		}
		os.Exit(2)
	}
}
