package tools

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/aiwhisperer/aiwhisperer/pkg/workspace"
)

const defaultCommandTimeout = 30 * time.Second

// ExecuteCommandTool runs a shell command with the workspace root as its
// working directory. An allowlist, when configured, restricts the base
// command.
type ExecuteCommandTool struct {
	ws              *workspace.Workspace
	allowedCommands []string
	timeout         time.Duration
}

func NewExecuteCommandTool(ws *workspace.Workspace, allowedCommands []string, timeout time.Duration) *ExecuteCommandTool {
	if timeout <= 0 {
		timeout = defaultCommandTimeout
	}
	return &ExecuteCommandTool{
		ws:              ws,
		allowedCommands: allowedCommands,
		timeout:         timeout,
	}
}

func (t *ExecuteCommandTool) Name() string     { return "execute_command" }
func (t *ExecuteCommandTool) Category() string { return "system" }
func (t *ExecuteCommandTool) Tags() []string   { return []string{"system", "shell"} }
func (t *ExecuteCommandTool) Description() string {
	return "Execute a shell command in the workspace and return its output"
}

func (t *ExecuteCommandTool) PromptInstructions() string {
	return "Use execute_command for builds, tests, and other shell work. " +
		"Commands run from the workspace root with a timeout; long-running " +
		"daemons will be killed. Check exit_code in the result."
}

func (t *ExecuteCommandTool) ParametersSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"command": map[string]any{
				"type":        "string",
				"description": "Shell command to run",
			},
			"working_dir": map[string]any{
				"type":        "string",
				"description": "Working directory relative to the workspace root (default \".\")",
			},
		},
		"required": []string{"command"},
	}
}

func (t *ExecuteCommandTool) Execute(ctx context.Context, args map[string]any) (map[string]any, error) {
	command, err := stringArg(args, "command")
	if err != nil {
		return errorResult(err), err
	}

	if err := t.validate(command); err != nil {
		return errorResult(err), err
	}

	workingDir := optionalString(args, "working_dir", ".")
	absDir, err := t.ws.Resolve(workingDir)
	if err != nil {
		return errorResult(err), err
	}

	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = absDir

	start := time.Now()
	output, runErr := cmd.CombinedOutput()
	duration := time.Since(start)

	exitCode := 0
	if runErr != nil {
		if exitErr, ok := runErr.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			exitCode = -1
		}
	}

	result := map[string]any{
		"command":     command,
		"output":      string(output),
		"exit_code":   exitCode,
		"duration_ms": duration.Milliseconds(),
	}
	if ctx.Err() == context.DeadlineExceeded {
		result["timed_out"] = true
		result["error"] = fmt.Sprintf("command timed out after %s", t.timeout)
	} else if runErr != nil && exitCode == -1 {
		result["error"] = runErr.Error()
	}
	return result, nil
}

func (t *ExecuteCommandTool) validate(command string) error {
	if len(t.allowedCommands) == 0 {
		return nil
	}
	base := baseCommand(command)
	for _, allowed := range t.allowedCommands {
		if base == allowed {
			return nil
		}
	}
	return fmt.Errorf("%w: command not allowed: %s", ErrInvalidArguments, base)
}

func baseCommand(command string) string {
	fields := strings.Fields(command)
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}
