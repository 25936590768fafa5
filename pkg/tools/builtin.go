package tools

import (
	"time"

	"github.com/aiwhisperer/aiwhisperer/pkg/mailbox"
	"github.com/aiwhisperer/aiwhisperer/pkg/workspace"
)

// BuiltinOptions tunes the built-in tool set.
type BuiltinOptions struct {
	AllowedCommands []string
	CommandTimeout  time.Duration
	AllowedDomains  []string
	FetchTimeout    time.Duration
}

// RegisterBuiltins records every built-in tool in the registry. Construction
// stays lazy: nothing is instantiated until first use.
func RegisterBuiltins(r *Registry, ws *workspace.Workspace, mb *mailbox.Mailbox, opts BuiltinOptions) error {
	builtins := []struct {
		name        string
		category    string
		description string
		tags        []string
		factory     Factory
	}{
		{
			"read_file", "filesystem",
			"Read the contents of a file in the workspace, optionally restricted to a line range",
			[]string{"filesystem", "read"},
			func() (Tool, error) { return NewReadFileTool(ws), nil },
		},
		{
			"write_file", "filesystem",
			"Write content to a file in the workspace, creating it if needed",
			[]string{"filesystem", "write"},
			func() (Tool, error) { return NewWriteFileTool(ws), nil },
		},
		{
			"list_directory", "filesystem",
			"List files and directories in the workspace",
			[]string{"filesystem", "read"},
			func() (Tool, error) { return NewListDirectoryTool(ws), nil },
		},
		{
			"search_files", "filesystem",
			"Search workspace files for a text pattern, returning matching lines",
			[]string{"filesystem", "search"},
			func() (Tool, error) { return NewSearchFilesTool(ws), nil },
		},
		{
			"execute_command", "system",
			"Execute a shell command in the workspace and return its output",
			[]string{"system", "shell"},
			func() (Tool, error) {
				return NewExecuteCommandTool(ws, opts.AllowedCommands, opts.CommandTimeout), nil
			},
		},
		{
			"send_mail", "communication",
			"Send a mail message to another agent or to the user",
			[]string{"communication", "mail"},
			func() (Tool, error) { return NewSendMailTool(mb), nil },
		},
		{
			"check_mail", "communication",
			"Check your inbox for unread mail; returned messages are marked read",
			[]string{"communication", "mail"},
			func() (Tool, error) { return NewCheckMailTool(mb), nil },
		},
		{
			"fetch_url", "network",
			"Fetch the contents of an HTTP or HTTPS URL",
			[]string{"network", "http"},
			func() (Tool, error) { return NewFetchURLTool(opts.AllowedDomains, opts.FetchTimeout), nil },
		},
	}

	for _, b := range builtins {
		if err := r.RegisterFactory(b.name, b.category, b.description, b.tags, b.factory); err != nil {
			return err
		}
	}
	return nil
}
