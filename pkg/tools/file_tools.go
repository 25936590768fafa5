package tools

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/aiwhisperer/aiwhisperer/pkg/workspace"
)

const maxReadFileSize = 10 * 1024 * 1024

// ReadFileTool reads a file inside the workspace, optionally a line range.
type ReadFileTool struct {
	ws *workspace.Workspace
}

func NewReadFileTool(ws *workspace.Workspace) *ReadFileTool {
	return &ReadFileTool{ws: ws}
}

func (t *ReadFileTool) Name() string        { return "read_file" }
func (t *ReadFileTool) Category() string    { return "filesystem" }
func (t *ReadFileTool) Tags() []string      { return []string{"filesystem", "read"} }
func (t *ReadFileTool) Description() string {
	return "Read the contents of a file in the workspace, optionally restricted to a line range"
}

func (t *ReadFileTool) PromptInstructions() string {
	return "Use read_file to inspect file contents before editing. " +
		"Paths are relative to the workspace root. " +
		"Pass start_line/end_line (1-indexed, inclusive) to read a slice of a large file."
}

func (t *ReadFileTool) ParametersSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path": map[string]any{
				"type":        "string",
				"description": "File path relative to the workspace root",
			},
			"start_line": map[string]any{
				"type":        "integer",
				"description": "First line to include (1-indexed)",
			},
			"end_line": map[string]any{
				"type":        "integer",
				"description": "Last line to include (inclusive)",
			},
		},
		"required": []string{"path"},
	}
}

func (t *ReadFileTool) Execute(ctx context.Context, args map[string]any) (map[string]any, error) {
	path, err := stringArg(args, "path")
	if err != nil {
		return errorResult(err), err
	}

	abs, err := t.ws.Resolve(path)
	if err != nil {
		return errorResult(err), err
	}

	info, err := os.Stat(abs)
	if err != nil {
		err = fmt.Errorf("cannot stat %s: %w", path, err)
		return errorResult(err), err
	}
	if info.Size() > maxReadFileSize {
		err = fmt.Errorf("file too large: %d bytes (max %d)", info.Size(), maxReadFileSize)
		return errorResult(err), err
	}

	data, err := os.ReadFile(abs)
	if err != nil {
		err = fmt.Errorf("cannot read %s: %w", path, err)
		return errorResult(err), err
	}

	lines := strings.Split(string(data), "\n")
	totalLines := len(lines)

	startLine := optionalInt(args, "start_line", 1)
	if startLine < 1 {
		startLine = 1
	}
	endLine := optionalInt(args, "end_line", totalLines)
	if endLine > totalLines {
		endLine = totalLines
	}
	if startLine > endLine {
		err = fmt.Errorf("%w: start_line %d > end_line %d", ErrInvalidArguments, startLine, endLine)
		return errorResult(err), err
	}

	content := strings.Join(lines[startLine-1:endLine], "\n")
	rel, _ := t.ws.Rel(abs)

	return map[string]any{
		"path":        rel,
		"content":     content,
		"total_lines": totalLines,
		"start_line":  startLine,
		"end_line":    endLine,
		"size":        info.Size(),
	}, nil
}

// WriteFileTool writes or appends to a file inside the workspace, creating
// parent directories as needed.
type WriteFileTool struct {
	ws *workspace.Workspace
}

func NewWriteFileTool(ws *workspace.Workspace) *WriteFileTool {
	return &WriteFileTool{ws: ws}
}

func (t *WriteFileTool) Name() string        { return "write_file" }
func (t *WriteFileTool) Category() string    { return "filesystem" }
func (t *WriteFileTool) Tags() []string      { return []string{"filesystem", "write"} }
func (t *WriteFileTool) Description() string {
	return "Write content to a file in the workspace, creating it if needed"
}

func (t *WriteFileTool) PromptInstructions() string {
	return "Use write_file to create or overwrite files. " +
		"Set mode to \"append\" to add to an existing file instead of replacing it. " +
		"Parent directories are created automatically."
}

func (t *WriteFileTool) ParametersSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path": map[string]any{
				"type":        "string",
				"description": "File path relative to the workspace root",
			},
			"content": map[string]any{
				"type":        "string",
				"description": "Content to write",
			},
			"mode": map[string]any{
				"type":        "string",
				"enum":        []string{"overwrite", "append"},
				"description": "Write mode (default overwrite)",
			},
		},
		"required": []string{"path", "content"},
	}
}

func (t *WriteFileTool) Execute(ctx context.Context, args map[string]any) (map[string]any, error) {
	path, err := stringArg(args, "path")
	if err != nil {
		return errorResult(err), err
	}
	content, ok := args["content"].(string)
	if !ok {
		err = fmt.Errorf("%w: content is required", ErrInvalidArguments)
		return errorResult(err), err
	}
	mode := optionalString(args, "mode", "overwrite")

	abs, err := t.ws.Resolve(path)
	if err != nil {
		return errorResult(err), err
	}

	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		err = fmt.Errorf("cannot create parent directory: %w", err)
		return errorResult(err), err
	}

	switch mode {
	case "append":
		f, openErr := os.OpenFile(abs, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if openErr != nil {
			err = fmt.Errorf("cannot open %s: %w", path, openErr)
			return errorResult(err), err
		}
		_, writeErr := f.WriteString(content)
		closeErr := f.Close()
		if writeErr != nil {
			err = fmt.Errorf("cannot write %s: %w", path, writeErr)
			return errorResult(err), err
		}
		if closeErr != nil {
			err = fmt.Errorf("cannot close %s: %w", path, closeErr)
			return errorResult(err), err
		}
	case "overwrite":
		if writeErr := os.WriteFile(abs, []byte(content), 0o644); writeErr != nil {
			err = fmt.Errorf("cannot write %s: %w", path, writeErr)
			return errorResult(err), err
		}
	default:
		err = fmt.Errorf("%w: unknown mode %q", ErrInvalidArguments, mode)
		return errorResult(err), err
	}

	rel, _ := t.ws.Rel(abs)
	return map[string]any{
		"path":    rel,
		"written": len(content),
		"mode":    mode,
	}, nil
}

// ListDirectoryTool lists workspace directory entries, optionally recursive.
type ListDirectoryTool struct {
	ws *workspace.Workspace
}

func NewListDirectoryTool(ws *workspace.Workspace) *ListDirectoryTool {
	return &ListDirectoryTool{ws: ws}
}

func (t *ListDirectoryTool) Name() string        { return "list_directory" }
func (t *ListDirectoryTool) Category() string    { return "filesystem" }
func (t *ListDirectoryTool) Tags() []string      { return []string{"filesystem", "read"} }
func (t *ListDirectoryTool) Description() string {
	return "List files and directories in the workspace"
}

func (t *ListDirectoryTool) PromptInstructions() string {
	return "Use list_directory to explore the workspace layout. " +
		"Defaults to the workspace root; pass recursive=true for a deep listing " +
		"(capped, large trees are truncated)."
}

func (t *ListDirectoryTool) ParametersSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path": map[string]any{
				"type":        "string",
				"description": "Directory path relative to the workspace root (default \".\")",
			},
			"recursive": map[string]any{
				"type":        "boolean",
				"description": "Recurse into subdirectories",
			},
			"max_entries": map[string]any{
				"type":        "integer",
				"description": "Maximum entries to return (default 1000)",
			},
		},
		"required": []string{},
	}
}

func (t *ListDirectoryTool) Execute(ctx context.Context, args map[string]any) (map[string]any, error) {
	path := optionalString(args, "path", ".")
	recursive := optionalBool(args, "recursive", false)
	maxEntries := optionalInt(args, "max_entries", 1000)
	if maxEntries <= 0 || maxEntries > 1000 {
		maxEntries = 1000
	}

	abs, err := t.ws.Resolve(path)
	if err != nil {
		return errorResult(err), err
	}

	entries, truncated, err := listEntries(t.ws, abs, recursive, maxEntries)
	if err != nil {
		return errorResult(err), err
	}

	rel, _ := t.ws.Rel(abs)
	return map[string]any{
		"path":      rel,
		"entries":   entries,
		"count":     len(entries),
		"truncated": truncated,
	}, nil
}

func listEntries(ws *workspace.Workspace, abs string, recursive bool, maxEntries int) ([]map[string]any, bool, error) {
	var out []map[string]any
	truncated := false

	appendEntry := func(path string, info os.FileInfo) {
		rel, err := ws.Rel(path)
		if err != nil {
			return
		}
		entry := map[string]any{
			"path":   rel,
			"is_dir": info.IsDir(),
		}
		if !info.IsDir() {
			entry["size"] = info.Size()
		}
		out = append(out, entry)
	}

	if recursive {
		err := filepath.WalkDir(abs, func(path string, d os.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if path == abs {
				return nil
			}
			if d.Name() == workspace.MarkerDirName {
				return filepath.SkipDir
			}
			if len(out) >= maxEntries {
				truncated = true
				return filepath.SkipAll
			}
			info, err := d.Info()
			if err != nil {
				return nil
			}
			appendEntry(path, info)
			return nil
		})
		if err != nil {
			return nil, false, fmt.Errorf("cannot walk directory: %w", err)
		}
	} else {
		dirEntries, err := os.ReadDir(abs)
		if err != nil {
			return nil, false, fmt.Errorf("cannot read directory: %w", err)
		}
		for _, d := range dirEntries {
			if len(out) >= maxEntries {
				truncated = true
				break
			}
			info, err := d.Info()
			if err != nil {
				continue
			}
			appendEntry(filepath.Join(abs, d.Name()), info)
		}
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i]["path"].(string) < out[j]["path"].(string)
	})
	return out, truncated, nil
}

// SearchFilesTool searches workspace file contents for a substring.
type SearchFilesTool struct {
	ws *workspace.Workspace
}

func NewSearchFilesTool(ws *workspace.Workspace) *SearchFilesTool {
	return &SearchFilesTool{ws: ws}
}

func (t *SearchFilesTool) Name() string        { return "search_files" }
func (t *SearchFilesTool) Category() string    { return "filesystem" }
func (t *SearchFilesTool) Tags() []string      { return []string{"filesystem", "search"} }
func (t *SearchFilesTool) Description() string {
	return "Search workspace files for a text pattern, returning matching lines"
}

func (t *SearchFilesTool) PromptInstructions() string {
	return "Use search_files to find where something is defined or used. " +
		"The pattern is a literal substring match against each line. " +
		"Narrow with the path parameter and a file_glob like \"*.go\"."
}

func (t *SearchFilesTool) ParametersSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"pattern": map[string]any{
				"type":        "string",
				"description": "Substring to search for",
			},
			"path": map[string]any{
				"type":        "string",
				"description": "Directory to search under (default workspace root)",
			},
			"file_glob": map[string]any{
				"type":        "string",
				"description": "Filename glob filter, e.g. \"*.go\"",
			},
			"max_results": map[string]any{
				"type":        "integer",
				"description": "Maximum matches to return (default 100)",
			},
		},
		"required": []string{"pattern"},
	}
}

func (t *SearchFilesTool) Execute(ctx context.Context, args map[string]any) (map[string]any, error) {
	pattern, err := stringArg(args, "pattern")
	if err != nil {
		return errorResult(err), err
	}
	root := optionalString(args, "path", ".")
	fileGlob := optionalString(args, "file_glob", "")
	maxResults := optionalInt(args, "max_results", 100)
	if maxResults <= 0 || maxResults > 1000 {
		maxResults = 100
	}

	abs, err := t.ws.Resolve(root)
	if err != nil {
		return errorResult(err), err
	}

	var matches []map[string]any
	truncated := false

	walkErr := filepath.WalkDir(abs, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if d.Name() == workspace.MarkerDirName || d.Name() == ".git" {
				return filepath.SkipDir
			}
			return nil
		}
		if fileGlob != "" {
			if ok, _ := filepath.Match(fileGlob, d.Name()); !ok {
				return nil
			}
		}
		info, err := d.Info()
		if err != nil || info.Size() > maxReadFileSize {
			return nil
		}

		data, err := os.ReadFile(path)
		if err != nil || !isText(data) {
			return nil
		}

		rel, err := t.ws.Rel(path)
		if err != nil {
			return nil
		}
		for i, line := range strings.Split(string(data), "\n") {
			if !strings.Contains(line, pattern) {
				continue
			}
			if len(matches) >= maxResults {
				truncated = true
				return filepath.SkipAll
			}
			matches = append(matches, map[string]any{
				"path": rel,
				"line": i + 1,
				"text": strings.TrimSpace(line),
			})
		}
		return nil
	})
	if walkErr != nil {
		return errorResult(walkErr), walkErr
	}

	return map[string]any{
		"pattern":   pattern,
		"matches":   matches,
		"count":     len(matches),
		"truncated": truncated,
	}, nil
}

// isText rejects binary files by looking for NUL bytes in the head.
func isText(data []byte) bool {
	head := data
	if len(head) > 8000 {
		head = head[:8000]
	}
	return !strings.ContainsRune(string(head), 0)
}
