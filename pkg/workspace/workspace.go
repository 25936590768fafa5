// Package workspace resolves and guards filesystem paths for tools.
//
// A workspace is the parent directory of a `.WHISPER` marker directory. Every
// tool that touches the filesystem resolves paths through a Workspace so that
// symlink games cannot escape the workspace root.
package workspace

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const MarkerDirName = ".WHISPER"

// ErrPathEscape is returned when a path resolves outside the workspace root.
var ErrPathEscape = errors.New("path escapes workspace")

// ErrNoWorkspace is returned when no .WHISPER marker is found walking up
// from the starting path.
var ErrNoWorkspace = errors.New("no .WHISPER directory found")

// ProjectInfo is the optional .WHISPER/project.json metadata.
type ProjectInfo struct {
	Name        string `json:"name,omitempty"`
	Description string `json:"description,omitempty"`
	OutputDir   string `json:"output_dir,omitempty"`
}

type Workspace struct {
	root    string // absolute, symlink-resolved workspace root
	project *ProjectInfo
}

// New creates a workspace rooted at the given directory. The root is
// resolved through symlinks once at construction time.
func New(root string) (*Workspace, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve workspace root: %w", err)
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve workspace root: %w", err)
	}
	info, err := os.Stat(resolved)
	if err != nil {
		return nil, fmt.Errorf("workspace root not accessible: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("workspace root is not a directory: %s", resolved)
	}
	return &Workspace{root: resolved}, nil
}

// Detect walks from the starting path upward to the filesystem root looking
// for a directory named .WHISPER, following symlinks with cycle protection.
// The parent of .WHISPER is the workspace root.
func Detect(start string) (*Workspace, error) {
	abs, err := filepath.Abs(start)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool)
	dir := abs
	for {
		resolved, err := filepath.EvalSymlinks(dir)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve %s: %w", dir, err)
		}
		if seen[resolved] {
			return nil, fmt.Errorf("symlink cycle detected at %s: %w", resolved, ErrNoWorkspace)
		}
		seen[resolved] = true

		marker := filepath.Join(resolved, MarkerDirName)
		if info, err := os.Stat(marker); err == nil && info.IsDir() {
			ws, err := New(resolved)
			if err != nil {
				return nil, err
			}
			ws.loadProjectInfo()
			return ws, nil
		}

		parent := filepath.Dir(resolved)
		if parent == resolved {
			return nil, ErrNoWorkspace
		}
		dir = parent
	}
}

func (w *Workspace) loadProjectInfo() {
	data, err := os.ReadFile(filepath.Join(w.root, MarkerDirName, "project.json"))
	if err != nil {
		return
	}
	var info ProjectInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return
	}
	w.project = &info
}

// Root returns the absolute workspace root.
func (w *Workspace) Root() string {
	return w.root
}

// Project returns the parsed .WHISPER/project.json, or nil if absent.
func (w *Workspace) Project() *ProjectInfo {
	return w.project
}

// MarkerDir returns the absolute path of the .WHISPER directory.
func (w *Workspace) MarkerDir() string {
	return filepath.Join(w.root, MarkerDirName)
}

// Resolve converts a workspace-relative or absolute path into an absolute
// path and verifies it stays within the workspace after symlink resolution.
// Returns ErrPathEscape when the path is not a descendant of the root.
func (w *Workspace) Resolve(path string) (string, error) {
	var abs string
	if filepath.IsAbs(path) {
		abs = filepath.Clean(path)
	} else {
		abs = filepath.Join(w.root, path)
	}

	// Resolve symlinks on the longest existing prefix so that paths for
	// files being created are still guarded.
	resolved, err := resolveExisting(abs)
	if err != nil {
		return "", err
	}

	if !w.contains(resolved) {
		return "", fmt.Errorf("%w: %s", ErrPathEscape, path)
	}
	return resolved, nil
}

// IsWithinWorkspace reports whether the path, after symlink resolution,
// is a descendant of the workspace root.
func (w *Workspace) IsWithinWorkspace(path string) bool {
	_, err := w.Resolve(path)
	return err == nil
}

// Rel returns the workspace-relative form of an absolute path using forward
// slashes, for stable output across operating systems.
func (w *Workspace) Rel(abs string) (string, error) {
	rel, err := filepath.Rel(w.root, abs)
	if err != nil {
		return "", err
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s", ErrPathEscape, abs)
	}
	return filepath.ToSlash(rel), nil
}

func (w *Workspace) contains(abs string) bool {
	if abs == w.root {
		return true
	}
	return strings.HasPrefix(abs, w.root+string(filepath.Separator))
}

// resolveExisting evaluates symlinks on the longest existing ancestor of the
// path and rejoins the non-existing remainder.
func resolveExisting(abs string) (string, error) {
	remainder := ""
	current := abs
	for {
		resolved, err := filepath.EvalSymlinks(current)
		if err == nil {
			if remainder == "" {
				return resolved, nil
			}
			return filepath.Join(resolved, remainder), nil
		}
		if !os.IsNotExist(err) {
			return "", err
		}
		parent := filepath.Dir(current)
		if parent == current {
			return "", fmt.Errorf("cannot resolve path: %s", abs)
		}
		if remainder == "" {
			remainder = filepath.Base(current)
		} else {
			remainder = filepath.Join(filepath.Base(current), remainder)
		}
		current = parent
	}
}

// EnsureStateDir creates (if needed) and returns the directory used for
// runtime state under the .WHISPER marker.
func (w *Workspace) EnsureStateDir(name string) (string, error) {
	dir := filepath.Join(w.MarkerDir(), name)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create state directory '%s': %w", dir, err)
	}
	return dir, nil
}
