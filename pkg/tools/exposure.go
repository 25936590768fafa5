package tools

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// SettingsFileName is the per-client exposure settings file under
// ~/.aiwhisperer/.
const SettingsFileName = "claude_tools_settings.json"

// coreTools are always exposed to external clients regardless of settings.
var coreTools = []string{
	"read_file",
	"list_directory",
	"check_mail",
	"send_mail",
}

// ExposureSettings is the persisted shape of the filter.
type ExposureSettings struct {
	AllToolsEnabled bool         `json:"all_tools_enabled"`
	CustomTools     []string     `json:"custom_tools"`
	AuditTrail      []AuditEntry `json:"audit_trail,omitempty"`
}

type AuditEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Change    string    `json:"change"`
}

// ExposureFilter restricts which tools external MCP clients see. Internal
// agents bypass it entirely. Changes are persisted with an audit trail, and
// external edits to the settings file are picked up via fsnotify.
type ExposureFilter struct {
	path string

	mu       sync.RWMutex
	settings ExposureSettings

	watcher *fsnotify.Watcher
	done    chan struct{}
}

// DefaultSettingsPath returns ~/.aiwhisperer/claude_tools_settings.json.
func DefaultSettingsPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot locate home directory: %w", err)
	}
	return filepath.Join(home, ".aiwhisperer", SettingsFileName), nil
}

// NewExposureFilter loads settings from path, creating a permissive default
// file when none exists.
func NewExposureFilter(path string) (*ExposureFilter, error) {
	f := &ExposureFilter{
		path: path,
		settings: ExposureSettings{
			AllToolsEnabled: true,
		},
		done: make(chan struct{}),
	}

	if err := f.load(); err != nil {
		if !os.IsNotExist(err) {
			return nil, err
		}
		if err := f.persist("initialized with defaults"); err != nil {
			return nil, err
		}
	}
	return f, nil
}

func (f *ExposureFilter) load() error {
	data, err := os.ReadFile(f.path)
	if err != nil {
		return err
	}
	var settings ExposureSettings
	if err := json.Unmarshal(data, &settings); err != nil {
		return fmt.Errorf("invalid tool settings file %s: %w", f.path, err)
	}
	f.mu.Lock()
	f.settings = settings
	f.mu.Unlock()
	return nil
}

func (f *ExposureFilter) persist(change string) error {
	f.mu.Lock()
	f.settings.AuditTrail = append(f.settings.AuditTrail, AuditEntry{
		Timestamp: time.Now().UTC(),
		Change:    change,
	})
	data, err := json.MarshalIndent(f.settings, "", "  ")
	f.mu.Unlock()
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(f.path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(f.path, data, 0o644)
}

// SetAllToolsEnabled flips the master switch and persists.
func (f *ExposureFilter) SetAllToolsEnabled(enabled bool) error {
	f.mu.Lock()
	f.settings.AllToolsEnabled = enabled
	f.mu.Unlock()
	return f.persist(fmt.Sprintf("all_tools_enabled=%t", enabled))
}

// AddCustomTool exposes one extra tool beyond the core set and persists.
func (f *ExposureFilter) AddCustomTool(name string) error {
	f.mu.Lock()
	for _, existing := range f.settings.CustomTools {
		if existing == name {
			f.mu.Unlock()
			return nil
		}
	}
	f.settings.CustomTools = append(f.settings.CustomTools, name)
	f.mu.Unlock()
	return f.persist("added custom tool " + name)
}

// RemoveCustomTool withdraws a custom exposure and persists.
func (f *ExposureFilter) RemoveCustomTool(name string) error {
	f.mu.Lock()
	filtered := f.settings.CustomTools[:0]
	for _, existing := range f.settings.CustomTools {
		if existing != name {
			filtered = append(filtered, existing)
		}
	}
	f.settings.CustomTools = filtered
	f.mu.Unlock()
	return f.persist("removed custom tool " + name)
}

// Apply filters names per the current settings: everything when the master
// switch is on, otherwise the core set plus custom tools.
func (f *ExposureFilter) Apply(names []string) []string {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if f.settings.AllToolsEnabled {
		return names
	}

	allowed := make(map[string]bool, len(coreTools)+len(f.settings.CustomTools))
	for _, name := range coreTools {
		allowed[name] = true
	}
	for _, name := range f.settings.CustomTools {
		allowed[name] = true
	}

	var out []string
	for _, name := range names {
		if allowed[name] {
			out = append(out, name)
		}
	}
	return out
}

// Settings returns a copy of the current settings.
func (f *ExposureFilter) Settings() ExposureSettings {
	f.mu.RLock()
	defer f.mu.RUnlock()
	settings := f.settings
	settings.CustomTools = append([]string(nil), f.settings.CustomTools...)
	settings.AuditTrail = append([]AuditEntry(nil), f.settings.AuditTrail...)
	return settings
}

// Watch reloads settings when the file changes on disk. Call Close to stop.
func (f *ExposureFilter) Watch() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create settings watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(f.path)); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch settings directory: %w", err)
	}
	f.watcher = watcher

	go func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Name != f.path {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				if err := f.load(); err != nil {
					slog.Warn("Failed to reload tool settings", "path", f.path, "error", err)
				} else {
					slog.Info("Tool exposure settings reloaded", "path", f.path)
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				slog.Warn("Settings watcher error", "error", err)
			case <-f.done:
				return
			}
		}
	}()
	return nil
}

func (f *ExposureFilter) Close() error {
	close(f.done)
	if f.watcher != nil {
		return f.watcher.Close()
	}
	return nil
}
