package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/joho/godotenv"
	"github.com/mitchellh/mapstructure"
	"gopkg.in/yaml.v3"
)

// EnvVar selects the environment overlay: main.<env>.yaml.
const EnvVar = "AIWHISPERER_ENV"

const (
	baseFile  = "main.yaml"
	localFile = "main.local.yaml"
)

// Loader reads the YAML hierarchy from one config directory: main.yaml,
// then main.<env>.yaml, then main.local.yaml, later files overriding
// earlier ones key by key.
type Loader struct {
	dir string
}

func NewLoader(dir string) *Loader {
	return &Loader{dir: dir}
}

// Files returns the hierarchy in load order. Only the base file must exist.
func (l *Loader) Files() []string {
	files := []string{filepath.Join(l.dir, baseFile)}
	if env := os.Getenv(EnvVar); env != "" {
		files = append(files, filepath.Join(l.dir, fmt.Sprintf("main.%s.yaml", env)))
	}
	return append(files, filepath.Join(l.dir, localFile))
}

// Load reads and merges the hierarchy, expands environment references,
// decodes, applies defaults and validates.
func (l *Loader) Load() (*Config, error) {
	merged := make(map[string]any)

	for i, path := range l.Files() {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				if i == 0 {
					return nil, fmt.Errorf("config file not found: %s", path)
				}
				continue
			}
			return nil, fmt.Errorf("failed to read config: %w", err)
		}

		var layer map[string]any
		if err := yaml.Unmarshal(data, &layer); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", filepath.Base(path), err)
		}
		merged = deepMerge(merged, layer)
	}

	return decode(expandEnvMap(merged))
}

// LoadFile loads a single config file, skipping the hierarchy. Used by the
// validate command.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", filepath.Base(path), err)
	}
	return decode(expandEnvMap(raw))
}

// Watch reloads on changes to any file in the hierarchy and calls onChange
// with the new config. Blocks until ctx is cancelled.
func (l *Loader) Watch(ctx context.Context, onChange func(*Config)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to start config watcher: %w", err)
	}
	defer watcher.Close()

	// Watch the directory, not the files: editors replace files on save.
	if err := watcher.Add(l.dir); err != nil {
		return fmt.Errorf("failed to watch config directory: %w", err)
	}

	watched := make(map[string]bool)
	for _, path := range l.Files() {
		watched[filepath.Base(path)] = true
	}
	slog.Info("Watching for config changes", "dir", l.dir)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !watched[filepath.Base(event.Name)] {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			cfg, err := l.Load()
			if err != nil {
				slog.Error("Failed to reload config", "error", err)
				continue
			}
			slog.Info("Configuration reloaded", "file", filepath.Base(event.Name))
			if onChange != nil {
				onChange(cfg)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			slog.Warn("Config watcher error", "error", err)
		}
	}
}

// LoadEnvFiles loads .env.local then .env into the process environment.
// Missing files are not errors.
func LoadEnvFiles() error {
	for _, file := range []string{".env.local", ".env"} {
		if err := godotenv.Load(file); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to load %s: %w", file, err)
		}
	}
	return nil
}

func decode(input map[string]any) (*Config, error) {
	cfg := &Config{}
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           cfg,
		TagName:          "yaml",
		WeaklyTypedInput: true,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create decoder: %w", err)
	}
	if err := decoder.Decode(input); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// deepMerge overlays src onto dst. Maps merge recursively; everything else
// replaces.
func deepMerge(dst, src map[string]any) map[string]any {
	out := make(map[string]any, len(dst)+len(src))
	for k, v := range dst {
		out[k] = v
	}
	for k, v := range src {
		if srcMap, ok := v.(map[string]any); ok {
			if dstMap, ok := out[k].(map[string]any); ok {
				out[k] = deepMerge(dstMap, srcMap)
				continue
			}
		}
		out[k] = v
	}
	return out
}

// envVarPattern matches ${VAR}, ${VAR:-default}, and $VAR.
var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}|\$([A-Za-z_][A-Za-z0-9_]*)`)

func expandEnvMap(input map[string]any) map[string]any {
	out := make(map[string]any, len(input))
	for k, v := range input {
		out[k] = expandEnvValue(v)
	}
	return out
}

func expandEnvValue(v any) any {
	switch val := v.(type) {
	case string:
		return expandEnvString(val)
	case map[string]any:
		return expandEnvMap(val)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = expandEnvValue(item)
		}
		return out
	default:
		return v
	}
}

func expandEnvString(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		if strings.HasPrefix(match, "${") {
			inner := match[2 : len(match)-1]
			if idx := strings.Index(inner, ":-"); idx != -1 {
				if val := os.Getenv(inner[:idx]); val != "" {
					return val
				}
				return inner[idx+2:]
			}
			return os.Getenv(inner)
		}
		return os.Getenv(match[1:])
	})
}
