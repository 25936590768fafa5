// Package state persists agent session snapshots as JSON files so a restart
// can pick up where the previous process left off. Each record kind lives in
// its own directory and every write is atomic.
package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/aiwhisperer/aiwhisperer/pkg/ailoop"
	"github.com/aiwhisperer/aiwhisperer/pkg/orchestrator"
)

// snapshotVersion tags every persisted record; loads reject other versions.
const snapshotVersion = 1

// Subdirectories under the state root, one per record kind.
const (
	dirAgents = "agents"
	dirTasks  = "tasks"
	dirSleep  = "sleep"
	dirSystem = "system"
)

// ErrInvalidRecord rejects persisted files that fail validation.
var ErrInvalidRecord = errors.New("invalid state record")

// ErrNotFound reports a missing snapshot.
var ErrNotFound = errors.New("state record not found")

// AgentRecord is the per-agent session snapshot (agents/<id>.json).
type AgentRecord struct {
	AgentID    string                    `json:"agent_id"`
	State      orchestrator.SessionState `json:"state"`
	ErrorCount int                       `json:"error_count"`
	CreatedAt  time.Time                 `json:"created_at"`
	LastActive time.Time                 `json:"last_active"`
	Config     *ailoop.AgentConfig       `json:"config,omitempty"`
	Context    json.RawMessage           `json:"context,omitempty"`
}

// TasksRecord is the per-agent queue snapshot (tasks/<id>_tasks.json). The
// current task, if any, is replayed ahead of the pending queue on restore.
type TasksRecord struct {
	AgentID string               `json:"agent_id"`
	Current *orchestrator.Task   `json:"current,omitempty"`
	Pending []*orchestrator.Task `json:"pending"`
}

// SleepRecord is the per-agent sleep snapshot (sleep/<id>_sleep.json).
type SleepRecord struct {
	AgentID    string     `json:"agent_id"`
	IsSleeping bool       `json:"is_sleeping"`
	SleepUntil *time.Time `json:"sleep_until,omitempty"`
	WakeEvents []string   `json:"wake_events,omitempty"`
}

// SystemRecord indexes the persisted agents (system/manager.json).
type SystemRecord struct {
	AgentIDs []string `json:"agent_ids"`
}

// Store reads and writes snapshot files under a single state directory.
// Writes go through a temp file, fsync and rename; a per-file lock keeps
// concurrent writers to the same record from interleaving.
type Store struct {
	root      string
	sessionID string

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New creates the state directory layout and returns a store bound to it.
func New(root string) (*Store, error) {
	for _, sub := range []string{dirAgents, dirTasks, dirSleep, dirSystem} {
		if err := os.MkdirAll(filepath.Join(root, sub), 0755); err != nil {
			return nil, fmt.Errorf("failed to create state directory: %w", err)
		}
	}
	return &Store{
		root:      root,
		sessionID: uuid.NewString(),
		locks:     make(map[string]*sync.Mutex),
	}, nil
}

// SessionID identifies the process that wrote a snapshot.
func (s *Store) SessionID() string { return s.sessionID }

func (s *Store) fileLock(path string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.locks[path]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[path] = lock
	}
	return lock
}

// save marshals record, wraps it with snapshot metadata and writes it
// atomically.
func (s *Store) save(path string, record any) error {
	raw, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to serialize state record: %w", err)
	}
	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		return fmt.Errorf("failed to serialize state record: %w", err)
	}
	fields["_saved_at"] = time.Now().UTC().Format(time.RFC3339Nano)
	fields["_session_id"] = s.sessionID
	fields["_version"] = snapshotVersion

	data, err := json.MarshalIndent(fields, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to serialize state record: %w", err)
	}

	lock := s.fileLock(path)
	lock.Lock()
	defer lock.Unlock()
	return atomicWrite(path, data)
}

// atomicWrite lands data at path via temp file, fsync and rename so readers
// never observe a partial record.
func atomicWrite(path string, data []byte) error {
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("failed to write state record: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("failed to write state record: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("failed to sync state record: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to write state record: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to commit state record: %w", err)
	}
	return nil
}

// load reads a wrapped record, verifies its version, strips the snapshot
// metadata and runs the kind-specific validator before decoding into out.
func (s *Store) load(path string, out any, validate func(map[string]json.RawMessage) error) error {
	lock := s.fileLock(path)
	lock.Lock()
	data, err := os.ReadFile(path)
	lock.Unlock()
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", ErrNotFound, filepath.Base(path))
		}
		return fmt.Errorf("failed to read state record: %w", err)
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidRecord, filepath.Base(path), err)
	}

	versionRaw, ok := fields["_version"]
	if !ok {
		return fmt.Errorf("%w: %s: missing _version", ErrInvalidRecord, filepath.Base(path))
	}
	var version int
	if err := json.Unmarshal(versionRaw, &version); err != nil || version != snapshotVersion {
		return fmt.Errorf("%w: %s: unsupported version", ErrInvalidRecord, filepath.Base(path))
	}
	delete(fields, "_saved_at")
	delete(fields, "_session_id")
	delete(fields, "_version")

	if err := validate(fields); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidRecord, filepath.Base(path), err)
	}

	stripped, err := json.Marshal(fields)
	if err != nil {
		return fmt.Errorf("failed to decode state record: %w", err)
	}
	if err := json.Unmarshal(stripped, out); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidRecord, filepath.Base(path), err)
	}
	return nil
}

func requireAgentID(fields map[string]json.RawMessage) error {
	raw, ok := fields["agent_id"]
	if !ok {
		return errors.New("missing agent_id")
	}
	var agentID string
	if err := json.Unmarshal(raw, &agentID); err != nil || agentID == "" {
		return errors.New("agent_id must be a non-empty string")
	}
	return nil
}

func validateAgent(fields map[string]json.RawMessage) error {
	return requireAgentID(fields)
}

func validateTasks(fields map[string]json.RawMessage) error {
	if err := requireAgentID(fields); err != nil {
		return err
	}
	raw, ok := fields["pending"]
	if !ok {
		return errors.New("missing pending task list")
	}
	var pending []json.RawMessage
	if err := json.Unmarshal(raw, &pending); err != nil {
		return errors.New("pending must be a list")
	}
	return nil
}

func validateSleep(fields map[string]json.RawMessage) error {
	if err := requireAgentID(fields); err != nil {
		return err
	}
	raw, ok := fields["is_sleeping"]
	if !ok {
		return errors.New("missing is_sleeping")
	}
	var sleeping bool
	if err := json.Unmarshal(raw, &sleeping); err != nil {
		return errors.New("is_sleeping must be a boolean")
	}
	return nil
}

func (s *Store) agentPath(agentID string) string {
	return filepath.Join(s.root, dirAgents, agentID+".json")
}

func (s *Store) tasksPath(agentID string) string {
	return filepath.Join(s.root, dirTasks, agentID+"_tasks.json")
}

func (s *Store) sleepPath(agentID string) string {
	return filepath.Join(s.root, dirSleep, agentID+"_sleep.json")
}

func (s *Store) systemPath() string {
	return filepath.Join(s.root, dirSystem, "manager.json")
}

// SaveAgent persists one agent's session snapshot.
func (s *Store) SaveAgent(record AgentRecord) error {
	if record.AgentID == "" {
		return fmt.Errorf("%w: missing agent_id", ErrInvalidRecord)
	}
	return s.save(s.agentPath(record.AgentID), record)
}

// LoadAgent reads one agent's session snapshot.
func (s *Store) LoadAgent(agentID string) (AgentRecord, error) {
	var record AgentRecord
	err := s.load(s.agentPath(agentID), &record, validateAgent)
	return record, err
}

// SaveTasks persists one agent's task queue.
func (s *Store) SaveTasks(record TasksRecord) error {
	if record.AgentID == "" {
		return fmt.Errorf("%w: missing agent_id", ErrInvalidRecord)
	}
	if record.Pending == nil {
		record.Pending = []*orchestrator.Task{}
	}
	return s.save(s.tasksPath(record.AgentID), record)
}

// LoadTasks reads one agent's task queue.
func (s *Store) LoadTasks(agentID string) (TasksRecord, error) {
	var record TasksRecord
	err := s.load(s.tasksPath(agentID), &record, validateTasks)
	return record, err
}

// SaveSleep persists one agent's sleep state.
func (s *Store) SaveSleep(record SleepRecord) error {
	if record.AgentID == "" {
		return fmt.Errorf("%w: missing agent_id", ErrInvalidRecord)
	}
	return s.save(s.sleepPath(record.AgentID), record)
}

// LoadSleep reads one agent's sleep state.
func (s *Store) LoadSleep(agentID string) (SleepRecord, error) {
	var record SleepRecord
	err := s.load(s.sleepPath(agentID), &record, validateSleep)
	return record, err
}

// SaveSystem persists the agent index.
func (s *Store) SaveSystem(record SystemRecord) error {
	return s.save(s.systemPath(), record)
}

// LoadSystem reads the agent index.
func (s *Store) LoadSystem() (SystemRecord, error) {
	var record SystemRecord
	err := s.load(s.systemPath(), &record, func(map[string]json.RawMessage) error { return nil })
	return record, err
}

// AgentIDs lists every agent with a persisted session snapshot.
func (s *Store) AgentIDs() ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(s.root, dirAgents))
	if err != nil {
		return nil, fmt.Errorf("failed to list agent snapshots: %w", err)
	}
	var ids []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		ids = append(ids, strings.TrimSuffix(name, ".json"))
	}
	return ids, nil
}

// DeleteAgent removes every snapshot belonging to one agent.
func (s *Store) DeleteAgent(agentID string) error {
	for _, path := range []string{s.agentPath(agentID), s.tasksPath(agentID), s.sleepPath(agentID)} {
		lock := s.fileLock(path)
		lock.Lock()
		err := os.Remove(path)
		lock.Unlock()
		if err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to delete state record: %w", err)
		}
	}
	return nil
}

// Cleanup removes snapshot files older than maxAge and reports how many were
// deleted.
func (s *Store) Cleanup(maxAge time.Duration) (int, error) {
	cutoff := time.Now().Add(-maxAge)
	removed := 0
	for _, sub := range []string{dirAgents, dirTasks, dirSleep, dirSystem} {
		dir := filepath.Join(s.root, sub)
		entries, err := os.ReadDir(dir)
		if err != nil {
			return removed, fmt.Errorf("failed to scan state directory: %w", err)
		}
		for _, entry := range entries {
			if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
				continue
			}
			info, err := entry.Info()
			if err != nil {
				continue
			}
			if info.ModTime().Before(cutoff) {
				if err := os.Remove(filepath.Join(dir, entry.Name())); err == nil {
					removed++
				}
			}
		}
	}
	return removed, nil
}
