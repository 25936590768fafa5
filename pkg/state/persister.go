package state

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/aiwhisperer/aiwhisperer/pkg/memory"
	"github.com/aiwhisperer/aiwhisperer/pkg/orchestrator"
)

// Persister snapshots live sessions into a Store and rebuilds them on
// startup.
type Persister struct {
	store   *Store
	manager *orchestrator.Manager
	memory  *memory.Store
}

func NewPersister(store *Store, manager *orchestrator.Manager, mem *memory.Store) *Persister {
	return &Persister{store: store, manager: manager, memory: mem}
}

// SaveAll snapshots every live session: agent record with conversation
// context, pending tasks, and sleep state.
func (p *Persister) SaveAll() error {
	sessions := p.manager.Sessions()
	agentIDs := make([]string, 0, len(sessions))

	var firstErr error
	for agentID, session := range sessions {
		if err := p.saveSession(agentID, session); err != nil {
			slog.Warn("Failed to persist session", "agent_id", agentID, "error", err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		agentIDs = append(agentIDs, agentID)
	}

	if err := p.store.SaveSystem(SystemRecord{AgentIDs: agentIDs}); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

func (p *Persister) saveSession(agentID string, session *orchestrator.Session) error {
	status := session.Snapshot()

	contextSnap, err := p.memory.Snapshot(agentID)
	if err != nil {
		return fmt.Errorf("failed to snapshot context: %w", err)
	}
	record := AgentRecord{
		AgentID:    agentID,
		State:      status.State,
		ErrorCount: status.ErrorCount,
		CreatedAt:  status.CreatedAt,
		LastActive: status.LastActive,
		Config:     session.Config(),
		Context:    contextSnap,
	}
	if err := p.store.SaveAgent(record); err != nil {
		return err
	}

	if err := p.store.SaveTasks(TasksRecord{
		AgentID: agentID,
		Current: status.CurrentTask,
		Pending: session.PendingTasks(),
	}); err != nil {
		return err
	}

	return p.store.SaveSleep(SleepRecord{
		AgentID:    agentID,
		IsSleeping: status.State == orchestrator.StateSleeping,
		SleepUntil: status.SleepUntil,
		WakeEvents: status.WakeEvents,
	})
}

// RestoreAll rebuilds sessions from persisted snapshots: recreates each
// agent, restores its conversation context, replays pending tasks, and
// re-applies sleep state against the current wall clock. Agents whose
// snapshot recorded a STOPPED state are skipped. Returns the restored agent
// ids.
func (p *Persister) RestoreAll() ([]string, error) {
	agentIDs, err := p.store.AgentIDs()
	if err != nil {
		return nil, err
	}

	var restored []string
	for _, agentID := range agentIDs {
		record, err := p.store.LoadAgent(agentID)
		if err != nil {
			slog.Warn("Skipping corrupt agent snapshot", "agent_id", agentID, "error", err)
			continue
		}
		if record.State == orchestrator.StateStopped {
			continue
		}

		if _, err := p.manager.CreateAgent(agentID, record.Config); err != nil {
			slog.Warn("Failed to recreate agent", "agent_id", agentID, "error", err)
			continue
		}
		if len(record.Context) > 0 {
			if err := p.memory.Restore(agentID, record.Context); err != nil {
				slog.Warn("Failed to restore context", "agent_id", agentID, "error", err)
			}
		}

		p.replayTasks(agentID)
		p.restoreSleep(agentID)
		restored = append(restored, agentID)
		slog.Info("Session restored", "agent_id", agentID)
	}
	return restored, nil
}

// replayTasks puts the interrupted current task back first, then the queue.
func (p *Persister) replayTasks(agentID string) {
	record, err := p.store.LoadTasks(agentID)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			slog.Warn("Skipping corrupt task snapshot", "agent_id", agentID, "error", err)
		}
		return
	}

	tasks := record.Pending
	if record.Current != nil {
		tasks = append([]*orchestrator.Task{record.Current}, tasks...)
	}
	for _, task := range tasks {
		if err := p.manager.EnqueueTask(agentID, task); err != nil {
			slog.Warn("Failed to replay task", "agent_id", agentID, "task_id", task.ID, "error", err)
		}
	}
}

// restoreSleep re-applies a persisted sleep. A deadline already in the past
// leaves the agent awake; an open-ended sleep carries over as-is.
func (p *Persister) restoreSleep(agentID string) {
	record, err := p.store.LoadSleep(agentID)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			slog.Warn("Skipping corrupt sleep snapshot", "agent_id", agentID, "error", err)
		}
		return
	}
	if !record.IsSleeping {
		return
	}

	var duration time.Duration
	if record.SleepUntil != nil {
		duration = time.Until(*record.SleepUntil)
		if duration <= 0 {
			return
		}
	}
	if err := p.manager.Sleep(agentID, duration, record.WakeEvents); err != nil {
		slog.Warn("Failed to restore sleep state", "agent_id", agentID, "error", err)
	}
}
