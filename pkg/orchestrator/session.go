// Package orchestrator hosts agent sessions: one cooperative processor per
// agent, a bounded task queue, sleep/wake semantics, and lifecycle
// notifications. The session manager exclusively owns sessions; the mailbox
// and tool registry are shared.
package orchestrator

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/aiwhisperer/aiwhisperer/pkg/ailoop"
)

// SessionState is the agent session FSM state.
type SessionState string

const (
	StateIdle     SessionState = "IDLE"
	StateActive   SessionState = "ACTIVE"
	StateSleeping SessionState = "SLEEPING"
	StateWaiting  SessionState = "WAITING"
	StateStopped  SessionState = "STOPPED"
)

// TaskType classifies how a task entered the queue.
type TaskType string

const (
	TaskDirect       TaskType = "direct"
	TaskMail         TaskType = "mail"
	TaskContinuation TaskType = "continuation"
	TaskWakeEvent    TaskType = "wake_event"
	TaskTimerWake    TaskType = "timer_wake"
)

// Wake event tags. Broadcasts can carry user-defined tags as well.
const (
	WakeMailReceived     = "mail_received"
	WakeHighPriorityMail = "high_priority_mail"
	WakeSystemEvent      = "system_event"
	WakeManual           = "manual_wake"
)

// taskQueueCap bounds each session's queue; overflow is surfaced to the
// sender.
const taskQueueCap = 100

// ErrQueueFull signals back-pressure to task senders.
var ErrQueueFull = errors.New("task queue full")

// ErrSessionStopped rejects operations on terminal sessions.
var ErrSessionStopped = errors.New("session stopped")

// TaskContext carries provenance for a task.
type TaskContext struct {
	FromAgent    string `json:"from_agent,omitempty"`
	Priority     string `json:"priority,omitempty"`
	MailID       string `json:"mail_id,omitempty"`
	Subject      string `json:"subject,omitempty"`
	ParentTask   string `json:"parent_task,omitempty"`
	Continuation bool   `json:"continuation,omitempty"`
}

// Task is one unit of work for an agent.
type Task struct {
	ID      string      `json:"id"`
	Type    TaskType    `json:"type"`
	Prompt  string      `json:"prompt"`
	Context TaskContext `json:"context"`
}

func newTask(taskType TaskType, prompt string, taskCtx TaskContext) *Task {
	return &Task{
		ID:      uuid.NewString(),
		Type:    taskType,
		Prompt:  prompt,
		Context: taskCtx,
	}
}

// Session is one agent's scheduling state. The manager's processor goroutine
// is the only writer of state transitions; accessors are safe everywhere.
type Session struct {
	AgentID string

	config *ailoop.AgentConfig

	mu          sync.Mutex
	state       SessionState
	queue       chan *Task
	currentTask *Task
	wakeEvents  map[string]bool
	sleepUntil  *time.Time
	createdAt   time.Time
	lastActive  time.Time
	errorCount  int
	metadata    map[string]any

	wakeCh chan string
	stopCh chan struct{}
}

func newSession(agentID string) *Session {
	now := time.Now().UTC()
	return &Session{
		AgentID:    agentID,
		state:      StateIdle,
		queue:      make(chan *Task, taskQueueCap),
		wakeEvents: make(map[string]bool),
		createdAt:  now,
		lastActive: now,
		metadata:   make(map[string]any),
		wakeCh:     make(chan string, 8),
		stopCh:     make(chan struct{}),
	}
}

// Config returns the agent config the session was created with; nil means
// the manager defaults apply.
func (s *Session) Config() *ailoop.AgentConfig {
	return s.config
}

// State returns the current FSM state.
func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Status is a point-in-time snapshot for introspection.
type Status struct {
	AgentID     string       `json:"agent_id"`
	State       SessionState `json:"state"`
	QueueDepth  int          `json:"queue_depth"`
	CurrentTask *Task        `json:"current_task,omitempty"`
	WakeEvents  []string     `json:"wake_events,omitempty"`
	SleepUntil  *time.Time   `json:"sleep_until,omitempty"`
	CreatedAt   time.Time    `json:"created_at"`
	LastActive  time.Time    `json:"last_active"`
	ErrorCount  int          `json:"error_count"`
}

func (s *Session) Snapshot() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	status := Status{
		AgentID:     s.AgentID,
		State:       s.state,
		QueueDepth:  len(s.queue),
		CurrentTask: s.currentTask,
		SleepUntil:  s.sleepUntil,
		CreatedAt:   s.createdAt,
		LastActive:  s.lastActive,
		ErrorCount:  s.errorCount,
	}
	for event := range s.wakeEvents {
		status.WakeEvents = append(status.WakeEvents, event)
	}
	return status
}

// enqueue adds a task, failing fast when the queue is full. The send happens
// under s.mu so PendingTasks can rotate the queue without racing a producer.
func (s *Session) enqueue(task *Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateStopped {
		return ErrSessionStopped
	}

	select {
	case s.queue <- task:
		return nil
	default:
		return fmt.Errorf("%w: agent %s (cap %d)", ErrQueueFull, s.AgentID, taskQueueCap)
	}
}

// PendingTasks snapshots the queued tasks without consuming them. Used by
// state persistence. Receives are non-blocking: a concurrent dequeue can
// shorten the snapshot but never block it, and since every producer sends
// under s.mu the put-back always has room.
func (s *Session) PendingTasks() []*Task {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := len(s.queue)
	out := make([]*Task, 0, n)
	for i := 0; i < n; i++ {
		select {
		case task := <-s.queue:
			out = append(out, task)
			s.queue <- task
		default:
			return out
		}
	}
	return out
}

func (s *Session) setState(state SessionState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = state
	s.lastActive = time.Now().UTC()
}

func (s *Session) setCurrent(task *Task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.currentTask = task
	if task != nil {
		s.state = StateActive
	} else if s.state == StateActive {
		s.state = StateIdle
	}
	s.lastActive = time.Now().UTC()
}

func (s *Session) sleep(until *time.Time, wakeEvents []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = StateSleeping
	s.sleepUntil = until
	s.wakeEvents = make(map[string]bool, len(wakeEvents))
	for _, event := range wakeEvents {
		s.wakeEvents[event] = true
	}
	s.lastActive = time.Now().UTC()
}

func (s *Session) wake() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateSleeping {
		s.state = StateIdle
	}
	s.sleepUntil = nil
	s.lastActive = time.Now().UTC()
}

func (s *Session) wantsWake(event string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == StateSleeping && s.wakeEvents[event]
}

func (s *Session) incrementErrors() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errorCount++
	return s.errorCount
}

// ErrorCount reports failed tasks; sessions never self-stop on errors.
func (s *Session) ErrorCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.errorCount
}
