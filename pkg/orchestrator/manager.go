package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/aiwhisperer/aiwhisperer/pkg/ailoop"
	"github.com/aiwhisperer/aiwhisperer/pkg/mailbox"
)

// Timing tunes the processor cadences; tests shorten them.
type Timing struct {
	TaskWait     time.Duration // dequeue wait per iteration
	SleepPollMin time.Duration // mailbox poll cadence while sleeping
	SleepPollMax time.Duration
}

func DefaultTiming() Timing {
	return Timing{
		TaskWait:     5 * time.Second,
		SleepPollMin: time.Second,
		SleepPollMax: 5 * time.Second,
	}
}

func (t *Timing) setDefaults() {
	d := DefaultTiming()
	if t.TaskWait <= 0 {
		t.TaskWait = d.TaskWait
	}
	if t.SleepPollMin <= 0 {
		t.SleepPollMin = d.SleepPollMin
	}
	if t.SleepPollMax < t.SleepPollMin {
		t.SleepPollMax = d.SleepPollMax
	}
}

// Manager owns every agent session and runs one cooperative processor per
// agent.
type Manager struct {
	loops    *ailoop.Manager
	mailbox  *mailbox.Mailbox
	bridge   *mailbox.Bridge
	notifier ailoop.Notifier
	timing   Timing

	mu       sync.Mutex
	invoker  mailbox.ToolInvoker
	sessions map[string]*Session

	group     *errgroup.Group
	groupCtx  context.Context
	cancelAll context.CancelFunc
}

func NewManager(loops *ailoop.Manager, mb *mailbox.Mailbox, notifier ailoop.Notifier, timing Timing) *Manager {
	timing.setDefaults()
	return &Manager{
		loops:    loops,
		mailbox:  mb,
		bridge:   mailbox.NewBridge(mb),
		notifier: notifier,
		timing:   timing,
		sessions: make(map[string]*Session),
	}
}

// Bridge returns the synchronous request/reply bridge over the mailbox.
func (m *Manager) Bridge() *mailbox.Bridge {
	return m.bridge
}

// SetToolInvoker wires the tool registry into task-request mail handling.
// Without it, task requests are answered with an error reply.
func (m *Manager) SetToolInvoker(invoker mailbox.ToolInvoker) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.invoker = invoker
}

func (m *Manager) toolInvoker() mailbox.ToolInvoker {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.invoker
}

// Start prepares the manager's processor group. Must be called before
// CreateAgent.
func (m *Manager) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	m.group, m.groupCtx = errgroup.WithContext(runCtx)
	m.cancelAll = cancel
}

// CreateAgent registers a session and starts its processor. The agent's AI
// loop is created on first task, not here.
func (m *Manager) CreateAgent(agentID string, cfg *ailoop.AgentConfig) (*Session, error) {
	if m.group == nil {
		return nil, fmt.Errorf("manager not started")
	}

	m.mu.Lock()
	if _, exists := m.sessions[agentID]; exists {
		m.mu.Unlock()
		return nil, fmt.Errorf("agent %s already exists", agentID)
	}
	session := newSession(agentID)
	session.config = cfg
	m.sessions[agentID] = session
	m.mu.Unlock()

	// Mail delivery wakes sleeping agents subscribed to mail events.
	m.mailbox.OnNewMail(agentID, func(mail mailbox.Mail) {
		if session.wantsWake(WakeHighPriorityMail) &&
			(mail.Priority == mailbox.PriorityHigh || mail.Priority == mailbox.PriorityUrgent) {
			m.signalWake(session, WakeHighPriorityMail)
			return
		}
		if session.wantsWake(WakeMailReceived) {
			m.signalWake(session, WakeMailReceived)
		}
	})

	m.group.Go(func() error {
		m.runProcessor(m.groupCtx, session, cfg)
		return nil
	})

	m.notify("agent_created", map[string]any{"agent_id": agentID})
	slog.Info("Agent session created", "agent_id", agentID)
	return session, nil
}

func (m *Manager) signalWake(session *Session, event string) {
	select {
	case session.wakeCh <- event:
	default:
	}
}

// SendTask enqueues a direct task. ErrQueueFull signals back-pressure.
func (m *Manager) SendTask(agentID, prompt string, taskCtx TaskContext) (string, error) {
	session, err := m.session(agentID)
	if err != nil {
		return "", err
	}
	task := newTask(TaskDirect, prompt, taskCtx)
	if err := session.enqueue(task); err != nil {
		return "", err
	}
	return task.ID, nil
}

// EnqueueTask replays an existing task into an agent's queue. Used by state
// restore; new work should go through SendTask.
func (m *Manager) EnqueueTask(agentID string, task *Task) error {
	session, err := m.session(agentID)
	if err != nil {
		return err
	}
	return session.enqueue(task)
}

// Sleep puts an agent to sleep for duration (0 = until woken) with the
// given wake-event subscriptions.
func (m *Manager) Sleep(agentID string, duration time.Duration, wakeEvents []string) error {
	session, err := m.session(agentID)
	if err != nil {
		return err
	}
	if session.State() == StateStopped {
		return ErrSessionStopped
	}

	var until *time.Time
	if duration > 0 {
		t := time.Now().UTC().Add(duration)
		until = &t
	}
	session.sleep(until, wakeEvents)
	m.notify("agent_sleeping", map[string]any{
		"agent_id":    agentID,
		"sleep_until": until,
		"wake_events": wakeEvents,
	})
	return nil
}

// Wake manually wakes a sleeping agent.
func (m *Manager) Wake(agentID string) error {
	session, err := m.session(agentID)
	if err != nil {
		return err
	}
	m.signalWake(session, WakeManual)
	return nil
}

// StopAgent terminates a session. STOPPED is terminal; resources are
// released.
func (m *Manager) StopAgent(agentID string) error {
	session, err := m.session(agentID)
	if err != nil {
		return err
	}

	session.mu.Lock()
	alreadyStopped := session.state == StateStopped
	session.state = StateStopped
	session.mu.Unlock()
	if alreadyStopped {
		return nil
	}

	close(session.stopCh)
	m.loops.Remove(agentID)
	m.notify("agent_stopped", map[string]any{"agent_id": agentID})
	m.notify("session_ended", map[string]any{
		"agent_id": agentID,
		"reason":   "stopped",
	})
	slog.Info("Agent session stopped", "agent_id", agentID)
	return nil
}

// Broadcast emits an event and wakes any sleeping agent subscribed to it.
func (m *Manager) Broadcast(event string, data map[string]any) {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, session := range m.sessions {
		sessions = append(sessions, session)
	}
	m.mu.Unlock()

	for _, session := range sessions {
		if session.wantsWake(event) || session.wantsWake(WakeSystemEvent) {
			m.signalWake(session, event)
		}
	}
	m.notify("broadcast", map[string]any{"event": event, "data": data})
}

// Status reports one agent's session snapshot.
func (m *Manager) Status(agentID string) (Status, error) {
	session, err := m.session(agentID)
	if err != nil {
		return Status{}, err
	}
	return session.Snapshot(), nil
}

// Statuses reports every session, for the agent.status query.
func (m *Manager) Statuses() map[string]Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]Status, len(m.sessions))
	for agentID, session := range m.sessions {
		out[agentID] = session.Snapshot()
	}
	return out
}

// Sessions returns the live sessions, for state persistence.
func (m *Manager) Sessions() map[string]*Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]*Session, len(m.sessions))
	for agentID, session := range m.sessions {
		out[agentID] = session
	}
	return out
}

// ActiveModels reports the live loop index's model bindings.
func (m *Manager) ActiveModels() map[string]string {
	return m.loops.ActiveModels()
}

// Shutdown stops every session and waits for the processors to drain.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	agentIDs := make([]string, 0, len(m.sessions))
	for agentID := range m.sessions {
		agentIDs = append(agentIDs, agentID)
	}
	m.mu.Unlock()

	for _, agentID := range agentIDs {
		if err := m.StopAgent(agentID); err != nil && err != ErrSessionStopped {
			slog.Warn("Failed to stop agent", "agent_id", agentID, "error", err)
		}
	}

	if m.cancelAll != nil {
		m.cancelAll()
	}
	if m.group == nil {
		return nil
	}

	done := make(chan error, 1)
	go func() { done <- m.group.Wait() }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) session(agentID string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	session, ok := m.sessions[agentID]
	if !ok {
		return nil, fmt.Errorf("unknown agent: %s", agentID)
	}
	return session, nil
}

func (m *Manager) notify(method string, params map[string]any) {
	if m.notifier == nil {
		return
	}
	m.notifier(ailoop.Notification{Method: method, Params: params})
}
