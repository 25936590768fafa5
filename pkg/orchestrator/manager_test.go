package orchestrator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aiwhisperer/aiwhisperer/pkg/ailoop"
	"github.com/aiwhisperer/aiwhisperer/pkg/continuation"
	"github.com/aiwhisperer/aiwhisperer/pkg/llm"
	"github.com/aiwhisperer/aiwhisperer/pkg/mailbox"
	"github.com/aiwhisperer/aiwhisperer/pkg/memory"
	"github.com/aiwhisperer/aiwhisperer/pkg/tools"
)

// scriptedStreamer replays responses in order, then repeats the last one.
type scriptedStreamer struct {
	mu        sync.Mutex
	responses []string
	calls     int
}

func (s *scriptedStreamer) Model() string { return "openai/gpt-4o" }

func (s *scriptedStreamer) Stream(ctx context.Context, req llm.Request) (<-chan llm.StreamChunk, error) {
	s.mu.Lock()
	idx := s.calls
	if idx >= len(s.responses) {
		idx = len(s.responses) - 1
	}
	text := "done"
	if idx >= 0 {
		text = s.responses[idx]
	}
	s.calls++
	s.mu.Unlock()

	ch := make(chan llm.StreamChunk, 2)
	ch <- llm.StreamChunk{DeltaContent: text}
	ch <- llm.StreamChunk{FinishReason: llm.FinishStop}
	close(ch)
	return ch, nil
}

type notificationLog struct {
	mu      sync.Mutex
	entries []ailoop.Notification
}

func (n *notificationLog) record(notification ailoop.Notification) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.entries = append(n.entries, notification)
}

func (n *notificationLog) methods() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]string, 0, len(n.entries))
	for _, e := range n.entries {
		out = append(out, e.Method)
	}
	return out
}

func (n *notificationLog) has(method string) bool {
	for _, m := range n.methods() {
		if m == method {
			return true
		}
	}
	return false
}

func shortTiming() Timing {
	return Timing{
		TaskWait:     20 * time.Millisecond,
		SleepPollMin: 10 * time.Millisecond,
		SleepPollMax: 20 * time.Millisecond,
	}
}

func newTestManager(t *testing.T, responses ...string) (*Manager, *mailbox.Mailbox, *notificationLog) {
	t.Helper()

	mb := mailbox.New()
	store := memory.NewStore(nil)
	registry := tools.NewRegistry()
	log := &notificationLog{}

	factory := func(modelID string, params llm.GenerationParams) ailoop.Streamer {
		return &scriptedStreamer{responses: responses}
	}
	loops := ailoop.NewManager(store, registry, factory,
		ailoop.AgentConfig{Model: "openai/gpt-4o"},
		continuation.DefaultConfig(), log.record)

	mgr := NewManager(loops, mb, log.record, shortTiming())
	mgr.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = mgr.Shutdown(ctx)
	})
	return mgr, mb, log
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met within timeout")
}

func TestCreateAgentAndSendTask(t *testing.T) {
	mgr, mb, log := newTestManager(t, "task finished")

	session, err := mgr.CreateAgent("alice", nil)
	require.NoError(t, err)
	assert.Equal(t, StateIdle, session.State())
	assert.True(t, log.has("agent_created"))

	taskID, err := mgr.SendTask("alice", "do the thing", TaskContext{})
	require.NoError(t, err)
	require.NotEmpty(t, taskID)

	waitFor(t, 2*time.Second, func() bool { return log.has("async.task.completed") })
	assert.True(t, log.has("async.task.started"))

	// The result was mailed to the user.
	waitFor(t, time.Second, func() bool { return mb.UnreadCount("") > 0 })
	inbox := mb.Check("")
	require.Len(t, inbox, 1)
	assert.Equal(t, "task finished", inbox[0].Body)
	assert.Equal(t, "alice", inbox[0].FromAgent)
}

func TestDuplicateAgentRejected(t *testing.T) {
	mgr, _, _ := newTestManager(t)
	_, err := mgr.CreateAgent("alice", nil)
	require.NoError(t, err)
	_, err = mgr.CreateAgent("alice", nil)
	assert.Error(t, err)
}

func TestSendTaskUnknownAgent(t *testing.T) {
	mgr, _, _ := newTestManager(t)
	_, err := mgr.SendTask("ghost", "hi", TaskContext{})
	assert.Error(t, err)
}

func TestQueueOverflow(t *testing.T) {
	session := newSession("alice")
	for i := 0; i < taskQueueCap; i++ {
		require.NoError(t, session.enqueue(newTask(TaskDirect, "x", TaskContext{})))
	}
	err := session.enqueue(newTask(TaskDirect, "overflow", TaskContext{}))
	assert.True(t, errors.Is(err, ErrQueueFull))
}

func TestMailBecomesTask(t *testing.T) {
	mgr, mb, log := newTestManager(t, "handled the mail")
	_, err := mgr.CreateAgent("alice", nil)
	require.NoError(t, err)

	mb.Send(mailbox.Mail{FromAgent: "bob", ToAgent: "alice", Subject: "request", Body: "please help"})

	waitFor(t, 2*time.Second, func() bool { return log.has("async.task.completed") })

	// The task carried mail provenance.
	log.mu.Lock()
	defer log.mu.Unlock()
	var started map[string]any
	for _, e := range log.entries {
		if e.Method == "async.task.started" {
			started = e.Params
		}
	}
	require.NotNil(t, started)
	assert.Equal(t, string(TaskMail), started["type"])
}

func TestSleepAndManualWake(t *testing.T) {
	mgr, _, log := newTestManager(t)
	_, err := mgr.CreateAgent("alice", nil)
	require.NoError(t, err)

	require.NoError(t, mgr.Sleep("alice", 0, []string{WakeManual}))
	status, err := mgr.Status("alice")
	require.NoError(t, err)
	assert.Equal(t, StateSleeping, status.State)
	assert.Nil(t, status.SleepUntil)

	require.NoError(t, mgr.Wake("alice"))
	waitFor(t, 2*time.Second, func() bool {
		s, _ := mgr.Status("alice")
		return s.State != StateSleeping
	})
	assert.True(t, log.has("agent_woke"))
}

func TestTimerWake(t *testing.T) {
	mgr, _, log := newTestManager(t, "woke up")
	_, err := mgr.CreateAgent("alice", nil)
	require.NoError(t, err)

	require.NoError(t, mgr.Sleep("alice", 30*time.Millisecond, nil))
	waitFor(t, 2*time.Second, func() bool { return log.has("agent_woke") })

	// Timer expiry enqueues a timer_wake task.
	waitFor(t, 2*time.Second, func() bool { return log.has("async.task.completed") })
}

func TestHighPriorityMailWake(t *testing.T) {
	mgr, mb, log := newTestManager(t, "urgent handled")
	_, err := mgr.CreateAgent("alice", nil)
	require.NoError(t, err)

	require.NoError(t, mgr.Sleep("alice", 0, []string{WakeHighPriorityMail}))

	// Normal mail does not wake.
	mb.Send(mailbox.Mail{FromAgent: "bob", ToAgent: "alice", Subject: "later", Priority: mailbox.PriorityNormal})
	time.Sleep(50 * time.Millisecond)
	status, _ := mgr.Status("alice")
	assert.Equal(t, StateSleeping, status.State)

	// Urgent mail does.
	mb.Send(mailbox.Mail{FromAgent: "bob", ToAgent: "alice", Subject: "now", Priority: mailbox.PriorityUrgent})
	waitFor(t, 2*time.Second, func() bool { return log.has("agent_woke") })
}

func TestBroadcastWake(t *testing.T) {
	mgr, _, _ := newTestManager(t)
	_, err := mgr.CreateAgent("alice", nil)
	require.NoError(t, err)
	_, err = mgr.CreateAgent("bob", nil)
	require.NoError(t, err)

	require.NoError(t, mgr.Sleep("alice", 0, []string{"deploy_finished"}))
	require.NoError(t, mgr.Sleep("bob", 0, []string{WakeManual}))

	mgr.Broadcast("deploy_finished", map[string]any{"version": "1.2"})

	waitFor(t, 2*time.Second, func() bool {
		s, _ := mgr.Status("alice")
		return s.State != StateSleeping
	})
	// Bob was not subscribed to the event.
	status, _ := mgr.Status("bob")
	assert.Equal(t, StateSleeping, status.State)
}

func TestStopAgentIsTerminal(t *testing.T) {
	mgr, _, log := newTestManager(t)
	_, err := mgr.CreateAgent("alice", nil)
	require.NoError(t, err)

	require.NoError(t, mgr.StopAgent("alice"))
	assert.True(t, log.has("agent_stopped"))

	status, err := mgr.Status("alice")
	require.NoError(t, err)
	assert.Equal(t, StateStopped, status.State)

	_, err = mgr.SendTask("alice", "too late", TaskContext{})
	assert.True(t, errors.Is(err, ErrSessionStopped))

	// Stopping twice is harmless.
	require.NoError(t, mgr.StopAgent("alice"))
}

func TestContinuationTask(t *testing.T) {
	mgr, _, log := newTestManager(t,
		`{"status": "CONTINUE", "reason": "step 1 done"}`,
		"all finished")
	_, err := mgr.CreateAgent("alice", nil)
	require.NoError(t, err)

	_, err = mgr.SendTask("alice", "multi-step job", TaskContext{})
	require.NoError(t, err)

	waitFor(t, 2*time.Second, func() bool { return log.has("async.task.continuation") })

	// The continuation task itself completes too.
	waitFor(t, 2*time.Second, func() bool {
		count := 0
		for _, m := range log.methods() {
			if m == "async.task.completed" {
				count++
			}
		}
		return count >= 2
	})
}

func TestStatuses(t *testing.T) {
	mgr, _, _ := newTestManager(t)
	_, err := mgr.CreateAgent("alice", nil)
	require.NoError(t, err)
	_, err = mgr.CreateAgent("bob", nil)
	require.NoError(t, err)

	statuses := mgr.Statuses()
	require.Len(t, statuses, 2)
	assert.Equal(t, "alice", statuses["alice"].AgentID)
	assert.Equal(t, 0, statuses["alice"].ErrorCount)
}

func TestMailTaskRepliesToSender(t *testing.T) {
	mgr, mb, log := newTestManager(t, "ack")
	_, err := mgr.CreateAgent("bob", nil)
	require.NoError(t, err)

	originalID := mb.Send(mailbox.Mail{
		FromAgent: "alice", ToAgent: "bob", Subject: "ping", Body: "are you there?",
	})

	waitFor(t, 2*time.Second, func() bool { return log.has("async.task.completed") })
	waitFor(t, 2*time.Second, func() bool { return mb.UnreadCount("alice") > 0 })

	inbox := mb.Check("alice")
	require.Len(t, inbox, 1)
	assert.Equal(t, "bob", inbox[0].FromAgent)
	assert.Equal(t, "Re: ping", inbox[0].Subject)
	assert.Equal(t, "ack", inbox[0].Body)
	assert.Equal(t, originalID, inbox[0].ReplyTo)

	// The reply links the thread and marks the original replied.
	thread := mb.Thread(originalID)
	require.Len(t, thread, 2)
	assert.Equal(t, mailbox.StatusReplied, thread[0].Status)
	assert.Equal(t, "ping", thread[0].Subject)
	assert.Equal(t, "Re: ping", thread[1].Subject)
}

// stubInvoker stands in for the tool registry in bridge round trips.
type stubInvoker struct{}

func (stubInvoker) Execute(ctx context.Context, name string, arguments map[string]any) (any, error) {
	return map[string]any{"tool": name, "args": arguments}, nil
}

func TestTaskRequestMailIsExecutedAndAnswered(t *testing.T) {
	mgr, _, log := newTestManager(t)
	mgr.SetToolInvoker(stubInvoker{})
	_, err := mgr.CreateAgent("bob", nil)
	require.NoError(t, err)

	bridge := mgr.Bridge()
	bridge.PollInterval = 10 * time.Millisecond
	reqID, err := bridge.SendRequest("alice", "bob", "execute tool: echo",
		map[string]any{"x": float64(1)}, 2*time.Second)
	require.NoError(t, err)

	resp := bridge.WaitForResponse(context.Background(), "alice", reqID, 2*time.Second)
	require.Equal(t, mailbox.ResponseCompleted, resp.Status)

	result, ok := resp.Result.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "echo", result["tool"])

	// The request was executed directly, never prompted to the agent.
	assert.False(t, log.has("async.task.started"))
}

func TestPendingTasksConcurrentDequeue(t *testing.T) {
	session := newSession("alice")
	for i := 0; i < 50; i++ {
		require.NoError(t, session.enqueue(newTask(TaskDirect, "x", TaskContext{})))
	}
	require.Len(t, session.PendingTasks(), 50)

	// Snapshots must not block while another goroutine drains and refills
	// the queue the way a processor does.
	drained := make(chan struct{})
	go func() {
		defer close(drained)
		for i := 0; i < 200; i++ {
			select {
			case task := <-session.queue:
				_ = session.enqueue(task)
			default:
			}
		}
	}()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 500; i++ {
			session.PendingTasks()
		}
	}()

	for _, ch := range []chan struct{}{drained, done} {
		select {
		case <-ch:
		case <-time.After(2 * time.Second):
			t.Fatal("queue snapshot blocked during concurrent dequeue")
		}
	}
	assert.Len(t, session.PendingTasks(), 50)
}

func TestStopAgentEmitsSessionEnded(t *testing.T) {
	mgr, _, log := newTestManager(t)
	_, err := mgr.CreateAgent("alice", nil)
	require.NoError(t, err)
	require.NoError(t, mgr.StopAgent("alice"))

	log.mu.Lock()
	defer log.mu.Unlock()
	var ended map[string]any
	for _, e := range log.entries {
		if e.Method == "session_ended" {
			ended = e.Params
		}
	}
	require.NotNil(t, ended)
	assert.Equal(t, "alice", ended["agent_id"])
	assert.Equal(t, "stopped", ended["reason"])
}

func TestShutdown(t *testing.T) {
	mgr, _, _ := newTestManager(t)
	_, err := mgr.CreateAgent("alice", nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, mgr.Shutdown(ctx))

	status, err := mgr.Status("alice")
	require.NoError(t, err)
	assert.Equal(t, StateStopped, status.State)
}
