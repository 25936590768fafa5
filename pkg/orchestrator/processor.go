package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/aiwhisperer/aiwhisperer/pkg/ailoop"
	"github.com/aiwhisperer/aiwhisperer/pkg/continuation"
	"github.com/aiwhisperer/aiwhisperer/pkg/mailbox"
	"github.com/aiwhisperer/aiwhisperer/pkg/observability"
	"github.com/aiwhisperer/aiwhisperer/pkg/protocol"
)

// runProcessor is the per-agent scheduling loop. It owns every state
// transition of its session.
func (m *Manager) runProcessor(ctx context.Context, session *Session, cfg *ailoop.AgentConfig) {
	agentID := session.AgentID
	slog.Debug("Processor started", "agent_id", agentID)
	defer slog.Debug("Processor exited", "agent_id", agentID)

	for {
		select {
		case <-ctx.Done():
			return
		case <-session.stopCh:
			return
		default:
		}

		if session.State() == StateSleeping {
			m.handleSleeping(ctx, session)
			continue
		}

		// Unread mail becomes a mail task before regular dequeue.
		m.drainMail(ctx, session)

		task := m.dequeue(ctx, session)
		if task == nil {
			continue
		}
		m.runTask(ctx, session, cfg, task)
	}
}

// drainMail turns unread mail into mail tasks with a pre-formatted prompt.
// Synchronous task requests are executed and replied to immediately instead
// of prompting the agent.
func (m *Manager) drainMail(ctx context.Context, session *Session) {
	for _, mail := range m.mailbox.Check(session.AgentID) {
		if mailbox.IsTaskRequest(mail) {
			if err := m.bridge.ExecuteTaskRequest(ctx, session.AgentID, mail, m.toolInvoker()); err != nil {
				slog.Warn("Task request failed",
					"agent_id", session.AgentID, "mail_id", mail.MessageID, "error", err)
			}
			continue
		}

		prompt := fmt.Sprintf(
			"You have received mail.\nFrom: %s\nSubject: %s\n\n%s",
			mail.FromAgent, mail.Subject, mail.Body)
		task := newTask(TaskMail, prompt, TaskContext{
			FromAgent: mail.FromAgent,
			Priority:  string(mail.Priority),
			MailID:    mail.MessageID,
			Subject:   mail.Subject,
		})
		if err := session.enqueue(task); err != nil {
			slog.Warn("Dropping mail task, queue full",
				"agent_id", session.AgentID, "mail_id", mail.MessageID)
		}
	}
}

// dequeue waits briefly for a task; nil means the iteration was idle.
func (m *Manager) dequeue(ctx context.Context, session *Session) *Task {
	select {
	case task := <-session.queue:
		return task
	case event := <-session.wakeCh:
		// Wake signals can arrive while awake; they only matter asleep, but
		// record them so a racing sleep is not missed.
		slog.Debug("Wake signal while awake", "agent_id", session.AgentID, "event", event)
		return nil
	case <-session.stopCh:
		return nil
	case <-ctx.Done():
		return nil
	case <-time.After(m.timing.TaskWait):
		return nil
	}
}

// handleSleeping polls at reduced cadence until the timer expires or a
// subscribed wake event arrives.
func (m *Manager) handleSleeping(ctx context.Context, session *Session) {
	poll := m.timing.SleepPollMin

	session.mu.Lock()
	until := session.sleepUntil
	session.mu.Unlock()

	if until != nil {
		remaining := time.Until(*until)
		if remaining <= 0 {
			m.wakeSession(session, "timer expired", TaskTimerWake)
			return
		}
		if remaining < poll {
			poll = remaining
		}
	}
	if poll > m.timing.SleepPollMax {
		poll = m.timing.SleepPollMax
	}

	select {
	case <-ctx.Done():
	case <-session.stopCh:
	case event := <-session.wakeCh:
		m.wakeSession(session, event, TaskWakeEvent)
	case <-time.After(poll):
		// Sleeping agents still glance at their mailbox.
		if session.wantsWake(WakeMailReceived) && m.mailbox.UnreadCount(session.AgentID) > 0 {
			m.wakeSession(session, WakeMailReceived, TaskWakeEvent)
		}
	}
}

func (m *Manager) wakeSession(session *Session, reason string, taskType TaskType) {
	session.wake()
	m.notify("agent_woke", map[string]any{
		"agent_id": session.AgentID,
		"reason":   reason,
	})

	if taskType == TaskTimerWake {
		task := newTask(TaskTimerWake, "Your sleep timer expired. Review your situation and continue.", TaskContext{})
		if err := session.enqueue(task); err != nil {
			slog.Warn("Dropping timer wake task", "agent_id", session.AgentID)
		}
	}
}

// runTask drives one task through the agent's AI loop.
func (m *Manager) runTask(ctx context.Context, session *Session, cfg *ailoop.AgentConfig, task *Task) {
	agentID := session.AgentID
	session.setCurrent(task)
	defer session.setCurrent(nil)

	m.notify("async.task.started", map[string]any{
		"agent_id": agentID,
		"task_id":  task.ID,
		"type":     string(task.Type),
	})

	loop := m.loops.GetOrCreate(ctx, agentID, cfg)
	if !task.Context.Continuation {
		loop.Continuation().Reset()
	}

	start := time.Now()
	result, err := loop.ProcessMessage(ctx, protocol.NewUserMessage(task.Prompt))
	duration := time.Since(start)
	observability.GetGlobalMetrics().RecordTaskProcessed(ctx, agentID, string(task.Type), duration, err)

	if err != nil {
		count := session.incrementErrors()
		m.notify("async.task.error", map[string]any{
			"agent_id":    agentID,
			"task_id":     task.ID,
			"error":       err.Error(),
			"error_count": count,
		})
		m.notify("agent_error", map[string]any{
			"agent_id": agentID,
			"error":    err.Error(),
		})
		slog.Warn("Task failed", "agent_id", agentID, "task_id", task.ID, "error", err)
		return
	}

	m.notify("async.task.completed", map[string]any{
		"agent_id": agentID,
		"task_id":  task.ID,
		"result":   result.Final,
	})

	m.maybeContinue(session, loop, task, result)

	// Mail tasks reply to the sender so the thread grows; direct task
	// results addressed to the user go out as fresh mail.
	switch {
	case task.Type == TaskMail && task.Context.FromAgent != "" && result.Final != "":
		replyID := m.mailbox.Reply(task.Context.MailID, mailbox.Mail{
			FromAgent: agentID,
			ToAgent:   task.Context.FromAgent,
			Subject:   "Re: " + task.Context.Subject,
			Body:      result.Final,
		})
		if replyID == "" {
			slog.Warn("Original mail gone, reply dropped",
				"agent_id", agentID, "mail_id", task.Context.MailID)
		}
	case task.Type == TaskDirect && task.Context.FromAgent == "" && result.Final != "":
		m.mailbox.Send(mailbox.Mail{
			FromAgent: agentID,
			ToAgent:   "",
			Subject:   "Task result",
			Body:      result.Final,
		})
	}
}

// maybeContinue consults the continuation controller and enqueues a
// continuation task when the agent should keep going autonomously.
func (m *Manager) maybeContinue(session *Session, loop *ailoop.Loop, task *Task, result ailoop.Result) {
	decision := loop.Continuation().Evaluate(result.Final, result.ToolCalls)
	if decision.Status != continuation.StatusContinue {
		return
	}

	prompt := "Continue with the current task."
	if decision.Signal != nil && decision.Signal.NextAction != nil {
		prompt = fmt.Sprintf("Continue with the current task. Next action: %s %s.",
			decision.Signal.NextAction.Type, decision.Signal.NextAction.Tool)
	}

	next := newTask(TaskContinuation, prompt, TaskContext{
		ParentTask:   task.ID,
		Continuation: true,
	})
	if err := session.enqueue(next); err != nil {
		slog.Warn("Dropping continuation task, queue full", "agent_id", session.AgentID)
		return
	}
	m.notify("async.task.continuation", map[string]any{
		"agent_id":  session.AgentID,
		"task_id":   next.ID,
		"parent":    task.ID,
		"reason":    decision.Reason,
		"iteration": loop.Continuation().Iteration(),
	})
}
