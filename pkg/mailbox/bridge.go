package mailbox

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

const taskRequestSubjectPrefix = "Task Request: "

// IsTaskRequest reports whether the mail carries a synchronous task request
// that should be executed and replied to instead of prompting the agent.
func IsTaskRequest(mail Mail) bool {
	return strings.HasPrefix(mail.Subject, taskRequestSubjectPrefix)
}

// ResponseStatus is the outcome of a synchronous task request.
type ResponseStatus string

const (
	ResponseCompleted ResponseStatus = "completed"
	ResponseError     ResponseStatus = "error"
	ResponseTimeout   ResponseStatus = "timeout"
)

// TaskRequest is the JSON body of a request mail.
type TaskRequest struct {
	RequestID      string         `json:"request_id"`
	Task           string         `json:"task"`
	Parameters     map[string]any `json:"parameters,omitempty"`
	TimeoutSeconds float64        `json:"timeout"`
}

// TaskResponse is the JSON body of a reply mail.
type TaskResponse struct {
	RequestID string         `json:"request_id"`
	Status    ResponseStatus `json:"status"`
	Result    any            `json:"result,omitempty"`
	Error     string         `json:"error,omitempty"`
}

// ToolInvoker executes a named tool. The tool registry satisfies this.
type ToolInvoker interface {
	Execute(ctx context.Context, name string, arguments map[string]any) (any, error)
}

// Bridge lets one agent call another synchronously over the mailbox: a
// request mail out, a polled reply mail back, correlated by request id.
type Bridge struct {
	mailbox *Mailbox

	mu          sync.Mutex
	outstanding map[string]TaskRequest

	// PollInterval tunes the reply polling cadence; tests shorten it.
	PollInterval time.Duration
}

func NewBridge(mailbox *Mailbox) *Bridge {
	return &Bridge{
		mailbox:      mailbox,
		outstanding:  make(map[string]TaskRequest),
		PollInterval: 100 * time.Millisecond,
	}
}

// SendRequest mails a task request to another agent and records it as
// outstanding. The returned request id correlates the eventual reply.
func (b *Bridge) SendRequest(fromAgent, toAgent, task string, parameters map[string]any, timeout time.Duration) (string, error) {
	req := TaskRequest{
		RequestID:      uuid.NewString(),
		Task:           task,
		Parameters:     parameters,
		TimeoutSeconds: timeout.Seconds(),
	}
	body, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("failed to encode task request: %w", err)
	}

	b.mu.Lock()
	b.outstanding[req.RequestID] = req
	b.mu.Unlock()

	b.mailbox.Send(Mail{
		FromAgent: fromAgent,
		ToAgent:   toAgent,
		Subject:   taskRequestSubjectPrefix + task,
		Body:      string(body),
		Priority:  PriorityHigh,
	})
	return req.RequestID, nil
}

// WaitForResponse polls the caller's inbox for the reply matching requestID.
// The reply is marked read. On timeout the outstanding record is cleaned and
// a timeout-status response is returned.
func (b *Bridge) WaitForResponse(ctx context.Context, selfAgent, requestID string, timeout time.Duration) TaskResponse {
	deadline := time.Now().Add(timeout)

	for {
		if resp, ok := b.findResponse(selfAgent, requestID); ok {
			b.mu.Lock()
			delete(b.outstanding, requestID)
			b.mu.Unlock()
			return resp
		}

		if time.Now().After(deadline) || ctx.Err() != nil {
			b.mu.Lock()
			delete(b.outstanding, requestID)
			b.mu.Unlock()
			return TaskResponse{
				RequestID: requestID,
				Status:    ResponseTimeout,
				Error:     fmt.Sprintf("no response within %s", timeout),
			}
		}

		select {
		case <-ctx.Done():
		case <-time.After(b.PollInterval):
		}
	}
}

func (b *Bridge) findResponse(selfAgent, requestID string) (TaskResponse, bool) {
	for _, mail := range b.mailbox.GetAll(selfAgent, false, false) {
		if !strings.HasPrefix(mail.Subject, "Re: "+taskRequestSubjectPrefix) {
			continue
		}
		var resp TaskResponse
		if err := json.Unmarshal([]byte(mail.Body), &resp); err != nil {
			continue
		}
		if resp.RequestID != requestID {
			continue
		}
		b.mailbox.MarkRead(mail.MessageID)
		return resp, true
	}
	return TaskResponse{}, false
}

// ExecuteTaskRequest runs an incoming request mail on behalf of the
// recipient and mails the reply back. Task strings of the form
// "execute tool: <name>" dispatch through the invoker; anything else is an
// error reply.
func (b *Bridge) ExecuteTaskRequest(ctx context.Context, recipient string, requestMail Mail, invoker ToolInvoker) error {
	var req TaskRequest
	if err := json.Unmarshal([]byte(requestMail.Body), &req); err != nil {
		return fmt.Errorf("invalid task request body: %w", err)
	}

	resp := TaskResponse{RequestID: req.RequestID}

	switch {
	case strings.HasPrefix(req.Task, "execute tool: "):
		toolName := strings.TrimSpace(strings.TrimPrefix(req.Task, "execute tool: "))
		if invoker == nil {
			resp.Status = ResponseError
			resp.Error = "no tool invoker available"
			break
		}
		result, err := invoker.Execute(ctx, toolName, req.Parameters)
		if err != nil {
			resp.Status = ResponseError
			resp.Error = err.Error()
		} else {
			resp.Status = ResponseCompleted
			resp.Result = result
		}
	default:
		resp.Status = ResponseError
		resp.Error = fmt.Sprintf("unsupported task: %q", req.Task)
	}

	body, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("failed to encode task response: %w", err)
	}

	replyID := b.mailbox.Reply(requestMail.MessageID, Mail{
		FromAgent: recipient,
		ToAgent:   requestMail.FromAgent,
		Subject:   "Re: " + requestMail.Subject,
		Body:      string(body),
		Priority:  PriorityHigh,
	})
	if replyID == "" {
		return fmt.Errorf("original request mail %s not found", requestMail.MessageID)
	}

	slog.Debug("Task request handled", "recipient", recipient,
		"task", req.Task, "status", resp.Status)
	return nil
}
