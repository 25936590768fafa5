package tools

import (
	"context"
	"fmt"

	"github.com/aiwhisperer/aiwhisperer/pkg/mailbox"
)

// SendMailTool lets an agent send mail to another agent or the user.
type SendMailTool struct {
	mailbox *mailbox.Mailbox
}

func NewSendMailTool(mb *mailbox.Mailbox) *SendMailTool {
	return &SendMailTool{mailbox: mb}
}

func (t *SendMailTool) Name() string     { return "send_mail" }
func (t *SendMailTool) Category() string { return "communication" }
func (t *SendMailTool) Tags() []string   { return []string{"communication", "mail"} }
func (t *SendMailTool) Description() string {
	return "Send a mail message to another agent or to the user"
}

func (t *SendMailTool) PromptInstructions() string {
	return "Use send_mail to communicate with other agents. " +
		"Leave to_agent empty to address the user. " +
		"Set priority to high or urgent to wake sleeping recipients."
}

func (t *SendMailTool) ParametersSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"to_agent": map[string]any{
				"type":        "string",
				"description": "Recipient agent id; empty addresses the user",
			},
			"subject": map[string]any{
				"type":        "string",
				"description": "Mail subject",
			},
			"body": map[string]any{
				"type":        "string",
				"description": "Mail body",
			},
			"priority": map[string]any{
				"type":        "string",
				"enum":        []string{"low", "normal", "high", "urgent"},
				"description": "Delivery priority (default normal)",
			},
		},
		"required": []string{"subject", "body"},
	}
}

func (t *SendMailTool) Execute(ctx context.Context, args map[string]any) (map[string]any, error) {
	subject, err := stringArg(args, "subject")
	if err != nil {
		return errorResult(err), err
	}
	body, err := stringArg(args, "body")
	if err != nil {
		return errorResult(err), err
	}

	priority := mailbox.Priority(optionalString(args, "priority", string(mailbox.PriorityNormal)))
	switch priority {
	case mailbox.PriorityLow, mailbox.PriorityNormal, mailbox.PriorityHigh, mailbox.PriorityUrgent:
	default:
		err = fmt.Errorf("%w: unknown priority %q", ErrInvalidArguments, priority)
		return errorResult(err), err
	}

	id := t.mailbox.Send(mailbox.Mail{
		FromAgent: AgentID(ctx),
		ToAgent:   optionalString(args, "to_agent", ""),
		Subject:   subject,
		Body:      body,
		Priority:  priority,
	})

	return map[string]any{
		"message_id": id,
		"delivered":  true,
	}, nil
}

// CheckMailTool returns the calling agent's unread mail, marking it read.
type CheckMailTool struct {
	mailbox *mailbox.Mailbox
}

func NewCheckMailTool(mb *mailbox.Mailbox) *CheckMailTool {
	return &CheckMailTool{mailbox: mb}
}

func (t *CheckMailTool) Name() string     { return "check_mail" }
func (t *CheckMailTool) Category() string { return "communication" }
func (t *CheckMailTool) Tags() []string   { return []string{"communication", "mail"} }
func (t *CheckMailTool) Description() string {
	return "Check your inbox for unread mail; returned messages are marked read"
}

func (t *CheckMailTool) PromptInstructions() string {
	return "Use check_mail to pick up messages other agents sent you. " +
		"Reading is destructive of the unread flag: a second call returns " +
		"only mail that arrived in between."
}

func (t *CheckMailTool) ParametersSchema() map[string]any {
	return map[string]any{
		"type":       "object",
		"properties": map[string]any{},
		"required":   []string{},
	}
}

func (t *CheckMailTool) Execute(ctx context.Context, args map[string]any) (map[string]any, error) {
	agentID := AgentID(ctx)
	unread := t.mailbox.Check(agentID)

	messages := make([]map[string]any, 0, len(unread))
	for _, mail := range unread {
		messages = append(messages, map[string]any{
			"message_id": mail.MessageID,
			"from":       mail.FromAgent,
			"subject":    mail.Subject,
			"body":       mail.Body,
			"priority":   string(mail.Priority),
			"timestamp":  mail.Timestamp,
		})
	}

	return map[string]any{
		"messages": messages,
		"count":    len(messages),
	}, nil
}
