// Package mailbox implements the in-process mail system agents use to talk
// to each other and to the user. Delivery is FIFO per recipient; the empty
// recipient addresses the user.
package mailbox

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/aiwhisperer/aiwhisperer/pkg/observability"
)

type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

type Status string

const (
	StatusUnread   Status = "unread"
	StatusRead     Status = "read"
	StatusReplied  Status = "replied"
	StatusArchived Status = "archived"
)

// Mail is one message between agents (or agent and user).
type Mail struct {
	MessageID string         `json:"message_id"`
	FromAgent string         `json:"from_agent"`
	ToAgent   string         `json:"to_agent"`
	Subject   string         `json:"subject"`
	Body      string         `json:"body"`
	Priority  Priority       `json:"priority"`
	Timestamp time.Time      `json:"timestamp"`
	Status    Status         `json:"status"`
	ReplyTo   string         `json:"reply_to,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// Handler is invoked on delivery. Handlers must not block; slow consumers
// should hand off to their own goroutine.
type Handler func(mail Mail)

// Mailbox is the process-wide mail store. All methods are safe for
// concurrent use.
type Mailbox struct {
	mu       sync.RWMutex
	inboxes  map[string][]*Mail
	byID     map[string]*Mail
	handlers map[string][]Handler
	lastTime time.Time
}

func New() *Mailbox {
	return &Mailbox{
		inboxes:  make(map[string][]*Mail),
		byID:     make(map[string]*Mail),
		handlers: make(map[string][]Handler),
	}
}

// Send delivers the mail and returns its assigned id. Zero-value fields are
// filled in: id, timestamp, default priority, unread status.
func (m *Mailbox) Send(mail Mail) string {
	m.mu.Lock()

	if mail.MessageID == "" {
		mail.MessageID = uuid.NewString()
	}
	if mail.Priority == "" {
		mail.Priority = PriorityNormal
	}
	mail.Status = StatusUnread

	// Timestamps are non-decreasing with delivery order even if the clock
	// steps backwards.
	now := time.Now().UTC()
	if now.Before(m.lastTime) {
		now = m.lastTime
	}
	m.lastTime = now
	mail.Timestamp = now

	stored := mail
	m.inboxes[mail.ToAgent] = append(m.inboxes[mail.ToAgent], &stored)
	m.byID[mail.MessageID] = &stored
	handlers := append([]Handler(nil), m.handlers[mail.ToAgent]...)
	m.mu.Unlock()

	observability.GetGlobalMetrics().RecordMailDelivered(context.Background(), mail.ToAgent)
	slog.Debug("Mail delivered", "from", mail.FromAgent, "to", mail.ToAgent,
		"subject", mail.Subject, "priority", mail.Priority)

	for _, handler := range handlers {
		handler(stored)
	}
	return mail.MessageID
}

// Check returns the recipient's unread mail in delivery order, atomically
// marking each as read.
func (m *Mailbox) Check(recipient string) []Mail {
	m.mu.Lock()
	defer m.mu.Unlock()

	var unread []Mail
	for _, mail := range m.inboxes[recipient] {
		if mail.Status == StatusUnread {
			mail.Status = StatusRead
			unread = append(unread, *mail)
		}
	}
	return unread
}

// GetAll returns the recipient's mail in delivery order without changing
// status. Read and archived mail are included only on request.
func (m *Mailbox) GetAll(recipient string, includeRead, includeArchived bool) []Mail {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []Mail
	for _, mail := range m.inboxes[recipient] {
		switch mail.Status {
		case StatusArchived:
			if !includeArchived {
				continue
			}
		case StatusRead, StatusReplied:
			if !includeRead {
				continue
			}
		}
		out = append(out, *mail)
	}
	return out
}

func (m *Mailbox) UnreadCount(recipient string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	count := 0
	for _, mail := range m.inboxes[recipient] {
		if mail.Status == StatusUnread {
			count++
		}
	}
	return count
}

// Get returns a mail by id without changing its status.
func (m *Mailbox) Get(id string) (Mail, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if mail, ok := m.byID[id]; ok {
		return *mail, true
	}
	return Mail{}, false
}

// MarkRead transitions a single mail unread -> read.
func (m *Mailbox) MarkRead(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	mail, ok := m.byID[id]
	if !ok {
		return false
	}
	if mail.Status == StatusUnread {
		mail.Status = StatusRead
	}
	return true
}

// Reply sends reply as a response to originalID, linking the thread and
// marking the original as replied. Returns the reply's id; empty when the
// original does not exist.
func (m *Mailbox) Reply(originalID string, reply Mail) string {
	m.mu.Lock()
	original, ok := m.byID[originalID]
	if !ok {
		m.mu.Unlock()
		return ""
	}
	original.Status = StatusReplied
	reply.ReplyTo = originalID
	if reply.ToAgent == "" {
		reply.ToAgent = original.FromAgent
	}
	m.mu.Unlock()

	return m.Send(reply)
}

// Archive hides the mail from normal listings.
func (m *Mailbox) Archive(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	mail, ok := m.byID[id]
	if !ok {
		return false
	}
	mail.Status = StatusArchived
	return true
}

// Thread returns every mail reachable from id over reply_to links (in both
// directions), ordered by timestamp.
func (m *Mailbox) Thread(id string) []Mail {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if _, ok := m.byID[id]; !ok {
		return nil
	}

	// Walk to the thread root, then collect the closure over replies.
	root := id
	for {
		mail := m.byID[root]
		if mail.ReplyTo == "" {
			break
		}
		if _, ok := m.byID[mail.ReplyTo]; !ok {
			break
		}
		root = mail.ReplyTo
	}

	inThread := map[string]bool{root: true}
	changed := true
	for changed {
		changed = false
		for mailID, mail := range m.byID {
			if !inThread[mailID] && mail.ReplyTo != "" && inThread[mail.ReplyTo] {
				inThread[mailID] = true
				changed = true
			}
		}
	}

	var thread []Mail
	for mailID := range inThread {
		thread = append(thread, *m.byID[mailID])
	}
	sort.Slice(thread, func(i, j int) bool {
		if thread[i].Timestamp.Equal(thread[j].Timestamp) {
			return thread[i].MessageID < thread[j].MessageID
		}
		return thread[i].Timestamp.Before(thread[j].Timestamp)
	})
	return thread
}

// OnNewMail registers a delivery handler for the recipient.
func (m *Mailbox) OnNewMail(recipient string, handler Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[recipient] = append(m.handlers[recipient], handler)
}
