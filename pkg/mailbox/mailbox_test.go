package mailbox

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSendAndCheck(t *testing.T) {
	mb := New()

	id := mb.Send(Mail{FromAgent: "alice", ToAgent: "bob", Subject: "hi", Body: "hello"})
	require.NotEmpty(t, id)
	assert.Equal(t, 1, mb.UnreadCount("bob"))

	unread := mb.Check("bob")
	require.Len(t, unread, 1)
	assert.Equal(t, "hi", unread[0].Subject)
	assert.Equal(t, StatusRead, unread[0].Status)

	// Check marks read atomically; a second check sees nothing.
	assert.Empty(t, mb.Check("bob"))
	assert.Equal(t, 0, mb.UnreadCount("bob"))
}

func TestFIFODelivery(t *testing.T) {
	mb := New()
	for _, subject := range []string{"first", "second", "third"} {
		mb.Send(Mail{FromAgent: "alice", ToAgent: "bob", Subject: subject})
	}

	unread := mb.Check("bob")
	require.Len(t, unread, 3)
	assert.Equal(t, "first", unread[0].Subject)
	assert.Equal(t, "second", unread[1].Subject)
	assert.Equal(t, "third", unread[2].Subject)

	// Timestamps are non-decreasing with delivery order.
	assert.False(t, unread[1].Timestamp.Before(unread[0].Timestamp))
	assert.False(t, unread[2].Timestamp.Before(unread[1].Timestamp))
}

func TestDefaultPriority(t *testing.T) {
	mb := New()
	id := mb.Send(Mail{FromAgent: "a", ToAgent: "b"})
	mail, ok := mb.Get(id)
	require.True(t, ok)
	assert.Equal(t, PriorityNormal, mail.Priority)
}

func TestGetAllFilters(t *testing.T) {
	mb := New()
	id1 := mb.Send(Mail{ToAgent: "bob", Subject: "unread"})
	id2 := mb.Send(Mail{ToAgent: "bob", Subject: "read"})
	id3 := mb.Send(Mail{ToAgent: "bob", Subject: "archived"})
	mb.MarkRead(id2)
	require.True(t, mb.Archive(id3))

	onlyUnread := mb.GetAll("bob", false, false)
	require.Len(t, onlyUnread, 1)
	assert.Equal(t, id1, onlyUnread[0].MessageID)

	withRead := mb.GetAll("bob", true, false)
	assert.Len(t, withRead, 2)

	everything := mb.GetAll("bob", true, true)
	assert.Len(t, everything, 3)
}

func TestReply(t *testing.T) {
	mb := New()
	originalID := mb.Send(Mail{FromAgent: "alice", ToAgent: "bob", Subject: "question"})

	replyID := mb.Reply(originalID, Mail{FromAgent: "bob", Subject: "Re: question"})
	require.NotEmpty(t, replyID)

	original, _ := mb.Get(originalID)
	assert.Equal(t, StatusReplied, original.Status)

	reply, _ := mb.Get(replyID)
	assert.Equal(t, originalID, reply.ReplyTo)
	assert.Equal(t, "alice", reply.ToAgent) // defaulted to the original sender

	assert.Empty(t, mb.Reply("missing", Mail{}))
}

func TestThread(t *testing.T) {
	mb := New()
	rootID := mb.Send(Mail{FromAgent: "alice", ToAgent: "bob", Subject: "start"})
	reply1 := mb.Reply(rootID, Mail{FromAgent: "bob", Subject: "Re: start"})
	reply2 := mb.Reply(reply1, Mail{FromAgent: "alice", Subject: "Re: Re: start"})
	mb.Send(Mail{FromAgent: "carol", ToAgent: "bob", Subject: "unrelated"})

	// Thread is reachable from any member.
	for _, start := range []string{rootID, reply1, reply2} {
		thread := mb.Thread(start)
		require.Len(t, thread, 3, "from %s", start)
		assert.Equal(t, rootID, thread[0].MessageID)
		assert.Equal(t, reply1, thread[1].MessageID)
		assert.Equal(t, reply2, thread[2].MessageID)
	}

	assert.Nil(t, mb.Thread("missing"))
}

func TestOnNewMail(t *testing.T) {
	mb := New()

	var received []Mail
	mb.OnNewMail("bob", func(mail Mail) {
		received = append(received, mail)
	})

	mb.Send(Mail{FromAgent: "alice", ToAgent: "bob", Subject: "ping"})
	mb.Send(Mail{FromAgent: "alice", ToAgent: "carol", Subject: "not for bob"})

	require.Len(t, received, 1)
	assert.Equal(t, "ping", received[0].Subject)
}

func TestUnreadCountInvariant(t *testing.T) {
	mb := New()
	var ids []string
	for i := 0; i < 5; i++ {
		ids = append(ids, mb.Send(Mail{ToAgent: "bob"}))
	}
	assert.Equal(t, 5, mb.UnreadCount("bob"))

	mb.MarkRead(ids[0])
	assert.Equal(t, 4, mb.UnreadCount("bob"))

	mb.Archive(ids[1])
	assert.Equal(t, 3, mb.UnreadCount("bob"))

	mb.Check("bob")
	assert.Equal(t, 0, mb.UnreadCount("bob"))
}
