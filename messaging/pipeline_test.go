package messaging

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/karthikraju391/hackmate/models"
	"github.com/karthikraju391/hackmate/session"
)

func TestNewRequiresSession(t *testing.T) {
	_, err := New(Options{})
	require.Error(t, err)
}

func TestSendMessageDuplicateGuard(t *testing.T) {
	p, _, _ := newTestPipeline(t, session.Connected)

	_, err := p.SendMessage(team, "hello")
	require.NoError(t, err)

	_, err = p.SendMessage(team, "  hello ")
	require.ErrorIs(t, err, ErrDuplicate)

	var verr *ValidationError
	require.True(t, errors.As(err, &verr))
	require.Equal(t, CodeDuplicate, verr.Code)

	_, err = p.SendMessage(team, "hi")
	require.NoError(t, err)
	require.Len(t, p.Messages(), 2)
}

func TestDuplicateGuardComparesOnlyMostRecent(t *testing.T) {
	p, sess, _ := newTestPipeline(t, session.Connected)

	_, err := p.SendMessage(team, "hello")
	require.NoError(t, err)
	_, err = p.SendMessage(team, "hi")
	require.NoError(t, err)
	_, err = p.SendMessage(team, "hello")
	require.NoError(t, err)

	// a message from someone else in between does not reset the guard
	sess.deliver(t, models.FrameMessage, wire("srv-9", "", "u-other", "hello", 9))
	_, err = p.SendMessage(team, "hello")
	require.ErrorIs(t, err, ErrDuplicate)
}

func TestSendMessageLengthLimits(t *testing.T) {
	p, _, _ := newTestPipeline(t, session.Connected)

	_, err := p.SendMessage(team, strings.Repeat("a", MaxTextLength+1))
	require.ErrorIs(t, err, ErrTooLong)

	_, err = p.SendMessage(team, strings.Repeat("a", MaxTextLength))
	require.NoError(t, err)

	// characters, not bytes
	_, err = p.SendMessage(team, strings.Repeat("é", MaxTextLength))
	require.NoError(t, err)

	_, err = p.SendMessage(team, "   \n\t")
	require.ErrorIs(t, err, ErrEmpty)
}

func TestRejectedSendNeverReachesTransport(t *testing.T) {
	p, sess, _ := newTestPipeline(t, session.Connected)

	_, err := p.SendMessage(team, "")
	require.Error(t, err)
	_, err = p.SendMessage("team-2", "wrong room")
	require.ErrorIs(t, err, ErrRoomNotActive)

	require.Empty(t, sess.frames(models.FrameSend))
	require.Empty(t, p.Messages())
}

func TestSendRequiresIdentity(t *testing.T) {
	p, _, _ := newTestPipeline(t, session.Connected)
	p.SetIdentity("", "")

	_, err := p.SendMessage(team, "hello")
	require.ErrorIs(t, err, ErrNoIdentity)
}

func TestSendAppendsOptimisticallyAndWrites(t *testing.T) {
	p, sess, clk := newTestPipeline(t, session.Connected)

	msg, err := p.SendMessage(team, " hello ")
	require.NoError(t, err)
	require.Equal(t, "hello", msg.Text)
	require.Equal(t, models.StatusSent, msg.Status)
	require.Equal(t, localUser, msg.SenderID)
	require.Equal(t, clk.t, msg.SentAt)
	require.NotEmpty(t, msg.ClientID)

	frames := sess.frames(models.FrameSend)
	require.Len(t, frames, 1)
	var payload models.SendPayload
	require.NoError(t, frames[0].Decode(&payload))
	require.Equal(t, models.SendPayload{TeamID: team, ClientMessageID: msg.ClientID, Body: "hello"}, payload)
}

func TestLocalIDsIncrease(t *testing.T) {
	p, _, _ := newTestPipeline(t, session.Connected)

	a, err := p.SendMessage(team, "one")
	require.NoError(t, err)
	b, err := p.SendMessage(team, "two")
	require.NoError(t, err)
	require.Less(t, a.ID, b.ID)
}

func TestAckMarksDeliveredAndReconcilesServerID(t *testing.T) {
	p, sess, _ := newTestPipeline(t, session.Connected)
	msg, err := p.SendMessage(team, "hello")
	require.NoError(t, err)

	sess.deliver(t, models.FrameAck, models.AckPayload{ClientMessageID: msg.ClientID, MessageID: "srv-1", SequenceID: 4})

	got := p.Messages()[0]
	require.Equal(t, models.StatusDelivered, got.Status)
	require.Equal(t, "srv-1", got.ServerID)
	require.Equal(t, int64(4), got.Sequence)
	require.Equal(t, msg.ID, got.ID)
}

func TestEchoOfLocalSendDoesNotAppend(t *testing.T) {
	p, sess, _ := newTestPipeline(t, session.Connected)
	msg, err := p.SendMessage(team, "hello")
	require.NoError(t, err)

	sess.deliver(t, models.FrameMessage, wire("srv-1", msg.ClientID, localUser, "hello", 1))
	sess.deliver(t, models.FrameAck, models.AckPayload{ClientMessageID: msg.ClientID, MessageID: "srv-1", SequenceID: 1})

	msgs := p.Messages()
	require.Len(t, msgs, 1)
	require.Equal(t, models.StatusDelivered, msgs[0].Status)
}

func TestInboundMessagesKeepArrivalOrder(t *testing.T) {
	p, sess, _ := newTestPipeline(t, session.Connected)

	sess.deliver(t, models.FrameMessage, wire("srv-2", "", "u-b", "second by sequence", 2))
	_, err := p.SendMessage(team, "mine")
	require.NoError(t, err)
	sess.deliver(t, models.FrameMessage, wire("srv-1", "", "u-a", "first by sequence", 1))

	var texts []string
	for _, m := range p.Messages() {
		texts = append(texts, m.Text)
	}
	require.Equal(t, []string{"second by sequence", "mine", "first by sequence"}, texts)
	require.Equal(t, models.StatusDelivered, p.Messages()[0].Status)
}

func TestInboundForOtherRoomIgnored(t *testing.T) {
	p, sess, _ := newTestPipeline(t, session.Connected)

	payload := wire("srv-1", "", "u-b", "elsewhere", 1)
	payload.Message.TeamID = "team-2"
	sess.deliver(t, models.FrameMessage, payload)

	require.Empty(t, p.Messages())
}

func TestRepeatedInboundMessageAppendedOnce(t *testing.T) {
	p, sess, _ := newTestPipeline(t, session.Connected)

	sess.deliver(t, models.FrameMessage, wire("srv-1", "", "u-b", "hey", 1))
	sess.deliver(t, models.FrameMessage, wire("srv-1", "", "u-b", "hey", 1))

	require.Len(t, p.Messages(), 1)
}

func TestReceiptMarksOnlyRemoteMessagesSeen(t *testing.T) {
	p, sess, _ := newTestPipeline(t, session.Connected)
	mine, err := p.SendMessage(team, "mine")
	require.NoError(t, err)
	sess.deliver(t, models.FrameAck, models.AckPayload{ClientMessageID: mine.ClientID, MessageID: "srv-1", SequenceID: 1})
	sess.deliver(t, models.FrameMessage, wire("srv-2", "", "u-b", "theirs", 2))

	sess.deliver(t, models.FrameReceipt, models.ReceiptPayload{TeamID: team, MessageID: "srv-1", ReaderID: "u-b"})
	sess.deliver(t, models.FrameReceipt, models.ReceiptPayload{TeamID: team, MessageID: "srv-2", ReaderID: localUser})

	msgs := p.Messages()
	require.Equal(t, models.StatusDelivered, msgs[0].Status)
	require.Equal(t, models.StatusSeen, msgs[1].Status)
}

func TestStatusNeverRegresses(t *testing.T) {
	p, sess, _ := newTestPipeline(t, session.Connected)
	sess.deliver(t, models.FrameMessage, wire("srv-1", "", "u-b", "theirs", 1))
	sess.deliver(t, models.FrameReceipt, models.ReceiptPayload{TeamID: team, MessageID: "srv-1", ReaderID: localUser})
	require.Equal(t, models.StatusSeen, p.Messages()[0].Status)

	// replayed delivery of the same message must not pull it back
	sess.deliver(t, models.FrameMessage, wire("srv-1", "", "u-b", "theirs", 1))
	require.Equal(t, models.StatusSeen, p.Messages()[0].Status)

	var history []models.Status
	mine, err := p.SendMessage(team, "mine")
	require.NoError(t, err)
	unsub := p.OnChange(func(c Change) {
		if c.Message.ID == mine.ID {
			history = append(history, c.Message.Status)
		}
	})
	defer unsub()
	ack := models.AckPayload{ClientMessageID: mine.ClientID, MessageID: "srv-2", SequenceID: 2}
	sess.deliver(t, models.FrameAck, ack)
	sess.deliver(t, models.FrameAck, ack)
	sess.deliver(t, models.FrameMessage, wire("srv-2", mine.ClientID, localUser, "mine", 2))

	for i := 1; i < len(history); i++ {
		require.GreaterOrEqual(t, history[i], history[i-1])
	}
	require.Equal(t, models.StatusDelivered, p.Messages()[1].Status)
}

func TestMarkSeenSendsRead(t *testing.T) {
	p, sess, _ := newTestPipeline(t, session.Connected)
	sess.deliver(t, models.FrameMessage, wire("srv-1", "", "u-b", "theirs", 1))
	id := p.Messages()[0].ID

	require.NoError(t, p.MarkSeen(id))
	require.Equal(t, models.StatusSeen, p.Messages()[0].Status)

	reads := sess.frames(models.FrameRead)
	require.Len(t, reads, 1)
	var payload models.ReadPayload
	require.NoError(t, reads[0].Decode(&payload))
	require.Equal(t, models.ReadPayload{TeamID: team, MessageID: "srv-1"}, payload)

	// second call is a no-op
	require.NoError(t, p.MarkSeen(id))
	require.Len(t, sess.frames(models.FrameRead), 1)

	require.ErrorIs(t, p.MarkSeen(999), ErrNotFound)
}

func TestMarkSeenIgnoresLocalMessages(t *testing.T) {
	p, sess, _ := newTestPipeline(t, session.Connected)
	mine, err := p.SendMessage(team, "mine")
	require.NoError(t, err)

	require.NoError(t, p.MarkSeen(mine.ID))
	require.Equal(t, models.StatusSent, p.Messages()[0].Status)
	require.Empty(t, sess.frames(models.FrameRead))
}

func TestOfflineSendIsQueuedAndResentOnConnect(t *testing.T) {
	p, sess, _ := newTestPipeline(t, session.Disconnected)

	first, err := p.SendMessage(team, "first")
	require.NoError(t, err)
	_, err = p.SendMessage(team, "second")
	require.NoError(t, err)
	require.Empty(t, sess.frames(models.FrameSend))
	require.Equal(t, models.StatusSent, p.Messages()[0].Status)

	sess.setState(session.Connecting)
	sess.setState(session.Connected)

	require.Len(t, sess.frames(models.FrameJoin), 1)
	require.Equal(t, models.FrameJoin, sess.sent[0].Type, "join precedes resends")
	require.Equal(t, []string{"first", "second"}, sentBodies(t, sess))

	// acknowledged messages are not resent on the next connection
	sess.deliver(t, models.FrameAck, models.AckPayload{ClientMessageID: first.ClientID, MessageID: "srv-1", SequenceID: 1})
	sess.setState(session.Reconnecting)
	sess.setState(session.Connected)
	require.Equal(t, []string{"first", "second", "second"}, sentBodies(t, sess))
}

func TestNoSendsWhileOffline(t *testing.T) {
	p, sess, _ := newTestPipeline(t, session.Connected)
	sess.setState(session.Reconnecting)

	_, err := p.SendMessage(team, "while away")
	require.NoError(t, err)
	require.NoError(t, p.SendTyping())
	require.Empty(t, sess.frames(models.FrameSend))
	require.Empty(t, sess.frames(models.FrameTyping))
}

func TestEnterRoomResetsAndJoins(t *testing.T) {
	p, sess, _ := newTestPipeline(t, session.Connected)
	_, err := p.SendMessage(team, "hello")
	require.NoError(t, err)

	require.NoError(t, p.EnterRoom("team-2"))
	require.Empty(t, p.Messages())
	require.Equal(t, "team-2", p.Room())

	joins := sess.frames(models.FrameJoin)
	var last models.JoinPayload
	require.NoError(t, joins[len(joins)-1].Decode(&last))
	require.Equal(t, "team-2", last.TeamID)

	require.ErrorIs(t, p.EnterRoom("  "), ErrNoRoom)
}

func TestLeaveRoomStopsAcceptingSends(t *testing.T) {
	p, _, _ := newTestPipeline(t, session.Connected)
	p.LeaveRoom()
	p.LeaveRoom()

	_, err := p.SendMessage(team, "hello")
	require.ErrorIs(t, err, ErrRoomNotActive)
	require.Empty(t, p.Room())
}

func TestOnChangeOrderAndRemoval(t *testing.T) {
	p, sess, _ := newTestPipeline(t, session.Connected)

	var kinds []ChangeKind
	unsub := p.OnChange(func(c Change) {
		kinds = append(kinds, c.Kind)
		// listeners may read the pipeline
		_ = p.Messages()
	})

	msg, err := p.SendMessage(team, "hello")
	require.NoError(t, err)
	sess.deliver(t, models.FrameAck, models.AckPayload{ClientMessageID: msg.ClientID, MessageID: "srv-1"})
	require.Equal(t, []ChangeKind{MessageAppended, MessageUpdated}, kinds)

	unsub()
	_, err = p.SendMessage(team, "again")
	require.NoError(t, err)
	require.Len(t, kinds, 2)
}

func TestMessagesReturnsCopy(t *testing.T) {
	p, _, _ := newTestPipeline(t, session.Connected)
	_, err := p.SendMessage(team, "hello")
	require.NoError(t, err)

	msgs := p.Messages()
	msgs[0].Text = "mutated"
	msgs[0].Status = models.StatusSeen

	require.Equal(t, "hello", p.Messages()[0].Text)
	require.Equal(t, models.StatusSent, p.Messages()[0].Status)
}

func TestMalformedFrameIsDropped(t *testing.T) {
	p, sess, _ := newTestPipeline(t, session.Connected)
	for _, h := range sess.handlers {
		h(models.Frame{Type: models.FrameMessage, Payload: []byte(`{"message":`)})
		h(models.Frame{Type: models.FrameAck})
	}
	require.Empty(t, p.Messages())
}

func TestInboundSentAtFallsBackToNow(t *testing.T) {
	p, sess, clk := newTestPipeline(t, session.Connected)
	payload := wire("srv-1", "", "u-b", "hey", 1)
	payload.Message.SentAt = "yesterday"
	sess.deliver(t, models.FrameMessage, payload)

	require.Equal(t, clk.t, p.Messages()[0].SentAt)

	sess.deliver(t, models.FrameMessage, wire("srv-2", "", "u-b", "hey again", 2))
	require.Equal(t, time.Date(2026, 3, 1, 12, 0, 1, 0, time.UTC), p.Messages()[1].SentAt.UTC())
}

func TestSlowWriteDoesNotHoldPipeline(t *testing.T) {
	p, sess, _ := newTestPipeline(t, session.Connected)
	entered := make(chan struct{}, 1)
	release := make(chan struct{})
	sess.mu.Lock()
	sess.block = func() {
		select {
		case entered <- struct{}{}:
		default:
		}
		<-release
	}
	sess.mu.Unlock()

	done := make(chan error, 1)
	go func() {
		_, err := p.SendMessage(team, "first")
		done <- err
	}()
	select {
	case <-entered:
	case <-time.After(2 * time.Second):
		t.Fatal("write never started")
	}

	// the first write is still blocked; everything else proceeds
	second, err := p.SendMessage(team, "second")
	require.NoError(t, err)
	msgs := p.Messages()
	require.Len(t, msgs, 2)
	sess.deliver(t, models.FrameAck, models.AckPayload{ClientMessageID: msgs[0].ClientID, MessageID: "srv-1", SequenceID: 1})
	require.Equal(t, models.StatusDelivered, p.Messages()[0].Status)
	sess.setState(session.Connected)

	close(release)
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("send did not finish")
	}
	require.Equal(t, []string{"first", "second", "second"}, sentBodies(t, sess), "queued frames keep their order")
	require.Equal(t, second.ClientID, p.Messages()[1].ClientID)
}
