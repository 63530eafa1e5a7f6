package messaging

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/karthikraju391/hackmate/models"
	"github.com/karthikraju391/hackmate/observability"
	"github.com/karthikraju391/hackmate/session"
)

// fakeSession drives the pipeline synchronously, the way the session loop
// would.
type fakeSession struct {
	mu        sync.Mutex
	state     session.State
	sent      []models.Frame
	listeners []session.StateListener
	handlers  []session.FrameHandler
	block     func() // runs at the start of every Send when set
}

func (s *fakeSession) Send(f models.Frame) error {
	s.mu.Lock()
	block := s.block
	s.mu.Unlock()
	if block != nil {
		block()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != session.Connected {
		return session.ErrNotConnected
	}
	s.sent = append(s.sent, f)
	return nil
}

func (s *fakeSession) State() session.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *fakeSession) Subscribe(l session.StateListener) func() {
	s.listeners = append(s.listeners, l)
	return func() { s.listeners = nil }
}

func (s *fakeSession) OnFrame(h session.FrameHandler) func() {
	s.handlers = append(s.handlers, h)
	return func() { s.handlers = nil }
}

func (s *fakeSession) setState(st session.State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
	for _, l := range s.listeners {
		l(session.Snapshot{State: st})
	}
}

func (s *fakeSession) deliver(t *testing.T, frameType string, payload any) {
	t.Helper()
	f, err := models.NewFrame(frameType, payload)
	require.NoError(t, err)
	for _, h := range s.handlers {
		h(f)
	}
}

func (s *fakeSession) frames(frameType string) []models.Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Frame
	for _, f := range s.sent {
		if f.Type == frameType {
			out = append(out, f)
		}
	}
	return out
}

func sentBodies(t *testing.T, s *fakeSession) []string {
	t.Helper()
	var out []string
	for _, f := range s.frames(models.FrameSend) {
		var p models.SendPayload
		require.NoError(t, f.Decode(&p))
		out = append(out, p.Body)
	}
	return out
}

type clock struct{ t time.Time }

func (c *clock) now() time.Time          { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

const (
	localUser = "u-local"
	team      = "team-1"
)

func newTestPipeline(t *testing.T, state session.State) (*Pipeline, *fakeSession, *clock) {
	t.Helper()
	sess := &fakeSession{state: state}
	clk := &clock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	p, err := New(Options{
		Session: sess,
		UserID:  localUser,
		Alias:   "Local",
		Now:     clk.now,
		Logger:  observability.Discard(),
	})
	require.NoError(t, err)
	t.Cleanup(p.Close)
	require.NoError(t, p.EnterRoom(team))
	return p, sess, clk
}

func wire(id, clientID, sender, body string, seq int64) models.MessagePayload {
	return models.MessagePayload{Message: models.WireMessage{
		MessageID:       id,
		ClientMessageID: clientID,
		TeamID:          team,
		SenderID:        sender,
		Body:            body,
		SequenceID:      seq,
		SentAt:          "2026-03-01T12:00:01Z",
	}}
}
