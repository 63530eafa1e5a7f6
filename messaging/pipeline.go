// Package messaging keeps the ordered message list of the active team room and
// advances each message's delivery status as frames arrive from the session.
//
// Outbound messages are appended optimistically as Sent. Messages that have
// not been acknowledged stay queued and are resent, in append order, every
// time the session reports Connected; the relay deduplicates by client
// message id.
package messaging

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/karthikraju391/hackmate/models"
	"github.com/karthikraju391/hackmate/observability"
	"github.com/karthikraju391/hackmate/session"
)

// MaxTextLength is the longest accepted message, in characters.
const MaxTextLength = 1000

// Validation error codes.
const (
	CodeEmpty         = "empty"
	CodeTooLong       = "too_long"
	CodeDuplicate     = "duplicate"
	CodeRoomNotActive = "room_not_active"
)

var (
	ErrEmpty         = &ValidationError{Code: CodeEmpty}
	ErrTooLong       = &ValidationError{Code: CodeTooLong}
	ErrDuplicate     = &ValidationError{Code: CodeDuplicate}
	ErrRoomNotActive = &ValidationError{Code: CodeRoomNotActive}

	ErrNoIdentity = errors.New("messaging: local user not set")
	ErrNoRoom     = errors.New("messaging: team id must not be empty")
	ErrNotFound   = errors.New("messaging: message not found")
)

// ValidationError rejects a send before it reaches the transport.
type ValidationError struct {
	Code    string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Message == "" {
		return "messaging: " + e.Code
	}
	return "messaging: " + e.Message
}

// Is matches any ValidationError with the same code.
func (e *ValidationError) Is(target error) bool {
	t, ok := target.(*ValidationError)
	return ok && t.Code == e.Code
}

// Session is the part of the session manager the pipeline needs.
type Session interface {
	Send(models.Frame) error
	State() session.State
	Subscribe(session.StateListener) func()
	OnFrame(session.FrameHandler) func()
}

type ChangeKind int

const (
	MessageAppended ChangeKind = iota + 1
	MessageUpdated
	RoomReset
	PresenceChanged
	TypingChanged
)

// Change describes one update to the pipeline. Message is set for
// MessageAppended and MessageUpdated.
type Change struct {
	Kind    ChangeKind
	TeamID  string
	Message models.Message
}

// ChangeListener observes updates. Listeners run in update order. They may read
// the pipeline but must not call EnterRoom, LeaveRoom, SendMessage, MarkSeen,
// SendTyping or OnChange.
type ChangeListener func(Change)

type Options struct {
	Session   Session
	UserID    string
	Alias     string
	TypingTTL time.Duration
	Now       func() time.Time
	Logger    *slog.Logger
}

// Pipeline is the Message Delivery Pipeline.
type Pipeline struct {
	sess      Session
	logger    *slog.Logger
	now       func() time.Time
	typingTTL time.Duration
	unsub     []func()

	mu        sync.Mutex
	userID    string
	alias     string
	room      string
	connected bool
	nextID    int64
	messages  []models.Message
	byClient  map[string]int
	byServer  map[string]int
	roster    map[string]models.PresencePayload
	typing    map[string]time.Time
	pending   []Change
	outbox    []models.Frame // frames waiting to be written, in send order
	draining  bool           // a goroutine is writing the outbox

	notifyMu  sync.Mutex // serializes delivery to listeners
	listeners []registered
	nextLID   int
}

type registered struct {
	id int
	fn ChangeListener
}

// New attaches a pipeline to the session. Call Close to detach it.
func New(opts Options) (*Pipeline, error) {
	if opts.Session == nil {
		return nil, errors.New("messaging: session is required")
	}
	if opts.TypingTTL <= 0 {
		opts.TypingTTL = 5 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	p := &Pipeline{
		sess:      opts.Session,
		logger:    observability.Component(opts.Logger, "messaging"),
		now:       opts.Now,
		typingTTL: opts.TypingTTL,
		userID:    opts.UserID,
		alias:     opts.Alias,
		connected: opts.Session.State() == session.Connected,
	}
	p.resetLocked("")
	p.unsub = append(p.unsub,
		opts.Session.Subscribe(p.handleState),
		opts.Session.OnFrame(p.handleFrame),
	)
	return p, nil
}

// Close detaches the pipeline from the session.
func (p *Pipeline) Close() {
	for _, f := range p.unsub {
		f()
	}
	p.unsub = nil
}

// SetIdentity sets the local user used for authorship and the duplicate guard.
func (p *Pipeline) SetIdentity(userID, alias string) {
	p.mu.Lock()
	p.userID, p.alias = userID, alias
	p.mu.Unlock()
}

// EnterRoom makes teamID the active room and clears the message list. The
// room is joined now if connected, otherwise on the next Connected.
func (p *Pipeline) EnterRoom(teamID string) error {
	teamID = strings.TrimSpace(teamID)
	if teamID == "" {
		return ErrNoRoom
	}
	p.mu.Lock()
	p.resetLocked(teamID)
	if p.connected {
		p.sendLocked(models.FrameJoin, models.JoinPayload{TeamID: teamID})
	}
	p.publish(Change{Kind: RoomReset, TeamID: teamID})
	return nil
}

// LeaveRoom clears the active room. Queued messages are dropped with it.
func (p *Pipeline) LeaveRoom() {
	p.mu.Lock()
	if p.room == "" {
		p.mu.Unlock()
		return
	}
	p.resetLocked("")
	p.publish(Change{Kind: RoomReset})
}

func (p *Pipeline) Room() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.room
}

// SendMessage validates text, appends it as Sent and writes it to the relay
// when connected. A message that cannot be written now stays queued.
func (p *Pipeline) SendMessage(teamID, text string) (models.Message, error) {
	text = strings.TrimSpace(text)
	n := utf8.RuneCountInString(text)
	switch {
	case n == 0:
		return models.Message{}, ErrEmpty
	case n > MaxTextLength:
		return models.Message{}, &ValidationError{Code: CodeTooLong, Message: fmt.Sprintf("message is %d characters, limit is %d", n, MaxTextLength)}
	}

	p.mu.Lock()
	if p.userID == "" {
		p.mu.Unlock()
		return models.Message{}, ErrNoIdentity
	}
	if teamID != p.room || p.room == "" {
		p.mu.Unlock()
		return models.Message{}, ErrRoomNotActive
	}
	if last, ok := p.lastFromLocked(p.userID); ok && last.Text == text {
		p.mu.Unlock()
		return models.Message{}, ErrDuplicate
	}

	p.nextID++
	msg := models.Message{
		ID:          p.nextID,
		ClientID:    uuid.NewString(),
		TeamID:      teamID,
		SenderID:    p.userID,
		SenderAlias: p.alias,
		Text:        text,
		SentAt:      p.now(),
		Status:      models.StatusSent,
	}
	p.messages = append(p.messages, msg)
	p.byClient[msg.ClientID] = len(p.messages) - 1
	if p.connected {
		p.sendLocked(models.FrameSend, sendPayload(msg))
	} else {
		p.logger.Info("not connected, message queued", "team_id", teamID, "client_message_id", msg.ClientID)
	}
	p.publish(Change{Kind: MessageAppended, TeamID: teamID, Message: msg})
	return msg, nil
}

// MarkSeen marks a received message Seen and tells the relay it was read.
// Marking a local message is a no-op.
func (p *Pipeline) MarkSeen(id int64) error {
	p.mu.Lock()
	i := p.indexLocked(id)
	if i < 0 {
		p.mu.Unlock()
		return ErrNotFound
	}
	msg := p.messages[i]
	if msg.SenderID == p.userID || !p.advanceLocked(i, models.StatusSeen) {
		p.mu.Unlock()
		return nil
	}
	if p.connected && msg.ServerID != "" {
		p.sendLocked(models.FrameRead, models.ReadPayload{TeamID: msg.TeamID, MessageID: msg.ServerID})
	}
	p.publish(Change{Kind: MessageUpdated, TeamID: msg.TeamID, Message: p.messages[i]})
	return nil
}

// Messages returns a copy of the active room's messages in presentation order.
func (p *Pipeline) Messages() []models.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]models.Message, len(p.messages))
	copy(out, p.messages)
	return out
}

// OnChange registers l and returns its removal func.
func (p *Pipeline) OnChange(l ChangeListener) func() {
	p.notifyMu.Lock()
	defer p.notifyMu.Unlock()
	id := p.nextLID
	p.nextLID++
	p.listeners = append(p.listeners, registered{id: id, fn: l})
	return func() {
		p.notifyMu.Lock()
		defer p.notifyMu.Unlock()
		out := p.listeners[:0:0]
		for _, r := range p.listeners {
			if r.id != id {
				out = append(out, r)
			}
		}
		p.listeners = out
	}
}

func (p *Pipeline) handleState(snap session.Snapshot) {
	p.mu.Lock()
	wasConnected := p.connected
	p.connected = snap.State == session.Connected
	if !p.connected {
		if wasConnected {
			clear(p.roster)
			clear(p.typing)
			p.publish(Change{Kind: PresenceChanged, TeamID: p.room})
			return
		}
		p.mu.Unlock()
		return
	}
	if p.room == "" {
		p.mu.Unlock()
		return
	}
	p.sendLocked(models.FrameJoin, models.JoinPayload{TeamID: p.room})
	resent := 0
	for _, m := range p.messages {
		if m.Status == models.StatusSent && m.ClientID != "" {
			p.sendLocked(models.FrameSend, sendPayload(m))
			resent++
		}
	}
	if resent > 0 {
		p.logger.Info("resent queued messages", "team_id", p.room, "count", resent)
	}
	p.mu.Unlock()
	p.drain()
}

func (p *Pipeline) handleFrame(f models.Frame) {
	var err error
	switch f.Type {
	case models.FrameAck:
		err = p.handleAck(f)
	case models.FrameMessage:
		err = p.handleMessage(f)
	case models.FrameReceipt:
		err = p.handleReceipt(f)
	case models.FrameJoined:
		err = p.handleJoined(f)
	case models.FramePresence:
		err = p.handlePresence(f)
	case models.FrameTyping:
		err = p.handleTyping(f)
	case models.FrameError:
		var payload models.ErrorPayload
		if err = f.Decode(&payload); err == nil {
			p.logger.Warn("relay error", "code", payload.Code, "message", payload.Message, "retryable", payload.Retryable)
		}
	default:
		p.logger.Debug("ignoring frame", "type", f.Type)
	}
	if err != nil {
		p.logger.Warn("dropping malformed frame", "type", f.Type, "err", err)
	}
}

func (p *Pipeline) handleAck(f models.Frame) error {
	var ack models.AckPayload
	if err := f.Decode(&ack); err != nil {
		return err
	}
	p.mu.Lock()
	i, ok := p.byClient[ack.ClientMessageID]
	if !ok {
		p.mu.Unlock()
		return nil
	}
	p.reconcileLocked(i, ack.MessageID, ack.SequenceID)
	p.advanceLocked(i, models.StatusDelivered)
	p.publish(Change{Kind: MessageUpdated, TeamID: p.room, Message: p.messages[i]})
	return nil
}

func (p *Pipeline) handleMessage(f models.Frame) error {
	var payload models.MessagePayload
	if err := f.Decode(&payload); err != nil {
		return err
	}
	wm := payload.Message
	p.mu.Lock()
	if wm.TeamID != p.room || p.room == "" {
		p.mu.Unlock()
		return nil
	}
	if i, ok := p.byClient[wm.ClientMessageID]; ok && wm.ClientMessageID != "" {
		// echo of a local send
		p.reconcileLocked(i, wm.MessageID, wm.SequenceID)
		p.advanceLocked(i, models.StatusDelivered)
		p.publish(Change{Kind: MessageUpdated, TeamID: p.room, Message: p.messages[i]})
		return nil
	}
	if _, ok := p.byServer[wm.MessageID]; ok {
		p.mu.Unlock()
		return nil
	}
	sentAt, err := time.Parse(time.RFC3339Nano, wm.SentAt)
	if err != nil {
		sentAt = p.now()
	}
	p.nextID++
	msg := models.Message{
		ID:          p.nextID,
		ServerID:    wm.MessageID,
		ClientID:    wm.ClientMessageID,
		TeamID:      wm.TeamID,
		SenderID:    wm.SenderID,
		SenderAlias: wm.SenderAlias,
		Text:        wm.Body,
		SentAt:      sentAt,
		Sequence:    wm.SequenceID,
		Status:      models.StatusDelivered,
	}
	p.messages = append(p.messages, msg)
	if wm.MessageID != "" {
		p.byServer[wm.MessageID] = len(p.messages) - 1
	}
	delete(p.typing, wm.SenderID)
	p.publish(Change{Kind: MessageAppended, TeamID: p.room, Message: msg})
	return nil
}

func (p *Pipeline) handleReceipt(f models.Frame) error {
	var r models.ReceiptPayload
	if err := f.Decode(&r); err != nil {
		return err
	}
	p.mu.Lock()
	i, ok := p.byServer[r.MessageID]
	if !ok || r.TeamID != p.room || p.messages[i].SenderID == p.userID {
		p.mu.Unlock()
		return nil
	}
	if !p.advanceLocked(i, models.StatusSeen) {
		p.mu.Unlock()
		return nil
	}
	p.publish(Change{Kind: MessageUpdated, TeamID: p.room, Message: p.messages[i]})
	return nil
}

// advanceLocked moves message i forward to status. It reports whether the
// status changed; a regression is ignored.
func (p *Pipeline) advanceLocked(i int, status models.Status) bool {
	if status <= p.messages[i].Status {
		return false
	}
	p.messages[i].Status = status
	return true
}

func (p *Pipeline) reconcileLocked(i int, serverID string, seq int64) {
	if serverID == "" || p.messages[i].ServerID != "" {
		return
	}
	p.messages[i].ServerID = serverID
	p.messages[i].Sequence = seq
	p.byServer[serverID] = i
}

// lastFromLocked returns the most recent message from sender in the room.
func (p *Pipeline) lastFromLocked(sender string) (models.Message, bool) {
	for i := len(p.messages) - 1; i >= 0; i-- {
		if p.messages[i].SenderID == sender {
			return p.messages[i], true
		}
	}
	return models.Message{}, false
}

func (p *Pipeline) indexLocked(id int64) int {
	for i := range p.messages {
		if p.messages[i].ID == id {
			return i
		}
	}
	return -1
}

func (p *Pipeline) resetLocked(room string) {
	p.room = room
	p.messages = nil
	p.byClient = make(map[string]int)
	p.byServer = make(map[string]int)
	p.roster = make(map[string]models.PresencePayload)
	p.typing = make(map[string]time.Time)
}

// sendLocked queues a frame for the relay. It is written by drain once mu is
// released. A failed write leaves queued messages Sent for the next Connected.
func (p *Pipeline) sendLocked(frameType string, payload any) {
	frame, err := models.NewFrame(frameType, payload)
	if err != nil {
		p.logger.Error("building frame", "type", frameType, "err", err)
		return
	}
	p.outbox = append(p.outbox, frame)
}

// drain writes the outbox without holding mu. When another goroutine is
// already draining, it returns at once and that goroutine writes the frames.
func (p *Pipeline) drain() {
	p.mu.Lock()
	if p.draining {
		p.mu.Unlock()
		return
	}
	p.draining = true
	for len(p.outbox) > 0 {
		batch := p.outbox
		p.outbox = nil
		p.mu.Unlock()
		for _, frame := range batch {
			if err := p.sess.Send(frame); err != nil {
				p.logger.Warn("send failed", "type", frame.Type, "err", err)
			}
		}
		p.mu.Lock()
	}
	p.draining = false
	p.mu.Unlock()
}

// publish queues c, releases mu, then writes queued frames and flushes the
// change queue. The caller must hold mu.
func (p *Pipeline) publish(c Change) {
	p.pending = append(p.pending, c)
	p.mu.Unlock()
	p.drain()
	p.flush()
}

// flush delivers queued changes in order. Only one goroutine delivers at a
// time, and listeners run without mu held.
func (p *Pipeline) flush() {
	p.notifyMu.Lock()
	defer p.notifyMu.Unlock()
	for {
		p.mu.Lock()
		batch := p.pending
		p.pending = nil
		p.mu.Unlock()
		if len(batch) == 0 {
			return
		}
		for _, c := range batch {
			for _, r := range p.listeners {
				r.fn(c)
			}
		}
	}
}

func sendPayload(m models.Message) models.SendPayload {
	return models.SendPayload{TeamID: m.TeamID, ClientMessageID: m.ClientID, Body: m.Text}
}
