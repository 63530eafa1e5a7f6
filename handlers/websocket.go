package handlers

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"slices"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/gofiber/contrib/websocket"
	"github.com/google/uuid"

	"github.com/karthikraju391/hackmate/config"
	"github.com/karthikraju391/hackmate/models"
	"github.com/karthikraju391/hackmate/nats_service"
	"github.com/karthikraju391/hackmate/observability"
)

const maxBodyLength = 1000

// Error codes sent in chat.error frames.
const (
	CodeBadFrame    = "bad_frame"
	CodeUnknownType = "unknown_type"
	CodeInvalidTeam = "invalid_team"
	CodeNotJoined   = "not_joined"
	CodeInvalidBody = "invalid_message"
	CodeUnavailable = "unavailable"
)

var teamIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// Relay holds the team-room state shared by every websocket connection.
type Relay struct {
	broker nats_service.Broker
	logger *slog.Logger

	// held across publish so a client message id is stored at most once
	sendMu sync.Mutex
	acks   map[string]map[string]models.AckPayload // team -> client message id -> ack

	mu       sync.Mutex
	presence map[string]map[string]*member // team -> user -> member
}

type member struct {
	info  models.PresencePayload
	conns int
}

func NewRelay(broker nats_service.Broker, logger *slog.Logger) *Relay {
	return &Relay{
		broker:   broker,
		logger:   observability.Component(logger, "relay"),
		acks:     make(map[string]map[string]models.AckPayload),
		presence: make(map[string]map[string]*member),
	}
}

type Client struct {
	Conn      *websocket.Conn
	Relay     *Relay
	UserID    string
	UserAlias string
	TeamID    string // room joined by this connection, empty before chat.join
	Sub       nats_service.Subscription
	Out       chan models.Frame // frames for the writer
	DoneChan  chan struct{}     // closed when the reader stops
	logger    *slog.Logger
}

func NewClient(conn *websocket.Conn, relay *Relay, userID, userAlias string) *Client {
	return &Client{
		Conn:      conn,
		Relay:     relay,
		UserID:    userID,
		UserAlias: userAlias,
		Out:       make(chan models.Frame, 256), // Buffered channel
		DoneChan:  make(chan struct{}),
		logger:    relay.logger.With("user_id", userID),
	}
}

// HandleRead reads frames from the websocket and dispatches them.
func (c *Client) HandleRead(ctx context.Context) {
	defer func() {
		c.logger.Debug("reader closed")
		close(c.DoneChan) // Signal writer to stop
	}()
	c.Conn.SetReadLimit(config.MaxMessageSize)
	_ = c.Conn.SetReadDeadline(time.Now().Add(config.PongWait))
	c.Conn.SetPongHandler(func(string) error {
		return c.Conn.SetReadDeadline(time.Now().Add(config.PongWait))
	})

	for {
		var frame models.Frame
		if err := c.Conn.ReadJSON(&frame); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Info("websocket read error", "err", err)
			} else {
				c.logger.Debug("websocket closed", "err", err)
			}
			return
		}
		_ = c.Conn.SetReadDeadline(time.Now().Add(config.PongWait))
		c.dispatch(ctx, frame)
	}
}

// HandleWrite writes queued frames and keeps the connection alive with pings.
func (c *Client) HandleWrite() {
	ticker := time.NewTicker(config.PingPeriod)
	defer func() {
		ticker.Stop()
		c.logger.Debug("writer closed")
	}()

	for {
		select {
		case frame := <-c.Out:
			_ = c.Conn.SetWriteDeadline(time.Now().Add(config.WriteWait))
			if err := c.Conn.WriteJSON(frame); err != nil {
				c.logger.Info("websocket write error", "err", err)
				return
			}

		case <-ticker.C:
			_ = c.Conn.SetWriteDeadline(time.Now().Add(config.WriteWait))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.logger.Info("websocket ping error", "err", err)
				return
			}

		case <-c.DoneChan:
			return
		}
	}
}

// enqueue hands frame to the writer, giving up after a second so a slow
// client cannot stall broker delivery.
func (c *Client) enqueue(frame models.Frame) {
	select {
	case c.Out <- frame:
	case <-c.DoneChan:
	case <-time.After(1 * time.Second):
		c.logger.Warn("dropping frame for slow client", "type", frame.Type)
	}
}

func (c *Client) reply(frameType, requestID string, payload any) {
	frame, err := models.NewFrame(frameType, payload)
	if err != nil {
		c.logger.Error("building reply", "type", frameType, "err", err)
		return
	}
	frame.RequestID = requestID
	c.enqueue(frame)
}

func (c *Client) fail(requestID, code, message string, retryable bool) {
	c.reply(models.FrameError, requestID, models.ErrorPayload{Code: code, Message: message, Retryable: retryable})
}

func (c *Client) dispatch(ctx context.Context, frame models.Frame) {
	switch frame.Type {
	case models.FrameJoin:
		c.handleJoin(ctx, frame)
	case models.FrameSend:
		c.handleSend(ctx, frame)
	case models.FrameRead:
		c.handleRead(ctx, frame)
	case models.FrameTyping:
		c.handleTyping(ctx, frame)
	default:
		c.fail(frame.RequestID, CodeUnknownType, fmt.Sprintf("unknown frame type %q", frame.Type), false)
	}
}

func (c *Client) handleJoin(ctx context.Context, frame models.Frame) {
	var p models.JoinPayload
	if err := frame.Decode(&p); err != nil {
		c.fail(frame.RequestID, CodeBadFrame, err.Error(), false)
		return
	}
	teamID := strings.TrimSpace(p.TeamID)
	if !teamIDPattern.MatchString(teamID) {
		c.fail(frame.RequestID, CodeInvalidTeam, "team id must be 1-64 letters, digits, '-' or '_'", false)
		return
	}
	if teamID == c.TeamID {
		c.replyJoined(ctx, frame.RequestID)
		return
	}
	c.leave(ctx)

	latest, err := c.Relay.broker.LatestSequence(ctx, teamID)
	if err != nil {
		c.logger.Warn("reading latest sequence", "team_id", teamID, "err", err)
	}
	c.TeamID = teamID
	c.Relay.arrive(teamID, models.PresencePayload{TeamID: teamID, UserID: c.UserID, Alias: c.UserAlias, Status: models.PresenceActive})
	c.reply(models.FrameJoined, frame.RequestID, models.JoinedPayload{
		TeamID:           teamID,
		LatestSequenceID: latest,
		ServerTime:       time.Now().UTC().Format(time.RFC3339Nano),
		Members:          c.Relay.members(teamID),
	})

	sub, err := c.Relay.broker.Subscribe(ctx, teamID, c.enqueue)
	if err != nil {
		c.logger.Error("subscribing to room", "team_id", teamID, "err", err)
		c.fail(frame.RequestID, CodeUnavailable, "room unavailable", true)
		c.Relay.depart(teamID, c.UserID)
		c.TeamID = ""
		return
	}
	c.Sub = sub
	c.publishPresence(ctx, models.PresenceActive)
	c.logger.Info("joined room", "team_id", teamID)
}

func (c *Client) replyJoined(ctx context.Context, requestID string) {
	latest, _ := c.Relay.broker.LatestSequence(ctx, c.TeamID)
	c.reply(models.FrameJoined, requestID, models.JoinedPayload{
		TeamID:           c.TeamID,
		LatestSequenceID: latest,
		ServerTime:       time.Now().UTC().Format(time.RFC3339Nano),
		Members:          c.Relay.members(c.TeamID),
	})
}

// leave drops the current room, if any.
func (c *Client) leave(ctx context.Context) {
	if c.TeamID == "" {
		return
	}
	if c.Sub != nil {
		c.Sub.Stop()
		c.Sub = nil
	}
	if c.Relay.depart(c.TeamID, c.UserID) {
		c.publishPresence(ctx, models.PresenceOffline)
	}
	c.logger.Info("left room", "team_id", c.TeamID)
	c.TeamID = ""
}

func (c *Client) publishPresence(ctx context.Context, status models.PresenceStatus) {
	frame, err := models.NewFrame(models.FramePresence, models.PresencePayload{TeamID: c.TeamID, UserID: c.UserID, Alias: c.UserAlias, Status: status})
	if err == nil {
		err = c.Relay.broker.PublishEvent(ctx, c.TeamID, frame)
	}
	if err != nil {
		c.logger.Warn("publishing presence", "team_id", c.TeamID, "err", err)
	}
}

func (c *Client) handleSend(ctx context.Context, frame models.Frame) {
	var p models.SendPayload
	if err := frame.Decode(&p); err != nil {
		c.fail(frame.RequestID, CodeBadFrame, err.Error(), false)
		return
	}
	if c.TeamID == "" || p.TeamID != c.TeamID {
		c.fail(frame.RequestID, CodeNotJoined, "join the room before sending", false)
		return
	}
	body := strings.TrimSpace(p.Body)
	if n := utf8.RuneCountInString(body); n == 0 || n > maxBodyLength {
		c.fail(frame.RequestID, CodeInvalidBody, fmt.Sprintf("message must be 1-%d characters", maxBodyLength), false)
		return
	}
	if strings.TrimSpace(p.ClientMessageID) == "" {
		c.fail(frame.RequestID, CodeBadFrame, "client_message_id is required", false)
		return
	}

	ack, err := c.Relay.publish(ctx, models.WireMessage{
		MessageID:       uuid.NewString(),
		ClientMessageID: p.ClientMessageID,
		TeamID:          c.TeamID,
		SenderID:        c.UserID,
		SenderAlias:     c.UserAlias,
		Body:            body,
		SentAt:          time.Now().UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		c.logger.Error("publishing message", "team_id", c.TeamID, "err", err)
		c.fail(frame.RequestID, CodeUnavailable, "message not stored", true)
		return
	}
	c.reply(models.FrameAck, frame.RequestID, ack)
}

func (c *Client) handleRead(ctx context.Context, frame models.Frame) {
	var p models.ReadPayload
	if err := frame.Decode(&p); err != nil {
		c.fail(frame.RequestID, CodeBadFrame, err.Error(), false)
		return
	}
	if c.TeamID == "" || p.TeamID != c.TeamID {
		c.fail(frame.RequestID, CodeNotJoined, "join the room before sending receipts", false)
		return
	}
	c.publishEvent(ctx, models.FrameReceipt, models.ReceiptPayload{TeamID: c.TeamID, MessageID: p.MessageID, ReaderID: c.UserID})
}

func (c *Client) handleTyping(ctx context.Context, frame models.Frame) {
	if c.TeamID == "" {
		return
	}
	c.publishEvent(ctx, models.FrameTyping, models.TypingPayload{TeamID: c.TeamID, UserID: c.UserID})
}

func (c *Client) publishEvent(ctx context.Context, frameType string, payload any) {
	frame, err := models.NewFrame(frameType, payload)
	if err == nil {
		err = c.Relay.broker.PublishEvent(ctx, c.TeamID, frame)
	}
	if err != nil {
		c.logger.Warn("publishing event", "type", frameType, "err", err)
	}
}

// publish stores msg unless its client message id was already stored in the
// room, in which case the original ack is returned marked Duplicate.
func (r *Relay) publish(ctx context.Context, msg models.WireMessage) (models.AckPayload, error) {
	r.sendMu.Lock()
	defer r.sendMu.Unlock()
	room := r.acks[msg.TeamID]
	if ack, ok := room[msg.ClientMessageID]; ok {
		ack.Duplicate = true
		return ack, nil
	}
	pubCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	seq, err := r.broker.PublishMessage(pubCtx, msg)
	if err != nil {
		return models.AckPayload{}, err
	}
	ack := models.AckPayload{ClientMessageID: msg.ClientMessageID, MessageID: msg.MessageID, SequenceID: seq}
	if room == nil {
		room = make(map[string]models.AckPayload)
		r.acks[msg.TeamID] = room
	}
	room[msg.ClientMessageID] = ack
	return ack, nil
}

func (r *Relay) arrive(teamID string, info models.PresencePayload) {
	r.mu.Lock()
	defer r.mu.Unlock()
	room, ok := r.presence[teamID]
	if !ok {
		room = make(map[string]*member)
		r.presence[teamID] = room
	}
	m, ok := room[info.UserID]
	if !ok {
		m = &member{}
		room[info.UserID] = m
	}
	m.info = info
	m.conns++
}

// depart reports whether userID has no connection left in the room.
func (r *Relay) depart(teamID, userID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	room := r.presence[teamID]
	m, ok := room[userID]
	if !ok {
		return false
	}
	m.conns--
	if m.conns > 0 {
		return false
	}
	delete(room, userID)
	if len(room) == 0 {
		delete(r.presence, teamID)
	}
	return true
}

func (r *Relay) members(teamID string) []models.PresencePayload {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]models.PresencePayload, 0, len(r.presence[teamID]))
	for _, m := range r.presence[teamID] {
		out = append(out, m.info)
	}
	slices.SortFunc(out, func(a, b models.PresencePayload) int { return strings.Compare(a.UserID, b.UserID) })
	return out
}

// HandleWebSocket manages the lifecycle of a WebSocket connection. The
// upgrade route must have stored the caller's Claims in "claims".
func (r *Relay) HandleWebSocket(c *websocket.Conn) {
	claims, ok := c.Locals("claims").(Claims)
	if !ok {
		r.logger.Error("websocket without claims")
		_ = c.Close()
		return
	}
	alias := claims.Name
	if alias == "" {
		alias = claims.Email
	}
	client := NewClient(c, r, claims.Subject, alias)
	client.logger.Info("client connected")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	defer func() {
		client.leave(ctx)
		_ = c.Close()
		client.logger.Info("client disconnected")
	}()

	go client.HandleWrite()

	// Start the read (blocking call) in the main handler goroutine
	client.HandleRead(ctx)
}
