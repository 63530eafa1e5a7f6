// Package transport opens the live websocket to the team-room relay.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/fasthttp/websocket"

	"github.com/karthikraju391/hackmate/config"
	"github.com/karthikraju391/hackmate/models"
	"github.com/karthikraju391/hackmate/observability"
)

var (
	// ErrUnauthorized is returned by Dial when the relay rejects the credential.
	ErrUnauthorized = errors.New("transport: credential rejected")
	// ErrClosed is returned by ReadFrame after a normal close and by any
	// operation on a closed Conn.
	ErrClosed = errors.New("transport: connection closed")
)

// Conn is one open, authenticated connection. ReadFrame must only be called
// from a single goroutine; WriteFrame and Close are safe for concurrent use.
type Conn interface {
	ReadFrame() (models.Frame, error)
	WriteFrame(models.Frame) error
	Close() error
}

// Dialer opens a Conn keyed by credential.
type Dialer interface {
	Dial(ctx context.Context, credential string) (Conn, error)
}

// WebsocketDialer dials the relay websocket endpoint.
type WebsocketDialer struct {
	URL              string
	HandshakeTimeout time.Duration
	PingPeriod       time.Duration
	Logger           *slog.Logger
}

func NewWebsocketDialer(url string, handshakeTimeout, pingPeriod time.Duration, logger *slog.Logger) *WebsocketDialer {
	return &WebsocketDialer{
		URL:              url,
		HandshakeTimeout: handshakeTimeout,
		PingPeriod:       pingPeriod,
		Logger:           observability.Component(logger, "transport"),
	}
}

// Dial opens the websocket, presenting credential as a bearer token.
func (d *WebsocketDialer) Dial(ctx context.Context, credential string) (Conn, error) {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+credential)

	dialer := websocket.Dialer{
		HandshakeTimeout: d.HandshakeTimeout,
		ReadBufferSize:   4096,
		WriteBufferSize:  4096,
	}
	ws, resp, err := dialer.DialContext(ctx, d.URL, header)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, fmt.Errorf("%w: status %d", ErrUnauthorized, resp.StatusCode)
		}
		return nil, fmt.Errorf("transport: dial %s: %w", d.URL, err)
	}

	pingPeriod := d.PingPeriod
	if pingPeriod <= 0 || pingPeriod >= config.PongWait {
		pingPeriod = config.PingPeriod
	}
	logger := d.Logger
	if logger == nil {
		logger = observability.Component(nil, "transport")
	}

	c := &wsConn{ws: ws, done: make(chan struct{}), logger: logger}
	ws.SetReadLimit(config.MaxMessageSize)
	_ = ws.SetReadDeadline(time.Now().Add(config.PongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(config.PongWait))
	})
	go c.pingLoop(pingPeriod)
	return c, nil
}

type wsConn struct {
	ws     *websocket.Conn
	logger *slog.Logger

	writeMu   sync.Mutex
	closeOnce sync.Once
	done      chan struct{}
}

func (c *wsConn) ReadFrame() (models.Frame, error) {
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			select {
			case <-c.done:
				return models.Frame{}, ErrClosed
			default:
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) || errors.Is(err, io.EOF) {
				return models.Frame{}, ErrClosed
			}
			return models.Frame{}, fmt.Errorf("transport: read: %w", err)
		}
		// any traffic proves the peer alive
		_ = c.ws.SetReadDeadline(time.Now().Add(config.PongWait))

		var frame models.Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			c.logger.Warn("dropping malformed frame", "err", err)
			continue
		}
		return frame, nil
	}
}

func (c *wsConn) WriteFrame(frame models.Frame) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(config.WriteWait))
	if err := c.ws.WriteJSON(frame); err != nil {
		return fmt.Errorf("transport: write %s: %w", frame.Type, err)
	}
	return nil
}

func (c *wsConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		c.writeMu.Lock()
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()
		err = c.ws.Close()
	})
	return err
}

// pingLoop keeps the relay's read deadline fresh until the conn closes.
func (c *wsConn) pingLoop(period time.Duration) {
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.writeMu.Lock()
			err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(config.WriteWait))
			c.writeMu.Unlock()
			if err != nil {
				c.logger.Debug("ping failed", "err", err)
				return
			}
		case <-c.done:
			return
		}
	}
}
