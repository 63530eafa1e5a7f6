package session

import (
	"errors"
	"log/slog"

	"github.com/karthikraju391/hackmate/models"
	"github.com/karthikraju391/hackmate/transport"
)

// State is the connection state of the session.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	Reconnecting
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Reconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// Events consumed by transition. Transport callbacks arrive as dialSucceeded,
// dialFailed, connLost and frameReceived, each tagged with the epoch of the
// attempt that produced them.
type event interface{ isEvent() }

type (
	connectRequested    struct{ credential string }
	disconnectRequested struct{}
	networkChanged      struct{ online bool }
	dialSucceeded       struct {
		epoch uint64
		conn  transport.Conn
	}
	dialFailed struct {
		epoch uint64
		err   error
	}
	connLost struct {
		epoch uint64
		err   error
	}
	retryDue      struct{ epoch uint64 }
	frameReceived struct {
		epoch uint64
		frame models.Frame
	}
)

func (connectRequested) isEvent()    {}
func (disconnectRequested) isEvent() {}
func (networkChanged) isEvent()      {}
func (dialSucceeded) isEvent()       {}
func (dialFailed) isEvent()          {}
func (connLost) isEvent()            {}
func (retryDue) isEvent()            {}
func (frameReceived) isEvent()       {}

// Effects returned by transition, executed in order by the manager loop.
type effect interface{ isEffect() }

type (
	openTransport struct {
		epoch      uint64
		credential string
	}
	closeTransport struct{ conn transport.Conn }
	startReader    struct {
		epoch uint64
		conn  transport.Conn
	}
	scheduleRetry struct{ epoch uint64 }
	resetBackoff  struct{}
	notifyState   struct{}
	deliverFrame  struct{ frame models.Frame }
	logEvent      struct {
		level slog.Level
		msg   string
		args  []any
	}
)

func (openTransport) isEffect()  {}
func (closeTransport) isEffect() {}
func (startReader) isEffect()    {}
func (scheduleRetry) isEffect()  {}
func (resetBackoff) isEffect()   {}
func (notifyState) isEffect()    {}
func (deliverFrame) isEffect()   {}
func (logEvent) isEffect()       {}

// machine is the complete session state. It is a value: transition never
// mutates its input.
type machine struct {
	state       State
	epoch       uint64
	credential  string
	online      bool
	attempt     int
	maxAttempts int
	conn        transport.Conn
	lastErr     error
}

func (m machine) snapshot() Snapshot {
	return Snapshot{
		State:         m.state,
		Epoch:         m.epoch,
		Online:        m.online,
		HasCredential: m.credential != "",
		Attempt:       m.attempt,
		LastError:     m.lastErr,
	}
}

// teardown closes the live transport, if any, and bumps the epoch so every
// in-flight dial, reader and retry timer of the previous attempt goes stale.
func (m machine) teardown(effects []effect) (machine, []effect) {
	if m.conn != nil {
		effects = append(effects, closeTransport{conn: m.conn})
		m.conn = nil
	}
	m.epoch++
	return m, effects
}

func (m machine) open(effects []effect) (machine, []effect) {
	m.epoch++
	m.state = Connecting
	return m, append(effects, openTransport{epoch: m.epoch, credential: m.credential})
}

// fail moves a live or connecting session after a transport error.
func (m machine) fail(err error, effects []effect) (machine, []effect) {
	m.lastErr = err
	switch {
	case m.credential == "":
		m.state = Disconnected
	case !m.online:
		m.state = Reconnecting
	default:
		m.attempt++
		if m.attempt > m.maxAttempts {
			m.state = Disconnected
			effects = append(effects, logEvent{level: slog.LevelWarn, msg: "reconnect attempts exhausted", args: []any{"attempts", m.maxAttempts, "err", err}})
			return m, effects
		}
		m.state = Reconnecting
		effects = append(effects, scheduleRetry{epoch: m.epoch})
	}
	return m, effects
}

func transition(m machine, ev event) (machine, []effect) {
	prev := m.state
	var effects []effect

	switch ev := ev.(type) {
	case connectRequested:
		if ev.credential == m.credential && m.state != Disconnected {
			// already connecting, connected or retrying with this credential
			return m, nil
		}
		m, effects = m.teardown(effects)
		m.credential = ev.credential
		m.attempt = 0
		m.lastErr = nil
		effects = append(effects, resetBackoff{})
		if !m.online {
			m.state = Disconnected
			effects = append(effects, logEvent{level: slog.LevelInfo, msg: "offline, connect deferred until network returns"})
			break
		}
		m, effects = m.open(effects)

	case disconnectRequested:
		if m.state == Disconnected && m.credential == "" && m.conn == nil {
			return m, nil
		}
		m, effects = m.teardown(effects)
		m.credential = ""
		m.attempt = 0
		m.lastErr = nil
		m.state = Disconnected

	case networkChanged:
		if ev.online == m.online {
			return m, nil
		}
		m.online = ev.online
		if !ev.online {
			if m.state == Disconnected {
				break
			}
			m, effects = m.teardown(effects)
			if m.credential != "" {
				m.state = Reconnecting
			} else {
				m.state = Disconnected
			}
			break
		}
		if m.credential != "" && (m.state == Disconnected || m.state == Reconnecting) {
			m.attempt = 0
			effects = append(effects, resetBackoff{})
			m, effects = m.open(effects)
		}

	case dialSucceeded:
		if ev.epoch != m.epoch || m.state != Connecting {
			return m, []effect{closeTransport{conn: ev.conn}, logEvent{level: slog.LevelDebug, msg: "discarding stale connection", args: []any{"epoch", ev.epoch}}}
		}
		m.conn = ev.conn
		m.state = Connected
		m.attempt = 0
		m.lastErr = nil
		// notify before the reader starts so Connected precedes this epoch's frames
		effects = append(effects, resetBackoff{}, notifyState{}, startReader{epoch: m.epoch, conn: ev.conn})
		return m, effects

	case dialFailed:
		if ev.epoch != m.epoch || m.state != Connecting {
			return m, nil
		}
		if errors.Is(ev.err, transport.ErrUnauthorized) {
			m.credential = ""
			m.lastErr = ev.err
			m.state = Disconnected
			break
		}
		m, effects = m.fail(ev.err, effects)

	case connLost:
		if ev.epoch != m.epoch || m.state != Connected {
			return m, nil
		}
		m, effects = m.teardown(effects)
		m, effects = m.fail(ev.err, effects)

	case retryDue:
		if ev.epoch != m.epoch || m.state != Reconnecting || !m.online || m.credential == "" {
			return m, nil
		}
		m, effects = m.open(effects)

	case frameReceived:
		if ev.epoch != m.epoch || m.state != Connected {
			return m, nil
		}
		return m, []effect{deliverFrame{frame: ev.frame}}
	}

	if m.state != prev {
		effects = append(effects, notifyState{})
	}
	return m, effects
}
