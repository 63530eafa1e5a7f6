// Package session owns the single live connection to the team-room relay and
// keeps it consistent with the credential and network availability.
//
// All state changes go through one loop goroutine that feeds events into a
// pure transition function, so a transition is never observed half-applied.
// Listeners and frame handlers run on that goroutine, in transition order; they
// may call Send and Snapshot but must not call Connect, Disconnect,
// NetworkChanged or Close.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/karthikraju391/hackmate/models"
	"github.com/karthikraju391/hackmate/observability"
	"github.com/karthikraju391/hackmate/transport"
)

var (
	ErrEmptyCredential = errors.New("session: credential must not be empty")
	ErrNotConnected    = errors.New("session: not connected")
	ErrStopped         = errors.New("session: manager stopped")
)

// Snapshot is the observable state of the session.
type Snapshot struct {
	State         State
	Epoch         uint64
	Online        bool
	HasCredential bool
	Attempt       int
	LastError     error
}

type StateListener func(Snapshot)

type FrameHandler func(models.Frame)

// BackoffConfig bounds reconnect attempts after transport errors while online.
type BackoffConfig struct {
	Initial     time.Duration
	Max         time.Duration
	MaxAttempts int
	Jitter      float64 // randomization factor in [0,1)
}

// DefaultBackoff is used for zero fields of Options.Backoff.
var DefaultBackoff = BackoffConfig{
	Initial:     500 * time.Millisecond,
	Max:         30 * time.Second,
	MaxAttempts: 8,
	Jitter:      0.5,
}

type Options struct {
	Dialer      transport.Dialer
	DialTimeout time.Duration
	Online      bool // network availability at construction
	Backoff     BackoffConfig
	Logger      *slog.Logger
}

type envelope struct {
	ev   event
	done chan struct{}
}

// Manager is the Session Connection Manager.
type Manager struct {
	dialer      transport.Dialer
	dialTimeout time.Duration
	logger      *slog.Logger
	backoff     *backoff.ExponentialBackOff

	events  chan envelope
	stop    chan struct{}
	stopped chan struct{}
	once    sync.Once

	// loop-owned
	m          machine
	dialCancel context.CancelFunc
	retryTimer *time.Timer

	mu      sync.RWMutex // guards current and conn for readers off the loop
	current Snapshot
	conn    transport.Conn

	listenersMu sync.RWMutex
	nextID      int
	listeners   []registered[StateListener]
	handlers    []registered[FrameHandler]
}

type registered[T any] struct {
	id int
	fn T
}

func without[T any](list []registered[T], id int) []registered[T] {
	out := make([]registered[T], 0, len(list))
	for _, r := range list {
		if r.id != id {
			out = append(out, r)
		}
	}
	return out
}

// New starts a Manager in the Disconnected state.
func New(opts Options) (*Manager, error) {
	if opts.Dialer == nil {
		return nil, fmt.Errorf("session: dialer is required")
	}
	cfg := opts.Backoff
	if cfg.Initial <= 0 {
		cfg.Initial = DefaultBackoff.Initial
	}
	if cfg.Max <= 0 {
		cfg.Max = DefaultBackoff.Max
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultBackoff.MaxAttempts
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 10 * time.Second
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = cfg.Initial
	b.MaxInterval = cfg.Max
	b.RandomizationFactor = cfg.Jitter
	b.Reset()

	mgr := &Manager{
		dialer:      opts.Dialer,
		dialTimeout: opts.DialTimeout,
		logger:      observability.Component(opts.Logger, "session"),
		backoff:     b,
		events:      make(chan envelope, 64),
		stop:        make(chan struct{}),
		stopped:     make(chan struct{}),
		m:           machine{state: Disconnected, online: opts.Online, maxAttempts: cfg.MaxAttempts},
	}
	mgr.current = mgr.m.snapshot()
	go mgr.run()
	return mgr, nil
}

// Connect opens the transport with credential. It is idempotent while
// connecting or connected with the same credential; a different credential
// supersedes the current connection. Offline, the request is logged and
// deferred to the next online signal.
func (mgr *Manager) Connect(ctx context.Context, credential string) error {
	credential = strings.TrimSpace(credential)
	if credential == "" {
		return ErrEmptyCredential
	}
	return mgr.post(ctx, connectRequested{credential: credential})
}

// Disconnect closes the transport and forgets the credential. Once it returns,
// no further frames are delivered. Safe in any state.
func (mgr *Manager) Disconnect(ctx context.Context) error {
	return mgr.post(ctx, disconnectRequested{})
}

// NetworkChanged reports a connectivity transition.
func (mgr *Manager) NetworkChanged(ctx context.Context, online bool) error {
	return mgr.post(ctx, networkChanged{online: online})
}

// Send writes frame on the live connection.
func (mgr *Manager) Send(frame models.Frame) error {
	mgr.mu.RLock()
	conn, state := mgr.conn, mgr.current.State
	mgr.mu.RUnlock()
	if state != Connected || conn == nil {
		return ErrNotConnected
	}
	return conn.WriteFrame(frame)
}

func (mgr *Manager) Snapshot() Snapshot {
	mgr.mu.RLock()
	defer mgr.mu.RUnlock()
	return mgr.current
}

func (mgr *Manager) State() State {
	return mgr.Snapshot().State
}

// Subscribe registers a state listener and returns its removal func.
func (mgr *Manager) Subscribe(l StateListener) func() {
	mgr.listenersMu.Lock()
	defer mgr.listenersMu.Unlock()
	id := mgr.nextID
	mgr.nextID++
	mgr.listeners = append(mgr.listeners, registered[StateListener]{id: id, fn: l})
	return func() {
		mgr.listenersMu.Lock()
		mgr.listeners = without(mgr.listeners, id)
		mgr.listenersMu.Unlock()
	}
}

// OnFrame registers an inbound frame handler and returns its removal func.
func (mgr *Manager) OnFrame(h FrameHandler) func() {
	mgr.listenersMu.Lock()
	defer mgr.listenersMu.Unlock()
	id := mgr.nextID
	mgr.nextID++
	mgr.handlers = append(mgr.handlers, registered[FrameHandler]{id: id, fn: h})
	return func() {
		mgr.listenersMu.Lock()
		mgr.handlers = without(mgr.handlers, id)
		mgr.listenersMu.Unlock()
	}
}

// Close disconnects and stops the loop. The manager is unusable afterwards.
func (mgr *Manager) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := mgr.Disconnect(ctx)
	if errors.Is(err, ErrStopped) {
		err = nil
	}
	mgr.once.Do(func() { close(mgr.stop) })
	<-mgr.stopped
	return err
}

// post hands ev to the loop and waits until it has been applied.
func (mgr *Manager) post(ctx context.Context, ev event) error {
	done := make(chan struct{})
	select {
	case mgr.events <- envelope{ev: ev, done: done}:
	case <-ctx.Done():
		return ctx.Err()
	case <-mgr.stopped:
		return ErrStopped
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-mgr.stopped:
		return ErrStopped
	}
}

// emit is post without waiting, for goroutines owned by the manager.
func (mgr *Manager) emit(ev event) {
	select {
	case mgr.events <- envelope{ev: ev}:
	case <-mgr.stopped:
	}
}

func (mgr *Manager) run() {
	defer close(mgr.stopped)
	for {
		select {
		case env := <-mgr.events:
			mgr.apply(env.ev)
			if env.done != nil {
				close(env.done)
			}
		case <-mgr.stop:
			mgr.shutdown()
			return
		}
	}
}

func (mgr *Manager) apply(ev event) {
	prevEpoch := mgr.m.epoch
	next, effects := transition(mgr.m, ev)
	mgr.m = next

	mgr.mu.Lock()
	mgr.current = next.snapshot()
	mgr.conn = next.conn
	mgr.mu.Unlock()

	if next.epoch != prevEpoch {
		mgr.cancelPending()
	}
	for _, eff := range effects {
		mgr.execute(eff)
	}
}

// cancelPending aborts the in-flight dial and retry timer of a stale epoch.
func (mgr *Manager) cancelPending() {
	if mgr.dialCancel != nil {
		mgr.dialCancel()
		mgr.dialCancel = nil
	}
	if mgr.retryTimer != nil {
		mgr.retryTimer.Stop()
		mgr.retryTimer = nil
	}
}

func (mgr *Manager) execute(eff effect) {
	switch eff := eff.(type) {
	case openTransport:
		ctx, cancel := context.WithTimeout(context.Background(), mgr.dialTimeout)
		mgr.dialCancel = cancel
		mgr.logger.Debug("opening transport", "epoch", eff.epoch)
		go func() {
			defer cancel()
			conn, err := mgr.dialer.Dial(ctx, eff.credential)
			if err != nil {
				mgr.emit(dialFailed{epoch: eff.epoch, err: err})
				return
			}
			select {
			case mgr.events <- envelope{ev: dialSucceeded{epoch: eff.epoch, conn: conn}}:
			case <-mgr.stopped:
				_ = conn.Close()
			}
		}()

	case closeTransport:
		if err := eff.conn.Close(); err != nil {
			mgr.logger.Debug("closing transport", "err", err)
		}

	case startReader:
		go mgr.read(eff.epoch, eff.conn)

	case scheduleRetry:
		delay := mgr.backoff.NextBackOff()
		mgr.logger.Info("transport lost, retrying", "attempt", mgr.m.attempt, "delay", delay, "err", mgr.m.lastErr)
		epoch := eff.epoch
		mgr.retryTimer = time.AfterFunc(delay, func() { mgr.emit(retryDue{epoch: epoch}) })

	case resetBackoff:
		mgr.backoff.Reset()

	case notifyState:
		snap := mgr.m.snapshot()
		mgr.logger.Info("state changed", "state", snap.State.String(), "epoch", snap.Epoch)
		for _, l := range mgr.stateListeners() {
			l(snap)
		}

	case deliverFrame:
		for _, h := range mgr.frameHandlers() {
			h(eff.frame)
		}

	case logEvent:
		mgr.logger.Log(context.Background(), eff.level, eff.msg, eff.args...)
	}
}

func (mgr *Manager) read(epoch uint64, conn transport.Conn) {
	for {
		frame, err := conn.ReadFrame()
		if err != nil {
			mgr.emit(connLost{epoch: epoch, err: err})
			return
		}
		mgr.emit(frameReceived{epoch: epoch, frame: frame})
	}
}

func (mgr *Manager) shutdown() {
	mgr.cancelPending()
	if mgr.m.conn != nil {
		_ = mgr.m.conn.Close()
	}
}

func (mgr *Manager) stateListeners() []StateListener {
	mgr.listenersMu.RLock()
	defer mgr.listenersMu.RUnlock()
	out := make([]StateListener, 0, len(mgr.listeners))
	for _, r := range mgr.listeners {
		out = append(out, r.fn)
	}
	return out
}

func (mgr *Manager) frameHandlers() []FrameHandler {
	mgr.listenersMu.RLock()
	defer mgr.listenersMu.RUnlock()
	out := make([]FrameHandler, 0, len(mgr.handlers))
	for _, r := range mgr.handlers {
		out = append(out, r.fn)
	}
	return out
}
