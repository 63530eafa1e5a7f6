package netwatch

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/karthikraju391/hackmate/observability"
)

// Source reports platform connectivity. Watch may emit duplicates; the
// monitor filters them.
type Source interface {
	Online() bool
	Watch(ctx context.Context) <-chan bool
}

// Session is what the monitor drives on transitions.
type Session interface {
	NetworkChanged(ctx context.Context, online bool) error
	Connect(ctx context.Context, credential string) error
}

type Options struct {
	Source  Source
	Session Session
	// Credential returns the current token, empty when not authenticated.
	Credential func() string
	Timeout    time.Duration // per session call
	Logger     *slog.Logger
}

// Monitor is the Network Availability Monitor.
type Monitor struct {
	src        Source
	sess       Session
	credential func() string
	timeout    time.Duration
	logger     *slog.Logger
	signal     *Signal

	once sync.Once
	done chan struct{}
}

// NewMonitor reads the source's current state into a new Signal.
func NewMonitor(opts Options) (*Monitor, error) {
	if opts.Source == nil || opts.Session == nil {
		return nil, errors.New("netwatch: source and session are required")
	}
	if opts.Credential == nil {
		opts.Credential = func() string { return "" }
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	return &Monitor{
		src:        opts.Source,
		sess:       opts.Session,
		credential: opts.Credential,
		timeout:    opts.Timeout,
		logger:     observability.Component(opts.Logger, "netwatch"),
		signal:     NewSignal(opts.Source.Online()),
		done:       make(chan struct{}),
	}, nil
}

func (m *Monitor) Signal() *Signal {
	return m.signal
}

// Start subscribes to the source. Only the first call has an effect; the
// subscription ends with ctx.
func (m *Monitor) Start(ctx context.Context) {
	m.once.Do(func() {
		events := m.src.Watch(ctx)
		go m.run(ctx, events)
	})
}

// Done is closed once a started monitor has stopped.
func (m *Monitor) Done() <-chan struct{} {
	return m.done
}

func (m *Monitor) run(ctx context.Context, events <-chan bool) {
	defer close(m.done)
	for {
		select {
		case <-ctx.Done():
			return
		case online, ok := <-events:
			if !ok {
				return
			}
			if !m.signal.set(online) {
				continue
			}
			m.react(ctx, online)
		}
	}
}

func (m *Monitor) react(ctx context.Context, online bool) {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	m.logger.Info("network changed", "online", online)
	if err := m.sess.NetworkChanged(ctx, online); err != nil {
		m.logger.Warn("reporting network change", "online", online, "err", err)
	}
	if !online {
		return
	}
	if cred := m.credential(); cred != "" {
		if err := m.sess.Connect(ctx, cred); err != nil {
			m.logger.Warn("reconnecting after network returned", "err", err)
		}
	}
}
