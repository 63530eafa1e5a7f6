package netwatch

import (
	"context"
	"net"
	"sync"
	"time"
)

// ManualSource is a Source driven by Set, for embedding and tests.
type ManualSource struct {
	mu       sync.Mutex
	online   bool
	watchers []watcher
}

type watcher struct {
	ch   chan bool
	done <-chan struct{}
}

func NewManualSource(online bool) *ManualSource {
	return &ManualSource{online: online}
}

func (s *ManualSource) Online() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.online
}

func (s *ManualSource) Watch(ctx context.Context) <-chan bool {
	ch := make(chan bool, 16)
	s.mu.Lock()
	s.watchers = append(s.watchers, watcher{ch: ch, done: ctx.Done()})
	s.mu.Unlock()
	return ch
}

// Set reports a connectivity event to every watcher, even when unchanged.
func (s *ManualSource) Set(online bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.online = online
	for _, w := range s.watchers {
		select {
		case w.ch <- online:
		case <-w.done:
		}
	}
}

// ProbeSource treats the network as online while a TCP connection to Addr
// can be opened.
type ProbeSource struct {
	Addr     string
	Interval time.Duration
	Timeout  time.Duration

	dial func(ctx context.Context, network, addr string) (net.Conn, error)
}

func NewProbeSource(addr string, interval time.Duration) *ProbeSource {
	d := &net.Dialer{}
	return &ProbeSource{Addr: addr, Interval: interval, Timeout: 2 * time.Second, dial: d.DialContext}
}

func (p *ProbeSource) Online() bool {
	return p.probe(context.Background())
}

// Watch probes now and then every Interval, emitting the first result and
// every change after it. The channel
// closes when ctx ends.
func (p *ProbeSource) Watch(ctx context.Context) <-chan bool {
	ch := make(chan bool, 1)
	interval := p.Interval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	go func() {
		defer close(ch)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		// the first result is always emitted; the monitor drops it if unchanged
		last := p.probe(ctx)
		select {
		case ch <- last:
		case <-ctx.Done():
			return
		}
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			online := p.probe(ctx)
			if online == last {
				continue
			}
			last = online
			select {
			case ch <- online:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch
}

func (p *ProbeSource) probe(ctx context.Context) bool {
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	dial := p.dial
	if dial == nil {
		dial = (&net.Dialer{}).DialContext
	}
	conn, err := dial(ctx, "tcp", p.Addr)
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}
