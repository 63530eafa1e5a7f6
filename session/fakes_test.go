package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/karthikraju391/hackmate/models"
	"github.com/karthikraju391/hackmate/observability"
	"github.com/karthikraju391/hackmate/transport"
)

type fakeConn struct {
	mu       sync.Mutex
	written  []models.Frame
	inbound  chan models.Frame
	closed   chan struct{}
	once     sync.Once
	closeErr error
}

func newFakeConn() *fakeConn {
	return &fakeConn{inbound: make(chan models.Frame, 16), closed: make(chan struct{})}
}

func (c *fakeConn) ReadFrame() (models.Frame, error) {
	select {
	case f := <-c.inbound:
		return f, nil
	case <-c.closed:
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.closeErr != nil {
			return models.Frame{}, c.closeErr
		}
		return models.Frame{}, transport.ErrClosed
	}
}

func (c *fakeConn) WriteFrame(f models.Frame) error {
	select {
	case <-c.closed:
		return transport.ErrClosed
	default:
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.written = append(c.written, f)
	return nil
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

// fail simulates the relay dropping the connection.
func (c *fakeConn) fail(err error) {
	c.mu.Lock()
	c.closeErr = err
	c.mu.Unlock()
	_ = c.Close()
}

func (c *fakeConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

func (c *fakeConn) frames() []models.Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]models.Frame(nil), c.written...)
}

type fakeDialer struct {
	mu          sync.Mutex
	dials       int
	credentials []string
	conns       []*fakeConn
	gate        chan struct{} // when set, Dial blocks until it is closed
	err         error         // returned by every dial when set
	preload     []models.Frame
}

func (d *fakeDialer) Dial(_ context.Context, credential string) (transport.Conn, error) {
	d.mu.Lock()
	d.dials++
	d.credentials = append(d.credentials, credential)
	gate, err := d.gate, d.err
	d.mu.Unlock()

	if gate != nil {
		<-gate
	}
	if err != nil {
		return nil, err
	}
	c := newFakeConn()
	for _, f := range d.preload {
		c.inbound <- f
	}
	d.mu.Lock()
	d.conns = append(d.conns, c)
	d.mu.Unlock()
	return c, nil
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func (d *fakeDialer) conn(i int) *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if i >= len(d.conns) {
		return nil
	}
	return d.conns[i]
}

func (d *fakeDialer) setErr(err error) {
	d.mu.Lock()
	d.err = err
	d.mu.Unlock()
}

type stateRecorder struct {
	mu     sync.Mutex
	states []State
}

func (r *stateRecorder) listen(s Snapshot) {
	r.mu.Lock()
	r.states = append(r.states, s.State)
	r.mu.Unlock()
}

func (r *stateRecorder) seen() []State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]State(nil), r.states...)
}

var fastBackoff = BackoffConfig{Initial: time.Millisecond, Max: 5 * time.Millisecond, MaxAttempts: 3}

func newTestManager(t *testing.T, d *fakeDialer, online bool) (*Manager, *stateRecorder) {
	t.Helper()
	mgr, err := New(Options{
		Dialer:  d,
		Online:  online,
		Backoff: fastBackoff,
		Logger:  observability.Discard(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = mgr.Close() })

	rec := &stateRecorder{}
	mgr.Subscribe(rec.listen)
	return mgr, rec
}

func waitForState(t *testing.T, mgr *Manager, want State) {
	t.Helper()
	require.Eventually(t, func() bool { return mgr.State() == want },
		2*time.Second, 2*time.Millisecond, "state never became %s (now %s)", want, mgr.State())
}
