package teamroom

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/karthikraju391/hackmate/auth"
	"github.com/karthikraju391/hackmate/config"
	"github.com/karthikraju391/hackmate/models"
	"github.com/karthikraju391/hackmate/netwatch"
	"github.com/karthikraju391/hackmate/observability"
	"github.com/karthikraju391/hackmate/session"
	"github.com/karthikraju391/hackmate/storage"
	"github.com/karthikraju391/hackmate/transport"
)

type fakeConn struct {
	mu      sync.Mutex
	written []models.Frame
	closed  chan struct{}
	once    sync.Once
}

func newFakeConn() *fakeConn { return &fakeConn{closed: make(chan struct{})} }

func (c *fakeConn) ReadFrame() (models.Frame, error) {
	<-c.closed
	return models.Frame{}, transport.ErrClosed
}

func (c *fakeConn) WriteFrame(f models.Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.written = append(c.written, f)
	return nil
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) types() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []string
	for _, f := range c.written {
		out = append(out, f.Type)
	}
	return out
}

type fakeDialer struct {
	mu       sync.Mutex
	reject   map[string]bool
	conns    []*fakeConn
	accepted []string
}

func (d *fakeDialer) Dial(_ context.Context, credential string) (transport.Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.reject[credential] {
		return nil, transport.ErrUnauthorized
	}
	c := newFakeConn()
	d.conns = append(d.conns, c)
	d.accepted = append(d.accepted, credential)
	return c, nil
}

func (d *fakeDialer) last() *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.conns) == 0 {
		return nil
	}
	return d.conns[len(d.conns)-1]
}

func (d *fakeDialer) credentials() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.accepted...)
}

type fakeAPI struct {
	refreshed string
}

func (a *fakeAPI) Login(_ context.Context, email, _ string) (models.AuthResponse, error) {
	return models.AuthResponse{User: models.User{ID: "u-1", Name: "Ada", Email: email}, Token: "tok-login"}, nil
}

func (a *fakeAPI) Register(context.Context, models.RegisterRequest) (models.AuthResponse, error) {
	return models.AuthResponse{}, errors.New("not used")
}

func (a *fakeAPI) Verify(_ context.Context, token string) (models.AuthResponse, error) {
	return models.AuthResponse{User: models.User{ID: "u-1", Name: "Ada"}, Token: token}, nil
}

func (a *fakeAPI) Refresh(context.Context, string) (string, error) {
	if a.refreshed == "" {
		return "", errors.New("refresh refused")
	}
	return a.refreshed, nil
}

func (a *fakeAPI) Logout(context.Context, string) error { return nil }

func (a *fakeAPI) ForgotPassword(context.Context, string) (string, error) {
	return "reset link sent", nil
}

func (a *fakeAPI) ResetPassword(context.Context, string, string) (string, error) {
	return "password updated", nil
}

func (a *fakeAPI) Hackathons(context.Context, models.HackathonFilters) (models.HackathonPage, error) {
	return models.HackathonPage{Success: true, Data: []models.Hackathon{{ID: "h1"}}}, nil
}

func (a *fakeAPI) Hackathon(_ context.Context, id string) (models.Hackathon, error) {
	return models.Hackathon{ID: id}, nil
}

type harness struct {
	client *Client
	store  *storage.Memory
	dialer *fakeDialer
	source *netwatch.ManualSource
	api    *fakeAPI
}

func newHarness(t *testing.T, persistedToken string) *harness {
	t.Helper()
	h := &harness{
		store:  storage.NewMemory(),
		dialer: &fakeDialer{reject: map[string]bool{}},
		source: netwatch.NewManualSource(true),
		api:    &fakeAPI{},
	}
	if persistedToken != "" {
		require.NoError(t, h.store.Set(auth.TokenKey, persistedToken))
	}
	cfg := config.Client{
		DialTimeout:          time.Second,
		CacheTTL:             time.Minute,
		ReconnectInitial:     time.Millisecond,
		ReconnectMax:         5 * time.Millisecond,
		ReconnectMaxAttempts: 3,
	}
	c, err := New(Options{
		Config: cfg,
		Store:  h.store,
		API:    h.api,
		Dialer: h.dialer,
		Source: h.source,
		Logger: observability.Discard(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	h.client = c
	return h
}

func (h *harness) start(t *testing.T) {
	t.Helper()
	require.NoError(t, h.client.Start(context.Background()))
}

func waitState(t *testing.T, c *Client, want session.State) {
	t.Helper()
	require.Eventually(t, func() bool { return c.Session().State() == want }, 2*time.Second, time.Millisecond,
		"want %s, have %s", want, c.Session().State())
}

func TestNewRequiresStore(t *testing.T) {
	_, err := New(Options{})
	require.Error(t, err)
}

func TestStartRestoresLoginAndConnects(t *testing.T) {
	h := newHarness(t, "tok-stored")
	h.start(t)

	require.Equal(t, auth.Authenticated, h.client.Auth().State())
	waitState(t, h.client, session.Connected)
	require.Equal(t, []string{"tok-stored"}, h.dialer.credentials())
}

func TestStartWithoutLoginStaysDisconnected(t *testing.T) {
	h := newHarness(t, "")
	h.start(t)

	require.Equal(t, auth.Unauthenticated, h.client.Auth().State())
	require.Equal(t, session.Disconnected, h.client.Session().State())
	require.Empty(t, h.dialer.credentials())
}

func TestLoginThenRoomTraffic(t *testing.T) {
	h := newHarness(t, "")
	h.start(t)

	_, err := h.client.Auth().Login(context.Background(), "ada@example.com", "pw")
	require.NoError(t, err)
	waitState(t, h.client, session.Connected)

	lease, err := h.client.EnterRoom(context.Background(), "team-1")
	require.NoError(t, err)
	defer lease.Leave()

	msg, err := lease.Send("hello team")
	require.NoError(t, err)
	require.Equal(t, "u-1", msg.SenderID, "identity comes from auth")
	require.Equal(t, "Ada", msg.SenderAlias)

	require.Equal(t, []string{models.FrameJoin, models.FrameSend}, h.dialer.last().types())
	require.Len(t, lease.Messages(), 1)
}

func TestWithRoomLeavesOnError(t *testing.T) {
	h := newHarness(t, "")
	boom := errors.New("boom")

	err := h.client.WithRoom(context.Background(), "team-1", func(l *Lease) error {
		require.Equal(t, "team-1", h.client.Messages().Room())
		return boom
	})
	require.ErrorIs(t, err, boom)
	require.Empty(t, h.client.Messages().Room())
}

func TestWithRoomLeavesOnPanic(t *testing.T) {
	h := newHarness(t, "")

	require.Panics(t, func() {
		_ = h.client.WithRoom(context.Background(), "team-1", func(*Lease) error {
			panic("render failed")
		})
	})
	require.Empty(t, h.client.Messages().Room())
}

func TestSupersededLeaseLeaveIsNoop(t *testing.T) {
	h := newHarness(t, "")

	first, err := h.client.EnterRoom(context.Background(), "team-1")
	require.NoError(t, err)
	second, err := h.client.EnterRoom(context.Background(), "team-2")
	require.NoError(t, err)

	first.Leave()
	require.Equal(t, "team-2", h.client.Messages().Room())

	second.Leave()
	second.Leave()
	require.Empty(t, h.client.Messages().Room())
}

func TestEnterRoomRejectsBlankTeam(t *testing.T) {
	h := newHarness(t, "")
	_, err := h.client.EnterRoom(context.Background(), " ")
	require.Error(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = h.client.EnterRoom(ctx, "team-1")
	require.ErrorIs(t, err, context.Canceled)
}

func TestNetworkLossAndReturn(t *testing.T) {
	h := newHarness(t, "tok-stored")
	h.start(t)
	waitState(t, h.client, session.Connected)

	h.source.Set(false)
	waitState(t, h.client, session.Reconnecting)
	require.False(t, h.client.Network().Online())

	h.source.Set(true)
	waitState(t, h.client, session.Connected)
	require.Equal(t, []string{"tok-stored", "tok-stored"}, h.dialer.credentials())
}

func TestRejectedTokenIsRefreshed(t *testing.T) {
	h := newHarness(t, "tok-old")
	h.dialer.reject["tok-old"] = true
	h.api.refreshed = "tok-new"
	h.start(t)

	waitState(t, h.client, session.Connected)
	require.Equal(t, []string{"tok-new"}, h.dialer.credentials())
	require.Equal(t, "tok-new", h.client.Auth().Token())
}

func TestRefreshedTokenRejectedSignsOut(t *testing.T) {
	h := newHarness(t, "tok-old")
	h.dialer.reject["tok-old"] = true
	h.dialer.reject["tok-new"] = true
	h.api.refreshed = "tok-new"
	h.start(t)

	require.Eventually(t, func() bool { return h.client.Auth().State() == auth.Unauthenticated }, 2*time.Second, time.Millisecond)
	snap := h.client.Auth().Snapshot()
	require.Empty(t, snap.Token)
	require.ErrorIs(t, snap.LastError, transport.ErrUnauthorized)
	_, ok, err := h.store.Get(auth.TokenKey)
	require.NoError(t, err)
	require.False(t, ok, "rejected token must not be restored on the next start")
	require.Equal(t, session.Disconnected, h.client.Session().State())
	require.Empty(t, h.dialer.credentials())

	// coming back online has no credential to offer
	h.source.Set(false)
	h.source.Set(true)
	require.Never(t, func() bool { return h.client.Session().State() != session.Disconnected }, 50*time.Millisecond, time.Millisecond)
}

func TestCloseStopsRefreshWork(t *testing.T) {
	h := newHarness(t, "tok-old")
	h.dialer.reject["tok-old"] = true
	h.api.refreshed = "tok-new"
	h.start(t)

	require.NoError(t, h.client.Close())
	h.client.watchSession(session.Snapshot{State: session.Disconnected, LastError: transport.ErrUnauthorized})
	h.client.wg.Wait()
}

func TestLogoutDisconnects(t *testing.T) {
	h := newHarness(t, "tok-stored")
	h.start(t)
	waitState(t, h.client, session.Connected)
	conn := h.dialer.last()

	h.client.Auth().Logout(context.Background())

	require.Equal(t, session.Disconnected, h.client.Session().State())
	select {
	case <-conn.closed:
	default:
		t.Fatal("transport left open after logout")
	}
}

func TestListingsServedThroughCache(t *testing.T) {
	h := newHarness(t, "")

	page, err := h.client.Listings().Hackathons(context.Background(), models.HackathonFilters{Page: 1})
	require.NoError(t, err)
	require.Len(t, page.Data, 1)

	_, ok, err := h.store.Get("hackathons_cache")
	require.NoError(t, err)
	require.True(t, ok)
}
