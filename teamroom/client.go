// Package teamroom wires the client core together in the Auth -> Session ->
// Messaging direction and hands out scoped team-room leases.
package teamroom

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/karthikraju391/hackmate/apiclient"
	"github.com/karthikraju391/hackmate/auth"
	"github.com/karthikraju391/hackmate/config"
	"github.com/karthikraju391/hackmate/listing"
	"github.com/karthikraju391/hackmate/messaging"
	"github.com/karthikraju391/hackmate/netwatch"
	"github.com/karthikraju391/hackmate/observability"
	"github.com/karthikraju391/hackmate/session"
	"github.com/karthikraju391/hackmate/storage"
	"github.com/karthikraju391/hackmate/transport"
)

// API is the HTTP surface the client needs.
type API interface {
	auth.API
	listing.Fetcher
}

type Options struct {
	Config config.Client
	Store  storage.Store

	// Optional overrides. Nil values are built from Config.
	API    API
	Dialer transport.Dialer
	Source netwatch.Source
	Logger *slog.Logger

	// ExpiryCheck is how often the token's exp claim is checked. Zero means
	// one minute.
	ExpiryCheck time.Duration
}

// Client is the assembled hackmate client core.
type Client struct {
	logger      *slog.Logger
	expiryCheck time.Duration

	auth     *auth.Lifecycle
	session  *session.Manager
	pipeline *messaging.Pipeline
	listings *listing.Service
	monitor  *netwatch.Monitor

	refreshMu sync.Mutex
	rejected  string // token refreshed since the last connect, empty when none
	closed    bool   // set by Close
	unsub      []func()
	cancel     context.CancelFunc
	wg         sync.WaitGroup

	roomMu  sync.Mutex
	roomGen uint64
}

func New(opts Options) (*Client, error) {
	if opts.Store == nil {
		return nil, errors.New("teamroom: store is required")
	}
	cfg := opts.Config
	logger := opts.Logger
	if logger == nil {
		logger = observability.Logger()
	}

	api := opts.API
	if api == nil {
		c, err := apiclient.New(cfg.APIURL, cfg.HTTPTimeout)
		if err != nil {
			return nil, fmt.Errorf("teamroom: %w", err)
		}
		api = c
	}
	dialer := opts.Dialer
	if dialer == nil {
		dialer = transport.NewWebsocketDialer(cfg.WSURL, cfg.DialTimeout, cfg.PingPeriod, observability.Component(logger, "transport"))
	}
	src := opts.Source
	if src == nil {
		if cfg.ProbeAddr != "" {
			src = netwatch.NewProbeSource(cfg.ProbeAddr, cfg.ProbeInterval)
		} else {
			src = netwatch.NewManualSource(true)
		}
	}

	sess, err := session.New(session.Options{
		Dialer:      dialer,
		DialTimeout: cfg.DialTimeout,
		Online:      src.Online(),
		Backoff: session.BackoffConfig{
			Initial:     cfg.ReconnectInitial,
			Max:         cfg.ReconnectMax,
			MaxAttempts: cfg.ReconnectMaxAttempts,
			Jitter:      session.DefaultBackoff.Jitter,
		},
		Logger: logger,
	})
	if err != nil {
		return nil, fmt.Errorf("teamroom: %w", err)
	}

	c := &Client{
		logger:      observability.Component(logger, "teamroom"),
		expiryCheck: opts.ExpiryCheck,
		session:     sess,
	}
	if c.expiryCheck <= 0 {
		c.expiryCheck = time.Minute
	}

	c.auth, err = auth.New(auth.Options{Store: opts.Store, API: api, Session: sess, Logger: logger})
	if err != nil {
		_ = sess.Close()
		return nil, fmt.Errorf("teamroom: %w", err)
	}
	c.pipeline, err = messaging.New(messaging.Options{Session: sess, Logger: logger})
	if err != nil {
		_ = sess.Close()
		return nil, fmt.Errorf("teamroom: %w", err)
	}
	c.monitor, err = netwatch.NewMonitor(netwatch.Options{
		Source:     src,
		Session:    sess,
		Credential: c.credential,
		Logger:     logger,
	})
	if err != nil {
		c.pipeline.Close()
		_ = sess.Close()
		return nil, fmt.Errorf("teamroom: %w", err)
	}
	cache := listing.NewCache(opts.Store, listing.WithTTL(cfg.CacheTTL), listing.WithLogger(logger))
	c.listings = listing.NewService(cache, api, logger)

	c.unsub = append(c.unsub,
		c.auth.Subscribe(func(s auth.Snapshot) { c.pipeline.SetIdentity(s.User.ID, s.User.Name) }),
		sess.Subscribe(c.watchSession),
	)
	return c, nil
}

// Start restores the persisted login, begins watching the network and checks
// token expiry until Close.
func (c *Client) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel

	c.monitor.Start(runCtx)
	if err := c.session.NetworkChanged(ctx, c.monitor.Signal().Online()); err != nil {
		return fmt.Errorf("teamroom: start: %w", err)
	}
	c.auth.Start(ctx)

	c.wg.Add(1)
	go c.checkExpiry(runCtx)
	return nil
}

// Close stops background work and tears the session down.
func (c *Client) Close() error {
	for _, f := range c.unsub {
		f()
	}
	c.refreshMu.Lock()
	c.closed = true
	c.refreshMu.Unlock()
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
	c.pipeline.Close()
	return c.session.Close()
}

func (c *Client) Auth() *auth.Lifecycle { return c.auth }
func (c *Client) Session() *session.Manager { return c.session }
func (c *Client) Messages() *messaging.Pipeline { return c.pipeline }
func (c *Client) Listings() *listing.Service { return c.listings }
func (c *Client) Network() *netwatch.Signal { return c.monitor.Signal() }

func (c *Client) credential() string {
	if c.auth.State() != auth.Authenticated {
		return ""
	}
	return c.auth.Token()
}

// watchSession runs on the session loop. The first dial rejected as
// unauthorized triggers one background token refresh; if the relay rejects
// the refreshed token too, the credential is dropped. A successful connect
// re-arms the refresh.
func (c *Client) watchSession(s session.Snapshot) {
	c.refreshMu.Lock()
	defer c.refreshMu.Unlock()
	if c.closed {
		return
	}
	if s.State == session.Connected {
		c.rejected = ""
		return
	}
	if s.State != session.Disconnected || !errors.Is(s.LastError, transport.ErrUnauthorized) {
		return
	}
	if c.auth.State() != auth.Authenticated {
		return
	}
	token := c.auth.Token()
	cause := fmt.Errorf("teamroom: %w", s.LastError)
	switch c.rejected {
	case "":
		c.rejected = token
		c.background(func(ctx context.Context) {
			c.logger.Info("relay rejected token, refreshing")
			if err := c.auth.Refresh(ctx); err != nil {
				c.logger.Warn("token refresh failed", "err", err)
				return
			}
			// a refresh that hands back the rejected token cannot help
			c.auth.Invalidate(ctx, token, cause)
		})
	case token:
		// rejection of the token already being refreshed
	default:
		c.logger.Warn("relay rejected the refreshed token, signing out")
		c.background(func(ctx context.Context) {
			c.auth.Invalidate(ctx, token, cause)
		})
	}
}

// background runs fn off the session loop. Callers hold refreshMu and have
// checked closed, so the wg.Add cannot race Close's Wait.
func (c *Client) background(fn func(ctx context.Context)) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		fn(ctx)
	}()
}

func (c *Client) checkExpiry(ctx context.Context) {
	defer c.wg.Done()
	ticker := time.NewTicker(c.expiryCheck)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if c.auth.CheckExpiry(ctx, now) != auth.Expired {
				continue
			}
			if err := c.auth.Refresh(ctx); err != nil {
				c.logger.Warn("refreshing expired token", "err", err)
			}
		}
	}
}
