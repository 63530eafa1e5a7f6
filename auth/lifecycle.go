// Package auth owns the credential: it restores and verifies a persisted
// token at start, handles login, registration, refresh and logout, and tells
// the session when to connect or disconnect.
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/karthikraju391/hackmate/models"
	"github.com/karthikraju391/hackmate/observability"
	"github.com/karthikraju391/hackmate/storage"
)

// TokenKey is the store key holding the persisted token.
const TokenKey = "token"

type State int

const (
	Unauthenticated State = iota
	Verifying
	Authenticated
	Expired
)

func (s State) String() string {
	switch s {
	case Unauthenticated:
		return "unauthenticated"
	case Verifying:
		return "verifying"
	case Authenticated:
		return "authenticated"
	case Expired:
		return "expired"
	default:
		return "unknown"
	}
}

var (
	ErrNoToken      = errors.New("auth: no token")
	ErrMissingInput = errors.New("auth: email and password are required")
)

// API is the auth surface of the HTTP client.
type API interface {
	Login(ctx context.Context, email, password string) (models.AuthResponse, error)
	Register(ctx context.Context, in models.RegisterRequest) (models.AuthResponse, error)
	Verify(ctx context.Context, token string) (models.AuthResponse, error)
	Refresh(ctx context.Context, token string) (string, error)
	Logout(ctx context.Context, token string) error
	ForgotPassword(ctx context.Context, email string) (string, error)
	ResetPassword(ctx context.Context, token, password string) (string, error)
}

// Session is what the lifecycle drives when the credential changes.
type Session interface {
	Connect(ctx context.Context, credential string) error
	Disconnect(ctx context.Context) error
}

// Snapshot is the observable auth state.
type Snapshot struct {
	State     State
	User      models.User
	Token     string
	LastError error
}

type Listener func(Snapshot)

type Options struct {
	Store   storage.Store
	API     API
	Session Session
	Logger  *slog.Logger
}

// Lifecycle is the Auth Token Lifecycle. Operations are serialized; listeners
// run in state order and must not call back into the lifecycle.
type Lifecycle struct {
	store   storage.Store
	api     API
	session Session
	logger  *slog.Logger

	op sync.Mutex // serializes operations and listener delivery

	mu        sync.RWMutex
	snap      Snapshot
	nextID    int
	listeners []registered
}

type registered struct {
	id int
	fn Listener
}

func New(opts Options) (*Lifecycle, error) {
	if opts.Store == nil || opts.API == nil || opts.Session == nil {
		return nil, errors.New("auth: store, api and session are required")
	}
	return &Lifecycle{
		store:   opts.Store,
		api:     opts.API,
		session: opts.Session,
		logger:  observability.Component(opts.Logger, "auth"),
	}, nil
}

// Start restores a persisted token and verifies it. Failures leave the
// lifecycle Unauthenticated with the token removed; they are recorded in the
// snapshot, never returned.
func (l *Lifecycle) Start(ctx context.Context) {
	l.op.Lock()
	defer l.op.Unlock()

	token, ok, err := l.store.Get(TokenKey)
	if err != nil {
		l.logger.Warn("reading persisted token", "err", err)
		l.clearLocked(ctx, Unauthenticated, err)
		return
	}
	token = strings.TrimSpace(token)
	if !ok || token == "" {
		l.setLocked(Snapshot{State: Unauthenticated})
		return
	}

	l.setLocked(Snapshot{State: Verifying, Token: token})
	resp, err := l.api.Verify(ctx, token)
	if err != nil {
		l.logger.Info("stored token rejected", "err", err)
		l.clearLocked(ctx, Unauthenticated, fmt.Errorf("auth: verify: %w", err))
		return
	}
	l.acceptLocked(ctx, resp)
}

// Login exchanges credentials for a token, persists it and connects.
func (l *Lifecycle) Login(ctx context.Context, email, password string) (models.User, error) {
	email = strings.TrimSpace(email)
	if email == "" || password == "" {
		return models.User{}, ErrMissingInput
	}
	l.op.Lock()
	defer l.op.Unlock()

	resp, err := l.api.Login(ctx, email, password)
	if err != nil {
		return models.User{}, fmt.Errorf("auth: login: %w", err)
	}
	if err := l.acceptLocked(ctx, resp); err != nil {
		return models.User{}, err
	}
	return resp.User, nil
}

// Register creates an account and signs it in.
func (l *Lifecycle) Register(ctx context.Context, in models.RegisterRequest) (models.User, error) {
	in.Email = strings.TrimSpace(in.Email)
	in.Name = strings.TrimSpace(in.Name)
	if in.Email == "" || in.Password == "" {
		return models.User{}, ErrMissingInput
	}
	l.op.Lock()
	defer l.op.Unlock()

	resp, err := l.api.Register(ctx, in)
	if err != nil {
		return models.User{}, fmt.Errorf("auth: register: %w", err)
	}
	if err := l.acceptLocked(ctx, resp); err != nil {
		return models.User{}, err
	}
	return resp.User, nil
}

// Logout tells the server (best effort), forgets the token and disconnects.
func (l *Lifecycle) Logout(ctx context.Context) {
	l.op.Lock()
	defer l.op.Unlock()

	if token := l.Token(); token != "" {
		if err := l.api.Logout(ctx, token); err != nil {
			l.logger.Info("server logout failed", "err", err)
		}
	}
	l.clearLocked(ctx, Unauthenticated, nil)
}

// CheckExpiry reads the token's exp claim without verifying the signature and
// moves to Expired, disconnecting the session, once now is past it. Tokens
// without an exp claim never expire here.
func (l *Lifecycle) CheckExpiry(ctx context.Context, now time.Time) State {
	l.op.Lock()
	defer l.op.Unlock()

	snap := l.Snapshot()
	if snap.State != Authenticated {
		return snap.State
	}
	exp, err := expiresAt(snap.Token)
	if err != nil {
		l.logger.Debug("token has no readable expiry", "err", err)
		return snap.State
	}
	if exp.IsZero() || now.Before(exp) {
		return snap.State
	}
	l.logger.Info("token expired", "exp", exp)
	if err := l.session.Disconnect(ctx); err != nil {
		l.logger.Warn("disconnecting expired session", "err", err)
	}
	snap.State = Expired
	snap.LastError = nil
	l.setLocked(snap)
	return Expired
}

// Refresh trades the current token for a new one and reconnects with it. On
// failure the lifecycle is cleared to Unauthenticated and the error returned.
func (l *Lifecycle) Refresh(ctx context.Context) error {
	l.op.Lock()
	defer l.op.Unlock()

	snap := l.Snapshot()
	if snap.Token == "" {
		return ErrNoToken
	}
	token, err := l.api.Refresh(ctx, snap.Token)
	if err != nil {
		err = fmt.Errorf("auth: refresh: %w", err)
		l.clearLocked(ctx, Unauthenticated, err)
		return err
	}
	if err := l.store.Set(TokenKey, token); err != nil {
		l.logger.Warn("persisting refreshed token", "err", err)
	}
	l.setLocked(Snapshot{State: Authenticated, User: snap.User, Token: token})
	if err := l.session.Connect(ctx, token); err != nil {
		l.logger.Warn("reconnecting with refreshed token", "err", err)
	}
	return nil
}

// ForgotPassword starts a password reset. The credential is left alone.
func (l *Lifecycle) ForgotPassword(ctx context.Context, email string) (string, error) {
	if strings.TrimSpace(email) == "" {
		return "", ErrMissingInput
	}
	msg, err := l.api.ForgotPassword(ctx, strings.TrimSpace(email))
	if err != nil {
		return "", fmt.Errorf("auth: forgot password: %w", err)
	}
	return msg, nil
}

// ResetPassword sets a new password with the token from ForgotPassword. The
// caller still has to log in afterwards.
func (l *Lifecycle) ResetPassword(ctx context.Context, token, password string) (string, error) {
	if token == "" || password == "" {
		return "", ErrMissingInput
	}
	msg, err := l.api.ResetPassword(ctx, token, password)
	if err != nil {
		return "", fmt.Errorf("auth: reset password: %w", err)
	}
	return msg, nil
}

// Invalidate drops token after the server refused it: the persisted copy is
// removed, the session disconnected and the lifecycle left Unauthenticated
// with cause as LastError. It is a no-op when token is no longer current.
func (l *Lifecycle) Invalidate(ctx context.Context, token string, cause error) {
	l.op.Lock()
	defer l.op.Unlock()

	if token == "" || l.Token() != token {
		return
	}
	l.logger.Info("credential invalidated", "err", cause)
	l.clearLocked(ctx, Unauthenticated, cause)
}

func (l *Lifecycle) Snapshot() Snapshot {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.snap
}

func (l *Lifecycle) State() State {
	return l.Snapshot().State
}

func (l *Lifecycle) Token() string {
	return l.Snapshot().Token
}

// Subscribe registers fn and returns its removal func.
func (l *Lifecycle) Subscribe(fn Listener) func() {
	l.mu.Lock()
	defer l.mu.Unlock()
	id := l.nextID
	l.nextID++
	l.listeners = append(l.listeners, registered{id: id, fn: fn})
	return func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		out := l.listeners[:0:0]
		for _, r := range l.listeners {
			if r.id != id {
				out = append(out, r)
			}
		}
		l.listeners = out
	}
}

// acceptLocked stores a fresh token, publishes Authenticated and connects.
func (l *Lifecycle) acceptLocked(ctx context.Context, resp models.AuthResponse) error {
	token := strings.TrimSpace(resp.Token)
	if token == "" {
		err := errors.New("auth: server returned no token")
		l.clearLocked(ctx, Unauthenticated, err)
		return err
	}
	if err := l.store.Set(TokenKey, token); err != nil {
		l.logger.Warn("persisting token", "err", err)
	}
	l.setLocked(Snapshot{State: Authenticated, User: resp.User, Token: token})
	if err := l.session.Connect(ctx, token); err != nil {
		l.logger.Warn("connecting session", "err", err)
	}
	return nil
}

// clearLocked removes the persisted token, disconnects and publishes state.
func (l *Lifecycle) clearLocked(ctx context.Context, state State, cause error) {
	if err := l.store.Remove(TokenKey); err != nil {
		l.logger.Warn("removing persisted token", "err", err)
	}
	if err := l.session.Disconnect(ctx); err != nil {
		l.logger.Warn("disconnecting session", "err", err)
	}
	l.setLocked(Snapshot{State: state, LastError: cause})
}

func (l *Lifecycle) setLocked(s Snapshot) {
	l.mu.Lock()
	prev := l.snap
	l.snap = s
	fns := make([]Listener, 0, len(l.listeners))
	for _, r := range l.listeners {
		fns = append(fns, r.fn)
	}
	l.mu.Unlock()

	if prev.State != s.State {
		l.logger.Info("auth state changed", "from", prev.State.String(), "to", s.State.String())
	}
	for _, fn := range fns {
		fn(s)
	}
}

// expiresAt returns the exp claim of an unverified JWT, zero when absent.
func expiresAt(token string) (time.Time, error) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return time.Time{}, fmt.Errorf("auth: parse token: %w", err)
	}
	exp, err := claims.GetExpirationTime()
	if err != nil {
		return time.Time{}, fmt.Errorf("auth: read exp: %w", err)
	}
	if exp == nil {
		return time.Time{}, nil
	}
	return exp.Time, nil
}
