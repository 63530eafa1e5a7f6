package handlers

import (
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/karthikraju391/hackmate/models"
)

var (
	ErrEmailTaken         = errors.New("email already registered")
	ErrInvalidCredentials = errors.New("invalid email or password")
	ErrInvalidToken       = errors.New("invalid token")
	ErrRevokedToken       = errors.New("token revoked")
	ErrInvalidResetToken  = errors.New("invalid or expired reset token")
)

const resetTTL = time.Hour

// Accounts is the in-memory user directory of the relay.
type Accounts struct {
	mu      sync.RWMutex
	byEmail map[string]account
	byID    map[string]string // id -> email
	resets  map[string]resetTicket
}

type resetTicket struct {
	email string
	exp   time.Time
}

type account struct {
	user models.User
	hash []byte
}

func NewAccounts() *Accounts {
	return &Accounts{
		byEmail: make(map[string]account),
		byID:    make(map[string]string),
		resets:  make(map[string]resetTicket),
	}
}

// Register stores a new user with a bcrypt password hash.
func (a *Accounts) Register(in models.RegisterRequest) (models.User, error) {
	email := strings.ToLower(strings.TrimSpace(in.Email))
	if _, err := mail.ParseAddress(email); err != nil {
		return models.User{}, fmt.Errorf("invalid email: %w", err)
	}
	hash, err := hashPassword(in.Password)
	if err != nil {
		return models.User{}, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.byEmail[email]; ok {
		return models.User{}, ErrEmailTaken
	}
	name := strings.TrimSpace(in.Name)
	if name == "" {
		name = strings.SplitN(email, "@", 2)[0]
	}
	user := models.User{ID: uuid.NewString(), Name: name, Email: email, Role: "participant"}
	a.byEmail[email] = account{user: user, hash: hash}
	a.byID[user.ID] = email
	return user, nil
}

func (a *Accounts) Authenticate(email, password string) (models.User, error) {
	a.mu.RLock()
	acc, ok := a.byEmail[strings.ToLower(strings.TrimSpace(email))]
	a.mu.RUnlock()
	if !ok || bcrypt.CompareHashAndPassword(acc.hash, []byte(password)) != nil {
		return models.User{}, ErrInvalidCredentials
	}
	return acc.user, nil
}

func (a *Accounts) Get(id string) (models.User, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	email, ok := a.byID[id]
	if !ok {
		return models.User{}, false
	}
	return a.byEmail[email].user, true
}

// StartReset issues a single-use reset token for email. ok is false when no
// account uses that address.
func (a *Accounts) StartReset(email string) (token string, ok bool) {
	email = strings.ToLower(strings.TrimSpace(email))
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.byEmail[email]; !ok {
		return "", false
	}
	now := time.Now()
	for t, r := range a.resets {
		if now.After(r.exp) || r.email == email {
			delete(a.resets, t)
		}
	}
	token = uuid.NewString()
	a.resets[token] = resetTicket{email: email, exp: now.Add(resetTTL)}
	return token, true
}

// ResetPassword consumes a reset token and replaces the account's password.
func (a *Accounts) ResetPassword(token, password string) error {
	hash, err := hashPassword(password)
	if err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	r, ok := a.resets[token]
	if !ok || time.Now().After(r.exp) {
		return ErrInvalidResetToken
	}
	delete(a.resets, token)
	acc, ok := a.byEmail[r.email]
	if !ok {
		return ErrInvalidResetToken
	}
	acc.hash = hash
	a.byEmail[r.email] = acc
	return nil
}

func hashPassword(password string) ([]byte, error) {
	if len(password) < 6 {
		return nil, errors.New("password must be at least 6 characters")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}
	return hash, nil
}

// Claims are the relay's JWT claims.
type Claims struct {
	Name  string `json:"name"`
	Email string `json:"email"`
	jwt.RegisteredClaims
}

// Tokens issues and checks HS256 tokens. Revocation is kept in memory until
// the token would have expired anyway.
type Tokens struct {
	secret []byte
	ttl    time.Duration
	grace  time.Duration // how long after expiry a token may still be refreshed
	now    func() time.Time

	mu      sync.Mutex
	revoked map[string]time.Time // jti -> exp
}

func NewTokens(secret string, ttl time.Duration) *Tokens {
	return &Tokens{
		secret:  []byte(secret),
		ttl:     ttl,
		grace:   7 * 24 * time.Hour,
		now:     time.Now,
		revoked: make(map[string]time.Time),
	}
}

func (t *Tokens) Issue(user models.User) (string, error) {
	now := t.now()
	claims := Claims{
		Name:  user.Name,
		Email: user.Email,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   user.ID,
			ID:        uuid.NewString(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(t.ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// Verify checks signature, expiry and revocation.
func (t *Tokens) Verify(token string) (Claims, error) {
	claims, err := t.parse(token, jwt.WithTimeFunc(t.now))
	if err != nil {
		return Claims{}, err
	}
	return claims, nil
}

// ParseForRefresh accepts an expired token within the refresh grace period.
func (t *Tokens) ParseForRefresh(token string) (Claims, error) {
	claims, err := t.parse(token, jwt.WithoutClaimsValidation())
	if err != nil {
		return Claims{}, err
	}
	if claims.ExpiresAt == nil || t.now().After(claims.ExpiresAt.Add(t.grace)) {
		return Claims{}, ErrInvalidToken
	}
	return claims, nil
}

func (t *Tokens) parse(token string, opts ...jwt.ParserOption) (Claims, error) {
	var claims Claims
	opts = append(opts, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	_, err := jwt.ParseWithClaims(strings.TrimSpace(token), &claims, func(*jwt.Token) (any, error) {
		return t.secret, nil
	}, opts...)
	if err != nil {
		return Claims{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.Subject == "" {
		return Claims{}, ErrInvalidToken
	}
	t.mu.Lock()
	_, revoked := t.revoked[claims.ID]
	t.mu.Unlock()
	if revoked {
		return Claims{}, ErrRevokedToken
	}
	return claims, nil
}

// Revoke blocks the token's id and drops revocations that no longer matter.
func (t *Tokens) Revoke(c Claims) {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	for id, exp := range t.revoked {
		if now.After(exp.Add(t.grace)) {
			delete(t.revoked, id)
		}
	}
	exp := now
	if c.ExpiresAt != nil {
		exp = c.ExpiresAt.Time
	}
	t.revoked[c.ID] = exp
}

// AuthHandler serves the /auth routes.
type AuthHandler struct {
	Accounts *Accounts
	Tokens   *Tokens
	// SendReset delivers a password reset token. The relay has no mailer, so
	// nil drops the token.
	SendReset func(email, token string)
}

func (h *AuthHandler) Register(c *fiber.Ctx) error {
	var in models.RegisterRequest
	if err := c.BodyParser(&in); err != nil {
		return fail(c, fiber.StatusBadRequest, "invalid request body")
	}
	user, err := h.Accounts.Register(in)
	if errors.Is(err, ErrEmailTaken) {
		return fail(c, fiber.StatusConflict, err.Error())
	}
	if err != nil {
		return fail(c, fiber.StatusBadRequest, err.Error())
	}
	return h.respond(c, fiber.StatusCreated, user)
}

func (h *AuthHandler) Login(c *fiber.Ctx) error {
	var in models.LoginRequest
	if err := c.BodyParser(&in); err != nil {
		return fail(c, fiber.StatusBadRequest, "invalid request body")
	}
	user, err := h.Accounts.Authenticate(in.Email, in.Password)
	if err != nil {
		return fail(c, fiber.StatusUnauthorized, err.Error())
	}
	return h.respond(c, fiber.StatusOK, user)
}

// Verify returns the user of a valid bearer token. The token itself is not
// reissued.
func (h *AuthHandler) Verify(c *fiber.Ctx) error {
	claims, err := h.Tokens.Verify(bearerToken(c))
	if err != nil {
		return fail(c, fiber.StatusUnauthorized, err.Error())
	}
	user, ok := h.Accounts.Get(claims.Subject)
	if !ok {
		return fail(c, fiber.StatusUnauthorized, "unknown user")
	}
	return c.JSON(models.AuthResponse{User: user})
}

// Refresh trades a current or recently expired token for a new one and
// revokes the old one.
func (h *AuthHandler) Refresh(c *fiber.Ctx) error {
	claims, err := h.Tokens.ParseForRefresh(bearerToken(c))
	if err != nil {
		return fail(c, fiber.StatusUnauthorized, err.Error())
	}
	user, ok := h.Accounts.Get(claims.Subject)
	if !ok {
		return fail(c, fiber.StatusUnauthorized, "unknown user")
	}
	token, err := h.Tokens.Issue(user)
	if err != nil {
		return fail(c, fiber.StatusInternalServerError, "could not issue token")
	}
	h.Tokens.Revoke(claims)
	return c.JSON(models.RefreshResponse{Token: token})
}

func (h *AuthHandler) Logout(c *fiber.Ctx) error {
	if claims, err := h.Tokens.ParseForRefresh(bearerToken(c)); err == nil {
		h.Tokens.Revoke(claims)
	}
	return c.JSON(fiber.Map{"success": true})
}

// ForgotPassword answers the same way whether or not the address is known.
func (h *AuthHandler) ForgotPassword(c *fiber.Ctx) error {
	var in models.ForgotPasswordRequest
	if err := c.BodyParser(&in); err != nil || strings.TrimSpace(in.Email) == "" {
		return fail(c, fiber.StatusBadRequest, "email is required")
	}
	if token, ok := h.Accounts.StartReset(in.Email); ok && h.SendReset != nil {
		h.SendReset(strings.ToLower(strings.TrimSpace(in.Email)), token)
	}
	return c.JSON(models.MessageResponse{Success: true, Message: "if the account exists, a reset link has been sent"})
}

func (h *AuthHandler) ResetPassword(c *fiber.Ctx) error {
	var in models.ResetPasswordRequest
	if err := c.BodyParser(&in); err != nil {
		return fail(c, fiber.StatusBadRequest, "invalid request body")
	}
	if err := h.Accounts.ResetPassword(in.Token, in.Password); err != nil {
		return fail(c, fiber.StatusBadRequest, err.Error())
	}
	return c.JSON(models.MessageResponse{Success: true, Message: "password updated"})
}

func (h *AuthHandler) respond(c *fiber.Ctx, status int, user models.User) error {
	token, err := h.Tokens.Issue(user)
	if err != nil {
		return fail(c, fiber.StatusInternalServerError, "could not issue token")
	}
	return c.Status(status).JSON(models.AuthResponse{User: user, Token: token})
}

// RequireToken authenticates the request by bearer token (or the token query
// parameter, for websocket clients that cannot set headers) and stores the
// claims in c.Locals("claims").
func (h *AuthHandler) RequireToken(c *fiber.Ctx) error {
	token := bearerToken(c)
	if token == "" {
		token = c.Query("token")
	}
	claims, err := h.Tokens.Verify(token)
	if err != nil {
		return fail(c, fiber.StatusUnauthorized, err.Error())
	}
	c.Locals("claims", claims)
	return c.Next()
}

func bearerToken(c *fiber.Ctx) string {
	h := c.Get(fiber.HeaderAuthorization)
	if token, ok := strings.CutPrefix(h, "Bearer "); ok {
		return strings.TrimSpace(token)
	}
	return ""
}

func fail(c *fiber.Ctx, status int, message string) error {
	return c.Status(status).JSON(fiber.Map{"success": false, "message": message})
}
