// Package apiclient is the HTTP side of the platform API: authentication and
// hackathon listings.
package apiclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/karthikraju391/hackmate/models"
)

// Response is a raw HTTP result.
type Response struct {
	Status int
	Body   []byte
}

// StatusError is returned for non-2xx responses.
type StatusError struct {
	Method  string
	Path    string
	Status  int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("apiclient: %s %s: status %d: %s", e.Method, e.Path, e.Status, e.Message)
	}
	return fmt.Sprintf("apiclient: %s %s: status %d", e.Method, e.Path, e.Status)
}

// IsUnauthorized reports whether err is a 401 or 403 response.
func IsUnauthorized(err error) bool {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Status == fasthttp.StatusUnauthorized || se.Status == fasthttp.StatusForbidden
	}
	return false
}

// Client talks to the platform API.
type Client struct {
	baseURL string
	timeout time.Duration
	http    *fasthttp.Client
}

// New creates a Client rooted at baseURL.
func New(baseURL string, timeout time.Duration) (*Client, error) {
	u, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil {
		return nil, fmt.Errorf("apiclient: parse base url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("apiclient: base url must be http or https, got %q", baseURL)
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(u.String(), "/"),
		timeout: timeout,
		http: &fasthttp.Client{
			Name:                "hackmate",
			ReadTimeout:         timeout,
			WriteTimeout:        timeout,
			MaxIdleConnDuration: time.Minute,
		},
	}, nil
}

// Do issues a request. body, when non-nil, is sent as JSON. The context
// deadline bounds the request together with the client timeout, and
// cancelling ctx abandons a request in flight: Do returns ctx.Err() at once
// while the connection finishes or times out in the background.
func (c *Client) Do(ctx context.Context, method, path string, body any, headers map[string]string) (Response, error) {
	if err := ctx.Err(); err != nil {
		return Response{}, err
	}

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	release := func() {
		fasthttp.ReleaseRequest(req)
		fasthttp.ReleaseResponse(resp)
	}

	req.SetRequestURI(c.baseURL + path)
	req.Header.SetMethod(method)
	req.Header.Set("Accept", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			release()
			return Response{}, fmt.Errorf("apiclient: marshal %s %s body: %w", method, path, err)
		}
		req.Header.SetContentType("application/json")
		req.SetBodyRaw(raw)
	}

	deadline := time.Now().Add(c.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	errc := make(chan error, 1)
	go func() { errc <- c.http.DoDeadline(req, resp, deadline) }()
	select {
	case err := <-errc:
		defer release()
		if err != nil {
			return Response{}, fmt.Errorf("apiclient: %s %s: %w", method, path, err)
		}
	case <-ctx.Done():
		// req and resp belong to the request goroutine until it returns
		go func() {
			<-errc
			release()
		}()
		return Response{}, fmt.Errorf("apiclient: %s %s: %w", method, path, ctx.Err())
	}

	// resp is released on return, so the body must be copied out.
	out := Response{Status: resp.StatusCode(), Body: append([]byte(nil), resp.Body()...)}
	return out, nil
}

func (c *Client) Get(ctx context.Context, path string, headers map[string]string) (Response, error) {
	return c.Do(ctx, fasthttp.MethodGet, path, nil, headers)
}

func (c *Client) Post(ctx context.Context, path string, body any, headers map[string]string) (Response, error) {
	return c.Do(ctx, fasthttp.MethodPost, path, body, headers)
}

func bearer(token string) map[string]string {
	return map[string]string{"Authorization": "Bearer " + token}
}

// decode checks the status and unmarshals the body into out (when non-nil).
func decode(method, path string, resp Response, out any) error {
	if resp.Status < 200 || resp.Status > 299 {
		var body struct {
			Message string `json:"message"`
			Error   string `json:"error"`
		}
		_ = json.Unmarshal(resp.Body, &body)
		msg := body.Message
		if msg == "" {
			msg = body.Error
		}
		return &StatusError{Method: method, Path: path, Status: resp.Status, Message: msg}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(resp.Body, out); err != nil {
		return fmt.Errorf("apiclient: decode %s %s: %w", method, path, err)
	}
	return nil
}

// Login exchanges credentials for a token.
func (c *Client) Login(ctx context.Context, email, password string) (models.AuthResponse, error) {
	const path = "/auth/login"
	resp, err := c.Post(ctx, path, models.LoginRequest{Email: email, Password: password}, nil)
	if err != nil {
		return models.AuthResponse{}, err
	}
	var out models.AuthResponse
	if err := decode(fasthttp.MethodPost, path, resp, &out); err != nil {
		return models.AuthResponse{}, err
	}
	return out, nil
}

// Register creates an account and returns its first token.
func (c *Client) Register(ctx context.Context, in models.RegisterRequest) (models.AuthResponse, error) {
	const path = "/auth/register"
	resp, err := c.Post(ctx, path, in, nil)
	if err != nil {
		return models.AuthResponse{}, err
	}
	var out models.AuthResponse
	if err := decode(fasthttp.MethodPost, path, resp, &out); err != nil {
		return models.AuthResponse{}, err
	}
	return out, nil
}

// Verify checks a stored token and returns the user it belongs to.
func (c *Client) Verify(ctx context.Context, token string) (models.AuthResponse, error) {
	const path = "/auth/verify"
	resp, err := c.Get(ctx, path, bearer(token))
	if err != nil {
		return models.AuthResponse{}, err
	}
	var out models.AuthResponse
	if err := decode(fasthttp.MethodGet, path, resp, &out); err != nil {
		return models.AuthResponse{}, err
	}
	if out.Token == "" {
		out.Token = token
	}
	return out, nil
}

// Refresh trades a token (possibly expired) for a new one.
func (c *Client) Refresh(ctx context.Context, token string) (string, error) {
	const path = "/auth/refresh"
	resp, err := c.Post(ctx, path, nil, bearer(token))
	if err != nil {
		return "", err
	}
	var out models.RefreshResponse
	if err := decode(fasthttp.MethodPost, path, resp, &out); err != nil {
		return "", err
	}
	if out.Token == "" {
		return "", fmt.Errorf("apiclient: POST %s: empty token", path)
	}
	return out.Token, nil
}

func (c *Client) Logout(ctx context.Context, token string) error {
	const path = "/auth/logout"
	resp, err := c.Post(ctx, path, nil, bearer(token))
	if err != nil {
		return err
	}
	return decode(fasthttp.MethodPost, path, resp, nil)
}

// ForgotPassword asks the server to start a password reset for email and
// returns its confirmation message.
func (c *Client) ForgotPassword(ctx context.Context, email string) (string, error) {
	const path = "/auth/forgot-password"
	resp, err := c.Post(ctx, path, models.ForgotPasswordRequest{Email: email}, nil)
	if err != nil {
		return "", err
	}
	var out models.MessageResponse
	if err := decode(fasthttp.MethodPost, path, resp, &out); err != nil {
		return "", err
	}
	return out.Message, nil
}

// ResetPassword sets a new password using a reset token.
func (c *Client) ResetPassword(ctx context.Context, token, password string) (string, error) {
	const path = "/auth/reset-password"
	resp, err := c.Post(ctx, path, models.ResetPasswordRequest{Token: token, Password: password}, nil)
	if err != nil {
		return "", err
	}
	var out models.MessageResponse
	if err := decode(fasthttp.MethodPost, path, resp, &out); err != nil {
		return "", err
	}
	return out.Message, nil
}

// Hackathons fetches one listing page.
func (c *Client) Hackathons(ctx context.Context, filters models.HackathonFilters) (models.HackathonPage, error) {
	path := "/api/hackathons"
	if q := filters.Values().Encode(); q != "" {
		path += "?" + q
	}
	resp, err := c.Get(ctx, path, nil)
	if err != nil {
		return models.HackathonPage{}, err
	}
	var out models.HackathonPage
	if err := decode(fasthttp.MethodGet, path, resp, &out); err != nil {
		return models.HackathonPage{}, err
	}
	return out, nil
}

// Hackathon fetches a single event.
func (c *Client) Hackathon(ctx context.Context, id string) (models.Hackathon, error) {
	path := "/api/hackathons/" + url.PathEscape(id)
	resp, err := c.Get(ctx, path, nil)
	if err != nil {
		return models.Hackathon{}, err
	}
	var out struct {
		Data models.Hackathon `json:"data"`
	}
	if err := decode(fasthttp.MethodGet, path, resp, &out); err != nil {
		return models.Hackathon{}, err
	}
	return out.Data, nil
}
