package handlers

import (
	"io"
	"net/url"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
)

// Deps are the collaborators of the relay routes.
type Deps struct {
	Auth       *AuthHandler
	Hackathons *HackathonHandler
	Relay      *Relay
	AccessLog  io.Writer // request log; nil disables it
}

// NewApp builds the relay's fiber app.
func NewApp(d Deps) *fiber.App {
	app := fiber.New(fiber.Config{DisableStartupMessage: true})
	if d.AccessLog != nil {
		app.Use(logger.New(logger.Config{Output: d.AccessLog})) // Basic request logging
	}

	authGroup := app.Group("/auth")
	authGroup.Post("/register", d.Auth.Register)
	authGroup.Post("/login", d.Auth.Login)
	authGroup.Get("/verify", d.Auth.Verify)
	authGroup.Post("/refresh", d.Auth.Refresh)
	authGroup.Post("/logout", d.Auth.Logout)
	authGroup.Post("/forgot-password", d.Auth.ForgotPassword)
	authGroup.Post("/reset-password", d.Auth.ResetPassword)

	app.Get("/api/hackathons", d.Hackathons.List)
	app.Get("/api/hackathons/:id", d.Hackathons.Get)

	app.Use("/ws", func(c *fiber.Ctx) error {
		// Check if the request is a WebSocket upgrade request
		if websocket.IsWebSocketUpgrade(c) {
			c.Locals("allowed", true)
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	}, d.Auth.RequireToken)
	app.Get("/ws", websocket.New(d.Relay.HandleWebSocket))

	return app
}

func queryValues(c *fiber.Ctx) url.Values {
	q := url.Values{}
	c.Context().QueryArgs().VisitAll(func(k, v []byte) {
		q.Add(string(k), string(v))
	})
	return q
}
