// Package main runs the team-room relay: the auth and listing API plus the
// websocket endpoint hackmate clients connect to.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/karthikraju391/hackmate/config"
	"github.com/karthikraju391/hackmate/handlers"
	"github.com/karthikraju391/hackmate/models"
	"github.com/karthikraju391/hackmate/nats_service"
	"github.com/karthikraju391/hackmate/observability"
)

func main() {
	cfg, err := config.ParseRelayFlags(flag.CommandLine, os.Args[1:])
	if err != nil {
		log.Fatalf("parse config: %v", err)
	}
	logger := observability.New(os.Stdout, cfg.LogLevel)
	observability.SetDefault(logger)

	// --- Initialize broker ---
	var broker nats_service.Broker
	if cfg.NatsURL != "" {
		natsSvc, err := nats_service.NewNatsService(cfg, logger)
		if err != nil {
			log.Fatalf("Failed to initialize NATS Service: %v", err)
		}
		broker = natsSvc
		logger.Info("NATS broker initialized", "url", cfg.NatsURL, "stream", cfg.StreamName)
	} else {
		broker = nats_service.NewMemoryBroker()
		logger.Info("in-process broker initialized")
	}
	defer broker.Close()

	// --- Initialize Fiber App ---
	authHandler := &handlers.AuthHandler{
		Accounts:  handlers.NewAccounts(),
		Tokens:    handlers.NewTokens(cfg.JWTSecret, cfg.TokenTTL),
		SendReset: func(email, token string) {
			// no mail transport; operators hand the token over
			logger.Info("password reset requested", "email", email, "token", token)
		},
	}
	app := handlers.NewApp(handlers.Deps{
		Auth:       authHandler,
		Hackathons: &handlers.HackathonHandler{Catalog: handlers.NewCatalog(seedHackathons()...)},
		Relay:      handlers.NewRelay(broker, logger),
		AccessLog:  os.Stdout,
	})

	// --- Start Server ---
	go func() {
		logger.Info("starting relay", "addr", cfg.Addr)
		if err := app.Listen(cfg.Addr); err != nil {
			log.Fatalf("Server failed to start: %v", err)
		}
	}()

	// --- Graceful Shutdown ---
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	logger.Info("shutting down relay")
	if err := app.Shutdown(); err != nil {
		logger.Error("shutting down fiber", "err", err)
	}
	logger.Info("relay stopped")
}

func seedHackathons() []models.Hackathon {
	return []models.Hackathon{
		{ID: "hm-ai-2026", Title: "Applied AI Sprint", Description: "Ship an AI feature in 48 hours.", Status: models.HackathonRegistrationOpen, Mode: "online", Tags: []string{"ai", "ml"}, StartDate: "2026-11-07", EndDate: "2026-11-09", MaxTeamSize: 4, Participants: 212},
		{ID: "hm-climate-2026", Title: "Climate Data Jam", Description: "Open datasets, real emissions problems.", Status: models.HackathonUpcoming, Mode: "hybrid", Tags: []string{"data", "climate"}, StartDate: "2026-12-05", EndDate: "2026-12-06", MaxTeamSize: 5, Participants: 96},
		{ID: "hm-web-2026", Title: "Web Platform Weekend", Description: "Build with the newest browser APIs.", Status: models.HackathonOngoing, Mode: "offline", Tags: []string{"web"}, StartDate: "2026-10-16", EndDate: "2026-10-18", MaxTeamSize: 3, Participants: 140},
		{ID: "hm-fintech-2026", Title: "Fintech Rails", Description: "Payments, ledgers and compliance tooling.", Status: models.HackathonCompleted, Mode: "online", Tags: []string{"fintech", "web"}, StartDate: "2026-09-12", EndDate: "2026-09-14", MaxTeamSize: 4, Participants: 180},
	}
}
