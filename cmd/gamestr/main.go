// gamestr is the local Nostr runtime service behind the game-rating desktop
// app. It maintains relay connections, ingests rating and profile events into
// an embedded database, aggregates trust-weighted rating summaries, and
// drains the outgoing event queue, all controlled over a local HTTP command
// channel.
//
// Usage:
//
//	export DATABASE_URL=gamestr.db
//	export SEED_RELAYS=wss://relay.damus.io,wss://nos.lol
//	./gamestr
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"gamestr/internal/config"
	"gamestr/internal/pool"
	"gamestr/internal/rating"
	"gamestr/internal/runtime"
	"gamestr/internal/server"
	"gamestr/internal/store"
	"gamestr/internal/trust"
)

const trustCacheSize = 4096

func main() {
	// A local .env keeps desktop deployments out of the shell profile.
	_ = godotenv.Load()

	// Structured JSON logging by default — easy to parse with any log aggregator.
	logLevel := slog.LevelInfo
	if os.Getenv("LOG_LEVEL") == "debug" {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})))

	slog.Info("starting gamestr runtime", "version", "1.0.0")

	// ─── Configuration ────────────────────────────────────────────────────────
	cfg := config.Load()
	slog.Info("config loaded",
		"database", cfg.DatabaseURL,
		"port", cfg.Port,
		"seed_relays", len(cfg.SeedRelays),
	)

	// ─── Database ─────────────────────────────────────────────────────────────
	st, err := store.Open(cfg.DatabaseURL)
	if err != nil {
		slog.Error("failed to open database", "error", err, "url", cfg.DatabaseURL)
		os.Exit(1)
	}
	defer st.Close()

	if err := st.Migrate(); err != nil {
		slog.Error("database migration failed", "error", err)
		os.Exit(1)
	}

	// ─── Pipeline wiring ──────────────────────────────────────────────────────
	resolver, err := trust.NewResolver(st, trustCacheSize)
	if err != nil {
		slog.Error("failed to build trust resolver", "error", err)
		os.Exit(1)
	}
	relayPool := pool.New(st)
	aggregator := rating.NewAggregator(st, resolver)
	broadcaster := server.NewStatusBroadcaster()

	seed := make([]store.Relay, 0, len(cfg.SeedRelays))
	for _, u := range cfg.SeedRelays {
		url, err := store.CanonicalRelayURL(u)
		if err != nil {
			slog.Warn("skipping invalid seed relay", "url", u, "error", err)
			continue
		}
		seed = append(seed, store.Relay{
			URL:        url,
			Categories: []string{"general"},
			Read:       true,
			Write:      true,
			AddedBy:    store.AddedBySystem,
		})
	}

	ctl := runtime.NewController(st, relayPool, aggregator, resolver, broadcaster, runtime.Options{
		StatusInterval:     cfg.StatusInterval,
		QueueInterval:      cfg.QueueInterval,
		FlushInterval:      cfg.FlushInterval,
		SubRefreshInterval: cfg.SubRefreshInterval,
		RecoveryThreshold:  cfg.RecoveryThreshold,
		SeedRelays:         seed,
	})

	// ─── Graceful shutdown ────────────────────────────────────────────────────
	ctx, cancel := signal.NotifyContext(context.Background(),
		syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := ctl.Start(ctx); err != nil {
		slog.Error("runtime start failed", "error", err)
		os.Exit(1)
	}

	// ─── Start command server ─────────────────────────────────────────────────
	srv := server.New(cfg.Port, ctl, broadcaster)
	srv.Start(ctx) // blocks until ctx is cancelled

	ctl.Shutdown(false)
	slog.Info("gamestr runtime stopped")
}
