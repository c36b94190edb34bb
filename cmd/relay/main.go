// Command relay runs the agent relay: gate verification, availability
// and session registries, the vessel websocket hub, the agent
// dispatcher, and the capital-flow engine, all behind one REST API.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/ocx/vessel-relay/internal/config"
	"github.com/ocx/vessel-relay/internal/relay"
	"github.com/ocx/vessel-relay/internal/taskstore"
)

func main() {
	configPath := flag.String("config", "", "path to relay YAML config")
	dsn := flag.String("postgres-dsn", os.Getenv("POSTGRES_DSN"), "task store Postgres DSN")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("loading config", "error", err)
		os.Exit(1)
	}

	if *dsn == "" {
		slog.Error("POSTGRES_DSN is not set — refusing to start with no durable task store")
		os.Exit(1)
	}
	durable, err := taskstore.OpenPostgres(*dsn)
	if err != nil {
		slog.Error("opening task store", "error", err)
		os.Exit(1)
	}
	defer durable.Close()

	r, err := relay.New(cfg, durable)
	if err != nil {
		slog.Error("wiring relay", "error", err)
		os.Exit(1)
	}
	defer r.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	slog.Info("relay starting", "addr", cfg.Server.Addr)
	if err := r.Run(ctx); err != nil {
		slog.Error("relay exited", "error", err)
		os.Exit(1)
	}
	slog.Info("relay stopped")
}
