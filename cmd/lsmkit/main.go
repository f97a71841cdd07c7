package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"lsmkit/internal/http"
	"lsmkit/pkg/store"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the YAML config")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := initConfig(*configPath)
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}
	initLogger(&cfg)

	db, err := store.Open(cfg.DB, slog.Default())
	if err != nil {
		slog.Error("failed to open store", "error", err)
		os.Exit(1)
	}

	server := http.NewServer(db, cfg.Server.Port, cfg.Server.ReadHeaderTimeout)
	if err := server.Start(); err != nil {
		slog.Error("failed to start server", "error", err)
		_ = db.Close()
		os.Exit(1)
	}

	<-ctx.Done()
	slog.Info("shutting down")

	if err := server.Stop(); err != nil {
		slog.Error("error stopping server", "error", err)
	}
	if err := db.Close(); err != nil {
		slog.Error("error closing store", "error", err)
		os.Exit(1)
	}

	slog.Info("lsmkit stopped")
}
