package main

import (
	"log/slog"
	"os"

	"lsmkit/pkg/config"
)

// initConfig loads the YAML config at path. A missing file yields config.Default().
func initConfig(path string) (config.Config, error) {
	return config.Load(path)
}

// initLogger installs the global slog.Logger (JSON or text).
func initLogger(cfg *config.Config) {
	level, err := cfg.Logger.SlogLevel()
	if err != nil {
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{AddSource: true, Level: level}

	var handler slog.Handler
	if cfg.Logger.JSON {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)
	slog.Info("logger initialized", "level", level.String(), "json", cfg.Logger.JSON)
}
