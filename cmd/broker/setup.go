// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"io"
	"log/slog"

	"github.com/WilliamJohnathonLea/wmq-server/config"
	"github.com/WilliamJohnathonLea/wmq-server/ratelimit"
)

func logLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func newLogger(cfg config.LogConfig, w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: logLevel(cfg.Level)}
	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}

func rateLimitConfig(cfg config.RateLimitConfig) ratelimit.Config {
	return ratelimit.Config{
		Enabled: cfg.Enabled,
		Connection: ratelimit.ConnectionConfig{
			Enabled:         cfg.Connection.Enabled,
			Rate:            cfg.Connection.Rate,
			Burst:           cfg.Connection.Burst,
			CleanupInterval: cfg.Connection.CleanupInterval,
		},
		Command: ratelimit.CommandConfig{
			Enabled: cfg.Command.Enabled,
			Rate:    cfg.Command.Rate,
			Burst:   cfg.Command.Burst,
		},
	}
}
