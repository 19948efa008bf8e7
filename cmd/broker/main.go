// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/WilliamJohnathonLea/wmq-server/broker"
	"github.com/WilliamJohnathonLea/wmq-server/broker/webhook"
	"github.com/WilliamJohnathonLea/wmq-server/config"
	"github.com/WilliamJohnathonLea/wmq-server/ratelimit"
	"github.com/WilliamJohnathonLea/wmq-server/server/health"
	"github.com/WilliamJohnathonLea/wmq-server/server/otel"
	"github.com/WilliamJohnathonLea/wmq-server/server/tcp"
	"github.com/WilliamJohnathonLea/wmq-server/server/websocket"
	"github.com/spf13/cobra"
)

const version = "0.1.0"

var (
	configFile string
	port       int
)

var rootCmd = &cobra.Command{
	Use:   "wmq-server",
	Short: "wmq-server - an in-memory pub/sub message broker",
	Long: `wmq-server accepts producers and consumers over TCP and WebSocket,
routes published messages to named in-memory queues and fans each message
out to every consumer subscribed to the queue.

Configuration is read from the YAML file given with --config, a .env file
in the working directory and WMQ_* environment variables, in that order.`,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configFile)
		if err != nil {
			return fmt.Errorf("failed to load configuration: %w", err)
		}
		if cmd.Flags().Changed("port") {
			cfg.Server.Port = port
			if err := cfg.Validate(); err != nil {
				return err
			}
		}
		return run(cfg)
	},
}

func init() {
	rootCmd.Flags().StringVarP(&configFile, "config", "c", "", "Path to configuration file")
	rootCmd.Flags().IntVarP(&port, "port", "p", 0, "TCP listen port, overrides configuration")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(cfg *config.Config) error {
	logger := newLogger(cfg.Log, os.Stdout)
	slog.SetDefault(logger)

	slog.Info("Starting wmq broker", "version", version, "node_id", cfg.Broker.NodeID)
	slog.Info("Configuration loaded",
		"tcp_listener", cfg.Server.TCPAddr(),
		"ws_enabled", cfg.Server.WSEnabled,
		"ws_listener", cfg.Server.WSAddr,
		"health_enabled", cfg.Server.HealthEnabled,
		"ratelimit_enabled", cfg.RateLimit.Enabled,
		"webhook_enabled", cfg.Webhook.Enabled,
		"log_level", cfg.Log.Level)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var provider *otel.Provider
	opts := []broker.Option{broker.WithLogger(logger)}
	if cfg.Telemetry.MetricsEnabled || cfg.Telemetry.TracesEnabled {
		var err error
		provider, err = otel.InitProvider(ctx, cfg.Telemetry, cfg.Broker.NodeID)
		if err != nil {
			return fmt.Errorf("failed to initialize OpenTelemetry: %w", err)
		}
		slog.Info("OpenTelemetry initialized",
			"endpoint", cfg.Telemetry.Endpoint,
			"metrics", cfg.Telemetry.MetricsEnabled,
			"traces", cfg.Telemetry.TracesEnabled)

		if cfg.Telemetry.MetricsEnabled {
			metrics, err := otel.NewMetrics()
			if err != nil {
				return fmt.Errorf("failed to create metrics: %w", err)
			}
			opts = append(opts, broker.WithMetrics(metrics))
		}
		if tracer := provider.Tracer(); tracer != nil {
			opts = append(opts, broker.WithTracer(tracer))
		}
	}

	var notifier *webhook.GenericNotifier
	if cfg.Webhook.Enabled {
		var err error
		notifier, err = webhook.NewNotifier(cfg.Webhook, cfg.Broker.NodeID, webhook.NewHTTPSender(), logger)
		if err != nil {
			return fmt.Errorf("failed to create webhook notifier: %w", err)
		}
		opts = append(opts, broker.WithNotifier(notifier))
		slog.Info("Webhook notifications enabled", "endpoints", len(cfg.Webhook.Endpoints))
	}

	limiter := ratelimit.NewManager(rateLimitConfig(cfg.RateLimit))
	defer limiter.Stop()
	if cfg.RateLimit.Enabled {
		opts = append(opts, broker.WithCommandLimiter(limiter))
		slog.Info("Rate limiting enabled",
			"connection", cfg.RateLimit.Connection.Enabled,
			"command", cfg.RateLimit.Command.Enabled)
	}

	coord := broker.New(broker.Config{
		MaxQueueSize: cfg.Broker.MaxQueueSize,
		EventBuffer:  cfg.Broker.EventBuffer,
	}, opts...)

	var wg sync.WaitGroup
	serverErr := make(chan error, 4)

	coordDone := make(chan struct{})
	go func() {
		defer close(coordDone)
		if err := coord.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			serverErr <- err
		}
	}()

	tcpServer := tcp.New(tcp.Config{
		Address:         cfg.Server.TCPAddr(),
		Logger:          logger,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
		WriteTimeout:    cfg.Server.WriteTimeout,
		MaxConnections:  cfg.Server.MaxConnections,
		ReadBufferSize:  cfg.Server.ReadBufferSize,
		RateLimiter:     limiter,
	}, coord)

	wg.Add(1)
	go func() {
		defer wg.Done()
		slog.Info("Starting TCP server", "address", cfg.Server.TCPAddr())
		if err := tcpServer.Listen(ctx); err != nil {
			serverErr <- err
		}
	}()

	if cfg.Server.WSEnabled {
		wsServer := websocket.New(websocket.Config{
			Address:         cfg.Server.WSAddr,
			Path:            cfg.Server.WSPath,
			ShutdownTimeout: cfg.Server.ShutdownTimeout,
			WriteTimeout:    cfg.Server.WriteTimeout,
			ReadLimit:       int64(cfg.Server.ReadBufferSize),
			RateLimiter:     limiter,
		}, coord, logger)

		wg.Add(1)
		go func() {
			defer wg.Done()
			slog.Info("Starting WebSocket server", "address", cfg.Server.WSAddr, "path", cfg.Server.WSPath)
			if err := wsServer.Listen(ctx); err != nil {
				serverErr <- err
			}
		}()
	}

	if cfg.Server.HealthEnabled {
		healthServer := health.New(health.Config{
			Address:         cfg.Server.HealthAddr,
			NodeID:          cfg.Broker.NodeID,
			ShutdownTimeout: cfg.Server.ShutdownTimeout,
		}, coord, logger)

		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := healthServer.Listen(ctx); err != nil {
				serverErr <- err
			}
		}()
	}

	slog.Info("wmq broker started successfully")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	var runErr error
	select {
	case sig := <-sigChan:
		slog.Info("Received shutdown signal", "signal", sig)
	case runErr = <-serverErr:
		slog.Error("Server error", "error", runErr)
	}

	cancel()
	wg.Wait()
	<-coordDone

	if notifier != nil {
		if err := notifier.Close(); err != nil {
			slog.Error("Failed to close webhook notifier", "error", err)
		}
	}

	if provider != nil {
		otelCtx, otelCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer otelCancel()
		if err := provider.Shutdown(otelCtx); err != nil {
			slog.Error("Failed to shutdown OpenTelemetry", "error", err)
		} else {
			slog.Info("OpenTelemetry shutdown complete")
		}
	}

	snap := coord.Stats().Snapshot()
	slog.Info("wmq broker stopped",
		"connections", snap.TotalConnections,
		"published", snap.Published,
		"delivered", snap.Delivered)
	return runErr
}
