// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the broker.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Broker    BrokerConfig    `yaml:"broker"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Log       LogConfig       `yaml:"log"`
	RateLimit RateLimitConfig `yaml:"ratelimit"`
	Webhook   WebhookConfig   `yaml:"webhook"`
}

// ServerConfig holds listener settings.
type ServerConfig struct {
	Host            string        `yaml:"host" env:"WMQ_HOST"`
	Port            int           `yaml:"port" env:"PORT"`
	MaxConnections  int           `yaml:"max_connections" env:"WMQ_MAX_CONNECTIONS"`
	ReadBufferSize  int           `yaml:"read_buffer_size" env:"WMQ_READ_BUFFER_SIZE"`
	WriteTimeout    time.Duration `yaml:"write_timeout" env:"WMQ_WRITE_TIMEOUT"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"WMQ_SHUTDOWN_TIMEOUT"`

	WSEnabled bool   `yaml:"ws_enabled" env:"WMQ_WS_ENABLED"`
	WSAddr    string `yaml:"ws_addr" env:"WMQ_WS_ADDR"`
	WSPath    string `yaml:"ws_path" env:"WMQ_WS_PATH"`

	HealthEnabled bool   `yaml:"health_enabled" env:"WMQ_HEALTH_ENABLED"`
	HealthAddr    string `yaml:"health_addr" env:"WMQ_HEALTH_ADDR"`
}

// TCPAddr returns the host:port the TCP listener binds to.
func (s ServerConfig) TCPAddr() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

// BrokerConfig holds coordinator settings.
type BrokerConfig struct {
	NodeID       string `yaml:"node_id" env:"WMQ_NODE_ID"`
	MaxQueueSize int    `yaml:"max_queue_size" env:"WMQ_MAX_QUEUE_SIZE"`
	EventBuffer  int    `yaml:"event_buffer" env:"WMQ_EVENT_BUFFER"`
}

// TelemetryConfig holds OpenTelemetry exporter settings.
type TelemetryConfig struct {
	MetricsEnabled  bool          `yaml:"metrics_enabled" env:"WMQ_OTEL_METRICS_ENABLED"`
	TracesEnabled   bool          `yaml:"traces_enabled" env:"WMQ_OTEL_TRACES_ENABLED"`
	Endpoint        string        `yaml:"endpoint" env:"WMQ_OTEL_ENDPOINT"`
	Insecure        bool          `yaml:"insecure" env:"WMQ_OTEL_INSECURE"`
	ServiceName     string        `yaml:"service_name" env:"WMQ_OTEL_SERVICE_NAME"`
	ServiceVersion  string        `yaml:"service_version" env:"WMQ_OTEL_SERVICE_VERSION"`
	TraceSampleRate float64       `yaml:"trace_sample_rate" env:"WMQ_OTEL_TRACE_SAMPLE_RATE"`
	ExportInterval  time.Duration `yaml:"export_interval" env:"WMQ_OTEL_EXPORT_INTERVAL"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `yaml:"level" env:"WMQ_LOG_LEVEL"`   // debug, info, warn, error
	Format string `yaml:"format" env:"WMQ_LOG_FORMAT"` // text, json
}

// RateLimitConfig holds rate limiting settings.
type RateLimitConfig struct {
	Enabled    bool                      `yaml:"enabled" env:"WMQ_RATELIMIT_ENABLED"`
	Connection ConnectionRateLimitConfig `yaml:"connection"`
	Command    CommandRateLimitConfig    `yaml:"command"`
}

// ConnectionRateLimitConfig limits new connections per IP.
type ConnectionRateLimitConfig struct {
	Enabled         bool          `yaml:"enabled"`
	Rate            float64       `yaml:"rate"`
	Burst           int           `yaml:"burst"`
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
}

// CommandRateLimitConfig limits commands per connection.
type CommandRateLimitConfig struct {
	Enabled bool    `yaml:"enabled"`
	Rate    float64 `yaml:"rate"`
	Burst   int     `yaml:"burst"`
}

// WebhookConfig holds webhook notification configuration.
type WebhookConfig struct {
	Enabled         bool              `yaml:"enabled" env:"WMQ_WEBHOOK_ENABLED"`
	QueueSize       int               `yaml:"queue_size"`
	DropPolicy      string            `yaml:"drop_policy"` // "oldest" or "newest"
	Workers         int               `yaml:"workers"`
	IncludePayload  bool              `yaml:"include_payload"` // include message bodies in message.published
	ShutdownTimeout time.Duration     `yaml:"shutdown_timeout"`
	Defaults        WebhookDefaults   `yaml:"defaults"`
	Endpoints       []WebhookEndpoint `yaml:"endpoints"`
}

// WebhookDefaults holds default settings for webhook endpoints.
type WebhookDefaults struct {
	Timeout        time.Duration        `yaml:"timeout"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// CircuitBreakerConfig holds circuit breaker configuration.
type CircuitBreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	ResetTimeout     time.Duration `yaml:"reset_timeout"`
}

// WebhookEndpoint defines a single webhook endpoint.
type WebhookEndpoint struct {
	Name    string            `yaml:"name"`
	URL     string            `yaml:"url"`
	Events  []string          `yaml:"events"` // event type filter, empty means all
	Queues  []string          `yaml:"queues"` // queue name filter, empty means all
	Headers map[string]string `yaml:"headers"`
	Timeout time.Duration     `yaml:"timeout,omitempty"`
}

// Default returns a configuration with sensible defaults.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			MaxConnections:  10000,
			ReadBufferSize:  512 * 1024,
			WriteTimeout:    5 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			WSEnabled:       false,
			WSAddr:          ":8083",
			WSPath:          "/wmq",
			HealthEnabled:   true,
			HealthAddr:      ":8081",
		},
		Broker: BrokerConfig{
			NodeID:       "wmq-1",
			MaxQueueSize: 5000,
			EventBuffer:  100,
		},
		Telemetry: TelemetryConfig{
			MetricsEnabled:  false,
			TracesEnabled:   false,
			Endpoint:        "localhost:4317",
			Insecure:        true,
			ServiceName:     "wmq-server",
			ServiceVersion:  "0.1.0",
			TraceSampleRate: 0.1,
			ExportInterval:  10 * time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		RateLimit: RateLimitConfig{
			Enabled: false,
			Connection: ConnectionRateLimitConfig{
				Enabled:         true,
				Rate:            100.0 / 60.0,
				Burst:           20,
				CleanupInterval: 5 * time.Minute,
			},
			Command: CommandRateLimitConfig{
				Enabled: true,
				Rate:    1000,
				Burst:   100,
			},
		},
		Webhook: WebhookConfig{
			Enabled:         false,
			QueueSize:       10000,
			DropPolicy:      "oldest",
			Workers:         5,
			IncludePayload:  false,
			ShutdownTimeout: 30 * time.Second,
			Defaults: WebhookDefaults{
				Timeout: 5 * time.Second,
				CircuitBreaker: CircuitBreakerConfig{
					FailureThreshold: 5,
					ResetTimeout:     60 * time.Second,
				},
			},
			Endpoints: []WebhookEndpoint{},
		},
	}
}

// Load builds the configuration from defaults, the optional YAML file, a
// .env file in the working directory and finally the process environment.
// A missing YAML or .env file is not an error.
func Load(filename string) (*Config, error) {
	cfg := Default()

	if filename != "" {
		data, err := os.ReadFile(filename)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config file: %w", err)
			}
		case errors.Is(err, fs.ErrNotExist):
		default:
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env file: %w", err)
	}

	if err := ApplyEnv(cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// ApplyEnv overrides fields of cfg from environment variables. Unset
// variables leave the current value in place.
func ApplyEnv(cfg *Config) error {
	if err := env.Parse(cfg); err != nil {
		return fmt.Errorf("failed to parse environment: %w", err)
	}
	return nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535")
	}
	if c.Server.MaxConnections < 0 {
		return fmt.Errorf("server.max_connections cannot be negative")
	}
	if c.Server.ReadBufferSize < 1024 {
		return fmt.Errorf("server.read_buffer_size must be at least 1KB")
	}
	if c.Server.WriteTimeout <= 0 {
		return fmt.Errorf("server.write_timeout must be positive")
	}
	if c.Server.WSEnabled && c.Server.WSAddr == "" {
		return fmt.Errorf("server.ws_addr required when websocket is enabled")
	}
	if c.Server.HealthEnabled && c.Server.HealthAddr == "" {
		return fmt.Errorf("server.health_addr required when health is enabled")
	}

	if c.Broker.MaxQueueSize < 1 {
		return fmt.Errorf("broker.max_queue_size must be at least 1")
	}
	if c.Broker.EventBuffer < 1 {
		return fmt.Errorf("broker.event_buffer must be at least 1")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Log.Level] {
		return fmt.Errorf("log.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[c.Log.Format] {
		return fmt.Errorf("log.format must be one of: text, json")
	}

	if c.Telemetry.MetricsEnabled || c.Telemetry.TracesEnabled {
		if c.Telemetry.ServiceName == "" {
			return fmt.Errorf("telemetry.service_name cannot be empty when telemetry is enabled")
		}
		if c.Telemetry.Endpoint == "" {
			return fmt.Errorf("telemetry.endpoint cannot be empty when telemetry is enabled")
		}
		if c.Telemetry.TraceSampleRate < 0.0 || c.Telemetry.TraceSampleRate > 1.0 {
			return fmt.Errorf("telemetry.trace_sample_rate must be between 0.0 and 1.0")
		}
	}

	if c.RateLimit.Enabled {
		if c.RateLimit.Connection.Enabled && (c.RateLimit.Connection.Rate <= 0 || c.RateLimit.Connection.Burst < 1) {
			return fmt.Errorf("ratelimit.connection requires a positive rate and burst")
		}
		if c.RateLimit.Command.Enabled && (c.RateLimit.Command.Rate <= 0 || c.RateLimit.Command.Burst < 1) {
			return fmt.Errorf("ratelimit.command requires a positive rate and burst")
		}
	}

	if c.Webhook.Enabled {
		if c.Webhook.QueueSize < 100 {
			return fmt.Errorf("webhook.queue_size must be at least 100")
		}
		if c.Webhook.DropPolicy != "oldest" && c.Webhook.DropPolicy != "newest" {
			return fmt.Errorf("webhook.drop_policy must be 'oldest' or 'newest'")
		}
		if c.Webhook.Workers < 1 {
			return fmt.Errorf("webhook.workers must be at least 1")
		}
		if c.Webhook.ShutdownTimeout < time.Second {
			return fmt.Errorf("webhook.shutdown_timeout must be at least 1 second")
		}
		if c.Webhook.Defaults.Timeout < time.Second {
			return fmt.Errorf("webhook.defaults.timeout must be at least 1 second")
		}
		if c.Webhook.Defaults.CircuitBreaker.FailureThreshold < 1 {
			return fmt.Errorf("webhook.defaults.circuit_breaker.failure_threshold must be at least 1")
		}

		for i, endpoint := range c.Webhook.Endpoints {
			if endpoint.Name == "" {
				return fmt.Errorf("webhook.endpoints[%d].name cannot be empty", i)
			}
			if endpoint.URL == "" {
				return fmt.Errorf("webhook.endpoints[%d].url cannot be empty", i)
			}
		}
	}

	return nil
}

// Save writes the configuration to a YAML file.
func (c *Config) Save(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(filename, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}
