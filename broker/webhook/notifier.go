// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"sync"
	"time"

	"github.com/WilliamJohnathonLea/wmq-server/broker/events"
	"github.com/WilliamJohnathonLea/wmq-server/config"
	"github.com/sony/gobreaker"
)

// ErrNotifierClosed is returned by Notify after Close.
var ErrNotifierClosed = errors.New("webhook notifier closed")

// GenericNotifier fans events out to configured endpoints through a bounded
// job queue and a worker pool. Each endpoint has its own circuit breaker.
// Every event is attempted once per endpoint.
type GenericNotifier struct {
	cfg            config.WebhookConfig
	brokerID       string
	endpoints      []endpoint
	jobs           chan job
	breakers       map[string]*gobreaker.CircuitBreaker
	sender         Sender
	logger         *slog.Logger
	wg             sync.WaitGroup
	ctx            context.Context
	cancel         context.CancelFunc
	includePayload bool
}

type endpoint struct {
	name    string
	url     string
	events  map[string]bool
	queues  []string
	headers map[string]string
	timeout time.Duration
}

type job struct {
	event    events.Event
	endpoint endpoint
}

// NewNotifier creates a notifier and starts its workers.
func NewNotifier(cfg config.WebhookConfig, brokerID string, sender Sender, logger *slog.Logger) (*GenericNotifier, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if sender == nil {
		return nil, fmt.Errorf("sender cannot be nil")
	}
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.QueueSize < 1 {
		cfg.QueueSize = 1
	}

	endpoints := make([]endpoint, 0, len(cfg.Endpoints))
	for _, ep := range cfg.Endpoints {
		filter := make(map[string]bool, len(ep.Events))
		for _, t := range ep.Events {
			filter[t] = true
		}
		timeout := cfg.Defaults.Timeout
		if ep.Timeout > 0 {
			timeout = ep.Timeout
		}
		endpoints = append(endpoints, endpoint{
			name:    ep.Name,
			url:     ep.URL,
			events:  filter,
			queues:  ep.Queues,
			headers: ep.Headers,
			timeout: timeout,
		})
	}

	threshold := uint32(cfg.Defaults.CircuitBreaker.FailureThreshold)
	if threshold == 0 {
		threshold = 1
	}
	breakers := make(map[string]*gobreaker.CircuitBreaker, len(endpoints))
	for _, ep := range endpoints {
		breakers[ep.name] = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        ep.name,
			MaxRequests: 1,
			Timeout:     cfg.Defaults.CircuitBreaker.ResetTimeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= threshold
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				logger.Warn("webhook circuit breaker state changed",
					slog.String("endpoint", name),
					slog.String("from", from.String()),
					slog.String("to", to.String()))
			},
		})
	}

	ctx, cancel := context.WithCancel(context.Background())
	n := &GenericNotifier{
		cfg:            cfg,
		brokerID:       brokerID,
		endpoints:      endpoints,
		jobs:           make(chan job, cfg.QueueSize),
		breakers:       breakers,
		sender:         sender,
		logger:         logger,
		ctx:            ctx,
		cancel:         cancel,
		includePayload: cfg.IncludePayload,
	}

	for i := 0; i < cfg.Workers; i++ {
		n.wg.Add(1)
		go n.worker()
	}

	logger.Info("webhook notifier started",
		slog.Int("workers", cfg.Workers),
		slog.Int("queue_size", cfg.QueueSize),
		slog.Int("endpoints", len(endpoints)))

	return n, nil
}

// Notify queues event for every matching endpoint. When the queue is full
// the configured drop policy decides which event is lost.
func (n *GenericNotifier) Notify(_ context.Context, event events.Event) error {
	if n.ctx.Err() != nil {
		return ErrNotifierClosed
	}
	if mp, ok := event.(events.MessagePublished); ok && !n.includePayload {
		mp.Body = ""
		event = mp
	}

	for _, ep := range n.endpoints {
		if !ep.matches(event) {
			continue
		}
		n.enqueue(job{event: event, endpoint: ep})
	}
	return nil
}

func (n *GenericNotifier) enqueue(j job) {
	select {
	case n.jobs <- j:
		return
	default:
	}

	if n.cfg.DropPolicy == "oldest" {
		select {
		case <-n.jobs:
		default:
		}
		select {
		case n.jobs <- j:
			return
		default:
		}
	}
	n.logger.Error("webhook queue full, event dropped",
		slog.String("event_type", j.event.Type()),
		slog.String("endpoint", j.endpoint.name))
}

func (ep endpoint) matches(event events.Event) bool {
	if len(ep.events) > 0 && !ep.events[event.Type()] {
		return false
	}

	q := event.Queue()
	if q == "" || len(ep.queues) == 0 {
		return true
	}
	for _, pattern := range ep.queues {
		if ok, err := path.Match(pattern, q); err == nil && ok {
			return true
		}
	}
	return false
}

func (n *GenericNotifier) worker() {
	defer n.wg.Done()

	for {
		select {
		case <-n.ctx.Done():
			return
		case j := <-n.jobs:
			n.process(j)
		}
	}
}

func (n *GenericNotifier) process(j job) {
	breaker := n.breakers[j.endpoint.name]
	_, err := breaker.Execute(func() (interface{}, error) {
		return nil, n.send(j)
	})
	if err != nil {
		n.logger.Warn("webhook delivery failed",
			slog.String("endpoint", j.endpoint.name),
			slog.String("event_type", j.event.Type()),
			slog.String("error", err.Error()))
	}
}

func (n *GenericNotifier) send(j job) error {
	payload, err := json.Marshal(j.event.Wrap(n.brokerID))
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), j.endpoint.timeout)
	defer cancel()

	if err := n.sender.Send(ctx, j.endpoint.url, j.endpoint.headers, payload, j.endpoint.timeout); err != nil {
		return err
	}

	n.logger.Debug("webhook delivered",
		slog.String("endpoint", j.endpoint.name),
		slog.String("event_type", j.event.Type()))
	return nil
}

// Close stops accepting events and waits for in-flight deliveries.
func (n *GenericNotifier) Close() error {
	n.logger.Info("shutting down webhook notifier")
	n.cancel()

	done := make(chan struct{})
	go func() {
		n.wg.Wait()
		close(done)
	}()

	timeout := n.cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	select {
	case <-done:
		n.logger.Info("webhook notifier stopped")
	case <-time.After(timeout):
		n.logger.Warn("webhook notifier shutdown timeout, some events may be lost",
			slog.Int("queue_depth", len(n.jobs)))
	}
	return nil
}
