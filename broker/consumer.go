// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/WilliamJohnathonLea/wmq-server/codec"
	"github.com/WilliamJohnathonLea/wmq-server/queue"
	"github.com/WilliamJohnathonLea/wmq-server/server/otel"
)

// Producer is a connection allowed to publish.
type Producer struct {
	ID     string
	Addr   string
	writer Writer
}

// Consumer is a connection that receives messages from the queues assigned
// to it. Subscriptions are added while it is unstarted; Run then owns them.
type Consumer struct {
	ID     string
	Addr   string
	writer Writer
	subs   []*queue.Subscription

	logger  *slog.Logger
	stats   *Stats
	metrics *otel.Metrics
}

// NewConsumer creates a consumer with no subscriptions.
func NewConsumer(id string, w Writer) *Consumer {
	return &Consumer{
		ID:     id,
		writer: w,
		logger: slog.Default(),
		stats:  NewStats(),
	}
}

// AddSubscription attaches s. Duplicate queues are allowed and deliver
// duplicate copies.
func (c *Consumer) AddSubscription(s *queue.Subscription) {
	c.subs = append(c.subs, s)
}

// Queues returns the queue name of every subscription in assignment order.
func (c *Consumer) Queues() []string {
	names := make([]string, len(c.subs))
	for i, s := range c.subs {
		names[i] = s.Queue()
	}
	return names
}

// detach closes every subscription and returns how many there were.
func (c *Consumer) detach() int {
	n := len(c.subs)
	for _, s := range c.subs {
		s.Close()
	}
	c.subs = nil
	if c.metrics != nil && n > 0 {
		c.metrics.RecordSubscriptionsRemoved(n)
	}
	return n
}

type delivery struct {
	queue string
	msg   codec.Message
}

// Run delivers messages from every subscription until all of them are closed,
// ctx is done, or a write fails. All subscriptions are detached on return.
func (c *Consumer) Run(ctx context.Context) {
	defer c.detach()

	logger := c.logger.With(slog.String("consumer_id", c.ID))
	if len(c.subs) == 0 {
		logger.Debug("consumer has no subscriptions")
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	deliveries := make(chan delivery)
	var wg sync.WaitGroup
	for _, s := range c.subs {
		wg.Add(1)
		go func(s *queue.Subscription) {
			defer wg.Done()
			c.receive(ctx, logger, s, deliveries)
		}(s)
	}
	go func() {
		wg.Wait()
		close(deliveries)
	}()

	for d := range deliveries {
		data, err := codec.EncodeMessage(d.msg)
		if err != nil {
			logger.Error("failed to encode message", slog.String("queue", d.queue), slog.String("error", err.Error()))
			continue
		}
		if _, err := c.writer.Write(data); err != nil {
			logger.Warn("write to consumer failed, stopping delivery",
				slog.String("queue", d.queue),
				slog.String("error", err.Error()))
			break
		}
		c.stats.incrementDelivered()
		if c.metrics != nil {
			c.metrics.RecordDelivery(int64(len(data)))
		}
	}

	cancel()
	wg.Wait()
}

func (c *Consumer) receive(ctx context.Context, logger *slog.Logger, s *queue.Subscription, out chan<- delivery) {
	rx := s.Receiver()
	for {
		msg, err := rx.Recv(ctx)
		if err != nil {
			var lagged *queue.LaggedError
			if errors.As(err, &lagged) {
				logger.Warn("consumer lagging, messages dropped",
					slog.String("queue", s.Queue()),
					slog.Uint64("skipped", lagged.Skipped))
				c.stats.addLagged(lagged.Skipped)
				if c.metrics != nil {
					c.metrics.RecordLagged(lagged.Skipped)
				}
				continue
			}
			if !errors.Is(err, queue.ErrClosed) && !errors.Is(err, context.Canceled) {
				logger.Warn("subscription receive failed", slog.String("queue", s.Queue()), slog.String("error", err.Error()))
			}
			return
		}

		select {
		case out <- delivery{queue: s.Queue(), msg: msg}:
		case <-ctx.Done():
			return
		}
	}
}
