// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/WilliamJohnathonLea/wmq-server/broker/events"
	"github.com/WilliamJohnathonLea/wmq-server/broker/webhook"
	"github.com/WilliamJohnathonLea/wmq-server/codec"
	"github.com/WilliamJohnathonLea/wmq-server/queue"
	"github.com/WilliamJohnathonLea/wmq-server/server/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// DefaultEventBuffer is the capacity of the inbound event channel.
const DefaultEventBuffer = 100

var (
	// ErrStopped is returned by Submit once the coordinator has stopped.
	ErrStopped = errors.New("coordinator stopped")

	// ErrAlreadyRunning is returned by a second call to Run.
	ErrAlreadyRunning = errors.New("coordinator already running")
)

// Config holds coordinator settings.
type Config struct {
	MaxQueueSize int
	EventBuffer  int
}

// CommandLimiter throttles commands per connection.
type CommandLimiter interface {
	AllowCommand(addr string) bool
	Forget(addr string)
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Coordinator) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithStats sets the stats collector.
func WithStats(s *Stats) Option {
	return func(c *Coordinator) {
		if s != nil {
			c.stats = s
		}
	}
}

// WithMetrics enables OpenTelemetry metrics.
func WithMetrics(m *otel.Metrics) Option {
	return func(c *Coordinator) { c.metrics = m }
}

// WithTracer enables a span per processed event.
func WithTracer(t trace.Tracer) Option {
	return func(c *Coordinator) { c.tracer = t }
}

// WithNotifier enables lifecycle notifications.
func WithNotifier(n webhook.Notifier) Option {
	return func(c *Coordinator) { c.webhooks = n }
}

// WithCommandLimiter enables per-connection command rate limiting.
func WithCommandLimiter(l CommandLimiter) Option {
	return func(c *Coordinator) { c.limiter = l }
}

// Coordinator is the single owner of broker state. Every transition happens
// on the goroutine running Run, one event at a time, in arrival order.
type Coordinator struct {
	events  chan Event
	done    chan struct{}
	running atomic.Bool
	started atomic.Bool

	// Owned by the Run goroutine.
	pending   map[string]Writer
	consumers map[string]*Consumer
	producers map[string]*Producer
	queues    *queue.Registry

	deliveries sync.WaitGroup

	logger   *slog.Logger
	stats    *Stats
	metrics  *otel.Metrics    // nil if metrics disabled
	tracer   trace.Tracer     // nil if tracing disabled
	webhooks webhook.Notifier // nil if webhooks disabled
	limiter  CommandLimiter   // nil if rate limiting disabled
}

// New creates a coordinator. It does nothing until Run is called.
func New(cfg Config, opts ...Option) *Coordinator {
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = DefaultEventBuffer
	}
	c := &Coordinator{
		events:    make(chan Event, cfg.EventBuffer),
		done:      make(chan struct{}),
		pending:   make(map[string]Writer),
		consumers: make(map[string]*Consumer),
		producers: make(map[string]*Producer),
		queues:    queue.NewRegistry(cfg.MaxQueueSize),
		logger:    slog.Default(),
		stats:     NewStats(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Events exposes the inbound channel. Closing it stops Run.
func (c *Coordinator) Events() chan<- Event {
	return c.events
}

// Stats returns the coordinator's statistics.
func (c *Coordinator) Stats() *Stats {
	return c.stats
}

// Ready reports whether Run is processing events.
func (c *Coordinator) Ready() bool {
	if !c.started.Load() {
		return false
	}
	select {
	case <-c.done:
		return false
	default:
		return true
	}
}

// Submit enqueues ev, blocking while the channel is full.
func (c *Coordinator) Submit(ctx context.Context, ev Event) error {
	select {
	case <-c.done:
		return ErrStopped
	default:
	}
	select {
	case c.events <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return ErrStopped
	}
}

// Run processes events until ctx is done or the inbound channel is closed.
// On return every queue is closed and all delivery tasks have exited.
func (c *Coordinator) Run(ctx context.Context) error {
	if !c.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer c.stop(cancel)

	c.started.Store(true)
	c.logger.Info("coordinator started",
		slog.Int("event_buffer", cap(c.events)),
		slog.Int("max_queue_size", c.queues.MaxSize()))

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-c.events:
			if !ok {
				return nil
			}
			c.dispatch(runCtx, ev)
		}
	}
}

func (c *Coordinator) stop(cancel context.CancelFunc) {
	close(c.done)
	c.queues.Close()
	for id, cons := range c.consumers {
		cons.detach()
		delete(c.consumers, id)
	}
	cancel()
	c.deliveries.Wait()
	c.syncGauges()
	c.logger.Info("coordinator stopped")
}

func (c *Coordinator) dispatch(ctx context.Context, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("event handler panicked",
				slog.String("event", ev.eventName()),
				slog.String("panic", fmt.Sprint(r)))
		}
	}()

	if c.tracer != nil {
		var span trace.Span
		ctx, span = c.tracer.Start(ctx, "coordinator."+ev.eventName(),
			trace.WithAttributes(attribute.String("wmq.event", ev.eventName())))
		defer span.End()
	}

	switch e := ev.(type) {
	case NewConnection:
		c.handleNewConnection(ctx, e)
	case ConnectionDropped:
		c.handleConnectionDropped(ctx, e)
	case ConsumerAssigned:
		c.handleConsumerAssigned(ctx, e)
	case ConsumerStarted:
		c.handleConsumerStarted(ctx, e)
	case ProducerAssigned:
		c.handleProducerAssigned(ctx, e)
	case QueueAssigned:
		c.handleQueueAssigned(ctx, e)
	case QueueDeclared:
		c.handleQueueDeclared(ctx, e)
	case MessageReceived:
		c.handleMessageReceived(ctx, e)
	default:
		c.logger.Warn("unknown event", slog.String("type", fmt.Sprintf("%T", ev)))
	}
	c.syncGauges()
}

func (c *Coordinator) handleNewConnection(ctx context.Context, e NewConnection) {
	if e.Writer == nil {
		c.logger.Warn("connection without writer ignored", slog.String("addr", e.Addr))
		return
	}
	c.pending[e.Addr] = e.Writer
	c.logger.Info("connected", slog.String("addr", e.Addr))
	c.notify(ctx, events.ConnectionOpened{RemoteAddr: e.Addr})
}

func (c *Coordinator) handleConnectionDropped(ctx context.Context, e ConnectionDropped) {
	_, pending := c.pending[e.Addr]
	delete(c.pending, e.Addr)
	c.logOp("connection dropped", slog.String("addr", e.Addr), slog.Bool("pending", pending))
	c.notify(ctx, events.ConnectionDropped{RemoteAddr: e.Addr, Pending: pending})
}

func (c *Coordinator) handleConsumerAssigned(ctx context.Context, e ConsumerAssigned) {
	w, ok := c.pending[e.Addr]
	if !ok {
		c.logOp("consumer assignment without pending connection", slog.String("addr", e.Addr), slog.String("consumer_id", e.ID))
		return
	}
	delete(c.pending, e.Addr)

	_, replaced := c.consumers[e.ID]
	if replaced {
		// Unstarted consumers are overwritten; the old one stops receiving.
		c.consumers[e.ID].detach()
		c.logger.Warn("consumer id reassigned", slog.String("consumer_id", e.ID), slog.String("addr", e.Addr))
	}

	cons := NewConsumer(e.ID, w)
	cons.Addr = e.Addr
	cons.logger = c.logger
	cons.stats = c.stats
	cons.metrics = c.metrics
	c.consumers[e.ID] = cons

	c.logger.Info("assigned consumer", slog.String("addr", e.Addr), slog.String("consumer_id", e.ID))
	c.notify(ctx, events.ConsumerAssigned{ConsumerID: e.ID, RemoteAddr: e.Addr, Replaced: replaced})
}

func (c *Coordinator) handleConsumerStarted(ctx context.Context, e ConsumerStarted) {
	cons, ok := c.consumers[e.ID]
	if !ok {
		c.logOp("start for unknown consumer", slog.String("consumer_id", e.ID))
		return
	}
	// The id is free again once started; a later assignment may reuse it.
	delete(c.consumers, e.ID)
	queues := cons.Queues()

	c.deliveries.Add(1)
	c.stats.consumerStarted()
	if c.metrics != nil {
		c.metrics.RecordConsumerStarted()
	}
	go func() {
		defer c.deliveries.Done()
		defer func() {
			c.stats.consumerStopped()
			if c.metrics != nil {
				c.metrics.RecordConsumerStopped()
			}
			c.logOp("consumer stopped", slog.String("consumer_id", cons.ID))
		}()
		cons.Run(ctx)
	}()

	c.logger.Info("consumer started", slog.String("consumer_id", e.ID), slog.Int("queues", len(queues)))
	c.notify(ctx, events.ConsumerStarted{ConsumerID: e.ID, Queues: queues})
}

func (c *Coordinator) handleProducerAssigned(ctx context.Context, e ProducerAssigned) {
	w, ok := c.pending[e.Addr]
	if !ok {
		c.logOp("producer assignment without pending connection", slog.String("addr", e.Addr), slog.String("producer_id", e.ID))
		return
	}
	delete(c.pending, e.Addr)
	c.producers[e.ID] = &Producer{ID: e.ID, Addr: e.Addr, writer: w}

	c.logger.Info("assigned producer", slog.String("addr", e.Addr), slog.String("producer_id", e.ID))
	c.notify(ctx, events.ProducerAssigned{ProducerID: e.ID, RemoteAddr: e.Addr})
}

func (c *Coordinator) handleQueueAssigned(ctx context.Context, e QueueAssigned) {
	cons, ok := c.consumers[e.ConsumerID]
	if !ok {
		c.logOp("queue assignment to unknown consumer", slog.String("consumer_id", e.ConsumerID), slog.String("queue", e.Queue))
		return
	}
	q, ok := c.queues.Get(e.Queue)
	if !ok {
		c.logOp("assignment of undeclared queue", slog.String("consumer_id", e.ConsumerID), slog.String("queue", e.Queue))
		return
	}

	cons.AddSubscription(q.Subscribe())
	if c.metrics != nil {
		c.metrics.RecordSubscriptionAdded()
	}
	c.logger.Info("assigned queue to consumer", slog.String("queue", e.Queue), slog.String("consumer_id", e.ConsumerID))
	c.notify(ctx, events.QueueAssigned{ConsumerID: e.ConsumerID, Name: e.Queue})
}

func (c *Coordinator) handleQueueDeclared(ctx context.Context, e QueueDeclared) {
	q, err := c.queues.Declare(e.Name, e.Size)
	if err != nil {
		c.logOp("queue not declared", slog.String("queue", e.Name), slog.Int("size", e.Size), slog.String("reason", err.Error()))
		return
	}
	if c.metrics != nil {
		c.metrics.RecordQueueDeclared(q.Capacity())
	}
	c.logger.Info("queue declared", slog.String("queue", e.Name), slog.Int("size", q.Capacity()))
	c.notify(ctx, events.QueueDeclared{Name: e.Name, Size: q.Capacity()})
}

func (c *Coordinator) handleMessageReceived(ctx context.Context, e MessageReceived) {
	p, ok := c.producers[e.ProducerID]
	if !ok {
		c.stats.incrementDropped()
		c.logOp("message from unknown producer dropped", slog.String("producer_id", e.ProducerID), slog.String("queue", e.Queue))
		return
	}

	start := time.Now()
	c.stats.incrementPublished()
	size := int64(len(e.Message.Body))

	q, ok := c.queues.Get(e.Queue)
	if !ok {
		c.reject(ctx, p, e, codec.ReasonQueueNotFound, otel.OutcomeQueueNotFound, size, start)
		c.logger.Warn("publish to undeclared queue", slog.String("producer_id", e.ProducerID), slog.String("queue", e.Queue))
		return
	}

	n, err := q.Publish(e.Message)
	if err != nil {
		c.reject(ctx, p, e, codec.ReasonPublishFailed, otel.OutcomeNoSubscribers, size, start)
		c.logger.Warn("failed to publish message", slog.String("producer_id", e.ProducerID), slog.String("queue", e.Queue), slog.String("error", err.Error()))
		return
	}

	c.reply(p, codec.Ack())
	c.stats.incrementAcked()
	if c.metrics != nil {
		c.metrics.RecordPublish(otel.OutcomeAck, size, msSince(start))
	}
	c.logger.Info("message received", slog.String("producer_id", e.ProducerID), slog.String("queue", e.Queue), slog.Int("subscribers", n))
	c.notify(ctx, events.MessagePublished{
		ProducerID:  e.ProducerID,
		Name:        e.Queue,
		Sender:      e.Message.Sender,
		Subscribers: n,
		BodySize:    len(e.Message.Body),
		Body:        e.Message.Body,
	})
}

func (c *Coordinator) reject(ctx context.Context, p *Producer, e MessageReceived, reason, outcome string, size int64, start time.Time) {
	c.reply(p, codec.Nack(reason))
	c.stats.incrementNacked()
	if c.metrics != nil {
		c.metrics.RecordPublish(outcome, size, msSince(start))
	}
	c.notify(ctx, events.MessageRejected{ProducerID: e.ProducerID, Name: e.Queue, Reason: reason})
}

// reply writes to a producer. Failures are logged; the producer stays registered.
func (c *Coordinator) reply(p *Producer, b []byte) {
	if _, err := p.writer.Write(b); err != nil {
		c.logError("reply to producer", err, slog.String("producer_id", p.ID), slog.String("addr", p.Addr))
	}
}

func (c *Coordinator) notify(ctx context.Context, ev events.Event) {
	if c.webhooks == nil {
		return
	}
	if err := c.webhooks.Notify(ctx, ev); err != nil {
		c.logOp("webhook notify failed", slog.String("event_type", ev.Type()), slog.String("error", err.Error()))
	}
}

func (c *Coordinator) syncGauges() {
	c.stats.setPending(len(c.pending))
	c.stats.setProducers(len(c.producers))
	c.stats.setConsumers(len(c.consumers))
	c.stats.setQueues(c.queues.Len())
}

func (c *Coordinator) logOp(op string, attrs ...any) {
	c.logger.Debug(op, attrs...)
}

func (c *Coordinator) logError(op string, err error, attrs ...any) {
	if err != nil {
		allAttrs := append([]any{slog.String("error", err.Error())}, attrs...)
		c.logger.Error(op, allAttrs...)
	}
}

func msSince(t time.Time) float64 {
	return float64(time.Since(t).Microseconds()) / 1000
}
