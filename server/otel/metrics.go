// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package otel

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Publish outcomes recorded with RecordPublish.
const (
	OutcomeAck           = "ack"
	OutcomeQueueNotFound = "queue_not_found"
	OutcomeNoSubscribers = "no_subscribers"
)

// Metrics holds OpenTelemetry metric instruments for the broker.
type Metrics struct {
	meter metric.Meter

	// Counters
	connectionsTotal    metric.Int64Counter
	disconnectionsTotal metric.Int64Counter
	commandsTotal       metric.Int64Counter
	malformedTotal      metric.Int64Counter
	throttledTotal      metric.Int64Counter
	queuesDeclared      metric.Int64Counter
	publishesTotal      metric.Int64Counter
	deliveriesTotal     metric.Int64Counter
	laggedTotal         metric.Int64Counter
	bytesSent           metric.Int64Counter

	// UpDownCounters (Gauges)
	connectionsCurrent  metric.Int64UpDownCounter
	subscriptionsActive metric.Int64UpDownCounter
	consumersRunning    metric.Int64UpDownCounter

	// Histograms
	messageSize     metric.Int64Histogram
	publishDuration metric.Float64Histogram
}

// NewMetrics creates a new Metrics instance using the global meter provider.
func NewMetrics() (*Metrics, error) {
	m := &Metrics{
		meter: otel.Meter("wmq-server"),
	}

	var err error

	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&m.connectionsTotal, "wmq.connections.total", "Total number of accepted connections"},
		{&m.disconnectionsTotal, "wmq.disconnections.total", "Total number of closed connections"},
		{&m.commandsTotal, "wmq.commands.total", "Commands decoded by kind"},
		{&m.malformedTotal, "wmq.frames.malformed.total", "Frames that failed to decode"},
		{&m.throttledTotal, "wmq.frames.throttled.total", "Frames dropped by the command rate limit"},
		{&m.queuesDeclared, "wmq.queues.declared.total", "Queues declared"},
		{&m.publishesTotal, "wmq.publishes.total", "Publish attempts by outcome"},
		{&m.deliveriesTotal, "wmq.deliveries.total", "Messages written to consumers"},
		{&m.laggedTotal, "wmq.messages.lagged.total", "Messages lost by lagging subscribers"},
		{&m.bytesSent, "wmq.bytes.sent.total", "Bytes written to consumers"},
	}
	for _, c := range counters {
		*c.dst, err = m.meter.Int64Counter(c.name, metric.WithDescription(c.desc))
		if err != nil {
			return nil, fmt.Errorf("failed to create %s counter: %w", c.name, err)
		}
	}

	m.connectionsCurrent, err = m.meter.Int64UpDownCounter(
		"wmq.connections.current",
		metric.WithDescription("Current number of open connections"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create connectionsCurrent gauge: %w", err)
	}

	m.subscriptionsActive, err = m.meter.Int64UpDownCounter(
		"wmq.subscriptions.active",
		metric.WithDescription("Number of attached queue subscriptions"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create subscriptionsActive gauge: %w", err)
	}

	m.consumersRunning, err = m.meter.Int64UpDownCounter(
		"wmq.consumers.running",
		metric.WithDescription("Number of running consumer delivery tasks"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create consumersRunning gauge: %w", err)
	}

	m.messageSize, err = m.meter.Int64Histogram(
		"wmq.message.size.bytes",
		metric.WithDescription("Published message body size distribution"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create messageSize histogram: %w", err)
	}

	m.publishDuration, err = m.meter.Float64Histogram(
		"wmq.publish.duration.ms",
		metric.WithDescription("Publish processing duration in milliseconds"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create publishDuration histogram: %w", err)
	}

	return m, nil
}

// RecordConnection records a new connection.
func (m *Metrics) RecordConnection(transport string) {
	ctx := context.Background()
	m.connectionsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("transport", transport),
	))
	m.connectionsCurrent.Add(ctx, 1)
}

// RecordDisconnection records a closed connection.
func (m *Metrics) RecordDisconnection(transport string) {
	ctx := context.Background()
	m.disconnectionsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("transport", transport),
	))
	m.connectionsCurrent.Add(ctx, -1)
}

// RecordCommand records a decoded command.
func (m *Metrics) RecordCommand(kind string) {
	m.commandsTotal.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("kind", kind),
	))
}

// RecordMalformedFrame records a frame that could not be decoded.
func (m *Metrics) RecordMalformedFrame() {
	m.malformedTotal.Add(context.Background(), 1)
}

// RecordThrottledFrame records a frame dropped by rate limiting.
func (m *Metrics) RecordThrottledFrame() {
	m.throttledTotal.Add(context.Background(), 1)
}

// RecordQueueDeclared records a new queue.
func (m *Metrics) RecordQueueDeclared(capacity int) {
	m.queuesDeclared.Add(context.Background(), 1, metric.WithAttributes(
		attribute.Int("capacity", capacity),
	))
}

// RecordSubscriptionAdded records a new subscription.
func (m *Metrics) RecordSubscriptionAdded() {
	m.subscriptionsActive.Add(context.Background(), 1)
}

// RecordSubscriptionsRemoved records n detached subscriptions.
func (m *Metrics) RecordSubscriptionsRemoved(n int) {
	m.subscriptionsActive.Add(context.Background(), int64(-n))
}

// RecordConsumerStarted records a delivery task start.
func (m *Metrics) RecordConsumerStarted() {
	m.consumersRunning.Add(context.Background(), 1)
}

// RecordConsumerStopped records a delivery task exit.
func (m *Metrics) RecordConsumerStopped() {
	m.consumersRunning.Add(context.Background(), -1)
}

// RecordPublish records a publish attempt and its outcome.
func (m *Metrics) RecordPublish(outcome string, sizeBytes int64, durationMs float64) {
	ctx := context.Background()
	m.publishesTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("outcome", outcome),
	))
	m.messageSize.Record(ctx, sizeBytes)
	m.publishDuration.Record(ctx, durationMs)
}

// RecordDelivery records a message written to a consumer.
func (m *Metrics) RecordDelivery(sizeBytes int64) {
	ctx := context.Background()
	m.deliveriesTotal.Add(ctx, 1)
	m.bytesSent.Add(ctx, sizeBytes)
}

// RecordLagged records messages a subscriber lost by falling behind.
func (m *Metrics) RecordLagged(n uint64) {
	m.laggedTotal.Add(context.Background(), int64(n))
}
