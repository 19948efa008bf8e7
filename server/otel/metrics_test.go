// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package otel

import (
	"context"
	"testing"

	"github.com/WilliamJohnathonLea/wmq-server/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func collectNames(t *testing.T, reader *sdkmetric.ManualReader) map[string]bool {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	names := make(map[string]bool)
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			names[m.Name] = true
		}
	}
	return names
}

func TestMetricsRecorded(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	prev := otel.GetMeterProvider()
	otel.SetMeterProvider(mp)
	t.Cleanup(func() {
		otel.SetMeterProvider(prev)
		_ = mp.Shutdown(context.Background())
	})

	m, err := NewMetrics()
	require.NoError(t, err)

	m.RecordConnection("tcp")
	m.RecordDisconnection("tcp")
	m.RecordCommand("SendMessage")
	m.RecordMalformedFrame()
	m.RecordThrottledFrame()
	m.RecordQueueDeclared(10)
	m.RecordSubscriptionAdded()
	m.RecordSubscriptionsRemoved(1)
	m.RecordConsumerStarted()
	m.RecordConsumerStopped()
	m.RecordPublish(OutcomeAck, 42, 0.5)
	m.RecordDelivery(42)
	m.RecordLagged(3)

	names := collectNames(t, reader)
	for _, want := range []string{
		"wmq.connections.total",
		"wmq.disconnections.total",
		"wmq.commands.total",
		"wmq.frames.malformed.total",
		"wmq.frames.throttled.total",
		"wmq.queues.declared.total",
		"wmq.publishes.total",
		"wmq.deliveries.total",
		"wmq.messages.lagged.total",
		"wmq.bytes.sent.total",
		"wmq.connections.current",
		"wmq.subscriptions.active",
		"wmq.consumers.running",
		"wmq.message.size.bytes",
		"wmq.publish.duration.ms",
	} {
		assert.True(t, names[want], "missing metric %s", want)
	}
}

func TestInitProviderDisabled(t *testing.T) {
	cfg := config.TelemetryConfig{
		ServiceName:    "wmq-test",
		ServiceVersion: "0.0.0",
	}

	p, err := InitProvider(context.Background(), cfg, "node-1")
	require.NoError(t, err)
	assert.Nil(t, p.Tracer())
	assert.NoError(t, p.Shutdown(context.Background()))
}

func TestNilProvider(t *testing.T) {
	var p *Provider
	assert.Nil(t, p.Tracer())
	assert.NoError(t, p.Shutdown(context.Background()))
}
