// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/WilliamJohnathonLea/wmq-server/codec"
	"github.com/WilliamJohnathonLea/wmq-server/queue"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func runConsumer(ctx context.Context, c *Consumer) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		c.Run(ctx)
	}()
	return done
}

func waitDone(t *testing.T, done <-chan struct{}) {
	t.Helper()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("consumer did not stop")
	}
}

func declare(t *testing.T, r *queue.Registry, name string, size int) *queue.Queue {
	t.Helper()
	q, err := r.Declare(name, size)
	require.NoError(t, err)
	return q
}

func TestConsumerWithoutSubscriptionsReturns(t *testing.T) {
	c := NewConsumer("c1", newRecordingWriter())
	waitDone(t, runConsumer(context.Background(), c))
}

func TestConsumerFansInQueues(t *testing.T) {
	r := queue.NewRegistry(0)
	orders := declare(t, r, "orders", 4)
	billing := declare(t, r, "billing", 4)

	w := newRecordingWriter()
	c := NewConsumer("c1", w)
	c.AddSubscription(orders.Subscribe())
	c.AddSubscription(billing.Subscribe())
	assert.Equal(t, []string{"orders", "billing"}, c.Queues())

	ctx, cancel := context.WithCancel(context.Background())
	done := runConsumer(ctx, c)

	_, err := orders.Publish(codec.Message{Sender: "p1", Body: "a"})
	require.NoError(t, err)
	assert.Equal(t, `{"sender":"p1","body":"a"}`, w.next(t))

	_, err = billing.Publish(codec.Message{Sender: "p2", Body: "b"})
	require.NoError(t, err)
	assert.Equal(t, `{"sender":"p2","body":"b"}`, w.next(t))

	cancel()
	waitDone(t, done)
	assert.Equal(t, 0, orders.Subscribers())
	assert.Equal(t, 0, billing.Subscribers())
	assert.Equal(t, uint64(2), c.stats.Snapshot().Delivered)
}

func TestConsumerStopsOnWriteFailure(t *testing.T) {
	r := queue.NewRegistry(0)
	orders := declare(t, r, "orders", 4)
	billing := declare(t, r, "billing", 4)

	w := newRecordingWriter()
	w.err = errors.New("connection reset")
	c := NewConsumer("c1", w)
	c.AddSubscription(orders.Subscribe())
	c.AddSubscription(billing.Subscribe())

	done := runConsumer(context.Background(), c)

	_, err := orders.Publish(codec.Message{Sender: "p1", Body: "a"})
	require.NoError(t, err)
	waitDone(t, done)

	assert.Equal(t, 0, orders.Subscribers())
	assert.Equal(t, 0, billing.Subscribers())
	_, err = billing.Publish(codec.Message{Sender: "p1", Body: "b"})
	assert.ErrorIs(t, err, queue.ErrNoSubscribers)
}

func TestConsumerSkipsLaggedMessages(t *testing.T) {
	r := queue.NewRegistry(0)
	q := declare(t, r, "orders", 2)

	w := newRecordingWriter()
	c := NewConsumer("c1", w)
	c.AddSubscription(q.Subscribe())

	for _, body := range []string{"1", "2", "3", "4", "5"} {
		_, err := q.Publish(codec.Message{Sender: "p1", Body: body})
		require.NoError(t, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := runConsumer(ctx, c)

	assert.Equal(t, `{"sender":"p1","body":"4"}`, w.next(t))
	assert.Equal(t, `{"sender":"p1","body":"5"}`, w.next(t))

	cancel()
	waitDone(t, done)
	assert.Equal(t, uint64(3), c.stats.Snapshot().Lagged)
}

func TestConsumerDrainsClosedQueue(t *testing.T) {
	r := queue.NewRegistry(0)
	q := declare(t, r, "orders", 4)

	w := newRecordingWriter()
	c := NewConsumer("c1", w)
	c.AddSubscription(q.Subscribe())

	_, err := q.Publish(codec.Message{Sender: "p1", Body: "last"})
	require.NoError(t, err)
	r.Close()

	waitDone(t, runConsumer(context.Background(), c))
	assert.Equal(t, []string{`{"sender":"p1","body":"last"}`}, w.all())
}
