// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/WilliamJohnathonLea/wmq-server/broker/events"
	"github.com/WilliamJohnathonLea/wmq-server/codec"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// recordingWriter captures everything written to it.
type recordingWriter struct {
	mu      sync.Mutex
	writes  []string
	ch      chan string
	err     error
	panicky bool
}

func newRecordingWriter() *recordingWriter {
	return &recordingWriter{ch: make(chan string, 64)}
}

func (w *recordingWriter) Write(p []byte) (int, error) {
	if w.panicky {
		panic("boom")
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return 0, w.err
	}
	s := string(p)
	w.writes = append(w.writes, s)
	select {
	case w.ch <- s:
	default:
	}
	return len(p), nil
}

func (w *recordingWriter) all() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]string(nil), w.writes...)
}

func (w *recordingWriter) next(t *testing.T) string {
	t.Helper()
	select {
	case s := <-w.ch:
		return s
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for write")
		return ""
	}
}

func (w *recordingWriter) expectNone(t *testing.T, d time.Duration) {
	t.Helper()
	select {
	case s := <-w.ch:
		t.Fatalf("unexpected write %q", s)
	case <-time.After(d):
	}
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []events.Event
}

func (n *recordingNotifier) Notify(_ context.Context, ev events.Event) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, ev)
	return nil
}

func (n *recordingNotifier) Close() error { return nil }

func (n *recordingNotifier) types() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]string, len(n.events))
	for i, ev := range n.events {
		out[i] = ev.Type()
	}
	return out
}

func newTestCoordinator(opts ...Option) *Coordinator {
	opts = append([]Option{WithLogger(discardLogger())}, opts...)
	return New(Config{MaxQueueSize: 5000}, opts...)
}

// apply processes events synchronously on the calling goroutine.
func apply(ctx context.Context, c *Coordinator, evs ...Event) {
	for _, ev := range evs {
		c.dispatch(ctx, ev)
	}
}

func producer(ctx context.Context, c *Coordinator, addr, id string) *recordingWriter {
	w := newRecordingWriter()
	apply(ctx, c, NewConnection{Addr: addr, Writer: w}, ProducerAssigned{Addr: addr, ID: id})
	return w
}

func consumer(ctx context.Context, c *Coordinator, addr, id string, queues ...string) *recordingWriter {
	w := newRecordingWriter()
	apply(ctx, c, NewConnection{Addr: addr, Writer: w}, ConsumerAssigned{Addr: addr, ID: id})
	for _, q := range queues {
		apply(ctx, c, QueueAssigned{ConsumerID: id, Queue: q})
	}
	return w
}

func publish(queue, producerID, body string) MessageReceived {
	return MessageReceived{Queue: queue, ProducerID: producerID, Message: codec.Message{Sender: producerID, Body: body}}
}

func TestDeclareQueueFirstWins(t *testing.T) {
	c := newTestCoordinator()
	ctx := context.Background()

	apply(ctx, c,
		QueueDeclared{Name: "orders", Size: 10},
		QueueDeclared{Name: "orders", Size: 20},
		QueueDeclared{Name: "orders", Size: 1},
	)

	q, ok := c.queues.Get("orders")
	require.True(t, ok)
	assert.Equal(t, 10, q.Capacity())
	assert.Equal(t, 1, c.queues.Len())
	assert.Equal(t, int64(1), c.stats.Snapshot().Queues)
}

func TestDeclareQueueRejectsBadSizes(t *testing.T) {
	c := newTestCoordinator()
	ctx := context.Background()

	apply(ctx, c,
		QueueDeclared{Name: "big", Size: 5001},
		QueueDeclared{Name: "empty", Size: 0},
		QueueDeclared{Name: "max", Size: 5000},
	)

	_, ok := c.queues.Get("big")
	assert.False(t, ok)
	_, ok = c.queues.Get("empty")
	assert.False(t, ok)
	_, ok = c.queues.Get("max")
	assert.True(t, ok)
}

func TestOversizedDeclareDoesNotBlockLaterDeclare(t *testing.T) {
	c := newTestCoordinator()
	ctx := context.Background()

	apply(ctx, c,
		QueueDeclared{Name: "orders", Size: 9000},
		QueueDeclared{Name: "orders", Size: 5},
	)

	q, ok := c.queues.Get("orders")
	require.True(t, ok)
	assert.Equal(t, 5, q.Capacity())
}

func TestAssignmentRequiresPendingConnection(t *testing.T) {
	c := newTestCoordinator()
	ctx := context.Background()

	apply(ctx, c,
		ConsumerAssigned{Addr: "10.0.0.1:1", ID: "c1"},
		ProducerAssigned{Addr: "10.0.0.1:1", ID: "p1"},
	)
	assert.Empty(t, c.consumers)
	assert.Empty(t, c.producers)

	w := newRecordingWriter()
	apply(ctx, c,
		NewConnection{Addr: "10.0.0.1:1", Writer: w},
		ProducerAssigned{Addr: "10.0.0.1:1", ID: "p1"},
		ConsumerAssigned{Addr: "10.0.0.1:1", ID: "c1"},
	)
	assert.Contains(t, c.producers, "p1")
	assert.NotContains(t, c.consumers, "c1", "a connection takes only one role")
	assert.Empty(t, c.pending)
}

func TestPublishToUndeclaredQueue(t *testing.T) {
	c := newTestCoordinator()
	ctx := context.Background()

	pw := producer(ctx, c, "10.0.0.2:1", "p1")
	apply(ctx, c, publish("orders", "p1", "hello"))

	assert.Equal(t, []string{"NACK:queue does not exist"}, pw.all())
	assert.Equal(t, uint64(1), c.stats.Snapshot().Nacked)
}

func TestPublishWithoutSubscribers(t *testing.T) {
	c := newTestCoordinator()
	ctx := context.Background()

	apply(ctx, c, QueueDeclared{Name: "orders", Size: 10})
	pw := producer(ctx, c, "10.0.0.2:1", "p1")
	apply(ctx, c, publish("orders", "p1", "hello"))

	assert.Equal(t, []string{"NACK:failed to publish message"}, pw.all())
}

func TestPublishAcksAndDelivers(t *testing.T) {
	c := newTestCoordinator()
	ctx, cancel := context.WithCancel(context.Background())
	defer func() {
		cancel()
		c.deliveries.Wait()
	}()

	apply(ctx, c, QueueDeclared{Name: "orders", Size: 10})
	cw := consumer(ctx, c, "10.0.0.1:1", "c1", "orders")
	apply(ctx, c, ConsumerStarted{ID: "c1"})
	pw := producer(ctx, c, "10.0.0.2:1", "p1")

	apply(ctx, c, publish("orders", "p1", "hello"))

	assert.Equal(t, "ACK", pw.next(t))
	assert.Equal(t, `{"sender":"p1","body":"hello"}`, cw.next(t))

	snap := c.stats.Snapshot()
	assert.Equal(t, uint64(1), snap.Acked)
	assert.Equal(t, int64(1), snap.RunningConsumers)
	assert.Equal(t, int64(0), snap.Consumers)
}

func TestUnstartedConsumerSubscriptionCountsForPublish(t *testing.T) {
	c := newTestCoordinator()
	ctx := context.Background()

	apply(ctx, c, QueueDeclared{Name: "orders", Size: 10})
	consumer(ctx, c, "10.0.0.1:1", "c1", "orders")
	pw := producer(ctx, c, "10.0.0.2:1", "p1")

	apply(ctx, c, publish("orders", "p1", "hello"))
	assert.Equal(t, []string{"ACK"}, pw.all())
}

func TestDuplicateQueueAssignmentDeliversTwice(t *testing.T) {
	c := newTestCoordinator()
	ctx, cancel := context.WithCancel(context.Background())
	defer func() {
		cancel()
		c.deliveries.Wait()
	}()

	apply(ctx, c, QueueDeclared{Name: "orders", Size: 10})
	cw := consumer(ctx, c, "10.0.0.1:1", "c1", "orders", "orders")
	apply(ctx, c, ConsumerStarted{ID: "c1"})
	pw := producer(ctx, c, "10.0.0.2:1", "p1")

	apply(ctx, c, publish("orders", "p1", "once"))

	assert.Equal(t, "ACK", pw.next(t))
	want := `{"sender":"p1","body":"once"}`
	assert.Equal(t, want, cw.next(t))
	assert.Equal(t, want, cw.next(t))
	cw.expectNone(t, 50*time.Millisecond)
}

func TestUnknownProducerIsDropped(t *testing.T) {
	c := newTestCoordinator()
	ctx, cancel := context.WithCancel(context.Background())
	defer func() {
		cancel()
		c.deliveries.Wait()
	}()

	apply(ctx, c, QueueDeclared{Name: "orders", Size: 10})
	cw := consumer(ctx, c, "10.0.0.1:1", "c1", "orders")
	apply(ctx, c, ConsumerStarted{ID: "c1"})
	other := newRecordingWriter()
	apply(ctx, c, NewConnection{Addr: "10.0.0.3:1", Writer: other})

	apply(ctx, c, publish("orders", "ghost", "hello"))

	cw.expectNone(t, 50*time.Millisecond)
	assert.Empty(t, other.all())
	assert.Equal(t, uint64(1), c.stats.Snapshot().Dropped)
}

func TestConsumerIDReusableAfterStart(t *testing.T) {
	c := newTestCoordinator()
	ctx, cancel := context.WithCancel(context.Background())
	defer func() {
		cancel()
		c.deliveries.Wait()
	}()

	apply(ctx, c, QueueDeclared{Name: "orders", Size: 10})
	first := consumer(ctx, c, "10.0.0.1:1", "c1", "orders")
	apply(ctx, c, ConsumerStarted{ID: "c1"})
	second := consumer(ctx, c, "10.0.0.1:2", "c1", "orders")
	apply(ctx, c, ConsumerStarted{ID: "c1"})
	pw := producer(ctx, c, "10.0.0.2:1", "p1")

	apply(ctx, c, publish("orders", "p1", "hello"))

	assert.Equal(t, "ACK", pw.next(t))
	assert.Equal(t, `{"sender":"p1","body":"hello"}`, first.next(t))
	assert.Equal(t, `{"sender":"p1","body":"hello"}`, second.next(t))
	assert.Equal(t, int64(2), c.stats.Snapshot().RunningConsumers)
}

func TestReassigningUnstartedConsumerDetachesOld(t *testing.T) {
	notifier := &recordingNotifier{}
	c := newTestCoordinator(WithNotifier(notifier))
	ctx := context.Background()

	apply(ctx, c, QueueDeclared{Name: "orders", Size: 10})
	consumer(ctx, c, "10.0.0.1:1", "c1", "orders")
	consumer(ctx, c, "10.0.0.1:2", "c1")
	pw := producer(ctx, c, "10.0.0.2:1", "p1")

	apply(ctx, c, publish("orders", "p1", "hello"))

	assert.Equal(t, []string{"NACK:failed to publish message"}, pw.all())
	assert.Equal(t, "10.0.0.1:2", c.consumers["c1"].Addr)

	var replaced []bool
	for _, ev := range notifier.events {
		if ca, ok := ev.(events.ConsumerAssigned); ok {
			replaced = append(replaced, ca.Replaced)
		}
	}
	assert.Equal(t, []bool{false, true}, replaced)
}

func TestStartUnknownConsumerIsNoop(t *testing.T) {
	c := newTestCoordinator()
	apply(context.Background(), c, ConsumerStarted{ID: "nobody"})
	assert.Equal(t, int64(0), c.stats.Snapshot().RunningConsumers)
}

func TestStartConsumerWithoutQueuesExits(t *testing.T) {
	c := newTestCoordinator()
	ctx := context.Background()

	consumer(ctx, c, "10.0.0.1:1", "c1")
	apply(ctx, c, ConsumerStarted{ID: "c1"})
	c.deliveries.Wait()

	assert.Equal(t, int64(0), c.stats.Snapshot().RunningConsumers)
}

func TestQueueAssignmentNoops(t *testing.T) {
	c := newTestCoordinator()
	ctx, cancel := context.WithCancel(context.Background())
	defer func() {
		cancel()
		c.deliveries.Wait()
	}()

	apply(ctx, c, QueueDeclared{Name: "orders", Size: 10})
	consumer(ctx, c, "10.0.0.1:1", "c1", "missing")
	apply(ctx, c, QueueAssigned{ConsumerID: "nobody", Queue: "orders"})
	assert.Empty(t, c.consumers["c1"].Queues())

	apply(ctx, c, QueueAssigned{ConsumerID: "c1", Queue: "orders"}, ConsumerStarted{ID: "c1"})
	apply(ctx, c, QueueAssigned{ConsumerID: "c1", Queue: "orders"})
	assert.NotContains(t, c.consumers, "c1", "started consumers take no new queues")
}

func TestConnectionDroppedRemovesOnlyPending(t *testing.T) {
	c := newTestCoordinator()
	ctx := context.Background()

	apply(ctx, c, NewConnection{Addr: "10.0.0.9:1", Writer: newRecordingWriter()})
	pw := producer(ctx, c, "10.0.0.2:1", "p1")
	assert.Equal(t, int64(1), c.stats.Snapshot().Pending)

	apply(ctx, c, ConnectionDropped{Addr: "10.0.0.9:1"}, ConnectionDropped{Addr: "10.0.0.2:1"})

	snap := c.stats.Snapshot()
	assert.Equal(t, int64(0), snap.Pending)
	assert.Equal(t, int64(1), snap.Producers)

	apply(ctx, c, publish("orders", "p1", "x"))
	assert.Equal(t, []string{"NACK:queue does not exist"}, pw.all())
}

func TestReplyFailureIsSwallowed(t *testing.T) {
	c := newTestCoordinator()
	ctx := context.Background()

	pw := producer(ctx, c, "10.0.0.2:1", "p1")
	pw.err = errors.New("broken pipe")

	apply(ctx, c, publish("orders", "p1", "x"))
	assert.Contains(t, c.producers, "p1")
	assert.Equal(t, uint64(1), c.stats.Snapshot().Nacked)
}

func TestDispatchRecoversFromPanic(t *testing.T) {
	c := newTestCoordinator()
	ctx := context.Background()

	w := newRecordingWriter()
	w.panicky = true
	apply(ctx, c,
		NewConnection{Addr: "10.0.0.2:1", Writer: w},
		ProducerAssigned{Addr: "10.0.0.2:1", ID: "p1"},
	)

	assert.NotPanics(t, func() {
		apply(ctx, c, publish("orders", "p1", "x"))
	})

	apply(ctx, c, QueueDeclared{Name: "after", Size: 1})
	_, ok := c.queues.Get("after")
	assert.True(t, ok)
}

func TestNilWriterIgnored(t *testing.T) {
	c := newTestCoordinator()
	apply(context.Background(), c, NewConnection{Addr: "10.0.0.2:1"})
	assert.Empty(t, c.pending)
}

func TestLifecycleNotifications(t *testing.T) {
	notifier := &recordingNotifier{}
	c := newTestCoordinator(WithNotifier(notifier), WithTracer(tracenoop.NewTracerProvider().Tracer("test")))
	ctx := context.Background()

	apply(ctx, c, QueueDeclared{Name: "orders", Size: 10})
	consumer(ctx, c, "10.0.0.1:1", "c1", "orders")
	producer(ctx, c, "10.0.0.2:1", "p1")
	apply(ctx, c,
		publish("orders", "p1", "hello"),
		publish("billing", "p1", "hello"),
		ConnectionDropped{Addr: "10.0.0.5:1"},
	)

	assert.Equal(t, []string{
		events.TypeQueueDeclared,
		events.TypeConnectionOpened,
		events.TypeConsumerAssigned,
		events.TypeQueueAssigned,
		events.TypeConnectionOpened,
		events.TypeProducerAssigned,
		events.TypeMessagePublished,
		events.TypeMessageRejected,
		events.TypeConnectionDropped,
	}, notifier.types())

	published := notifier.events[6].(events.MessagePublished)
	assert.Equal(t, 1, published.Subscribers)
	assert.Equal(t, 5, published.BodySize)
}

func TestRunProcessesSubmittedEvents(t *testing.T) {
	c := newTestCoordinator()
	ctx, cancel := context.WithCancel(context.Background())

	assert.False(t, c.Ready())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	require.NoError(t, c.Submit(ctx, QueueDeclared{Name: "orders", Size: 3}))
	require.Eventually(t, func() bool { return c.stats.Snapshot().Queues == 1 }, time.Second, 5*time.Millisecond)
	assert.True(t, c.Ready())

	assert.ErrorIs(t, c.Run(ctx), ErrAlreadyRunning)

	cancel()
	require.NoError(t, <-done)
	assert.False(t, c.Ready())
	assert.ErrorIs(t, c.Submit(context.Background(), QueueDeclared{Name: "x", Size: 1}), ErrStopped)
}

func TestRunStopsWhenChannelClosed(t *testing.T) {
	c := newTestCoordinator()
	done := make(chan error, 1)
	go func() { done <- c.Run(context.Background()) }()

	close(c.Events())
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return")
	}
}

func TestRunShutdownStopsDeliveryTasks(t *testing.T) {
	c := newTestCoordinator()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	w := newRecordingWriter()
	for _, ev := range []Event{
		QueueDeclared{Name: "orders", Size: 10},
		NewConnection{Addr: "10.0.0.1:1", Writer: w},
		ConsumerAssigned{Addr: "10.0.0.1:1", ID: "c1"},
		QueueAssigned{ConsumerID: "c1", Queue: "orders"},
		ConsumerStarted{ID: "c1"},
	} {
		require.NoError(t, c.Submit(ctx, ev))
	}
	require.Eventually(t, func() bool { return c.stats.Snapshot().RunningConsumers == 1 }, time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
	assert.Equal(t, int64(0), c.stats.Snapshot().RunningConsumers)
}

func TestSubmitHonoursContext(t *testing.T) {
	c := New(Config{EventBuffer: 1}, WithLogger(discardLogger()))
	require.NoError(t, c.Submit(context.Background(), QueueDeclared{Name: "a", Size: 1}))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := c.Submit(ctx, QueueDeclared{Name: "b", Size: 1})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestEventFromCommand(t *testing.T) {
	addr := "10.0.0.1:5000"
	tests := []struct {
		cmd  codec.Command
		want Event
	}{
		{codec.AssignConsumer{ID: "c1"}, ConsumerAssigned{Addr: addr, ID: "c1"}},
		{codec.StartConsumer{ID: "c1"}, ConsumerStarted{ID: "c1"}},
		{codec.AssignProducer{ID: "p1"}, ProducerAssigned{Addr: addr, ID: "p1"}},
		{codec.AssignQueue{ConsumerID: "c1", Queue: "q"}, QueueAssigned{ConsumerID: "c1", Queue: "q"}},
		{codec.DeclareQueue{Name: "q", Size: 4}, QueueDeclared{Name: "q", Size: 4}},
		{
			codec.SendMessage{Queue: "q", ProducerID: "p1", Msg: codec.Message{Sender: "p1", Body: "b"}},
			MessageReceived{Queue: "q", ProducerID: "p1", Message: codec.Message{Sender: "p1", Body: "b"}},
		},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, EventFromCommand(tt.cmd, addr), tt.cmd.Kind())
	}
	assert.Nil(t, EventFromCommand(nil, addr))
}
