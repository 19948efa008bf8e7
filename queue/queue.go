// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package queue

import (
	"errors"
	"fmt"
	"sort"

	"github.com/WilliamJohnathonLea/wmq-server/codec"
)

// DefaultMaxSize is the largest capacity a queue may be declared with.
const DefaultMaxSize = 5000

var (
	// ErrQueueExists is returned when a queue name is declared twice.
	ErrQueueExists = errors.New("queue already declared")

	// ErrQueueTooLarge is returned when the requested capacity exceeds the maximum.
	ErrQueueTooLarge = errors.New("queue size exceeds maximum")

	// ErrInvalidSize is returned for a zero capacity.
	ErrInvalidSize = errors.New("queue size must be at least 1")
)

// Queue is a named fan-out channel of messages.
type Queue struct {
	name      string
	broadcast *Broadcast[codec.Message]
}

// Name returns the queue name.
func (q *Queue) Name() string { return q.name }

// Capacity returns the number of in-flight messages kept per subscriber.
func (q *Queue) Capacity() int { return q.broadcast.Capacity() }

// Subscribers returns the number of attached subscriptions.
func (q *Queue) Subscribers() int { return q.broadcast.Receivers() }

// Subscribe attaches a new subscription that sees messages published from now on.
func (q *Queue) Subscribe() *Subscription {
	return &Subscription{queue: q.name, rx: q.broadcast.Subscribe()}
}

// Publish fans msg out to every attached subscription.
func (q *Queue) Publish(msg codec.Message) (int, error) {
	return q.broadcast.Publish(msg)
}

// Subscription is a receiver bound to a named queue.
type Subscription struct {
	queue string
	rx    *Receiver[codec.Message]
}

// Queue returns the name of the queue this subscription reads from.
func (s *Subscription) Queue() string { return s.queue }

// Receiver exposes the underlying broadcast receiver.
func (s *Subscription) Receiver() *Receiver[codec.Message] { return s.rx }

// Close detaches the subscription from its queue.
func (s *Subscription) Close() { s.rx.Close() }

// Registry holds every declared queue. It is not safe for concurrent use;
// the coordinator is its only owner.
type Registry struct {
	maxSize int
	queues  map[string]*Queue
}

// NewRegistry creates an empty registry. A non-positive maxSize selects DefaultMaxSize.
func NewRegistry(maxSize int) *Registry {
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	return &Registry{
		maxSize: maxSize,
		queues:  make(map[string]*Queue),
	}
}

// MaxSize returns the largest capacity accepted by Declare.
func (r *Registry) MaxSize() int { return r.maxSize }

// Declare creates a queue. An existing queue is never replaced.
func (r *Registry) Declare(name string, size int) (*Queue, error) {
	if _, ok := r.queues[name]; ok {
		return nil, ErrQueueExists
	}
	if size > r.maxSize {
		return nil, fmt.Errorf("%w: %d > %d", ErrQueueTooLarge, size, r.maxSize)
	}
	if size < 1 {
		return nil, ErrInvalidSize
	}

	b, err := NewBroadcast[codec.Message](size)
	if err != nil {
		return nil, err
	}
	q := &Queue{name: name, broadcast: b}
	r.queues[name] = q
	return q, nil
}

// Get looks a queue up by name.
func (r *Registry) Get(name string) (*Queue, bool) {
	q, ok := r.queues[name]
	return q, ok
}

// Len returns the number of declared queues.
func (r *Registry) Len() int { return len(r.queues) }

// Names returns declared queue names in sorted order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.queues))
	for name := range r.queues {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Close closes every queue so that their subscriptions drain and stop.
func (r *Registry) Close() {
	for _, q := range r.queues {
		q.broadcast.Close()
	}
}
