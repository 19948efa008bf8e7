// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

var (
	// ErrNoSubscribers is returned by Publish when no receiver is attached.
	ErrNoSubscribers = errors.New("no subscribers attached")

	// ErrClosed is returned once a broadcast or receiver has been closed.
	ErrClosed = errors.New("broadcast closed")
)

// LaggedError reports values a receiver lost because it fell more than
// capacity values behind the publisher.
type LaggedError struct {
	Skipped uint64
}

func (e *LaggedError) Error() string {
	return fmt.Sprintf("receiver lagged, %d values skipped", e.Skipped)
}

// Broadcast is a bounded ring shared by any number of receivers. Each
// receiver reads every value published after it subscribed at its own pace.
// Publishing never blocks; a receiver that falls behind by more than the
// capacity loses its oldest unread values.
type Broadcast[T any] struct {
	mu        sync.Mutex
	buf       []T
	capacity  uint64
	tail      uint64 // sequence number of the next publish
	receivers int
	closed    bool
	notify    chan struct{}
}

// NewBroadcast creates a broadcast holding up to capacity values.
func NewBroadcast[T any](capacity int) (*Broadcast[T], error) {
	if capacity < 1 {
		return nil, fmt.Errorf("capacity must be positive, got %d", capacity)
	}
	return &Broadcast[T]{
		buf:      make([]T, capacity),
		capacity: uint64(capacity),
		notify:   make(chan struct{}),
	}, nil
}

// Subscribe attaches a receiver positioned at the current tail.
func (b *Broadcast[T]) Subscribe() *Receiver[T] {
	b.mu.Lock()
	defer b.mu.Unlock()

	r := &Receiver[T]{b: b, next: b.tail}
	if b.closed {
		r.detached = true
		return r
	}
	b.receivers++
	return r
}

// Publish stores v for every attached receiver and returns how many there
// are. It fails with ErrNoSubscribers when none are attached.
func (b *Broadcast[T]) Publish(v T) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return 0, ErrClosed
	}
	if b.receivers == 0 {
		return 0, ErrNoSubscribers
	}

	b.buf[b.tail%b.capacity] = v
	b.tail++

	close(b.notify)
	b.notify = make(chan struct{})
	return b.receivers, nil
}

// Receivers returns the number of attached receivers.
func (b *Broadcast[T]) Receivers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.receivers
}

// Capacity returns the ring size.
func (b *Broadcast[T]) Capacity() int {
	return int(b.capacity)
}

// Close stops the broadcast. Receivers drain what is buffered and then get
// ErrClosed.
func (b *Broadcast[T]) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	close(b.notify)
}

// Receiver is one subscriber's cursor into a Broadcast. A Receiver is owned
// by a single goroutine.
type Receiver[T any] struct {
	b        *Broadcast[T]
	next     uint64
	detached bool
}

// Recv returns the next value, blocking until one is published, ctx is done
// or the broadcast is closed. A *LaggedError is returned once when values
// were overwritten before this receiver read them; the following call
// resumes at the oldest retained value.
func (r *Receiver[T]) Recv(ctx context.Context) (T, error) {
	var zero T
	b := r.b
	for {
		b.mu.Lock()
		if r.detached {
			b.mu.Unlock()
			return zero, ErrClosed
		}

		if r.next < b.tail {
			var oldest uint64
			if b.tail > b.capacity {
				oldest = b.tail - b.capacity
			}
			if r.next < oldest {
				skipped := oldest - r.next
				r.next = oldest
				b.mu.Unlock()
				return zero, &LaggedError{Skipped: skipped}
			}
			v := b.buf[r.next%b.capacity]
			r.next++
			b.mu.Unlock()
			return v, nil
		}

		if b.closed {
			b.mu.Unlock()
			return zero, ErrClosed
		}
		wait := b.notify
		b.mu.Unlock()

		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-wait:
		}
	}
}

// Close detaches the receiver. It is safe to call more than once.
func (r *Receiver[T]) Close() {
	b := r.b
	b.mu.Lock()
	defer b.mu.Unlock()

	if r.detached {
		return
	}
	r.detached = true
	if !b.closed {
		b.receivers--
	}
}
