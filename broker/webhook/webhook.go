// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package webhook delivers broker lifecycle events to HTTP endpoints.
package webhook

import (
	"context"
	"time"

	"github.com/WilliamJohnathonLea/wmq-server/broker/events"
)

// Notifier sends lifecycle notifications asynchronously.
type Notifier interface {
	// Notify queues an event for delivery without blocking.
	Notify(ctx context.Context, event events.Event) error

	// Close stops the workers, waiting up to the shutdown timeout.
	Close() error
}

// Sender is the protocol-specific sender.
type Sender interface {
	// Send delivers a payload to url. Any error counts as a failed delivery.
	Send(ctx context.Context, url string, headers map[string]string, payload []byte, timeout time.Duration) error
}
