// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"sync/atomic"
	"time"
)

// Stats tracks broker statistics. Gauges are written by the coordinator
// and delivery tasks and may be read from any goroutine.
type Stats struct {
	startTime time.Time

	// Connection stats
	totalConnections   atomic.Uint64
	currentConnections atomic.Int64
	malformedFrames    atomic.Uint64
	throttledFrames    atomic.Uint64

	// Role and queue gauges
	pending          atomic.Int64
	producers        atomic.Int64
	consumers        atomic.Int64
	runningConsumers atomic.Int64
	queues           atomic.Int64

	// Message stats
	published atomic.Uint64
	acked     atomic.Uint64
	nacked    atomic.Uint64
	dropped   atomic.Uint64
	delivered atomic.Uint64
	lagged    atomic.Uint64
}

// NewStats creates a new Stats instance.
func NewStats() *Stats {
	return &Stats{
		startTime: time.Now(),
	}
}

// Connection tracking.
func (s *Stats) IncrementConnections() {
	s.totalConnections.Add(1)
	s.currentConnections.Add(1)
}

func (s *Stats) DecrementConnections() {
	s.currentConnections.Add(-1)
}

func (s *Stats) IncrementMalformedFrames() {
	s.malformedFrames.Add(1)
}

func (s *Stats) IncrementThrottledFrames() {
	s.throttledFrames.Add(1)
}

func (s *Stats) setPending(n int)   { s.pending.Store(int64(n)) }
func (s *Stats) setProducers(n int) { s.producers.Store(int64(n)) }
func (s *Stats) setConsumers(n int) { s.consumers.Store(int64(n)) }
func (s *Stats) setQueues(n int)    { s.queues.Store(int64(n)) }

func (s *Stats) consumerStarted() { s.runningConsumers.Add(1) }
func (s *Stats) consumerStopped() { s.runningConsumers.Add(-1) }

// Message tracking.
func (s *Stats) incrementPublished() { s.published.Add(1) }
func (s *Stats) incrementAcked()     { s.acked.Add(1) }
func (s *Stats) incrementNacked()    { s.nacked.Add(1) }
func (s *Stats) incrementDropped()   { s.dropped.Add(1) }
func (s *Stats) incrementDelivered() { s.delivered.Add(1) }

func (s *Stats) addLagged(n uint64) { s.lagged.Add(n) }

// Uptime returns how long the broker has been running.
func (s *Stats) Uptime() time.Duration {
	return time.Since(s.startTime)
}

// Snapshot is a point-in-time copy of Stats.
type Snapshot struct {
	UptimeSeconds      int64  `json:"uptime_seconds"`
	TotalConnections   uint64 `json:"total_connections"`
	CurrentConnections int64  `json:"current_connections"`
	MalformedFrames    uint64 `json:"malformed_frames"`
	ThrottledFrames    uint64 `json:"throttled_frames"`
	Pending            int64  `json:"pending_connections"`
	Producers          int64  `json:"producers"`
	Consumers          int64  `json:"assigned_consumers"`
	RunningConsumers   int64  `json:"running_consumers"`
	Queues             int64  `json:"queues"`
	Published          uint64 `json:"messages_published"`
	Acked              uint64 `json:"messages_acked"`
	Nacked             uint64 `json:"messages_nacked"`
	Dropped            uint64 `json:"messages_dropped"`
	Delivered          uint64 `json:"messages_delivered"`
	Lagged             uint64 `json:"messages_lagged"`
}

// Snapshot returns the current values.
func (s *Stats) Snapshot() Snapshot {
	return Snapshot{
		UptimeSeconds:      int64(s.Uptime().Seconds()),
		TotalConnections:   s.totalConnections.Load(),
		CurrentConnections: s.currentConnections.Load(),
		MalformedFrames:    s.malformedFrames.Load(),
		ThrottledFrames:    s.throttledFrames.Load(),
		Pending:            s.pending.Load(),
		Producers:          s.producers.Load(),
		Consumers:          s.consumers.Load(),
		RunningConsumers:   s.runningConsumers.Load(),
		Queues:             s.queues.Load(),
		Published:          s.published.Load(),
		Acked:              s.acked.Load(),
		Nacked:             s.nacked.Load(),
		Dropped:            s.dropped.Load(),
		Delivered:          s.delivered.Load(),
		Lagged:             s.lagged.Load(),
	}
}
