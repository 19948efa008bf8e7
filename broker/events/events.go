// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package events defines the broker lifecycle notifications delivered to
// webhook endpoints.
package events

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Event type constants.
const (
	TypeConnectionOpened  = "connection.opened"
	TypeConnectionDropped = "connection.dropped"
	TypeProducerAssigned  = "producer.assigned"
	TypeConsumerAssigned  = "consumer.assigned"
	TypeConsumerStarted   = "consumer.started"
	TypeQueueDeclared     = "queue.declared"
	TypeQueueAssigned     = "queue.assigned"
	TypeMessagePublished  = "message.published"
	TypeMessageRejected   = "message.rejected"
)

// Event is the common interface for all lifecycle events.
type Event interface {
	// Type returns the event type identifier (e.g., "queue.declared").
	Type() string

	// Queue returns the queue the event concerns, empty if none.
	Queue() string

	// Wrap wraps the event in a common envelope with metadata.
	Wrap(brokerID string) *Envelope
}

// Envelope is the common wrapper for all webhook events.
type Envelope struct {
	EventType string `json:"event_type"`
	EventID   string `json:"event_id"`
	Timestamp string `json:"timestamp"`
	BrokerID  string `json:"broker_id"`
	Data      any    `json:"data"`
}

// MarshalJSON serializes the envelope to JSON.
func (e *Envelope) MarshalJSON() ([]byte, error) {
	type plain Envelope
	return json.Marshal((*plain)(e))
}

func wrap(ev Event, brokerID string) *Envelope {
	return &Envelope{
		EventType: ev.Type(),
		EventID:   uuid.New().String(),
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		BrokerID:  brokerID,
		Data:      ev,
	}
}

// ConnectionOpened is emitted when a connection is registered as pending.
type ConnectionOpened struct {
	RemoteAddr string `json:"remote_addr"`
}

// ConnectionDropped is emitted when a connection's reader stops.
// Pending is true when the connection never received a role.
type ConnectionDropped struct {
	RemoteAddr string `json:"remote_addr"`
	Pending    bool   `json:"pending"`
}

// ProducerAssigned is emitted when a pending connection becomes a producer.
type ProducerAssigned struct {
	ProducerID string `json:"producer_id"`
	RemoteAddr string `json:"remote_addr"`
}

// ConsumerAssigned is emitted when a pending connection becomes a consumer.
// Replaced reports that an unstarted consumer with the same id was overwritten.
type ConsumerAssigned struct {
	ConsumerID string `json:"consumer_id"`
	RemoteAddr string `json:"remote_addr"`
	Replaced   bool   `json:"replaced"`
}

// ConsumerStarted is emitted when a consumer's delivery task starts.
type ConsumerStarted struct {
	ConsumerID string   `json:"consumer_id"`
	Queues     []string `json:"queues"`
}

// QueueDeclared is emitted when a queue is created.
type QueueDeclared struct {
	Name string `json:"queue"`
	Size int    `json:"size"`
}

// QueueAssigned is emitted when a consumer subscribes to a queue.
type QueueAssigned struct {
	ConsumerID string `json:"consumer_id"`
	Name       string `json:"queue"`
}

// MessagePublished is emitted when a message is accepted into a queue.
type MessagePublished struct {
	ProducerID  string `json:"producer_id"`
	Name        string `json:"queue"`
	Sender      string `json:"sender"`
	Subscribers int    `json:"subscribers"`
	BodySize    int    `json:"body_size"`
	Body        string `json:"body,omitempty"`
}

// MessageRejected is emitted when a producer receives a NACK.
type MessageRejected struct {
	ProducerID string `json:"producer_id"`
	Name       string `json:"queue"`
	Reason     string `json:"reason"`
}

func (e ConnectionOpened) Type() string  { return TypeConnectionOpened }
func (e ConnectionDropped) Type() string { return TypeConnectionDropped }
func (e ProducerAssigned) Type() string  { return TypeProducerAssigned }
func (e ConsumerAssigned) Type() string  { return TypeConsumerAssigned }
func (e ConsumerStarted) Type() string   { return TypeConsumerStarted }
func (e QueueDeclared) Type() string     { return TypeQueueDeclared }
func (e QueueAssigned) Type() string     { return TypeQueueAssigned }
func (e MessagePublished) Type() string  { return TypeMessagePublished }
func (e MessageRejected) Type() string   { return TypeMessageRejected }

func (e ConnectionOpened) Queue() string  { return "" }
func (e ConnectionDropped) Queue() string { return "" }
func (e ProducerAssigned) Queue() string  { return "" }
func (e ConsumerAssigned) Queue() string  { return "" }
func (e ConsumerStarted) Queue() string   { return "" }
func (e QueueDeclared) Queue() string     { return e.Name }
func (e QueueAssigned) Queue() string     { return e.Name }
func (e MessagePublished) Queue() string  { return e.Name }
func (e MessageRejected) Queue() string   { return e.Name }

func (e ConnectionOpened) Wrap(brokerID string) *Envelope  { return wrap(e, brokerID) }
func (e ConnectionDropped) Wrap(brokerID string) *Envelope { return wrap(e, brokerID) }
func (e ProducerAssigned) Wrap(brokerID string) *Envelope  { return wrap(e, brokerID) }
func (e ConsumerAssigned) Wrap(brokerID string) *Envelope  { return wrap(e, brokerID) }
func (e ConsumerStarted) Wrap(brokerID string) *Envelope   { return wrap(e, brokerID) }
func (e QueueDeclared) Wrap(brokerID string) *Envelope     { return wrap(e, brokerID) }
func (e QueueAssigned) Wrap(brokerID string) *Envelope     { return wrap(e, brokerID) }
func (e MessagePublished) Wrap(brokerID string) *Envelope  { return wrap(e, brokerID) }
func (e MessageRejected) Wrap(brokerID string) *Envelope   { return wrap(e, brokerID) }
