// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"github.com/WilliamJohnathonLea/wmq-server/codec"
)

// Event is a state transition request delivered to the coordinator.
type Event interface {
	eventName() string
}

// NewConnection announces an accepted connection that has no role yet.
type NewConnection struct {
	Addr   string
	Writer Writer
}

// ConnectionDropped reports that a connection's reader stopped.
type ConnectionDropped struct {
	Addr string
}

// ConsumerAssigned requests that the pending connection at Addr become consumer ID.
type ConsumerAssigned struct {
	Addr string
	ID   string
}

// ConsumerStarted requests that consumer ID begin delivery.
type ConsumerStarted struct {
	ID string
}

// ProducerAssigned requests that the pending connection at Addr become producer ID.
type ProducerAssigned struct {
	Addr string
	ID   string
}

// QueueAssigned subscribes an unstarted consumer to a queue.
type QueueAssigned struct {
	ConsumerID string
	Queue      string
}

// QueueDeclared creates a queue.
type QueueDeclared struct {
	Name string
	Size int
}

// MessageReceived is a publish from a producer.
type MessageReceived struct {
	Queue      string
	ProducerID string
	Message    codec.Message
}

func (NewConnection) eventName() string     { return "new_connection" }
func (ConnectionDropped) eventName() string { return "connection_dropped" }
func (ConsumerAssigned) eventName() string  { return "consumer_assigned" }
func (ConsumerStarted) eventName() string   { return "consumer_started" }
func (ProducerAssigned) eventName() string  { return "producer_assigned" }
func (QueueAssigned) eventName() string     { return "queue_assigned" }
func (QueueDeclared) eventName() string     { return "queue_declared" }
func (MessageReceived) eventName() string   { return "message_received" }

// EventFromCommand maps a decoded command from the connection at addr to
// its coordinator event. It returns nil for unknown command types.
func EventFromCommand(cmd codec.Command, addr string) Event {
	switch c := cmd.(type) {
	case codec.AssignConsumer:
		return ConsumerAssigned{Addr: addr, ID: c.ID}
	case codec.StartConsumer:
		return ConsumerStarted{ID: c.ID}
	case codec.AssignProducer:
		return ProducerAssigned{Addr: addr, ID: c.ID}
	case codec.AssignQueue:
		return QueueAssigned{ConsumerID: c.ConsumerID, Queue: c.Queue}
	case codec.DeclareQueue:
		return QueueDeclared{Name: c.Name, Size: c.Size}
	case codec.SendMessage:
		return MessageReceived{Queue: c.Queue, ProducerID: c.ProducerID, Message: c.Msg}
	default:
		return nil
	}
}
