// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package codec

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
)

// ErrMalformed is returned for frames that do not decode into a known command.
var ErrMalformed = errors.New("malformed command")

// Command kinds as they appear in the "type" field.
const (
	KindAssignConsumer = "AssignConsumer"
	KindStartConsumer  = "StartConsumer"
	KindAssignProducer = "AssignProducer"
	KindAssignQueue    = "AssignQueue"
	KindDeclareQueue   = "DeclareQueue"
	KindSendMessage    = "SendMessage"
)

// Command is a decoded client command.
type Command interface {
	Kind() string
}

// AssignConsumer binds the sending connection to the consumer role.
type AssignConsumer struct {
	ID string `json:"id"`
}

// StartConsumer starts delivery for an assigned consumer.
type StartConsumer struct {
	ID string `json:"id"`
}

// AssignProducer binds the sending connection to the producer role.
type AssignProducer struct {
	ID string `json:"id"`
}

// AssignQueue subscribes a not yet started consumer to a queue.
type AssignQueue struct {
	ConsumerID string `json:"consumer_id"`
	Queue      string `json:"queue"`
}

// DeclareQueue creates a queue holding at most Size in-flight messages per subscriber.
type DeclareQueue struct {
	Name string `json:"name"`
	Size int    `json:"size"`
}

// SendMessage publishes Msg to Queue on behalf of ProducerID.
type SendMessage struct {
	Queue      string  `json:"queue"`
	ProducerID string  `json:"producer_id"`
	Msg        Message `json:"msg"`
}

func (AssignConsumer) Kind() string { return KindAssignConsumer }
func (StartConsumer) Kind() string  { return KindStartConsumer }
func (AssignProducer) Kind() string { return KindAssignProducer }
func (AssignQueue) Kind() string    { return KindAssignQueue }
func (DeclareQueue) Kind() string   { return KindDeclareQueue }
func (SendMessage) Kind() string    { return KindSendMessage }

// Decode decodes a single JSON command.
func Decode(frame []byte) (Command, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(frame, &fields); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if fields == nil {
		return nil, fmt.Errorf("%w: expected object", ErrMalformed)
	}

	kind, err := stringField(fields, "type")
	if err != nil {
		return nil, err
	}

	switch kind {
	case KindAssignConsumer:
		id, err := stringField(fields, "id")
		if err != nil {
			return nil, err
		}
		return AssignConsumer{ID: id}, nil
	case KindStartConsumer:
		id, err := stringField(fields, "id")
		if err != nil {
			return nil, err
		}
		return StartConsumer{ID: id}, nil
	case KindAssignProducer:
		id, err := stringField(fields, "id")
		if err != nil {
			return nil, err
		}
		return AssignProducer{ID: id}, nil
	case KindAssignQueue:
		consumerID, err := stringField(fields, "consumer_id")
		if err != nil {
			return nil, err
		}
		queue, err := stringField(fields, "queue")
		if err != nil {
			return nil, err
		}
		return AssignQueue{ConsumerID: consumerID, Queue: queue}, nil
	case KindDeclareQueue:
		name, err := stringField(fields, "name")
		if err != nil {
			return nil, err
		}
		size, err := sizeField(fields, "size")
		if err != nil {
			return nil, err
		}
		return DeclareQueue{Name: name, Size: size}, nil
	case KindSendMessage:
		queue, err := stringField(fields, "queue")
		if err != nil {
			return nil, err
		}
		producerID, err := stringField(fields, "producer_id")
		if err != nil {
			return nil, err
		}
		raw, ok := fields["msg"]
		if !ok {
			return nil, fmt.Errorf("%w: missing field %q", ErrMalformed, "msg")
		}
		msg, err := DecodeMessage(raw)
		if err != nil {
			return nil, err
		}
		return SendMessage{Queue: queue, ProducerID: producerID, Msg: msg}, nil
	default:
		return nil, fmt.Errorf("%w: unknown type %q", ErrMalformed, kind)
	}
}

// DecodeAll decodes every command carried by one read. Commands may be
// concatenated or separated by whitespace. On a malformed value the commands
// decoded so far are returned along with the error.
func DecodeAll(chunk []byte) ([]Command, error) {
	dec := json.NewDecoder(bytes.NewReader(chunk))
	var cmds []Command
	for {
		var raw json.RawMessage
		err := dec.Decode(&raw)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return cmds, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		cmd, err := Decode(raw)
		if err != nil {
			return cmds, err
		}
		cmds = append(cmds, cmd)
	}
	if len(cmds) == 0 {
		return nil, fmt.Errorf("%w: empty frame", ErrMalformed)
	}
	return cmds, nil
}

// Encode serializes a command with its "type" tag.
func Encode(cmd Command) ([]byte, error) {
	body, err := json.Marshal(cmd)
	if err != nil {
		return nil, err
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, err
	}
	kind, err := json.Marshal(cmd.Kind())
	if err != nil {
		return nil, err
	}
	fields["type"] = kind
	return json.Marshal(fields)
}

func stringField(fields map[string]json.RawMessage, name string) (string, error) {
	raw, ok := fields[name]
	if !ok || bytes.Equal(raw, []byte("null")) {
		return "", fmt.Errorf("%w: missing field %q", ErrMalformed, name)
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", fmt.Errorf("%w: field %q: %v", ErrMalformed, name, err)
	}
	return s, nil
}

func sizeField(fields map[string]json.RawMessage, name string) (int, error) {
	raw, ok := fields[name]
	if !ok || bytes.Equal(raw, []byte("null")) {
		return 0, fmt.Errorf("%w: missing field %q", ErrMalformed, name)
	}
	var n uint64
	if err := json.Unmarshal(raw, &n); err != nil {
		return 0, fmt.Errorf("%w: field %q: %v", ErrMalformed, name, err)
	}
	if n > math.MaxInt {
		return 0, fmt.Errorf("%w: field %q out of range", ErrMalformed, name)
	}
	return int(n), nil
}
