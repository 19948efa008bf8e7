// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package codec

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/WilliamJohnathonLea/wmq-server/internal/bufpool"
)

// Message is the unit published to a queue and delivered to consumers.
type Message struct {
	Sender string `json:"sender"`
	Body   string `json:"body"`
}

// DecodeMessage decodes a message object; both fields are required.
func DecodeMessage(data []byte) (Message, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return Message{}, fmt.Errorf("%w: msg: %v", ErrMalformed, err)
	}
	if fields == nil {
		return Message{}, fmt.Errorf("%w: msg: expected object", ErrMalformed)
	}
	sender, err := stringField(fields, "sender")
	if err != nil {
		return Message{}, err
	}
	body, err := stringField(fields, "body")
	if err != nil {
		return Message{}, err
	}
	return Message{Sender: sender, Body: body}, nil
}

// EncodeMessage serializes m the way consumers receive it on the wire.
func EncodeMessage(m Message) ([]byte, error) {
	buf := bufpool.Get()
	defer bufpool.Put(buf)

	enc := json.NewEncoder(buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(m); err != nil {
		return nil, err
	}

	out := bytes.TrimSuffix(buf.Bytes(), []byte("\n"))
	return bytes.Clone(out), nil
}
