// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package codec

// Reasons carried by a NACK.
const (
	ReasonQueueNotFound = "queue does not exist"
	ReasonPublishFailed = "failed to publish message"
)

var (
	ackBytes  = []byte("ACK")
	nackBytes = []byte("NACK")
)

// Ack returns the positive acknowledgment sent to a producer.
func Ack() []byte {
	return append([]byte(nil), ackBytes...)
}

// Nack returns a negative acknowledgment of the form NACK:<reason>.
func Nack(reason string) []byte {
	out := make([]byte, 0, len(nackBytes)+1+len(reason))
	out = append(out, nackBytes...)
	out = append(out, ':')
	return append(out, reason...)
}
