package channel

import (
	"fmt"
	"time"
)

// PayloadKind selects how inbound messages are surfaced.
type PayloadKind string

// Payload kinds.
const (
	PayloadText   PayloadKind = "text"
	PayloadBinary PayloadKind = "binary"
)

// ParsePayloadKind accepts "text", "binary" or "" (text).
func ParsePayloadKind(s string) (PayloadKind, error) {
	switch PayloadKind(s) {
	case "", PayloadText:
		return PayloadText, nil
	case PayloadBinary:
		return PayloadBinary, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidPayloadKind, s)
}

// State is the connection state of a channel.
type State string

// Channel states.
const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateError        State = "error"
)

// Message is the last payload received on a channel. Text channels carry
// Text; binary channels carry a frame Handle.
type Message struct {
	Kind       PayloadKind `json:"kind"`
	Text       string      `json:"text,omitempty"`
	Handle     *Handle     `json:"handle,omitempty"`
	ReceivedAt time.Time   `json:"receivedAt"`
}

// Channel is a point-in-time view of a registry entry.
type Channel struct {
	ID          string      `json:"id"`
	URL         string      `json:"url"`
	PayloadKind PayloadKind `json:"payloadKind"`
	State       State       `json:"state"`
	LastMessage *Message    `json:"lastMessage,omitempty"`
	UpdatedAt   time.Time   `json:"updatedAt"`
}
