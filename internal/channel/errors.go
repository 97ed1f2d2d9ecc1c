package channel

import "errors"

// Channel errors.
var (
	// ErrInvalidChannelURL is returned by Open for a URL that cannot be
	// turned into a ws:// or wss:// target. No connection is attempted.
	ErrInvalidChannelURL = errors.New("channel: invalid channel url")

	// ErrInvalidChannelID is returned for an empty channel id.
	ErrInvalidChannelID = errors.New("channel: id is required")

	// ErrInvalidPayloadKind is returned for a kind other than text or binary.
	ErrInvalidPayloadKind = errors.New("channel: payload kind must be text or binary")

	// ErrDialFailed wraps the socket error when a connection cannot be made.
	ErrDialFailed = errors.New("channel: connection failed")

	// ErrSuperseded is returned by an Open whose entry was closed or
	// replaced while the connection was being made.
	ErrSuperseded = errors.New("channel: superseded before connect completed")

	// ErrRegistryClosed is returned after CloseAll.
	ErrRegistryClosed = errors.New("channel: registry closed")

	// ErrModuleNotFound is returned by the module repository.
	ErrModuleNotFound = errors.New("channel: module not found")
)
