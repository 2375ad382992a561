// Package codec provides wire encodings for events carried over a broker.
//
// Every format writes the same envelope: the event name and its payload.
//
// Supported formats:
//   - JSON (default, human-readable)
//   - MessagePack (binary, compact)
package codec

import (
	"errors"

	"github.com/rbaliyan/dddkit/event"
)

// Codec errors
var (
	ErrEncodeFailure = errors.New("failed to encode message")
	ErrDecodeFailure = errors.New("failed to decode message")
	// ErrMalformed is returned when a message decodes but lacks a name or payload.
	ErrMalformed = errors.New("malformed message: name and payload are required")
)

// Codec serializes events for external transports.
// Implementations must be safe for concurrent use.
type Codec interface {
	// Encode serializes an event.
	// Returns ErrEncodeFailure if serialization fails.
	Encode(e event.Event) ([]byte, error)

	// Decode deserializes an event.
	// Returns ErrDecodeFailure if the bytes cannot be parsed and ErrMalformed
	// if the envelope has no name or no payload.
	Decode(data []byte) (event.Event, error)

	// ContentType returns the MIME type for this codec (e.g., "application/json").
	ContentType() string

	// Name returns a short identifier for this codec (e.g., "json", "msgpack").
	Name() string
}

// Default returns the default codec (JSON)
func Default() Codec {
	return JSON{}
}

// ForContentType returns the codec matching a MIME type, or the default codec
// when the type is empty or unknown.
func ForContentType(contentType string) Codec {
	switch contentType {
	case MsgPack{}.ContentType():
		return MsgPack{}
	default:
		return Default()
	}
}
