package codec

import (
	"bytes"
	"encoding/json"
	"errors"

	"github.com/rbaliyan/dddkit/event"
)

// JSON implements Codec using JSON serialization.
// This is the default codec, providing human-readable output.
//
// Decoded payloads are json.RawMessage; handlers decode them with event.PayloadAs.
type JSON struct{}

// jsonMessage is the JSON wire format
type jsonMessage struct {
	Name    string          `json:"name"`
	Payload json.RawMessage `json:"payload"`
}

// Encode serializes an event to JSON bytes
func (c JSON) Encode(e event.Event) ([]byte, error) {
	payload, err := json.Marshal(e.Payload)
	if err != nil {
		return nil, errors.Join(ErrEncodeFailure, err)
	}

	data, err := json.Marshal(jsonMessage{Name: e.Name, Payload: payload})
	if err != nil {
		return nil, errors.Join(ErrEncodeFailure, err)
	}

	return data, nil
}

// Decode deserializes JSON bytes to an event
func (c JSON) Decode(data []byte) (event.Event, error) {
	var jm jsonMessage
	if err := json.Unmarshal(data, &jm); err != nil {
		return event.Event{}, errors.Join(ErrDecodeFailure, err)
	}

	if jm.Name == "" || len(jm.Payload) == 0 || bytes.Equal(jm.Payload, []byte("null")) {
		return event.Event{}, ErrMalformed
	}

	return event.New(jm.Name, jm.Payload), nil
}

// ContentType returns the MIME type for JSON
func (c JSON) ContentType() string {
	return "application/json"
}

// Name returns the codec identifier
func (c JSON) Name() string {
	return "json"
}

// Compile-time check
var _ Codec = JSON{}
