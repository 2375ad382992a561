package codec

import (
	"errors"

	"github.com/rbaliyan/dddkit/event"
	"github.com/vmihailenco/msgpack/v5"
)

// MsgPack implements Codec using MessagePack serialization.
// MessagePack is a binary format that's more compact than JSON
// while maintaining schema-less flexibility.
//
// Payload handling:
//   - Encode: marshals payload to MessagePack
//   - Decode: payload becomes a generic value (maps, slices, scalars),
//     which event.PayloadAs converts to a concrete type
type MsgPack struct{}

// msgpackMessage is the MessagePack wire format
type msgpackMessage struct {
	Name    string             `msgpack:"name"`
	Payload msgpack.RawMessage `msgpack:"payload"`
}

// Encode serializes an event to MessagePack bytes
func (c MsgPack) Encode(e event.Event) ([]byte, error) {
	payload, err := msgpack.Marshal(e.Payload)
	if err != nil {
		return nil, errors.Join(ErrEncodeFailure, err)
	}

	data, err := msgpack.Marshal(msgpackMessage{Name: e.Name, Payload: payload})
	if err != nil {
		return nil, errors.Join(ErrEncodeFailure, err)
	}

	return data, nil
}

// Decode deserializes MessagePack bytes to an event
func (c MsgPack) Decode(data []byte) (event.Event, error) {
	var mm msgpackMessage
	if err := msgpack.Unmarshal(data, &mm); err != nil {
		return event.Event{}, errors.Join(ErrDecodeFailure, err)
	}
	if mm.Name == "" || len(mm.Payload) == 0 {
		return event.Event{}, ErrMalformed
	}

	var payload any
	if err := msgpack.Unmarshal(mm.Payload, &payload); err != nil {
		return event.Event{}, errors.Join(ErrDecodeFailure, err)
	}
	if payload == nil {
		return event.Event{}, ErrMalformed
	}

	return event.New(mm.Name, payload), nil
}

// ContentType returns the MIME type for MessagePack
func (c MsgPack) ContentType() string {
	return "application/msgpack"
}

// Name returns the codec identifier
func (c MsgPack) Name() string {
	return "msgpack"
}

// Compile-time check
var _ Codec = MsgPack{}
