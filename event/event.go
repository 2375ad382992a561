// Package event provides domain events and an in-process event bus.
//
// An Event is a name plus an arbitrary payload. Handlers are registered per
// event name and carry an explicit name of their own, which identifies them
// in logs and, for broker-backed buses, in queue names.
//
// # Basic Usage
//
//	bus := event.NewLocalBus(
//	    event.WithLogger(logger),
//	    event.WithMaxAttempts(3),
//	)
//	defer bus.Close(ctx)
//
//	bus.Subscribe(ctx, "OrderPlaced", event.Typed("send-confirmation",
//	    func(ctx context.Context, o OrderPlaced) error {
//	        return mailer.Send(ctx, o.Email)
//	    }))
//
//	// Fire and forget: failures are retried in the background
//	bus.Publish(ctx, event.New("OrderPlaced", OrderPlaced{ID: "o-1"}))
//
//	// Blocks until every handler succeeded or exhausted its attempts
//	err := bus.PublishAndWait(ctx, event.New("OrderPlaced", OrderPlaced{ID: "o-1"}))
package event

import (
	"context"
	"fmt"

	"github.com/rbaliyan/dddkit/internal/payload"
)

// Event is a named domain event.
//
// Payload is any value that can be encoded as JSON. After a round trip
// through a store or a broker the payload is usually a generic decoded value
// (map[string]any, json.RawMessage); use Decode or PayloadAs to get a typed value back.
type Event struct {
	Name    string `json:"name" bson:"name" msgpack:"name"`
	Payload any    `json:"payload" bson:"payload" msgpack:"payload"`
}

// New creates an event.
func New(name string, payload any) Event {
	return Event{Name: name, Payload: payload}
}

// Valid reports whether the event has both a name and a payload.
func (e Event) Valid() bool {
	return e.Name != "" && e.Payload != nil
}

// Decode stores the payload in the value pointed to by v.
func (e Event) Decode(v any) error {
	if err := payload.Decode(e.Payload, v); err != nil {
		return fmt.Errorf("%w: %w", ErrPayloadDecode, err)
	}
	return nil
}

// PayloadAs returns the payload as T. If the payload already holds a T it is
// returned directly, otherwise it is decoded.
func PayloadAs[T any](e Event) (T, error) {
	v, err := payload.As[T](e.Payload)
	if err != nil {
		return v, fmt.Errorf("%w: %w", ErrPayloadDecode, err)
	}
	return v, nil
}

// Handler processes events.
//
// Name is the registration key of the handler. It must be stable across
// restarts for broker-backed buses, where it determines the queue name.
type Handler interface {
	Name() string
	Handle(ctx context.Context, e Event) error
}

// HandlerFunc is the function form of a handler.
type HandlerFunc func(ctx context.Context, e Event) error

type namedHandler struct {
	name string
	fn   HandlerFunc
}

func (h namedHandler) Name() string { return h.name }

func (h namedHandler) Handle(ctx context.Context, e Event) error {
	return h.fn(ctx, e)
}

// NewHandler creates a Handler with the given registration name.
func NewHandler(name string, fn HandlerFunc) Handler {
	return namedHandler{name: name, fn: fn}
}

// Typed creates a Handler that decodes the payload into T before calling fn.
// A payload that cannot be decoded is reported as an error wrapping ErrPayloadDecode.
func Typed[T any](name string, fn func(ctx context.Context, payload T) error) Handler {
	return namedHandler{
		name: name,
		fn: func(ctx context.Context, e Event) error {
			v, err := PayloadAs[T](e)
			if err != nil {
				return err
			}
			return fn(ctx, v)
		},
	}
}

// Publisher publishes events.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
}

// Bus is an event bus with named handler registration.
type Bus interface {
	Publisher
	Subscribe(ctx context.Context, eventName string, h Handler) error
}

// Compile-time checks
var _ Handler = namedHandler{}
