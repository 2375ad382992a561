// Package command provides an in-process command bus.
//
// Each command name has exactly one handler. Commands are either sent
// asynchronously (Send, retried on failure) or synchronously (SendSync, which
// returns the handler's result).
//
// A ContextManager wraps every handler invocation and hands the handler an
// ambient value of type C, typically a unit of work or a request scope:
//
//	type uow struct{ tx transaction.Transaction }
//
//	cm := command.ContextManagerFunc[uow](func(ctx context.Context, op func(context.Context, uow) (any, error)) (any, error) {
//	    var out any
//	    err := txm.Execute(ctx, func(tx transaction.Transaction) error {
//	        var err error
//	        out, err = op(ctx, uow{tx: tx})
//	        return err
//	    })
//	    return out, err
//	})
//
//	bus := command.NewLocalBus[uow](cm, command.WithLogger(logger))
//	bus.Register("PlaceOrder", command.HandlerFunc[uow](placeOrder))
//	id, err := command.SendSyncAs[string](ctx, bus, command.New("PlaceOrder", req))
package command

import (
	"context"
	"errors"
	"fmt"

	"github.com/rbaliyan/dddkit/internal/payload"
)

// Command bus errors
var (
	ErrNoHandler                = errors.New("no handler registered for command")
	ErrHandlerAlreadyRegistered = errors.New("command handler already registered")
	ErrInvalidCommand           = errors.New("invalid command: name is required")
	ErrBusClosed                = errors.New("command bus is closed")
	ErrResultType               = errors.New("unexpected command result type")
)

// Command is a named request to change state.
type Command struct {
	Name    string `json:"name"`
	Payload any    `json:"payload"`
}

// New creates a command.
func New(name string, payload any) Command {
	return Command{Name: name, Payload: payload}
}

// Decode stores the payload in the value pointed to by v.
func (c Command) Decode(v any) error {
	return payload.Decode(c.Payload, v)
}

// PayloadAs returns the command payload as T.
func PayloadAs[T any](c Command) (T, error) {
	return payload.As[T](c.Payload)
}

// Handler executes a command with the ambient value supplied by the bus's ContextManager.
type Handler[C any] interface {
	Handle(ctx context.Context, cmd Command, c C) (any, error)
}

// HandlerFunc is the function form of Handler.
type HandlerFunc[C any] func(ctx context.Context, cmd Command, c C) (any, error)

// Handle calls f.
func (f HandlerFunc[C]) Handle(ctx context.Context, cmd Command, c C) (any, error) {
	return f(ctx, cmd, c)
}

// ContextManager wraps a handler invocation, for example in a transaction.
// It must call op exactly once and return its result.
type ContextManager[C any] interface {
	WrapWithContext(ctx context.Context, op func(ctx context.Context, c C) (any, error)) (any, error)
}

// ContextManagerFunc is the function form of ContextManager.
type ContextManagerFunc[C any] func(ctx context.Context, op func(ctx context.Context, c C) (any, error)) (any, error)

// WrapWithContext calls f.
func (f ContextManagerFunc[C]) WrapWithContext(ctx context.Context, op func(ctx context.Context, c C) (any, error)) (any, error) {
	return f(ctx, op)
}

// SendSyncAs sends cmd synchronously and returns the result as R.
func SendSyncAs[R, C any](ctx context.Context, bus *LocalBus[C], cmd Command) (R, error) {
	var zero R
	out, err := bus.SendSync(ctx, cmd)
	if err != nil {
		return zero, err
	}
	if out == nil {
		return zero, nil
	}
	r, ok := out.(R)
	if !ok {
		return zero, fmt.Errorf("%w: %s returned %T", ErrResultType, cmd.Name, out)
	}
	return r, nil
}
