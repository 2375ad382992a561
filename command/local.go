package command

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/rbaliyan/dddkit/backoff"
	"github.com/rbaliyan/dddkit/internal/delayqueue"
)

// Config holds the retry settings used by Send.
type Config struct {
	MaxAttempts  int           `env:"COMMAND_BUS_MAX_ATTEMPTS" envDefault:"1"`
	InitialDelay time.Duration `env:"COMMAND_BUS_INITIAL_DELAY" envDefault:"500ms"`
}

// LoadConfig reads the bus configuration from the environment.
func LoadConfig() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

type busOptions struct {
	config Config
	policy backoff.Policy
	logger *slog.Logger
}

// Option configures a LocalBus.
type Option func(*busOptions)

// WithConfig replaces the retry configuration.
func WithConfig(cfg Config) Option {
	return func(o *busOptions) {
		o.config = cfg
	}
}

// WithMaxAttempts sets the total number of attempts for asynchronous sends.
func WithMaxAttempts(n int) Option {
	return func(o *busOptions) {
		o.config.MaxAttempts = n
	}
}

// WithBackoff replaces the retry delay policy.
func WithBackoff(p backoff.Policy) Option {
	return func(o *busOptions) {
		o.policy = p
	}
}

// WithLogger sets the logger. A nil logger discards output.
func WithLogger(l *slog.Logger) Option {
	return func(o *busOptions) {
		o.logger = l
	}
}

// LocalBus is an in-process command bus with one handler per command name.
type LocalBus[C any] struct {
	cm     ContextManager[C]
	config Config
	policy backoff.Policy
	logger *slog.Logger

	mu       sync.RWMutex
	handlers map[string]Handler[C]

	retries *delayqueue.Queue
	// lifecycle orders inflight.Add in Send against Close.
	lifecycle sync.Mutex
	inflight  sync.WaitGroup
	closed    atomic.Bool
}

// NewLocalBus creates a command bus. cm may be nil, in which case handlers
// receive the zero value of C.
func NewLocalBus[C any](cm ContextManager[C], opts ...Option) *LocalBus[C] {
	o := busOptions{config: Config{MaxAttempts: 1, InitialDelay: backoff.DefaultInitial}}
	for _, opt := range opts {
		opt(&o)
	}
	if o.config.MaxAttempts < 1 {
		o.config.MaxAttempts = 1
	}
	if o.policy == nil {
		o.policy = backoff.NewExponential(o.config.InitialDelay)
	}
	if o.logger == nil {
		o.logger = slog.New(slog.DiscardHandler)
	}

	return &LocalBus[C]{
		cm:       cm,
		config:   o.config,
		policy:   o.policy,
		logger:   o.logger.With("component", "command.local_bus"),
		handlers: make(map[string]Handler[C]),
		retries:  delayqueue.New(),
	}
}

// Register sets the handler for a command name.
// It returns ErrHandlerAlreadyRegistered if the name already has one.
func (b *LocalBus[C]) Register(name string, h Handler[C]) error {
	if name == "" || h == nil {
		return ErrInvalidCommand
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.handlers[name]; exists {
		return fmt.Errorf("%w: %s", ErrHandlerAlreadyRegistered, name)
	}
	b.handlers[name] = h
	b.logger.Debug("registered command handler", "command", name)
	return nil
}

func (b *LocalBus[C]) handler(name string) (Handler[C], bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	h, ok := b.handlers[name]
	return h, ok
}

func (b *LocalBus[C]) invoke(ctx context.Context, h Handler[C], cmd Command) (out any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("command %s handler panic: %v", cmd.Name, r)
		}
	}()

	if b.cm == nil {
		var zero C
		return h.Handle(ctx, cmd, zero)
	}
	return b.cm.WrapWithContext(ctx, func(ctx context.Context, c C) (any, error) {
		return h.Handle(ctx, cmd, c)
	})
}

// Send dispatches cmd without waiting for the result. Failures are retried
// until MaxAttempts and then logged. A command without a handler is logged
// and dropped.
func (b *LocalBus[C]) Send(ctx context.Context, cmd Command) error {
	if b.closed.Load() {
		return ErrBusClosed
	}
	if cmd.Name == "" {
		return ErrInvalidCommand
	}

	h, ok := b.handler(cmd.Name)
	if !ok {
		b.logger.Warn("no handler found", "command", cmd.Name)
		return nil
	}

	b.lifecycle.Lock()
	if b.closed.Load() {
		b.lifecycle.Unlock()
		return ErrBusClosed
	}
	b.inflight.Add(1)
	b.lifecycle.Unlock()

	detached := context.WithoutCancel(ctx)
	go func() {
		defer b.inflight.Done()
		b.attempt(detached, h, cmd, 1)
	}()
	return nil
}

func (b *LocalBus[C]) attempt(ctx context.Context, h Handler[C], cmd Command, n int) {
	_, err := b.invoke(ctx, h, cmd)
	if err == nil {
		return
	}

	if n >= b.config.MaxAttempts {
		b.logger.Error("command failed",
			"command", cmd.Name,
			"attempts", n,
			"error", err)
		return
	}

	delay := b.policy.Delay(n + 1)
	b.logger.Warn("command failed, retrying",
		"command", cmd.Name,
		"attempt", fmt.Sprintf("%d/%d", n, b.config.MaxAttempts),
		"delay", delay,
		"error", err)

	if err := b.retries.Schedule(delay, func() { b.attempt(ctx, h, cmd, n+1) }); err != nil {
		b.logger.Debug("retry dropped, bus closed", "command", cmd.Name)
	}
}

// SendSync executes cmd and returns the handler's result. There are no
// retries; the handler's error is returned as is.
func (b *LocalBus[C]) SendSync(ctx context.Context, cmd Command) (any, error) {
	if b.closed.Load() {
		return nil, ErrBusClosed
	}
	if cmd.Name == "" {
		return nil, ErrInvalidCommand
	}

	h, ok := b.handler(cmd.Name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoHandler, cmd.Name)
	}
	return b.invoke(ctx, h, cmd)
}

// Close stops the bus, drops pending retries and waits for running
// handlers until ctx is done.
func (b *LocalBus[C]) Close(ctx context.Context) error {
	b.lifecycle.Lock()
	wasClosed := b.closed.Swap(true)
	b.lifecycle.Unlock()
	if wasClosed {
		return nil
	}

	done := make(chan struct{})
	go func() {
		b.inflight.Wait()
		b.retries.Close()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
