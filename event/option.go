package event

import (
	"log/slog"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/rbaliyan/dddkit/backoff"
)

// Config holds the retry settings of a LocalBus.
type Config struct {
	// MaxAttempts is the total number of times a handler runs for one event.
	MaxAttempts int `env:"EVENT_BUS_MAX_ATTEMPTS" envDefault:"1"`
	// InitialDelay is the first retry delay; it doubles on every attempt.
	InitialDelay time.Duration `env:"EVENT_BUS_INITIAL_DELAY" envDefault:"500ms"`
}

// DefaultConfig returns the default bus configuration.
func DefaultConfig() Config {
	return Config{MaxAttempts: 1, InitialDelay: backoff.DefaultInitial}
}

// LoadConfig reads the bus configuration from the environment.
func LoadConfig() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) withDefaults() Config {
	if c.MaxAttempts < 1 {
		c.MaxAttempts = 1
	}
	if c.InitialDelay <= 0 {
		c.InitialDelay = backoff.DefaultInitial
	}
	return c
}

type busOptions struct {
	config Config
	policy backoff.Policy
	logger *slog.Logger
}

// Option configures a LocalBus.
type Option func(*busOptions)

// WithConfig replaces the whole configuration.
func WithConfig(cfg Config) Option {
	return func(o *busOptions) {
		o.config = cfg
	}
}

// WithMaxAttempts sets the total number of attempts per handler.
func WithMaxAttempts(n int) Option {
	return func(o *busOptions) {
		o.config.MaxAttempts = n
	}
}

// WithInitialDelay sets the first retry delay of the default exponential policy.
func WithInitialDelay(d time.Duration) Option {
	return func(o *busOptions) {
		o.config.InitialDelay = d
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

func newBusOptions(opts []Option) busOptions {
	o := busOptions{config: DefaultConfig()}
	for _, opt := range opts {
		opt(&o)
	}
	o.config = o.config.withDefaults()
	if o.policy == nil {
		o.policy = backoff.NewExponential(o.config.InitialDelay)
	}
	if o.logger == nil {
		o.logger = slog.New(slog.DiscardHandler)
	}
	return o
}
