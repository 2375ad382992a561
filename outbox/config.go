package outbox

import (
	"log/slog"
	"time"

	"github.com/caarlos0/env/v11"
)

// Defaults
const (
	DefaultInterval           = 500 * time.Millisecond
	DefaultClaimTimeout       = time.Minute
	DefaultPublishConcurrency = 16
	DefaultCleanupInterval    = time.Hour
)

// Config holds the outbox settings.
type Config struct {
	// ContextName tags scheduled records and scopes the sweep.
	ContextName string `env:"OUTBOX_CONTEXT_NAME"`
	// Interval is the pause between two sweeps.
	Interval time.Duration `env:"OUTBOX_INTERVAL" envDefault:"500ms"`
	// ClaimTimeout is how long a record may stay processing before the sweep
	// releases it. Zero disables the release.
	ClaimTimeout time.Duration `env:"OUTBOX_CLAIM_TIMEOUT" envDefault:"1m"`
	// PublishConcurrency bounds the records published at once by PublishEvents.
	PublishConcurrency int `env:"OUTBOX_PUBLISH_CONCURRENCY" envDefault:"16"`
	// Retention is how long published records are kept. Zero keeps them forever.
	Retention time.Duration `env:"OUTBOX_RETENTION" envDefault:"0s"`
	// CleanupInterval is how often published records older than Retention are deleted.
	CleanupInterval time.Duration `env:"OUTBOX_CLEANUP_INTERVAL" envDefault:"1h"`
}

// DefaultConfig returns the default outbox configuration.
func DefaultConfig() Config {
	return Config{
		Interval:           DefaultInterval,
		ClaimTimeout:       DefaultClaimTimeout,
		PublishConcurrency: DefaultPublishConcurrency,
		CleanupInterval:    DefaultCleanupInterval,
	}
}

// LoadConfig reads the outbox configuration from the environment.
func LoadConfig() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	if c.PublishConcurrency <= 0 {
		c.PublishConcurrency = DefaultPublishConcurrency
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = DefaultCleanupInterval
	}
	return c
}

type outboxOptions struct {
	config Config
	logger *slog.Logger
	now    func() time.Time
}

// Option configures an Outbox.
type Option func(*outboxOptions)

// WithConfig replaces the whole configuration.
func WithConfig(cfg Config) Option {
	return func(o *outboxOptions) {
		o.config = cfg
	}
}

// WithContextName sets the context name of scheduled records.
func WithContextName(name string) Option {
	return func(o *outboxOptions) {
		o.config.ContextName = name
	}
}

// WithInterval sets the pause between sweeps.
func WithInterval(d time.Duration) Option {
	return func(o *outboxOptions) {
		o.config.Interval = d
	}
}

// WithClaimTimeout sets how long a record may stay processing. Zero disables the release.
func WithClaimTimeout(d time.Duration) Option {
	return func(o *outboxOptions) {
		o.config.ClaimTimeout = d
	}
}

// WithLogger sets the logger. A nil logger discards output.
func WithLogger(l *slog.Logger) Option {
	return func(o *outboxOptions) {
		o.logger = l
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(o *outboxOptions) {
		if now != nil {
			o.now = now
		}
	}
}
