package usbi3c

import (
	"time"

	"github.com/rs/zerolog"
)

// defaultReattemptMax is the stall-on-nack reattempt budget used unless
// overridden (spec.md §6 "Default reattempt_max = 2").
const defaultReattemptMax = 2

// defaultSendTimeout bounds Device.SendCommands unless overridden.
const defaultSendTimeout = 5 * time.Second

// Config holds the per-device knobs a caller may tune with Option (spec.md
// carries no configuration surface of its own; this follows the teacher's
// functional-options idiom used throughout its device constructors).
type Config struct {
	reattemptMax int
	sendTimeout  time.Duration
	logger       zerolog.Logger
}

func defaultConfig() Config {
	return Config{
		reattemptMax: defaultReattemptMax,
		sendTimeout:  defaultSendTimeout,
		logger:       zerolog.Nop(),
	}
}

// Option configures a Device at construction time.
type Option func(*Config)

// WithReattemptMax overrides the stall-on-nack reattempt budget (spec.md
// §4.6, §6).
func WithReattemptMax(n int) Option {
	return func(c *Config) { c.reattemptMax = n }
}

// WithSendTimeout overrides the default Device.SendCommands timeout.
func WithSendTimeout(d time.Duration) Option {
	return func(c *Config) { c.sendTimeout = d }
}

// WithLogger attaches a zerolog.Logger used for the "logged, not
// propagated" cases of spec.md §4.9: unknown notification codes, dropped
// vendor-specific responses, and stream-desync aborts.
func WithLogger(logger zerolog.Logger) Option {
	return func(c *Config) { c.logger = logger }
}
