package usbi3c

import "github.com/rs/zerolog"

// NewDefaultLogger builds a console-oriented zerolog.Logger with
// timestamps, following u-bmc's pkg/log.NewDefaultLogger. The OpenTelemetry
// fanout that file also wires is dropped here: this package exports no
// traces or metrics, so there is nothing for a log bridge to feed (see
// DESIGN.md).
func NewDefaultLogger() zerolog.Logger {
	return zerolog.New(zerolog.NewConsoleWriter()).With().Timestamp().Logger()
}
