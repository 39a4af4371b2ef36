// Package logging builds the process-wide zerolog root logger.
//
// Components never construct their own loggers; they derive child loggers from
// the one handed to them (logger.With().Str("component", …).Logger()) so every
// line carries the service name and timestamp.
package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// New returns the root logger for the given service. Unknown level strings
// fall back to info. When pretty is set, output is human-readable console
// format instead of JSON; use it for local development only.
func New(service, level string, pretty bool) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}

	var out io.Writer = os.Stdout
	if pretty {
		out = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	}

	zerolog.TimeFieldFormat = time.RFC3339
	return zerolog.New(out).
		Level(lvl).
		With().
		Timestamp().
		Str("service", service).
		Logger()
}
