// Package logging builds the zerolog logger that is handed to every component.
package logging

import (
	"errors"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

var ErrUnknownLevel = errors.New("unknown log level")

type Config struct {
	// Output defaults to os.Stdout.
	Output io.Writer
	// Level is one of verbose, trace, debug, info, warn, error.
	Level     string
	Timestamp bool
	// Console switches from JSON lines to human readable output.
	Console bool
	// Disabled drops everything.
	Disabled bool
}

func New(cfg Config) (zerolog.Logger, error) {
	if cfg.Disabled {
		return zerolog.Nop(), nil
	}
	lvl, err := ParseLevel(cfg.Level)
	if err != nil {
		return zerolog.Nop(), err
	}

	out := cfg.Output
	if out == nil {
		out = os.Stdout
	}
	if cfg.Console {
		out = zerolog.ConsoleWriter{
			Out:        out,
			TimeFormat: time.RFC3339,
			NoColor:    true,
		}
	}

	ctx := zerolog.New(out).With()
	if cfg.Timestamp {
		ctx = ctx.Timestamp()
	}
	return ctx.Logger().Level(lvl), nil
}

// ParseLevel understands zerolog level names plus "verbose" which maps to trace.
// Empty string means info.
func ParseLevel(s string) (zerolog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "":
		return zerolog.InfoLevel, nil
	case "verbose":
		return zerolog.TraceLevel, nil
	}
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(s)))
	if err != nil {
		return zerolog.NoLevel, errors.Join(ErrUnknownLevel, err)
	}
	return lvl, nil
}
