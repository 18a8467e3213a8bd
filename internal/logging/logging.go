// Package logging builds the process logger.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Options controls the logger
type Options struct {
	Level  string // trace, debug, info, warn, error; empty means info
	Format string // "json" or "console"
	Output io.Writer
}

// New creates a zerolog logger. It never touches the global logger.
func New(opts Options) (zerolog.Logger, error) {
	level := zerolog.InfoLevel
	if opts.Level != "" {
		parsed, err := zerolog.ParseLevel(strings.ToLower(opts.Level))
		if err != nil {
			return zerolog.Nop(), fmt.Errorf("invalid log level %q: %w", opts.Level, err)
		}
		level = parsed
	}

	out := opts.Output
	if out == nil {
		out = os.Stderr
	}

	switch opts.Format {
	case "", "json":
	case "console":
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339, NoColor: true}
	default:
		return zerolog.Nop(), fmt.Errorf("invalid log format %q", opts.Format)
	}

	return zerolog.New(out).Level(level).With().Timestamp().Str("service", "failwatch").Logger(), nil
}
