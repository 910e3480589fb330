// Package logging builds the process logger.
//
// Logs always go to stderr-like writers so they never interleave with answers
// printed on stdout. When the writer is a terminal a human-readable console
// format is used, otherwise one JSON object per line.
package logging

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/ZanzyTHEbar/teachmefinance/tmf"
	"github.com/ZanzyTHEbar/teachmefinance/tmf/config"

	"github.com/rs/zerolog"
)

// New creates a logger writing to w at the configured level and format.
func New(cfg config.LogConfig, w io.Writer) (zerolog.Logger, error) {
	level, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(cfg.Level)))
	if err != nil {
		return zerolog.Nop(), fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}
	if level == zerolog.NoLevel {
		level = zerolog.WarnLevel
	}

	out := w
	if useConsole(cfg.Format, w) {
		out = zerolog.ConsoleWriter{
			Out:        w,
			TimeFormat: time.Kitchen,
			NoColor:    !tmf.IsTerminal(w),
		}
	}

	return zerolog.New(out).Level(level).With().Timestamp().Logger(), nil
}

// Component derives a child logger tagged with a component name.
func Component(logger zerolog.Logger, name string) zerolog.Logger {
	return logger.With().Str("component", name).Logger()
}

func useConsole(format string, w io.Writer) bool {
	switch format {
	case "console":
		return true
	case "json":
		return false
	default:
		return tmf.IsTerminal(w)
	}
}
