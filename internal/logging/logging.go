// Package logging configures the process-wide zerolog logger.
package logging

import (
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Setup sets the global level and output format and returns the root logger.
// format "console" gives human-readable output; anything else is JSON. An
// unknown level falls back to info.
func Setup(level, format string) zerolog.Logger {
	return setup(os.Stderr, level, format)
}

func setup(out io.Writer, level, format string) zerolog.Logger {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)

	if strings.EqualFold(format, "console") {
		out = zerolog.ConsoleWriter{Out: out}
	}
	log.Logger = zerolog.New(out).With().Timestamp().Logger()
	return log.Logger
}
