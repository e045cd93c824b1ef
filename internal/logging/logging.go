// Package logging configures the global zerolog logger.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	FormatJSON = "json"
	FormatText = "text"
)

// Setup points the global logger at stderr in the given format and sets the
// global level. An unknown level falls back to info.
func Setup(format, level string) error {
	return SetupWriter(os.Stderr, format, level)
}

// SetupWriter is Setup with an explicit destination.
func SetupWriter(out io.Writer, format, level string) error {
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)

	switch strings.ToLower(format) {
	case "", FormatText:
		zerolog.TimeFieldFormat = time.RFC3339
		log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}).
			With().Timestamp().Logger()
	case FormatJSON:
		zerolog.TimeFieldFormat = time.RFC3339Nano
		log.Logger = zerolog.New(out).With().Timestamp().Logger()
	default:
		return fmt.Errorf("unknown log format %q", format)
	}
	return nil
}
