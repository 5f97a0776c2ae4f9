// Package logging configures the process-wide zerolog logger. Every other
// package logs through the zerolog/log global; this package is the single
// place that decides output format and level.
package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Setup initializes the global logger. When pretty is true the console writer
// is used, otherwise JSON lines go to stderr. The level string follows
// zerolog's names ("debug", "info", ...); unknown values fall back to info.
func Setup(level string, pretty bool) {
	zerolog.TimeFieldFormat = time.RFC3339Nano

	var out io.Writer = os.Stderr
	if pretty {
		out = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	}

	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}

	log.Logger = zerolog.New(out).Level(lvl).With().Timestamp().Logger()
}

// FromEnv configures the logger from LOG_LEVEL and LOG_PRETTY.
func FromEnv() {
	pretty := false
	switch strings.ToLower(os.Getenv("LOG_PRETTY")) {
	case "1", "true", "yes":
		pretty = true
	}
	Setup(os.Getenv("LOG_LEVEL"), pretty)
}
