// Package logging configures the process-wide zerolog logger.
package logging

import (
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Init sets the global level and returns the root logger. Levels follow
// zerolog names; anything unrecognized falls back to info.
func Init(level string) zerolog.Logger {
	lvl := zerolog.InfoLevel
	switch strings.ToLower(level) {
	case "trace":
		lvl = zerolog.TraceLevel
	case "debug":
		lvl = zerolog.DebugLevel
	case "warn":
		lvl = zerolog.WarnLevel
	case "error":
		lvl = zerolog.ErrorLevel
	}
	zerolog.SetGlobalLevel(lvl)

	out := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	return zerolog.New(out).With().Timestamp().Logger()
}

// WithStage returns a child logger tagged with the convergence stage name.
func WithStage(l zerolog.Logger, stage string) zerolog.Logger {
	return l.With().Str("stage", stage).Logger()
}
