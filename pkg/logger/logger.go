// Package logger builds the process-wide zerolog logger. Components
// derive their own with log.With().Str("component", ...).
package logger

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Config holds logger settings
type Config struct {
	Level  string // debug, info, warn, error
	Pretty bool   // human-readable console output
}

// New builds the root logger
func New(cfg Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	zerolog.TimeFieldFormat = time.RFC3339

	var out io.Writer = os.Stdout
	if cfg.Pretty {
		out = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: "15:04:05"}
	}

	return zerolog.New(out).With().Timestamp().Logger()
}

// SetGlobalLogger replaces the zerolog package-level logger
func SetGlobalLogger(l zerolog.Logger) {
	log.Logger = l
}
