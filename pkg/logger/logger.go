package logger

import (
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Logger is the global logger instance
var Log zerolog.Logger

func init() {
	// Default to JSON output for production
	Log = zerolog.New(os.Stdout).
		With().
		Timestamp().
		Logger()

	// Pretty print for development if requested
	if os.Getenv("APP_ENV") != "production" {
		Log = Log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}

	if lvl := os.Getenv("LOG_LEVEL"); lvl != "" {
		_ = SetLevelString(lvl)
	}
}

// GetLogger returns the global logger instance
func GetLogger() zerolog.Logger {
	return Log
}

// SetLevel updates the global log level
func SetLevel(level zerolog.Level) {
	Log = Log.Level(level)
}

// SetLevelString parses a level name such as "debug" or "warn" and applies it.
// An unknown name leaves the level unchanged and returns the parse error.
func SetLevelString(level string) error {
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil {
		return err
	}
	if lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	SetLevel(lvl)
	return nil
}

// Configure switches between JSON and console output and sets the level.
// Commands call it once after loading configuration.
func Configure(env, level string) error {
	base := zerolog.New(os.Stdout).With().Timestamp().Logger()
	if env != "production" {
		base = base.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}
	Log = base
	return SetLevelString(level)
}

// WithComponent returns a child logger tagged with the component name.
func WithComponent(name string) zerolog.Logger {
	return Log.With().Str("component", name).Logger()
}
