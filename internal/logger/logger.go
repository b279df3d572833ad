// Package logger configures the process-wide zerolog logger and exposes
// component-scoped sub-loggers, mirroring the convention used throughout
// the orchestration core's ambient stack.
package logger

import (
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Log is the process-wide base logger, tagged with the service name.
var Log zerolog.Logger

// Initialize configures the global logger. level is a zerolog level name
// ("debug", "info", ...); pretty selects a human-readable console writer
// instead of JSON, for local development.
func Initialize(level string, pretty bool) {
	logLevel, err := zerolog.ParseLevel(level)
	if err != nil {
		logLevel = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(logLevel)

	if pretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		})
	} else {
		zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	}

	Log = log.With().Str("service", "deviceorch").Logger()
	Log.Info().Str("level", logLevel.String()).Bool("pretty", pretty).Msg("logger initialized")
}

// GetLogger returns the process-wide base logger.
func GetLogger() *zerolog.Logger {
	return &Log
}

// Component returns a logger scoped to the named subsystem.
func Component(name string) *zerolog.Logger {
	l := Log.With().Str("component", name).Logger()
	return &l
}

// Session returns a logger scoped to a single session.
func Session(sessionID string) *zerolog.Logger {
	l := Log.With().Str("component", "session").Str("session_id", sessionID).Logger()
	return &l
}

// Device returns a logger scoped to a single device runner.
func Device(controlID string) *zerolog.Logger {
	l := Log.With().Str("component", "device").Str("device_id", controlID).Logger()
	return &l
}

// Plugin returns a logger scoped to a single plugin instance within a session.
func Plugin(sessionID, label string) *zerolog.Logger {
	l := Log.With().Str("component", "plugin").Str("session_id", sessionID).Str("plugin_label", label).Logger()
	return &l
}
