// Package qlog builds the zerolog.Logger instances this module's
// components log through. There is deliberately no package-level
// singleton logger here: this library has no daemon main() to call an
// Init() before anything else runs, and a global mutable Logger would
// make two Stores opened in the same test binary (or the same process
// embedding two queues) silently share one sink. Instead New builds a
// self-contained Logger that the caller stores on whichever
// store.SQLiteStore / worker.Worker / client.Client it constructs.
package qlog

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Level represents a logging level.
type Level string

const (
	DebugLevel Level = "debug"
	InfoLevel  Level = "info"
	WarnLevel  Level = "warn"
	ErrorLevel Level = "error"
)

// Config configures one Logger returned by New. The zero Config produces
// an info-level, human-readable logger writing to stdout.
type Config struct {
	Level      Level
	JSONOutput bool
	Output     io.Writer
}

// New builds a zerolog.Logger from cfg. Unlike a package-level Init, New
// has no side effects outside the returned value — callers are free to
// build as many independently-configured loggers as they have components
// to hand them to.
func New(cfg Config) zerolog.Logger {
	output := cfg.Output
	if output == nil {
		output = os.Stdout
	}

	base := zerolog.New(output).Level(levelOf(cfg.Level))
	if !cfg.JSONOutput {
		base = zerolog.New(zerolog.ConsoleWriter{
			Out:        output,
			TimeFormat: time.RFC3339,
		}).Level(levelOf(cfg.Level))
	}
	return base.With().Timestamp().Logger()
}

func levelOf(l Level) zerolog.Level {
	switch l {
	case DebugLevel:
		return zerolog.DebugLevel
	case WarnLevel:
		return zerolog.WarnLevel
	case ErrorLevel:
		return zerolog.ErrorLevel
	case InfoLevel, "":
		return zerolog.InfoLevel
	default:
		return zerolog.InfoLevel
	}
}

// WithComponent derives a child of base scoped to a named component
// (e.g. "store", "worker.dispatcher"). Components call this on the
// Logger they were constructed with rather than reaching for a global.
func WithComponent(base zerolog.Logger, component string) zerolog.Logger {
	return base.With().Str("component", component).Logger()
}

// WithTaskID derives a child of base scoped to one task.
func WithTaskID(base zerolog.Logger, taskID string) zerolog.Logger {
	return base.With().Str("task_id", taskID).Logger()
}
