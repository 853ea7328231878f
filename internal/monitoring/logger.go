// Package monitoring carries the ambient observability stack: the zerolog
// factory shared by every component and the Prometheus collectors for the
// messaging plane.
package monitoring

import (
	"io"
	"os"
	"runtime/debug"
	"time"

	"github.com/rs/zerolog"
)

// LogFormat selects the logger output encoding.
type LogFormat string

const (
	LogFormatJSON   LogFormat = "json"   // machine-readable, for log shipping
	LogFormatPretty LogFormat = "pretty" // human-readable, for local dev
)

// LoggerConfig holds logger configuration.
type LoggerConfig struct {
	Level  string    // debug, info, warn, error
	Format LogFormat // json or pretty
}

// NewLogger creates the structured logger used across the pod. JSON output
// with RFC3339 timestamps and a service field, or a console writer when
// Format is pretty.
func NewLogger(cfg LoggerConfig) zerolog.Logger {
	var output io.Writer = os.Stdout

	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}

	if cfg.Format == LogFormatPretty {
		output = zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		}
	}

	return zerolog.New(output).
		Level(level).
		With().
		Timestamp().
		Str("service", "chatify").
		Logger()
}

// RecoverPanic logs a recovered panic with its stack and keeps the process
// running. Deferred first in every long-lived goroutine (consumer loops,
// pumps) so a single connection or record cannot take the pod down.
func RecoverPanic(log zerolog.Logger, goroutine string, fields map[string]any) {
	if r := recover(); r != nil {
		event := log.Error().
			Str("goroutine", goroutine).
			Interface("panic_value", r).
			Str("stack_trace", string(debug.Stack()))
		for k, v := range fields {
			event = event.Interface(k, v)
		}
		event.Msg("Goroutine panic recovered")
	}
}
