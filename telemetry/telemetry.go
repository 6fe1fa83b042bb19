// Package telemetry defines the logging and metrics capabilities the control
// plane components hold. Components accept these interfaces at construction;
// defaults are no-ops so tests stay silent and deterministic. Production
// wiring installs the clue/OTEL implementations from this package.
package telemetry

import (
	"context"
	"time"
)

type (
	// Logger emits structured log messages with alternating key/value pairs.
	Logger interface {
		// Debug emits a debug-level message.
		Debug(ctx context.Context, msg string, keyvals ...any)
		// Info emits an info-level message.
		Info(ctx context.Context, msg string, keyvals ...any)
		// Warn emits a warning-level message.
		Warn(ctx context.Context, msg string, keyvals ...any)
		// Error emits an error-level message.
		Error(ctx context.Context, msg string, keyvals ...any)
	}

	// Metrics records counters, timers, and gauges with alternating tag
	// key/value pairs.
	Metrics interface {
		// IncCounter increments a counter metric by value.
		IncCounter(name string, value float64, tags ...string)
		// RecordTimer records a duration metric.
		RecordTimer(name string, duration time.Duration, tags ...string)
		// RecordGauge records a point-in-time gauge value.
		RecordGauge(name string, value float64, tags ...string)
	}
)
