package loggingutil

import (
	"context"
	"io"
	"sync"

	"pkt.systems/pslog"
)

var (
	noOnce   sync.Once
	noLogger pslog.Logger

	// detachedLogger is what pslog hands out for a context without a logger.
	detachedLogger = pslog.LoggerFromContext(context.Background())
)

// NoopLogger returns a disabled logger that discards all entries.
func NoopLogger() pslog.Logger {
	noOnce.Do(func() {
		noLogger = pslog.NewWithOptions(io.Discard, pslog.Options{
			Mode:     pslog.ModeStructured,
			MinLevel: pslog.Disabled,
		})
	})
	return noLogger
}

// EnsureLogger returns l when non-nil, otherwise a disabled logger.
func EnsureLogger(l pslog.Logger) pslog.Logger {
	if l != nil {
		return l
	}
	return NoopLogger()
}

// FromContext returns the logger stored in ctx, or fallback when ctx carries
// none.
func FromContext(ctx context.Context, fallback pslog.Logger) pslog.Logger {
	if logger := pslog.LoggerFromContext(ctx); logger != detachedLogger {
		return logger
	}
	return EnsureLogger(fallback)
}

// HasContextLogger reports whether ctx carries its own logger.
func HasContextLogger(ctx context.Context) bool {
	return pslog.LoggerFromContext(ctx) != detachedLogger
}
