package logger

import (
	"context"
	"log/slog"
)

// contextKey is an unexported type used as the context key for the logger
// to avoid collisions with other packages' context values.
type contextKey struct{}

// WithLogger returns a new context carrying the provided logger.
// Downstream code retrieves it with FromContext.
func WithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, contextKey{}, logger)
}

// FromContext returns the logger stored in the context, or the process
// default logger when the context carries none. It never returns nil.
func FromContext(ctx context.Context) *slog.Logger {
	if ctx != nil {
		if logger, ok := ctx.Value(contextKey{}).(*slog.Logger); ok && logger != nil {
			return logger
		}
	}
	return slog.Default()
}
