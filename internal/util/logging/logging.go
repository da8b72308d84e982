package logging

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

type ctxKey string

const requestIDKey ctxKey = "request_id"

// New creates a new zerolog.Logger writing JSON to the given writer, tagged
// with the service name.
func New(w io.Writer, service string) zerolog.Logger {
	if w == nil {
		w = os.Stdout
	}
	return zerolog.New(w).With().Timestamp().Str("service", service).Logger()
}

// WithLevel returns logger filtered at the named level (debug, info, warn, ...).
func WithLevel(logger zerolog.Logger, level string) (zerolog.Logger, error) {
	if level == "" {
		return logger, nil
	}
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		return logger, fmt.Errorf("parsing log level: %w", err)
	}
	return logger.Level(lvl), nil
}

// WithRequestID adds a request ID to the context.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

// RequestID extracts the request ID from context.
func RequestID(ctx context.Context) string {
	v, _ := ctx.Value(requestIDKey).(string)
	return v
}

// LogRequest logs an HTTP request with standard fields.
func LogRequest(logger zerolog.Logger, ctx context.Context, method, path string, status int, size int64, latency time.Duration) {
	logger.Info().
		Str("request_id", RequestID(ctx)).
		Str("method", method).
		Str("path", path).
		Int("status", status).
		Int64("size", size).
		Dur("latency", latency).
		Msg("request")
}
