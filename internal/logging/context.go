package logging

import (
	"context"
	"crypto/rand"
	"encoding/hex"
)

type contextKey string

const (
	loggerKey  contextKey = "logger"
	traceIDKey contextKey = "trace_id"
)

// GenerateTraceID generates a new trace ID
func GenerateTraceID() string {
	b := make([]byte, 16)
	rand.Read(b)
	return hex.EncodeToString(b)
}

// FromContext retrieves the logger from context
func FromContext(ctx context.Context) *Logger {
	if l, ok := ctx.Value(loggerKey).(*Logger); ok {
		return l
	}
	return Default()
}

// NewContext creates a new context with the logger
func NewContext(ctx context.Context, l *Logger) context.Context {
	return context.WithValue(ctx, loggerKey, l)
}

// WithTraceContext adds a trace ID to the context and returns a logger with it
func WithTraceContext(ctx context.Context) (context.Context, *Logger) {
	traceID := GenerateTraceID()
	l := Default().WithTraceID(traceID)
	newCtx := context.WithValue(ctx, traceIDKey, traceID)
	newCtx = context.WithValue(newCtx, loggerKey, l)
	return newCtx, l
}

// StreamContext creates a logger context for a single push connection.
func StreamContext(symbol, topic string) *Logger {
	return Default().WithFields(map[string]interface{}{
		"symbol": symbol,
		"topic":  topic,
	}).WithComponent("stream")
}

// PollContext creates a logger context for a Fallback Poller job.
func PollContext(streamKey string) *Logger {
	return Default().WithFields(map[string]interface{}{
		"stream_key": streamKey,
	}).WithComponent("poller")
}

// RESTContext creates a logger context for a signed or public REST call.
func RESTContext(endpoint string, weight int) *Logger {
	return Default().WithFields(map[string]interface{}{
		"endpoint": endpoint,
		"weight":   weight,
	}).WithComponent("rest")
}

// APIContext creates a logger context for API operations
func APIContext(method, path string, statusCode int) *Logger {
	return Default().WithFields(map[string]interface{}{
		"method":      method,
		"path":        path,
		"status_code": statusCode,
	}).WithComponent("api")
}

// SignedRESTContext creates a logger context for a signed REST call,
// excluding the signature and API key from the logged params.
func SignedRESTContext(endpoint string, params map[string]interface{}) *Logger {
	l := Default().WithFields(map[string]interface{}{
		"endpoint": endpoint,
	}).WithComponent("rest")

	for k, v := range params {
		if k != "signature" && k != "apiKey" {
			l = l.WithField(k, v)
		}
	}

	return l
}
