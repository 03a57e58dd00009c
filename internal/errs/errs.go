// Package errs defines the tagged error hierarchy used across the engine.
//
// The source system this engine is modeled on used an inheritance-based
// error hierarchy (AuthError extends ApiError extends Error, and so on).
// That pattern has no natural Go equivalent, so every error is instead a
// single struct tagged by Kind, carrying a shared context envelope.
// Callers branch on Kind instead of using type assertions down a class
// hierarchy.
package errs

import (
	"errors"
	"fmt"
)

// Kind tags the category of failure. See spec.md §7 for the taxonomy.
type Kind string

const (
	KindNetwork         Kind = "network"          // DNS, refused, reset, timeout
	KindAPI             Kind = "api"              // non-2xx with {code, msg}
	KindRateLimit       Kind = "rate_limit"        // HTTP 429, a specialization of api
	KindAuth            Kind = "auth"             // 401/403, not recoverable
	KindValidation      Kind = "validation"        // decoded record fails invariants
	KindWebSocket       Kind = "websocket"         // transport-level on push
	KindOrderExecution  Kind = "order_execution"   // signed-order paths only
)

// Error is the engine's single error type. Severity and Recoverable let
// callers decide how to react without inspecting Kind directly, though Kind
// remains available for exhaustive switches.
type Error struct {
	Kind        Kind
	Message     string
	Code        int            // exchange-assigned error code, if any (ApiError/RateLimitError)
	Context     map[string]any // free-form context: symbol, endpoint, order params, etc.
	Severity    string         // "info" | "warn" | "error" | "critical"
	Recoverable bool
	Cause       error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is lets errors.Is match on Kind alone, e.g. errors.Is(err, errs.New(errs.KindAuth, "")).
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return e.Kind == t.Kind
	}
	return false
}

func new_(kind Kind, message string, severity string, recoverable bool) *Error {
	return &Error{Kind: kind, Message: message, Severity: severity, Recoverable: recoverable}
}

// New builds a bare error of the given kind with "error" severity;
// it is recoverable unless kind is KindAuth.
func New(kind Kind, message string) *Error {
	rec := kind != KindAuth
	return new_(kind, message, "error", rec)
}

// Wrap attaches cause to a new tagged error.
func Wrap(kind Kind, message string, cause error) *Error {
	e := New(kind, message)
	e.Cause = cause
	return e
}

func Network(message string, cause error) *Error {
	e := Wrap(KindNetwork, message, cause)
	e.Severity = "warn"
	return e
}

func API(code int, msg string) *Error {
	e := New(KindAPI, msg)
	e.Code = code
	return e
}

func RateLimit(code int, msg string) *Error {
	e := API(code, msg)
	e.Kind = KindRateLimit
	return e
}

func Auth(msg string) *Error {
	e := new_(KindAuth, msg, "critical", false)
	return e
}

func Validation(msg string, ctx map[string]any) *Error {
	e := New(KindValidation, msg)
	e.Severity = "warn"
	e.Context = ctx
	return e
}

func WebSocket(message string, cause error) *Error {
	return Wrap(KindWebSocket, message, cause)
}

// OrderExecution wraps cause with order parameters for context.
func OrderExecution(message string, params map[string]any, cause error) *Error {
	e := Wrap(KindOrderExecution, message, cause)
	e.Context = params
	return e
}

// Is reports whether err is a tagged Error of the given kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// As extracts the tagged *Error from err, if any.
func As(err error) (*Error, bool) {
	var e *Error
	ok := errors.As(err, &e)
	return e, ok
}
