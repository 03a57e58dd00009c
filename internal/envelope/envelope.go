// Package envelope defines the Result envelope from spec.md §3: the stable
// delivery contract for every one-shot read and push callback.
package envelope

import (
	"time"

	"marketstream/internal/errs"
)

// Source names where a delivered value came from.
type Source string

const (
	SourcePush  Source = "push"
	SourceREST  Source = "rest"
	SourceCache Source = "cache"
)

// Result is generic over the payload type so callers get typed data
// (*decode.PriceTick, *decode.OrderBook, ...) instead of `any`, per
// spec.md §9's "dynamic callbacks & any payloads" redesign note.
type Result[T any] struct {
	Data      *T
	Err       *errs.Error
	Source    Source
	Timestamp time.Time
}

// Ok builds a successful envelope. Exactly one of Data/Err is non-nil,
// enforced by construction (spec.md I1).
func Ok[T any](data T, source Source, ts time.Time) Result[T] {
	return Result[T]{Data: &data, Source: source, Timestamp: ts}
}

func Fail[T any](err *errs.Error, source Source, ts time.Time) Result[T] {
	return Result[T]{Err: err, Source: source, Timestamp: ts}
}
