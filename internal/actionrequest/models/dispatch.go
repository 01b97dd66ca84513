package models

import (
	"context"
	"log/slog"

	"curbwise/internal/action"
)

// HandlerFunc applies one action kind's side effects. The lifecycle has
// already guaranteed at-most-once invocation, so handlers assume a single
// attempt and fail loudly on domain-invariant violations (returning a
// *DomainError), which the lifecycle turns into a failed request.
type HandlerFunc func(ctx context.Context, log *slog.Logger, act action.Action, req *Request) (map[string]any, error)

// Registry is the closed kind-to-handler mapping. A kind with no entry is a
// programming error; completeness is asserted against action.Kinds() at
// startup and in tests.
type Registry map[action.Kind]HandlerFunc

// Complete reports whether every registered action kind has a handler.
func (r Registry) Complete() bool {
	for _, kind := range action.Kinds() {
		if _, ok := r[kind]; !ok {
			return false
		}
	}
	return true
}
