// Package validate defines the reducer/validator contract injected into the
// server and client (spec.md 4.4). The core never interprets domain
// payloads; it only calls into a Validator keyed by the event's Type and,
// for materialized views, folds committed events through a pure Reducer.
package validate

import (
	"context"
	"fmt"
	"sync"

	"github.com/insieme/insieme/internal/model"
)

// Context carries whatever ambient information a Validator needs that isn't
// part of the event itself (e.g. the submitting client_id). It deliberately
// excludes transport framing details.
type Context struct {
	ClientID   string
	Partitions []string
}

// ErrorCode distinguishes the two outcomes a Validator may signal
// (spec.md 4.4): a soft, per-item rejection, or a malformed-envelope
// rejection of the whole request.
type ErrorCode int

const (
	// ValidationFailed is a soft, per-item rejection.
	ValidationFailed ErrorCode = iota
	// BadRequest rejects the request envelope itself.
	BadRequest
)

// Error is returned by Validator.Validate.
type Error struct {
	Code    ErrorCode
	Message string
}

func (e *Error) Error() string { return e.Message }

// NewValidationFailed builds a soft, per-item validation error.
func NewValidationFailed(format string, args ...any) *Error {
	return &Error{Code: ValidationFailed, Message: fmt.Sprintf(format, args...)}
}

// NewBadRequest builds a request-envelope-level error.
func NewBadRequest(format string, args ...any) *Error {
	return &Error{Code: BadRequest, Message: fmt.Sprintf(format, args...)}
}

// Validator is a pure function of (item, ctx); it must not perform I/O that
// affects durability (spec.md 4.4).
type Validator interface {
	Validate(ctx context.Context, event model.Event, vctx Context) error
}

// ValidatorFunc adapts a plain function to the Validator interface.
type ValidatorFunc func(ctx context.Context, event model.Event, vctx Context) error

func (f ValidatorFunc) Validate(ctx context.Context, event model.Event, vctx Context) error {
	return f(ctx, event, vctx)
}

// Passthrough accepts every event unconditionally. It is the default
// Validator used by the CLI demo and scenario harness, where domain payload
// schemas are out of core scope.
var Passthrough Validator = ValidatorFunc(func(context.Context, model.Event, Context) error {
	return nil
})

// Registry dispatches validation by event.Type, generalizing the single
// validate(item) hook in spec.md 4.4 into the schema-keyed dispatch spec.md
// 9 describes ("a trait object / interface handed in at construction, keyed
// by payload schema"). An unregistered type falls back to a configurable
// default (Passthrough unless overridden).
type Registry struct {
	mu      sync.RWMutex
	byType  map[string]Validator
	Default Validator
}

// NewRegistry creates an empty registry whose default Validator is
// Passthrough.
func NewRegistry() *Registry {
	return &Registry{byType: make(map[string]Validator), Default: Passthrough}
}

// Register associates a Validator with an event type ("schema").
func (r *Registry) Register(eventType string, v Validator) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byType[eventType] = v
}

// Validate dispatches to the Validator registered for event.Type, or the
// registry's Default if none is registered.
func (r *Registry) Validate(ctx context.Context, event model.Event, vctx Context) error {
	r.mu.RLock()
	v, ok := r.byType[event.Type]
	if !ok {
		v = r.Default
	}
	r.mu.RUnlock()
	if v == nil {
		return nil
	}
	return v.Validate(ctx, event, vctx)
}

// Reducer folds a committed event into state, scoped to one partition. It
// must be pure: no dependency on client_id or transport fields beyond what
// event carries (spec.md 4.4). Reducers compose above the core; tree-profile
// semantics and materialized-view shapes are out of scope (spec.md 1).
type Reducer func(state model.ReducerState, event model.Event, partition string) (model.ReducerState, error)
