// Package broadcast implements the Commit & Broadcast Engine (C6): the
// single entry point through which a submitted event is validated,
// durably committed, and fanned out to every other subscribed session,
// grounded on the teacher's single-writer Engine generalized from
// enqueuing one follow-on invocation to fanning out to N subscribers.
package broadcast

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/insieme/insieme/internal/canon"
	"github.com/insieme/insieme/internal/identity"
	"github.com/insieme/insieme/internal/model"
	"github.com/insieme/insieme/internal/serverstore"
	"github.com/insieme/insieme/internal/session"
	"github.com/insieme/insieme/internal/validate"
	"github.com/insieme/insieme/internal/wire"
)

// Hub owns the set of live sessions and is the only component that
// calls serverstore.CommitOrGetExisting - the single logical
// serialization point (spec.md 5).
type Hub struct {
	store      *serverstore.Store
	authorizer identity.PartitionAuthorizer
	validators *validate.Registry
	logger     *slog.Logger
	clock      func() time.Time

	mu       sync.RWMutex
	sessions map[string]*session.Session
}

// Option configures optional Hub behavior.
type Option func(*Hub)

// WithClock overrides the Hub's source of "now", used to assign
// status_updated_at on commit. Tests that need byte-stable golden output
// (internal/scenario) inject a deterministic clock here instead of
// time.Now.
func WithClock(fn func() time.Time) Option {
	return func(h *Hub) { h.clock = fn }
}

// NewHub creates a broadcast Hub backed by store.
func NewHub(store *serverstore.Store, authorizer identity.PartitionAuthorizer, validators *validate.Registry, logger *slog.Logger, opts ...Option) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	if validators == nil {
		validators = validate.NewRegistry()
	}
	h := &Hub{
		store:      store,
		authorizer: authorizer,
		validators: validators,
		logger:     logger.With("component", "broadcast"),
		clock:      time.Now,
		sessions:   make(map[string]*session.Session),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Register adds s to the hub's fan-out set.
func (h *Hub) Register(s *session.Session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sessions[s.ID] = s
}

// Unregister removes s from the hub's fan-out set.
func (h *Hub) Unregister(s *session.Session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.sessions, s.ID)
}

// Commit implements session.CommitService: the 7-step procedure from
// spec.md 4.6 - normalize partitions, authorize, validate, commit (or
// dedup), reply to the origin, and broadcast to every other subscribed
// session whose subscription intersects the event's partitions (a
// session mid-sync receives it once its sync completes). Nothing is broadcast until the store's commit transaction
// has returned successfully (spec.md 4.2, 5's durability-before-fanout
// ordering).
//
// Per spec.md 4.6/7, an expected rejection (validation_failed,
// forbidden, bad_request, a dedup conflict) is reported through the
// returned SubmitItemResult's Status/Reason fields, not as an error -
// only an unexpected fault returns a non-nil error, which the caller
// maps to a closing top-level `error` envelope.
func (h *Hub) Commit(ctx context.Context, origin *session.Session, item wire.SubmitItem) (wire.SubmitItemResult, error) {
	now := h.clock()

	partitions, err := canon.NormalizePartitions(item.Partitions)
	if err != nil {
		return rejected(item.ID, now, wire.CodeValidationFailed, err.Error()), nil
	}

	id := identity.Identity{ClientID: origin.ClientID()}
	ok, err := h.authorizer.AuthorizePartitions(ctx, id, partitions)
	if err != nil {
		return wire.SubmitItemResult{}, wire.NewError(wire.CodeServerError, "authorization check failed")
	}
	if !ok {
		return rejected(item.ID, now, wire.CodeForbidden, "not authorized for requested partitions"), nil
	}

	vctx := validate.Context{ClientID: id.ClientID, Partitions: partitions}
	if err := h.validators.Validate(ctx, item.Event, vctx); err != nil {
		code := wire.CodeValidationFailed
		var verr *validate.Error
		if errors.As(err, &verr) && verr.Code == validate.BadRequest {
			code = wire.CodeBadRequest
		}
		return rejected(item.ID, now, code, err.Error()), nil
	}

	result, err := h.store.CommitOrGetExisting(ctx, serverstore.CommitRequest{
		ID:         item.ID,
		ClientID:   id.ClientID,
		Partitions: partitions,
		Event:      item.Event,
		Now:        now,
	})
	if err != nil {
		if err == serverstore.ErrValidationFailed {
			return rejected(item.ID, now, wire.CodeValidationFailed, "id %q already committed with a different payload", item.ID), nil
		}
		return wire.SubmitItemResult{}, wire.NewError(wire.CodeServerError, "commit failed: %s", err.Error())
	}

	itemResult := wire.SubmitItemResult{
		ID:              item.ID,
		Status:          wire.SubmitStatusCommitted,
		CommittedID:     result.Committed.CommittedID,
		StatusUpdatedAt: result.Committed.StatusUpdatedAt.UnixMilli(),
	}

	if !result.Deduped {
		h.fanOut(origin, result.Committed)
	}

	return itemResult, nil
}

func rejected(id string, now time.Time, code wire.ErrorCode, format string, args ...any) wire.SubmitItemResult {
	return wire.SubmitItemResult{
		ID:              id,
		Status:          wire.SubmitStatusRejected,
		StatusUpdatedAt: now.UnixMilli(),
		Reason:          code,
		Errors:          []string{fmt.Sprintf(format, args...)},
	}
}

// fanOut sends committed as an event_broadcast to every registered
// session other than origin whose subscription intersects its
// partitions (spec.md 4.6). A session that is mid-sync holds the
// broadcast in Session.Send's buffer until its sync completes.
func (h *Hub) fanOut(origin *session.Session, committed model.CommittedEvent) {
	env, err := wire.Encode(wire.TypeEventBroadcast, wire.FromCommittedEvent(committed))
	if err != nil {
		h.logger.Error("encode broadcast failed", "err", err)
		return
	}

	h.mu.RLock()
	targets := make([]*session.Session, 0, len(h.sessions))
	for _, s := range h.sessions {
		if s == origin {
			continue
		}
		if !canon.Intersects(s.Subscription(), committed.Partitions) {
			continue
		}
		targets = append(targets, s)
	}
	h.mu.RUnlock()

	for _, s := range targets {
		if err := s.Send(env); err != nil {
			h.logger.Warn("broadcast send failed", "session_id", s.ID, "err", err)
		}
	}
}
