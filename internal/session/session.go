// Package session implements the server-side Sync Server Session (C5):
// one per connected client, an `await_connect -> active` state machine
// that serializes inbound messages through a single queue so handlers
// never run concurrently for the same connection (spec.md 4.7/5.9).
package session

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/insieme/insieme/internal/canon"
	"github.com/insieme/insieme/internal/identity"
	"github.com/insieme/insieme/internal/ioqueue"
	"github.com/insieme/insieme/internal/serverstore"
	"github.com/insieme/insieme/internal/transport"
	"github.com/insieme/insieme/internal/wire"
)

// State is the session's position in the await_connect -> active
// machine (spec.md 4.5).
type State int32

const (
	StateAwaitConnect State = iota
	StateActive
	StateClosed
)

// CommitService is the callback a Session uses to commit and broadcast
// a submitted event. internal/broadcast.Hub implements this; Session
// itself never touches the store directly for writes, keeping the
// "durability before broadcast" ordering (spec.md 4.2, 4.6) in one
// place.
type CommitService interface {
	Commit(ctx context.Context, origin *Session, item wire.SubmitItem) (wire.SubmitItemResult, error)
}

// Deps bundles a Session's injected collaborators. Domain validation
// lives in the CommitService (internal/broadcast.Hub), not here - a
// Session only needs enough to authenticate, authorize sync requests,
// and read the committed log.
type Deps struct {
	Verifier   identity.TokenVerifier
	Authorizer identity.PartitionAuthorizer
	Store      *serverstore.Store
	Commits    CommitService
	Logger     *slog.Logger
}

// Session is one server-side connection.
type Session struct {
	ID         string
	transport  transport.Transport
	deps       Deps
	inbound    *ioqueue.Queue[wire.Envelope]
	logger     *slog.Logger

	mu                sync.RWMutex
	state             State
	identity          identity.Identity
	subscription      []string
	syncInProgress    bool
	syncToCommittedID uint64

	buffered []wire.Envelope // broadcasts deferred while a sync is in-flight
}

// New creates a Session bound to t, not yet connected.
func New(t transport.Transport, deps Deps) *Session {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	id := uuid.NewString()
	return &Session{
		ID:        id,
		transport: t,
		deps:      deps,
		inbound:   ioqueue.New[wire.Envelope](),
		logger:    logger.With("component", "session", "session_id", id),
		state:     StateAwaitConnect,
	}
}

// ClientID returns the authenticated client id, empty before connect.
func (s *Session) ClientID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.identity.ClientID
}

// Subscription returns the normalized partitions of the most recent
// sync request.
func (s *Session) Subscription() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.subscription
}

// SyncInProgress reports whether a sync response is still being paged
// out to the client.
func (s *Session) SyncInProgress() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.syncInProgress
}

// State returns the session's current state.
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Send delivers an envelope to the client, buffering it instead if a
// sync is currently in flight for this session (spec.md 4.6: broadcasts
// must not interleave with a paged sync response).
func (s *Session) Send(env wire.Envelope) error {
	s.mu.Lock()
	if s.syncInProgress {
		s.buffered = append(s.buffered, env)
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()
	return s.transport.Send(env)
}

// SendError encodes and delivers a wire error envelope, closing the
// underlying transport if the error code demands it (spec.md 7).
func (s *Session) SendError(code wire.ErrorCode, format string, args ...any) {
	werr := wire.NewError(code, format, args...)
	env, err := wire.Encode(wire.TypeError, wire.ToPayload(werr))
	if err != nil {
		s.logger.Error("encode error envelope failed", "err", err)
		return
	}
	if sendErr := s.transport.Send(env); sendErr != nil {
		s.logger.Warn("send error envelope failed", "err", sendErr)
	}
	if code.Closes() {
		s.Close()
	}
}

// Close closes the underlying transport and marks the session closed.
func (s *Session) Close() {
	s.mu.Lock()
	s.state = StateClosed
	s.mu.Unlock()
	s.inbound.Close()
	_ = s.transport.Close()
}

// Run pumps envelopes from the transport into the inbound queue and
// dispatches them one at a time until ctx is canceled or the transport
// closes. It returns once the session is done; the caller is
// responsible for unregistering the session from any broadcast hub.
func (s *Session) Run(ctx context.Context) error {
	go s.pump(ctx)

	for {
		if env, ok := s.inbound.TryDequeue(); ok {
			s.dispatch(ctx, env)
			continue
		}
		select {
		case <-ctx.Done():
			s.Close()
			return ctx.Err()
		case <-s.inbound.Wait():
			if s.inbound.Closed() {
				if env, ok := s.inbound.TryDequeue(); ok {
					s.dispatch(ctx, env)
					continue
				}
				return nil
			}
		}
	}
}

func (s *Session) pump(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			s.inbound.Close()
			return
		case env, ok := <-s.transport.Recv():
			if !ok {
				s.inbound.Close()
				return
			}
			s.inbound.Enqueue(env)
		}
	}
}

func (s *Session) dispatch(ctx context.Context, env wire.Envelope) {
	if err := env.CheckVersion(); err != nil {
		s.SendError(wire.CodeProtocolVersionUnsupported, "%s", err.Error())
		return
	}

	s.mu.RLock()
	state := s.state
	s.mu.RUnlock()

	if state == StateAwaitConnect && env.Type != wire.TypeConnect {
		s.SendError(wire.CodeBadRequest, "expected connect, got %s", env.Type)
		return
	}

	switch env.Type {
	case wire.TypeConnect:
		s.handleConnect(ctx, env)
	case wire.TypeSubmitEvents:
		s.handleSubmitEvents(ctx, env)
	case wire.TypeSync:
		s.handleSync(ctx, env)
	default:
		s.SendError(wire.CodeBadRequest, "unexpected message type %s", env.Type)
	}
}

func (s *Session) handleConnect(ctx context.Context, env wire.Envelope) {
	var payload wire.ConnectPayload
	if err := env.DecodePayload(&payload); err != nil {
		s.SendError(wire.CodeBadRequest, "%s", err.Error())
		return
	}

	id, err := s.deps.Verifier.VerifyToken(ctx, payload.Token)
	if err != nil {
		s.SendError(wire.CodeAuthFailed, "token verification failed")
		return
	}
	if payload.ClientID != id.ClientID {
		s.SendError(wire.CodeAuthFailed, "connect client_id %q does not match token identity %q", payload.ClientID, id.ClientID)
		return
	}

	var lastCommittedID uint64
	if s.deps.Store != nil {
		lastCommittedID, err = s.deps.Store.GetMaxCommittedID(ctx)
		if err != nil {
			s.SendError(wire.CodeServerError, "failed to read server state")
			return
		}
	}

	s.mu.Lock()
	s.identity = id
	s.state = StateActive
	s.mu.Unlock()

	resp, err := wire.Encode(wire.TypeConnected, wire.ConnectedPayload{
		ClientID:              id.ClientID,
		ServerLastCommittedID: lastCommittedID,
	})
	if err != nil {
		s.logger.Error("encode connected failed", "err", err)
		return
	}
	if err := s.transport.Send(resp); err != nil {
		s.logger.Warn("send connected failed", "err", err)
	}
}

func (s *Session) handleSubmitEvents(ctx context.Context, env wire.Envelope) {
	var payload wire.SubmitEventsPayload
	if err := env.DecodePayload(&payload); err != nil {
		s.SendError(wire.CodeBadRequest, "%s", err.Error())
		return
	}
	if len(payload.Events) != 1 {
		s.SendError(wire.CodeBadRequest, "submit_events requires exactly one event in the core profile")
		return
	}

	result, err := s.deps.Commits.Commit(ctx, s, payload.Events[0])
	if err != nil {
		s.SendError(wire.CodeOf(err), "%s", err.Error())
		return
	}

	resp, err := wire.Encode(wire.TypeSubmitEventsResult, wire.SubmitEventsResultPayload{
		Results: []wire.SubmitItemResult{result},
	})
	if err != nil {
		s.logger.Error("encode submit result failed", "err", err)
		return
	}
	if err := s.transport.Send(resp); err != nil {
		s.logger.Warn("send submit result failed", "err", err)
	}
}

func (s *Session) handleSync(ctx context.Context, env wire.Envelope) {
	var payload wire.SyncPayload
	if err := env.DecodePayload(&payload); err != nil {
		s.SendError(wire.CodeBadRequest, "%s", err.Error())
		return
	}

	partitions, err := canon.NormalizePartitions(payload.Partitions)
	if err != nil {
		s.SendError(wire.CodeValidationFailed, "%s", err.Error())
		return
	}

	ok, err := s.deps.Authorizer.AuthorizePartitions(ctx, s.identity, partitions)
	if err != nil {
		s.SendError(wire.CodeServerError, "authorization check failed")
		return
	}
	if !ok {
		s.SendError(wire.CodeForbidden, "not authorized for requested partitions")
		return
	}

	limit := wire.ClampLimit(payload.Limit)

	syncTo, err := s.deps.Store.GetMaxCommittedID(ctx)
	if err != nil {
		s.SendError(wire.CodeServerError, "failed to read server state")
		return
	}

	s.mu.Lock()
	s.subscription = partitions
	s.syncInProgress = true
	s.syncToCommittedID = syncTo
	s.mu.Unlock()

	since := payload.SinceCommittedID
	for {
		page, err := s.deps.Store.ListCommittedSince(ctx, partitions, since, limit, syncTo)
		if err != nil {
			s.SendError(wire.CodeServerError, "sync scan failed")
			s.endSync()
			return
		}

		items := make([]wire.EventBroadcastPayload, 0, len(page.Events))
		for _, ev := range page.Events {
			items = append(items, wire.FromCommittedEvent(ev))
		}

		resp, err := wire.Encode(wire.TypeSyncResponse, wire.SyncResponsePayload{
			Partitions:           partitions,
			Events:               items,
			NextSinceCommittedID: page.NextSinceCommittedID,
			HasMore:              page.HasMore,
		})
		if err != nil {
			s.logger.Error("encode sync response failed", "err", err)
			s.endSync()
			return
		}
		if err := s.transport.Send(resp); err != nil {
			s.logger.Warn("send sync response failed", "err", err)
			s.endSync()
			return
		}

		if !page.HasMore {
			break
		}
		since = page.NextSinceCommittedID
	}

	s.endSync()
}

// endSync flips syncInProgress off and flushes anything buffered while
// the paged sync response was in flight, in arrival order.
func (s *Session) endSync() {
	s.mu.Lock()
	s.syncInProgress = false
	buffered := s.buffered
	s.buffered = nil
	s.mu.Unlock()

	for _, env := range buffered {
		if err := s.transport.Send(env); err != nil {
			s.logger.Warn("flush buffered broadcast failed", "err", err)
			return
		}
	}
}
