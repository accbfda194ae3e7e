// Package client implements the Sync Client Engine (C7): handshake,
// paged catch-up sync, draft submission/flush, and reconnect backoff,
// built around the same single-consumer inbound queue primitive the
// server session uses (internal/ioqueue), grounded on the teacher's
// single-writer engine loop generalized to a client-side state machine.
package client

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/insieme/insieme/internal/canon"
	"github.com/insieme/insieme/internal/clientstore"
	"github.com/insieme/insieme/internal/clock"
	"github.com/insieme/insieme/internal/ioqueue"
	"github.com/insieme/insieme/internal/model"
	"github.com/insieme/insieme/internal/transport"
	"github.com/insieme/insieme/internal/wire"
)

// Status is the engine's coarse connection/sync state, surfaced to the
// CLI and scenario tests for assertions.
type Status string

const (
	StatusDisconnected Status = "disconnected"
	StatusConnecting   Status = "connecting"
	StatusSyncing      Status = "syncing"
	StatusSynced       Status = "synced"
)

// ErrStopped is returned to callers waiting on an Engine operation when
// Stop is called concurrently (spec.md 4.7 "stop() ... rejects internal
// waiters with a stable stopped reason").
var ErrStopped = fmt.Errorf("client: engine stopped")

// Dialer opens a fresh Transport for a reconnect attempt. Supplying one
// is how a host opts into the reconnect policy (spec.md 4.7); without it
// Reconnect never fires no matter what Backoff says, since the engine
// has no way to open a new connection once the current one is gone.
type Dialer func(ctx context.Context) (transport.Transport, error)

// Config configures an Engine.
type Config struct {
	ClientID         string
	Token            string
	Partitions       []string
	SyncLimit        int
	HandshakeTimeout time.Duration
	Backoff          Backoff
	Dial             Dialer
	Logger           *slog.Logger
}

// Engine is one client's sync state machine, bound to a Store and a
// Transport (which may be an transport.OfflineShim).
type Engine struct {
	cfg    Config
	store  *clientstore.Store
	clock  *clock.Allocator
	logger *slog.Logger

	inbound *ioqueue.Queue[wire.Envelope]

	mu         sync.RWMutex
	transport  transport.Transport
	status     Status
	partitions []string
	cursorKey  string
	connected  bool

	connectedCh chan struct{} // closed once by handle() on the connected envelope

	reconnecting atomic.Bool

	runCtx    context.Context
	runCancel context.CancelFunc
	runDone   chan struct{}
	stopped   chan struct{}
}

// New creates an Engine bound to store and t, not yet started.
func New(store *clientstore.Store, t transport.Transport, cfg Config) (*Engine, error) {
	if cfg.SyncLimit == 0 {
		cfg.SyncLimit = wire.DefaultSyncLimit
	}
	if cfg.HandshakeTimeout == 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	ctx := context.Background()
	maxClock, err := store.MaxDraftClock(ctx)
	if err != nil {
		return nil, fmt.Errorf("client: seed clock: %w", err)
	}

	return &Engine{
		cfg:        cfg,
		store:      store,
		transport:  t,
		clock:      clock.NewAt(maxClock),
		logger:     logger.With("component", "client", "client_id", cfg.ClientID),
		inbound:    ioqueue.New[wire.Envelope](),
		status:     StatusDisconnected,
		partitions: cfg.Partitions,
		cursorKey:  cursorKeyFor(cfg.Partitions),
		stopped:    make(chan struct{}),
	}, nil
}

// currentTransport returns the transport currently in use, which changes
// across a reconnect.
func (e *Engine) currentTransport() transport.Transport {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.transport
}

func cursorKeyFor(partitions []string) string {
	key := ""
	for _, p := range partitions {
		key += p + "\x00"
	}
	return key
}

// Status returns the engine's current coarse state.
func (e *Engine) Status() Status {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.status
}

// Start performs the handshake (connect, wait for connected or
// handshake_timeout) and begins the inbound processing loop. It returns
// once connected or the handshake times out.
func (e *Engine) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(context.Background())
	e.runCtx = runCtx
	e.runCancel = cancel
	e.runDone = make(chan struct{})
	e.connectedCh = make(chan struct{})

	t := e.currentTransport()
	go e.pump(runCtx, t)
	go e.loop(runCtx)

	e.setStatus(StatusConnecting)
	env, err := wire.Encode(wire.TypeConnect, wire.ConnectPayload{Token: e.cfg.Token, ClientID: e.cfg.ClientID})
	if err != nil {
		return fmt.Errorf("client: encode connect: %w", err)
	}
	if err := t.Send(env); err != nil {
		return fmt.Errorf("client: send connect: %w", err)
	}

	handshakeCtx, hcancel := context.WithTimeout(ctx, e.cfg.HandshakeTimeout)
	defer hcancel()
	select {
	case <-e.connectedCh:
		return nil
	case <-e.stopped:
		return ErrStopped
	case <-handshakeCtx.Done():
		return fmt.Errorf("client: handshake_timeout")
	}
}

// Stop cancels the inbound loop, aborts any in-flight reconnect, and
// closes the transport. Pending waiters (Start's handshake wait) observe
// ErrStopped (spec.md 4.7).
func (e *Engine) Stop() error {
	select {
	case <-e.stopped:
	default:
		close(e.stopped)
	}
	if e.runCancel != nil {
		e.runCancel()
	}
	e.inbound.Close()
	return e.currentTransport().Close()
}

// SetPartitions updates the partition subscription used by the next
// SyncNow call.
func (e *Engine) SetPartitions(partitions []string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.partitions = partitions
	e.cursorKey = cursorKeyFor(partitions)
}

// SubmitEvent creates a local draft and, if currently connected and not
// mid-sync, sends it immediately; otherwise it is drained on the next
// FlushDrafts (spec.md 4.7).
func (e *Engine) SubmitEvent(ctx context.Context, id string, partitions []string, event model.Event) error {
	if id == "" {
		id = uuid.NewString()
	}
	draft := model.Draft{
		DraftClock: e.clock.Next(),
		ID:         id,
		ClientID:   e.cfg.ClientID,
		Partitions: partitions,
		Event:      event,
		CreatedAt:  time.Now(),
	}
	if err := e.store.InsertDraft(ctx, draft); err != nil {
		return fmt.Errorf("client: insert draft: %w", err)
	}

	if e.Status() == StatusSynced {
		return e.sendDraft(draft)
	}
	return nil
}

func (e *Engine) sendDraft(d model.Draft) error {
	env, err := wire.Encode(wire.TypeSubmitEvents, wire.SubmitEventsPayload{
		Events: []wire.SubmitItem{{ID: d.ID, Partitions: d.Partitions, Event: d.Event}},
	})
	if err != nil {
		return fmt.Errorf("client: encode submit_events: %w", err)
	}
	return e.currentTransport().Send(env)
}

// FlushDrafts sends one submit_events per pending draft, in
// (draft_clock, id) order.
func (e *Engine) FlushDrafts(ctx context.Context) error {
	drafts, err := e.store.LoadDraftsOrdered(ctx)
	if err != nil {
		return fmt.Errorf("client: load drafts: %w", err)
	}
	for _, d := range drafts {
		if err := e.sendDraft(d); err != nil {
			return fmt.Errorf("client: flush draft %s: %w", d.ID, err)
		}
	}
	return nil
}

// SyncNow sends a sync request for the engine's current partitions
// starting from the persisted cursor.
func (e *Engine) SyncNow(ctx context.Context) error {
	e.mu.RLock()
	partitions := e.partitions
	cursorKey := e.cursorKey
	e.mu.RUnlock()

	since, err := e.store.LoadCursor(ctx, cursorKey)
	if err != nil {
		return fmt.Errorf("client: load cursor: %w", err)
	}

	e.setStatus(StatusSyncing)
	env, err := wire.Encode(wire.TypeSync, wire.SyncPayload{
		Partitions:       partitions,
		SinceCommittedID: since,
		Limit:            e.cfg.SyncLimit,
	})
	if err != nil {
		return fmt.Errorf("client: encode sync: %w", err)
	}
	return e.currentTransport().Send(env)
}

func (e *Engine) setStatus(s Status) {
	e.mu.Lock()
	e.status = s
	e.mu.Unlock()
}

// signalConnected closes the current connectedCh exactly once, waking
// whichever of Start or reconnect is waiting on it. Reading/writing
// connectedCh always goes through the lock since reconnect replaces it
// with a fresh channel on every attempt.
func (e *Engine) signalConnected() {
	e.mu.Lock()
	ch := e.connectedCh
	e.mu.Unlock()
	if ch == nil {
		return
	}
	select {
	case <-ch:
	default:
		close(ch)
	}
}

// pump reads t.Recv() into the inbound queue until ctx is canceled or t
// reports its channel closed. It never closes e.inbound on a transport
// fault - only Stop does that - so the consumer loop simply idles until
// a reconnect replaces the transport and a fresh pump resumes feeding it
// (spec.md 4.7's reconnect policy).
func (e *Engine) pump(ctx context.Context, t transport.Transport) {
	for {
		select {
		case <-ctx.Done():
			return
		case env, ok := <-t.Recv():
			if !ok {
				e.onTransportFault(ctx)
				return
			}
			e.inbound.Enqueue(env)
		}
	}
}

// onTransportFault reacts to the transport's Recv channel closing
// unexpectedly: a transport fault always qualifies for reconnect
// (spec.md 4.7), unlike a wire-level error whose code decides
// eligibility (see handleError).
func (e *Engine) onTransportFault(ctx context.Context) {
	e.setStatus(StatusDisconnected)
	e.logger.Warn("transport closed unexpectedly")
	if e.cfg.Dial != nil {
		go e.reconnect(ctx)
	}
}

// reconnect implements spec.md 4.7's reconnect policy: exponential
// backoff with jitter, capped at Backoff.MaxAttempts, re-sending connect
// and waiting for `connected` on each attempt. Only one reconnect loop
// runs at a time; a second trigger (e.g. a transport fault racing a
// server_error) is a no-op.
func (e *Engine) reconnect(ctx context.Context) {
	if !e.reconnecting.CompareAndSwap(false, true) {
		return
	}
	defer e.reconnecting.Store(false)

	b := e.cfg.Backoff
	maxAttempts := b.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return
		case <-e.stopped:
			return
		case <-time.After(b.NextDelay(attempt)):
		}

		t, err := e.cfg.Dial(ctx)
		if err != nil {
			e.logger.Warn("reconnect dial failed", "attempt", attempt, "err", err)
			continue
		}

		e.mu.Lock()
		e.transport = t
		e.connectedCh = make(chan struct{})
		e.mu.Unlock()
		go e.pump(ctx, t)

		connEnv, err := wire.Encode(wire.TypeConnect, wire.ConnectPayload{Token: e.cfg.Token, ClientID: e.cfg.ClientID})
		if err != nil {
			e.logger.Error("reconnect: encode connect failed", "err", err)
			return
		}
		e.setStatus(StatusConnecting)
		if err := t.Send(connEnv); err != nil {
			e.logger.Warn("reconnect: send connect failed", "attempt", attempt, "err", err)
			continue
		}

		handshakeCtx, hcancel := context.WithTimeout(ctx, e.cfg.HandshakeTimeout)
		select {
		case <-e.connectedCh:
			hcancel()
			e.logger.Info("reconnected", "attempt", attempt)
			return
		case <-handshakeCtx.Done():
			hcancel()
			e.logger.Warn("reconnect: handshake timed out", "attempt", attempt)
		case <-e.stopped:
			hcancel()
			return
		}
	}
	e.logger.Warn("reconnect attempts exhausted", "max_attempts", maxAttempts)
}

func (e *Engine) loop(ctx context.Context) {
	defer close(e.runDone)
	for {
		if env, ok := e.inbound.TryDequeue(); ok {
			e.handle(ctx, env)
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-e.inbound.Wait():
			if e.inbound.Closed() {
				if env, ok := e.inbound.TryDequeue(); ok {
					e.handle(ctx, env)
					continue
				}
				return
			}
		}
	}
}

func (e *Engine) handle(ctx context.Context, env wire.Envelope) {
	switch env.Type {
	case wire.TypeConnected:
		e.mu.Lock()
		e.connected = true
		e.mu.Unlock()
		e.setStatus(StatusSynced) // transient until SyncNow flips to syncing
		e.signalConnected()
		if err := e.SyncNow(ctx); err != nil {
			e.logger.Warn("sync_now after connect failed", "err", err)
		}
	case wire.TypeSyncResponse:
		e.handleSyncResponse(ctx, env)
	case wire.TypeSubmitEventsResult:
		e.handleSubmitResult(ctx, env)
	case wire.TypeEventBroadcast:
		e.handleBroadcast(ctx, env)
	case wire.TypeError:
		e.handleError(env)
	}
}

func (e *Engine) handleSyncResponse(ctx context.Context, env wire.Envelope) {
	var payload wire.SyncResponsePayload
	if err := env.DecodePayload(&payload); err != nil {
		e.logger.Error("decode sync_response failed", "err", err)
		return
	}

	events := make([]model.CommittedEvent, 0, len(payload.Events))
	for _, item := range payload.Events {
		events = append(events, model.CommittedEvent{
			CommittedID:     item.CommittedID,
			ID:              item.ID,
			ClientID:        item.ClientID,
			Partitions:      item.Partitions,
			Event:           item.Event,
			StatusUpdatedAt: time.UnixMilli(item.StatusUpdatedAt).UTC(),
		})
	}
	if err := e.store.ApplyCommittedBatch(ctx, events); err != nil {
		e.logger.Error("apply sync batch failed", "err", err)
		return
	}

	e.mu.RLock()
	cursorKey := e.cursorKey
	e.mu.RUnlock()
	if err := e.store.SaveCursor(ctx, cursorKey, payload.NextSinceCommittedID); err != nil {
		e.logger.Error("save cursor failed", "err", err)
		return
	}

	if payload.HasMore {
		env, err := wire.Encode(wire.TypeSync, wire.SyncPayload{
			Partitions:       payload.Partitions,
			SinceCommittedID: payload.NextSinceCommittedID,
			Limit:            e.cfg.SyncLimit,
		})
		if err != nil {
			e.logger.Error("encode next sync page failed", "err", err)
			return
		}
		if err := e.currentTransport().Send(env); err != nil {
			e.logger.Warn("send next sync page failed", "err", err)
		}
		return
	}

	e.setStatus(StatusSynced)
	if err := e.FlushDrafts(ctx); err != nil {
		e.logger.Warn("flush drafts after sync failed", "err", err)
	}
}

func (e *Engine) handleSubmitResult(ctx context.Context, env wire.Envelope) {
	var payload wire.SubmitEventsResultPayload
	if err := env.DecodePayload(&payload); err != nil {
		e.logger.Error("decode submit_events_result failed", "err", err)
		return
	}
	for _, r := range payload.Results {
		switch r.Status {
		case wire.SubmitStatusRejected:
			if err := e.store.MarkDraftRejected(ctx, r.ID); err != nil {
				e.logger.Error("mark draft rejected failed", "id", r.ID, "err", err)
			}
		case wire.SubmitStatusCommitted:
			// The matching draft carries the event content; the result
			// only confirms status and committed_id. ApplyCommittedBatch
			// is driven either by the subsequent event_broadcast (other
			// sessions) or, for the origin, is not re-delivered - so the
			// origin mirrors its own draft directly here.
			drafts, err := e.store.LoadDraftsOrdered(ctx)
			if err != nil {
				e.logger.Error("load drafts for commit mirror failed", "err", err)
				continue
			}
			for _, d := range drafts {
				if d.ID != r.ID {
					continue
				}
				// The server commits the normalized partition set, so the
				// mirror stores that form rather than the draft's raw list.
				partitions, err := canon.NormalizePartitions(d.Partitions)
				if err != nil {
					e.logger.Error("normalize partitions for commit mirror failed", "id", d.ID, "err", err)
					break
				}
				ev := model.CommittedEvent{
					CommittedID:     r.CommittedID,
					ID:              d.ID,
					ClientID:        e.cfg.ClientID,
					Partitions:      partitions,
					Event:           d.Event,
					StatusUpdatedAt: time.UnixMilli(r.StatusUpdatedAt).UTC(),
				}
				if err := e.store.ApplyCommittedBatch(ctx, []model.CommittedEvent{ev}); err != nil {
					e.logger.Error("mirror own commit failed", "err", err)
				}
				break
			}
		}
	}
}

func (e *Engine) handleBroadcast(ctx context.Context, env wire.Envelope) {
	var payload wire.EventBroadcastPayload
	if err := env.DecodePayload(&payload); err != nil {
		e.logger.Error("decode event_broadcast failed", "err", err)
		return
	}
	ev := model.CommittedEvent{
		CommittedID:     payload.CommittedID,
		ID:              payload.ID,
		ClientID:        payload.ClientID,
		Partitions:      payload.Partitions,
		Event:           payload.Event,
		StatusUpdatedAt: time.UnixMilli(payload.StatusUpdatedAt).UTC(),
	}
	if err := e.store.ApplyCommittedBatch(ctx, []model.CommittedEvent{ev}); err != nil {
		e.logger.Error("apply broadcast failed", "err", err)
	}
}

func (e *Engine) handleError(env wire.Envelope) {
	var payload wire.ErrorPayload
	if err := env.DecodePayload(&payload); err != nil {
		e.logger.Error("decode error envelope failed", "err", err)
		return
	}
	e.logger.Warn("received protocol error", "code", payload.Code, "message", payload.Message)
	if !payload.Code.Closes() {
		return
	}
	e.setStatus(StatusDisconnected)
	if e.reconnectEligible(payload.Code) {
		go e.reconnect(e.runCtx)
	}
}

// reconnectEligible reports whether code warrants the reconnect policy.
// auth_failed and protocol_version_unsupported never trigger reconnect
// (spec.md 4.7) - no amount of retrying fixes a bad token or an
// unsupported protocol version.
func (e *Engine) reconnectEligible(code wire.ErrorCode) bool {
	if e.cfg.Dial == nil {
		return false
	}
	switch code {
	case wire.CodeAuthFailed, wire.CodeProtocolVersionUnsupported:
		return false
	default:
		return true
	}
}
