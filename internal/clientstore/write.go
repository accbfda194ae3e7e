package clientstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/insieme/insieme/internal/canon"
	"github.com/insieme/insieme/internal/model"
)

// DraftStatus is the lifecycle state of a local draft (spec.md 2.2).
type DraftStatus string

const (
	DraftPending   DraftStatus = "pending"
	DraftCommitted DraftStatus = "committed"
	DraftRejected  DraftStatus = "rejected"
)

// ErrProtocolIntegrity is returned when the server behaves in a way the
// protocol's invariants forbid - most importantly a committed_id cursor
// moving backward (spec.md I1) or a committed event whose id collides
// with a different canonical payload already mirrored locally (spec.md
// I2). Callers should treat this as fatal to the sync session.
var ErrProtocolIntegrity = errors.New("clientstore: protocol integrity violation")

// InsertDraft persists a new local draft. d.DraftClock must already be
// allocated by the caller (internal/clock.Allocator) before the call -
// the store does not mint draft clocks itself, since the clock is a
// client-local, in-memory sequence, not a durable counter.
func (s *Store) InsertDraft(ctx context.Context, d model.Draft) error {
	partitionsJSON, err := json.Marshal(d.Partitions)
	if err != nil {
		return fmt.Errorf("clientstore: marshal partitions: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO local_drafts (draft_clock, id, partitions, event_type, event_payload, created_at, status)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, d.DraftClock, d.ID, string(partitionsJSON), d.Event.Type, string(d.Event.Payload), d.CreatedAt.UnixMilli(), DraftPending)
	if err != nil {
		return fmt.Errorf("clientstore: insert draft: %w", err)
	}
	return nil
}

// MarkDraftRejected records that the server rejected a draft. Callers
// decide whether to surface the rejection to the application and then
// call DeleteDraft once it has been handled.
func (s *Store) MarkDraftRejected(ctx context.Context, draftID string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE local_drafts SET status = ? WHERE id = ?`, DraftRejected, draftID)
	if err != nil {
		return fmt.Errorf("clientstore: mark draft rejected: %w", err)
	}
	return nil
}

// DeleteDraft removes a draft once its outcome (committed or rejected)
// has been applied.
func (s *Store) DeleteDraft(ctx context.Context, draftID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM local_drafts WHERE id = ?`, draftID)
	if err != nil {
		return fmt.Errorf("clientstore: delete draft: %w", err)
	}
	return nil
}

// ApplyCommittedBatch idempotently mirrors a batch of server-committed
// events into the local log, in the order given. Re-applying an already
// mirrored event is a no-op (spec.md I2 dedup-by-id); encountering an id
// already mirrored with a different canonical payload is a protocol
// integrity violation and aborts the whole batch. Any local draft whose
// id matches a committed event is deleted, since it has now graduated
// from draft to committed.
func (s *Store) ApplyCommittedBatch(ctx context.Context, events []model.CommittedEvent) error {
	if len(events) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("clientstore: apply batch: begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	for _, ev := range events {
		var existingType, existingPayload string
		err := tx.QueryRowContext(ctx, `SELECT event_type, event_payload FROM committed_events WHERE id = ?`, ev.ID).
			Scan(&existingType, &existingPayload)
		switch {
		case err == nil:
			existingDigest, derr := canon.EventDigest(nil, model.Event{Type: existingType, Payload: []byte(existingPayload)})
			if derr != nil {
				return fmt.Errorf("clientstore: canonicalize mirrored event: %w", derr)
			}
			incomingDigest, derr := canon.EventDigest(nil, ev.Event)
			if derr != nil {
				return fmt.Errorf("clientstore: canonicalize incoming event: %w", derr)
			}
			if existingDigest != incomingDigest {
				return fmt.Errorf("%w: id %q mirrored with a different payload", ErrProtocolIntegrity, ev.ID)
			}
		case errors.Is(err, sql.ErrNoRows):
			partitionsJSON, merr := json.Marshal(ev.Partitions)
			if merr != nil {
				return fmt.Errorf("clientstore: marshal partitions: %w", merr)
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO committed_events (committed_id, id, client_id, partitions, event_type, event_payload, status_updated_at)
				VALUES (?, ?, ?, ?, ?, ?, ?)
			`, ev.CommittedID, ev.ID, ev.ClientID, string(partitionsJSON), ev.Event.Type, string(ev.Event.Payload), ev.StatusUpdatedAt.UnixMilli()); err != nil {
				return fmt.Errorf("clientstore: insert mirrored event: %w", err)
			}
		default:
			return fmt.Errorf("clientstore: check existing mirror: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM local_drafts WHERE id = ?`, ev.ID); err != nil {
			return fmt.Errorf("clientstore: delete graduated draft: %w", err)
		}
	}

	return tx.Commit()
}

// SaveCursor persists the last committed_id processed for a given
// partition-set key. The new value must not regress an existing one -
// a regression indicates the server or the caller violated the
// monotonic total order (spec.md I1) and is reported as
// ErrProtocolIntegrity rather than silently overwritten.
func (s *Store) SaveCursor(ctx context.Context, key string, value uint64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("clientstore: save cursor: begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	current, err := loadCursorTx(ctx, tx, key)
	if err != nil {
		return err
	}
	if value < current {
		return fmt.Errorf("%w: cursor %q would regress from %d to %d", ErrProtocolIntegrity, key, current, value)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO app_state (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, cursorStateKey(key), fmt.Sprintf("%d", value)); err != nil {
		return fmt.Errorf("clientstore: save cursor: %w", err)
	}
	return tx.Commit()
}

// SaveMaterializedView persists an application-defined reducer output
// under key so it survives restarts without replaying the whole
// committed log (spec.md 7).
func (s *Store) SaveMaterializedView(ctx context.Context, key string, state model.ReducerState) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO app_state (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, viewStateKey(key), string(state))
	if err != nil {
		return fmt.Errorf("clientstore: save materialized view: %w", err)
	}
	return nil
}

func cursorStateKey(key string) string { return "cursor:" + key }
func viewStateKey(key string) string   { return "view:" + key }
