package clientstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/insieme/insieme/internal/model"
)

type queryRowContexter interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// LoadCursor returns the last committed_id processed for the given
// partition-set key, or 0 if sync has never run for it.
func (s *Store) LoadCursor(ctx context.Context, key string) (uint64, error) {
	return loadCursorTx(ctx, s.db, key)
}

func loadCursorTx(ctx context.Context, q queryRowContexter, key string) (uint64, error) {
	var raw string
	err := q.QueryRowContext(ctx, `SELECT value FROM app_state WHERE key = ?`, cursorStateKey(key)).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("clientstore: load cursor: %w", err)
	}
	value, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("clientstore: parse cursor: %w", err)
	}
	return value, nil
}

// LoadMaterializedView returns the persisted reducer output for key, or
// nil if none has been saved yet.
func (s *Store) LoadMaterializedView(ctx context.Context, key string) (model.ReducerState, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM app_state WHERE key = ?`, viewStateKey(key)).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("clientstore: load materialized view: %w", err)
	}
	return model.ReducerState(raw), nil
}

// LoadDraftsOrdered returns all pending local drafts in draft submission
// order (draft_clock ascending, id ascending as a tiebreaker), matching
// the replay order spec.md 2.2 requires after a restart.
func (s *Store) LoadDraftsOrdered(ctx context.Context) ([]model.Draft, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT draft_clock, id, partitions, event_type, event_payload, created_at
		FROM local_drafts
		WHERE status = ?
		ORDER BY draft_clock ASC, id ASC
	`, DraftPending)
	if err != nil {
		return nil, fmt.Errorf("clientstore: load drafts: %w", err)
	}
	defer rows.Close()

	var drafts []model.Draft
	for rows.Next() {
		var (
			d              model.Draft
			partitionsJSON string
			eventType      string
			eventPayload   string
			createdMillis  int64
		)
		if err := rows.Scan(&d.DraftClock, &d.ID, &partitionsJSON, &eventType, &eventPayload, &createdMillis); err != nil {
			return nil, fmt.Errorf("clientstore: scan draft: %w", err)
		}
		if err := json.Unmarshal([]byte(partitionsJSON), &d.Partitions); err != nil {
			return nil, fmt.Errorf("clientstore: unmarshal draft partitions: %w", err)
		}
		d.Event = model.Event{Type: eventType, Payload: []byte(eventPayload)}
		d.CreatedAt = time.UnixMilli(createdMillis).UTC()
		drafts = append(drafts, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("clientstore: iterate drafts: %w", err)
	}
	return drafts, nil
}

// MaxDraftClock returns the highest draft_clock persisted locally, or 0
// if there are none - used to seed internal/clock.Allocator after a
// restart so newly created drafts never reuse a clock value.
func (s *Store) MaxDraftClock(ctx context.Context) (int64, error) {
	var max sql.NullInt64
	err := s.db.QueryRowContext(ctx, `SELECT MAX(draft_clock) FROM local_drafts`).Scan(&max)
	if err != nil {
		return 0, fmt.Errorf("clientstore: max draft clock: %w", err)
	}
	if !max.Valid {
		return 0, nil
	}
	return max.Int64, nil
}

// LoadMirroredSince returns locally mirrored committed events with
// committed_id > since, ordered ascending - used to replay the local
// mirror into a materialized view without re-syncing from the server.
func (s *Store) LoadMirroredSince(ctx context.Context, since uint64) ([]model.CommittedEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT committed_id, id, client_id, partitions, event_type, event_payload, status_updated_at
		FROM committed_events
		WHERE committed_id > ?
		ORDER BY committed_id ASC
	`, since)
	if err != nil {
		return nil, fmt.Errorf("clientstore: load mirrored: %w", err)
	}
	defer rows.Close()

	var events []model.CommittedEvent
	for rows.Next() {
		var (
			ev             model.CommittedEvent
			partitionsJSON string
			eventType      string
			eventPayload   string
			statusMillis   int64
		)
		if err := rows.Scan(&ev.CommittedID, &ev.ID, &ev.ClientID, &partitionsJSON, &eventType, &eventPayload, &statusMillis); err != nil {
			return nil, fmt.Errorf("clientstore: scan mirrored event: %w", err)
		}
		if err := json.Unmarshal([]byte(partitionsJSON), &ev.Partitions); err != nil {
			return nil, fmt.Errorf("clientstore: unmarshal mirrored partitions: %w", err)
		}
		ev.Event = model.Event{Type: eventType, Payload: []byte(eventPayload)}
		ev.StatusUpdatedAt = time.UnixMilli(statusMillis).UTC()
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("clientstore: iterate mirrored: %w", err)
	}
	return events, nil
}
