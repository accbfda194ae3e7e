package serverstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/insieme/insieme/internal/canon"
	"github.com/insieme/insieme/internal/model"
)

// CommitRequest is the input to CommitOrGetExisting. Partitions must
// already be normalized by the caller (internal/canon.NormalizePartitions);
// the store does not re-normalize, only re-validates equality.
type CommitRequest struct {
	ID         string
	ClientID   string
	Partitions []string
	Event      model.Event
	Now        time.Time
}

// CommitResult is the output of CommitOrGetExisting.
type CommitResult struct {
	Deduped   bool
	Committed model.CommittedEvent
}

// ErrValidationFailed is returned when a second commit attempt for an
// existing id carries a different canonical payload (spec.md I2).
var ErrValidationFailed = fmt.Errorf("serverstore: id exists with different canonical payload")

// CommitOrGetExisting implements spec.md 4.2's dedup-safe commit: if a row
// with req.ID exists, its canonical digest is compared to req's; equal
// digests return the existing row (deduped=true), differing digests fail
// with ErrValidationFailed, and a new id allocates the next committed_id
// atomically within the same transaction that inserts the row - so commit
// allocation is always paired with durable persistence, never observable
// separately (spec.md 5).
func (s *Store) CommitOrGetExisting(ctx context.Context, req CommitRequest) (CommitResult, error) {
	digest, err := canon.EventDigest(req.Partitions, req.Event)
	if err != nil {
		return CommitResult{}, fmt.Errorf("serverstore: canonicalize: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return CommitResult{}, fmt.Errorf("serverstore: begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	existing, err := selectByID(ctx, tx, req.ID)
	if err != nil && err != sql.ErrNoRows {
		return CommitResult{}, fmt.Errorf("serverstore: select existing: %w", err)
	}
	if err == nil {
		if existing.Canonical != digest {
			return CommitResult{}, ErrValidationFailed
		}
		if err := tx.Commit(); err != nil {
			return CommitResult{}, fmt.Errorf("serverstore: commit (dedup read): %w", err)
		}
		return CommitResult{Deduped: true, Committed: existing}, nil
	}

	partitionsJSON, err := json.Marshal(req.Partitions)
	if err != nil {
		return CommitResult{}, fmt.Errorf("serverstore: marshal partitions: %w", err)
	}

	result, err := tx.ExecContext(ctx, `
		INSERT INTO committed_events
		(id, client_id, partitions, event_type, event_payload, canonical, status_updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`,
		req.ID,
		req.ClientID,
		string(partitionsJSON),
		req.Event.Type,
		string(req.Event.Payload),
		digest,
		req.Now.UnixMilli(),
	)
	if err != nil {
		return CommitResult{}, fmt.Errorf("serverstore: insert: %w", err)
	}

	committedID, err := result.LastInsertId()
	if err != nil {
		return CommitResult{}, fmt.Errorf("serverstore: last insert id: %w", err)
	}

	for _, p := range req.Partitions {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO committed_partitions (committed_id, partition) VALUES (?, ?)
		`, committedID, p); err != nil {
			return CommitResult{}, fmt.Errorf("serverstore: insert partition index: %w", err)
		}
	}

	// Durability precondition (spec.md 4.2, 5): this Commit is the WAL
	// fsync point. Nothing is returned to the caller - and nothing is
	// broadcast - until it returns successfully.
	if err := tx.Commit(); err != nil {
		return CommitResult{}, fmt.Errorf("serverstore: commit: %w", err)
	}

	return CommitResult{
		Deduped: false,
		Committed: model.CommittedEvent{
			CommittedID:     uint64(committedID),
			ID:              req.ID,
			ClientID:        req.ClientID,
			Partitions:      req.Partitions,
			Event:           req.Event,
			StatusUpdatedAt: req.Now,
			Canonical:       digest,
		},
	}, nil
}

type queryRowContexter interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func selectByID(ctx context.Context, q queryRowContexter, id string) (model.CommittedEvent, error) {
	row := q.QueryRowContext(ctx, `
		SELECT committed_id, id, client_id, partitions, event_type, event_payload, canonical, status_updated_at
		FROM committed_events WHERE id = ?
	`, id)
	return scanCommittedEvent(row)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCommittedEvent(row rowScanner) (model.CommittedEvent, error) {
	var (
		ev             model.CommittedEvent
		partitionsJSON string
		eventType      string
		eventPayload   string
		statusMillis   int64
	)
	err := row.Scan(&ev.CommittedID, &ev.ID, &ev.ClientID, &partitionsJSON, &eventType, &eventPayload, &ev.Canonical, &statusMillis)
	if err != nil {
		return model.CommittedEvent{}, err
	}
	if err := json.Unmarshal([]byte(partitionsJSON), &ev.Partitions); err != nil {
		return model.CommittedEvent{}, fmt.Errorf("serverstore: unmarshal partitions: %w", err)
	}
	ev.Event = model.Event{Type: eventType, Payload: []byte(eventPayload)}
	ev.StatusUpdatedAt = time.UnixMilli(statusMillis).UTC()
	return ev, nil
}
