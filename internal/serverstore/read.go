package serverstore

import (
	"context"
	"fmt"
	"strings"

	"github.com/insieme/insieme/internal/model"
)

// ListResult is the output of ListCommittedSince.
type ListResult struct {
	Events               []model.CommittedEvent
	HasMore              bool
	NextSinceCommittedID uint64
}

// ListCommittedSince returns committed events with
// since < committed_id <= syncTo whose partitions intersect the requested
// set, ordered ascending, at most limit entries (spec.md 4.2).
//
// The committed_partitions(partition, committed_id) index lets SQLite
// satisfy the partition filter directly from the index rather than
// scanning every row in range and decoding its JSON partitions column, so
// a sparse partition filter over a long range still resolves in a single
// indexed query - the "scan in chunks larger than limit" allowance in
// spec.md 4.2 is absorbed by the index rather than hand-rolled paging.
func (s *Store) ListCommittedSince(ctx context.Context, partitions []string, since uint64, limit int, syncTo uint64) (ListResult, error) {
	if limit <= 0 {
		limit = 1
	}
	if len(partitions) == 0 {
		return ListResult{NextSinceCommittedID: since}, nil
	}

	placeholders := make([]string, len(partitions))
	args := make([]any, 0, len(partitions)+3)
	for i, p := range partitions {
		placeholders[i] = "?"
		args = append(args, p)
	}
	args = append(args, since, syncTo, limit+1)

	query := fmt.Sprintf(`
		SELECT DISTINCT committed_id FROM committed_partitions
		WHERE partition IN (%s) AND committed_id > ? AND committed_id <= ?
		ORDER BY committed_id ASC
		LIMIT ?
	`, strings.Join(placeholders, ","))

	rows, err := s.rdb.QueryContext(ctx, query, args...)
	if err != nil {
		return ListResult{}, fmt.Errorf("serverstore: list ids: %w", err)
	}
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return ListResult{}, fmt.Errorf("serverstore: scan id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return ListResult{}, fmt.Errorf("serverstore: iterate ids: %w", err)
	}
	rows.Close()

	hasMore := len(ids) > limit
	if hasMore {
		ids = ids[:limit]
	}

	events := make([]model.CommittedEvent, 0, len(ids))
	for _, id := range ids {
		ev, err := selectByCommittedID(ctx, s.rdb, id)
		if err != nil {
			return ListResult{}, fmt.Errorf("serverstore: select committed_id=%d: %w", id, err)
		}
		events = append(events, ev)
	}

	nextSince := since
	if len(events) > 0 {
		nextSince = events[len(events)-1].CommittedID
	}

	return ListResult{Events: events, HasMore: hasMore, NextSinceCommittedID: nextSince}, nil
}

func selectByCommittedID(ctx context.Context, q queryRowContexter, committedID int64) (model.CommittedEvent, error) {
	row := q.QueryRowContext(ctx, `
		SELECT committed_id, id, client_id, partitions, event_type, event_payload, canonical, status_updated_at
		FROM committed_events WHERE committed_id = ?
	`, committedID)
	return scanCommittedEvent(row)
}

// PruneBefore deletes committed rows for partition with committed_id <=
// upTo. This is not invoked by the core protocol (spec.md 3's "may be
// pruned per-partition only after all referenced partitions have advanced
// past it" is an operator-driven lifecycle action, not something the sync
// protocol itself triggers) - it is exposed for an operator CLI command.
// A row is only actually deleted once it has no remaining partition
// memberships at all, so pruning one partition never drops an event still
// live on another partition.
func (s *Store) PruneBefore(ctx context.Context, partition string, upTo uint64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("serverstore: prune: begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, `
		DELETE FROM committed_partitions WHERE partition = ? AND committed_id <= ?
	`, partition, upTo); err != nil {
		return fmt.Errorf("serverstore: prune partition index: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		DELETE FROM committed_events
		WHERE committed_id <= ?
		AND NOT EXISTS (
			SELECT 1 FROM committed_partitions cp WHERE cp.committed_id = committed_events.committed_id
		)
	`, upTo); err != nil {
		return fmt.Errorf("serverstore: prune committed events: %w", err)
	}

	return tx.Commit()
}
