// Package serverstore implements the append-only Committed Store (C2): a
// monotonic, dedup-safe commit log with partition-filtered range scans,
// grounded on the teacher's internal/store (SQLite, WAL mode, single-writer
// connection, PRAGMA-driven migrations).
package serverstore

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

//go:embed schema.sql
var schemaSQL string

const currentSchemaVersion = 1

// Store provides durable storage for the server's committed event log.
//
// SQLite only supports one writer at a time; write operations run over a
// dedicated single-connection pool (db) so commit allocation is
// serialized (spec.md 5's "single logical point of serialization"), while
// reads (ListCommittedSince, GetMaxCommittedID) run over a separate
// read-only pool so catch-up scans never block commit allocation.
type Store struct {
	db   *sql.DB // single connection: writes
	rdb  *sql.DB // pooled, read-only: catch-up scans
	path string
}

// Open creates or opens a SQLite database at path, applying pragmas and
// migrations. Idempotent - safe to call multiple times against the same
// path (e.g. across process restarts).
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("serverstore: open: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("serverstore: ping: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, err
	}
	if err := applySchema(db); err != nil {
		db.Close()
		return nil, err
	}

	rdb, err := sql.Open("sqlite3", path+"?mode=ro&_journal_mode=WAL")
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("serverstore: open read pool: %w", err)
	}
	if err := rdb.Ping(); err != nil {
		db.Close()
		rdb.Close()
		return nil, fmt.Errorf("serverstore: ping read pool: %w", err)
	}

	return &Store{db: db, rdb: rdb, path: path}, nil
}

// Close closes both connection pools.
func (s *Store) Close() error {
	var err error
	if s.rdb != nil {
		if e := s.rdb.Close(); e != nil {
			err = e
		}
	}
	if s.db != nil {
		if e := s.db.Close(); e != nil {
			err = e
		}
	}
	return err
}

func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return fmt.Errorf("serverstore: pragma %q: %w", p, err)
		}
	}
	return nil
}

func applySchema(db *sql.DB) error {
	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("serverstore: apply schema: %w", err)
	}
	return runMigrations(db)
}

func runMigrations(db *sql.DB) error {
	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("serverstore: get user_version: %w", err)
	}
	if version < currentSchemaVersion {
		if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
			return fmt.Errorf("serverstore: set user_version: %w", err)
		}
	}
	return nil
}

// GetMaxCommittedID returns the highest committed_id in the log, or 0 if
// the log is empty.
func (s *Store) GetMaxCommittedID(ctx context.Context) (uint64, error) {
	var max sql.NullInt64
	err := s.rdb.QueryRowContext(ctx, `SELECT MAX(committed_id) FROM committed_events`).Scan(&max)
	if err != nil {
		return 0, fmt.Errorf("serverstore: get max committed_id: %w", err)
	}
	if !max.Valid {
		return 0, nil
	}
	return uint64(max.Int64), nil
}
