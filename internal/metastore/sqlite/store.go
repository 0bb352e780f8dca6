// Package sqlite implements the meta store on a single-file SQLite database
// at <data_root>/ingest_log/meta.db. It holds the dedup index, cadence
// marks, consumer offsets, and the reconciler checkpoint. Single writer per
// process; SQLite serializes access beyond that.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3" // sqlite3 driver

	"github.com/nightowlshows/showscraper/internal/ingest"
)

const schema = `
PRAGMA journal_mode=WAL;
CREATE TABLE IF NOT EXISTS dedupe_index (
    idempotency_key TEXT PRIMARY KEY,
    envelope_id     TEXT NOT NULL,
    first_seen_at   TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS cadence (
    source_id       TEXT PRIMARY KEY,
    last_fetched_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS consumer_offsets (
    consumer_id TEXT NOT NULL,
    file_date   TEXT NOT NULL,
    byte_offset INTEGER NOT NULL,
    PRIMARY KEY (consumer_id, file_date)
);
CREATE TABLE IF NOT EXISTS reconcile_checkpoint (
    id          INTEGER PRIMARY KEY CHECK (id = 1),
    file_date   TEXT NOT NULL,
    byte_offset INTEGER NOT NULL
);
`

// Store implements ingest.MetaStore on SQLite.
type Store struct {
	db *sql.DB
}

// OpenAtRoot opens (creating if needed) the meta database under dataRoot.
func OpenAtRoot(dataRoot string) (*Store, error) {
	dir := filepath.Join(dataRoot, "ingest_log")
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create ingest_log dir: %w", err)
	}
	return Open(filepath.Join(dir, "meta.db"))
}

// Open opens the meta database at path and bootstraps the schema.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	// A single connection avoids writer contention inside the process.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("bootstrap meta schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close meta db: %w", err)
	}
	return nil
}

// DedupLookup returns the envelope id owning the key, or "" if absent.
func (s *Store) DedupLookup(ctx context.Context, idempotencyKey string) (string, error) {
	var envelopeID string
	err := s.db.QueryRowContext(ctx,
		`SELECT envelope_id FROM dedupe_index WHERE idempotency_key = ?`, idempotencyKey,
	).Scan(&envelopeID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("dedup lookup: %w", err)
	}
	return envelopeID, nil
}

// DedupInsert records key -> envelopeID. The unique primary key is the
// enforcement of exactly-once acceptance: on conflict the first writer wins
// and its envelope id is returned.
func (s *Store) DedupInsert(ctx context.Context, idempotencyKey, envelopeID string, firstSeen time.Time) (string, error) {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO dedupe_index (idempotency_key, envelope_id, first_seen_at)
		 VALUES (?, ?, ?) ON CONFLICT(idempotency_key) DO NOTHING`,
		idempotencyKey, envelopeID, firstSeen.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return "", fmt.Errorf("dedup insert: %w", err)
	}
	winner, err := s.DedupLookup(ctx, idempotencyKey)
	if err != nil {
		return "", err
	}
	if winner == "" {
		return "", fmt.Errorf("dedup insert: row vanished for key %q", idempotencyKey)
	}
	return winner, nil
}

// CadenceGet returns the last fetch time for the source.
func (s *Store) CadenceGet(ctx context.Context, sourceID string) (time.Time, bool, error) {
	var unix int64
	err := s.db.QueryRowContext(ctx,
		`SELECT last_fetched_at FROM cadence WHERE source_id = ?`, sourceID,
	).Scan(&unix)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("cadence get: %w", err)
	}
	return time.Unix(unix, 0).UTC(), true, nil
}

// CadenceSet upserts the last fetch time for the source.
func (s *Store) CadenceSet(ctx context.Context, sourceID string, fetchedAt time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO cadence (source_id, last_fetched_at) VALUES (?, ?)
		 ON CONFLICT(source_id) DO UPDATE SET last_fetched_at = excluded.last_fetched_at`,
		sourceID, fetchedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("cadence set: %w", err)
	}
	return nil
}

// OffsetGet returns the committed byte offset, zero if uncommitted.
func (s *Store) OffsetGet(ctx context.Context, consumerID, fileDate string) (int64, error) {
	var off int64
	err := s.db.QueryRowContext(ctx,
		`SELECT byte_offset FROM consumer_offsets WHERE consumer_id = ? AND file_date = ?`,
		consumerID, fileDate,
	).Scan(&off)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("offset get: %w", err)
	}
	return off, nil
}

// OffsetSet upserts the consumer's committed offset for one log file.
func (s *Store) OffsetSet(ctx context.Context, consumerID, fileDate string, byteOffset int64) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO consumer_offsets (consumer_id, file_date, byte_offset) VALUES (?, ?, ?)
		 ON CONFLICT(consumer_id, file_date) DO UPDATE SET byte_offset = excluded.byte_offset`,
		consumerID, fileDate, byteOffset,
	)
	if err != nil {
		return fmt.Errorf("offset set: %w", err)
	}
	return nil
}

// CheckpointGet returns the reconciler's last durable position.
func (s *Store) CheckpointGet(ctx context.Context) (ingest.LogPosition, bool, error) {
	var pos ingest.LogPosition
	err := s.db.QueryRowContext(ctx,
		`SELECT file_date, byte_offset FROM reconcile_checkpoint WHERE id = 1`,
	).Scan(&pos.FileDate, &pos.ByteOffset)
	if errors.Is(err, sql.ErrNoRows) {
		return ingest.LogPosition{}, false, nil
	}
	if err != nil {
		return ingest.LogPosition{}, false, fmt.Errorf("checkpoint get: %w", err)
	}
	return pos, true, nil
}

// CheckpointSet records the position through which dedup rows are known to
// exist.
func (s *Store) CheckpointSet(ctx context.Context, pos ingest.LogPosition) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO reconcile_checkpoint (id, file_date, byte_offset) VALUES (1, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET file_date = excluded.file_date, byte_offset = excluded.byte_offset`,
		pos.FileDate, pos.ByteOffset,
	)
	if err != nil {
		return fmt.Errorf("checkpoint set: %w", err)
	}
	return nil
}
