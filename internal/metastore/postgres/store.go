// Package postgres implements the meta store on PostgreSQL via pgx, for
// deployments that keep dedup/cadence/offset state in a shared database
// instead of the embedded meta.db. The single-writer-per-data-root invariant
// still applies; this backend does not add cross-process coordination.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/nightowlshows/showscraper/internal/ingest"
)

// DB is the subset of pgx the store runs against; pgxpool.Pool and pgxmock
// both satisfy it.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store implements ingest.MetaStore on PostgreSQL.
type Store struct {
	db     DB
	closer func() error
}

// New wraps an open pgx connection-like handle.
func New(db DB, closer func() error) *Store {
	return &Store{db: db, closer: closer}
}

const schema = `
CREATE TABLE IF NOT EXISTS dedupe_index (
    idempotency_key TEXT PRIMARY KEY,
    envelope_id     TEXT NOT NULL,
    first_seen_at   TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS cadence (
    source_id       TEXT PRIMARY KEY,
    last_fetched_at TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS consumer_offsets (
    consumer_id TEXT NOT NULL,
    file_date   TEXT NOT NULL,
    byte_offset BIGINT NOT NULL,
    PRIMARY KEY (consumer_id, file_date)
);
CREATE TABLE IF NOT EXISTS reconcile_checkpoint (
    id          INTEGER PRIMARY KEY CHECK (id = 1),
    file_date   TEXT NOT NULL,
    byte_offset BIGINT NOT NULL
);
`

// Bootstrap creates the meta tables if they do not exist.
func (s *Store) Bootstrap(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, schema); err != nil {
		return fmt.Errorf("bootstrap meta schema: %w", err)
	}
	return nil
}

// Close releases the underlying handle.
func (s *Store) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer()
}

// DedupLookup returns the envelope id owning the key, or "" if absent.
func (s *Store) DedupLookup(ctx context.Context, idempotencyKey string) (string, error) {
	var envelopeID string
	err := s.db.QueryRow(ctx,
		`SELECT envelope_id FROM dedupe_index WHERE idempotency_key = $1`, idempotencyKey,
	).Scan(&envelopeID)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("dedup lookup: %w", err)
	}
	return envelopeID, nil
}

// DedupInsert records key -> envelopeID; on conflict the first writer wins.
func (s *Store) DedupInsert(ctx context.Context, idempotencyKey, envelopeID string, firstSeen time.Time) (string, error) {
	var winner string
	err := s.db.QueryRow(ctx,
		`WITH ins AS (
		     INSERT INTO dedupe_index (idempotency_key, envelope_id, first_seen_at)
		     VALUES ($1, $2, $3)
		     ON CONFLICT (idempotency_key) DO NOTHING
		     RETURNING envelope_id
		 )
		 SELECT envelope_id FROM ins
		 UNION ALL
		 SELECT envelope_id FROM dedupe_index WHERE idempotency_key = $1
		 LIMIT 1`,
		idempotencyKey, envelopeID, firstSeen.UTC(),
	).Scan(&winner)
	if err != nil {
		return "", fmt.Errorf("dedup insert: %w", err)
	}
	return winner, nil
}

// CadenceGet returns the last fetch time for the source.
func (s *Store) CadenceGet(ctx context.Context, sourceID string) (time.Time, bool, error) {
	var ts time.Time
	err := s.db.QueryRow(ctx,
		`SELECT last_fetched_at FROM cadence WHERE source_id = $1`, sourceID,
	).Scan(&ts)
	if errors.Is(err, pgx.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("cadence get: %w", err)
	}
	return ts.UTC(), true, nil
}

// CadenceSet upserts the last fetch time for the source.
func (s *Store) CadenceSet(ctx context.Context, sourceID string, fetchedAt time.Time) error {
	if _, err := s.db.Exec(ctx,
		`INSERT INTO cadence (source_id, last_fetched_at) VALUES ($1, $2)
		 ON CONFLICT (source_id) DO UPDATE SET last_fetched_at = EXCLUDED.last_fetched_at`,
		sourceID, fetchedAt.UTC(),
	); err != nil {
		return fmt.Errorf("cadence set: %w", err)
	}
	return nil
}

// OffsetGet returns the committed byte offset, zero if uncommitted.
func (s *Store) OffsetGet(ctx context.Context, consumerID, fileDate string) (int64, error) {
	var off int64
	err := s.db.QueryRow(ctx,
		`SELECT byte_offset FROM consumer_offsets WHERE consumer_id = $1 AND file_date = $2`,
		consumerID, fileDate,
	).Scan(&off)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("offset get: %w", err)
	}
	return off, nil
}

// OffsetSet upserts the consumer's committed offset for one log file.
func (s *Store) OffsetSet(ctx context.Context, consumerID, fileDate string, byteOffset int64) error {
	if _, err := s.db.Exec(ctx,
		`INSERT INTO consumer_offsets (consumer_id, file_date, byte_offset) VALUES ($1, $2, $3)
		 ON CONFLICT (consumer_id, file_date) DO UPDATE SET byte_offset = EXCLUDED.byte_offset`,
		consumerID, fileDate, byteOffset,
	); err != nil {
		return fmt.Errorf("offset set: %w", err)
	}
	return nil
}

// CheckpointGet returns the reconciler's last durable position.
func (s *Store) CheckpointGet(ctx context.Context) (ingest.LogPosition, bool, error) {
	var pos ingest.LogPosition
	err := s.db.QueryRow(ctx,
		`SELECT file_date, byte_offset FROM reconcile_checkpoint WHERE id = 1`,
	).Scan(&pos.FileDate, &pos.ByteOffset)
	if errors.Is(err, pgx.ErrNoRows) {
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
	if _, err := s.db.Exec(ctx,
		`INSERT INTO reconcile_checkpoint (id, file_date, byte_offset) VALUES (1, $1, $2)
		 ON CONFLICT (id) DO UPDATE SET file_date = EXCLUDED.file_date, byte_offset = EXCLUDED.byte_offset`,
		pos.FileDate, pos.ByteOffset,
	); err != nil {
		return fmt.Errorf("checkpoint set: %w", err)
	}
	return nil
}
