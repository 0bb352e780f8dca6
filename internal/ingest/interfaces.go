package ingest

import (
	"context"
	"time"
)

// CAS stores immutable payload blobs keyed by the SHA-256 of their bytes.
// Put is idempotent; an existing blob is never rewritten or truncated.
type CAS interface {
	Put(ctx context.Context, data []byte) (sha256Hex string, err error)
	Get(ctx context.Context, sha256Hex string) ([]byte, error)
	Exists(ctx context.Context, sha256Hex string) (bool, error)
}

// MetaStore is the small transactional store backing the dedup index,
// cadence marks, consumer offsets, and the reconciler checkpoint.
type MetaStore interface {
	// DedupLookup returns the envelope id owning the key, or "" if absent.
	DedupLookup(ctx context.Context, idempotencyKey string) (string, error)
	// DedupInsert records key -> envelopeID. Inserting an existing key is
	// not an error; the first writer wins and its envelope id is returned.
	DedupInsert(ctx context.Context, idempotencyKey, envelopeID string, firstSeen time.Time) (string, error)

	CadenceGet(ctx context.Context, sourceID string) (time.Time, bool, error)
	CadenceSet(ctx context.Context, sourceID string, fetchedAt time.Time) error

	OffsetGet(ctx context.Context, consumerID, fileDate string) (int64, error)
	OffsetSet(ctx context.Context, consumerID, fileDate string, byteOffset int64) error

	CheckpointGet(ctx context.Context) (LogPosition, bool, error)
	CheckpointSet(ctx context.Context, pos LogPosition) error

	Close() error
}

// LogAppender appends sealed envelopes to the date-partitioned ingest log.
type LogAppender interface {
	Append(ctx context.Context, line []byte) (LogPosition, error)
}

// FetchRequest captures everything needed to acquire one payload.
type FetchRequest struct {
	SourceID string
	URL      string
	Method   string
	Timeout  time.Duration
	MaxBytes int64
}

// FetchResponse is the result of a fetch.
type FetchResponse struct {
	URL          string
	StatusCode   int
	Body         []byte
	MimeType     string
	ETag         string
	LastModified string
	Duration     time.Duration
}

// Fetcher acquires payload bytes over HTTP (plain or headless).
type Fetcher interface {
	Fetch(ctx context.Context, req FetchRequest) (FetchResponse, error)
}

// Publisher announces accepted envelopes after the core commit. Publish
// failures are logged and ignored; acceptance never depends on them.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Hasher computes digests for integrity and content addressing.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (injectable for tests).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces envelope ids.
type IDGenerator interface {
	NewID() (string, error)
}
