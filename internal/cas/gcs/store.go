// Package gcs implements the content-addressed store on Google Cloud
// Storage. Object names mirror the local layout: <prefix>/sha256/<aa>/<bb>/<rest>.
package gcs

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"

	"github.com/nightowlshows/showscraper/internal/ingest"
)

// Config captures the parameters required to connect to GCS.
type Config struct {
	Bucket string
	Prefix string
}

// Store writes payload blobs to a GCS bucket.
type Store struct {
	client *storage.Client
	bucket string
	prefix string
}

// New creates a GCS-backed CAS.
func New(client *storage.Client, cfg Config) (*Store, error) {
	if client == nil {
		return nil, fmt.Errorf("storage client is required")
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket name is required")
	}
	prefix := strings.Trim(cfg.Prefix, "/")
	if prefix == "" {
		prefix = "cas"
	}
	return &Store{client: client, bucket: cfg.Bucket, prefix: prefix}, nil
}

// Put uploads data under its SHA-256. The write carries a DoesNotExist
// precondition so an existing blob is never rewritten; losing that race to
// another writer counts as success because the bytes are identical.
func (s *Store) Put(ctx context.Context, data []byte) (string, error) {
	sum := sha256.Sum256(data)
	hexSum := hex.EncodeToString(sum[:])

	obj := s.client.Bucket(s.bucket).Object(s.objectName(hexSum)).If(storage.Conditions{DoesNotExist: true})
	w := obj.NewWriter(ctx)
	w.ContentType = "application/octet-stream"
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return "", &ingest.TransientIOError{Op: "gcs write", Err: err}
	}
	if err := w.Close(); err != nil {
		if isPreconditionFailed(err) {
			return hexSum, nil
		}
		return "", &ingest.TransientIOError{Op: "gcs close", Err: err}
	}
	return hexSum, nil
}

// Get returns the blob bytes or ingest.ErrNotFound.
func (s *Store) Get(ctx context.Context, sha256Hex string) ([]byte, error) {
	if err := validHex(sha256Hex); err != nil {
		return nil, err
	}
	r, err := s.client.Bucket(s.bucket).Object(s.objectName(sha256Hex)).NewReader(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return nil, fmt.Errorf("blob %s: %w", sha256Hex, ingest.ErrNotFound)
	}
	if err != nil {
		return nil, &ingest.TransientIOError{Op: "gcs open", Err: err}
	}
	defer func() { _ = r.Close() }()
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, &ingest.TransientIOError{Op: "gcs read", Err: err}
	}
	return data, nil
}

// Exists reports whether the blob is present.
func (s *Store) Exists(ctx context.Context, sha256Hex string) (bool, error) {
	if err := validHex(sha256Hex); err != nil {
		return false, err
	}
	_, err := s.client.Bucket(s.bucket).Object(s.objectName(sha256Hex)).Attrs(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return false, nil
	}
	if err != nil {
		return false, &ingest.TransientIOError{Op: "gcs attrs", Err: err}
	}
	return true, nil
}

func (s *Store) objectName(hexSum string) string {
	return fmt.Sprintf("%s/sha256/%s/%s/%s", s.prefix, hexSum[0:2], hexSum[2:4], hexSum)
}

func validHex(hexSum string) error {
	if len(hexSum) != 64 {
		return &ingest.ValidationError{Field: "sha256", Reason: "must be 64 hex characters"}
	}
	if _, err := hex.DecodeString(hexSum); err != nil {
		return &ingest.ValidationError{Field: "sha256", Reason: "must be 64 hex characters"}
	}
	return nil
}

func isPreconditionFailed(err error) bool {
	var gerr *googleapi.Error
	return errors.As(err, &gerr) && gerr.Code == http.StatusPreconditionFailed
}
