// Package local implements the content-addressed store on the local
// filesystem. Blobs live under sha256/<aa>/<bb>/<rest> with two levels of
// fan-out to cap per-directory entries.
package local

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/nightowlshows/showscraper/internal/ingest"
)

// Store writes payload blobs to the local filesystem.
type Store struct {
	root string
}

// New creates a CAS rooted at dir (typically <data_root>/cas).
func New(root string) (*Store, error) {
	if strings.TrimSpace(root) == "" {
		return nil, fmt.Errorf("cas root is required")
	}
	if err := os.MkdirAll(filepath.Join(root, "sha256"), 0o750); err != nil {
		return nil, fmt.Errorf("create cas root: %w", err)
	}
	return &Store{root: root}, nil
}

// Put persists data under its SHA-256. Put is idempotent: if the target
// already exists it is left untouched and the same digest is returned.
// Existing blobs are never truncated or overwritten.
func (s *Store) Put(ctx context.Context, data []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("context canceled: %w", err)
	}
	sum := sha256.Sum256(data)
	hexSum := hex.EncodeToString(sum[:])
	target := s.blobPath(hexSum)

	if _, err := os.Stat(target); err == nil {
		return hexSum, nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return "", classifyErr("stat blob", err)
	}

	if err := os.MkdirAll(filepath.Dir(target), 0o750); err != nil {
		return "", classifyErr("create blob dir", err)
	}

	// Write to a temp file in the same directory, then atomically rename.
	// A concurrent Put of the same bytes races benignly: both temp files
	// hold identical content and rename is atomic.
	tmp, err := os.CreateTemp(filepath.Dir(target), ".tmp-*")
	if err != nil {
		return "", classifyErr("create temp", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return "", classifyErr("write temp", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return "", classifyErr("sync temp", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return "", classifyErr("close temp", err)
	}
	if err := os.Rename(tmpName, target); err != nil {
		_ = os.Remove(tmpName)
		return "", classifyErr("rename blob", err)
	}
	return hexSum, nil
}

// Get returns the blob bytes or ingest.ErrNotFound.
func (s *Store) Get(ctx context.Context, sha256Hex string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("context canceled: %w", err)
	}
	path, err := s.safeBlobPath(sha256Hex)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path) // #nosec G304 -- path is derived from a validated hex digest
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("blob %s: %w", sha256Hex, ingest.ErrNotFound)
	}
	if err != nil {
		return nil, classifyErr("read blob", err)
	}
	return data, nil
}

// Exists reports whether the blob is present.
func (s *Store) Exists(ctx context.Context, sha256Hex string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, fmt.Errorf("context canceled: %w", err)
	}
	path, err := s.safeBlobPath(sha256Hex)
	if err != nil {
		return false, err
	}
	_, err = os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, classifyErr("stat blob", err)
	}
	return true, nil
}

func (s *Store) blobPath(hexSum string) string {
	return filepath.Join(s.root, "sha256", hexSum[0:2], hexSum[2:4], hexSum)
}

func (s *Store) safeBlobPath(hexSum string) (string, error) {
	if len(hexSum) != 64 || !isHex(hexSum) {
		return "", &ingest.ValidationError{Field: "sha256", Reason: "must be 64 hex characters"}
	}
	return s.blobPath(hexSum), nil
}

func isHex(s string) bool {
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}

// classifyErr maps filesystem failures onto the error taxonomy: disk-full
// and permission errors are fatal StorageErrors, the rest transient.
func classifyErr(op string, err error) error {
	if errors.Is(err, syscall.ENOSPC) {
		return &ingest.StorageError{Kind: "disk_full", Err: err}
	}
	if errors.Is(err, fs.ErrPermission) || errors.Is(err, syscall.EACCES) {
		return &ingest.StorageError{Kind: "permission", Err: err}
	}
	return &ingest.TransientIOError{Op: op, Err: err}
}
