// Package ingestlog implements the append-only, date-partitioned NDJSON log
// of accepted envelopes, its cooperative readers, and the startup
// reconciler. The log is the sole source of ordering truth: envelopes are
// ordered by byte offset within a file and by file date across files.
package ingestlog

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"syscall"

	"go.uber.org/zap"

	"github.com/nightowlshows/showscraper/internal/ingest"
)

const (
	filePrefix  = "ingest_"
	fileSuffix  = ".ndjson"
	symlinkName = "ingest.ndjson"
	dateLayout  = "2006-01-02"

	symlinkRetries = 3
)

// FileName returns the log file name for a UTC date string.
func FileName(fileDate string) string {
	return filePrefix + fileDate + fileSuffix
}

// Appender writes envelope lines to the current day's log file. A single
// process-wide mutex protects the active handle and symlink rotation;
// appends hold it only for the duration of write + fsync. Single writer per
// data root.
type Appender struct {
	dir    string
	clock  ingest.Clock
	logger *zap.Logger

	mu       sync.Mutex
	file     *os.File
	fileDate string
}

// NewAppender creates an appender writing under dir (<data_root>/ingest_log).
func NewAppender(dir string, clock ingest.Clock, logger *zap.Logger) (*Appender, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create log dir %s: %w", dir, err)
	}
	return &Appender{dir: dir, clock: clock, logger: logger}, nil
}

// Append writes one NDJSON line (newline added here) and fsyncs before
// returning its position. Rotation happens on the first append after a UTC
// day change.
func (a *Appender) Append(ctx context.Context, line []byte) (ingest.LogPosition, error) {
	if err := ctx.Err(); err != nil {
		return ingest.LogPosition{}, fmt.Errorf("context canceled: %w", err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	today := a.clock.Now().UTC().Format(dateLayout)
	if a.file == nil || a.fileDate != today {
		if err := a.rotateLocked(today); err != nil {
			return ingest.LogPosition{}, err
		}
	}

	record := make([]byte, 0, len(line)+1)
	record = append(record, line...)
	record = append(record, '\n')

	if _, err := a.file.Write(record); err != nil {
		return ingest.LogPosition{}, classifyErr("log append", err)
	}
	if err := a.file.Sync(); err != nil {
		return ingest.LogPosition{}, classifyErr("log fsync", err)
	}
	end, err := a.file.Seek(0, io.SeekCurrent)
	if err != nil {
		return ingest.LogPosition{}, classifyErr("log tell", err)
	}
	return ingest.LogPosition{FileDate: a.fileDate, ByteOffset: end}, nil
}

// Close releases the active file handle.
func (a *Appender) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.file == nil {
		return nil
	}
	err := a.file.Close()
	a.file = nil
	if err != nil {
		return fmt.Errorf("close log file: %w", err)
	}
	return nil
}

func (a *Appender) rotateLocked(today string) error {
	if a.file != nil {
		if err := a.file.Close(); err != nil {
			a.logger.Warn("close rotated log file", zap.Error(err))
		}
		a.file = nil
	}

	target := filepath.Join(a.dir, FileName(today))
	f, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640) // #nosec G304 -- path built from the clock date
	if err != nil {
		return classifyErr("open log file", err)
	}
	a.file = f
	a.fileDate = today

	if err := a.repointSymlink(target); err != nil {
		// The symlink is a convenience pointer; a stale one must never
		// fail an accept.
		a.logger.Warn("repoint ingest.ndjson symlink", zap.Error(err))
	}
	return nil
}

// repointSymlink atomically updates ingest.ndjson to the current day's file
// using create-temp-then-rename. EEXIST on the temp link is tolerated by
// unlinking and retrying a bounded number of times.
func (a *Appender) repointSymlink(target string) error {
	link := filepath.Join(a.dir, symlinkName)
	tmp := link + ".tmp"

	var lastErr error
	for attempt := 0; attempt < symlinkRetries; attempt++ {
		if err := os.Symlink(filepath.Base(target), tmp); err != nil {
			if errors.Is(err, fs.ErrExist) {
				_ = os.Remove(tmp)
				lastErr = err
				continue
			}
			return fmt.Errorf("create temp symlink: %w", err)
		}
		if err := os.Rename(tmp, link); err != nil {
			_ = os.Remove(tmp)
			return fmt.Errorf("rename symlink: %w", err)
		}
		return nil
	}
	return fmt.Errorf("create temp symlink after %d attempts: %w", symlinkRetries, lastErr)
}

// classifyErr maps log write failures onto the error taxonomy.
func classifyErr(op string, err error) error {
	if errors.Is(err, syscall.ENOSPC) {
		return &ingest.StorageError{Kind: "disk_full", Err: err}
	}
	if errors.Is(err, fs.ErrPermission) || errors.Is(err, syscall.EACCES) {
		return &ingest.StorageError{Kind: "permission", Err: err}
	}
	return &ingest.TransientIOError{Op: op, Err: err}
}
