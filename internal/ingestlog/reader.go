package ingestlog

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/nightowlshows/showscraper/internal/ingest"
)

// Record is one log line plus the position immediately after it.
type Record struct {
	Line     string
	Position ingest.LogPosition
}

// Reader streams the log cooperatively: it seeks to the consumer's committed
// offset and reads newline-delimited records without ever blocking on new
// writes. Exhaustion surfaces as ingest.ErrEndOfStream; the consumer decides
// whether to poll.
type Reader struct {
	dir  string
	meta ingest.MetaStore
}

// NewReader creates a reader over dir (<data_root>/ingest_log).
func NewReader(dir string, meta ingest.MetaStore) *Reader {
	return &Reader{dir: dir, meta: meta}
}

// fileDates lists the log file dates present on disk, ascending.
func (r *Reader) fileDates() ([]string, error) {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read log dir: %w", err)
	}
	var dates []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, filePrefix) || !strings.HasSuffix(name, fileSuffix) {
			continue
		}
		if e.Type()&os.ModeSymlink != 0 {
			continue
		}
		dates = append(dates, strings.TrimSuffix(strings.TrimPrefix(name, filePrefix), fileSuffix))
	}
	sort.Strings(dates)
	return dates, nil
}

// position resolves where the consumer currently stands: the latest file
// date it has a committed offset for, or the earliest file at offset 0.
func (r *Reader) position(ctx context.Context, consumerID string, dates []string) (ingest.LogPosition, error) {
	for i := len(dates) - 1; i >= 0; i-- {
		off, err := r.meta.OffsetGet(ctx, consumerID, dates[i])
		if err != nil {
			return ingest.LogPosition{}, err
		}
		if off > 0 {
			return ingest.LogPosition{FileDate: dates[i], ByteOffset: off}, nil
		}
	}
	if len(dates) == 0 {
		return ingest.LogPosition{}, ingest.ErrEndOfStream
	}
	return ingest.LogPosition{FileDate: dates[0], ByteOffset: 0}, nil
}

// Next returns up to max records past the consumer's committed offset,
// crossing day boundaries as files are exhausted. It does not commit;
// callers advance durably via CommitOffset. An empty batch means
// ingest.ErrEndOfStream.
func (r *Reader) Next(ctx context.Context, consumerID string, max int) ([]Record, error) {
	if max <= 0 {
		return nil, fmt.Errorf("max must be > 0")
	}
	dates, err := r.fileDates()
	if err != nil {
		return nil, err
	}
	pos, err := r.position(ctx, consumerID, dates)
	if err != nil {
		return nil, err
	}

	var out []Record
	for len(out) < max {
		recs, err := readFrom(filepath.Join(r.dir, FileName(pos.FileDate)), pos, max-len(out))
		if err != nil {
			return nil, err
		}
		out = append(out, recs...)
		if len(recs) > 0 {
			pos = recs[len(recs)-1].Position
		}
		if len(out) >= max {
			break
		}
		// Advancing past EOF of a prior day moves to the next day's file
		// at offset 0.
		next := nextDate(dates, pos.FileDate)
		if next == "" {
			break
		}
		pos = ingest.LogPosition{FileDate: next, ByteOffset: 0}
	}
	if len(out) == 0 {
		return nil, ingest.ErrEndOfStream
	}
	return out, nil
}

// CommitOffset durably records the consumer's progress.
func (r *Reader) CommitOffset(ctx context.Context, consumerID string, pos ingest.LogPosition) error {
	return r.meta.OffsetSet(ctx, consumerID, pos.FileDate, pos.ByteOffset)
}

func nextDate(dates []string, current string) string {
	for _, d := range dates {
		if d > current {
			return d
		}
	}
	return ""
}

// readFrom streams complete lines from pos. A trailing partial line (a crash
// window artifact) is left for the writer's next fsync and not returned.
func readFrom(path string, pos ingest.LogPosition, max int) ([]Record, error) {
	f, err := os.Open(path) // #nosec G304 -- path derived from validated file dates
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open log file: %w", err)
	}
	defer func() { _ = f.Close() }()

	if _, err := f.Seek(pos.ByteOffset, io.SeekStart); err != nil {
		return nil, fmt.Errorf("seek log file: %w", err)
	}

	reader := bufio.NewReader(f)
	offset := pos.ByteOffset
	var out []Record
	for len(out) < max {
		line, err := reader.ReadString('\n')
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read log line: %w", err)
		}
		offset += int64(len(line))
		trimmed := strings.TrimSuffix(line, "\n")
		if strings.TrimSpace(trimmed) == "" {
			continue
		}
		out = append(out, Record{
			Line:     trimmed,
			Position: ingest.LogPosition{FileDate: pos.FileDate, ByteOffset: offset},
		})
	}
	return out, nil
}
