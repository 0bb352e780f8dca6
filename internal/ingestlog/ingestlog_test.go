package ingestlog_test

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/nightowlshows/showscraper/internal/ingest"
	"github.com/nightowlshows/showscraper/internal/ingestlog"
	"github.com/nightowlshows/showscraper/internal/metastore/sqlite"
)

// fakeClock lets tests drive day rotation.
type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

func newMeta(t *testing.T) *sqlite.Store {
	t.Helper()
	store, err := sqlite.Open(filepath.Join(t.TempDir(), "meta.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestAppender(t *testing.T) {
	ctx := context.Background()

	t.Run("AppendReturnsPosition", func(t *testing.T) {
		dir := t.TempDir()
		clk := &fakeClock{now: time.Date(2025, 1, 15, 10, 0, 0, 0, time.UTC)}
		app, err := ingestlog.NewAppender(dir, clk, zap.NewNop())
		require.NoError(t, err)
		defer func() { _ = app.Close() }()

		line := []byte(`{"envelope_id":"e1"}`)
		pos, err := app.Append(ctx, line)
		require.NoError(t, err)
		assert.Equal(t, "2025-01-15", pos.FileDate)
		assert.Equal(t, int64(len(line)+1), pos.ByteOffset)

		pos2, err := app.Append(ctx, line)
		require.NoError(t, err)
		assert.True(t, pos.Less(pos2))

		data, err := os.ReadFile(filepath.Join(dir, "ingest_2025-01-15.ndjson"))
		require.NoError(t, err)
		assert.Equal(t, string(line)+"\n"+string(line)+"\n", string(data))
	})

	t.Run("SymlinkTracksCurrentDay", func(t *testing.T) {
		dir := t.TempDir()
		clk := &fakeClock{now: time.Date(2025, 1, 15, 23, 0, 0, 0, time.UTC)}
		app, err := ingestlog.NewAppender(dir, clk, zap.NewNop())
		require.NoError(t, err)
		defer func() { _ = app.Close() }()

		_, err = app.Append(ctx, []byte(`{"n":1}`))
		require.NoError(t, err)

		link := filepath.Join(dir, "ingest.ndjson")
		target, err := os.Readlink(link)
		require.NoError(t, err)
		assert.Equal(t, "ingest_2025-01-15.ndjson", target)

		// First append after the UTC day change rotates and repoints.
		clk.now = time.Date(2025, 1, 16, 0, 5, 0, 0, time.UTC)
		pos, err := app.Append(ctx, []byte(`{"n":2}`))
		require.NoError(t, err)
		assert.Equal(t, "2025-01-16", pos.FileDate)

		target, err = os.Readlink(link)
		require.NoError(t, err)
		assert.Equal(t, "ingest_2025-01-16.ndjson", target)
		assert.FileExists(t, filepath.Join(dir, "ingest_2025-01-16.ndjson"))
	})

	t.Run("StaleSymlinkDoesNotFailAppend", func(t *testing.T) {
		dir := t.TempDir()
		// A stale regular file where the symlink should live.
		require.NoError(t, os.WriteFile(filepath.Join(dir, "ingest.ndjson"), []byte("stale"), 0o600))

		clk := &fakeClock{now: time.Date(2025, 1, 15, 10, 0, 0, 0, time.UTC)}
		app, err := ingestlog.NewAppender(dir, clk, zap.NewNop())
		require.NoError(t, err)
		defer func() { _ = app.Close() }()

		_, err = app.Append(ctx, []byte(`{"n":1}`))
		assert.NoError(t, err)
	})
}

func TestReader(t *testing.T) {
	ctx := context.Background()

	writeLog := func(t *testing.T, dir, date string, lines ...string) {
		t.Helper()
		var buf []byte
		for _, l := range lines {
			buf = append(buf, l...)
			buf = append(buf, '\n')
		}
		require.NoError(t, os.WriteFile(filepath.Join(dir, ingestlog.FileName(date)), buf, 0o600))
	}

	t.Run("StreamsFromCommittedOffset", func(t *testing.T) {
		dir := t.TempDir()
		meta := newMeta(t)
		writeLog(t, dir, "2025-01-15", `{"n":1}`, `{"n":2}`, `{"n":3}`)

		r := ingestlog.NewReader(dir, meta)
		recs, err := r.Next(ctx, "parser", 2)
		require.NoError(t, err)
		require.Len(t, recs, 2)
		assert.Equal(t, `{"n":1}`, recs[0].Line)

		require.NoError(t, r.CommitOffset(ctx, "parser", recs[1].Position))

		recs, err = r.Next(ctx, "parser", 10)
		require.NoError(t, err)
		require.Len(t, recs, 1)
		assert.Equal(t, `{"n":3}`, recs[0].Line)
	})

	t.Run("EndOfStreamDoesNotBlock", func(t *testing.T) {
		dir := t.TempDir()
		meta := newMeta(t)
		writeLog(t, dir, "2025-01-15", `{"n":1}`)

		r := ingestlog.NewReader(dir, meta)
		recs, err := r.Next(ctx, "parser", 10)
		require.NoError(t, err)
		require.NoError(t, r.CommitOffset(ctx, "parser", recs[len(recs)-1].Position))

		_, err = r.Next(ctx, "parser", 10)
		assert.ErrorIs(t, err, ingest.ErrEndOfStream)
	})

	t.Run("AdvancesAcrossDays", func(t *testing.T) {
		dir := t.TempDir()
		meta := newMeta(t)
		writeLog(t, dir, "2025-01-15", `{"n":1}`, `{"n":2}`)
		writeLog(t, dir, "2025-01-16", `{"n":3}`)

		r := ingestlog.NewReader(dir, meta)
		recs, err := r.Next(ctx, "parser", 10)
		require.NoError(t, err)
		require.Len(t, recs, 3)
		assert.Equal(t, "2025-01-15", recs[1].Position.FileDate)
		assert.Equal(t, "2025-01-16", recs[2].Position.FileDate)

		// Committing past the prior day's EOF resumes in the next file.
		require.NoError(t, r.CommitOffset(ctx, "parser", recs[2].Position))
		_, err = r.Next(ctx, "parser", 10)
		assert.ErrorIs(t, err, ingest.ErrEndOfStream)

		writeLog(t, dir, "2025-01-17", `{"n":4}`)
		recs, err = r.Next(ctx, "parser", 10)
		require.NoError(t, err)
		require.Len(t, recs, 1)
		assert.Equal(t, `{"n":4}`, recs[0].Line)
	})

	t.Run("IgnoresTrailingPartialLine", func(t *testing.T) {
		dir := t.TempDir()
		meta := newMeta(t)
		// Crash window artifact: the last write has no newline yet.
		raw := "{\"n\":1}\n{\"n\":2"
		require.NoError(t, os.WriteFile(filepath.Join(dir, ingestlog.FileName("2025-01-15")), []byte(raw), 0o600))

		r := ingestlog.NewReader(dir, meta)
		recs, err := r.Next(ctx, "parser", 10)
		require.NoError(t, err)
		require.Len(t, recs, 1)
		assert.Equal(t, `{"n":1}`, recs[0].Line)
	})
}

func TestReconciler(t *testing.T) {
	ctx := context.Background()

	envLine := func(id, key string) string {
		line, _ := json.Marshal(map[string]any{
			"envelope_id":         id,
			"idempotency_key":     key,
			"gateway_received_at": "2025-01-15T12:00:00Z",
		})
		return string(line)
	}

	t.Run("BackfillsMissingRows", func(t *testing.T) {
		dir := t.TempDir()
		meta := newMeta(t)

		var buf string
		for i := 0; i < 3; i++ {
			buf += envLine(fmt.Sprintf("env-%d", i), fmt.Sprintf("blue_moon|2025-01-15|cursor=%d", i)) + "\n"
		}
		require.NoError(t, os.WriteFile(filepath.Join(dir, ingestlog.FileName("2025-01-15")), []byte(buf), 0o600))

		// Simulate the crash window: only the first row made it into the
		// index before the process died.
		_, err := meta.DedupInsert(ctx, "blue_moon|2025-01-15|cursor=0", "env-0", time.Now().UTC())
		require.NoError(t, err)

		rec := ingestlog.NewReconciler(dir, meta, zap.NewNop())
		require.NoError(t, rec.Run(ctx))

		for i := 0; i < 3; i++ {
			got, err := meta.DedupLookup(ctx, fmt.Sprintf("blue_moon|2025-01-15|cursor=%d", i))
			require.NoError(t, err)
			assert.Equal(t, fmt.Sprintf("env-%d", i), got)
		}

		pos, ok, err := meta.CheckpointGet(ctx)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, "2025-01-15", pos.FileDate)
		assert.Equal(t, int64(len(buf)), pos.ByteOffset)
	})

	t.Run("Idempotent", func(t *testing.T) {
		dir := t.TempDir()
		meta := newMeta(t)
		line := envLine("env-1", "kexp|2025-01-15|cursor=0")
		require.NoError(t, os.WriteFile(filepath.Join(dir, ingestlog.FileName("2025-01-15")), []byte(line+"\n"), 0o600))

		rec := ingestlog.NewReconciler(dir, meta, zap.NewNop())
		require.NoError(t, rec.Run(ctx))
		require.NoError(t, rec.Run(ctx))

		got, err := meta.DedupLookup(ctx, "kexp|2025-01-15|cursor=0")
		require.NoError(t, err)
		assert.Equal(t, "env-1", got)
	})

	t.Run("EmptyDirIsFine", func(t *testing.T) {
		rec := ingestlog.NewReconciler(t.TempDir(), newMeta(t), zap.NewNop())
		assert.NoError(t, rec.Run(ctx))
	})
}
