package local_test

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nightowlshows/showscraper/internal/cas/local"
	"github.com/nightowlshows/showscraper/internal/ingest"
)

func TestNew(t *testing.T) {
	t.Run("CreatesRoot", func(t *testing.T) {
		root := filepath.Join(t.TempDir(), "cas")
		store, err := local.New(root)
		require.NoError(t, err)
		assert.NotNil(t, store)
		assert.DirExists(t, filepath.Join(root, "sha256"))
	})

	t.Run("EmptyRoot", func(t *testing.T) {
		_, err := local.New("  ")
		assert.Error(t, err)
	})
}

func TestPut(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	store, err := local.New(root)
	require.NoError(t, err)

	payload := []byte(`{"events":[{"artist":"The Black Tones"}]}`)
	wantSum := sha256.Sum256(payload)
	wantHex := hex.EncodeToString(wantSum[:])

	t.Run("ContentAddressed", func(t *testing.T) {
		sum, err := store.Put(ctx, payload)
		require.NoError(t, err)
		assert.Equal(t, wantHex, sum)

		// Fan-out layout: sha256/<aa>/<bb>/<full>.
		blob := filepath.Join(root, "sha256", wantHex[0:2], wantHex[2:4], wantHex)
		assert.FileExists(t, blob)
	})

	t.Run("Idempotent", func(t *testing.T) {
		first, err := store.Put(ctx, payload)
		require.NoError(t, err)

		blob := filepath.Join(root, "sha256", wantHex[0:2], wantHex[2:4], wantHex)
		before, err := os.Stat(blob)
		require.NoError(t, err)

		second, err := store.Put(ctx, payload)
		require.NoError(t, err)
		assert.Equal(t, first, second)

		after, err := os.Stat(blob)
		require.NoError(t, err)
		// The existing file was not rewritten.
		assert.Equal(t, before.ModTime(), after.ModTime())

		// Exactly one blob exists for the payload.
		entries, err := os.ReadDir(filepath.Dir(blob))
		require.NoError(t, err)
		assert.Len(t, entries, 1)
	})
}

func TestGet(t *testing.T) {
	ctx := context.Background()
	store, err := local.New(t.TempDir())
	require.NoError(t, err)

	payload := []byte("raw venue calendar bytes")
	sum, err := store.Put(ctx, payload)
	require.NoError(t, err)

	t.Run("RoundTrip", func(t *testing.T) {
		got, err := store.Get(ctx, sum)
		require.NoError(t, err)
		assert.Equal(t, payload, got)
	})

	t.Run("Missing", func(t *testing.T) {
		missing := "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"
		_, err := store.Get(ctx, missing)
		assert.ErrorIs(t, err, ingest.ErrNotFound)
	})

	t.Run("RejectsBadDigest", func(t *testing.T) {
		_, err := store.Get(ctx, "../../../etc/passwd")
		var verr *ingest.ValidationError
		assert.ErrorAs(t, err, &verr)
	})
}

func TestExists(t *testing.T) {
	ctx := context.Background()
	store, err := local.New(t.TempDir())
	require.NoError(t, err)

	sum, err := store.Put(ctx, []byte("x"))
	require.NoError(t, err)

	ok, err := store.Exists(ctx, sum)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = store.Exists(ctx, "bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb")
	require.NoError(t, err)
	assert.False(t, ok)
}
