package ratelimit

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nightowlshows/showscraper/internal/ingest"
)

func spec(rpm, rph int) ingest.SourceSpec {
	return ingest.SourceSpec{
		SourceID:     "blue_moon",
		RateLimitRPM: rpm,
		RateLimitRPH: rph,
	}
}

func TestAcquire(t *testing.T) {
	t.Run("WithinBurst", func(t *testing.T) {
		l := New()
		s := spec(10, 100)
		for i := 0; i < 10; i++ {
			require.NoError(t, l.Acquire(s))
		}
	})

	t.Run("MinuteBucketThrottles", func(t *testing.T) {
		l := New()
		s := spec(1, 100)
		require.NoError(t, l.Acquire(s))

		err := l.Acquire(s)
		require.Error(t, err)
		var te *ingest.ThrottledError
		require.True(t, errors.As(err, &te))
		// One token per minute: the wait should be close to the refill
		// interval, and must never suggest busy-waiting.
		assert.Greater(t, te.RetryAfter, 30*time.Second)
	})

	t.Run("HourBucketThrottles", func(t *testing.T) {
		l := New()
		// rpm generous, rph tight: two immediate fetches exhaust the hour
		// bucket's burst of 2.
		s := spec(10, 2)
		require.NoError(t, l.Acquire(s))
		require.NoError(t, l.Acquire(s))

		err := l.Acquire(s)
		require.Error(t, err)
		assert.Greater(t, RetryAfter(err), time.Duration(0))
	})

	t.Run("SourcesAreIndependent", func(t *testing.T) {
		l := New()
		a := spec(1, 10)
		b := spec(1, 10)
		b.SourceID = "sea_monster"

		require.NoError(t, l.Acquire(a))
		assert.Error(t, l.Acquire(a))
		assert.NoError(t, l.Acquire(b))
	})
}

func TestRetryAfter(t *testing.T) {
	assert.Equal(t, time.Duration(0), RetryAfter(nil))
	assert.Equal(t, time.Duration(0), RetryAfter(errors.New("other")))
	assert.Equal(t, 5*time.Second, RetryAfter(&ingest.ThrottledError{RetryAfter: 5 * time.Second}))
}
