// Package ratelimit implements per-source token buckets enforcing the
// registry's rpm and rph limits. Buckets are process-local; in multi-process
// deployments each process gets the full configured budget.
package ratelimit

import (
	"errors"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/nightowlshows/showscraper/internal/ingest"
)

// buckets holds the pair of limiters for one source. A fetch draws one token
// from each; refill is computed lazily by x/time/rate from a monotonic clock.
type buckets struct {
	rpm *rate.Limiter
	rph *rate.Limiter
}

// Limiter manages the per-source bucket table.
type Limiter struct {
	mu      sync.Mutex
	sources map[string]*buckets
}

// New creates an empty Limiter; buckets are created on first acquire from
// the spec's limits.
func New() *Limiter {
	return &Limiter{sources: make(map[string]*buckets)}
}

// Acquire draws one token from both of the source's buckets. On insufficient
// tokens it returns a ThrottledError carrying the wait; callers must not
// busy-wait. They sleep for RetryAfter and retry, or abandon on deadline.
func (l *Limiter) Acquire(spec ingest.SourceSpec) error {
	b := l.bucketsFor(spec)

	resMinute := b.rpm.Reserve()
	if d := resMinute.Delay(); d > 0 {
		resMinute.Cancel()
		return &ingest.ThrottledError{RetryAfter: d}
	}
	resHour := b.rph.Reserve()
	if d := resHour.Delay(); d > 0 {
		resHour.Cancel()
		resMinute.Cancel()
		return &ingest.ThrottledError{RetryAfter: d}
	}
	return nil
}

func (l *Limiter) bucketsFor(spec ingest.SourceSpec) *buckets {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.sources[spec.SourceID]
	if !ok {
		b = &buckets{
			rpm: rate.NewLimiter(rate.Limit(float64(spec.RateLimitRPM)/60.0), spec.RateLimitRPM),
			rph: rate.NewLimiter(rate.Limit(float64(spec.RateLimitRPH)/3600.0), spec.RateLimitRPH),
		}
		l.sources[spec.SourceID] = b
	}
	return b
}

// RetryAfter extracts the wait from a throttle error, or zero.
func RetryAfter(err error) time.Duration {
	var te *ingest.ThrottledError
	if errors.As(err, &te) {
		return te.RetryAfter
	}
	return 0
}
