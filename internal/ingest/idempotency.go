package ingest

import (
	"fmt"
	"time"
)

// MaxIdempotencyKeyBytes caps the key length accepted by the gateway.
const MaxIdempotencyKeyBytes = 256

// IdempotencyKey builds the deterministic key identifying one logical fetch
// slice of a source. Identical slices always produce identical keys; that
// determinism is the basis of exactly-once acceptance.
func IdempotencyKey(sourceID, logicalSlice string, cursor int) string {
	return fmt.Sprintf("%s|%s|cursor=%d", sourceID, logicalSlice, cursor)
}

// DailySlice is the default logical slice: the UTC fetch date.
func DailySlice(fetchedAt time.Time) string {
	return fetchedAt.UTC().Format("2006-01-02")
}

// ValidIdempotencyKey reports whether the key is printable ASCII within the
// length cap.
func ValidIdempotencyKey(key string) bool {
	if key == "" || len(key) > MaxIdempotencyKeyBytes {
		return false
	}
	for i := 0; i < len(key); i++ {
		if key[i] < 0x20 || key[i] > 0x7e {
			return false
		}
	}
	return true
}
