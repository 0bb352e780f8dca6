package gateway_test

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	caslocal "github.com/nightowlshows/showscraper/internal/cas/local"
	"github.com/nightowlshows/showscraper/internal/envelope"
	"github.com/nightowlshows/showscraper/internal/gateway"
	hashsha256 "github.com/nightowlshows/showscraper/internal/hash/sha256"
	iduuid "github.com/nightowlshows/showscraper/internal/id/uuid"
	"github.com/nightowlshows/showscraper/internal/ingest"
	"github.com/nightowlshows/showscraper/internal/ingestlog"
	"github.com/nightowlshows/showscraper/internal/metastore/sqlite"
	"github.com/nightowlshows/showscraper/internal/publisher/memory"
	"github.com/nightowlshows/showscraper/internal/registry"
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

type fixture struct {
	gw     *gateway.Gateway
	meta   *sqlite.Store
	cas    *caslocal.Store
	logDir string
	clock  *fakeClock
	pub    *memory.Publisher
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	root := t.TempDir()

	regDir := filepath.Join(root, "registry")
	require.NoError(t, os.MkdirAll(regDir, 0o750))
	writeSourceSpec(t, regDir, ingest.SourceSpec{
		SourceID:        "blue_moon",
		Endpoint:        "https://bluemoon.example.com/api/events",
		Method:          "GET",
		ContentTypes:    []string{"application/json"},
		RateLimitRPM:    10,
		RateLimitRPH:    100,
		TimeoutMs:       15000,
		DataPolicy:      ingest.DataPolicyPublic,
		LicenseID:       "public-listing",
		MaxPayloadBytes: 1 << 20,
		Enabled:         true,
	})
	writeSourceSpec(t, regDir, ingest.SourceSpec{
		SourceID:     "mothballed",
		Endpoint:     "https://gone.example.com/feed",
		Method:       "GET",
		ContentTypes: []string{"text/html"},
		RateLimitRPM: 1,
		RateLimitRPH: 10,
		TimeoutMs:    5000,
		DataPolicy:   ingest.DataPolicyPublic,
		LicenseID:    "public-listing",
		Enabled:      false,
	})

	reg, err := registry.Load(regDir)
	require.NoError(t, err)

	meta, err := sqlite.OpenAtRoot(root)
	require.NoError(t, err)
	t.Cleanup(func() { _ = meta.Close() })

	cas, err := caslocal.New(filepath.Join(root, "cas"))
	require.NoError(t, err)

	clock := &fakeClock{now: time.Date(2025, 1, 15, 12, 0, 0, 0, time.UTC)}
	logDir := filepath.Join(root, "ingest_log")
	appender, err := ingestlog.NewAppender(logDir, clock, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = appender.Close() })

	pub := memory.New()
	gw := gateway.New(
		reg, cas, meta, appender,
		hashsha256.New(), clock, iduuid.New(), pub,
		gateway.Config{SkewWindow: 24 * time.Hour, Topic: "ingest-accepted"},
		zap.NewNop(),
	)
	return &fixture{gw: gw, meta: meta, cas: cas, logDir: logDir, clock: clock, pub: pub}
}

func writeSourceSpec(t *testing.T, dir string, spec ingest.SourceSpec) {
	t.Helper()
	raw, err := json.Marshal(spec)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, spec.SourceID+".json"), raw, 0o600))
}

// submission builds a valid submission for the payload.
func (f *fixture) submission(t *testing.T, payload []byte) ingest.Envelope {
	t.Helper()
	sum := sha256.Sum256(payload)
	return ingest.Envelope{
		EnvelopeVersion: ingest.EnvelopeVersion,
		SourceID:        "blue_moon",
		IdempotencyKey:  "blue_moon|2025-01-15|cursor=0",
		PayloadMeta: ingest.PayloadMeta{
			SizeBytes: int64(len(payload)),
			Checksum:  ingest.ChecksumMeta{SHA256: hex.EncodeToString(sum[:])},
			MimeType:  "application/json",
		},
		Request: ingest.RequestMeta{
			URL:        "https://bluemoon.example.com/api/events",
			Method:     "GET",
			StatusCode: 200,
		},
		Timing: ingest.TimingMeta{FetchedAt: f.clock.now.Add(-5 * time.Minute)},
		Legal:  ingest.LegalMeta{LicenseID: "public-listing"},
	}
}

func marshal(t *testing.T, env ingest.Envelope) []byte {
	t.Helper()
	raw, err := envelope.Marshal(env)
	require.NoError(t, err)
	return raw
}

func (f *fixture) logLines(t *testing.T, fileDate string) []string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(f.logDir, ingestlog.FileName(fileDate)))
	if os.IsNotExist(err) {
		return nil
	}
	require.NoError(t, err)
	var lines []string
	for _, l := range splitLines(string(data)) {
		if l != "" {
			lines = append(lines, l)
		}
	}
	return lines
}

func splitLines(s string) []string {
	var out []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			out = append(out, s[start:i])
			start = i + 1
		}
	}
	out = append(out, s[start:])
	return out
}

func TestAcceptHappyPath(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	payload := []byte(`{"events":[{"artist":"Sloucher","date":"2025-01-20"}]}`)
	sub := f.submission(t, payload)

	res, err := f.gw.Accept(ctx, marshal(t, sub), payload)
	require.NoError(t, err)
	assert.Equal(t, ingest.StatusAccepted, res.Status)
	assert.NotEmpty(t, res.EnvelopeID)
	assert.Equal(t, ingest.PayloadRefPrefix+sub.PayloadMeta.Checksum.SHA256, res.PayloadRef)
	require.NotNil(t, res.Position)
	assert.Equal(t, "2025-01-15", res.Position.FileDate)

	// One log line, sealed.
	lines := f.logLines(t, "2025-01-15")
	require.Len(t, lines, 1)
	var sealed ingest.Envelope
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &sealed))
	assert.Equal(t, res.EnvelopeID, sealed.EnvelopeID)
	assert.True(t, sealed.Sealed())
	assert.NotNil(t, sealed.Trace)
	assert.NotEmpty(t, sealed.Trace.TraceID)

	// Dedup row exists.
	owner, err := f.meta.DedupLookup(ctx, sub.IdempotencyKey)
	require.NoError(t, err)
	assert.Equal(t, res.EnvelopeID, owner)

	// Payload bytes round-trip through the CAS.
	stored, err := f.cas.Get(ctx, sub.PayloadMeta.Checksum.SHA256)
	require.NoError(t, err)
	assert.Equal(t, payload, stored)
}

func TestAcceptDuplicate(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	payload := []byte(`{"events":[]}`)
	sub := f.submission(t, payload)

	first, err := f.gw.Accept(ctx, marshal(t, sub), payload)
	require.NoError(t, err)
	require.Equal(t, ingest.StatusAccepted, first.Status)

	second, err := f.gw.Accept(ctx, marshal(t, sub), payload)
	require.NoError(t, err)
	assert.Equal(t, ingest.StatusDeduplicated, second.Status)
	assert.Equal(t, first.EnvelopeID, second.EnvelopeID)

	// CAS, log, and index are unchanged.
	assert.Len(t, f.logLines(t, "2025-01-15"), 1)
}

func TestAcceptRejections(t *testing.T) {
	ctx := context.Background()

	t.Run("ChecksumMismatch", func(t *testing.T) {
		f := newFixture(t)
		payload := []byte(`{"events":[]}`)
		sub := f.submission(t, payload)
		sub.PayloadMeta.Checksum.SHA256 = "dead" + sub.PayloadMeta.Checksum.SHA256[4:]

		res, err := f.gw.Accept(ctx, marshal(t, sub), payload)
		var ierr *ingest.IntegrityError
		require.ErrorAs(t, err, &ierr)
		assert.Equal(t, "checksum", ierr.Kind)
		assert.Equal(t, ingest.StatusRejected, res.Status)
		// Nothing was written.
		assert.Empty(t, f.logLines(t, "2025-01-15"))
		exists, err := f.cas.Exists(ctx, sub.PayloadMeta.Checksum.SHA256)
		require.NoError(t, err)
		assert.False(t, exists)
	})

	t.Run("SizeMismatch", func(t *testing.T) {
		f := newFixture(t)
		payload := []byte(`{"events":[]}`)
		sub := f.submission(t, payload)
		sub.PayloadMeta.SizeBytes++

		_, err := f.gw.Accept(ctx, marshal(t, sub), payload)
		var ierr *ingest.IntegrityError
		require.ErrorAs(t, err, &ierr)
		assert.Equal(t, "size", ierr.Kind)
	})

	t.Run("SkewOneSecondPastWindow", func(t *testing.T) {
		f := newFixture(t)
		payload := []byte(`{"events":[]}`)
		sub := f.submission(t, payload)
		sub.Timing.FetchedAt = f.clock.now.Add(-24*time.Hour - time.Second)

		_, err := f.gw.Accept(ctx, marshal(t, sub), payload)
		var serr *ingest.SkewError
		require.ErrorAs(t, err, &serr)
	})

	t.Run("SkewExactlyAtWindow", func(t *testing.T) {
		f := newFixture(t)
		payload := []byte(`{"events":[]}`)
		sub := f.submission(t, payload)
		sub.Timing.FetchedAt = f.clock.now.Add(-24 * time.Hour)

		res, err := f.gw.Accept(ctx, marshal(t, sub), payload)
		require.NoError(t, err)
		assert.Equal(t, ingest.StatusAccepted, res.Status)
	})

	t.Run("UnknownSource", func(t *testing.T) {
		f := newFixture(t)
		payload := []byte(`{}`)
		sub := f.submission(t, payload)
		sub.SourceID = "nobody"

		_, err := f.gw.Accept(ctx, marshal(t, sub), payload)
		var perr *ingest.PolicyError
		require.ErrorAs(t, err, &perr)
		assert.Equal(t, "source", perr.Policy)
	})

	t.Run("DisabledSource", func(t *testing.T) {
		f := newFixture(t)
		payload := []byte(`<html></html>`)
		sub := f.submission(t, payload)
		sub.SourceID = "mothballed"
		sub.PayloadMeta.MimeType = "text/html"

		_, err := f.gw.Accept(ctx, marshal(t, sub), payload)
		var perr *ingest.PolicyError
		require.ErrorAs(t, err, &perr)
		assert.Equal(t, "source", perr.Policy)
	})

	t.Run("MimeNotAllowed", func(t *testing.T) {
		f := newFixture(t)
		payload := []byte(`<html></html>`)
		sub := f.submission(t, payload)
		sub.PayloadMeta.MimeType = "text/html"

		_, err := f.gw.Accept(ctx, marshal(t, sub), payload)
		var perr *ingest.PolicyError
		require.ErrorAs(t, err, &perr)
		assert.Equal(t, "mime", perr.Policy)
	})

	t.Run("LicenseMismatch", func(t *testing.T) {
		f := newFixture(t)
		payload := []byte(`{}`)
		sub := f.submission(t, payload)
		sub.Legal.LicenseID = "all-rights-reserved"

		_, err := f.gw.Accept(ctx, marshal(t, sub), payload)
		var perr *ingest.PolicyError
		require.ErrorAs(t, err, &perr)
		assert.Equal(t, "license", perr.Policy)
	})

	t.Run("MalformedSubmission", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.gw.Accept(ctx, []byte(`{"envelope_version":"1.0.0"}`), nil)
		var verr *ingest.ValidationError
		require.ErrorAs(t, err, &verr)
	})

	t.Run("PreSealedSubmission", func(t *testing.T) {
		f := newFixture(t)
		payload := []byte(`{}`)
		sub := f.submission(t, payload)
		now := f.clock.now
		sub.EnvelopeID = "imposter"
		sub.GatewayReceivedAt = &now
		sub.PayloadRef = ingest.PayloadRefPrefix + sub.PayloadMeta.Checksum.SHA256

		_, err := f.gw.Accept(ctx, marshal(t, sub), payload)
		var verr *ingest.ValidationError
		require.ErrorAs(t, err, &verr)
	})
}

func TestAcceptPayloadCapBoundary(t *testing.T) {
	ctx := context.Background()

	t.Run("ExactlyAtCap", func(t *testing.T) {
		f := newFixture(t)
		payload := make([]byte, 1<<20)
		sub := f.submission(t, payload)

		res, err := f.gw.Accept(ctx, marshal(t, sub), payload)
		require.NoError(t, err)
		assert.Equal(t, ingest.StatusAccepted, res.Status)
	})

	t.Run("OneByteOver", func(t *testing.T) {
		f := newFixture(t)
		payload := make([]byte, 1<<20+1)
		sub := f.submission(t, payload)

		_, err := f.gw.Accept(ctx, marshal(t, sub), payload)
		var perr *ingest.PolicyError
		require.ErrorAs(t, err, &perr)
		assert.Equal(t, "payload_size", perr.Policy)
	})
}

func TestAcceptOrdering(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	var last ingest.LogPosition
	for i := 0; i < 3; i++ {
		payload := []byte(`{"cursor":` + string(rune('0'+i)) + `}`)
		sub := f.submission(t, payload)
		sub.IdempotencyKey = ingest.IdempotencyKey("blue_moon", "2025-01-15", i)

		res, err := f.gw.Accept(ctx, marshal(t, sub), payload)
		require.NoError(t, err)
		require.Equal(t, ingest.StatusAccepted, res.Status)
		if i > 0 {
			assert.True(t, last.Less(*res.Position))
		}
		last = *res.Position
	}
}

// TestCrashWindowRecovery simulates dying between log append and dedup
// insert: the log line exists, the index row does not. Reconciliation must
// restore exactly-once semantics so the re-submission dedupes.
func TestCrashWindowRecovery(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	payload := []byte(`{"events":[{"artist":"Tres Leches"}]}`)
	sub := f.submission(t, payload)

	res, err := f.gw.Accept(ctx, marshal(t, sub), payload)
	require.NoError(t, err)

	// A fresh, empty index stands in for the insert never becoming durable.
	freshRoot := t.TempDir()
	freshMeta, err := sqlite.OpenAtRoot(freshRoot)
	require.NoError(t, err)
	defer func() { _ = freshMeta.Close() }()

	rec := ingestlog.NewReconciler(f.logDir, freshMeta, zap.NewNop())
	require.NoError(t, rec.Run(ctx))

	owner, err := freshMeta.DedupLookup(ctx, sub.IdempotencyKey)
	require.NoError(t, err)
	assert.Equal(t, res.EnvelopeID, owner)
}

func TestPostAcceptPublish(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	payload := []byte(`{"events":[]}`)
	sub := f.submission(t, payload)

	res, err := f.gw.Accept(ctx, marshal(t, sub), payload)
	require.NoError(t, err)

	// The publish is fire-and-forget on a goroutine; poll briefly.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(f.pub.Messages()) > 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	msgs := f.pub.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "ingest-accepted", msgs[0].Topic)
	payloadMap, ok := msgs[0].Payload.(map[string]string)
	require.True(t, ok)
	assert.Equal(t, res.EnvelopeID, payloadMap["envelope_id"])
}
