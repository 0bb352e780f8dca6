// Package gateway enforces ingestion policy and turns valid submissions
// into durable, replayable log records. Accept is the only write path into
// the CAS, the dedup index, and the ingest log.
package gateway

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/nightowlshows/showscraper/internal/envelope"
	"github.com/nightowlshows/showscraper/internal/ingest"
	"github.com/nightowlshows/showscraper/internal/metrics"
	"github.com/nightowlshows/showscraper/internal/registry"
)

// Config controls gateway behavior.
type Config struct {
	// SkewWindow bounds |gateway_received_at - timing.fetched_at|.
	SkewWindow time.Duration
	// Topic names the post-accept notification channel.
	Topic string
}

// Gateway validates, persists, and seals envelopes.
type Gateway struct {
	registry  *registry.Registry
	cas       ingest.CAS
	meta      ingest.MetaStore
	log       ingest.LogAppender
	hasher    ingest.Hasher
	clock     ingest.Clock
	ids       ingest.IDGenerator
	publisher ingest.Publisher
	cfg       Config
	logger    *zap.Logger

	// keyLocks serializes steps 5-9 per idempotency key so two in-process
	// submissions of the same slice cannot both pass the dedup probe.
	// Entries persist for the process lifetime; the key space of one run
	// is small.
	mu       sync.Mutex
	keyLocks map[string]*sync.Mutex
}

// New constructs a Gateway.
func New(
	reg *registry.Registry,
	cas ingest.CAS,
	meta ingest.MetaStore,
	log ingest.LogAppender,
	hasher ingest.Hasher,
	clock ingest.Clock,
	ids ingest.IDGenerator,
	publisher ingest.Publisher,
	cfg Config,
	logger *zap.Logger,
) *Gateway {
	if cfg.SkewWindow <= 0 {
		cfg.SkewWindow = 24 * time.Hour
	}
	return &Gateway{
		registry:  reg,
		cas:       cas,
		meta:      meta,
		log:       log,
		hasher:    hasher,
		clock:     clock,
		ids:       ids,
		publisher: publisher,
		cfg:       cfg,
		logger:    logger,
		keyLocks:  make(map[string]*sync.Mutex),
	}
}

// Accept runs the full acceptance sequence over a raw submission and its
// payload bytes. Validation, policy, integrity, and skew failures are final
// and leave no side effects; everything after the dedup probe is recoverable
// by startup reconciliation.
func (g *Gateway) Accept(ctx context.Context, rawSubmission, payload []byte) (ingest.AcceptResult, error) {
	start := g.clock.Now()
	res, sourceID, err := g.accept(ctx, rawSubmission, payload)
	metrics.ObserveGatewayDuration(g.clock.Now().Sub(start))
	if res.Status != "" {
		metrics.ObserveEnvelope(sourceID, string(res.Status))
	}
	return res, err
}

func (g *Gateway) accept(ctx context.Context, rawSubmission, payload []byte) (ingest.AcceptResult, string, error) {
	// Step 1: schema validation.
	verdict, err := envelope.Validate(rawSubmission)
	if err != nil {
		return ingest.AcceptResult{}, "", err
	}
	if !verdict.Valid {
		reason := strings.Join(verdict.Reasons, "; ")
		return rejected("validation", reason), "unknown", &ingest.ValidationError{Field: "envelope", Reason: reason}
	}
	env := verdict.Envelope
	if env.Sealed() {
		reason := "submission carries gateway-assigned fields"
		return rejected("validation", reason), env.SourceID, &ingest.ValidationError{Field: "envelope", Reason: reason}
	}

	// Step 2: registry and policy checks.
	spec, err := g.registry.Get(env.SourceID)
	if err != nil {
		perr := &ingest.PolicyError{Policy: "source", Detail: "unknown source_id"}
		return rejected(perr.Error(), ""), env.SourceID, perr
	}
	if !spec.Enabled {
		perr := &ingest.PolicyError{Policy: "source", Detail: "source is disabled"}
		return rejected(perr.Error(), ""), env.SourceID, perr
	}
	if !mimeAllowed(spec.ContentTypes, env.PayloadMeta.MimeType) {
		perr := &ingest.PolicyError{Policy: "mime", Detail: fmt.Sprintf("%q not in allow-list", env.PayloadMeta.MimeType)}
		return rejected(perr.Error(), ""), env.SourceID, perr
	}
	if env.Legal.LicenseID != spec.LicenseID {
		perr := &ingest.PolicyError{Policy: "license", Detail: fmt.Sprintf("%q is not licensed for this source", env.Legal.LicenseID)}
		return rejected(perr.Error(), ""), env.SourceID, perr
	}
	if env.PayloadMeta.SizeBytes > spec.PayloadCap() {
		perr := &ingest.PolicyError{Policy: "payload_size", Detail: fmt.Sprintf("%d exceeds cap %d", env.PayloadMeta.SizeBytes, spec.PayloadCap())}
		return rejected(perr.Error(), ""), env.SourceID, perr
	}

	// Step 3: integrity.
	actualSum, err := g.hasher.Hash(payload)
	if err != nil {
		return ingest.AcceptResult{}, env.SourceID, fmt.Errorf("hash payload: %w", err)
	}
	if int64(len(payload)) != env.PayloadMeta.SizeBytes {
		ierr := &ingest.IntegrityError{Kind: "size", Detail: fmt.Sprintf("declared %d, received %d", env.PayloadMeta.SizeBytes, len(payload))}
		return rejected("integrity", ierr.Error()), env.SourceID, ierr
	}
	if actualSum != env.PayloadMeta.Checksum.SHA256 {
		ierr := &ingest.IntegrityError{Kind: "checksum", Detail: "declared sha256 does not match payload"}
		return rejected("integrity", ierr.Error()), env.SourceID, ierr
	}

	// Step 4: skew.
	now := g.clock.Now().UTC()
	delta := now.Sub(env.Timing.FetchedAt.UTC())
	if delta < 0 {
		delta = -delta
	}
	if delta > g.cfg.SkewWindow {
		serr := &ingest.SkewError{Delta: delta, Window: g.cfg.SkewWindow}
		return rejected("skew", serr.Error()), env.SourceID, serr
	}

	unlock := g.lockKey(env.IdempotencyKey)
	defer unlock()

	// Step 5: dedup probe.
	existing, err := g.meta.DedupLookup(ctx, env.IdempotencyKey)
	if err != nil {
		return ingest.AcceptResult{}, env.SourceID, err
	}
	if existing != "" {
		return ingest.AcceptResult{Status: ingest.StatusDeduplicated, EnvelopeID: existing}, env.SourceID, nil
	}

	// Step 6: CAS write (idempotent, safe to repeat on retry).
	sum, err := g.cas.Put(ctx, payload)
	if err != nil {
		metrics.ObserveCASWrite("error", 0)
		return ingest.AcceptResult{}, env.SourceID, err
	}
	metrics.ObserveCASWrite("success", len(payload))

	// Cancellation safe point: nothing durable references the blob yet and
	// orphan CAS entries are tolerated.
	if err := ctx.Err(); err != nil {
		return ingest.AcceptResult{}, env.SourceID, fmt.Errorf("canceled before log append: %w", err)
	}

	// Step 7: seal.
	envelopeID, err := g.ids.NewID()
	if err != nil {
		return ingest.AcceptResult{}, env.SourceID, fmt.Errorf("assign envelope id: %w", err)
	}
	env.EnvelopeID = envelopeID
	env.GatewayReceivedAt = &now
	env.PayloadRef = ingest.PayloadRefPrefix + sum
	if env.Trace == nil || env.Trace.TraceID == "" {
		traceID, err := g.ids.NewID()
		if err != nil {
			return ingest.AcceptResult{}, env.SourceID, fmt.Errorf("assign trace id: %w", err)
		}
		if env.Trace == nil {
			env.Trace = &ingest.TraceMeta{}
		}
		env.Trace.TraceID = traceID
	}

	line, err := envelope.Marshal(env)
	if err != nil {
		return ingest.AcceptResult{}, env.SourceID, err
	}

	// Step 8: append to the log, fsynced.
	pos, err := g.log.Append(ctx, line)
	if err != nil {
		metrics.ObserveLogWrite("error", 0, 0)
		return ingest.AcceptResult{}, env.SourceID, err
	}
	metrics.ObserveLogWrite("success", len(line)+1, pos.ByteOffset)

	// Step 9: dedup insert. The log entry already stands; an insert failure
	// here is the crash window the startup reconciler heals, so acceptance
	// is not rolled back.
	if _, err := g.meta.DedupInsert(ctx, env.IdempotencyKey, env.EnvelopeID, now); err != nil {
		g.logger.Warn("dedup insert failed after log append; reconciler will backfill",
			zap.String("idempotency_key", env.IdempotencyKey),
			zap.String("envelope_id", env.EnvelopeID),
			zap.Error(err),
		)
	}

	g.notify(env)

	// Step 10.
	return ingest.AcceptResult{
		Status:     ingest.StatusAccepted,
		EnvelopeID: env.EnvelopeID,
		PayloadRef: env.PayloadRef,
		Position:   &pos,
	}, env.SourceID, nil
}

// notify publishes the accepted envelope id after the core commit. Failures
// are logged and ignored; durability never depends on telemetry.
func (g *Gateway) notify(env ingest.Envelope) {
	if g.publisher == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		payload := map[string]string{
			"envelope_id": env.EnvelopeID,
			"source_id":   env.SourceID,
			"payload_ref": env.PayloadRef,
		}
		if _, err := g.publisher.Publish(ctx, g.cfg.Topic, payload); err != nil {
			g.logger.Warn("post-accept publish failed", zap.String("envelope_id", env.EnvelopeID), zap.Error(err))
		}
	}()
}

func (g *Gateway) lockKey(key string) func() {
	g.mu.Lock()
	lock, ok := g.keyLocks[key]
	if !ok {
		lock = &sync.Mutex{}
		g.keyLocks[key] = lock
	}
	g.mu.Unlock()
	lock.Lock()
	return lock.Unlock
}

func rejected(reason, detail string) ingest.AcceptResult {
	full := reason
	if detail != "" {
		full = reason + ": " + detail
	}
	return ingest.AcceptResult{Status: ingest.StatusRejected, Reason: full}
}

// mimeAllowed compares the base media type against the allow-list, ignoring
// parameters like charset.
func mimeAllowed(allowed []string, mimeType string) bool {
	base := strings.TrimSpace(strings.Split(mimeType, ";")[0])
	for _, a := range allowed {
		if strings.EqualFold(strings.TrimSpace(strings.Split(a, ";")[0]), base) {
			return true
		}
	}
	return false
}
