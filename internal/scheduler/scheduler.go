// Package scheduler executes cadence-gated, rate-limited fetch cycles and
// submits the resulting envelopes to the gateway.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/nightowlshows/showscraper/internal/envelope"
	"github.com/nightowlshows/showscraper/internal/gateway"
	"github.com/nightowlshows/showscraper/internal/ingest"
	"github.com/nightowlshows/showscraper/internal/metrics"
	"github.com/nightowlshows/showscraper/internal/ratelimit"
	"github.com/nightowlshows/showscraper/internal/registry"
)

// Config controls scheduler behavior.
type Config struct {
	// CadenceFloor is the global minimum interval between fetches of a
	// source; a spec's cadence_floor_secs overrides it.
	CadenceFloor time.Duration
	// ThrottleBudget bounds how long one FetchOnce will sleep waiting for
	// rate-limiter tokens before giving up.
	ThrottleBudget time.Duration
}

// Options tune a single FetchOnce call.
type Options struct {
	BypassCadence bool
	// Cursor distinguishes multiple slices fetched within one logical day.
	Cursor int
}

// Scheduler drives one source through fetch, envelope build, and submit.
type Scheduler struct {
	registry *registry.Registry
	limiter  *ratelimit.Limiter
	fetcher  ingest.Fetcher
	headless ingest.Fetcher
	gateway  *gateway.Gateway
	meta     ingest.MetaStore
	hasher   ingest.Hasher
	clock    ingest.Clock
	cfg      Config
	logger   *zap.Logger
}

// New constructs a Scheduler. The headless fetcher may be nil; render_js
// sources then fail with a policy error.
func New(
	reg *registry.Registry,
	limiter *ratelimit.Limiter,
	fetcher ingest.Fetcher,
	headless ingest.Fetcher,
	gw *gateway.Gateway,
	meta ingest.MetaStore,
	hasher ingest.Hasher,
	clock ingest.Clock,
	cfg Config,
	logger *zap.Logger,
) *Scheduler {
	if cfg.ThrottleBudget <= 0 {
		cfg.ThrottleBudget = 30 * time.Second
	}
	return &Scheduler{
		registry: reg,
		limiter:  limiter,
		fetcher:  fetcher,
		headless: headless,
		gateway:  gw,
		meta:     meta,
		hasher:   hasher,
		clock:    clock,
		cfg:      cfg,
		logger:   logger,
	}
}

// FetchOnce runs a single fetch+accept cycle for the source. The cadence
// mark advances only when the gateway accepts or deduplicates; failed and
// rejected cycles leave it untouched so the next run retries.
func (s *Scheduler) FetchOnce(ctx context.Context, sourceID string, opts Options) (ingest.FetchOutcome, error) {
	spec, err := s.registry.Get(sourceID)
	if err != nil {
		return ingest.FetchOutcome{Disposition: ingest.FetchFailed, Reason: "unknown source"}, err
	}
	if !spec.Enabled {
		perr := &ingest.PolicyError{Policy: "source", Detail: "source is disabled"}
		return ingest.FetchOutcome{Disposition: ingest.FetchRejected, Reason: perr.Error()}, perr
	}

	// Cadence gate.
	if !opts.BypassCadence {
		skip, until, err := s.cadenceSkip(ctx, spec)
		if err != nil {
			return ingest.FetchOutcome{Disposition: ingest.FetchFailed, Reason: "cadence read failed"}, err
		}
		if skip {
			s.logger.Info("cadence skip",
				zap.String("source_id", sourceID),
				zap.Time("next_allowed_at", until),
			)
			return ingest.FetchOutcome{
				Disposition: ingest.FetchSkippedCadence,
				Reason:      fmt.Sprintf("fetched within cadence floor; next allowed at %s", until.Format(time.RFC3339)),
			}, nil
		}
	}

	// Rate limiter with a bounded sleep budget. No busy-wait: each miss
	// sleeps exactly the limiter's suggested delay.
	if err := s.acquireTokens(ctx, spec); err != nil {
		return ingest.FetchOutcome{Disposition: ingest.FetchFailed, Reason: err.Error()}, err
	}

	resp, err := s.fetch(ctx, spec)
	if err != nil {
		metrics.ObserveFetch(sourceID, "error", resp.Duration)
		return ingest.FetchOutcome{Disposition: ingest.FetchFailed, StatusCode: resp.StatusCode, Reason: err.Error()}, err
	}
	metrics.ObserveFetch(sourceID, "success", resp.Duration)

	fetchedAt := s.clock.Now().UTC()
	sum, err := s.hasher.Hash(resp.Body)
	if err != nil {
		return ingest.FetchOutcome{Disposition: ingest.FetchFailed, Reason: "hash failed"}, fmt.Errorf("hash payload: %w", err)
	}

	slice := ingest.DailySlice(fetchedAt)
	env := ingest.Envelope{
		EnvelopeVersion: ingest.EnvelopeVersion,
		SourceID:        spec.SourceID,
		IdempotencyKey:  ingest.IdempotencyKey(spec.SourceID, slice, opts.Cursor),
		PayloadMeta: ingest.PayloadMeta{
			SizeBytes: int64(len(resp.Body)),
			Checksum:  ingest.ChecksumMeta{SHA256: sum},
			MimeType:  resp.MimeType,
		},
		Request: ingest.RequestMeta{
			URL:          spec.Endpoint,
			Method:       spec.Method,
			StatusCode:   resp.StatusCode,
			ETag:         resp.ETag,
			LastModified: resp.LastModified,
		},
		Timing: ingest.TimingMeta{FetchedAt: fetchedAt},
		Legal:  ingest.LegalMeta{LicenseID: spec.LicenseID},
	}

	raw, err := envelope.Marshal(env)
	if err != nil {
		return ingest.FetchOutcome{Disposition: ingest.FetchFailed, Reason: "marshal failed"}, err
	}

	res, err := s.gateway.Accept(ctx, raw, resp.Body)
	if err != nil {
		if ingest.IsPermanent(err) {
			return ingest.FetchOutcome{
				Disposition: ingest.FetchRejected,
				StatusCode:  resp.StatusCode,
				Reason:      res.Reason,
			}, err
		}
		// Storage exhaustion must not be retried without operator
		// intervention; surface it as a rejection rather than a
		// transient failure.
		var sterr *ingest.StorageError
		if errors.As(err, &sterr) {
			return ingest.FetchOutcome{
				Disposition: ingest.FetchRejected,
				StatusCode:  resp.StatusCode,
				Reason:      sterr.Error(),
			}, err
		}
		return ingest.FetchOutcome{Disposition: ingest.FetchFailed, StatusCode: resp.StatusCode, Reason: err.Error()}, err
	}

	// Cadence advances only on successful acceptance (or dedup, which
	// proves the slice is already durable).
	if err := s.meta.CadenceSet(ctx, spec.SourceID, fetchedAt); err != nil {
		s.logger.Warn("cadence update failed", zap.String("source_id", sourceID), zap.Error(err))
	}

	outcome := ingest.FetchOutcome{
		EnvelopeID: res.EnvelopeID,
		PayloadRef: res.PayloadRef,
		StatusCode: resp.StatusCode,
	}
	switch res.Status {
	case ingest.StatusDeduplicated:
		outcome.Disposition = ingest.FetchDeduplicated
	default:
		outcome.Disposition = ingest.FetchAccepted
	}
	return outcome, nil
}

func (s *Scheduler) cadenceSkip(ctx context.Context, spec ingest.SourceSpec) (bool, time.Time, error) {
	last, ok, err := s.meta.CadenceGet(ctx, spec.SourceID)
	if err != nil || !ok {
		return false, time.Time{}, err
	}
	floor := s.cfg.CadenceFloor
	if spec.CadenceFloorSecs > 0 {
		floor = time.Duration(spec.CadenceFloorSecs) * time.Second
	}
	next := last.Add(floor)
	if s.clock.Now().Before(next) {
		return true, next, nil
	}
	return false, time.Time{}, nil
}

// acquireTokens sleeps on throttle up to the configured budget, then
// surfaces the throttle to the caller.
func (s *Scheduler) acquireTokens(ctx context.Context, spec ingest.SourceSpec) error {
	deadline := s.clock.Now().Add(s.cfg.ThrottleBudget)
	var waited time.Duration
	for {
		err := s.limiter.Acquire(spec)
		if err == nil {
			if waited > 0 {
				metrics.ObserveRateLimitDelay(spec.SourceID, waited)
			}
			return nil
		}
		retryAfter := ratelimit.RetryAfter(err)
		if retryAfter <= 0 {
			return err
		}
		if s.clock.Now().Add(retryAfter).After(deadline) {
			return err
		}
		select {
		case <-ctx.Done():
			return &ingest.TransientIOError{Op: "throttle wait", Err: ctx.Err()}
		case <-time.After(retryAfter):
			waited += retryAfter
		}
	}
}

func (s *Scheduler) fetch(ctx context.Context, spec ingest.SourceSpec) (ingest.FetchResponse, error) {
	req := ingest.FetchRequest{
		SourceID: spec.SourceID,
		URL:      spec.Endpoint,
		Method:   spec.Method,
		Timeout:  spec.Timeout(),
		MaxBytes: spec.PayloadCap(),
	}
	fetcher := s.fetcher
	if spec.RenderJS {
		if s.headless == nil {
			return ingest.FetchResponse{}, &ingest.PolicyError{Policy: "render_js", Detail: "headless fetching is not enabled"}
		}
		fetcher = s.headless
	}
	resp, err := fetcher.Fetch(ctx, req)
	if err != nil {
		return resp, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return resp, &ingest.TransientIOError{Op: "http fetch", Err: fmt.Errorf("status %d", resp.StatusCode)}
	}
	if resp.MimeType == "" {
		resp.MimeType = "application/octet-stream"
	}
	return resp, nil
}
