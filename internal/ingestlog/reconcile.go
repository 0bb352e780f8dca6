package ingestlog

import (
	"context"
	"encoding/json"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/nightowlshows/showscraper/internal/ingest"
	"github.com/nightowlshows/showscraper/internal/metrics"
)

// Reconciler heals the crash window between log append and dedup insert.
// On startup it scans the log tail from the last checkpoint and backfills
// any missing (idempotency_key -> envelope_id) rows; the log is
// authoritative, the index is derived. The whole pass is idempotent.
type Reconciler struct {
	dir    string
	meta   ingest.MetaStore
	logger *zap.Logger
}

// NewReconciler creates a reconciler over dir (<data_root>/ingest_log).
func NewReconciler(dir string, meta ingest.MetaStore, logger *zap.Logger) *Reconciler {
	return &Reconciler{dir: dir, meta: meta, logger: logger}
}

// reconcileEntry is the subset of an envelope line the reconciler needs.
type reconcileEntry struct {
	EnvelopeID        string    `json:"envelope_id"`
	IdempotencyKey    string    `json:"idempotency_key"`
	GatewayReceivedAt time.Time `json:"gateway_received_at"`
}

// Run scans forward from the checkpoint, reinserting missing dedup rows,
// then writes a new checkpoint at the scanned end.
func (r *Reconciler) Run(ctx context.Context) error {
	reader := &Reader{dir: r.dir, meta: r.meta}
	dates, err := reader.fileDates()
	if err != nil {
		return err
	}
	if len(dates) == 0 {
		return nil
	}

	pos, ok, err := r.meta.CheckpointGet(ctx)
	if err != nil {
		return err
	}
	if !ok || pos.FileDate < dates[0] {
		pos = ingest.LogPosition{FileDate: dates[0], ByteOffset: 0}
	}

	var backfilled, scanned int
	for {
		recs, err := readFrom(logFilePath(r.dir, pos.FileDate), pos, 1024)
		if err != nil {
			return err
		}
		for _, rec := range recs {
			scanned++
			n, err := r.backfill(ctx, rec.Line)
			if err != nil {
				return err
			}
			backfilled += n
			pos = rec.Position
		}
		if len(recs) > 0 {
			continue
		}
		next := nextDate(dates, pos.FileDate)
		if next == "" {
			break
		}
		pos = ingest.LogPosition{FileDate: next, ByteOffset: 0}
	}

	if err := r.meta.CheckpointSet(ctx, pos); err != nil {
		return err
	}
	if backfilled > 0 {
		metrics.ObserveReconcileBackfill(backfilled)
		r.logger.Info("reconciled dedup index from ingest log",
			zap.Int("scanned", scanned),
			zap.Int("backfilled", backfilled),
			zap.String("file_date", pos.FileDate),
			zap.Int64("byte_offset", pos.ByteOffset),
		)
	}
	return nil
}

func (r *Reconciler) backfill(ctx context.Context, line string) (int, error) {
	var entry reconcileEntry
	if err := json.Unmarshal([]byte(line), &entry); err != nil {
		// A malformed line cannot be healed; log and keep scanning.
		r.logger.Warn("skip malformed log line during reconcile", zap.Error(err))
		return 0, nil
	}
	if entry.EnvelopeID == "" || entry.IdempotencyKey == "" {
		return 0, nil
	}
	existing, err := r.meta.DedupLookup(ctx, entry.IdempotencyKey)
	if err != nil {
		return 0, err
	}
	if existing != "" {
		return 0, nil
	}
	firstSeen := entry.GatewayReceivedAt
	if firstSeen.IsZero() {
		firstSeen = time.Now().UTC()
	}
	if _, err := r.meta.DedupInsert(ctx, entry.IdempotencyKey, entry.EnvelopeID, firstSeen); err != nil {
		return 0, err
	}
	return 1, nil
}

func logFilePath(dir, fileDate string) string {
	return filepath.Join(dir, FileName(fileDate))
}
