// Package app is the composition root: it builds the ingestion core from
// configuration and owns teardown of every process-wide resource.
package app

import (
	"context"
	"fmt"
	"path/filepath"

	gcpubsub "cloud.google.com/go/pubsub"
	gcstorage "cloud.google.com/go/storage"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/nightowlshows/showscraper/internal/api"
	casgcs "github.com/nightowlshows/showscraper/internal/cas/gcs"
	caslocal "github.com/nightowlshows/showscraper/internal/cas/local"
	"github.com/nightowlshows/showscraper/internal/clock/system"
	"github.com/nightowlshows/showscraper/internal/config"
	collyfetcher "github.com/nightowlshows/showscraper/internal/fetcher/colly"
	"github.com/nightowlshows/showscraper/internal/fetcher/headless"
	"github.com/nightowlshows/showscraper/internal/gateway"
	"github.com/nightowlshows/showscraper/internal/hash/sha256"
	"github.com/nightowlshows/showscraper/internal/id/uuid"
	"github.com/nightowlshows/showscraper/internal/ingest"
	"github.com/nightowlshows/showscraper/internal/ingestlog"
	"github.com/nightowlshows/showscraper/internal/logging"
	metapostgres "github.com/nightowlshows/showscraper/internal/metastore/postgres"
	metasqlite "github.com/nightowlshows/showscraper/internal/metastore/sqlite"
	"github.com/nightowlshows/showscraper/internal/metrics"
	pubpubsub "github.com/nightowlshows/showscraper/internal/publisher/pubsub"
	"github.com/nightowlshows/showscraper/internal/ratelimit"
	"github.com/nightowlshows/showscraper/internal/registry"
	"github.com/nightowlshows/showscraper/internal/scheduler"
)

// App holds the wired ingestion core.
type App struct {
	Config    config.Config
	Logger    *zap.Logger
	Registry  *registry.Registry
	Meta      ingest.MetaStore
	CAS       ingest.CAS
	Appender  *ingestlog.Appender
	Reader    *ingestlog.Reader
	Gateway   *gateway.Gateway
	Scheduler *scheduler.Scheduler
	Server    *api.Server

	closers []func() error
}

// New builds the application. Startup runs the log/dedup reconciler before
// any accept can happen, so the crash window left by a previous run is
// healed first.
func New(ctx context.Context, cfg config.Config) (*App, error) {
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		return nil, err
	}

	metrics.Init()

	reg, err := registry.Load(cfg.RegistryDir)
	if err != nil {
		return nil, fmt.Errorf("load source registry: %w", err)
	}

	a := &App{Config: cfg, Logger: logger, Registry: reg}

	if err := a.wireMeta(ctx, cfg); err != nil {
		return nil, err
	}
	if err := a.wireCAS(ctx, cfg); err != nil {
		a.Close()
		return nil, err
	}

	clk := system.New()
	logDir := filepath.Join(cfg.DataRoot, "ingest_log")
	appender, err := ingestlog.NewAppender(logDir, clk, logger)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.Appender = appender
	a.closers = append(a.closers, appender.Close)
	a.Reader = ingestlog.NewReader(logDir, a.Meta)

	if err := ingestlog.NewReconciler(logDir, a.Meta, logger).Run(ctx); err != nil {
		a.Close()
		return nil, fmt.Errorf("startup reconciliation: %w", err)
	}

	var publisher ingest.Publisher
	if cfg.PubSub.ProjectID != "" && cfg.PubSub.Topic != "" {
		client, err := gcpubsub.NewClient(ctx, cfg.PubSub.ProjectID)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("pubsub client: %w", err)
		}
		pub, err := pubpubsub.New(client, cfg.PubSub.Topic)
		if err != nil {
			a.Close()
			return nil, err
		}
		publisher = pub
		a.closers = append(a.closers, func() error {
			pub.Close()
			return client.Close()
		})
	}

	hasher := sha256.New()
	ids := uuid.New()

	a.Gateway = gateway.New(
		reg, a.CAS, a.Meta, appender, hasher, clk, ids, publisher,
		gateway.Config{SkewWindow: cfg.SkewWindow(), Topic: cfg.PubSub.Topic},
		logger,
	)

	httpFetcher := collyfetcher.New(collyfetcher.Config{
		UserAgent: cfg.HTTP.UserAgent,
		Timeout:   cfg.HTTPTimeout(),
	})
	var headlessFetcher ingest.Fetcher
	if cfg.Headless.Enabled {
		hf, err := headless.New(headless.Config{
			MaxParallel:       cfg.Headless.MaxParallel,
			UserAgent:         cfg.HTTP.UserAgent,
			NavigationTimeout: cfg.HeadlessNavTimeout(),
		})
		if err != nil {
			a.Close()
			return nil, err
		}
		headlessFetcher = hf
		a.closers = append(a.closers, func() error { hf.Close(); return nil })
	}

	a.Scheduler = scheduler.New(
		reg, ratelimit.New(), httpFetcher, headlessFetcher, a.Gateway, a.Meta, hasher, clk,
		scheduler.Config{CadenceFloor: cfg.CadenceFloor()},
		logger,
	)

	a.Server = api.New(cfg.Server.Port, logger)
	return a, nil
}

func (a *App) wireMeta(ctx context.Context, cfg config.Config) error {
	switch cfg.Meta.Backend {
	case "postgres":
		pool, err := pgxpool.New(ctx, cfg.Meta.DSN)
		if err != nil {
			return fmt.Errorf("open postgres meta store: %w", err)
		}
		store := metapostgres.New(pool, func() error { pool.Close(); return nil })
		if err := store.Bootstrap(ctx); err != nil {
			pool.Close()
			return err
		}
		a.Meta = store
	default:
		store, err := metasqlite.OpenAtRoot(cfg.DataRoot)
		if err != nil {
			return err
		}
		a.Meta = store
	}
	a.closers = append(a.closers, a.Meta.Close)
	return nil
}

func (a *App) wireCAS(ctx context.Context, cfg config.Config) error {
	switch cfg.Storage.Backend {
	case "gcs":
		client, err := gcstorage.NewClient(ctx)
		if err != nil {
			return fmt.Errorf("gcs client: %w", err)
		}
		store, err := casgcs.New(client, casgcs.Config{Bucket: cfg.Storage.GCSBucket, Prefix: cfg.Storage.GCSPrefix})
		if err != nil {
			_ = client.Close()
			return err
		}
		a.CAS = store
		a.closers = append(a.closers, client.Close)
	default:
		store, err := caslocal.New(filepath.Join(cfg.DataRoot, "cas"))
		if err != nil {
			return err
		}
		a.CAS = store
	}
	return nil
}

// Close tears down in reverse acquisition order. Safe to call more than
// once and on a partially built app.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil && a.Logger != nil {
			a.Logger.Warn("close resource", zap.Error(err))
		}
	}
	a.closers = nil
	if a.Logger != nil {
		_ = a.Logger.Sync()
	}
}
