// Package app initializes and holds long-lived application services, acting
// as a dependency injection container.
package app

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/tomhaitao/LibreCrawl/internal/blob"
	"github.com/tomhaitao/LibreCrawl/internal/clock/system"
	"github.com/tomhaitao/LibreCrawl/internal/config"
	"github.com/tomhaitao/LibreCrawl/internal/crawl"
	"github.com/tomhaitao/LibreCrawl/internal/engine"
	"github.com/tomhaitao/LibreCrawl/internal/id/uuid"
	"github.com/tomhaitao/LibreCrawl/internal/lifecycle"
	"github.com/tomhaitao/LibreCrawl/internal/metrics"
	"github.com/tomhaitao/LibreCrawl/internal/publisher/memory"
	"github.com/tomhaitao/LibreCrawl/internal/publisher/noop"
	"github.com/tomhaitao/LibreCrawl/internal/publisher/pubsub"
	"github.com/tomhaitao/LibreCrawl/internal/session"
	memstore "github.com/tomhaitao/LibreCrawl/internal/store/memory"
	"github.com/tomhaitao/LibreCrawl/internal/store/postgres"
	"github.com/tomhaitao/LibreCrawl/internal/store/sqlite"
)

// App holds the shared, long-lived services: the checkpoint store, cursor
// blob store, event publisher, session registry, and lifecycle supervisor.
// It is built once at startup and torn down by Close.
type App struct {
	logger     *zap.Logger
	store      crawl.Store
	blobs      crawl.BlobStore
	publisher  crawl.Publisher
	registry   *session.Registry
	supervisor *lifecycle.Supervisor
}

// Registry returns the session registry.
func (a *App) Registry() *session.Registry {
	return a.registry
}

// Supervisor returns the lifecycle supervisor.
func (a *App) Supervisor() *lifecycle.Supervisor {
	return a.supervisor
}

// Store exposes the checkpoint store.
func (a *App) Store() crawl.Store {
	return a.store
}

// Logger returns the shared zap logger.
func (a *App) Logger() *zap.Logger {
	return a.logger
}

// New builds the service graph from configuration. It fails fast when any
// backend cannot be reached.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger) (*App, error) {
	logger.Info("initializing services")
	metrics.Init()

	store, err := newStore(ctx, cfg.Store)
	if err != nil {
		return nil, err
	}

	blobs, err := newBlobStore(ctx, cfg.Blob)
	if err != nil {
		store.Close()
		return nil, err
	}

	pub, err := newPublisher(ctx, cfg.Publisher)
	if err != nil {
		store.Close()
		return nil, err
	}

	clk := system.New()
	idGen := uuid.NewUUIDGenerator()

	factory := engine.NewFactory(engine.Config{
		FlushInterval: cfg.Engine.FlushInterval,
		FlushBatch:    cfg.Engine.FlushBatch,
		Persistence:   cfg.Engine.Persistence,
		CursorPrefix:  cfg.Blob.Prefix,
	}, store, blobs, nil, clk, idGen, logger)

	registry := session.NewRegistry(session.Config{
		StopTimeout:  cfg.Lifecycle.StopTimeout,
		CursorPrefix: cfg.Blob.Prefix,
	}, factory, store, blobs, clk, logger)

	supervisor := lifecycle.NewSupervisor(lifecycle.Config{
		SweepInterval:    cfg.Lifecycle.SweepInterval,
		IdleThreshold:    cfg.Lifecycle.IdleThreshold,
		StopTimeout:      cfg.Lifecycle.StopTimeout,
		DrainEntryBudget: cfg.Lifecycle.DrainEntryBudget,
	}, registry, store, pub, clk, logger)

	logger.Info("services initialized",
		zap.String("store", cfg.Store.Provider),
		zap.String("blob", cfg.Blob.Provider),
		zap.String("publisher", cfg.Publisher.Provider))

	return &App{
		logger:     logger,
		store:      store,
		blobs:      blobs,
		publisher:  pub,
		registry:   registry,
		supervisor: supervisor,
	}, nil
}

func newStore(ctx context.Context, cfg config.StoreConfig) (crawl.Store, error) {
	switch cfg.Provider {
	case "memory":
		return memstore.NewStore(), nil
	case "sqlite":
		st, err := sqlite.NewStore(cfg.SQLite.Path)
		if err != nil {
			return nil, fmt.Errorf("initialize sqlite store: %w", err)
		}
		return st, nil
	case "postgres":
		st, err := postgres.NewStore(ctx, postgres.Config{
			DSN:      cfg.Postgres.DSN,
			MaxConns: cfg.Postgres.MaxConns,
		})
		if err != nil {
			return nil, fmt.Errorf("initialize postgres store: %w", err)
		}
		return st, nil
	default:
		return nil, fmt.Errorf("unknown store provider: %s", cfg.Provider)
	}
}

func newBlobStore(ctx context.Context, cfg config.BlobConfig) (crawl.BlobStore, error) {
	switch cfg.Provider {
	case "memory":
		return blob.NewMemory(), nil
	case "local":
		bs, err := blob.NewLocal(cfg.LocalDir)
		if err != nil {
			return nil, fmt.Errorf("initialize local blob store: %w", err)
		}
		return bs, nil
	case "gcs":
		bs, err := blob.NewGCS(ctx, cfg.GCSBucket)
		if err != nil {
			return nil, fmt.Errorf("initialize gcs blob store: %w", err)
		}
		return bs, nil
	default:
		return nil, fmt.Errorf("unknown blob provider: %s", cfg.Provider)
	}
}

func newPublisher(ctx context.Context, cfg config.PublisherConfig) (crawl.Publisher, error) {
	switch cfg.Provider {
	case "noop":
		return noop.New(), nil
	case "memory":
		return memory.New(), nil
	case "pubsub":
		p, err := pubsub.New(ctx, cfg.ProjectID, cfg.Topic)
		if err != nil {
			return nil, fmt.Errorf("initialize pubsub publisher: %w", err)
		}
		return p, nil
	default:
		return nil, fmt.Errorf("unknown publisher provider: %s", cfg.Provider)
	}
}

// Close tears down the service graph in reverse dependency order.
func (a *App) Close() {
	a.logger.Info("shutting down services")
	if err := a.publisher.Close(); err != nil {
		a.logger.Warn("closing publisher", zap.Error(err))
	}
	if err := a.store.Close(); err != nil {
		a.logger.Warn("closing store", zap.Error(err))
	}
	if err := a.logger.Sync(); err != nil {
		// Best effort; stderr sync commonly fails on some platforms.
		_ = err
	}
}
