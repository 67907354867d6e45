package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/afero"

	"github.com/compozy/flow/engine/action"
	"github.com/compozy/flow/engine/cache"
	"github.com/compozy/flow/engine/infra/monitoring"
	"github.com/compozy/flow/engine/router"
	"github.com/compozy/flow/engine/trace"
	"github.com/compozy/flow/pkg/config"
	"github.com/compozy/flow/pkg/logger"
)

// app wires the engine and its process lifecycle: metrics, span export, the
// cache snapshot and configuration reloads.
type app struct {
	cfg         *config.Config
	engine      *router.Engine
	monitoring  *monitoring.Service
	tracing     *monitoring.Tracing
	store       *cache.Store
	unsubscribe func()
}

func newApp(ctx context.Context, manager *config.Manager, fs afero.Fs, diag io.Writer) (*app, error) {
	log := logger.FromContext(ctx)
	cfg := manager.Get()
	if cfg == nil {
		cfg = config.Default()
	}
	a := &app{cfg: cfg}
	registry := action.NewRegistry()
	if err := action.RegisterBuiltins(registry); err != nil {
		return nil, err
	}
	a.monitoring = monitoring.NewServiceWithFallback(ctx, &monitoring.Config{
		Enabled: cfg.Monitoring.Enabled,
		Path:    cfg.Monitoring.Path,
		Addr:    cfg.Monitoring.Addr,
	})
	if a.monitoring.IsInitialized() {
		a.monitoring.SetAsGlobal()
		if _, err := a.monitoring.Serve(ctx); err != nil {
			log.Warn("Metrics endpoint unavailable", "error", err)
		}
	}
	opts := []router.Option{router.WithInstruments(a.monitoring.Instruments())}
	if cfg.Engine.Trace {
		opts = append(opts, router.WithObservers(trace.NewLogObserver(diag)))
	}
	if cfg.Monitoring.Tracing {
		tracing, err := monitoring.NewTracing(ctx, diag)
		if err != nil {
			return nil, err
		}
		a.tracing = tracing
		opts = append(opts, router.WithObservers(trace.NewSpanObserver(tracing.Provider())))
	}
	if cfg.Cache.Enabled {
		c, err := cache.New(cfg.Cache.Size)
		if err != nil {
			return nil, err
		}
		if cfg.Cache.Persist {
			a.store = cache.NewStore(fs, cfg.Cache.SnapshotPath)
			n, err := a.store.Load(ctx, c)
			if err != nil {
				log.Warn("Failed to load cache snapshot", "path", cfg.Cache.SnapshotPath, "error", err)
			} else {
				log.Debug("Loaded cache snapshot", "path", cfg.Cache.SnapshotPath, "entries", n)
			}
		}
		opts = append(opts, router.WithCache(c))
	}
	engine, err := router.New(registry, cfg, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create engine: %w", err)
	}
	a.engine = engine
	a.unsubscribe = manager.OnChange(func(next *config.Config) {
		engine.Reconfigure(ctx, next)
	})
	return a, nil
}

// Close saves the cache snapshot and flushes telemetry. Every step is
// best-effort.
func (a *app) Close(ctx context.Context) {
	log := logger.FromContext(ctx)
	ctx = context.WithoutCancel(ctx)
	if a.unsubscribe != nil {
		a.unsubscribe()
	}
	if a.store != nil && a.engine.Cache() != nil {
		if err := a.store.Save(ctx, a.engine.Cache()); err != nil {
			log.Warn("Failed to save cache snapshot", "path", a.store.Path(), "error", err)
		}
	}
	a.engine.Close()
	if err := a.tracing.Shutdown(ctx); err != nil {
		log.Warn("Failed to flush spans", "error", err)
	}
	if err := a.monitoring.Shutdown(ctx); err != nil {
		log.Warn("Failed to stop metrics", "error", err)
	}
}
