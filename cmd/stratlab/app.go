package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"

	"stratlab/internal/api"
	"stratlab/internal/cache"
	"stratlab/internal/config"
	"stratlab/internal/database"
	"stratlab/internal/logger"
	"stratlab/internal/market"
	"stratlab/internal/monitoring"
	"stratlab/internal/orchestrator"
	"stratlab/internal/strategy/backtest"
	"stratlab/internal/strategy/block"
	"stratlab/internal/strategy/graph"
	"stratlab/internal/strategy/optimizer"
)

// App owns every long-lived component of the server
type App struct {
	cfg        *config.Config
	configPath string
	logs       *logger.LogManager
	log        logger.Logger

	db        *database.DB
	runs      *database.RunRepository
	cache     cache.Cache
	eventsRDB *redis.Client
	scheduler *orchestrator.Scheduler
	recurrer  *orchestrator.Recurrer
	server    *api.Server

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewApp wires the server from cfg. Nothing is started yet.
func NewApp(cfg *config.Config, configPath string) (app *App, err error) {
	logs := logger.NewLogManager(cfg.Logging)
	logger.SetGlobalLogger(logs.Root())

	ctx, cancel := context.WithCancel(context.Background())
	app = &App{
		cfg:        cfg,
		configPath: configPath,
		logs:       logs,
		log:        logs.Root(),
		ctx:        ctx,
		cancel:     cancel,
	}
	defer func() {
		if err != nil {
			app.closeResources()
		}
	}()

	health := map[string]api.HealthCheck{}

	var store orchestrator.RunStore
	if cfg.Storage.Enabled {
		if err := app.openStorage(); err != nil {
			return nil, err
		}
		store = app.runs
		health["database"] = app.db.HealthCheck
	}

	app.cache, err = cache.New(cfg.Redis, logs.GetLogger("cache"))
	if err != nil {
		return nil, fmt.Errorf("failed to create cache: %w", err)
	}
	health["cache"] = app.cache.HealthCheck
	var cacheStats api.CacheStats
	if cm, ok := app.cache.(*cache.CacheManager); ok {
		cacheStats = cm
	}

	var events orchestrator.EventBus = orchestrator.NewMemoryBus()
	if cfg.Redis.Enabled {
		app.eventsRDB = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		events = orchestrator.NewRedisBus(app.eventsRDB, "stratlab:runs:", logs.GetLogger("events"))
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := monitoring.NewMetrics(registry)

	var provider market.Provider = market.NewSyntheticProvider(cfg.Engine.Synthetic)
	if cfg.Engine.CacheBars {
		provider = market.NewCachedProvider(provider, app.cache, cfg.Redis.BarTTL, logs.GetLogger("market"))
	}

	executor := graph.NewExecutor(block.DefaultRegistry(), block.Deps{
		Provider: provider,
		Logger:   logs.GetLogger("engine"),
	})
	executor.OnBlockFailure(metrics.BlockFailed)
	engine := backtest.NewEngine(executor, logs.GetLogger("engine"))
	runner := orchestrator.NewBacktestRunner(engine, optimizer.NewWalkForward(engine, logs.GetLogger("walkforward")))

	app.scheduler = orchestrator.NewScheduler(cfg.Scheduler, runner, orchestrator.Options{
		Store:       store,
		StatusCache: cache.NewRunStatusCache(app.cache, cfg.Redis.StatusTTL),
		Events:      events,
		Observer:    metrics,
		Logger:      logs.GetLogger("scheduler"),
	})

	app.recurrer = orchestrator.NewRecurrer(app.scheduler, logs.GetLogger("recurring"))
	recurring, err := cfg.RecurringRuns(filepath.Dir(configPath))
	if err != nil {
		return nil, err
	}
	for _, r := range recurring {
		if err := app.recurrer.Add(r); err != nil {
			return nil, err
		}
	}

	app.server, err = api.NewServer(cfg, api.Dependencies{
		Runs:     app.scheduler,
		Executor: executor,
		Events:   events,
		Recurrer: app.recurrer,
		Metrics:  metrics,
		Gatherer: registry,
		Cache:    cacheStats,
		Health:   health,
		Logger:   logs.GetLogger("api"),
	})
	if err != nil {
		return nil, err
	}
	return app, nil
}

func (a *App) openStorage() error {
	s := a.cfg.Storage
	if s.Driver == database.DriverSQLite && s.Path != "" {
		if err := os.MkdirAll(filepath.Dir(s.Path), 0o755); err != nil {
			return fmt.Errorf("failed to create data directory: %w", err)
		}
	}

	db, err := database.NewConnection(&s.Config, a.logs.GetLogger("database"))
	if err != nil {
		return err
	}
	a.db = db

	if s.AutoMigrate {
		m, err := database.NewMigrator(db)
		if err != nil {
			return err
		}
		defer m.Close()
		if err := m.Up(); err != nil {
			return err
		}
	}
	a.runs = database.NewRunRepository(db)
	return nil
}

// Start launches background loops and the API server. It blocks until the
// server stops.
func (a *App) Start() error {
	a.recurrer.Start()

	if a.runs != nil && a.cfg.Storage.Retention > 0 {
		a.wg.Add(1)
		go a.pruneLoop()
	}

	if a.configPath != "" {
		watcher := config.NewConfigWatcher(a.configPath, 10*time.Second, a.logs.GetLogger("config"))
		watcher.AddCallback(a.applyLogLevels)
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			if err := watcher.Start(a.ctx); err != nil && !errors.Is(err, context.Canceled) {
				a.log.Warn("Configuration watcher exited", "error", err)
			}
		}()
	}

	a.log.Info("stratlab started",
		"version", a.cfg.App.Version,
		"env", a.cfg.App.Env,
		"workers", a.cfg.Scheduler.MaxConcurrentRuns,
		"storage", a.cfg.Storage.Enabled,
		"redis", a.cfg.Redis.Enabled)
	return a.server.Start()
}

// applyLogLevels is the only setting applied on reload, the rest needs a restart
func (a *App) applyLogLevels(next *config.Config) error {
	a.log.SetLevel(next.Logging.Level)
	for module, level := range next.Logging.Modules {
		a.logs.SetModuleLevel(module, level)
	}
	a.log.Info("Log levels reloaded", "level", next.Logging.Level)
	return nil
}

func (a *App) pruneLoop() {
	defer a.wg.Done()

	interval := a.cfg.Storage.PruneInterval
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		a.prune()
		select {
		case <-a.ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (a *App) prune() {
	ctx, cancel := context.WithTimeout(a.ctx, time.Minute)
	defer cancel()

	cutoff := time.Now().UTC().Add(-a.cfg.Storage.Retention)
	n, err := a.runs.PruneFinished(ctx, cutoff)
	if err != nil {
		a.log.Warn("Failed to prune finished runs", "error", err)
		return
	}
	if n > 0 {
		a.log.Info("Pruned finished runs", "count", n, "cutoff", cutoff)
	}
}

// Shutdown stops intake first, then drains the scheduler and closes stores
func (a *App) Shutdown(ctx context.Context) error {
	var errs []error

	if err := a.server.Stop(ctx); err != nil {
		errs = append(errs, err)
	}
	a.recurrer.Stop()
	if err := a.scheduler.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("scheduler stop: %w", err))
	}

	a.cancel()
	a.wg.Wait()
	a.closeResources()

	a.log.Info("stratlab stopped")
	return errors.Join(errs...)
}

func (a *App) closeResources() {
	a.cancel()
	if a.eventsRDB != nil {
		if err := a.eventsRDB.Close(); err != nil {
			a.log.Warn("Failed to close event bus client", "error", err)
		}
	}
	if a.cache != nil {
		if err := a.cache.Close(); err != nil {
			a.log.Warn("Failed to close cache", "error", err)
		}
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			a.log.Warn("Failed to close database", "error", err)
		}
	}
	a.logs.Close()
}
