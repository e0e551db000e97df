// Package platform wires the module manager, the integration engine, the
// central store and the background loops into one running engine.
package platform

import (
	"context"
	"os"
	"time"

	"emperror.dev/errors"
	"github.com/apex/log"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"github.com/priyxstudio/franchise/cache"
	"github.com/priyxstudio/franchise/config"
	"github.com/priyxstudio/franchise/integration"
	"github.com/priyxstudio/franchise/internal/database"
	"github.com/priyxstudio/franchise/internal/metrics"
	"github.com/priyxstudio/franchise/manifest"
	"github.com/priyxstudio/franchise/modules"
	"github.com/priyxstudio/franchise/scheduler"
	"github.com/priyxstudio/franchise/store"
)

// Platform owns every long-lived service of the engine.
type Platform struct {
	Config     *config.Configuration
	DB         *gorm.DB
	Catalog    *manifest.Catalog
	Modules    *modules.Manager
	Dispatcher *integration.Dispatcher
	Engine     *integration.Engine
	Cache      cache.Cache
	Store      *store.Central
	Syncs      *scheduler.GormSyncStore
	Realtime   *scheduler.RealtimeLoop
	Batch      *scheduler.BatchLoop
	Metrics    *metrics.Collector

	db      *gorm.DB
	modules []modules.Module
	rules   []integration.Rule
	clock   func() time.Time
	logger  *log.Entry
}

// Option configures a Platform before it is built.
type Option func(*Platform)

// WithDatabase uses db instead of opening the configured database file.
func WithDatabase(db *gorm.DB) Option {
	return func(p *Platform) {
		p.db = db
	}
}

// WithModules registers module implementations with the manager.
func WithModules(m ...modules.Module) Option {
	return func(p *Platform) {
		p.modules = append(p.modules, m...)
	}
}

// WithRules registers rules in addition to those in the configured rules
// file.
func WithRules(r ...integration.Rule) Option {
	return func(p *Platform) {
		p.rules = append(p.rules, r...)
	}
}

// WithClock overrides the time source of every component.
func WithClock(fn func() time.Time) Option {
	return func(p *Platform) {
		p.clock = fn
	}
}

// New builds every service from the configuration. Nothing runs until Start
// is called.
func New(ctx context.Context, cfg *config.Configuration, opts ...Option) (*Platform, error) {
	p := &Platform{
		Config: cfg,
		clock:  time.Now,
		logger: log.WithField("component", "platform"),
	}
	for _, opt := range opts {
		opt(p)
	}

	if cfg.Metrics.Enabled {
		p.Metrics = metrics.NewCollector(cfg.Metrics.Namespace)
	}

	p.DB = p.db
	if p.DB == nil {
		db, err := database.Open(cfg.Database.Path)
		if err != nil {
			return nil, err
		}
		p.DB = db
	}

	p.Catalog = manifest.NewCatalog()
	if err := p.loadManifests(); err != nil {
		return nil, err
	}

	c, err := cache.New(ctx, cfg.Cache, p.Metrics)
	if err != nil {
		return nil, errors.WithMessage(err, "platform: failed to open result cache")
	}
	p.Cache = c

	p.Modules = modules.NewManager(p.Catalog, modules.NewGormStore(p.DB),
		modules.WithClock(p.clock),
		modules.WithMetrics(p.Metrics),
	)
	for _, m := range p.modules {
		if err := p.Modules.Register(m); err != nil {
			return nil, err
		}
	}

	p.Dispatcher = integration.NewDispatcher(cfg.Integration.Workers, p.Metrics)
	p.Engine = integration.NewEngine(p.Modules, p.Dispatcher,
		integration.WithCache(p.Cache),
		integration.WithStrictPayloads(cfg.Integration.StrictPayloads),
		integration.WithEngineClock(p.clock),
		integration.WithEngineMetrics(p.Metrics),
	)
	p.Modules.AddObserver(p.Engine)
	if err := p.loadRules(); err != nil {
		return nil, err
	}

	p.Store = store.NewCentral(p.DB, store.WithWriteRetries(cfg.Database.WriteRetries), store.WithClock(p.clock))
	store.Attach(p.Engine, p.Store)

	th := cfg.Scheduler.Thresholds
	checks := []scheduler.RealtimeOption{
		scheduler.WithRealtimeInterval(cfg.Scheduler.RealtimeIntervalDuration()),
		scheduler.WithAlertsPerMinute(cfg.Scheduler.AlertsPerMinute),
		scheduler.WithRealtimeClock(p.clock),
		scheduler.WithRealtimeMetrics(p.Metrics),
		scheduler.WithCheck(scheduler.ErrorRateCheck(p.Dispatcher, th.ErrorRate, th.MinSamples)),
		scheduler.WithCheck(scheduler.DriftCheck(p.Cache, time.Duration(th.StaleAfter)*time.Second, th.DriftScore)),
	}
	if th.MemoryPercent > 0 {
		checks = append(checks, scheduler.WithCheck(scheduler.MemoryCheck(th.MemoryPercent)))
	}
	p.Realtime = scheduler.NewRealtimeLoop(p.Engine, checks...)

	p.Syncs = scheduler.NewSyncStore(p.DB)
	p.Batch = scheduler.NewBatchLoop(p.Engine, p.Modules, p.Store, p.Syncs,
		scheduler.WithBatchInterval(cfg.Scheduler.BatchCheckIntervalDuration()),
		scheduler.WithConcurrency(cfg.Scheduler.BatchConcurrency),
		scheduler.WithLocation(cfg.Location()),
		scheduler.WithBatchClock(p.clock),
		scheduler.WithBatchMetrics(p.Metrics),
	)
	return p, nil
}

func (p *Platform) loadManifests() error {
	dir := p.Config.Catalog.ManifestDirectory
	if dir == "" {
		return nil
	}
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		p.logger.WithField("directory", dir).Warn("manifest directory does not exist, catalog is empty")
		return nil
	}
	_, err := p.Catalog.LoadDirectory(dir)
	return errors.WithMessage(err, "platform: failed to load manifests")
}

func (p *Platform) loadRules() error {
	rules := p.rules
	if path := p.Config.Integration.RulesFile; path != "" {
		if _, err := os.Stat(path); os.IsNotExist(err) {
			p.logger.WithField("path", path).Warn("rules file does not exist, no rules loaded from disk")
		} else {
			fromFile, err := integration.LoadRules(path)
			if err != nil {
				return errors.WithMessage(err, "platform: failed to load rules")
			}
			rules = append(fromFile, rules...)
		}
	}
	for _, r := range rules {
		if err := p.Engine.RegisterRule(r); err != nil {
			return err
		}
	}
	p.logger.WithField("count", len(rules)).Info("registered integration rules")
	return nil
}

// Start restores activated modules and starts both background loops.
func (p *Platform) Start(ctx context.Context) error {
	if err := p.Modules.Restore(ctx); err != nil {
		return errors.WithMessage(err, "platform: failed to restore modules")
	}

	var g errgroup.Group
	g.Go(func() error {
		return p.Realtime.Start(ctx)
	})
	g.Go(func() error {
		return p.Batch.Start(ctx)
	})
	if err := g.Wait(); err != nil {
		p.stopLoops()
		return err
	}
	p.logger.Info("platform started")
	return nil
}

// Stop stops the loops, waits for queued handler jobs and closes the cache
// and database.
func (p *Platform) Stop() error {
	err := p.stopLoops()
	p.Dispatcher.Stop()

	if cerr := p.Cache.Close(); cerr != nil {
		err = errors.Append(err, cerr)
	}
	if sqlDB, derr := p.DB.DB(); derr == nil {
		if cerr := sqlDB.Close(); cerr != nil {
			err = errors.Append(err, cerr)
		}
	}
	p.logger.Info("platform stopped")
	return err
}

func (p *Platform) stopLoops() error {
	var g errgroup.Group
	g.Go(func() error {
		p.Realtime.Stop()
		return nil
	})
	g.Go(p.Batch.Stop)
	return g.Wait()
}

// LoopStatus reports the state of both background loops.
func (p *Platform) LoopStatus() []scheduler.Status {
	return []scheduler.Status{p.Realtime.Status(), p.Batch.Status()}
}
