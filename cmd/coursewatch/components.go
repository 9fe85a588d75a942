package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"coursewatch/internal/cache"
	"coursewatch/internal/config"
	"coursewatch/internal/digest"
	"coursewatch/internal/lifecycle"
	"coursewatch/internal/lmsclient"
	"coursewatch/internal/moodleapi"
	"coursewatch/internal/pipeline"
	"coursewatch/internal/plugin"
	"coursewatch/internal/scheduler"
	"coursewatch/internal/storage"
	"coursewatch/internal/workerpool"
)

// Capability tags shared across components.
const (
	capDB     lifecycle.Capability = "storage.DB"
	capLMS    lifecycle.Capability = "lms.Client"
	capDigest lifecycle.Capability = "digest.Store"
	capCache  lifecycle.Capability = "cache.Store"
	capPool   lifecycle.Capability = "workerpool.Pool"
	capConfig lifecycle.Capability = "config.Watcher"
)

// configWatcherComponent runs the config file watcher for the lifetime of
// the process, publishing fresh snapshots that schedulerComponent and
// pipelineComponent read from at the top of every tick/pass.
type configWatcherComponent struct {
	store   *config.FileStore
	initial *config.Config
	logger  *slog.Logger
}

func (c *configWatcherComponent) Name() string                    { return "config-watcher" }
func (c *configWatcherComponent) Requires() []lifecycle.Capability { return nil }
func (c *configWatcherComponent) Provides() []lifecycle.Capability {
	return []lifecycle.Capability{capConfig}
}

func (c *configWatcherComponent) Start(ctx context.Context, bus *lifecycle.Bus) (lifecycle.Handle, error) {
	w := config.NewWatcher(c.store, c.initial, c.logger)
	if err := bus.Register(capConfig, w); err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(runCtx) }()
	return &runLoopHandle{cancel: cancel, done: done}, nil
}

type storageComponent struct {
	path string
}

func (c *storageComponent) Name() string                    { return "storage" }
func (c *storageComponent) Requires() []lifecycle.Capability { return nil }
func (c *storageComponent) Provides() []lifecycle.Capability {
	return []lifecycle.Capability{capDB}
}

type storageHandle struct{ db *sql.DB }

func (h *storageHandle) Stop(ctx context.Context) error { return h.db.Close() }

func (c *storageComponent) Start(ctx context.Context, bus *lifecycle.Bus) (lifecycle.Handle, error) {
	db, err := storage.Open(ctx, c.path)
	if err != nil {
		return nil, err
	}
	if err := bus.Register(capDB, db); err != nil {
		db.Close()
		return nil, err
	}
	return &storageHandle{db: db}, nil
}

type lmsComponent struct {
	cfg lmsclient.Config
}

func (c *lmsComponent) Name() string                     { return "lms" }
func (c *lmsComponent) Requires() []lifecycle.Capability { return nil }
func (c *lmsComponent) Provides() []lifecycle.Capability {
	return []lifecycle.Capability{capLMS}
}

type noopHandle struct{}

func (noopHandle) Stop(ctx context.Context) error { return nil }

func (c *lmsComponent) Start(ctx context.Context, bus *lifecycle.Bus) (lifecycle.Handle, error) {
	client := lmsclient.New(c.cfg)
	if err := bus.Register(capLMS, client); err != nil {
		return nil, err
	}
	return noopHandle{}, nil
}

// repositoriesComponent builds the digest and cache repositories over the
// already-opened database. It does nothing at Stop — the storage component
// owns the connection's lifetime.
type repositoriesComponent struct{}

func (c *repositoriesComponent) Name() string                    { return "repositories" }
func (c *repositoriesComponent) Requires() []lifecycle.Capability { return []lifecycle.Capability{capDB} }
func (c *repositoriesComponent) Provides() []lifecycle.Capability {
	return []lifecycle.Capability{capDigest, capCache}
}

func (c *repositoriesComponent) Start(ctx context.Context, bus *lifecycle.Bus) (lifecycle.Handle, error) {
	raw, err := bus.Get(capDB)
	if err != nil {
		return nil, err
	}
	db := raw.(*sql.DB)
	if err := bus.Register(capDigest, digest.New(db)); err != nil {
		return nil, err
	}
	if err := bus.Register(capCache, cache.New(db)); err != nil {
		return nil, err
	}
	return noopHandle{}, nil
}

// workerPoolComponent owns the digest extraction/comparison worker pool.
type workerPoolComponent struct {
	workers  int
	settings map[string]map[string]any
}

func (c *workerPoolComponent) Name() string                    { return "workerpool" }
func (c *workerPoolComponent) Requires() []lifecycle.Capability { return nil }
func (c *workerPoolComponent) Provides() []lifecycle.Capability {
	return []lifecycle.Capability{capPool}
}

type workerPoolHandle struct{ pool *workerpool.Pool }

func (h *workerPoolHandle) Stop(ctx context.Context) error {
	h.pool.Close()
	return nil
}

func (c *workerPoolComponent) Start(ctx context.Context, bus *lifecycle.Bus) (lifecycle.Handle, error) {
	pool, err := workerpool.New(c.workers, c.settings)
	if err != nil {
		return nil, err
	}
	if err := bus.Register(capPool, pool); err != nil {
		return nil, err
	}
	return &workerPoolHandle{pool: pool}, nil
}

// pipelineComponent runs the extraction/comparison pass loop for the
// lifetime of the process.
type pipelineComponent struct {
	cfg             pipeline.Config
	refreshInterval time.Duration
	logger          *slog.Logger
}

func (c *pipelineComponent) Name() string { return "pipeline" }
func (c *pipelineComponent) Requires() []lifecycle.Capability {
	return []lifecycle.Capability{capDigest, capLMS, capPool, capConfig}
}
func (c *pipelineComponent) Provides() []lifecycle.Capability { return nil }

type runLoopHandle struct {
	cancel context.CancelFunc
	done   chan error
}

func (h *runLoopHandle) Stop(ctx context.Context) error {
	h.cancel()
	select {
	case err := <-h.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *pipelineComponent) Start(ctx context.Context, bus *lifecycle.Bus) (lifecycle.Handle, error) {
	rawDigest, err := bus.Get(capDigest)
	if err != nil {
		return nil, err
	}
	rawLMS, err := bus.Get(capLMS)
	if err != nil {
		return nil, err
	}
	rawPool, err := bus.Get(capPool)
	if err != nil {
		return nil, err
	}
	rawConfig, err := bus.Get(capConfig)
	if err != nil {
		return nil, err
	}

	p := pipeline.New(rawDigest.(*digest.Store), rawLMS.(*lmsclient.Client), rawPool.(*workerpool.Pool), c.logger, c.cfg, rawConfig.(*config.Watcher))

	runCtx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(runCtx, c.refreshInterval) }()
	return &runLoopHandle{cancel: cancel, done: done}, nil
}

// schedulerComponent runs the monitoring scheduler for the lifetime of the
// process.
type schedulerComponent struct {
	cfg    scheduler.Config
	logger *slog.Logger
}

func (c *schedulerComponent) Name() string { return "scheduler" }
func (c *schedulerComponent) Requires() []lifecycle.Capability {
	return []lifecycle.Capability{capCache, capLMS, capConfig}
}
func (c *schedulerComponent) Provides() []lifecycle.Capability { return nil }

func (c *schedulerComponent) Start(ctx context.Context, bus *lifecycle.Bus) (lifecycle.Handle, error) {
	rawCache, err := bus.Get(capCache)
	if err != nil {
		return nil, err
	}
	rawLMS, err := bus.Get(capLMS)
	if err != nil {
		return nil, err
	}
	rawConfig, err := bus.Get(capConfig)
	if err != nil {
		return nil, err
	}

	lms := moodleapi.New(rawLMS.(*lmsclient.Client))
	s, err := scheduler.New(lms, rawCache.(*cache.Store), c.logger, c.cfg, rawConfig.(*config.Watcher))
	if err != nil {
		return nil, fmt.Errorf("build scheduler: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(runCtx) }()
	return &runLoopHandle{cancel: cancel, done: done}, nil
}

// schedulerConfigFrom converts the persisted SchedulerConfig into the
// durations scheduler.Config expects.
func schedulerConfigFrom(cfg *config.Config) scheduler.Config {
	course, assignment, active, deadline, before, after := cfg.Scheduler.Durations()
	return scheduler.Config{
		CourseCadence:               course,
		AssignmentCadence:           assignment,
		ActiveSubmissionCadence:     active,
		DeadlineSubmissionCadence:   deadline,
		AssignmentBatchSize:         cfg.Scheduler.AssignmentBatchSize,
		ActiveSubmissionBatchSize:   cfg.Scheduler.ActiveSubmissionBatchSize,
		DeadlineSubmissionBatchSize: cfg.Scheduler.DeadlineSubmissionBatchSize,
		DeltaBefore:                 before,
		DeltaAfter:                  after,
		WakeupInterval:              cfg.WakeupInterval(),
	}
}

// pipelineConfigFrom converts cfg's recognized options into pipeline.Config,
// resolving the live set of digest types from the registered plugins.
func pipelineConfigFrom(cfg *config.Config) (pipeline.Config, error) {
	types, err := plugin.DigestTypes(cfg.PluginSettings)
	if err != nil {
		return pipeline.Config{}, err
	}
	return pipeline.Config{
		DigestTypes:      types,
		BatchSize:        cfg.DigestBatchSize,
		IgnoreOlderThan:  cfg.IgnoreFilesOlderThan(),
		IgnoreLargerThan: cfg.IgnoreFilesLargerThan,
	}, nil
}
