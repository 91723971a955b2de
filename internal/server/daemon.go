// Copyright 2025 The Spine Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package server

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/spinehq/spine/internal/clock"
	"github.com/spinehq/spine/internal/config"
	"github.com/spinehq/spine/internal/dispatch"
	"github.com/spinehq/spine/internal/dlq"
	"github.com/spinehq/spine/internal/engine"
	"github.com/spinehq/spine/internal/guard"
	"github.com/spinehq/spine/internal/ledger"
	"github.com/spinehq/spine/internal/queue"
	"github.com/spinehq/spine/internal/registry"
	"github.com/spinehq/spine/internal/repo"
	"github.com/spinehq/spine/internal/schedule"
	"github.com/spinehq/spine/internal/storage"
	"github.com/spinehq/spine/internal/tracing"
	"github.com/spinehq/spine/internal/watcher"
)

// DaemonOptions carries build metadata and switches main wires in.
type DaemonOptions struct {
	Version string

	// Workers is how many queue workers to run. Zero means 2.
	Workers int

	// Tracing configures span export; disabled by default.
	Tracing tracing.Config
}

// Daemon hosts everything spined runs: the REST API, the scheduler,
// the queue workers, and the workflow directory watcher.
type Daemon struct {
	cfg    *config.Config
	opts   DaemonOptions
	log    *slog.Logger
	db     *storage.DB
	traces *tracing.Provider

	registry  *registry.Registry
	scheduler *schedule.Scheduler
	queue     *queue.Queue
	watcher   *watcher.Watcher
	server    *Server
}

// NewDaemon wires the full service graph from configuration. The
// caller owns the returned daemon and must Run it.
func NewDaemon(cfg *config.Config, opts DaemonOptions, logger *slog.Logger) (*Daemon, error) {
	db, err := storage.Open(cfg.DatabaseURL, storage.Options{PoolSize: cfg.PoolSize})
	if err != nil {
		return nil, fmt.Errorf("opening storage: %w", err)
	}
	if err := db.Migrate(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrating schema: %w", err)
	}

	traces, err := tracing.NewProvider(opts.Tracing)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing tracing: %w", err)
	}

	clk := clock.NewWall()
	reg := registry.New()
	led := ledger.New(repo.NewExecutions(db), clk, logger)
	grd := guard.New(repo.NewLocks(db), clk, logger)
	d := dispatch.New(reg, led, grd, clk, logger)
	// With the DLQ feature off, exhausted items stay FAILED and no
	// dead letter is captured; the queue treats a nil manager as off.
	var letters *dlq.Manager
	if cfg.EnableDLQ {
		letters = dlq.New(repo.NewDeadLetters(db), d, clk, logger)
	}
	history := repo.NewWorkflowRuns(db)
	runner := engine.NewRunner(d, history, clk, logger)
	backoff := queue.Backoff{Base: cfg.RetryBase, Ceiling: cfg.RetryCeiling}
	q := queue.New(repo.NewWorkItems(db), d, letters, backoff, clk, logger)

	schedules := repo.NewSchedules(db)
	scheduler := schedule.NewScheduler(schedules, repo.NewExecutions(db), reg, d, runner,
		clk, logger, instanceID(), cfg.SchedulerTick, cfg.SchedulerMisfireGrace)

	var w *watcher.Watcher
	if cfg.WorkflowsDir != "" {
		w = watcher.New(cfg.WorkflowsDir, reg, logger)
	}

	srv := New(Config{
		Addr:        fmt.Sprintf("%s:%d", cfg.APIHost, cfg.APIPort),
		Version:     opts.Version,
		CORSOrigins: cfg.CORSOrigins,
		RateLimit:   cfg.APIRateLimit,
		Features: Features{
			DLQ:              cfg.EnableDLQ,
			QualityChecks:    cfg.EnableQualityChecks,
			AnomalyDetection: cfg.EnableAnomalyDetection,
		},
	}, Deps{
		DB:         db,
		Ledger:     led,
		Dispatcher: d,
		Runner:     runner,
		Registry:   reg,
		Queue:      q,
		DLQ:        letters,
		Schedules:  schedule.NewService(schedules, clk),
		History:    history,
		Alerts:     repo.NewAlerts(db),
		Sources:    repo.NewSources(db),
		Quality:    repo.NewQuality(db),
		Manifest:   repo.NewManifest(db),
		Clock:      clk,
		Logger:     logger,
	})

	return &Daemon{
		cfg:       cfg,
		opts:      opts,
		log:       logger,
		db:        db,
		traces:    traces,
		registry:  reg,
		scheduler: scheduler,
		queue:     q,
		watcher:   w,
		server:    srv,
	}, nil
}

// Registry exposes the operation catalog so embedders can register
// handlers before Run.
func (d *Daemon) Registry() *registry.Registry {
	return d.registry
}

// Run serves until ctx is cancelled, then shuts everything down.
func (d *Daemon) Run(ctx context.Context) error {
	defer d.db.Close()
	defer d.traces.Shutdown(context.WithoutCancel(ctx))

	if d.watcher != nil {
		if err := d.watcher.LoadAll(); err != nil {
			// Bad definitions should not keep the daemon down; the good
			// ones are loaded and the watcher picks up fixes.
			d.log.Warn("workflow directory had invalid definitions", "error", err)
		}
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	if d.watcher != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := d.watcher.Watch(ctx); err != nil {
				d.log.Error("workflow watcher stopped", "error", err)
			}
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		d.scheduler.Run(ctx)
	}()

	workers := d.opts.Workers
	if workers <= 0 {
		workers = 2
	}
	for i := range workers {
		owner := fmt.Sprintf("%s/worker-%d", instanceID(), i)
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.queue.Worker(ctx, owner, 0)
		}()
	}

	err := d.server.Run(ctx)
	cancel()
	wg.Wait()
	return err
}

func instanceID() string {
	host, err := os.Hostname()
	if err != nil {
		host = "spined"
	}
	return fmt.Sprintf("%s-%d", host, os.Getpid())
}
