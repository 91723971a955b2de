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

package shared

import (
	"context"
	"log/slog"

	"github.com/spinehq/spine/internal/clock"
	"github.com/spinehq/spine/internal/config"
	"github.com/spinehq/spine/internal/dispatch"
	"github.com/spinehq/spine/internal/dlq"
	"github.com/spinehq/spine/internal/guard"
	"github.com/spinehq/spine/internal/ledger"
	"github.com/spinehq/spine/internal/log"
	"github.com/spinehq/spine/internal/queue"
	"github.com/spinehq/spine/internal/registry"
	"github.com/spinehq/spine/internal/repo"
	"github.com/spinehq/spine/internal/schedule"
	"github.com/spinehq/spine/internal/storage"
	"github.com/spinehq/spine/pkg/errors"
)

// App is the service graph a CLI command operates on. Commands talk to
// the same database the daemon uses; no daemon needs to be running.
type App struct {
	Config    *config.Config
	DB        *storage.DB
	Clock     clock.Clock
	Logger    *slog.Logger
	Ledger    *ledger.Ledger
	Queue     *queue.Queue
	DLQ       *dlq.Manager
	Schedules *schedule.Service
	History   *repo.WorkflowRuns
	Alerts    *repo.Alerts
	Sources   *repo.Sources
}

// Open loads configuration, connects storage, and wires the services.
// The caller must Close.
func Open(ctx context.Context) (*App, error) {
	cfg, err := config.Load(".")
	if err != nil {
		return nil, err
	}

	level := "warn"
	if Verbose() {
		level = "debug"
	}
	logger := log.New(&log.Config{Level: level, Format: log.FormatText})

	db, err := storage.Open(cfg.DatabaseURL, storage.Options{PoolSize: cfg.PoolSize})
	if err != nil {
		return nil, errors.Wrap(err, "opening storage")
	}
	if err := db.Migrate(ctx); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "migrating schema")
	}

	clk := clock.NewWall()
	led := ledger.New(repo.NewExecutions(db), clk, logger)
	grd := guard.New(repo.NewLocks(db), clk, logger)
	d := dispatch.New(registry.New(), led, grd, clk, logger)
	letters := dlq.New(repo.NewDeadLetters(db), d, clk, logger)
	backoff := queue.Backoff{Base: cfg.RetryBase, Ceiling: cfg.RetryCeiling}

	return &App{
		Config:    cfg,
		DB:        db,
		Clock:     clk,
		Logger:    logger,
		Ledger:    led,
		Queue:     queue.New(repo.NewWorkItems(db), d, letters, backoff, clk, logger),
		DLQ:       letters,
		Schedules: schedule.NewService(repo.NewSchedules(db), clk),
		History:   repo.NewWorkflowRuns(db),
		Alerts:    repo.NewAlerts(db),
		Sources:   repo.NewSources(db),
	}, nil
}

// Close releases the database connection.
func (a *App) Close() error {
	return a.DB.Close()
}
