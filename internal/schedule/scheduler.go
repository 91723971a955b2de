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

package schedule

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/spinehq/spine/internal/clock"
	"github.com/spinehq/spine/internal/dispatch"
	"github.com/spinehq/spine/internal/engine"
	"github.com/spinehq/spine/internal/metrics"
	"github.com/spinehq/spine/internal/registry"
	"github.com/spinehq/spine/internal/repo"
)

const (
	// leaseKey is the single scheduler-wide lease row.
	leaseKey = "scheduler"

	// DefaultTick is how often the leader scans for due schedules.
	DefaultTick = 10 * time.Second

	// DefaultMisfireGrace bounds how stale an occurrence may be and
	// still fire. Staler occurrences are recorded as MISSED.
	DefaultMisfireGrace = 5 * time.Minute
)

// Scheduler is the tick loop. Many instances may run it; the lease in
// core_schedule_locks elects one leader per tick, so each occurrence
// fires at most once across the fleet.
type Scheduler struct {
	schedules  *repo.Schedules
	executions *repo.Executions
	registry   *registry.Registry
	dispatcher *dispatch.Dispatcher
	runner     *engine.Runner
	clock      clock.Clock
	log        *slog.Logger

	instance string
	tick     time.Duration
	grace    time.Duration
	leaseTTL time.Duration
}

// NewScheduler returns a Scheduler identified by instance. The lease
// TTL is five ticks, so a dead leader is succeeded within that window.
// grace is the default misfire grace; a schedule's own misfire_grace
// overrides it.
func NewScheduler(schedules *repo.Schedules, executions *repo.Executions,
	reg *registry.Registry, d *dispatch.Dispatcher, runner *engine.Runner,
	clk clock.Clock, logger *slog.Logger, instance string, tick, grace time.Duration) *Scheduler {
	if tick <= 0 {
		tick = DefaultTick
	}
	if grace <= 0 {
		grace = DefaultMisfireGrace
	}
	return &Scheduler{
		schedules:  schedules,
		executions: executions,
		registry:   reg,
		dispatcher: d,
		runner:     runner,
		clock:      clk,
		log:        logger,
		instance:   instance,
		tick:       tick,
		grace:      grace,
		leaseTTL:   5 * tick,
	}
}

// Run ticks until ctx ends, then releases the lease.
func (s *Scheduler) Run(ctx context.Context) {
	s.log.Info("scheduler started", "instance", s.instance, "tick", s.tick)
	for {
		if err := s.Tick(ctx); err != nil {
			metrics.SchedulerTicks.WithLabelValues("error").Inc()
			s.log.Error("scheduler tick failed", "instance", s.instance, "error", err)
		}
		if err := s.clock.Sleep(ctx, s.tick); err != nil {
			break
		}
	}
	if err := s.schedules.ReleaseLease(context.WithoutCancel(ctx), leaseKey, s.instance); err != nil {
		s.log.Error("lease release failed", "instance", s.instance, "error", err)
	}
	s.log.Info("scheduler stopped", "instance", s.instance)
}

// Tick takes the lease and fires every due schedule once. A per-schedule
// failure is recorded in its run history and never aborts the tick.
func (s *Scheduler) Tick(ctx context.Context) error {
	now := s.clock.Now()
	held, err := s.schedules.AcquireLease(ctx, leaseKey, s.instance, now, now.Add(s.leaseTTL))
	if err != nil {
		return err
	}
	if !held {
		metrics.SchedulerTicks.WithLabelValues("lost_lease").Inc()
		return nil
	}

	enabled, err := s.schedules.List(ctx, true)
	if err != nil {
		return err
	}
	for _, sched := range enabled {
		if err := s.fire(ctx, sched, now); err != nil {
			s.log.Error("schedule evaluation failed",
				"schedule", sched.Name, "error", err)
		}
	}
	metrics.SchedulerTicks.WithLabelValues("ran").Inc()
	return nil
}

// fire evaluates one schedule at time now and dispatches, skips, or
// records a miss.
func (s *Scheduler) fire(ctx context.Context, sched *repo.Schedule, now time.Time) error {
	if sched.NextRunAt.IsZero() {
		// Definitions imported without a computed occurrence.
		next, err := NextAfter(sched, now)
		if err != nil {
			return err
		}
		return s.schedules.SetNextRun(ctx, sched.ID, next, now)
	}
	if sched.NextRunAt.After(now) {
		return nil
	}
	due := sched.NextRunAt
	next, err := NextAfter(sched, now)
	if err != nil {
		return err
	}

	grace := s.grace
	if sched.MisfireGrace > 0 {
		grace = time.Duration(sched.MisfireGrace) * time.Second
	}
	if overdue := now.Sub(due); overdue > grace {
		metrics.ScheduleDispatches.WithLabelValues("missed").Inc()
		s.log.Warn("schedule occurrence missed",
			"schedule", sched.Name, "scheduled_for", due, "overdue", overdue)
		if err := s.addRun(ctx, sched, repo.ScheduleRunMissed, "",
			due, fmt.Sprintf("missed by %s, grace %s", overdue, grace), now); err != nil {
			return err
		}
		return s.schedules.SetNextRun(ctx, sched.ID, next, now)
	}

	if sched.MaxInstances > 0 {
		running, err := s.executions.CountRunningForWorkflow(ctx, sched.TargetName)
		if err != nil {
			return err
		}
		if running >= sched.MaxInstances {
			metrics.ScheduleDispatches.WithLabelValues("skipped").Inc()
			if err := s.addRun(ctx, sched, repo.ScheduleRunSkipped, "",
				due, fmt.Sprintf("%d of %d instances already running", running, sched.MaxInstances), now); err != nil {
				return err
			}
			return s.schedules.SetNextRun(ctx, sched.ID, next, now)
		}
	}

	execID, dispatchErr := s.dispatch(ctx, sched)
	if dispatchErr != nil {
		metrics.ScheduleDispatches.WithLabelValues("error").Inc()
		if err := s.addRun(ctx, sched, repo.ScheduleRunError, execID,
			due, dispatchErr.Error(), now); err != nil {
			return err
		}
		// Advance anyway so a broken target cannot pin the schedule.
		return s.schedules.SetNextRun(ctx, sched.ID, next, now)
	}

	metrics.ScheduleDispatches.WithLabelValues("dispatched").Inc()
	s.log.Info("schedule dispatched",
		"schedule", sched.Name, "target", sched.TargetName, "execution_id", execID)
	if err := s.addRun(ctx, sched, repo.ScheduleRunDispatched, execID, due, "", now); err != nil {
		return err
	}
	return s.schedules.MarkRun(ctx, sched.ID, due, next, now)
}

// dispatch fires the schedule's target and returns the resulting
// execution or run id.
func (s *Scheduler) dispatch(ctx context.Context, sched *repo.Schedule) (string, error) {
	switch sched.TargetType {
	case repo.TargetOperation:
		exec, err := s.dispatcher.Submit(ctx, dispatch.SubmitRequest{
			Name:          sched.TargetName,
			Params:        sched.Params,
			TriggerSource: repo.TriggerSchedule,
		})
		if err != nil {
			return "", err
		}
		if exec.Status == repo.StatusFailed {
			return exec.ID, fmt.Errorf("execution failed: %s", exec.Error)
		}
		return exec.ID, nil

	case repo.TargetWorkflow:
		wf, err := s.registry.Workflow(sched.TargetName)
		if err != nil {
			return "", err
		}
		wctx := engine.NewContext(repo.NewID(), wf.Name, sched.Params)
		result, err := s.runner.Run(ctx, wf, wctx)
		if err != nil {
			return "", err
		}
		if result.Status == repo.RunFailed {
			return result.RunID, fmt.Errorf("workflow failed at %s: %s", result.ErrorStep, result.Error)
		}
		return result.RunID, nil

	default:
		return "", fmt.Errorf("unknown target type %q", sched.TargetType)
	}
}

func (s *Scheduler) addRun(ctx context.Context, sched *repo.Schedule,
	status repo.ScheduleRunStatus, execID string, due time.Time, detail string, now time.Time) error {
	return s.schedules.AddRun(ctx, &repo.ScheduleRun{
		ScheduleID:   sched.ID,
		ExecutionID:  execID,
		Status:       status,
		ScheduledFor: due,
		Detail:       detail,
		CreatedAt:    now,
	})
}
