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

// Package schedule owns periodic triggers: schedule definitions, their
// occurrence history, and the single-leader tick loop that fires them.
package schedule

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/spinehq/spine/internal/clock"
	"github.com/spinehq/spine/internal/repo"
	"github.com/spinehq/spine/internal/storage"
	"github.com/spinehq/spine/pkg/errors"
)

// cronParser accepts the standard 5-field expressions plus descriptors
// like @hourly.
var cronParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Definition is the operator-supplied shape of a schedule.
type Definition struct {
	Name            string                  `json:"name"`
	TargetType      repo.ScheduleTargetType `json:"target_type"`
	TargetName      string                  `json:"target_name"`
	CronExpression  string                  `json:"cron_expression,omitempty"`
	IntervalSeconds int                     `json:"interval_seconds,omitempty"`
	Timezone        string                  `json:"timezone,omitempty"`
	Params          repo.JSONMap            `json:"params,omitempty"`
	Enabled         *bool                   `json:"enabled,omitempty"`
	MaxInstances    int                     `json:"max_instances,omitempty"`
	MisfireGrace    int                     `json:"misfire_grace_seconds,omitempty"`
}

func (d *Definition) validate() error {
	if d.Name == "" {
		return &errors.ValidationError{Field: "name", Message: "name is required"}
	}
	if d.TargetName == "" {
		return &errors.ValidationError{Field: "target_name", Message: "target_name is required"}
	}
	switch d.TargetType {
	case repo.TargetOperation, repo.TargetWorkflow:
	default:
		return &errors.ValidationError{
			Field:   "target_type",
			Message: fmt.Sprintf("unknown target type %q", d.TargetType),
		}
	}
	if (d.CronExpression == "") == (d.IntervalSeconds <= 0) {
		return &errors.ValidationError{
			Field:   "cron_expression",
			Message: "exactly one of cron_expression or interval_seconds is required",
		}
	}
	if d.CronExpression != "" {
		if _, err := cronParser.Parse(d.CronExpression); err != nil {
			return &errors.ValidationError{
				Field:   "cron_expression",
				Message: fmt.Sprintf("invalid expression %q: %v", d.CronExpression, err),
			}
		}
	}
	if d.Timezone != "" {
		if _, err := time.LoadLocation(d.Timezone); err != nil {
			return &errors.ValidationError{
				Field:   "timezone",
				Message: fmt.Sprintf("unknown timezone %q", d.Timezone),
			}
		}
	}
	return nil
}

// NextAfter computes the first occurrence of s strictly after t.
func NextAfter(s *repo.Schedule, t time.Time) (time.Time, error) {
	if s.IntervalSeconds > 0 {
		return t.Add(time.Duration(s.IntervalSeconds) * time.Second), nil
	}
	sched, err := cronParser.Parse(s.CronExpression)
	if err != nil {
		return time.Time{}, err
	}
	loc := time.UTC
	if s.Timezone != "" {
		if loc, err = time.LoadLocation(s.Timezone); err != nil {
			return time.Time{}, err
		}
	}
	return sched.Next(t.In(loc)).UTC(), nil
}

// Service is the CRUD surface for schedule definitions.
type Service struct {
	schedules *repo.Schedules
	clock     clock.Clock
}

// NewService returns a Service.
func NewService(schedules *repo.Schedules, clk clock.Clock) *Service {
	return &Service{schedules: schedules, clock: clk}
}

// Create registers a new schedule with its first occurrence computed
// from now. Names are unique.
func (s *Service) Create(ctx context.Context, def Definition) (*repo.Schedule, error) {
	if err := def.validate(); err != nil {
		return nil, err
	}
	now := s.clock.Now()
	sched := &repo.Schedule{
		ID:              repo.NewID(),
		Name:            def.Name,
		TargetType:      def.TargetType,
		TargetName:      def.TargetName,
		CronExpression:  def.CronExpression,
		IntervalSeconds: def.IntervalSeconds,
		Timezone:        def.Timezone,
		Params:          def.Params,
		Enabled:         def.Enabled == nil || *def.Enabled,
		MaxInstances:    def.MaxInstances,
		MisfireGrace:    def.MisfireGrace,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if sched.Timezone == "" {
		sched.Timezone = "UTC"
	}
	next, err := NextAfter(sched, now)
	if err != nil {
		return nil, err
	}
	sched.NextRunAt = next

	if err := s.schedules.Create(ctx, sched); err != nil {
		if storage.IsConstraint(err) {
			return nil, &errors.ConflictError{
				Resource: "schedule",
				Reason:   fmt.Sprintf("schedule %q already exists", def.Name),
			}
		}
		return nil, err
	}
	return sched, nil
}

// Get fetches one schedule by id.
func (s *Service) Get(ctx context.Context, id string) (*repo.Schedule, error) {
	sched, err := s.schedules.Get(ctx, id)
	if err != nil {
		if storage.IsNotFound(err) {
			return nil, &errors.NotFoundError{Resource: "schedule", ID: id}
		}
		return nil, err
	}
	return sched, nil
}

// GetByName fetches one schedule by its unique name.
func (s *Service) GetByName(ctx context.Context, name string) (*repo.Schedule, error) {
	sched, err := s.schedules.GetByName(ctx, name)
	if err != nil {
		if storage.IsNotFound(err) {
			return nil, &errors.NotFoundError{Resource: "schedule", ID: name}
		}
		return nil, err
	}
	return sched, nil
}

// List returns all schedules.
func (s *Service) List(ctx context.Context, enabledOnly bool) ([]*repo.Schedule, error) {
	return s.schedules.List(ctx, enabledOnly)
}

// Update rewrites a schedule's definition and recomputes its next
// occurrence from now.
func (s *Service) Update(ctx context.Context, id string, def Definition) (*repo.Schedule, error) {
	if err := def.validate(); err != nil {
		return nil, err
	}
	sched, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	now := s.clock.Now()
	sched.Name = def.Name
	sched.TargetType = def.TargetType
	sched.TargetName = def.TargetName
	sched.CronExpression = def.CronExpression
	sched.IntervalSeconds = def.IntervalSeconds
	if def.Timezone != "" {
		sched.Timezone = def.Timezone
	}
	sched.Params = def.Params
	if def.Enabled != nil {
		sched.Enabled = *def.Enabled
	}
	sched.MaxInstances = def.MaxInstances
	sched.MisfireGrace = def.MisfireGrace
	sched.UpdatedAt = now
	if sched.NextRunAt, err = NextAfter(sched, now); err != nil {
		return nil, err
	}

	ok, err := s.schedules.Update(ctx, sched)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, &errors.NotFoundError{Resource: "schedule", ID: id}
	}
	return sched, nil
}

// SetEnabled flips a schedule on or off. Enabling recomputes the next
// occurrence so a long-disabled schedule does not fire a stale one.
func (s *Service) SetEnabled(ctx context.Context, id string, enabled bool) (*repo.Schedule, error) {
	sched, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	now := s.clock.Now()
	sched.Enabled = enabled
	sched.UpdatedAt = now
	if enabled {
		if sched.NextRunAt, err = NextAfter(sched, now); err != nil {
			return nil, err
		}
	}
	if _, err := s.schedules.Update(ctx, sched); err != nil {
		return nil, err
	}
	return sched, nil
}

// Delete removes a schedule and stops future occurrences.
func (s *Service) Delete(ctx context.Context, id string) error {
	ok, err := s.schedules.Delete(ctx, id)
	if err != nil {
		return err
	}
	if !ok {
		return &errors.NotFoundError{Resource: "schedule", ID: id}
	}
	return nil
}

// Runs returns occurrence history, newest first.
func (s *Service) Runs(ctx context.Context, scheduleID string, limit int) ([]*repo.ScheduleRun, error) {
	if _, err := s.Get(ctx, scheduleID); err != nil {
		return nil, err
	}
	return s.schedules.ListRuns(ctx, scheduleID, limit)
}
