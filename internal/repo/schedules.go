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

package repo

import (
	"context"
	"database/sql"
	"time"

	"github.com/spinehq/spine/internal/storage"
)

// Schedules persists core_schedules, core_schedule_runs, and the
// scheduler lease in core_schedule_locks.
type Schedules struct {
	db *storage.DB
}

// NewSchedules returns the schedule repository.
func NewSchedules(db *storage.DB) *Schedules { return &Schedules{db: db} }

const scheduleCols = `id, name, target_type, target_name, cron_expression,
	interval_seconds, timezone, params, enabled, max_instances,
	misfire_grace_seconds, last_run_at, next_run_at, created_at, updated_at`

// Create inserts a schedule.
func (r *Schedules) Create(ctx context.Context, s *Schedule) error {
	params, err := s.Params.Encode()
	if err != nil {
		return err
	}
	var interval any
	if s.IntervalSeconds > 0 {
		interval = s.IntervalSeconds
	}
	_, err = r.db.Exec(ctx, `
		INSERT INTO core_schedules (`+scheduleCols+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		s.ID, s.Name, string(s.TargetType), s.TargetName,
		storage.NullString(s.CronExpression), interval, s.Timezone, params,
		s.Enabled, s.MaxInstances, s.MisfireGrace,
		storage.NullTime(s.LastRunAt), storage.NullTime(s.NextRunAt),
		storage.FormatTime(s.CreatedAt), storage.FormatTime(s.UpdatedAt))
	return err
}

// Get fetches a schedule by id.
func (r *Schedules) Get(ctx context.Context, id string) (*Schedule, error) {
	row := r.db.QueryRow(ctx, `
		SELECT `+scheduleCols+` FROM core_schedules WHERE id = ?`, id)
	return scanSchedule(row.Scan)
}

// GetByName fetches a schedule by its unique name.
func (r *Schedules) GetByName(ctx context.Context, name string) (*Schedule, error) {
	row := r.db.QueryRow(ctx, `
		SELECT `+scheduleCols+` FROM core_schedules WHERE name = ?`, name)
	return scanSchedule(row.Scan)
}

// List returns all schedules, optionally only enabled ones.
func (r *Schedules) List(ctx context.Context, enabledOnly bool) ([]*Schedule, error) {
	where := storage.NewWhere()
	if enabledOnly {
		where.Raw("enabled = ?", true)
	}
	clause, args := where.Clause()

	rows, err := r.db.Query(ctx, `
		SELECT `+scheduleCols+` FROM core_schedules`+clause+`
		ORDER BY name ASC`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Schedule
	for rows.Next() {
		s, err := scanSchedule(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, storage.ScanError("schedules.list", err)
	}
	return out, nil
}

// Update rewrites the mutable definition fields of a schedule.
func (r *Schedules) Update(ctx context.Context, s *Schedule) (bool, error) {
	params, err := s.Params.Encode()
	if err != nil {
		return false, err
	}
	var interval any
	if s.IntervalSeconds > 0 {
		interval = s.IntervalSeconds
	}
	res, err := r.db.Exec(ctx, `
		UPDATE core_schedules
		SET name = ?, target_type = ?, target_name = ?, cron_expression = ?,
		    interval_seconds = ?, timezone = ?, params = ?, enabled = ?,
		    max_instances = ?, misfire_grace_seconds = ?, next_run_at = ?,
		    updated_at = ?
		WHERE id = ?`,
		s.Name, string(s.TargetType), s.TargetName,
		storage.NullString(s.CronExpression), interval, s.Timezone, params,
		s.Enabled, s.MaxInstances, s.MisfireGrace,
		storage.NullTime(s.NextRunAt), storage.FormatTime(s.UpdatedAt), s.ID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// Delete removes a schedule.
func (r *Schedules) Delete(ctx context.Context, id string) (bool, error) {
	res, err := r.db.Exec(ctx, `DELETE FROM core_schedules WHERE id = ?`, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// MarkRun advances the bookkeeping timestamps after a tick decision.
func (r *Schedules) MarkRun(ctx context.Context, id string, lastRunAt, nextRunAt, now time.Time) error {
	_, err := r.db.Exec(ctx, `
		UPDATE core_schedules
		SET last_run_at = ?, next_run_at = ?, updated_at = ?
		WHERE id = ?`,
		storage.NullTime(lastRunAt), storage.NullTime(nextRunAt),
		storage.FormatTime(now), id)
	return err
}

// SetNextRun advances only next_run_at, used when an occurrence is
// skipped or missed.
func (r *Schedules) SetNextRun(ctx context.Context, id string, nextRunAt, now time.Time) error {
	_, err := r.db.Exec(ctx, `
		UPDATE core_schedules SET next_run_at = ?, updated_at = ?
		WHERE id = ?`,
		storage.NullTime(nextRunAt), storage.FormatTime(now), id)
	return err
}

// AddRun records one occurrence outcome in core_schedule_runs.
func (r *Schedules) AddRun(ctx context.Context, run *ScheduleRun) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO core_schedule_runs
			(schedule_id, execution_id, status, scheduled_for, detail, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		run.ScheduleID, storage.NullString(run.ExecutionID), string(run.Status),
		storage.FormatTime(run.ScheduledFor), storage.NullString(run.Detail),
		storage.FormatTime(run.CreatedAt))
	return err
}

// ListRuns returns occurrence history for a schedule, newest first.
func (r *Schedules) ListRuns(ctx context.Context, scheduleID string, limit int) ([]*ScheduleRun, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, schedule_id, execution_id, status, scheduled_for, detail, created_at
		FROM core_schedule_runs
		WHERE schedule_id = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ?`, scheduleID, ClampLimit(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*ScheduleRun
	for rows.Next() {
		var (
			run                       ScheduleRun
			execID, detail            sql.NullString
			status, schedFor, created string
		)
		if err := rows.Scan(&run.ID, &run.ScheduleID, &execID, &status,
			&schedFor, &detail, &created); err != nil {
			return nil, storage.ScanError("schedule_runs.scan", err)
		}
		run.ExecutionID = execID.String
		run.Status = ScheduleRunStatus(status)
		run.Detail = detail.String
		if run.ScheduledFor, err = storage.ParseTime(schedFor); err != nil {
			return nil, storage.ScanError("schedule_runs.scan", err)
		}
		if run.CreatedAt, err = storage.ParseTime(created); err != nil {
			return nil, storage.ScanError("schedule_runs.scan", err)
		}
		out = append(out, &run)
	}
	if err := rows.Err(); err != nil {
		return nil, storage.ScanError("schedule_runs.list", err)
	}
	return out, nil
}

// AcquireLease takes or refreshes the scheduler-wide lease. It inserts
// the lease row, steals it when expired, or refreshes it for the same
// holder; any other live holder wins.
func (r *Schedules) AcquireLease(ctx context.Context, key, holder string, now, expiresAt time.Time) (bool, error) {
	nowStr := storage.FormatTime(now)
	expStr := storage.FormatTime(expiresAt)

	err := r.db.WithTx(ctx, func(tx *storage.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO core_schedule_locks (lock_key, locked_by, locked_at, expires_at)
			VALUES (?, ?, ?, ?)`, key, holder, nowStr, expStr)
		return err
	})
	if err == nil {
		return true, nil
	}
	if !storage.IsConstraint(err) {
		return false, err
	}

	res, err := r.db.Exec(ctx, `
		UPDATE core_schedule_locks
		SET locked_by = ?, locked_at = ?, expires_at = ?
		WHERE lock_key = ? AND (expires_at <= ? OR locked_by = ?)`,
		holder, nowStr, expStr, key, nowStr, holder)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// ReleaseLease drops the lease when held by holder.
func (r *Schedules) ReleaseLease(ctx context.Context, key, holder string) error {
	_, err := r.db.Exec(ctx, `
		DELETE FROM core_schedule_locks
		WHERE lock_key = ? AND locked_by = ?`, key, holder)
	return err
}

func scanSchedule(scan func(...any) error) (*Schedule, error) {
	var (
		s                Schedule
		target           string
		cronExpr, params sql.NullString
		interval         sql.NullInt64
		lastRun, nextRun sql.NullString
		created, updated string
	)
	err := scan(&s.ID, &s.Name, &target, &s.TargetName, &cronExpr, &interval,
		&s.Timezone, &params, &s.Enabled, &s.MaxInstances, &s.MisfireGrace,
		&lastRun, &nextRun, &created, &updated)
	if err != nil {
		return nil, storage.ScanError("schedules.get", err)
	}
	s.TargetType = ScheduleTargetType(target)
	s.CronExpression = cronExpr.String
	s.IntervalSeconds = int(interval.Int64)
	s.LastRunAt = storage.TimeOf(lastRun)
	s.NextRunAt = storage.TimeOf(nextRun)
	if s.CreatedAt, err = storage.ParseTime(created); err != nil {
		return nil, storage.ScanError("schedules.get", err)
	}
	if s.UpdatedAt, err = storage.ParseTime(updated); err != nil {
		return nil, storage.ScanError("schedules.get", err)
	}
	if params.Valid {
		if s.Params, err = DecodeJSONMap([]byte(params.String)); err != nil {
			return nil, storage.ScanError("schedules.get", err)
		}
	}
	return &s, nil
}
