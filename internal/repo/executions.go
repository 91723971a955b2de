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

// ExecutionFilter narrows List queries. Zero-valued fields are skipped.
type ExecutionFilter struct {
	Workflow string
	Status   string
	Lane     string
	ParentID string
	Limit    int
	Offset   int
}

// Executions persists core_executions and core_execution_events.
type Executions struct {
	db *storage.DB
}

// NewExecutions returns the execution repository.
func NewExecutions(db *storage.DB) *Executions { return &Executions{db: db} }

const executionCols = `id, workflow, params, status, lane, trigger_source,
	parent_execution_id, idempotency_key, retry_count, started_at,
	completed_at, result, error, created_at, updated_at`

// Create inserts a new execution row.
func (r *Executions) Create(ctx context.Context, e *Execution) error {
	params, err := e.Params.Encode()
	if err != nil {
		return err
	}
	result, err := e.Result.Encode()
	if err != nil {
		return err
	}
	_, err = r.db.Exec(ctx, `
		INSERT INTO core_executions (`+executionCols+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.Workflow, params, string(e.Status), e.Lane, string(e.TriggerSource),
		storage.NullString(e.ParentExecutionID), storage.NullString(e.IdempotencyKey),
		e.RetryCount, storage.NullTime(e.StartedAt), storage.NullTime(e.CompletedAt),
		result, storage.NullString(e.Error),
		storage.FormatTime(e.CreatedAt), storage.FormatTime(e.UpdatedAt))
	return err
}

// GetByID fetches one execution.
func (r *Executions) GetByID(ctx context.Context, id string) (*Execution, error) {
	row := r.db.QueryRow(ctx, `
		SELECT `+executionCols+` FROM core_executions WHERE id = ?`, id)
	return scanExecution(row.Scan)
}

// GetByIdempotencyKey fetches the execution holding key, if any.
func (r *Executions) GetByIdempotencyKey(ctx context.Context, key string) (*Execution, error) {
	row := r.db.QueryRow(ctx, `
		SELECT `+executionCols+` FROM core_executions WHERE idempotency_key = ?`, key)
	return scanExecution(row.Scan)
}

// List returns a page of executions newest-started first, plus the total
// row count under the same filter.
func (r *Executions) List(ctx context.Context, f ExecutionFilter) ([]*Execution, int, error) {
	where := storage.NewWhere().
		Eq("workflow", f.Workflow).
		Eq("status", f.Status).
		Eq("lane", f.Lane).
		Eq("parent_execution_id", f.ParentID)
	clause, args := where.Clause()

	var total int
	row := r.db.QueryRow(ctx, `SELECT COUNT(*) FROM core_executions`+clause, args...)
	if err := row.Scan(&total); err != nil {
		return nil, 0, storage.ScanError("executions.count", err)
	}

	limit := ClampLimit(f.Limit)
	rows, err := r.db.Query(ctx, `
		SELECT `+executionCols+` FROM core_executions`+clause+`
		ORDER BY started_at DESC, created_at DESC
		LIMIT ? OFFSET ?`, append(args, limit, f.Offset)...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var out []*Execution
	for rows.Next() {
		e, err := scanExecution(rows.Scan)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, storage.ScanError("executions.list", err)
	}
	return out, total, nil
}

// StatusUpdate carries the mutable completion fields of a transition.
type StatusUpdate struct {
	Status      ExecutionStatus
	StartedAt   time.Time
	CompletedAt time.Time
	Result      JSONMap
	Error       string
	Now         time.Time
}

// UpdateStatus applies a transition only when the current status is one
// of allowedFrom, returning whether a row changed. The conditional
// update is the serialization point for concurrent writers.
func (r *Executions) UpdateStatus(ctx context.Context, id string, u StatusUpdate, allowedFrom []string) (bool, error) {
	result, err := u.Result.Encode()
	if err != nil {
		return false, err
	}
	where := storage.NewWhere().Eq("id", id).In("status", allowedFrom)
	clause, args := where.Clause()

	set := `status = ?, updated_at = ?`
	setArgs := []any{string(u.Status), storage.FormatTime(u.Now)}
	if !u.StartedAt.IsZero() {
		set += `, started_at = COALESCE(started_at, ?)`
		setArgs = append(setArgs, storage.FormatTime(u.StartedAt))
	}
	if !u.CompletedAt.IsZero() {
		set += `, completed_at = ?`
		setArgs = append(setArgs, storage.FormatTime(u.CompletedAt))
	}
	if result != nil {
		set += `, result = ?`
		setArgs = append(setArgs, result)
	}
	if u.Error != "" {
		set += `, error = ?`
		setArgs = append(setArgs, u.Error)
	}

	res, err := r.db.Exec(ctx, `UPDATE core_executions SET `+set+clause, append(setArgs, args...)...)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// IncrementRetryCount bumps the retry counter.
func (r *Executions) IncrementRetryCount(ctx context.Context, id string, now time.Time) error {
	_, err := r.db.Exec(ctx, `
		UPDATE core_executions
		SET retry_count = retry_count + 1, updated_at = ?
		WHERE id = ?`, storage.FormatTime(now), id)
	return err
}

// AddEvent appends one lifecycle event. Events are never updated.
func (r *Executions) AddEvent(ctx context.Context, ev *ExecutionEvent) error {
	data, err := ev.Data.Encode()
	if err != nil {
		return err
	}
	_, err = r.db.Exec(ctx, `
		INSERT INTO core_execution_events (execution_id, event_type, timestamp, data)
		VALUES (?, ?, ?, ?)`,
		ev.ExecutionID, string(ev.EventType), storage.FormatTime(ev.Timestamp), data)
	return err
}

// ListEvents returns all events for an execution ordered by timestamp,
// ties broken by insertion order.
func (r *Executions) ListEvents(ctx context.Context, executionID string) ([]*ExecutionEvent, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, execution_id, event_type, timestamp, data
		FROM core_execution_events
		WHERE execution_id = ?
		ORDER BY timestamp ASC, id ASC`, executionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*ExecutionEvent
	for rows.Next() {
		var (
			ev   ExecutionEvent
			etyp string
			ts   string
			data sql.NullString
		)
		if err := rows.Scan(&ev.ID, &ev.ExecutionID, &etyp, &ts, &data); err != nil {
			return nil, storage.ScanError("events.scan", err)
		}
		ev.EventType = EventType(etyp)
		if ev.Timestamp, err = storage.ParseTime(ts); err != nil {
			return nil, storage.ScanError("events.scan", err)
		}
		if data.Valid {
			if ev.Data, err = DecodeJSONMap([]byte(data.String)); err != nil {
				return nil, storage.ScanError("events.scan", err)
			}
		}
		out = append(out, &ev)
	}
	if err := rows.Err(); err != nil {
		return nil, storage.ScanError("events.list", err)
	}
	return out, nil
}

// CountRunningForWorkflow counts RUNNING executions of one workflow name.
func (r *Executions) CountRunningForWorkflow(ctx context.Context, workflow string) (int, error) {
	var n int
	row := r.db.QueryRow(ctx, `
		SELECT COUNT(*) FROM core_executions
		WHERE workflow = ? AND status = ?`, workflow, string(StatusRunning))
	if err := row.Scan(&n); err != nil {
		return 0, storage.ScanError("executions.count_running", err)
	}
	return n, nil
}

func scanExecution(scan func(...any) error) (*Execution, error) {
	var (
		e                        Execution
		params, result           sql.NullString
		status, trigger          string
		parent, idemKey, errText sql.NullString
		started, completed       sql.NullString
		created, updated         string
	)
	err := scan(&e.ID, &e.Workflow, &params, &status, &e.Lane, &trigger,
		&parent, &idemKey, &e.RetryCount, &started, &completed,
		&result, &errText, &created, &updated)
	if err != nil {
		return nil, storage.ScanError("executions.get", err)
	}

	e.Status = ExecutionStatus(status)
	e.TriggerSource = TriggerSource(trigger)
	e.ParentExecutionID = parent.String
	e.IdempotencyKey = idemKey.String
	e.Error = errText.String
	e.StartedAt = storage.TimeOf(started)
	e.CompletedAt = storage.TimeOf(completed)
	if e.CreatedAt, err = storage.ParseTime(created); err != nil {
		return nil, storage.ScanError("executions.get", err)
	}
	if e.UpdatedAt, err = storage.ParseTime(updated); err != nil {
		return nil, storage.ScanError("executions.get", err)
	}
	if params.Valid {
		if e.Params, err = DecodeJSONMap([]byte(params.String)); err != nil {
			return nil, storage.ScanError("executions.get", err)
		}
	}
	if result.Valid {
		if e.Result, err = DecodeJSONMap([]byte(result.String)); err != nil {
			return nil, storage.ScanError("executions.get", err)
		}
	}
	return &e, nil
}
