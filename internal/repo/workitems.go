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

// WorkItemFilter narrows work-item queries.
type WorkItemFilter struct {
	Domain   string
	Workflow string
	State    string
	Limit    int
	Offset   int
}

// WorkItems persists core_work_items.
type WorkItems struct {
	db *storage.DB
}

// NewWorkItems returns the work-item repository.
func NewWorkItems(db *storage.DB) *WorkItems { return &WorkItems{db: db} }

const workItemCols = `id, domain, workflow, partition_key, desired_at, priority,
	state, attempt_count, max_attempts, last_error, last_error_at,
	next_attempt_at, current_execution_id, latest_execution_id,
	locked_by, locked_at, completed_at, created_at, updated_at`

// Enqueue inserts a new PENDING item. A CONSTRAINT storage error means
// an item for the same (domain, workflow, partition_key) already exists;
// callers treat that as success.
func (r *WorkItems) Enqueue(ctx context.Context, item *WorkItem) (int64, error) {
	now := storage.FormatTime(item.CreatedAt)
	// RETURNING works on both backends (SQLite >= 3.35 and Postgres);
	// LastInsertId does not exist under lib/pq.
	row := r.db.QueryRow(ctx, `
		INSERT INTO core_work_items
			(domain, workflow, partition_key, desired_at, priority, state,
			 attempt_count, max_attempts, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, 0, ?, ?, ?)
		RETURNING id`,
		item.Domain, item.Workflow, item.PartitionKey,
		storage.NullTime(item.DesiredAt), item.Priority, string(ItemPending),
		item.MaxAttempts, now, now)
	var id int64
	if err := row.Scan(&id); err != nil {
		return 0, storage.ScanError("workitems.enqueue", err)
	}
	return id, nil
}

// GetByID fetches one item.
func (r *WorkItems) GetByID(ctx context.Context, id int64) (*WorkItem, error) {
	row := r.db.QueryRow(ctx, `
		SELECT `+workItemCols+` FROM core_work_items WHERE id = ?`, id)
	return scanWorkItem(row.Scan)
}

// List returns a page of items plus the total under the same filter.
func (r *WorkItems) List(ctx context.Context, f WorkItemFilter) ([]*WorkItem, int, error) {
	where := storage.NewWhere().
		Eq("domain", f.Domain).
		Eq("workflow", f.Workflow).
		Eq("state", f.State)
	clause, args := where.Clause()

	var total int
	row := r.db.QueryRow(ctx, `SELECT COUNT(*) FROM core_work_items`+clause, args...)
	if err := row.Scan(&total); err != nil {
		return nil, 0, storage.ScanError("workitems.count", err)
	}

	rows, err := r.db.Query(ctx, `
		SELECT `+workItemCols+` FROM core_work_items`+clause+`
		ORDER BY priority DESC, created_at ASC
		LIMIT ? OFFSET ?`, append(args, ClampLimit(f.Limit), f.Offset)...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var out []*WorkItem
	for rows.Next() {
		item, err := scanWorkItem(rows.Scan)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, item)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, storage.ScanError("workitems.list", err)
	}
	return out, total, nil
}

// NextClaimable returns ids of claimable items ordered by priority DESC,
// created_at ASC. RETRY_WAIT items qualify once next_attempt_at passes.
func (r *WorkItems) NextClaimable(ctx context.Context, now time.Time, limit int) ([]int64, error) {
	ts := storage.FormatTime(now)
	rows, err := r.db.Query(ctx, `
		SELECT id FROM core_work_items
		WHERE (state = ? OR (state = ? AND next_attempt_at <= ?))
		  AND (desired_at IS NULL OR desired_at <= ?)
		ORDER BY priority DESC, created_at ASC
		LIMIT ?`,
		string(ItemPending), string(ItemRetryWait), ts, ts, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, storage.ScanError("workitems.claimable", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, storage.ScanError("workitems.claimable", err)
	}
	return ids, nil
}

// Claim atomically flips a PENDING (or due RETRY_WAIT) item to RUNNING,
// bumping attempt_count. Returns nil when another worker won the race.
func (r *WorkItems) Claim(ctx context.Context, id int64, owner string, now time.Time) (*WorkItem, error) {
	ts := storage.FormatTime(now)
	res, err := r.db.Exec(ctx, `
		UPDATE core_work_items
		SET state = ?, locked_by = ?, locked_at = ?,
		    attempt_count = attempt_count + 1, updated_at = ?
		WHERE id = ?
		  AND (state = ? OR (state = ? AND next_attempt_at <= ?))`,
		string(ItemRunning), owner, ts, ts, id,
		string(ItemPending), string(ItemRetryWait), ts)
	if err != nil {
		return nil, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, nil
	}
	return r.GetByID(ctx, id)
}

// Complete marks a RUNNING item COMPLETE and clears the lock.
func (r *WorkItems) Complete(ctx context.Context, id int64, executionID string, now time.Time) error {
	ts := storage.FormatTime(now)
	_, err := r.db.Exec(ctx, `
		UPDATE core_work_items
		SET state = ?, completed_at = ?, latest_execution_id = ?,
		    current_execution_id = NULL, locked_by = NULL, locked_at = NULL,
		    updated_at = ?
		WHERE id = ? AND state = ?`,
		string(ItemComplete), ts, storage.NullString(executionID), ts,
		id, string(ItemRunning))
	return err
}

// Fail records a failure, moving the item to RETRY_WAIT with a next
// attempt time, or to terminal FAILED when the budget is spent.
func (r *WorkItems) Fail(ctx context.Context, id int64, newState WorkItemState, errMsg string, nextAttemptAt, now time.Time) error {
	ts := storage.FormatTime(now)
	_, err := r.db.Exec(ctx, `
		UPDATE core_work_items
		SET state = ?, last_error = ?, last_error_at = ?, next_attempt_at = ?,
		    current_execution_id = NULL, locked_by = NULL, locked_at = NULL,
		    updated_at = ?
		WHERE id = ? AND state = ?`,
		string(newState), errMsg, ts, storage.NullTime(nextAttemptAt), ts,
		id, string(ItemRunning))
	return err
}

// SetCurrentExecution links the in-flight execution to a RUNNING item.
func (r *WorkItems) SetCurrentExecution(ctx context.Context, id int64, executionID string, now time.Time) error {
	_, err := r.db.Exec(ctx, `
		UPDATE core_work_items
		SET current_execution_id = ?, latest_execution_id = ?, updated_at = ?
		WHERE id = ?`,
		executionID, executionID, storage.FormatTime(now), id)
	return err
}

// Cancel moves a non-terminal item to CANCELLED.
func (r *WorkItems) Cancel(ctx context.Context, id int64, now time.Time) (bool, error) {
	res, err := r.db.Exec(ctx, `
		UPDATE core_work_items
		SET state = ?, locked_by = NULL, locked_at = NULL, updated_at = ?
		WHERE id = ? AND state IN (?, ?, ?)`,
		string(ItemCancelled), storage.FormatTime(now), id,
		string(ItemPending), string(ItemRunning), string(ItemRetryWait))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// RetryFailed resets terminal FAILED items matching the filter back to
// PENDING with a fresh attempt budget, returning how many were reset.
func (r *WorkItems) RetryFailed(ctx context.Context, f WorkItemFilter, now time.Time) (int64, error) {
	where := storage.NewWhere().
		Eq("state", string(ItemFailed)).
		Eq("domain", f.Domain).
		Eq("workflow", f.Workflow)
	clause, args := where.Clause()

	res, err := r.db.Exec(ctx, `
		UPDATE core_work_items
		SET state = ?, attempt_count = 0, last_error = NULL, last_error_at = NULL,
		    next_attempt_at = NULL, updated_at = ?`+clause,
		append([]any{string(ItemPending), storage.FormatTime(now)}, args...)...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func scanWorkItem(scan func(...any) error) (*WorkItem, error) {
	var (
		item                                WorkItem
		state                               string
		desired, lastErr, lastErrAt, nextAt sql.NullString
		currentExec, latestExec, lockedBy   sql.NullString
		lockedAt, completedAt               sql.NullString
		created, updated                    string
	)
	err := scan(&item.ID, &item.Domain, &item.Workflow, &item.PartitionKey,
		&desired, &item.Priority, &state, &item.AttemptCount, &item.MaxAttempts,
		&lastErr, &lastErrAt, &nextAt, &currentExec, &latestExec,
		&lockedBy, &lockedAt, &completedAt, &created, &updated)
	if err != nil {
		return nil, storage.ScanError("workitems.get", err)
	}

	item.State = WorkItemState(state)
	item.DesiredAt = storage.TimeOf(desired)
	item.LastError = lastErr.String
	item.LastErrorAt = storage.TimeOf(lastErrAt)
	item.NextAttemptAt = storage.TimeOf(nextAt)
	item.CurrentExecutionID = currentExec.String
	item.LatestExecutionID = latestExec.String
	item.LockedBy = lockedBy.String
	item.LockedAt = storage.TimeOf(lockedAt)
	item.CompletedAt = storage.TimeOf(completedAt)
	if item.CreatedAt, err = storage.ParseTime(created); err != nil {
		return nil, storage.ScanError("workitems.get", err)
	}
	if item.UpdatedAt, err = storage.ParseTime(updated); err != nil {
		return nil, storage.ScanError("workitems.get", err)
	}
	return &item, nil
}
