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

// WorkflowRuns persists core_workflow_runs and core_workflow_steps, the
// durable history of workflow engine runs.
type WorkflowRuns struct {
	db *storage.DB
}

// NewWorkflowRuns returns the workflow-run repository.
func NewWorkflowRuns(db *storage.DB) *WorkflowRuns { return &WorkflowRuns{db: db} }

const workflowRunCols = `id, workflow, status, params, error, error_step,
	started_at, completed_at, created_at, updated_at`

// Create inserts a run row.
func (r *WorkflowRuns) Create(ctx context.Context, run *WorkflowRun) error {
	params, err := run.Params.Encode()
	if err != nil {
		return err
	}
	_, err = r.db.Exec(ctx, `
		INSERT INTO core_workflow_runs (`+workflowRunCols+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.Workflow, string(run.Status), params,
		storage.NullString(run.Error), storage.NullString(run.ErrorStep),
		storage.NullTime(run.StartedAt), storage.NullTime(run.CompletedAt),
		storage.FormatTime(run.CreatedAt), storage.FormatTime(run.UpdatedAt))
	return err
}

// Get fetches one run.
func (r *WorkflowRuns) Get(ctx context.Context, id string) (*WorkflowRun, error) {
	row := r.db.QueryRow(ctx, `
		SELECT `+workflowRunCols+` FROM core_workflow_runs WHERE id = ?`, id)
	return scanWorkflowRun(row.Scan)
}

// List returns runs newest first plus the filtered total.
func (r *WorkflowRuns) List(ctx context.Context, workflow, status string, limit, offset int) ([]*WorkflowRun, int, error) {
	clause, args := storage.NewWhere().
		Eq("workflow", workflow).
		Eq("status", status).
		Clause()

	var total int
	row := r.db.QueryRow(ctx, `SELECT COUNT(*) FROM core_workflow_runs`+clause, args...)
	if err := row.Scan(&total); err != nil {
		return nil, 0, storage.ScanError("workflow_runs.count", err)
	}

	rows, err := r.db.Query(ctx, `
		SELECT `+workflowRunCols+` FROM core_workflow_runs`+clause+`
		ORDER BY created_at DESC
		LIMIT ? OFFSET ?`, append(args, ClampLimit(limit), offset)...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var out []*WorkflowRun
	for rows.Next() {
		run, err := scanWorkflowRun(rows.Scan)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, run)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, storage.ScanError("workflow_runs.list", err)
	}
	return out, total, nil
}

// Finish records the terminal outcome of a run.
func (r *WorkflowRuns) Finish(ctx context.Context, id string, status WorkflowRunStatus, errMsg, errStep string, completedAt, now time.Time) error {
	_, err := r.db.Exec(ctx, `
		UPDATE core_workflow_runs
		SET status = ?, error = ?, error_step = ?, completed_at = ?, updated_at = ?
		WHERE id = ?`,
		string(status), storage.NullString(errMsg), storage.NullString(errStep),
		storage.FormatTime(completedAt), storage.FormatTime(now), id)
	return err
}

// SetStatus moves a run between non-terminal statuses.
func (r *WorkflowRuns) SetStatus(ctx context.Context, id string, status WorkflowRunStatus, startedAt, now time.Time) error {
	_, err := r.db.Exec(ctx, `
		UPDATE core_workflow_runs
		SET status = ?, started_at = COALESCE(started_at, ?), updated_at = ?
		WHERE id = ?`,
		string(status), storage.NullTime(startedAt), storage.FormatTime(now), id)
	return err
}

// UpsertStep records or updates the outcome of one step in a run.
func (r *WorkflowRuns) UpsertStep(ctx context.Context, step *WorkflowStepRow) error {
	output, err := step.Output.Encode()
	if err != nil {
		return err
	}
	upsert := r.db.Dialect().UpsertClause(
		[]string{"run_id", "step_name"},
		[]string{"status", "execution_id", "output", "error", "started_at", "completed_at"},
	)
	_, err = r.db.Exec(ctx, `
		INSERT INTO core_workflow_steps
			(run_id, step_name, step_index, status, execution_id, output,
			 error, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?) `+upsert,
		step.RunID, step.StepName, step.StepIndex, step.Status,
		storage.NullString(step.ExecutionID), output,
		storage.NullString(step.Error),
		storage.NullTime(step.StartedAt), storage.NullTime(step.CompletedAt))
	return err
}

// ListSteps returns the steps of a run in declaration order.
func (r *WorkflowRuns) ListSteps(ctx context.Context, runID string) ([]*WorkflowStepRow, error) {
	rows, err := r.db.Query(ctx, `
		SELECT run_id, step_name, step_index, status, execution_id, output,
		       error, started_at, completed_at
		FROM core_workflow_steps
		WHERE run_id = ?
		ORDER BY step_index ASC`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*WorkflowStepRow
	for rows.Next() {
		var (
			step                    WorkflowStepRow
			execID, output, errText sql.NullString
			started, completed      sql.NullString
		)
		if err := rows.Scan(&step.RunID, &step.StepName, &step.StepIndex,
			&step.Status, &execID, &output, &errText, &started, &completed); err != nil {
			return nil, storage.ScanError("workflow_steps.scan", err)
		}
		step.ExecutionID = execID.String
		step.Error = errText.String
		step.StartedAt = storage.TimeOf(started)
		step.CompletedAt = storage.TimeOf(completed)
		if output.Valid {
			if step.Output, err = DecodeJSONMap([]byte(output.String)); err != nil {
				return nil, storage.ScanError("workflow_steps.scan", err)
			}
		}
		out = append(out, &step)
	}
	if err := rows.Err(); err != nil {
		return nil, storage.ScanError("workflow_steps.list", err)
	}
	return out, nil
}

func scanWorkflowRun(scan func(...any) error) (*WorkflowRun, error) {
	var (
		run                      WorkflowRun
		status                   string
		params, errText, errStep sql.NullString
		started, completed       sql.NullString
		created, updated         string
	)
	err := scan(&run.ID, &run.Workflow, &status, &params, &errText, &errStep,
		&started, &completed, &created, &updated)
	if err != nil {
		return nil, storage.ScanError("workflow_runs.get", err)
	}
	run.Status = WorkflowRunStatus(status)
	run.Error = errText.String
	run.ErrorStep = errStep.String
	run.StartedAt = storage.TimeOf(started)
	run.CompletedAt = storage.TimeOf(completed)
	if run.CreatedAt, err = storage.ParseTime(created); err != nil {
		return nil, storage.ScanError("workflow_runs.get", err)
	}
	if run.UpdatedAt, err = storage.ParseTime(updated); err != nil {
		return nil, storage.ScanError("workflow_runs.get", err)
	}
	if params.Valid {
		if run.Params, err = DecodeJSONMap([]byte(params.String)); err != nil {
			return nil, storage.ScanError("workflow_runs.get", err)
		}
	}
	return &run, nil
}
