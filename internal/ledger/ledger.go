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

// Package ledger is the single entry point for writing execution state.
// It owns the status state machine and the append-only event log; no
// other component updates core_executions directly.
package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/spinehq/spine/internal/clock"
	"github.com/spinehq/spine/internal/repo"
	"github.com/spinehq/spine/internal/storage"
	"github.com/spinehq/spine/pkg/errors"
)

// transitions maps each status to the statuses it may move to.
var transitions = map[repo.ExecutionStatus][]repo.ExecutionStatus{
	repo.StatusPending: {repo.StatusQueued, repo.StatusRunning, repo.StatusCancelled},
	repo.StatusQueued:  {repo.StatusRunning, repo.StatusCancelled},
	repo.StatusRunning: {repo.StatusCompleted, repo.StatusFailed, repo.StatusCancelled},
}

// CanTransition reports whether from → to is a legal move.
func CanTransition(from, to repo.ExecutionStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// allowedFrom returns every status that may legally move to target.
func allowedFrom(target repo.ExecutionStatus) []string {
	var out []string
	for from, nexts := range transitions {
		for _, next := range nexts {
			if next == target {
				out = append(out, string(from))
			}
		}
	}
	return out
}

// eventFor maps a target status to its lifecycle event type.
func eventFor(status repo.ExecutionStatus) repo.EventType {
	switch status {
	case repo.StatusRunning:
		return repo.EventStarted
	case repo.StatusCompleted:
		return repo.EventCompleted
	case repo.StatusFailed:
		return repo.EventFailed
	case repo.StatusCancelled:
		return repo.EventCancelled
	default:
		return repo.EventProgress
	}
}

// Ledger writes executions and their events.
type Ledger struct {
	execs *repo.Executions
	clock clock.Clock
	log   *slog.Logger
}

// New returns a Ledger over the execution repository.
func New(execs *repo.Executions, clk clock.Clock, logger *slog.Logger) *Ledger {
	return &Ledger{execs: execs, clock: clk, log: logger}
}

// CreateRequest describes a new execution.
type CreateRequest struct {
	Workflow          string
	Params            repo.JSONMap
	Lane              string
	TriggerSource     repo.TriggerSource
	ParentExecutionID string
	IdempotencyKey    string
}

// CreateExecution inserts a PENDING execution and its CREATED event.
// When the idempotency key is already held, the existing execution is
// returned unchanged and no second row or event is written.
func (l *Ledger) CreateExecution(ctx context.Context, req CreateRequest) (*repo.Execution, bool, error) {
	if req.Workflow == "" {
		return nil, false, &errors.ValidationError{Field: "workflow", Message: "workflow name is required"}
	}
	if req.IdempotencyKey != "" {
		existing, err := l.execs.GetByIdempotencyKey(ctx, req.IdempotencyKey)
		if err == nil {
			return existing, true, nil
		}
		if !storage.IsNotFound(err) {
			return nil, false, err
		}
	}

	now := l.clock.Now()
	e := &repo.Execution{
		ID:                repo.NewID(),
		Workflow:          req.Workflow,
		Params:            req.Params,
		Status:            repo.StatusPending,
		Lane:              req.Lane,
		TriggerSource:     req.TriggerSource,
		ParentExecutionID: req.ParentExecutionID,
		IdempotencyKey:    req.IdempotencyKey,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if e.Lane == "" {
		e.Lane = "default"
	}
	if e.TriggerSource == "" {
		e.TriggerSource = repo.TriggerInternal
	}

	if err := l.execs.Create(ctx, e); err != nil {
		if storage.IsConstraint(err) && req.IdempotencyKey != "" {
			// Lost a race on the key; hand back the winner.
			existing, getErr := l.execs.GetByIdempotencyKey(ctx, req.IdempotencyKey)
			if getErr == nil {
				return existing, true, nil
			}
		}
		return nil, false, err
	}

	if err := l.execs.AddEvent(ctx, &repo.ExecutionEvent{
		ExecutionID: e.ID,
		EventType:   repo.EventCreated,
		Timestamp:   now,
		Data: repo.JSONMap{
			"workflow":       e.Workflow,
			"trigger_source": string(e.TriggerSource),
		},
	}); err != nil {
		return nil, false, err
	}

	l.log.Debug("execution created",
		"execution_id", e.ID, "workflow", e.Workflow, "trigger", string(e.TriggerSource))
	return e, false, nil
}

// Transition carries the payload of one status change.
type Transition struct {
	Status repo.ExecutionStatus
	Result repo.JSONMap
	Error  string
}

// UpdateStatus applies a legal transition and records its event. Illegal
// transitions, including any move out of a terminal state, are rejected
// with a CONFLICT error.
func (l *Ledger) UpdateStatus(ctx context.Context, id string, tr Transition) (*repo.Execution, error) {
	if !tr.Status.Valid() {
		return nil, &errors.ValidationError{Field: "status", Message: fmt.Sprintf("unknown status %q", tr.Status)}
	}

	current, err := l.execs.GetByID(ctx, id)
	if err != nil {
		if storage.IsNotFound(err) {
			return nil, &errors.NotFoundError{Resource: "execution", ID: id}
		}
		return nil, err
	}
	if !CanTransition(current.Status, tr.Status) {
		return nil, &errors.ConflictError{
			Resource: "execution",
			Reason:   fmt.Sprintf("illegal transition %s -> %s for %s", current.Status, tr.Status, id),
		}
	}

	now := l.clock.Now()
	update := repo.StatusUpdate{
		Status: tr.Status,
		Result: tr.Result,
		Error:  tr.Error,
		Now:    now,
	}
	if tr.Status == repo.StatusRunning {
		update.StartedAt = now
	}
	if tr.Status.Terminal() {
		update.CompletedAt = now
	}

	// The conditional update re-checks the FSM under the row write, so a
	// concurrent transition cannot slip through between get and set.
	ok, err := l.execs.UpdateStatus(ctx, id, update, allowedFrom(tr.Status))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, &errors.ConflictError{
			Resource: "execution",
			Reason:   fmt.Sprintf("execution %s changed concurrently", id),
		}
	}

	data := repo.JSONMap{"from": string(current.Status), "to": string(tr.Status)}
	if tr.Error != "" {
		data["error"] = tr.Error
	}
	if tr.Result != nil {
		data["result"] = map[string]any(tr.Result)
	}
	if err := l.execs.AddEvent(ctx, &repo.ExecutionEvent{
		ExecutionID: id,
		EventType:   eventFor(tr.Status),
		Timestamp:   now,
		Data:        data,
	}); err != nil {
		return nil, err
	}

	l.log.Debug("execution transition",
		"execution_id", id, "from", string(current.Status), "to", string(tr.Status))
	return l.execs.GetByID(ctx, id)
}

// RecordProgress appends a PROGRESS event without touching the row.
func (l *Ledger) RecordProgress(ctx context.Context, id string, data repo.JSONMap) error {
	return l.execs.AddEvent(ctx, &repo.ExecutionEvent{
		ExecutionID: id,
		EventType:   repo.EventProgress,
		Timestamp:   l.clock.Now(),
		Data:        data,
	})
}

// Get fetches one execution, translating missing rows into NOT_FOUND.
func (l *Ledger) Get(ctx context.Context, id string) (*repo.Execution, error) {
	e, err := l.execs.GetByID(ctx, id)
	if err != nil {
		if storage.IsNotFound(err) {
			return nil, &errors.NotFoundError{Resource: "execution", ID: id}
		}
		return nil, err
	}
	return e, nil
}

// List pages executions.
func (l *Ledger) List(ctx context.Context, f repo.ExecutionFilter) ([]*repo.Execution, int, error) {
	return l.execs.List(ctx, f)
}

// Events returns the ordered event stream of one execution.
func (l *Ledger) Events(ctx context.Context, id string) ([]*repo.ExecutionEvent, error) {
	if _, err := l.Get(ctx, id); err != nil {
		return nil, err
	}
	return l.execs.ListEvents(ctx, id)
}

// CachedResult returns the replay-cache value for an idempotency key:
// the result of the COMPLETED execution holding it, if any.
func (l *Ledger) CachedResult(ctx context.Context, key string) (*repo.Execution, bool, error) {
	e, err := l.execs.GetByIdempotencyKey(ctx, key)
	if err != nil {
		if storage.IsNotFound(err) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return e, e.Status == repo.StatusCompleted, nil
}

// Cancel moves a non-terminal execution to CANCELLED. Terminal rows
// yield CONFLICT.
func (l *Ledger) Cancel(ctx context.Context, id, reason string) (*repo.Execution, error) {
	return l.UpdateStatus(ctx, id, Transition{Status: repo.StatusCancelled, Error: reason})
}

// MarkRetried bumps retry_count after a retry submission.
func (l *Ledger) MarkRetried(ctx context.Context, id string) error {
	return l.execs.IncrementRetryCount(ctx, id, l.clock.Now())
}

// Elapsed returns the wall-clock duration of a finished execution.
func Elapsed(e *repo.Execution) time.Duration {
	if e.StartedAt.IsZero() || e.CompletedAt.IsZero() {
		return 0
	}
	return e.CompletedAt.Sub(e.StartedAt)
}
