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

// Package dispatch runs single operation submissions synchronously:
// it writes the execution through the ledger, takes the operation's
// concurrency lock when one is declared, invokes the handler, and
// records the outcome. The workflow engine reaches operations through
// the same path via SubmitPipelineSync.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/spinehq/spine/internal/clock"
	"github.com/spinehq/spine/internal/engine"
	"github.com/spinehq/spine/internal/guard"
	"github.com/spinehq/spine/internal/ledger"
	"github.com/spinehq/spine/internal/metrics"
	"github.com/spinehq/spine/internal/registry"
	"github.com/spinehq/spine/internal/repo"
	"github.com/spinehq/spine/internal/tracing"
	"github.com/spinehq/spine/pkg/errors"
)

// Dispatcher executes operation submissions.
type Dispatcher struct {
	registry *registry.Registry
	ledger   *ledger.Ledger
	guard    *guard.Guard
	clock    clock.Clock
	log      *slog.Logger
}

// New returns a Dispatcher.
func New(reg *registry.Registry, led *ledger.Ledger, grd *guard.Guard, clk clock.Clock, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{registry: reg, ledger: led, guard: grd, clock: clk, log: logger}
}

// SubmitRequest describes one operation submission.
type SubmitRequest struct {
	Name              string
	Params            repo.JSONMap
	IdempotencyKey    string
	TriggerSource     repo.TriggerSource
	ParentExecutionID string
	Lane              string
}

// Submit runs the named operation to completion and returns its final
// execution row. Handler errors are recorded as FAILED, never re-raised;
// only infrastructure failures surface as the second return value.
func (d *Dispatcher) Submit(ctx context.Context, req SubmitRequest) (*repo.Execution, error) {
	op, err := d.registry.Operation(req.Name)
	if err != nil {
		return nil, err
	}

	// Replay cache: a COMPLETED execution holding the key answers
	// without a new run.
	if req.IdempotencyKey != "" {
		cached, done, err := d.ledger.CachedResult(ctx, req.IdempotencyKey)
		if err != nil {
			return nil, err
		}
		if done {
			d.log.Debug("idempotent replay served from cache",
				"operation", req.Name, "execution_id", cached.ID)
			return cached, nil
		}
	}

	lane := req.Lane
	if lane == "" {
		lane = op.Lane
	}
	exec, existing, err := d.ledger.CreateExecution(ctx, ledger.CreateRequest{
		Workflow:          req.Name,
		Params:            req.Params,
		Lane:              lane,
		TriggerSource:     req.TriggerSource,
		ParentExecutionID: req.ParentExecutionID,
		IdempotencyKey:    req.IdempotencyKey,
	})
	if err != nil {
		return nil, err
	}
	if existing {
		// Equivalent submission already in flight or finished.
		return exec, nil
	}

	if op.ConcurrencyKey != "" {
		held, err := d.guard.Acquire(ctx, op.ConcurrencyKey, exec.ID, op.LockTTL)
		if err != nil {
			return nil, err
		}
		if !held {
			metrics.LockContention.WithLabelValues(op.ConcurrencyKey).Inc()
			cancelled, err := d.ledger.Cancel(ctx, exec.ID,
				fmt.Sprintf("%s: lock %q held by another run", errors.CategoryLockContention, op.ConcurrencyKey))
			if err != nil {
				return nil, err
			}
			return cancelled, nil
		}
		defer func() {
			if err := d.guard.Release(context.WithoutCancel(ctx), op.ConcurrencyKey, exec.ID); err != nil {
				d.log.Error("lock release failed",
					"lock_key", op.ConcurrencyKey, "execution_id", exec.ID, "error", err)
			}
		}()
	}

	if _, err := d.ledger.UpdateStatus(ctx, exec.ID, ledger.Transition{Status: repo.StatusRunning}); err != nil {
		return nil, err
	}

	spanCtx, span := tracing.StartExecution(ctx, req.Name, exec.ID, string(req.TriggerSource))
	value, handlerErr := d.invoke(spanCtx, op, req.Params)
	tracing.End(span, handlerErr)

	var final *repo.Execution
	if handlerErr != nil {
		category := errors.CategoryOf(handlerErr)
		final, err = d.ledger.UpdateStatus(ctx, exec.ID, ledger.Transition{
			Status: repo.StatusFailed,
			Error:  fmt.Sprintf("%s: %v", category, handlerErr),
		})
	} else {
		final, err = d.ledger.UpdateStatus(ctx, exec.ID, ledger.Transition{
			Status: repo.StatusCompleted,
			Result: toResultMap(value),
		})
	}
	if err != nil {
		return nil, err
	}

	metrics.ExecutionsTotal.WithLabelValues(req.Name, string(final.Status)).Inc()
	metrics.ExecutionDuration.WithLabelValues(req.Name).Observe(ledger.Elapsed(final).Seconds())
	return final, nil
}

// invoke calls the handler with a recover shim so panics surface as
// INTERNAL errors instead of tearing down the caller.
func (d *Dispatcher) invoke(ctx context.Context, op *registry.Operation, params repo.JSONMap) (value any, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = &errors.InternalError{
				Operation: op.Name,
				Cause:     fmt.Errorf("handler panic: %v", rec),
			}
		}
	}()
	return op.Handler(ctx, params)
}

// toResultMap normalizes a handler return value into the stored result
// JSON object.
func toResultMap(value any) repo.JSONMap {
	switch v := value.(type) {
	case nil:
		return nil
	case repo.JSONMap:
		return v
	case map[string]any:
		return repo.JSONMap(v)
	default:
		return repo.JSONMap{"value": v}
	}
}

// Retry resubmits a finished execution's workflow with its original
// params under a new execution id, preserving lineage through the
// parent pointer.
func (d *Dispatcher) Retry(ctx context.Context, executionID string) (*repo.Execution, error) {
	prev, err := d.ledger.Get(ctx, executionID)
	if err != nil {
		return nil, err
	}
	if !prev.Status.Terminal() {
		return nil, &errors.ConflictError{
			Resource: "execution",
			Reason:   fmt.Sprintf("execution %s is still %s", executionID, prev.Status),
		}
	}
	if err := d.ledger.MarkRetried(ctx, executionID); err != nil {
		return nil, err
	}
	return d.Submit(ctx, SubmitRequest{
		Name:              prev.Workflow,
		Params:            prev.Params,
		TriggerSource:     repo.TriggerRetry,
		ParentExecutionID: executionID,
		Lane:              prev.Lane,
	})
}

// SubmitPipelineSync implements engine.Runnable for pipeline steps.
func (d *Dispatcher) SubmitPipelineSync(ctx context.Context, name string, params map[string]any, parentRunID, correlationID string) (*engine.PipelineRunResult, error) {
	exec, err := d.Submit(ctx, SubmitRequest{
		Name:              name,
		Params:            repo.JSONMap(params),
		TriggerSource:     repo.TriggerWorkflow,
		ParentExecutionID: parentRunID,
	})
	if err != nil {
		return nil, err
	}
	return &engine.PipelineRunResult{
		RunID:       exec.ID,
		Status:      exec.Status,
		Error:       exec.Error,
		Metrics:     exec.Result,
		StartedAt:   exec.StartedAt,
		CompletedAt: exec.CompletedAt,
	}, nil
}
