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

// Package dlq captures exhausted failures and replays them on operator
// request.
package dlq

import (
	"context"
	"log/slog"
	"strconv"

	"github.com/spinehq/spine/internal/clock"
	"github.com/spinehq/spine/internal/dispatch"
	"github.com/spinehq/spine/internal/metrics"
	"github.com/spinehq/spine/internal/repo"
	"github.com/spinehq/spine/internal/storage"
	"github.com/spinehq/spine/pkg/errors"
)

// Manager owns the dead-letter queue.
type Manager struct {
	letters    *repo.DeadLetters
	dispatcher *dispatch.Dispatcher
	clock      clock.Clock
	log        *slog.Logger
}

// New returns a Manager.
func New(letters *repo.DeadLetters, d *dispatch.Dispatcher, clk clock.Clock, logger *slog.Logger) *Manager {
	return &Manager{letters: letters, dispatcher: d, clock: clk, log: logger}
}

// Capture snapshots an exhausted failure into the queue.
func (m *Manager) Capture(ctx context.Context, executionID, workflow string, params repo.JSONMap, errMsg string, retryCount, maxRetries int) (int64, error) {
	id, err := m.letters.Insert(ctx, &repo.DeadLetter{
		ExecutionID: executionID,
		Workflow:    workflow,
		Params:      params,
		Error:       errMsg,
		RetryCount:  retryCount,
		MaxRetries:  maxRetries,
		CreatedAt:   m.clock.Now(),
	})
	if err != nil {
		return 0, err
	}
	metrics.DeadLetters.WithLabelValues(workflow).Inc()
	m.log.Warn("dead letter captured",
		"workflow", workflow, "execution_id", executionID,
		"retry_count", retryCount, "error", errMsg)
	return id, nil
}

// Get fetches one dead letter.
func (m *Manager) Get(ctx context.Context, id int64) (*repo.DeadLetter, error) {
	d, err := m.letters.Get(ctx, id)
	if err != nil {
		if storage.IsNotFound(err) {
			return nil, &errors.NotFoundError{Resource: "dead_letter", ID: strconv.FormatInt(id, 10)}
		}
		return nil, err
	}
	return d, nil
}

// List pages dead letters.
func (m *Manager) List(ctx context.Context, f repo.DeadLetterFilter) ([]*repo.DeadLetter, int, error) {
	return m.letters.List(ctx, f)
}

// Replay resubmits the captured params as a fresh execution. The new
// run starts with a zero retry budget; its parent pointer carries the
// lineage back to the failed execution.
func (m *Manager) Replay(ctx context.Context, id int64) (*repo.Execution, error) {
	letter, err := m.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	exec, err := m.dispatcher.Submit(ctx, dispatch.SubmitRequest{
		Name:              letter.Workflow,
		Params:            letter.Params,
		TriggerSource:     repo.TriggerRetry,
		ParentExecutionID: letter.ExecutionID,
	})
	if err != nil {
		return nil, err
	}
	if err := m.letters.MarkReplayed(ctx, id); err != nil {
		return nil, err
	}
	m.log.Info("dead letter replayed",
		"dead_letter_id", id, "workflow", letter.Workflow, "execution_id", exec.ID)
	return exec, nil
}

// Resolve marks a dead letter handled by an operator.
func (m *Manager) Resolve(ctx context.Context, id int64, resolvedBy string) error {
	ok, err := m.letters.Resolve(ctx, id, resolvedBy, m.clock.Now())
	if err != nil {
		return err
	}
	if !ok {
		if _, err := m.Get(ctx, id); err != nil {
			return err
		}
		return &errors.ConflictError{
			Resource: "dead_letter",
			Reason:   "already resolved",
		}
	}
	return nil
}
