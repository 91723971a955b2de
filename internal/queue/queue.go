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

// Package queue is the persistent, claimable work-item queue. Items
// move PENDING -> RUNNING -> COMPLETE, with failed attempts parked in
// RETRY_WAIT under exponential backoff until the budget is spent.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/spinehq/spine/internal/clock"
	"github.com/spinehq/spine/internal/dispatch"
	"github.com/spinehq/spine/internal/dlq"
	"github.com/spinehq/spine/internal/metrics"
	"github.com/spinehq/spine/internal/repo"
	"github.com/spinehq/spine/internal/storage"
	"github.com/spinehq/spine/pkg/errors"
)

// Backoff computes the retry delay after attempt n (1-based):
// base * 2^(n-1), capped at ceiling.
type Backoff struct {
	Base    time.Duration
	Ceiling time.Duration
}

// DefaultBackoff is 60s doubling up to 1h.
var DefaultBackoff = Backoff{Base: time.Minute, Ceiling: time.Hour}

// Delay returns the wait before the next attempt.
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := b.Base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= b.Ceiling {
			return b.Ceiling
		}
	}
	if d > b.Ceiling {
		return b.Ceiling
	}
	return d
}

// Queue enqueues, claims, and settles work items.
type Queue struct {
	items      *repo.WorkItems
	dispatcher *dispatch.Dispatcher
	deadline   *dlq.Manager
	backoff    Backoff
	clock      clock.Clock
	log        *slog.Logger
}

// New returns a Queue. deadline may be nil to disable dead-lettering.
func New(items *repo.WorkItems, d *dispatch.Dispatcher, deadline *dlq.Manager, backoff Backoff, clk clock.Clock, logger *slog.Logger) *Queue {
	if backoff.Base <= 0 {
		backoff = DefaultBackoff
	}
	return &Queue{
		items:      items,
		dispatcher: d,
		deadline:   deadline,
		backoff:    backoff,
		clock:      clk,
		log:        logger,
	}
}

// EnqueueRequest describes one deferred job.
type EnqueueRequest struct {
	Domain       string
	Workflow     string
	PartitionKey map[string]any
	DesiredAt    time.Time
	Priority     int
	MaxAttempts  int
}

// Enqueue inserts a PENDING item. A duplicate of a live logical job,
// rejected by UNIQUE(domain, workflow, partition_key), is reported as
// success with deduplicated=true.
func (q *Queue) Enqueue(ctx context.Context, req EnqueueRequest) (id int64, deduplicated bool, err error) {
	if req.Domain == "" || req.Workflow == "" {
		return 0, false, &errors.ValidationError{Field: "domain", Message: "domain and workflow are required"}
	}
	partition := "{}"
	if req.PartitionKey != nil {
		raw, err := json.Marshal(req.PartitionKey)
		if err != nil {
			return 0, false, err
		}
		partition = string(raw)
	}
	maxAttempts := req.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 3
	}

	id, err = q.items.Enqueue(ctx, &repo.WorkItem{
		Domain:       req.Domain,
		Workflow:     req.Workflow,
		PartitionKey: partition,
		DesiredAt:    req.DesiredAt,
		Priority:     req.Priority,
		MaxAttempts:  maxAttempts,
		CreatedAt:    q.clock.Now(),
	})
	if err != nil {
		if storage.IsConstraint(err) {
			return 0, true, nil
		}
		return 0, false, err
	}
	return id, false, nil
}

// ClaimNext claims the best claimable item for owner, or nil when the
// queue is empty. Races between workers are settled by the conditional
// claim update; losers try the next candidate.
func (q *Queue) ClaimNext(ctx context.Context, owner string) (*repo.WorkItem, error) {
	now := q.clock.Now()
	ids, err := q.items.NextClaimable(ctx, now, 10)
	if err != nil {
		return nil, err
	}
	metrics.QueueDepth.Set(float64(len(ids)))

	for _, id := range ids {
		item, err := q.items.Claim(ctx, id, owner, now)
		if err != nil {
			return nil, err
		}
		if item != nil {
			metrics.QueueClaims.WithLabelValues("won").Inc()
			return item, nil
		}
		metrics.QueueClaims.WithLabelValues("lost").Inc()
	}
	return nil, nil
}

// Complete settles a claimed item as done.
func (q *Queue) Complete(ctx context.Context, item *repo.WorkItem, executionID string) error {
	return q.items.Complete(ctx, item.ID, executionID, q.clock.Now())
}

// Fail settles a failed attempt. Attempts below the budget park the
// item in RETRY_WAIT with the backoff delay; the final attempt moves it
// to terminal FAILED and captures a dead letter.
func (q *Queue) Fail(ctx context.Context, item *repo.WorkItem, errMsg string) error {
	now := q.clock.Now()

	if item.AttemptCount < item.MaxAttempts {
		next := now.Add(q.backoff.Delay(item.AttemptCount))
		q.log.Warn("work item retry scheduled",
			"item_id", item.ID, "workflow", item.Workflow,
			"attempt", item.AttemptCount, "next_attempt_at", next, "error", errMsg)
		return q.items.Fail(ctx, item.ID, repo.ItemRetryWait, errMsg, next, now)
	}

	if err := q.items.Fail(ctx, item.ID, repo.ItemFailed, errMsg, time.Time{}, now); err != nil {
		return err
	}
	if q.deadline != nil {
		var partition map[string]any
		_ = json.Unmarshal([]byte(item.PartitionKey), &partition)
		_, err := q.deadline.Capture(ctx, item.LatestExecutionID, item.Workflow,
			repo.JSONMap{"domain": item.Domain, "partition_key": partition},
			errMsg, item.AttemptCount, item.MaxAttempts)
		if err != nil {
			q.log.Error("dead letter capture failed", "item_id", item.ID, "error", err)
		}
	}
	return nil
}

// Cancel moves a non-terminal item to CANCELLED.
func (q *Queue) Cancel(ctx context.Context, id int64) error {
	ok, err := q.items.Cancel(ctx, id, q.clock.Now())
	if err != nil {
		return err
	}
	if !ok {
		return &errors.ConflictError{Resource: "work_item", Reason: "item is terminal"}
	}
	return nil
}

// RetryFailed resets terminal FAILED items matching the filter back to
// PENDING with a fresh budget.
func (q *Queue) RetryFailed(ctx context.Context, f repo.WorkItemFilter) (int64, error) {
	return q.items.RetryFailed(ctx, f, q.clock.Now())
}

// List pages work items.
func (q *Queue) List(ctx context.Context, f repo.WorkItemFilter) ([]*repo.WorkItem, int, error) {
	return q.items.List(ctx, f)
}

// Get fetches one item.
func (q *Queue) Get(ctx context.Context, id int64) (*repo.WorkItem, error) {
	item, err := q.items.GetByID(ctx, id)
	if err != nil {
		if storage.IsNotFound(err) {
			return nil, &errors.NotFoundError{Resource: "work_item", ID: fmt.Sprintf("%d", id)}
		}
		return nil, err
	}
	return item, nil
}

// RunItem executes one claimed item through the dispatcher and settles
// it from the outcome.
func (q *Queue) RunItem(ctx context.Context, item *repo.WorkItem) error {
	var partition map[string]any
	if err := json.Unmarshal([]byte(item.PartitionKey), &partition); err != nil {
		partition = nil
	}

	exec, err := q.dispatcher.Submit(ctx, dispatch.SubmitRequest{
		Name: item.Workflow,
		Params: repo.JSONMap{
			"domain":    item.Domain,
			"partition": partition,
		},
		TriggerSource: repo.TriggerInternal,
	})
	if err != nil {
		return q.Fail(ctx, item, err.Error())
	}

	if setErr := q.items.SetCurrentExecution(ctx, item.ID, exec.ID, q.clock.Now()); setErr != nil {
		q.log.Error("work item execution link failed", "item_id", item.ID, "error", setErr)
	}
	item.LatestExecutionID = exec.ID

	if exec.Status == repo.StatusCompleted {
		return q.Complete(ctx, item, exec.ID)
	}
	return q.Fail(ctx, item, exec.Error)
}

// Worker drains the queue until ctx ends, polling at interval when no
// work is claimable.
func (q *Queue) Worker(ctx context.Context, owner string, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	q.log.Info("queue worker started", "owner", owner, "poll_interval", interval)

	for {
		if ctx.Err() != nil {
			q.log.Info("queue worker stopped", "owner", owner)
			return
		}

		item, err := q.ClaimNext(ctx, owner)
		if err != nil {
			q.log.Error("claim failed", "owner", owner, "error", err)
		} else if item != nil {
			if err := q.RunItem(ctx, item); err != nil {
				q.log.Error("work item settle failed", "item_id", item.ID, "error", err)
			}
			continue
		}

		if err := q.clock.Sleep(ctx, interval); err != nil {
			q.log.Info("queue worker stopped", "owner", owner)
			return
		}
	}
}
