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

package queue

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/spinehq/spine/internal/clock"
	"github.com/spinehq/spine/internal/dispatch"
	"github.com/spinehq/spine/internal/dlq"
	"github.com/spinehq/spine/internal/guard"
	"github.com/spinehq/spine/internal/ledger"
	"github.com/spinehq/spine/internal/registry"
	"github.com/spinehq/spine/internal/repo"
	"github.com/spinehq/spine/internal/storage"
)

type fixture struct {
	queue    *Queue
	registry *registry.Registry
	letters  *dlq.Manager
	clock    *clock.Fake
}

func testQueue(t *testing.T) *fixture {
	t.Helper()
	db, err := storage.Open("sqlite://:memory:", storage.Options{})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	clk := clock.NewFake(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	led := ledger.New(repo.NewExecutions(db), clk, logger)
	grd := guard.New(repo.NewLocks(db), clk, logger)
	reg := registry.New()
	d := dispatch.New(reg, led, grd, clk, logger)
	letters := dlq.New(repo.NewDeadLetters(db), d, clk, logger)
	q := New(repo.NewWorkItems(db), d, letters, DefaultBackoff, clk, logger)
	return &fixture{queue: q, registry: reg, letters: letters, clock: clk}
}

func TestBackoffDelay(t *testing.T) {
	b := Backoff{Base: time.Minute, Ceiling: time.Hour}
	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{0, time.Minute},
		{1, time.Minute},
		{2, 2 * time.Minute},
		{3, 4 * time.Minute},
		{6, 32 * time.Minute},
		{7, time.Hour}, // 64m caps at the ceiling
		{20, time.Hour},
	}
	for _, c := range cases {
		if got := b.Delay(c.attempt); got != c.want {
			t.Errorf("Delay(%d) = %v, want %v", c.attempt, got, c.want)
		}
	}
}

func TestEnqueue_DeduplicatesLiveItems(t *testing.T) {
	f := testQueue(t)
	ctx := context.Background()

	req := EnqueueRequest{
		Domain:       "sales",
		Workflow:     "ingest_daily",
		PartitionKey: map[string]any{"date": "2025-06-01"},
	}
	id, dup, err := f.queue.Enqueue(ctx, req)
	if err != nil || dup {
		t.Fatalf("first enqueue: id=%d dup=%v err=%v", id, dup, err)
	}
	if id == 0 {
		t.Fatal("expected an item id")
	}

	_, dup, err = f.queue.Enqueue(ctx, req)
	if err != nil {
		t.Fatalf("second enqueue: %v", err)
	}
	if !dup {
		t.Error("duplicate enqueue should be reported as deduplicated")
	}
}

func TestClaimNext_EmptyQueue(t *testing.T) {
	f := testQueue(t)
	item, err := f.queue.ClaimNext(context.Background(), "worker-1")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if item != nil {
		t.Errorf("claimed %+v from an empty queue", item)
	}
}

func TestRunItem_Completes(t *testing.T) {
	f := testQueue(t)
	ctx := context.Background()

	f.registry.RegisterOperation(&registry.Operation{
		Name: "ingest_daily",
		Handler: func(_ context.Context, params repo.JSONMap) (any, error) {
			return map[string]any{"rows": 42}, nil
		},
	})

	_, _, err := f.queue.Enqueue(ctx, EnqueueRequest{Domain: "sales", Workflow: "ingest_daily"})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	item, err := f.queue.ClaimNext(ctx, "worker-1")
	if err != nil || item == nil {
		t.Fatalf("claim: item=%v err=%v", item, err)
	}
	if item.AttemptCount != 1 || item.State != repo.ItemRunning {
		t.Fatalf("claimed item = %+v", item)
	}

	if err := f.queue.RunItem(ctx, item); err != nil {
		t.Fatalf("run: %v", err)
	}

	got, err := f.queue.Get(ctx, item.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.State != repo.ItemComplete {
		t.Errorf("state = %s", got.State)
	}
	if got.LatestExecutionID == "" {
		t.Error("expected latest_execution_id to be set")
	}
	if got.LockedBy != "" {
		t.Errorf("lock not cleared: %q", got.LockedBy)
	}
}

// Three failed attempts walk the item through RETRY_WAIT at +60s and
// +120s, then land it in terminal FAILED with one dead letter.
func TestRetryScheduleThenDeadLetter(t *testing.T) {
	f := testQueue(t)
	ctx := context.Background()

	f.registry.RegisterOperation(&registry.Operation{
		Name: "ingest_daily",
		Handler: func(context.Context, repo.JSONMap) (any, error) {
			return nil, fmt.Errorf("upstream unavailable")
		},
	})

	_, _, err := f.queue.Enqueue(ctx, EnqueueRequest{
		Domain: "sales", Workflow: "ingest_daily", MaxAttempts: 3,
	})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	// Attempt 1.
	item, err := f.queue.ClaimNext(ctx, "worker-1")
	if err != nil || item == nil {
		t.Fatalf("claim 1: item=%v err=%v", item, err)
	}
	if err := f.queue.RunItem(ctx, item); err != nil {
		t.Fatalf("run 1: %v", err)
	}
	got, _ := f.queue.Get(ctx, item.ID)
	if got.State != repo.ItemRetryWait {
		t.Fatalf("after attempt 1 state = %s", got.State)
	}
	wantNext := f.clock.Now().Add(time.Minute)
	if !got.NextAttemptAt.Equal(wantNext) {
		t.Errorf("next_attempt_at = %v, want %v", got.NextAttemptAt, wantNext)
	}

	// Not due yet.
	f.clock.Advance(30 * time.Second)
	if early, _ := f.queue.ClaimNext(ctx, "worker-1"); early != nil {
		t.Fatalf("claimed before next_attempt_at: %+v", early)
	}

	// Attempt 2.
	f.clock.Advance(30 * time.Second)
	item, err = f.queue.ClaimNext(ctx, "worker-1")
	if err != nil || item == nil {
		t.Fatalf("claim 2: item=%v err=%v", item, err)
	}
	if item.AttemptCount != 2 {
		t.Fatalf("attempt_count = %d", item.AttemptCount)
	}
	if err := f.queue.RunItem(ctx, item); err != nil {
		t.Fatalf("run 2: %v", err)
	}
	got, _ = f.queue.Get(ctx, item.ID)
	wantNext = f.clock.Now().Add(2 * time.Minute)
	if got.State != repo.ItemRetryWait || !got.NextAttemptAt.Equal(wantNext) {
		t.Errorf("after attempt 2: state=%s next=%v want %v", got.State, got.NextAttemptAt, wantNext)
	}

	// Attempt 3 exhausts the budget.
	f.clock.Advance(2 * time.Minute)
	item, err = f.queue.ClaimNext(ctx, "worker-1")
	if err != nil || item == nil {
		t.Fatalf("claim 3: item=%v err=%v", item, err)
	}
	if err := f.queue.RunItem(ctx, item); err != nil {
		t.Fatalf("run 3: %v", err)
	}
	got, _ = f.queue.Get(ctx, item.ID)
	if got.State != repo.ItemFailed {
		t.Fatalf("final state = %s", got.State)
	}

	letters, total, err := f.letters.List(ctx, repo.DeadLetterFilter{Unresolved: true})
	if err != nil {
		t.Fatalf("dlq list: %v", err)
	}
	if total != 1 || len(letters) != 1 {
		t.Fatalf("dead letters total=%d len=%d", total, len(letters))
	}
	if letters[0].RetryCount != 3 || letters[0].Workflow != "ingest_daily" {
		t.Errorf("letter = %+v", letters[0])
	}
	if letters[0].ExecutionID == "" {
		t.Error("letter should carry the last execution id")
	}
}

// With dead letters switched off the queue runs with a nil manager;
// an exhausted item stays FAILED and nothing is captured.
func TestExhaustedBudgetWithoutDeadLetters(t *testing.T) {
	db, err := storage.Open("sqlite://:memory:", storage.Options{})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	ctx := context.Background()
	clk := clock.NewFake(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	led := ledger.New(repo.NewExecutions(db), clk, logger)
	grd := guard.New(repo.NewLocks(db), clk, logger)
	reg := registry.New()
	d := dispatch.New(reg, led, grd, clk, logger)
	q := New(repo.NewWorkItems(db), d, nil, DefaultBackoff, clk, logger)

	reg.RegisterOperation(&registry.Operation{
		Name: "ingest_daily",
		Handler: func(context.Context, repo.JSONMap) (any, error) {
			return nil, fmt.Errorf("upstream unavailable")
		},
	})

	id, _, err := q.Enqueue(ctx, EnqueueRequest{
		Domain: "sales", Workflow: "ingest_daily", MaxAttempts: 1,
	})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	item, err := q.ClaimNext(ctx, "worker-1")
	if err != nil || item == nil {
		t.Fatalf("claim: item=%v err=%v", item, err)
	}
	if err := q.RunItem(ctx, item); err != nil {
		t.Fatalf("run: %v", err)
	}

	got, _ := q.Get(ctx, id)
	if got.State != repo.ItemFailed {
		t.Fatalf("state = %s, want FAILED", got.State)
	}
	_, total, err := repo.NewDeadLetters(db).List(ctx, repo.DeadLetterFilter{})
	if err != nil {
		t.Fatalf("dlq list: %v", err)
	}
	if total != 0 {
		t.Errorf("dead letters = %d, want none", total)
	}
}

func TestRetryFailed_ResetsBudget(t *testing.T) {
	f := testQueue(t)
	ctx := context.Background()

	f.registry.RegisterOperation(&registry.Operation{
		Name: "ingest_daily",
		Handler: func(context.Context, repo.JSONMap) (any, error) {
			return nil, fmt.Errorf("boom")
		},
	})

	_, _, err := f.queue.Enqueue(ctx, EnqueueRequest{
		Domain: "sales", Workflow: "ingest_daily", MaxAttempts: 1,
	})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	item, _ := f.queue.ClaimNext(ctx, "worker-1")
	if item == nil {
		t.Fatal("claim returned nil")
	}
	if err := f.queue.RunItem(ctx, item); err != nil {
		t.Fatalf("run: %v", err)
	}
	got, _ := f.queue.Get(ctx, item.ID)
	if got.State != repo.ItemFailed {
		t.Fatalf("state = %s", got.State)
	}

	n, err := f.queue.RetryFailed(ctx, repo.WorkItemFilter{Workflow: "ingest_daily"})
	if err != nil {
		t.Fatalf("retry failed: %v", err)
	}
	if n != 1 {
		t.Errorf("reset %d items", n)
	}
	got, _ = f.queue.Get(ctx, item.ID)
	if got.State != repo.ItemPending || got.AttemptCount != 0 {
		t.Errorf("after reset: state=%s attempts=%d", got.State, got.AttemptCount)
	}
}

func TestCancel_TerminalConflicts(t *testing.T) {
	f := testQueue(t)
	ctx := context.Background()

	id, _, err := f.queue.Enqueue(ctx, EnqueueRequest{Domain: "sales", Workflow: "ingest_daily"})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := f.queue.Cancel(ctx, id); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	got, _ := f.queue.Get(ctx, id)
	if got.State != repo.ItemCancelled {
		t.Errorf("state = %s", got.State)
	}
	if err := f.queue.Cancel(ctx, id); err == nil {
		t.Error("cancelling a terminal item should conflict")
	}
}

func TestDesiredAt_DefersClaim(t *testing.T) {
	f := testQueue(t)
	ctx := context.Background()

	_, _, err := f.queue.Enqueue(ctx, EnqueueRequest{
		Domain:    "sales",
		Workflow:  "ingest_daily",
		DesiredAt: f.clock.Now().Add(10 * time.Minute),
	})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	if item, _ := f.queue.ClaimNext(ctx, "worker-1"); item != nil {
		t.Fatalf("claimed before desired_at: %+v", item)
	}
	f.clock.Advance(10 * time.Minute)
	if item, _ := f.queue.ClaimNext(ctx, "worker-1"); item == nil {
		t.Error("expected a claim once desired_at passed")
	}
}
