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
	"testing"
	"time"

	"github.com/spinehq/spine/internal/storage"
)

func testDB(t *testing.T) *storage.DB {
	t.Helper()
	db, err := storage.Open("sqlite://:memory:", storage.Options{})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

func testExecution(id string) *Execution {
	now := time.Now().UTC()
	return &Execution{
		ID:            id,
		Workflow:      "demo.echo",
		Params:        JSONMap{"msg": "hi"},
		Status:        StatusPending,
		Lane:          "default",
		TriggerSource: TriggerAPI,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

func TestExecutions_CreateGetList(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	execs := NewExecutions(db)

	e := testExecution(NewID())
	if err := execs.Create(ctx, e); err != nil {
		t.Fatalf("create: %v", err)
	}

	got, err := execs.GetByID(ctx, e.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Workflow != "demo.echo" || got.Status != StatusPending {
		t.Errorf("got %s/%s", got.Workflow, got.Status)
	}
	if got.Params["msg"] != "hi" {
		t.Errorf("params = %v", got.Params)
	}

	rows, total, err := execs.List(ctx, ExecutionFilter{Workflow: "demo.echo"})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if total != 1 || len(rows) != 1 {
		t.Errorf("total=%d len=%d", total, len(rows))
	}

	_, _, err = execs.List(ctx, ExecutionFilter{Workflow: "other"})
	if err != nil {
		t.Fatalf("empty list: %v", err)
	}
}

func TestExecutions_GetMissing(t *testing.T) {
	db := testDB(t)
	execs := NewExecutions(db)

	_, err := execs.GetByID(context.Background(), "nope")
	if !storage.IsNotFound(err) {
		t.Errorf("expected NOT_FOUND, got %v", err)
	}
}

func TestExecutions_UpdateStatusConditional(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	execs := NewExecutions(db)
	now := time.Now().UTC()

	e := testExecution(NewID())
	if err := execs.Create(ctx, e); err != nil {
		t.Fatalf("create: %v", err)
	}

	ok, err := execs.UpdateStatus(ctx, e.ID, StatusUpdate{
		Status:    StatusRunning,
		StartedAt: now,
		Now:       now,
	}, []string{string(StatusPending), string(StatusQueued)})
	if err != nil || !ok {
		t.Fatalf("running: ok=%v err=%v", ok, err)
	}

	// A second writer with the same precondition loses.
	ok, err = execs.UpdateStatus(ctx, e.ID, StatusUpdate{
		Status: StatusRunning,
		Now:    now,
	}, []string{string(StatusPending), string(StatusQueued)})
	if err != nil {
		t.Fatalf("second update: %v", err)
	}
	if ok {
		t.Error("second transition should not match")
	}

	ok, err = execs.UpdateStatus(ctx, e.ID, StatusUpdate{
		Status:      StatusCompleted,
		CompletedAt: now,
		Result:      JSONMap{"msg": "hi"},
		Now:         now,
	}, []string{string(StatusRunning)})
	if err != nil || !ok {
		t.Fatalf("complete: ok=%v err=%v", ok, err)
	}

	got, err := execs.GetByID(ctx, e.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != StatusCompleted || got.CompletedAt.IsZero() || got.StartedAt.IsZero() {
		t.Errorf("final row: %+v", got)
	}
	if got.Result["msg"] != "hi" {
		t.Errorf("result = %v", got.Result)
	}
}

func TestExecutions_IdempotencyKeyUnique(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	execs := NewExecutions(db)

	a := testExecution(NewID())
	a.IdempotencyKey = "k1"
	if err := execs.Create(ctx, a); err != nil {
		t.Fatalf("create: %v", err)
	}

	b := testExecution(NewID())
	b.IdempotencyKey = "k1"
	err := execs.Create(ctx, b)
	if !storage.IsConstraint(err) {
		t.Errorf("expected CONSTRAINT, got %v", err)
	}

	got, err := execs.GetByIdempotencyKey(ctx, "k1")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if got.ID != a.ID {
		t.Errorf("lookup returned %s, want %s", got.ID, a.ID)
	}
}

func TestExecutions_EventsOrdered(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	execs := NewExecutions(db)
	base := time.Now().UTC()

	e := testExecution(NewID())
	if err := execs.Create(ctx, e); err != nil {
		t.Fatalf("create: %v", err)
	}
	for i, typ := range []EventType{EventCreated, EventStarted, EventCompleted} {
		ev := &ExecutionEvent{
			ExecutionID: e.ID,
			EventType:   typ,
			Timestamp:   base.Add(time.Duration(i) * time.Second),
		}
		if err := execs.AddEvent(ctx, ev); err != nil {
			t.Fatalf("add event: %v", err)
		}
	}

	events, err := execs.ListEvents(ctx, e.ID)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("got %d events", len(events))
	}
	if events[0].EventType != EventCreated || events[2].EventType != EventCompleted {
		t.Errorf("order: %v %v %v", events[0].EventType, events[1].EventType, events[2].EventType)
	}
}

func TestWorkItems_ClaimLifecycle(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	items := NewWorkItems(db)
	now := time.Now().UTC()

	id, err := items.Enqueue(ctx, &WorkItem{
		Domain:       "finra",
		Workflow:     "ingest",
		PartitionKey: `{"week":"2025-06-06"}`,
		MaxAttempts:  3,
		CreatedAt:    now,
	})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if id <= 0 {
		t.Fatalf("enqueue id = %d, want the inserted row id", id)
	}

	claimed, err := items.Claim(ctx, id, "worker-1", now)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if claimed == nil || claimed.State != ItemRunning || claimed.AttemptCount != 1 {
		t.Fatalf("claimed = %+v", claimed)
	}

	// Losing claimer observes nil.
	lost, err := items.Claim(ctx, id, "worker-2", now)
	if err != nil {
		t.Fatalf("second claim: %v", err)
	}
	if lost != nil {
		t.Error("second claim should lose")
	}

	if err := items.Complete(ctx, id, "exec-1", now); err != nil {
		t.Fatalf("complete: %v", err)
	}
	final, err := items.GetByID(ctx, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if final.State != ItemComplete || final.CompletedAt.IsZero() || final.LockedBy != "" {
		t.Errorf("final = %+v", final)
	}
}

func TestWorkItems_DuplicateEnqueueRejected(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	items := NewWorkItems(db)
	now := time.Now().UTC()

	item := &WorkItem{
		Domain: "finra", Workflow: "ingest", PartitionKey: `{"week":"w1"}`,
		MaxAttempts: 3, CreatedAt: now,
	}
	if _, err := items.Enqueue(ctx, item); err != nil {
		t.Fatalf("first enqueue: %v", err)
	}
	_, err := items.Enqueue(ctx, item)
	if !storage.IsConstraint(err) {
		t.Errorf("expected CONSTRAINT, got %v", err)
	}
}

func TestWorkItems_RetryWaitClaimableAfterDelay(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	items := NewWorkItems(db)
	now := time.Now().UTC()

	id, err := items.Enqueue(ctx, &WorkItem{
		Domain: "d", Workflow: "w", PartitionKey: "{}",
		MaxAttempts: 3, CreatedAt: now,
	})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := items.Claim(ctx, id, "w1", now); err != nil {
		t.Fatalf("claim: %v", err)
	}
	next := now.Add(time.Minute)
	if err := items.Fail(ctx, id, ItemRetryWait, "boom", next, now); err != nil {
		t.Fatalf("fail: %v", err)
	}

	// Not yet due.
	if got, err := items.Claim(ctx, id, "w1", now.Add(30*time.Second)); err != nil || got != nil {
		t.Fatalf("premature claim: %v %v", got, err)
	}
	// Due.
	got, err := items.Claim(ctx, id, "w1", now.Add(2*time.Minute))
	if err != nil || got == nil {
		t.Fatalf("due claim: %v %v", got, err)
	}
	if got.AttemptCount != 2 {
		t.Errorf("attempt_count = %d", got.AttemptCount)
	}
}

func TestWorkItems_RetryFailedResets(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	items := NewWorkItems(db)
	now := time.Now().UTC()

	id, _ := items.Enqueue(ctx, &WorkItem{
		Domain: "d", Workflow: "w", PartitionKey: "{}",
		MaxAttempts: 1, CreatedAt: now,
	})
	items.Claim(ctx, id, "w1", now)
	if err := items.Fail(ctx, id, ItemFailed, "boom", time.Time{}, now); err != nil {
		t.Fatalf("fail: %v", err)
	}

	n, err := items.RetryFailed(ctx, WorkItemFilter{Domain: "d"}, now)
	if err != nil {
		t.Fatalf("retry failed: %v", err)
	}
	if n != 1 {
		t.Errorf("reset %d rows", n)
	}
	got, _ := items.GetByID(ctx, id)
	if got.State != ItemPending || got.AttemptCount != 0 {
		t.Errorf("after reset: %+v", got)
	}
}

func TestLocks_InsertStealExtend(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	locks := NewLocks(db)
	now := time.Now().UTC()

	err := locks.Insert(ctx, &ConcurrencyLock{
		LockKey: "k", ExecutionID: "e1",
		AcquiredAt: now, ExpiresAt: now.Add(time.Minute),
	})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	err = locks.Insert(ctx, &ConcurrencyLock{
		LockKey: "k", ExecutionID: "e2",
		AcquiredAt: now, ExpiresAt: now.Add(time.Minute),
	})
	if !storage.IsConstraint(err) {
		t.Fatalf("expected CONSTRAINT, got %v", err)
	}

	// Not expired yet: steal fails.
	ok, err := locks.Steal(ctx, "k", "e2", now, now.Add(time.Minute))
	if err != nil || ok {
		t.Fatalf("early steal: ok=%v err=%v", ok, err)
	}
	// Past expiry: steal succeeds.
	later := now.Add(2 * time.Minute)
	ok, err = locks.Steal(ctx, "k", "e2", later, later.Add(time.Minute))
	if err != nil || !ok {
		t.Fatalf("steal: ok=%v err=%v", ok, err)
	}

	ok, err = locks.Extend(ctx, "k", "e1", later.Add(time.Hour))
	if err != nil || ok {
		t.Fatalf("non-owner extend: ok=%v err=%v", ok, err)
	}
	ok, err = locks.Extend(ctx, "k", "e2", later.Add(time.Hour))
	if err != nil || !ok {
		t.Fatalf("owner extend: ok=%v err=%v", ok, err)
	}

	if err := locks.Delete(ctx, "k", "e2"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := locks.Get(ctx, "k"); !storage.IsNotFound(err) {
		t.Errorf("expected NOT_FOUND after delete, got %v", err)
	}
}

func TestDeadLetters_ReplayResolve(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	dlq := NewDeadLetters(db)
	now := time.Now().UTC()

	id, err := dlq.Insert(ctx, &DeadLetter{
		ExecutionID: "e1", Workflow: "w",
		Params: JSONMap{"a": float64(1)}, Error: "boom",
		RetryCount: 3, MaxRetries: 3, CreatedAt: now,
	})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}

	rows, total, err := dlq.List(ctx, DeadLetterFilter{Unresolved: true})
	if err != nil || total != 1 || len(rows) != 1 {
		t.Fatalf("list: total=%d err=%v", total, err)
	}

	if err := dlq.MarkReplayed(ctx, id); err != nil {
		t.Fatalf("replay: %v", err)
	}
	ok, err := dlq.Resolve(ctx, id, "ops", now)
	if err != nil || !ok {
		t.Fatalf("resolve: ok=%v err=%v", ok, err)
	}
	// Resolving twice is a no-op.
	ok, err = dlq.Resolve(ctx, id, "ops", now)
	if err != nil || ok {
		t.Fatalf("double resolve: ok=%v err=%v", ok, err)
	}

	_, total, err = dlq.List(ctx, DeadLetterFilter{Unresolved: true})
	if err != nil || total != 0 {
		t.Fatalf("unresolved after resolve: total=%d err=%v", total, err)
	}
}

func TestManifest_UpsertAndRank(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	manifest := NewManifest(db)
	now := time.Now().UTC()

	for rank, stage := range []string{"raw", "staged", "published"} {
		err := manifest.Upsert(ctx, &ManifestRow{
			Domain: "finra", PartitionKey: `{"week":"w1"}`, Stage: stage,
			StageRank: rank, RowCount: int64(100 * (rank + 1)), UpdatedAt: now,
		})
		if err != nil {
			t.Fatalf("upsert %s: %v", stage, err)
		}
	}
	// Re-upsert advances in place.
	err := manifest.Upsert(ctx, &ManifestRow{
		Domain: "finra", PartitionKey: `{"week":"w1"}`, Stage: "raw",
		StageRank: 0, RowCount: 150, UpdatedAt: now,
	})
	if err != nil {
		t.Fatalf("re-upsert: %v", err)
	}

	rows, err := manifest.List(ctx, "finra", "")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("got %d rows", len(rows))
	}
	if rows[0].Stage != "raw" || rows[0].RowCount != 150 {
		t.Errorf("first row: %+v", rows[0])
	}

	rank, err := manifest.LatestStage(ctx, "finra", `{"week":"w1"}`)
	if err != nil || rank != 2 {
		t.Errorf("latest rank = %d err=%v", rank, err)
	}
	rank, err = manifest.LatestStage(ctx, "finra", `{"week":"none"}`)
	if err != nil || rank != -1 {
		t.Errorf("missing partition rank = %d err=%v", rank, err)
	}
}

func TestSchedules_CRUDAndLease(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	schedules := NewSchedules(db)
	now := time.Now().UTC()

	s := &Schedule{
		ID: NewID(), Name: "nightly", TargetType: TargetOperation,
		TargetName: "demo.echo", CronExpression: "0 2 * * *",
		Timezone: "UTC", Enabled: true, MaxInstances: 1, MisfireGrace: 120,
		CreatedAt: now, UpdatedAt: now,
	}
	if err := schedules.Create(ctx, s); err != nil {
		t.Fatalf("create: %v", err)
	}

	got, err := schedules.GetByName(ctx, "nightly")
	if err != nil || got.CronExpression != "0 2 * * *" {
		t.Fatalf("get: %+v err=%v", got, err)
	}

	got.Enabled = false
	got.UpdatedAt = now
	if ok, err := schedules.Update(ctx, got); err != nil || !ok {
		t.Fatalf("update: ok=%v err=%v", ok, err)
	}
	enabled, err := schedules.List(ctx, true)
	if err != nil || len(enabled) != 0 {
		t.Fatalf("enabled list: %d err=%v", len(enabled), err)
	}

	// Lease: first holder wins, second loses until expiry.
	ok, err := schedules.AcquireLease(ctx, "scheduler", "inst-1", now, now.Add(time.Minute))
	if err != nil || !ok {
		t.Fatalf("lease 1: ok=%v err=%v", ok, err)
	}
	ok, err = schedules.AcquireLease(ctx, "scheduler", "inst-2", now, now.Add(time.Minute))
	if err != nil || ok {
		t.Fatalf("lease 2: ok=%v err=%v", ok, err)
	}
	// Same holder refreshes.
	ok, err = schedules.AcquireLease(ctx, "scheduler", "inst-1", now, now.Add(2*time.Minute))
	if err != nil || !ok {
		t.Fatalf("refresh: ok=%v err=%v", ok, err)
	}
	// Expired lease is stolen.
	later := now.Add(5 * time.Minute)
	ok, err = schedules.AcquireLease(ctx, "scheduler", "inst-2", later, later.Add(time.Minute))
	if err != nil || !ok {
		t.Fatalf("steal: ok=%v err=%v", ok, err)
	}

	if ok, err := schedules.Delete(ctx, s.ID); err != nil || !ok {
		t.Fatalf("delete: ok=%v err=%v", ok, err)
	}
}

func TestWorkflowRuns_StepsRoundTrip(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	runs := NewWorkflowRuns(db)
	now := time.Now().UTC()

	run := &WorkflowRun{
		ID: NewID(), Workflow: "wf", Status: RunRunning,
		Params: JSONMap{"x": float64(1)}, StartedAt: now,
		CreatedAt: now, UpdatedAt: now,
	}
	if err := runs.Create(ctx, run); err != nil {
		t.Fatalf("create: %v", err)
	}

	for i, name := range []string{"a", "b"} {
		err := runs.UpsertStep(ctx, &WorkflowStepRow{
			RunID: run.ID, StepName: name, StepIndex: i,
			Status: "COMPLETED", Output: JSONMap{"n": float64(i)},
			StartedAt: now, CompletedAt: now,
		})
		if err != nil {
			t.Fatalf("step %s: %v", name, err)
		}
	}
	if err := runs.Finish(ctx, run.ID, RunCompleted, "", "", now, now); err != nil {
		t.Fatalf("finish: %v", err)
	}

	got, err := runs.Get(ctx, run.ID)
	if err != nil || got.Status != RunCompleted {
		t.Fatalf("get: %+v err=%v", got, err)
	}
	steps, err := runs.ListSteps(ctx, run.ID)
	if err != nil || len(steps) != 2 {
		t.Fatalf("steps: %d err=%v", len(steps), err)
	}
	if steps[0].StepName != "a" || steps[1].StepName != "b" {
		t.Errorf("order: %s %s", steps[0].StepName, steps[1].StepName)
	}
}
