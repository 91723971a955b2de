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

package dispatch

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/spinehq/spine/internal/clock"
	"github.com/spinehq/spine/internal/guard"
	"github.com/spinehq/spine/internal/ledger"
	"github.com/spinehq/spine/internal/registry"
	"github.com/spinehq/spine/internal/repo"
	"github.com/spinehq/spine/internal/storage"
	"github.com/spinehq/spine/pkg/errors"
)

func testDispatcher(t *testing.T) (*Dispatcher, *registry.Registry, *ledger.Ledger) {
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
	return New(reg, led, grd, clk, logger), reg, led
}

func registerEcho(t *testing.T, reg *registry.Registry) {
	t.Helper()
	err := reg.RegisterOperation(&registry.Operation{
		Name: "echo",
		Handler: func(_ context.Context, params repo.JSONMap) (any, error) {
			return map[string]any{"msg": params["msg"]}, nil
		},
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
}

func TestSubmit_HappyPath(t *testing.T) {
	d, reg, led := testDispatcher(t)
	registerEcho(t, reg)
	ctx := context.Background()

	exec, err := d.Submit(ctx, SubmitRequest{
		Name:          "echo",
		Params:        repo.JSONMap{"msg": "hi"},
		TriggerSource: repo.TriggerAPI,
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if exec.Status != repo.StatusCompleted {
		t.Errorf("status = %s (error %q)", exec.Status, exec.Error)
	}
	if exec.Result["msg"] != "hi" {
		t.Errorf("result = %v", exec.Result)
	}

	events, err := led.Events(ctx, exec.ID)
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("got %d events", len(events))
	}
	want := []repo.EventType{repo.EventCreated, repo.EventStarted, repo.EventCompleted}
	for i, ev := range events {
		if ev.EventType != want[i] {
			t.Errorf("event %d = %s, want %s", i, ev.EventType, want[i])
		}
	}
}

func TestSubmit_UnknownOperation(t *testing.T) {
	d, _, _ := testDispatcher(t)
	_, err := d.Submit(context.Background(), SubmitRequest{Name: "ghost"})
	var nf *errors.NotFoundError
	if !errors.As(err, &nf) {
		t.Errorf("expected not found, got %v", err)
	}
}

func TestSubmit_HandlerErrorRecordedNotRaised(t *testing.T) {
	d, reg, _ := testDispatcher(t)
	reg.RegisterOperation(&registry.Operation{
		Name: "broken",
		Handler: func(context.Context, repo.JSONMap) (any, error) {
			return nil, fmt.Errorf("boom")
		},
	})

	exec, err := d.Submit(context.Background(), SubmitRequest{Name: "broken"})
	if err != nil {
		t.Fatalf("submit should not raise handler errors: %v", err)
	}
	if exec.Status != repo.StatusFailed {
		t.Errorf("status = %s", exec.Status)
	}
	if !strings.Contains(exec.Error, "boom") {
		t.Errorf("error = %q", exec.Error)
	}
}

func TestSubmit_HandlerPanicBecomesFailed(t *testing.T) {
	d, reg, _ := testDispatcher(t)
	reg.RegisterOperation(&registry.Operation{
		Name: "panics",
		Handler: func(context.Context, repo.JSONMap) (any, error) {
			panic("kaboom")
		},
	})

	exec, err := d.Submit(context.Background(), SubmitRequest{Name: "panics"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if exec.Status != repo.StatusFailed || !strings.Contains(exec.Error, "kaboom") {
		t.Errorf("status=%s error=%q", exec.Status, exec.Error)
	}
}

func TestSubmit_IdempotencySameRunID(t *testing.T) {
	d, reg, led := testDispatcher(t)
	registerEcho(t, reg)
	ctx := context.Background()

	first, err := d.Submit(ctx, SubmitRequest{
		Name: "echo", Params: repo.JSONMap{"msg": "x"}, IdempotencyKey: "k1",
	})
	if err != nil {
		t.Fatalf("first: %v", err)
	}
	second, err := d.Submit(ctx, SubmitRequest{
		Name: "echo", Params: repo.JSONMap{"msg": "x"}, IdempotencyKey: "k1",
	})
	if err != nil {
		t.Fatalf("second: %v", err)
	}
	if first.ID != second.ID {
		t.Errorf("run ids differ: %s vs %s", first.ID, second.ID)
	}

	events, _ := led.Events(ctx, first.ID)
	created := 0
	for _, ev := range events {
		if ev.EventType == repo.EventCreated {
			created++
		}
	}
	if created != 1 {
		t.Errorf("CREATED appeared %d times", created)
	}
}

func TestSubmit_LockContentionCancels(t *testing.T) {
	d, reg, _ := testDispatcher(t)
	ctx := context.Background()

	blocker := make(chan struct{})
	entered := make(chan struct{})
	reg.RegisterOperation(&registry.Operation{
		Name:           "exclusive",
		ConcurrencyKey: "k",
		LockTTL:        time.Minute,
		Handler: func(context.Context, repo.JSONMap) (any, error) {
			close(entered)
			<-blocker
			return "done", nil
		},
	})

	type result struct {
		exec *repo.Execution
		err  error
	}
	firstDone := make(chan result, 1)
	go func() {
		exec, err := d.Submit(ctx, SubmitRequest{Name: "exclusive"})
		firstDone <- result{exec, err}
	}()
	<-entered

	// Second submission while the first holds the lock.
	second, err := d.Submit(ctx, SubmitRequest{Name: "exclusive"})
	if err != nil {
		t.Fatalf("second submit: %v", err)
	}
	if second.Status != repo.StatusCancelled {
		t.Errorf("second status = %s", second.Status)
	}
	if !strings.Contains(second.Error, string(errors.CategoryLockContention)) {
		t.Errorf("second error = %q", second.Error)
	}

	close(blocker)
	first := <-firstDone
	if first.err != nil || first.exec.Status != repo.StatusCompleted {
		t.Fatalf("first: %+v err=%v", first.exec, first.err)
	}

	// Lock released: a later submission on the same key succeeds.
	reg.RegisterOperation(&registry.Operation{
		Name:           "exclusive-after",
		ConcurrencyKey: "k",
		Handler: func(context.Context, repo.JSONMap) (any, error) {
			return "ok", nil
		},
	})
	after, err := d.Submit(ctx, SubmitRequest{Name: "exclusive-after"})
	if err != nil || after.Status != repo.StatusCompleted {
		t.Fatalf("after release: %+v err=%v", after, err)
	}
}

func TestRetry_NewExecutionWithLineage(t *testing.T) {
	d, reg, _ := testDispatcher(t)
	ctx := context.Background()

	calls := 0
	reg.RegisterOperation(&registry.Operation{
		Name: "flaky",
		Handler: func(context.Context, repo.JSONMap) (any, error) {
			calls++
			if calls == 1 {
				return nil, fmt.Errorf("transient")
			}
			return "ok", nil
		},
	})

	first, _ := d.Submit(ctx, SubmitRequest{Name: "flaky", Params: repo.JSONMap{"p": "v"}})
	if first.Status != repo.StatusFailed {
		t.Fatalf("first status = %s", first.Status)
	}

	second, err := d.Retry(ctx, first.ID)
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if second.Status != repo.StatusCompleted {
		t.Errorf("retry status = %s", second.Status)
	}
	if second.ParentExecutionID != first.ID {
		t.Errorf("parent = %q, want %s", second.ParentExecutionID, first.ID)
	}
	if second.TriggerSource != repo.TriggerRetry {
		t.Errorf("trigger = %s", second.TriggerSource)
	}
}

func TestRetry_NonTerminalConflicts(t *testing.T) {
	d, reg, led := testDispatcher(t)
	registerEcho(t, reg)
	ctx := context.Background()

	e, _, _ := led.CreateExecution(ctx, ledger.CreateRequest{Workflow: "echo"})
	_, err := d.Retry(ctx, e.ID)
	var conflict *errors.ConflictError
	if !errors.As(err, &conflict) {
		t.Errorf("expected conflict, got %v", err)
	}
}

func TestSubmitPipelineSync_MapsStatus(t *testing.T) {
	d, reg, _ := testDispatcher(t)
	registerEcho(t, reg)

	run, err := d.SubmitPipelineSync(context.Background(), "echo",
		map[string]any{"msg": "hi"}, "parent-1", "parent-1")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if run.Status != repo.StatusCompleted || run.RunID == "" {
		t.Errorf("run = %+v", run)
	}
	if run.Metrics["msg"] != "hi" {
		t.Errorf("metrics = %v", run.Metrics)
	}
}
