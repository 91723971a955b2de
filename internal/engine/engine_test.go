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

package engine

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/spinehq/spine/internal/clock"
	"github.com/spinehq/spine/internal/repo"
	"github.com/spinehq/spine/pkg/errors"
)

func testRunner() *Runner {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewRunner(nil, nil, clock.Wall{}, logger)
}

func lambda(name string, deps []string, fn LambdaFunc) Step {
	return Step{Name: name, Type: StepLambda, DependsOn: deps, Handler: fn}
}

func returning(output map[string]any) LambdaFunc {
	return func(context.Context, *Context, map[string]any) (any, error) {
		return output, nil
	}
}

func TestResultFrom_Coercion(t *testing.T) {
	tests := []struct {
		name    string
		in      any
		success bool
		check   func(*StepResult) bool
	}{
		{"nil", nil, true, func(r *StepResult) bool { return r.Output == nil }},
		{"true", true, true, func(r *StepResult) bool { return r.Output == nil }},
		{"false", false, false, func(r *StepResult) bool { return r.Error != "" }},
		{"string", "done", true, func(r *StepResult) bool { return r.Output["message"] == "done" }},
		{"int", 7, true, func(r *StepResult) bool { return r.Output["value"] == 7 }},
		{"float", 2.5, true, func(r *StepResult) bool { return r.Output["value"] == 2.5 }},
		{"map", map[string]any{"a": 1}, true, func(r *StepResult) bool { return r.Output["a"] == 1 }},
		{"other", []int{1}, true, func(r *StepResult) bool { return r.Output["result"] != nil }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ResultFrom(tt.in)
			if got.Success != tt.success {
				t.Errorf("success = %v, want %v", got.Success, tt.success)
			}
			if !tt.check(got) {
				t.Errorf("payload check failed: %+v", got)
			}
		})
	}
}

func TestResultFrom_Idempotent(t *testing.T) {
	first := ResultFrom("hello")
	second := ResultFrom(first)
	if first != second {
		t.Error("coercing a StepResult should return it unchanged")
	}
}

func TestValidate_RejectsBadGraphs(t *testing.T) {
	tests := []struct {
		name string
		wf   Workflow
	}{
		{"no name", Workflow{Steps: []Step{lambda("a", nil, returning(nil))}}},
		{"no steps", Workflow{Name: "wf"}},
		{"duplicate step", Workflow{Name: "wf", Steps: []Step{
			lambda("a", nil, returning(nil)), lambda("a", nil, returning(nil)),
		}}},
		{"unknown dep", Workflow{Name: "wf", Steps: []Step{
			lambda("a", []string{"ghost"}, returning(nil)),
		}}},
		{"self dep", Workflow{Name: "wf", Steps: []Step{
			lambda("a", []string{"a"}, returning(nil)),
		}}},
		{"cycle", Workflow{Name: "wf", Steps: []Step{
			lambda("a", []string{"b"}, returning(nil)),
			lambda("b", []string{"a"}, returning(nil)),
		}}},
		{"unknown type", Workflow{Name: "wf", Steps: []Step{{Name: "a", Type: "weird"}}}},
		{"pipeline without target", Workflow{Name: "wf", Steps: []Step{{Name: "a", Type: StepPipeline}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.wf.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestSequential_HappyPath(t *testing.T) {
	wf := &Workflow{
		Name: "wf",
		Steps: []Step{
			lambda("a", nil, returning(map[string]any{"a": 1})),
			lambda("b", nil, func(_ context.Context, wctx *Context, _ map[string]any) (any, error) {
				return map[string]any{"b": wctx.Output("a")["a"].(int) + 1}, nil
			}),
		},
	}

	result, err := testRunner().Run(context.Background(), wf, NewContext("r1", "wf", nil))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if result.Status != repo.RunCompleted {
		t.Errorf("status = %s", result.Status)
	}
	if result.Context.Output("b")["b"] != 2 {
		t.Errorf("b output = %v", result.Context.Output("b"))
	}
}

func TestSequential_StopPolicy(t *testing.T) {
	wf := &Workflow{
		Name:   "wf",
		Policy: Policy{OnFailure: PolicyStop},
		Steps: []Step{
			lambda("a", nil, returning(map[string]any{"a": 1})),
			lambda("b", nil, func(context.Context, *Context, map[string]any) (any, error) {
				return nil, fmt.Errorf("boom")
			}),
			lambda("c", nil, returning(nil)),
		},
	}

	result, err := testRunner().Run(context.Background(), wf, nil)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if result.Status != repo.RunFailed {
		t.Errorf("status = %s", result.Status)
	}
	if result.ErrorStep != "b" || result.Error != "boom" {
		t.Errorf("error_step=%q error=%q", result.ErrorStep, result.Error)
	}
	statuses := map[string]string{}
	for _, s := range result.Steps {
		statuses[s.Name] = s.Status
	}
	if statuses["a"] != StepCompleted || statuses["b"] != StepFailed || statuses["c"] != StepSkipped {
		t.Errorf("statuses = %v", statuses)
	}
}

func TestSequential_ContinuePolicyYieldsPartial(t *testing.T) {
	wf := &Workflow{
		Name:   "wf",
		Policy: Policy{OnFailure: PolicyContinue},
		Steps: []Step{
			lambda("a", nil, returning(nil)),
			lambda("b", nil, func(context.Context, *Context, map[string]any) (any, error) {
				return nil, fmt.Errorf("boom")
			}),
			lambda("c", nil, returning(nil)),
		},
	}

	result, _ := testRunner().Run(context.Background(), wf, nil)
	if result.Status != repo.RunPartial {
		t.Errorf("status = %s", result.Status)
	}
	if result.Steps[2].Status != StepCompleted {
		t.Errorf("c should still run, got %s", result.Steps[2].Status)
	}
}

func TestSequential_ChoiceFastForward(t *testing.T) {
	wf := &Workflow{
		Name: "wf",
		Steps: []Step{
			lambda("start", nil, returning(map[string]any{"n": 5})),
			{Name: "pick", Type: StepChoice,
				Predicate: `outputs["start"]["n"] > 3`,
				ThenStep:  "big", ElseStep: "small"},
			lambda("small", nil, returning(map[string]any{"size": "small"})),
			lambda("big", nil, returning(map[string]any{"size": "big"})),
		},
	}

	result, err := testRunner().Run(context.Background(), wf, nil)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if result.Status != repo.RunCompleted {
		t.Errorf("status = %s", result.Status)
	}
	statuses := map[string]string{}
	for _, s := range result.Steps {
		statuses[s.Name] = s.Status
	}
	if statuses["small"] != StepSkipped || statuses["big"] != StepCompleted {
		t.Errorf("statuses = %v", statuses)
	}
}

func TestParallel_DAGOrderAndMerge(t *testing.T) {
	var mu sync.Mutex
	order := []string{}
	mark := func(name string) {
		mu.Lock()
		order = append(order, name)
		mu.Unlock()
	}

	wf := &Workflow{
		Name:   "wf",
		Policy: Policy{Mode: ModeParallel, MaxConcurrency: 2},
		Steps: []Step{
			lambda("a", nil, func(context.Context, *Context, map[string]any) (any, error) {
				mark("a")
				return map[string]any{"a": 1}, nil
			}),
			lambda("b", []string{"a"}, func(context.Context, *Context, map[string]any) (any, error) {
				mark("b")
				return map[string]any{"b": 2}, nil
			}),
			lambda("c", []string{"a"}, func(context.Context, *Context, map[string]any) (any, error) {
				mark("c")
				return map[string]any{"c": 3}, nil
			}),
			lambda("d", []string{"b", "c"}, func(_ context.Context, wctx *Context, _ map[string]any) (any, error) {
				mark("d")
				b := wctx.Output("b")["b"].(int)
				c := wctx.Output("c")["c"].(int)
				return map[string]any{"d": b + c}, nil
			}),
		},
	}

	result, err := testRunner().Run(context.Background(), wf, NewContext("r1", "wf", nil))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if result.Status != repo.RunCompleted {
		t.Fatalf("status = %s (error_step=%s error=%s)", result.Status, result.ErrorStep, result.Error)
	}
	if result.Context.Output("d")["d"] != 5 {
		t.Errorf("d output = %v", result.Context.Output("d"))
	}

	pos := map[string]int{}
	for i, name := range order {
		pos[name] = i
	}
	if pos["a"] > pos["b"] || pos["a"] > pos["c"] || pos["b"] > pos["d"] || pos["c"] > pos["d"] {
		t.Errorf("dispatch order violates DAG: %v", order)
	}
}

func TestParallel_StopSkipsTransitively(t *testing.T) {
	wf := &Workflow{
		Name:   "wf",
		Policy: Policy{Mode: ModeParallel, OnFailure: PolicyStop},
		Steps: []Step{
			lambda("a", nil, func(context.Context, *Context, map[string]any) (any, error) {
				return nil, fmt.Errorf("boom")
			}),
			lambda("b", []string{"a"}, returning(nil)),
			lambda("c", []string{"b"}, returning(nil)),
		},
	}

	result, _ := testRunner().Run(context.Background(), wf, nil)
	if result.Status != repo.RunFailed {
		t.Errorf("status = %s", result.Status)
	}
	statuses := map[string]string{}
	for _, s := range result.Steps {
		statuses[s.Name] = s.Status
	}
	if statuses["b"] != StepSkipped || statuses["c"] != StepSkipped {
		t.Errorf("statuses = %v", statuses)
	}
	if result.ErrorStep != "a" {
		t.Errorf("error_step = %q", result.ErrorStep)
	}
}

func TestLambda_PanicBecomesInternalFailure(t *testing.T) {
	wf := &Workflow{
		Name: "wf",
		Steps: []Step{
			lambda("a", nil, func(context.Context, *Context, map[string]any) (any, error) {
				panic("kaboom")
			}),
		},
	}
	result, _ := testRunner().Run(context.Background(), wf, nil)
	if result.Status != repo.RunFailed {
		t.Errorf("status = %s", result.Status)
	}
	if result.Steps[0].Result.ErrorCategory != errors.CategoryInternal {
		t.Errorf("category = %s", result.Steps[0].Result.ErrorCategory)
	}
}

func TestPipeline_DryRunShortCircuits(t *testing.T) {
	wf := &Workflow{
		Name:  "wf",
		Steps: []Step{{Name: "p", Type: StepPipeline, Pipeline: "demo.echo"}},
	}
	wctx := NewContext("r1", "wf", nil)
	wctx.DryRun = true

	result, err := testRunner().Run(context.Background(), wf, wctx)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if result.Status != repo.RunCompleted {
		t.Errorf("status = %s", result.Status)
	}
	out := result.Steps[0].Result.Output
	if out["dry_run"] != true || out["pipeline"] != "demo.echo" {
		t.Errorf("output = %v", out)
	}
}

func TestWait_DryRunReturnsImmediately(t *testing.T) {
	wf := &Workflow{
		Name:  "wf",
		Steps: []Step{{Name: "w", Type: StepWait, DurationSeconds: 3600}},
	}
	wctx := NewContext("r1", "wf", nil)
	wctx.DryRun = true

	start := time.Now()
	result, _ := testRunner().Run(context.Background(), wf, wctx)
	if time.Since(start) > time.Second {
		t.Error("dry-run wait blocked")
	}
	if result.Status != repo.RunCompleted {
		t.Errorf("status = %s", result.Status)
	}
}

func TestTimeout_FailsStepWithTimeoutCategory(t *testing.T) {
	wf := &Workflow{
		Name:   "wf",
		Policy: Policy{TimeoutSeconds: 1},
		Steps: []Step{
			lambda("slow", nil, func(ctx context.Context, _ *Context, _ map[string]any) (any, error) {
				select {
				case <-time.After(time.Minute):
					return nil, nil
				case <-ctx.Done():
					return nil, ctx.Err()
				}
			}),
		},
	}
	result, _ := testRunner().Run(context.Background(), wf, nil)
	if result.Status != repo.RunFailed {
		t.Errorf("status = %s", result.Status)
	}
	if result.Steps[0].Result.ErrorCategory != errors.CategoryTimeout {
		t.Errorf("category = %s", result.Steps[0].Result.ErrorCategory)
	}
}

func TestContext_CopyOnWrite(t *testing.T) {
	base := NewContext("r1", "wf", map[string]any{"x": 1})
	next := base.WithOutput("a", map[string]any{"v": 2})

	if len(base.Outputs) != 0 {
		t.Error("base snapshot mutated")
	}
	if next.Output("a")["v"] != 2 {
		t.Errorf("next output = %v", next.Output("a"))
	}

	updated := next.WithParams(map[string]any{"x": 9, "y": 10})
	if base.Params["x"] != 1 || next.Params["x"] != 1 {
		t.Error("param update leaked into earlier snapshots")
	}
	if updated.Params["x"] != 9 || updated.Params["y"] != 10 {
		t.Errorf("updated params = %v", updated.Params)
	}
}

func TestWorkflowYAML_RoundTrip(t *testing.T) {
	wf := &Workflow{
		Name:   "ingest",
		Policy: Policy{Mode: ModeParallel, MaxConcurrency: 2, OnFailure: PolicyContinue},
		Steps: []Step{
			{Name: "fetch", Type: StepPipeline, Pipeline: "finra.fetch"},
			{Name: "gate", Type: StepChoice, DependsOn: []string{"fetch"},
				Predicate: `params["tier"] == "OTC"`, ThenStep: "load", ElseStep: "done"},
			{Name: "load", Type: StepPipeline, Pipeline: "finra.load"},
			{Name: "done", Type: StepWait, DurationSeconds: 1},
		},
	}

	data, err := wf.EncodeYAML()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	back, err := ParseWorkflowYAML(data)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}

	if back.Name != wf.Name || len(back.Steps) != len(wf.Steps) {
		t.Fatalf("round trip lost shape: %+v", back)
	}
	if back.Policy.Mode != ModeParallel || back.Policy.MaxConcurrency != 2 {
		t.Errorf("policy = %+v", back.Policy)
	}
	if back.Steps[1].Predicate != wf.Steps[1].Predicate || back.Steps[1].ThenStep != "load" {
		t.Errorf("choice step = %+v", back.Steps[1])
	}
}

func TestParseWorkflowYAML_RejectsInvalid(t *testing.T) {
	_, err := ParseWorkflowYAML([]byte("name: wf\nsteps: []\n"))
	var v *errors.ValidationError
	if !errors.As(err, &v) {
		t.Errorf("expected validation error, got %v", err)
	}
}
