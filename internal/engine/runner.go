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
	"log/slog"
	"time"

	"github.com/expr-lang/expr"

	"github.com/spinehq/spine/internal/clock"
	"github.com/spinehq/spine/internal/repo"
	"github.com/spinehq/spine/internal/tracing"
	"github.com/spinehq/spine/pkg/errors"
)

// PipelineRunResult is what a pipeline step gets back from the runnable.
type PipelineRunResult struct {
	RunID       string
	Status      repo.ExecutionStatus
	Error       string
	Metrics     map[string]any
	StartedAt   time.Time
	CompletedAt time.Time
}

// Runnable dispatches a registered operation synchronously. The
// dispatcher satisfies this; tests substitute fakes.
type Runnable interface {
	SubmitPipelineSync(ctx context.Context, name string, params map[string]any, parentRunID, correlationID string) (*PipelineRunResult, error)
}

// Step outcome statuses recorded per StepExecution.
const (
	StepCompleted = "COMPLETED"
	StepFailed    = "FAILED"
	StepSkipped   = "SKIPPED"
	StepCancelled = "CANCELLED"
)

// StepExecution is the recorded outcome of one step in a run.
type StepExecution struct {
	Name        string      `json:"name"`
	Status      string      `json:"status"`
	Result      *StepResult `json:"result,omitempty"`
	StartedAt   time.Time   `json:"started_at,omitzero"`
	CompletedAt time.Time   `json:"completed_at,omitzero"`
}

// WorkflowResult aggregates a finished run.
type WorkflowResult struct {
	RunID       string                 `json:"run_id"`
	Workflow    string                 `json:"workflow"`
	Status      repo.WorkflowRunStatus `json:"status"`
	Steps       []StepExecution        `json:"steps"`
	Context     *Context               `json:"-"`
	Error       string                 `json:"error,omitempty"`
	ErrorStep   string                 `json:"error_step,omitempty"`
	StartedAt   time.Time              `json:"started_at"`
	CompletedAt time.Time              `json:"completed_at"`
}

// Runner executes workflows.
type Runner struct {
	runnable Runnable
	history  *repo.WorkflowRuns
	clock    clock.Clock
	log      *slog.Logger
}

// NewRunner returns a Runner. history may be nil to skip persistence.
func NewRunner(runnable Runnable, history *repo.WorkflowRuns, clk clock.Clock, logger *slog.Logger) *Runner {
	return &Runner{runnable: runnable, history: history, clock: clk, log: logger}
}

// Run executes wf against the starting context. The parallel DAG path
// is taken when the policy says PARALLEL and at least one step declares
// a dependency; otherwise steps run in declared order.
func (r *Runner) Run(ctx context.Context, wf *Workflow, wctx *Context) (*WorkflowResult, error) {
	if err := wf.Validate(); err != nil {
		return nil, err
	}
	if wctx == nil {
		wctx = NewContext(repo.NewID(), wf.Name, nil)
	}
	if wctx.RunID == "" {
		wctx.RunID = repo.NewID()
	}

	started := r.clock.Now()
	r.recordRunStart(ctx, wf, wctx, started)
	r.log.Info("workflow started",
		"workflow", wf.Name, "run_id", wctx.RunID,
		"mode", string(wf.Policy.Mode), "steps", len(wf.Steps))

	var result *WorkflowResult
	if wf.Policy.Mode == ModeParallel && wf.hasDependencies() {
		result = r.runParallel(ctx, wf, wctx)
	} else {
		result = r.runSequential(ctx, wf, wctx)
	}

	result.RunID = wctx.RunID
	result.Workflow = wf.Name
	result.StartedAt = started
	result.CompletedAt = r.clock.Now()
	r.recordRunFinish(ctx, result)

	r.log.Info("workflow finished",
		"workflow", wf.Name, "run_id", wctx.RunID,
		"status", string(result.Status),
		"duration", result.CompletedAt.Sub(result.StartedAt))
	return result, nil
}

// runSequential iterates steps in declared order. Choice results may
// fast-forward to a later step; intermediate steps are branch-skipped
// and do not count against the final status.
func (r *Runner) runSequential(ctx context.Context, wf *Workflow, wctx *Context) *WorkflowResult {
	result := &WorkflowResult{Steps: make([]StepExecution, 0, len(wf.Steps))}
	completed := map[string]bool{}
	failed := map[string]bool{}

	var (
		fastForward  string
		completedAny bool
		failedAny    bool
		failureSkips bool
		cancelled    bool
	)

	for i := range wf.Steps {
		step := &wf.Steps[i]

		if cancelled || ctx.Err() != nil {
			cancelled = true
			result.Steps = append(result.Steps, StepExecution{Name: step.Name, Status: StepCancelled})
			continue
		}

		if fastForward != "" && step.Name != fastForward {
			result.Steps = append(result.Steps, StepExecution{Name: step.Name, Status: StepSkipped})
			continue
		}
		fastForward = ""

		if dep := unmetDependency(step, completed, failed); dep != "" {
			failureSkips = true
			result.Steps = append(result.Steps, StepExecution{
				Name:   step.Name,
				Status: StepSkipped,
				Result: Fail(fmt.Sprintf("dependency %q did not complete", dep), errors.CategoryInternal),
			})
			continue
		}

		exec := r.executeStep(ctx, wf, step, wctx)
		result.Steps = append(result.Steps, exec)
		r.recordStep(ctx, wctx.RunID, i, exec)

		if exec.Status == StepCompleted {
			completedAny = true
			completed[step.Name] = true
			wctx = wctx.WithOutput(step.Name, exec.Result.Output).WithParams(exec.Result.ContextUpdates)
			if exec.Result.NextStep != "" {
				fastForward = exec.Result.NextStep
			}
			continue
		}

		failedAny = true
		failed[step.Name] = true
		if result.ErrorStep == "" {
			result.ErrorStep = step.Name
			result.Error = exec.Result.Error
		}
		if wf.stepPolicy(step) == PolicyStop {
			for j := i + 1; j < len(wf.Steps); j++ {
				failureSkips = true
				result.Steps = append(result.Steps, StepExecution{Name: wf.Steps[j].Name, Status: StepSkipped})
			}
			break
		}
	}

	result.Context = wctx
	result.Status = aggregateStatus(cancelled, completedAny, failedAny, failureSkips, wf.failurePolicy())
	return result
}

// unmetDependency returns the first dependency that blocks step: either
// one that failed or one that has not completed.
func unmetDependency(step *Step, completed, failed map[string]bool) string {
	for _, dep := range step.DependsOn {
		if failed[dep] || !completed[dep] {
			return dep
		}
	}
	return ""
}

// aggregateStatus derives the final run status.
func aggregateStatus(cancelled, completedAny, failedAny, failureSkips bool, policy FailurePolicy) repo.WorkflowRunStatus {
	switch {
	case cancelled:
		return repo.RunCancelled
	case !failedAny && !failureSkips:
		return repo.RunCompleted
	case policy == PolicyContinue && completedAny:
		return repo.RunPartial
	default:
		return repo.RunFailed
	}
}

// executeStep runs one step with the workflow timeout applied, catching
// panics so they never cross the engine boundary.
func (r *Runner) executeStep(ctx context.Context, wf *Workflow, step *Step, wctx *Context) StepExecution {
	exec := StepExecution{Name: step.Name, StartedAt: r.clock.Now()}

	stepCtx := ctx
	var cancel context.CancelFunc
	if wf.Policy.TimeoutSeconds > 0 {
		stepCtx, cancel = context.WithTimeout(ctx, time.Duration(wf.Policy.TimeoutSeconds)*time.Second)
		defer cancel()
	}
	stepCtx, span := tracing.StartStep(stepCtx, wctx.RunID, step.Name, string(step.Type))

	res := r.invoke(stepCtx, step, wctx)
	if res.Success {
		tracing.End(span, nil)
	} else {
		tracing.End(span, fmt.Errorf("%s", res.Error))
	}
	if !res.Success && stepCtx.Err() == context.DeadlineExceeded {
		res.ErrorCategory = errors.CategoryTimeout
	}

	exec.Result = res
	exec.CompletedAt = r.clock.Now()
	if res.Success {
		exec.Status = StepCompleted
	} else {
		exec.Status = StepFailed
		r.log.Warn("step failed",
			"workflow", wctx.WorkflowName, "run_id", wctx.RunID,
			"step", step.Name, "error", res.Error, "category", string(res.ErrorCategory))
	}
	return exec
}

// invoke dispatches on the step type.
func (r *Runner) invoke(ctx context.Context, step *Step, wctx *Context) (res *StepResult) {
	defer func() {
		if rec := recover(); rec != nil {
			res = resultFromPanic(rec)
		}
	}()

	switch step.Type {
	case StepLambda:
		return r.invokeLambda(ctx, step, wctx)
	case StepPipeline:
		return r.invokePipeline(ctx, step, wctx)
	case StepChoice:
		return r.invokeChoice(step, wctx)
	case StepWait:
		return r.invokeWait(ctx, step, wctx)
	case StepMap:
		return Fail("map steps are not supported", errors.CategoryValidation)
	default:
		return Fail(fmt.Sprintf("unknown step type %q", step.Type), errors.CategoryValidation)
	}
}

// invokeLambda runs the handler on its own goroutine so a blocking
// handler cannot outlive the step deadline.
func (r *Runner) invokeLambda(ctx context.Context, step *Step, wctx *Context) *StepResult {
	if step.Handler == nil {
		return Fail(fmt.Sprintf("lambda step %q has no handler bound", step.Name), errors.CategoryValidation)
	}

	type outcome struct {
		value any
		err   error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				done <- outcome{err: fmt.Errorf("handler panic: %v", rec)}
			}
		}()
		value, err := step.Handler(ctx, wctx, step.Config)
		done <- outcome{value: value, err: err}
	}()

	select {
	case <-ctx.Done():
		return Fail(fmt.Sprintf("step %q: %v", step.Name, ctx.Err()), errors.CategoryTimeout)
	case out := <-done:
		if out.err != nil {
			return resultFromError(out.err)
		}
		return ResultFrom(out.value)
	}
}

// invokePipeline dispatches the named operation through the runnable,
// merging the step config over the run params.
func (r *Runner) invokePipeline(ctx context.Context, step *Step, wctx *Context) *StepResult {
	if wctx.DryRun {
		return OK(map[string]any{"dry_run": true, "pipeline": step.Pipeline})
	}
	if r.runnable == nil {
		return Fail("no runnable configured for pipeline steps", errors.CategoryInternal)
	}

	params := make(map[string]any, len(wctx.Params)+len(step.Config))
	for k, v := range wctx.Params {
		params[k] = v
	}
	for k, v := range step.Config {
		params[k] = v
	}

	run, err := r.runnable.SubmitPipelineSync(ctx, step.Pipeline, params, wctx.RunID, wctx.RunID)
	if err != nil {
		return resultFromError(err)
	}
	if run.Status != repo.StatusCompleted {
		msg := run.Error
		if msg == "" {
			msg = fmt.Sprintf("pipeline %q finished %s", step.Pipeline, run.Status)
		}
		return Fail(msg, errors.CategoryInternal)
	}
	return OK(map[string]any{
		"run_id":  run.RunID,
		"metrics": run.Metrics,
	})
}

// invokeChoice evaluates the predicate against the context snapshot and
// emits the branch target as next_step.
func (r *Runner) invokeChoice(step *Step, wctx *Context) *StepResult {
	env := map[string]any{
		"params":    wctx.Params,
		"outputs":   wctx.Outputs,
		"partition": wctx.Partition,
		"run_id":    wctx.RunID,
	}
	program, err := expr.Compile(step.Predicate, expr.Env(env), expr.AsBool())
	if err != nil {
		return Fail(fmt.Sprintf("choice %q: bad predicate: %v", step.Name, err), errors.CategoryValidation)
	}
	out, err := expr.Run(program, env)
	if err != nil {
		return Fail(fmt.Sprintf("choice %q: %v", step.Name, err), errors.CategoryValidation)
	}

	res := OK(map[string]any{"choice": out})
	if out == true {
		res.NextStep = step.ThenStep
	} else {
		res.NextStep = step.ElseStep
	}
	return res
}

// invokeWait sleeps for the configured duration, returning immediately
// under dry-run.
func (r *Runner) invokeWait(ctx context.Context, step *Step, wctx *Context) *StepResult {
	if wctx.DryRun || step.DurationSeconds <= 0 {
		return OK(map[string]any{"waited_seconds": 0})
	}
	if err := r.clock.Sleep(ctx, time.Duration(step.DurationSeconds)*time.Second); err != nil {
		return Fail(fmt.Sprintf("wait interrupted: %v", err), errors.CategoryTimeout)
	}
	return OK(map[string]any{"waited_seconds": step.DurationSeconds})
}

func (r *Runner) recordRunStart(ctx context.Context, wf *Workflow, wctx *Context, started time.Time) {
	if r.history == nil {
		return
	}
	err := r.history.Create(ctx, &repo.WorkflowRun{
		ID:        wctx.RunID,
		Workflow:  wf.Name,
		Status:    repo.RunRunning,
		Params:    repo.JSONMap(wctx.Params),
		StartedAt: started,
		CreatedAt: started,
		UpdatedAt: started,
	})
	if err != nil {
		r.log.Error("workflow run history write failed", "run_id", wctx.RunID, "error", err)
	}
}

func (r *Runner) recordRunFinish(ctx context.Context, result *WorkflowResult) {
	if r.history == nil {
		return
	}
	err := r.history.Finish(ctx, result.RunID, result.Status,
		result.Error, result.ErrorStep, result.CompletedAt, result.CompletedAt)
	if err != nil {
		r.log.Error("workflow run history write failed", "run_id", result.RunID, "error", err)
	}
}

func (r *Runner) recordStep(ctx context.Context, runID string, index int, exec StepExecution) {
	if r.history == nil {
		return
	}
	row := &repo.WorkflowStepRow{
		RunID:       runID,
		StepName:    exec.Name,
		StepIndex:   index,
		Status:      exec.Status,
		StartedAt:   exec.StartedAt,
		CompletedAt: exec.CompletedAt,
	}
	if exec.Result != nil {
		row.Output = repo.JSONMap(exec.Result.Output)
		row.Error = exec.Result.Error
	}
	if err := r.history.UpsertStep(ctx, row); err != nil {
		r.log.Error("workflow step history write failed", "run_id", runID, "step", exec.Name, "error", err)
	}
}
