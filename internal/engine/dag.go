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
	"sync"

	"github.com/spinehq/spine/pkg/errors"
)

// runParallel schedules steps onto a worker pool bounded by
// max_concurrency. A step is dispatched only when every dependency has
// completed; a failed dependency skips the step, and skips propagate
// transitively. Under STOP the first failure stops all further
// dispatching and cancels in-flight steps.
func (r *Runner) runParallel(ctx context.Context, wf *Workflow, wctx *Context) *WorkflowResult {
	type outcome struct {
		index int
		exec  StepExecution
	}

	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()

	var mu sync.Mutex // guards wctx between merges
	results := make(map[string]StepExecution, len(wf.Steps))
	completed := map[string]bool{}
	failed := map[string]bool{}
	skipped := map[string]bool{}
	running := map[string]bool{}
	pending := map[string]*Step{}
	for i := range wf.Steps {
		pending[wf.Steps[i].Name] = &wf.Steps[i]
	}

	done := make(chan outcome, len(wf.Steps))
	stopped := false

	// skipBlocked moves every pending step with a failed or skipped
	// dependency into the skipped set, repeating until stable.
	skipBlocked := func() {
		for changed := true; changed; {
			changed = false
			for name, step := range pending {
				for _, dep := range step.DependsOn {
					if failed[dep] || skipped[dep] {
						skipped[name] = true
						results[name] = StepExecution{
							Name:   name,
							Status: StepSkipped,
							Result: Fail(fmt.Sprintf("dependency %q did not complete", dep), errors.CategoryInternal),
						}
						delete(pending, name)
						changed = true
						break
					}
				}
			}
		}
	}

	// dispatchReady submits every pending step whose dependencies are
	// all completed, while pool slots remain.
	dispatchReady := func() {
		if stopped || runCtx.Err() != nil {
			return
		}
		for name, step := range pending {
			if len(running) >= wf.maxConcurrency() {
				return
			}
			ready := true
			for _, dep := range step.DependsOn {
				if !completed[dep] {
					ready = false
					break
				}
			}
			if !ready {
				continue
			}

			delete(pending, name)
			running[name] = true

			mu.Lock()
			snapshot := wctx
			mu.Unlock()

			idx := stepIndex(wf, name)
			go func(step *Step, snapshot *Context, idx int) {
				exec := r.executeStep(runCtx, wf, step, snapshot)
				done <- outcome{index: idx, exec: exec}
			}(step, snapshot, idx)
		}
	}

	skipBlocked()
	dispatchReady()

	for len(running) > 0 {
		out := <-done
		name := out.exec.Name
		delete(running, name)
		results[name] = out.exec
		r.recordStep(ctx, wctx.RunID, out.index, out.exec)

		if out.exec.Status == StepCompleted {
			completed[name] = true
			mu.Lock()
			wctx = wctx.WithOutput(name, out.exec.Result.Output).
				WithParams(out.exec.Result.ContextUpdates)
			mu.Unlock()
		} else {
			failed[name] = true
			if wf.stepPolicy(wf.step(name)) == PolicyStop {
				stopped = true
				cancelRun()
			}
		}

		if stopped {
			// Everything not yet dispatched is skipped.
			for pname := range pending {
				skipped[pname] = true
				results[pname] = StepExecution{Name: pname, Status: StepSkipped}
				delete(pending, pname)
			}
		} else {
			skipBlocked()
			dispatchReady()
		}
	}

	// Steps never dispatched because the run context ended.
	for name := range pending {
		results[name] = StepExecution{Name: name, Status: StepCancelled}
	}

	result := &WorkflowResult{Steps: make([]StepExecution, 0, len(wf.Steps))}
	var completedAny, failedAny, failureSkips bool
	for i := range wf.Steps {
		exec, ok := results[wf.Steps[i].Name]
		if !ok {
			exec = StepExecution{Name: wf.Steps[i].Name, Status: StepSkipped}
		}
		result.Steps = append(result.Steps, exec)
		switch exec.Status {
		case StepCompleted:
			completedAny = true
		case StepFailed:
			failedAny = true
			if result.ErrorStep == "" {
				result.ErrorStep = exec.Name
				if exec.Result != nil {
					result.Error = exec.Result.Error
				}
			}
		case StepSkipped:
			failureSkips = true
		}
	}

	cancelled := ctx.Err() != nil && !stopped
	result.Context = wctx
	result.Status = aggregateStatus(cancelled, completedAny, failedAny, failureSkips, wf.failurePolicy())
	return result
}

func stepIndex(wf *Workflow, name string) int {
	for i := range wf.Steps {
		if wf.Steps[i].Name == name {
			return i
		}
	}
	return 0
}
