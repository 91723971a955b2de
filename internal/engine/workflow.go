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

// Package engine executes workflows: directed acyclic graphs of typed
// steps run sequentially or on a bounded worker pool, with per-step
// failure policy and copy-on-write context propagation.
package engine

import (
	"context"
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/spinehq/spine/pkg/errors"
)

// Mode selects the execution strategy.
type Mode string

const (
	ModeSequential Mode = "SEQUENTIAL"
	ModeParallel   Mode = "PARALLEL"
)

// FailurePolicy says what happens after a step fails.
type FailurePolicy string

const (
	PolicyStop     FailurePolicy = "STOP"
	PolicyContinue FailurePolicy = "CONTINUE"
)

// StepType discriminates the step union for serialization.
type StepType string

const (
	StepLambda   StepType = "lambda"
	StepPipeline StepType = "pipeline"
	StepChoice   StepType = "choice"
	StepWait     StepType = "wait"
	StepMap      StepType = "map"
)

// LambdaFunc is an inline step handler. The returned value is coerced
// through ResultFrom; an error or panic becomes a failed result.
type LambdaFunc func(ctx context.Context, wctx *Context, config map[string]any) (any, error)

// Step is one node of a workflow. The populated fields depend on Type;
// Handler is never serialized.
type Step struct {
	Name      string         `json:"name" yaml:"name"`
	Type      StepType       `json:"step_type" yaml:"step_type"`
	DependsOn []string       `json:"depends_on,omitempty" yaml:"depends_on,omitempty"`
	OnError   FailurePolicy  `json:"on_error,omitempty" yaml:"on_error,omitempty"`
	Config    map[string]any `json:"config,omitempty" yaml:"config,omitempty"`

	Handler LambdaFunc `json:"-" yaml:"-"`

	Pipeline string `json:"pipeline,omitempty" yaml:"pipeline,omitempty"`

	Predicate string `json:"predicate,omitempty" yaml:"predicate,omitempty"`
	ThenStep  string `json:"then_step,omitempty" yaml:"then_step,omitempty"`
	ElseStep  string `json:"else_step,omitempty" yaml:"else_step,omitempty"`

	DurationSeconds int `json:"duration_seconds,omitempty" yaml:"duration_seconds,omitempty"`
}

// Policy is the workflow-wide execution policy.
type Policy struct {
	Mode           Mode          `json:"mode" yaml:"mode"`
	MaxConcurrency int           `json:"max_concurrency,omitempty" yaml:"max_concurrency,omitempty"`
	TimeoutSeconds int           `json:"timeout_seconds,omitempty" yaml:"timeout_seconds,omitempty"`
	OnFailure      FailurePolicy `json:"on_failure,omitempty" yaml:"on_failure,omitempty"`
}

// Workflow is a named DAG of steps.
type Workflow struct {
	Name     string         `json:"name" yaml:"name"`
	Steps    []Step         `json:"steps" yaml:"steps"`
	Policy   Policy         `json:"execution_policy" yaml:"execution_policy"`
	Defaults map[string]any `json:"defaults,omitempty" yaml:"defaults,omitempty"`
}

// Validate checks structural invariants: unique step names, known step
// types, resolvable dependencies and branch targets, and an acyclic
// dependency graph.
func (w *Workflow) Validate() error {
	if w.Name == "" {
		return &errors.ValidationError{Field: "name", Message: "workflow name is required"}
	}
	if len(w.Steps) == 0 {
		return &errors.ValidationError{Field: "steps", Message: "workflow has no steps"}
	}

	byName := make(map[string]*Step, len(w.Steps))
	for i := range w.Steps {
		s := &w.Steps[i]
		if s.Name == "" {
			return &errors.ValidationError{Field: "steps", Message: fmt.Sprintf("step %d has no name", i)}
		}
		if _, dup := byName[s.Name]; dup {
			return &errors.ValidationError{Field: "steps", Message: fmt.Sprintf("duplicate step name %q", s.Name)}
		}
		byName[s.Name] = s

		switch s.Type {
		case StepLambda, StepPipeline, StepChoice, StepWait, StepMap:
		default:
			return &errors.ValidationError{
				Field:   "step_type",
				Message: fmt.Sprintf("step %q has unknown type %q", s.Name, s.Type),
			}
		}
		if s.Type == StepPipeline && s.Pipeline == "" {
			return &errors.ValidationError{
				Field:   "pipeline",
				Message: fmt.Sprintf("pipeline step %q names no operation", s.Name),
			}
		}
		if s.Type == StepChoice && s.Predicate == "" {
			return &errors.ValidationError{
				Field:   "predicate",
				Message: fmt.Sprintf("choice step %q has no predicate", s.Name),
			}
		}
		if s.OnError != "" && s.OnError != PolicyStop && s.OnError != PolicyContinue {
			return &errors.ValidationError{
				Field:   "on_error",
				Message: fmt.Sprintf("step %q has unknown on_error %q", s.Name, s.OnError),
			}
		}
	}

	for i := range w.Steps {
		s := &w.Steps[i]
		for _, dep := range s.DependsOn {
			if _, ok := byName[dep]; !ok {
				return &errors.ValidationError{
					Field:   "depends_on",
					Message: fmt.Sprintf("step %q depends on unknown step %q", s.Name, dep),
				}
			}
			if dep == s.Name {
				return &errors.ValidationError{
					Field:   "depends_on",
					Message: fmt.Sprintf("step %q depends on itself", s.Name),
				}
			}
		}
		for _, target := range []string{s.ThenStep, s.ElseStep} {
			if target != "" {
				if _, ok := byName[target]; !ok {
					return &errors.ValidationError{
						Field:   "choice",
						Message: fmt.Sprintf("choice step %q targets unknown step %q", s.Name, target),
					}
				}
			}
		}
	}

	if cycle := findCycle(w.Steps); cycle != "" {
		return &errors.ValidationError{
			Field:   "depends_on",
			Message: fmt.Sprintf("dependency cycle through step %q", cycle),
		}
	}
	return nil
}

// findCycle runs a three-color DFS over depends_on edges and returns a
// step on a cycle, or "".
func findCycle(steps []Step) string {
	deps := make(map[string][]string, len(steps))
	for _, s := range steps {
		deps[s.Name] = s.DependsOn
	}

	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(steps))

	var visit func(name string) string
	visit = func(name string) string {
		color[name] = gray
		for _, dep := range deps[name] {
			switch color[dep] {
			case gray:
				return dep
			case white:
				if hit := visit(dep); hit != "" {
					return hit
				}
			}
		}
		color[name] = black
		return ""
	}

	for _, s := range steps {
		if color[s.Name] == white {
			if hit := visit(s.Name); hit != "" {
				return hit
			}
		}
	}
	return ""
}

// step returns the named step, or nil.
func (w *Workflow) step(name string) *Step {
	for i := range w.Steps {
		if w.Steps[i].Name == name {
			return &w.Steps[i]
		}
	}
	return nil
}

// hasDependencies reports whether any step declares depends_on, which
// gates the parallel DAG path.
func (w *Workflow) hasDependencies() bool {
	for _, s := range w.Steps {
		if len(s.DependsOn) > 0 {
			return true
		}
	}
	return false
}

// maxConcurrency returns the worker-pool bound, default 4.
func (w *Workflow) maxConcurrency() int {
	if w.Policy.MaxConcurrency > 0 {
		return w.Policy.MaxConcurrency
	}
	return 4
}

// failurePolicy returns the workflow-wide policy, default STOP.
func (w *Workflow) failurePolicy() FailurePolicy {
	if w.Policy.OnFailure == PolicyContinue {
		return PolicyContinue
	}
	return PolicyStop
}

// stepPolicy returns a step's failure policy, falling back to the
// workflow-wide one.
func (w *Workflow) stepPolicy(s *Step) FailurePolicy {
	if s.OnError != "" {
		return s.OnError
	}
	return w.failurePolicy()
}

// MarshalYAML is implemented via struct tags; ParseWorkflowYAML is the
// inverse. Lambda handlers do not survive the round trip and must be
// re-bound by name after loading.
func ParseWorkflowYAML(data []byte) (*Workflow, error) {
	var wf Workflow
	if err := yaml.Unmarshal(data, &wf); err != nil {
		return nil, &errors.ValidationError{Field: "workflow", Message: fmt.Sprintf("invalid workflow document: %v", err)}
	}
	if wf.Policy.Mode == "" {
		wf.Policy.Mode = ModeSequential
	}
	if err := wf.Validate(); err != nil {
		return nil, err
	}
	return &wf, nil
}

// EncodeYAML renders the workflow definition as YAML.
func (w *Workflow) EncodeYAML() ([]byte, error) {
	return yaml.Marshal(w)
}
