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

// Context is the immutable snapshot handed to every step. Mutating
// methods return a new snapshot; parallel steps read whichever snapshot
// was current when they were dispatched.
type Context struct {
	RunID        string         `json:"run_id"`
	WorkflowName string         `json:"workflow_name"`
	Params       map[string]any `json:"params,omitempty"`
	Partition    map[string]any `json:"partition,omitempty"`
	Outputs      map[string]any `json:"outputs,omitempty"`
	DryRun       bool           `json:"dry_run,omitempty"`
}

// NewContext builds the starting snapshot for a run.
func NewContext(runID, workflow string, params map[string]any) *Context {
	return &Context{
		RunID:        runID,
		WorkflowName: workflow,
		Params:       params,
		Outputs:      map[string]any{},
	}
}

// WithOutput returns a snapshot with the step's output recorded.
func (c *Context) WithOutput(step string, output any) *Context {
	next := c.clone()
	next.Outputs[step] = output
	return next
}

// WithParams returns a snapshot with updates merged over params.
func (c *Context) WithParams(updates map[string]any) *Context {
	if len(updates) == 0 {
		return c
	}
	next := c.clone()
	for k, v := range updates {
		next.Params[k] = v
	}
	return next
}

// Output returns a step's recorded output as a map, or nil.
func (c *Context) Output(step string) map[string]any {
	if out, ok := c.Outputs[step].(map[string]any); ok {
		return out
	}
	return nil
}

func (c *Context) clone() *Context {
	next := &Context{
		RunID:        c.RunID,
		WorkflowName: c.WorkflowName,
		Params:       make(map[string]any, len(c.Params)+1),
		Outputs:      make(map[string]any, len(c.Outputs)+1),
		DryRun:       c.DryRun,
	}
	for k, v := range c.Params {
		next.Params[k] = v
	}
	for k, v := range c.Outputs {
		next.Outputs[k] = v
	}
	if c.Partition != nil {
		next.Partition = make(map[string]any, len(c.Partition))
		for k, v := range c.Partition {
			next.Partition[k] = v
		}
	}
	return next
}
