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

// Package registry holds the in-process catalogs of operations and
// workflow definitions. Registration happens explicitly during
// bootstrap; lookups are O(1) and safe for concurrent readers.
package registry

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/spinehq/spine/internal/engine"
	"github.com/spinehq/spine/internal/repo"
	"github.com/spinehq/spine/pkg/errors"
)

// Handler is one unit of work. The returned value is stored as the
// execution result; an error marks the execution FAILED.
type Handler func(ctx context.Context, params repo.JSONMap) (any, error)

// Operation pairs a handler with its dispatch options.
type Operation struct {
	Name    string
	Handler Handler

	// ConcurrencyKey, when set, serializes runs holding the same key.
	ConcurrencyKey string
	// LockTTL bounds how long a crashed run can pin its key.
	LockTTL time.Duration
	// MaxRetries is the budget consumed before dead-lettering.
	MaxRetries int
	// Lane is the routing hint recorded on executions.
	Lane string
}

// Registry is the process-wide catalog.
type Registry struct {
	mu        sync.RWMutex
	ops       map[string]*Operation
	workflows map[string]*engine.Workflow
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{
		ops:       make(map[string]*Operation),
		workflows: make(map[string]*engine.Workflow),
	}
}

// RegisterOperation adds an operation, rejecting duplicates and
// nil handlers.
func (r *Registry) RegisterOperation(op *Operation) error {
	if op.Name == "" {
		return &errors.ValidationError{Field: "name", Message: "operation name is required"}
	}
	if op.Handler == nil {
		return &errors.ValidationError{Field: "handler", Message: "operation handler is required"}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.ops[op.Name]; ok {
		return &errors.ConflictError{
			Resource: "operation",
			Reason:   fmt.Sprintf("operation %q already registered", op.Name),
		}
	}
	if op.LockTTL <= 0 {
		op.LockTTL = 10 * time.Minute
	}
	if op.MaxRetries < 0 {
		op.MaxRetries = 0
	}
	r.ops[op.Name] = op
	return nil
}

// Operation resolves a handler by name.
func (r *Registry) Operation(name string) (*Operation, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	op, ok := r.ops[name]
	if !ok {
		return nil, &errors.NotFoundError{Resource: "operation", ID: name}
	}
	return op, nil
}

// Operations lists registered operation names in sorted order.
func (r *Registry) Operations() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.ops))
	for name := range r.ops {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// RegisterWorkflow adds a workflow definition after validating it.
func (r *Registry) RegisterWorkflow(wf *engine.Workflow) error {
	if err := wf.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.workflows[wf.Name]; ok {
		return &errors.ConflictError{
			Resource: "workflow",
			Reason:   fmt.Sprintf("workflow %q already registered", wf.Name),
		}
	}
	r.workflows[wf.Name] = wf
	return nil
}

// ReplaceWorkflow swaps in a new definition, used by hot reload.
func (r *Registry) ReplaceWorkflow(wf *engine.Workflow) error {
	if err := wf.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.workflows[wf.Name] = wf
	return nil
}

// Workflow resolves a definition by name.
func (r *Registry) Workflow(name string) (*engine.Workflow, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	wf, ok := r.workflows[name]
	if !ok {
		return nil, &errors.NotFoundError{Resource: "workflow", ID: name}
	}
	return wf, nil
}

// Workflows lists registered workflow names in sorted order.
func (r *Registry) Workflows() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.workflows))
	for name := range r.workflows {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
