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

package server

import (
	"net/http"

	"github.com/spinehq/spine/internal/engine"
	"github.com/spinehq/spine/internal/repo"
)

func (s *Server) handleListWorkflows(w http.ResponseWriter, r *http.Request) {
	writeData(w, http.StatusOK, s.deps.Registry.Workflows())
}

func (s *Server) handleGetWorkflow(w http.ResponseWriter, r *http.Request) {
	wf, err := s.deps.Registry.Workflow(r.PathValue("name"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusOK, wf)
}

type runWorkflowRequest struct {
	Params repo.JSONMap `json:"params,omitempty"`
	DryRun bool         `json:"dry_run,omitempty"`
}

// handleRunWorkflow executes a workflow synchronously and returns the
// full run result. With dry_run set, steps are walked without invoking
// handlers.
func (s *Server) handleRunWorkflow(w http.ResponseWriter, r *http.Request) {
	var req runWorkflowRequest
	if r.ContentLength > 0 {
		if err := decode(r, &req); err != nil {
			writeError(w, err)
			return
		}
	}

	wf, err := s.deps.Registry.Workflow(r.PathValue("name"))
	if err != nil {
		writeError(w, err)
		return
	}

	wctx := engine.NewContext(repo.NewID(), wf.Name, req.Params)
	wctx.DryRun = req.DryRun || queryBool(r, "dry_run")

	result, err := s.deps.Runner.Run(r.Context(), wf, wctx)
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusOK, result)
}

func (s *Server) handleListWorkflowRuns(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit := queryInt(r, "limit", 50)
	offset := queryInt(r, "offset", 0)
	runs, total, err := s.deps.History.List(r.Context(), q.Get("workflow"), q.Get("status"), limit, offset)
	if err != nil {
		writeError(w, err)
		return
	}
	writePage(w, runs, repo.NewPage(total, limit, offset))
}

func (s *Server) handleGetWorkflowRun(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	run, err := s.deps.History.Get(r.Context(), id)
	if err != nil {
		writeError(w, orNotFound(err, "workflow_run", id))
		return
	}
	writeData(w, http.StatusOK, run)
}

func (s *Server) handleWorkflowRunSteps(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.deps.History.Get(r.Context(), id); err != nil {
		writeError(w, orNotFound(err, "workflow_run", id))
		return
	}
	steps, err := s.deps.History.ListSteps(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusOK, steps)
}
