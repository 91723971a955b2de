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
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/spinehq/spine/internal/dispatch"
	"github.com/spinehq/spine/internal/repo"
	"github.com/spinehq/spine/pkg/errors"
)

type submitRunRequest struct {
	Operation      string       `json:"operation"`
	Params         repo.JSONMap `json:"params,omitempty"`
	IdempotencyKey string       `json:"idempotency_key,omitempty"`
	Lane           string       `json:"lane,omitempty"`
}

// handleSubmitRun dispatches one operation synchronously. A run that
// lost its concurrency lock comes back CANCELLED with 409; everything
// else is 202 with the terminal execution.
func (s *Server) handleSubmitRun(w http.ResponseWriter, r *http.Request) {
	var req submitRunRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Operation == "" {
		writeError(w, &errors.ValidationError{Field: "operation", Message: "operation is required"})
		return
	}

	exec, err := s.deps.Dispatcher.Submit(r.Context(), dispatch.SubmitRequest{
		Name:           req.Operation,
		Params:         req.Params,
		IdempotencyKey: req.IdempotencyKey,
		Lane:           req.Lane,
		TriggerSource:  repo.TriggerAPI,
	})
	if err != nil {
		writeError(w, err)
		return
	}

	status := http.StatusAccepted
	if exec.Status == repo.StatusCancelled {
		status = http.StatusConflict
	}
	writeData(w, status, exec)
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := repo.ExecutionFilter{
		Workflow: q.Get("workflow"),
		Status:   q.Get("status"),
		Lane:     q.Get("lane"),
		ParentID: q.Get("parent_id"),
		Limit:    queryInt(r, "limit", 50),
		Offset:   queryInt(r, "offset", 0),
	}
	execs, total, err := s.deps.Ledger.List(r.Context(), f)
	if err != nil {
		writeError(w, err)
		return
	}
	writePage(w, execs, repo.NewPage(total, f.Limit, f.Offset))
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	exec, err := s.deps.Ledger.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusOK, exec)
}

func (s *Server) handleRunEvents(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.deps.Ledger.Get(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	events, err := s.deps.Ledger.Events(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusOK, events)
}

// handleRunLogs renders the event stream as plain log lines, one event
// per line, for operators who want something greppable.
func (s *Server) handleRunLogs(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.deps.Ledger.Get(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	events, err := s.deps.Ledger.Events(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	for _, ev := range events {
		line := fmt.Sprintf("%s %s", ev.Timestamp.UTC().Format(time.RFC3339), ev.EventType)
		if msg, ok := ev.Data["error"].(string); ok && msg != "" {
			line += " error=" + strconv.Quote(msg)
		}
		fmt.Fprintln(w, line)
	}
}

type cancelRequest struct {
	Reason string `json:"reason,omitempty"`
}

func (s *Server) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	var req cancelRequest
	if r.ContentLength > 0 {
		if err := decode(r, &req); err != nil {
			writeError(w, err)
			return
		}
	}
	reason := req.Reason
	if reason == "" {
		reason = "cancelled via API"
	}
	exec, err := s.deps.Ledger.Cancel(r.Context(), r.PathValue("id"), reason)
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusOK, exec)
}

func (s *Server) handleRetryRun(w http.ResponseWriter, r *http.Request) {
	exec, err := s.deps.Dispatcher.Retry(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusAccepted, exec)
}
