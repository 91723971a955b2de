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
	"time"

	"github.com/spinehq/spine/internal/queue"
	"github.com/spinehq/spine/internal/repo"
)

type enqueueRequest struct {
	Domain       string         `json:"domain"`
	Workflow     string         `json:"workflow"`
	PartitionKey map[string]any `json:"partition_key,omitempty"`
	DesiredAt    time.Time      `json:"desired_at,omitzero"`
	Priority     int            `json:"priority,omitempty"`
	MaxAttempts  int            `json:"max_attempts,omitempty"`
}

// handleEnqueue adds one work item. Re-enqueueing a live logical job is
// reported as deduplicated rather than an error.
func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	id, deduplicated, err := s.deps.Queue.Enqueue(r.Context(), queue.EnqueueRequest{
		Domain:       req.Domain,
		Workflow:     req.Workflow,
		PartitionKey: req.PartitionKey,
		DesiredAt:    req.DesiredAt,
		Priority:     req.Priority,
		MaxAttempts:  req.MaxAttempts,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	status := http.StatusCreated
	if deduplicated {
		status = http.StatusOK
	}
	writeData(w, status, map[string]any{
		"id":           id,
		"deduplicated": deduplicated,
	})
}

func (s *Server) handleListQueueItems(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := repo.WorkItemFilter{
		Domain:   q.Get("domain"),
		Workflow: q.Get("workflow"),
		State:    q.Get("state"),
		Limit:    queryInt(r, "limit", 50),
		Offset:   queryInt(r, "offset", 0),
	}
	items, total, err := s.deps.Queue.List(r.Context(), f)
	if err != nil {
		writeError(w, err)
		return
	}
	writePage(w, items, repo.NewPage(total, f.Limit, f.Offset))
}

func (s *Server) handleGetQueueItem(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	item, err := s.deps.Queue.Get(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusOK, item)
}

func (s *Server) handleCancelQueueItem(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.deps.Queue.Cancel(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	item, err := s.deps.Queue.Get(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusOK, item)
}

// handleRetryFailedItems moves FAILED items matching the filter back to
// PENDING with a fresh attempt budget.
func (s *Server) handleRetryFailedItems(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := repo.WorkItemFilter{
		Domain:   q.Get("domain"),
		Workflow: q.Get("workflow"),
	}
	n, err := s.deps.Queue.RetryFailed(r.Context(), f)
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusOK, map[string]any{"retried": n})
}
