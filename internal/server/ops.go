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

	"github.com/spinehq/spine/internal/repo"
	"github.com/spinehq/spine/internal/storage"
	"github.com/spinehq/spine/pkg/errors"
)

func (s *Server) handleListAlerts(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 50)
	offset := queryInt(r, "offset", 0)
	alerts, total, err := s.deps.Alerts.List(r.Context(),
		r.URL.Query().Get("severity"), queryBool(r, "unacknowledged"), limit, offset)
	if err != nil {
		writeError(w, err)
		return
	}
	writePage(w, alerts, repo.NewPage(total, limit, offset))
}

type ackRequest struct {
	AcknowledgedBy string `json:"acknowledged_by,omitempty"`
}

func (s *Server) handleAckAlert(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var req ackRequest
	if r.ContentLength > 0 {
		if err := decode(r, &req); err != nil {
			writeError(w, err)
			return
		}
	}
	by := req.AcknowledgedBy
	if by == "" {
		by = "api"
	}
	ok, err := s.deps.Alerts.Acknowledge(r.Context(), id, by, s.deps.Clock.Now())
	if err != nil {
		writeError(w, err)
		return
	}
	if !ok {
		writeError(w, &errors.ConflictError{
			Resource: "alert",
			Reason:   "alert is already acknowledged or does not exist",
		})
		return
	}
	alert, err := s.deps.Alerts.Get(r.Context(), id)
	if err != nil {
		writeError(w, orNotFound(err, "alert", fmt.Sprintf("%d", id)))
		return
	}
	writeData(w, http.StatusOK, alert)
}

func (s *Server) handleDeleteAlert(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	ok, err := s.deps.Alerts.Delete(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	if !ok {
		writeError(w, &errors.NotFoundError{Resource: "alert", ID: fmt.Sprintf("%d", id)})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type sourceRequest struct {
	Name    string `json:"name"`
	Kind    string `json:"kind"`
	URL     string `json:"url,omitempty"`
	Enabled *bool  `json:"enabled,omitempty"`
}

func (s *Server) handleCreateSource(w http.ResponseWriter, r *http.Request) {
	var req sourceRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Name == "" {
		writeError(w, &errors.ValidationError{Field: "name", Message: "name is required"})
		return
	}
	if req.Kind == "" {
		writeError(w, &errors.ValidationError{Field: "kind", Message: "kind is required"})
		return
	}

	now := s.deps.Clock.Now()
	src := &repo.Source{
		ID:        repo.NewID(),
		Name:      req.Name,
		Kind:      req.Kind,
		URL:       req.URL,
		Enabled:   req.Enabled == nil || *req.Enabled,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.deps.Sources.Create(r.Context(), src); err != nil {
		if storage.IsConstraint(err) {
			writeError(w, &errors.ConflictError{
				Resource: "source",
				Reason:   fmt.Sprintf("source %q already exists", req.Name),
			})
			return
		}
		writeError(w, err)
		return
	}
	writeData(w, http.StatusCreated, src)
}

func (s *Server) handleListSources(w http.ResponseWriter, r *http.Request) {
	sources, err := s.deps.Sources.List(r.Context(), queryBool(r, "enabled"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusOK, sources)
}

func (s *Server) handleGetSource(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	src, err := s.deps.Sources.Get(r.Context(), id)
	if err != nil {
		writeError(w, orNotFound(err, "source", id))
		return
	}
	writeData(w, http.StatusOK, src)
}

func (s *Server) handleUpdateSource(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req sourceRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}

	src, err := s.deps.Sources.Get(r.Context(), id)
	if err != nil {
		writeError(w, orNotFound(err, "source", id))
		return
	}
	if req.Name != "" {
		src.Name = req.Name
	}
	if req.Kind != "" {
		src.Kind = req.Kind
	}
	if req.URL != "" {
		src.URL = req.URL
	}
	if req.Enabled != nil {
		src.Enabled = *req.Enabled
	}
	src.UpdatedAt = s.deps.Clock.Now()

	ok, err := s.deps.Sources.Update(r.Context(), src)
	if err != nil {
		writeError(w, err)
		return
	}
	if !ok {
		writeError(w, &errors.NotFoundError{Resource: "source", ID: id})
		return
	}
	writeData(w, http.StatusOK, src)
}

func (s *Server) handleDeleteSource(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	ok, err := s.deps.Sources.Delete(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	if !ok {
		writeError(w, &errors.NotFoundError{Resource: "source", ID: id})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListQualityChecks(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 50)
	offset := queryInt(r, "offset", 0)
	checks, total, err := s.deps.Quality.ListChecks(r.Context(),
		r.URL.Query().Get("domain"), queryBool(r, "failed"), limit, offset)
	if err != nil {
		writeError(w, err)
		return
	}
	writePage(w, checks, repo.NewPage(total, limit, offset))
}

func (s *Server) handleListAnomalies(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit := queryInt(r, "limit", 50)
	offset := queryInt(r, "offset", 0)
	anomalies, total, err := s.deps.Quality.ListAnomalies(r.Context(),
		q.Get("domain"), q.Get("severity"), limit, offset)
	if err != nil {
		writeError(w, err)
		return
	}
	writePage(w, anomalies, repo.NewPage(total, limit, offset))
}

// handleListManifest returns the pipeline stage manifest for a domain,
// optionally narrowed to one partition.
func (s *Server) handleListManifest(w http.ResponseWriter, r *http.Request) {
	rows, err := s.deps.Manifest.List(r.Context(),
		r.PathValue("domain"), r.URL.Query().Get("partition_key"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusOK, rows)
}

func (s *Server) handleListRejects(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit := queryInt(r, "limit", 50)
	offset := queryInt(r, "offset", 0)
	rejects, total, err := s.deps.Manifest.ListRejects(r.Context(),
		q.Get("domain"), q.Get("stage"), limit, offset)
	if err != nil {
		writeError(w, err)
		return
	}
	writePage(w, rejects, repo.NewPage(total, limit, offset))
}
