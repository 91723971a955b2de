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

	"github.com/spinehq/spine/internal/repo"
)

func (s *Server) handleListDeadLetters(w http.ResponseWriter, r *http.Request) {
	f := repo.DeadLetterFilter{
		Workflow:   r.URL.Query().Get("workflow"),
		Unresolved: queryBool(r, "unresolved"),
		Limit:      queryInt(r, "limit", 50),
		Offset:     queryInt(r, "offset", 0),
	}
	letters, total, err := s.deps.DLQ.List(r.Context(), f)
	if err != nil {
		writeError(w, err)
		return
	}
	writePage(w, letters, repo.NewPage(total, f.Limit, f.Offset))
}

func (s *Server) handleGetDeadLetter(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	letter, err := s.deps.DLQ.Get(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusOK, letter)
}

// handleReplayDeadLetter dispatches a fresh execution for the dead
// letter and returns it.
func (s *Server) handleReplayDeadLetter(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	exec, err := s.deps.DLQ.Replay(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusAccepted, exec)
}

type resolveRequest struct {
	ResolvedBy string `json:"resolved_by,omitempty"`
}

func (s *Server) handleResolveDeadLetter(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var req resolveRequest
	if r.ContentLength > 0 {
		if err := decode(r, &req); err != nil {
			writeError(w, err)
			return
		}
	}
	resolvedBy := req.ResolvedBy
	if resolvedBy == "" {
		resolvedBy = "api"
	}
	if err := s.deps.DLQ.Resolve(r.Context(), id, resolvedBy); err != nil {
		writeError(w, err)
		return
	}
	letter, err := s.deps.DLQ.Get(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusOK, letter)
}
