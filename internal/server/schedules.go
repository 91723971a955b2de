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

	"github.com/spinehq/spine/internal/schedule"
)

func (s *Server) handleCreateSchedule(w http.ResponseWriter, r *http.Request) {
	var def schedule.Definition
	if err := decode(r, &def); err != nil {
		writeError(w, err)
		return
	}
	sched, err := s.deps.Schedules.Create(r.Context(), def)
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusCreated, sched)
}

func (s *Server) handleListSchedules(w http.ResponseWriter, r *http.Request) {
	scheds, err := s.deps.Schedules.List(r.Context(), queryBool(r, "enabled"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusOK, scheds)
}

func (s *Server) handleGetSchedule(w http.ResponseWriter, r *http.Request) {
	sched, err := s.deps.Schedules.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusOK, sched)
}

func (s *Server) handleUpdateSchedule(w http.ResponseWriter, r *http.Request) {
	var def schedule.Definition
	if err := decode(r, &def); err != nil {
		writeError(w, err)
		return
	}
	sched, err := s.deps.Schedules.Update(r.Context(), r.PathValue("id"), def)
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusOK, sched)
}

func (s *Server) handleDeleteSchedule(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Schedules.Delete(r.Context(), r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleEnableSchedule(w http.ResponseWriter, r *http.Request) {
	s.setScheduleEnabled(w, r, true)
}

func (s *Server) handleDisableSchedule(w http.ResponseWriter, r *http.Request) {
	s.setScheduleEnabled(w, r, false)
}

func (s *Server) setScheduleEnabled(w http.ResponseWriter, r *http.Request, enabled bool) {
	sched, err := s.deps.Schedules.SetEnabled(r.Context(), r.PathValue("id"), enabled)
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusOK, sched)
}

func (s *Server) handleScheduleRuns(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.deps.Schedules.Get(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	runs, err := s.deps.Schedules.Runs(r.Context(), id, queryInt(r, "limit", 50))
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusOK, runs)
}
