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
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/spinehq/spine/internal/repo"
	"github.com/spinehq/spine/internal/storage"
	"github.com/spinehq/spine/pkg/errors"
)

// envelope is the uniform success body: the payload under data, plus
// page for list endpoints.
type envelope struct {
	Data any        `json:"data"`
	Page *repo.Page `json:"page,omitempty"`
}

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Error("response encode failed", "error", err)
	}
}

func writeData(w http.ResponseWriter, status int, data any) {
	writeJSON(w, status, envelope{Data: data})
}

func writePage(w http.ResponseWriter, data any, page repo.Page) {
	writeJSON(w, http.StatusOK, envelope{Data: data, Page: &page})
}

// statusFor maps error categories to HTTP status codes.
func statusFor(cat errors.Category) int {
	switch cat {
	case errors.CategoryValidation:
		return http.StatusBadRequest
	case errors.CategoryNotFound:
		return http.StatusNotFound
	case errors.CategoryConflict, errors.CategoryLockContention:
		return http.StatusConflict
	case errors.CategoryTimeout:
		return http.StatusGatewayTimeout
	case errors.CategoryDataQuality:
		return http.StatusUnprocessableEntity
	case errors.CategoryUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	cat := errors.CategoryOf(err)
	writeJSON(w, statusFor(cat), errorBody{Error: errorDetail{
		Code:    string(cat),
		Message: err.Error(),
	}})
}

// decode reads a JSON request body into v.
func decode(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return &errors.ValidationError{Field: "body", Message: err.Error()}
	}
	return nil
}

// orNotFound rewrites a storage NOT_FOUND error as the API error type
// so it maps to 404 instead of 500.
func orNotFound(err error, resource, id string) error {
	if storage.IsNotFound(err) {
		return &errors.NotFoundError{Resource: resource, ID: id}
	}
	return err
}

// queryInt parses an integer query parameter, defaulting on absence.
func queryInt(r *http.Request, key string, def int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}

// queryBool parses a boolean query parameter.
func queryBool(r *http.Request, key string) bool {
	v, _ := strconv.ParseBool(r.URL.Query().Get(key))
	return v
}

// pathID parses the {id} path value as int64.
func pathID(r *http.Request) (int64, error) {
	raw := r.PathValue("id")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, &errors.ValidationError{Field: "id", Message: "id must be an integer"}
	}
	return id, nil
}
