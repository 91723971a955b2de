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

// Package server is the REST facade. Every endpoint delegates to the
// same services the CLI and scheduler use; no business rules live here.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/spinehq/spine/internal/clock"
	"github.com/spinehq/spine/internal/dispatch"
	"github.com/spinehq/spine/internal/dlq"
	"github.com/spinehq/spine/internal/engine"
	"github.com/spinehq/spine/internal/ledger"
	"github.com/spinehq/spine/internal/queue"
	"github.com/spinehq/spine/internal/registry"
	"github.com/spinehq/spine/internal/repo"
	"github.com/spinehq/spine/internal/schedule"
	"github.com/spinehq/spine/internal/storage"
	"github.com/spinehq/spine/pkg/errors"
)

// Config holds the HTTP-facing settings.
type Config struct {
	Addr        string
	Version     string
	CORSOrigins []string
	RateLimit   float64
	Features    Features
}

// Features toggles optional API surfaces. A disabled surface answers
// 503 RUNTIME_UNAVAILABLE rather than vanishing from the route table.
type Features struct {
	DLQ              bool
	QualityChecks    bool
	AnomalyDetection bool
}

// AllFeatures enables every optional surface; tests and embedders that
// do not layer configuration use it.
func AllFeatures() Features {
	return Features{DLQ: true, QualityChecks: true, AnomalyDetection: true}
}

// Deps are the services the API fronts.
type Deps struct {
	DB         *storage.DB
	Ledger     *ledger.Ledger
	Dispatcher *dispatch.Dispatcher
	Runner     *engine.Runner
	Registry   *registry.Registry
	Queue      *queue.Queue
	DLQ        *dlq.Manager
	Schedules  *schedule.Service
	History    *repo.WorkflowRuns
	Alerts     *repo.Alerts
	Sources    *repo.Sources
	Quality    *repo.Quality
	Manifest   *repo.Manifest
	Clock      clock.Clock
	Logger     *slog.Logger
}

// Server serves the REST API.
type Server struct {
	cfg  Config
	deps Deps
	mux  *http.ServeMux
	log  *slog.Logger
}

// New builds the server and registers all routes.
func New(cfg Config, deps Deps) *Server {
	s := &Server{cfg: cfg, deps: deps, mux: http.NewServeMux(), log: deps.Logger}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /", s.handleRoot)
	s.mux.HandleFunc("GET /v1/health", s.handleHealth)
	s.mux.HandleFunc("GET /database/health", s.handleDatabaseHealth)
	s.mux.Handle("GET /metrics", promhttp.Handler())

	s.mux.HandleFunc("POST /v1/runs", s.handleSubmitRun)
	s.mux.HandleFunc("GET /v1/runs", s.handleListRuns)
	s.mux.HandleFunc("GET /v1/runs/{id}", s.handleGetRun)
	s.mux.HandleFunc("GET /v1/runs/{id}/events", s.handleRunEvents)
	s.mux.HandleFunc("GET /v1/runs/{id}/logs", s.handleRunLogs)
	s.mux.HandleFunc("POST /v1/runs/{id}/cancel", s.handleCancelRun)
	s.mux.HandleFunc("POST /v1/runs/{id}/retry", s.handleRetryRun)

	s.mux.HandleFunc("GET /v1/workflows", s.handleListWorkflows)
	s.mux.HandleFunc("GET /v1/workflows/{name}", s.handleGetWorkflow)
	s.mux.HandleFunc("POST /v1/workflows/{name}/run", s.handleRunWorkflow)
	s.mux.HandleFunc("GET /v1/workflow-runs", s.handleListWorkflowRuns)
	s.mux.HandleFunc("GET /v1/workflow-runs/{id}", s.handleGetWorkflowRun)
	s.mux.HandleFunc("GET /v1/workflow-runs/{id}/steps", s.handleWorkflowRunSteps)

	s.mux.HandleFunc("POST /v1/schedules", s.handleCreateSchedule)
	s.mux.HandleFunc("GET /v1/schedules", s.handleListSchedules)
	s.mux.HandleFunc("GET /v1/schedules/{id}", s.handleGetSchedule)
	s.mux.HandleFunc("PUT /v1/schedules/{id}", s.handleUpdateSchedule)
	s.mux.HandleFunc("DELETE /v1/schedules/{id}", s.handleDeleteSchedule)
	s.mux.HandleFunc("POST /v1/schedules/{id}/enable", s.handleEnableSchedule)
	s.mux.HandleFunc("POST /v1/schedules/{id}/disable", s.handleDisableSchedule)
	s.mux.HandleFunc("GET /v1/schedules/{id}/runs", s.handleScheduleRuns)

	s.mux.HandleFunc("POST /v1/queue/items", s.handleEnqueue)
	s.mux.HandleFunc("GET /v1/queue/items", s.handleListQueueItems)
	s.mux.HandleFunc("GET /v1/queue/items/{id}", s.handleGetQueueItem)
	s.mux.HandleFunc("POST /v1/queue/items/{id}/cancel", s.handleCancelQueueItem)
	s.mux.HandleFunc("POST /v1/queue/retry-failed", s.handleRetryFailedItems)

	dlqOn := s.cfg.Features.DLQ
	s.mux.HandleFunc("GET /v1/dlq", s.gate(dlqOn, "dead letter queue", s.handleListDeadLetters))
	s.mux.HandleFunc("GET /v1/dlq/{id}", s.gate(dlqOn, "dead letter queue", s.handleGetDeadLetter))
	s.mux.HandleFunc("POST /v1/dlq/{id}/replay", s.gate(dlqOn, "dead letter queue", s.handleReplayDeadLetter))
	s.mux.HandleFunc("POST /v1/dlq/{id}/resolve", s.gate(dlqOn, "dead letter queue", s.handleResolveDeadLetter))

	s.mux.HandleFunc("GET /v1/alerts", s.handleListAlerts)
	s.mux.HandleFunc("POST /v1/alerts/{id}/ack", s.handleAckAlert)
	s.mux.HandleFunc("DELETE /v1/alerts/{id}", s.handleDeleteAlert)

	s.mux.HandleFunc("POST /v1/sources", s.handleCreateSource)
	s.mux.HandleFunc("GET /v1/sources", s.handleListSources)
	s.mux.HandleFunc("GET /v1/sources/{id}", s.handleGetSource)
	s.mux.HandleFunc("PUT /v1/sources/{id}", s.handleUpdateSource)
	s.mux.HandleFunc("DELETE /v1/sources/{id}", s.handleDeleteSource)

	s.mux.HandleFunc("GET /v1/quality/checks",
		s.gate(s.cfg.Features.QualityChecks, "quality checks", s.handleListQualityChecks))
	s.mux.HandleFunc("GET /v1/quality/anomalies",
		s.gate(s.cfg.Features.AnomalyDetection, "anomaly detection", s.handleListAnomalies))
	s.mux.HandleFunc("GET /v1/manifest/{domain}", s.handleListManifest)
	s.mux.HandleFunc("GET /v1/rejects", s.handleListRejects)
}

// gate returns h when the feature is enabled, else a handler that
// answers 503 so clients can tell "off" from "missing".
func (s *Server) gate(enabled bool, feature string, h http.HandlerFunc) http.HandlerFunc {
	if enabled {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request) {
		writeError(w, &errors.UnavailableError{
			Target: feature,
			Cause:  fmt.Errorf("disabled by configuration"),
		})
	}
}

// Handler returns the full middleware-wrapped handler.
func (s *Server) Handler() http.Handler {
	var h http.Handler = s.mux
	h = withMetrics(h)
	h = withRateLimit(s.cfg.RateLimit, h)
	h = withCORS(s.cfg.CORSOrigins, h)
	h = withLogging(s.log, h)
	return h
}

// Run serves until ctx is cancelled, then drains in-flight requests.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("api server listening", "addr", s.cfg.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	s.log.Info("api server stopped")
	return nil
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"name":    "spined",
		"version": s.cfg.Version,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"version": s.cfg.Version,
	})
}

// handleDatabaseHealth pings the backing store and reports its dialect.
func (s *Server) handleDatabaseHealth(w http.ResponseWriter, r *http.Request) {
	connected := s.deps.DB.Ping(r.Context()) == nil
	status := http.StatusOK
	if !connected {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]any{
		"connected": connected,
		"backend":   s.deps.DB.Dialect().Name(),
	})
}
