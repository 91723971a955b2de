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

// Package metrics registers the process-wide Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ExecutionsTotal counts finished executions by workflow and status.
	ExecutionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "spine",
		Name:      "executions_total",
		Help:      "Finished executions by workflow and terminal status.",
	}, []string{"workflow", "status"})

	// ExecutionDuration observes wall-clock run time of executions.
	ExecutionDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "spine",
		Name:      "execution_duration_seconds",
		Help:      "Execution duration from start to terminal state.",
		Buckets:   prometheus.ExponentialBuckets(0.05, 2, 14),
	}, []string{"workflow"})

	// LockContention counts failed concurrency-lock acquisitions.
	LockContention = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "spine",
		Name:      "lock_contention_total",
		Help:      "Concurrency lock acquisitions that lost to a live holder.",
	}, []string{"lock_key"})

	// QueueClaims counts work-item claim attempts by outcome.
	QueueClaims = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "spine",
		Subsystem: "queue",
		Name:      "claims_total",
		Help:      "Work-item claim attempts by outcome (won, lost).",
	}, []string{"outcome"})

	// QueueDepth tracks claimable work items.
	QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "spine",
		Subsystem: "queue",
		Name:      "depth",
		Help:      "Work items currently claimable.",
	})

	// DeadLetters counts captures into the dead-letter queue.
	DeadLetters = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "spine",
		Name:      "dead_letters_total",
		Help:      "Failures captured into the dead-letter queue.",
	}, []string{"workflow"})

	// SchedulerTicks counts scheduler wakeups by outcome.
	SchedulerTicks = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "spine",
		Subsystem: "scheduler",
		Name:      "ticks_total",
		Help:      "Scheduler ticks by outcome (ran, lost_lease, error).",
	}, []string{"outcome"})

	// ScheduleDispatches counts schedule occurrences by outcome.
	ScheduleDispatches = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "spine",
		Subsystem: "scheduler",
		Name:      "dispatches_total",
		Help:      "Schedule occurrences by outcome (dispatched, missed, skipped, error).",
	}, []string{"outcome"})

	// WorkflowRuns counts workflow runs by final status.
	WorkflowRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "spine",
		Name:      "workflow_runs_total",
		Help:      "Workflow runs by final status.",
	}, []string{"workflow", "status"})

	// HTTPRequests counts API requests.
	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "spine",
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "API requests by method, route, and status code.",
	}, []string{"method", "route", "code"})

	// HTTPDuration observes API request latency.
	HTTPDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "spine",
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "API request latency.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "route"})
)
