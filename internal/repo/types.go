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

// Package repo holds the typed repositories over the core_* tables.
// Each repository pairs a storage.DB with queries written once in
// canonical placeholder form.
package repo

import (
	"encoding/json"
	"time"
)

// ExecutionStatus is the lifecycle state of one execution.
type ExecutionStatus string

const (
	StatusPending   ExecutionStatus = "PENDING"
	StatusQueued    ExecutionStatus = "QUEUED"
	StatusRunning   ExecutionStatus = "RUNNING"
	StatusCompleted ExecutionStatus = "COMPLETED"
	StatusFailed    ExecutionStatus = "FAILED"
	StatusCancelled ExecutionStatus = "CANCELLED"
	StatusSkipped   ExecutionStatus = "SKIPPED"
)

// Terminal reports whether the status admits no further transitions.
func (s ExecutionStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusSkipped:
		return true
	}
	return false
}

// Valid reports whether s is a known status.
func (s ExecutionStatus) Valid() bool {
	switch s {
	case StatusPending, StatusQueued, StatusRunning,
		StatusCompleted, StatusFailed, StatusCancelled, StatusSkipped:
		return true
	}
	return false
}

// TriggerSource identifies the origin of a submission.
type TriggerSource string

const (
	TriggerAPI      TriggerSource = "API"
	TriggerCLI      TriggerSource = "CLI"
	TriggerSchedule TriggerSource = "SCHEDULE"
	TriggerRetry    TriggerSource = "RETRY"
	TriggerWorkflow TriggerSource = "WORKFLOW"
	TriggerInternal TriggerSource = "INTERNAL"
)

// EventType classifies an execution lifecycle event.
type EventType string

const (
	EventCreated          EventType = "CREATED"
	EventStarted          EventType = "STARTED"
	EventProgress         EventType = "PROGRESS"
	EventCompleted        EventType = "COMPLETED"
	EventFailed           EventType = "FAILED"
	EventCancelled        EventType = "CANCELLED"
	EventContainerCreated EventType = "CONTAINER_CREATED"
	EventCleanupStarted   EventType = "CLEANUP_STARTED"
	EventCleanupCompleted EventType = "CLEANUP_COMPLETED"
)

// WorkItemState is the lifecycle state of a queued work item.
type WorkItemState string

const (
	ItemPending   WorkItemState = "PENDING"
	ItemRunning   WorkItemState = "RUNNING"
	ItemComplete  WorkItemState = "COMPLETE"
	ItemFailed    WorkItemState = "FAILED"
	ItemRetryWait WorkItemState = "RETRY_WAIT"
	ItemCancelled WorkItemState = "CANCELLED"
)

// JSONMap is a free-form JSON object stored as TEXT or JSONB.
type JSONMap map[string]any

// Encode marshals m for binding, returning NULL for an empty map.
func (m JSONMap) Encode() (any, error) {
	if len(m) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// DecodeJSONMap unmarshals a scanned column back into a map. NULL and
// empty text decode to nil.
func DecodeJSONMap(raw []byte) (JSONMap, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var m JSONMap
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return m, nil
}

// Execution is one persisted run of an operation or workflow step.
type Execution struct {
	ID                string          `json:"id"`
	Workflow          string          `json:"workflow"`
	Params            JSONMap         `json:"params,omitempty"`
	Status            ExecutionStatus `json:"status"`
	Lane              string          `json:"lane"`
	TriggerSource     TriggerSource   `json:"trigger_source"`
	ParentExecutionID string          `json:"parent_execution_id,omitempty"`
	IdempotencyKey    string          `json:"idempotency_key,omitempty"`
	RetryCount        int             `json:"retry_count"`
	StartedAt         time.Time       `json:"started_at,omitzero"`
	CompletedAt       time.Time       `json:"completed_at,omitzero"`
	Result            JSONMap         `json:"result,omitempty"`
	Error             string          `json:"error,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

// ExecutionEvent is one append-only lifecycle marker.
type ExecutionEvent struct {
	ID          int64     `json:"id"`
	ExecutionID string    `json:"execution_id"`
	EventType   EventType `json:"event_type"`
	Timestamp   time.Time `json:"timestamp"`
	Data        JSONMap   `json:"data,omitempty"`
}

// WorkItem is a queued job waiting to be claimed.
type WorkItem struct {
	ID                 int64         `json:"id"`
	Domain             string        `json:"domain"`
	Workflow           string        `json:"workflow"`
	PartitionKey       string        `json:"partition_key"`
	DesiredAt          time.Time     `json:"desired_at,omitzero"`
	Priority           int           `json:"priority"`
	State              WorkItemState `json:"state"`
	AttemptCount       int           `json:"attempt_count"`
	MaxAttempts        int           `json:"max_attempts"`
	LastError          string        `json:"last_error,omitempty"`
	LastErrorAt        time.Time     `json:"last_error_at,omitzero"`
	NextAttemptAt      time.Time     `json:"next_attempt_at,omitzero"`
	CurrentExecutionID string        `json:"current_execution_id,omitempty"`
	LatestExecutionID  string        `json:"latest_execution_id,omitempty"`
	LockedBy           string        `json:"locked_by,omitempty"`
	LockedAt           time.Time     `json:"locked_at,omitzero"`
	CompletedAt        time.Time     `json:"completed_at,omitzero"`
	CreatedAt          time.Time     `json:"created_at"`
	UpdatedAt          time.Time     `json:"updated_at"`
}

// ConcurrencyLock is one mutual-exclusion row.
type ConcurrencyLock struct {
	LockKey     string    `json:"lock_key"`
	ExecutionID string    `json:"execution_id"`
	AcquiredAt  time.Time `json:"acquired_at"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// DeadLetter is an exhausted failure awaiting operator action.
type DeadLetter struct {
	ID          int64     `json:"id"`
	ExecutionID string    `json:"execution_id,omitempty"`
	Workflow    string    `json:"workflow"`
	Params      JSONMap   `json:"params,omitempty"`
	Error       string    `json:"error,omitempty"`
	RetryCount  int       `json:"retry_count"`
	MaxRetries  int       `json:"max_retries"`
	ResolvedAt  time.Time `json:"resolved_at,omitzero"`
	ResolvedBy  string    `json:"resolved_by,omitempty"`
	ReplayCount int       `json:"replay_count"`
	CreatedAt   time.Time `json:"created_at"`
}

// ManifestRow records per-partition, per-stage data readiness.
type ManifestRow struct {
	Domain       string    `json:"domain"`
	PartitionKey string    `json:"partition_key"`
	Stage        string    `json:"stage"`
	StageRank    int       `json:"stage_rank"`
	RowCount     int64     `json:"row_count"`
	ExecutionID  string    `json:"execution_id,omitempty"`
	BatchID      string    `json:"batch_id,omitempty"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Reject is an append-only audit row for a record that failed quality.
type Reject struct {
	ID           int64     `json:"id"`
	Domain       string    `json:"domain"`
	PartitionKey string    `json:"partition_key"`
	Stage        string    `json:"stage"`
	ReasonCode   string    `json:"reason_code"`
	ReasonDetail string    `json:"reason_detail,omitempty"`
	RawJSON      string    `json:"raw_json,omitempty"`
	ExecutionID  string    `json:"execution_id,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// ScheduleTargetType says what a schedule fires.
type ScheduleTargetType string

const (
	TargetOperation ScheduleTargetType = "operation"
	TargetWorkflow  ScheduleTargetType = "workflow"
)

// Schedule is a periodic trigger definition.
type Schedule struct {
	ID              string             `json:"id"`
	Name            string             `json:"name"`
	TargetType      ScheduleTargetType `json:"target_type"`
	TargetName      string             `json:"target_name"`
	CronExpression  string             `json:"cron_expression,omitempty"`
	IntervalSeconds int                `json:"interval_seconds,omitempty"`
	Timezone        string             `json:"timezone"`
	Params          JSONMap            `json:"params,omitempty"`
	Enabled         bool               `json:"enabled"`
	MaxInstances    int                `json:"max_instances"`
	MisfireGrace    int                `json:"misfire_grace_seconds"`
	LastRunAt       time.Time          `json:"last_run_at,omitzero"`
	NextRunAt       time.Time          `json:"next_run_at,omitzero"`
	CreatedAt       time.Time          `json:"created_at"`
	UpdatedAt       time.Time          `json:"updated_at"`
}

// ScheduleRunStatus is the outcome of one scheduler occurrence.
type ScheduleRunStatus string

const (
	ScheduleRunDispatched ScheduleRunStatus = "DISPATCHED"
	ScheduleRunMissed     ScheduleRunStatus = "MISSED"
	ScheduleRunSkipped    ScheduleRunStatus = "SKIPPED"
	ScheduleRunError      ScheduleRunStatus = "ERROR"
)

// ScheduleRun links one scheduler occurrence to its execution, if any.
type ScheduleRun struct {
	ID           int64             `json:"id"`
	ScheduleID   string            `json:"schedule_id"`
	ExecutionID  string            `json:"execution_id,omitempty"`
	Status       ScheduleRunStatus `json:"status"`
	ScheduledFor time.Time         `json:"scheduled_for"`
	Detail       string            `json:"detail,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
}

// WorkflowRunStatus is the aggregate outcome of a workflow run.
type WorkflowRunStatus string

const (
	RunPending   WorkflowRunStatus = "PENDING"
	RunRunning   WorkflowRunStatus = "RUNNING"
	RunCompleted WorkflowRunStatus = "COMPLETED"
	RunPartial   WorkflowRunStatus = "PARTIAL"
	RunFailed    WorkflowRunStatus = "FAILED"
	RunCancelled WorkflowRunStatus = "CANCELLED"
)

// WorkflowRun is the persisted history of one workflow run.
type WorkflowRun struct {
	ID          string            `json:"id"`
	Workflow    string            `json:"workflow"`
	Status      WorkflowRunStatus `json:"status"`
	Params      JSONMap           `json:"params,omitempty"`
	Error       string            `json:"error,omitempty"`
	ErrorStep   string            `json:"error_step,omitempty"`
	StartedAt   time.Time         `json:"started_at,omitzero"`
	CompletedAt time.Time         `json:"completed_at,omitzero"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
}

// WorkflowStepRow is the persisted outcome of one step in a run.
type WorkflowStepRow struct {
	RunID       string    `json:"run_id"`
	StepName    string    `json:"step_name"`
	StepIndex   int       `json:"step_index"`
	Status      string    `json:"status"`
	ExecutionID string    `json:"execution_id,omitempty"`
	Output      JSONMap   `json:"output,omitempty"`
	Error       string    `json:"error,omitempty"`
	StartedAt   time.Time `json:"started_at,omitzero"`
	CompletedAt time.Time `json:"completed_at,omitzero"`
}

// QualityCheck is one recorded quality-gate evaluation.
type QualityCheck struct {
	ID           int64     `json:"id"`
	Domain       string    `json:"domain"`
	PartitionKey string    `json:"partition_key,omitempty"`
	Stage        string    `json:"stage,omitempty"`
	CheckName    string    `json:"check_name"`
	Passed       bool      `json:"passed"`
	Expected     string    `json:"expected,omitempty"`
	Actual       string    `json:"actual,omitempty"`
	Detail       string    `json:"detail,omitempty"`
	ExecutionID  string    `json:"execution_id,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// Anomaly is an append-only record of an out-of-band metric observation.
type Anomaly struct {
	ID          int64     `json:"id"`
	Domain      string    `json:"domain"`
	Metric      string    `json:"metric"`
	Severity    string    `json:"severity"`
	Detail      string    `json:"detail,omitempty"`
	Observed    float64   `json:"observed"`
	Expected    float64   `json:"expected"`
	ExecutionID string    `json:"execution_id,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// Alert is an operator-facing notification row.
type Alert struct {
	ID             int64     `json:"id"`
	Name           string    `json:"name"`
	Severity       string    `json:"severity"`
	Message        string    `json:"message,omitempty"`
	Source         string    `json:"source,omitempty"`
	AcknowledgedAt time.Time `json:"acknowledged_at,omitzero"`
	AcknowledgedBy string    `json:"acknowledged_by,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// Source is an external data source definition.
type Source struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Kind        string    `json:"kind"`
	URL         string    `json:"url,omitempty"`
	Enabled     bool      `json:"enabled"`
	LastFetchAt time.Time `json:"last_fetch_at,omitzero"`
	LastStatus  string    `json:"last_status,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Page carries pagination metadata for list responses.
type Page struct {
	Total   int  `json:"total"`
	Limit   int  `json:"limit"`
	Offset  int  `json:"offset"`
	HasMore bool `json:"has_more"`
}

// NewPage builds a Page from a count and the request window.
func NewPage(total, limit, offset int) Page {
	return Page{
		Total:   total,
		Limit:   limit,
		Offset:  offset,
		HasMore: offset+limit < total,
	}
}

// ClampLimit normalizes a list limit to [1, 500] with a default of 50.
func ClampLimit(limit int) int {
	if limit <= 0 {
		return 50
	}
	if limit > 500 {
		return 500
	}
	return limit
}
