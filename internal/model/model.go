// Copyright 2025 Tom Barlow
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

// Package model defines the persistent entities shared by the watchflow
// components. All identifiers are opaque strings; all times are absolute.
package model

import "time"

// WorkflowStatus is the lifecycle state of a workflow.
type WorkflowStatus string

const (
	WorkflowActive WorkflowStatus = "active"
	WorkflowPaused WorkflowStatus = "paused"
	WorkflowError  WorkflowStatus = "error"
	WorkflowDraft  WorkflowStatus = "draft"
)

// ScheduleKind selects how a workflow's schedule spec is interpreted.
type ScheduleKind string

const (
	ScheduleRRule    ScheduleKind = "rrule"
	ScheduleCron     ScheduleKind = "cron"
	ScheduleInterval ScheduleKind = "interval"
	ScheduleOnce     ScheduleKind = "once"
	ScheduleNone     ScheduleKind = "none"
)

// ExecutionConfig bounds a single run.
type ExecutionConfig struct {
	// Timeout is the run-level wall-clock deadline.
	Timeout time.Duration `json:"timeout" yaml:"timeout"`

	// RetryAttempts is the default per-step retry budget.
	RetryAttempts int `json:"retry_attempts" yaml:"retry_attempts"`

	// RetryDelay is the base of the exponential backoff (delay * 2^attempt).
	RetryDelay time.Duration `json:"retry_delay" yaml:"retry_delay"`
}

// DefaultExecutionConfig returns the execution defaults: 5 minute deadline,
// two retries with a one second base delay.
func DefaultExecutionConfig() ExecutionConfig {
	return ExecutionConfig{
		Timeout:       5 * time.Minute,
		RetryAttempts: 2,
		RetryDelay:    time.Second,
	}
}

// WorkflowMetrics aggregates run outcomes per workflow. Counters are
// monotone non-decreasing except on explicit reset.
type WorkflowMetrics struct {
	TotalRuns       int64         `json:"total_runs"`
	SuccessfulRuns  int64         `json:"successful_runs"`
	FailedRuns      int64         `json:"failed_runs"`
	AverageDuration time.Duration `json:"average_duration"`
	ChangesDetected int64         `json:"changes_detected"`
	LastDuration    time.Duration `json:"last_duration"`
}

// RateLimit configures the per-workflow trigger token bucket.
type RateLimit struct {
	// Requests is the bucket capacity (default 100).
	Requests int `json:"requests" yaml:"requests"`

	// Window is the refill window (default 60s).
	Window time.Duration `json:"window" yaml:"window"`
}

// Workflow is the watched unit: a named browser-driven task with its
// schedule, triggers, change-detection config, and post-run actions.
type Workflow struct {
	ID           string         `json:"id"`
	Name         string         `json:"name"`
	Status       WorkflowStatus `json:"status"`
	ScheduleKind ScheduleKind   `json:"schedule_kind"`
	ScheduleSpec string         `json:"schedule_spec"`
	Timezone     string         `json:"timezone"`

	ChangeDetectionEnabled bool             `json:"change_detection_enabled"`
	ChangeDetection        *DetectionConfig `json:"change_detection_config,omitempty"`

	// PlaybookID references the step-graph definition to execute.
	PlaybookID string `json:"playbook_id"`

	Execution ExecutionConfig `json:"execution_config"`
	RateLimit *RateLimit      `json:"rate_limit,omitempty"`
	Metrics   WorkflowMetrics `json:"metrics"`

	LastRun   *time.Time `json:"last_run,omitempty"`
	NextRun   *time.Time `json:"next_run,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// CaptureMethod selects how the change detector snapshots a page.
type CaptureMethod string

const (
	CaptureDOM    CaptureMethod = "dom"
	CaptureText   CaptureMethod = "text"
	CaptureVisual CaptureMethod = "visual"
	CaptureHash   CaptureMethod = "hash"
)

// DetectionConfig drives the change detector for a workflow.
type DetectionConfig struct {
	URL             string        `json:"url" yaml:"url"`
	Method          CaptureMethod `json:"method" yaml:"method"`
	Threshold       float64       `json:"threshold" yaml:"threshold"`
	Interval        time.Duration `json:"interval" yaml:"interval"`
	IgnoreSelectors []string      `json:"ignore_selectors,omitempty" yaml:"ignore_selectors,omitempty"`
	IgnorePatterns  []string      `json:"ignore_patterns,omitempty" yaml:"ignore_patterns,omitempty"`
	CompareAttrs    []string      `json:"compare_attributes,omitempty" yaml:"compare_attributes,omitempty"`
}

// TriggerKind enumerates the arming conditions that can start a run.
type TriggerKind string

const (
	TriggerWebhook TriggerKind = "webhook"
	TriggerAPIPoll TriggerKind = "api_poll"
	TriggerEvent   TriggerKind = "event"
	TriggerContent TriggerKind = "content"
	TriggerElement TriggerKind = "element"
	TriggerStatus  TriggerKind = "status"
	TriggerChain   TriggerKind = "chain"
	// TriggerScheduled and TriggerManual are run provenance kinds, not
	// registrable triggers.
	TriggerScheduled TriggerKind = "scheduled"
	TriggerManual    TriggerKind = "manual"
)

// TriggerConfig carries the kind-specific settings. Only the fields for the
// trigger's kind are meaningful.
type TriggerConfig struct {
	// webhook
	Token  string `json:"token,omitempty" yaml:"token,omitempty"`
	Secret string `json:"secret,omitempty" yaml:"secret,omitempty"`

	// api_poll
	Endpoint     string            `json:"endpoint,omitempty" yaml:"endpoint,omitempty"`
	Method       string            `json:"method,omitempty" yaml:"method,omitempty"`
	Headers      map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`
	Interval     time.Duration     `json:"interval,omitempty" yaml:"interval,omitempty"`
	CompareField string            `json:"compare_field,omitempty" yaml:"compare_field,omitempty"`
	LastResponse string            `json:"last_response,omitempty" yaml:"-"`

	// event
	EventName string `json:"event_name,omitempty" yaml:"event_name,omitempty"`
	Source    string `json:"source,omitempty" yaml:"source,omitempty"`

	// content / element / status
	Selector   string  `json:"selector,omitempty" yaml:"selector,omitempty"`
	Pattern    string  `json:"pattern,omitempty" yaml:"pattern,omitempty"`
	Threshold  float64 `json:"threshold,omitempty" yaml:"threshold,omitempty"`
	StatusCode string  `json:"status_code,omitempty" yaml:"status_code,omitempty"`

	// chain
	SourceWorkflow string `json:"source_workflow,omitempty" yaml:"source_workflow,omitempty"`
}

// Trigger is an arming condition referencing exactly one workflow.
type Trigger struct {
	ID            string        `json:"id"`
	WorkflowID    string        `json:"workflow_id"`
	Kind          TriggerKind   `json:"kind"`
	Config        TriggerConfig `json:"config"`
	Enabled       bool          `json:"enabled"`
	TriggerCount  int64         `json:"trigger_count"`
	LastTriggered *time.Time    `json:"last_triggered,omitempty"`
	CreatedAt     time.Time     `json:"created_at"`
	UpdatedAt     time.Time     `json:"updated_at"`
}

// ActionKind enumerates the post-run pipeline step kinds.
type ActionKind string

const (
	ActionRunPlaybook ActionKind = "run_playbook"
	ActionNotify      ActionKind = "notify"
	ActionCreatePR    ActionKind = "create_pr"
	ActionWebhook     ActionKind = "webhook"
	ActionExport      ActionKind = "export"
	ActionScript      ActionKind = "script"
	ActionIntegration ActionKind = "integration"
	ActionConditional ActionKind = "conditional"
	ActionLoop        ActionKind = "loop"
	ActionDelay       ActionKind = "delay"
)

// Action is an ordered step of the post-run pipeline. The pipeline executes
// actions by ascending Order with ties broken by insertion order.
type Action struct {
	ID             string         `json:"id"`
	WorkflowID     string         `json:"workflow_id"`
	Kind           ActionKind     `json:"kind"`
	Order          int            `json:"order"`
	Enabled        bool           `json:"enabled"`
	RetryOnFailure bool           `json:"retry_on_failure"`
	RetryAttempts  int            `json:"retry_attempts"`
	RetryDelay     time.Duration  `json:"retry_delay"`
	ContinueOnErr  bool           `json:"continue_on_error"`
	Config         map[string]any `json:"config"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// RunStatus is the lifecycle state of a run. Terminal states are immutable.
type RunStatus string

const (
	RunPending   RunStatus = "pending"
	RunRunning   RunStatus = "running"
	RunSuccess   RunStatus = "success"
	RunFailed    RunStatus = "failed"
	RunCancelled RunStatus = "cancelled"
	RunTimeout   RunStatus = "timeout"
)

// Terminal reports whether the status is final.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunSuccess, RunFailed, RunCancelled, RunTimeout:
		return true
	}
	return false
}

// ActionResult records one executed pipeline action inside a run.
type ActionResult struct {
	ActionID string         `json:"action_id"`
	Kind     ActionKind     `json:"kind"`
	Status   string         `json:"status"`
	Output   map[string]any `json:"output,omitempty"`
	Error    string         `json:"error,omitempty"`
	Attempts int            `json:"attempts"`
	Duration time.Duration  `json:"duration"`
}

// Run is one execution of a workflow's playbook.
type Run struct {
	ID              string                 `json:"id"`
	WorkflowID      string                 `json:"workflow_id"`
	RunNumber       int64                  `json:"run_number"`
	Status          RunStatus              `json:"status"`
	TriggerKind     TriggerKind            `json:"trigger_kind"`
	TriggeredBy     string                 `json:"triggered_by,omitempty"`
	StartedAt       *time.Time             `json:"started_at,omitempty"`
	CompletedAt     *time.Time             `json:"completed_at,omitempty"`
	Duration        time.Duration          `json:"duration"`
	ExtractedData   map[string]any         `json:"extracted_data,omitempty"`
	StepResults     map[string]*StepResult `json:"step_results,omitempty"`
	ActionsExecuted []ActionResult         `json:"actions_executed,omitempty"`
	Error           string                 `json:"error,omitempty"`
	CreatedAt       time.Time              `json:"created_at"`
}

// StepKind enumerates the playbook step kinds.
type StepKind string

const (
	StepNavigate   StepKind = "navigate"
	StepWait       StepKind = "wait"
	StepClick      StepKind = "click"
	StepFill       StepKind = "fill"
	StepExtract    StepKind = "extract"
	StepCondition  StepKind = "condition"
	StepLoop       StepKind = "loop"
	StepScreenshot StepKind = "screenshot"
	StepAPI        StepKind = "api"
	StepStore      StepKind = "store"
)

// StepStatus is the per-step execution status.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepRunning   StepStatus = "running"
	StepSuccess   StepStatus = "success"
	StepFailed    StepStatus = "failed"
	StepSkipped   StepStatus = "skipped"
	StepCancelled StepStatus = "cancelled"
)

// Step is a node in a playbook DAG.
type Step struct {
	ID           string         `json:"id" yaml:"id"`
	Name         string         `json:"name" yaml:"name"`
	Kind         StepKind       `json:"kind" yaml:"kind"`
	Config       map[string]any `json:"config" yaml:"config"`
	Dependencies []string       `json:"dependencies,omitempty" yaml:"dependencies,omitempty"`

	// Loop steps carry nested children.
	Steps []Step `json:"steps,omitempty" yaml:"steps,omitempty"`
}

// Playbook is an ordered, possibly-branching DAG of steps.
type Playbook struct {
	ID    string `json:"id" yaml:"id"`
	Name  string `json:"name" yaml:"name"`
	Steps []Step `json:"steps" yaml:"steps"`
}

// StepResult is the materialized outcome of one step in one run.
type StepResult struct {
	StepID      string         `json:"step_id"`
	Name        string         `json:"name"`
	Kind        StepKind       `json:"kind"`
	Status      StepStatus     `json:"status"`
	StartedAt   *time.Time     `json:"started_at,omitempty"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
	Output      map[string]any `json:"output,omitempty"`
	Error       string         `json:"error,omitempty"`
	RetryCount  int            `json:"retry_count"`
}

// ChangeKind classifies a detected difference.
type ChangeKind string

const (
	ChangeContent   ChangeKind = "content"
	ChangeStructure ChangeKind = "structure"
	ChangeVisual    ChangeKind = "visual"
	ChangeStatus    ChangeKind = "status"
)

// ChangeSeverity buckets the change score.
type ChangeSeverity string

const (
	SeverityLow      ChangeSeverity = "low"
	SeverityMedium   ChangeSeverity = "medium"
	SeverityHigh     ChangeSeverity = "high"
	SeverityCritical ChangeSeverity = "critical"
)

// SeverityForScore buckets change_score = 100 - similarity:
// <10 low, <30 medium, <60 high, otherwise critical.
func SeverityForScore(score float64) ChangeSeverity {
	switch {
	case score < 10:
		return SeverityLow
	case score < 30:
		return SeverityMedium
	case score < 60:
		return SeverityHigh
	default:
		return SeverityCritical
	}
}

// ChangeDiff details the delta between two snapshots.
type ChangeDiff struct {
	Added    []string           `json:"added,omitempty"`
	Removed  []string           `json:"removed,omitempty"`
	Modified []ChangeDiffDetail `json:"modified,omitempty"`
}

// ChangeDiffDetail records one per-path modification.
type ChangeDiffDetail struct {
	Path     string `json:"path"`
	Field    string `json:"field"` // tag, attribute, or text
	Previous string `json:"previous"`
	Current  string `json:"current"`
}

// Change is a detected difference for a monitored URL. Immutable once
// created except for the Acknowledged and Notified flags.
type Change struct {
	ID            string         `json:"id"`
	WorkflowID    string         `json:"workflow_id"`
	RunID         string         `json:"run_id,omitempty"`
	URL           string         `json:"url"`
	Kind          ChangeKind     `json:"kind"`
	Severity      ChangeSeverity `json:"severity"`
	Similarity    float64        `json:"similarity"`
	ChangeScore   float64        `json:"change_score"`
	PreviousValue string         `json:"previous_value,omitempty"`
	CurrentValue  string         `json:"current_value,omitempty"`
	Diff          *ChangeDiff    `json:"diff,omitempty"`
	Screenshot    []byte         `json:"screenshot,omitempty"`
	DetectedAt    time.Time      `json:"detected_at"`
	Acknowledged  bool           `json:"acknowledged"`
	Notified      bool           `json:"notified"`
}

// PageMetadata is extracted alongside every snapshot.
type PageMetadata struct {
	Title       string   `json:"title,omitempty"`
	Description string   `json:"description,omitempty"`
	Keywords    []string `json:"keywords,omitempty"`
	Images      []string `json:"images,omitempty"`
}

// ContentSnapshot is the detector's memoized reference state for one
// (workflow, URL) pair. Replaced atomically on change, never partially.
type ContentSnapshot struct {
	WorkflowID  string        `json:"workflow_id"`
	URL         string        `json:"url"`
	Method      CaptureMethod `json:"method"`
	Content     string        `json:"content"`
	ContentHash string        `json:"content_hash"`
	Metadata    PageMetadata  `json:"metadata"`
	StatusCode  int           `json:"status_code"`
	CapturedAt  time.Time     `json:"captured_at"`
}
