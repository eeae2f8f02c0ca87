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

// Package errors defines the typed error taxonomy used across watchflow.
package errors

import (
	"fmt"
	"time"
)

// ValidationError represents user input validation failures.
// Use this for malformed schedule specs, unknown step or action kinds,
// cyclic step graphs, and other constraint violations.
type ValidationError struct {
	// Field identifies which input field failed validation
	Field string

	// Message is the human-readable error description
	Message string

	// Suggestion provides actionable guidance for fixing the error
	Suggestion string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("validation failed: %s", e.Message)
}

// NotFoundError represents a resource not found error.
// Use this when a referenced workflow, playbook, run, trigger, or action
// does not exist.
type NotFoundError struct {
	// Resource is the type of resource (e.g., "workflow", "run", "trigger")
	Resource string

	// ID is the identifier that was not found
	ID string
}

// Error implements the error interface.
func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Resource, e.ID)
}

// ConflictError represents a concurrent state change collision, such as a
// run-number assignment race. Callers should retry with bounded attempts.
type ConflictError struct {
	// Resource is the type of resource in conflict
	Resource string

	// ID is the identifier of the conflicting resource
	ID string

	// Reason explains the nature of the conflict
	Reason string
}

// Error implements the error interface.
func (e *ConflictError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("conflict on %s %s: %s", e.Resource, e.ID, e.Reason)
	}
	return fmt.Sprintf("conflict on %s %s", e.Resource, e.ID)
}

// AlreadyRunningError is returned when an execution is requested for a
// workflow that already has a non-terminal run. No new run is created.
type AlreadyRunningError struct {
	// WorkflowID identifies the workflow with the in-flight run
	WorkflowID string

	// RunID is the existing non-terminal run, if known
	RunID string
}

// Error implements the error interface.
func (e *AlreadyRunningError) Error() string {
	if e.RunID != "" {
		return fmt.Sprintf("workflow %s already has run %s in flight", e.WorkflowID, e.RunID)
	}
	return fmt.Sprintf("workflow %s is already running", e.WorkflowID)
}

// TimeoutError represents operation timeouts.
// Use this when a run exceeds its wall-clock deadline.
type TimeoutError struct {
	// Operation describes what timed out (e.g., "run", "step navigate")
	Operation string

	// Duration is how long the operation ran before timing out
	Duration time.Duration

	// Cause is the underlying error (if any)
	Cause error
}

// Error implements the error interface.
func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s timed out after %v", e.Operation, e.Duration)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *TimeoutError) Unwrap() error {
	return e.Cause
}

// StepError represents a step that exhausted its retries. The run carrying
// the step transitions to failed.
type StepError struct {
	// StepID identifies the failed step
	StepID string

	// Kind is the step kind (navigate, extract, api, ...)
	Kind string

	// Attempts is the number of attempts made before giving up
	Attempts int

	// Cause is the error of the final attempt
	Cause error
}

// Error implements the error interface.
func (e *StepError) Error() string {
	return fmt.Sprintf("step %s (%s) failed after %d attempts: %v", e.StepID, e.Kind, e.Attempts, e.Cause)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *StepError) Unwrap() error {
	return e.Cause
}

// ActionError represents an action that exhausted its retries. The pipeline
// aborts unless the action is marked continue_on_error.
type ActionError struct {
	// ActionID identifies the failed action
	ActionID string

	// Kind is the action kind (notify, webhook, export, ...)
	Kind string

	// Attempts is the number of attempts made before giving up
	Attempts int

	// Cause is the error of the final attempt, with the adapter's message
	// preserved for external providers
	Cause error
}

// Error implements the error interface.
func (e *ActionError) Error() string {
	return fmt.Sprintf("action %s (%s) failed after %d attempts: %v", e.ActionID, e.Kind, e.Attempts, e.Cause)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *ActionError) Unwrap() error {
	return e.Cause
}

// RateLimitError is returned when a trigger attempt cannot obtain a token
// from the workflow's bucket. The attempt is dropped, not queued.
type RateLimitError struct {
	// WorkflowID identifies the rate-limited workflow
	WorkflowID string

	// Limit is the bucket capacity
	Limit int

	// Window is the bucket refill window
	Window time.Duration
}

// Error implements the error interface.
func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded for workflow %s (%d per %v)", e.WorkflowID, e.Limit, e.Window)
}

// SignatureError represents a webhook HMAC verification failure.
type SignatureError struct {
	// Token is the webhook token whose signature check failed
	Token string

	// Reason describes the failure (missing header, mismatch, bad format)
	Reason string
}

// Error implements the error interface.
func (e *SignatureError) Error() string {
	return fmt.Sprintf("webhook signature verification failed: %s", e.Reason)
}

// ExternalError represents a browser or HTTP provider failure. These are
// treated as transient and subject to retry; surfaced on exhaustion.
type ExternalError struct {
	// Source names the external collaborator (e.g., "browser", "http", "email")
	Source string

	// StatusCode is the HTTP status code, if applicable
	StatusCode int

	// Message is the provider's error message
	Message string

	// Cause is the underlying error
	Cause error
}

// Error implements the error interface.
func (e *ExternalError) Error() string {
	msg := fmt.Sprintf("external %s error", e.Source)
	if e.StatusCode > 0 {
		msg = fmt.Sprintf("%s [HTTP %d]", msg, e.StatusCode)
	}
	if e.Message != "" {
		msg = fmt.Sprintf("%s: %s", msg, e.Message)
	}
	return msg
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *ExternalError) Unwrap() error {
	return e.Cause
}

// ConfigError represents configuration problems.
// Use this for configuration file errors, missing settings, or invalid values.
type ConfigError struct {
	// Key is the configuration key with the problem (e.g., "database.path")
	Key string

	// Reason explains what's wrong with the configuration
	Reason string

	// Cause is the underlying error (e.g., file read error, parse error)
	Cause error
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("config error at %s: %s", e.Key, e.Reason)
	}
	return fmt.Sprintf("config error: %s", e.Reason)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *ConfigError) Unwrap() error {
	return e.Cause
}
