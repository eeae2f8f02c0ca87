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

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/tombee/watchflow/internal/model"
	"github.com/tombee/watchflow/pkg/errors"
	"github.com/tombee/watchflow/pkg/events"
)

// CreateWorkflow persists a new workflow. Missing id, status, timezone, and
// execution config are filled with defaults.
func (s *Store) CreateWorkflow(ctx context.Context, w *model.Workflow) error {
	if w.ID == "" {
		w.ID = uuid.NewString()
	}
	if w.Status == "" {
		w.Status = model.WorkflowDraft
	}
	if w.Timezone == "" {
		w.Timezone = "UTC"
	}
	if w.ScheduleKind == "" {
		w.ScheduleKind = model.ScheduleNone
	}
	if w.Execution == (model.ExecutionConfig{}) {
		w.Execution = model.DefaultExecutionConfig()
	}
	now := time.Now().UTC()
	w.CreatedAt = now
	w.UpdatedAt = now

	detectionJSON, err := marshalNullable(w.ChangeDetection)
	if err != nil {
		return fmt.Errorf("failed to marshal change detection config: %w", err)
	}
	execJSON, err := json.Marshal(w.Execution)
	if err != nil {
		return fmt.Errorf("failed to marshal execution config: %w", err)
	}
	rateJSON, err := marshalNullable(w.RateLimit)
	if err != nil {
		return fmt.Errorf("failed to marshal rate limit: %w", err)
	}
	metricsJSON, err := json.Marshal(w.Metrics)
	if err != nil {
		return fmt.Errorf("failed to marshal metrics: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO workflows (id, name, status, schedule_kind, schedule_spec, timezone,
			change_detection_enabled, change_detection_config, playbook_id,
			execution_config, rate_limit, metrics, last_run, next_run, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		w.ID, w.Name, string(w.Status), string(w.ScheduleKind), nullString(w.ScheduleSpec), w.Timezone,
		boolToInt(w.ChangeDetectionEnabled), detectionJSON, nullString(w.PlaybookID),
		string(execJSON), rateJSON, string(metricsJSON),
		formatTime(w.LastRun), formatTime(w.NextRun),
		w.CreatedAt.Format(time.RFC3339Nano), w.UpdatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return &errors.ConflictError{Resource: "workflow", ID: w.ID, Reason: "id already exists"}
		}
		return fmt.Errorf("failed to create workflow: %w", err)
	}

	s.emit(ctx, events.WorkflowCreated, map[string]any{"workflow_id": w.ID, "name": w.Name})
	return nil
}

// GetWorkflow returns a workflow by id.
func (s *Store) GetWorkflow(ctx context.Context, id string) (*model.Workflow, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, status, schedule_kind, schedule_spec, timezone,
			change_detection_enabled, change_detection_config, playbook_id,
			execution_config, rate_limit, metrics, last_run, next_run, created_at, updated_at
		FROM workflows WHERE id = ?`, id)

	w, err := scanWorkflow(row)
	if err == sql.ErrNoRows {
		return nil, &errors.NotFoundError{Resource: "workflow", ID: id}
	}
	return w, err
}

// ListWorkflows returns all workflows, optionally filtered by status.
func (s *Store) ListWorkflows(ctx context.Context, status model.WorkflowStatus) ([]*model.Workflow, error) {
	query := `
		SELECT id, name, status, schedule_kind, schedule_spec, timezone,
			change_detection_enabled, change_detection_config, playbook_id,
			execution_config, rate_limit, metrics, last_run, next_run, created_at, updated_at
		FROM workflows`
	args := []any{}
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY created_at DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list workflows: %w", err)
	}
	defer rows.Close()

	var result []*model.Workflow
	for rows.Next() {
		w, err := scanWorkflow(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, w)
	}
	return result, rows.Err()
}

// UpdateWorkflow persists workflow changes. Metrics are written as-is;
// use ApplyRunOutcome for counter updates.
func (s *Store) UpdateWorkflow(ctx context.Context, w *model.Workflow) error {
	w.UpdatedAt = time.Now().UTC()

	detectionJSON, err := marshalNullable(w.ChangeDetection)
	if err != nil {
		return fmt.Errorf("failed to marshal change detection config: %w", err)
	}
	execJSON, err := json.Marshal(w.Execution)
	if err != nil {
		return fmt.Errorf("failed to marshal execution config: %w", err)
	}
	rateJSON, err := marshalNullable(w.RateLimit)
	if err != nil {
		return fmt.Errorf("failed to marshal rate limit: %w", err)
	}
	metricsJSON, err := json.Marshal(w.Metrics)
	if err != nil {
		return fmt.Errorf("failed to marshal metrics: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE workflows SET name = ?, status = ?, schedule_kind = ?, schedule_spec = ?,
			timezone = ?, change_detection_enabled = ?, change_detection_config = ?,
			playbook_id = ?, execution_config = ?, rate_limit = ?, metrics = ?,
			last_run = ?, next_run = ?, updated_at = ?
		WHERE id = ?`,
		w.Name, string(w.Status), string(w.ScheduleKind), nullString(w.ScheduleSpec),
		w.Timezone, boolToInt(w.ChangeDetectionEnabled), detectionJSON,
		nullString(w.PlaybookID), string(execJSON), rateJSON, string(metricsJSON),
		formatTime(w.LastRun), formatTime(w.NextRun), w.UpdatedAt.Format(time.RFC3339Nano),
		w.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update workflow: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &errors.NotFoundError{Resource: "workflow", ID: w.ID}
	}

	s.emit(ctx, events.WorkflowUpdated, map[string]any{"workflow_id": w.ID, "status": string(w.Status)})
	return nil
}

// DeleteWorkflow removes a workflow and all dependent rows in a single
// transaction. Foreign keys cascade to triggers, actions, runs, changes,
// and snapshots.
func (s *Store) DeleteWorkflow(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `DELETE FROM workflows WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete workflow: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &errors.NotFoundError{Resource: "workflow", ID: id}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit delete: %w", err)
	}

	s.emit(ctx, events.WorkflowDeleted, map[string]any{"workflow_id": id})
	return nil
}

// ApplyRunOutcome folds a terminal run into the workflow's metrics inside a
// single update: counters advance, average duration is recomputed, and
// last_run moves forward.
func (s *Store) ApplyRunOutcome(ctx context.Context, workflowID string, status model.RunStatus, completedAt time.Time, duration time.Duration) error {
	w, err := s.GetWorkflow(ctx, workflowID)
	if err != nil {
		return err
	}

	m := &w.Metrics
	prevTotal := m.TotalRuns
	m.TotalRuns++
	switch status {
	case model.RunSuccess:
		m.SuccessfulRuns++
	default:
		m.FailedRuns++
	}
	m.LastDuration = duration
	if prevTotal == 0 {
		m.AverageDuration = duration
	} else {
		m.AverageDuration = time.Duration((int64(m.AverageDuration)*prevTotal + int64(duration)) / m.TotalRuns)
	}
	w.LastRun = &completedAt

	return s.UpdateWorkflow(ctx, w)
}

// IncrementChangesDetected advances the workflow's change counter.
func (s *Store) IncrementChangesDetected(ctx context.Context, workflowID string) error {
	w, err := s.GetWorkflow(ctx, workflowID)
	if err != nil {
		return err
	}
	w.Metrics.ChangesDetected++
	return s.UpdateWorkflow(ctx, w)
}

// ResetMetrics zeroes the workflow's metrics. The only sanctioned way for
// counters to decrease.
func (s *Store) ResetMetrics(ctx context.Context, workflowID string) error {
	w, err := s.GetWorkflow(ctx, workflowID)
	if err != nil {
		return err
	}
	w.Metrics = model.WorkflowMetrics{}
	return s.UpdateWorkflow(ctx, w)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanWorkflow(row rowScanner) (*model.Workflow, error) {
	var (
		w                                      model.Workflow
		status, kind                           string
		spec, playbookID                       sql.NullString
		detectionJSON, rateJSON                sql.NullString
		execJSON, metricsJSON                  string
		cdEnabled                              int
		lastRun, nextRun, createdAt, updatedAt sql.NullString
	)

	err := row.Scan(&w.ID, &w.Name, &status, &kind, &spec, &w.Timezone,
		&cdEnabled, &detectionJSON, &playbookID,
		&execJSON, &rateJSON, &metricsJSON, &lastRun, &nextRun, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	w.Status = model.WorkflowStatus(status)
	w.ScheduleKind = model.ScheduleKind(kind)
	w.ScheduleSpec = spec.String
	w.PlaybookID = playbookID.String
	w.ChangeDetectionEnabled = cdEnabled != 0

	if detectionJSON.Valid && detectionJSON.String != "" {
		var cfg model.DetectionConfig
		if err := json.Unmarshal([]byte(detectionJSON.String), &cfg); err != nil {
			return nil, fmt.Errorf("failed to unmarshal change detection config: %w", err)
		}
		w.ChangeDetection = &cfg
	}
	if err := json.Unmarshal([]byte(execJSON), &w.Execution); err != nil {
		return nil, fmt.Errorf("failed to unmarshal execution config: %w", err)
	}
	if rateJSON.Valid && rateJSON.String != "" {
		var rl model.RateLimit
		if err := json.Unmarshal([]byte(rateJSON.String), &rl); err != nil {
			return nil, fmt.Errorf("failed to unmarshal rate limit: %w", err)
		}
		w.RateLimit = &rl
	}
	if err := json.Unmarshal([]byte(metricsJSON), &w.Metrics); err != nil {
		return nil, fmt.Errorf("failed to unmarshal metrics: %w", err)
	}

	w.LastRun = parseTime(lastRun)
	w.NextRun = parseTime(nextRun)
	w.CreatedAt = mustParseTime(createdAt.String)
	w.UpdatedAt = mustParseTime(updatedAt.String)
	return &w, nil
}

func marshalNullable(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	switch val := v.(type) {
	case *model.DetectionConfig:
		if val == nil {
			return nil, nil
		}
	case *model.RateLimit:
		if val == nil {
			return nil, nil
		}
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// CreateTrigger persists a new trigger for a workflow.
func (s *Store) CreateTrigger(ctx context.Context, t *model.Trigger) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	t.CreatedAt = now
	t.UpdatedAt = now

	configJSON, err := json.Marshal(t.Config)
	if err != nil {
		return fmt.Errorf("failed to marshal trigger config: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO triggers (id, workflow_id, kind, config, enabled, trigger_count, last_triggered, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.WorkflowID, string(t.Kind), string(configJSON), boolToInt(t.Enabled),
		t.TriggerCount, formatTime(t.LastTriggered),
		now.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("failed to create trigger: %w", err)
	}
	return nil
}

// GetTrigger returns a trigger by id.
func (s *Store) GetTrigger(ctx context.Context, id string) (*model.Trigger, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, workflow_id, kind, config, enabled, trigger_count, last_triggered, created_at, updated_at
		FROM triggers WHERE id = ?`, id)
	t, err := scanTrigger(row)
	if err == sql.ErrNoRows {
		return nil, &errors.NotFoundError{Resource: "trigger", ID: id}
	}
	return t, err
}

// ListTriggers returns the triggers for a workflow, or all triggers when
// workflowID is empty.
func (s *Store) ListTriggers(ctx context.Context, workflowID string) ([]*model.Trigger, error) {
	query := `
		SELECT id, workflow_id, kind, config, enabled, trigger_count, last_triggered, created_at, updated_at
		FROM triggers`
	args := []any{}
	if workflowID != "" {
		query += ` WHERE workflow_id = ?`
		args = append(args, workflowID)
	}
	query += ` ORDER BY created_at`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list triggers: %w", err)
	}
	defer rows.Close()

	var result []*model.Trigger
	for rows.Next() {
		t, err := scanTrigger(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, t)
	}
	return result, rows.Err()
}

// UpdateTrigger persists trigger changes, including the router-maintained
// trigger count, last-triggered timestamp, and poll state.
func (s *Store) UpdateTrigger(ctx context.Context, t *model.Trigger) error {
	t.UpdatedAt = time.Now().UTC()

	configJSON, err := json.Marshal(t.Config)
	if err != nil {
		return fmt.Errorf("failed to marshal trigger config: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE triggers SET kind = ?, config = ?, enabled = ?, trigger_count = ?, last_triggered = ?, updated_at = ?
		WHERE id = ?`,
		string(t.Kind), string(configJSON), boolToInt(t.Enabled), t.TriggerCount,
		formatTime(t.LastTriggered), t.UpdatedAt.Format(time.RFC3339Nano), t.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update trigger: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &errors.NotFoundError{Resource: "trigger", ID: t.ID}
	}
	return nil
}

// DeleteTrigger removes a trigger.
func (s *Store) DeleteTrigger(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM triggers WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete trigger: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &errors.NotFoundError{Resource: "trigger", ID: id}
	}
	return nil
}

func scanTrigger(row rowScanner) (*model.Trigger, error) {
	var (
		t                                   model.Trigger
		kind, configJSON                    string
		enabled                             int
		lastTriggered, createdAt, updatedAt sql.NullString
	)
	err := row.Scan(&t.ID, &t.WorkflowID, &kind, &configJSON, &enabled,
		&t.TriggerCount, &lastTriggered, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	t.Kind = model.TriggerKind(kind)
	t.Enabled = enabled != 0
	if err := json.Unmarshal([]byte(configJSON), &t.Config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal trigger config: %w", err)
	}
	t.LastTriggered = parseTime(lastTriggered)
	t.CreatedAt = mustParseTime(createdAt.String)
	t.UpdatedAt = mustParseTime(updatedAt.String)
	return &t, nil
}

// CreateAction persists a new pipeline action. Insertion order is captured
// in the seq column to break order ties deterministically.
func (s *Store) CreateAction(ctx context.Context, a *model.Action) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	a.CreatedAt = now
	a.UpdatedAt = now

	configJSON, err := json.Marshal(a.Config)
	if err != nil {
		return fmt.Errorf("failed to marshal action config: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO actions (id, workflow_id, kind, ord, seq, enabled, retry_on_failure,
			retry_attempts, retry_delay, continue_on_error, config, created_at, updated_at)
		VALUES (?, ?, ?, ?,
			(SELECT COALESCE(MAX(seq), 0) + 1 FROM actions WHERE workflow_id = ?),
			?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.WorkflowID, string(a.Kind), a.Order, a.WorkflowID,
		boolToInt(a.Enabled), boolToInt(a.RetryOnFailure),
		a.RetryAttempts, int64(a.RetryDelay/time.Millisecond), boolToInt(a.ContinueOnErr),
		string(configJSON), now.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("failed to create action: %w", err)
	}
	return nil
}

// ListActions returns a workflow's actions ordered by ord, ties broken by
// insertion order.
func (s *Store) ListActions(ctx context.Context, workflowID string) ([]*model.Action, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, workflow_id, kind, ord, enabled, retry_on_failure, retry_attempts,
			retry_delay, continue_on_error, config, created_at, updated_at
		FROM actions WHERE workflow_id = ? ORDER BY ord, seq`, workflowID)
	if err != nil {
		return nil, fmt.Errorf("failed to list actions: %w", err)
	}
	defer rows.Close()

	var result []*model.Action
	for rows.Next() {
		var (
			a                    model.Action
			kind, configJSON     string
			enabled, rof, coe    int
			retryDelayMS         int64
			createdAt, updatedAt sql.NullString
		)
		if err := rows.Scan(&a.ID, &a.WorkflowID, &kind, &a.Order, &enabled, &rof,
			&a.RetryAttempts, &retryDelayMS, &coe, &configJSON, &createdAt, &updatedAt); err != nil {
			return nil, err
		}
		a.Kind = model.ActionKind(kind)
		a.Enabled = enabled != 0
		a.RetryOnFailure = rof != 0
		a.ContinueOnErr = coe != 0
		a.RetryDelay = time.Duration(retryDelayMS) * time.Millisecond
		if err := json.Unmarshal([]byte(configJSON), &a.Config); err != nil {
			return nil, fmt.Errorf("failed to unmarshal action config: %w", err)
		}
		a.CreatedAt = mustParseTime(createdAt.String)
		a.UpdatedAt = mustParseTime(updatedAt.String)
		result = append(result, &a)
	}
	return result, rows.Err()
}

// UpdateAction persists action changes.
func (s *Store) UpdateAction(ctx context.Context, a *model.Action) error {
	a.UpdatedAt = time.Now().UTC()

	configJSON, err := json.Marshal(a.Config)
	if err != nil {
		return fmt.Errorf("failed to marshal action config: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE actions SET kind = ?, ord = ?, enabled = ?, retry_on_failure = ?,
			retry_attempts = ?, retry_delay = ?, continue_on_error = ?, config = ?, updated_at = ?
		WHERE id = ?`,
		string(a.Kind), a.Order, boolToInt(a.Enabled), boolToInt(a.RetryOnFailure),
		a.RetryAttempts, int64(a.RetryDelay/time.Millisecond), boolToInt(a.ContinueOnErr),
		string(configJSON), a.UpdatedAt.Format(time.RFC3339Nano), a.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update action: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &errors.NotFoundError{Resource: "action", ID: a.ID}
	}
	return nil
}

// DeleteAction removes an action.
func (s *Store) DeleteAction(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM actions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete action: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &errors.NotFoundError{Resource: "action", ID: id}
	}
	return nil
}

// SavePlaybook inserts or replaces a playbook definition.
func (s *Store) SavePlaybook(ctx context.Context, p *model.Playbook) error {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	definition, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to marshal playbook: %w", err)
	}
	now := nowUTC()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO playbooks (id, name, definition, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET name = excluded.name,
			definition = excluded.definition, updated_at = excluded.updated_at`,
		p.ID, p.Name, string(definition), now, now,
	)
	if err != nil {
		return fmt.Errorf("failed to save playbook: %w", err)
	}
	return nil
}

// GetPlaybook returns a playbook definition by id.
func (s *Store) GetPlaybook(ctx context.Context, id string) (*model.Playbook, error) {
	var definition string
	err := s.db.QueryRowContext(ctx, `SELECT definition FROM playbooks WHERE id = ?`, id).Scan(&definition)
	if err == sql.ErrNoRows {
		return nil, &errors.NotFoundError{Resource: "playbook", ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get playbook: %w", err)
	}
	var p model.Playbook
	if err := json.Unmarshal([]byte(definition), &p); err != nil {
		return nil, fmt.Errorf("failed to unmarshal playbook: %w", err)
	}
	return &p, nil
}
