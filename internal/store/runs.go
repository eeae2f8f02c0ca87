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

// RunFilter composes list criteria for runs.
type RunFilter struct {
	WorkflowID string
	Status     model.RunStatus
	Since      *time.Time
	Until      *time.Time
	Limit      int
}

// ChangeFilter composes list criteria for changes.
type ChangeFilter struct {
	WorkflowID   string
	Kind         model.ChangeKind
	Severity     model.ChangeSeverity
	Acknowledged *bool
	Since        *time.Time
	Until        *time.Time
	Limit        int
}

// CreateRun assigns the next run_number for the workflow and inserts the run
// in a single transaction. Concurrent callers that collide on the number
// receive a ConflictError and should retry.
func (s *Store) CreateRun(ctx context.Context, r *model.Run) error {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.Status == "" {
		r.Status = model.RunPending
	}
	r.CreatedAt = time.Now().UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var exists int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(1) FROM workflows WHERE id = ?`, r.WorkflowID).Scan(&exists); err != nil {
		return fmt.Errorf("failed to check workflow: %w", err)
	}
	if exists == 0 {
		return &errors.NotFoundError{Resource: "workflow", ID: r.WorkflowID}
	}

	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(run_number), 0) + 1 FROM runs WHERE workflow_id = ?`,
		r.WorkflowID).Scan(&r.RunNumber); err != nil {
		return fmt.Errorf("failed to assign run number: %w", err)
	}

	extractedJSON, stepsJSON, actionsJSON, err := marshalRunPayloads(r)
	if err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO runs (id, workflow_id, run_number, status, trigger_kind, triggered_by,
			started_at, completed_at, duration, extracted_data, step_results, actions_executed, error, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.WorkflowID, r.RunNumber, string(r.Status), string(r.TriggerKind),
		nullString(r.TriggeredBy), formatTime(r.StartedAt), formatTime(r.CompletedAt),
		int64(r.Duration/time.Millisecond), extractedJSON, stepsJSON, actionsJSON,
		nullString(r.Error), r.CreatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return &errors.ConflictError{Resource: "run", ID: r.ID, Reason: "run number collision"}
		}
		return fmt.Errorf("failed to create run: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit run: %w", err)
	}
	return nil
}

// UpdateRun persists run changes. Terminal runs are immutable: updating a
// run that is already terminal returns a ConflictError.
func (s *Store) UpdateRun(ctx context.Context, r *model.Run) error {
	current, err := s.GetRun(ctx, r.ID)
	if err != nil {
		return err
	}
	if current.Status.Terminal() {
		return &errors.ConflictError{Resource: "run", ID: r.ID, Reason: "terminal runs are immutable"}
	}

	extractedJSON, stepsJSON, actionsJSON, err := marshalRunPayloads(r)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		UPDATE runs SET status = ?, started_at = ?, completed_at = ?, duration = ?,
			extracted_data = ?, step_results = ?, actions_executed = ?, error = ?
		WHERE id = ?`,
		string(r.Status), formatTime(r.StartedAt), formatTime(r.CompletedAt),
		int64(r.Duration/time.Millisecond), extractedJSON, stepsJSON, actionsJSON,
		nullString(r.Error), r.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update run: %w", err)
	}
	return nil
}

// GetRun returns a run by id.
func (s *Store) GetRun(ctx context.Context, id string) (*model.Run, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, workflow_id, run_number, status, trigger_kind, triggered_by,
			started_at, completed_at, duration, extracted_data, step_results,
			actions_executed, error, created_at
		FROM runs WHERE id = ?`, id)
	r, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, &errors.NotFoundError{Resource: "run", ID: id}
	}
	return r, err
}

// ActiveRun returns the workflow's non-terminal run, if any.
func (s *Store) ActiveRun(ctx context.Context, workflowID string) (*model.Run, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, workflow_id, run_number, status, trigger_kind, triggered_by,
			started_at, completed_at, duration, extracted_data, step_results,
			actions_executed, error, created_at
		FROM runs WHERE workflow_id = ? AND status IN ('pending', 'running')
		ORDER BY created_at DESC LIMIT 1`, workflowID)
	r, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return r, err
}

// ListRuns returns runs matching the filter, newest first, bounded page size.
func (s *Store) ListRuns(ctx context.Context, f RunFilter) ([]*model.Run, error) {
	query := `
		SELECT id, workflow_id, run_number, status, trigger_kind, triggered_by,
			started_at, completed_at, duration, extracted_data, step_results,
			actions_executed, error, created_at
		FROM runs WHERE 1=1`
	args := []any{}
	if f.WorkflowID != "" {
		query += ` AND workflow_id = ?`
		args = append(args, f.WorkflowID)
	}
	if f.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(f.Status))
	}
	if f.Since != nil {
		query += ` AND created_at >= ?`
		args = append(args, formatTime(f.Since))
	}
	if f.Until != nil {
		query += ` AND created_at <= ?`
		args = append(args, formatTime(f.Until))
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, clampLimit(f.Limit))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var result []*model.Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, r)
	}
	return result, rows.Err()
}

// FailCrashedRuns marks every non-terminal run as failed. Called once on
// startup: runs crashed mid-flight are not resumable.
func (s *Store) FailCrashedRuns(ctx context.Context) (int64, error) {
	now := nowUTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE runs SET status = 'failed', error = 'run interrupted by process restart', completed_at = ?
		WHERE status IN ('pending', 'running')`, now)
	if err != nil {
		return 0, fmt.Errorf("failed to mark crashed runs: %w", err)
	}
	return res.RowsAffected()
}

// CreateChange persists a detected change and publishes change:detected.
func (s *Store) CreateChange(ctx context.Context, c *model.Change) error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.DetectedAt.IsZero() {
		c.DetectedAt = time.Now().UTC()
	}

	diffJSON, err := marshalNullableDiff(c.Diff)
	if err != nil {
		return fmt.Errorf("failed to marshal diff: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO changes (id, workflow_id, run_id, url, kind, severity, similarity,
			change_score, previous_value, current_value, diff, screenshot, detected_at,
			acknowledged, notified)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.WorkflowID, nullString(c.RunID), c.URL, string(c.Kind), string(c.Severity),
		c.Similarity, c.ChangeScore, nullString(c.PreviousValue), nullString(c.CurrentValue),
		diffJSON, c.Screenshot, c.DetectedAt.Format(time.RFC3339Nano),
		boolToInt(c.Acknowledged), boolToInt(c.Notified),
	)
	if err != nil {
		return fmt.Errorf("failed to create change: %w", err)
	}

	s.emit(ctx, events.ChangeDetected, map[string]any{
		"change_id":    c.ID,
		"workflow_id":  c.WorkflowID,
		"url":          c.URL,
		"kind":         string(c.Kind),
		"severity":     string(c.Severity),
		"similarity":   c.Similarity,
		"change_score": c.ChangeScore,
	})
	return nil
}

// AcknowledgeChange flips the acknowledged flag. The only mutable fields of
// a change are acknowledged and notified.
func (s *Store) AcknowledgeChange(ctx context.Context, id string) error {
	return s.setChangeFlag(ctx, id, "acknowledged")
}

// MarkChangeNotified flips the notified flag.
func (s *Store) MarkChangeNotified(ctx context.Context, id string) error {
	return s.setChangeFlag(ctx, id, "notified")
}

func (s *Store) setChangeFlag(ctx context.Context, id, column string) error {
	res, err := s.db.ExecContext(ctx, fmt.Sprintf(`UPDATE changes SET %s = 1 WHERE id = ?`, column), id)
	if err != nil {
		return fmt.Errorf("failed to update change: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &errors.NotFoundError{Resource: "change", ID: id}
	}
	return nil
}

// ListChanges returns changes matching the filter, newest first.
func (s *Store) ListChanges(ctx context.Context, f ChangeFilter) ([]*model.Change, error) {
	query := `
		SELECT id, workflow_id, run_id, url, kind, severity, similarity, change_score,
			previous_value, current_value, diff, screenshot, detected_at, acknowledged, notified
		FROM changes WHERE 1=1`
	args := []any{}
	if f.WorkflowID != "" {
		query += ` AND workflow_id = ?`
		args = append(args, f.WorkflowID)
	}
	if f.Kind != "" {
		query += ` AND kind = ?`
		args = append(args, string(f.Kind))
	}
	if f.Severity != "" {
		query += ` AND severity = ?`
		args = append(args, string(f.Severity))
	}
	if f.Acknowledged != nil {
		query += ` AND acknowledged = ?`
		args = append(args, boolToInt(*f.Acknowledged))
	}
	if f.Since != nil {
		query += ` AND detected_at >= ?`
		args = append(args, formatTime(f.Since))
	}
	if f.Until != nil {
		query += ` AND detected_at <= ?`
		args = append(args, formatTime(f.Until))
	}
	query += ` ORDER BY detected_at DESC LIMIT ?`
	args = append(args, clampLimit(f.Limit))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list changes: %w", err)
	}
	defer rows.Close()

	var result []*model.Change
	for rows.Next() {
		var (
			c                          model.Change
			runID, prev, curr, diff    sql.NullString
			kind, severity, detectedAt string
			ack, notified              int
		)
		if err := rows.Scan(&c.ID, &c.WorkflowID, &runID, &c.URL, &kind, &severity,
			&c.Similarity, &c.ChangeScore, &prev, &curr, &diff, &c.Screenshot,
			&detectedAt, &ack, &notified); err != nil {
			return nil, err
		}
		c.RunID = runID.String
		c.Kind = model.ChangeKind(kind)
		c.Severity = model.ChangeSeverity(severity)
		c.PreviousValue = prev.String
		c.CurrentValue = curr.String
		if diff.Valid && diff.String != "" {
			var d model.ChangeDiff
			if err := json.Unmarshal([]byte(diff.String), &d); err != nil {
				return nil, fmt.Errorf("failed to unmarshal diff: %w", err)
			}
			c.Diff = &d
		}
		c.DetectedAt = mustParseTime(detectedAt)
		c.Acknowledged = ack != 0
		c.Notified = notified != 0
		result = append(result, &c)
	}
	return result, rows.Err()
}

// SaveSnapshot atomically replaces the snapshot for a (workflow, URL) pair.
func (s *Store) SaveSnapshot(ctx context.Context, snap *model.ContentSnapshot) error {
	metadataJSON, err := json.Marshal(snap.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO snapshots (workflow_id, url, method, content, content_hash, metadata, status_code, captured_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(workflow_id, url) DO UPDATE SET
			method = excluded.method, content = excluded.content,
			content_hash = excluded.content_hash, metadata = excluded.metadata,
			status_code = excluded.status_code, captured_at = excluded.captured_at`,
		snap.WorkflowID, snap.URL, string(snap.Method), snap.Content, snap.ContentHash,
		string(metadataJSON), snap.StatusCode, snap.CapturedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("failed to save snapshot: %w", err)
	}
	return nil
}

// GetSnapshot returns the stored snapshot for a (workflow, URL) pair, or nil
// when none exists.
func (s *Store) GetSnapshot(ctx context.Context, workflowID, url string) (*model.ContentSnapshot, error) {
	var (
		snap         model.ContentSnapshot
		method       string
		metadataJSON string
		capturedAt   string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT workflow_id, url, method, content, content_hash, metadata, status_code, captured_at
		FROM snapshots WHERE workflow_id = ? AND url = ?`, workflowID, url).
		Scan(&snap.WorkflowID, &snap.URL, &method, &snap.Content, &snap.ContentHash,
			&metadataJSON, &snap.StatusCode, &capturedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get snapshot: %w", err)
	}
	snap.Method = model.CaptureMethod(method)
	if err := json.Unmarshal([]byte(metadataJSON), &snap.Metadata); err != nil {
		return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
	}
	snap.CapturedAt = mustParseTime(capturedAt)
	return &snap, nil
}

func marshalRunPayloads(r *model.Run) (extracted, steps, actions any, err error) {
	if r.ExtractedData != nil {
		b, err := json.Marshal(r.ExtractedData)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("failed to marshal extracted data: %w", err)
		}
		extracted = string(b)
	}
	if r.StepResults != nil {
		b, err := json.Marshal(r.StepResults)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("failed to marshal step results: %w", err)
		}
		steps = string(b)
	}
	if r.ActionsExecuted != nil {
		b, err := json.Marshal(r.ActionsExecuted)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("failed to marshal action results: %w", err)
		}
		actions = string(b)
	}
	return extracted, steps, actions, nil
}

func marshalNullableDiff(d *model.ChangeDiff) (any, error) {
	if d == nil {
		return nil, nil
	}
	b, err := json.Marshal(d)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func scanRun(row rowScanner) (*model.Run, error) {
	var (
		r                                model.Run
		status, triggerKind              string
		triggeredBy                      sql.NullString
		startedAt, completedAt           sql.NullString
		durationMS                       int64
		extracted, steps, actions, rErr  sql.NullString
		createdAt                        string
	)
	err := row.Scan(&r.ID, &r.WorkflowID, &r.RunNumber, &status, &triggerKind,
		&triggeredBy, &startedAt, &completedAt, &durationMS, &extracted, &steps,
		&actions, &rErr, &createdAt)
	if err != nil {
		return nil, err
	}
	r.Status = model.RunStatus(status)
	r.TriggerKind = model.TriggerKind(triggerKind)
	r.TriggeredBy = triggeredBy.String
	r.StartedAt = parseTime(startedAt)
	r.CompletedAt = parseTime(completedAt)
	r.Duration = time.Duration(durationMS) * time.Millisecond
	r.Error = rErr.String
	r.CreatedAt = mustParseTime(createdAt)

	if extracted.Valid && extracted.String != "" {
		if err := json.Unmarshal([]byte(extracted.String), &r.ExtractedData); err != nil {
			return nil, fmt.Errorf("failed to unmarshal extracted data: %w", err)
		}
	}
	if steps.Valid && steps.String != "" {
		if err := json.Unmarshal([]byte(steps.String), &r.StepResults); err != nil {
			return nil, fmt.Errorf("failed to unmarshal step results: %w", err)
		}
	}
	if actions.Valid && actions.String != "" {
		if err := json.Unmarshal([]byte(actions.String), &r.ActionsExecuted); err != nil {
			return nil, fmt.Errorf("failed to unmarshal action results: %w", err)
		}
	}
	return &r, nil
}
