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

package manager

import (
	"context"
	"log/slog"
	"time"

	"github.com/tombee/watchflow/internal/model"
	"github.com/tombee/watchflow/pkg/errors"
	"github.com/tombee/watchflow/pkg/events"
)

// createRunRetries bounds retries on run-number collisions.
const createRunRetries = 3

// Execute runs the workflow's playbook once. A non-terminal run for the
// same workflow fails the call with AlreadyRunning before any row is
// written. On success the action pipeline runs with the extracted data; a
// failed pipeline leaves the run status success and records the failure in
// the run's action results.
func (m *Manager) Execute(ctx context.Context, workflowID string, kind model.TriggerKind, triggeredBy string, data map[string]any) (*model.Run, error) {
	wf, err := m.store.GetWorkflow(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	if wf.Status != model.WorkflowActive && kind != model.TriggerManual {
		return nil, &errors.ValidationError{
			Field:   "status",
			Message: "workflow is not active: " + string(wf.Status),
		}
	}

	if active, err := m.store.ActiveRun(ctx, workflowID); err != nil {
		return nil, err
	} else if active != nil {
		return nil, &errors.AlreadyRunningError{WorkflowID: workflowID, RunID: active.ID}
	}

	run := &model.Run{
		WorkflowID:  workflowID,
		Status:      model.RunPending,
		TriggerKind: kind,
		TriggeredBy: triggeredBy,
	}
	if err := m.createRun(ctx, run); err != nil {
		return nil, err
	}

	started := time.Now().UTC()
	run.Status = model.RunRunning
	run.StartedAt = &started
	if err := m.store.UpdateRun(ctx, run); err != nil {
		return nil, err
	}
	m.emit(ctx, events.RunStarted, run, nil)

	result := m.executePlaybook(ctx, wf, run, data)

	completed := time.Now().UTC()
	run.CompletedAt = &completed
	run.Duration = completed.Sub(started)
	if err := m.store.UpdateRun(ctx, run); err != nil {
		m.logger.Warn("failed to persist run outcome",
			slog.String("run_id", run.ID), slog.String("error", err.Error()))
	}
	if err := m.store.ApplyRunOutcome(ctx, workflowID, run.Status, completed, run.Duration); err != nil {
		m.logger.Warn("failed to update workflow metrics",
			slog.String("workflow_id", workflowID), slog.String("error", err.Error()))
	}

	if run.Status == model.RunSuccess {
		m.emit(ctx, events.RunCompleted, run, result)
	} else {
		m.emit(ctx, events.RunFailed, run, map[string]any{"error": run.Error})
	}
	return run, nil
}

// executePlaybook drives the step executor and, on success, the action
// pipeline. It mutates the run in place and returns the extracted payload.
func (m *Manager) executePlaybook(ctx context.Context, wf *model.Workflow, run *model.Run, data map[string]any) map[string]any {
	if wf.PlaybookID == "" {
		run.Status = model.RunFailed
		run.Error = "workflow has no playbook"
		return nil
	}
	pb, err := m.store.GetPlaybook(ctx, wf.PlaybookID)
	if err != nil {
		run.Status = model.RunFailed
		run.Error = err.Error()
		return nil
	}

	seed := make(map[string]any, len(data)+2)
	for k, v := range data {
		seed[k] = v
	}
	seed["workflow_id"] = wf.ID
	seed["run_id"] = run.ID

	result := m.runner.Execute(ctx, wf, run.ID, pb, seed)
	run.Status = result.Status
	run.StepResults = result.StepResults
	run.ExtractedData = result.Extracted
	if result.Err != nil {
		run.Error = result.Err.Error()
	}
	if result.Status != model.RunSuccess {
		return result.Extracted
	}

	acts, err := m.store.ListActions(ctx, wf.ID)
	if err != nil {
		m.logger.Warn("failed to list actions",
			slog.String("workflow_id", wf.ID), slog.String("error", err.Error()))
		return result.Extracted
	}
	if len(acts) == 0 {
		return result.Extracted
	}

	pipelineSeed := make(map[string]any, len(result.Extracted)+3)
	for k, v := range result.Extracted {
		pipelineSeed[k] = v
	}
	pipelineSeed["extractedData"] = result.Extracted
	pipelineSeed["workflow_id"] = wf.ID
	pipelineSeed["run_id"] = run.ID

	executed, err := m.pipeline.Run(ctx, wf.ID, run.ID, acts, pipelineSeed)
	run.ActionsExecuted = executed
	if err != nil {
		// A failed action does not fail the run; the action results are
		// the record of what happened.
		m.logger.Warn("action pipeline aborted",
			slog.String("run_id", run.ID), slog.String("error", err.Error()))
	}
	return result.Extracted
}

func (m *Manager) createRun(ctx context.Context, run *model.Run) error {
	var err error
	for attempt := 0; attempt < createRunRetries; attempt++ {
		err = m.store.CreateRun(ctx, run)
		if err == nil || !errors.IsConflict(err) {
			return err
		}
	}
	return err
}

// runScheduled is the scheduler's dispatch callback.
func (m *Manager) runScheduled(ctx context.Context, workflowID string, kind model.TriggerKind, triggeredBy string) error {
	m.mu.Lock()
	data := m.pending[workflowID]
	delete(m.pending, workflowID)
	m.mu.Unlock()

	_, err := m.Execute(ctx, workflowID, kind, triggeredBy, data)
	if errors.IsAlreadyRunning(err) {
		m.logger.Debug("skipped dispatch for in-flight workflow",
			slog.String("workflow_id", workflowID))
		return nil
	}
	return err
}

// fireTriggered is the trigger router's dispatch callback. Run requests go
// through the scheduler queue so trigger storms coalesce per workflow.
func (m *Manager) fireTriggered(ctx context.Context, workflowID string, kind model.TriggerKind, triggeredBy string, payload map[string]any) error {
	if payload != nil {
		m.mu.Lock()
		m.pending[workflowID] = payload
		m.mu.Unlock()
	}
	m.sched.Enqueue(workflowID, kind, triggeredBy)
	return nil
}

func (m *Manager) emit(ctx context.Context, t events.Type, run *model.Run, extra map[string]any) {
	if m.bus == nil {
		return
	}
	data := map[string]any{
		"run_id":       run.ID,
		"workflow_id":  run.WorkflowID,
		"run_number":   run.RunNumber,
		"status":       string(run.Status),
		"trigger_kind": string(run.TriggerKind),
	}
	for k, v := range extra {
		data[k] = v
	}
	m.bus.Emit(ctx, t, data)
}
