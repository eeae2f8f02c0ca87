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

// Package manager is the public entry point. It owns the component graph
// and the event bus, enforces per-workflow single-flight execution, and
// keeps workflow state, schedules, and armed triggers consistent.
package manager

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/tombee/watchflow/internal/actions"
	"github.com/tombee/watchflow/internal/detector"
	"github.com/tombee/watchflow/internal/model"
	"github.com/tombee/watchflow/internal/runner"
	"github.com/tombee/watchflow/internal/scheduler"
	"github.com/tombee/watchflow/internal/store"
	"github.com/tombee/watchflow/internal/triggers"
	"github.com/tombee/watchflow/pkg/browser"
	"github.com/tombee/watchflow/pkg/errors"
	"github.com/tombee/watchflow/pkg/events"
)

// DefaultWatchInterval is the detection loop period when the workflow's
// detection config leaves the interval unset.
const DefaultWatchInterval = time.Minute

// Config aggregates per-component configuration.
type Config struct {
	Scheduler scheduler.Config `yaml:"scheduler"`
	Runner    runner.Config    `yaml:"runner"`
	Actions   actions.Config   `yaml:"actions"`

	// WatchInterval is the default change-detection period.
	WatchInterval time.Duration `yaml:"watch_interval"`
}

// Manager wires the scheduler, trigger router, detector, runner, and action
// pipeline behind one API surface.
type Manager struct {
	cfg    Config
	store  *store.Store
	bus    *events.Bus
	logger *slog.Logger

	sched    *scheduler.Scheduler
	router   *triggers.Router
	detector *detector.Detector
	runner   *runner.Runner
	pipeline *actions.Pipeline

	mu      sync.Mutex
	watches map[string]context.CancelFunc
	// pending holds the latest trigger payload per workflow, consumed by
	// the next dispatched run. Coalesced enqueues keep the newest payload.
	pending map[string]map[string]any

	ctx    context.Context
	cancel context.CancelFunc
}

// New builds the component graph. Agent and email are optional action
// collaborators.
func New(cfg Config, st *store.Store, bus *events.Bus, b browser.Browser, agent actions.Agent, email actions.EmailSender, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.WatchInterval <= 0 {
		cfg.WatchInterval = DefaultWatchInterval
	}

	m := &Manager{
		cfg:     cfg,
		store:   st,
		bus:     bus,
		logger:  logger.With(slog.String("component", "manager")),
		watches: make(map[string]context.CancelFunc),
		pending: make(map[string]map[string]any),
	}
	m.sched = scheduler.New(cfg.Scheduler, m.runScheduled, logger)
	m.router = triggers.New(st, bus, m.fireTriggered, logger)
	m.detector = detector.New(b, st, logger)
	m.runner = runner.New(cfg.Runner, b, bus, logger)
	m.pipeline = actions.New(cfg.Actions, bus, agent, email, logger)
	return m
}

// Start recovers crashed runs, loads active workflows into the scheduler
// and trigger router, and starts the dispatch loops.
func (m *Manager) Start(ctx context.Context) error {
	m.ctx, m.cancel = context.WithCancel(ctx)

	recovered, err := m.store.FailCrashedRuns(m.ctx)
	if err != nil {
		return err
	}
	if recovered > 0 {
		m.logger.Info("marked crashed runs failed", slog.Int64("count", recovered))
	}

	if err := m.router.Start(m.ctx); err != nil {
		return err
	}

	workflows, err := m.store.ListWorkflows(m.ctx, model.WorkflowActive)
	if err != nil {
		return err
	}
	for _, wf := range workflows {
		if err := m.sched.Schedule(wf); err != nil {
			m.logger.Warn("failed to schedule workflow on startup",
				slog.String("workflow_id", wf.ID), slog.String("error", err.Error()))
			m.markError(m.ctx, wf)
			continue
		}
		m.startWatch(wf)
	}

	m.sched.Start(m.ctx)
	return nil
}

// Stop halts dispatch, trigger routing, and detection loops.
func (m *Manager) Stop() {
	m.sched.Stop()
	m.router.Stop()

	m.mu.Lock()
	for id, cancel := range m.watches {
		cancel()
		delete(m.watches, id)
	}
	m.mu.Unlock()

	if m.cancel != nil {
		m.cancel()
	}
}

// CreateWorkflow persists the workflow with its triggers and actions, then
// schedules and arms it when active. A schedule that fails validation moves
// the workflow to error status.
func (m *Manager) CreateWorkflow(ctx context.Context, wf *model.Workflow, trigs []*model.Trigger, acts []*model.Action) error {
	if wf.Name == "" {
		return &errors.ValidationError{Field: "name", Message: "workflow name is required"}
	}
	if wf.Status == "" {
		wf.Status = model.WorkflowActive
	}
	if wf.Execution == (model.ExecutionConfig{}) {
		wf.Execution = model.DefaultExecutionConfig()
	}

	if err := m.store.CreateWorkflow(ctx, wf); err != nil {
		return err
	}

	for _, a := range acts {
		a.WorkflowID = wf.ID
		if err := m.store.CreateAction(ctx, a); err != nil {
			return err
		}
	}
	for _, t := range trigs {
		t.WorkflowID = wf.ID
		if err := m.store.CreateTrigger(ctx, t); err != nil {
			return err
		}
	}

	if wf.Status != model.WorkflowActive {
		return nil
	}
	if err := m.sched.Schedule(wf); err != nil {
		m.markError(ctx, wf)
		return err
	}
	for _, t := range trigs {
		if err := m.router.Register(ctx, t); err != nil {
			m.logger.Warn("failed to arm trigger",
				slog.String("trigger_id", t.ID), slog.String("error", err.Error()))
		}
	}
	m.startWatch(wf)
	return nil
}

// UpdateWorkflow persists the workflow and reconciles its schedule, armed
// triggers, and detection loop with the new state.
func (m *Manager) UpdateWorkflow(ctx context.Context, wf *model.Workflow) error {
	if err := m.store.UpdateWorkflow(ctx, wf); err != nil {
		return err
	}

	m.sched.Unschedule(wf.ID)
	m.stopWatch(wf.ID)
	if wf.Status != model.WorkflowActive {
		m.disarmTriggers(ctx, wf.ID)
		return nil
	}

	if err := m.sched.Schedule(wf); err != nil {
		m.markError(ctx, wf)
		return err
	}
	m.startWatch(wf)
	return nil
}

// DeleteWorkflow unschedules, disarms, and cascade-deletes the workflow.
func (m *Manager) DeleteWorkflow(ctx context.Context, id string) error {
	m.sched.Unschedule(id)
	m.stopWatch(id)
	m.disarmTriggers(ctx, id)

	m.mu.Lock()
	delete(m.pending, id)
	m.mu.Unlock()

	return m.store.DeleteWorkflow(ctx, id)
}

// Pause removes the workflow from the scheduler and disarms its triggers.
// A paused workflow has no scheduler entry and no armed triggers.
func (m *Manager) Pause(ctx context.Context, id string) error {
	return m.setStatus(ctx, id, model.WorkflowPaused)
}

// Resume returns the workflow to active status, rescheduling and re-arming.
func (m *Manager) Resume(ctx context.Context, id string) error {
	return m.setStatus(ctx, id, model.WorkflowActive)
}

func (m *Manager) setStatus(ctx context.Context, id string, status model.WorkflowStatus) error {
	wf, err := m.store.GetWorkflow(ctx, id)
	if err != nil {
		return err
	}
	if wf.Status == status {
		return nil
	}
	wf.Status = status
	if err := m.store.UpdateWorkflow(ctx, wf); err != nil {
		return err
	}

	if status == model.WorkflowActive {
		if err := m.sched.Schedule(wf); err != nil {
			m.markError(ctx, wf)
			return err
		}
		m.armTriggers(ctx, id)
		m.startWatch(wf)
		return nil
	}

	m.sched.Unschedule(id)
	m.disarmTriggers(ctx, id)
	m.stopWatch(id)
	return nil
}

// HandleWebhook verifies and routes an inbound webhook request. It returns
// the target workflow id on acceptance.
func (m *Manager) HandleWebhook(ctx context.Context, token string, headers http.Header, body []byte) (string, error) {
	return m.router.HandleWebhook(ctx, token, headers, body)
}

// CancelRun aborts an in-flight run. The run settles with status cancelled.
func (m *Manager) CancelRun(runID string) {
	m.runner.Cancel(runID)
}

// DetectConflicts reports schedule firings of other workflows that land
// within the conflict window of the given workflow's firings.
func (m *Manager) DetectConflicts(workflowID string, from, until time.Time) []scheduler.Conflict {
	return m.sched.DetectConflicts(workflowID, from, until)
}

// NextRuns enumerates upcoming firings for a workflow.
func (m *Manager) NextRuns(workflowID string, from, until time.Time, max int) []time.Time {
	return m.sched.NextRuns(workflowID, from, until, max)
}

// Stats summarizes run outcomes. With a workflow id the numbers come from
// that workflow's metrics; with an empty id they aggregate every workflow.
type Stats struct {
	Workflows       int           `json:"workflows"`
	ActiveWorkflows int           `json:"active_workflows"`
	TotalRuns       int64         `json:"total_runs"`
	SuccessfulRuns  int64         `json:"successful_runs"`
	FailedRuns      int64         `json:"failed_runs"`
	ChangesDetected int64         `json:"changes_detected"`
	AverageDuration time.Duration `json:"average_duration"`
	QueueDepth      int           `json:"queue_depth"`
	ActiveRuns      int           `json:"active_runs"`
}

// Stats returns per-workflow or global statistics.
func (m *Manager) Stats(ctx context.Context, workflowID string) (*Stats, error) {
	out := &Stats{
		QueueDepth: m.sched.QueueDepth(),
		ActiveRuns: m.sched.ActiveCount(),
	}

	if workflowID != "" {
		wf, err := m.store.GetWorkflow(ctx, workflowID)
		if err != nil {
			return nil, err
		}
		out.Workflows = 1
		if wf.Status == model.WorkflowActive {
			out.ActiveWorkflows = 1
		}
		out.TotalRuns = wf.Metrics.TotalRuns
		out.SuccessfulRuns = wf.Metrics.SuccessfulRuns
		out.FailedRuns = wf.Metrics.FailedRuns
		out.ChangesDetected = wf.Metrics.ChangesDetected
		out.AverageDuration = wf.Metrics.AverageDuration
		return out, nil
	}

	workflows, err := m.store.ListWorkflows(ctx, "")
	if err != nil {
		return nil, err
	}
	var weighted time.Duration
	for _, wf := range workflows {
		out.Workflows++
		if wf.Status == model.WorkflowActive {
			out.ActiveWorkflows++
		}
		out.TotalRuns += wf.Metrics.TotalRuns
		out.SuccessfulRuns += wf.Metrics.SuccessfulRuns
		out.FailedRuns += wf.Metrics.FailedRuns
		out.ChangesDetected += wf.Metrics.ChangesDetected
		weighted += wf.Metrics.AverageDuration * time.Duration(wf.Metrics.TotalRuns)
	}
	if out.TotalRuns > 0 {
		out.AverageDuration = weighted / time.Duration(out.TotalRuns)
	}
	return out, nil
}

// RegisterTrigger persists and arms a trigger for an existing workflow.
// The trigger row must exist before the router arms it: webhook arming
// writes the allocated token back through the store.
func (m *Manager) RegisterTrigger(ctx context.Context, t *model.Trigger) error {
	if _, err := m.store.GetWorkflow(ctx, t.WorkflowID); err != nil {
		return err
	}
	if err := m.store.CreateTrigger(ctx, t); err != nil {
		return err
	}
	if err := m.router.Register(ctx, t); err != nil {
		if derr := m.store.DeleteTrigger(ctx, t.ID); derr != nil {
			m.logger.Warn("failed to remove trigger after arming failure",
				slog.String("trigger_id", t.ID), slog.String("error", derr.Error()))
		}
		return err
	}
	return nil
}

// UnregisterTrigger disarms and deletes a trigger.
func (m *Manager) UnregisterTrigger(ctx context.Context, triggerID string) error {
	m.router.Unregister(triggerID)
	return m.store.DeleteTrigger(ctx, triggerID)
}

func (m *Manager) armTriggers(ctx context.Context, workflowID string) {
	trigs, err := m.store.ListTriggers(ctx, workflowID)
	if err != nil {
		m.logger.Warn("failed to list triggers",
			slog.String("workflow_id", workflowID), slog.String("error", err.Error()))
		return
	}
	for _, t := range trigs {
		if err := m.router.Register(ctx, t); err != nil {
			m.logger.Warn("failed to arm trigger",
				slog.String("trigger_id", t.ID), slog.String("error", err.Error()))
		}
	}
}

func (m *Manager) disarmTriggers(ctx context.Context, workflowID string) {
	trigs, err := m.store.ListTriggers(ctx, workflowID)
	if err != nil {
		m.logger.Warn("failed to list triggers",
			slog.String("workflow_id", workflowID), slog.String("error", err.Error()))
		return
	}
	for _, t := range trigs {
		m.router.Unregister(t.ID)
	}
}

// markError flips the workflow to error status when scheduling cannot
// proceed. The original error is surfaced by the caller.
func (m *Manager) markError(ctx context.Context, wf *model.Workflow) {
	wf.Status = model.WorkflowError
	if err := m.store.UpdateWorkflow(ctx, wf); err != nil {
		m.logger.Warn("failed to mark workflow errored",
			slog.String("workflow_id", wf.ID), slog.String("error", err.Error()))
	}
}
