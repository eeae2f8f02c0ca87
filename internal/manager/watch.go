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
	"github.com/tombee/watchflow/internal/triggers"
)

// startWatch runs the change-detection loop for the workflow. Detected
// changes increment the workflow's counter and feed the conditional
// triggers. The loop is per workflow; stopWatch or Stop ends it.
func (m *Manager) startWatch(wf *model.Workflow) {
	if !wf.ChangeDetectionEnabled || wf.ChangeDetection == nil || wf.ChangeDetection.URL == "" {
		return
	}

	interval := wf.ChangeDetection.Interval
	if interval <= 0 {
		interval = m.cfg.WatchInterval
	}

	parent := m.ctx
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)

	m.mu.Lock()
	if prev, ok := m.watches[wf.ID]; ok {
		prev()
	}
	m.watches[wf.ID] = cancel
	m.mu.Unlock()

	cfg := *wf.ChangeDetection
	go m.watchLoop(ctx, wf.ID, &cfg, interval)
}

func (m *Manager) stopWatch(workflowID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cancel, ok := m.watches[workflowID]; ok {
		cancel()
		delete(m.watches, workflowID)
	}
}

func (m *Manager) watchLoop(ctx context.Context, workflowID string, cfg *model.DetectionConfig, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.detectOnce(ctx, workflowID, cfg)
		}
	}
}

// detectOnce runs one detection pass and routes the result to the
// conditional triggers. The detector itself records the change and emits
// change:detected.
func (m *Manager) detectOnce(ctx context.Context, workflowID string, cfg *model.DetectionConfig) {
	result, err := m.detector.Detect(ctx, workflowID, "", cfg)
	if err != nil {
		m.logger.Warn("change detection failed",
			slog.String("workflow_id", workflowID), slog.String("error", err.Error()))
		return
	}
	if !result.HasChanged || result.Change == nil {
		return
	}

	if err := m.store.IncrementChangesDetected(ctx, workflowID); err != nil {
		m.logger.Warn("failed to count detected change",
			slog.String("workflow_id", workflowID), slog.String("error", err.Error()))
	}

	obs := triggers.ChangeObservation{
		WorkflowID:   workflowID,
		ChangeScore:  result.ChangeScore,
		CurrentValue: result.Change.CurrentValue,
	}
	if result.Diff != nil {
		obs.AddedPaths = result.Diff.Added
	}
	if result.Snapshot != nil {
		obs.StatusCode = result.Snapshot.StatusCode
	}

	fired := m.router.EvaluateChange(ctx, obs)
	m.logger.Info("change detected",
		slog.String("workflow_id", workflowID),
		slog.String("severity", string(result.Severity)),
		slog.Float64("change_score", result.ChangeScore),
		slog.Int("triggers_fired", fired))
}
