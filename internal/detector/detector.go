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

// Package detector captures page snapshots and compares them against the
// stored baseline per (workflow, URL). The first capture only establishes
// the baseline; later captures compare and replace the baseline when a
// change crosses the threshold.
package detector

import (
	"context"
	"encoding/base64"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tombee/watchflow/internal/model"
	"github.com/tombee/watchflow/internal/store"
	"github.com/tombee/watchflow/pkg/browser"
	"github.com/tombee/watchflow/pkg/errors"
)

// DefaultThreshold is the similarity below which a change fires when the
// config leaves the threshold unset.
const DefaultThreshold = 95.0

// ChangeResult is the outcome of one detection pass.
type ChangeResult struct {
	// HasChanged reports whether similarity fell below the threshold.
	HasChanged bool

	// Baseline is true on the first capture for a (workflow, URL) pair.
	Baseline bool

	Similarity  float64
	ChangeScore float64
	Kind        model.ChangeKind
	Severity    model.ChangeSeverity
	Diff        *model.ChangeDiff
	Change      *model.Change
	Snapshot    *model.ContentSnapshot
}

// Detector runs change detection for workflows.
type Detector struct {
	browser browser.Browser
	store   *store.Store
	logger  *slog.Logger

	// mu guards keys; each (workflow, URL) pair gets its own lock so
	// concurrent detections for the same pair serialize rather than race
	// on the baseline.
	mu   sync.Mutex
	keys map[string]*sync.Mutex
}

// New creates a detector. The store is required; the browser backs page
// capture.
func New(b browser.Browser, st *store.Store, logger *slog.Logger) *Detector {
	if logger == nil {
		logger = slog.Default()
	}
	return &Detector{
		browser: b,
		store:   st,
		logger:  logger.With(slog.String("component", "detector")),
		keys:    make(map[string]*sync.Mutex),
	}
}

// Detect captures the configured URL and compares it to the baseline.
// RunID is attached to any recorded change and may be empty for standalone
// detection passes.
func (d *Detector) Detect(ctx context.Context, workflowID, runID string, cfg *model.DetectionConfig) (*ChangeResult, error) {
	if cfg == nil || cfg.URL == "" {
		return nil, &errors.ValidationError{
			Field:      "change_detection_config",
			Message:    "detection requires a URL",
			Suggestion: "set change_detection_config.url on the workflow",
		}
	}

	unlock := d.lockKey(workflowID, cfg.URL)
	defer unlock()

	current, err := d.capture(ctx, workflowID, cfg)
	if err != nil {
		return nil, err
	}

	previous, err := d.store.GetSnapshot(ctx, workflowID, cfg.URL)
	if err != nil {
		return nil, err
	}

	// First capture, or the capture method changed: establish a fresh
	// baseline and report no change.
	if previous == nil || previous.Method != current.Method {
		if err := d.store.SaveSnapshot(ctx, current); err != nil {
			return nil, err
		}
		d.logger.Info("baseline established",
			slog.String("workflow_id", workflowID),
			slog.String("url", cfg.URL),
			slog.String("method", string(cfg.Method)))
		return &ChangeResult{
			Baseline:   true,
			Similarity: 100,
			Kind:       kindForMethod(current.Method),
			Severity:   model.SeverityLow,
			Snapshot:   current,
		}, nil
	}

	// Identical content hash short-circuits the full comparison.
	if previous.ContentHash == current.ContentHash {
		return &ChangeResult{
			Similarity: 100,
			Kind:       kindForMethod(current.Method),
			Severity:   model.SeverityLow,
			Snapshot:   current,
		}, nil
	}

	cmp, err := compare(previous, current)
	if err != nil {
		return nil, err
	}

	threshold := cfg.Threshold
	if threshold <= 0 {
		threshold = DefaultThreshold
	}

	score := 100 - cmp.Similarity
	result := &ChangeResult{
		HasChanged:  cmp.Similarity < threshold,
		Similarity:  cmp.Similarity,
		ChangeScore: score,
		Kind:        kindForMethod(current.Method),
		Severity:    model.SeverityForScore(score),
		Diff:        cmp.Diff,
		Snapshot:    current,
	}

	if !result.HasChanged {
		return result, nil
	}

	change := &model.Change{
		ID:            uuid.NewString(),
		WorkflowID:    workflowID,
		RunID:         runID,
		URL:           cfg.URL,
		Kind:          result.Kind,
		Severity:      result.Severity,
		Similarity:    cmp.Similarity,
		ChangeScore:   score,
		PreviousValue: truncateValue(previous.Content),
		CurrentValue:  truncateValue(current.Content),
		Diff:          cmp.Diff,
		DetectedAt:    time.Now().UTC(),
	}
	if current.Method == model.CaptureVisual {
		if img, err := base64.StdEncoding.DecodeString(current.Content); err == nil {
			change.Screenshot = img
		}
	}

	if err := d.store.CreateChange(ctx, change); err != nil {
		return nil, err
	}

	// The new snapshot becomes the baseline only once the change is
	// recorded, so a failed write retries against the old baseline.
	if err := d.store.SaveSnapshot(ctx, current); err != nil {
		return nil, err
	}

	d.logger.Info("change detected",
		slog.String("workflow_id", workflowID),
		slog.String("url", cfg.URL),
		slog.String("severity", string(result.Severity)),
		slog.Float64("similarity", cmp.Similarity))

	result.Change = change
	return result, nil
}

// lockKey serializes detection per (workflow, URL) pair.
func (d *Detector) lockKey(workflowID, url string) func() {
	key := workflowID + "\x00" + url
	d.mu.Lock()
	m, ok := d.keys[key]
	if !ok {
		m = &sync.Mutex{}
		d.keys[key] = m
	}
	d.mu.Unlock()
	m.Lock()
	return m.Unlock
}

// maxStoredValue bounds the previous/current values persisted with a change
// so large pages do not bloat the changes table.
const maxStoredValue = 64 * 1024

func truncateValue(s string) string {
	if len(s) <= maxStoredValue {
		return s
	}
	return s[:maxStoredValue]
}

func kindForMethod(m model.CaptureMethod) model.ChangeKind {
	switch m {
	case model.CaptureDOM:
		return model.ChangeStructure
	case model.CaptureVisual:
		return model.ChangeVisual
	default:
		return model.ChangeContent
	}
}
