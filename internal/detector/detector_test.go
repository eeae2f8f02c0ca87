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

package detector

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/watchflow/internal/model"
	"github.com/tombee/watchflow/internal/store"
	"github.com/tombee/watchflow/pkg/browser"
)

func newTestDetector(t *testing.T) (*Detector, *store.Store, *browser.Stub) {
	t.Helper()
	st, err := store.Open(store.Config{Path: ":memory:"}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	stub := browser.NewStub()
	return New(stub, st, nil), st, stub
}

func createTestWorkflow(t *testing.T, st *store.Store, id string) {
	t.Helper()
	err := st.CreateWorkflow(context.Background(), &model.Workflow{
		ID:     id,
		Name:   "watch " + id,
		Status: model.WorkflowActive,
	})
	require.NoError(t, err)
}

func TestDetectBaselineThenChange(t *testing.T) {
	d, st, stub := newTestDetector(t)
	ctx := context.Background()
	createTestWorkflow(t, st, "wf-1")

	stub.SetPage("https://example.com",
		`<html><body><div class="main"><h1>Original Title</h1><p>Some body text.</p></div></body></html>`)

	cfg := &model.DetectionConfig{
		URL:       "https://example.com",
		Method:    model.CaptureDOM,
		Threshold: 95,
	}

	// First pass establishes the baseline and never reports a change.
	res, err := d.Detect(ctx, "wf-1", "", cfg)
	require.NoError(t, err)
	assert.True(t, res.Baseline)
	assert.False(t, res.HasChanged)
	assert.Equal(t, 100.0, res.Similarity)

	// Identical content on the second pass.
	res, err = d.Detect(ctx, "wf-1", "", cfg)
	require.NoError(t, err)
	assert.False(t, res.Baseline)
	assert.False(t, res.HasChanged)
	assert.Equal(t, 100.0, res.Similarity)

	// Change the heading text.
	stub.SetPage("https://example.com",
		`<html><body><div class="main"><h1>Updated Title</h1><p>Some body text.</p></div></body></html>`)

	res, err = d.Detect(ctx, "wf-1", "run-1", cfg)
	require.NoError(t, err)
	assert.True(t, res.HasChanged)
	assert.Equal(t, model.ChangeStructure, res.Kind)
	assert.Less(t, res.Similarity, 95.0)
	require.NotNil(t, res.Change)
	assert.Equal(t, "run-1", res.Change.RunID)

	// The heading modification appears in the diff at its structural path.
	require.NotNil(t, res.Diff)
	found := false
	for _, m := range res.Diff.Modified {
		if m.Path == "body/div[0]/h1[0]" && m.Field == "text" {
			found = true
			assert.Equal(t, "Original Title", m.Previous)
			assert.Equal(t, "Updated Title", m.Current)
		}
	}
	assert.True(t, found, "expected h1 text modification in diff")

	// The change is persisted.
	changes, err := st.ListChanges(ctx, store.ChangeFilter{WorkflowID: "wf-1"})
	require.NoError(t, err)
	require.Len(t, changes, 1)
	assert.Equal(t, model.ChangeStructure, changes[0].Kind)

	// The new content becomes the baseline: re-detecting reports no change.
	res, err = d.Detect(ctx, "wf-1", "", cfg)
	require.NoError(t, err)
	assert.False(t, res.HasChanged)
	assert.Equal(t, 100.0, res.Similarity)
}

func TestDetectIgnoreSelectors(t *testing.T) {
	d, st, stub := newTestDetector(t)
	ctx := context.Background()
	createTestWorkflow(t, st, "wf-2")

	cfg := &model.DetectionConfig{
		URL:             "https://example.com/news",
		Method:          model.CaptureDOM,
		Threshold:       95,
		IgnoreSelectors: []string{".ad-banner"},
	}

	stub.SetPage("https://example.com/news",
		`<html><body><div class="ad-banner"><p>Buy now</p></div><h1>Stable</h1></body></html>`)

	res, err := d.Detect(ctx, "wf-2", "", cfg)
	require.NoError(t, err)
	assert.True(t, res.Baseline)

	// Only the ignored banner changes; the snapshot is identical.
	stub.SetPage("https://example.com/news",
		`<html><body><div class="ad-banner"><p>Limited offer</p></div><h1>Stable</h1></body></html>`)

	res, err = d.Detect(ctx, "wf-2", "", cfg)
	require.NoError(t, err)
	assert.False(t, res.HasChanged)
	assert.Equal(t, 100.0, res.Similarity)
}

func TestDetectTextMethod(t *testing.T) {
	d, st, stub := newTestDetector(t)
	ctx := context.Background()
	createTestWorkflow(t, st, "wf-3")

	cfg := &model.DetectionConfig{
		URL:       "https://example.com/text",
		Method:    model.CaptureText,
		Threshold: 99,
	}

	stub.SetPage("https://example.com/text",
		`<html><body><p>The quick brown fox jumps over the lazy dog</p></body></html>`)
	res, err := d.Detect(ctx, "wf-3", "", cfg)
	require.NoError(t, err)
	assert.True(t, res.Baseline)

	stub.SetPage("https://example.com/text",
		`<html><body><p>The quick brown cat jumps over the lazy dog</p></body></html>`)
	res, err = d.Detect(ctx, "wf-3", "", cfg)
	require.NoError(t, err)
	assert.True(t, res.HasChanged)
	assert.Equal(t, model.ChangeContent, res.Kind)
	assert.Greater(t, res.Similarity, 80.0)
	assert.Less(t, res.Similarity, 99.0)
}

func TestDetectVisualExactMatch(t *testing.T) {
	d, st, stub := newTestDetector(t)
	ctx := context.Background()
	createTestWorkflow(t, st, "wf-4")

	cfg := &model.DetectionConfig{
		URL:       "https://example.com/v",
		Method:    model.CaptureVisual,
		Threshold: 95,
	}

	stub.SetPage("https://example.com/v", `<html><body><h1>A</h1></body></html>`)
	res, err := d.Detect(ctx, "wf-4", "", cfg)
	require.NoError(t, err)
	assert.True(t, res.Baseline)

	// Any pixel difference is a full change under exact comparison.
	stub.SetPage("https://example.com/v", `<html><body><h1>B</h1></body></html>`)
	res, err = d.Detect(ctx, "wf-4", "", cfg)
	require.NoError(t, err)
	assert.True(t, res.HasChanged)
	assert.Equal(t, 0.0, res.Similarity)
	assert.Equal(t, model.SeverityCritical, res.Severity)
	assert.Equal(t, model.ChangeVisual, res.Kind)
	require.NotNil(t, res.Change)
	assert.NotEmpty(t, res.Change.Screenshot)
}

func TestDetectHashIgnoresTimestamps(t *testing.T) {
	d, st, stub := newTestDetector(t)
	ctx := context.Background()
	createTestWorkflow(t, st, "wf-5")

	cfg := &model.DetectionConfig{
		URL:       "https://example.com/h",
		Method:    model.CaptureHash,
		Threshold: 95,
	}

	stub.SetPage("https://example.com/h",
		`<html><body><p>rendered at 2026-08-24T10:00:00Z</p></body></html>`)
	res, err := d.Detect(ctx, "wf-5", "", cfg)
	require.NoError(t, err)
	assert.True(t, res.Baseline)

	// Only the timestamp differs; the canonicalized hash is stable.
	stub.SetPage("https://example.com/h",
		`<html><body><p>rendered at 2026-08-24T11:30:00Z</p></body></html>`)
	res, err = d.Detect(ctx, "wf-5", "", cfg)
	require.NoError(t, err)
	assert.False(t, res.HasChanged)
}

func TestDetectMissingURL(t *testing.T) {
	d, _, _ := newTestDetector(t)
	_, err := d.Detect(context.Background(), "wf-x", "", &model.DetectionConfig{Method: model.CaptureDOM})
	require.Error(t, err)
}

func TestSeverityBuckets(t *testing.T) {
	assert.Equal(t, model.SeverityLow, model.SeverityForScore(5))
	assert.Equal(t, model.SeverityMedium, model.SeverityForScore(15))
	assert.Equal(t, model.SeverityHigh, model.SeverityForScore(45))
	assert.Equal(t, model.SeverityCritical, model.SeverityForScore(75))
}
