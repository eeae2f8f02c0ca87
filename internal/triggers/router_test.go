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

package triggers

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/watchflow/internal/model"
	"github.com/tombee/watchflow/internal/store"
	"github.com/tombee/watchflow/pkg/errors"
	"github.com/tombee/watchflow/pkg/events"
)

type firedRun struct {
	workflowID  string
	kind        model.TriggerKind
	triggeredBy string
	payload     map[string]any
}

type fireRecorder struct {
	mu    sync.Mutex
	fired []firedRun
}

func (f *fireRecorder) fire(ctx context.Context, workflowID string, kind model.TriggerKind, triggeredBy string, payload map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fired = append(f.fired, firedRun{workflowID, kind, triggeredBy, payload})
	return nil
}

func (f *fireRecorder) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.fired)
}

func newTestRouter(t *testing.T) (*Router, *store.Store, *events.Bus, *fireRecorder) {
	t.Helper()
	bus := events.New()
	st, err := store.Open(store.Config{Path: ":memory:"}, bus)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	rec := &fireRecorder{}
	r := New(st, bus, rec.fire, nil)
	require.NoError(t, r.Start(context.Background()))
	t.Cleanup(r.Stop)
	return r, st, bus, rec
}

func createWorkflowWithLimit(t *testing.T, st *store.Store, id string, limit *model.RateLimit) {
	t.Helper()
	err := st.CreateWorkflow(context.Background(), &model.Workflow{
		ID:        id,
		Name:      "wf " + id,
		Status:    model.WorkflowActive,
		RateLimit: limit,
	})
	require.NoError(t, err)
}

func signBody(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func TestWebhookSignatureVerification(t *testing.T) {
	r, st, _, rec := newTestRouter(t)
	ctx := context.Background()
	createWorkflowWithLimit(t, st, "wf-hook", nil)

	trig := &model.Trigger{
		WorkflowID: "wf-hook",
		Kind:       model.TriggerWebhook,
		Enabled:    true,
		Config:     model.TriggerConfig{Token: "tok-1", Secret: "s3cret"},
	}
	require.NoError(t, st.CreateTrigger(ctx, trig))
	require.NoError(t, r.Register(ctx, trig))

	body := []byte(`{"order":"42"}`)

	// Valid signature fires the workflow.
	h := http.Header{}
	h.Set("X-Webhook-Signature", signBody("s3cret", body))
	wfID, err := r.HandleWebhook(ctx, "tok-1", h, body)
	require.NoError(t, err)
	assert.Equal(t, "wf-hook", wfID)
	require.Equal(t, 1, rec.count())
	assert.Equal(t, model.TriggerWebhook, rec.fired[0].kind)
	assert.Equal(t, "42", rec.fired[0].payload["order"])

	// Tampered body is rejected.
	h = http.Header{}
	h.Set("X-Webhook-Signature", signBody("s3cret", []byte(`{"order":"43"}`)))
	_, err = r.HandleWebhook(ctx, "tok-1", h, body)
	require.Error(t, err)
	assert.True(t, errors.IsSignature(err))

	// Missing signature is rejected when a secret is configured.
	_, err = r.HandleWebhook(ctx, "tok-1", http.Header{}, body)
	assert.True(t, errors.IsSignature(err))

	// The x-hub-signature header form is accepted too.
	h = http.Header{}
	h.Set("X-Hub-Signature", signBody("s3cret", body))
	_, err = r.HandleWebhook(ctx, "tok-1", h, body)
	require.NoError(t, err)

	assert.Equal(t, 2, rec.count())
}

func TestWebhookUnknownToken(t *testing.T) {
	r, _, _, _ := newTestRouter(t)
	_, err := r.HandleWebhook(context.Background(), "nope", http.Header{}, nil)
	require.Error(t, err)
	assert.True(t, errors.IsValidation(err))
}

func TestWebhookRejectsNonJSONBody(t *testing.T) {
	r, st, _, _ := newTestRouter(t)
	ctx := context.Background()
	createWorkflowWithLimit(t, st, "wf-json", nil)

	trig := &model.Trigger{
		WorkflowID: "wf-json",
		Kind:       model.TriggerWebhook,
		Enabled:    true,
		Config:     model.TriggerConfig{Token: "tok-json"},
	}
	require.NoError(t, st.CreateTrigger(ctx, trig))
	require.NoError(t, r.Register(ctx, trig))

	_, err := r.HandleWebhook(ctx, "tok-json", http.Header{}, []byte("not json"))
	require.Error(t, err)
	assert.True(t, errors.IsValidation(err))
}

func TestFireRateLimit(t *testing.T) {
	r, st, bus, rec := newTestRouter(t)
	ctx := context.Background()
	createWorkflowWithLimit(t, st, "wf-rl", &model.RateLimit{Requests: 3, Window: time.Minute})

	var exceeded int
	unsub := bus.Subscribe(events.RateLimitExceeded, func(ctx context.Context, e events.Event) {
		exceeded++
	})
	defer unsub()

	for i := 0; i < 3; i++ {
		require.NoError(t, r.Fire(ctx, nil, "wf-rl", model.TriggerManual, "test", nil))
	}

	err := r.Fire(ctx, nil, "wf-rl", model.TriggerManual, "test", nil)
	require.Error(t, err)
	assert.True(t, errors.IsRateLimit(err))
	assert.Equal(t, 3, rec.count())
	assert.Equal(t, 1, exceeded)
}

func TestFireUpdatesTriggerBookkeeping(t *testing.T) {
	r, st, _, _ := newTestRouter(t)
	ctx := context.Background()
	createWorkflowWithLimit(t, st, "wf-bk", nil)

	trig := &model.Trigger{
		WorkflowID: "wf-bk",
		Kind:       model.TriggerEvent,
		Enabled:    true,
		Config:     model.TriggerConfig{EventName: "deploy_finished"},
	}
	require.NoError(t, st.CreateTrigger(ctx, trig))
	require.NoError(t, r.Register(ctx, trig))

	require.NoError(t, r.Fire(ctx, trig, "wf-bk", model.TriggerEvent, "event:deploy_finished", nil))

	stored, err := st.GetTrigger(ctx, trig.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stored.TriggerCount)
	assert.NotNil(t, stored.LastTriggered)
}

func TestEventTriggerSourceFilter(t *testing.T) {
	r, st, bus, rec := newTestRouter(t)
	ctx := context.Background()
	createWorkflowWithLimit(t, st, "wf-ev", nil)

	trig := &model.Trigger{
		WorkflowID: "wf-ev",
		Kind:       model.TriggerEvent,
		Enabled:    true,
		Config:     model.TriggerConfig{EventName: "inventory_sync", Source: "warehouse"},
	}
	require.NoError(t, st.CreateTrigger(ctx, trig))
	require.NoError(t, r.Register(ctx, trig))

	// Wrong source does not fire.
	bus.Emit(ctx, events.IntegrationExecute, map[string]any{
		"event_name": "inventory_sync", "source": "storefront",
	})
	assert.Equal(t, 0, rec.count())

	bus.Emit(ctx, events.IntegrationExecute, map[string]any{
		"event_name": "inventory_sync", "source": "warehouse",
	})
	assert.Equal(t, 1, rec.count())
}

func TestChainTriggerOnRunCompleted(t *testing.T) {
	r, st, bus, rec := newTestRouter(t)
	ctx := context.Background()
	createWorkflowWithLimit(t, st, "wf-up", nil)
	createWorkflowWithLimit(t, st, "wf-down", nil)

	trig := &model.Trigger{
		WorkflowID: "wf-down",
		Kind:       model.TriggerChain,
		Enabled:    true,
		Config:     model.TriggerConfig{SourceWorkflow: "wf-up"},
	}
	require.NoError(t, st.CreateTrigger(ctx, trig))
	require.NoError(t, r.Register(ctx, trig))

	bus.Emit(ctx, events.RunCompleted, map[string]any{
		"workflow_id": "wf-up", "run_id": "r1", "status": "success",
	})

	require.Equal(t, 1, rec.count())
	assert.Equal(t, "wf-down", rec.fired[0].workflowID)
	assert.Equal(t, model.TriggerChain, rec.fired[0].kind)
	assert.Equal(t, "wf-up", rec.fired[0].payload["source_workflow"])
}

func TestEvaluateChangeTriggers(t *testing.T) {
	r, st, _, rec := newTestRouter(t)
	ctx := context.Background()
	createWorkflowWithLimit(t, st, "wf-cond", nil)

	register := func(kind model.TriggerKind, cfg model.TriggerConfig) *model.Trigger {
		trig := &model.Trigger{WorkflowID: "wf-cond", Kind: kind, Enabled: true, Config: cfg}
		require.NoError(t, st.CreateTrigger(ctx, trig))
		require.NoError(t, r.Register(ctx, trig))
		return trig
	}

	register(model.TriggerContent, model.TriggerConfig{Pattern: `out of stock`})
	register(model.TriggerContent, model.TriggerConfig{Threshold: 50})
	register(model.TriggerElement, model.TriggerConfig{Selector: "table"})
	register(model.TriggerStatus, model.TriggerConfig{StatusCode: "5.."})

	// Pattern match only.
	fired := r.EvaluateChange(ctx, ChangeObservation{
		WorkflowID:   "wf-cond",
		ChangeScore:  12,
		CurrentValue: "item is out of stock",
		StatusCode:   200,
	})
	assert.Equal(t, 1, fired)

	// High score trips the threshold trigger as well.
	fired = r.EvaluateChange(ctx, ChangeObservation{
		WorkflowID:   "wf-cond",
		ChangeScore:  80,
		CurrentValue: "rewritten page",
		StatusCode:   200,
	})
	assert.Equal(t, 1, fired)

	// New table element plus server error.
	fired = r.EvaluateChange(ctx, ChangeObservation{
		WorkflowID:  "wf-cond",
		ChangeScore: 5,
		AddedPaths:  []string{"body/div[0]/table[0]"},
		StatusCode:  503,
	})
	assert.Equal(t, 2, fired)

	assert.Equal(t, 4, rec.count())
}

func TestUnregisterStopsRouting(t *testing.T) {
	r, st, _, rec := newTestRouter(t)
	ctx := context.Background()
	createWorkflowWithLimit(t, st, "wf-un", nil)

	trig := &model.Trigger{
		WorkflowID: "wf-un",
		Kind:       model.TriggerWebhook,
		Enabled:    true,
		Config:     model.TriggerConfig{Token: "tok-un"},
	}
	require.NoError(t, st.CreateTrigger(ctx, trig))
	require.NoError(t, r.Register(ctx, trig))

	r.Unregister(trig.ID)
	r.Unregister(trig.ID) // idempotent

	_, err := r.HandleWebhook(ctx, "tok-un", http.Header{}, nil)
	require.Error(t, err)
	assert.Equal(t, 0, rec.count())
}

func TestRateLimiterReplacesBucketOnConfigChange(t *testing.T) {
	rl := NewRateLimiter()
	limit := &model.RateLimit{Requests: 1, Window: time.Minute}

	assert.True(t, rl.Allow("wf", limit))
	assert.False(t, rl.Allow("wf", limit))

	// Raising the limit rebuilds the bucket with fresh tokens.
	assert.True(t, rl.Allow("wf", &model.RateLimit{Requests: 5, Window: time.Minute}))
}
