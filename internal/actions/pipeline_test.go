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

package actions

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/watchflow/internal/model"
	"github.com/tombee/watchflow/pkg/errors"
	"github.com/tombee/watchflow/pkg/events"
)

func newTestPipeline(t *testing.T) (*Pipeline, *events.Bus) {
	t.Helper()
	bus := events.New()
	p := New(Config{ExportDir: t.TempDir()}, bus, nil, nil, nil)
	return p, bus
}

func enabledAction(id string, kind model.ActionKind, cfg map[string]any) *model.Action {
	return &model.Action{ID: id, Kind: kind, Enabled: true, Config: cfg}
}

func TestPipelineOrderAndTemplating(t *testing.T) {
	p, _ := newTestPipeline(t)
	ctx := context.Background()

	var received []map[string]any
	var mu sync.Mutex
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		json.NewDecoder(r.Body).Decode(&body)
		mu.Lock()
		received = append(received, body)
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	acts := []*model.Action{
		enabledAction("first", model.ActionWebhook, map[string]any{
			"url":  srv.URL,
			"body": map[string]any{"price": "{{price}}"},
		}),
		enabledAction("second", model.ActionWebhook, map[string]any{
			"url":  srv.URL,
			"body": map[string]any{"prior_status": "{{action_first.status}}"},
		}),
	}

	results, err := p.Run(ctx, "wf", "run", acts, map[string]any{"price": "129.99"})
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "success", results[0].Status)
	assert.Equal(t, "success", results[1].Status)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, received, 2)
	assert.Equal(t, "129.99", received[0]["price"])
	// The second action templates from the first action's output.
	assert.Equal(t, float64(200), received[1]["prior_status"])
}

func TestPipelineDisabledSkipped(t *testing.T) {
	p, _ := newTestPipeline(t)

	acts := []*model.Action{
		{ID: "off", Kind: model.ActionDelay, Enabled: false, Config: map[string]any{"duration": 1}},
		enabledAction("on", model.ActionDelay, map[string]any{"duration": 1}),
	}

	results, err := p.Run(context.Background(), "wf", "run", acts, nil)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "skipped", results[0].Status)
	assert.Equal(t, "success", results[1].Status)
}

func TestPipelineAbortsOnFailure(t *testing.T) {
	p, _ := newTestPipeline(t)

	acts := []*model.Action{
		enabledAction("bad", model.ActionWebhook, map[string]any{"url": "http://127.0.0.1:1/unreachable"}),
		enabledAction("after", model.ActionDelay, map[string]any{"duration": 1}),
	}

	results, err := p.Run(context.Background(), "wf", "run", acts, nil)
	require.Error(t, err)
	var actionErr *errors.ActionError
	require.True(t, errors.As(err, &actionErr))
	assert.Equal(t, "bad", actionErr.ActionID)
	// The pipeline stopped before the second action.
	require.Len(t, results, 1)
	assert.Equal(t, "failed", results[0].Status)
}

func TestPipelineContinueOnError(t *testing.T) {
	p, _ := newTestPipeline(t)

	acts := []*model.Action{
		{ID: "bad", Kind: model.ActionWebhook, Enabled: true, ContinueOnErr: true,
			Config: map[string]any{"url": "http://127.0.0.1:1/unreachable"}},
		enabledAction("after", model.ActionDelay, map[string]any{"duration": 1}),
	}

	results, err := p.Run(context.Background(), "wf", "run", acts, nil)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "failed", results[0].Status)
	assert.Equal(t, "success", results[1].Status)
}

func TestActionRetry(t *testing.T) {
	p, _ := newTestPipeline(t)

	var calls int
	var mu sync.Mutex
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		calls++
		n := calls
		mu.Unlock()
		if n < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	act := &model.Action{
		ID: "flaky", Kind: model.ActionWebhook, Enabled: true,
		RetryOnFailure: true, RetryAttempts: 3, RetryDelay: 10 * time.Millisecond,
		Config: map[string]any{"url": srv.URL},
	}

	results, err := p.Run(context.Background(), "wf", "run", []*model.Action{act}, nil)
	require.NoError(t, err)
	assert.Equal(t, "success", results[0].Status)
	assert.Equal(t, 3, results[0].Attempts)
}

func TestExportJSONAndCSV(t *testing.T) {
	dir := t.TempDir()
	p := New(Config{ExportDir: dir}, nil, nil, nil, nil)
	ctx := context.Background()
	seed := map[string]any{"price": "129.99", "name": "keyboard"}

	results, err := p.Run(ctx, "wf", "run", []*model.Action{
		enabledAction("js", model.ActionExport, map[string]any{"format": "json", "destination": "out.json"}),
		enabledAction("cs", model.ActionExport, map[string]any{"format": "csv", "destination": "out.csv"}),
	}, seed)
	require.NoError(t, err)

	raw, err := os.ReadFile(filepath.Join(dir, "out.json"))
	require.NoError(t, err)
	var decoded map[string]any
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Equal(t, "129.99", decoded["price"])

	csvRaw, err := os.ReadFile(filepath.Join(dir, "out.csv"))
	require.NoError(t, err)
	assert.Contains(t, string(csvRaw), "name,price")
	assert.Contains(t, string(csvRaw), "keyboard,129.99")

	assert.Equal(t, "json", results[0].Output["format"])
	assert.Greater(t, results[1].Output["size"], 0)
}

func TestExportRejectsUnsupportedFormats(t *testing.T) {
	p, _ := newTestPipeline(t)
	for _, format := range []string{"xlsx", "pdf"} {
		_, err := p.Run(context.Background(), "wf", "run", []*model.Action{
			enabledAction("x", model.ActionExport, map[string]any{"format": format, "destination": "out." + format}),
		}, nil)
		require.Error(t, err, format)
	}
}

func TestScriptAction(t *testing.T) {
	p, _ := newTestPipeline(t)

	results, err := p.Run(context.Background(), "wf", "run", []*model.Action{
		enabledAction("calc", model.ActionScript, map[string]any{
			"script": `var total = Number(context.price) * 3; total`,
		}),
	}, map[string]any{"price": "10.5"})
	require.NoError(t, err)
	assert.Equal(t, 31.5, results[0].Output["result"])
}

func TestScriptTimeout(t *testing.T) {
	p := New(Config{ScriptTimeout: 50 * time.Millisecond}, nil, nil, nil, nil)

	_, err := p.Run(context.Background(), "wf", "run", []*model.Action{
		enabledAction("spin", model.ActionScript, map[string]any{"script": `while (true) {}`}),
	}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "timed out")
}

func TestConditionalDispatchesBranch(t *testing.T) {
	p, _ := newTestPipeline(t)

	act := enabledAction("gate", model.ActionConditional, map[string]any{
		"variable": "stock",
		"operator": "==",
		"value":    "out",
		"if_true":  map[string]any{"kind": "delay", "config": map[string]any{"duration": 1}},
	})

	results, err := p.Run(context.Background(), "wf", "run", []*model.Action{act},
		map[string]any{"stock": "out"})
	require.NoError(t, err)
	assert.Equal(t, true, results[0].Output["result"])
	assert.Equal(t, true, results[0].Output["dispatched"])

	// False branch with no if_false body dispatches nothing.
	results, err = p.Run(context.Background(), "wf", "run", []*model.Action{act},
		map[string]any{"stock": "in"})
	require.NoError(t, err)
	assert.Equal(t, false, results[0].Output["result"])
	assert.Equal(t, false, results[0].Output["dispatched"])
}

func TestLoopAction(t *testing.T) {
	p, _ := newTestPipeline(t)

	act := enabledAction("each", model.ActionLoop, map[string]any{
		"items":  []any{"a", "b", "c"},
		"action": map[string]any{"kind": "delay", "config": map[string]any{"duration": 1}},
	})

	results, err := p.Run(context.Background(), "wf", "run", []*model.Action{act}, nil)
	require.NoError(t, err)
	assert.Equal(t, 3, results[0].Output["iterations"])
}

func TestIntegrationActionCallback(t *testing.T) {
	p, bus := newTestPipeline(t)

	unsub := bus.Subscribe(events.IntegrationExecute, func(ctx context.Context, e events.Event) {
		cb, ok := e.Data["callback"].(func(map[string]any))
		if !ok {
			return
		}
		cb(map[string]any{"handled": e.Data["name"]})
	})
	defer unsub()

	results, err := p.Run(context.Background(), "wf", "run", []*model.Action{
		enabledAction("sync", model.ActionIntegration, map[string]any{"name": "crm_update"}),
	}, nil)
	require.NoError(t, err)
	out := results[0].Output["result"].(map[string]any)
	assert.Equal(t, "crm_update", out["handled"])
}

func TestNotifySlack(t *testing.T) {
	p, _ := newTestPipeline(t)

	var payload map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&payload)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	results, err := p.Run(context.Background(), "wf", "run", []*model.Action{
		enabledAction("ping", model.ActionNotify, map[string]any{
			"subtype":     "slack",
			"webhook_url": srv.URL,
			"template":    "price changed to {{price}}",
		}),
	}, map[string]any{"price": "99"})
	require.NoError(t, err)
	assert.Equal(t, "success", results[0].Status)
	assert.Equal(t, "price changed to 99", payload["text"])
}

func TestUnresolvedPlaceholderLeftLiteral(t *testing.T) {
	p, _ := newTestPipeline(t)

	var payload map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&payload)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	_, err := p.Run(context.Background(), "wf", "run", []*model.Action{
		enabledAction("w", model.ActionWebhook, map[string]any{
			"url":  srv.URL,
			"body": map[string]any{"missing": "{{does.not.exist}}"},
		}),
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, "{{does.not.exist}}", payload["missing"])
}
