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

package api

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/watchflow/internal/manager"
	"github.com/tombee/watchflow/internal/metrics"
	"github.com/tombee/watchflow/internal/model"
	"github.com/tombee/watchflow/internal/store"
	"github.com/tombee/watchflow/pkg/browser"
	"github.com/tombee/watchflow/pkg/events"
)

type apiEnv struct {
	server  *Server
	manager *manager.Manager
	store   *store.Store
	bus     *events.Bus
	http    *httptest.Server
}

func newAPIEnv(t *testing.T) *apiEnv {
	t.Helper()
	bus := events.New()
	st, err := store.Open(store.Config{Path: ":memory:"}, bus)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	m := manager.New(manager.Config{}, st, bus, browser.NewStub(), nil, nil, nil)
	srv := NewServer(m, bus, metrics.New(), nil)
	srv.Start()
	t.Cleanup(srv.Stop)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	return &apiEnv{server: srv, manager: m, store: st, bus: bus, http: ts}
}

// registerWebhook creates a workflow with a secret-bearing webhook trigger
// and returns the allocated token.
func (env *apiEnv) registerWebhook(t *testing.T, secret string, limit *model.RateLimit) string {
	t.Helper()
	ctx := context.Background()

	wf := &model.Workflow{Name: "hooked", PlaybookID: "pb", RateLimit: limit}
	require.NoError(t, env.manager.CreateWorkflow(ctx, wf, nil, nil))

	trig := &model.Trigger{
		WorkflowID: wf.ID,
		Kind:       model.TriggerWebhook,
		Enabled:    true,
		Config:     model.TriggerConfig{Secret: secret},
	}
	require.NoError(t, env.manager.RegisterTrigger(ctx, trig))
	return trig.Config.Token
}

func sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func postWebhook(t *testing.T, url string, body []byte, signature string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if signature != "" {
		req.Header.Set("X-Webhook-Signature", signature)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestWebhookAccepted(t *testing.T) {
	env := newAPIEnv(t)
	token := env.registerWebhook(t, "s3cr3t", nil)

	body := []byte(`{"x":1}`)
	resp := postWebhook(t, env.http.URL+"/workflows/webhook/"+token, body, sign("s3cr3t", body))
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	var decoded map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&decoded))
	assert.Equal(t, "accepted", decoded["status"])
	assert.NotEmpty(t, decoded["workflow_id"])
}

func TestWebhookBadSignature(t *testing.T) {
	env := newAPIEnv(t)
	token := env.registerWebhook(t, "s3cr3t", nil)

	body := []byte(`{"x":1}`)
	resp := postWebhook(t, env.http.URL+"/workflows/webhook/"+token, body, "sha256=deadbeef")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestWebhookUnknownToken(t *testing.T) {
	env := newAPIEnv(t)

	resp := postWebhook(t, env.http.URL+"/workflows/webhook/nope", []byte(`{}`), "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestWebhookRateLimited(t *testing.T) {
	env := newAPIEnv(t)
	token := env.registerWebhook(t, "s3cr3t", &model.RateLimit{Requests: 1, Window: time.Minute})

	body := []byte(`{"x":1}`)
	url := env.http.URL + "/workflows/webhook/" + token

	resp := postWebhook(t, url, body, sign("s3cr3t", body))
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	resp = postWebhook(t, url, body, sign("s3cr3t", body))
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
}

func TestHealthEndpoint(t *testing.T) {
	env := newAPIEnv(t)

	resp, err := http.Get(env.http.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestMetricsEndpoint(t *testing.T) {
	env := newAPIEnv(t)

	env.bus.Emit(context.Background(), events.RunFailed, map[string]any{"status": "failed"})

	resp, err := http.Get(env.http.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestStatsEndpoint(t *testing.T) {
	env := newAPIEnv(t)

	resp, err := http.Get(env.http.URL + "/stats")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var stats manager.Stats
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&stats))
	assert.Equal(t, 0, stats.Workflows)
}

func dialWS(t *testing.T, env *apiEnv) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(env.http.URL, "http") + "/ws"
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readEnvelope(t *testing.T, conn *websocket.Conn) envelope {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var env envelope
	require.NoError(t, conn.ReadJSON(&env))
	return env
}

func TestWebSocketGreetingAndPing(t *testing.T) {
	env := newAPIEnv(t)
	conn := dialWS(t, env)

	greeting := readEnvelope(t, conn)
	assert.Equal(t, "connected", greeting.Type)
	assert.False(t, greeting.Timestamp.IsZero())

	require.NoError(t, conn.WriteJSON(map[string]string{"type": "ping"}))
	pong := readEnvelope(t, conn)
	assert.Equal(t, "pong", pong.Type)
}

func TestWebSocketConnectDuringStop(t *testing.T) {
	// Connections arriving while the hub shuts down must either be refused
	// or greeted; a send on a channel Stop already closed would panic.
	for i := 0; i < 20; i++ {
		bus := events.New()
		st, err := store.Open(store.Config{Path: ":memory:"}, bus)
		require.NoError(t, err)

		m := manager.New(manager.Config{}, st, bus, browser.NewStub(), nil, nil, nil)
		srv := NewServer(m, bus, nil, nil)
		srv.Start()

		ts := httptest.NewServer(srv.Handler())
		wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"

		var wg sync.WaitGroup
		for j := 0; j < 4; j++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
				if resp != nil {
					resp.Body.Close()
				}
				if err == nil {
					conn.Close()
				}
			}()
		}
		srv.Stop()
		wg.Wait()

		ts.Close()
		st.Close()
		bus.Close()
	}
}

func TestWebSocketEventFanOut(t *testing.T) {
	env := newAPIEnv(t)
	conn := dialWS(t, env)

	greeting := readEnvelope(t, conn)
	require.Equal(t, "connected", greeting.Type)

	env.bus.Emit(context.Background(), events.RunCompleted, map[string]any{
		"run_id":      "r-1",
		"workflow_id": "wf-1",
	})

	ev := readEnvelope(t, conn)
	assert.Equal(t, "run:completed", ev.Type)
	assert.Equal(t, "r-1", ev.Data["run_id"])
}
