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

// Package triggers routes external and internal stimuli to workflow runs.
// The router is the single fan-in point: webhooks, API polls, internal
// events, chain completions, and conditional change triggers all pass
// through its per-workflow rate limit before a run is requested.
package triggers

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tombee/watchflow/internal/model"
	"github.com/tombee/watchflow/internal/store"
	"github.com/tombee/watchflow/pkg/errors"
	"github.com/tombee/watchflow/pkg/events"
)

// FireFunc requests a run for a workflow. The router never executes runs
// itself; the manager supplies this callback.
type FireFunc func(ctx context.Context, workflowID string, kind model.TriggerKind, triggeredBy string, payload map[string]any) error

// Router maintains the in-memory trigger indexes and dispatches firings.
type Router struct {
	store   *store.Store
	bus     *events.Bus
	logger  *slog.Logger
	limiter *RateLimiter
	fire    FireFunc
	client  *http.Client

	mu          sync.RWMutex
	byToken     map[string]*model.Trigger   // webhook token -> trigger
	byEvent     map[string][]*model.Trigger // event name -> event triggers
	byChain     map[string][]*model.Trigger // source workflow id -> chain triggers
	conditional map[string][]*model.Trigger // workflow id -> content/element/status triggers
	pollers     map[string]*poller          // trigger id -> api_poll task

	unsubscribe []func()
	wg          sync.WaitGroup
	ctx         context.Context
	cancel      context.CancelFunc
}

// New creates a router. The fire callback is required.
func New(st *store.Store, bus *events.Bus, fire FireFunc, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		store:       st,
		bus:         bus,
		logger:      logger.With(slog.String("component", "triggers")),
		limiter:     NewRateLimiter(),
		fire:        fire,
		client:      &http.Client{Timeout: 30 * time.Second},
		byToken:     make(map[string]*model.Trigger),
		byEvent:     make(map[string][]*model.Trigger),
		byChain:     make(map[string][]*model.Trigger),
		conditional: make(map[string][]*model.Trigger),
		pollers:     make(map[string]*poller),
	}
}

// Start loads persisted triggers into the indexes and subscribes to the
// internal events that drive event and chain triggers.
func (r *Router) Start(ctx context.Context) error {
	r.ctx, r.cancel = context.WithCancel(context.Background())

	persisted, err := r.store.ListTriggers(ctx, "")
	if err != nil {
		return err
	}
	for _, t := range persisted {
		if !t.Enabled {
			continue
		}
		if err := r.Register(ctx, t); err != nil {
			r.logger.Warn("failed to register trigger",
				slog.String("trigger_id", t.ID), slog.String("error", err.Error()))
		}
	}

	if r.bus != nil {
		r.unsubscribe = append(r.unsubscribe,
			r.bus.Subscribe(events.RunCompleted, r.onRunCompleted),
			r.bus.Subscribe(events.IntegrationExecute, r.onIntegrationEvent),
		)
	}

	r.logger.Info("trigger router started", slog.Int("triggers", len(persisted)))
	return nil
}

// Stop tears down pollers and bus subscriptions. Idempotent.
func (r *Router) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	for _, unsub := range r.unsubscribe {
		unsub()
	}
	r.unsubscribe = nil
	r.wg.Wait()
}

// Register indexes a trigger by kind. Webhook triggers get a token
// allocated when the config does not carry one; the token is persisted so
// restarts keep webhook URLs stable.
func (r *Router) Register(ctx context.Context, t *model.Trigger) error {
	switch t.Kind {
	case model.TriggerWebhook:
		if t.Config.Token == "" {
			t.Config.Token = uuid.NewString()
			if err := r.store.UpdateTrigger(ctx, t); err != nil {
				return err
			}
		}
		r.mu.Lock()
		r.byToken[t.Config.Token] = t
		r.mu.Unlock()
		if r.bus != nil {
			r.bus.Emit(ctx, events.WebhookRegistered, map[string]any{
				"workflow_id": t.WorkflowID,
				"trigger_id":  t.ID,
				"path":        "/workflows/webhook/" + t.Config.Token,
			})
		}

	case model.TriggerAPIPoll:
		if t.Config.Endpoint == "" {
			return &errors.ValidationError{
				Field:      "endpoint",
				Message:    "api_poll trigger requires an endpoint",
				Suggestion: "set config.endpoint to the URL to poll",
			}
		}
		p := newPoller(r, t)
		r.mu.Lock()
		if old, ok := r.pollers[t.ID]; ok {
			old.stop()
		}
		r.pollers[t.ID] = p
		r.mu.Unlock()
		r.wg.Add(1)
		go p.run(r.ctx, &r.wg)

	case model.TriggerEvent:
		if t.Config.EventName == "" {
			return &errors.ValidationError{
				Field:      "event_name",
				Message:    "event trigger requires an event name",
			}
		}
		r.mu.Lock()
		r.byEvent[t.Config.EventName] = append(r.byEvent[t.Config.EventName], t)
		r.mu.Unlock()

	case model.TriggerChain:
		if t.Config.SourceWorkflow == "" {
			return &errors.ValidationError{
				Field:      "source_workflow",
				Message:    "chain trigger requires a source workflow",
			}
		}
		r.mu.Lock()
		r.byChain[t.Config.SourceWorkflow] = append(r.byChain[t.Config.SourceWorkflow], t)
		r.mu.Unlock()

	case model.TriggerContent, model.TriggerElement, model.TriggerStatus:
		r.mu.Lock()
		r.conditional[t.WorkflowID] = append(r.conditional[t.WorkflowID], t)
		r.mu.Unlock()

	default:
		return &errors.ValidationError{
			Field:   "kind",
			Message: "unknown trigger kind: " + string(t.Kind),
		}
	}
	return nil
}

// Unregister removes a trigger from every index and stops its poller.
// Idempotent.
func (r *Router) Unregister(triggerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for token, t := range r.byToken {
		if t.ID == triggerID {
			delete(r.byToken, token)
		}
	}
	for name, list := range r.byEvent {
		r.byEvent[name] = removeTrigger(list, triggerID)
	}
	for src, list := range r.byChain {
		r.byChain[src] = removeTrigger(list, triggerID)
	}
	for wf, list := range r.conditional {
		r.conditional[wf] = removeTrigger(list, triggerID)
	}
	if p, ok := r.pollers[triggerID]; ok {
		p.stop()
		delete(r.pollers, triggerID)
	}
}

// Fire applies the per-workflow rate limit, requests a run, and updates the
// trigger's bookkeeping. A nil trigger means provenance without a persisted
// registration, as with manual firings.
func (r *Router) Fire(ctx context.Context, t *model.Trigger, workflowID string, kind model.TriggerKind, triggeredBy string, payload map[string]any) error {
	wf, err := r.store.GetWorkflow(ctx, workflowID)
	if err != nil {
		return err
	}

	if !r.limiter.Allow(workflowID, wf.RateLimit) {
		requests, window := DefaultRateRequests, DefaultRateWindow
		if wf.RateLimit != nil {
			requests, window = wf.RateLimit.Requests, wf.RateLimit.Window
		}
		if r.bus != nil {
			r.bus.Emit(ctx, events.RateLimitExceeded, map[string]any{
				"workflow_id": workflowID,
				"kind":        string(kind),
			})
		}
		r.logger.Warn("trigger rate limited",
			slog.String("workflow_id", workflowID), slog.String("kind", string(kind)))
		return &errors.RateLimitError{WorkflowID: workflowID, Limit: requests, Window: window}
	}

	if err := r.fire(ctx, workflowID, kind, triggeredBy, payload); err != nil {
		return err
	}

	if t != nil {
		now := time.Now().UTC()
		t.TriggerCount++
		t.LastTriggered = &now
		if err := r.store.UpdateTrigger(ctx, t); err != nil {
			r.logger.Warn("failed to update trigger bookkeeping",
				slog.String("trigger_id", t.ID), slog.String("error", err.Error()))
		}
	}
	return nil
}

// onRunCompleted fires chain dependents of the finished workflow.
func (r *Router) onRunCompleted(ctx context.Context, e events.Event) {
	sourceID, _ := e.Data["workflow_id"].(string)
	if sourceID == "" {
		return
	}

	r.mu.RLock()
	dependents := append([]*model.Trigger(nil), r.byChain[sourceID]...)
	r.mu.RUnlock()

	for _, t := range dependents {
		payload := map[string]any{"source_workflow": sourceID, "result": e.Data}
		if err := r.Fire(ctx, t, t.WorkflowID, model.TriggerChain, "chain:"+sourceID, payload); err != nil {
			r.logger.Warn("chain trigger failed",
				slog.String("workflow_id", t.WorkflowID), slog.String("error", err.Error()))
		}
	}
}

// onIntegrationEvent fires event triggers matching the published name and
// optional source filter.
func (r *Router) onIntegrationEvent(ctx context.Context, e events.Event) {
	name, _ := e.Data["event_name"].(string)
	source, _ := e.Data["source"].(string)
	if name == "" {
		return
	}

	r.mu.RLock()
	matched := append([]*model.Trigger(nil), r.byEvent[name]...)
	r.mu.RUnlock()

	for _, t := range matched {
		if t.Config.Source != "" && t.Config.Source != source {
			continue
		}
		if err := r.Fire(ctx, t, t.WorkflowID, model.TriggerEvent, "event:"+name, e.Data); err != nil {
			r.logger.Warn("event trigger failed",
				slog.String("workflow_id", t.WorkflowID), slog.String("error", err.Error()))
		}
	}
}

func removeTrigger(list []*model.Trigger, id string) []*model.Trigger {
	out := list[:0]
	for _, t := range list {
		if t.ID != id {
			out = append(out, t)
		}
	}
	return out
}
