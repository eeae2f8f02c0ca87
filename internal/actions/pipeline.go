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

// Package actions executes the post-run action pipeline. Actions run
// strictly in order; each action's output is published back into the
// pipeline context under action_<id> so later actions can template from it.
package actions

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/tombee/watchflow/internal/model"
	"github.com/tombee/watchflow/internal/runner"
	"github.com/tombee/watchflow/pkg/errors"
	"github.com/tombee/watchflow/pkg/events"
)

// Agent dispatches playbook sub-tasks for run_playbook actions.
type Agent interface {
	RunPlaybook(ctx context.Context, playbookID string, input map[string]any) (map[string]any, error)
}

// EmailSender delivers notify actions with the email subtype.
type EmailSender interface {
	Send(ctx context.Context, to []string, subject, body string) error
}

// Config contains pipeline configuration.
type Config struct {
	// ExportDir is the base directory for export action destinations.
	ExportDir string `yaml:"export_dir"`

	// ScriptTimeout bounds sandboxed script execution. Zero means 5s.
	ScriptTimeout time.Duration `yaml:"script_timeout"`
}

// Pipeline executes a workflow's ordered action list after a successful run.
type Pipeline struct {
	cfg    Config
	bus    *events.Bus
	logger *slog.Logger
	client *http.Client
	eval   *runner.Evaluator

	agent Agent
	email EmailSender
}

// New creates a pipeline. Agent and email sender are optional; actions
// requiring an absent collaborator fail with a validation error.
func New(cfg Config, bus *events.Bus, agent Agent, email EmailSender, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ScriptTimeout <= 0 {
		cfg.ScriptTimeout = 5 * time.Second
	}
	return &Pipeline{
		cfg:    cfg,
		bus:    bus,
		logger: logger.With(slog.String("component", "actions")),
		client: &http.Client{Timeout: 30 * time.Second},
		eval:   runner.NewEvaluator(),
		agent:  agent,
		email:  email,
	}
}

// pipelineContext carries the mutable template context across actions.
type pipelineContext struct {
	mu   sync.RWMutex
	vars map[string]any
}

func newPipelineContext(seed map[string]any) *pipelineContext {
	vars := make(map[string]any, len(seed))
	for k, v := range seed {
		vars[k] = v
	}
	return &pipelineContext{vars: vars}
}

func (pc *pipelineContext) snapshot() map[string]any {
	pc.mu.RLock()
	defer pc.mu.RUnlock()
	out := make(map[string]any, len(pc.vars))
	for k, v := range pc.vars {
		out[k] = v
	}
	return out
}

func (pc *pipelineContext) set(key string, value any) {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	pc.vars[key] = value
}

// Run executes the actions in order. Disabled actions record a skipped
// result. A failed action aborts the remainder unless continue_on_error is
// set on it. The returned results cover every action reached.
func (p *Pipeline) Run(ctx context.Context, workflowID, runID string, acts []*model.Action, seed map[string]any) ([]model.ActionResult, error) {
	pc := newPipelineContext(seed)
	results := make([]model.ActionResult, 0, len(acts))

	for _, a := range acts {
		if !a.Enabled {
			results = append(results, model.ActionResult{
				ActionID: a.ID,
				Kind:     a.Kind,
				Status:   "skipped",
			})
			continue
		}

		result := p.runAction(ctx, runID, a, pc)
		results = append(results, result)

		if result.Status == "failed" {
			if a.ContinueOnErr {
				continue
			}
			return results, &errors.ActionError{
				ActionID: a.ID,
				Kind:     string(a.Kind),
				Attempts: result.Attempts,
				Cause:    errors.New(result.Error),
			}
		}

		pc.set("action_"+a.ID, result.Output)
	}
	return results, nil
}

// runAction executes one action with the retry policy it carries.
func (p *Pipeline) runAction(ctx context.Context, runID string, a *model.Action, pc *pipelineContext) model.ActionResult {
	started := time.Now()
	result := model.ActionResult{ActionID: a.ID, Kind: a.Kind}

	attempts := 0
	if a.RetryOnFailure {
		attempts = a.RetryAttempts
	}
	delay := a.RetryDelay
	if delay <= 0 {
		delay = time.Second
	}

	var output map[string]any
	var err error
	for attempt := 0; ; attempt++ {
		output, err = p.dispatch(ctx, a, pc)
		result.Attempts = attempt + 1
		if err == nil || attempt >= attempts || ctx.Err() != nil {
			break
		}
		select {
		case <-ctx.Done():
			err = ctx.Err()
		case <-time.After(delay * time.Duration(1<<attempt)):
			continue
		}
		break
	}

	result.Duration = time.Since(started)
	if err != nil {
		result.Status = "failed"
		result.Error = err.Error()
		p.emit(ctx, events.ActionFailed, runID, a, map[string]any{"error": err.Error()})
		return result
	}

	result.Status = "success"
	result.Output = output
	p.emit(ctx, events.ActionCompleted, runID, a, nil)
	return result
}

func (p *Pipeline) dispatch(ctx context.Context, a *model.Action, pc *pipelineContext) (map[string]any, error) {
	switch a.Kind {
	case model.ActionRunPlaybook:
		return p.execRunPlaybook(ctx, a, pc)
	case model.ActionNotify:
		return p.execNotify(ctx, a, pc)
	case model.ActionCreatePR:
		return p.execCreatePR(ctx, a, pc)
	case model.ActionWebhook:
		return p.execWebhook(ctx, a, pc)
	case model.ActionExport:
		return p.execExport(ctx, a, pc)
	case model.ActionScript:
		return p.execScript(ctx, a, pc)
	case model.ActionIntegration:
		return p.execIntegration(ctx, a, pc)
	case model.ActionConditional:
		return p.execConditional(ctx, a, pc)
	case model.ActionLoop:
		return p.execLoop(ctx, a, pc)
	case model.ActionDelay:
		return p.execDelay(ctx, a, pc)
	}
	return nil, &errors.ValidationError{
		Field:   "kind",
		Message: "unknown action kind: " + string(a.Kind),
	}
}

func (p *Pipeline) emit(ctx context.Context, t events.Type, runID string, a *model.Action, extra map[string]any) {
	if p.bus == nil {
		return
	}
	data := map[string]any{
		"run_id":    runID,
		"action_id": a.ID,
		"kind":      string(a.Kind),
	}
	for k, v := range extra {
		data[k] = v
	}
	p.bus.Emit(ctx, t, data)
}
