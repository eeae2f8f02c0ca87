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

// Package runner executes playbook step DAGs. Steps whose dependencies have
// all succeeded run concurrently up to a per-run cap; failures retry with
// exponential backoff before failing the run.
package runner

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/tombee/watchflow/internal/model"
	"github.com/tombee/watchflow/pkg/browser"
	"github.com/tombee/watchflow/pkg/errors"
	"github.com/tombee/watchflow/pkg/events"
)

// DefaultMaxConcurrentSteps caps sibling steps running at once.
const DefaultMaxConcurrentSteps = 5

// Config contains runner configuration.
type Config struct {
	// MaxConcurrentSteps caps parallel ready steps per run. Zero means the
	// default.
	MaxConcurrentSteps int `yaml:"max_concurrent_steps"`
}

// Result is the outcome of executing a playbook.
type Result struct {
	Status      model.RunStatus
	StepResults map[string]*model.StepResult
	Extracted   map[string]any
	Err         error
}

// Runner executes step DAGs against browser tabs.
type Runner struct {
	browser  browser.Browser
	bus      *events.Bus
	logger   *slog.Logger
	eval     *Evaluator
	client   *http.Client
	tracer   trace.Tracer
	maxSteps int

	mu      sync.Mutex
	cancels map[string]*runHandle
}

type runHandle struct {
	cancel    context.CancelFunc
	cancelled bool
}

// New creates a runner.
func New(cfg Config, b browser.Browser, bus *events.Bus, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	maxSteps := cfg.MaxConcurrentSteps
	if maxSteps <= 0 {
		maxSteps = DefaultMaxConcurrentSteps
	}
	return &Runner{
		browser:  b,
		bus:      bus,
		logger:   logger.With(slog.String("component", "runner")),
		eval:     NewEvaluator(),
		client:   &http.Client{Timeout: 30 * time.Second},
		tracer:   otel.Tracer("watchflow/runner"),
		maxSteps: maxSteps,
	}
}

// Cancel aborts the run's in-flight steps. The resulting status is
// cancelled rather than failed. Unknown run ids are ignored.
func (r *Runner) Cancel(runID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if h, ok := r.cancels[runID]; ok {
		h.cancelled = true
		h.cancel()
	}
}

// Execute runs the playbook's step DAG under the workflow's execution
// limits. The tab is closed on every exit path.
func (r *Runner) Execute(ctx context.Context, wf *model.Workflow, runID string, pb *model.Playbook, seed map[string]any) *Result {
	timeout := wf.Execution.Timeout
	if timeout <= 0 {
		timeout = model.DefaultExecutionConfig().Timeout
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	handle := &runHandle{cancel: cancel}
	r.mu.Lock()
	if r.cancels == nil {
		r.cancels = make(map[string]*runHandle)
	}
	r.cancels[runID] = handle
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		delete(r.cancels, runID)
		r.mu.Unlock()
	}()

	runCtx, span := r.tracer.Start(runCtx, "run.execute",
		trace.WithAttributes(
			attribute.String("workflow.id", wf.ID),
			attribute.String("run.id", runID),
		))
	defer span.End()

	ec := NewExecutionContext(r.browser, seed)
	defer ec.CloseTab()

	results, err := r.executeDAG(runCtx, wf, runID, pb.Steps, ec)

	res := &Result{
		StepResults: results,
		Extracted:   ec.Extracted(),
	}
	switch {
	case err == nil:
		res.Status = model.RunSuccess
	case handle.cancelled:
		res.Status = model.RunCancelled
		res.Err = err
	case runCtx.Err() == context.DeadlineExceeded:
		res.Status = model.RunTimeout
		res.Err = &errors.TimeoutError{Operation: "run", Duration: timeout, Cause: err}
	default:
		res.Status = model.RunFailed
		res.Err = err
	}
	return res
}

// executeDAG drives the ready-set loop. The DAG is validated before any
// step runs, so a cyclic playbook fails without side effects.
func (r *Runner) executeDAG(ctx context.Context, wf *model.Workflow, runID string, steps []model.Step, ec *ExecutionContext) (map[string]*model.StepResult, error) {
	results := make(map[string]*model.StepResult, len(steps))
	if len(steps) == 0 {
		return results, nil
	}
	if err := validateDAG(steps); err != nil {
		return results, err
	}

	type outcome struct {
		step   *model.Step
		result *model.StepResult
		err    error
	}

	var (
		mu        sync.Mutex
		running   = make(map[string]bool)
		done      = make(map[string]bool)
		outcomeCh = make(chan outcome, len(steps))
		inFlight  = 0
	)
	byID := make(map[string]*model.Step, len(steps))
	for i := range steps {
		byID[steps[i].ID] = &steps[i]
	}

	ready := func() []*model.Step {
		var out []*model.Step
		for i := range steps {
			s := &steps[i]
			if running[s.ID] || done[s.ID] {
				continue
			}
			ok := true
			for _, dep := range s.Dependencies {
				if !done[dep] {
					ok = false
					break
				}
			}
			if ok {
				out = append(out, s)
			}
		}
		return out
	}

	for {
		mu.Lock()
		if len(done) == len(steps) {
			mu.Unlock()
			return results, nil
		}

		for _, s := range ready() {
			if inFlight >= r.maxSteps {
				break
			}
			running[s.ID] = true
			inFlight++
			step := s
			go func() {
				result, err := r.runStep(ctx, wf, runID, step, ec)
				outcomeCh <- outcome{step: step, result: result, err: err}
			}()
		}
		stuck := inFlight == 0
		mu.Unlock()

		if stuck {
			// Validation catches static cycles; this guards dynamic
			// stalls such as dependencies on failed loop children.
			return results, &errors.ValidationError{
				Field:   "steps",
				Message: "no step is ready and none are running",
			}
		}

		select {
		case <-ctx.Done():
			// In-flight steps observe the same context and unwind on
			// their own; record what finished.
			return results, ctx.Err()
		case o := <-outcomeCh:
			mu.Lock()
			delete(running, o.step.ID)
			done[o.step.ID] = true
			inFlight--
			results[o.step.ID] = o.result
			mu.Unlock()

			if o.err != nil {
				return results, o.err
			}
		}
	}
}

// runStep executes one step with per-step retry and backoff.
func (r *Runner) runStep(ctx context.Context, wf *model.Workflow, runID string, step *model.Step, ec *ExecutionContext) (*model.StepResult, error) {
	started := time.Now().UTC()
	result := &model.StepResult{
		StepID:    step.ID,
		Name:      step.Name,
		Kind:      step.Kind,
		Status:    model.StepRunning,
		StartedAt: &started,
	}

	r.emit(ctx, events.StepStarted, runID, step, nil)

	ctx, span := r.tracer.Start(ctx, "step."+string(step.Kind),
		trace.WithAttributes(attribute.String("step.id", step.ID)))
	defer span.End()

	attempts := wf.Execution.RetryAttempts
	delay := wf.Execution.RetryDelay
	if delay <= 0 {
		delay = model.DefaultExecutionConfig().RetryDelay
	}

	var output map[string]any
	var err error
	for attempt := 0; ; attempt++ {
		output, err = r.dispatchStep(ctx, step, ec)
		if err == nil || attempt >= attempts || ctx.Err() != nil {
			result.RetryCount = attempt
			break
		}

		r.emit(ctx, events.StepRetry, runID, step, map[string]any{
			"attempt": attempt + 1,
			"error":   err.Error(),
		})
		backoff := delay * time.Duration(1<<attempt)
		select {
		case <-ctx.Done():
			result.RetryCount = attempt
			err = ctx.Err()
		case <-time.After(backoff):
			continue
		}
		break
	}

	completed := time.Now().UTC()
	result.CompletedAt = &completed
	result.Output = output

	if err != nil {
		if ctx.Err() != nil {
			result.Status = model.StepCancelled
		} else {
			result.Status = model.StepFailed
		}
		result.Error = err.Error()
		r.emit(ctx, events.StepFailed, runID, step, map[string]any{"error": err.Error()})
		return result, &errors.StepError{
			StepID:   step.ID,
			Kind:     string(step.Kind),
			Attempts: result.RetryCount + 1,
			Cause:    err,
		}
	}

	result.Status = model.StepSuccess
	r.emit(ctx, events.StepCompleted, runID, step, nil)
	return result, nil
}

func (r *Runner) dispatchStep(ctx context.Context, step *model.Step, ec *ExecutionContext) (map[string]any, error) {
	if step.Kind == model.StepLoop {
		return r.execLoop(ctx, step, ec)
	}
	fn, ok := stepRegistry[step.Kind]
	if !ok {
		return nil, &errors.ValidationError{
			Field:   "kind",
			Message: "unknown step kind: " + string(step.Kind),
		}
	}
	return fn(ctx, r, ec, step)
}

// execLoop runs the child steps once per iteration, exposing loopIndex and
// loopItem variables. Children run sequentially inside each iteration.
func (r *Runner) execLoop(ctx context.Context, step *model.Step, ec *ExecutionContext) (map[string]any, error) {
	items, err := loopItems(step, ec)
	if err != nil {
		return nil, err
	}

	var iterations []map[string]any
	for i, item := range items {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		ec.Set("loopIndex", i)
		ec.Set("loopItem", item)

		iter := make(map[string]any, len(step.Steps))
		for j := range step.Steps {
			child := &step.Steps[j]
			out, err := r.dispatchStep(ctx, child, ec)
			if err != nil {
				return nil, fmt.Errorf("loop iteration %d, step %s: %w", i, child.ID, err)
			}
			iter[child.ID] = out
		}
		iterations = append(iterations, iter)
	}

	ec.Delete("loopIndex")
	ec.Delete("loopItem")
	return map[string]any{"iterations": len(items), "results": iterations}, nil
}

func loopItems(step *model.Step, ec *ExecutionContext) ([]any, error) {
	if n, ok := step.Config["iterations"]; ok {
		count := 0
		switch v := n.(type) {
		case float64:
			count = int(v)
		case int:
			count = v
		}
		if count <= 0 {
			return nil, &errors.ValidationError{Field: "iterations", Message: "iterations must be positive"}
		}
		items := make([]any, count)
		for i := range items {
			items[i] = i
		}
		return items, nil
	}

	if ref, ok := step.Config["collection"].(string); ok && ref != "" {
		v, exists := ec.Get(ref)
		if !exists {
			return nil, &errors.ValidationError{Field: "collection", Message: "unknown collection variable: " + ref}
		}
		items, ok := v.([]any)
		if !ok {
			return nil, &errors.ValidationError{Field: "collection", Message: "collection variable is not a list: " + ref}
		}
		return items, nil
	}

	return nil, &errors.ValidationError{
		Field:      "config",
		Message:    "loop step requires iterations or collection",
	}
}

// validateDAG rejects duplicate ids, unknown dependencies, and cycles
// before anything executes.
func validateDAG(steps []model.Step) error {
	ids := make(map[string]bool, len(steps))
	for _, s := range steps {
		if s.ID == "" {
			return &errors.ValidationError{Field: "steps", Message: "every step requires an id"}
		}
		if ids[s.ID] {
			return &errors.ValidationError{Field: "steps", Message: "duplicate step id: " + s.ID}
		}
		ids[s.ID] = true
	}

	deps := make(map[string][]string, len(steps))
	for _, s := range steps {
		for _, dep := range s.Dependencies {
			if !ids[dep] {
				return &errors.ValidationError{
					Field:   "steps",
					Message: fmt.Sprintf("step %s depends on unknown step %s", s.ID, dep),
				}
			}
			deps[s.ID] = append(deps[s.ID], dep)
		}
	}

	// Colors: 0 unvisited, 1 on stack, 2 finished.
	color := make(map[string]int, len(steps))
	var visit func(id string) bool
	visit = func(id string) bool {
		color[id] = 1
		for _, dep := range deps[id] {
			switch color[dep] {
			case 1:
				return false
			case 0:
				if !visit(dep) {
					return false
				}
			}
		}
		color[id] = 2
		return true
	}
	for _, s := range steps {
		if color[s.ID] == 0 && !visit(s.ID) {
			return &errors.ValidationError{
				Field:      "steps",
				Message:    "cyclic dependency detected in step graph",
				Suggestion: "remove the dependency cycle so the steps form a DAG",
			}
		}
	}
	return nil
}

func (r *Runner) emit(ctx context.Context, t events.Type, runID string, step *model.Step, extra map[string]any) {
	if r.bus == nil {
		return
	}
	data := map[string]any{
		"run_id":  runID,
		"step_id": step.ID,
		"kind":    string(step.Kind),
	}
	for k, v := range extra {
		data[k] = v
	}
	r.bus.Emit(ctx, t, data)
}
