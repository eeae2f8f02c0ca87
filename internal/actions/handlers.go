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
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/dop251/goja"

	"github.com/tombee/watchflow/internal/model"
	"github.com/tombee/watchflow/internal/runner"
	"github.com/tombee/watchflow/pkg/errors"
	"github.com/tombee/watchflow/pkg/events"
	"github.com/tombee/watchflow/pkg/template"
)

func cfgString(a *model.Action, pc *pipelineContext, key string) string {
	v, ok := a.Config[key]
	if !ok {
		return ""
	}
	return template.Resolve(fmt.Sprint(v), pc.snapshot())
}

func (p *Pipeline) execRunPlaybook(ctx context.Context, a *model.Action, pc *pipelineContext) (map[string]any, error) {
	if p.agent == nil {
		return nil, &errors.ValidationError{
			Field:   "kind",
			Message: "run_playbook requires an agent backend",
		}
	}
	playbookID := cfgString(a, pc, "playbook_id")
	if playbookID == "" {
		return nil, &errors.ValidationError{Field: "playbook_id", Message: "run_playbook requires a playbook id"}
	}

	input, _ := template.ResolveValue(a.Config["input"], pc.snapshot()).(map[string]any)
	output, err := p.agent.RunPlaybook(ctx, playbookID, input)
	if err != nil {
		return nil, err
	}
	return map[string]any{"playbook_id": playbookID, "output": output}, nil
}

func (p *Pipeline) execWebhook(ctx context.Context, a *model.Action, pc *pipelineContext) (map[string]any, error) {
	url := cfgString(a, pc, "url")
	if url == "" {
		return nil, &errors.ValidationError{Field: "url", Message: "webhook action requires a url"}
	}
	method := strings.ToUpper(cfgString(a, pc, "method"))
	if method == "" {
		method = http.MethodPost
	}

	var body io.Reader
	if raw, ok := a.Config["body"]; ok {
		resolved := template.ResolveValue(raw, pc.snapshot())
		encoded, err := json.Marshal(resolved)
		if err != nil {
			return nil, err
		}
		body = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, &errors.ExternalError{Source: "webhook", Message: "request failed", Cause: err}
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<20))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &errors.ExternalError{
			Source:     "webhook",
			StatusCode: resp.StatusCode,
			Message:    "webhook returned non-2xx status",
		}
	}
	return map[string]any{"status": resp.StatusCode, "url": url}, nil
}

func (p *Pipeline) execExport(ctx context.Context, a *model.Action, pc *pipelineContext) (map[string]any, error) {
	format := strings.ToLower(cfgString(a, pc, "format"))
	dest := cfgString(a, pc, "destination")
	if dest == "" {
		return nil, &errors.ValidationError{Field: "destination", Message: "export action requires a destination path"}
	}

	var payload any = pc.snapshot()
	if ref, ok := a.Config["source"].(string); ok && ref != "" {
		v, found := template.Lookup(pc.snapshot(), ref)
		if !found {
			return nil, &errors.ValidationError{Field: "source", Message: "unknown export source: " + ref}
		}
		payload = v
	}

	var encoded []byte
	var err error
	switch format {
	case "", "json":
		format = "json"
		encoded, err = json.MarshalIndent(payload, "", "  ")
	case "csv":
		encoded, err = encodeCSV(payload)
	case "xlsx", "pdf":
		return nil, &errors.ValidationError{
			Field:      "format",
			Message:    format + " export is not supported",
			Suggestion: "use json or csv",
		}
	default:
		return nil, &errors.ValidationError{Field: "format", Message: "unknown export format: " + format}
	}
	if err != nil {
		return nil, err
	}

	path := dest
	if p.cfg.ExportDir != "" && !filepath.IsAbs(dest) {
		path = filepath.Join(p.cfg.ExportDir, dest)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, encoded, 0o644); err != nil {
		return nil, err
	}
	return map[string]any{"format": format, "path": path, "size": len(encoded)}, nil
}

// encodeCSV accepts a map (one row, sorted columns) or a list of maps
// (shared sorted header).
func encodeCSV(payload any) ([]byte, error) {
	var rows []map[string]any
	switch v := payload.(type) {
	case map[string]any:
		rows = []map[string]any{v}
	case []any:
		for _, item := range v {
			m, ok := item.(map[string]any)
			if !ok {
				return nil, &errors.ValidationError{Field: "source", Message: "csv export requires objects"}
			}
			rows = append(rows, m)
		}
	default:
		return nil, &errors.ValidationError{Field: "source", Message: "csv export requires an object or list of objects"}
	}

	headerSet := make(map[string]bool)
	for _, row := range rows {
		for k := range row {
			headerSet[k] = true
		}
	}
	header := make([]string, 0, len(headerSet))
	for k := range headerSet {
		header = append(header, k)
	}
	sort.Strings(header)

	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(header); err != nil {
		return nil, err
	}
	for _, row := range rows {
		record := make([]string, len(header))
		for i, col := range header {
			if v, ok := row[col]; ok && v != nil {
				record[i] = fmt.Sprint(v)
			}
		}
		if err := w.Write(record); err != nil {
			return nil, err
		}
	}
	w.Flush()
	return buf.Bytes(), w.Error()
}

// execScript runs inlined JavaScript. The sandbox has no host bindings
// beyond the read-only context value, and execution is interrupted at the
// configured wall-clock limit.
func (p *Pipeline) execScript(ctx context.Context, a *model.Action, pc *pipelineContext) (map[string]any, error) {
	source, _ := a.Config["script"].(string)
	if source == "" {
		return nil, &errors.ValidationError{Field: "script", Message: "script action requires script source"}
	}

	vm := goja.New()
	if err := vm.Set("context", pc.snapshot()); err != nil {
		return nil, err
	}

	timeout := p.cfg.ScriptTimeout
	if d := cfgString(a, pc, "timeout"); d != "" {
		if parsed, err := time.ParseDuration(d); err == nil && parsed > 0 {
			timeout = parsed
		}
	}

	timer := time.AfterFunc(timeout, func() {
		vm.Interrupt("script timed out")
	})
	defer timer.Stop()

	value, err := vm.RunString(source)
	if err != nil {
		if _, interrupted := err.(*goja.InterruptedError); interrupted {
			return nil, &errors.TimeoutError{Operation: "script", Duration: timeout, Cause: err}
		}
		return nil, &errors.ExternalError{Source: "script", Message: "script failed", Cause: err}
	}

	return map[string]any{"result": value.Export()}, nil
}

// execIntegration publishes integration:execute and collects the handler's
// reply through the callback. Emit is synchronous, so any subscribed
// handler has responded by the time it returns.
func (p *Pipeline) execIntegration(ctx context.Context, a *model.Action, pc *pipelineContext) (map[string]any, error) {
	name := cfgString(a, pc, "name")
	if name == "" {
		return nil, &errors.ValidationError{Field: "name", Message: "integration action requires a name"}
	}
	if p.bus == nil || p.bus.SubscriberCount(events.IntegrationExecute) == 0 {
		return nil, &errors.ExternalError{
			Source:  "integration",
			Message: "no handler registered for integration events",
		}
	}

	reply := make(chan map[string]any, 1)
	callback := func(result map[string]any) {
		select {
		case reply <- result:
		default:
		}
	}

	p.bus.Emit(ctx, events.IntegrationExecute, map[string]any{
		"name":     name,
		"config":   template.ResolveValue(a.Config["config"], pc.snapshot()),
		"context":  pc.snapshot(),
		"callback": callback,
	})

	select {
	case result := <-reply:
		return map[string]any{"name": name, "result": result}, nil
	default:
		return map[string]any{"name": name, "result": nil}, nil
	}
}

// execConditional evaluates the condition and recursively dispatches the
// if_true or if_false action body.
func (p *Pipeline) execConditional(ctx context.Context, a *model.Action, pc *pipelineContext) (map[string]any, error) {
	matched, err := p.evaluateCondition(a.Config, pc)
	if err != nil {
		return nil, err
	}

	branchKey := "if_false"
	if matched {
		branchKey = "if_true"
	}
	branch, ok := a.Config[branchKey].(map[string]any)
	if !ok {
		return map[string]any{"result": matched, "dispatched": false}, nil
	}

	nested, err := inlineAction(a.ID+"."+branchKey, branch)
	if err != nil {
		return nil, err
	}
	output, err := p.dispatch(ctx, nested, pc)
	if err != nil {
		return nil, err
	}
	return map[string]any{"result": matched, "dispatched": true, "output": output}, nil
}

func (p *Pipeline) evaluateCondition(cfg map[string]any, pc *pipelineContext) (bool, error) {
	vars := pc.snapshot()
	if expression, ok := cfg["expression"].(string); ok && expression != "" {
		return p.eval.Evaluate(expression, vars)
	}
	name, _ := cfg["variable"].(string)
	operator, _ := cfg["operator"].(string)
	if name == "" || operator == "" {
		return false, &errors.ValidationError{
			Field:   "config",
			Message: "conditional requires expression or variable/operator/value",
		}
	}
	value, _ := template.Lookup(vars, name)
	return runner.EvaluateComparison(value, operator, template.ResolveValue(cfg["value"], vars))
}

// execLoop iterates items, dispatching the nested action body per item
// with item and index exposed to templates.
func (p *Pipeline) execLoop(ctx context.Context, a *model.Action, pc *pipelineContext) (map[string]any, error) {
	items, err := p.loopItems(a, pc)
	if err != nil {
		return nil, err
	}
	body, ok := a.Config["action"].(map[string]any)
	if !ok {
		return nil, &errors.ValidationError{Field: "action", Message: "loop action requires a nested action body"}
	}

	var results []any
	for i, item := range items {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		pc.set("index", i)
		pc.set("item", item)

		nested, err := inlineAction(fmt.Sprintf("%s[%d]", a.ID, i), body)
		if err != nil {
			return nil, err
		}
		output, err := p.dispatch(ctx, nested, pc)
		if err != nil {
			return nil, fmt.Errorf("loop iteration %d: %w", i, err)
		}
		results = append(results, output)
	}
	return map[string]any{"iterations": len(items), "results": results}, nil
}

func (p *Pipeline) loopItems(a *model.Action, pc *pipelineContext) ([]any, error) {
	if inline, ok := a.Config["items"].([]any); ok {
		return inline, nil
	}
	if ref, ok := a.Config["items"].(string); ok && ref != "" {
		v, found := template.Lookup(pc.snapshot(), ref)
		if !found {
			return nil, &errors.ValidationError{Field: "items", Message: "unknown items reference: " + ref}
		}
		items, ok := v.([]any)
		if !ok {
			return nil, &errors.ValidationError{Field: "items", Message: "items reference is not a list: " + ref}
		}
		return items, nil
	}
	return nil, &errors.ValidationError{Field: "items", Message: "loop action requires items"}
}

func (p *Pipeline) execDelay(ctx context.Context, a *model.Action, pc *pipelineContext) (map[string]any, error) {
	ms := 0
	switch v := a.Config["duration"].(type) {
	case float64:
		ms = int(v)
	case int:
		ms = v
	}
	if ms <= 0 {
		return nil, &errors.ValidationError{Field: "duration", Message: "delay requires a positive millisecond duration"}
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(time.Duration(ms) * time.Millisecond):
		return map[string]any{"duration_ms": ms}, nil
	}
}

// inlineAction materializes a nested action body into an Action for
// dispatch. Nested bodies carry kind plus config.
func inlineAction(id string, body map[string]any) (*model.Action, error) {
	kind, _ := body["kind"].(string)
	if kind == "" {
		return nil, &errors.ValidationError{Field: "kind", Message: "nested action requires a kind"}
	}
	cfg, _ := body["config"].(map[string]any)
	return &model.Action{
		ID:      id,
		Kind:    model.ActionKind(kind),
		Enabled: true,
		Config:  cfg,
	}, nil
}
