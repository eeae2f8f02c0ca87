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

package runner

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/tombee/watchflow/internal/model"
	"github.com/tombee/watchflow/pkg/errors"
	"github.com/tombee/watchflow/pkg/template"
)

// stepFunc executes one step kind against the run context.
type stepFunc func(ctx context.Context, r *Runner, ec *ExecutionContext, step *model.Step) (map[string]any, error)

// stepRegistry maps step kinds to their executors. Loop steps are handled
// by the executor itself because they recurse into child steps.
var stepRegistry = map[model.StepKind]stepFunc{
	model.StepNavigate:   execNavigate,
	model.StepWait:       execWait,
	model.StepClick:      execClick,
	model.StepFill:       execFill,
	model.StepExtract:    execExtract,
	model.StepCondition:  execCondition,
	model.StepScreenshot: execScreenshot,
	model.StepAPI:        execAPI,
	model.StepStore:      execStore,
}

func configString(step *model.Step, ec *ExecutionContext, key string) string {
	v, ok := step.Config[key]
	if !ok {
		return ""
	}
	return template.Resolve(fmt.Sprint(v), ec.Snapshot())
}

func execNavigate(ctx context.Context, r *Runner, ec *ExecutionContext, step *model.Step) (map[string]any, error) {
	url := configString(step, ec, "url")
	if url == "" {
		return nil, &errors.ValidationError{Field: "url", Message: "navigate step requires a url"}
	}

	tab, err := ec.Tab(ctx)
	if err != nil {
		return nil, err
	}
	if err := tab.Navigate(ctx, url); err != nil {
		return nil, err
	}
	if err := tab.WaitIdle(ctx); err != nil {
		return nil, err
	}
	return map[string]any{"url": url, "timestamp": time.Now().UTC().Format(time.RFC3339)}, nil
}

func execWait(ctx context.Context, r *Runner, ec *ExecutionContext, step *model.Step) (map[string]any, error) {
	if selector := configString(step, ec, "selector"); selector != "" {
		tab, err := ec.Tab(ctx)
		if err != nil {
			return nil, err
		}
		if err := tab.WaitForSelector(ctx, selector); err != nil {
			return nil, err
		}
		return map[string]any{}, nil
	}

	d, err := configDuration(step.Config["duration"])
	if err != nil {
		return nil, err
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(d):
		return map[string]any{}, nil
	}
}

func execClick(ctx context.Context, r *Runner, ec *ExecutionContext, step *model.Step) (map[string]any, error) {
	selector := configString(step, ec, "selector")
	if selector == "" {
		return nil, &errors.ValidationError{Field: "selector", Message: "click step requires a selector"}
	}
	tab, err := ec.Tab(ctx)
	if err != nil {
		return nil, err
	}
	if err := tab.Click(ctx, selector); err != nil {
		return nil, err
	}
	return map[string]any{"selector": selector}, nil
}

func execFill(ctx context.Context, r *Runner, ec *ExecutionContext, step *model.Step) (map[string]any, error) {
	fields, ok := step.Config["fields"].(map[string]any)
	if !ok || len(fields) == 0 {
		return nil, &errors.ValidationError{Field: "fields", Message: "fill step requires a fields map"}
	}
	tab, err := ec.Tab(ctx)
	if err != nil {
		return nil, err
	}
	vars := ec.Snapshot()
	for selector, value := range fields {
		resolved := template.Resolve(fmt.Sprint(value), vars)
		if err := tab.Type(ctx, selector, resolved); err != nil {
			return nil, err
		}
	}
	return map[string]any{"count": len(fields)}, nil
}

func execExtract(ctx context.Context, r *Runner, ec *ExecutionContext, step *model.Step) (map[string]any, error) {
	targets, ok := step.Config["targets"].(map[string]any)
	if !ok || len(targets) == 0 {
		return nil, &errors.ValidationError{
			Field:      "targets",
			Message:    "extract step requires a name to selector map",
			Suggestion: `e.g. {"price": ".price-tag", "title": "h1"}`,
		}
	}
	tab, err := ec.Tab(ctx)
	if err != nil {
		return nil, err
	}

	out := make(map[string]any, len(targets))
	for name, sel := range targets {
		text, err := tab.Text(ctx, fmt.Sprint(sel))
		if err != nil {
			return nil, &errors.StepError{StepID: step.ID, Kind: string(step.Kind), Cause: err}
		}
		out[name] = text
		ec.Record(name, text)
	}
	return out, nil
}

func execCondition(ctx context.Context, r *Runner, ec *ExecutionContext, step *model.Step) (map[string]any, error) {
	vars := ec.Snapshot()

	if expression, ok := step.Config["expression"].(string); ok && expression != "" {
		result, err := r.eval.Evaluate(expression, vars)
		if err != nil {
			return nil, err
		}
		return map[string]any{"result": result}, nil
	}

	name, _ := step.Config["variable"].(string)
	operator, _ := step.Config["operator"].(string)
	if name == "" || operator == "" {
		return nil, &errors.ValidationError{
			Field:      "config",
			Message:    "condition step requires expression or variable/operator/value",
		}
	}
	variable := vars[name]
	result, err := EvaluateComparison(variable, operator, template.ResolveValue(step.Config["value"], vars))
	if err != nil {
		return nil, err
	}
	return map[string]any{"result": result}, nil
}

func execScreenshot(ctx context.Context, r *Runner, ec *ExecutionContext, step *model.Step) (map[string]any, error) {
	tab, err := ec.Tab(ctx)
	if err != nil {
		return nil, err
	}
	img, err := tab.Screenshot(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]any{"image": base64.StdEncoding.EncodeToString(img)}, nil
}

func execAPI(ctx context.Context, r *Runner, ec *ExecutionContext, step *model.Step) (map[string]any, error) {
	url := configString(step, ec, "url")
	if url == "" {
		return nil, &errors.ValidationError{Field: "url", Message: "api step requires a url"}
	}
	method := strings.ToUpper(configString(step, ec, "method"))
	if method == "" {
		method = http.MethodGet
	}

	var body io.Reader
	if raw, ok := step.Config["body"]; ok {
		resolved := template.ResolveValue(raw, ec.Snapshot())
		encoded, err := json.Marshal(resolved)
		if err != nil {
			return nil, err
		}
		body = strings.NewReader(string(encoded))
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if headers, ok := step.Config["headers"].(map[string]any); ok {
		vars := ec.Snapshot()
		for k, v := range headers {
			req.Header.Set(k, template.Resolve(fmt.Sprint(v), vars))
		}
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, &errors.ExternalError{Source: "api", Message: "request failed", Cause: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, err
	}

	var parsed any = string(raw)
	var doc any
	if json.Unmarshal(raw, &doc) == nil {
		parsed = doc
	}
	return map[string]any{"status": resp.StatusCode, "body": parsed}, nil
}

func execStore(ctx context.Context, r *Runner, ec *ExecutionContext, step *model.Step) (map[string]any, error) {
	name, _ := step.Config["variable"].(string)
	if name == "" {
		return nil, &errors.ValidationError{Field: "variable", Message: "store step requires a variable name"}
	}

	var value any
	if source, ok := step.Config["source"].(string); ok && source != "" {
		value, _ = ec.Get(source)
	} else {
		value = template.ResolveValue(step.Config["value"], ec.Snapshot())
	}

	ec.Set(name, value)
	return map[string]any{"variable": name, "value": value}, nil
}

// configDuration accepts a millisecond count or a Go duration string.
func configDuration(v any) (time.Duration, error) {
	switch val := v.(type) {
	case float64:
		return time.Duration(val) * time.Millisecond, nil
	case int:
		return time.Duration(val) * time.Millisecond, nil
	case int64:
		return time.Duration(val) * time.Millisecond, nil
	case string:
		if d, err := time.ParseDuration(val); err == nil {
			return d, nil
		}
	}
	return 0, &errors.ValidationError{
		Field:      "duration",
		Message:    "invalid duration",
		Suggestion: "use a millisecond count or a duration string like 2s",
	}
}
