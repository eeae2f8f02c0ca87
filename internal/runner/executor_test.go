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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/watchflow/internal/model"
	"github.com/tombee/watchflow/pkg/browser"
)

const productPage = `<html><head><title>Shop</title></head><body>
<h1 class="product-name">Mechanical Keyboard</h1>
<span class="price">129.99</span>
<div id="stock">in stock</div>
</body></html>`

func newTestRunner(t *testing.T) (*Runner, *browser.Stub) {
	t.Helper()
	stub := browser.NewStub()
	stub.SetPage("https://shop.example/product", productPage)
	return New(Config{}, stub, nil, nil), stub
}

func testWorkflow() *model.Workflow {
	return &model.Workflow{
		ID:        "wf-1",
		Name:      "price watch",
		Status:    model.WorkflowActive,
		Execution: model.DefaultExecutionConfig(),
	}
}

func TestExecuteLinearPlaybook(t *testing.T) {
	r, _ := newTestRunner(t)

	pb := &model.Playbook{
		ID: "pb-1",
		Steps: []model.Step{
			{ID: "open", Kind: model.StepNavigate, Config: map[string]any{"url": "https://shop.example/product"}},
			{ID: "grab", Kind: model.StepExtract, Dependencies: []string{"open"},
				Config: map[string]any{"targets": map[string]any{"price": ".price", "name": ".product-name"}}},
			{ID: "keep", Kind: model.StepStore, Dependencies: []string{"grab"},
				Config: map[string]any{"variable": "label", "value": "{{name}} at {{price}}"}},
		},
	}

	res := r.Execute(context.Background(), testWorkflow(), "run-1", pb, nil)
	require.NoError(t, res.Err)
	assert.Equal(t, model.RunSuccess, res.Status)
	require.Len(t, res.StepResults, 3)

	assert.Equal(t, model.StepSuccess, res.StepResults["grab"].Status)
	assert.Equal(t, "129.99", res.Extracted["price"])
	assert.Equal(t, "Mechanical Keyboard at 129.99",
		res.StepResults["keep"].Output["value"])
}

func TestExecuteRespectsDependencies(t *testing.T) {
	r, _ := newTestRunner(t)

	// d depends on both branches of a diamond.
	pb := &model.Playbook{Steps: []model.Step{
		{ID: "a", Kind: model.StepStore, Config: map[string]any{"variable": "a", "value": 1}},
		{ID: "b", Kind: model.StepStore, Dependencies: []string{"a"}, Config: map[string]any{"variable": "b", "value": 2}},
		{ID: "c", Kind: model.StepStore, Dependencies: []string{"a"}, Config: map[string]any{"variable": "c", "value": 3}},
		{ID: "d", Kind: model.StepCondition, Dependencies: []string{"b", "c"},
			Config: map[string]any{"expression": "b == 2 and c == 3"}},
	}}

	res := r.Execute(context.Background(), testWorkflow(), "run-2", pb, nil)
	require.NoError(t, res.Err)
	assert.Equal(t, true, res.StepResults["d"].Output["result"])
}

func TestExecuteCycleFailsWithoutRunningSteps(t *testing.T) {
	r, _ := newTestRunner(t)

	pb := &model.Playbook{Steps: []model.Step{
		{ID: "x", Kind: model.StepStore, Dependencies: []string{"y"}, Config: map[string]any{"variable": "x", "value": 1}},
		{ID: "y", Kind: model.StepStore, Dependencies: []string{"x"}, Config: map[string]any{"variable": "y", "value": 2}},
	}}

	res := r.Execute(context.Background(), testWorkflow(), "run-3", pb, nil)
	require.Error(t, res.Err)
	assert.Equal(t, model.RunFailed, res.Status)
	assert.Empty(t, res.StepResults, "no step may run when the graph is cyclic")
}

func TestExecuteUnknownDependency(t *testing.T) {
	r, _ := newTestRunner(t)
	pb := &model.Playbook{Steps: []model.Step{
		{ID: "a", Kind: model.StepStore, Dependencies: []string{"ghost"}, Config: map[string]any{"variable": "a", "value": 1}},
	}}
	res := r.Execute(context.Background(), testWorkflow(), "run-4", pb, nil)
	require.Error(t, res.Err)
}

func TestStepRetryWithBackoff(t *testing.T) {
	stub := browser.NewStub()
	r := New(Config{}, stub, nil, nil)

	wf := testWorkflow()
	wf.Execution.RetryAttempts = 2
	wf.Execution.RetryDelay = 10 * time.Millisecond

	// The page does not exist, so navigate fails on every attempt.
	pb := &model.Playbook{Steps: []model.Step{
		{ID: "open", Kind: model.StepNavigate, Config: map[string]any{"url": "https://missing.example/"}},
	}}

	res := r.Execute(context.Background(), wf, "run-5", pb, nil)
	require.Error(t, res.Err)
	assert.Equal(t, model.RunFailed, res.Status)
	require.Contains(t, res.StepResults, "open")
	assert.Equal(t, 2, res.StepResults["open"].RetryCount)
	assert.Equal(t, model.StepFailed, res.StepResults["open"].Status)
}

func TestRunTimeout(t *testing.T) {
	r, _ := newTestRunner(t)

	wf := testWorkflow()
	wf.Execution.Timeout = 50 * time.Millisecond

	pb := &model.Playbook{Steps: []model.Step{
		{ID: "sleep", Kind: model.StepWait, Config: map[string]any{"duration": 5000}},
	}}

	res := r.Execute(context.Background(), wf, "run-6", pb, nil)
	assert.Equal(t, model.RunTimeout, res.Status)
	require.Error(t, res.Err)
}

func TestCancelProducesCancelledStatus(t *testing.T) {
	r, _ := newTestRunner(t)

	pb := &model.Playbook{Steps: []model.Step{
		{ID: "sleep", Kind: model.StepWait, Config: map[string]any{"duration": 10000}},
	}}

	done := make(chan *Result, 1)
	go func() {
		done <- r.Execute(context.Background(), testWorkflow(), "run-7", pb, nil)
	}()

	// Let the run start before cancelling.
	time.Sleep(100 * time.Millisecond)
	r.Cancel("run-7")

	select {
	case res := <-done:
		assert.Equal(t, model.RunCancelled, res.Status)
	case <-time.After(5 * time.Second):
		t.Fatal("cancel did not stop the run")
	}
}

func TestLoopStepIterations(t *testing.T) {
	r, _ := newTestRunner(t)

	pb := &model.Playbook{Steps: []model.Step{
		{ID: "repeat", Kind: model.StepLoop,
			Config: map[string]any{"iterations": 3},
			Steps: []model.Step{
				{ID: "mark", Kind: model.StepStore, Config: map[string]any{"variable": "last", "value": "{{loopIndex}}"}},
			}},
	}}

	res := r.Execute(context.Background(), testWorkflow(), "run-8", pb, nil)
	require.NoError(t, res.Err)
	out := res.StepResults["repeat"].Output
	assert.Equal(t, 3, out["iterations"])
}

func TestLoopOverCollection(t *testing.T) {
	r, _ := newTestRunner(t)

	pb := &model.Playbook{Steps: []model.Step{
		{ID: "each", Kind: model.StepLoop,
			Config: map[string]any{"collection": "urls"},
			Steps: []model.Step{
				{ID: "note", Kind: model.StepStore, Config: map[string]any{"variable": "seen", "value": "{{loopItem}}"}},
			}},
	}}

	seed := map[string]any{"urls": []any{"a", "b"}}
	res := r.Execute(context.Background(), testWorkflow(), "run-9", pb, seed)
	require.NoError(t, res.Err)
	assert.Equal(t, 2, res.StepResults["each"].Output["iterations"])
}

func TestConditionStepForms(t *testing.T) {
	r, _ := newTestRunner(t)

	pb := &model.Playbook{Steps: []model.Step{
		{ID: "expr", Kind: model.StepCondition, Config: map[string]any{"expression": `price > 100`}},
		{ID: "cmp", Kind: model.StepCondition,
			Config: map[string]any{"variable": "status", "operator": "contains", "value": "stock"}},
		{ID: "re", Kind: model.StepCondition,
			Config: map[string]any{"variable": "status", "operator": "matches", "value": `^in\s`}},
	}}

	seed := map[string]any{"price": 129.99, "status": "in stock"}
	res := r.Execute(context.Background(), testWorkflow(), "run-10", pb, seed)
	require.NoError(t, res.Err)
	assert.Equal(t, true, res.StepResults["expr"].Output["result"])
	assert.Equal(t, true, res.StepResults["cmp"].Output["result"])
	assert.Equal(t, true, res.StepResults["re"].Output["result"])
}

func TestEvaluateComparisonOperators(t *testing.T) {
	cases := []struct {
		variable any
		operator string
		value    any
		want     bool
	}{
		{"a", "==", "a", true},
		{"a", "!=", "b", true},
		{5, "<", 10, true},
		{5, ">=", 5, true},
		{"hello world", "contains", "world", true},
		{"v1.2.3", "matches", `^v\d+`, true},
		{10, "<", 5, false},
	}
	for _, tc := range cases {
		got, err := EvaluateComparison(tc.variable, tc.operator, tc.value)
		require.NoError(t, err)
		assert.Equal(t, tc.want, got, "%v %s %v", tc.variable, tc.operator, tc.value)
	}

	_, err := EvaluateComparison("a", "~=", "b")
	require.Error(t, err)
}

func TestFillAndClickSteps(t *testing.T) {
	r, stub := newTestRunner(t)
	stub.SetPage("https://shop.example/login",
		`<html><body><input id="user"/><button class="go">Go</button></body></html>`)

	pb := &model.Playbook{Steps: []model.Step{
		{ID: "open", Kind: model.StepNavigate, Config: map[string]any{"url": "https://shop.example/login"}},
		{ID: "fill", Kind: model.StepFill, Dependencies: []string{"open"},
			Config: map[string]any{"fields": map[string]any{"#user": "tom"}}},
		{ID: "go", Kind: model.StepClick, Dependencies: []string{"fill"},
			Config: map[string]any{"selector": ".go"}},
	}}

	res := r.Execute(context.Background(), testWorkflow(), "run-11", pb, nil)
	require.NoError(t, res.Err)
	assert.Equal(t, 1, res.StepResults["fill"].Output["count"])
	assert.Equal(t, ".go", res.StepResults["go"].Output["selector"])
}
