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
	"sync"

	"github.com/tombee/watchflow/pkg/browser"
)

// ExecutionContext carries the mutable state of one run: the variable map,
// the run's browser tab, and extracted data. Safe for concurrent step use.
type ExecutionContext struct {
	browser browser.Browser

	mu        sync.RWMutex
	vars      map[string]any
	extracted map[string]any
	tab       browser.Tab
}

// NewExecutionContext creates a context seeded with the given variables.
func NewExecutionContext(b browser.Browser, seed map[string]any) *ExecutionContext {
	vars := make(map[string]any, len(seed))
	for k, v := range seed {
		vars[k] = v
	}
	return &ExecutionContext{
		browser:   b,
		vars:      vars,
		extracted: make(map[string]any),
	}
}

// Get returns a variable and whether it exists.
func (ec *ExecutionContext) Get(key string) (any, bool) {
	ec.mu.RLock()
	defer ec.mu.RUnlock()
	v, ok := ec.vars[key]
	return v, ok
}

// Set writes a variable.
func (ec *ExecutionContext) Set(key string, value any) {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	ec.vars[key] = value
}

// Delete removes a variable.
func (ec *ExecutionContext) Delete(key string) {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	delete(ec.vars, key)
}

// Snapshot returns a shallow copy of the variable map for templating and
// expression evaluation.
func (ec *ExecutionContext) Snapshot() map[string]any {
	ec.mu.RLock()
	defer ec.mu.RUnlock()
	out := make(map[string]any, len(ec.vars))
	for k, v := range ec.vars {
		out[k] = v
	}
	return out
}

// Record stores an extracted value, visible both as a variable and in the
// run's extracted-data payload.
func (ec *ExecutionContext) Record(key string, value any) {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	ec.vars[key] = value
	ec.extracted[key] = value
}

// Extracted returns a copy of the extracted-data payload.
func (ec *ExecutionContext) Extracted() map[string]any {
	ec.mu.RLock()
	defer ec.mu.RUnlock()
	out := make(map[string]any, len(ec.extracted))
	for k, v := range ec.extracted {
		out[k] = v
	}
	return out
}

// Tab returns the run's browser tab, opening it on first use. The run owns
// the tab exclusively until CloseTab.
func (ec *ExecutionContext) Tab(ctx context.Context) (browser.Tab, error) {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	if ec.tab != nil {
		return ec.tab, nil
	}
	tab, err := ec.browser.NewTab(ctx)
	if err != nil {
		return nil, err
	}
	ec.tab = tab
	return tab, nil
}

// CloseTab releases the tab if one was opened. Idempotent; called on every
// run exit path.
func (ec *ExecutionContext) CloseTab() {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	if ec.tab != nil {
		ec.tab.Close()
		ec.tab = nil
	}
}
