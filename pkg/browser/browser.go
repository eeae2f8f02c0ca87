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

// Package browser defines the capability surface the orchestration core
// consumes from a headless browser engine. The engine itself is an external
// collaborator; the core only depends on these interfaces.
package browser

import "context"

// Browser vends tabs. Each run owns its tab exclusively for the run's
// lifetime and must close it on every exit path.
type Browser interface {
	// NewTab opens a fresh tab.
	NewTab(ctx context.Context) (Tab, error)
}

// Tab is a single browser tab. All blocking operations honor the context
// deadline.
type Tab interface {
	// Navigate loads the given URL and waits for the load event.
	Navigate(ctx context.Context, url string) error

	// WaitIdle blocks until the page reaches network idle.
	WaitIdle(ctx context.Context) error

	// WaitForSelector blocks until an element matching the selector is visible.
	WaitForSelector(ctx context.Context, selector string) error

	// Evaluate runs a script in the page and returns its JSON-decoded result.
	Evaluate(ctx context.Context, script string) (any, error)

	// Screenshot captures a full-page screenshot.
	Screenshot(ctx context.Context) ([]byte, error)

	// Type sets the value of the element matching the selector and fires a
	// change event.
	Type(ctx context.Context, selector, value string) error

	// Click clicks the element matching the selector.
	Click(ctx context.Context, selector string) error

	// Content returns the page's current HTML.
	Content(ctx context.Context) (string, error)

	// Text returns the textContent of the first element matching the
	// selector, or of the body when selector is empty.
	Text(ctx context.Context, selector string) (string, error)

	// StatusCode returns the HTTP status of the last navigation.
	StatusCode() int

	// Close releases the tab. Safe to call more than once.
	Close() error
}
