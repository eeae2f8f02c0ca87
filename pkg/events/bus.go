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

// Package events provides the lifecycle event bus that every watchflow
// component publishes to. Components depend on the bus, never on each other.
// Delivery is best-effort: consumers must treat events as hints, never as
// the source of truth.
package events

import (
	"context"
	"sync"
	"time"
)

// Type identifies the kind of lifecycle event.
type Type string

const (
	WorkflowCreated Type = "workflow:created"
	WorkflowUpdated Type = "workflow:updated"
	WorkflowDeleted Type = "workflow:deleted"

	RunStarted   Type = "run:started"
	RunCompleted Type = "run:completed"
	RunFailed    Type = "run:failed"

	StepStarted   Type = "step:started"
	StepCompleted Type = "step:completed"
	StepFailed    Type = "step:failed"
	StepRetry     Type = "step:retry"

	ChangeDetected Type = "change:detected"

	ActionCompleted Type = "action:completed"
	ActionFailed    Type = "action:failed"

	RateLimitExceeded Type = "rate_limit:exceeded"

	WebhookRegistered  Type = "trigger:webhook_registered"
	IntegrationExecute Type = "integration:execute"
)

// Event is the message shape carried on the bus. Data payloads are plain
// maps so the WebSocket fan-out can forward them without translation.
type Event struct {
	Type      Type           `json:"type"`
	Data      map[string]any `json:"data"`
	Timestamp time.Time      `json:"timestamp"`
}

// Handler processes a single event. Handlers must not block for long;
// slow consumers should buffer internally.
type Handler func(ctx context.Context, ev Event)

type subscription struct {
	id      int
	handler Handler
}

// Bus is the process-wide event bus. It is safe for concurrent use and has
// explicit init/teardown: create with New, stop with Close. Emit after Close
// is a no-op.
type Bus struct {
	mu     sync.RWMutex
	subs   map[Type][]subscription
	all    []subscription
	nextID int
	closed bool
	wg     sync.WaitGroup
}

// New creates an event bus.
func New() *Bus {
	return &Bus{
		subs: make(map[Type][]subscription),
	}
}

// Subscribe registers a handler for the given event type and returns an
// unsubscribe function.
func (b *Bus) Subscribe(t Type, h Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	b.subs[t] = append(b.subs[t], subscription{id: id, handler: h})

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		list := b.subs[t]
		for i, sub := range list {
			if sub.id == id {
				b.subs[t] = append(list[:i], list[i+1:]...)
				return
			}
		}
	}
}

// SubscribeAll registers a handler for every event type. Used by the
// WebSocket fan-out and by tests that assert on event streams.
func (b *Bus) SubscribeAll(h Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	b.all = append(b.all, subscription{id: id, handler: h})

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, sub := range b.all {
			if sub.id == id {
				b.all = append(b.all[:i], b.all[i+1:]...)
				return
			}
		}
	}
}

// Emit dispatches an event to all matching handlers. Handlers run on the
// caller's goroutine so that per-run events keep causal order; handlers that
// need asynchrony must provide it themselves.
func (b *Bus) Emit(ctx context.Context, t Type, data map[string]any) {
	ev := Event{Type: t, Data: data, Timestamp: time.Now()}

	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return
	}
	handlers := make([]Handler, 0, len(b.subs[t])+len(b.all))
	for _, sub := range b.subs[t] {
		handlers = append(handlers, sub.handler)
	}
	for _, sub := range b.all {
		handlers = append(handlers, sub.handler)
	}
	b.wg.Add(1)
	b.mu.RUnlock()
	defer b.wg.Done()

	for _, h := range handlers {
		h(ctx, ev)
	}
}

// EmitAsync dispatches an event on a new goroutine. Used for fan-out that
// must not block the producer, such as change detection broadcasts.
func (b *Bus) EmitAsync(ctx context.Context, t Type, data map[string]any) {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return
	}
	b.wg.Add(1)
	b.mu.RUnlock()

	go func() {
		defer b.wg.Done()
		b.Emit(ctx, t, data)
	}()
}

// SubscriberCount returns the number of handlers registered for a type,
// not counting SubscribeAll handlers.
func (b *Bus) SubscriberCount(t Type) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[t])
}

// Close stops the bus and waits for in-flight emissions to drain.
// Subsequent Emit calls are dropped.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	b.mu.Unlock()

	b.wg.Wait()
}
