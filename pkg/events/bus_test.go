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

package events

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubscribeAndEmit(t *testing.T) {
	bus := New()
	defer bus.Close()

	var got []Event
	bus.Subscribe(RunStarted, func(ctx context.Context, e Event) {
		got = append(got, e)
	})

	bus.Emit(context.Background(), RunStarted, map[string]any{"run_id": "r-1"})
	bus.Emit(context.Background(), RunCompleted, map[string]any{"run_id": "r-1"})

	require.Len(t, got, 1)
	assert.Equal(t, RunStarted, got[0].Type)
	assert.Equal(t, "r-1", got[0].Data["run_id"])
	assert.False(t, got[0].Timestamp.IsZero())
}

func TestUnsubscribe(t *testing.T) {
	bus := New()
	defer bus.Close()

	calls := 0
	unsub := bus.Subscribe(ChangeDetected, func(ctx context.Context, e Event) {
		calls++
	})

	bus.Emit(context.Background(), ChangeDetected, nil)
	unsub()
	bus.Emit(context.Background(), ChangeDetected, nil)

	assert.Equal(t, 1, calls)
	assert.Equal(t, 0, bus.SubscriberCount(ChangeDetected))
}

func TestSubscribeAllSeesEveryType(t *testing.T) {
	bus := New()
	defer bus.Close()

	var types []Type
	bus.SubscribeAll(func(ctx context.Context, e Event) {
		types = append(types, e.Type)
	})

	bus.Emit(context.Background(), RunStarted, nil)
	bus.Emit(context.Background(), StepCompleted, nil)
	bus.Emit(context.Background(), ActionFailed, nil)

	assert.Equal(t, []Type{RunStarted, StepCompleted, ActionFailed}, types)
}

func TestEmitOrderIsCausal(t *testing.T) {
	bus := New()
	defer bus.Close()

	var order []string
	bus.Subscribe(RunStarted, func(ctx context.Context, e Event) {
		order = append(order, "started")
		// Handlers run on the caller's goroutine, so a nested emit lands
		// before the outer Emit returns.
		bus.Emit(ctx, RunCompleted, nil)
	})
	bus.Subscribe(RunCompleted, func(ctx context.Context, e Event) {
		order = append(order, "completed")
	})

	bus.Emit(context.Background(), RunStarted, nil)

	assert.Equal(t, []string{"started", "completed"}, order)
}

func TestEmitAsync(t *testing.T) {
	bus := New()
	defer bus.Close()

	var mu sync.Mutex
	done := make(chan struct{})
	bus.Subscribe(RunFailed, func(ctx context.Context, e Event) {
		mu.Lock()
		defer mu.Unlock()
		close(done)
	})

	bus.EmitAsync(context.Background(), RunFailed, nil)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("async handler never ran")
	}
}

func TestCloseStopsDelivery(t *testing.T) {
	bus := New()

	calls := 0
	bus.Subscribe(RunStarted, func(ctx context.Context, e Event) {
		calls++
	})

	bus.Close()
	bus.Emit(context.Background(), RunStarted, nil)

	assert.Equal(t, 0, calls)
}
