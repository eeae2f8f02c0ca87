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

package metrics

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/watchflow/pkg/events"
)

// counterValue sums a counter family across label sets.
func counterValue(t *testing.T, c *Collector, name string) float64 {
	t.Helper()
	families, err := c.Registry().Gather()
	require.NoError(t, err)

	var total float64
	for _, fam := range families {
		if fam.GetName() != name {
			continue
		}
		for _, m := range fam.GetMetric() {
			total += m.GetCounter().GetValue()
		}
	}
	return total
}

func TestCollectorCountsRunEvents(t *testing.T) {
	bus := events.New()
	defer bus.Close()

	c := New()
	c.Observe(bus)
	defer c.Close()

	ctx := context.Background()
	bus.Emit(ctx, events.RunCompleted, map[string]any{"status": "success"})
	bus.Emit(ctx, events.RunFailed, map[string]any{"status": "failed"})
	bus.Emit(ctx, events.RunFailed, map[string]any{"status": "timeout"})

	assert.Equal(t, float64(3), counterValue(t, c, "watchflow_runs_total"))
}

func TestCollectorCountsStepAndActionEvents(t *testing.T) {
	bus := events.New()
	defer bus.Close()

	c := New()
	c.Observe(bus)
	defer c.Close()

	ctx := context.Background()
	bus.Emit(ctx, events.StepCompleted, nil)
	bus.Emit(ctx, events.StepFailed, nil)
	bus.Emit(ctx, events.StepRetry, nil)
	bus.Emit(ctx, events.ActionCompleted, nil)
	bus.Emit(ctx, events.ChangeDetected, nil)
	bus.Emit(ctx, events.RateLimitExceeded, nil)

	assert.Equal(t, float64(2), counterValue(t, c, "watchflow_steps_total"))
	assert.Equal(t, float64(1), counterValue(t, c, "watchflow_step_retries_total"))
	assert.Equal(t, float64(1), counterValue(t, c, "watchflow_actions_total"))
	assert.Equal(t, float64(1), counterValue(t, c, "watchflow_changes_detected_total"))
	assert.Equal(t, float64(1), counterValue(t, c, "watchflow_trigger_rate_limit_drops_total"))
}

func TestCloseDetachesFromBus(t *testing.T) {
	bus := events.New()
	defer bus.Close()

	c := New()
	c.Observe(bus)
	c.Close()

	bus.Emit(context.Background(), events.RunCompleted, map[string]any{"status": "success"})

	assert.Equal(t, float64(0), counterValue(t, c, "watchflow_runs_total"))
}
