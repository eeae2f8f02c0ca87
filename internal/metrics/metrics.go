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

// Package metrics exposes Prometheus collectors fed from the event bus.
// Counters are best-effort observers; the run records in the store stay the
// source of truth.
package metrics

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tombee/watchflow/pkg/events"
)

// Collector owns the registry and the bus subscriptions.
type Collector struct {
	registry *prometheus.Registry

	runsTotal         *prometheus.CounterVec
	stepsTotal        *prometheus.CounterVec
	stepRetries       prometheus.Counter
	actionsTotal      *prometheus.CounterVec
	changesTotal      prometheus.Counter
	rateLimitDrops    prometheus.Counter
	webhooksRegistered prometheus.Counter

	unsubscribe []func()
}

// New registers the watchflow collectors alongside the standard process and
// Go runtime collectors.
func New() *Collector {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	c := &Collector{
		registry: reg,
		runsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "watchflow",
			Name:      "runs_total",
			Help:      "Workflow runs by terminal status.",
		}, []string{"status"}),
		stepsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "watchflow",
			Name:      "steps_total",
			Help:      "Playbook steps by outcome.",
		}, []string{"outcome"}),
		stepRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "watchflow",
			Name:      "step_retries_total",
			Help:      "Step retry attempts.",
		}),
		actionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "watchflow",
			Name:      "actions_total",
			Help:      "Pipeline actions by outcome.",
		}, []string{"outcome"}),
		changesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "watchflow",
			Name:      "changes_detected_total",
			Help:      "Changes recorded by the detector.",
		}),
		rateLimitDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "watchflow",
			Name:      "trigger_rate_limit_drops_total",
			Help:      "Trigger attempts dropped by the per-workflow token bucket.",
		}),
		webhooksRegistered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "watchflow",
			Name:      "webhooks_registered_total",
			Help:      "Webhook trigger registrations.",
		}),
	}
	reg.MustRegister(c.runsTotal, c.stepsTotal, c.stepRetries,
		c.actionsTotal, c.changesTotal, c.rateLimitDrops, c.webhooksRegistered)
	return c
}

// Observe subscribes the collectors to the bus. Call Close to detach.
func (c *Collector) Observe(bus *events.Bus) {
	sub := func(t events.Type, h events.Handler) {
		c.unsubscribe = append(c.unsubscribe, bus.Subscribe(t, h))
	}

	sub(events.RunCompleted, func(ctx context.Context, e events.Event) {
		c.runsTotal.WithLabelValues(str(e.Data["status"], "success")).Inc()
	})
	sub(events.RunFailed, func(ctx context.Context, e events.Event) {
		c.runsTotal.WithLabelValues(str(e.Data["status"], "failed")).Inc()
	})
	sub(events.StepCompleted, func(ctx context.Context, e events.Event) {
		c.stepsTotal.WithLabelValues("success").Inc()
	})
	sub(events.StepFailed, func(ctx context.Context, e events.Event) {
		c.stepsTotal.WithLabelValues("failed").Inc()
	})
	sub(events.StepRetry, func(ctx context.Context, e events.Event) {
		c.stepRetries.Inc()
	})
	sub(events.ActionCompleted, func(ctx context.Context, e events.Event) {
		c.actionsTotal.WithLabelValues("success").Inc()
	})
	sub(events.ActionFailed, func(ctx context.Context, e events.Event) {
		c.actionsTotal.WithLabelValues("failed").Inc()
	})
	sub(events.ChangeDetected, func(ctx context.Context, e events.Event) {
		c.changesTotal.Inc()
	})
	sub(events.RateLimitExceeded, func(ctx context.Context, e events.Event) {
		c.rateLimitDrops.Inc()
	})
	sub(events.WebhookRegistered, func(ctx context.Context, e events.Event) {
		c.webhooksRegistered.Inc()
	})
}

// Close detaches the bus subscriptions.
func (c *Collector) Close() {
	for _, unsub := range c.unsubscribe {
		unsub()
	}
	c.unsubscribe = nil
}

// Handler serves the registry in Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for tests.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

func str(v any, fallback string) string {
	if s, ok := v.(string); ok && s != "" {
		return s
	}
	return fallback
}
