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

package triggers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/itchyny/gojq"

	"github.com/tombee/watchflow/internal/model"
)

// minPollInterval floors api_poll timers so a misconfigured trigger cannot
// hammer an endpoint.
const minPollInterval = 10 * time.Second

// maxPollBody bounds how much of a polled response is read and stored.
const maxPollBody = 1 << 20

// poller periodically fetches an endpoint and fires its trigger when the
// observed value differs from the last stored response.
type poller struct {
	router  *Router
	trigger *model.Trigger

	once sync.Once
	done chan struct{}
}

func newPoller(r *Router, t *model.Trigger) *poller {
	return &poller{router: r, trigger: t, done: make(chan struct{})}
}

func (p *poller) stop() {
	p.once.Do(func() { close(p.done) })
}

func (p *poller) run(ctx context.Context, wg *sync.WaitGroup) {
	defer wg.Done()

	interval := p.trigger.Config.Interval
	if interval < minPollInterval {
		interval = minPollInterval
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.done:
			return
		case <-ticker.C:
			p.poll(ctx)
		}
	}
}

func (p *poller) poll(ctx context.Context) {
	value, err := p.fetch(ctx)
	if err != nil {
		p.router.logger.Warn("api poll failed",
			slog.String("trigger_id", p.trigger.ID),
			slog.String("endpoint", p.trigger.Config.Endpoint),
			slog.String("error", err.Error()))
		return
	}

	// First observation only establishes the baseline.
	if p.trigger.Config.LastResponse == "" {
		p.saveResponse(ctx, value)
		return
	}
	if p.trigger.Config.LastResponse == value {
		return
	}

	previous := p.trigger.Config.LastResponse
	p.saveResponse(ctx, value)

	payload := map[string]any{
		"endpoint": p.trigger.Config.Endpoint,
		"previous": previous,
		"current":  value,
	}
	if err := p.router.Fire(ctx, p.trigger, p.trigger.WorkflowID, model.TriggerAPIPoll, "api_poll:"+p.trigger.ID, payload); err != nil {
		p.router.logger.Warn("api poll trigger failed",
			slog.String("workflow_id", p.trigger.WorkflowID),
			slog.String("error", err.Error()))
	}
}

// fetch performs the configured request and reduces the body to the compared
// value: the compare_field extraction when configured, otherwise the whole
// body.
func (p *poller) fetch(ctx context.Context) (string, error) {
	cfg := p.trigger.Config

	method := strings.ToUpper(cfg.Method)
	if method == "" {
		method = http.MethodGet
	}

	req, err := http.NewRequestWithContext(ctx, method, cfg.Endpoint, nil)
	if err != nil {
		return "", err
	}
	for k, v := range cfg.Headers {
		req.Header.Set(k, v)
	}

	resp, err := p.router.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxPollBody))
	if err != nil {
		return "", err
	}

	if cfg.CompareField == "" {
		return string(body), nil
	}
	return extractField(body, cfg.CompareField)
}

// extractField evaluates a jq-style dotted path against a JSON body.
// "data.items[0].id" becomes ".data.items[0].id".
func extractField(body []byte, field string) (string, error) {
	var doc any
	if err := json.Unmarshal(body, &doc); err != nil {
		return "", fmt.Errorf("response is not JSON: %w", err)
	}

	expr := field
	if !strings.HasPrefix(expr, ".") {
		expr = "." + expr
	}
	query, err := gojq.Parse(expr)
	if err != nil {
		return "", fmt.Errorf("invalid compare_field %q: %w", field, err)
	}

	iter := query.Run(doc)
	v, ok := iter.Next()
	if !ok {
		return "", nil
	}
	if err, isErr := v.(error); isErr {
		return "", fmt.Errorf("compare_field %q: %w", field, err)
	}

	switch val := v.(type) {
	case string:
		return val, nil
	case nil:
		return "", nil
	default:
		encoded, err := json.Marshal(val)
		if err != nil {
			return "", err
		}
		return string(encoded), nil
	}
}

func (p *poller) saveResponse(ctx context.Context, value string) {
	p.trigger.Config.LastResponse = value
	if err := p.router.store.UpdateTrigger(ctx, p.trigger); err != nil {
		p.router.logger.Warn("failed to persist poll state",
			slog.String("trigger_id", p.trigger.ID),
			slog.String("error", err.Error()))
	}
}
