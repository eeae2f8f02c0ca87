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
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/tombee/watchflow/internal/model"
	"github.com/tombee/watchflow/pkg/errors"
	"github.com/tombee/watchflow/pkg/template"
)

// execNotify delivers a notification. Subtype email uses the outbound email
// adapter; slack and discord post their provider JSON shapes to a webhook
// URL; sms posts to a gateway URL; subtype webhook posts the full context.
func (p *Pipeline) execNotify(ctx context.Context, a *model.Action, pc *pipelineContext) (map[string]any, error) {
	subtype := cfgString(a, pc, "subtype")
	message := cfgString(a, pc, "template")
	if message == "" {
		message = cfgString(a, pc, "message")
	}

	switch subtype {
	case "email":
		return p.notifyEmail(ctx, a, pc, message)
	case "slack":
		return p.notifyChat(ctx, a, pc, map[string]any{"text": message}, "slack")
	case "discord":
		return p.notifyChat(ctx, a, pc, map[string]any{"content": message}, "discord")
	case "sms":
		recipients := cfgStrings(a, "recipients", pc)
		if len(recipients) == 0 {
			return nil, &errors.ValidationError{Field: "recipients", Message: "sms notify requires recipients"}
		}
		return p.notifyChat(ctx, a, pc, map[string]any{"to": recipients, "body": message}, "sms")
	case "webhook":
		return p.notifyChat(ctx, a, pc, map[string]any{"message": message, "context": pc.snapshot()}, "webhook")
	}
	return nil, &errors.ValidationError{
		Field:      "subtype",
		Message:    "unknown notify subtype: " + subtype,
		Suggestion: "use one of: email, sms, slack, discord, webhook",
	}
}

func (p *Pipeline) notifyEmail(ctx context.Context, a *model.Action, pc *pipelineContext, body string) (map[string]any, error) {
	if p.email == nil {
		return nil, &errors.ValidationError{Field: "subtype", Message: "no email adapter configured"}
	}
	recipients := cfgStrings(a, "recipients", pc)
	if len(recipients) == 0 {
		return nil, &errors.ValidationError{Field: "recipients", Message: "email notify requires recipients"}
	}
	subject := cfgString(a, pc, "subject")

	if err := p.email.Send(ctx, recipients, subject, body); err != nil {
		return nil, &errors.ExternalError{Source: "email", Message: "send failed", Cause: err}
	}
	return map[string]any{"subtype": "email", "recipients": len(recipients)}, nil
}

func (p *Pipeline) notifyChat(ctx context.Context, a *model.Action, pc *pipelineContext, payload map[string]any, source string) (map[string]any, error) {
	url := cfgString(a, pc, "webhook_url")
	if url == "" {
		url = cfgString(a, pc, "url")
	}
	if url == "" {
		return nil, &errors.ValidationError{Field: "webhook_url", Message: source + " notify requires a webhook url"}
	}

	encoded, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(encoded))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, &errors.ExternalError{Source: source, Message: "delivery failed", Cause: err}
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<20))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &errors.ExternalError{
			Source:     source,
			StatusCode: resp.StatusCode,
			Message:    "provider returned non-2xx status",
		}
	}
	return map[string]any{"subtype": source, "status": resp.StatusCode}, nil
}

// cfgStrings reads a templated string list from the action config.
func cfgStrings(a *model.Action, key string, pc *pipelineContext) []string {
	vars := pc.snapshot()
	switch v := a.Config[key].(type) {
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			out = append(out, template.Resolve(fmt.Sprint(item), vars))
		}
		return out
	case []string:
		out := make([]string, 0, len(v))
		for _, item := range v {
			out = append(out, template.Resolve(item, vars))
		}
		return out
	case string:
		if v == "" {
			return nil
		}
		return []string{template.Resolve(v, vars)}
	}
	return nil
}
