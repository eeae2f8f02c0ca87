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
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/tombee/watchflow/internal/model"
	"github.com/tombee/watchflow/pkg/errors"
)

// HandleWebhook routes an incoming webhook request to its workflow. The
// returned workflow id identifies what was fired. Error mapping at the API
// layer: SignatureError means unauthorized, ValidationError means a bad
// request, RateLimitError means too many requests.
func (r *Router) HandleWebhook(ctx context.Context, token string, headers http.Header, body []byte) (string, error) {
	r.mu.RLock()
	t, ok := r.byToken[token]
	r.mu.RUnlock()
	if !ok {
		return "", &errors.ValidationError{Field: "token", Message: "unknown webhook token"}
	}

	if t.Config.Secret != "" {
		if err := verifySignature(headers, body, t.Config.Secret); err != nil {
			return "", err
		}
	}

	payload := map[string]any{}
	if len(body) > 0 {
		if err := json.Unmarshal(body, &payload); err != nil {
			return "", &errors.ValidationError{
				Field:      "body",
				Message:    "webhook body must be a JSON object",
				Suggestion: "send application/json with an object payload",
			}
		}
	}

	if err := r.Fire(ctx, t, t.WorkflowID, model.TriggerWebhook, "webhook:"+t.ID, payload); err != nil {
		return "", err
	}
	return t.WorkflowID, nil
}

// verifySignature checks the HMAC-SHA-256 of the raw body against the
// x-webhook-signature or x-hub-signature header, both in sha256=<hex> form.
func verifySignature(headers http.Header, body []byte, secret string) error {
	sig := headers.Get("X-Webhook-Signature")
	if sig == "" {
		sig = headers.Get("X-Hub-Signature")
	}
	if sig == "" {
		return &errors.SignatureError{Reason: "missing signature header"}
	}

	algo, hexSig, found := strings.Cut(sig, "=")
	if !found {
		algo, hexSig = "sha256", sig
	}
	if algo != "sha256" {
		return &errors.SignatureError{Reason: "unsupported signature algorithm: " + algo}
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))

	if !hmac.Equal([]byte(hexSig), []byte(expected)) {
		return &errors.SignatureError{Reason: "signature mismatch"}
	}
	return nil
}
