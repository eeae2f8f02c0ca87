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
	"log/slog"
	"regexp"
	"strconv"
	"strings"

	"github.com/tombee/watchflow/internal/model"
)

// ChangeObservation is what the detector saw, reduced to the fields the
// conditional triggers evaluate against.
type ChangeObservation struct {
	WorkflowID   string
	ChangeScore  float64
	CurrentValue string
	AddedPaths   []string
	StatusCode   int
}

// EvaluateChange fires the content, element, and status triggers of the
// observed workflow whose conditions match. It returns the number fired.
func (r *Router) EvaluateChange(ctx context.Context, obs ChangeObservation) int {
	r.mu.RLock()
	candidates := append([]*model.Trigger(nil), r.conditional[obs.WorkflowID]...)
	r.mu.RUnlock()

	fired := 0
	for _, t := range candidates {
		if !matchesObservation(t, obs) {
			continue
		}
		payload := map[string]any{
			"change_score": obs.ChangeScore,
			"status_code":  obs.StatusCode,
		}
		if err := r.Fire(ctx, t, t.WorkflowID, t.Kind, "change:"+t.ID, payload); err != nil {
			r.logger.Warn("change trigger failed",
				slog.String("workflow_id", t.WorkflowID),
				slog.String("error", err.Error()))
			continue
		}
		fired++
	}
	return fired
}

func matchesObservation(t *model.Trigger, obs ChangeObservation) bool {
	switch t.Kind {
	case model.TriggerContent:
		if t.Config.Threshold > 0 && obs.ChangeScore > t.Config.Threshold {
			return true
		}
		if t.Config.Pattern != "" {
			re, err := regexp.Compile(t.Config.Pattern)
			if err != nil {
				return false
			}
			return re.MatchString(obs.CurrentValue)
		}
		// No pattern and no threshold: any change matches.
		return t.Config.Threshold == 0

	case model.TriggerElement:
		if t.Config.Selector == "" {
			return false
		}
		needle := selectorPathFragment(t.Config.Selector)
		for _, path := range obs.AddedPaths {
			if strings.Contains(path, needle) {
				return true
			}
		}
		return false

	case model.TriggerStatus:
		spec := t.Config.StatusCode
		if spec == "" {
			return false
		}
		got := strconv.Itoa(obs.StatusCode)
		if spec == got {
			return true
		}
		re, err := regexp.Compile("^" + spec + "$")
		if err != nil {
			return false
		}
		return re.MatchString(got)
	}
	return false
}

// selectorPathFragment maps a simple selector onto the tag fragment used in
// structural paths. Class and id selectors cannot appear in paths, so they
// match never rather than everywhere.
func selectorPathFragment(selector string) string {
	if i := strings.IndexByte(selector, '.'); i > 0 {
		return selector[:i]
	}
	if strings.HasPrefix(selector, ".") || strings.HasPrefix(selector, "#") {
		return "\x00"
	}
	return selector
}
