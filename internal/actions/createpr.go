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
	"net/url"
	"strings"

	"github.com/tombee/watchflow/internal/model"
	"github.com/tombee/watchflow/pkg/errors"
)

// execCreatePR opens a pull or merge request. The provider is inferred
// from the repository URL host: github.com uses the pulls API, gitlab
// hosts use the merge-request API.
func (p *Pipeline) execCreatePR(ctx context.Context, a *model.Action, pc *pipelineContext) (map[string]any, error) {
	repo := cfgString(a, pc, "repository")
	if repo == "" {
		return nil, &errors.ValidationError{Field: "repository", Message: "create_pr requires a repository url"}
	}
	branch := cfgString(a, pc, "branch")
	base := cfgString(a, pc, "base")
	if branch == "" {
		return nil, &errors.ValidationError{Field: "branch", Message: "create_pr requires a source branch"}
	}
	if base == "" {
		base = "main"
	}
	title := cfgString(a, pc, "title")
	body := cfgString(a, pc, "body")
	token := cfgString(a, pc, "token")

	parsed, err := url.Parse(repo)
	if err != nil || parsed.Host == "" {
		return nil, &errors.ValidationError{Field: "repository", Message: "invalid repository url: " + repo}
	}
	project := strings.Trim(strings.TrimSuffix(parsed.Path, ".git"), "/")

	var endpoint string
	var payload map[string]any
	var provider string

	switch {
	case parsed.Host == "github.com":
		provider = "github"
		endpoint = fmt.Sprintf("https://api.github.com/repos/%s/pulls", project)
		payload = map[string]any{"title": title, "body": body, "head": branch, "base": base}
	case strings.Contains(parsed.Host, "gitlab"):
		provider = "gitlab"
		endpoint = fmt.Sprintf("https://%s/api/v4/projects/%s/merge_requests",
			parsed.Host, url.PathEscape(project))
		payload = map[string]any{"title": title, "description": body, "source_branch": branch, "target_branch": base}
	default:
		return nil, &errors.ValidationError{
			Field:      "repository",
			Message:    "unsupported repository host: " + parsed.Host,
			Suggestion: "github.com and gitlab hosts are supported",
		}
	}

	encoded, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(encoded))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		if provider == "github" {
			req.Header.Set("Authorization", "Bearer "+token)
			req.Header.Set("Accept", "application/vnd.github+json")
		} else {
			req.Header.Set("PRIVATE-TOKEN", token)
		}
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, &errors.ExternalError{Source: provider, Message: "request failed", Cause: err}
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &errors.ExternalError{
			Source:     provider,
			StatusCode: resp.StatusCode,
			Message:    "pull request creation failed",
		}
	}

	var created map[string]any
	json.Unmarshal(raw, &created)

	out := map[string]any{"provider": provider, "repository": project, "branch": branch, "base": base}
	if u, ok := created["html_url"]; ok {
		out["url"] = u
	} else if u, ok := created["web_url"]; ok {
		out["url"] = u
	}
	return out, nil
}
