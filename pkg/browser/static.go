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

package browser

import (
	"context"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/net/html"

	"github.com/tombee/watchflow/pkg/errors"
)

const staticFetchLimit = 8 << 20

// Static is a plain-HTTP Browser for pages that render without JavaScript.
// Script evaluation, screenshots, and input simulation are unsupported and
// fail with an external error.
type Static struct {
	client *http.Client
}

// NewStatic creates a static fetcher. A nil client gets a 30s-timeout
// default.
func NewStatic(client *http.Client) *Static {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &Static{client: client}
}

// NewTab opens a fresh tab. Tabs are cheap; state lives per tab.
func (s *Static) NewTab(ctx context.Context) (Tab, error) {
	return &staticTab{client: s.client}, nil
}

type staticTab struct {
	client  *http.Client
	content string
	status  int
	doc     *html.Node
}

func (t *staticTab) Navigate(ctx context.Context, url string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return &errors.ValidationError{Field: "url", Message: err.Error()}
	}
	req.Header.Set("User-Agent", "watchflow/1.0")

	resp, err := t.client.Do(req)
	if err != nil {
		return &errors.ExternalError{Source: "http", Message: "failed to fetch page", Cause: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, staticFetchLimit))
	if err != nil {
		return &errors.ExternalError{Source: "http", Message: "failed to read page body", Cause: err}
	}

	t.content = string(body)
	t.status = resp.StatusCode
	t.doc = nil
	return nil
}

// WaitIdle is a no-op; a static fetch is complete once the body is read.
func (t *staticTab) WaitIdle(ctx context.Context) error {
	return nil
}

func (t *staticTab) WaitForSelector(ctx context.Context, selector string) error {
	doc, err := t.parsed()
	if err != nil {
		return err
	}
	if findSelector(doc, selector) == nil {
		return &errors.NotFoundError{Resource: "selector", ID: selector}
	}
	return nil
}

func (t *staticTab) Evaluate(ctx context.Context, script string) (any, error) {
	return nil, &errors.ExternalError{Source: "browser", Message: "static browser cannot run scripts"}
}

func (t *staticTab) Screenshot(ctx context.Context) ([]byte, error) {
	return nil, &errors.ExternalError{Source: "browser", Message: "static browser cannot capture screenshots"}
}

func (t *staticTab) Type(ctx context.Context, selector, value string) error {
	return &errors.ExternalError{Source: "browser", Message: "static browser cannot simulate input"}
}

func (t *staticTab) Click(ctx context.Context, selector string) error {
	return &errors.ExternalError{Source: "browser", Message: "static browser cannot simulate input"}
}

func (t *staticTab) Content(ctx context.Context) (string, error) {
	return t.content, nil
}

func (t *staticTab) Text(ctx context.Context, selector string) (string, error) {
	doc, err := t.parsed()
	if err != nil {
		return "", err
	}

	target := doc
	if selector != "" {
		target = findSelector(doc, selector)
		if target == nil {
			return "", &errors.NotFoundError{Resource: "selector", ID: selector}
		}
	} else if body := findTagNode(doc, "body"); body != nil {
		target = body
	}

	return strings.Join(strings.Fields(nodeText(target)), " "), nil
}

func (t *staticTab) StatusCode() int {
	return t.status
}

func (t *staticTab) Close() error {
	t.content = ""
	t.doc = nil
	return nil
}

func (t *staticTab) parsed() (*html.Node, error) {
	if t.doc != nil {
		return t.doc, nil
	}
	doc, err := html.Parse(strings.NewReader(t.content))
	if err != nil {
		return nil, &errors.ExternalError{Source: "browser", Message: "failed to parse page", Cause: err}
	}
	t.doc = doc
	return doc, nil
}

// findSelector supports the selector forms the engine configs use:
// "tag", "#id", ".class", and "tag.class".
func findSelector(n *html.Node, selector string) *html.Node {
	if n.Type == html.ElementNode && matchSelector(n, selector) {
		return n
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if found := findSelector(c, selector); found != nil {
			return found
		}
	}
	return nil
}

func matchSelector(n *html.Node, selector string) bool {
	switch {
	case strings.HasPrefix(selector, "#"):
		return attrValue(n, "id") == selector[1:]
	case strings.HasPrefix(selector, "."):
		return hasClass(attrValue(n, "class"), selector[1:])
	}
	if i := strings.IndexByte(selector, '.'); i >= 0 {
		return n.Data == selector[:i] && hasClass(attrValue(n, "class"), selector[i+1:])
	}
	return n.Data == selector
}

func findTagNode(n *html.Node, tag string) *html.Node {
	if n.Type == html.ElementNode && n.Data == tag {
		return n
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if found := findTagNode(c, tag); found != nil {
			return found
		}
	}
	return nil
}

func nodeText(n *html.Node) string {
	if n.Type == html.TextNode {
		return n.Data
	}
	if n.Type == html.ElementNode {
		switch n.Data {
		case "script", "style", "noscript":
			return ""
		}
	}
	var sb strings.Builder
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		sb.WriteString(nodeText(c))
		sb.WriteByte(' ')
	}
	return sb.String()
}
