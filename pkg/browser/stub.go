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
	"crypto/sha256"
	"strings"
	"sync"

	"golang.org/x/net/html"

	"github.com/tombee/watchflow/pkg/errors"
)

// Page is a canned page served by the stub browser.
type Page struct {
	HTML   string
	Status int
}

// Stub is an in-memory Browser used by tests and single-binary deployments
// that run without a real engine. Pages are registered per URL and may be
// swapped at any time to simulate content changes.
type Stub struct {
	mu    sync.RWMutex
	pages map[string]Page
}

// NewStub creates an empty stub browser.
func NewStub() *Stub {
	return &Stub{pages: make(map[string]Page)}
}

// SetPage registers or replaces the page served for a URL.
func (s *Stub) SetPage(url, htmlContent string) {
	s.SetPageStatus(url, htmlContent, 200)
}

// SetPageStatus registers a page with an explicit HTTP status.
func (s *Stub) SetPageStatus(url, htmlContent string, status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pages[url] = Page{HTML: htmlContent, Status: status}
}

// NewTab implements Browser.
func (s *Stub) NewTab(ctx context.Context) (Tab, error) {
	return &stubTab{browser: s, fields: make(map[string]string)}, nil
}

type stubTab struct {
	browser *Stub

	mu     sync.Mutex
	url    string
	page   Page
	loaded bool
	closed bool
	fields map[string]string
	clicks []string
}

func (t *stubTab) Navigate(ctx context.Context, url string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return errors.New("tab is closed")
	}

	t.browser.mu.RLock()
	page, ok := t.browser.pages[url]
	t.browser.mu.RUnlock()
	if !ok {
		return &errors.ExternalError{Source: "browser", Message: "navigation failed: " + url}
	}

	t.url = url
	t.page = page
	t.loaded = true
	return nil
}

func (t *stubTab) WaitIdle(ctx context.Context) error {
	return ctx.Err()
}

func (t *stubTab) WaitForSelector(ctx context.Context, selector string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := t.Text(ctx, selector); err != nil {
		return &errors.ExternalError{Source: "browser", Message: "selector not found: " + selector}
	}
	return nil
}

func (t *stubTab) Evaluate(ctx context.Context, script string) (any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	// The stub has no script engine; it echoes the script for tests.
	return map[string]any{"script": script}, nil
}

func (t *stubTab) Screenshot(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	// Deterministic image derived from content so change detection can
	// compare captures byte-for-byte.
	sum := sha256.Sum256([]byte(t.page.HTML))
	return sum[:], nil
}

func (t *stubTab) Type(ctx context.Context, selector, value string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.fields[selector] = value
	return nil
}

func (t *stubTab) Click(ctx context.Context, selector string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.clicks = append(t.clicks, selector)
	return nil
}

func (t *stubTab) Content(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.loaded {
		return "", errors.New("no page loaded")
	}
	return t.page.HTML, nil
}

func (t *stubTab) Text(ctx context.Context, selector string) (string, error) {
	content, err := t.Content(ctx)
	if err != nil {
		return "", err
	}

	doc, err := html.Parse(strings.NewReader(content))
	if err != nil {
		return "", &errors.ExternalError{Source: "browser", Message: "parse failed", Cause: err}
	}

	var node *html.Node
	if selector == "" {
		node = findElement(doc, "body", "", "")
	} else {
		tag, id, class := parseSimpleSelector(selector)
		node = findElement(doc, tag, id, class)
	}
	if node == nil {
		return "", &errors.ExternalError{Source: "browser", Message: "no element matches " + selector}
	}
	return strings.TrimSpace(collectText(node)), nil
}

func (t *stubTab) StatusCode() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.page.Status == 0 {
		return 200
	}
	return t.page.Status
}

func (t *stubTab) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	return nil
}

// parseSimpleSelector supports "tag", "#id", ".class", and "tag.class".
func parseSimpleSelector(selector string) (tag, id, class string) {
	switch {
	case strings.HasPrefix(selector, "#"):
		return "", selector[1:], ""
	case strings.HasPrefix(selector, "."):
		return "", "", selector[1:]
	}
	if i := strings.IndexByte(selector, '.'); i >= 0 {
		return selector[:i], "", selector[i+1:]
	}
	return selector, "", ""
}

func findElement(n *html.Node, tag, id, class string) *html.Node {
	if n.Type == html.ElementNode {
		matches := tag == "" || n.Data == tag
		if matches && id != "" {
			matches = attrValue(n, "id") == id
		}
		if matches && class != "" {
			matches = hasClass(attrValue(n, "class"), class)
		}
		if matches && (tag != "" || id != "" || class != "") {
			return n
		}
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if found := findElement(c, tag, id, class); found != nil {
			return found
		}
	}
	return nil
}

func attrValue(n *html.Node, name string) string {
	for _, a := range n.Attr {
		if a.Key == name {
			return a.Val
		}
	}
	return ""
}

func hasClass(classAttr, class string) bool {
	for _, c := range strings.Fields(classAttr) {
		if c == class {
			return true
		}
	}
	return false
}

func collectText(n *html.Node) string {
	if n.Type == html.TextNode {
		return n.Data
	}
	var sb strings.Builder
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		sb.WriteString(collectText(c))
	}
	return sb.String()
}
