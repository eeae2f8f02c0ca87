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

package detector

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"golang.org/x/net/html"

	"github.com/tombee/watchflow/internal/model"
	"github.com/tombee/watchflow/pkg/errors"
)

// defaultCompareAttrs are the attributes carried into DOM snapshots when the
// config does not supply its own allowlist.
var defaultCompareAttrs = []string{"id", "class", "href", "src", "alt", "title"}

// volatile substrings erased before hashing: ISO-8601 timestamps and
// unix-epoch integers change on every render without meaning anything.
var (
	isoTimestampRe = regexp.MustCompile(`\d{4}-\d{2}-\d{2}[T ]\d{2}:\d{2}:\d{2}(?:\.\d+)?(?:Z|[+-]\d{2}:?\d{2})?`)
	unixEpochRe    = regexp.MustCompile(`\b1\d{9}(?:\d{3})?\b`)
)

// DOMNode is one element of a captured DOM tree.
type DOMNode struct {
	Tag        string            `json:"tag"`
	Attributes map[string]string `json:"attributes,omitempty"`
	Text       string            `json:"text,omitempty"`
	Children   []*DOMNode        `json:"children,omitempty"`
	Path       string            `json:"path"`
}

// capture opens a tab, waits for network idle, and produces a snapshot
// shaped by the configured method.
func (d *Detector) capture(ctx context.Context, workflowID string, cfg *model.DetectionConfig) (*model.ContentSnapshot, error) {
	tab, err := d.browser.NewTab(ctx)
	if err != nil {
		return nil, &errors.ExternalError{Source: "browser", Message: "failed to open tab", Cause: err}
	}
	defer tab.Close()

	if err := tab.Navigate(ctx, cfg.URL); err != nil {
		return nil, err
	}
	if err := tab.WaitIdle(ctx); err != nil {
		return nil, err
	}

	raw, err := tab.Content(ctx)
	if err != nil {
		return nil, err
	}

	snap := &model.ContentSnapshot{
		WorkflowID: workflowID,
		URL:        cfg.URL,
		Method:     cfg.Method,
		StatusCode: tab.StatusCode(),
		Metadata:   extractMetadata(raw),
		CapturedAt: time.Now().UTC(),
	}

	switch cfg.Method {
	case model.CaptureDOM:
		tree, err := captureDOM(raw, cfg)
		if err != nil {
			return nil, err
		}
		encoded, err := json.Marshal(tree)
		if err != nil {
			return nil, fmt.Errorf("failed to encode dom tree: %w", err)
		}
		snap.Content = string(encoded)

	case model.CaptureText:
		text, err := captureText(raw, cfg)
		if err != nil {
			return nil, err
		}
		snap.Content = text

	case model.CaptureVisual:
		img, err := tab.Screenshot(ctx)
		if err != nil {
			return nil, err
		}
		snap.Content = base64.StdEncoding.EncodeToString(img)

	case model.CaptureHash:
		snap.Content = hashContent(raw, cfg)

	default:
		return nil, &errors.ValidationError{
			Field:      "method",
			Message:    fmt.Sprintf("unknown capture method: %s", cfg.Method),
			Suggestion: "use one of: dom, text, visual, hash",
		}
	}

	snap.ContentHash = sha256Hex(snap.Content)
	return snap, nil
}

// captureDOM walks the document body into a tree of tagged nodes with
// structural paths like body/div[0]/h1[0]. Elements matching an ignore
// selector are skipped entirely, subtree included.
func captureDOM(raw string, cfg *model.DetectionConfig) (*DOMNode, error) {
	doc, err := html.Parse(strings.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("failed to parse html: %w", err)
	}

	body := findTag(doc, "body")
	if body == nil {
		return nil, &errors.ValidationError{Field: "content", Message: "document has no body"}
	}

	attrs := cfg.CompareAttrs
	if len(attrs) == 0 {
		attrs = defaultCompareAttrs
	}
	allowed := make(map[string]bool, len(attrs))
	for _, a := range attrs {
		allowed[a] = true
	}

	return buildDOMNode(body, "body", allowed, cfg.IgnoreSelectors), nil
}

func buildDOMNode(n *html.Node, path string, allowed map[string]bool, ignore []string) *DOMNode {
	node := &DOMNode{Tag: n.Data, Path: path}

	for _, attr := range n.Attr {
		if allowed[attr.Key] {
			if node.Attributes == nil {
				node.Attributes = make(map[string]string)
			}
			node.Attributes[attr.Key] = attr.Val
		}
	}

	counts := make(map[string]int)
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if c.Type != html.ElementNode {
			continue
		}
		if matchesAnySelector(c, ignore) {
			continue
		}
		idx := counts[c.Data]
		counts[c.Data]++
		childPath := fmt.Sprintf("%s/%s[%d]", path, c.Data, idx)
		node.Children = append(node.Children, buildDOMNode(c, childPath, allowed, ignore))
	}

	// Text only for leaves, so parent text does not duplicate child text.
	if len(node.Children) == 0 {
		node.Text = strings.TrimSpace(textContent(n))
	}
	return node
}

// captureText returns the visible body text with ignored selectors removed
// and ignore-pattern matches elided.
func captureText(raw string, cfg *model.DetectionConfig) (string, error) {
	doc, err := html.Parse(strings.NewReader(raw))
	if err != nil {
		return "", fmt.Errorf("failed to parse html: %w", err)
	}
	body := findTag(doc, "body")
	if body == nil {
		return "", &errors.ValidationError{Field: "content", Message: "document has no body"}
	}

	var sb strings.Builder
	collectVisibleText(body, cfg.IgnoreSelectors, &sb)
	text := normalizeWhitespace(sb.String())

	for _, pattern := range cfg.IgnorePatterns {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return "", &errors.ValidationError{
				Field:      "ignore_patterns",
				Message:    fmt.Sprintf("invalid pattern %q: %s", pattern, err),
				Suggestion: "use valid Go regular expressions",
			}
		}
		text = re.ReplaceAllString(text, "")
	}
	return strings.TrimSpace(text), nil
}

// hashContent erases volatile substrings from the raw HTML before hashing.
func hashContent(raw string, cfg *model.DetectionConfig) string {
	canonical := isoTimestampRe.ReplaceAllString(raw, "")
	canonical = unixEpochRe.ReplaceAllString(canonical, "")
	for _, pattern := range cfg.IgnorePatterns {
		if re, err := regexp.Compile(pattern); err == nil {
			canonical = re.ReplaceAllString(canonical, "")
		}
	}
	return sha256Hex(canonical)
}

// extractMetadata pulls the title, meta description, comma-split keywords,
// and the first ten non-data-URL image sources.
func extractMetadata(raw string) model.PageMetadata {
	var meta model.PageMetadata
	doc, err := html.Parse(strings.NewReader(raw))
	if err != nil {
		return meta
	}

	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			switch n.Data {
			case "title":
				if meta.Title == "" {
					meta.Title = strings.TrimSpace(textContent(n))
				}
			case "meta":
				name := getAttr(n, "name")
				content := getAttr(n, "content")
				switch strings.ToLower(name) {
				case "description":
					meta.Description = content
				case "keywords":
					for _, kw := range strings.Split(content, ",") {
						if kw = strings.TrimSpace(kw); kw != "" {
							meta.Keywords = append(meta.Keywords, kw)
						}
					}
				}
			case "img":
				if len(meta.Images) < 10 {
					if src := getAttr(n, "src"); src != "" && !strings.HasPrefix(src, "data:") {
						meta.Images = append(meta.Images, src)
					}
				}
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	return meta
}

func collectVisibleText(n *html.Node, ignore []string, sb *strings.Builder) {
	if n.Type == html.TextNode {
		sb.WriteString(n.Data)
		sb.WriteByte(' ')
		return
	}
	if n.Type == html.ElementNode {
		switch n.Data {
		case "script", "style", "noscript":
			return
		}
		if matchesAnySelector(n, ignore) {
			return
		}
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		collectVisibleText(c, ignore, sb)
	}
}

// matchesAnySelector supports the selector forms the detector configs use:
// "tag", "#id", ".class", and "tag.class".
func matchesAnySelector(n *html.Node, selectors []string) bool {
	for _, sel := range selectors {
		if matchesSelector(n, sel) {
			return true
		}
	}
	return false
}

func matchesSelector(n *html.Node, selector string) bool {
	switch {
	case strings.HasPrefix(selector, "#"):
		return getAttr(n, "id") == selector[1:]
	case strings.HasPrefix(selector, "."):
		return hasClass(getAttr(n, "class"), selector[1:])
	}
	if i := strings.IndexByte(selector, '.'); i >= 0 {
		return n.Data == selector[:i] && hasClass(getAttr(n, "class"), selector[i+1:])
	}
	return n.Data == selector
}

func findTag(n *html.Node, tag string) *html.Node {
	if n.Type == html.ElementNode && n.Data == tag {
		return n
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if found := findTag(c, tag); found != nil {
			return found
		}
	}
	return nil
}

func textContent(n *html.Node) string {
	if n.Type == html.TextNode {
		return n.Data
	}
	var sb strings.Builder
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		sb.WriteString(textContent(c))
	}
	return sb.String()
}

func getAttr(n *html.Node, name string) string {
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

func normalizeWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func sha256Hex(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}
