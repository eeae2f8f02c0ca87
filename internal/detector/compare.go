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
	"encoding/json"
	"fmt"
	"sort"

	"github.com/sergi/go-diff/diffmatchpatch"

	"github.com/tombee/watchflow/internal/model"
)

// comparison is the outcome of comparing a new capture to the stored
// baseline for one (workflow, URL) pair.
type comparison struct {
	Similarity float64
	Diff       *model.ChangeDiff
}

// compare dispatches on the snapshot method. Both snapshots are guaranteed
// to share the same method; the detector re-baselines on method change.
func compare(previous, current *model.ContentSnapshot) (*comparison, error) {
	switch previous.Method {
	case model.CaptureDOM:
		return compareDOM(previous.Content, current.Content)
	case model.CaptureText:
		return compareText(previous.Content, current.Content), nil
	case model.CaptureVisual, model.CaptureHash:
		return compareExact(previous.Content, current.Content), nil
	default:
		return nil, fmt.Errorf("unknown capture method: %s", previous.Method)
	}
}

// flatNode is a DOM node keyed by structural path for set comparison.
type flatNode struct {
	Tag   string
	Text  string
	Attrs map[string]string
}

// compareDOM flattens both trees by structural path. Similarity is the
// share of union paths present in both trees with equal tag, text, and
// compared attributes. The diff reports added and removed paths plus
// per-path modifications of tag, attribute, or text.
func compareDOM(prevJSON, currJSON string) (*comparison, error) {
	prev, err := flattenDOM(prevJSON)
	if err != nil {
		return nil, fmt.Errorf("failed to decode baseline dom: %w", err)
	}
	curr, err := flattenDOM(currJSON)
	if err != nil {
		return nil, fmt.Errorf("failed to decode current dom: %w", err)
	}

	diff := &model.ChangeDiff{}
	matching := 0
	union := make(map[string]bool, len(prev)+len(curr))

	for path := range prev {
		union[path] = true
	}
	for path := range curr {
		union[path] = true
	}

	for path := range union {
		p, inPrev := prev[path]
		c, inCurr := curr[path]
		switch {
		case !inPrev:
			diff.Added = append(diff.Added, path)
		case !inCurr:
			diff.Removed = append(diff.Removed, path)
		default:
			equal := true
			if p.Tag != c.Tag {
				equal = false
				diff.Modified = append(diff.Modified, model.ChangeDiffDetail{
					Path: path, Field: "tag", Previous: p.Tag, Current: c.Tag,
				})
			}
			if p.Text != c.Text {
				equal = false
				diff.Modified = append(diff.Modified, model.ChangeDiffDetail{
					Path: path, Field: "text", Previous: p.Text, Current: c.Text,
				})
			}
			if !attrsEqual(p.Attrs, c.Attrs) {
				equal = false
				diff.Modified = append(diff.Modified, model.ChangeDiffDetail{
					Path: path, Field: "attribute",
					Previous: formatAttrs(p.Attrs), Current: formatAttrs(c.Attrs),
				})
			}
			if equal {
				matching++
			}
		}
	}

	sort.Strings(diff.Added)
	sort.Strings(diff.Removed)
	sort.Slice(diff.Modified, func(i, j int) bool {
		return diff.Modified[i].Path < diff.Modified[j].Path
	})

	similarity := 100.0
	if len(union) > 0 {
		similarity = float64(matching) / float64(len(union)) * 100
	}
	return &comparison{Similarity: similarity, Diff: diff}, nil
}

func flattenDOM(encoded string) (map[string]flatNode, error) {
	var root DOMNode
	if err := json.Unmarshal([]byte(encoded), &root); err != nil {
		return nil, err
	}
	flat := make(map[string]flatNode)
	var walk func(*DOMNode)
	walk = func(n *DOMNode) {
		flat[n.Path] = flatNode{Tag: n.Tag, Text: n.Text, Attrs: n.Attributes}
		for _, child := range n.Children {
			walk(child)
		}
	}
	walk(&root)
	return flat, nil
}

// compareText computes a diff sequence plus an edit-distance similarity:
// (len(longer) - levenshtein) / len(longer) * 100. Symmetric by
// construction.
func compareText(prev, curr string) *comparison {
	if prev == curr {
		return &comparison{Similarity: 100, Diff: &model.ChangeDiff{}}
	}

	dmp := diffmatchpatch.New()
	diffs := dmp.DiffMain(prev, curr, false)
	distance := dmp.DiffLevenshtein(diffs)

	longer := len([]rune(prev))
	if l := len([]rune(curr)); l > longer {
		longer = l
	}

	similarity := 0.0
	if longer > 0 {
		similarity = float64(longer-distance) / float64(longer) * 100
	}
	if similarity < 0 {
		similarity = 0
	}

	diff := &model.ChangeDiff{}
	for _, d := range diffs {
		switch d.Type {
		case diffmatchpatch.DiffInsert:
			diff.Added = append(diff.Added, d.Text)
		case diffmatchpatch.DiffDelete:
			diff.Removed = append(diff.Removed, d.Text)
		}
	}
	return &comparison{Similarity: similarity, Diff: diff}
}

// compareExact is the visual and hash contract: byte equality gives 100,
// anything else 0. Similarity stays within [0,100] so a perceptual diff can
// replace this without changing callers.
func compareExact(prev, curr string) *comparison {
	if prev == curr {
		return &comparison{Similarity: 100, Diff: &model.ChangeDiff{}}
	}
	return &comparison{Similarity: 0, Diff: &model.ChangeDiff{}}
}

func attrsEqual(a, b map[string]string) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if b[k] != v {
			return false
		}
	}
	return true
}

func formatAttrs(attrs map[string]string) string {
	if len(attrs) == 0 {
		return ""
	}
	keys := make([]string, 0, len(attrs))
	for k := range attrs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := ""
	for i, k := range keys {
		if i > 0 {
			out += " "
		}
		out += fmt.Sprintf("%s=%q", k, attrs[k])
	}
	return out
}
