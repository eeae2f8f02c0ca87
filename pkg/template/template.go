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

// Package template implements {{path.to.value}} interpolation against an
// execution context. Resolution is a pure function; action and step handlers
// never parse templates themselves.
package template

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

var placeholderRe = regexp.MustCompile(`\{\{\s*([a-zA-Z0-9_.\-\[\]]+)\s*\}\}`)

// Resolve substitutes every {{dotted.path}} placeholder in s with the value
// found at that path in ctx. Unresolved placeholders are left literal.
func Resolve(s string, ctx map[string]any) string {
	return placeholderRe.ReplaceAllStringFunc(s, func(match string) string {
		path := strings.TrimSpace(match[2 : len(match)-2])
		val, ok := Lookup(ctx, path)
		if !ok {
			return match
		}
		return stringify(val)
	})
}

// ResolveValue walks an arbitrary config value and resolves templates in
// every string it contains, recursing through maps and slices. If a string
// consists of exactly one placeholder, the referenced value is substituted
// with its original type preserved.
func ResolveValue(v any, ctx map[string]any) any {
	switch val := v.(type) {
	case string:
		if path, ok := solePlaceholder(val); ok {
			if resolved, found := Lookup(ctx, path); found {
				return resolved
			}
			return val
		}
		return Resolve(val, ctx)
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = ResolveValue(item, ctx)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = ResolveValue(item, ctx)
		}
		return out
	default:
		return v
	}
}

// Lookup walks the dotted path through nested maps and returns the value.
func Lookup(ctx map[string]any, path string) (any, bool) {
	parts := strings.Split(path, ".")
	var current any = ctx
	for _, part := range parts {
		m, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

// solePlaceholder reports whether s is exactly one placeholder and returns
// its path.
func solePlaceholder(s string) (string, bool) {
	loc := placeholderRe.FindStringSubmatchIndex(s)
	if loc == nil || loc[0] != 0 || loc[1] != len(s) {
		return "", false
	}
	return strings.TrimSpace(s[loc[2]:loc[3]]), true
}

// stringify renders a resolved value for embedding in a string template.
// Maps and slices are rendered as compact JSON.
func stringify(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case nil:
		return ""
	case float64, int, int64, bool:
		return fmt.Sprintf("%v", val)
	default:
		if b, err := json.Marshal(val); err == nil {
			return string(b)
		}
		return fmt.Sprintf("%v", val)
	}
}
