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

package template

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func testContext() map[string]any {
	return map[string]any{
		"title": "Sale",
		"price": 19.99,
		"product": map[string]any{
			"name": "keyboard",
			"meta": map[string]any{"sku": "KB-1"},
		},
		"tags": []any{"a", "b"},
	}
}

func TestResolve(t *testing.T) {
	ctx := testContext()

	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{"plain string untouched", "no placeholders", "no placeholders"},
		{"simple substitution", "New: {{title}}", "New: Sale"},
		{"dotted path", "{{product.name}} restocked", "keyboard restocked"},
		{"deep path", "sku={{product.meta.sku}}", "sku=KB-1"},
		{"number stringified", "costs {{price}}", "costs 19.99"},
		{"unresolved left literal", "hi {{missing.path}}", "hi {{missing.path}}"},
		{"multiple placeholders", "{{title}}: {{product.name}}", "Sale: keyboard"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, Resolve(tt.input, ctx))
		})
	}
}

func TestResolveValuePreservesType(t *testing.T) {
	ctx := testContext()

	// A string that is exactly one placeholder yields the underlying value.
	assert.Equal(t, 19.99, ResolveValue("{{price}}", ctx))
	assert.Equal(t, []any{"a", "b"}, ResolveValue("{{tags}}", ctx))

	// Mixed content falls back to string interpolation.
	assert.Equal(t, "price: 19.99", ResolveValue("price: {{price}}", ctx))
}

func TestResolveValueWalksContainers(t *testing.T) {
	ctx := testContext()

	in := map[string]any{
		"body": map[string]any{"name": "{{product.name}}"},
		"list": []any{"{{title}}", "static"},
	}
	out := ResolveValue(in, ctx).(map[string]any)

	assert.Equal(t, "keyboard", out["body"].(map[string]any)["name"])
	assert.Equal(t, []any{"Sale", "static"}, out["list"])
}

func TestLookup(t *testing.T) {
	ctx := testContext()

	v, ok := Lookup(ctx, "product.meta.sku")
	assert.True(t, ok)
	assert.Equal(t, "KB-1", v)

	_, ok = Lookup(ctx, "product.absent")
	assert.False(t, ok)

	// A path through a non-map fails rather than panicking.
	_, ok = Lookup(ctx, "title.deeper")
	assert.False(t, ok)
}
