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
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/watchflow/pkg/errors"
)

const staticPage = `<html><head><title>Shop</title></head><body>
<h1>Deals</h1>
<div class="price" id="main-price">$19.99</div>
<script>ignored()</script>
</body></html>`

func newStaticTab(t *testing.T) (Tab, string) {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(staticPage))
	}))
	t.Cleanup(srv.Close)

	tab, err := NewStatic(nil).NewTab(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { tab.Close() })
	return tab, srv.URL
}

func TestStaticNavigateAndContent(t *testing.T) {
	tab, url := newStaticTab(t)
	ctx := context.Background()

	require.NoError(t, tab.Navigate(ctx, url))
	assert.Equal(t, http.StatusOK, tab.StatusCode())

	content, err := tab.Content(ctx)
	require.NoError(t, err)
	assert.Contains(t, content, "<h1>Deals</h1>")
}

func TestStaticTextSelectors(t *testing.T) {
	tab, url := newStaticTab(t)
	ctx := context.Background()
	require.NoError(t, tab.Navigate(ctx, url))

	text, err := tab.Text(ctx, "h1")
	require.NoError(t, err)
	assert.Equal(t, "Deals", text)

	text, err = tab.Text(ctx, "#main-price")
	require.NoError(t, err)
	assert.Equal(t, "$19.99", text)

	text, err = tab.Text(ctx, ".price")
	require.NoError(t, err)
	assert.Equal(t, "$19.99", text)

	text, err = tab.Text(ctx, "div.price")
	require.NoError(t, err)
	assert.Equal(t, "$19.99", text)

	// Body text excludes script content.
	text, err = tab.Text(ctx, "")
	require.NoError(t, err)
	assert.NotContains(t, text, "ignored")

	_, err = tab.Text(ctx, "#missing")
	assert.True(t, errors.IsNotFound(err))
}

func TestStaticWaitForSelector(t *testing.T) {
	tab, url := newStaticTab(t)
	ctx := context.Background()
	require.NoError(t, tab.Navigate(ctx, url))

	assert.NoError(t, tab.WaitForSelector(ctx, ".price"))
	assert.Error(t, tab.WaitForSelector(ctx, ".absent"))
}

func TestStaticUnsupportedOperations(t *testing.T) {
	tab, url := newStaticTab(t)
	ctx := context.Background()
	require.NoError(t, tab.Navigate(ctx, url))

	_, err := tab.Evaluate(ctx, "1+1")
	assert.Error(t, err)

	_, err = tab.Screenshot(ctx)
	assert.Error(t, err)

	assert.Error(t, tab.Click(ctx, "h1"))
	assert.Error(t, tab.Type(ctx, "input", "x"))
}
