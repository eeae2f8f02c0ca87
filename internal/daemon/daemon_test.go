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

package daemon

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/watchflow/internal/config"
	"github.com/tombee/watchflow/internal/model"
	"github.com/tombee/watchflow/internal/store"
	"github.com/tombee/watchflow/pkg/browser"
)

func newTestDaemon(t *testing.T) *Daemon {
	t.Helper()

	cfg := config.Default()
	cfg.Store.Path = filepath.Join(t.TempDir(), "test.db")
	cfg.Retention.RunDays = 1
	cfg.Retention.ChangeDays = 1

	d, err := New(cfg, Options{Version: "test", Browser: browser.NewStub()})
	require.NoError(t, err)
	t.Cleanup(func() { d.store.Close() })
	return d
}

func TestNewAssemblesComponents(t *testing.T) {
	d := newTestDaemon(t)

	assert.NotNil(t, d.manager)
	assert.NotNil(t, d.api)
	assert.NotNil(t, d.collector)
	assert.Equal(t, ":8080", d.httpSrv.Addr)
}

func TestCleanupRemovesOnlyTerminalRuns(t *testing.T) {
	d := newTestDaemon(t)
	ctx := context.Background()

	wf := &model.Workflow{Name: "old", Status: model.WorkflowActive}
	require.NoError(t, d.store.CreateWorkflow(ctx, wf))

	done := &model.Run{WorkflowID: wf.ID, Status: model.RunSuccess, TriggerKind: model.TriggerManual}
	require.NoError(t, d.store.CreateRun(ctx, done))

	active := &model.Run{WorkflowID: wf.ID, Status: model.RunRunning, TriggerKind: model.TriggerManual}
	require.NoError(t, d.store.CreateRun(ctx, active))

	// A cutoff past both creation times makes the terminal run eligible;
	// the running one must survive regardless.
	n, err := d.store.CleanupRuns(ctx, time.Now().UTC().Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	runs, err := d.store.ListRuns(ctx, store.RunFilter{WorkflowID: wf.ID})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, active.ID, runs[0].ID)
}

func TestRetentionPassKeepsRecentRuns(t *testing.T) {
	d := newTestDaemon(t)
	ctx := context.Background()

	wf := &model.Workflow{Name: "fresh", Status: model.WorkflowActive}
	require.NoError(t, d.store.CreateWorkflow(ctx, wf))

	run := &model.Run{WorkflowID: wf.ID, Status: model.RunSuccess, TriggerKind: model.TriggerManual}
	require.NoError(t, d.store.CreateRun(ctx, run))

	d.runCleanup(ctx)

	runs, err := d.store.ListRuns(ctx, store.RunFilter{WorkflowID: wf.ID})
	require.NoError(t, err)
	assert.Len(t, runs, 1)
}
