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

// Package store provides the SQLite repository for watchflow entities.
// It is the only component that writes to durable storage. Every mutation
// publishes a typed event on the bus after the transaction commits;
// consumers must treat those events as hints, never as the source of truth.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/tombee/watchflow/pkg/events"
)

// DefaultPageSize bounds list queries when the caller does not set a limit.
const DefaultPageSize = 100

// MaxPageSize is the hard upper bound for list queries.
const MaxPageSize = 500

// cleanupBatchSize bounds each delete statement during retention cleanup.
const cleanupBatchSize = 500

// Config contains store configuration.
type Config struct {
	// Path is the database file path. Use ":memory:" for tests.
	Path string

	// WAL enables Write-Ahead Logging mode for concurrent reads.
	WAL bool
}

// Store is a SQLite-backed repository.
type Store struct {
	db  *sql.DB
	bus *events.Bus
}

// Open creates a store, configures pragmas, and runs migrations.
// The bus may be nil; no events are published then.
func Open(cfg Config, bus *events.Bus) (*Store, error) {
	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite serializes writes, so keep a single connection.
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	s := &Store{db: db, bus: bus}

	if err := s.configurePragmas(ctx, cfg.WAL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to configure pragmas: %w", err)
	}

	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return s, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) configurePragmas(ctx context.Context, enableWAL bool) error {
	pragmas := []string{
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
		"PRAGMA auto_vacuum=INCREMENTAL",
		"PRAGMA synchronous=NORMAL",
	}
	if enableWAL {
		pragmas = append(pragmas, "PRAGMA journal_mode=WAL")
	}

	for _, pragma := range pragmas {
		if _, err := s.db.ExecContext(ctx, pragma); err != nil {
			return fmt.Errorf("failed to execute %s: %w", pragma, err)
		}
	}
	return nil
}

func (s *Store) migrate(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS workflows (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			status TEXT NOT NULL,
			schedule_kind TEXT NOT NULL DEFAULT 'none',
			schedule_spec TEXT,
			timezone TEXT NOT NULL DEFAULT 'UTC',
			change_detection_enabled INTEGER DEFAULT 0,
			change_detection_config TEXT,
			playbook_id TEXT,
			execution_config TEXT,
			rate_limit TEXT,
			metrics TEXT,
			last_run TEXT,
			next_run TEXT,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_workflows_status ON workflows(status)`,
		`CREATE TABLE IF NOT EXISTS playbooks (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			definition TEXT NOT NULL,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS triggers (
			id TEXT PRIMARY KEY,
			workflow_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			config TEXT,
			enabled INTEGER DEFAULT 1,
			trigger_count INTEGER DEFAULT 0,
			last_triggered TEXT,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			FOREIGN KEY (workflow_id) REFERENCES workflows(id) ON DELETE CASCADE
		)`,
		`CREATE INDEX IF NOT EXISTS idx_triggers_workflow ON triggers(workflow_id)`,
		`CREATE TABLE IF NOT EXISTS actions (
			id TEXT PRIMARY KEY,
			workflow_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			ord INTEGER NOT NULL,
			seq INTEGER,
			enabled INTEGER DEFAULT 1,
			retry_on_failure INTEGER DEFAULT 0,
			retry_attempts INTEGER DEFAULT 0,
			retry_delay INTEGER DEFAULT 0,
			continue_on_error INTEGER DEFAULT 0,
			config TEXT,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			FOREIGN KEY (workflow_id) REFERENCES workflows(id) ON DELETE CASCADE
		)`,
		`CREATE INDEX IF NOT EXISTS idx_actions_workflow ON actions(workflow_id, ord, seq)`,
		`CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			workflow_id TEXT NOT NULL,
			run_number INTEGER NOT NULL,
			status TEXT NOT NULL,
			trigger_kind TEXT,
			triggered_by TEXT,
			started_at TEXT,
			completed_at TEXT,
			duration INTEGER DEFAULT 0,
			extracted_data TEXT,
			step_results TEXT,
			actions_executed TEXT,
			error TEXT,
			created_at TEXT NOT NULL,
			UNIQUE (workflow_id, run_number),
			FOREIGN KEY (workflow_id) REFERENCES workflows(id) ON DELETE CASCADE
		)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_workflow ON runs(workflow_id)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_created_at ON runs(created_at)`,
		`CREATE TABLE IF NOT EXISTS changes (
			id TEXT PRIMARY KEY,
			workflow_id TEXT NOT NULL,
			run_id TEXT,
			url TEXT NOT NULL,
			kind TEXT NOT NULL,
			severity TEXT NOT NULL,
			similarity REAL NOT NULL,
			change_score REAL NOT NULL,
			previous_value TEXT,
			current_value TEXT,
			diff TEXT,
			screenshot BLOB,
			detected_at TEXT NOT NULL,
			acknowledged INTEGER DEFAULT 0,
			notified INTEGER DEFAULT 0,
			FOREIGN KEY (workflow_id) REFERENCES workflows(id) ON DELETE CASCADE
		)`,
		`CREATE INDEX IF NOT EXISTS idx_changes_workflow ON changes(workflow_id)`,
		`CREATE INDEX IF NOT EXISTS idx_changes_detected_at ON changes(detected_at)`,
		`CREATE TABLE IF NOT EXISTS snapshots (
			workflow_id TEXT NOT NULL,
			url TEXT NOT NULL,
			method TEXT NOT NULL,
			content TEXT,
			content_hash TEXT,
			metadata TEXT,
			status_code INTEGER DEFAULT 0,
			captured_at TEXT NOT NULL,
			PRIMARY KEY (workflow_id, url),
			FOREIGN KEY (workflow_id) REFERENCES workflows(id) ON DELETE CASCADE
		)`,
	}

	for _, migration := range migrations {
		if _, err := s.db.ExecContext(ctx, migration); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

// emit publishes an event when a bus is attached. Called after commits only.
func (s *Store) emit(ctx context.Context, t events.Type, data map[string]any) {
	if s.bus != nil {
		s.bus.Emit(ctx, t, data)
	}
}

// CleanupRuns deletes terminal runs older than the cutoff in bounded batches
// and returns the number removed.
func (s *Store) CleanupRuns(ctx context.Context, olderThan time.Time) (int64, error) {
	return s.cleanupBatched(ctx,
		`DELETE FROM runs WHERE id IN (
			SELECT id FROM runs
			WHERE created_at < ? AND status NOT IN ('pending', 'running')
			LIMIT ?
		)`, olderThan)
}

// CleanupChanges deletes acknowledged changes older than the cutoff in
// bounded batches and returns the number removed. Unacknowledged changes
// are never eligible.
func (s *Store) CleanupChanges(ctx context.Context, olderThan time.Time) (int64, error) {
	return s.cleanupBatched(ctx,
		`DELETE FROM changes WHERE id IN (
			SELECT id FROM changes
			WHERE detected_at < ? AND acknowledged = 1
			LIMIT ?
		)`, olderThan)
}

func (s *Store) cleanupBatched(ctx context.Context, query string, olderThan time.Time) (int64, error) {
	var total int64
	cutoff := formatTime(&olderThan)
	for {
		res, err := s.db.ExecContext(ctx, query, cutoff, cleanupBatchSize)
		if err != nil {
			return total, fmt.Errorf("cleanup failed: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return total, err
		}
		total += n
		if n < cleanupBatchSize {
			return total, nil
		}
	}
}

// helpers shared by the entity files

func formatTime(t *time.Time) any {
	if t == nil || t.IsZero() {
		return nil
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s sql.NullString) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, s.String)
	if err != nil {
		return nil
	}
	return &t
}

func mustParseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func clampLimit(limit int) int {
	switch {
	case limit <= 0:
		return DefaultPageSize
	case limit > MaxPageSize:
		return MaxPageSize
	default:
		return limit
	}
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "constraint failed: UNIQUE")
}

func nowUTC() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}
