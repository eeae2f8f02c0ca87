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

// Package daemon assembles the full process: store, event bus, metrics,
// manager, and the public HTTP surface, plus background retention cleanup.
package daemon

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/tombee/watchflow/internal/api"
	"github.com/tombee/watchflow/internal/config"
	"github.com/tombee/watchflow/internal/log"
	"github.com/tombee/watchflow/internal/manager"
	"github.com/tombee/watchflow/internal/metrics"
	"github.com/tombee/watchflow/internal/store"
	"github.com/tombee/watchflow/pkg/browser"
	"github.com/tombee/watchflow/pkg/errors"
	"github.com/tombee/watchflow/pkg/events"
)

// Options carries build metadata injected at link time.
type Options struct {
	Version   string
	Commit    string
	BuildDate string

	// Browser overrides the default static fetcher, for embedding a real
	// engine or a test stub.
	Browser browser.Browser
}

// Daemon is the assembled watchflow process.
type Daemon struct {
	cfg    *config.Config
	opts   Options
	logger *slog.Logger

	bus       *events.Bus
	store     *store.Store
	collector *metrics.Collector
	manager   *manager.Manager
	api       *api.Server
	httpSrv   *http.Server

	stopCh chan struct{}
	doneCh chan struct{}
}

// New assembles the component graph. The store is opened here so that
// configuration errors surface before Start.
func New(cfg *config.Config, opts Options) (*Daemon, error) {
	logger := log.New(&cfg.Log)

	if cfg.Store.Path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(cfg.Store.Path), 0o755); err != nil {
			return nil, errors.Wrap(err, "failed to create data directory")
		}
	}

	bus := events.New()

	st, err := store.Open(cfg.Store, bus)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open store")
	}

	b := opts.Browser
	if b == nil {
		b = browser.NewStatic(nil)
	}

	collector := metrics.New()
	collector.Observe(bus)

	m := manager.New(cfg.Manager, st, bus, b, nil, nil, logger)

	srv := api.NewServer(m, bus, collector, logger)

	d := &Daemon{
		cfg:       cfg,
		opts:      opts,
		logger:    log.WithComponent(logger, "daemon"),
		bus:       bus,
		store:     st,
		collector: collector,
		manager:   m,
		api:       srv,
		httpSrv: &http.Server{
			Addr:              cfg.Server.Addr,
			Handler:           srv.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		},
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
	return d, nil
}

// Logger returns the daemon's root-derived logger.
func (d *Daemon) Logger() *slog.Logger {
	return d.logger
}

// Start brings up the manager, the retention loop, and the HTTP listener.
// It blocks until the listener exits.
func (d *Daemon) Start(ctx context.Context) error {
	d.logger.Info("starting",
		slog.String("version", d.opts.Version),
		slog.String("addr", d.cfg.Server.Addr),
		slog.String("db", d.cfg.Store.Path))

	if err := d.manager.Start(ctx); err != nil {
		return errors.Wrap(err, "failed to start manager")
	}

	d.api.Start()
	go d.retentionLoop(ctx)

	err := d.httpSrv.ListenAndServe()
	if err != nil && err != http.ErrServerClosed {
		return errors.Wrap(err, "http server failed")
	}
	return nil
}

// Shutdown stops accepting requests, then tears components down in reverse
// dependency order.
func (d *Daemon) Shutdown(ctx context.Context) error {
	d.logger.Info("shutting down")

	close(d.stopCh)

	shutdownCtx, cancel := context.WithTimeout(ctx, d.cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := d.httpSrv.Shutdown(shutdownCtx); err != nil {
		d.logger.Warn("http shutdown incomplete", slog.String("error", err.Error()))
	}

	d.api.Stop()
	d.manager.Stop()
	d.collector.Close()
	d.bus.Close()

	if err := d.store.Close(); err != nil {
		return errors.Wrap(err, "failed to close store")
	}

	<-d.doneCh
	return nil
}

// retentionLoop periodically deletes runs and acknowledged changes older
// than the configured retention windows.
func (d *Daemon) retentionLoop(ctx context.Context) {
	defer close(d.doneCh)

	if d.cfg.Retention.RunDays <= 0 && d.cfg.Retention.ChangeDays <= 0 {
		<-d.stopCh
		return
	}

	ticker := time.NewTicker(d.cfg.Retention.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-d.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.runCleanup(ctx)
		}
	}
}

func (d *Daemon) runCleanup(ctx context.Context) {
	now := time.Now().UTC()

	if days := d.cfg.Retention.RunDays; days > 0 {
		cutoff := now.AddDate(0, 0, -days)
		n, err := d.store.CleanupRuns(ctx, cutoff)
		if err != nil {
			d.logger.Error("run cleanup failed", slog.String("error", err.Error()))
		} else if n > 0 {
			d.logger.Info("cleaned up old runs", slog.Int64("deleted", n))
		}
	}

	if days := d.cfg.Retention.ChangeDays; days > 0 {
		cutoff := now.AddDate(0, 0, -days)
		n, err := d.store.CleanupChanges(ctx, cutoff)
		if err != nil {
			d.logger.Error("change cleanup failed", slog.String("error", err.Error()))
		} else if n > 0 {
			d.logger.Info("cleaned up old changes", slog.Int64("deleted", n))
		}
	}
}
