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

// Package config loads and validates the daemon configuration. Values come
// from defaults, then an optional YAML file, then environment overrides, in
// that order.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tombee/watchflow/internal/log"
	"github.com/tombee/watchflow/internal/manager"
	"github.com/tombee/watchflow/internal/store"
	"github.com/tombee/watchflow/pkg/errors"
)

// Config is the root daemon configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Log       log.Config      `yaml:"log"`
	Store     store.Config    `yaml:"store"`
	Manager   manager.Config  `yaml:"manager"`
	Retention RetentionConfig `yaml:"retention"`
}

// ServerConfig configures the public HTTP listener.
type ServerConfig struct {
	// Addr is the listen address, host:port.
	Addr string `yaml:"addr"`

	// ShutdownTimeout bounds graceful shutdown of in-flight requests.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// RetentionConfig controls background cleanup of old run and change records.
type RetentionConfig struct {
	// RunDays is how long completed runs are kept. Zero disables cleanup.
	RunDays int `yaml:"run_days"`

	// ChangeDays is how long acknowledged changes are kept. Zero disables
	// cleanup.
	ChangeDays int `yaml:"change_days"`

	// Interval is how often the cleanup pass runs.
	Interval time.Duration `yaml:"interval"`
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ShutdownTimeout: 10 * time.Second,
		},
		Log: *log.DefaultConfig(),
		Store: store.Config{
			Path: defaultDBPath(),
			WAL:  true,
		},
		Manager: manager.Config{
			WatchInterval: time.Minute,
		},
		Retention: RetentionConfig{
			RunDays:    30,
			ChangeDays: 30,
			Interval:   time.Hour,
		},
	}
}

// Load reads configuration from the given path, falling back to defaults
// when path is empty or the file does not exist. Environment variables are
// applied last.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		if err := cfg.loadFromFile(path); err != nil {
			return nil, err
		}
	}

	cfg.applyDefaults()
	cfg.loadFromEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &errors.NotFoundError{Resource: "config file", ID: path}
		}
		return errors.Wrapf(err, "failed to read config file %s", path)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return errors.Wrapf(err, "failed to parse config file %s", path)
	}
	return nil
}

// applyDefaults fills in zero values left by a partial config file.
func (c *Config) applyDefaults() {
	def := Default()

	if c.Server.Addr == "" {
		c.Server.Addr = def.Server.Addr
	}
	if c.Server.ShutdownTimeout <= 0 {
		c.Server.ShutdownTimeout = def.Server.ShutdownTimeout
	}
	if c.Log.Level == "" {
		c.Log.Level = def.Log.Level
	}
	if c.Log.Format == "" {
		c.Log.Format = def.Log.Format
	}
	if c.Store.Path == "" {
		c.Store.Path = def.Store.Path
	}
	if c.Manager.WatchInterval <= 0 {
		c.Manager.WatchInterval = def.Manager.WatchInterval
	}
	if c.Retention.Interval <= 0 {
		c.Retention.Interval = def.Retention.Interval
	}
}

// loadFromEnv applies environment variable overrides.
// Supported variables:
//   - WATCHFLOW_ADDR: HTTP listen address
//   - WATCHFLOW_DB_PATH: SQLite database path
//   - LOG_LEVEL, LOG_FORMAT, LOG_SOURCE, WATCHFLOW_DEBUG: see the log package
func (c *Config) loadFromEnv() {
	if addr := os.Getenv("WATCHFLOW_ADDR"); addr != "" {
		c.Server.Addr = addr
	}
	if path := os.Getenv("WATCHFLOW_DB_PATH"); path != "" {
		c.Store.Path = path
	}

	env := log.FromEnv()
	if os.Getenv("LOG_LEVEL") != "" || os.Getenv("WATCHFLOW_DEBUG") != "" {
		c.Log.Level = env.Level
	}
	if os.Getenv("LOG_FORMAT") != "" {
		c.Log.Format = env.Format
	}
	if env.AddSource {
		c.Log.AddSource = true
	}
}

// Validate checks the configuration for invalid values.
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return &errors.ValidationError{Field: "server.addr", Message: "listen address is required"}
	}
	if c.Store.Path == "" {
		return &errors.ValidationError{Field: "store.path", Message: "database path is required"}
	}
	if c.Retention.RunDays < 0 {
		return &errors.ValidationError{Field: "retention.run_days", Message: "must not be negative"}
	}
	if c.Retention.ChangeDays < 0 {
		return &errors.ValidationError{Field: "retention.change_days", Message: "must not be negative"}
	}
	switch c.Log.Format {
	case log.FormatJSON, log.FormatText:
	default:
		return &errors.ValidationError{
			Field:      "log.format",
			Message:    fmt.Sprintf("unknown format %q", c.Log.Format),
			Suggestion: "use json or text",
		}
	}
	return nil
}

func defaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "watchflow.db"
	}
	return filepath.Join(home, ".watchflow", "watchflow.db")
}
