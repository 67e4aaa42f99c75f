// Copyright 2025 Kadir Pekel
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

// Package config defines the platform configuration.
//
// Configuration is YAML with strict decoding: unknown keys are rejected.
// Every section has SetDefaults and Validate; zero values mean "use the
// default".
//
// Example:
//
//	executor:
//	  max_concurrent_tasks: 16
//	  default_max_steps: 50
//	scheduler:
//	  tick_seconds: 1
//	store:
//	  driver: postgres
//	  dsn: postgres://localhost/gathering?sslmode=disable
package config

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration.
type Config struct {
	LogLevel  string          `yaml:"log_level,omitempty"`
	LogFormat string          `yaml:"log_format,omitempty"`
	Executor  ExecutorConfig  `yaml:"executor,omitempty"`
	Scheduler SchedulerConfig `yaml:"scheduler,omitempty"`
	Pipeline  PipelineConfig  `yaml:"pipeline,omitempty"`
	EventBus  EventBusConfig  `yaml:"eventbus,omitempty"`
	Cache     CacheConfig     `yaml:"cache,omitempty"`
	Store     StoreConfig     `yaml:"store,omitempty"`
	Server    ServerConfig    `yaml:"server,omitempty"`
	WS        WSConfig        `yaml:"ws,omitempty"`
}

// ExecutorConfig bounds the background task executor.
type ExecutorConfig struct {
	// MaxConcurrentTasks limits simultaneously running task loops.
	// Excess starts are refused. Default: 16
	MaxConcurrentTasks int `yaml:"max_concurrent_tasks,omitempty"`

	// DefaultMaxSteps bounds a task's loop iterations. Default: 50
	DefaultMaxSteps int `yaml:"default_max_steps,omitempty"`

	// DefaultTimeoutSeconds bounds a task's wall clock. Default: 3600
	DefaultTimeoutSeconds int `yaml:"default_timeout_seconds,omitempty"`

	// DefaultCheckpointInterval persists progress every N steps. Default: 5
	DefaultCheckpointInterval int `yaml:"default_checkpoint_interval,omitempty"`

	// WorkerCallTimeoutSeconds bounds a single Worker call. Default: 120
	WorkerCallTimeoutSeconds int `yaml:"worker_call_timeout_seconds,omitempty"`
}

// SchedulerConfig tunes the scheduled action dispatcher.
type SchedulerConfig struct {
	// TickSeconds is the scheduler resolution. Default: 1
	TickSeconds int `yaml:"tick_seconds,omitempty"`

	// MinIntervalSeconds is the floor for interval schedules. Enforced: 60
	MinIntervalSeconds int `yaml:"min_interval_seconds,omitempty"`
}

// PipelineConfig tunes the DAG engine.
type PipelineConfig struct {
	// RunDefaultTimeoutSeconds bounds a pipeline run. Default: 3600
	RunDefaultTimeoutSeconds int `yaml:"run_default_timeout_seconds,omitempty"`

	// NodeDefaultMaxAttempts bounds per-node retries. Default: 3
	NodeDefaultMaxAttempts int `yaml:"node_default_max_attempts,omitempty"`
}

// EventBusConfig tunes the in-process bus.
type EventBusConfig struct {
	// HistoryCapacity bounds the event ring buffer. Default: 1000
	HistoryCapacity int `yaml:"history_capacity,omitempty"`
}

// CacheConfig tunes the two-tier cache.
type CacheConfig struct {
	// RedisAddr is the shared tier address. Empty disables the shared
	// tier; the cache degrades to the in-process tier only.
	RedisAddr     string `yaml:"redis_addr,omitempty"`
	RedisPassword string `yaml:"redis_password,omitempty"`
	RedisDB       int    `yaml:"redis_db,omitempty"`

	// LRUSize bounds the in-process tier. Default: 1000
	LRUSize int `yaml:"lru_size,omitempty"`

	// EmbeddingTTL for cached embeddings. Default: 24h
	EmbeddingTTL time.Duration `yaml:"embedding_ttl,omitempty"`

	// RecallTTL for cached recall results. Default: 5m
	RecallTTL time.Duration `yaml:"recall_ttl,omitempty"`

	// CircleContextTTL for cached circle contexts. Default: 10m
	CircleContextTTL time.Duration `yaml:"circle_context_ttl,omitempty"`
}

// StoreConfig selects and configures persistence.
type StoreConfig struct {
	// Driver: "postgres" or "memory". Default: memory
	Driver string `yaml:"driver,omitempty"`

	// DSN for the postgres driver.
	DSN string `yaml:"dsn,omitempty"`

	// EmbeddingDim is the fixed vector dimensionality. Default: 384
	EmbeddingDim int `yaml:"embedding_dim,omitempty"`
}

// ServerConfig configures the HTTP/WebSocket server.
type ServerConfig struct {
	// Host to bind. Default: 127.0.0.1
	Host string `yaml:"host,omitempty"`

	// Port to listen on. Default: 8080
	Port int `yaml:"port,omitempty"`
}

// WSConfig tunes the WebSocket hub.
type WSConfig struct {
	// HeartbeatIntervalSeconds between server pings. Default: 30
	HeartbeatIntervalSeconds int `yaml:"heartbeat_interval_seconds,omitempty"`

	// WriteTimeoutSeconds bounds a single client write. Default: 10
	WriteTimeoutSeconds int `yaml:"write_timeout_seconds,omitempty"`
}

// SetDefaults applies default values.
func (c *Config) SetDefaults() {
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.LogFormat == "" {
		c.LogFormat = "simple"
	}
	c.Executor.SetDefaults()
	c.Scheduler.SetDefaults()
	c.Pipeline.SetDefaults()
	c.EventBus.SetDefaults()
	c.Cache.SetDefaults()
	c.Store.SetDefaults()
	c.Server.SetDefaults()
	c.WS.SetDefaults()
}

func (c *ExecutorConfig) SetDefaults() {
	if c.MaxConcurrentTasks == 0 {
		c.MaxConcurrentTasks = 16
	}
	if c.DefaultMaxSteps == 0 {
		c.DefaultMaxSteps = 50
	}
	if c.DefaultTimeoutSeconds == 0 {
		c.DefaultTimeoutSeconds = 3600
	}
	if c.DefaultCheckpointInterval == 0 {
		c.DefaultCheckpointInterval = 5
	}
	if c.WorkerCallTimeoutSeconds == 0 {
		c.WorkerCallTimeoutSeconds = 120
	}
}

func (c *SchedulerConfig) SetDefaults() {
	if c.TickSeconds == 0 {
		c.TickSeconds = 1
	}
	if c.MinIntervalSeconds == 0 {
		c.MinIntervalSeconds = 60
	}
}

func (c *PipelineConfig) SetDefaults() {
	if c.RunDefaultTimeoutSeconds == 0 {
		c.RunDefaultTimeoutSeconds = 3600
	}
	if c.NodeDefaultMaxAttempts == 0 {
		c.NodeDefaultMaxAttempts = 3
	}
}

func (c *EventBusConfig) SetDefaults() {
	if c.HistoryCapacity == 0 {
		c.HistoryCapacity = 1000
	}
}

func (c *CacheConfig) SetDefaults() {
	if c.LRUSize == 0 {
		c.LRUSize = 1000
	}
	if c.EmbeddingTTL == 0 {
		c.EmbeddingTTL = 24 * time.Hour
	}
	if c.RecallTTL == 0 {
		c.RecallTTL = 5 * time.Minute
	}
	if c.CircleContextTTL == 0 {
		c.CircleContextTTL = 10 * time.Minute
	}
}

func (c *StoreConfig) SetDefaults() {
	if c.Driver == "" {
		c.Driver = "memory"
	}
	if c.EmbeddingDim == 0 {
		c.EmbeddingDim = 384
	}
}

func (c *ServerConfig) SetDefaults() {
	if c.Host == "" {
		c.Host = "127.0.0.1"
	}
	if c.Port == 0 {
		c.Port = 8080
	}
}

func (c *WSConfig) SetDefaults() {
	if c.HeartbeatIntervalSeconds == 0 {
		c.HeartbeatIntervalSeconds = 30
	}
	if c.WriteTimeoutSeconds == 0 {
		c.WriteTimeoutSeconds = 10
	}
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	if c.Executor.MaxConcurrentTasks < 1 {
		return fmt.Errorf("executor.max_concurrent_tasks must be >= 1")
	}
	if c.Scheduler.TickSeconds < 1 {
		return fmt.Errorf("scheduler.tick_seconds must be >= 1")
	}
	if c.Scheduler.MinIntervalSeconds < 60 {
		return fmt.Errorf("scheduler.min_interval_seconds must be >= 60")
	}
	if c.Store.Driver != "postgres" && c.Store.Driver != "memory" {
		return fmt.Errorf("store.driver must be postgres or memory, got %q", c.Store.Driver)
	}
	if c.Store.Driver == "postgres" && c.Store.DSN == "" {
		return fmt.Errorf("store.dsn is required for the postgres driver")
	}
	if c.Store.EmbeddingDim < 1 {
		return fmt.Errorf("store.embedding_dim must be >= 1")
	}
	return nil
}

// Load reads a YAML config file. Unknown keys are rejected. A missing path
// yields the defaults.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		if err := decodeStrict(data, cfg); err != nil {
			return nil, err
		}
	}

	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func decodeStrict(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return fmt.Errorf("failed to parse config: %w", err)
	}
	return nil
}
