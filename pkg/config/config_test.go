package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestConfig_Defaults(t *testing.T) {
	cfg := &Config{}
	cfg.SetDefaults()

	if cfg.Executor.MaxConcurrentTasks != 16 {
		t.Errorf("MaxConcurrentTasks = %d, want 16", cfg.Executor.MaxConcurrentTasks)
	}
	if cfg.Executor.DefaultMaxSteps != 50 {
		t.Errorf("DefaultMaxSteps = %d, want 50", cfg.Executor.DefaultMaxSteps)
	}
	if cfg.Executor.DefaultTimeoutSeconds != 3600 {
		t.Errorf("DefaultTimeoutSeconds = %d, want 3600", cfg.Executor.DefaultTimeoutSeconds)
	}
	if cfg.Executor.DefaultCheckpointInterval != 5 {
		t.Errorf("DefaultCheckpointInterval = %d, want 5", cfg.Executor.DefaultCheckpointInterval)
	}
	if cfg.Scheduler.TickSeconds != 1 {
		t.Errorf("TickSeconds = %d, want 1", cfg.Scheduler.TickSeconds)
	}
	if cfg.Scheduler.MinIntervalSeconds != 60 {
		t.Errorf("MinIntervalSeconds = %d, want 60", cfg.Scheduler.MinIntervalSeconds)
	}
	if cfg.Pipeline.RunDefaultTimeoutSeconds != 3600 {
		t.Errorf("RunDefaultTimeoutSeconds = %d, want 3600", cfg.Pipeline.RunDefaultTimeoutSeconds)
	}
	if cfg.Pipeline.NodeDefaultMaxAttempts != 3 {
		t.Errorf("NodeDefaultMaxAttempts = %d, want 3", cfg.Pipeline.NodeDefaultMaxAttempts)
	}
	if cfg.EventBus.HistoryCapacity != 1000 {
		t.Errorf("HistoryCapacity = %d, want 1000", cfg.EventBus.HistoryCapacity)
	}
	if cfg.Cache.EmbeddingTTL != 24*time.Hour {
		t.Errorf("EmbeddingTTL = %v, want 24h", cfg.Cache.EmbeddingTTL)
	}
	if cfg.Cache.RecallTTL != 5*time.Minute {
		t.Errorf("RecallTTL = %v, want 5m", cfg.Cache.RecallTTL)
	}
	if cfg.Store.Driver != "memory" {
		t.Errorf("Store.Driver = %q, want memory", cfg.Store.Driver)
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{name: "defaults are valid", mutate: func(*Config) {}},
		{
			name:    "postgres without dsn",
			mutate:  func(c *Config) { c.Store.Driver = "postgres" },
			wantErr: true,
		},
		{
			name:    "unknown driver",
			mutate:  func(c *Config) { c.Store.Driver = "sqlite" },
			wantErr: true,
		},
		{
			name:    "min interval below 60",
			mutate:  func(c *Config) { c.Scheduler.MinIntervalSeconds = 30 },
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{}
			cfg.SetDefaults()
			tt.mutate(cfg)
			if err := cfg.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()

	path := filepath.Join(dir, "config.yaml")
	content := `
log_level: debug
executor:
  max_concurrent_tasks: 4
scheduler:
  tick_seconds: 2
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Executor.MaxConcurrentTasks != 4 {
		t.Errorf("MaxConcurrentTasks = %d, want 4", cfg.Executor.MaxConcurrentTasks)
	}
	if cfg.Scheduler.TickSeconds != 2 {
		t.Errorf("TickSeconds = %d, want 2", cfg.Scheduler.TickSeconds)
	}
	// Untouched sections keep their defaults.
	if cfg.Executor.DefaultMaxSteps != 50 {
		t.Errorf("DefaultMaxSteps = %d, want 50", cfg.Executor.DefaultMaxSteps)
	}
}

func TestLoad_RejectsUnknownKeys(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("no_such_section:\n  x: 1\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	if _, err := Load(path); err == nil {
		t.Errorf("Load() accepted unknown keys")
	}
}

func TestLoad_MissingPathUsesDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Executor.MaxConcurrentTasks != 16 {
		t.Errorf("MaxConcurrentTasks = %d, want 16", cfg.Executor.MaxConcurrentTasks)
	}
}
