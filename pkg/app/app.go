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

// Package app is the aggregate root: it builds the object graph at
// startup and threads the single App value through. No component holds
// ambient process-wide state.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/kadirpekel/gathering/pkg/agent"
	"github.com/kadirpekel/gathering/pkg/bus"
	"github.com/kadirpekel/gathering/pkg/cache"
	"github.com/kadirpekel/gathering/pkg/circle"
	"github.com/kadirpekel/gathering/pkg/config"
	"github.com/kadirpekel/gathering/pkg/executor"
	"github.com/kadirpekel/gathering/pkg/memory"
	"github.com/kadirpekel/gathering/pkg/pipeline"
	"github.com/kadirpekel/gathering/pkg/scheduler"
	"github.com/kadirpekel/gathering/pkg/server"
	"github.com/kadirpekel/gathering/pkg/store"
	"github.com/kadirpekel/gathering/pkg/store/memstore"
	"github.com/kadirpekel/gathering/pkg/store/postgres"
	"github.com/kadirpekel/gathering/pkg/worker"
	"github.com/kadirpekel/gathering/pkg/ws"
)

const shutdownGrace = 10 * time.Second

// App holds the constructed object graph.
type App struct {
	Config *config.Config

	Store     store.Store
	Bus       *bus.Bus
	Cache     *cache.Cache
	Hub       *ws.Hub
	Agents    *agent.Service
	Circles   *circle.Service
	Memory    *memory.Service
	Executor  *executor.Executor
	Scheduler *scheduler.Scheduler
	Pipelines *pipeline.Engine
	Server    *server.Server

	worker worker.Worker
}

// New builds the object graph. The worker is the platform's LLM
// collaborator; the registry supplies pipeline actions and predicates.
func New(cfg *config.Config, w worker.Worker, registry *pipeline.Registry) (*App, error) {
	st, err := openStore(cfg.Store)
	if err != nil {
		return nil, err
	}

	b := bus.New(cfg.EventBus.HistoryCapacity)

	c, err := cache.New(cfg.Cache)
	if err != nil {
		return nil, fmt.Errorf("failed to create cache: %w", err)
	}

	exec := executor.New(cfg.Executor, st, b)
	app := &App{
		Config:   cfg,
		Store:    st,
		Bus:      b,
		Cache:    c,
		Hub:      ws.NewHub(cfg.WS, b),
		Agents:   agent.NewService(st, b),
		Circles:  circle.NewService(st, b, c),
		Memory:   memory.NewService(st, c, b, w),
		Executor: exec,
		Scheduler: scheduler.New(cfg.Scheduler, st, exec, b,
			func(string) worker.Worker { return w }),
		Pipelines: pipeline.NewEngine(cfg.Pipeline, st, b, w, registry),
		worker:    w,
	}

	app.Server = server.New(cfg.Server, cfg.WS, app.Hub, map[string]server.StatsFunc{
		"bus":       func() any { return app.Bus.Stats() },
		"cache":     func() any { return app.Cache.Stats() },
		"ws":        func() any { return app.Hub.Stats() },
		"executor":  func() any { return app.Executor.Stats() },
		"scheduler": func() any { return app.Scheduler.Stats() },
		"pipeline":  func() any { return app.Pipelines.Stats() },
	})
	return app, nil
}

func openStore(cfg config.StoreConfig) (store.Store, error) {
	switch cfg.Driver {
	case "postgres":
		st, err := postgres.New(cfg.DSN, cfg.EmbeddingDim)
		if err != nil {
			return nil, err
		}
		if err := st.Migrate(context.Background()); err != nil {
			return nil, err
		}
		return st, nil
	case "memory":
		return memstore.New()
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}

// Start brings components up in dependency order and recovers persisted
// work.
func (a *App) Start(ctx context.Context) (<-chan error, error) {
	if err := a.Memory.Subscribe(); err != nil {
		return nil, fmt.Errorf("failed to wire memory invalidation: %w", err)
	}
	if err := a.Hub.Subscribe(); err != nil {
		return nil, fmt.Errorf("failed to wire websocket hub: %w", err)
	}
	if err := a.Circles.Rehydrate(ctx); err != nil {
		return nil, fmt.Errorf("failed to rehydrate circles: %w", err)
	}
	if err := a.Executor.RecoverTasks(ctx, a.worker); err != nil {
		return nil, fmt.Errorf("failed to recover tasks: %w", err)
	}
	if err := a.Scheduler.Start(ctx); err != nil {
		return nil, fmt.Errorf("failed to start scheduler: %w", err)
	}

	errCh, err := a.Server.Start()
	if err != nil {
		return nil, err
	}
	slog.Info("Gathering started")
	return errCh, nil
}

// Shutdown stops intake, pauses running tasks at their next boundary,
// detaches the observer hub from the bus, then closes the store. Observer
// connections that are still open are not closed here.
func (a *App) Shutdown(ctx context.Context) {
	slog.Info("Shutting down")

	shCtx, cancel := context.WithTimeout(ctx, shutdownGrace)
	defer cancel()
	if err := a.Server.Shutdown(shCtx); err != nil {
		slog.Warn("Server shutdown failed", "error", err)
	}

	a.Scheduler.Stop()
	a.Pipelines.Stop()
	a.Executor.Shutdown(shutdownGrace)

	a.Hub.Unsubscribe()
	a.Memory.Unsubscribe()

	if err := a.Cache.Close(); err != nil {
		slog.Warn("Cache close failed", "error", err)
	}
	if err := a.Store.Close(); err != nil {
		slog.Warn("Store close failed", "error", err)
	}
	slog.Info("Shutdown complete")
}
