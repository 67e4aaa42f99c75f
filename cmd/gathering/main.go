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

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kong"
	"github.com/joho/godotenv"

	"github.com/kadirpekel/gathering/pkg/app"
	"github.com/kadirpekel/gathering/pkg/config"
	"github.com/kadirpekel/gathering/pkg/logger"
	"github.com/kadirpekel/gathering/pkg/pipeline"
	"github.com/kadirpekel/gathering/pkg/worker"
)

var version = "dev"

// CLI is the command tree.
type CLI struct {
	Config string `short:"c" help:"Path to the YAML config file." type:"path"`

	Serve   ServeCmd   `cmd:"" default:"1" help:"Run the orchestrator."`
	Version VersionCmd `cmd:"" help:"Print the version."`
}

// ServeCmd runs the orchestrator until interrupted.
type ServeCmd struct{}

// Run starts the platform. The built-in worker is the deterministic
// scripted one; deployments embedding a real LLM provider construct the
// App with their own Worker.
func (cmd *ServeCmd) Run(cli *CLI) error {
	// .env is optional; absence is not an error.
	_ = godotenv.Load()

	cfg, err := config.Load(cli.Config)
	if err != nil {
		return err
	}

	level, _ := logger.ParseLevel(cfg.LogLevel)
	logger.Init(level, os.Stderr, cfg.LogFormat)

	registry := pipeline.NewRegistry()
	if err := registerBuiltins(registry); err != nil {
		return err
	}

	a, err := app.New(cfg, &worker.Scripted{}, registry)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh, err := a.Start(ctx)
	if err != nil {
		return err
	}

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
	}

	a.Shutdown(context.Background())
	return nil
}

// registerBuiltins installs the stock pipeline actions and predicates.
func registerBuiltins(r *pipeline.Registry) error {
	if err := r.RegisterAction("log", func(_ context.Context, params map[string]any, _ map[string]any) (any, error) {
		return params["message"], nil
	}); err != nil {
		return err
	}
	if err := r.RegisterPredicate("always", func(map[string]any) bool { return true }); err != nil {
		return err
	}
	return r.RegisterPredicate("never", func(map[string]any) bool { return false })
}

// VersionCmd prints the build version.
type VersionCmd struct{}

func (cmd *VersionCmd) Run(*CLI) error {
	fmt.Println("gathering", version)
	return nil
}

func main() {
	var cli CLI
	ktx := kong.Parse(&cli,
		kong.Name("gathering"),
		kong.Description("Multi-agent orchestration platform."),
		kong.UsageOnError(),
	)
	ktx.FatalIfErrorf(ktx.Run(&cli))
}
