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

package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/mitchellh/mapstructure"

	"github.com/kadirpekel/gathering/pkg/gathering"
	"github.com/kadirpekel/gathering/pkg/models"
)

// Action is a named side effect invocable by action nodes.
type Action func(ctx context.Context, params map[string]any, runContext map[string]any) (any, error)

// Predicate evaluates a condition node over the accumulated run context.
type Predicate func(runContext map[string]any) bool

// Registry holds the static action and predicate tables. Entries register
// at startup; there is no runtime loading.
type Registry struct {
	actions    map[string]Action
	predicates map[string]Predicate
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		actions:    make(map[string]Action),
		predicates: make(map[string]Predicate),
	}
}

// RegisterAction adds a named action.
func (r *Registry) RegisterAction(name string, fn Action) error {
	if name == "" {
		return fmt.Errorf("action name cannot be empty")
	}
	if _, exists := r.actions[name]; exists {
		return fmt.Errorf("action %q already registered", name)
	}
	r.actions[name] = fn
	return nil
}

// RegisterPredicate adds a named predicate.
func (r *Registry) RegisterPredicate(name string, fn Predicate) error {
	if name == "" {
		return fmt.Errorf("predicate name cannot be empty")
	}
	if _, exists := r.predicates[name]; exists {
		return fmt.Errorf("predicate %q already registered", name)
	}
	r.predicates[name] = fn
	return nil
}

// Per-type node configs, decoded from the node's opaque config map.

type agentNodeConfig struct {
	Prompt string `mapstructure:"prompt"`
	// Mode selects Chat (default) or an execute-action turn.
	Mode string `mapstructure:"mode"`
}

type conditionNodeConfig struct {
	Predicate string `mapstructure:"predicate"`
}

type actionNodeConfig struct {
	Name   string         `mapstructure:"name"`
	Params map[string]any `mapstructure:"params"`
}

type delayNodeConfig struct {
	DurationSeconds float64 `mapstructure:"duration_seconds"`
}

type retryPolicy struct {
	MaxAttempts int `mapstructure:"max_attempts"`
	Backoff     struct {
		InitialMs  int     `mapstructure:"initial_ms"`
		MaxMs      int     `mapstructure:"max_ms"`
		Multiplier float64 `mapstructure:"multiplier"`
	} `mapstructure:"backoff"`
}

// decodeLoose decodes nested config sections, tolerating missing fields.
func decodeLoose(raw any, out any) error {
	return mapstructure.Decode(raw, out)
}

func decodeConfig(node models.PipelineNode, out any) error {
	if err := mapstructure.Decode(node.Config, out); err != nil {
		return gathering.NewValidation("pipeline_node/"+node.ID,
			"invalid %s node config: %v", node.Type, err)
	}
	return nil
}

// nodeRetry extracts the per-node retry policy, falling back to engine
// defaults.
func (e *Engine) nodeRetry(node models.PipelineNode) retryPolicy {
	var p retryPolicy
	if raw, ok := node.Config["retry"]; ok {
		_ = mapstructure.Decode(raw, &p)
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = e.cfg.NodeDefaultMaxAttempts
	}
	if p.Backoff.InitialMs <= 0 {
		p.Backoff.InitialMs = 100
	}
	if p.Backoff.MaxMs <= 0 {
		p.Backoff.MaxMs = 5000
	}
	if p.Backoff.Multiplier <= 1 {
		p.Backoff.Multiplier = 2
	}
	return p
}

// executeNode runs one node to its output. Condition nodes return their
// boolean; trigger nodes pass the run payload through.
func (e *Engine) executeNode(ctx context.Context, run *runState, node models.PipelineNode) (any, error) {
	switch node.Type {
	case models.NodeTrigger:
		return run.payload, nil

	case models.NodeAgent:
		var cfg agentNodeConfig
		if err := decodeConfig(node, &cfg); err != nil {
			return nil, err
		}
		prompt := cfg.Prompt
		if prompt == "" {
			return nil, gathering.NewValidation("pipeline_node/"+node.ID, "agent node requires a prompt")
		}
		prompt = fmt.Sprintf("%s\n\nContext:\n%s", prompt, run.contextDigest())
		if cfg.Mode == "action" {
			result, err := e.worker.ExecuteAction(ctx, prompt, prompt)
			if err != nil {
				return nil, err
			}
			if result.Error != "" {
				return nil, fmt.Errorf("agent action failed: %s", result.Error)
			}
			return result.Output, nil
		}
		return e.worker.Chat(ctx, prompt)

	case models.NodeCondition:
		var cfg conditionNodeConfig
		if err := decodeConfig(node, &cfg); err != nil {
			return nil, err
		}
		pred, ok := e.registry.predicates[cfg.Predicate]
		if !ok {
			return nil, gathering.NewValidation("pipeline_node/"+node.ID,
				"unknown predicate %q", cfg.Predicate)
		}
		return pred(run.snapshotContext()), nil

	case models.NodeAction:
		var cfg actionNodeConfig
		if err := decodeConfig(node, &cfg); err != nil {
			return nil, err
		}
		action, ok := e.registry.actions[cfg.Name]
		if !ok {
			return nil, gathering.NewValidation("pipeline_node/"+node.ID,
				"unknown action %q", cfg.Name)
		}
		return action(ctx, cfg.Params, run.snapshotContext())

	case models.NodeParallel:
		// Fan-out is pure traversal; the node itself has no work.
		return nil, nil

	case models.NodeDelay:
		var cfg delayNodeConfig
		if err := decodeConfig(node, &cfg); err != nil {
			return nil, err
		}
		timer := time.NewTimer(time.Duration(cfg.DurationSeconds * float64(time.Second)))
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
			return nil, nil
		}

	default:
		return nil, gathering.NewValidation("pipeline_node/"+node.ID,
			"unknown node type %q", node.Type)
	}
}
