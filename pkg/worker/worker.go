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

// Package worker defines the abstraction over an LLM-backed agent.
//
// The orchestration core never talks to a provider directly; it drives a
// Worker through plan / execute / completion-check turns. Transient
// provider errors are the Worker's to retry; whatever it returns is final
// for that call.
package worker

import (
	"context"
	"strings"
)

// CompleteSentinel in an action's output marks the goal as achieved,
// independently of IsGoalComplete.
const CompleteSentinel = "[COMPLETE]"

// ToolCall records one tool invocation made while executing an action.
type ToolCall struct {
	Name   string `json:"name"`
	Input  string `json:"input"`
	Output string `json:"output"`
}

// ActionResult is the outcome of executing one planned action.
type ActionResult struct {
	// Output is the action's textual result. It may contain
	// CompleteSentinel.
	Output string `json:"output"`

	// ToolCalls made during the action, in order.
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`

	// Tokens consumed by this action, as reported by the provider.
	Tokens int `json:"tokens"`

	// Error carries a step-level failure without failing the task; the
	// executor records it and continues toward the goal.
	Error string `json:"error,omitempty"`
}

// State is the accumulated task state handed to completion checks.
type State struct {
	CurrentStep int            `json:"current_step"`
	LastOutput  string         `json:"last_output"`
	Checkpoint  map[string]any `json:"checkpoint,omitempty"`
}

// Worker is an LLM-backed agent.
type Worker interface {
	// Plan produces the next action for the goal given the context so far.
	Plan(ctx context.Context, goal string, state State) (string, error)

	// ExecuteAction carries out a planned action.
	ExecuteAction(ctx context.Context, action, goal string) (ActionResult, error)

	// IsGoalComplete reports whether the goal has been achieved.
	IsGoalComplete(ctx context.Context, goal string, state State) (bool, error)

	// Chat produces a free-form reply to a prompt, used by pipeline
	// agent nodes.
	Chat(ctx context.Context, prompt string) (string, error)

	// Embed computes the embedding vector for a text.
	Embed(ctx context.Context, text string) ([]float32, error)
}

// HasSentinel reports whether the output carries the completion sentinel.
func HasSentinel(output string) bool {
	return strings.Contains(output, CompleteSentinel)
}
