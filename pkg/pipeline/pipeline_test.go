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
	"sync/atomic"
	"testing"
	"time"

	"github.com/kadirpekel/gathering/pkg/bus"
	"github.com/kadirpekel/gathering/pkg/config"
	"github.com/kadirpekel/gathering/pkg/gathering"
	"github.com/kadirpekel/gathering/pkg/models"
	"github.com/kadirpekel/gathering/pkg/store/memstore"
	"github.com/kadirpekel/gathering/pkg/worker"
)

func newEngine(t *testing.T, registry *Registry) (*Engine, *memstore.Store, *bus.Bus) {
	t.Helper()
	st, err := memstore.New()
	if err != nil {
		t.Fatalf("memstore.New() error = %v", err)
	}
	cfg := config.PipelineConfig{}
	cfg.SetDefaults()
	b := bus.New(200)
	return NewEngine(cfg, st, b, &worker.Scripted{}, registry), st, b
}

func node(id string, nodeType models.NodeType, cfg map[string]any) models.PipelineNode {
	return models.PipelineNode{ID: id, Type: nodeType, Config: cfg}
}

func edge(from, to string) models.PipelineEdge {
	return models.PipelineEdge{FromNode: from, ToNode: to}
}

func labeled(from, to, predicate string) models.PipelineEdge {
	return models.PipelineEdge{FromNode: from, ToNode: to, Predicate: predicate}
}

func waitRun(t *testing.T, e *Engine, runID string) *models.PipelineRun {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		run, err := e.Run(context.Background(), runID)
		if err != nil {
			t.Fatalf("Run() error = %v", err)
		}
		if run.Status.IsTerminal() {
			return run
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("run %s never reached a terminal state", runID)
	return nil
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		nodes   []models.PipelineNode
		edges   []models.PipelineEdge
		wantErr bool
	}{
		{
			name: "linear pipeline",
			nodes: []models.PipelineNode{
				node("t", models.NodeTrigger, nil),
				node("a", models.NodeAction, map[string]any{"name": "noop"}),
			},
			edges: []models.PipelineEdge{edge("t", "a")},
		},
		{
			name: "cycle rejected",
			nodes: []models.PipelineNode{
				node("t", models.NodeTrigger, nil),
				node("a", models.NodeAction, nil),
				node("b", models.NodeAction, nil),
			},
			edges: []models.PipelineEdge{
				edge("t", "a"), edge("a", "b"), edge("b", "a"),
			},
			wantErr: true,
		},
		{
			name: "no trigger root",
			nodes: []models.PipelineNode{
				node("a", models.NodeAction, nil),
				node("b", models.NodeAction, nil),
			},
			edges:   []models.PipelineEdge{edge("a", "b")},
			wantErr: true,
		},
		{
			name: "unreachable node",
			nodes: []models.PipelineNode{
				node("t", models.NodeTrigger, nil),
				node("a", models.NodeAction, nil),
				node("island", models.NodeAction, nil),
				node("island2", models.NodeAction, nil),
			},
			edges: []models.PipelineEdge{
				edge("t", "a"), edge("island", "island2"), edge("island2", "island"),
			},
			wantErr: true,
		},
		{
			name: "condition with one edge",
			nodes: []models.PipelineNode{
				node("t", models.NodeTrigger, nil),
				node("c", models.NodeCondition, map[string]any{"predicate": "always"}),
				node("a", models.NodeAction, nil),
			},
			edges: []models.PipelineEdge{
				edge("t", "c"), labeled("c", "a", "true"),
			},
			wantErr: true,
		},
		{
			name: "condition with unlabeled edges",
			nodes: []models.PipelineNode{
				node("t", models.NodeTrigger, nil),
				node("c", models.NodeCondition, nil),
				node("a", models.NodeAction, nil),
				node("b", models.NodeAction, nil),
			},
			edges: []models.PipelineEdge{
				edge("t", "c"), labeled("c", "a", "true"), edge("c", "b"),
			},
			wantErr: true,
		},
		{
			name: "parallel branches diverge",
			nodes: []models.PipelineNode{
				node("t", models.NodeTrigger, nil),
				node("p", models.NodeParallel, nil),
				node("x", models.NodeAction, nil),
				node("y", models.NodeAction, nil),
				node("j1", models.NodeAction, nil),
				node("j2", models.NodeAction, nil),
			},
			edges: []models.PipelineEdge{
				edge("t", "p"), edge("p", "x"), edge("p", "y"),
				edge("x", "j1"), edge("y", "j2"),
			},
			wantErr: true,
		},
		{
			name: "parallel with single join",
			nodes: []models.PipelineNode{
				node("t", models.NodeTrigger, nil),
				node("p", models.NodeParallel, nil),
				node("x", models.NodeAction, map[string]any{"name": "noop"}),
				node("y", models.NodeAction, map[string]any{"name": "noop"}),
				node("j", models.NodeAction, map[string]any{"name": "noop"}),
			},
			edges: []models.PipelineEdge{
				edge("t", "p"), edge("p", "x"), edge("p", "y"),
				edge("x", "j"), edge("y", "j"),
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := &models.Pipeline{ID: "p1", Name: tt.name, Nodes: tt.nodes, Edges: tt.edges}
			err := Validate(p)
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !gathering.IsKind(err, gathering.KindValidation) {
				t.Errorf("Validate() error kind = %s, want validation", gathering.KindOf(err))
			}
		})
	}
}

// Condition routing, parallel fan-out and the single join, end to end.
func TestEngine_ConditionAndParallel(t *testing.T) {
	registry := NewRegistry()
	var xRan, yRan, finalRan atomic.Int64
	if err := registry.RegisterAction("x", func(context.Context, map[string]any, map[string]any) (any, error) {
		xRan.Add(1)
		return "x", nil
	}); err != nil {
		t.Fatal(err)
	}
	if err := registry.RegisterAction("y", func(context.Context, map[string]any, map[string]any) (any, error) {
		yRan.Add(1)
		return "y", nil
	}); err != nil {
		t.Fatal(err)
	}
	if err := registry.RegisterAction("final", func(_ context.Context, _ map[string]any, runCtx map[string]any) (any, error) {
		finalRan.Add(1)
		return fmt.Sprintf("joined %v %v", runCtx["x"], runCtx["y"]), nil
	}); err != nil {
		t.Fatal(err)
	}
	if err := registry.RegisterPredicate("take_true", func(map[string]any) bool { return true }); err != nil {
		t.Fatal(err)
	}

	e, _, b := newEngine(t, registry)
	var succeededEvents atomic.Int64
	_, _ = b.Subscribe(bus.PipelineRunSucceeded, func(bus.Event) error {
		succeededEvents.Add(1)
		return nil
	}, nil)

	p := &models.Pipeline{
		Name: "branching",
		Nodes: []models.PipelineNode{
			node("trigger", models.NodeTrigger, nil),
			node("cond", models.NodeCondition, map[string]any{"predicate": "take_true"}),
			node("agent_a", models.NodeAgent, map[string]any{"prompt": "branch A"}),
			node("agent_b", models.NodeAgent, map[string]any{"prompt": "branch B"}),
			node("par", models.NodeParallel, nil),
			node("x", models.NodeAction, map[string]any{"name": "x"}),
			node("y", models.NodeAction, map[string]any{"name": "y"}),
			node("final", models.NodeAction, map[string]any{"name": "final"}),
		},
		Edges: []models.PipelineEdge{
			edge("trigger", "cond"),
			labeled("cond", "agent_a", "true"),
			labeled("cond", "agent_b", "false"),
			edge("agent_a", "par"),
			edge("agent_b", "par"),
			edge("par", "x"),
			edge("par", "y"),
			edge("x", "final"),
			edge("y", "final"),
		},
	}
	if err := e.Create(context.Background(), p); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	runID, err := e.Trigger(context.Background(), p.ID, map[string]any{"input": "payload"})
	if err != nil {
		t.Fatalf("Trigger() error = %v", err)
	}
	run := waitRun(t, e, runID)

	if run.Status != models.RunSucceeded {
		t.Fatalf("run status = %s (error %q), want succeeded", run.Status, run.Error)
	}
	wantStates := map[string]models.NodeState{
		"trigger": models.NodeSucceeded,
		"cond":    models.NodeSucceeded,
		"agent_a": models.NodeSucceeded,
		"agent_b": models.NodeSkipped,
		"par":     models.NodeSucceeded,
		"x":       models.NodeSucceeded,
		"y":       models.NodeSucceeded,
		"final":   models.NodeSucceeded,
	}
	for id, want := range wantStates {
		if got := run.NodeStates[id]; got != want {
			t.Errorf("node %s state = %s, want %s", id, got, want)
		}
	}
	if xRan.Load() != 1 || yRan.Load() != 1 || finalRan.Load() != 1 {
		t.Errorf("actions ran x=%d y=%d final=%d, want 1 each", xRan.Load(), yRan.Load(), finalRan.Load())
	}
	if succeededEvents.Load() != 1 {
		t.Errorf("run succeeded event published %d times, want exactly 1", succeededEvents.Load())
	}
}

// A subgraph whose predecessors are all skipped is skipped transitively.
func TestEngine_SkipPropagation(t *testing.T) {
	registry := NewRegistry()
	var deadRan atomic.Int64
	if err := registry.RegisterAction("dead", func(context.Context, map[string]any, map[string]any) (any, error) {
		deadRan.Add(1)
		return nil, nil
	}); err != nil {
		t.Fatal(err)
	}
	if err := registry.RegisterAction("alive", func(context.Context, map[string]any, map[string]any) (any, error) {
		return "alive", nil
	}); err != nil {
		t.Fatal(err)
	}
	if err := registry.RegisterPredicate("take_false", func(map[string]any) bool { return false }); err != nil {
		t.Fatal(err)
	}

	e, _, _ := newEngine(t, registry)
	p := &models.Pipeline{
		Name: "pruning",
		Nodes: []models.PipelineNode{
			node("t", models.NodeTrigger, nil),
			node("c", models.NodeCondition, map[string]any{"predicate": "take_false"}),
			node("dead1", models.NodeAction, map[string]any{"name": "dead"}),
			node("dead2", models.NodeAction, map[string]any{"name": "dead"}),
			node("live", models.NodeAction, map[string]any{"name": "alive"}),
		},
		Edges: []models.PipelineEdge{
			edge("t", "c"),
			labeled("c", "dead1", "true"),
			labeled("c", "live", "false"),
			edge("dead1", "dead2"),
		},
	}
	if err := e.Create(context.Background(), p); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	runID, err := e.Trigger(context.Background(), p.ID, nil)
	if err != nil {
		t.Fatalf("Trigger() error = %v", err)
	}
	run := waitRun(t, e, runID)

	if run.Status != models.RunSucceeded {
		t.Fatalf("run status = %s, want succeeded", run.Status)
	}
	if run.NodeStates["dead1"] != models.NodeSkipped || run.NodeStates["dead2"] != models.NodeSkipped {
		t.Errorf("dead branch states = %s, %s, want skipped, skipped",
			run.NodeStates["dead1"], run.NodeStates["dead2"])
	}
	if deadRan.Load() != 0 {
		t.Errorf("skipped actions executed %d times, want 0", deadRan.Load())
	}
}

func TestEngine_RetryThenSuccess(t *testing.T) {
	registry := NewRegistry()
	var attempts atomic.Int64
	if err := registry.RegisterAction("flaky", func(context.Context, map[string]any, map[string]any) (any, error) {
		if attempts.Add(1) < 3 {
			return nil, fmt.Errorf("transient failure")
		}
		return "recovered", nil
	}); err != nil {
		t.Fatal(err)
	}

	e, _, _ := newEngine(t, registry)
	p := &models.Pipeline{
		Name: "retrying",
		Nodes: []models.PipelineNode{
			node("t", models.NodeTrigger, nil),
			node("f", models.NodeAction, map[string]any{
				"name": "flaky",
				"retry": map[string]any{
					"max_attempts": 3,
					"backoff":      map[string]any{"initial_ms": 1, "max_ms": 5},
				},
			}),
		},
		Edges: []models.PipelineEdge{edge("t", "f")},
	}
	if err := e.Create(context.Background(), p); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	runID, _ := e.Trigger(context.Background(), p.ID, nil)
	run := waitRun(t, e, runID)

	if run.Status != models.RunSucceeded {
		t.Fatalf("run status = %s, want succeeded after retries", run.Status)
	}
	if attempts.Load() != 3 {
		t.Errorf("action attempted %d times, want 3", attempts.Load())
	}
}

func TestEngine_FailFast(t *testing.T) {
	registry := NewRegistry()
	if err := registry.RegisterAction("doomed", func(context.Context, map[string]any, map[string]any) (any, error) {
		return nil, fmt.Errorf("permanent failure")
	}); err != nil {
		t.Fatal(err)
	}
	var afterRan atomic.Int64
	if err := registry.RegisterAction("after", func(context.Context, map[string]any, map[string]any) (any, error) {
		afterRan.Add(1)
		return nil, nil
	}); err != nil {
		t.Fatal(err)
	}

	e, _, _ := newEngine(t, registry)
	p := &models.Pipeline{
		Name: "failing",
		Nodes: []models.PipelineNode{
			node("t", models.NodeTrigger, nil),
			node("d", models.NodeAction, map[string]any{
				"name":  "doomed",
				"retry": map[string]any{"max_attempts": 2, "backoff": map[string]any{"initial_ms": 1}},
			}),
			node("a", models.NodeAction, map[string]any{"name": "after"}),
		},
		Edges: []models.PipelineEdge{edge("t", "d"), edge("d", "a")},
	}
	if err := e.Create(context.Background(), p); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	runID, _ := e.Trigger(context.Background(), p.ID, nil)
	run := waitRun(t, e, runID)

	if run.Status != models.RunFailed {
		t.Fatalf("run status = %s, want failed", run.Status)
	}
	if run.NodeStates["d"] != models.NodeFailed {
		t.Errorf("failed node state = %s, want failed", run.NodeStates["d"])
	}
	if run.NodeStates["a"] != models.NodeSkipped {
		t.Errorf("downstream node state = %s, want skipped", run.NodeStates["a"])
	}
	if afterRan.Load() != 0 {
		t.Errorf("downstream action ran %d times after failure, want 0", afterRan.Load())
	}
}

// The breaker opens after consecutive failures across runs and fails
// attempts without invoking the action.
func TestEngine_CircuitBreaker(t *testing.T) {
	registry := NewRegistry()
	var invocations atomic.Int64
	if err := registry.RegisterAction("tripping", func(context.Context, map[string]any, map[string]any) (any, error) {
		invocations.Add(1)
		return nil, fmt.Errorf("always failing")
	}); err != nil {
		t.Fatal(err)
	}

	e, _, _ := newEngine(t, registry)
	nodeCfg := map[string]any{
		"name":            "tripping",
		"retry":           map[string]any{"max_attempts": 2, "backoff": map[string]any{"initial_ms": 1}},
		"circuit_breaker": map[string]any{"failure_threshold": 2, "reset_after_seconds": 60},
	}
	p := &models.Pipeline{
		Name: "breaking",
		Nodes: []models.PipelineNode{
			node("t", models.NodeTrigger, nil),
			node("b", models.NodeAction, nodeCfg),
		},
		Edges: []models.PipelineEdge{edge("t", "b")},
	}
	if err := e.Create(context.Background(), p); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	// First run: both attempts invoked, breaker trips at threshold 2.
	runID, _ := e.Trigger(context.Background(), p.ID, nil)
	waitRun(t, e, runID)
	if invocations.Load() != 2 {
		t.Fatalf("first run invoked action %d times, want 2", invocations.Load())
	}

	// Second run: breaker is open, the action is never invoked.
	runID, _ = e.Trigger(context.Background(), p.ID, nil)
	run := waitRun(t, e, runID)
	if run.Status != models.RunFailed {
		t.Fatalf("second run status = %s, want failed", run.Status)
	}
	if invocations.Load() != 2 {
		t.Errorf("open breaker still invoked the action (%d total invocations)", invocations.Load())
	}
}

func TestEngine_Cancel(t *testing.T) {
	registry := NewRegistry()
	started := make(chan struct{})
	if err := registry.RegisterAction("slow", func(ctx context.Context, _ map[string]any, _ map[string]any) (any, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	}); err != nil {
		t.Fatal(err)
	}
	var lateRan atomic.Int64
	if err := registry.RegisterAction("late", func(context.Context, map[string]any, map[string]any) (any, error) {
		lateRan.Add(1)
		return nil, nil
	}); err != nil {
		t.Fatal(err)
	}

	e, _, _ := newEngine(t, registry)
	p := &models.Pipeline{
		Name: "cancellable",
		Nodes: []models.PipelineNode{
			node("t", models.NodeTrigger, nil),
			node("s", models.NodeAction, map[string]any{"name": "slow", "retry": map[string]any{"max_attempts": 1}}),
			node("l", models.NodeAction, map[string]any{"name": "late"}),
		},
		Edges: []models.PipelineEdge{edge("t", "s"), edge("s", "l")},
	}
	if err := e.Create(context.Background(), p); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	runID, _ := e.Trigger(context.Background(), p.ID, nil)
	<-started
	if err := e.Cancel(runID); err != nil {
		t.Fatalf("Cancel() error = %v", err)
	}
	run := waitRun(t, e, runID)

	if run.Status != models.RunCancelled {
		t.Fatalf("run status = %s, want cancelled", run.Status)
	}
	if lateRan.Load() != 0 {
		t.Errorf("downstream action ran %d times after cancel, want 0", lateRan.Load())
	}
}

func TestEngine_RunTimeout(t *testing.T) {
	registry := NewRegistry()
	if err := registry.RegisterAction("hang", func(ctx context.Context, _ map[string]any, _ map[string]any) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}); err != nil {
		t.Fatal(err)
	}

	e, _, _ := newEngine(t, registry)
	p := &models.Pipeline{
		Name:           "timing out",
		TimeoutSeconds: 1,
		Nodes: []models.PipelineNode{
			node("t", models.NodeTrigger, nil),
			node("h", models.NodeAction, map[string]any{"name": "hang", "retry": map[string]any{"max_attempts": 1}}),
		},
		Edges: []models.PipelineEdge{edge("t", "h")},
	}
	if err := e.Create(context.Background(), p); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	runID, _ := e.Trigger(context.Background(), p.ID, nil)
	run := waitRun(t, e, runID)

	if run.Status != models.RunTimeout {
		t.Errorf("run status = %s, want timeout", run.Status)
	}
}

func TestEngine_DelayNode(t *testing.T) {
	e, _, _ := newEngine(t, NewRegistry())
	p := &models.Pipeline{
		Name: "delayed",
		Nodes: []models.PipelineNode{
			node("t", models.NodeTrigger, nil),
			node("d", models.NodeDelay, map[string]any{"duration_seconds": 0.05}),
		},
		Edges: []models.PipelineEdge{edge("t", "d")},
	}
	if err := e.Create(context.Background(), p); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	started := time.Now()
	runID, _ := e.Trigger(context.Background(), p.ID, nil)
	run := waitRun(t, e, runID)

	if run.Status != models.RunSucceeded {
		t.Fatalf("run status = %s, want succeeded", run.Status)
	}
	if elapsed := time.Since(started); elapsed < 50*time.Millisecond {
		t.Errorf("run finished in %v, want at least the configured delay", elapsed)
	}
}

func TestEngine_TriggerInactivePipeline(t *testing.T) {
	e, st, _ := newEngine(t, NewRegistry())
	p := &models.Pipeline{
		ID: "draft-1", Name: "draft", Status: models.PipelineDraft,
		Nodes: []models.PipelineNode{node("t", models.NodeTrigger, nil)},
	}
	if err := st.CreatePipeline(context.Background(), p); err != nil {
		t.Fatalf("CreatePipeline() error = %v", err)
	}

	_, err := e.Trigger(context.Background(), "draft-1", nil)
	if !gathering.IsKind(err, gathering.KindPrecondition) {
		t.Errorf("Trigger() error = %v, want precondition", err)
	}
}
