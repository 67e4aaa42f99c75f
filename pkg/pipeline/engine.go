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

// Package pipeline executes DAGs of heterogeneous nodes.
//
// Traversal is topological: a node becomes runnable when every
// predecessor is terminal, where skipped counts as satisfied. A node
// whose predecessors are all skipped is itself skipped, which is how
// condition branches prune whole subgraphs. Failure is fail-fast: the
// first node to exhaust its retries fails the run.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kadirpekel/gathering/pkg/bus"
	"github.com/kadirpekel/gathering/pkg/config"
	"github.com/kadirpekel/gathering/pkg/gathering"
	"github.com/kadirpekel/gathering/pkg/metrics"
	"github.com/kadirpekel/gathering/pkg/models"
	"github.com/kadirpekel/gathering/pkg/store"
	"github.com/kadirpekel/gathering/pkg/worker"
)

// Engine executes pipelines.
type Engine struct {
	cfg      config.PipelineConfig
	store    store.Store
	bus      *bus.Bus
	worker   worker.Worker
	registry *Registry
	breaker  *breaker

	mu     sync.Mutex
	active map[string]*runState
	wg     sync.WaitGroup
}

// Stats is a point-in-time snapshot of engine counters.
type Stats struct {
	ActiveRuns int `json:"active_runs"`
}

// runState is the in-flight view of one pipeline run.
type runState struct {
	run      *models.PipelineRun
	pipeline *models.Pipeline
	graph    *graph
	payload  map[string]any

	cancel      context.CancelFunc
	cancelMu    sync.Mutex
	cancelAsked bool

	ctxMu   sync.RWMutex
	context map[string]any
}

func (r *runState) requestCancel() {
	r.cancelMu.Lock()
	r.cancelAsked = true
	r.cancelMu.Unlock()
	r.cancel()
}

func (r *runState) cancelRequested() bool {
	r.cancelMu.Lock()
	defer r.cancelMu.Unlock()
	return r.cancelAsked
}

// setOutput merges a node's output into the append-only run context.
func (r *runState) setOutput(nodeID string, out any) {
	r.ctxMu.Lock()
	r.context[nodeID] = out
	r.ctxMu.Unlock()
}

func (r *runState) snapshotContext() map[string]any {
	r.ctxMu.RLock()
	defer r.ctxMu.RUnlock()
	cp := make(map[string]any, len(r.context))
	for k, v := range r.context {
		cp[k] = v
	}
	return cp
}

func (r *runState) contextDigest() string {
	snapshot := r.snapshotContext()
	digest := ""
	for k, v := range snapshot {
		digest += fmt.Sprintf("%s: %v\n", k, v)
	}
	return digest
}

// NewEngine creates a pipeline engine. The registry supplies actions and
// predicates; the worker serves agent nodes.
func NewEngine(cfg config.PipelineConfig, st store.Store, b *bus.Bus, w worker.Worker, registry *Registry) *Engine {
	if registry == nil {
		registry = NewRegistry()
	}
	return &Engine{
		cfg:      cfg,
		store:    st,
		bus:      b,
		worker:   w,
		registry: registry,
		breaker:  newBreaker(),
		active:   make(map[string]*runState),
	}
}

// Create validates the topology and persists the pipeline.
func (e *Engine) Create(ctx context.Context, p *models.Pipeline) error {
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	if p.Status == "" {
		p.Status = models.PipelineActive
	}
	if err := Validate(p); err != nil {
		return err
	}
	return e.store.CreatePipeline(ctx, p)
}

// Update validates and persists pipeline changes.
func (e *Engine) Update(ctx context.Context, p *models.Pipeline) error {
	if err := Validate(p); err != nil {
		return err
	}
	return e.store.UpdatePipeline(ctx, p)
}

// Trigger starts a run of an active pipeline with the given payload and
// returns the run id. Execution proceeds concurrently.
func (e *Engine) Trigger(ctx context.Context, pipelineID string, payload map[string]any) (string, error) {
	p, err := e.store.GetPipeline(ctx, pipelineID)
	if err != nil {
		return "", err
	}
	if p.Status != models.PipelineActive {
		return "", gathering.NewPrecondition("pipeline/"+pipelineID,
			"pipeline is %s, not active", p.Status)
	}

	states := make(map[string]models.NodeState, len(p.Nodes))
	for _, n := range p.Nodes {
		states[n.ID] = models.NodePending
	}
	run := &models.PipelineRun{
		ID:         uuid.New().String(),
		PipelineID: p.ID,
		Status:     models.RunPending,
		NodeStates: states,
		Payload:    payload,
		CreatedAt:  time.Now().UTC(),
	}
	if err := e.store.CreatePipelineRun(ctx, run); err != nil {
		return "", err
	}

	timeout := time.Duration(p.TimeoutSeconds) * time.Second
	if p.TimeoutSeconds <= 0 {
		timeout = time.Duration(e.cfg.RunDefaultTimeoutSeconds) * time.Second
	}
	runCtx, cancel := context.WithTimeout(context.Background(), timeout)

	rs := &runState{
		run:      run,
		pipeline: p,
		graph:    buildGraph(p),
		payload:  payload,
		cancel:   cancel,
		context:  make(map[string]any),
	}

	e.mu.Lock()
	e.active[run.ID] = rs
	e.mu.Unlock()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer cancel()
		defer func() {
			e.mu.Lock()
			delete(e.active, run.ID)
			e.mu.Unlock()
		}()
		e.execute(runCtx, rs)
	}()

	return run.ID, nil
}

// Cancel cooperatively cancels a run. In-flight nodes observe the signal;
// unstarted nodes are skipped.
func (e *Engine) Cancel(runID string) error {
	e.mu.Lock()
	rs, ok := e.active[runID]
	e.mu.Unlock()
	if !ok {
		return gathering.NewPrecondition("pipeline_run/"+runID, "run is not active")
	}
	rs.requestCancel()
	return nil
}

// Run returns the run row.
func (e *Engine) Run(ctx context.Context, runID string) (*models.PipelineRun, error) {
	return e.store.GetPipelineRun(ctx, runID)
}

// Stop cancels every active run and waits for their loops to drain.
func (e *Engine) Stop() {
	e.mu.Lock()
	for _, rs := range e.active {
		rs.requestCancel()
	}
	e.mu.Unlock()
	e.wg.Wait()
}

// Stats returns a snapshot of engine counters.
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Stats{ActiveRuns: len(e.active)}
}

type nodeDone struct {
	nodeID string
	output any
	err    error
}

// execute drives one run to a terminal state.
func (e *Engine) execute(ctx context.Context, rs *runState) {
	run := rs.run
	started := time.Now().UTC()
	run.Status = models.RunRunning
	run.StartedAt = &started
	if err := e.store.UpdatePipelineRun(context.Background(), run); err != nil {
		slog.Error("Failed to start pipeline run", "run_id", run.ID, "error", err)
		return
	}
	e.publishRun(bus.PipelineRunStarted, rs, "")

	results := make(chan nodeDone)
	inflight := 0
	var failure error

	startNode := func(id string) {
		run.NodeStates[id] = models.NodeRunning
		e.persistNodeState(run.ID, id, models.NodeRunning)
		e.publishNode(bus.PipelineNodeStarted, rs, id)
		inflight++
		node := rs.graph.nodes[id]
		go func() {
			out, err := e.runNode(ctx, rs, node)
			results <- nodeDone{nodeID: id, output: out, err: err}
		}()
	}

	var markSkipped func(id string)
	var onTerminal func(id string)

	markSkipped = func(id string) {
		if run.NodeStates[id] != models.NodePending {
			return
		}
		run.NodeStates[id] = models.NodeSkipped
		e.persistNodeState(run.ID, id, models.NodeSkipped)
		e.publishNode(bus.PipelineNodeSkipped, rs, id)
		onTerminal(id)
	}

	onTerminal = func(id string) {
		for _, edge := range rs.graph.out[id] {
			succ := edge.ToNode
			if run.NodeStates[succ] != models.NodePending {
				continue
			}
			ready := true
			allSkipped := true
			for _, in := range rs.graph.in[succ] {
				st := run.NodeStates[in.FromNode]
				if !st.IsTerminal() {
					ready = false
					break
				}
				if st != models.NodeSkipped {
					allSkipped = false
				}
			}
			if !ready {
				continue
			}
			if allSkipped || failure != nil || rs.cancelRequested() {
				markSkipped(succ)
				continue
			}
			startNode(succ)
		}
	}

	// The validated root is the trigger.
	for id := range rs.graph.nodes {
		if len(rs.graph.in[id]) == 0 {
			startNode(id)
		}
	}

	for inflight > 0 {
		res := <-results
		inflight--
		id := res.nodeID
		node := rs.graph.nodes[id]

		if res.err != nil {
			run.NodeStates[id] = models.NodeFailed
			e.persistNodeState(run.ID, id, models.NodeFailed)
			e.publishNode(bus.PipelineNodeFailed, rs, id)
			if failure == nil {
				failure = fmt.Errorf("node %s failed: %w", id, res.err)
				rs.cancel()
			}
			continue
		}

		rs.setOutput(id, res.output)
		run.NodeStates[id] = models.NodeSucceeded
		e.persistNodeState(run.ID, id, models.NodeSucceeded)
		e.publishNode(bus.PipelineNodeSucceeded, rs, id)

		// Condition nodes prune the unchosen branch before successors
		// are considered.
		if node.Type == models.NodeCondition {
			chosen, _ := res.output.(bool)
			for _, edge := range rs.graph.out[id] {
				if edge.Predicate != fmt.Sprint(chosen) {
					markSkipped(edge.ToNode)
				}
			}
		}

		onTerminal(id)
	}

	// Anything never started is skipped.
	for id, st := range run.NodeStates {
		if st == models.NodePending {
			run.NodeStates[id] = models.NodeSkipped
			e.persistNodeState(run.ID, id, models.NodeSkipped)
			e.publishNode(bus.PipelineNodeSkipped, rs, id)
		}
	}

	finished := time.Now().UTC()
	run.FinishedAt = &finished

	var terminalEvent bus.EventType
	switch {
	case rs.cancelRequested():
		run.Status = models.RunCancelled
		terminalEvent = bus.PipelineRunCancelled
	case ctx.Err() == context.DeadlineExceeded:
		run.Status = models.RunTimeout
		run.Error = "run timeout exceeded"
		terminalEvent = bus.PipelineRunTimeout
	case failure != nil:
		run.Status = models.RunFailed
		run.Error = failure.Error()
		terminalEvent = bus.PipelineRunFailed
	default:
		run.Status = models.RunSucceeded
		terminalEvent = bus.PipelineRunSucceeded
	}

	if err := e.store.UpdatePipelineRun(context.Background(), run); err != nil {
		slog.Error("Failed to finish pipeline run", "run_id", run.ID, "error", err)
		return
	}
	metrics.PipelineRuns.WithLabelValues(string(run.Status)).Inc()
	e.publishRun(terminalEvent, rs, run.Error)
	e.bumpCounters(rs, finished.Sub(started))
}

// runNode applies retry and the circuit breaker around one node.
func (e *Engine) runNode(ctx context.Context, rs *runState, node models.PipelineNode) (any, error) {
	policy := e.nodeRetry(node)
	bp := e.breakerPolicy(node)
	key := string(node.Type)

	backoff := time.Duration(policy.Backoff.InitialMs) * time.Millisecond
	maxBackoff := time.Duration(policy.Backoff.MaxMs) * time.Millisecond

	var lastErr error
	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr == nil {
				lastErr = err
			}
			return nil, lastErr
		}
		if !e.breaker.allow(key, bp.FailureThreshold) {
			return nil, gathering.NewPermanent("pipeline_node/"+node.ID,
				fmt.Errorf("circuit breaker open for %s nodes", node.Type))
		}

		out, err := e.executeNode(ctx, rs, node)
		if err == nil {
			e.breaker.success(key)
			return out, nil
		}
		lastErr = err
		e.breaker.failure(key, bp.FailureThreshold, time.Duration(bp.ResetAfterSeconds*float64(time.Second)))

		if attempt < policy.MaxAttempts {
			select {
			case <-ctx.Done():
				return nil, lastErr
			case <-time.After(backoff):
			}
			backoff = time.Duration(float64(backoff) * policy.Backoff.Multiplier)
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		}
	}
	return nil, lastErr
}

type breakerPolicy struct {
	FailureThreshold  int     `mapstructure:"failure_threshold"`
	ResetAfterSeconds float64 `mapstructure:"reset_after_seconds"`
}

func (e *Engine) breakerPolicy(node models.PipelineNode) breakerPolicy {
	var bp breakerPolicy
	if raw, ok := node.Config["circuit_breaker"]; ok {
		_ = decodeLoose(raw, &bp)
	}
	if bp.ResetAfterSeconds <= 0 {
		bp.ResetAfterSeconds = 30
	}
	return bp
}

func (e *Engine) persistNodeState(runID, nodeID string, state models.NodeState) {
	if err := e.store.PersistNodeState(context.Background(), runID, nodeID, state); err != nil {
		slog.Warn("Failed to persist node state",
			"run_id", runID, "node_id", nodeID, "error", err)
	}
}

// bumpCounters updates the pipeline's aggregate run counters.
func (e *Engine) bumpCounters(rs *runState, duration time.Duration) {
	ctx := context.Background()
	p, err := e.store.GetPipeline(ctx, rs.pipeline.ID)
	if err != nil {
		return
	}
	total := int64(p.TotalRuns)
	p.AvgDurationMs = (p.AvgDurationMs*total + duration.Milliseconds()) / (total + 1)
	p.TotalRuns++
	if rs.run.Status == models.RunSucceeded {
		p.SuccessfulRuns++
	}
	if err := e.store.UpdatePipeline(ctx, p); err != nil {
		slog.Warn("Failed to update pipeline counters", "pipeline_id", p.ID, "error", err)
	}
}

func (e *Engine) publishRun(t bus.EventType, rs *runState, errMsg string) {
	data := map[string]any{
		"pipeline_id": rs.pipeline.ID,
		"run_id":      rs.run.ID,
		"status":      string(rs.run.Status),
	}
	if errMsg != "" {
		data["error"] = errMsg
	}
	e.bus.Publish(bus.NewEvent(t, data))
}

func (e *Engine) publishNode(t bus.EventType, rs *runState, nodeID string) {
	e.bus.Publish(bus.NewEvent(t, map[string]any{
		"pipeline_id": rs.pipeline.ID,
		"run_id":      rs.run.ID,
		"node_id":     nodeID,
		"node_type":   string(rs.graph.nodes[nodeID].Type),
	}))
}
