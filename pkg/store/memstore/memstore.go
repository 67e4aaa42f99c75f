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

// Package memstore is the in-memory Store implementation.
//
// It backs single-process deployments and tests. Vector search is served
// by an embedded chromem-go collection; everything else lives in maps
// guarded by a single mutex. Copies are returned, never internal
// pointers.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/philippgille/chromem-go"

	"github.com/kadirpekel/gathering/pkg/models"
	"github.com/kadirpekel/gathering/pkg/store"
)

const memoryCollection = "memories"

// Store is the in-memory implementation of store.Store.
type Store struct {
	mu sync.RWMutex

	agents  map[string]*models.Agent
	circles map[string]*models.Circle

	tasks      map[int64]*models.BackgroundTask
	steps      map[int64][]models.BackgroundTaskStep
	nextTaskID int64
	nextStepID int64

	actions map[string]*models.ScheduledAction
	runs    map[string]*models.ScheduledRun

	pipelines    map[string]*models.Pipeline
	pipelineRuns map[string]*models.PipelineRun

	memories map[string]*models.Memory
	vectors  *chromem.Collection
}

// New creates an empty in-memory store.
func New() (*Store, error) {
	db := chromem.NewDB()
	col, err := db.GetOrCreateCollection(memoryCollection, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create vector collection: %w", err)
	}

	return &Store{
		agents:       make(map[string]*models.Agent),
		circles:      make(map[string]*models.Circle),
		tasks:        make(map[int64]*models.BackgroundTask),
		steps:        make(map[int64][]models.BackgroundTaskStep),
		actions:      make(map[string]*models.ScheduledAction),
		runs:         make(map[string]*models.ScheduledRun),
		pipelines:    make(map[string]*models.Pipeline),
		pipelineRuns: make(map[string]*models.PipelineRun),
		memories:     make(map[string]*models.Memory),
		vectors:      col,
	}, nil
}

// Close is a no-op for the in-memory store.
func (s *Store) Close() error { return nil }

// ----------------------------------------------------------------------------
// Agents
// ----------------------------------------------------------------------------

func (s *Store) CreateAgent(_ context.Context, agent *models.Agent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.agents[agent.ID]; exists {
		return fmt.Errorf("agent %s already exists", agent.ID)
	}
	cp := *agent
	s.agents[agent.ID] = &cp
	return nil
}

func (s *Store) GetAgent(_ context.Context, id string) (*models.Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	agent, ok := s.agents[id]
	if !ok {
		return nil, store.ErrAgentNotFound
	}
	cp := *agent
	return &cp, nil
}

func (s *Store) ListAgents(_ context.Context, activeOnly bool) ([]models.Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]models.Agent, 0, len(s.agents))
	for _, a := range s.agents {
		if activeOnly && !a.Active {
			continue
		}
		out = append(out, *a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) UpdateAgentMetrics(_ context.Context, id string, metrics models.AgentMetrics) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	agent, ok := s.agents[id]
	if !ok {
		return store.ErrAgentNotFound
	}
	agent.Metrics = metrics
	agent.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *Store) SetAgentActive(_ context.Context, id string, active bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	agent, ok := s.agents[id]
	if !ok {
		return store.ErrAgentNotFound
	}
	agent.Active = active
	agent.UpdatedAt = time.Now().UTC()
	return nil
}

// ----------------------------------------------------------------------------
// Circles
// ----------------------------------------------------------------------------

func (s *Store) CreateCircle(_ context.Context, circle *models.Circle) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, c := range s.circles {
		if c.Name == circle.Name {
			return fmt.Errorf("circle %q already exists", circle.Name)
		}
	}
	cp := *circle
	cp.Members = append([]models.CircleMember(nil), circle.Members...)
	s.circles[circle.ID] = &cp
	return nil
}

func (s *Store) GetCircle(_ context.Context, id string) (*models.Circle, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	circle, ok := s.circles[id]
	if !ok {
		return nil, store.ErrCircleNotFound
	}
	cp := *circle
	cp.Members = append([]models.CircleMember(nil), circle.Members...)
	return &cp, nil
}

func (s *Store) ListActiveCircles(_ context.Context) ([]models.Circle, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]models.Circle, 0)
	for _, c := range s.circles {
		if c.Status == models.CircleRunning || c.Status == models.CircleStarting {
			cp := *c
			cp.Members = append([]models.CircleMember(nil), c.Members...)
			out = append(out, cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) AddCircleMember(_ context.Context, circleID string, member models.CircleMember) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	circle, ok := s.circles[circleID]
	if !ok {
		return store.ErrCircleNotFound
	}
	for _, m := range circle.Members {
		if m.AgentID == member.AgentID {
			return fmt.Errorf("agent %s is already a member", member.AgentID)
		}
	}
	member.Position = len(circle.Members)
	circle.Members = append(circle.Members, member)
	circle.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *Store) RemoveCircleMember(_ context.Context, circleID, agentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	circle, ok := s.circles[circleID]
	if !ok {
		return store.ErrCircleNotFound
	}

	next := circle.Members[:0]
	found := false
	for _, m := range circle.Members {
		if m.AgentID == agentID {
			found = true
			continue
		}
		m.Position = len(next)
		next = append(next, m)
	}
	if !found {
		return fmt.Errorf("agent %s is not a member", agentID)
	}
	circle.Members = next

	// Removing the last member forces the circle stopped.
	if len(circle.Members) == 0 {
		circle.Status = models.CircleStopped
	}
	circle.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *Store) UpdateCircleStatus(_ context.Context, circleID string, status models.CircleStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	circle, ok := s.circles[circleID]
	if !ok {
		return store.ErrCircleNotFound
	}
	circle.Status = status
	circle.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *Store) GetCircleMembers(_ context.Context, circleID string) ([]models.CircleMember, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	circle, ok := s.circles[circleID]
	if !ok {
		return nil, store.ErrCircleNotFound
	}
	return append([]models.CircleMember(nil), circle.Members...), nil
}

// ----------------------------------------------------------------------------
// Background tasks
// ----------------------------------------------------------------------------

func (s *Store) CreateTask(_ context.Context, task *models.BackgroundTask) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextTaskID++
	task.ID = s.nextTaskID
	if task.CreatedAt.IsZero() {
		task.CreatedAt = time.Now().UTC()
	}
	cp := *task
	cp.CheckpointData = copyMap(task.CheckpointData)
	s.tasks[task.ID] = &cp
	return task.ID, nil
}

func (s *Store) GetTask(_ context.Context, id int64) (*models.BackgroundTask, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	task, ok := s.tasks[id]
	if !ok {
		return nil, store.ErrTaskNotFound
	}
	cp := *task
	cp.CheckpointData = copyMap(task.CheckpointData)
	return &cp, nil
}

func (s *Store) ListTasksByStatus(_ context.Context, statuses ...models.TaskStatus) ([]models.BackgroundTask, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	want := make(map[models.TaskStatus]bool, len(statuses))
	for _, st := range statuses {
		want[st] = true
	}

	out := make([]models.BackgroundTask, 0)
	for _, t := range s.tasks {
		if want[t.Status] {
			cp := *t
			cp.CheckpointData = copyMap(t.CheckpointData)
			out = append(out, cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) TransitionTask(_ context.Context, id int64, from, to models.TaskStatus, claimedBy string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.tasks[id]
	if !ok {
		return false, store.ErrTaskNotFound
	}
	if task.Status != from {
		return false, nil
	}

	now := time.Now().UTC()
	task.Status = to
	if claimedBy != "" {
		task.ClaimedBy = claimedBy
	}
	if to == models.TaskRunning && task.StartedAt == nil {
		task.StartedAt = &now
	}
	if to.IsTerminal() {
		task.FinishedAt = &now
		task.ClaimedBy = ""
	}
	return true, nil
}

func (s *Store) UpdateTaskResult(_ context.Context, id int64, finalResult, errorMessage string, metrics models.TaskMetrics) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.tasks[id]
	if !ok {
		return store.ErrTaskNotFound
	}
	task.FinalResult = finalResult
	task.ErrorMessage = errorMessage
	task.Metrics = metrics
	return nil
}

func (s *Store) PersistCheckpoint(_ context.Context, id int64, step int, percent float64, summary string, data map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.tasks[id]
	if !ok {
		return store.ErrTaskNotFound
	}
	task.CurrentStep = step
	task.ProgressPercent = percent
	task.ProgressSummary = summary
	task.CheckpointData = copyMap(data)
	return nil
}

func (s *Store) AppendStep(_ context.Context, step *models.BackgroundTaskStep) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.tasks[step.TaskID]; !ok {
		return store.ErrTaskNotFound
	}

	// Several actions (plan, execute, tool calls) share a step number;
	// the number itself must never decrease.
	existing := s.steps[step.TaskID]
	if n := len(existing); n > 0 && existing[n-1].StepNumber > step.StepNumber {
		return fmt.Errorf("step_number %d is not increasing for task %d", step.StepNumber, step.TaskID)
	}

	s.nextStepID++
	step.ID = s.nextStepID
	if step.CreatedAt.IsZero() {
		step.CreatedAt = time.Now().UTC()
	}
	s.steps[step.TaskID] = append(existing, *step)
	return nil
}

func (s *Store) ListSteps(_ context.Context, taskID int64) ([]models.BackgroundTaskStep, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]models.BackgroundTaskStep(nil), s.steps[taskID]...), nil
}

func (s *Store) ListInFlightTasks(ctx context.Context) ([]models.BackgroundTask, error) {
	return s.ListTasksByStatus(ctx, models.TaskRunning, models.TaskPaused)
}

// ----------------------------------------------------------------------------
// Scheduled actions
// ----------------------------------------------------------------------------

func (s *Store) CreateAction(_ context.Context, action *models.ScheduledAction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.actions[action.ID]; exists {
		return fmt.Errorf("scheduled action %s already exists", action.ID)
	}
	cp := *action
	s.actions[action.ID] = &cp
	return nil
}

func (s *Store) GetAction(_ context.Context, id string) (*models.ScheduledAction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	action, ok := s.actions[id]
	if !ok {
		return nil, store.ErrActionNotFound
	}
	cp := *action
	return &cp, nil
}

func (s *Store) UpdateAction(_ context.Context, action *models.ScheduledAction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.actions[action.ID]; !ok {
		return store.ErrActionNotFound
	}
	action.UpdatedAt = time.Now().UTC()
	cp := *action
	s.actions[action.ID] = &cp
	return nil
}

func (s *Store) DeleteAction(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.actions[id]; !ok {
		return store.ErrActionNotFound
	}
	delete(s.actions, id)
	return nil
}

func (s *Store) ListActions(_ context.Context) ([]models.ScheduledAction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]models.ScheduledAction, 0, len(s.actions))
	for _, a := range s.actions {
		out = append(out, *a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) ListDueActions(_ context.Context, now time.Time) ([]models.ScheduledAction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]models.ScheduledAction, 0)
	for _, a := range s.actions {
		if a.Status != models.ActionActive || a.NextRunAt == nil {
			continue
		}
		if a.NextRunAt.After(now) {
			continue
		}
		out = append(out, *a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NextRunAt.Before(*out[j].NextRunAt) })
	return out, nil
}

func (s *Store) ListEventActions(_ context.Context) ([]models.ScheduledAction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]models.ScheduledAction, 0)
	for _, a := range s.actions {
		if a.Status == models.ActionActive && a.ScheduleType == models.ScheduleEvent {
			out = append(out, *a)
		}
	}
	return out, nil
}

func (s *Store) CreateRun(_ context.Context, run *models.ScheduledRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.runs[run.ID]; exists {
		return fmt.Errorf("scheduled run %s already exists", run.ID)
	}
	cp := *run
	s.runs[run.ID] = &cp
	return nil
}

func (s *Store) TerminalizeRun(_ context.Context, runID string, status models.TaskStatus, duration time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.runs[runID]
	if !ok {
		return store.ErrRunNotFound
	}
	run.Status = status
	run.Duration = duration
	return nil
}

func (s *Store) ListRuns(_ context.Context, actionID string) ([]models.ScheduledRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]models.ScheduledRun, 0)
	for _, r := range s.runs {
		if r.ActionID == actionID {
			out = append(out, *r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RunNumber < out[j].RunNumber })
	return out, nil
}

func (s *Store) HasNonTerminalRun(_ context.Context, actionID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, r := range s.runs {
		if r.ActionID == actionID && !r.Status.IsTerminal() {
			return true, nil
		}
	}
	return false, nil
}

func (s *Store) ListNonTerminalRuns(_ context.Context) ([]models.ScheduledRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]models.ScheduledRun, 0)
	for _, r := range s.runs {
		if !r.Status.IsTerminal() {
			out = append(out, *r)
		}
	}
	return out, nil
}

// ----------------------------------------------------------------------------
// Pipelines
// ----------------------------------------------------------------------------

func (s *Store) CreatePipeline(_ context.Context, p *models.Pipeline) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.pipelines[p.ID]; exists {
		return fmt.Errorf("pipeline %s already exists", p.ID)
	}
	s.pipelines[p.ID] = copyPipeline(p)
	return nil
}

func (s *Store) GetPipeline(_ context.Context, id string) (*models.Pipeline, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.pipelines[id]
	if !ok {
		return nil, store.ErrPipelineNotFound
	}
	return copyPipeline(p), nil
}

func (s *Store) UpdatePipeline(_ context.Context, p *models.Pipeline) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.pipelines[p.ID]; !ok {
		return store.ErrPipelineNotFound
	}
	p.UpdatedAt = time.Now().UTC()
	s.pipelines[p.ID] = copyPipeline(p)
	return nil
}

func (s *Store) DeletePipeline(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.pipelines[id]; !ok {
		return store.ErrPipelineNotFound
	}
	delete(s.pipelines, id)
	return nil
}

func (s *Store) ListPipelines(_ context.Context) ([]models.Pipeline, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]models.Pipeline, 0, len(s.pipelines))
	for _, p := range s.pipelines {
		out = append(out, *copyPipeline(p))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) CreatePipelineRun(_ context.Context, run *models.PipelineRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.pipelineRuns[run.ID]; exists {
		return fmt.Errorf("pipeline run %s already exists", run.ID)
	}
	s.pipelineRuns[run.ID] = copyRun(run)
	return nil
}

func (s *Store) GetPipelineRun(_ context.Context, id string) (*models.PipelineRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	run, ok := s.pipelineRuns[id]
	if !ok {
		return nil, store.ErrPipelineNotFound
	}
	return copyRun(run), nil
}

func (s *Store) UpdatePipelineRun(_ context.Context, run *models.PipelineRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.pipelineRuns[run.ID]; !ok {
		return store.ErrPipelineNotFound
	}
	s.pipelineRuns[run.ID] = copyRun(run)
	return nil
}

func (s *Store) PersistNodeState(_ context.Context, runID, nodeID string, state models.NodeState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.pipelineRuns[runID]
	if !ok {
		return store.ErrPipelineNotFound
	}
	if run.NodeStates == nil {
		run.NodeStates = make(map[string]models.NodeState)
	}
	run.NodeStates[nodeID] = state
	return nil
}

// ----------------------------------------------------------------------------
// Memories
// ----------------------------------------------------------------------------

func (s *Store) InsertMemory(ctx context.Context, m *models.Memory) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.memories[m.ID]; exists {
		return fmt.Errorf("memory %s already exists", m.ID)
	}

	cp := *m
	cp.Embedding = append([]float32(nil), m.Embedding...)
	s.memories[m.ID] = &cp

	doc := chromem.Document{
		ID:        m.ID,
		Embedding: m.Embedding,
		Content:   m.Content,
		Metadata:  map[string]string{"agent_id": m.AgentID},
	}
	if err := s.vectors.AddDocument(ctx, doc); err != nil {
		delete(s.memories, m.ID)
		return fmt.Errorf("failed to index memory: %w", err)
	}
	return nil
}

func (s *Store) SearchMemories(ctx context.Context, q store.MemorySearch) ([]store.MemoryHit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	count := s.vectors.Count()
	if count == 0 {
		return nil, nil
	}

	// chromem's metadata filter is exact-match only; scope visibility is
	// a union, so rank over the whole collection and filter here.
	results, err := s.vectors.QueryEmbedding(ctx, q.Embedding, count, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("vector search failed: %w", err)
	}

	circles := toSet(q.CircleIDs)
	projects := toSet(q.ProjectIDs)

	hits := make([]store.MemoryHit, 0, q.Limit)
	for _, r := range results {
		if float64(r.Similarity) < q.Threshold {
			continue
		}
		m, ok := s.memories[r.ID]
		if !ok || m.Forgotten {
			continue
		}
		if !visible(m, q.AgentID, circles, projects) {
			continue
		}
		if q.Type != "" && m.Type != q.Type {
			continue
		}
		if len(q.Tags) > 0 && !hasAnyTag(m.Tags, q.Tags) {
			continue
		}

		cp := *m
		cp.Embedding = append([]float32(nil), m.Embedding...)
		hits = append(hits, store.MemoryHit{Memory: cp, Similarity: float64(r.Similarity)})
		if q.Limit > 0 && len(hits) >= q.Limit {
			break
		}
	}
	return hits, nil
}

func (s *Store) MarkForgotten(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.memories[id]
	if !ok {
		return store.ErrMemoryNotFound
	}
	m.Forgotten = true
	m.UpdatedAt = time.Now().UTC()
	return s.vectors.Delete(ctx, nil, nil, id)
}

func (s *Store) IncrementAccess(_ context.Context, ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range ids {
		if m, ok := s.memories[id]; ok {
			m.AccessCount++
		}
	}
	return nil
}

// ----------------------------------------------------------------------------
// helpers
// ----------------------------------------------------------------------------

func visible(m *models.Memory, agentID string, circles, projects map[string]bool) bool {
	switch m.Scope {
	case models.ScopeGlobal:
		return true
	case models.ScopeAgent:
		return m.AgentID == agentID
	case models.ScopeCircle:
		return circles[m.ScopeID]
	case models.ScopeProject:
		return projects[m.ScopeID]
	}
	return false
}

func hasAnyTag(have, want []string) bool {
	set := toSet(have)
	for _, t := range want {
		if set[t] {
			return true
		}
	}
	return false
}

func toSet(items []string) map[string]bool {
	set := make(map[string]bool, len(items))
	for _, it := range items {
		set[it] = true
	}
	return set
}

func copyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	cp := make(map[string]any, len(m))
	for k, v := range m {
		cp[k] = v
	}
	return cp
}

func copyPipeline(p *models.Pipeline) *models.Pipeline {
	cp := *p
	cp.Nodes = make([]models.PipelineNode, len(p.Nodes))
	for i, n := range p.Nodes {
		cp.Nodes[i] = n
		cp.Nodes[i].Config = copyMap(n.Config)
	}
	cp.Edges = append([]models.PipelineEdge(nil), p.Edges...)
	return &cp
}

func copyRun(run *models.PipelineRun) *models.PipelineRun {
	cp := *run
	cp.NodeStates = make(map[string]models.NodeState, len(run.NodeStates))
	for k, v := range run.NodeStates {
		cp.NodeStates[k] = v
	}
	cp.Payload = copyMap(run.Payload)
	return &cp
}
