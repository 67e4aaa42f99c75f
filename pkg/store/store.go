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

// Package store defines the persistence contract the orchestration core
// consumes. Any relational engine with transactions, arrays and a
// cosine-capable vector index satisfies it; the repository ships a
// PostgreSQL implementation and an in-memory one.
package store

import (
	"context"
	"time"

	"github.com/kadirpekel/gathering/pkg/models"
)

// MemorySearch parameterizes a vector search over memories. Scope
// visibility is the union of the agent's own memories, the given circles
// and projects, and global memories.
type MemorySearch struct {
	Embedding  []float32
	Threshold  float64
	Limit      int
	AgentID    string
	CircleIDs  []string
	ProjectIDs []string
	Type       models.MemoryType
	Tags       []string
}

// MemoryHit is a search result with its similarity score.
type MemoryHit struct {
	Memory     models.Memory
	Similarity float64
}

// AgentStore persists agent identities.
type AgentStore interface {
	CreateAgent(ctx context.Context, agent *models.Agent) error
	GetAgent(ctx context.Context, id string) (*models.Agent, error)
	ListAgents(ctx context.Context, activeOnly bool) ([]models.Agent, error)
	UpdateAgentMetrics(ctx context.Context, id string, metrics models.AgentMetrics) error
	SetAgentActive(ctx context.Context, id string, active bool) error
}

// CircleStore persists circles and their membership.
type CircleStore interface {
	CreateCircle(ctx context.Context, circle *models.Circle) error
	GetCircle(ctx context.Context, id string) (*models.Circle, error)
	ListActiveCircles(ctx context.Context) ([]models.Circle, error)
	AddCircleMember(ctx context.Context, circleID string, member models.CircleMember) error
	RemoveCircleMember(ctx context.Context, circleID, agentID string) error
	UpdateCircleStatus(ctx context.Context, circleID string, status models.CircleStatus) error
	GetCircleMembers(ctx context.Context, circleID string) ([]models.CircleMember, error)
}

// TaskStore persists background tasks and their step audit trail.
type TaskStore interface {
	CreateTask(ctx context.Context, task *models.BackgroundTask) (int64, error)
	GetTask(ctx context.Context, id int64) (*models.BackgroundTask, error)
	ListTasksByStatus(ctx context.Context, statuses ...models.TaskStatus) ([]models.BackgroundTask, error)

	// TransitionTask atomically moves a task between statuses. It returns
	// false when the task is not in the expected `from` status, which is
	// the claim gate for multi-instance deployments.
	TransitionTask(ctx context.Context, id int64, from, to models.TaskStatus, claimedBy string) (bool, error)

	// UpdateTaskResult persists the terminal fields of a task.
	UpdateTaskResult(ctx context.Context, id int64, finalResult, errorMessage string, metrics models.TaskMetrics) error

	// PersistCheckpoint atomically writes the progress snapshot.
	PersistCheckpoint(ctx context.Context, id int64, step int, percent float64, summary string, data map[string]any) error

	AppendStep(ctx context.Context, step *models.BackgroundTaskStep) error
	ListSteps(ctx context.Context, taskID int64) ([]models.BackgroundTaskStep, error)

	// ListInFlightTasks returns tasks in running or paused status, for
	// startup recovery.
	ListInFlightTasks(ctx context.Context) ([]models.BackgroundTask, error)
}

// ScheduleStore persists scheduled actions and their run history.
type ScheduleStore interface {
	CreateAction(ctx context.Context, action *models.ScheduledAction) error
	GetAction(ctx context.Context, id string) (*models.ScheduledAction, error)
	UpdateAction(ctx context.Context, action *models.ScheduledAction) error
	DeleteAction(ctx context.Context, id string) error
	ListActions(ctx context.Context) ([]models.ScheduledAction, error)

	// ListDueActions returns active actions with next_run_at <= now,
	// ascending by next_run_at.
	ListDueActions(ctx context.Context, now time.Time) ([]models.ScheduledAction, error)

	// ListEventActions returns active event-triggered actions.
	ListEventActions(ctx context.Context) ([]models.ScheduledAction, error)

	CreateRun(ctx context.Context, run *models.ScheduledRun) error
	TerminalizeRun(ctx context.Context, runID string, status models.TaskStatus, duration time.Duration) error
	ListRuns(ctx context.Context, actionID string) ([]models.ScheduledRun, error)

	// HasNonTerminalRun reports whether the action has a run whose task
	// has not reached a terminal status.
	HasNonTerminalRun(ctx context.Context, actionID string) (bool, error)

	// ListNonTerminalRuns returns all non-terminal runs, for startup
	// recovery.
	ListNonTerminalRuns(ctx context.Context) ([]models.ScheduledRun, error)
}

// PipelineStore persists pipeline definitions and runs.
type PipelineStore interface {
	CreatePipeline(ctx context.Context, p *models.Pipeline) error
	GetPipeline(ctx context.Context, id string) (*models.Pipeline, error)
	UpdatePipeline(ctx context.Context, p *models.Pipeline) error
	DeletePipeline(ctx context.Context, id string) error
	ListPipelines(ctx context.Context) ([]models.Pipeline, error)

	CreatePipelineRun(ctx context.Context, run *models.PipelineRun) error
	GetPipelineRun(ctx context.Context, id string) (*models.PipelineRun, error)
	UpdatePipelineRun(ctx context.Context, run *models.PipelineRun) error
	PersistNodeState(ctx context.Context, runID, nodeID string, state models.NodeState) error
}

// MemoryStore persists knowledge units with vector search.
type MemoryStore interface {
	InsertMemory(ctx context.Context, m *models.Memory) error
	SearchMemories(ctx context.Context, q MemorySearch) ([]MemoryHit, error)
	MarkForgotten(ctx context.Context, id string) error
	IncrementAccess(ctx context.Context, ids []string) error
}

// Store is the full persistence contract.
type Store interface {
	AgentStore
	CircleStore
	TaskStore
	ScheduleStore
	PipelineStore
	MemoryStore

	// Close releases underlying connections.
	Close() error
}
