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

// Package models defines the persisted entities of the orchestration
// platform and their status state machines. Entities hold ids, never
// object back-pointers; traversal is always id → Store lookup.
package models

import (
	"time"
)

// ----------------------------------------------------------------------------
// Agent
// ----------------------------------------------------------------------------

// ModelRef resolves an agent to a concrete LLM.
type ModelRef struct {
	Provider string `yaml:"provider" json:"provider" db:"model_provider"`
	Model    string `yaml:"model" json:"model" db:"model_name"`
}

// AgentMetrics are aggregates mutated by the executor after terminal states.
// They are store-visible only and never consulted for routing.
type AgentMetrics struct {
	TasksCompleted int     `json:"tasks_completed" db:"tasks_completed"`
	AvgQuality     float64 `json:"avg_quality" db:"avg_quality"`
	ApprovalRate   float64 `json:"approval_rate" db:"approval_rate"`
}

// Agent is a persistent worker identity.
type Agent struct {
	ID              string       `json:"id" db:"id"`
	Name            string       `json:"name" db:"name"`
	Role            string       `json:"role" db:"role"`
	Persona         string       `json:"persona" db:"persona"`
	Traits          []string     `json:"traits" db:"traits"`
	Specializations []string     `json:"specializations" db:"specializations"`
	Language        string       `json:"language" db:"language"`
	Model           ModelRef     `json:"model"`
	Active          bool         `json:"active" db:"active"`
	Metrics         AgentMetrics `json:"metrics"`
	CreatedAt       time.Time    `json:"created_at" db:"created_at"`
	UpdatedAt       time.Time    `json:"updated_at" db:"updated_at"`
}

// ----------------------------------------------------------------------------
// Circle
// ----------------------------------------------------------------------------

// CircleStatus is the lifecycle state of a circle.
type CircleStatus string

const (
	CircleStopped  CircleStatus = "stopped"
	CircleStarting CircleStatus = "starting"
	CircleRunning  CircleStatus = "running"
	CircleStopping CircleStatus = "stopping"
)

// CircleMember is an insertion-ordered membership reference.
type CircleMember struct {
	AgentID      string    `json:"agent_id" db:"agent_id"`
	Competencies []string  `json:"competencies" db:"competencies"`
	Reviews      []string  `json:"reviews" db:"reviews"`
	Position     int       `json:"position" db:"position"`
	AddedAt      time.Time `json:"added_at" db:"added_at"`
}

// Circle is a small team of agents working over a shared context.
type Circle struct {
	ID            string         `json:"id" db:"id"`
	Name          string         `json:"name" db:"name"`
	Status        CircleStatus   `json:"status" db:"status"`
	AutoRoute     bool           `json:"auto_route" db:"auto_route"`
	RequireReview bool           `json:"require_review" db:"require_review"`
	ProjectID     string         `json:"project_id,omitempty" db:"project_id"`
	Members       []CircleMember `json:"members"`
	CreatedAt     time.Time      `json:"created_at" db:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at" db:"updated_at"`
}

// ----------------------------------------------------------------------------
// Memory
// ----------------------------------------------------------------------------

// MemoryScope is the visibility domain of a memory.
type MemoryScope string

const (
	ScopeAgent   MemoryScope = "agent"
	ScopeCircle  MemoryScope = "circle"
	ScopeProject MemoryScope = "project"
	ScopeGlobal  MemoryScope = "global"
)

// MemoryType classifies a knowledge unit.
type MemoryType string

const (
	MemoryFact       MemoryType = "fact"
	MemoryPreference MemoryType = "preference"
	MemoryDecision   MemoryType = "decision"
	MemoryLearning   MemoryType = "learning"
	MemoryError      MemoryType = "error"
	MemoryFeedback   MemoryType = "feedback"
)

// Memory is a durable knowledge unit with a vector embedding.
type Memory struct {
	ID          string      `json:"id" db:"id"`
	AgentID     string      `json:"agent_id" db:"agent_id"`
	Scope       MemoryScope `json:"scope" db:"scope"`
	ScopeID     string      `json:"scope_id,omitempty" db:"scope_id"`
	Content     string      `json:"content" db:"content"`
	Embedding   []float32   `json:"-"`
	Importance  float64     `json:"importance" db:"importance"`
	AccessCount int         `json:"access_count" db:"access_count"`
	Tags        []string    `json:"tags" db:"tags"`
	Type        MemoryType  `json:"type" db:"type"`
	Forgotten   bool        `json:"forgotten" db:"forgotten"`
	CreatedAt   time.Time   `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time   `json:"updated_at" db:"updated_at"`
}

// ----------------------------------------------------------------------------
// BackgroundTask
// ----------------------------------------------------------------------------

// TaskStatus is the state of a background task.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskRunning   TaskStatus = "running"
	TaskPaused    TaskStatus = "paused"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
	TaskCancelled TaskStatus = "cancelled"
	TaskTimeout   TaskStatus = "timeout"
)

// IsTerminal returns whether this state is terminal (no more transitions).
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case TaskCompleted, TaskFailed, TaskCancelled, TaskTimeout:
		return true
	}
	return false
}

// CanTransitionTo reports whether the status transition is allowed.
// Only pending|paused → running; only running → paused or a terminal
// state. Terminal states are absorbing.
func (s TaskStatus) CanTransitionTo(next TaskStatus) bool {
	if s.IsTerminal() {
		return false
	}
	switch next {
	case TaskRunning:
		return s == TaskPending || s == TaskPaused
	case TaskPaused, TaskCompleted, TaskFailed, TaskCancelled, TaskTimeout:
		return s == TaskRunning
	}
	return false
}

// TaskMetrics aggregates resource usage over a task's lifetime.
type TaskMetrics struct {
	LLMCalls  int `json:"llm_calls" db:"llm_calls"`
	Tokens    int `json:"tokens" db:"tokens"`
	ToolCalls int `json:"tool_calls" db:"tool_calls"`
}

// BackgroundTask is one autonomous checkpointed execution.
type BackgroundTask struct {
	ID                 int64          `json:"id" db:"id"`
	Goal               string         `json:"goal" db:"goal"`
	AgentID            string         `json:"agent_id" db:"agent_id"`
	CircleID           string         `json:"circle_id,omitempty" db:"circle_id"`
	Status             TaskStatus     `json:"status" db:"status"`
	MaxSteps           int            `json:"max_steps" db:"max_steps"`
	TimeoutSeconds     int            `json:"timeout_seconds" db:"timeout_seconds"`
	CheckpointInterval int            `json:"checkpoint_interval" db:"checkpoint_interval"`
	CurrentStep        int            `json:"current_step" db:"current_step"`
	ProgressPercent    float64        `json:"progress_percent" db:"progress_percent"`
	ProgressSummary    string         `json:"progress_summary" db:"progress_summary"`
	CheckpointData     map[string]any `json:"checkpoint_data"`
	FinalResult        string         `json:"final_result" db:"final_result"`
	ErrorMessage       string         `json:"error_message" db:"error_message"`
	Metrics            TaskMetrics    `json:"metrics"`
	ClaimedBy          string         `json:"claimed_by,omitempty" db:"claimed_by"`
	CreatedAt          time.Time      `json:"created_at" db:"created_at"`
	StartedAt          *time.Time     `json:"started_at,omitempty" db:"started_at"`
	FinishedAt         *time.Time     `json:"finished_at,omitempty" db:"finished_at"`
}

// StepAction is the kind of work a step row records.
type StepAction string

const (
	StepPlan       StepAction = "plan"
	StepExecute    StepAction = "execute"
	StepToolCall   StepAction = "tool_call"
	StepCheckpoint StepAction = "checkpoint"
)

// BackgroundTaskStep is an immutable audit row of loop work.
// StepNumber counts loop iterations and never decreases; the rows of one
// iteration (plan, execute, tool calls) share its number, so (task,
// step_number, action) is the unique key rather than step_number alone.
type BackgroundTaskStep struct {
	ID         int64         `json:"id" db:"id"`
	TaskID     int64         `json:"task_id" db:"task_id"`
	StepNumber int           `json:"step_number" db:"step_number"`
	Action     StepAction    `json:"action" db:"action"`
	Input      string        `json:"input" db:"input"`
	Output     string        `json:"output" db:"output"`
	ToolName   string        `json:"tool_name,omitempty" db:"tool_name"`
	Duration   time.Duration `json:"duration" db:"duration_ms"`
	Tokens     int           `json:"tokens" db:"tokens"`
	CreatedAt  time.Time     `json:"created_at" db:"created_at"`
}

// ----------------------------------------------------------------------------
// ScheduledAction
// ----------------------------------------------------------------------------

// ScheduleType selects how a scheduled action fires.
type ScheduleType string

const (
	ScheduleCron     ScheduleType = "cron"
	ScheduleInterval ScheduleType = "interval"
	ScheduleOnce     ScheduleType = "once"
	ScheduleEvent    ScheduleType = "event"
)

// ActionStatus is the lifecycle state of a scheduled action.
type ActionStatus string

const (
	ActionActive   ActionStatus = "active"
	ActionPaused   ActionStatus = "paused"
	ActionDisabled ActionStatus = "disabled"
	ActionExpired  ActionStatus = "expired"
)

// ScheduledAction produces background tasks on a schedule. Exactly one of
// CronExpression / IntervalSeconds / FireAt / EventName is populated,
// matching ScheduleType.
type ScheduledAction struct {
	ID              string       `json:"id" db:"id"`
	AgentID         string       `json:"agent_id" db:"agent_id"`
	Name            string       `json:"name" db:"name"`
	Goal            string       `json:"goal" db:"goal"`
	ScheduleType    ScheduleType `json:"schedule_type" db:"schedule_type"`
	CronExpression  string       `json:"cron_expression,omitempty" db:"cron_expression"`
	IntervalSeconds int          `json:"interval_seconds,omitempty" db:"interval_seconds"`
	FireAt          *time.Time   `json:"fire_at,omitempty" db:"fire_at"`
	EventName       string       `json:"event_name,omitempty" db:"event_name"`
	Status          ActionStatus `json:"status" db:"status"`
	MaxSteps        int          `json:"max_steps" db:"max_steps"`
	TimeoutSeconds  int          `json:"timeout_seconds" db:"timeout_seconds"`
	StartDate       *time.Time   `json:"start_date,omitempty" db:"start_date"`
	EndDate         *time.Time   `json:"end_date,omitempty" db:"end_date"`
	MaxExecutions   int          `json:"max_executions,omitempty" db:"max_executions"`
	ExecutionCount  int          `json:"execution_count" db:"execution_count"`
	RetryOnFailure  bool         `json:"retry_on_failure" db:"retry_on_failure"`
	MaxRetries      int          `json:"max_retries" db:"max_retries"`
	RetryCount      int          `json:"retry_count" db:"retry_count"`
	AllowConcurrent bool         `json:"allow_concurrent" db:"allow_concurrent"`
	LastRunAt       *time.Time   `json:"last_run_at,omitempty" db:"last_run_at"`
	NextRunAt       *time.Time   `json:"next_run_at,omitempty" db:"next_run_at"`
	Tags            []string     `json:"tags" db:"tags"`
	CreatedAt       time.Time    `json:"created_at" db:"created_at"`
	UpdatedAt       time.Time    `json:"updated_at" db:"updated_at"`
}

// TriggerSource records what caused a scheduled run.
type TriggerSource string

const (
	TriggeredByScheduler TriggerSource = "scheduler"
	TriggeredByManual    TriggerSource = "manual"
	TriggeredByEvent     TriggerSource = "event"
)

// ScheduledRun links a scheduled action to a spawned background task.
type ScheduledRun struct {
	ID          string        `json:"id" db:"id"`
	ActionID    string        `json:"action_id" db:"action_id"`
	TaskID      int64         `json:"task_id" db:"task_id"`
	RunNumber   int           `json:"run_number" db:"run_number"`
	TriggeredAt time.Time     `json:"triggered_at" db:"triggered_at"`
	TriggeredBy TriggerSource `json:"triggered_by" db:"triggered_by"`
	Status      TaskStatus    `json:"status" db:"status"`
	Duration    time.Duration `json:"duration" db:"duration_ms"`
}

// ----------------------------------------------------------------------------
// Pipeline
// ----------------------------------------------------------------------------

// PipelineStatus is the lifecycle state of a pipeline definition.
type PipelineStatus string

const (
	PipelineActive PipelineStatus = "active"
	PipelinePaused PipelineStatus = "paused"
	PipelineDraft  PipelineStatus = "draft"
)

// NodeType identifies the kind of a pipeline node.
type NodeType string

const (
	NodeTrigger   NodeType = "trigger"
	NodeAgent     NodeType = "agent"
	NodeCondition NodeType = "condition"
	NodeAction    NodeType = "action"
	NodeParallel  NodeType = "parallel"
	NodeDelay     NodeType = "delay"
)

// PipelineNode is one unit of pipeline work. Config is opaque per type and
// decoded by the engine.
type PipelineNode struct {
	ID     string         `json:"id" db:"id"`
	Type   NodeType       `json:"type" db:"type"`
	Config map[string]any `json:"config"`
}

// PipelineEdge connects two nodes. Predicate labels condition branches
// ("true" / "false").
type PipelineEdge struct {
	FromNode  string `json:"from_node" db:"from_node"`
	ToNode    string `json:"to_node" db:"to_node"`
	Predicate string `json:"predicate,omitempty" db:"predicate"`
}

// Pipeline is a DAG of nodes.
type Pipeline struct {
	ID             string         `json:"id" db:"id"`
	Name           string         `json:"name" db:"name"`
	Status         PipelineStatus `json:"status" db:"status"`
	Nodes          []PipelineNode `json:"nodes"`
	Edges          []PipelineEdge `json:"edges"`
	TimeoutSeconds int            `json:"timeout_seconds" db:"timeout_seconds"`
	TotalRuns      int            `json:"total_runs" db:"total_runs"`
	SuccessfulRuns int            `json:"successful_runs" db:"successful_runs"`
	AvgDurationMs  int64          `json:"avg_duration_ms" db:"avg_duration_ms"`
	CreatedAt      time.Time      `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at" db:"updated_at"`
}

// RunStatus is the state of a pipeline run.
type RunStatus string

const (
	RunPending   RunStatus = "pending"
	RunRunning   RunStatus = "running"
	RunSucceeded RunStatus = "succeeded"
	RunFailed    RunStatus = "failed"
	RunCancelled RunStatus = "cancelled"
	RunTimeout   RunStatus = "timeout"
)

// IsTerminal returns whether the run state is terminal.
func (s RunStatus) IsTerminal() bool {
	switch s {
	case RunSucceeded, RunFailed, RunCancelled, RunTimeout:
		return true
	}
	return false
}

// NodeState is the per-node execution state inside a run.
type NodeState string

const (
	NodePending   NodeState = "pending"
	NodeRunning   NodeState = "running"
	NodeSucceeded NodeState = "succeeded"
	NodeFailed    NodeState = "failed"
	NodeSkipped   NodeState = "skipped"
)

// IsTerminal returns whether the node state is terminal.
func (s NodeState) IsTerminal() bool {
	switch s {
	case NodeSucceeded, NodeFailed, NodeSkipped:
		return true
	}
	return false
}

// PipelineRun is an execution instance of a pipeline.
type PipelineRun struct {
	ID         string               `json:"id" db:"id"`
	PipelineID string               `json:"pipeline_id" db:"pipeline_id"`
	Status     RunStatus            `json:"status" db:"status"`
	NodeStates map[string]NodeState `json:"node_states"`
	Payload    map[string]any       `json:"payload"`
	Error      string               `json:"error,omitempty" db:"error"`
	StartedAt  *time.Time           `json:"started_at,omitempty" db:"started_at"`
	FinishedAt *time.Time           `json:"finished_at,omitempty" db:"finished_at"`
	CreatedAt  time.Time            `json:"created_at" db:"created_at"`
}
