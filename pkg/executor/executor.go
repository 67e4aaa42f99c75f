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

// Package executor drives background tasks through plan→act→checkpoint
// loops against a Worker.
//
// One loop per task id, enforced by the in-memory loop map plus the
// store's status-gated transition when claiming. Multiple tasks run
// concurrently up to the configured pool size; excess starts are refused
// with a typed error.
package executor

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

// ErrPoolExhausted is returned when the worker pool is at capacity.
var ErrPoolExhausted = &gathering.Error{
	Kind:    gathering.KindPrecondition,
	Entity:  "executor",
	Message: "worker pool exhausted",
}

// Options tune a single task. Zero values fall back to the executor
// defaults.
type Options struct {
	CircleID           string
	MaxSteps           int
	TimeoutSeconds     int
	CheckpointInterval int
}

// Stats is a point-in-time snapshot of executor counters.
type Stats struct {
	RunningLoops int   `json:"running_loops"`
	Capacity     int   `json:"capacity"`
	Started      int64 `json:"started"`
	Completed    int64 `json:"completed"`
	Failed       int64 `json:"failed"`
}

// Executor owns the taskId → loop map; only the executor mutates it.
type Executor struct {
	cfg        config.ExecutorConfig
	store      store.Store
	bus        *bus.Bus
	instanceID string

	mu       sync.Mutex
	loops    map[int64]*loop
	draining bool
	wg       sync.WaitGroup

	started   int64
	completed int64
	failed    int64
}

type loop struct {
	taskID int64
	worker worker.Worker

	flagMu    sync.Mutex
	pauseReq  bool
	cancelReq bool
}

func (l *loop) requestPause() {
	l.flagMu.Lock()
	l.pauseReq = true
	l.flagMu.Unlock()
}

func (l *loop) requestCancel() {
	l.flagMu.Lock()
	l.cancelReq = true
	l.flagMu.Unlock()
}

// flags reads the control flags at an iteration boundary.
func (l *loop) flags() (pause, cancel bool) {
	l.flagMu.Lock()
	defer l.flagMu.Unlock()
	return l.pauseReq, l.cancelReq
}

// New creates an executor.
func New(cfg config.ExecutorConfig, st store.Store, b *bus.Bus) *Executor {
	return &Executor{
		cfg:        cfg,
		store:      st,
		bus:        b,
		instanceID: uuid.New().String(),
		loops:      make(map[int64]*loop),
	}
}

// Start inserts a new task and spawns its loop.
func (e *Executor) Start(ctx context.Context, agentID, goal string, w worker.Worker, opts Options) (int64, error) {
	id, err := e.CreateTask(ctx, agentID, goal, opts)
	if err != nil {
		return 0, err
	}
	if err := e.Run(ctx, id, w); err != nil {
		return id, err
	}
	return id, nil
}

// CreateTask inserts a pending task without starting it. Callers that
// need bookkeeping keyed by the task id (the scheduler's run rows) insert
// that first, then call Run.
func (e *Executor) CreateTask(ctx context.Context, agentID, goal string, opts Options) (int64, error) {
	if goal == "" {
		return 0, gathering.NewValidation("task", "goal cannot be empty")
	}

	task := &models.BackgroundTask{
		Goal:               goal,
		AgentID:            agentID,
		CircleID:           opts.CircleID,
		Status:             models.TaskPending,
		MaxSteps:           opts.MaxSteps,
		TimeoutSeconds:     opts.TimeoutSeconds,
		CheckpointInterval: opts.CheckpointInterval,
	}
	if opts.MaxSteps == 0 {
		task.MaxSteps = e.cfg.DefaultMaxSteps
	}
	if opts.MaxSteps < 0 {
		task.MaxSteps = 0
	}
	if task.TimeoutSeconds <= 0 {
		task.TimeoutSeconds = e.cfg.DefaultTimeoutSeconds
	}
	if task.CheckpointInterval <= 0 {
		task.CheckpointInterval = e.cfg.DefaultCheckpointInterval
	}

	e.mu.Lock()
	if e.draining {
		e.mu.Unlock()
		return 0, gathering.NewPrecondition("executor", "executor is shutting down")
	}
	if len(e.loops) >= e.cfg.MaxConcurrentTasks {
		e.mu.Unlock()
		return 0, ErrPoolExhausted
	}
	e.mu.Unlock()

	id, err := e.store.CreateTask(ctx, task)
	if err != nil {
		return 0, fmt.Errorf("failed to create task: %w", err)
	}
	e.publish(bus.BackgroundTaskCreated, task)
	return id, nil
}

// Run claims a pending task and spawns its loop.
func (e *Executor) Run(ctx context.Context, taskID int64, w worker.Worker) error {
	return e.claimAndRun(ctx, taskID, models.TaskPending, w)
}

// claimAndRun transitions the task to running and spawns its loop.
func (e *Executor) claimAndRun(ctx context.Context, taskID int64, from models.TaskStatus, w worker.Worker) error {
	e.mu.Lock()
	if e.draining {
		e.mu.Unlock()
		return gathering.NewPrecondition("executor", "executor is shutting down")
	}
	if _, exists := e.loops[taskID]; exists {
		e.mu.Unlock()
		return gathering.NewPrecondition(fmt.Sprintf("task/%d", taskID), "task loop already running")
	}
	if len(e.loops) >= e.cfg.MaxConcurrentTasks {
		e.mu.Unlock()
		return ErrPoolExhausted
	}

	l := &loop{taskID: taskID, worker: w}
	e.loops[taskID] = l
	e.mu.Unlock()

	claimed, err := e.store.TransitionTask(ctx, taskID, from, models.TaskRunning, e.instanceID)
	if err != nil || !claimed {
		e.removeLoop(taskID)
		if err != nil {
			return fmt.Errorf("failed to claim task %d: %w", taskID, err)
		}
		return gathering.NewPrecondition(fmt.Sprintf("task/%d", taskID),
			"task is not in %s status", from)
	}

	task, err := e.store.GetTask(ctx, taskID)
	if err != nil {
		e.removeLoop(taskID)
		return err
	}
	eventType := bus.BackgroundTaskStarted
	if from == models.TaskPaused {
		eventType = bus.BackgroundTaskResumed
	}
	e.publish(eventType, task)

	e.mu.Lock()
	e.started++
	e.mu.Unlock()
	metrics.TasksStarted.Inc()
	metrics.RunningTasks.Inc()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer metrics.RunningTasks.Dec()
		defer e.removeLoop(taskID)
		e.run(l)
	}()
	return nil
}

func (e *Executor) removeLoop(taskID int64) {
	e.mu.Lock()
	delete(e.loops, taskID)
	e.mu.Unlock()
}

// Pause requests a running task to pause at its next iteration boundary.
func (e *Executor) Pause(ctx context.Context, taskID int64) error {
	e.mu.Lock()
	l, ok := e.loops[taskID]
	e.mu.Unlock()
	if !ok {
		return gathering.NewPrecondition(fmt.Sprintf("task/%d", taskID), "task is not running")
	}
	l.requestPause()
	return nil
}

// Resume re-enters the loop of a paused task from its latest checkpoint.
func (e *Executor) Resume(ctx context.Context, taskID int64, w worker.Worker) error {
	task, err := e.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if task.Status != models.TaskPaused {
		return gathering.NewPrecondition(fmt.Sprintf("task/%d", taskID),
			"cannot resume task in %s status", task.Status)
	}
	return e.claimAndRun(ctx, taskID, models.TaskPaused, w)
}

// Cancel transitions the task to cancelled. A running loop finishes its
// in-flight step and stops at the next boundary; pending and paused tasks
// are cancelled immediately.
func (e *Executor) Cancel(ctx context.Context, taskID int64) error {
	e.mu.Lock()
	l, ok := e.loops[taskID]
	e.mu.Unlock()
	if ok {
		l.requestCancel()
		return nil
	}

	task, err := e.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if task.Status.IsTerminal() {
		return gathering.NewPrecondition(fmt.Sprintf("task/%d", taskID),
			"task already in terminal status %s", task.Status)
	}

	done, err := e.store.TransitionTask(ctx, taskID, task.Status, models.TaskCancelled, "")
	if err != nil {
		return err
	}
	if !done {
		return gathering.NewPrecondition(fmt.Sprintf("task/%d", taskID), "task status changed concurrently")
	}
	task.Status = models.TaskCancelled
	metrics.TasksTerminal.WithLabelValues(string(models.TaskCancelled)).Inc()
	e.publish(bus.BackgroundTaskCancelled, task)
	return nil
}

// Status returns the task row.
func (e *Executor) Status(ctx context.Context, taskID int64) (*models.BackgroundTask, error) {
	return e.store.GetTask(ctx, taskID)
}

// RecoverTasks restores loops after a restart: running tasks resume from
// their checkpoints; paused tasks stay paused until explicitly resumed.
func (e *Executor) RecoverTasks(ctx context.Context, w worker.Worker) error {
	inflight, err := e.store.ListInFlightTasks(ctx)
	if err != nil {
		return fmt.Errorf("failed to list in-flight tasks: %w", err)
	}

	for _, task := range inflight {
		if task.Status != models.TaskRunning {
			continue
		}
		slog.Info("Recovering background task",
			"task_id", task.ID,
			"current_step", task.CurrentStep)
		if err := e.claimAndRun(ctx, task.ID, models.TaskRunning, w); err != nil {
			slog.Warn("Failed to recover task", "task_id", task.ID, "error", err)
		}
	}
	return nil
}

// Shutdown signals pause to every running loop and waits up to grace for
// loops to reach their next iteration boundary.
func (e *Executor) Shutdown(grace time.Duration) {
	e.mu.Lock()
	e.draining = true
	for _, l := range e.loops {
		l.requestPause()
	}
	n := len(e.loops)
	e.mu.Unlock()

	if n > 0 {
		slog.Info("Waiting for task loops to pause", "count", n, "grace", grace)
	}

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(grace):
		slog.Warn("Shutdown grace elapsed with loops still running")
	}
}

// Stats returns a snapshot of executor counters.
func (e *Executor) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Stats{
		RunningLoops: len(e.loops),
		Capacity:     e.cfg.MaxConcurrentTasks,
		Started:      e.started,
		Completed:    e.completed,
		Failed:       e.failed,
	}
}

func (e *Executor) publish(t bus.EventType, task *models.BackgroundTask) {
	event := bus.NewEvent(t, map[string]any{
		"task_id":      task.ID,
		"goal":         task.Goal,
		"status":       string(task.Status),
		"current_step": task.CurrentStep,
	}).WithAgent(task.AgentID)
	if task.CircleID != "" {
		event = event.WithCircle(task.CircleID)
	}
	e.bus.Publish(event)
}
