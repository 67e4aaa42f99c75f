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

package executor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/kadirpekel/gathering/pkg/bus"
	"github.com/kadirpekel/gathering/pkg/metrics"
	"github.com/kadirpekel/gathering/pkg/models"
	"github.com/kadirpekel/gathering/pkg/worker"
)

const stepLimitMessage = "step limit exceeded"

// run drives one task loop to a pause or a terminal state. It is the only
// goroutine touching the task while the loop is registered.
func (e *Executor) run(l *loop) {
	ctx := context.Background()

	task, err := e.store.GetTask(ctx, l.taskID)
	if err != nil {
		slog.Error("Task loop cannot load its task", "task_id", l.taskID, "error", err)
		return
	}

	// Resume past already-persisted steps so a replayed iteration never
	// duplicates audit rows (at-least-once, §crash recovery).
	step := task.CurrentStep
	if steps, err := e.store.ListSteps(ctx, task.ID); err == nil && len(steps) > 0 {
		if last := steps[len(steps)-1].StepNumber; last > step {
			step = last
		}
	}

	started := time.Now()
	if task.StartedAt != nil {
		started = *task.StartedAt
	}
	timeout := time.Duration(task.TimeoutSeconds) * time.Second
	taskMetrics := task.Metrics
	lastOutput := ""
	if v, ok := task.CheckpointData["last_output"].(string); ok {
		lastOutput = v
	}

	if task.MaxSteps == 0 {
		e.failTask(ctx, task, taskMetrics, stepLimitMessage)
		return
	}

	for {
		pause, cancel := l.flags()
		if cancel {
			e.terminal(ctx, task, models.TaskCancelled, taskMetrics, "")
			return
		}
		if pause {
			e.pauseAtBoundary(ctx, task, step, lastOutput)
			return
		}
		if step >= task.MaxSteps {
			e.failTask(ctx, task, taskMetrics, stepLimitMessage)
			return
		}
		if time.Since(started) >= timeout {
			e.terminal(ctx, task, models.TaskTimeout, taskMetrics, "task timeout exceeded")
			return
		}

		step++
		state := worker.State{
			CurrentStep: step - 1,
			LastOutput:  lastOutput,
			Checkpoint:  task.CheckpointData,
		}

		// Plan.
		planStart := time.Now()
		planned, err := e.callPlan(ctx, l.worker, task.Goal, state)
		if err != nil {
			planned = ""
			taskMetrics.LLMCalls++
			e.appendStep(ctx, task.ID, step, models.StepPlan, task.Goal, "error: "+err.Error(), "", time.Since(planStart), 0)
			continue
		}
		taskMetrics.LLMCalls++
		if err := e.appendStep(ctx, task.ID, step, models.StepPlan, task.Goal, planned, "", time.Since(planStart), 0); err != nil {
			e.failTask(ctx, task, taskMetrics, err.Error())
			return
		}

		// Execute.
		execStart := time.Now()
		result, err := e.callExecute(ctx, l.worker, planned, task.Goal)
		taskMetrics.LLMCalls++
		if err != nil {
			result = worker.ActionResult{Error: err.Error()}
		}
		output := result.Output
		if result.Error != "" {
			output = fmt.Sprintf("%s\nerror: %s", result.Output, result.Error)
		}
		taskMetrics.Tokens += result.Tokens
		if err := e.appendStep(ctx, task.ID, step, models.StepExecute, planned, output, "", time.Since(execStart), result.Tokens); err != nil {
			e.failTask(ctx, task, taskMetrics, err.Error())
			return
		}
		for _, tc := range result.ToolCalls {
			taskMetrics.ToolCalls++
			if err := e.appendStep(ctx, task.ID, step, models.StepToolCall, tc.Input, tc.Output, tc.Name, 0, 0); err != nil {
				e.failTask(ctx, task, taskMetrics, err.Error())
				return
			}
		}
		lastOutput = result.Output

		e.bus.Publish(bus.NewEvent(bus.BackgroundTaskStep, map[string]any{
			"task_id": task.ID,
			"step":    step,
			"action":  planned,
		}).WithAgent(task.AgentID))

		// Checkpoint every interval steps.
		if task.CheckpointInterval > 0 && step%task.CheckpointInterval == 0 {
			if err := e.checkpoint(ctx, task, step, lastOutput); err != nil {
				e.failTask(ctx, task, taskMetrics, err.Error())
				return
			}
		}

		// Completion: the worker's judgement or the sentinel.
		done := worker.HasSentinel(result.Output)
		if !done && result.Error == "" {
			state.CurrentStep = step
			state.LastOutput = lastOutput
			complete, err := e.callComplete(ctx, l.worker, task.Goal, state)
			if err != nil {
				slog.Warn("Goal completion check failed",
					"task_id", task.ID, "step", step, "error", err)
			} else {
				done = complete
			}
		}
		if done {
			if err := e.checkpoint(ctx, task, step, lastOutput); err != nil {
				e.failTask(ctx, task, taskMetrics, err.Error())
				return
			}
			task.CurrentStep = step
			task.FinalResult = result.Output
			e.completeTask(ctx, task, taskMetrics)
			return
		}
	}
}

func (e *Executor) callPlan(ctx context.Context, w worker.Worker, goal string, state worker.State) (string, error) {
	callCtx, cancel := e.callContext(ctx)
	defer cancel()
	return w.Plan(callCtx, goal, state)
}

func (e *Executor) callExecute(ctx context.Context, w worker.Worker, action, goal string) (worker.ActionResult, error) {
	callCtx, cancel := e.callContext(ctx)
	defer cancel()
	return w.ExecuteAction(callCtx, action, goal)
}

func (e *Executor) callComplete(ctx context.Context, w worker.Worker, goal string, state worker.State) (bool, error) {
	callCtx, cancel := e.callContext(ctx)
	defer cancel()
	return w.IsGoalComplete(callCtx, goal, state)
}

func (e *Executor) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, time.Duration(e.cfg.WorkerCallTimeoutSeconds)*time.Second)
}

func (e *Executor) appendStep(ctx context.Context, taskID int64, number int, action models.StepAction, input, output, toolName string, duration time.Duration, tokens int) error {
	err := e.store.AppendStep(ctx, &models.BackgroundTaskStep{
		TaskID:     taskID,
		StepNumber: number,
		Action:     action,
		Input:      input,
		Output:     output,
		ToolName:   toolName,
		Duration:   duration,
		Tokens:     tokens,
	})
	if err != nil {
		return fmt.Errorf("failed to append step %d: %w", number, err)
	}
	return nil
}

// checkpoint atomically persists the progress snapshot and publishes the
// checkpoint event.
func (e *Executor) checkpoint(ctx context.Context, task *models.BackgroundTask, step int, lastOutput string) error {
	percent := float64(step) / float64(task.MaxSteps) * 100
	summary := lastOutput
	if len(summary) > 200 {
		summary = summary[:200]
	}
	data := map[string]any{
		"last_output": lastOutput,
		"saved_at":    time.Now().UTC().Format(time.RFC3339),
	}

	if err := e.store.PersistCheckpoint(ctx, task.ID, step, percent, summary, data); err != nil {
		return fmt.Errorf("failed to persist checkpoint: %w", err)
	}
	task.CurrentStep = step
	task.CheckpointData = data

	e.bus.Publish(bus.NewEvent(bus.BackgroundTaskCheckpoint, map[string]any{
		"task_id":          task.ID,
		"current_step":     step,
		"progress_percent": percent,
	}).WithAgent(task.AgentID))
	return nil
}

// pauseAtBoundary persists state and moves the task to paused.
func (e *Executor) pauseAtBoundary(ctx context.Context, task *models.BackgroundTask, step int, lastOutput string) {
	if err := e.checkpoint(ctx, task, step, lastOutput); err != nil {
		slog.Error("Failed to checkpoint on pause", "task_id", task.ID, "error", err)
	}

	done, err := e.store.TransitionTask(ctx, task.ID, models.TaskRunning, models.TaskPaused, "")
	if err != nil || !done {
		slog.Error("Failed to pause task", "task_id", task.ID, "error", err)
		return
	}
	task.Status = models.TaskPaused
	e.publish(bus.BackgroundTaskPaused, task)
}

func (e *Executor) completeTask(ctx context.Context, task *models.BackgroundTask, m models.TaskMetrics) {
	if err := e.store.UpdateTaskResult(ctx, task.ID, task.FinalResult, "", m); err != nil {
		slog.Error("Failed to persist task result", "task_id", task.ID, "error", err)
		e.failTask(ctx, task, m, err.Error())
		return
	}

	done, err := e.store.TransitionTask(ctx, task.ID, models.TaskRunning, models.TaskCompleted, "")
	if err != nil || !done {
		slog.Error("Failed to complete task", "task_id", task.ID, "error", err)
		return
	}
	task.Status = models.TaskCompleted
	task.Metrics = m

	e.mu.Lock()
	e.completed++
	e.mu.Unlock()
	metrics.TasksTerminal.WithLabelValues(string(models.TaskCompleted)).Inc()

	e.bumpAgentMetrics(ctx, task.AgentID)
	e.publish(bus.BackgroundTaskCompleted, task)
}

// terminal moves a running task to cancelled or timeout.
func (e *Executor) terminal(ctx context.Context, task *models.BackgroundTask, status models.TaskStatus, m models.TaskMetrics, message string) {
	if err := e.store.UpdateTaskResult(ctx, task.ID, task.FinalResult, message, m); err != nil {
		slog.Error("Failed to persist task result", "task_id", task.ID, "error", err)
	}

	done, err := e.store.TransitionTask(ctx, task.ID, models.TaskRunning, status, "")
	if err != nil || !done {
		slog.Error("Failed to finish task", "task_id", task.ID, "status", status, "error", err)
		return
	}
	task.Status = status
	task.ErrorMessage = message
	metrics.TasksTerminal.WithLabelValues(string(status)).Inc()

	switch status {
	case models.TaskCancelled:
		e.publish(bus.BackgroundTaskCancelled, task)
	case models.TaskTimeout:
		event := bus.NewEvent(bus.BackgroundTaskFailed, map[string]any{
			"task_id": task.ID,
			"status":  string(status),
			"error":   message,
		}).WithAgent(task.AgentID)
		e.bus.Publish(event)
	}
}

func (e *Executor) failTask(ctx context.Context, task *models.BackgroundTask, m models.TaskMetrics, message string) {
	if err := e.store.UpdateTaskResult(ctx, task.ID, "", message, m); err != nil {
		slog.Error("Failed to persist task failure", "task_id", task.ID, "error", err)
	}

	done, err := e.store.TransitionTask(ctx, task.ID, models.TaskRunning, models.TaskFailed, "")
	if err != nil || !done {
		slog.Error("Failed to fail task", "task_id", task.ID, "error", err)
		return
	}
	task.Status = models.TaskFailed
	task.ErrorMessage = message

	e.mu.Lock()
	e.failed++
	e.mu.Unlock()
	metrics.TasksTerminal.WithLabelValues(string(models.TaskFailed)).Inc()

	event := bus.NewEvent(bus.BackgroundTaskFailed, map[string]any{
		"task_id": task.ID,
		"error":   message,
	}).WithAgent(task.AgentID)
	if task.CircleID != "" {
		event = event.WithCircle(task.CircleID)
	}
	e.bus.Publish(event)
}

// bumpAgentMetrics records the completion on the owning agent.
func (e *Executor) bumpAgentMetrics(ctx context.Context, agentID string) {
	agent, err := e.store.GetAgent(ctx, agentID)
	if err != nil {
		return
	}
	agent.Metrics.TasksCompleted++
	if err := e.store.UpdateAgentMetrics(ctx, agentID, agent.Metrics); err != nil {
		slog.Warn("Failed to update agent metrics", "agent_id", agentID, "error", err)
	}
}
