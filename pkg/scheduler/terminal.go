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

package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/kadirpekel/gathering/pkg/bus"
	"github.com/kadirpekel/gathering/pkg/models"
)

// subscribeTerminal watches task terminal events to close out runs.
func (s *Scheduler) subscribeTerminal() error {
	types := []bus.EventType{
		bus.BackgroundTaskCompleted,
		bus.BackgroundTaskFailed,
		bus.BackgroundTaskCancelled,
	}
	for _, t := range types {
		sub, err := s.bus.Subscribe(t, s.onTaskTerminal, nil)
		if err != nil {
			return err
		}
		s.terminalSubs = append(s.terminalSubs, sub)
	}
	return nil
}

// onTaskTerminal updates the scheduled run linked to a finished task,
// bumps the execution counter and arranges retries for failures.
func (s *Scheduler) onTaskTerminal(e bus.Event) error {
	taskID, ok := e.Data["task_id"].(int64)
	if !ok {
		return nil
	}

	s.mu.Lock()
	entry, watched := s.watch[taskID]
	if watched {
		delete(s.watch, taskID)
	}
	s.mu.Unlock()
	if !watched {
		return nil
	}

	status := terminalStatus(e)
	now := time.Now().UTC()
	ctx := context.Background()

	if err := s.store.TerminalizeRun(ctx, entry.runID, status, now.Sub(entry.triggeredAt)); err != nil {
		slog.Error("Failed to terminalize run", "run_id", entry.runID, "error", err)
		return err
	}

	a, err := s.store.GetAction(ctx, entry.actionID)
	if err != nil {
		return err
	}
	a.ExecutionCount++

	if status == models.TaskCompleted {
		a.RetryCount = 0
		s.publish(bus.ScheduledActionCompleted, a, map[string]any{"task_id": taskID, "run_id": entry.runID})
	} else {
		s.publish(bus.ScheduledActionFailed, a, map[string]any{
			"task_id": taskID,
			"run_id":  entry.runID,
			"status":  string(status),
		})
		s.maybeRetry(a, now)
	}

	if s.isExpired(a, now) && a.Status == models.ActionActive {
		a.Status = models.ActionExpired
		a.NextRunAt = nil
		s.publish(bus.ScheduledActionExpired, a, nil)
	}

	if err := s.store.UpdateAction(ctx, a); err != nil {
		slog.Error("Failed to persist action after run", "action_id", a.ID, "error", err)
		return err
	}
	return nil
}

// maybeRetry schedules a transient next_run_at with exponential backoff
// (base one minute, doubling, capped at one hour). The retry counter is
// separate from execution_count.
func (s *Scheduler) maybeRetry(a *models.ScheduledAction, now time.Time) {
	if !a.RetryOnFailure || a.RetryCount >= a.MaxRetries {
		return
	}
	a.RetryCount++

	backoff := retryBackoffBase
	for i := 1; i < a.RetryCount && backoff < retryBackoffCap; i++ {
		backoff *= 2
	}
	if backoff > retryBackoffCap {
		backoff = retryBackoffCap
	}
	next := now.Add(backoff)
	a.NextRunAt = &next
}

func terminalStatus(e bus.Event) models.TaskStatus {
	switch e.Type {
	case bus.BackgroundTaskCompleted:
		return models.TaskCompleted
	case bus.BackgroundTaskCancelled:
		return models.TaskCancelled
	}
	if st, ok := e.Data["status"].(string); ok && st == string(models.TaskTimeout) {
		return models.TaskTimeout
	}
	return models.TaskFailed
}

// recoverRuns reconciles non-terminal runs on boot. Runs whose tasks are
// already terminal are closed with the task's status; tasks still
// executable stay watched and the executor restores their loops.
func (s *Scheduler) recoverRuns(ctx context.Context) error {
	runs, err := s.store.ListNonTerminalRuns(ctx)
	if err != nil {
		return err
	}

	for _, run := range runs {
		task, err := s.store.GetTask(ctx, run.TaskID)
		if err != nil {
			slog.Warn("Scheduled run references missing task; failing run",
				"run_id", run.ID, "task_id", run.TaskID)
			if err := s.store.TerminalizeRun(ctx, run.ID, models.TaskFailed, 0); err != nil {
				slog.Error("Failed to terminalize orphaned run", "run_id", run.ID, "error", err)
			}
			continue
		}

		if task.Status.IsTerminal() {
			duration := time.Duration(0)
			if task.FinishedAt != nil {
				duration = task.FinishedAt.Sub(run.TriggeredAt)
			}
			if err := s.store.TerminalizeRun(ctx, run.ID, task.Status, duration); err != nil {
				slog.Error("Failed to terminalize run", "run_id", run.ID, "error", err)
			}
			continue
		}

		s.mu.Lock()
		s.watch[run.TaskID] = watchEntry{
			runID:       run.ID,
			actionID:    run.ActionID,
			triggeredAt: run.TriggeredAt,
		}
		s.mu.Unlock()
	}
	return nil
}
