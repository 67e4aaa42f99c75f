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

// Package scheduler dispatches scheduled actions into background tasks.
//
// A single periodic tick queries due actions and dispatches each one,
// honoring per-action concurrency control, expiry, and retry with
// exponential backoff. Event-triggered actions bypass the tick and fire
// on matching bus events.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/kadirpekel/gathering/pkg/bus"
	"github.com/kadirpekel/gathering/pkg/config"
	"github.com/kadirpekel/gathering/pkg/executor"
	"github.com/kadirpekel/gathering/pkg/metrics"
	"github.com/kadirpekel/gathering/pkg/models"
	"github.com/kadirpekel/gathering/pkg/store"
	"github.com/kadirpekel/gathering/pkg/worker"
)

const (
	retryBackoffBase = time.Minute
	retryBackoffCap  = time.Hour
)

// WorkerProvider resolves the Worker driving tasks for an agent.
type WorkerProvider func(agentID string) worker.Worker

// Stats is a point-in-time snapshot of scheduler counters.
type Stats struct {
	Dispatched    int64 `json:"dispatched"`
	Skipped       int64 `json:"skipped"`
	Expired       int64 `json:"expired"`
	WatchedTasks  int   `json:"watched_tasks"`
	EventTriggers int   `json:"event_triggers"`
}

type watchEntry struct {
	runID       string
	actionID    string
	triggeredAt time.Time
}

// Scheduler owns its set of subscribed event triggers; subscriptions
// change only when an action is created, updated or deleted.
type Scheduler struct {
	cfg     config.SchedulerConfig
	store   store.Store
	exec    *executor.Executor
	bus     *bus.Bus
	workers WorkerProvider

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	mu         sync.Mutex
	eventSubs  map[string]*bus.Subscription
	watch      map[int64]watchEntry
	dispatched int64
	skipped    int64
	expired    int64

	terminalSubs []*bus.Subscription
}

// New creates a scheduler.
func New(cfg config.SchedulerConfig, st store.Store, exec *executor.Executor, b *bus.Bus, workers WorkerProvider) *Scheduler {
	return &Scheduler{
		cfg:       cfg,
		store:     st,
		exec:      exec,
		bus:       b,
		workers:   workers,
		stopCh:    make(chan struct{}),
		eventSubs: make(map[string]*bus.Subscription),
		watch:     make(map[int64]watchEntry),
	}
}

// Start recovers in-flight runs, wires subscriptions and begins ticking.
func (s *Scheduler) Start(ctx context.Context) error {
	if err := s.recoverRuns(ctx); err != nil {
		return err
	}
	if err := s.subscribeTerminal(); err != nil {
		return err
	}
	if err := s.syncEventTriggers(ctx); err != nil {
		return err
	}

	s.wg.Add(1)
	go s.runTicker(ctx)
	return nil
}

// Stop halts the tick loop and removes subscriptions.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()

	s.mu.Lock()
	defer s.mu.Unlock()
	for name, sub := range s.eventSubs {
		s.bus.Unsubscribe(sub)
		delete(s.eventSubs, name)
	}
	for _, sub := range s.terminalSubs {
		s.bus.Unsubscribe(sub)
	}
	s.terminalSubs = nil
}

func (s *Scheduler) runTicker(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(time.Duration(s.cfg.TickSeconds) * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.tick(ctx, time.Now().UTC())
		}
	}
}

// tick dispatches every due action, ascending by next_run_at.
func (s *Scheduler) tick(ctx context.Context, now time.Time) {
	due, err := s.store.ListDueActions(ctx, now)
	if err != nil {
		slog.Error("Failed to list due actions", "error", err)
		return
	}

	for i := range due {
		s.dispatch(ctx, &due[i], models.TriggeredByScheduler, now)
	}
}

// dispatch runs one candidate through concurrency control, expiry and
// task creation. Concurrency-skipped actions keep their next_run_at so
// they come due again immediately after the prior run terminates.
func (s *Scheduler) dispatch(ctx context.Context, a *models.ScheduledAction, source models.TriggerSource, now time.Time) {
	if !a.AllowConcurrent {
		busy, err := s.store.HasNonTerminalRun(ctx, a.ID)
		if err != nil {
			slog.Error("Failed to check concurrent runs", "action_id", a.ID, "error", err)
			return
		}
		if busy {
			s.mu.Lock()
			s.skipped++
			s.mu.Unlock()
			return
		}
	}

	if s.isExpired(a, now) {
		s.expire(ctx, a)
		return
	}

	// Insert the task first so the run row and watch entry exist before
	// the loop can reach a terminal state.
	taskID, err := s.exec.CreateTask(ctx, a.AgentID, a.Goal, executor.Options{
		MaxSteps:       a.MaxSteps,
		TimeoutSeconds: a.TimeoutSeconds,
	})
	if err != nil {
		slog.Warn("Failed to create task for scheduled action",
			"action_id", a.ID, "error", err)
		return
	}

	runs, err := s.store.ListRuns(ctx, a.ID)
	if err != nil {
		slog.Error("Failed to list runs", "action_id", a.ID, "error", err)
		return
	}
	run := &models.ScheduledRun{
		ID:          uuid.New().String(),
		ActionID:    a.ID,
		TaskID:      taskID,
		RunNumber:   len(runs) + 1,
		TriggeredAt: now,
		TriggeredBy: source,
		Status:      models.TaskRunning,
	}
	if err := s.store.CreateRun(ctx, run); err != nil {
		slog.Error("Failed to record scheduled run", "action_id", a.ID, "error", err)
		return
	}

	s.mu.Lock()
	s.watch[taskID] = watchEntry{runID: run.ID, actionID: a.ID, triggeredAt: now}
	s.dispatched++
	s.mu.Unlock()

	a.LastRunAt = &now
	s.advance(a, now)
	if err := s.store.UpdateAction(ctx, a); err != nil {
		slog.Error("Failed to persist scheduled action", "action_id", a.ID, "error", err)
	}

	s.publish(bus.ScheduledActionTriggered, a, map[string]any{"task_id": taskID, "triggered_by": string(source)})

	if err := s.exec.Run(ctx, taskID, s.workers(a.AgentID)); err != nil {
		slog.Warn("Failed to start task for scheduled action",
			"action_id", a.ID, "task_id", taskID, "error", err)
		if terr := s.store.TerminalizeRun(ctx, run.ID, models.TaskFailed, 0); terr != nil {
			slog.Error("Failed to fail unstartable run", "run_id", run.ID, "error", terr)
		}
		s.mu.Lock()
		delete(s.watch, taskID)
		s.mu.Unlock()
		return
	}
	metrics.ScheduledDispatches.WithLabelValues(string(source)).Inc()
	s.publish(bus.ScheduledActionStarted, a, map[string]any{"task_id": taskID, "run_id": run.ID})
}

// isExpired applies end_date and max_executions bounds.
func (s *Scheduler) isExpired(a *models.ScheduledAction, now time.Time) bool {
	if a.EndDate != nil && now.After(*a.EndDate) {
		return true
	}
	if a.MaxExecutions > 0 && a.ExecutionCount >= a.MaxExecutions {
		return true
	}
	return false
}

func (s *Scheduler) expire(ctx context.Context, a *models.ScheduledAction) {
	a.Status = models.ActionExpired
	a.NextRunAt = nil
	if err := s.store.UpdateAction(ctx, a); err != nil {
		slog.Error("Failed to expire scheduled action", "action_id", a.ID, "error", err)
		return
	}
	s.mu.Lock()
	s.expired++
	s.mu.Unlock()
	s.publish(bus.ScheduledActionExpired, a, nil)
}

// advance recomputes next_run_at from the schedule and last_run_at.
func (s *Scheduler) advance(a *models.ScheduledAction, now time.Time) {
	switch a.ScheduleType {
	case models.ScheduleCron:
		next, err := NextCron(a.CronExpression, laterOf(a.LastRunAt, now))
		if err != nil {
			slog.Error("Invalid cron expression on active action",
				"action_id", a.ID, "error", err)
			a.NextRunAt = nil
			return
		}
		a.NextRunAt = &next
	case models.ScheduleInterval:
		next := laterOf(a.LastRunAt, now).Add(time.Duration(a.IntervalSeconds) * time.Second)
		a.NextRunAt = &next
	case models.ScheduleOnce:
		a.NextRunAt = nil
		a.Status = models.ActionExpired
	case models.ScheduleEvent:
		a.NextRunAt = nil
	}
}

func laterOf(t *time.Time, now time.Time) time.Time {
	if t != nil && t.After(now) {
		return *t
	}
	return now
}

// NextCron returns the next fire time of a standard 5-field cron
// expression strictly after the given time.
func NextCron(expr string, after time.Time) (time.Time, error) {
	schedule, err := cron.ParseStandard(expr)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}
	return schedule.Next(after), nil
}

// TriggerNow dispatches an action immediately, recording a manual run.
func (s *Scheduler) TriggerNow(ctx context.Context, actionID string) error {
	a, err := s.store.GetAction(ctx, actionID)
	if err != nil {
		return err
	}
	s.dispatch(ctx, a, models.TriggeredByManual, time.Now().UTC())
	return nil
}

// Stats returns a snapshot of scheduler counters.
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{
		Dispatched:    s.dispatched,
		Skipped:       s.skipped,
		Expired:       s.expired,
		WatchedTasks:  len(s.watch),
		EventTriggers: len(s.eventSubs),
	}
}

func (s *Scheduler) publish(t bus.EventType, a *models.ScheduledAction, data map[string]any) {
	if data == nil {
		data = map[string]any{}
	}
	data["action_id"] = a.ID
	data["action_name"] = a.Name
	s.bus.Publish(bus.NewEvent(t, data).WithAgent(a.AgentID))
}
