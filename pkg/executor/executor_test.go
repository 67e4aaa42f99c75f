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

package executor_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kadirpekel/gathering/pkg/bus"
	"github.com/kadirpekel/gathering/pkg/config"
	"github.com/kadirpekel/gathering/pkg/executor"
	"github.com/kadirpekel/gathering/pkg/models"
	"github.com/kadirpekel/gathering/pkg/store/memstore"
	"github.com/kadirpekel/gathering/pkg/worker"
)

func newExecutor(t *testing.T) (*executor.Executor, *memstore.Store, *bus.Bus) {
	t.Helper()
	st, err := memstore.New()
	if err != nil {
		t.Fatalf("memstore.New() error = %v", err)
	}
	cfg := config.ExecutorConfig{}
	cfg.SetDefaults()
	b := bus.New(100)
	return executor.New(cfg, st, b), st, b
}

func seedAgent(t *testing.T, st *memstore.Store, id string) {
	t.Helper()
	err := st.CreateAgent(context.Background(), &models.Agent{
		ID:   id,
		Name: id,
		Model: models.ModelRef{
			Provider: "test",
			Model:    "scripted",
		},
		Active: true,
	})
	if err != nil {
		t.Fatalf("CreateAgent() error = %v", err)
	}
}

func waitStatus(t *testing.T, st *memstore.Store, taskID int64, want models.TaskStatus) *models.BackgroundTask {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		task, err := st.GetTask(context.Background(), taskID)
		if err != nil {
			t.Fatalf("GetTask() error = %v", err)
		}
		if task.Status == want {
			return task
		}
		time.Sleep(5 * time.Millisecond)
	}
	task, _ := st.GetTask(context.Background(), taskID)
	t.Fatalf("task %d never reached %s, stuck at %s", taskID, want, task.Status)
	return nil
}

func countEvents(b *bus.Bus, eventType bus.EventType) *atomic.Int64 {
	var n atomic.Int64
	_, _ = b.Subscribe(eventType, func(bus.Event) error {
		n.Add(1)
		return nil
	}, nil)
	return &n
}

// The goal completes via the [COMPLETE] sentinel in the action output.
func TestExecutor_CompletesViaSentinel(t *testing.T) {
	exec, st, b := newExecutor(t)
	seedAgent(t, st, "agent-1")
	completed := countEvents(b, bus.BackgroundTaskCompleted)

	w := &worker.Scripted{
		Plans:   []string{"call add(2,2)"},
		Results: []worker.ActionResult{{Output: "4 [COMPLETE]", Tokens: 7}},
	}

	id, err := exec.Start(context.Background(), "agent-1", "compute 2+2 and report", w, executor.Options{
		MaxSteps:       5,
		TimeoutSeconds: 60,
	})
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	task := waitStatus(t, st, id, models.TaskCompleted)

	if task.FinalResult != "4 [COMPLETE]" {
		t.Errorf("FinalResult = %q, want the action output", task.FinalResult)
	}
	if task.Metrics.Tokens != 7 {
		t.Errorf("Metrics.Tokens = %d, want 7", task.Metrics.Tokens)
	}

	steps, err := st.ListSteps(context.Background(), id)
	if err != nil {
		t.Fatalf("ListSteps() error = %v", err)
	}
	if len(steps) != 2 {
		t.Fatalf("got %d step rows, want 2 (plan, execute)", len(steps))
	}
	if steps[0].Action != models.StepPlan || steps[1].Action != models.StepExecute {
		t.Errorf("step actions = %s, %s, want plan, execute", steps[0].Action, steps[1].Action)
	}
	if completed.Load() != 1 {
		t.Errorf("completed event published %d times, want exactly 1", completed.Load())
	}
}

// Exhausting max_steps fails the task with the step limit message.
func TestExecutor_StepLimitExceeded(t *testing.T) {
	exec, st, b := newExecutor(t)
	seedAgent(t, st, "agent-1")
	failed := countEvents(b, bus.BackgroundTaskFailed)

	id, err := exec.Start(context.Background(), "agent-1", "never finishes", &worker.Scripted{}, executor.Options{
		MaxSteps:       3,
		TimeoutSeconds: 60,
	})
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	task := waitStatus(t, st, id, models.TaskFailed)
	if task.ErrorMessage != "step limit exceeded" {
		t.Errorf("ErrorMessage = %q, want %q", task.ErrorMessage, "step limit exceeded")
	}

	steps, _ := st.ListSteps(context.Background(), id)
	if len(steps) != 6 {
		t.Fatalf("got %d step rows, want 6 (3 plan/execute pairs)", len(steps))
	}
	for i, step := range steps {
		wantNumber := i/2 + 1
		if step.StepNumber != wantNumber {
			t.Errorf("steps[%d].StepNumber = %d, want %d", i, step.StepNumber, wantNumber)
		}
	}
	if failed.Load() != 1 {
		t.Errorf("failed event published %d times, want 1", failed.Load())
	}
}

// A checkpointed task recovered after a crash resumes past its persisted
// steps without duplicating audit rows.
func TestExecutor_RecoverFromCheckpoint(t *testing.T) {
	exec, st, _ := newExecutor(t)
	seedAgent(t, st, "agent-1")
	ctx := context.Background()

	task := &models.BackgroundTask{
		Goal:               "long haul",
		AgentID:            "agent-1",
		Status:             models.TaskPending,
		MaxSteps:           20,
		TimeoutSeconds:     60,
		CheckpointInterval: 2,
	}
	id, err := st.CreateTask(ctx, task)
	if err != nil {
		t.Fatalf("CreateTask() error = %v", err)
	}
	if _, err := st.TransitionTask(ctx, id, models.TaskPending, models.TaskRunning, "crashed-instance"); err != nil {
		t.Fatalf("TransitionTask() error = %v", err)
	}
	for n := 1; n <= 6; n++ {
		for _, action := range []models.StepAction{models.StepPlan, models.StepExecute} {
			if err := st.AppendStep(ctx, &models.BackgroundTaskStep{
				TaskID:     id,
				StepNumber: n,
				Action:     action,
				Output:     "partial",
			}); err != nil {
				t.Fatalf("AppendStep() error = %v", err)
			}
		}
	}
	checkpoint := map[string]any{"last_output": "partial"}
	if err := st.PersistCheckpoint(ctx, id, 6, 30, "partial", checkpoint); err != nil {
		t.Fatalf("PersistCheckpoint() error = %v", err)
	}

	resumed, err := st.GetTask(ctx, id)
	if err != nil {
		t.Fatalf("GetTask() error = %v", err)
	}
	if resumed.CurrentStep != 6 {
		t.Fatalf("CurrentStep at resume = %d, want 6", resumed.CurrentStep)
	}

	w := &worker.Scripted{Results: []worker.ActionResult{{Output: "finished [COMPLETE]"}}}
	if err := exec.RecoverTasks(ctx, w); err != nil {
		t.Fatalf("RecoverTasks() error = %v", err)
	}

	waitStatus(t, st, id, models.TaskCompleted)

	steps, _ := st.ListSteps(ctx, id)
	counts := map[int]int{}
	for _, step := range steps {
		counts[step.StepNumber]++
	}
	for n := 1; n <= 6; n++ {
		if counts[n] != 2 {
			t.Errorf("step %d has %d rows after recovery, want 2", n, counts[n])
		}
	}
	if counts[7] == 0 {
		t.Errorf("recovered loop never executed step 7")
	}
}

// blockingWorker parks execute calls until released.
type blockingWorker struct {
	worker.Scripted
	gate    chan struct{}
	results chan worker.ActionResult
}

func newBlockingWorker() *blockingWorker {
	return &blockingWorker{
		gate:    make(chan struct{}),
		results: make(chan worker.ActionResult, 16),
	}
}

// releaseGate unblocks one in-flight execute without hanging when the
// loop already stopped at a boundary.
func releaseGate(w *blockingWorker) {
	go func() {
		select {
		case w.gate <- struct{}{}:
		case <-time.After(3 * time.Second):
		}
	}()
}

func (w *blockingWorker) ExecuteAction(ctx context.Context, action, goal string) (worker.ActionResult, error) {
	select {
	case <-w.gate:
	case <-ctx.Done():
		return worker.ActionResult{}, ctx.Err()
	}
	select {
	case r := <-w.results:
		return r, nil
	default:
		return worker.ActionResult{Output: "working"}, nil
	}
}

func TestExecutor_PauseAndResume(t *testing.T) {
	exec, st, _ := newExecutor(t)
	seedAgent(t, st, "agent-1")
	ctx := context.Background()

	w := newBlockingWorker()
	id, err := exec.Start(ctx, "agent-1", "pausable work", w, executor.Options{
		MaxSteps:       20,
		TimeoutSeconds: 60,
	})
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	// Let one full iteration through, then request pause.
	w.gate <- struct{}{}
	if err := exec.Pause(ctx, id); err != nil {
		t.Fatalf("Pause() error = %v", err)
	}
	// Release any step already in flight so the loop reaches its boundary.
	releaseGate(w)
	paused := waitStatus(t, st, id, models.TaskPaused)
	pausedStep := paused.CurrentStep
	pausedCheckpoint := paused.CheckpointData

	deadline := time.Now().Add(2 * time.Second)
	for exec.Stats().RunningLoops > 0 && time.Now().Before(deadline) {
		time.Sleep(2 * time.Millisecond)
	}
	if err := exec.Pause(ctx, id); err == nil {
		t.Errorf("Pause() on a paused task should fail")
	}

	// Resuming with no other state change leaves the checkpoint intact
	// and continues from the next step.
	done := &worker.Scripted{Results: []worker.ActionResult{{Output: "done [COMPLETE]"}}}
	if err := exec.Resume(ctx, id, done); err != nil {
		t.Fatalf("Resume() error = %v", err)
	}
	finished := waitStatus(t, st, id, models.TaskCompleted)

	if finished.CurrentStep != pausedStep+1 {
		t.Errorf("resumed task finished at step %d, want %d", finished.CurrentStep, pausedStep+1)
	}
	if pausedCheckpoint == nil {
		t.Errorf("pause did not persist a checkpoint")
	}
}

func TestExecutor_CancelRunningTask(t *testing.T) {
	exec, st, b := newExecutor(t)
	seedAgent(t, st, "agent-1")
	cancelled := countEvents(b, bus.BackgroundTaskCancelled)
	ctx := context.Background()

	w := newBlockingWorker()
	id, err := exec.Start(ctx, "agent-1", "cancellable work", w, executor.Options{
		MaxSteps:       20,
		TimeoutSeconds: 60,
	})
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	if err := exec.Cancel(ctx, id); err != nil {
		t.Fatalf("Cancel() error = %v", err)
	}
	releaseGate(w) // let any in-flight step finish

	task := waitStatus(t, st, id, models.TaskCancelled)
	if task.FinishedAt == nil {
		t.Errorf("cancelled task has no finished_at")
	}
	if cancelled.Load() != 1 {
		t.Errorf("cancelled event published %d times, want 1", cancelled.Load())
	}

	// Terminal states are absorbing; wait out the loop teardown first.
	deadline := time.Now().Add(2 * time.Second)
	for exec.Stats().RunningLoops > 0 && time.Now().Before(deadline) {
		time.Sleep(2 * time.Millisecond)
	}
	if err := exec.Cancel(ctx, id); err == nil {
		t.Errorf("Cancel() on a terminal task should fail")
	}
}

func TestExecutor_PoolExhaustion(t *testing.T) {
	st, err := memstore.New()
	if err != nil {
		t.Fatalf("memstore.New() error = %v", err)
	}
	cfg := config.ExecutorConfig{MaxConcurrentTasks: 1}
	cfg.SetDefaults()
	exec := executor.New(cfg, st, bus.New(10))
	seedAgent(t, st, "agent-1")
	ctx := context.Background()

	w := newBlockingWorker()
	id, err := exec.Start(ctx, "agent-1", "occupies the pool", w, executor.Options{TimeoutSeconds: 60})
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	_, err = exec.Start(ctx, "agent-1", "refused", &worker.Scripted{}, executor.Options{})
	if !errors.Is(err, executor.ErrPoolExhausted) {
		t.Fatalf("Start() error = %v, want ErrPoolExhausted", err)
	}

	if err := exec.Cancel(ctx, id); err != nil {
		t.Fatalf("Cancel() error = %v", err)
	}
	releaseGate(w)
	waitStatus(t, st, id, models.TaskCancelled)
}

// A zero step budget fails before the first plan call.
func TestExecutor_ZeroMaxSteps(t *testing.T) {
	exec, st, _ := newExecutor(t)
	seedAgent(t, st, "agent-1")
	ctx := context.Background()

	task := &models.BackgroundTask{
		Goal:           "nothing allowed",
		AgentID:        "agent-1",
		Status:         models.TaskPending,
		MaxSteps:       0,
		TimeoutSeconds: 60,
	}
	id, err := st.CreateTask(ctx, task)
	if err != nil {
		t.Fatalf("CreateTask() error = %v", err)
	}
	if _, err := st.TransitionTask(ctx, id, models.TaskPending, models.TaskRunning, "old"); err != nil {
		t.Fatalf("TransitionTask() error = %v", err)
	}

	w := &worker.Scripted{}
	if err := exec.RecoverTasks(ctx, w); err != nil {
		t.Fatalf("RecoverTasks() error = %v", err)
	}

	failedTask := waitStatus(t, st, id, models.TaskFailed)
	if failedTask.ErrorMessage != "step limit exceeded" {
		t.Errorf("ErrorMessage = %q, want %q", failedTask.ErrorMessage, "step limit exceeded")
	}
	plans, _, _, _ := w.Calls()
	if plans != 0 {
		t.Errorf("worker.Plan called %d times, want 0", plans)
	}

	steps, _ := st.ListSteps(ctx, id)
	if len(steps) != 0 {
		t.Errorf("got %d step rows, want 0", len(steps))
	}
}

func TestExecutor_ShutdownPausesRunningTasks(t *testing.T) {
	exec, st, _ := newExecutor(t)
	seedAgent(t, st, "agent-1")
	ctx := context.Background()

	w := newBlockingWorker()
	id, err := exec.Start(ctx, "agent-1", "interrupted work", w, executor.Options{TimeoutSeconds: 60})
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	releaseGate(w)
	exec.Shutdown(3 * time.Second)

	task := waitStatus(t, st, id, models.TaskPaused)
	if task.Status != models.TaskPaused {
		t.Errorf("task status after shutdown = %s, want paused", task.Status)
	}

	// A draining executor refuses new work.
	if _, err := exec.Start(ctx, "agent-1", "late arrival", &worker.Scripted{}, executor.Options{}); err == nil {
		t.Errorf("Start() after Shutdown should fail")
	}
}
