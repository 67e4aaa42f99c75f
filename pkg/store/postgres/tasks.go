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

package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/kadirpekel/gathering/pkg/models"
	"github.com/kadirpekel/gathering/pkg/store"
)

const taskColumns = `id, goal, agent_id, circle_id, status, max_steps, timeout_seconds,
	checkpoint_interval, current_step, progress_percent, progress_summary, checkpoint_data,
	final_result, error_message, llm_calls, tokens, tool_calls, claimed_by,
	created_at, started_at, finished_at`

func (s *Store) CreateTask(ctx context.Context, t *models.BackgroundTask) (int64, error) {
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	checkpoint, err := marshalJSON(t.CheckpointData)
	if err != nil {
		return 0, fmt.Errorf("failed to encode checkpoint: %w", err)
	}

	err = s.db.QueryRowContext(ctx, `
		INSERT INTO background_tasks (goal, agent_id, circle_id, status, max_steps,
			timeout_seconds, checkpoint_interval, checkpoint_data, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		RETURNING id`,
		t.Goal, t.AgentID, nullStr(t.CircleID), t.Status, t.MaxSteps,
		t.TimeoutSeconds, t.CheckpointInterval, checkpoint, t.CreatedAt).
		Scan(&t.ID)
	if err != nil {
		return 0, fmt.Errorf("failed to create task: %w", err)
	}
	return t.ID, nil
}

func (s *Store) GetTask(ctx context.Context, id int64) (*models.BackgroundTask, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+taskColumns+` FROM background_tasks WHERE id = $1`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get task: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, err
		}
		return nil, store.ErrTaskNotFound
	}
	return scanTask(rows)
}

func scanTask(rows *sql.Rows) (*models.BackgroundTask, error) {
	var t models.BackgroundTask
	var circleID, claimedBy sql.NullString
	var checkpoint []byte
	var startedAt, finishedAt sql.NullTime

	err := rows.Scan(&t.ID, &t.Goal, &t.AgentID, &circleID, &t.Status, &t.MaxSteps,
		&t.TimeoutSeconds, &t.CheckpointInterval, &t.CurrentStep, &t.ProgressPercent,
		&t.ProgressSummary, &checkpoint, &t.FinalResult, &t.ErrorMessage,
		&t.Metrics.LLMCalls, &t.Metrics.Tokens, &t.Metrics.ToolCalls, &claimedBy,
		&t.CreatedAt, &startedAt, &finishedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to scan task: %w", err)
	}

	t.CircleID = circleID.String
	t.ClaimedBy = claimedBy.String
	t.StartedAt = timePtr(startedAt)
	t.FinishedAt = timePtr(finishedAt)
	if t.CheckpointData, err = unmarshalJSON(checkpoint); err != nil {
		return nil, fmt.Errorf("failed to decode checkpoint: %w", err)
	}
	return &t, nil
}

func (s *Store) ListTasksByStatus(ctx context.Context, statuses ...models.TaskStatus) ([]models.BackgroundTask, error) {
	list := make([]string, len(statuses))
	for i, st := range statuses {
		list[i] = string(st)
	}

	query, args, err := sqlxIn(
		`SELECT `+taskColumns+` FROM background_tasks WHERE status IN (?) ORDER BY id`, list)
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, s.db.Rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	defer rows.Close()

	var out []models.BackgroundTask
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

func (s *Store) TransitionTask(ctx context.Context, id int64, from, to models.TaskStatus, claimedBy string) (bool, error) {
	var ok bool
	err := withRetry(ctx, func() error {
		var err error
		ok, err = s.transitionTask(ctx, id, from, to, claimedBy)
		return err
	})
	return ok, err
}

func (s *Store) transitionTask(ctx context.Context, id int64, from, to models.TaskStatus, claimedBy string) (bool, error) {
	var (
		res sql.Result
		err error
	)
	switch {
	case to == models.TaskRunning:
		res, err = s.db.ExecContext(ctx, `
			UPDATE background_tasks
			SET status = $3, claimed_by = $4,
				started_at = COALESCE(started_at, now())
			WHERE id = $1 AND status = $2`,
			id, from, to, nullStr(claimedBy))
	case to.IsTerminal():
		res, err = s.db.ExecContext(ctx, `
			UPDATE background_tasks
			SET status = $3, claimed_by = NULL, finished_at = now()
			WHERE id = $1 AND status = $2`,
			id, from, to)
	default:
		res, err = s.db.ExecContext(ctx, `
			UPDATE background_tasks SET status = $3
			WHERE id = $1 AND status = $2`,
			id, from, to)
	}
	if err != nil {
		return false, fmt.Errorf("failed to transition task: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		// Distinguish a lost claim race from an unknown id.
		var exists bool
		if err := s.db.GetContext(ctx, &exists,
			`SELECT EXISTS (SELECT 1 FROM background_tasks WHERE id = $1)`, id); err != nil {
			return false, err
		}
		if !exists {
			return false, store.ErrTaskNotFound
		}
		return false, nil
	}
	return true, nil
}

func (s *Store) UpdateTaskResult(ctx context.Context, id int64, finalResult, errorMessage string, m models.TaskMetrics) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE background_tasks
		SET final_result = $2, error_message = $3, llm_calls = $4, tokens = $5, tool_calls = $6
		WHERE id = $1`,
		id, finalResult, errorMessage, m.LLMCalls, m.Tokens, m.ToolCalls)
	if err != nil {
		return fmt.Errorf("failed to update task result: %w", err)
	}
	return requireRow(res, store.ErrTaskNotFound)
}

func (s *Store) PersistCheckpoint(ctx context.Context, id int64, step int, percent float64, summary string, data map[string]any) error {
	checkpoint, err := marshalJSON(data)
	if err != nil {
		return fmt.Errorf("failed to encode checkpoint: %w", err)
	}

	return withRetry(ctx, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE background_tasks
			SET current_step = $2, progress_percent = $3, progress_summary = $4, checkpoint_data = $5
			WHERE id = $1`,
			id, step, percent, summary, checkpoint)
		if err != nil {
			return fmt.Errorf("failed to persist checkpoint: %w", err)
		}
		return requireRow(res, store.ErrTaskNotFound)
	})
}

func (s *Store) AppendStep(ctx context.Context, step *models.BackgroundTaskStep) error {
	if step.CreatedAt.IsZero() {
		step.CreatedAt = time.Now().UTC()
	}
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO background_task_steps (task_id, step_number, action, input, output, tool_name, duration_ms, tokens, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		RETURNING id`,
		step.TaskID, step.StepNumber, step.Action, step.Input, step.Output,
		nullStr(step.ToolName), step.Duration.Milliseconds(), step.Tokens, step.CreatedAt).
		Scan(&step.ID)
	if err != nil {
		return fmt.Errorf("failed to append step: %w", err)
	}
	return nil
}

func (s *Store) ListSteps(ctx context.Context, taskID int64) ([]models.BackgroundTaskStep, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, task_id, step_number, action, input, output, tool_name, duration_ms, tokens, created_at
		FROM background_task_steps WHERE task_id = $1 ORDER BY id`, taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to list steps: %w", err)
	}
	defer rows.Close()

	var out []models.BackgroundTaskStep
	for rows.Next() {
		var st models.BackgroundTaskStep
		var toolName sql.NullString
		var durationMs int64
		if err := rows.Scan(&st.ID, &st.TaskID, &st.StepNumber, &st.Action, &st.Input,
			&st.Output, &toolName, &durationMs, &st.Tokens, &st.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan step: %w", err)
		}
		st.ToolName = toolName.String
		st.Duration = time.Duration(durationMs) * time.Millisecond
		out = append(out, st)
	}
	return out, rows.Err()
}

func (s *Store) ListInFlightTasks(ctx context.Context) ([]models.BackgroundTask, error) {
	return s.ListTasksByStatus(ctx, models.TaskRunning, models.TaskPaused)
}

// sqlxIn expands an IN (?) clause; split out so errors wrap uniformly.
func sqlxIn(query string, list []string) (string, []any, error) {
	q, args, err := sqlx.In(query, list)
	if err != nil {
		return "", nil, fmt.Errorf("failed to build query: %w", err)
	}
	return q, args, nil
}
