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

	"github.com/lib/pq"

	"github.com/kadirpekel/gathering/pkg/models"
	"github.com/kadirpekel/gathering/pkg/store"
)

const actionColumns = `id, agent_id, name, goal, schedule_type, cron_expression,
	interval_seconds, fire_at, event_name, status, max_steps, timeout_seconds,
	start_date, end_date, max_executions, execution_count, retry_on_failure,
	max_retries, retry_count, allow_concurrent, last_run_at, next_run_at, tags,
	created_at, updated_at`

func (s *Store) CreateAction(ctx context.Context, a *models.ScheduledAction) error {
	now := time.Now().UTC()
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now
	}
	a.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO scheduled_actions (`+actionColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23,$24,$25)`,
		a.ID, a.AgentID, a.Name, a.Goal, a.ScheduleType, nullStr(a.CronExpression),
		nullInt(a.IntervalSeconds), nullTime(a.FireAt), nullStr(a.EventName),
		a.Status, a.MaxSteps, a.TimeoutSeconds, nullTime(a.StartDate), nullTime(a.EndDate),
		a.MaxExecutions, a.ExecutionCount, a.RetryOnFailure, a.MaxRetries, a.RetryCount,
		a.AllowConcurrent, nullTime(a.LastRunAt), nullTime(a.NextRunAt), pq.Array(a.Tags),
		a.CreatedAt, a.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create scheduled action: %w", err)
	}
	return nil
}

func nullInt(n int) sql.NullInt64 {
	return sql.NullInt64{Int64: int64(n), Valid: n != 0}
}

func scanAction(rows *sql.Rows) (*models.ScheduledAction, error) {
	var a models.ScheduledAction
	var cronExpr, eventName sql.NullString
	var interval sql.NullInt64
	var fireAt, startDate, endDate, lastRun, nextRun sql.NullTime

	err := rows.Scan(&a.ID, &a.AgentID, &a.Name, &a.Goal, &a.ScheduleType, &cronExpr,
		&interval, &fireAt, &eventName, &a.Status, &a.MaxSteps, &a.TimeoutSeconds,
		&startDate, &endDate, &a.MaxExecutions, &a.ExecutionCount, &a.RetryOnFailure,
		&a.MaxRetries, &a.RetryCount, &a.AllowConcurrent, &lastRun, &nextRun,
		pq.Array(&a.Tags), &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to scan scheduled action: %w", err)
	}

	a.CronExpression = cronExpr.String
	a.IntervalSeconds = int(interval.Int64)
	a.EventName = eventName.String
	a.FireAt = timePtr(fireAt)
	a.StartDate = timePtr(startDate)
	a.EndDate = timePtr(endDate)
	a.LastRunAt = timePtr(lastRun)
	a.NextRunAt = timePtr(nextRun)
	return &a, nil
}

func (s *Store) queryActions(ctx context.Context, query string, args ...any) ([]models.ScheduledAction, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query scheduled actions: %w", err)
	}
	defer rows.Close()

	var out []models.ScheduledAction
	for rows.Next() {
		a, err := scanAction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

func (s *Store) GetAction(ctx context.Context, id string) (*models.ScheduledAction, error) {
	actions, err := s.queryActions(ctx,
		`SELECT `+actionColumns+` FROM scheduled_actions WHERE id = $1`, id)
	if err != nil {
		return nil, err
	}
	if len(actions) == 0 {
		return nil, store.ErrActionNotFound
	}
	return &actions[0], nil
}

func (s *Store) UpdateAction(ctx context.Context, a *models.ScheduledAction) error {
	a.UpdatedAt = time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE scheduled_actions SET
			name = $2, goal = $3, schedule_type = $4, cron_expression = $5,
			interval_seconds = $6, fire_at = $7, event_name = $8, status = $9,
			max_steps = $10, timeout_seconds = $11, start_date = $12, end_date = $13,
			max_executions = $14, execution_count = $15, retry_on_failure = $16,
			max_retries = $17, retry_count = $18, allow_concurrent = $19,
			last_run_at = $20, next_run_at = $21, tags = $22, updated_at = $23
		WHERE id = $1`,
		a.ID, a.Name, a.Goal, a.ScheduleType, nullStr(a.CronExpression),
		nullInt(a.IntervalSeconds), nullTime(a.FireAt), nullStr(a.EventName), a.Status,
		a.MaxSteps, a.TimeoutSeconds, nullTime(a.StartDate), nullTime(a.EndDate),
		a.MaxExecutions, a.ExecutionCount, a.RetryOnFailure, a.MaxRetries, a.RetryCount,
		a.AllowConcurrent, nullTime(a.LastRunAt), nullTime(a.NextRunAt), pq.Array(a.Tags),
		a.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to update scheduled action: %w", err)
	}
	return requireRow(res, store.ErrActionNotFound)
}

func (s *Store) DeleteAction(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM scheduled_actions WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete scheduled action: %w", err)
	}
	return requireRow(res, store.ErrActionNotFound)
}

func (s *Store) ListActions(ctx context.Context) ([]models.ScheduledAction, error) {
	return s.queryActions(ctx,
		`SELECT `+actionColumns+` FROM scheduled_actions ORDER BY created_at`)
}

func (s *Store) ListDueActions(ctx context.Context, now time.Time) ([]models.ScheduledAction, error) {
	return s.queryActions(ctx, `
		SELECT `+actionColumns+` FROM scheduled_actions
		WHERE status = 'active' AND next_run_at IS NOT NULL AND next_run_at <= $1
		ORDER BY next_run_at`, now)
}

func (s *Store) ListEventActions(ctx context.Context) ([]models.ScheduledAction, error) {
	return s.queryActions(ctx, `
		SELECT `+actionColumns+` FROM scheduled_actions
		WHERE status = 'active' AND schedule_type = 'event'`)
}

func (s *Store) CreateRun(ctx context.Context, r *models.ScheduledRun) error {
	if r.TriggeredAt.IsZero() {
		r.TriggeredAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO scheduled_runs (id, action_id, task_id, run_number, triggered_at, triggered_by, status, duration_ms)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		r.ID, r.ActionID, r.TaskID, r.RunNumber, r.TriggeredAt, r.TriggeredBy, r.Status,
		r.Duration.Milliseconds())
	if err != nil {
		return fmt.Errorf("failed to create scheduled run: %w", err)
	}
	return nil
}

func (s *Store) TerminalizeRun(ctx context.Context, runID string, status models.TaskStatus, duration time.Duration) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE scheduled_runs SET status = $2, duration_ms = $3 WHERE id = $1`,
		runID, status, duration.Milliseconds())
	if err != nil {
		return fmt.Errorf("failed to terminalize run: %w", err)
	}
	return requireRow(res, store.ErrRunNotFound)
}

func scanRuns(rows *sql.Rows) ([]models.ScheduledRun, error) {
	var out []models.ScheduledRun
	for rows.Next() {
		var r models.ScheduledRun
		var durationMs int64
		if err := rows.Scan(&r.ID, &r.ActionID, &r.TaskID, &r.RunNumber, &r.TriggeredAt,
			&r.TriggeredBy, &r.Status, &durationMs); err != nil {
			return nil, fmt.Errorf("failed to scan scheduled run: %w", err)
		}
		r.Duration = time.Duration(durationMs) * time.Millisecond
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) ListRuns(ctx context.Context, actionID string) ([]models.ScheduledRun, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, action_id, task_id, run_number, triggered_at, triggered_by, status, duration_ms
		FROM scheduled_runs WHERE action_id = $1 ORDER BY run_number`, actionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()
	return scanRuns(rows)
}

func (s *Store) HasNonTerminalRun(ctx context.Context, actionID string) (bool, error) {
	var exists bool
	err := s.db.GetContext(ctx, &exists, `
		SELECT EXISTS (
			SELECT 1 FROM scheduled_runs
			WHERE action_id = $1 AND status NOT IN ('completed','failed','cancelled','timeout')
		)`, actionID)
	if err != nil {
		return false, fmt.Errorf("failed to check runs: %w", err)
	}
	return exists, nil
}

func (s *Store) ListNonTerminalRuns(ctx context.Context) ([]models.ScheduledRun, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, action_id, task_id, run_number, triggered_at, triggered_by, status, duration_ms
		FROM scheduled_runs WHERE status NOT IN ('completed','failed','cancelled','timeout')`)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()
	return scanRuns(rows)
}
