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
	"encoding/json"
	"fmt"
	"time"

	"github.com/kadirpekel/gathering/pkg/models"
	"github.com/kadirpekel/gathering/pkg/store"
)

func (s *Store) CreatePipeline(ctx context.Context, p *models.Pipeline) error {
	now := time.Now().UTC()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now

	nodes, edges, err := encodeGraph(p)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO pipelines (id, name, status, nodes, edges, timeout_seconds,
			total_runs, successful_runs, avg_duration_ms, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		p.ID, p.Name, p.Status, nodes, edges, p.TimeoutSeconds,
		p.TotalRuns, p.SuccessfulRuns, p.AvgDurationMs, p.CreatedAt, p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create pipeline: %w", err)
	}
	return nil
}

func encodeGraph(p *models.Pipeline) ([]byte, []byte, error) {
	nodes, err := json.Marshal(p.Nodes)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to encode nodes: %w", err)
	}
	edges, err := json.Marshal(p.Edges)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to encode edges: %w", err)
	}
	return nodes, edges, nil
}

func scanPipeline(rows *sql.Rows) (*models.Pipeline, error) {
	var p models.Pipeline
	var nodes, edges []byte
	err := rows.Scan(&p.ID, &p.Name, &p.Status, &nodes, &edges, &p.TimeoutSeconds,
		&p.TotalRuns, &p.SuccessfulRuns, &p.AvgDurationMs, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to scan pipeline: %w", err)
	}
	if err := json.Unmarshal(nodes, &p.Nodes); err != nil {
		return nil, fmt.Errorf("failed to decode nodes: %w", err)
	}
	if err := json.Unmarshal(edges, &p.Edges); err != nil {
		return nil, fmt.Errorf("failed to decode edges: %w", err)
	}
	return &p, nil
}

const pipelineColumns = `id, name, status, nodes, edges, timeout_seconds,
	total_runs, successful_runs, avg_duration_ms, created_at, updated_at`

func (s *Store) GetPipeline(ctx context.Context, id string) (*models.Pipeline, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+pipelineColumns+` FROM pipelines WHERE id = $1`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get pipeline: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, err
		}
		return nil, store.ErrPipelineNotFound
	}
	return scanPipeline(rows)
}

func (s *Store) UpdatePipeline(ctx context.Context, p *models.Pipeline) error {
	p.UpdatedAt = time.Now().UTC()
	nodes, edges, err := encodeGraph(p)
	if err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE pipelines SET name = $2, status = $3, nodes = $4, edges = $5,
			timeout_seconds = $6, total_runs = $7, successful_runs = $8,
			avg_duration_ms = $9, updated_at = $10
		WHERE id = $1`,
		p.ID, p.Name, p.Status, nodes, edges, p.TimeoutSeconds,
		p.TotalRuns, p.SuccessfulRuns, p.AvgDurationMs, p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to update pipeline: %w", err)
	}
	return requireRow(res, store.ErrPipelineNotFound)
}

func (s *Store) DeletePipeline(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM pipelines WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete pipeline: %w", err)
	}
	return requireRow(res, store.ErrPipelineNotFound)
}

func (s *Store) ListPipelines(ctx context.Context) ([]models.Pipeline, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+pipelineColumns+` FROM pipelines ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("failed to list pipelines: %w", err)
	}
	defer rows.Close()

	var out []models.Pipeline
	for rows.Next() {
		p, err := scanPipeline(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

func (s *Store) CreatePipelineRun(ctx context.Context, r *models.PipelineRun) error {
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	states, err := json.Marshal(r.NodeStates)
	if err != nil {
		return fmt.Errorf("failed to encode node states: %w", err)
	}
	payload, err := marshalJSON(r.Payload)
	if err != nil {
		return fmt.Errorf("failed to encode payload: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO pipeline_runs (id, pipeline_id, status, node_states, payload, error, started_at, finished_at, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		r.ID, r.PipelineID, r.Status, states, payload, r.Error,
		nullTime(r.StartedAt), nullTime(r.FinishedAt), r.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create pipeline run: %w", err)
	}
	return nil
}

func (s *Store) GetPipelineRun(ctx context.Context, id string) (*models.PipelineRun, error) {
	var r models.PipelineRun
	var states, payload []byte
	var startedAt, finishedAt sql.NullTime

	err := s.db.QueryRowContext(ctx, `
		SELECT id, pipeline_id, status, node_states, payload, error, started_at, finished_at, created_at
		FROM pipeline_runs WHERE id = $1`, id).
		Scan(&r.ID, &r.PipelineID, &r.Status, &states, &payload, &r.Error,
			&startedAt, &finishedAt, &r.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, store.ErrPipelineNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get pipeline run: %w", err)
	}

	if err := json.Unmarshal(states, &r.NodeStates); err != nil {
		return nil, fmt.Errorf("failed to decode node states: %w", err)
	}
	if r.Payload, err = unmarshalJSON(payload); err != nil {
		return nil, fmt.Errorf("failed to decode payload: %w", err)
	}
	r.StartedAt = timePtr(startedAt)
	r.FinishedAt = timePtr(finishedAt)
	return &r, nil
}

func (s *Store) UpdatePipelineRun(ctx context.Context, r *models.PipelineRun) error {
	states, err := json.Marshal(r.NodeStates)
	if err != nil {
		return fmt.Errorf("failed to encode node states: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE pipeline_runs SET status = $2, node_states = $3, error = $4,
			started_at = $5, finished_at = $6
		WHERE id = $1`,
		r.ID, r.Status, states, r.Error, nullTime(r.StartedAt), nullTime(r.FinishedAt))
	if err != nil {
		return fmt.Errorf("failed to update pipeline run: %w", err)
	}
	return requireRow(res, store.ErrPipelineNotFound)
}

func (s *Store) PersistNodeState(ctx context.Context, runID, nodeID string, state models.NodeState) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE pipeline_runs
		SET node_states = jsonb_set(node_states, ARRAY[$2], to_jsonb($3::text))
		WHERE id = $1`,
		runID, nodeID, string(state))
	if err != nil {
		return fmt.Errorf("failed to persist node state: %w", err)
	}
	return requireRow(res, store.ErrPipelineNotFound)
}
