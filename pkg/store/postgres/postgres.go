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

// Package postgres is the PostgreSQL Store implementation.
//
// It needs the pgvector extension for memory search and uses status-gated
// UPDATEs as the claim primitive for multi-instance deployments.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/kadirpekel/gathering/pkg/models"
	"github.com/kadirpekel/gathering/pkg/store"
)

// Store is the PostgreSQL implementation of store.Store.
type Store struct {
	db           *sqlx.DB
	embeddingDim int
}

// New connects to PostgreSQL and verifies the connection.
func New(dsn string, embeddingDim int) (*Store, error) {
	db, err := sqlx.Connect("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	return &Store{db: db, embeddingDim: embeddingDim}, nil
}

// Close releases the connection pool.
func (s *Store) Close() error { return s.db.Close() }

// Migrate applies the schema. Idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, fmt.Sprintf(schema, s.embeddingDim)); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

// vectorLiteral renders an embedding as a pgvector input literal.
func vectorLiteral(vec []float32) string {
	var b strings.Builder
	b.WriteByte('[')
	for i, v := range vec {
		if i > 0 {
			b.WriteByte(',')
		}
		fmt.Fprintf(&b, "%g", v)
	}
	b.WriteByte(']')
	return b.String()
}

// parseVector parses a pgvector output literal.
func parseVector(s string) ([]float32, error) {
	s = strings.Trim(s, "[]")
	if s == "" {
		return nil, nil
	}
	parts := strings.Split(s, ",")
	vec := make([]float32, len(parts))
	for i, p := range parts {
		var v float64
		if _, err := fmt.Sscanf(strings.TrimSpace(p), "%g", &v); err != nil {
			return nil, fmt.Errorf("invalid vector element %q: %w", p, err)
		}
		vec[i] = float32(v)
	}
	return vec, nil
}

func marshalJSON(m map[string]any) ([]byte, error) {
	if m == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(m)
}

func unmarshalJSON(data []byte) (map[string]any, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return m, nil
}

func nullStr(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	tt := t.Time
	return &tt
}

// ----------------------------------------------------------------------------
// Agents
// ----------------------------------------------------------------------------

func (s *Store) CreateAgent(ctx context.Context, a *models.Agent) error {
	now := time.Now().UTC()
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now
	}
	a.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO agents (id, name, role, persona, traits, specializations, language,
			model_provider, model_name, active, tasks_completed, avg_quality, approval_rate,
			created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)`,
		a.ID, a.Name, a.Role, a.Persona, pq.Array(a.Traits), pq.Array(a.Specializations),
		a.Language, a.Model.Provider, a.Model.Model, a.Active,
		a.Metrics.TasksCompleted, a.Metrics.AvgQuality, a.Metrics.ApprovalRate,
		a.CreatedAt, a.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create agent: %w", err)
	}
	return nil
}

func (s *Store) GetAgent(ctx context.Context, id string) (*models.Agent, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, role, persona, traits, specializations, language,
			model_provider, model_name, active, tasks_completed, avg_quality, approval_rate,
			created_at, updated_at
		FROM agents WHERE id = $1`, id)
	return scanAgent(row)
}

func scanAgent(row *sql.Row) (*models.Agent, error) {
	var a models.Agent
	err := row.Scan(&a.ID, &a.Name, &a.Role, &a.Persona,
		pq.Array(&a.Traits), pq.Array(&a.Specializations), &a.Language,
		&a.Model.Provider, &a.Model.Model, &a.Active,
		&a.Metrics.TasksCompleted, &a.Metrics.AvgQuality, &a.Metrics.ApprovalRate,
		&a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrAgentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan agent: %w", err)
	}
	return &a, nil
}

func (s *Store) ListAgents(ctx context.Context, activeOnly bool) ([]models.Agent, error) {
	query := `
		SELECT id, name, role, persona, traits, specializations, language,
			model_provider, model_name, active, tasks_completed, avg_quality, approval_rate,
			created_at, updated_at
		FROM agents`
	if activeOnly {
		query += ` WHERE active`
	}
	query += ` ORDER BY created_at`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list agents: %w", err)
	}
	defer rows.Close()

	var out []models.Agent
	for rows.Next() {
		var a models.Agent
		if err := rows.Scan(&a.ID, &a.Name, &a.Role, &a.Persona,
			pq.Array(&a.Traits), pq.Array(&a.Specializations), &a.Language,
			&a.Model.Provider, &a.Model.Model, &a.Active,
			&a.Metrics.TasksCompleted, &a.Metrics.AvgQuality, &a.Metrics.ApprovalRate,
			&a.CreatedAt, &a.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan agent: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *Store) UpdateAgentMetrics(ctx context.Context, id string, m models.AgentMetrics) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE agents SET tasks_completed = $2, avg_quality = $3, approval_rate = $4, updated_at = now()
		WHERE id = $1`,
		id, m.TasksCompleted, m.AvgQuality, m.ApprovalRate)
	if err != nil {
		return fmt.Errorf("failed to update agent metrics: %w", err)
	}
	return requireRow(res, store.ErrAgentNotFound)
}

func (s *Store) SetAgentActive(ctx context.Context, id string, active bool) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE agents SET active = $2, updated_at = now() WHERE id = $1`, id, active)
	if err != nil {
		return fmt.Errorf("failed to update agent: %w", err)
	}
	return requireRow(res, store.ErrAgentNotFound)
}

func requireRow(res sql.Result, notFound error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return notFound
	}
	return nil
}

// ----------------------------------------------------------------------------
// Circles
// ----------------------------------------------------------------------------

func (s *Store) CreateCircle(ctx context.Context, c *models.Circle) error {
	now := time.Now().UTC()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO circles (id, name, status, auto_route, require_review, project_id, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		c.ID, c.Name, c.Status, c.AutoRoute, c.RequireReview, nullStr(c.ProjectID),
		c.CreatedAt, c.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create circle: %w", err)
	}

	for i, m := range c.Members {
		if err := insertMember(ctx, tx, c.ID, m, i); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func insertMember(ctx context.Context, tx *sqlx.Tx, circleID string, m models.CircleMember, position int) error {
	added := m.AddedAt
	if added.IsZero() {
		added = time.Now().UTC()
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO circle_members (circle_id, agent_id, competencies, reviews, position, added_at)
		VALUES ($1,$2,$3,$4,$5,$6)`,
		circleID, m.AgentID, pq.Array(m.Competencies), pq.Array(m.Reviews), position, added)
	if err != nil {
		return fmt.Errorf("failed to add circle member: %w", err)
	}
	return nil
}

func (s *Store) GetCircle(ctx context.Context, id string) (*models.Circle, error) {
	var c models.Circle
	var projectID sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, status, auto_route, require_review, project_id, created_at, updated_at
		FROM circles WHERE id = $1`, id).
		Scan(&c.ID, &c.Name, &c.Status, &c.AutoRoute, &c.RequireReview, &projectID,
			&c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrCircleNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get circle: %w", err)
	}
	c.ProjectID = projectID.String

	members, err := s.GetCircleMembers(ctx, id)
	if err != nil {
		return nil, err
	}
	c.Members = members
	return &c, nil
}

func (s *Store) ListActiveCircles(ctx context.Context) ([]models.Circle, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, status, auto_route, require_review, project_id, created_at, updated_at
		FROM circles WHERE status IN ('starting','running') ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("failed to list circles: %w", err)
	}
	defer rows.Close()

	var out []models.Circle
	for rows.Next() {
		var c models.Circle
		var projectID sql.NullString
		if err := rows.Scan(&c.ID, &c.Name, &c.Status, &c.AutoRoute, &c.RequireReview,
			&projectID, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan circle: %w", err)
		}
		c.ProjectID = projectID.String
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range out {
		members, err := s.GetCircleMembers(ctx, out[i].ID)
		if err != nil {
			return nil, err
		}
		out[i].Members = members
	}
	return out, nil
}

func (s *Store) AddCircleMember(ctx context.Context, circleID string, m models.CircleMember) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var position int
	if err := tx.GetContext(ctx, &position, `
		SELECT COALESCE(MAX(position) + 1, 0) FROM circle_members WHERE circle_id = $1`, circleID); err != nil {
		return fmt.Errorf("failed to compute member position: %w", err)
	}
	if err := insertMember(ctx, tx, circleID, m, position); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE circles SET updated_at = now() WHERE id = $1`, circleID); err != nil {
		return fmt.Errorf("failed to touch circle: %w", err)
	}
	return tx.Commit()
}

func (s *Store) RemoveCircleMember(ctx context.Context, circleID, agentID string) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		DELETE FROM circle_members WHERE circle_id = $1 AND agent_id = $2`, circleID, agentID)
	if err != nil {
		return fmt.Errorf("failed to remove circle member: %w", err)
	}
	if err := requireRow(res, store.ErrCircleNotFound); err != nil {
		return err
	}

	// Removing the last member forces the circle stopped.
	_, err = tx.ExecContext(ctx, `
		UPDATE circles SET
			status = CASE WHEN NOT EXISTS (
				SELECT 1 FROM circle_members WHERE circle_id = $1
			) THEN 'stopped' ELSE status END,
			updated_at = now()
		WHERE id = $1`, circleID)
	if err != nil {
		return fmt.Errorf("failed to update circle status: %w", err)
	}
	return tx.Commit()
}

func (s *Store) UpdateCircleStatus(ctx context.Context, circleID string, status models.CircleStatus) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE circles SET status = $2, updated_at = now() WHERE id = $1`, circleID, status)
	if err != nil {
		return fmt.Errorf("failed to update circle status: %w", err)
	}
	return requireRow(res, store.ErrCircleNotFound)
}

func (s *Store) GetCircleMembers(ctx context.Context, circleID string) ([]models.CircleMember, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT agent_id, competencies, reviews, position, added_at
		FROM circle_members WHERE circle_id = $1 ORDER BY position`, circleID)
	if err != nil {
		return nil, fmt.Errorf("failed to list circle members: %w", err)
	}
	defer rows.Close()

	var out []models.CircleMember
	for rows.Next() {
		var m models.CircleMember
		if err := rows.Scan(&m.AgentID, pq.Array(&m.Competencies), pq.Array(&m.Reviews),
			&m.Position, &m.AddedAt); err != nil {
			return nil, fmt.Errorf("failed to scan circle member: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
