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

func (s *Store) InsertMemory(ctx context.Context, m *models.Memory) error {
	if len(m.Embedding) != s.embeddingDim {
		return fmt.Errorf("embedding has %d dimensions, want %d", len(m.Embedding), s.embeddingDim)
	}
	now := time.Now().UTC()
	if m.CreatedAt.IsZero() {
		m.CreatedAt = now
	}
	m.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO memories (id, agent_id, scope, scope_id, content, embedding,
			importance, access_count, tags, type, forgotten, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6::vector,$7,$8,$9,$10,$11,$12,$13)`,
		m.ID, m.AgentID, m.Scope, nullStr(m.ScopeID), m.Content, vectorLiteral(m.Embedding),
		m.Importance, m.AccessCount, pq.Array(m.Tags), m.Type, m.Forgotten,
		m.CreatedAt, m.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert memory: %w", err)
	}
	return nil
}

// SearchMemories ranks by cosine similarity within the caller's visibility
// union: own agent-scoped rows, the given circles and projects, and global
// rows.
func (s *Store) SearchMemories(ctx context.Context, q store.MemorySearch) ([]store.MemoryHit, error) {
	query := `
		SELECT id, agent_id, scope, scope_id, content, embedding::text,
			importance, access_count, tags, type, forgotten, created_at, updated_at,
			1 - (embedding <=> $1::vector) AS similarity
		FROM memories
		WHERE NOT forgotten
		  AND 1 - (embedding <=> $1::vector) >= $2
		  AND (
			(scope = 'agent' AND agent_id = $3)
			OR (scope = 'circle' AND scope_id = ANY($4))
			OR (scope = 'project' AND scope_id = ANY($5))
			OR scope = 'global'
		  )`
	args := []any{vectorLiteral(q.Embedding), q.Threshold, q.AgentID,
		pq.Array(q.CircleIDs), pq.Array(q.ProjectIDs)}

	if q.Type != "" {
		args = append(args, q.Type)
		query += fmt.Sprintf(" AND type = $%d", len(args))
	}
	if len(q.Tags) > 0 {
		args = append(args, pq.Array(q.Tags))
		query += fmt.Sprintf(" AND tags && $%d", len(args))
	}

	query += ` ORDER BY embedding <=> $1::vector`
	if q.Limit > 0 {
		args = append(args, q.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("memory search failed: %w", err)
	}
	defer rows.Close()

	var out []store.MemoryHit
	for rows.Next() {
		var m models.Memory
		var scopeID sql.NullString
		var embedding string
		var similarity float64
		if err := rows.Scan(&m.ID, &m.AgentID, &m.Scope, &scopeID, &m.Content, &embedding,
			&m.Importance, &m.AccessCount, pq.Array(&m.Tags), &m.Type, &m.Forgotten,
			&m.CreatedAt, &m.UpdatedAt, &similarity); err != nil {
			return nil, fmt.Errorf("failed to scan memory: %w", err)
		}
		m.ScopeID = scopeID.String
		if m.Embedding, err = parseVector(embedding); err != nil {
			return nil, err
		}
		out = append(out, store.MemoryHit{Memory: m, Similarity: similarity})
	}
	return out, rows.Err()
}

func (s *Store) MarkForgotten(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE memories SET forgotten = true, updated_at = now() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to forget memory: %w", err)
	}
	return requireRow(res, store.ErrMemoryNotFound)
}

func (s *Store) IncrementAccess(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE memories SET access_count = access_count + 1 WHERE id = ANY($1)`,
		pq.Array(ids))
	if err != nil {
		return fmt.Errorf("failed to increment access counts: %w", err)
	}
	return nil
}
