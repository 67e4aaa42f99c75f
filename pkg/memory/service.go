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

// Package memory provides the knowledge layer: remember / recall /
// forget plus scope-widened knowledge sharing, fronted by the two-tier
// cache and searched by vector similarity.
package memory

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kadirpekel/gathering/pkg/bus"
	"github.com/kadirpekel/gathering/pkg/cache"
	"github.com/kadirpekel/gathering/pkg/gathering"
	"github.com/kadirpekel/gathering/pkg/models"
	"github.com/kadirpekel/gathering/pkg/store"
	"github.com/kadirpekel/gathering/pkg/worker"
)

const (
	defaultRecallLimit     = 5
	defaultRecallThreshold = 0.7
)

// Service is the memory service.
type Service struct {
	store store.Store
	cache *cache.Cache
	bus   *bus.Bus
	embed worker.Worker

	subs []*bus.Subscription
}

// NewService creates the memory service. The worker supplies embeddings.
func NewService(st store.Store, c *cache.Cache, b *bus.Bus, w worker.Worker) *Service {
	return &Service{store: st, cache: c, bus: b, embed: w}
}

// Subscribe wires cache invalidation to memory events. Called once at
// startup by the app root.
func (s *Service) Subscribe() error {
	for _, t := range []bus.EventType{bus.MemoryCreated, bus.MemoryShared} {
		sub, err := s.bus.Subscribe(t, func(e bus.Event) error {
			if e.SourceAgentID != "" {
				s.cache.InvalidateAgent(context.Background(), e.SourceAgentID)
			}
			return nil
		}, nil)
		if err != nil {
			return err
		}
		s.subs = append(s.subs, sub)
	}
	return nil
}

// Unsubscribe removes the event wiring.
func (s *Service) Unsubscribe() {
	for _, sub := range s.subs {
		s.bus.Unsubscribe(sub)
	}
	s.subs = nil
}

// RememberOptions tune a Remember call.
type RememberOptions struct {
	Scope      models.MemoryScope
	ScopeID    string
	Importance float64
	Tags       []string
}

// Remember stores a knowledge unit for an agent and publishes the
// creation event. Shared scopes require a scope id.
func (s *Service) Remember(ctx context.Context, agentID, content string, memType models.MemoryType, opts RememberOptions) (*models.Memory, error) {
	if content == "" {
		return nil, gathering.NewValidation("memory", "content cannot be empty")
	}
	if opts.Scope == "" {
		opts.Scope = models.ScopeAgent
	}
	if opts.Scope != models.ScopeAgent && opts.Scope != models.ScopeGlobal && opts.ScopeID == "" {
		return nil, gathering.NewValidation("memory", "scope %s requires a scope id", opts.Scope)
	}
	if opts.Importance < 0 || opts.Importance > 1 {
		return nil, gathering.NewValidation("memory", "importance must be within [0,1]")
	}

	embedding, err := s.embedText(ctx, content)
	if err != nil {
		return nil, err
	}

	m := &models.Memory{
		ID:         uuid.New().String(),
		AgentID:    agentID,
		Scope:      opts.Scope,
		ScopeID:    opts.ScopeID,
		Content:    content,
		Embedding:  embedding,
		Importance: opts.Importance,
		Tags:       opts.Tags,
		Type:       memType,
		CreatedAt:  time.Now().UTC(),
	}
	if err := s.store.InsertMemory(ctx, m); err != nil {
		return nil, fmt.Errorf("failed to store memory: %w", err)
	}

	eventType := bus.MemoryCreated
	if opts.Scope != models.ScopeAgent {
		eventType = bus.MemoryShared
	}
	event := bus.NewEvent(eventType, map[string]any{
		"memory_id": m.ID,
		"scope":     string(m.Scope),
		"type":      string(m.Type),
	}).WithAgent(agentID)
	if m.Scope == models.ScopeCircle {
		event = event.WithCircle(m.ScopeID)
	}
	s.bus.Publish(event)

	return m, nil
}

// RecallOptions tune a Recall call.
type RecallOptions struct {
	Limit     int
	Threshold float64
	Type      models.MemoryType
	Tags      []string
}

// Recall returns the memories most similar to the query that are visible
// to the agent. Unfiltered queries are cached; access counts are bumped
// on every hit set actually served from the store.
func (s *Service) Recall(ctx context.Context, agentID, query string, opts RecallOptions) ([]models.Memory, error) {
	if opts.Limit <= 0 {
		opts.Limit = defaultRecallLimit
	}
	if opts.Threshold == 0 {
		opts.Threshold = defaultRecallThreshold
	}

	filtered := opts.Type != "" || len(opts.Tags) > 0
	key := cache.RecallKey(agentID, query, opts.Limit, opts.Threshold)
	if !filtered {
		if cached := s.cache.GetRecall(ctx, key); cached != nil {
			return cached, nil
		}
	}

	embedding, err := s.embedText(ctx, query)
	if err != nil {
		return nil, err
	}

	circles, projects, err := s.visibleScopes(ctx, agentID)
	if err != nil {
		return nil, err
	}

	hits, err := s.store.SearchMemories(ctx, store.MemorySearch{
		Embedding:  embedding,
		Threshold:  opts.Threshold,
		Limit:      opts.Limit,
		AgentID:    agentID,
		CircleIDs:  circles,
		ProjectIDs: projects,
		Type:       opts.Type,
		Tags:       opts.Tags,
	})
	if err != nil {
		return nil, fmt.Errorf("recall failed: %w", err)
	}

	results := make([]models.Memory, 0, len(hits))
	ids := make([]string, 0, len(hits))
	for _, h := range hits {
		results = append(results, h.Memory)
		ids = append(ids, h.Memory.ID)
	}

	if err := s.store.IncrementAccess(ctx, ids); err != nil {
		return nil, fmt.Errorf("failed to record access: %w", err)
	}

	if !filtered {
		s.cache.SetRecall(ctx, key, results)
	}
	return results, nil
}

// Forget soft-deletes a memory.
func (s *Service) Forget(ctx context.Context, memoryID string) error {
	return s.store.MarkForgotten(ctx, memoryID)
}

// AddKnowledge records a shared knowledge unit at circle, project or
// global scope.
func (s *Service) AddKnowledge(ctx context.Context, agentID, content string, scope models.MemoryScope, scopeID string, tags []string) (*models.Memory, error) {
	if scope == models.ScopeAgent {
		return nil, gathering.NewValidation("memory", "knowledge must use a shared scope")
	}
	return s.Remember(ctx, agentID, content, models.MemoryLearning, RememberOptions{
		Scope:      scope,
		ScopeID:    scopeID,
		Importance: 0.5,
		Tags:       tags,
	})
}

// SearchKnowledge recalls across the agent's shared scopes only.
func (s *Service) SearchKnowledge(ctx context.Context, agentID, query string, limit int) ([]models.Memory, error) {
	results, err := s.Recall(ctx, agentID, query, RecallOptions{Limit: limit, Type: models.MemoryLearning})
	if err != nil {
		return nil, err
	}
	shared := results[:0]
	for _, m := range results {
		if m.Scope != models.ScopeAgent {
			shared = append(shared, m)
		}
	}
	return shared, nil
}

// ComposeContext builds the context block injected into Worker turns:
// persona, project reference, session summary, then the top-k relevant
// memories.
func (s *Service) ComposeContext(ctx context.Context, agent *models.Agent, circleID, sessionSummary, query string) (string, error) {
	var b strings.Builder

	if agent.Persona != "" {
		b.WriteString(agent.Persona)
		b.WriteString("\n\n")
	}

	if circleID != "" {
		composed := s.cache.GetCircleContext(ctx, circleID)
		if composed == "" {
			circle, err := s.store.GetCircle(ctx, circleID)
			if err != nil {
				return "", err
			}
			composed = fmt.Sprintf("Circle: %s (%d members)", circle.Name, len(circle.Members))
			if circle.ProjectID != "" {
				composed += fmt.Sprintf("\nProject: %s", circle.ProjectID)
			}
			s.cache.SetCircleContext(ctx, circleID, composed)
		}
		b.WriteString(composed)
		b.WriteString("\n\n")
	}

	if sessionSummary != "" {
		b.WriteString("Session so far: ")
		b.WriteString(sessionSummary)
		b.WriteString("\n\n")
	}

	if query != "" {
		memories, err := s.Recall(ctx, agent.ID, query, RecallOptions{})
		if err != nil {
			return "", err
		}
		if len(memories) > 0 {
			b.WriteString("Relevant memories:\n")
			for _, m := range memories {
				fmt.Fprintf(&b, "- [%s] %s\n", m.Type, m.Content)
			}
		}
	}

	return strings.TrimRight(b.String(), "\n"), nil
}

// embedText computes an embedding with a cache front.
func (s *Service) embedText(ctx context.Context, text string) ([]float32, error) {
	if vec := s.cache.GetEmbedding(ctx, text); vec != nil {
		return vec, nil
	}
	vec, err := s.embed.Embed(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("failed to embed text: %w", err)
	}
	s.cache.SetEmbedding(ctx, text, vec)
	return vec, nil
}

// visibleScopes resolves the circles the agent belongs to and the
// projects those circles are bound to.
func (s *Service) visibleScopes(ctx context.Context, agentID string) (circles, projects []string, err error) {
	active, err := s.store.ListActiveCircles(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to resolve visibility: %w", err)
	}
	for _, c := range active {
		for _, m := range c.Members {
			if m.AgentID == agentID {
				circles = append(circles, c.ID)
				if c.ProjectID != "" {
					projects = append(projects, c.ProjectID)
				}
				break
			}
		}
	}
	return circles, projects, nil
}
