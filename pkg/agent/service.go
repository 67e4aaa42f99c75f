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

// Package agent manages persistent worker identities.
package agent

import (
	"context"

	"github.com/google/uuid"

	"github.com/kadirpekel/gathering/pkg/bus"
	"github.com/kadirpekel/gathering/pkg/gathering"
	"github.com/kadirpekel/gathering/pkg/models"
	"github.com/kadirpekel/gathering/pkg/store"
)

// Service manages agents.
type Service struct {
	store store.Store
	bus   *bus.Bus
}

// NewService creates the agent service.
func NewService(st store.Store, b *bus.Bus) *Service {
	return &Service{store: st, bus: b}
}

// Create registers a new agent. The (provider, model) pair must resolve.
func (s *Service) Create(ctx context.Context, a *models.Agent) (*models.Agent, error) {
	if a.Name == "" {
		return nil, gathering.NewValidation("agent", "name is required")
	}
	if a.Model.Provider == "" || a.Model.Model == "" {
		return nil, gathering.NewValidation("agent", "model reference must name a provider and a model")
	}
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	a.Active = true

	if err := s.store.CreateAgent(ctx, a); err != nil {
		return nil, err
	}

	s.bus.Publish(bus.NewEvent(bus.AgentStarted, map[string]any{
		"agent_id": a.ID,
		"name":     a.Name,
		"role":     a.Role,
	}).WithAgent(a.ID))
	return a, nil
}

// Get returns an agent by id.
func (s *Service) Get(ctx context.Context, id string) (*models.Agent, error) {
	return s.store.GetAgent(ctx, id)
}

// List returns agents, optionally only active ones.
func (s *Service) List(ctx context.Context, activeOnly bool) ([]models.Agent, error) {
	return s.store.ListAgents(ctx, activeOnly)
}

// Deactivate soft-deletes an agent; its history stays queryable.
func (s *Service) Deactivate(ctx context.Context, id string) error {
	return s.store.SetAgentActive(ctx, id, false)
}

// Activate re-enables an agent.
func (s *Service) Activate(ctx context.Context, id string) error {
	return s.store.SetAgentActive(ctx, id, true)
}
