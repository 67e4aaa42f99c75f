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

// Package circle manages agent teams. The circle row is authoritative;
// in-memory handles are reconstructed from rows on boot.
package circle

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/kadirpekel/gathering/pkg/bus"
	"github.com/kadirpekel/gathering/pkg/cache"
	"github.com/kadirpekel/gathering/pkg/gathering"
	"github.com/kadirpekel/gathering/pkg/models"
	"github.com/kadirpekel/gathering/pkg/store"
)

// Service manages circles and their membership.
type Service struct {
	store store.Store
	bus   *bus.Bus
	cache *cache.Cache

	// handles tracks circles this instance considers live; rebuilt from
	// rows on boot.
	mu      sync.Mutex
	handles map[string]bool
}

// NewService creates the circle service.
func NewService(st store.Store, b *bus.Bus, c *cache.Cache) *Service {
	return &Service{store: st, bus: b, cache: c, handles: make(map[string]bool)}
}

// Rehydrate rebuilds in-memory handles for circles whose rows say they
// are running. Called once at startup.
func (s *Service) Rehydrate(ctx context.Context) error {
	active, err := s.store.ListActiveCircles(ctx)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range active {
		s.handles[c.ID] = true
		slog.Info("Rehydrated circle", "circle_id", c.ID, "name", c.Name)
	}
	return nil
}

// Create registers an empty circle.
func (s *Service) Create(ctx context.Context, name, projectID string, autoRoute, requireReview bool) (*models.Circle, error) {
	if name == "" {
		return nil, gathering.NewValidation("circle", "name is required")
	}

	c := &models.Circle{
		ID:            uuid.New().String(),
		Name:          name,
		Status:        models.CircleStopped,
		AutoRoute:     autoRoute,
		RequireReview: requireReview,
		ProjectID:     projectID,
	}
	if err := s.store.CreateCircle(ctx, c); err != nil {
		return nil, err
	}

	event := bus.NewEvent(bus.CircleCreated, map[string]any{
		"circle_id": c.ID,
		"name":      c.Name,
	}).WithCircle(c.ID)
	s.bus.Publish(event)
	return c, nil
}

// Get returns a circle with its membership.
func (s *Service) Get(ctx context.Context, id string) (*models.Circle, error) {
	return s.store.GetCircle(ctx, id)
}

// AddMember appends an agent to the circle's insertion-ordered roster.
func (s *Service) AddMember(ctx context.Context, circleID, agentID string, competencies, reviews []string) error {
	agent, err := s.store.GetAgent(ctx, agentID)
	if err != nil {
		return err
	}
	if !agent.Active {
		return gathering.NewPrecondition("agent/"+agentID, "agent is inactive")
	}

	if err := s.store.AddCircleMember(ctx, circleID, models.CircleMember{
		AgentID:      agentID,
		Competencies: competencies,
		Reviews:      reviews,
	}); err != nil {
		return err
	}
	s.cache.InvalidateCircleContext(ctx, circleID)

	s.bus.Publish(bus.NewEvent(bus.CircleMemberAdded, map[string]any{
		"circle_id": circleID,
		"agent_id":  agentID,
	}).WithAgent(agentID).WithCircle(circleID))
	return nil
}

// RemoveMember drops an agent from the roster. Removing the last member
// forces the circle stopped (enforced by the store).
func (s *Service) RemoveMember(ctx context.Context, circleID, agentID string) error {
	if err := s.store.RemoveCircleMember(ctx, circleID, agentID); err != nil {
		return err
	}
	s.cache.InvalidateCircleContext(ctx, circleID)

	c, err := s.store.GetCircle(ctx, circleID)
	if err != nil {
		return err
	}
	if c.Status == models.CircleStopped {
		s.mu.Lock()
		delete(s.handles, circleID)
		s.mu.Unlock()
	}
	return nil
}

// Start moves a circle through starting to running.
func (s *Service) Start(ctx context.Context, circleID string) error {
	c, err := s.store.GetCircle(ctx, circleID)
	if err != nil {
		return err
	}
	if c.Status != models.CircleStopped {
		return gathering.NewPrecondition("circle/"+circleID,
			"cannot start circle in %s status", c.Status)
	}
	if len(c.Members) == 0 {
		return gathering.NewPrecondition("circle/"+circleID, "circle has no members")
	}

	if err := s.store.UpdateCircleStatus(ctx, circleID, models.CircleStarting); err != nil {
		return err
	}
	if err := s.store.UpdateCircleStatus(ctx, circleID, models.CircleRunning); err != nil {
		return err
	}

	s.mu.Lock()
	s.handles[circleID] = true
	s.mu.Unlock()
	return nil
}

// Stop moves a circle through stopping to stopped.
func (s *Service) Stop(ctx context.Context, circleID string) error {
	c, err := s.store.GetCircle(ctx, circleID)
	if err != nil {
		return err
	}
	if c.Status != models.CircleRunning && c.Status != models.CircleStarting {
		return gathering.NewPrecondition("circle/"+circleID,
			"cannot stop circle in %s status", c.Status)
	}

	if err := s.store.UpdateCircleStatus(ctx, circleID, models.CircleStopping); err != nil {
		return err
	}
	if err := s.store.UpdateCircleStatus(ctx, circleID, models.CircleStopped); err != nil {
		return err
	}

	s.mu.Lock()
	delete(s.handles, circleID)
	s.mu.Unlock()
	s.cache.InvalidateCircleContext(ctx, circleID)
	return nil
}

// ListActive returns running circles.
func (s *Service) ListActive(ctx context.Context) ([]models.Circle, error) {
	return s.store.ListActiveCircles(ctx)
}
