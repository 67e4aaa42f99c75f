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

package scheduler

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/kadirpekel/gathering/pkg/bus"
	"github.com/kadirpekel/gathering/pkg/gathering"
	"github.com/kadirpekel/gathering/pkg/models"
)

// CreateAction validates, persists and arms a scheduled action.
func (s *Scheduler) CreateAction(ctx context.Context, a *models.ScheduledAction) error {
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	if a.Status == "" {
		a.Status = models.ActionActive
	}
	if err := s.validate(a); err != nil {
		return err
	}

	now := time.Now().UTC()
	a.CreatedAt = now
	if err := s.armAction(a, now); err != nil {
		return err
	}

	if err := s.store.CreateAction(ctx, a); err != nil {
		return err
	}
	return s.syncEventTriggers(ctx)
}

// UpdateAction validates and persists changes, re-arming the schedule.
func (s *Scheduler) UpdateAction(ctx context.Context, a *models.ScheduledAction) error {
	if err := s.validate(a); err != nil {
		return err
	}
	if err := s.armAction(a, time.Now().UTC()); err != nil {
		return err
	}
	if err := s.store.UpdateAction(ctx, a); err != nil {
		return err
	}
	return s.syncEventTriggers(ctx)
}

// DeleteAction removes an action and its trigger subscription.
func (s *Scheduler) DeleteAction(ctx context.Context, id string) error {
	if err := s.store.DeleteAction(ctx, id); err != nil {
		return err
	}
	return s.syncEventTriggers(ctx)
}

// PauseAction stops dispatching without losing the schedule.
func (s *Scheduler) PauseAction(ctx context.Context, id string) error {
	a, err := s.store.GetAction(ctx, id)
	if err != nil {
		return err
	}
	if a.Status != models.ActionActive {
		return gathering.NewPrecondition("scheduled_action/"+id,
			"cannot pause action in %s status", a.Status)
	}
	a.Status = models.ActionPaused
	if err := s.store.UpdateAction(ctx, a); err != nil {
		return err
	}
	s.publish(bus.ScheduledActionPaused, a, nil)
	return s.syncEventTriggers(ctx)
}

// ResumeAction reactivates a paused action and re-arms its schedule.
func (s *Scheduler) ResumeAction(ctx context.Context, id string) error {
	a, err := s.store.GetAction(ctx, id)
	if err != nil {
		return err
	}
	if a.Status != models.ActionPaused {
		return gathering.NewPrecondition("scheduled_action/"+id,
			"cannot resume action in %s status", a.Status)
	}
	a.Status = models.ActionActive
	if err := s.armAction(a, time.Now().UTC()); err != nil {
		return err
	}
	if err := s.store.UpdateAction(ctx, a); err != nil {
		return err
	}
	s.publish(bus.ScheduledActionResumed, a, nil)
	return s.syncEventTriggers(ctx)
}

// validate enforces the schedule-specifier invariant: exactly one of
// cron_expression / interval_seconds / fire_at / event_name, matching the
// schedule type.
func (s *Scheduler) validate(a *models.ScheduledAction) error {
	entity := "scheduled_action/" + a.ID
	if a.Name == "" {
		return gathering.NewValidation(entity, "name is required")
	}
	if a.Goal == "" {
		return gathering.NewValidation(entity, "goal is required")
	}

	specifiers := 0
	if a.CronExpression != "" {
		specifiers++
	}
	if a.IntervalSeconds != 0 {
		specifiers++
	}
	if a.FireAt != nil {
		specifiers++
	}
	if a.EventName != "" {
		specifiers++
	}
	if specifiers != 1 {
		return gathering.NewValidation(entity, "exactly one schedule specifier is required, got %d", specifiers)
	}

	switch a.ScheduleType {
	case models.ScheduleCron:
		if a.CronExpression == "" {
			return gathering.NewValidation(entity, "cron schedule requires cron_expression")
		}
		if _, err := NextCron(a.CronExpression, time.Now()); err != nil {
			return gathering.NewValidation(entity, "invalid cron expression: %v", err)
		}
	case models.ScheduleInterval:
		if a.IntervalSeconds == 0 {
			return gathering.NewValidation(entity, "interval schedule requires interval_seconds")
		}
		if a.IntervalSeconds < s.cfg.MinIntervalSeconds {
			return gathering.NewValidation(entity, "interval_seconds must be >= %d", s.cfg.MinIntervalSeconds)
		}
	case models.ScheduleOnce:
		if a.FireAt == nil {
			return gathering.NewValidation(entity, "once schedule requires fire_at")
		}
	case models.ScheduleEvent:
		if a.EventName == "" {
			return gathering.NewValidation(entity, "event schedule requires event_name")
		}
	default:
		return gathering.NewValidation(entity, "unknown schedule_type %q", a.ScheduleType)
	}
	return nil
}

// armAction derives the initial next_run_at for the schedule.
func (s *Scheduler) armAction(a *models.ScheduledAction, now time.Time) error {
	switch a.ScheduleType {
	case models.ScheduleCron:
		next, err := NextCron(a.CronExpression, laterOf(a.StartDate, now))
		if err != nil {
			return gathering.NewValidation("scheduled_action/"+a.ID, "invalid cron expression: %v", err)
		}
		a.NextRunAt = &next
	case models.ScheduleInterval:
		next := laterOf(a.StartDate, now).Add(time.Duration(a.IntervalSeconds) * time.Second)
		a.NextRunAt = &next
	case models.ScheduleOnce:
		a.NextRunAt = a.FireAt
	case models.ScheduleEvent:
		a.NextRunAt = nil
	}
	return nil
}

// syncEventTriggers reconciles bus subscriptions with the distinct event
// names of active event actions.
func (s *Scheduler) syncEventTriggers(ctx context.Context) error {
	actions, err := s.store.ListEventActions(ctx)
	if err != nil {
		return err
	}

	want := make(map[string]bool, len(actions))
	for _, a := range actions {
		want[a.EventName] = true
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for name, sub := range s.eventSubs {
		if !want[name] {
			s.bus.Unsubscribe(sub)
			delete(s.eventSubs, name)
		}
	}

	for name := range want {
		if _, ok := s.eventSubs[name]; ok {
			continue
		}
		eventName := name
		sub, err := s.bus.Subscribe(bus.EventType(eventName), func(e bus.Event) error {
			s.fireEventActions(eventName)
			return nil
		}, nil)
		if err != nil {
			return err
		}
		s.eventSubs[eventName] = sub
	}
	return nil
}

// fireEventActions dispatches every active action bound to the event.
func (s *Scheduler) fireEventActions(eventName string) {
	ctx := context.Background()
	actions, err := s.store.ListEventActions(ctx)
	if err != nil {
		return
	}
	now := time.Now().UTC()
	for i := range actions {
		if actions[i].EventName == eventName {
			s.dispatch(ctx, &actions[i], models.TriggeredByEvent, now)
		}
	}
}
