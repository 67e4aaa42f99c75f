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

package memory_test

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/gathering/pkg/bus"
	"github.com/kadirpekel/gathering/pkg/cache"
	"github.com/kadirpekel/gathering/pkg/config"
	"github.com/kadirpekel/gathering/pkg/gathering"
	"github.com/kadirpekel/gathering/pkg/memory"
	"github.com/kadirpekel/gathering/pkg/models"
	"github.com/kadirpekel/gathering/pkg/store"
	"github.com/kadirpekel/gathering/pkg/store/memstore"
	"github.com/kadirpekel/gathering/pkg/worker"
)

type fixture struct {
	svc   *memory.Service
	store *memstore.Store
	bus   *bus.Bus
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st, err := memstore.New()
	require.NoError(t, err)

	cacheCfg := config.CacheConfig{}
	cacheCfg.SetDefaults()
	c, err := cache.New(cacheCfg)
	require.NoError(t, err)

	b := bus.New(100)
	svc := memory.NewService(st, c, b, &worker.Scripted{Dim: 8})
	require.NoError(t, svc.Subscribe())
	t.Cleanup(svc.Unsubscribe)

	require.NoError(t, st.CreateAgent(context.Background(), &models.Agent{
		ID: "agent-1", Name: "agent-1", Active: true,
		Model: models.ModelRef{Provider: "test", Model: "scripted"},
	}))
	return &fixture{svc: svc, store: st, bus: b}
}

func TestService_RememberValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tests := []struct {
		name string
		call func() error
	}{
		{
			name: "empty content",
			call: func() error {
				_, err := f.svc.Remember(ctx, "agent-1", "", models.MemoryFact, memory.RememberOptions{})
				return err
			},
		},
		{
			name: "shared scope without scope id",
			call: func() error {
				_, err := f.svc.Remember(ctx, "agent-1", "x", models.MemoryFact,
					memory.RememberOptions{Scope: models.ScopeCircle})
				return err
			},
		},
		{
			name: "importance out of range",
			call: func() error {
				_, err := f.svc.Remember(ctx, "agent-1", "x", models.MemoryFact,
					memory.RememberOptions{Importance: 1.5})
				return err
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.call()
			require.Error(t, err)
			require.True(t, gathering.IsKind(err, gathering.KindValidation),
				"error kind = %s, want validation", gathering.KindOf(err))
		})
	}
}

func TestService_RememberPublishesAndRecalls(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var created, shared atomic.Int64
	_, err := f.bus.Subscribe(bus.MemoryCreated, func(bus.Event) error {
		created.Add(1)
		return nil
	}, nil)
	require.NoError(t, err)
	_, err = f.bus.Subscribe(bus.MemoryShared, func(bus.Event) error {
		shared.Add(1)
		return nil
	}, nil)
	require.NoError(t, err)

	m, err := f.svc.Remember(ctx, "agent-1", "the deploy pipeline needs a staging pass",
		models.MemoryDecision, memory.RememberOptions{Importance: 0.8, Tags: []string{"deploy"}})
	require.NoError(t, err)
	require.Equal(t, int64(1), created.Load())

	_, err = f.svc.Remember(ctx, "agent-1", "shared wisdom", models.MemoryLearning,
		memory.RememberOptions{Scope: models.ScopeGlobal})
	require.NoError(t, err)
	require.Equal(t, int64(1), shared.Load())

	// Recall with the identical text embeds identically: similarity 1.
	results, err := f.svc.Recall(ctx, "agent-1", "the deploy pipeline needs a staging pass",
		memory.RecallOptions{Threshold: 0.99})
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, m.ID, results[0].ID)

	// Recall bumps access counts.
	vec, err := (&worker.Scripted{Dim: 8}).Embed(ctx, "the deploy pipeline needs a staging pass")
	require.NoError(t, err)
	hits, err := f.store.SearchMemories(ctx, store.MemorySearch{
		Embedding: vec,
		Threshold: 0.99,
		Limit:     1,
		AgentID:   "agent-1",
	})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	require.Equal(t, 1, hits[0].Memory.AccessCount)
}

func TestService_ScopeVisibility(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.store.CreateAgent(ctx, &models.Agent{
		ID: "agent-2", Name: "agent-2", Active: true,
		Model: models.ModelRef{Provider: "test", Model: "scripted"},
	}))

	// agent-1's private memory is not visible to agent-2.
	content := "private operating notes"
	_, err := f.svc.Remember(ctx, "agent-1", content, models.MemoryFact, memory.RememberOptions{})
	require.NoError(t, err)

	mine, err := f.svc.Recall(ctx, "agent-1", content, memory.RecallOptions{Threshold: 0.99})
	require.NoError(t, err)
	require.Len(t, mine, 1)

	theirs, err := f.svc.Recall(ctx, "agent-2", content, memory.RecallOptions{Threshold: 0.99})
	require.NoError(t, err)
	require.Empty(t, theirs)

	// Global knowledge is visible to everyone.
	global := "company wide convention"
	_, err = f.svc.AddKnowledge(ctx, "agent-1", global, models.ScopeGlobal, "", nil)
	require.NoError(t, err)

	found, err := f.svc.Recall(ctx, "agent-2", global, memory.RecallOptions{Threshold: 0.99})
	require.NoError(t, err)
	require.Len(t, found, 1)
}

func TestService_CircleScopeVisibility(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.store.CreateCircle(ctx, &models.Circle{
		ID: "circle-1", Name: "platform", Status: models.CircleRunning,
		Members: []models.CircleMember{{AgentID: "agent-1"}},
	}))

	content := "circle playbook entry"
	_, err := f.svc.Remember(ctx, "agent-1", content, models.MemoryFact,
		memory.RememberOptions{Scope: models.ScopeCircle, ScopeID: "circle-1"})
	require.NoError(t, err)

	found, err := f.svc.Recall(ctx, "agent-1", content, memory.RecallOptions{Threshold: 0.99})
	require.NoError(t, err)
	require.Len(t, found, 1)
	require.Equal(t, models.ScopeCircle, found[0].Scope)
}

func TestService_Forget(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	content := "soon to be forgotten"
	m, err := f.svc.Remember(ctx, "agent-1", content, models.MemoryFact, memory.RememberOptions{})
	require.NoError(t, err)

	require.NoError(t, f.svc.Forget(ctx, m.ID))

	results, err := f.svc.Recall(ctx, "agent-1", content, memory.RecallOptions{Threshold: 0.99})
	require.NoError(t, err)
	require.Empty(t, results)
}

func TestService_ComposeContext(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	agent, err := f.store.GetAgent(ctx, "agent-1")
	require.NoError(t, err)
	agent.Persona = "A meticulous reviewer."

	content := "integration tests run nightly"
	_, err = f.svc.Remember(ctx, "agent-1", content, models.MemoryFact, memory.RememberOptions{})
	require.NoError(t, err)

	composed, err := f.svc.ComposeContext(ctx, agent, "", "reviewed two pull requests", content)
	require.NoError(t, err)
	require.Contains(t, composed, "A meticulous reviewer.")
	require.Contains(t, composed, "reviewed two pull requests")
	require.Contains(t, composed, content)
}
