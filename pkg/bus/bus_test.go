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

package bus

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
)

func TestBus_PublishDeliversToAllSubscribers(t *testing.T) {
	b := New(10)

	var got1, got2 atomic.Int64
	if _, err := b.Subscribe(TaskCreated, func(e Event) error {
		got1.Add(1)
		return nil
	}, nil); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	if _, err := b.Subscribe(TaskCreated, func(e Event) error {
		got2.Add(1)
		return nil
	}, nil); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	b.Publish(NewEvent(TaskCreated, map[string]any{"n": 1}))

	if got1.Load() != 1 || got2.Load() != 1 {
		t.Errorf("handlers saw %d and %d events, want 1 and 1", got1.Load(), got2.Load())
	}
}

func TestBus_FilterSelectsEvents(t *testing.T) {
	b := New(10)

	var matched atomic.Int64
	_, err := b.Subscribe(TaskCreated, func(e Event) error {
		matched.Add(1)
		return nil
	}, func(e Event) bool {
		return e.SourceAgentID == "agent-1"
	})
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	b.Publish(NewEvent(TaskCreated, nil).WithAgent("agent-1"))
	b.Publish(NewEvent(TaskCreated, nil).WithAgent("agent-2"))

	if matched.Load() != 1 {
		t.Errorf("filtered handler saw %d events, want 1", matched.Load())
	}
}

// A faulting handler must not affect other handlers or the publisher.
func TestBus_HandlerFaultIsolation(t *testing.T) {
	b := New(10)

	var healthy atomic.Int64
	if _, err := b.Subscribe(SystemError, func(e Event) error {
		return fmt.Errorf("boom")
	}, nil); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	if _, err := b.Subscribe(SystemError, func(e Event) error {
		panic("handler panic")
	}, nil); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	if _, err := b.Subscribe(SystemError, func(e Event) error {
		healthy.Add(1)
		return nil
	}, nil); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	b.Publish(NewEvent(SystemError, nil))

	if healthy.Load() != 1 {
		t.Errorf("healthy handler saw %d events, want 1", healthy.Load())
	}
	stats := b.Stats()
	if stats.HandlerErrors != 2 {
		t.Errorf("Stats().HandlerErrors = %d, want 2", stats.HandlerErrors)
	}
	if stats.Delivered != 1 {
		t.Errorf("Stats().Delivered = %d, want 1", stats.Delivered)
	}
}

func TestBus_Unsubscribe(t *testing.T) {
	b := New(10)

	var got atomic.Int64
	sub, err := b.Subscribe(TaskStarted, func(e Event) error {
		got.Add(1)
		return nil
	}, nil)
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	b.Publish(NewEvent(TaskStarted, nil))
	b.Unsubscribe(sub)
	b.Unsubscribe(sub) // idempotent
	b.Publish(NewEvent(TaskStarted, nil))

	if got.Load() != 1 {
		t.Errorf("handler saw %d events after unsubscribe, want 1", got.Load())
	}
	if b.Stats().ActiveSubscribers != 0 {
		t.Errorf("ActiveSubscribers = %d, want 0", b.Stats().ActiveSubscribers)
	}
}

func TestBus_HistoryRingEviction(t *testing.T) {
	b := New(3)

	for i := 0; i < 5; i++ {
		b.Publish(NewEvent(TaskCreated, map[string]any{"n": i}))
	}

	events := b.History("", nil, 0)
	if len(events) != 3 {
		t.Fatalf("History() returned %d events, want 3", len(events))
	}
	// Oldest first, two oldest evicted.
	for i, e := range events {
		if n := e.Data["n"].(int); n != i+2 {
			t.Errorf("History()[%d].Data[n] = %d, want %d", i, n, i+2)
		}
	}
}

func TestBus_HistoryFilters(t *testing.T) {
	b := New(10)
	b.Publish(NewEvent(TaskCreated, nil).WithAgent("a"))
	b.Publish(NewEvent(TaskStarted, nil).WithAgent("a"))
	b.Publish(NewEvent(TaskCreated, nil).WithAgent("b"))

	tests := []struct {
		name      string
		eventType EventType
		filter    Filter
		limit     int
		want      int
	}{
		{name: "all", want: 3},
		{name: "by type", eventType: TaskCreated, want: 2},
		{name: "by filter", filter: func(e Event) bool { return e.SourceAgentID == "a" }, want: 2},
		{name: "limited", limit: 1, want: 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := len(b.History(tt.eventType, tt.filter, tt.limit)); got != tt.want {
				t.Errorf("History() returned %d events, want %d", got, tt.want)
			}
		})
	}
}

// Every matching subscriber is invoked exactly once per publish, under
// concurrent publishers.
func TestBus_ConcurrentPublish(t *testing.T) {
	b := New(100)

	var delivered atomic.Int64
	if _, err := b.Subscribe(TaskCreated, func(e Event) error {
		delivered.Add(1)
		return nil
	}, nil); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	const publishers = 8
	const perPublisher = 25
	var wg sync.WaitGroup
	for p := 0; p < publishers; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perPublisher; i++ {
				b.Publish(NewEvent(TaskCreated, nil))
			}
		}()
	}
	wg.Wait()

	want := int64(publishers * perPublisher)
	if delivered.Load() != want {
		t.Errorf("delivered %d events, want %d", delivered.Load(), want)
	}
	if b.Stats().Published != want {
		t.Errorf("published %d, want %d", b.Stats().Published, want)
	}
}
