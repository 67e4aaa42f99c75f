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

// Package bus implements the in-process typed event bus.
//
// Publish delivers to every matching subscriber concurrently and returns
// after best-effort delivery to all of them. A faulting handler never
// affects other handlers or the publisher; failures are counted, logged,
// and never retried.
package bus

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/kadirpekel/gathering/pkg/metrics"
)

// Handler processes a delivered event. A non-nil error counts as a handler
// error; the bus never retries.
type Handler func(Event) error

// Filter is a predicate over events. A nil filter matches everything.
type Filter func(Event) bool

// Subscription is the handle returned by Subscribe.
type Subscription struct {
	ID      string
	Type    EventType
	handler Handler
	filter  Filter
}

// Stats is a point-in-time snapshot of bus counters.
type Stats struct {
	Published         int64 `json:"published"`
	Delivered         int64 `json:"delivered"`
	HandlerErrors     int64 `json:"handler_errors"`
	ActiveSubscribers int   `json:"active_subscribers"`
	HistorySize       int   `json:"history_size"`
}

// Bus is the process-internal pub/sub hub.
//
// Subscriber storage is copy-on-write: the slice held in the map is never
// mutated in place, so Publish can snapshot it under a read lock and
// deliver without holding any lock.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[EventType][]*Subscription

	historyMu  sync.Mutex
	history    []Event
	historyCap int
	historyPos int
	historyLen int

	published     atomic.Int64
	delivered     atomic.Int64
	handlerErrors atomic.Int64
}

// New creates a bus with a bounded history ring buffer.
func New(historyCapacity int) *Bus {
	if historyCapacity <= 0 {
		historyCapacity = 1000
	}
	return &Bus{
		subscribers: make(map[EventType][]*Subscription),
		history:     make([]Event, historyCapacity),
		historyCap:  historyCapacity,
	}
}

// Subscribe registers a handler for an event type. The optional filter is
// a predicate over the event; pass nil to receive every event of the type.
func (b *Bus) Subscribe(eventType EventType, handler Handler, filter Filter) (*Subscription, error) {
	if handler == nil {
		return nil, fmt.Errorf("handler cannot be nil")
	}

	sub := &Subscription{
		ID:      uuid.New().String(),
		Type:    eventType,
		handler: handler,
		filter:  filter,
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	existing := b.subscribers[eventType]
	next := make([]*Subscription, len(existing), len(existing)+1)
	copy(next, existing)
	b.subscribers[eventType] = append(next, sub)

	return sub, nil
}

// Unsubscribe removes a subscription. Idempotent.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	existing := b.subscribers[sub.Type]
	next := make([]*Subscription, 0, len(existing))
	for _, s := range existing {
		if s.ID != sub.ID {
			next = append(next, s)
		}
	}
	if len(next) == 0 {
		delete(b.subscribers, sub.Type)
	} else {
		b.subscribers[sub.Type] = next
	}
}

// Publish delivers the event to every matching subscriber concurrently and
// returns after all handlers have run. Handler panics and errors are
// isolated per handler and counted.
func (b *Bus) Publish(event Event) {
	b.published.Add(1)
	metrics.EventsPublished.WithLabelValues(string(event.Type)).Inc()
	b.record(event)

	b.mu.RLock()
	subs := b.subscribers[event.Type]
	b.mu.RUnlock()

	if len(subs) == 0 {
		return
	}

	var wg sync.WaitGroup
	for _, sub := range subs {
		if sub.filter != nil && !sub.filter(event) {
			continue
		}
		wg.Add(1)
		go func(s *Subscription) {
			defer wg.Done()
			b.deliver(s, event)
		}(sub)
	}
	wg.Wait()
}

func (b *Bus) deliver(sub *Subscription, event Event) {
	defer func() {
		if r := recover(); r != nil {
			b.handlerErrors.Add(1)
			slog.Error("Event handler panicked",
				"event_type", event.Type,
				"subscription_id", sub.ID,
				"panic", r)
		}
	}()

	if err := sub.handler(event); err != nil {
		b.handlerErrors.Add(1)
		slog.Warn("Event handler failed",
			"event_type", event.Type,
			"subscription_id", sub.ID,
			"error", err)
		return
	}
	b.delivered.Add(1)
}

// record appends the event to the bounded ring buffer, evicting the oldest.
func (b *Bus) record(event Event) {
	b.historyMu.Lock()
	defer b.historyMu.Unlock()

	b.history[b.historyPos] = event
	b.historyPos = (b.historyPos + 1) % b.historyCap
	if b.historyLen < b.historyCap {
		b.historyLen++
	}
}

// History returns buffered events, oldest first. An empty eventType matches
// all types; a nil filter matches everything; limit ≤ 0 means no limit.
func (b *Bus) History(eventType EventType, filter Filter, limit int) []Event {
	b.historyMu.Lock()
	defer b.historyMu.Unlock()

	out := make([]Event, 0, b.historyLen)
	start := b.historyPos - b.historyLen
	if start < 0 {
		start += b.historyCap
	}
	for i := 0; i < b.historyLen; i++ {
		e := b.history[(start+i)%b.historyCap]
		if eventType != "" && e.Type != eventType {
			continue
		}
		if filter != nil && !filter(e) {
			continue
		}
		out = append(out, e)
	}

	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}

// Stats returns a snapshot of the bus counters.
func (b *Bus) Stats() Stats {
	b.mu.RLock()
	active := 0
	for _, subs := range b.subscribers {
		active += len(subs)
	}
	b.mu.RUnlock()

	b.historyMu.Lock()
	historySize := b.historyLen
	b.historyMu.Unlock()

	return Stats{
		Published:         b.published.Load(),
		Delivered:         b.delivered.Load(),
		HandlerErrors:     b.handlerErrors.Load(),
		ActiveSubscribers: active,
		HistorySize:       historySize,
	}
}
