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

package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/kadirpekel/gathering/pkg/bus"
	"github.com/kadirpekel/gathering/pkg/config"
)

// fakeConn is an in-memory Conn whose reads block until Close.
type fakeConn struct {
	mu       sync.Mutex
	written  [][]byte
	failNext bool
	closed   chan struct{}
	once     sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{closed: make(chan struct{})}
}

func (c *fakeConn) WriteMessage(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failNext {
		return fmt.Errorf("write refused")
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	c.written = append(c.written, cp)
	return nil
}

func (c *fakeConn) ReadMessage() ([]byte, error) {
	<-c.closed
	return nil, fmt.Errorf("connection closed")
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) messages() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]byte(nil), c.written...)
}

func newHub(t *testing.T) (*Hub, *bus.Bus) {
	t.Helper()
	cfg := config.WSConfig{}
	cfg.SetDefaults()
	b := bus.New(100)
	return NewHub(cfg, b), b
}

func connect(t *testing.T, h *Hub, conn Conn, id string) {
	t.Helper()
	go h.Connect(context.Background(), conn, id)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if h.Stats().ActiveConnections > 0 {
			h.mu.RLock()
			_, ok := h.clients[id]
			h.mu.RUnlock()
			if ok {
				return
			}
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("client %s never registered", id)
}

// A failing client is disconnected; the others still receive the
// broadcast.
func TestHub_BroadcastFaultIsolation(t *testing.T) {
	h, _ := newHub(t)

	conns := []*fakeConn{newFakeConn(), newFakeConn(), newFakeConn()}
	for i, c := range conns {
		connect(t, h, c, fmt.Sprintf("client-%d", i+1))
	}
	conns[1].failNext = true

	h.Broadcast([]byte(`{"type":"task.created"}`))

	if got := len(conns[0].messages()); got != 1 {
		t.Errorf("client 1 received %d messages, want 1", got)
	}
	if got := len(conns[1].messages()); got != 0 {
		t.Errorf("client 2 received %d messages, want 0", got)
	}
	if got := len(conns[2].messages()); got != 1 {
		t.Errorf("client 3 received %d messages, want 1", got)
	}

	stats := h.Stats()
	if stats.ActiveConnections != 2 {
		t.Errorf("ActiveConnections = %d, want 2 after drop", stats.ActiveConnections)
	}

	// Subsequent broadcasts no longer reference the dropped client.
	h.Broadcast([]byte(`{"type":"task.started"}`))
	if got := len(conns[1].messages()); got != 0 {
		t.Errorf("dropped client received %d messages, want 0", got)
	}
	if got := len(conns[0].messages()); got != 2 {
		t.Errorf("client 1 received %d messages, want 2", got)
	}
}

func TestHub_ForwardsBusEvents(t *testing.T) {
	h, b := newHub(t)
	if err := h.Subscribe(); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	defer h.Unsubscribe()

	conn := newFakeConn()
	connect(t, h, conn, "observer")

	b.Publish(bus.NewEvent(bus.BackgroundTaskCompleted, map[string]any{"task_id": int64(7)}).WithAgent("agent-1"))

	msgs := conn.messages()
	if len(msgs) != 1 {
		t.Fatalf("observer received %d messages, want 1", len(msgs))
	}

	var envelope Envelope
	if err := json.Unmarshal(msgs[0], &envelope); err != nil {
		t.Fatalf("invalid envelope: %v", err)
	}
	if envelope.Type != string(bus.BackgroundTaskCompleted) {
		t.Errorf("envelope type = %q, want %q", envelope.Type, bus.BackgroundTaskCompleted)
	}
	if envelope.SourceAgentID != "agent-1" {
		t.Errorf("envelope source_agent_id = %q, want agent-1", envelope.SourceAgentID)
	}
	if envelope.EventID == "" || envelope.Timestamp.IsZero() {
		t.Errorf("envelope missing event id or timestamp: %+v", envelope)
	}
}

func TestHub_PingPong(t *testing.T) {
	h, _ := newHub(t)
	conn := newFakeConn()
	client := &Client{ID: "pinger", conn: conn}

	h.handleClientMessage(client, []byte(`{"type":"ping"}`))

	msgs := conn.messages()
	if len(msgs) != 1 {
		t.Fatalf("got %d replies, want 1 pong", len(msgs))
	}
	var pong struct {
		Type      string    `json:"type"`
		Timestamp time.Time `json:"timestamp"`
	}
	if err := json.Unmarshal(msgs[0], &pong); err != nil {
		t.Fatalf("invalid pong: %v", err)
	}
	if pong.Type != "pong" || pong.Timestamp.IsZero() {
		t.Errorf("pong = %+v, want type pong with timestamp", pong)
	}
}

func TestHub_Stats(t *testing.T) {
	h, _ := newHub(t)

	c1, c2 := newFakeConn(), newFakeConn()
	connect(t, h, c1, "a")
	connect(t, h, c2, "b")

	h.Broadcast([]byte(`{}`))
	h.Disconnect("a")

	stats := h.Stats()
	if stats.ActiveConnections != 1 {
		t.Errorf("ActiveConnections = %d, want 1", stats.ActiveConnections)
	}
	if stats.TotalConnections != 2 {
		t.Errorf("TotalConnections = %d, want 2", stats.TotalConnections)
	}
	if stats.Broadcasts != 1 {
		t.Errorf("Broadcasts = %d, want 1", stats.Broadcasts)
	}
	if stats.MessagesSent != 2 {
		t.Errorf("MessagesSent = %d, want 2", stats.MessagesSent)
	}
}
