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

// Package ws fans events out to connected WebSocket observers.
//
// Broadcast delivers to every client concurrently; a client whose write
// fails is disconnected and never blocks the others. There is no
// per-client queue: a client too slow to keep up is dropped on the first
// failing write.
package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/kadirpekel/gathering/pkg/bus"
	"github.com/kadirpekel/gathering/pkg/config"
	"github.com/kadirpekel/gathering/pkg/metrics"
)

// forwardedEvents is the whitelist of bus events forwarded to observers.
var forwardedEvents = []bus.EventType{
	bus.AgentStarted, bus.AgentTaskCompleted, bus.AgentToolExecuted,
	bus.MemoryCreated, bus.MemoryShared,
	bus.CircleCreated, bus.CircleMemberAdded,
	bus.ConversationMessage, bus.SystemError,
	bus.TaskCreated, bus.TaskStarted, bus.TaskCompleted, bus.TaskFailed,
	bus.TaskConflictDetected,
	bus.BackgroundTaskCreated, bus.BackgroundTaskStarted, bus.BackgroundTaskStep,
	bus.BackgroundTaskCheckpoint, bus.BackgroundTaskCompleted, bus.BackgroundTaskFailed,
	bus.BackgroundTaskCancelled, bus.BackgroundTaskPaused, bus.BackgroundTaskResumed,
	bus.ScheduledActionTriggered, bus.ScheduledActionStarted, bus.ScheduledActionCompleted,
	bus.ScheduledActionFailed, bus.ScheduledActionPaused, bus.ScheduledActionResumed,
	bus.ScheduledActionExpired,
	bus.PipelineRunStarted, bus.PipelineNodeStarted, bus.PipelineNodeSucceeded,
	bus.PipelineNodeFailed, bus.PipelineNodeSkipped,
	bus.PipelineRunSucceeded, bus.PipelineRunFailed, bus.PipelineRunCancelled,
	bus.PipelineRunTimeout,
}

// Envelope is the outbound wire format.
type Envelope struct {
	Type          string         `json:"type"`
	Data          map[string]any `json:"data"`
	SourceAgentID string         `json:"source_agent_id,omitempty"`
	CircleID      string         `json:"circle_id,omitempty"`
	ProjectID     string         `json:"project_id,omitempty"`
	EventID       string         `json:"event_id"`
	Timestamp     time.Time      `json:"timestamp"`
}

// Conn is the transport a client connection must provide. Satisfied by
// *websocket.Conn via GorillaConn; tests substitute fakes.
type Conn interface {
	WriteMessage(data []byte) error
	ReadMessage() ([]byte, error)
	Close() error
}

// Client is one connected observer.
type Client struct {
	ID   string
	conn Conn

	writeMu sync.Mutex
	closed  atomic.Bool
}

func (c *Client) write(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteMessage(data)
}

// Stats is a point-in-time snapshot of hub counters.
type Stats struct {
	ActiveConnections int   `json:"active_connections"`
	TotalConnections  int64 `json:"total_connections"`
	MessagesSent      int64 `json:"messages_sent"`
	Broadcasts        int64 `json:"broadcasts"`
}

// Hub is the connection registry.
type Hub struct {
	cfg config.WSConfig
	bus *bus.Bus

	mu      sync.RWMutex
	clients map[string]*Client

	total        atomic.Int64
	messagesSent atomic.Int64
	broadcasts   atomic.Int64

	subs []*bus.Subscription
}

// NewHub creates a hub.
func NewHub(cfg config.WSConfig, b *bus.Bus) *Hub {
	return &Hub{
		cfg:     cfg,
		bus:     b,
		clients: make(map[string]*Client),
	}
}

// Subscribe wires the hub to the forwarded event whitelist. Called once
// at startup.
func (h *Hub) Subscribe() error {
	for _, t := range forwardedEvents {
		sub, err := h.bus.Subscribe(t, func(e bus.Event) error {
			h.BroadcastEvent(e)
			return nil
		}, nil)
		if err != nil {
			return err
		}
		h.subs = append(h.subs, sub)
	}
	return nil
}

// Unsubscribe detaches the hub from the bus.
func (h *Hub) Unsubscribe() {
	for _, sub := range h.subs {
		h.bus.Unsubscribe(sub)
	}
	h.subs = nil
}

// Connect registers a connection and blocks serving its read loop until
// the connection closes.
func (h *Hub) Connect(ctx context.Context, conn Conn, clientID string) {
	if clientID == "" {
		clientID = uuid.New().String()
	}
	client := &Client{ID: clientID, conn: conn}

	h.mu.Lock()
	h.clients[clientID] = client
	h.mu.Unlock()
	h.total.Add(1)
	metrics.WSConnections.Inc()

	slog.Debug("WebSocket client connected", "client_id", clientID)
	defer h.Disconnect(clientID)

	for {
		if ctx.Err() != nil {
			return
		}
		data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		h.handleClientMessage(client, data)
	}
}

// Disconnect removes a client and closes its connection. Idempotent.
func (h *Hub) Disconnect(clientID string) {
	h.mu.Lock()
	client, ok := h.clients[clientID]
	if ok {
		delete(h.clients, clientID)
	}
	h.mu.Unlock()

	if !ok || client.closed.Swap(true) {
		return
	}
	metrics.WSConnections.Dec()
	if err := client.conn.Close(); err != nil {
		slog.Debug("WebSocket close failed", "client_id", clientID, "error", err)
	}
	slog.Debug("WebSocket client disconnected", "client_id", clientID)
}

// handleClientMessage answers heartbeats; anything else is ignored.
func (h *Hub) handleClientMessage(client *Client, data []byte) {
	var msg struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &msg); err != nil {
		return
	}
	if msg.Type == "ping" {
		pong, _ := json.Marshal(map[string]any{
			"type":      "pong",
			"timestamp": time.Now().UTC(),
		})
		if err := client.write(pong); err != nil {
			h.Disconnect(client.ID)
		}
	}
}

// BroadcastEvent serializes a bus event into the wire envelope and fans
// it out.
func (h *Hub) BroadcastEvent(e bus.Event) {
	envelope := Envelope{
		Type:          string(e.Type),
		Data:          e.Data,
		SourceAgentID: e.SourceAgentID,
		CircleID:      e.CircleID,
		ProjectID:     e.ProjectID,
		EventID:       e.ID,
		Timestamp:     e.Timestamp,
	}
	data, err := json.Marshal(envelope)
	if err != nil {
		slog.Warn("Failed to encode event envelope", "event_type", e.Type, "error", err)
		return
	}
	h.Broadcast(data)
}

// Broadcast delivers the message to every connected client concurrently.
// A per-client write failure disconnects that client only.
func (h *Hub) Broadcast(data []byte) {
	h.broadcasts.Add(1)

	h.mu.RLock()
	targets := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	var g errgroup.Group
	for _, client := range targets {
		c := client
		g.Go(func() error {
			if err := c.write(data); err != nil {
				slog.Warn("WebSocket send failed, dropping client",
					"client_id", c.ID, "error", err)
				h.Disconnect(c.ID)
				return nil
			}
			h.messagesSent.Add(1)
			metrics.WSMessagesSent.Inc()
			return nil
		})
	}
	_ = g.Wait()
}

// Stats returns a snapshot of hub counters.
func (h *Hub) Stats() Stats {
	h.mu.RLock()
	active := len(h.clients)
	h.mu.RUnlock()

	return Stats{
		ActiveConnections: active,
		TotalConnections:  h.total.Load(),
		MessagesSent:      h.messagesSent.Load(),
		Broadcasts:        h.broadcasts.Load(),
	}
}
