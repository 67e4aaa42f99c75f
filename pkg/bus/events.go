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
	"time"

	"github.com/google/uuid"
)

// EventType enumerates the wire contract for bus consumers and the
// WebSocket hub.
type EventType string

const (
	AgentStarted       EventType = "agent.started"
	AgentTaskCompleted EventType = "agent.task.completed"
	AgentToolExecuted  EventType = "agent.tool.executed"

	MemoryCreated EventType = "memory.created"
	MemoryShared  EventType = "memory.shared"

	CircleCreated     EventType = "circle.created"
	CircleMemberAdded EventType = "circle.member.added"

	ConversationMessage EventType = "conversation.message"
	SystemError         EventType = "system.error"

	TaskCreated          EventType = "task.created"
	TaskStarted          EventType = "task.started"
	TaskCompleted        EventType = "task.completed"
	TaskFailed           EventType = "task.failed"
	TaskConflictDetected EventType = "task.conflict.detected"

	BackgroundTaskCreated    EventType = "background_task.created"
	BackgroundTaskStarted    EventType = "background_task.started"
	BackgroundTaskStep       EventType = "background_task.step"
	BackgroundTaskCheckpoint EventType = "background_task.checkpoint"
	BackgroundTaskCompleted  EventType = "background_task.completed"
	BackgroundTaskFailed     EventType = "background_task.failed"
	BackgroundTaskCancelled  EventType = "background_task.cancelled"
	BackgroundTaskPaused     EventType = "background_task.paused"
	BackgroundTaskResumed    EventType = "background_task.resumed"

	ScheduledActionTriggered EventType = "scheduled_action.triggered"
	ScheduledActionStarted   EventType = "scheduled_action.started"
	ScheduledActionCompleted EventType = "scheduled_action.completed"
	ScheduledActionFailed    EventType = "scheduled_action.failed"
	ScheduledActionPaused    EventType = "scheduled_action.paused"
	ScheduledActionResumed   EventType = "scheduled_action.resumed"
	ScheduledActionExpired   EventType = "scheduled_action.expired"

	PipelineRunStarted    EventType = "pipeline.run.started"
	PipelineNodeStarted   EventType = "pipeline.node.started"
	PipelineNodeSucceeded EventType = "pipeline.node.succeeded"
	PipelineNodeFailed    EventType = "pipeline.node.failed"
	PipelineNodeSkipped   EventType = "pipeline.node.skipped"
	PipelineRunSucceeded  EventType = "pipeline.run.succeeded"
	PipelineRunFailed     EventType = "pipeline.run.failed"
	PipelineRunCancelled  EventType = "pipeline.run.cancelled"
	PipelineRunTimeout    EventType = "pipeline.run.timeout"
)

// Event is an immutable message on the bus.
type Event struct {
	ID            string         `json:"event_id"`
	Type          EventType      `json:"type"`
	Timestamp     time.Time      `json:"timestamp"`
	Data          map[string]any `json:"data"`
	SourceAgentID string         `json:"source_agent_id,omitempty"`
	CircleID      string         `json:"circle_id,omitempty"`
	ProjectID     string         `json:"project_id,omitempty"`
}

// NewEvent creates an event with a fresh id and UTC timestamp.
func NewEvent(eventType EventType, data map[string]any) Event {
	if data == nil {
		data = map[string]any{}
	}
	return Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}

// WithAgent returns a copy of the event attributed to an agent.
func (e Event) WithAgent(agentID string) Event {
	e.SourceAgentID = agentID
	return e
}

// WithCircle returns a copy of the event attributed to a circle.
func (e Event) WithCircle(circleID string) Event {
	e.CircleID = circleID
	return e
}
