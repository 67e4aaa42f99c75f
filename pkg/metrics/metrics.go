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

// Package metrics exposes the platform's Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// EventsPublished counts events published on the bus, by type.
	EventsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gathering",
		Subsystem: "bus",
		Name:      "events_published_total",
		Help:      "Events published on the event bus.",
	}, []string{"type"})

	// TasksStarted counts background task loop starts.
	TasksStarted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "gathering",
		Subsystem: "executor",
		Name:      "tasks_started_total",
		Help:      "Background task loops started.",
	})

	// TasksTerminal counts terminal background task transitions, by status.
	TasksTerminal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gathering",
		Subsystem: "executor",
		Name:      "tasks_terminal_total",
		Help:      "Background tasks reaching a terminal status.",
	}, []string{"status"})

	// RunningTasks gauges currently running task loops.
	RunningTasks = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "gathering",
		Subsystem: "executor",
		Name:      "running_tasks",
		Help:      "Background task loops currently running.",
	})

	// ScheduledDispatches counts scheduler dispatches, by trigger source.
	ScheduledDispatches = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gathering",
		Subsystem: "scheduler",
		Name:      "dispatches_total",
		Help:      "Scheduled action dispatches.",
	}, []string{"triggered_by"})

	// PipelineRuns counts pipeline runs reaching a terminal status.
	PipelineRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gathering",
		Subsystem: "pipeline",
		Name:      "runs_total",
		Help:      "Pipeline runs by terminal status.",
	}, []string{"status"})

	// WSMessagesSent counts messages written to websocket clients.
	WSMessagesSent = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "gathering",
		Subsystem: "ws",
		Name:      "messages_sent_total",
		Help:      "Messages written to websocket clients.",
	})

	// WSConnections gauges active websocket connections.
	WSConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "gathering",
		Subsystem: "ws",
		Name:      "active_connections",
		Help:      "Active websocket connections.",
	})
)
