package models

import "testing"

func TestTaskStatus_CanTransitionTo(t *testing.T) {
	tests := []struct {
		from TaskStatus
		to   TaskStatus
		want bool
	}{
		{TaskPending, TaskRunning, true},
		{TaskPaused, TaskRunning, true},
		{TaskRunning, TaskPaused, true},
		{TaskRunning, TaskCompleted, true},
		{TaskRunning, TaskFailed, true},
		{TaskRunning, TaskCancelled, true},
		{TaskRunning, TaskTimeout, true},

		{TaskPending, TaskCompleted, false},
		{TaskPending, TaskPaused, false},
		{TaskPaused, TaskCompleted, false},
		{TaskCompleted, TaskRunning, false},
		{TaskFailed, TaskRunning, false},
		{TaskCancelled, TaskRunning, false},
		{TaskTimeout, TaskPaused, false},
		{TaskCompleted, TaskFailed, false},
	}
	for _, tt := range tests {
		if got := tt.from.CanTransitionTo(tt.to); got != tt.want {
			t.Errorf("%s -> %s = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestTaskStatus_IsTerminal(t *testing.T) {
	terminal := []TaskStatus{TaskCompleted, TaskFailed, TaskCancelled, TaskTimeout}
	for _, s := range terminal {
		if !s.IsTerminal() {
			t.Errorf("%s.IsTerminal() = false, want true", s)
		}
	}
	for _, s := range []TaskStatus{TaskPending, TaskRunning, TaskPaused} {
		if s.IsTerminal() {
			t.Errorf("%s.IsTerminal() = true, want false", s)
		}
	}
}

func TestNodeState_IsTerminal(t *testing.T) {
	for _, s := range []NodeState{NodeSucceeded, NodeFailed, NodeSkipped} {
		if !s.IsTerminal() {
			t.Errorf("%s.IsTerminal() = false, want true", s)
		}
	}
	for _, s := range []NodeState{NodePending, NodeRunning} {
		if s.IsTerminal() {
			t.Errorf("%s.IsTerminal() = true, want false", s)
		}
	}
}
