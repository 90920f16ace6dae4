package models

import "testing"

func TestPipelineStatusTransitions(t *testing.T) {
	tests := []struct {
		from PipelineStatus
		to   PipelineStatus
		ok   bool
	}{
		{PipelineStatusStarting, PipelineStatusRunning, true},
		{PipelineStatusStarting, PipelineStatusFailed, true},
		{PipelineStatusStarting, PipelineStatusStopped, true},
		{PipelineStatusStarting, PipelineStatusCompleted, false},
		{PipelineStatusRunning, PipelineStatusStopped, true},
		{PipelineStatusRunning, PipelineStatusCompleted, true},
		{PipelineStatusRunning, PipelineStatusStarting, false},
		{PipelineStatusStopped, PipelineStatusRunning, false},
		{PipelineStatusFailed, PipelineStatusRunning, false},
		{PipelineStatusCompleted, PipelineStatusStopped, false},
	}

	for _, tt := range tests {
		if got := tt.from.CanTransition(tt.to); got != tt.ok {
			t.Errorf("%s -> %s: expected %v, got %v", tt.from, tt.to, tt.ok, got)
		}
	}
}

func TestPipelineStatusClasses(t *testing.T) {
	for _, s := range []PipelineStatus{PipelineStatusStarting, PipelineStatusRunning} {
		if !s.IsActive() || s.IsTerminal() {
			t.Errorf("%s should be active and non-terminal", s)
		}
	}
	for _, s := range []PipelineStatus{PipelineStatusStopped, PipelineStatusFailed, PipelineStatusCompleted} {
		if s.IsActive() || !s.IsTerminal() {
			t.Errorf("%s should be terminal and inactive", s)
		}
	}
}
