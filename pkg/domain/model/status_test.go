package model_test

import (
	"testing"

	"github.com/m-mizutani/gt"

	"github.com/m-mizutani/cibridge/pkg/domain/model"
)

func TestMapExecutionStatus(t *testing.T) {
	tests := []struct {
		name         string
		status       string
		allowFailure bool
		wantStatus   model.CheckStatus
		wantConcl    model.CheckConclusion
		wantState    model.JobState
	}{
		{
			name:       "pending maps to queued",
			status:     "pending",
			wantStatus: model.CheckQueued,
			wantState:  model.StateTriggered,
		},
		{
			name:       "created maps to queued",
			status:     "created",
			wantStatus: model.CheckQueued,
			wantState:  model.StateTriggered,
		},
		{
			name:       "running maps to in_progress",
			status:     "running",
			wantStatus: model.CheckInProgress,
			wantState:  model.StateRunning,
		},
		{
			name:       "success maps to success conclusion",
			status:     "success",
			wantStatus: model.CheckCompleted,
			wantConcl:  model.ConclusionSuccess,
			wantState:  model.StateSucceeded,
		},
		{
			name:       "failed maps to failure conclusion",
			status:     "failed",
			wantStatus: model.CheckCompleted,
			wantConcl:  model.ConclusionFailure,
			wantState:  model.StateFailed,
		},
		{
			name:         "allowed failure maps to neutral conclusion",
			status:       "failed",
			allowFailure: true,
			wantStatus:   model.CheckCompleted,
			wantConcl:    model.ConclusionNeutral,
			wantState:    model.StateFailed,
		},
		{
			name:       "canceled maps to cancelled conclusion",
			status:     "canceled",
			wantStatus: model.CheckCompleted,
			wantConcl:  model.ConclusionCancelled,
			wantState:  model.StateCanceled,
		},
		{
			name:       "skipped maps to neutral conclusion",
			status:     "skipped",
			wantStatus: model.CheckCompleted,
			wantConcl:  model.ConclusionNeutral,
			wantState:  model.StateCanceled,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mapped, err := model.MapExecutionStatus(tt.status, tt.allowFailure)
			gt.NoError(t, err)
			gt.Equal(t, mapped.Status, tt.wantStatus)
			gt.Equal(t, mapped.Conclusion, tt.wantConcl)
			gt.Equal(t, mapped.JobState, tt.wantState)
		})
	}
}

func TestMapExecutionStatus_Unknown(t *testing.T) {
	_, err := model.MapExecutionStatus("exploded", false)
	gt.Error(t, err)
}

func TestJobStateTransitions(t *testing.T) {
	tests := []struct {
		from model.JobState
		to   model.JobState
		want bool
	}{
		{model.StateCreated, model.StateTriggered, true},
		{model.StateCreated, model.StateTriggerFailed, true},
		{model.StateCreated, model.StateTimedOut, true},
		{model.StateCreated, model.StateRunning, false},
		{model.StateTriggered, model.StateRunning, true},
		{model.StateTriggered, model.StateSucceeded, true},
		{model.StateTriggered, model.StateCreated, false},
		{model.StateRunning, model.StateFailed, true},
		{model.StateRunning, model.StateCanceled, true},
		{model.StateRunning, model.StateTriggered, false},
		{model.StateSucceeded, model.StateRunning, false},
		{model.StateFailed, model.StateSucceeded, false},
		{model.StateTimedOut, model.StateRunning, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"_to_"+string(tt.to), func(t *testing.T) {
			gt.Equal(t, tt.from.CanTransition(tt.to), tt.want)
		})
	}
}

func TestJobStateIsTerminal(t *testing.T) {
	terminal := []model.JobState{
		model.StateSucceeded, model.StateFailed, model.StateCanceled,
		model.StateTriggerFailed, model.StateTimedOut,
	}
	for _, s := range terminal {
		gt.True(t, s.IsTerminal())
	}

	live := []model.JobState{model.StateCreated, model.StateTriggered, model.StateRunning}
	for _, s := range live {
		gt.False(t, s.IsTerminal())
	}
}
