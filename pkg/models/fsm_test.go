package models

import (
	"testing"
)

func TestValidateTrainingTransition(t *testing.T) {
	tests := []struct {
		name    string
		from    JobState
		to      JobState
		wantErr bool
	}{
		// Valid transitions
		{"Queued to PreparingData", StateQueued, StatePreparingData, false},
		{"PreparingData to Training", StatePreparingData, StateTraining, false},
		{"Training to Evaluating", StateTraining, StateEvaluating, false},
		{"Evaluating to RegisteringModel", StateEvaluating, StateRegisteringModel, false},
		{"RegisteringModel to Completed", StateRegisteringModel, StateCompleted, false},
		{"Queued to Cancelled", StateQueued, StateCancelled, false},
		{"Training to Failed", StateTraining, StateFailed, false},
		{"Evaluating to Cancelled", StateEvaluating, StateCancelled, false},

		// Invalid transitions
		{"Queued to Training", StateQueued, StateTraining, true},
		{"Training to PreparingData", StateTraining, StatePreparingData, true},
		{"Queued to Completed", StateQueued, StateCompleted, true},
		{"Completed to Failed", StateCompleted, StateFailed, true},
		{"Cancelled to Queued", StateCancelled, StateQueued, true},
		{"Failed to Cancelled", StateFailed, StateCancelled, true},
		{"Queued to batch state", StateQueued, StateLoadingData, true},
		{"Unknown source", JobState("bogus"), StateFailed, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateTrainingTransition(tt.from, tt.to)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateTrainingTransition(%v, %v) error = %v, wantErr %v",
					tt.from, tt.to, err, tt.wantErr)
			}
		})
	}
}

func TestValidateBatchTransition(t *testing.T) {
	tests := []struct {
		name    string
		from    JobState
		to      JobState
		wantErr bool
	}{
		{"Queued to LoadingData", StateQueued, StateLoadingData, false},
		{"LoadingData to Processing", StateLoadingData, StateProcessing, false},
		{"Processing to SavingResults", StateProcessing, StateSavingResults, false},
		{"SavingResults to Completed", StateSavingResults, StateCompleted, false},
		{"LoadingData to Failed", StateLoadingData, StateFailed, false},
		{"Processing to Cancelled", StateProcessing, StateCancelled, false},

		{"Queued to Processing", StateQueued, StateProcessing, true},
		{"Processing to Completed", StateProcessing, StateCompleted, true},
		{"Completed to Processing", StateCompleted, StateProcessing, true},
		{"Queued to training state", StateQueued, StatePreparingData, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateBatchTransition(tt.from, tt.to)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateBatchTransition(%v, %v) error = %v, wantErr %v",
					tt.from, tt.to, err, tt.wantErr)
			}
		})
	}
}

func TestIsTerminalState(t *testing.T) {
	tests := []struct {
		state    JobState
		expected bool
	}{
		{StateCompleted, true},
		{StateFailed, true},
		{StateCancelled, true},
		{StateQueued, false},
		{StateTraining, false},
		{StateProcessing, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.state), func(t *testing.T) {
			if got := IsTerminalState(tt.state); got != tt.expected {
				t.Errorf("IsTerminalState(%v) = %v, want %v", tt.state, got, tt.expected)
			}
		})
	}
}

func TestBatchProgress(t *testing.T) {
	tests := []struct {
		processed, total int
		want             int
	}{
		{0, 10, 30},
		{1, 10, 35},
		{5, 10, 55},
		{10, 10, 80},
		{12, 10, 80},
		{3, 0, 30},
		{1, 1000, 30},
	}

	for _, tt := range tests {
		if got := BatchProgress(tt.processed, tt.total); got != tt.want {
			t.Errorf("BatchProgress(%d, %d) = %d, want %d", tt.processed, tt.total, got, tt.want)
		}
	}
}

func TestTrainingJobCloneIsDeep(t *testing.T) {
	job := &TrainingJob{
		ID: "job-1",
		Status: TrainingJobStatus{
			State:   StateQueued,
			Metrics: map[string]float64{"rmse": 1.5},
		},
	}

	c := job.Clone()
	c.Status.Metrics["rmse"] = 9
	c.Status.State = StateFailed

	if job.Status.Metrics["rmse"] != 1.5 {
		t.Errorf("clone shares metrics map with original")
	}
	if job.Status.State != StateQueued {
		t.Errorf("clone shares status with original")
	}
}
