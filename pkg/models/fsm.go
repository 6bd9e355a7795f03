package models

import (
	"fmt"
)

// Progress checkpoints written when a job enters a state.
const (
	ProgressQueued           = 0
	ProgressPreparingData    = 10
	ProgressTraining         = 30
	ProgressEvaluating       = 70
	ProgressRegisteringModel = 90

	ProgressLoadingData   = 10
	ProgressProcessing    = 30
	ProgressProcessingEnd = 80
	ProgressSavingResults = 90

	ProgressCompleted = 100
)

// trainingTransitions maps from-state to allowed to-states for training jobs
var trainingTransitions = map[JobState]map[JobState]bool{
	StateQueued: {
		StatePreparingData: true,
		StateFailed:        true,
		StateCancelled:     true,
	},
	StatePreparingData: {
		StateTraining:  true,
		StateFailed:    true,
		StateCancelled: true,
	},
	StateTraining: {
		StateEvaluating: true,
		StateFailed:     true,
		StateCancelled:  true,
	},
	StateEvaluating: {
		StateRegisteringModel: true,
		StateFailed:           true,
		StateCancelled:        true,
	},
	StateRegisteringModel: {
		StateCompleted: true,
		StateFailed:    true,
		StateCancelled: true,
	},
	// Terminal states (no transitions allowed)
	StateCompleted: {},
	StateFailed:    {},
	StateCancelled: {},
}

// batchTransitions maps from-state to allowed to-states for batch prediction jobs
var batchTransitions = map[JobState]map[JobState]bool{
	StateQueued: {
		StateLoadingData: true,
		StateFailed:      true,
		StateCancelled:   true,
	},
	StateLoadingData: {
		StateProcessing: true,
		StateFailed:     true,
		StateCancelled:  true,
	},
	StateProcessing: {
		StateSavingResults: true,
		StateFailed:        true,
		StateCancelled:     true,
	},
	StateSavingResults: {
		StateCompleted: true,
		StateFailed:    true,
		StateCancelled: true,
	},
	StateCompleted: {},
	StateFailed:    {},
	StateCancelled: {},
}

// ValidateTrainingTransition checks if a training job may move from one state to another
func ValidateTrainingTransition(from, to JobState) error {
	return validate(trainingTransitions, from, to)
}

// ValidateBatchTransition checks if a batch prediction job may move from one state to another
func ValidateBatchTransition(from, to JobState) error {
	return validate(batchTransitions, from, to)
}

func validate(table map[JobState]map[JobState]bool, from, to JobState) error {
	allowed, exists := table[from]
	if !exists {
		return fmt.Errorf("unknown source state: %s", from)
	}
	if !allowed[to] {
		return fmt.Errorf("invalid transition from %s to %s", from, to)
	}
	return nil
}

// IsTerminalState returns true if the state is terminal (no further transitions)
func IsTerminalState(state JobState) bool {
	return state == StateCompleted || state == StateFailed || state == StateCancelled
}

// TerminalStates lists the states a job never leaves.
func TerminalStates() []JobState {
	return []JobState{StateCompleted, StateFailed, StateCancelled}
}

// BatchProgress maps the number of processed records onto the processing band.
func BatchProgress(processed, total int) int {
	if total <= 0 {
		return ProgressProcessing
	}
	p := ProgressProcessing + processed*(ProgressProcessingEnd-ProgressProcessing)/total
	if p < ProgressProcessing {
		return ProgressProcessing
	}
	if p > ProgressProcessingEnd {
		return ProgressProcessingEnd
	}
	return p
}
