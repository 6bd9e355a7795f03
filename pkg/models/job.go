package models

import (
	"time"
)

// JobKind distinguishes the two asynchronous job families.
type JobKind string

const (
	JobKindTraining        JobKind = "training"
	JobKindBatchPrediction JobKind = "batch_prediction"
)

// JobState is the lifecycle state of a training or batch-prediction job
type JobState string

const (
	StateQueued JobState = "queued" // Accepted, waiting for the worker

	// Training pipeline
	StatePreparingData    JobState = "preparing_data"
	StateTraining         JobState = "training"
	StateEvaluating       JobState = "evaluating"
	StateRegisteringModel JobState = "registering_model"

	// Batch prediction pipeline
	StateLoadingData   JobState = "loading_data"
	StateProcessing    JobState = "processing"
	StateSavingResults JobState = "saving_results"

	// Terminal
	StateCompleted JobState = "completed"
	StateFailed    JobState = "failed"
	StateCancelled JobState = "cancelled"
)

// StateTransition records a single state change of a job
type StateTransition struct {
	From      JobState  `json:"from"`
	To        JobState  `json:"to"`
	Timestamp time.Time `json:"timestamp"`
	Reason    string    `json:"reason,omitempty"`
}

// ModelDefinition describes the model a training job should produce.
type ModelDefinition struct {
	Name            string            `json:"name"`
	Algorithm       string            `json:"algorithm"`
	Task            string            `json:"task,omitempty"`
	Target          string            `json:"target,omitempty"`
	Features        []Feature         `json:"features,omitempty"`
	Hyperparameters map[string]string `json:"hyperparameters,omitempty"`
}

// TrainingJobRequest is what a client submits to start training
type TrainingJobRequest struct {
	Definition             ModelDefinition   `json:"definition"`
	DataSourceID           string            `json:"data_source_id"`
	DataQuery              string            `json:"data_query,omitempty"`
	ValidationDataSourceID string            `json:"validation_data_source_id,omitempty"`
	ExperimentName         string            `json:"experiment_name,omitempty"`
	RunName                string            `json:"run_name,omitempty"`
	Parameters             map[string]string `json:"parameters,omitempty"`
}

// TrainingJobStatus is the mutable part of a training job
type TrainingJobStatus struct {
	State        JobState           `json:"state"`
	Progress     int                `json:"progress"`
	CreatedAt    time.Time          `json:"created_at"`
	StartedAt    *time.Time         `json:"started_at,omitempty"`
	CompletedAt  *time.Time         `json:"completed_at,omitempty"`
	UpdatedAt    time.Time          `json:"updated_at"`
	ErrorMessage string             `json:"error_message,omitempty"`
	RunID        string             `json:"run_id,omitempty"`
	ExperimentID string             `json:"experiment_id,omitempty"`
	ModelID      string             `json:"model_id,omitempty"`
	ModelVersion string             `json:"model_version,omitempty"`
	Metrics      map[string]float64 `json:"metrics"`
	Transitions  []StateTransition  `json:"transitions,omitempty"`
}

// TrainingJob represents a queued or running training request
type TrainingJob struct {
	ID      string             `json:"id"`
	Request TrainingJobRequest `json:"request"`
	Status  TrainingJobStatus  `json:"status"`
}

// Clone returns a deep copy so callers never share mutable state with a registry.
func (j *TrainingJob) Clone() *TrainingJob {
	if j == nil {
		return nil
	}
	c := *j
	c.Request.Definition.Features = append([]Feature(nil), j.Request.Definition.Features...)
	c.Request.Definition.Hyperparameters = cloneStrings(j.Request.Definition.Hyperparameters)
	c.Request.Parameters = cloneStrings(j.Request.Parameters)
	c.Status.StartedAt = cloneTime(j.Status.StartedAt)
	c.Status.CompletedAt = cloneTime(j.Status.CompletedAt)
	c.Status.Transitions = append([]StateTransition(nil), j.Status.Transitions...)
	if j.Status.Metrics != nil {
		c.Status.Metrics = make(map[string]float64, len(j.Status.Metrics))
		for k, v := range j.Status.Metrics {
			c.Status.Metrics[k] = v
		}
	}
	return &c
}

// BatchPredictionRequest is what a client submits to score a dataset
type BatchPredictionRequest struct {
	ModelName      string `json:"model_name"`
	ModelVersion   string `json:"model_version,omitempty"`
	InputLocation  string `json:"input_location"`
	InputQuery     string `json:"input_query,omitempty"`
	OutputLocation string `json:"output_location"`
	OutputPath     string `json:"output_path,omitempty"`
}

// BatchStats counts per-record outcomes of a batch job
type BatchStats struct {
	TotalRecords            int     `json:"total_records"`
	SuccessfulRecords       int     `json:"successful_records"`
	FailedRecords           int     `json:"failed_records"`
	AverageProcessingTimeMs float64 `json:"average_processing_time_ms"`
}

// BatchPredictionStatus is the mutable part of a batch prediction job
type BatchPredictionStatus struct {
	State                JobState          `json:"state"`
	Progress             int               `json:"progress"`
	Stats                BatchStats        `json:"stats"`
	CreatedAt            time.Time         `json:"created_at"`
	StartedAt            *time.Time        `json:"started_at,omitempty"`
	CompletedAt          *time.Time        `json:"completed_at,omitempty"`
	UpdatedAt            time.Time         `json:"updated_at"`
	ErrorMessage         string            `json:"error_message,omitempty"`
	ResolvedModelVersion string            `json:"resolved_model_version,omitempty"`
	OutputPath           string            `json:"output_path,omitempty"`
	Transitions          []StateTransition `json:"transitions,omitempty"`
}

// BatchPredictionJob represents a queued or running batch scoring request
type BatchPredictionJob struct {
	ID      string                 `json:"id"`
	Request BatchPredictionRequest `json:"request"`
	Status  BatchPredictionStatus  `json:"status"`
}

// Clone returns a deep copy of the job.
func (j *BatchPredictionJob) Clone() *BatchPredictionJob {
	if j == nil {
		return nil
	}
	c := *j
	c.Status.StartedAt = cloneTime(j.Status.StartedAt)
	c.Status.CompletedAt = cloneTime(j.Status.CompletedAt)
	c.Status.Transitions = append([]StateTransition(nil), j.Status.Transitions...)
	return &c
}

// JobFilter narrows List results. Empty fields match everything.
type JobFilter struct {
	State     JobState `json:"state,omitempty"`
	ModelName string   `json:"model_name,omitempty"`
}

// ModelMetadata describes a registered model version
type ModelMetadata struct {
	ID           string             `json:"id"`
	Name         string             `json:"name"`
	Version      string             `json:"version"`
	Path         string             `json:"path"`
	Algorithm    string             `json:"algorithm"`
	Target       string             `json:"target,omitempty"`
	Schema       Schema             `json:"schema"`
	RunID        string             `json:"run_id,omitempty"`
	ExperimentID string             `json:"experiment_id,omitempty"`
	Metrics      map[string]float64 `json:"metrics,omitempty"`
	CreatedAt    time.Time          `json:"created_at"`
}

func cloneStrings(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
