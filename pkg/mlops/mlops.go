// Package mlops declares the external collaborators the orchestrators drive:
// the trainer, the experiment tracker, the model registry and the data store.
package mlops

import (
	"context"
	"time"

	"github.com/psantana5/ml-orchestrator/pkg/models"
)

// RunStatus is the final status of an experiment run
type RunStatus string

const (
	RunFinished RunStatus = "FINISHED"
	RunFailed   RunStatus = "FAILED"
	RunKilled   RunStatus = "KILLED"
)

// TrainingContext carries job identity into the trainer
type TrainingContext struct {
	JobID        string
	RunID        string
	ExperimentID string
	Parameters   map[string]string
}

// TrainedModel is what a trainer hands back: the serialized artifact and its metrics.
type TrainedModel struct {
	Artifact []byte
	Metrics  map[string]float64
}

// ModelTrainer fits a model. Calls cannot be interrupted once started.
type ModelTrainer interface {
	Train(ctx context.Context, def models.ModelDefinition, training, validation []models.Record, tc TrainingContext) (*TrainedModel, error)
}

// DefinitionValidator is optionally implemented by trainers that can reject
// a definition up front (unknown algorithm, unsupported task).
type DefinitionValidator interface {
	ValidateDefinition(def models.ModelDefinition) error
}

// ExperimentTracker records runs, parameters and metrics
type ExperimentTracker interface {
	GetOrCreateExperiment(ctx context.Context, name string) (string, error)
	CreateRun(ctx context.Context, experimentID, runName string) (string, error)
	LogParameters(ctx context.Context, runID string, params map[string]string) error
	LogMetrics(ctx context.Context, runID string, metrics map[string]float64) error
	FinishRun(ctx context.Context, runID string, status RunStatus) error
}

// RegisterRequest describes a new model version
type RegisterRequest struct {
	Name         string
	Path         string
	Definition   models.ModelDefinition
	RunID        string
	ExperimentID string
	Metrics      map[string]float64
}

// ModelRegistry stores model metadata and resolves artifact bytes.
// GetMetadata treats an empty version or "latest" as the newest version and
// returns an error wrapping models.ErrNotFound for unknown models.
type ModelRegistry interface {
	Register(ctx context.Context, req RegisterRequest) (models.ModelMetadata, error)
	GetMetadata(ctx context.Context, name, version string) (models.ModelMetadata, error)
	LoadBytes(ctx context.Context, path string) ([]byte, error)
}

// ArtifactStore persists serialized model artifacts and returns their path.
type ArtifactStore interface {
	PutArtifact(ctx context.Context, modelName, runID string, data []byte) (string, error)
	GetArtifact(ctx context.Context, path string) ([]byte, error)
}

// DataStore loads input records and saves result records
type DataStore interface {
	Load(ctx context.Context, sourceID, query string) ([]models.Record, error)
	Save(ctx context.Context, records []models.Record, location, path string) (string, error)
}

// UsageStats summarizes a batch of predictions against one model version
type UsageStats struct {
	Predictions  int
	Errors       int
	AvgLatencyMs float64
	ReportedAt   time.Time
}

// UsageReporter receives usage statistics for served models
type UsageReporter interface {
	ReportUsage(ctx context.Context, modelName, modelVersion string, stats UsageStats) error
}

// Predictor is a loaded model ready to score feature vectors
type Predictor interface {
	Predict(ctx context.Context, input models.FeatureVector) (models.Record, error)
}

// Decoder turns artifact bytes into a Predictor
type Decoder interface {
	Decode(meta models.ModelMetadata, data []byte) (Predictor, error)
}

// ModelProvider resolves a ready-to-use model by name and optional version.
// The model cache implements it.
type ModelProvider interface {
	Get(ctx context.Context, name, version string) (Predictor, models.ModelMetadata, error)
}
