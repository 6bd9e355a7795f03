package mlclient

import (
	"context"
	"fmt"
	"sort"

	"github.com/psantana5/ml-orchestrator/pkg/mlops"
	"github.com/psantana5/ml-orchestrator/pkg/models"
)

// Trainer implements mlops.ModelTrainer by posting data to a training service
type Trainer struct {
	client
	algorithms map[string]bool
}

// NewTrainer creates a trainer client. When algorithms is non-empty,
// definitions naming any other algorithm are rejected before submission.
func NewTrainer(baseURL string, algorithms []string, opts Options) *Trainer {
	t := &Trainer{client: newClient(baseURL, opts), algorithms: map[string]bool{}}
	for _, a := range algorithms {
		t.algorithms[a] = true
	}
	return t
}

type trainRequest struct {
	Definition   models.ModelDefinition `json:"definition"`
	Training     []models.Record        `json:"training"`
	Validation   []models.Record        `json:"validation,omitempty"`
	JobID        string                 `json:"job_id"`
	RunID        string                 `json:"run_id"`
	ExperimentID string                 `json:"experiment_id"`
	Parameters   map[string]string      `json:"parameters,omitempty"`
}

type trainResponse struct {
	Artifact []byte             `json:"artifact"`
	Metrics  map[string]float64 `json:"metrics"`
}

// ValidateDefinition checks the algorithm against the configured allow-list
func (t *Trainer) ValidateDefinition(def models.ModelDefinition) error {
	if def.Algorithm == "" {
		return fmt.Errorf("algorithm is required")
	}
	if len(t.algorithms) > 0 && !t.algorithms[def.Algorithm] {
		known := make([]string, 0, len(t.algorithms))
		for a := range t.algorithms {
			known = append(known, a)
		}
		sort.Strings(known)
		return fmt.Errorf("algorithm %q is not one of %v", def.Algorithm, known)
	}
	return nil
}

// Train blocks until the training service responds
func (t *Trainer) Train(ctx context.Context, def models.ModelDefinition, training, validation []models.Record, tc mlops.TrainingContext) (*mlops.TrainedModel, error) {
	req := trainRequest{
		Definition:   def,
		Training:     training,
		Validation:   validation,
		JobID:        tc.JobID,
		RunID:        tc.RunID,
		ExperimentID: tc.ExperimentID,
		Parameters:   tc.Parameters,
	}
	var resp trainResponse
	if err := t.do(ctx, "POST", "/v1/train", req, &resp); err != nil {
		return nil, err
	}
	return &mlops.TrainedModel{Artifact: resp.Artifact, Metrics: resp.Metrics}, nil
}
