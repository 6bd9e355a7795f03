package mlclient

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"time"

	"github.com/psantana5/ml-orchestrator/pkg/mlops"
	"github.com/psantana5/ml-orchestrator/pkg/models"
)

const (
	mlflowAPI = "/api/2.0/mlflow"

	// log-batch accepts at most this many params per request
	maxParamsPerBatch  = 100
	maxMetricsPerBatch = 1000
)

// Tracker implements mlops.ExperimentTracker against the MLflow REST API
type Tracker struct {
	client
	now func() time.Time
}

// NewTracker creates a tracker for the server at baseURL
func NewTracker(baseURL string, opts Options) *Tracker {
	return &Tracker{client: newClient(baseURL, opts), now: time.Now}
}

type mlflowParam struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

type mlflowMetric struct {
	Key       string  `json:"key"`
	Value     float64 `json:"value"`
	Timestamp int64   `json:"timestamp"`
	Step      int64   `json:"step"`
}

// GetOrCreateExperiment looks the experiment up by name and creates it if absent
func (t *Tracker) GetOrCreateExperiment(ctx context.Context, name string) (string, error) {
	var found struct {
		Experiment struct {
			ExperimentID string `json:"experiment_id"`
		} `json:"experiment"`
	}
	err := t.do(ctx, "GET", mlflowAPI+"/experiments/get-by-name?experiment_name="+url.QueryEscape(name), nil, &found)
	if err == nil {
		return found.Experiment.ExperimentID, nil
	}
	if !errors.Is(err, models.ErrNotFound) {
		return "", fmt.Errorf("failed to look up experiment %q: %w", name, err)
	}

	var created struct {
		ExperimentID string `json:"experiment_id"`
	}
	if err := t.do(ctx, "POST", mlflowAPI+"/experiments/create", map[string]string{"name": name}, &created); err != nil {
		return "", fmt.Errorf("failed to create experiment %q: %w", name, err)
	}
	return created.ExperimentID, nil
}

// CreateRun starts a run in experimentID
func (t *Tracker) CreateRun(ctx context.Context, experimentID, runName string) (string, error) {
	var resp struct {
		Run struct {
			Info struct {
				RunID string `json:"run_id"`
			} `json:"info"`
		} `json:"run"`
	}
	req := map[string]interface{}{
		"experiment_id": experimentID,
		"run_name":      runName,
		"start_time":    t.now().UnixMilli(),
	}
	if err := t.do(ctx, "POST", mlflowAPI+"/runs/create", req, &resp); err != nil {
		return "", fmt.Errorf("failed to create run: %w", err)
	}
	if resp.Run.Info.RunID == "" {
		return "", errors.New("tracking server returned an empty run id")
	}
	return resp.Run.Info.RunID, nil
}

// LogParameters logs params in batches, sorted by key
func (t *Tracker) LogParameters(ctx context.Context, runID string, params map[string]string) error {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for start := 0; start < len(keys); start += maxParamsPerBatch {
		end := min(start+maxParamsPerBatch, len(keys))
		batch := make([]mlflowParam, 0, end-start)
		for _, k := range keys[start:end] {
			batch = append(batch, mlflowParam{Key: k, Value: params[k]})
		}
		if err := t.logBatch(ctx, runID, batch, nil); err != nil {
			return fmt.Errorf("failed to log parameters: %w", err)
		}
	}
	return nil
}

// LogMetrics logs metrics at step 0
func (t *Tracker) LogMetrics(ctx context.Context, runID string, metrics map[string]float64) error {
	keys := make([]string, 0, len(metrics))
	for k := range metrics {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	ts := t.now().UnixMilli()
	for start := 0; start < len(keys); start += maxMetricsPerBatch {
		end := min(start+maxMetricsPerBatch, len(keys))
		batch := make([]mlflowMetric, 0, end-start)
		for _, k := range keys[start:end] {
			batch = append(batch, mlflowMetric{Key: k, Value: metrics[k], Timestamp: ts})
		}
		if err := t.logBatch(ctx, runID, nil, batch); err != nil {
			return fmt.Errorf("failed to log metrics: %w", err)
		}
	}
	return nil
}

func (t *Tracker) logBatch(ctx context.Context, runID string, params []mlflowParam, metrics []mlflowMetric) error {
	req := map[string]interface{}{"run_id": runID}
	if len(params) > 0 {
		req["params"] = params
	}
	if len(metrics) > 0 {
		req["metrics"] = metrics
	}
	return t.do(ctx, "POST", mlflowAPI+"/runs/log-batch", req, nil)
}

// FinishRun sets the terminal status and end time of a run
func (t *Tracker) FinishRun(ctx context.Context, runID string, status mlops.RunStatus) error {
	req := map[string]interface{}{
		"run_id":   runID,
		"status":   string(status),
		"end_time": t.now().UnixMilli(),
	}
	if err := t.do(ctx, "POST", mlflowAPI+"/runs/update", req, nil); err != nil {
		return fmt.Errorf("failed to finish run %s: %w", runID, err)
	}
	return nil
}
