package mlclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/psantana5/ml-orchestrator/pkg/mlops"
	"github.com/psantana5/ml-orchestrator/pkg/models"
	"github.com/psantana5/ml-orchestrator/pkg/retry"
)

var fastRetry = &retry.Config{MaxRetries: 1, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond, Multiplier: 1}

// fakeMLflow is a minimal in-memory tracking server
type fakeMLflow struct {
	mu          sync.Mutex
	experiments map[string]string
	params      map[string]string
	metrics     map[string]float64
	status      string
	batches     int
}

func newFakeMLflow() *fakeMLflow {
	return &fakeMLflow{experiments: map[string]string{}, params: map[string]string{}, metrics: map[string]float64{}}
}

func (f *fakeMLflow) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var body map[string]json.RawMessage
	if r.Method == http.MethodPost {
		_ = json.NewDecoder(r.Body).Decode(&body)
	}
	w.Header().Set("Content-Type", "application/json")

	switch r.URL.Path {
	case mlflowAPI + "/experiments/get-by-name":
		id, ok := f.experiments[r.URL.Query().Get("experiment_name")]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"error_code":"RESOURCE_DOES_NOT_EXIST","message":"no such experiment"}`))
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"experiment": map[string]string{"experiment_id": id}})
	case mlflowAPI + "/experiments/create":
		var name string
		_ = json.Unmarshal(body["name"], &name)
		id := "exp-" + name
		f.experiments[name] = id
		_ = json.NewEncoder(w).Encode(map[string]string{"experiment_id": id})
	case mlflowAPI + "/runs/create":
		_, _ = w.Write([]byte(`{"run":{"info":{"run_id":"run-42"}}}`))
	case mlflowAPI + "/runs/log-batch":
		f.batches++
		var params []mlflowParam
		var metrics []mlflowMetric
		_ = json.Unmarshal(body["params"], &params)
		_ = json.Unmarshal(body["metrics"], &metrics)
		for _, p := range params {
			f.params[p.Key] = p.Value
		}
		for _, m := range metrics {
			f.metrics[m.Key] = m.Value
		}
		_, _ = w.Write([]byte(`{}`))
	case mlflowAPI + "/runs/update":
		_ = json.Unmarshal(body["status"], &f.status)
		_, _ = w.Write([]byte(`{}`))
	default:
		http.NotFound(w, r)
	}
}

func TestTrackerLifecycle(t *testing.T) {
	fake := newFakeMLflow()
	srv := httptest.NewServer(fake)
	defer srv.Close()

	tr := NewTracker(srv.URL, Options{Retry: fastRetry})
	ctx := context.Background()

	expID, err := tr.GetOrCreateExperiment(ctx, "churn")
	require.NoError(t, err)
	assert.Equal(t, "exp-churn", expID)

	again, err := tr.GetOrCreateExperiment(ctx, "churn")
	require.NoError(t, err)
	assert.Equal(t, expID, again)

	runID, err := tr.CreateRun(ctx, expID, "churn-1")
	require.NoError(t, err)
	assert.Equal(t, "run-42", runID)

	params := map[string]string{}
	for i := 0; i < 150; i++ {
		params[string(rune('a'+i%26))+string(rune('A'+i/26))] = "v"
	}
	require.NoError(t, tr.LogParameters(ctx, runID, params))
	require.NoError(t, tr.LogMetrics(ctx, runID, map[string]float64{"rmse": 0.3}))
	require.NoError(t, tr.FinishRun(ctx, runID, mlops.RunFinished))

	fake.mu.Lock()
	defer fake.mu.Unlock()
	assert.Len(t, fake.params, 150)
	assert.Equal(t, 3, fake.batches, "150 params need two batches plus one for metrics")
	assert.Equal(t, 0.3, fake.metrics["rmse"])
	assert.Equal(t, "FINISHED", fake.status)
}

func TestErrorMapping(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   error
	}{
		{"bad request", http.StatusBadRequest, `{"error":"missing field"}`, models.ErrInvalidArgument},
		{"not found", http.StatusNotFound, `{}`, models.ErrNotFound},
		{"unsupported", http.StatusUnprocessableEntity, `{"error":"no such algorithm"}`, models.ErrUnsupported},
		{"server error", http.StatusInternalServerError, `oops`, models.ErrTransientInfra},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			calls := 0
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				calls++
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			_, err := NewTrainer(srv.URL, nil, Options{Retry: fastRetry}).Train(context.Background(),
				models.ModelDefinition{Name: "m"}, nil, nil, mlops.TrainingContext{})
			assert.ErrorIs(t, err, tt.want)
			if tt.want == models.ErrTransientInfra {
				assert.Equal(t, 2, calls, "transient errors are retried")
			} else {
				assert.Equal(t, 1, calls)
			}
		})
	}
}

func TestTrainerRoundTrip(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/train", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))

		var req trainRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Len(t, req.Training, 2)
		assert.Equal(t, "run-1", req.RunID)

		_ = json.NewEncoder(w).Encode(trainResponse{
			Artifact: []byte(`{"kind":"linear","weights":{"x":1}}`),
			Metrics:  map[string]float64{"r2": 0.8},
		})
	}))
	defer srv.Close()

	trainer := NewTrainer(srv.URL, []string{"linear_regression"}, Options{APIKey: "secret"})
	out, err := trainer.Train(context.Background(), models.ModelDefinition{Name: "m", Algorithm: "linear_regression"},
		[]models.Record{
			models.NewRecord(models.F("x", models.IntValue(1))),
			models.NewRecord(models.F("x", models.IntValue(2))),
		}, nil, mlops.TrainingContext{RunID: "run-1"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"kind":"linear","weights":{"x":1}}`, string(out.Artifact))
	assert.Equal(t, 0.8, out.Metrics["r2"])
}

func TestValidateDefinition(t *testing.T) {
	trainer := NewTrainer("http://unused", []string{"linear_regression", "logistic_regression"}, Options{})

	assert.NoError(t, trainer.ValidateDefinition(models.ModelDefinition{Algorithm: "logistic_regression"}))
	assert.Error(t, trainer.ValidateDefinition(models.ModelDefinition{Algorithm: "quantum_forest"}))
	assert.Error(t, trainer.ValidateDefinition(models.ModelDefinition{}))

	open := NewTrainer("http://unused", nil, Options{})
	assert.NoError(t, open.ValidateDefinition(models.ModelDefinition{Algorithm: "anything"}))
}
