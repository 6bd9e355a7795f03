package cmd

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/psantana5/ml-orchestrator/pkg/models"
)

// execute runs mlctl against srv with fresh global state
func execute(t *testing.T, srv *httptest.Server, args ...string) (string, error) {
	t.Helper()
	t.Setenv("HOME", t.TempDir())

	cfgFile, serverURL, apiKey, caFile, outputFormat = "", "", "", "", "table"
	trainFile, trainName, trainAlgorithm, trainTask, trainTarget = "", "", "", "", ""
	trainData, trainQuery, trainValidation, trainExperiment = "", "", "", ""
	trainHyper, trainParams = map[string]string{}, map[string]string{}
	batchFile, batchModel, batchVersion, batchInput = "", "", "", ""
	batchInputQuery, batchOutput, batchOutputPath = "", "", ""
	listState, listModel, listSkip, listTake = "", "", 0, 50
	followStatus, batchFollowStatus = false, false
	predictVersion, predictInput, predictInstances = "", "", nil
	keysHash = false

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	if srv != nil {
		args = append(args, "--server", srv.URL)
	}
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return out.String(), err
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func TestTrainingSubmit(t *testing.T) {
	var got models.TrainingJobRequest
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "POST", r.Method)
		require.Equal(t, "/v1/training-jobs", r.URL.Path)
		auth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		writeJSON(w, http.StatusCreated, models.TrainingJob{
			ID:      "job-1",
			Request: got,
			Status:  models.TrainingJobStatus{State: models.StateQueued, CreatedAt: time.Now()},
		})
	}))
	defer srv.Close()

	out, err := execute(t, srv, "training", "submit",
		"--name", "churn", "--algorithm", "logistic_regression", "--target", "churned",
		"--data", "datasets/churn.jsonl", "--hp", "max_iter=100", "--api-key", "secret")
	require.NoError(t, err)

	assert.Equal(t, "Bearer secret", auth)
	assert.Equal(t, "churn", got.Definition.Name)
	assert.Equal(t, "logistic_regression", got.Definition.Algorithm)
	assert.Equal(t, "churned", got.Definition.Target)
	assert.Equal(t, "datasets/churn.jsonl", got.DataSourceID)
	assert.Equal(t, map[string]string{"max_iter": "100"}, got.Definition.Hyperparameters)
	assert.Contains(t, out, "Training job submitted: job-1")
}

func TestTrainingSubmitRequiresNameAndData(t *testing.T) {
	_, err := execute(t, nil, "training", "submit", "--name", "churn", "--server", "http://127.0.0.1:1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "data source")
}

func TestTrainingListJSON(t *testing.T) {
	var query string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		query = r.URL.RawQuery
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"jobs": []models.TrainingJob{{ID: "a"}, {ID: "b"}},
		})
	}))
	defer srv.Close()

	out, err := execute(t, srv, "training", "list", "--state", "failed", "--take", "5", "-o", "json")
	require.NoError(t, err)

	assert.Contains(t, query, "state=failed")
	assert.Contains(t, query, "take=5")
	var jobs []models.TrainingJob
	require.NoError(t, json.Unmarshal([]byte(out), &jobs))
	assert.Len(t, jobs, 2)
}

func TestCancelNotActive(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/batch-prediction-jobs/j1/cancel", r.URL.Path)
		writeJSON(w, http.StatusConflict, map[string]string{"error": "job is not active"})
	}))
	defer srv.Close()

	out, err := execute(t, srv, "batch", "cancel", "j1")
	require.NoError(t, err)
	assert.Contains(t, out, "not active")
}

func TestAPIErrorMessage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found: job nope"})
	}))
	defer srv.Close()

	_, err := execute(t, srv, "training", "status", "nope")
	require.Error(t, err)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusNotFound, apiErr.StatusCode)
	assert.Equal(t, "not found: job nope", apiErr.Message)
}

func TestBatchStatusFollow(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		state := models.StateProcessing
		if atomic.AddInt32(&calls, 1) >= 3 {
			state = models.StateCompleted
		}
		writeJSON(w, http.StatusOK, models.BatchPredictionJob{
			ID:      "b1",
			Request: models.BatchPredictionRequest{ModelName: "churn"},
			Status:  models.BatchPredictionStatus{State: state},
		})
	}))
	defer srv.Close()

	out, err := execute(t, srv, "batch", "status", "b1", "--follow", "--interval", "1ms")
	require.NoError(t, err)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
	assert.Contains(t, out, "completed")
}

func TestPredict(t *testing.T) {
	var version string
	var body struct {
		Instances []models.Record `json:"instances"`
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/models/churn/predict", r.URL.Path)
		version = r.URL.Query().Get("version")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		preds := make([]models.Record, len(body.Instances))
		for i := range preds {
			preds[i] = models.NewRecord(models.F("prediction", models.IntValue(1)))
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"model_name": "churn", "model_version": "2", "predictions": preds,
		})
	}))
	defer srv.Close()

	rootCmd.SetIn(strings.NewReader("{\"age\": 30}\n{\"age\": 50}\n"))
	defer rootCmd.SetIn(nil)

	out, err := execute(t, srv, "predict", "churn", "--version", "2", "--input", "-",
		"--instance", `{"age": 41}`)
	require.NoError(t, err)

	assert.Equal(t, "2", version)
	assert.Len(t, body.Instances, 3)
	assert.Contains(t, out, "3 scored, 0 failed")
}

func TestPredictWithoutInstances(t *testing.T) {
	_, err := execute(t, nil, "predict", "churn", "--server", "http://127.0.0.1:1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no instances")
}

func TestHealthDegraded(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
			"status": "degraded",
			"checks": map[string]string{"job_store": "ok", "queue": "connection refused"},
		})
	}))
	defer srv.Close()

	out, err := execute(t, srv, "health")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "degraded")
	assert.Contains(t, out, "connection refused")
}

func TestKeysGenerateHash(t *testing.T) {
	out, err := execute(t, nil, "keys", "generate", "--hash")
	require.NoError(t, err)
	assert.Contains(t, out, "key:  ")
	assert.Contains(t, out, "hash: $2")
}

func TestRecommend(t *testing.T) {
	tests := []struct {
		name     string
		cpus     int
		memGB    uint64
		training int
		batch    int
	}{
		{"single core", 1, 2, 1, 1},
		{"memory bound", 16, 4, 4, 2},
		{"large host", 16, 64, 4, 8},
		{"unknown memory", 8, 0, 2, 4},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := recommend(tt.cpus, tt.memGB<<30)
			assert.Equal(t, tt.training, rec.Workers.Training)
			assert.Equal(t, tt.batch, rec.Workers.Batch)
		})
	}
}
