package modelregistry

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/psantana5/ml-orchestrator/pkg/mlops"
	"github.com/psantana5/ml-orchestrator/pkg/models"
)

type memArtifacts struct{ blobs map[string][]byte }

func (m memArtifacts) GetArtifact(ctx context.Context, path string) ([]byte, error) {
	b, ok := m.blobs[path]
	if !ok {
		return nil, models.ErrNotFound
	}
	return b, nil
}

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	db, err := Open(Config{Type: "sqlite", DSN: filepath.Join(t.TempDir(), "models.db")})
	require.NoError(t, err)
	r, err := New(db, memArtifacts{blobs: map[string][]byte{"models/churn/run-1/model.json": []byte("{}")}}, nil)
	require.NoError(t, err)
	return r
}

func register(t *testing.T, r *Registry, name, runID string) models.ModelMetadata {
	t.Helper()
	md, err := r.Register(context.Background(), mlops.RegisterRequest{
		Name: name,
		Path: "models/" + name + "/" + runID + "/model.json",
		Definition: models.ModelDefinition{
			Name:      name,
			Algorithm: "logistic_regression",
			Target:    "churned",
			Features:  []models.Feature{{Name: "tenure", Type: models.FeatureInt}},
		},
		RunID:   runID,
		Metrics: map[string]float64{"auc": 0.91},
	})
	require.NoError(t, err)
	return md
}

func TestRegisterIncrementsVersionPerName(t *testing.T) {
	r := newTestRegistry(t)

	assert.Equal(t, "1", register(t, r, "churn", "run-1").Version)
	assert.Equal(t, "2", register(t, r, "churn", "run-2").Version)
	assert.Equal(t, "1", register(t, r, "fraud", "run-3").Version)
}

func TestRegisterConcurrent(t *testing.T) {
	r := newTestRegistry(t)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := r.Register(context.Background(), mlops.RegisterRequest{Name: "churn", Path: "p"})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	versions, err := r.ListVersions(context.Background(), "churn")
	require.NoError(t, err)
	require.Len(t, versions, 8)
	assert.Equal(t, "8", versions[0].Version)
}

func TestGetMetadata(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()
	register(t, r, "churn", "run-1")
	register(t, r, "churn", "run-2")

	latest, err := r.GetMetadata(ctx, "churn", "")
	require.NoError(t, err)
	assert.Equal(t, "2", latest.Version)
	assert.Equal(t, "run-2", latest.RunID)
	assert.Equal(t, 0.91, latest.Metrics["auc"])
	require.Len(t, latest.Schema.Features, 1)
	assert.Equal(t, models.FeatureInt, latest.Schema.Features[0].Type)

	v1, err := r.GetMetadata(ctx, "churn", "1")
	require.NoError(t, err)
	assert.Equal(t, "run-1", v1.RunID)

	_, err = r.GetMetadata(ctx, "churn", "latest")
	assert.NoError(t, err)

	_, err = r.GetMetadata(ctx, "churn", "9")
	assert.ErrorIs(t, err, models.ErrNotFound)

	_, err = r.GetMetadata(ctx, "ghost", "")
	assert.ErrorIs(t, err, models.ErrNotFound)

	_, err = r.GetMetadata(ctx, "churn", "v2")
	assert.ErrorIs(t, err, models.ErrInvalidArgument)
}

func TestLoadBytes(t *testing.T) {
	r := newTestRegistry(t)
	md := register(t, r, "churn", "run-1")

	data, err := r.LoadBytes(context.Background(), md.Path)
	require.NoError(t, err)
	assert.Equal(t, "{}", string(data))
}

func TestReportUsageAccumulates(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()
	register(t, r, "churn", "run-1")

	require.NoError(t, r.ReportUsage(ctx, "churn", "1", mlops.UsageStats{Predictions: 10, Errors: 1, AvgLatencyMs: 2}))
	require.NoError(t, r.ReportUsage(ctx, "churn", "1", mlops.UsageStats{Predictions: 30, Errors: 0, AvgLatencyMs: 4}))

	mv, err := r.Usage(ctx, "churn", "1")
	require.NoError(t, err)
	assert.Equal(t, int64(40), mv.UsageCount)
	assert.Equal(t, int64(1), mv.ErrorCount)
	assert.InDelta(t, 3.5, mv.AvgLatencyMs, 1e-9)
	assert.NotNil(t, mv.LastUsedAt)

	err = r.ReportUsage(ctx, "churn", "7", mlops.UsageStats{Predictions: 1})
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestOpenUnsupported(t *testing.T) {
	_, err := Open(Config{Type: "oracle"})
	assert.ErrorIs(t, err, models.ErrUnsupported)
}
