package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/psantana5/ml-orchestrator/pkg/models"
)

func newTrainingJob(id, model string, state models.JobState, created time.Time) *models.TrainingJob {
	return &models.TrainingJob{
		ID: id,
		Request: models.TrainingJobRequest{
			Definition:   models.ModelDefinition{Name: model, Algorithm: "linear"},
			DataSourceID: "data/train.jsonl",
			Parameters:   map[string]string{"seed": "7"},
		},
		Status: models.TrainingJobStatus{
			State:     state,
			CreatedAt: created,
			UpdatedAt: created,
			Metrics:   map[string]float64{},
		},
	}
}

func newBatchJob(id, model string, state models.JobState, created time.Time) *models.BatchPredictionJob {
	return &models.BatchPredictionJob{
		ID: id,
		Request: models.BatchPredictionRequest{
			ModelName:      model,
			InputLocation:  "input/records.jsonl",
			OutputLocation: "results",
		},
		Status: models.BatchPredictionStatus{
			State:     state,
			CreatedAt: created,
			UpdatedAt: created,
		},
	}
}

// runStoreSuite exercises the behaviour every Store implementation must share.
func runStoreSuite(t *testing.T, s Store) {
	ctx := context.Background()
	base := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)

	t.Run("training save and get", func(t *testing.T) {
		job := newTrainingJob("t-1", "churn", models.StateQueued, base)
		if err := s.SaveTrainingJob(ctx, job); err != nil {
			t.Fatalf("SaveTrainingJob failed: %v", err)
		}

		got, err := s.GetTrainingJob(ctx, "t-1")
		if err != nil {
			t.Fatalf("GetTrainingJob failed: %v", err)
		}
		if got.Request.Definition.Name != "churn" || got.Status.State != models.StateQueued {
			t.Errorf("unexpected job: %+v", got)
		}
		if got.Request.Parameters["seed"] != "7" {
			t.Errorf("parameters not persisted: %v", got.Request.Parameters)
		}
	})

	t.Run("training save overwrites", func(t *testing.T) {
		job := newTrainingJob("t-1", "churn", models.StateTraining, base)
		job.Status.Progress = 30
		job.Status.Metrics["rmse"] = 0.25
		if err := s.SaveTrainingJob(ctx, job); err != nil {
			t.Fatalf("SaveTrainingJob failed: %v", err)
		}

		got, err := s.GetTrainingJob(ctx, "t-1")
		if err != nil {
			t.Fatalf("GetTrainingJob failed: %v", err)
		}
		if got.Status.State != models.StateTraining || got.Status.Progress != 30 {
			t.Errorf("update not persisted: %+v", got.Status)
		}
		if got.Status.Metrics["rmse"] != 0.25 {
			t.Errorf("metrics not persisted: %v", got.Status.Metrics)
		}
	})

	t.Run("training missing", func(t *testing.T) {
		if _, err := s.GetTrainingJob(ctx, "nope"); !errors.Is(err, ErrJobNotFound) {
			t.Errorf("expected ErrJobNotFound, got %v", err)
		}
	})

	t.Run("training active and list", func(t *testing.T) {
		jobs := []*models.TrainingJob{
			newTrainingJob("t-2", "churn", models.StateCompleted, base.Add(1*time.Minute)),
			newTrainingJob("t-3", "fraud", models.StateQueued, base.Add(2*time.Minute)),
			newTrainingJob("t-4", "fraud", models.StateFailed, base.Add(3*time.Minute)),
		}
		for _, j := range jobs {
			if err := s.SaveTrainingJob(ctx, j); err != nil {
				t.Fatalf("SaveTrainingJob failed: %v", err)
			}
		}

		active, err := s.GetActiveTrainingJobs(ctx)
		if err != nil {
			t.Fatalf("GetActiveTrainingJobs failed: %v", err)
		}
		if len(active) != 2 {
			t.Fatalf("expected 2 active jobs, got %d", len(active))
		}
		if active[0].ID != "t-1" || active[1].ID != "t-3" {
			t.Errorf("active jobs not oldest first: %s, %s", active[0].ID, active[1].ID)
		}

		all, err := s.ListTrainingJobs(ctx, models.JobFilter{}, 0, 0)
		if err != nil {
			t.Fatalf("ListTrainingJobs failed: %v", err)
		}
		want := []string{"t-4", "t-3", "t-2", "t-1"}
		if len(all) != len(want) {
			t.Fatalf("expected %d jobs, got %d", len(want), len(all))
		}
		for i, id := range want {
			if all[i].ID != id {
				t.Errorf("position %d: got %s, want %s", i, all[i].ID, id)
			}
		}

		page, err := s.ListTrainingJobs(ctx, models.JobFilter{}, 1, 2)
		if err != nil {
			t.Fatalf("ListTrainingJobs failed: %v", err)
		}
		if len(page) != 2 || page[0].ID != "t-3" || page[1].ID != "t-2" {
			t.Errorf("unexpected page: %v", ids(page))
		}

		fraud, err := s.ListTrainingJobs(ctx, models.JobFilter{ModelName: "fraud", State: models.StateFailed}, 0, 10)
		if err != nil {
			t.Fatalf("ListTrainingJobs failed: %v", err)
		}
		if len(fraud) != 1 || fraud[0].ID != "t-4" {
			t.Errorf("filter returned %v", ids(fraud))
		}
	})

	t.Run("training delete", func(t *testing.T) {
		if err := s.DeleteTrainingJob(ctx, "t-2"); err != nil {
			t.Fatalf("DeleteTrainingJob failed: %v", err)
		}
		if _, err := s.GetTrainingJob(ctx, "t-2"); !errors.Is(err, ErrJobNotFound) {
			t.Errorf("job still present after delete: %v", err)
		}
		if err := s.DeleteTrainingJob(ctx, "t-2"); !errors.Is(err, ErrJobNotFound) {
			t.Errorf("second delete: expected ErrJobNotFound, got %v", err)
		}
	})

	t.Run("batch lifecycle", func(t *testing.T) {
		queued := newBatchJob("b-1", "churn", models.StateQueued, base)
		running := newBatchJob("b-2", "churn", models.StateProcessing, base.Add(time.Minute))
		done := newBatchJob("b-3", "churn", models.StateCompleted, base.Add(2*time.Minute))
		done.Status.Stats = models.BatchStats{TotalRecords: 10, SuccessfulRecords: 9, FailedRecords: 1}

		for _, j := range []*models.BatchPredictionJob{queued, running, done} {
			if err := s.SaveBatchJob(ctx, j); err != nil {
				t.Fatalf("SaveBatchJob failed: %v", err)
			}
		}

		got, err := s.GetBatchJob(ctx, "b-3")
		if err != nil {
			t.Fatalf("GetBatchJob failed: %v", err)
		}
		if got.Status.Stats.FailedRecords != 1 {
			t.Errorf("stats not persisted: %+v", got.Status.Stats)
		}

		active, err := s.GetActiveBatchJobs(ctx)
		if err != nil {
			t.Fatalf("GetActiveBatchJobs failed: %v", err)
		}
		if len(active) != 2 {
			t.Errorf("expected 2 active batch jobs, got %d", len(active))
		}

		list, err := s.ListBatchJobs(ctx, models.JobFilter{}, 0, 1)
		if err != nil {
			t.Fatalf("ListBatchJobs failed: %v", err)
		}
		if len(list) != 1 || list[0].ID != "b-3" {
			t.Errorf("expected newest batch job first")
		}

		if err := s.DeleteBatchJob(ctx, "b-1"); err != nil {
			t.Fatalf("DeleteBatchJob failed: %v", err)
		}
		if _, err := s.GetBatchJob(ctx, "b-1"); !errors.Is(err, ErrJobNotFound) {
			t.Errorf("expected ErrJobNotFound after delete, got %v", err)
		}
	})

	if err := s.HealthCheck(); err != nil {
		t.Errorf("HealthCheck failed: %v", err)
	}
}

func ids(jobs []*models.TrainingJob) []string {
	out := make([]string, len(jobs))
	for i, j := range jobs {
		out[i] = j.ID
	}
	return out
}

func TestMemoryStore(t *testing.T) {
	runStoreSuite(t, NewMemoryStore())
}

func TestMemoryStoreReturnsCopies(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	job := newTrainingJob("t-1", "churn", models.StateQueued, time.Now())
	if err := s.SaveTrainingJob(ctx, job); err != nil {
		t.Fatalf("SaveTrainingJob failed: %v", err)
	}
	job.Status.State = models.StateFailed

	got, _ := s.GetTrainingJob(ctx, "t-1")
	if got.Status.State != models.StateQueued {
		t.Errorf("store shares memory with caller")
	}
}

func TestSQLiteStore(t *testing.T) {
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "jobs.db"))
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	defer s.Close()

	runStoreSuite(t, s)
}

// TestSQLiteConcurrentSaves checks that concurrent checkpoints don't hit SQLITE_BUSY
func TestSQLiteConcurrentSaves(t *testing.T) {
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "concurrent.db"))
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	defer s.Close()

	ctx := context.Background()
	numJobs := 20
	var wg sync.WaitGroup
	errs := make(chan error, numJobs)

	for i := 0; i < numJobs; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			job := newTrainingJob(fmt.Sprintf("job-%d", idx), "churn", models.StateQueued, time.Now())
			if err := s.SaveTrainingJob(ctx, job); err != nil {
				errs <- err
			}
		}(i)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		t.Errorf("concurrent save failed: %v", err)
	}

	jobs, err := s.ListTrainingJobs(ctx, models.JobFilter{}, 0, 0)
	if err != nil {
		t.Fatalf("ListTrainingJobs failed: %v", err)
	}
	if len(jobs) != numJobs {
		t.Errorf("expected %d jobs, got %d", numJobs, len(jobs))
	}
}

func TestPostgreSQLStore(t *testing.T) {
	dsn := os.Getenv("DATABASE_DSN")
	if dsn == "" {
		t.Skip("Skipping PostgreSQL integration test: DATABASE_DSN not set")
	}

	s, err := NewPostgreSQLStore(Config{Type: "postgres", DSN: dsn})
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	defer s.Close()

	for _, table := range []string{trainingTable, batchTable} {
		if _, err := s.db.Exec("DELETE FROM " + table); err != nil {
			t.Fatalf("Failed to clean %s: %v", table, err)
		}
	}

	runStoreSuite(t, s)
}

func TestDollarPlaceholders(t *testing.T) {
	got := dollarPlaceholders("SELECT * FROM t WHERE a = ? AND b = ? LIMIT ?")
	want := "SELECT * FROM t WHERE a = $1 AND b = $2 LIMIT $3"
	if got != want {
		t.Errorf("dollarPlaceholders = %q, want %q", got, want)
	}
}

func TestNewStoreUnsupported(t *testing.T) {
	if _, err := NewStore(Config{Type: "mongo"}); !errors.Is(err, ErrUnsupportedDatabase) {
		t.Errorf("expected ErrUnsupportedDatabase, got %v", err)
	}
}
