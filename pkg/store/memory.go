package store

import (
	"context"
	"sort"
	"sync"

	"github.com/psantana5/ml-orchestrator/pkg/models"
)

// MemoryStore is an in-memory implementation of the job store.
// Records are cloned on the way in and out.
type MemoryStore struct {
	training   map[string]*models.TrainingJob
	batch      map[string]*models.BatchPredictionJob
	trainingMu sync.RWMutex
	batchMu    sync.RWMutex
}

// NewMemoryStore creates a new in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		training: make(map[string]*models.TrainingJob),
		batch:    make(map[string]*models.BatchPredictionJob),
	}
}

// Training jobs

func (s *MemoryStore) SaveTrainingJob(ctx context.Context, job *models.TrainingJob) error {
	s.trainingMu.Lock()
	defer s.trainingMu.Unlock()

	s.training[job.ID] = job.Clone()
	return nil
}

func (s *MemoryStore) GetTrainingJob(ctx context.Context, id string) (*models.TrainingJob, error) {
	s.trainingMu.RLock()
	defer s.trainingMu.RUnlock()

	job, ok := s.training[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	return job.Clone(), nil
}

func (s *MemoryStore) GetActiveTrainingJobs(ctx context.Context) ([]*models.TrainingJob, error) {
	s.trainingMu.RLock()
	defer s.trainingMu.RUnlock()

	var jobs []*models.TrainingJob
	for _, job := range s.training {
		if !models.IsTerminalState(job.Status.State) {
			jobs = append(jobs, job.Clone())
		}
	}
	sortTrainingOldestFirst(jobs)
	return jobs, nil
}

func (s *MemoryStore) ListTrainingJobs(ctx context.Context, filter models.JobFilter, skip, take int) ([]*models.TrainingJob, error) {
	s.trainingMu.RLock()
	var jobs []*models.TrainingJob
	for _, job := range s.training {
		if filter.State != "" && job.Status.State != filter.State {
			continue
		}
		if filter.ModelName != "" && job.Request.Definition.Name != filter.ModelName {
			continue
		}
		jobs = append(jobs, job.Clone())
	}
	s.trainingMu.RUnlock()

	sort.Slice(jobs, func(i, j int) bool {
		a, b := jobs[i].Status.CreatedAt, jobs[j].Status.CreatedAt
		if a.Equal(b) {
			return jobs[i].ID > jobs[j].ID
		}
		return a.After(b)
	})
	lo, hi := pageBounds(len(jobs), skip, take)
	return jobs[lo:hi], nil
}

func (s *MemoryStore) DeleteTrainingJob(ctx context.Context, id string) error {
	s.trainingMu.Lock()
	defer s.trainingMu.Unlock()

	if _, ok := s.training[id]; !ok {
		return ErrJobNotFound
	}
	delete(s.training, id)
	return nil
}

// Batch prediction jobs

func (s *MemoryStore) SaveBatchJob(ctx context.Context, job *models.BatchPredictionJob) error {
	s.batchMu.Lock()
	defer s.batchMu.Unlock()

	s.batch[job.ID] = job.Clone()
	return nil
}

func (s *MemoryStore) GetBatchJob(ctx context.Context, id string) (*models.BatchPredictionJob, error) {
	s.batchMu.RLock()
	defer s.batchMu.RUnlock()

	job, ok := s.batch[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	return job.Clone(), nil
}

func (s *MemoryStore) GetActiveBatchJobs(ctx context.Context) ([]*models.BatchPredictionJob, error) {
	s.batchMu.RLock()
	defer s.batchMu.RUnlock()

	var jobs []*models.BatchPredictionJob
	for _, job := range s.batch {
		if !models.IsTerminalState(job.Status.State) {
			jobs = append(jobs, job.Clone())
		}
	}
	sort.Slice(jobs, func(i, j int) bool {
		return jobs[i].Status.CreatedAt.Before(jobs[j].Status.CreatedAt)
	})
	return jobs, nil
}

func (s *MemoryStore) ListBatchJobs(ctx context.Context, filter models.JobFilter, skip, take int) ([]*models.BatchPredictionJob, error) {
	s.batchMu.RLock()
	var jobs []*models.BatchPredictionJob
	for _, job := range s.batch {
		if filter.State != "" && job.Status.State != filter.State {
			continue
		}
		if filter.ModelName != "" && job.Request.ModelName != filter.ModelName {
			continue
		}
		jobs = append(jobs, job.Clone())
	}
	s.batchMu.RUnlock()

	sort.Slice(jobs, func(i, j int) bool {
		a, b := jobs[i].Status.CreatedAt, jobs[j].Status.CreatedAt
		if a.Equal(b) {
			return jobs[i].ID > jobs[j].ID
		}
		return a.After(b)
	})
	lo, hi := pageBounds(len(jobs), skip, take)
	return jobs[lo:hi], nil
}

func (s *MemoryStore) DeleteBatchJob(ctx context.Context, id string) error {
	s.batchMu.Lock()
	defer s.batchMu.Unlock()

	if _, ok := s.batch[id]; !ok {
		return ErrJobNotFound
	}
	delete(s.batch, id)
	return nil
}

// Close is a no-op for the memory store
func (s *MemoryStore) Close() error {
	return nil
}

// HealthCheck always succeeds for the memory store
func (s *MemoryStore) HealthCheck() error {
	return nil
}

func sortTrainingOldestFirst(jobs []*models.TrainingJob) {
	sort.Slice(jobs, func(i, j int) bool {
		return jobs[i].Status.CreatedAt.Before(jobs[j].Status.CreatedAt)
	})
}
