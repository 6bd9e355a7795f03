package store

import (
	"context"
	"errors"
	"time"

	"github.com/psantana5/ml-orchestrator/pkg/models"
)

var (
	ErrJobNotFound         = errors.New("job not found")
	ErrUnsupportedDatabase = errors.New("unsupported database type")
)

// TrainingJobStore persists training job records
type TrainingJobStore interface {
	SaveTrainingJob(ctx context.Context, job *models.TrainingJob) error
	GetTrainingJob(ctx context.Context, id string) (*models.TrainingJob, error)
	GetActiveTrainingJobs(ctx context.Context) ([]*models.TrainingJob, error)
	ListTrainingJobs(ctx context.Context, filter models.JobFilter, skip, take int) ([]*models.TrainingJob, error)
	DeleteTrainingJob(ctx context.Context, id string) error
}

// BatchJobStore persists batch prediction job records
type BatchJobStore interface {
	SaveBatchJob(ctx context.Context, job *models.BatchPredictionJob) error
	GetBatchJob(ctx context.Context, id string) (*models.BatchPredictionJob, error)
	GetActiveBatchJobs(ctx context.Context) ([]*models.BatchPredictionJob, error)
	ListBatchJobs(ctx context.Context, filter models.JobFilter, skip, take int) ([]*models.BatchPredictionJob, error)
	DeleteBatchJob(ctx context.Context, id string) error
}

// Store is the durable source of truth for both job kinds.
// Memory, SQLite and PostgreSQL implement this interface.
type Store interface {
	TrainingJobStore
	BatchJobStore

	// Lifecycle
	Close() error
	HealthCheck() error
}

// Config holds database configuration
type Config struct {
	Type string // "memory", "sqlite" or "postgres"
	DSN  string // Connection string

	// PostgreSQL specific
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration

	// SQLite specific
	Path string
}

// NewStore creates a store based on configuration
func NewStore(config Config) (Store, error) {
	switch config.Type {
	case "memory":
		return NewMemoryStore(), nil
	case "postgres", "postgresql":
		return NewPostgreSQLStore(config)
	case "sqlite", "":
		path := config.Path
		if path == "" {
			path = config.DSN
		}
		if path == "" {
			path = "mlorch.db"
		}
		return NewSQLiteStore(path)
	default:
		return nil, ErrUnsupportedDatabase
	}
}

// pageBounds normalizes skip/take. take <= 0 means no limit.
func pageBounds(n, skip, take int) (int, int) {
	if skip < 0 {
		skip = 0
	}
	if skip > n {
		skip = n
	}
	end := n
	if take > 0 && skip+take < n {
		end = skip + take
	}
	return skip, end
}
