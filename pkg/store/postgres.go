package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/psantana5/ml-orchestrator/pkg/models"
)

// PostgreSQLStore is a PostgreSQL-based implementation of the job store
type PostgreSQLStore struct {
	*sqlJobStore
	db *sql.DB
}

// NewPostgreSQLStore creates a new PostgreSQL store
func NewPostgreSQLStore(config Config) (*PostgreSQLStore, error) {
	dsn := config.DSN
	if dsn == "" {
		return nil, fmt.Errorf("PostgreSQL DSN is required")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	if config.MaxOpenConns > 0 {
		db.SetMaxOpenConns(config.MaxOpenConns)
	} else {
		db.SetMaxOpenConns(25)
	}
	if config.MaxIdleConns > 0 {
		db.SetMaxIdleConns(config.MaxIdleConns)
	} else {
		db.SetMaxIdleConns(5)
	}
	if config.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(config.ConnMaxLifetime)
	} else {
		db.SetConnMaxLifetime(5 * time.Minute)
	}
	if config.ConnMaxIdleTime > 0 {
		db.SetConnMaxIdleTime(config.ConnMaxIdleTime)
	} else {
		db.SetConnMaxIdleTime(1 * time.Minute)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	store := &PostgreSQLStore{
		db: db,
		sqlJobStore: &sqlJobStore{
			db: db,
			dialect: dialect{
				name:        "postgres",
				rebind:      dollarPlaceholders,
				notTerminal: postgresNotTerminal,
			},
		},
	}
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return store, nil
}

func postgresNotTerminal() (string, []interface{}) {
	states := models.TerminalStates()
	names := make([]string, len(states))
	for i, s := range states {
		names[i] = string(s)
	}
	return "state <> ALL(?)", []interface{}{pq.Array(names)}
}

// initSchema creates tables if they don't exist
func (s *PostgreSQLStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS training_jobs (
		id TEXT PRIMARY KEY,
		state TEXT NOT NULL,
		model_name TEXT NOT NULL,
		payload JSONB NOT NULL,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	);

	CREATE TABLE IF NOT EXISTS batch_prediction_jobs (
		id TEXT PRIMARY KEY,
		state TEXT NOT NULL,
		model_name TEXT NOT NULL,
		payload JSONB NOT NULL,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_training_jobs_state ON training_jobs(state);
	CREATE INDEX IF NOT EXISTS idx_training_jobs_created ON training_jobs(created_at DESC);
	CREATE INDEX IF NOT EXISTS idx_batch_jobs_state ON batch_prediction_jobs(state);
	CREATE INDEX IF NOT EXISTS idx_batch_jobs_created ON batch_prediction_jobs(created_at DESC);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection pool
func (s *PostgreSQLStore) Close() error {
	return s.db.Close()
}

// HealthCheck pings the database
func (s *PostgreSQLStore) HealthCheck() error {
	return s.db.Ping()
}
