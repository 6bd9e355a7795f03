package store

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/psantana5/ml-orchestrator/pkg/models"
)

// SQLiteStore is a SQLite-based implementation of the job store
type SQLiteStore struct {
	*sqlJobStore
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite store
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	// - _journal_mode=WAL: readers do not block the single writer
	// - _busy_timeout=10000: wait up to 10 seconds when the database is locked
	// - _txlock=immediate: take the write lock at transaction start
	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_busy_timeout=10000&_synchronous=NORMAL&_cache_size=-8000&_txlock=immediate", dbPath)

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Single writer for SQLite to avoid lock contention
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(30 * time.Minute)

	store := &SQLiteStore{
		db: db,
		sqlJobStore: &sqlJobStore{
			db: db,
			dialect: dialect{
				name:        "sqlite",
				rebind:      questionMarks,
				notTerminal: sqliteNotTerminal,
			},
		},
	}
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return store, nil
}

func sqliteNotTerminal() (string, []interface{}) {
	states := models.TerminalStates()
	args := make([]interface{}, len(states))
	for i, s := range states {
		args[i] = string(s)
	}
	return "state NOT IN (?, ?, ?)", args
}

// initSchema creates the database schema
func (s *SQLiteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS training_jobs (
		id TEXT PRIMARY KEY,
		state TEXT NOT NULL,
		model_name TEXT NOT NULL,
		payload TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS batch_prediction_jobs (
		id TEXT PRIMARY KEY,
		state TEXT NOT NULL,
		model_name TEXT NOT NULL,
		payload TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_training_jobs_state ON training_jobs(state);
	CREATE INDEX IF NOT EXISTS idx_training_jobs_created ON training_jobs(created_at);
	CREATE INDEX IF NOT EXISTS idx_batch_jobs_state ON batch_prediction_jobs(state);
	CREATE INDEX IF NOT EXISTS idx_batch_jobs_created ON batch_prediction_jobs(created_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// HealthCheck pings the database
func (s *SQLiteStore) HealthCheck() error {
	return s.db.Ping()
}
