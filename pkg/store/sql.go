package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/psantana5/ml-orchestrator/pkg/models"
)

const (
	trainingTable = "training_jobs"
	batchTable    = "batch_prediction_jobs"
)

// dialect captures the few places SQLite and PostgreSQL differ.
type dialect struct {
	name string
	// rebind rewrites '?' placeholders for the driver
	rebind func(query string) string
	// notTerminal returns a WHERE fragment excluding terminal states
	notTerminal func() (string, []interface{})
}

// sqlJobStore implements the job operations shared by the SQL backends.
// Each job is stored as a JSON payload plus indexed state/model/timestamp columns.
type sqlJobStore struct {
	db      *sql.DB
	dialect dialect
}

type jobRow struct {
	id        string
	state     models.JobState
	modelName string
	payload   interface{}
	createdAt interface{}
	updatedAt interface{}
}

func (s *sqlJobStore) save(ctx context.Context, table string, r jobRow) error {
	payload, err := json.Marshal(r.payload)
	if err != nil {
		return fmt.Errorf("failed to marshal job %s: %w", r.id, err)
	}

	query := fmt.Sprintf(`
		INSERT INTO %s (id, state, model_name, payload, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			state = excluded.state,
			model_name = excluded.model_name,
			payload = excluded.payload,
			updated_at = excluded.updated_at
	`, table)

	_, err = s.db.ExecContext(ctx, s.dialect.rebind(query),
		r.id, string(r.state), r.modelName, string(payload), r.createdAt, r.updatedAt)
	if err != nil {
		return fmt.Errorf("failed to save job %s: %w", r.id, err)
	}
	return nil
}

func (s *sqlJobStore) get(ctx context.Context, table, id string) ([]byte, error) {
	query := fmt.Sprintf(`SELECT payload FROM %s WHERE id = ?`, table)

	var payload []byte
	err := s.db.QueryRowContext(ctx, s.dialect.rebind(query), id).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job %s: %w", id, err)
	}
	return payload, nil
}

func (s *sqlJobStore) active(ctx context.Context, table string) ([][]byte, error) {
	where, args := s.dialect.notTerminal()
	query := fmt.Sprintf(`SELECT payload FROM %s WHERE %s ORDER BY created_at ASC, id ASC`, table, where)
	return s.queryPayloads(ctx, query, args...)
}

func (s *sqlJobStore) list(ctx context.Context, table string, filter models.JobFilter, skip, take int) ([][]byte, error) {
	var (
		conds []string
		args  []interface{}
	)
	if filter.State != "" {
		conds = append(conds, "state = ?")
		args = append(args, string(filter.State))
	}
	if filter.ModelName != "" {
		conds = append(conds, "model_name = ?")
		args = append(args, filter.ModelName)
	}

	query := "SELECT payload FROM " + table
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?"

	if skip < 0 {
		skip = 0
	}
	if take <= 0 {
		take = math.MaxInt32
	}
	args = append(args, take, skip)

	return s.queryPayloads(ctx, query, args...)
}

func (s *sqlJobStore) delete(ctx context.Context, table, id string) error {
	query := fmt.Sprintf(`DELETE FROM %s WHERE id = ?`, table)
	res, err := s.db.ExecContext(ctx, s.dialect.rebind(query), id)
	if err != nil {
		return fmt.Errorf("failed to delete job %s: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrJobNotFound
	}
	return nil
}

func (s *sqlJobStore) queryPayloads(ctx context.Context, query string, args ...interface{}) ([][]byte, error) {
	rows, err := s.db.QueryContext(ctx, s.dialect.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query jobs: %w", err)
	}
	defer rows.Close()

	var payloads [][]byte
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		payloads = append(payloads, payload)
	}
	return payloads, rows.Err()
}

func decodeJobs[T any](payloads [][]byte) ([]*T, error) {
	jobs := make([]*T, 0, len(payloads))
	for _, p := range payloads {
		job := new(T)
		if err := json.Unmarshal(p, job); err != nil {
			return nil, fmt.Errorf("failed to decode job payload: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

func decodeJob[T any](payload []byte) (*T, error) {
	job := new(T)
	if err := json.Unmarshal(payload, job); err != nil {
		return nil, fmt.Errorf("failed to decode job payload: %w", err)
	}
	return job, nil
}

// Training jobs

func (s *sqlJobStore) SaveTrainingJob(ctx context.Context, job *models.TrainingJob) error {
	return s.save(ctx, trainingTable, jobRow{
		id:        job.ID,
		state:     job.Status.State,
		modelName: job.Request.Definition.Name,
		payload:   job,
		createdAt: job.Status.CreatedAt.UTC(),
		updatedAt: job.Status.UpdatedAt.UTC(),
	})
}

func (s *sqlJobStore) GetTrainingJob(ctx context.Context, id string) (*models.TrainingJob, error) {
	payload, err := s.get(ctx, trainingTable, id)
	if err != nil {
		return nil, err
	}
	return decodeJob[models.TrainingJob](payload)
}

func (s *sqlJobStore) GetActiveTrainingJobs(ctx context.Context) ([]*models.TrainingJob, error) {
	payloads, err := s.active(ctx, trainingTable)
	if err != nil {
		return nil, err
	}
	return decodeJobs[models.TrainingJob](payloads)
}

func (s *sqlJobStore) ListTrainingJobs(ctx context.Context, filter models.JobFilter, skip, take int) ([]*models.TrainingJob, error) {
	payloads, err := s.list(ctx, trainingTable, filter, skip, take)
	if err != nil {
		return nil, err
	}
	return decodeJobs[models.TrainingJob](payloads)
}

func (s *sqlJobStore) DeleteTrainingJob(ctx context.Context, id string) error {
	return s.delete(ctx, trainingTable, id)
}

// Batch prediction jobs

func (s *sqlJobStore) SaveBatchJob(ctx context.Context, job *models.BatchPredictionJob) error {
	return s.save(ctx, batchTable, jobRow{
		id:        job.ID,
		state:     job.Status.State,
		modelName: job.Request.ModelName,
		payload:   job,
		createdAt: job.Status.CreatedAt.UTC(),
		updatedAt: job.Status.UpdatedAt.UTC(),
	})
}

func (s *sqlJobStore) GetBatchJob(ctx context.Context, id string) (*models.BatchPredictionJob, error) {
	payload, err := s.get(ctx, batchTable, id)
	if err != nil {
		return nil, err
	}
	return decodeJob[models.BatchPredictionJob](payload)
}

func (s *sqlJobStore) GetActiveBatchJobs(ctx context.Context) ([]*models.BatchPredictionJob, error) {
	payloads, err := s.active(ctx, batchTable)
	if err != nil {
		return nil, err
	}
	return decodeJobs[models.BatchPredictionJob](payloads)
}

func (s *sqlJobStore) ListBatchJobs(ctx context.Context, filter models.JobFilter, skip, take int) ([]*models.BatchPredictionJob, error) {
	payloads, err := s.list(ctx, batchTable, filter, skip, take)
	if err != nil {
		return nil, err
	}
	return decodeJobs[models.BatchPredictionJob](payloads)
}

func (s *sqlJobStore) DeleteBatchJob(ctx context.Context, id string) error {
	return s.delete(ctx, batchTable, id)
}

// Placeholder helpers

func questionMarks(query string) string {
	return query
}

func dollarPlaceholders(query string) string {
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
