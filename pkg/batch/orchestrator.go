// Package batch scores whole datasets against a registered model on a
// background worker.
package batch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/psantana5/ml-orchestrator/pkg/inference"
	"github.com/psantana5/ml-orchestrator/pkg/logging"
	"github.com/psantana5/ml-orchestrator/pkg/metrics"
	"github.com/psantana5/ml-orchestrator/pkg/mlops"
	"github.com/psantana5/ml-orchestrator/pkg/models"
	"github.com/psantana5/ml-orchestrator/pkg/queue"
	"github.com/psantana5/ml-orchestrator/pkg/registry"
	"github.com/psantana5/ml-orchestrator/pkg/retry"
	"github.com/psantana5/ml-orchestrator/pkg/store"
	"github.com/psantana5/ml-orchestrator/pkg/tracing"
)

const kind = string(models.JobKindBatchPrediction)

// NoInputMessage is the error message of a job whose input location is empty
const NoInputMessage = "No input data found"

var (
	errAlreadyTerminal = errors.New("job already in terminal state")
	errNoInputData     = errors.New(NoInputMessage)
)

// Dependencies wires an Orchestrator to its collaborators
type Dependencies struct {
	Store  store.BatchJobStore
	Queue  queue.Queue
	Models mlops.ModelProvider
	Data   mlops.DataStore
	// Usage is optional
	Usage mlops.UsageReporter

	Logger  *logging.Logger
	Metrics *metrics.Collector

	CheckpointRetry *retry.Config
	Now             func() time.Time
}

// Orchestrator owns batch job creation, cancellation and execution.
// Cancellation is checked only when a job changes state; a dataset that is
// already being scored is scored to the end of the processing step.
type Orchestrator struct {
	store  store.BatchJobStore
	queue  queue.Queue
	models mlops.ModelProvider
	data   mlops.DataStore
	usage  mlops.UsageReporter

	jobs      *registry.Registry[*models.BatchPredictionJob]
	persistMu sync.Mutex

	logger   *logging.Logger
	metrics  *metrics.Collector
	retryCfg retry.Config
	now      func() time.Time
	tracer   trace.Tracer
}

func NewOrchestrator(deps Dependencies) (*Orchestrator, error) {
	switch {
	case deps.Store == nil:
		return nil, errors.New("batch: store is required")
	case deps.Queue == nil:
		return nil, errors.New("batch: queue is required")
	case deps.Models == nil:
		return nil, errors.New("batch: model provider is required")
	case deps.Data == nil:
		return nil, errors.New("batch: data store is required")
	}

	o := &Orchestrator{
		store:    deps.Store,
		queue:    deps.Queue,
		models:   deps.Models,
		data:     deps.Data,
		usage:    deps.Usage,
		jobs:     registry.New[*models.BatchPredictionJob](),
		logger:   deps.Logger,
		metrics:  deps.Metrics,
		retryCfg: retry.CheckpointConfig(),
		now:      deps.Now,
		tracer:   tracing.Tracer("batch"),
	}
	if o.logger == nil {
		o.logger = logging.Discard()
	}
	o.logger = o.logger.WithField("orchestrator", kind)
	if deps.CheckpointRetry != nil {
		o.retryCfg = *deps.CheckpointRetry
	}
	if o.now == nil {
		o.now = time.Now
	}
	return o, nil
}

// Submit validates req, records a queued job and enqueues it
func (o *Orchestrator) Submit(ctx context.Context, req *models.BatchPredictionRequest) (string, error) {
	if req == nil {
		return "", fmt.Errorf("%w: request is required", models.ErrInvalidArgument)
	}
	if strings.TrimSpace(req.ModelName) == "" {
		return "", fmt.Errorf("%w: model name is required", models.ErrInvalidArgument)
	}
	if strings.TrimSpace(req.InputLocation) == "" {
		return "", fmt.Errorf("%w: input location is required", models.ErrInvalidArgument)
	}
	if strings.TrimSpace(req.OutputLocation) == "" {
		return "", fmt.Errorf("%w: output location is required", models.ErrInvalidArgument)
	}

	now := o.now().UTC()
	job := &models.BatchPredictionJob{
		ID:      uuid.NewString(),
		Request: *req,
		Status: models.BatchPredictionStatus{
			State:     models.StateQueued,
			Progress:  models.ProgressQueued,
			CreatedAt: now,
			UpdatedAt: now,
		},
	}

	if err := o.store.SaveBatchJob(ctx, job); err != nil {
		return "", fmt.Errorf("failed to persist batch job: %w", err)
	}
	o.jobs.Put(job.ID, job)

	if err := o.queue.Enqueue(ctx, job.ID); err != nil {
		o.fail(ctx, job.ID, fmt.Errorf("failed to enqueue job: %w", err))
		return "", fmt.Errorf("%w: failed to enqueue batch job %s: %v", models.ErrTransientInfra, job.ID, err)
	}

	o.metrics.JobSubmitted(kind)
	o.logger.Info("Batch prediction job queued", map[string]interface{}{
		"job_id": job.ID,
		"model":  req.ModelName,
		"input":  req.InputLocation,
	})
	return job.ID, nil
}

// GetStatus returns the job from the registry, falling back to the store
func (o *Orchestrator) GetStatus(ctx context.Context, id string) (*models.BatchPredictionJob, error) {
	if job, ok := o.jobs.Get(id); ok {
		return job, nil
	}
	job, err := o.store.GetBatchJob(ctx, id)
	if errors.Is(err, store.ErrJobNotFound) {
		return nil, fmt.Errorf("%w: batch prediction job %s", models.ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return job, nil
}

func (o *Orchestrator) List(ctx context.Context, filter models.JobFilter, skip, take int) ([]*models.BatchPredictionJob, error) {
	if skip < 0 || take < 0 {
		return nil, fmt.Errorf("%w: skip and take must not be negative", models.ErrInvalidArgument)
	}
	return o.store.ListBatchJobs(ctx, filter, skip, take)
}

// Cancel marks a non-terminal job cancelled. It returns false for unknown or terminal jobs.
func (o *Orchestrator) Cancel(ctx context.Context, id string) (bool, error) {
	if _, ok := o.jobs.Get(id); !ok {
		job, err := o.store.GetBatchJob(ctx, id)
		if errors.Is(err, store.ErrJobNotFound) {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		if models.IsTerminalState(job.Status.State) {
			return false, nil
		}
		o.jobs.Put(id, job)
	}

	job, err := o.jobs.Update(id, func(j *models.BatchPredictionJob) error {
		if models.IsTerminalState(j.Status.State) {
			return errAlreadyTerminal
		}
		return o.transition(j, models.StateCancelled, "cancel requested")
	})
	if errors.Is(err, errAlreadyTerminal) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	o.checkpoint(ctx, id)
	o.metrics.JobFinished(kind, string(models.StateCancelled), job.Status.StartedAt)
	o.logger.Info("Batch prediction job cancelled", map[string]interface{}{"job_id": id})
	return true, nil
}

// Delete removes a terminal job from the store and the registry
func (o *Orchestrator) Delete(ctx context.Context, id string) error {
	job, err := o.GetStatus(ctx, id)
	if err != nil {
		return err
	}
	if !models.IsTerminalState(job.Status.State) {
		return fmt.Errorf("%w: job %s is %s; cancel it first", models.ErrInvalidArgument, id, job.Status.State)
	}
	if err := o.store.DeleteBatchJob(ctx, id); err != nil && !errors.Is(err, store.ErrJobNotFound) {
		return err
	}
	o.jobs.Remove(id)
	return nil
}

// GetNextJob dequeues the next job. ok is false when the queue is empty.
func (o *Orchestrator) GetNextJob(ctx context.Context) (*models.BatchPredictionJob, bool, error) {
	for {
		id, ok, err := o.queue.Dequeue(ctx)
		if err != nil {
			return nil, false, err
		}
		if !ok {
			o.metrics.SetQueueDepth(kind, 0)
			return nil, false, nil
		}
		if n, err := o.queue.Len(ctx); err == nil {
			o.metrics.SetQueueDepth(kind, n)
		}

		job, err := o.GetStatus(ctx, id)
		if errors.Is(err, models.ErrNotFound) {
			o.logger.Warn("Dropping queued id with no job record", map[string]interface{}{"job_id": id})
			continue
		}
		if err != nil {
			return nil, false, err
		}
		return job, true, nil
	}
}

// Execute scores the job's input and writes the results. Per-record failures
// become error rows; only infrastructure failures fail the job.
func (o *Orchestrator) Execute(ctx context.Context, job *models.BatchPredictionJob) error {
	ctx, span := o.tracer.Start(ctx, "batch.execute", trace.WithAttributes(
		attribute.String("job.id", job.ID),
		attribute.String("model.name", job.Request.ModelName),
	))
	defer span.End()

	log := o.logger.WithField("job_id", job.ID)
	started := o.now().UTC()

	_, err := o.advance(ctx, job.ID, models.StateLoadingData, models.ProgressLoadingData, func(j *models.BatchPredictionJob) {
		j.Status.StartedAt = &started
	})
	switch {
	case errors.Is(err, models.ErrCancelled):
		log.Info("Skipping cancelled batch prediction job")
		o.checkpoint(ctx, job.ID)
		return nil
	case errors.Is(err, registry.ErrNotRegistered):
		return fmt.Errorf("batch job %s is not registered", job.ID)
	case err != nil:
		log.Warn("Skipping batch prediction job that is not queued", map[string]interface{}{"error": err})
		return nil
	}

	log.Info("Batch prediction job started")
	err = o.run(ctx, job.ID, job.Request, log)
	switch {
	case err == nil:
		o.metrics.JobFinished(kind, string(models.StateCompleted), &started)
		return nil
	case errors.Is(err, models.ErrCancelled):
		log.Info("Batch prediction job cancelled; stopped at transition boundary")
		o.checkpoint(ctx, job.ID)
		return nil
	}

	tracing.SetError(ctx, err)
	o.fail(ctx, job.ID, err)
	return fmt.Errorf("%w: %v", models.ErrExecutionFailure, err)
}

func (o *Orchestrator) run(ctx context.Context, id string, req models.BatchPredictionRequest, log *logging.Logger) error {
	predictor, meta, err := o.models.Get(ctx, req.ModelName, req.ModelVersion)
	if err != nil {
		return fmt.Errorf("failed to resolve model %s: %w", req.ModelName, err)
	}
	o.annotate(ctx, id, func(j *models.BatchPredictionJob) {
		j.Status.ResolvedModelVersion = meta.Version
	})

	records, err := o.data.Load(ctx, req.InputLocation, req.InputQuery)
	if err != nil {
		return fmt.Errorf("failed to load input from %s: %w", req.InputLocation, err)
	}
	if len(records) == 0 {
		return errNoInputData
	}
	total := len(records)
	tracing.AddEvent(ctx, "input_loaded", attribute.Int("records", total))

	if _, err := o.advance(ctx, id, models.StateProcessing, models.ProgressProcessing, func(j *models.BatchPredictionJob) {
		j.Status.Stats.TotalRecords = total
	}); err != nil {
		return err
	}

	results := make([]models.Record, 0, total)
	step := total / 10
	if step < 1 {
		step = 1
	}
	var succeeded, failed int
	var elapsed time.Duration

	for i, rec := range records {
		start := time.Now()
		out, err := inference.Run(ctx, predictor, meta.Schema, rec)
		elapsed += time.Since(start)

		if err != nil {
			failed++
			results = append(results, inference.ErrorRecord(err, rec))
			log.Debug("Record failed to score", map[string]interface{}{"index": i, "error": err})
		} else {
			succeeded++
			results = append(results, inference.WithInput(out, rec))
		}

		if done := i + 1; done%step == 0 || done == total {
			o.reportProgress(ctx, id, done, total, succeeded, failed)
		}
	}
	avgMs := float64(elapsed.Microseconds()) / 1000 / float64(total)

	if _, err := o.advance(ctx, id, models.StateSavingResults, models.ProgressSavingResults, func(j *models.BatchPredictionJob) {
		j.Status.Stats = models.BatchStats{
			TotalRecords:            total,
			SuccessfulRecords:       succeeded,
			FailedRecords:           failed,
			AverageProcessingTimeMs: avgMs,
		}
	}); err != nil {
		return err
	}

	outputPath, err := o.data.Save(ctx, results, req.OutputLocation, req.OutputPath)
	if err != nil {
		return fmt.Errorf("failed to save results to %s: %w", req.OutputLocation, err)
	}

	if o.usage != nil {
		err := o.usage.ReportUsage(ctx, meta.Name, meta.Version, mlops.UsageStats{
			Predictions:  total,
			Errors:       failed,
			AvgLatencyMs: avgMs,
			ReportedAt:   o.now().UTC(),
		})
		if err != nil {
			log.Warn("Failed to report model usage", map[string]interface{}{"error": err})
		}
	}

	if _, err := o.advance(ctx, id, models.StateCompleted, models.ProgressCompleted, func(j *models.BatchPredictionJob) {
		j.Status.OutputPath = outputPath
	}); err != nil {
		return err
	}

	log.Info("Batch prediction job completed", map[string]interface{}{
		"records":   total,
		"failed":    failed,
		"output":    outputPath,
		"avg_ms":    avgMs,
		"model_ver": meta.Version,
	})
	return nil
}

// reportProgress updates live progress inside the processing step. It does
// not act on cancellation; the next transition does.
func (o *Orchestrator) reportProgress(ctx context.Context, id string, done, total, succeeded, failed int) {
	_, err := o.jobs.Update(id, func(j *models.BatchPredictionJob) error {
		if models.IsTerminalState(j.Status.State) {
			return errAlreadyTerminal
		}
		if p := models.BatchProgress(done, total); p > j.Status.Progress {
			j.Status.Progress = p
		}
		j.Status.Stats.SuccessfulRecords = succeeded
		j.Status.Stats.FailedRecords = failed
		j.Status.UpdatedAt = o.now().UTC()
		return nil
	})
	if err == nil {
		o.checkpoint(ctx, id)
	}
}

// MarkFailed records an unexpected failure (such as a recovered panic) on the job
func (o *Orchestrator) MarkFailed(ctx context.Context, job *models.BatchPredictionJob, cause error) {
	o.fail(ctx, job.ID, fmt.Errorf("%w: %v", models.ErrExecutionFailure, cause))
}

// Restore reloads non-terminal jobs after a restart and re-enqueues the queued ones.
// Jobs interrupted mid-pipeline stay in their last state.
func (o *Orchestrator) Restore(ctx context.Context) error {
	jobs, err := o.store.GetActiveBatchJobs(ctx)
	if err != nil {
		return fmt.Errorf("failed to load active batch jobs: %w", err)
	}

	requeued, orphaned := 0, 0
	for _, job := range jobs {
		o.jobs.Put(job.ID, job)
		if job.Status.State == models.StateQueued {
			if err := o.queue.Enqueue(ctx, job.ID); err != nil {
				return fmt.Errorf("failed to re-enqueue batch job %s: %w", job.ID, err)
			}
			requeued++
			continue
		}
		orphaned++
		o.logger.Warn("Recovery: batch job interrupted mid-run is not resumed", map[string]interface{}{
			"job_id": job.ID,
			"state":  string(job.Status.State),
		})
	}

	o.logger.Info("Recovery: batch prediction jobs restored", map[string]interface{}{
		"active":   len(jobs),
		"requeued": requeued,
		"orphaned": orphaned,
	})
	return nil
}

func (o *Orchestrator) transition(j *models.BatchPredictionJob, to models.JobState, reason string) error {
	if err := models.ValidateBatchTransition(j.Status.State, to); err != nil {
		return err
	}
	now := o.now().UTC()
	j.Status.Transitions = append(j.Status.Transitions, models.StateTransition{
		From:      j.Status.State,
		To:        to,
		Timestamp: now,
		Reason:    reason,
	})
	j.Status.State = to
	j.Status.UpdatedAt = now
	if models.IsTerminalState(to) {
		j.Status.CompletedAt = &now
	}
	return nil
}

func (o *Orchestrator) advance(ctx context.Context, id string, to models.JobState, progress int, mutate func(*models.BatchPredictionJob)) (*models.BatchPredictionJob, error) {
	job, err := o.jobs.Update(id, func(j *models.BatchPredictionJob) error {
		if j.Status.State == models.StateCancelled {
			return models.ErrCancelled
		}
		if err := o.transition(j, to, ""); err != nil {
			return err
		}
		if progress > j.Status.Progress {
			j.Status.Progress = progress
		}
		if mutate != nil {
			mutate(j)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	o.checkpoint(ctx, id)
	return job, nil
}

func (o *Orchestrator) annotate(ctx context.Context, id string, mutate func(*models.BatchPredictionJob)) {
	_, err := o.jobs.Update(id, func(j *models.BatchPredictionJob) error {
		mutate(j)
		j.Status.UpdatedAt = o.now().UTC()
		return nil
	})
	if err == nil {
		o.checkpoint(ctx, id)
	}
}

func (o *Orchestrator) fail(ctx context.Context, id string, cause error) {
	job, err := o.jobs.Update(id, func(j *models.BatchPredictionJob) error {
		if models.IsTerminalState(j.Status.State) {
			return errAlreadyTerminal
		}
		if err := o.transition(j, models.StateFailed, "execution failed"); err != nil {
			return err
		}
		j.Status.ErrorMessage = cause.Error()
		return nil
	})
	if err != nil {
		o.logger.Warn("Could not mark batch job failed", map[string]interface{}{
			"job_id": id,
			"cause":  cause,
			"error":  err,
		})
		return
	}

	o.checkpoint(ctx, id)
	o.metrics.JobFinished(kind, string(models.StateFailed), job.Status.StartedAt)
	o.logger.Error("Batch prediction job failed", map[string]interface{}{
		"job_id": id,
		"error":  cause,
	})
}

func (o *Orchestrator) checkpoint(ctx context.Context, id string) {
	ctx = context.WithoutCancel(ctx)

	o.persistMu.Lock()
	defer o.persistMu.Unlock()

	job, ok := o.jobs.Get(id)
	if !ok {
		return
	}
	err := retry.Do(ctx, o.retryCfg, func() error {
		return o.store.SaveBatchJob(ctx, job)
	})
	if err != nil {
		o.metrics.CheckpointFailed(kind)
		o.logger.Warn("Checkpoint failed", map[string]interface{}{
			"job_id":   id,
			"state":    string(job.Status.State),
			"progress": job.Status.Progress,
			"error":    err,
		})
	}
}
