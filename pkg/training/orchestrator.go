// Package training accepts training requests and drives them through the
// training state machine on a background worker.
package training

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

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

const kind = string(models.JobKindTraining)

var errAlreadyTerminal = errors.New("job already in terminal state")

// Dependencies wires an Orchestrator to its collaborators
type Dependencies struct {
	Store     store.TrainingJobStore
	Queue     queue.Queue
	Trainer   mlops.ModelTrainer
	Tracker   mlops.ExperimentTracker
	Registry  mlops.ModelRegistry
	Artifacts mlops.ArtifactStore
	Data      mlops.DataStore

	Logger  *logging.Logger
	Metrics *metrics.Collector

	// CheckpointRetry defaults to retry.CheckpointConfig()
	CheckpointRetry *retry.Config
	Now             func() time.Time
}

// Orchestrator owns training job creation, cancellation and execution.
//
// Cancellation is best-effort: Cancel marks the job cancelled and the worker
// notices at the next state transition. A call already in flight (for example
// ModelTrainer.Train) runs to completion.
type Orchestrator struct {
	store     store.TrainingJobStore
	queue     queue.Queue
	trainer   mlops.ModelTrainer
	tracker   mlops.ExperimentTracker
	models    mlops.ModelRegistry
	artifacts mlops.ArtifactStore
	data      mlops.DataStore

	jobs *registry.Registry[*models.TrainingJob]

	// persistMu orders snapshot+save pairs so the store always ends with the
	// newest registry state. It is never held while the registry lock is.
	persistMu sync.Mutex

	logger   *logging.Logger
	metrics  *metrics.Collector
	retryCfg retry.Config
	now      func() time.Time
	tracer   trace.Tracer
}

// NewOrchestrator validates deps and builds an Orchestrator
func NewOrchestrator(deps Dependencies) (*Orchestrator, error) {
	switch {
	case deps.Store == nil:
		return nil, errors.New("training: store is required")
	case deps.Queue == nil:
		return nil, errors.New("training: queue is required")
	case deps.Trainer == nil:
		return nil, errors.New("training: trainer is required")
	case deps.Tracker == nil:
		return nil, errors.New("training: experiment tracker is required")
	case deps.Registry == nil:
		return nil, errors.New("training: model registry is required")
	case deps.Artifacts == nil:
		return nil, errors.New("training: artifact store is required")
	case deps.Data == nil:
		return nil, errors.New("training: data store is required")
	}

	o := &Orchestrator{
		store:     deps.Store,
		queue:     deps.Queue,
		trainer:   deps.Trainer,
		tracker:   deps.Tracker,
		models:    deps.Registry,
		artifacts: deps.Artifacts,
		data:      deps.Data,
		jobs:      registry.New[*models.TrainingJob](),
		logger:    deps.Logger,
		metrics:   deps.Metrics,
		retryCfg:  retry.CheckpointConfig(),
		now:       deps.Now,
		tracer:    tracing.Tracer("training"),
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

// Submit validates req, records a queued job and enqueues it. It does not wait for execution.
func (o *Orchestrator) Submit(ctx context.Context, req *models.TrainingJobRequest) (string, error) {
	if req == nil {
		return "", fmt.Errorf("%w: request is required", models.ErrInvalidArgument)
	}
	if strings.TrimSpace(req.Definition.Name) == "" {
		return "", fmt.Errorf("%w: model definition name is required", models.ErrInvalidArgument)
	}
	if strings.TrimSpace(req.DataSourceID) == "" {
		return "", fmt.Errorf("%w: data source id is required", models.ErrInvalidArgument)
	}
	if err := (models.Schema{Features: req.Definition.Features}).Validate(); err != nil {
		return "", err
	}
	if v, ok := o.trainer.(mlops.DefinitionValidator); ok {
		if err := v.ValidateDefinition(req.Definition); err != nil {
			return "", fmt.Errorf("%w: %v", models.ErrUnsupported, err)
		}
	}

	now := o.now().UTC()
	job := (&models.TrainingJob{
		ID:      uuid.NewString(),
		Request: *req,
		Status: models.TrainingJobStatus{
			State:     models.StateQueued,
			Progress:  models.ProgressQueued,
			CreatedAt: now,
			UpdatedAt: now,
			Metrics:   map[string]float64{},
		},
	}).Clone()

	if err := o.store.SaveTrainingJob(ctx, job); err != nil {
		return "", fmt.Errorf("failed to persist training job: %w", err)
	}
	o.jobs.Put(job.ID, job)

	if err := o.queue.Enqueue(ctx, job.ID); err != nil {
		o.fail(ctx, job.ID, fmt.Errorf("failed to enqueue job: %w", err))
		return "", fmt.Errorf("%w: failed to enqueue training job %s: %v", models.ErrTransientInfra, job.ID, err)
	}

	o.metrics.JobSubmitted(kind)
	o.logger.Info("Training job queued", map[string]interface{}{
		"job_id": job.ID,
		"model":  job.Request.Definition.Name,
	})
	return job.ID, nil
}

// GetStatus returns the job from the registry, falling back to the store
func (o *Orchestrator) GetStatus(ctx context.Context, id string) (*models.TrainingJob, error) {
	if job, ok := o.jobs.Get(id); ok {
		return job, nil
	}
	job, err := o.store.GetTrainingJob(ctx, id)
	if errors.Is(err, store.ErrJobNotFound) {
		return nil, fmt.Errorf("%w: training job %s", models.ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return job, nil
}

// List returns stored jobs newest first
func (o *Orchestrator) List(ctx context.Context, filter models.JobFilter, skip, take int) ([]*models.TrainingJob, error) {
	if skip < 0 || take < 0 {
		return nil, fmt.Errorf("%w: skip and take must not be negative", models.ErrInvalidArgument)
	}
	return o.store.ListTrainingJobs(ctx, filter, skip, take)
}

// Cancel marks a non-terminal job cancelled. It returns false for unknown or
// terminal jobs and never interrupts work already in progress.
func (o *Orchestrator) Cancel(ctx context.Context, id string) (bool, error) {
	if _, ok := o.jobs.Get(id); !ok {
		job, err := o.store.GetTrainingJob(ctx, id)
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

	job, err := o.jobs.Update(id, func(j *models.TrainingJob) error {
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
	o.logger.Info("Training job cancelled", map[string]interface{}{"job_id": id})
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
	if err := o.store.DeleteTrainingJob(ctx, id); err != nil && !errors.Is(err, store.ErrJobNotFound) {
		return err
	}
	o.jobs.Remove(id)
	return nil
}

// GetNextJob dequeues the next job. ok is false when the queue is empty.
func (o *Orchestrator) GetNextJob(ctx context.Context) (*models.TrainingJob, bool, error) {
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

// Execute runs the training pipeline for a dequeued job. Failures are recorded
// on the job; the returned error is for the caller's logs only.
func (o *Orchestrator) Execute(ctx context.Context, job *models.TrainingJob) error {
	ctx, span := o.tracer.Start(ctx, "training.execute", trace.WithAttributes(
		attribute.String("job.id", job.ID),
		attribute.String("model.name", job.Request.Definition.Name),
	))
	defer span.End()

	log := o.logger.WithField("job_id", job.ID)
	started := o.now().UTC()

	_, err := o.advance(ctx, job.ID, models.StatePreparingData, models.ProgressPreparingData, func(j *models.TrainingJob) {
		j.Status.StartedAt = &started
	})
	switch {
	case errors.Is(err, models.ErrCancelled):
		log.Info("Skipping cancelled training job")
		o.checkpoint(ctx, job.ID)
		return nil
	case errors.Is(err, registry.ErrNotRegistered):
		return fmt.Errorf("training job %s is not registered", job.ID)
	case err != nil:
		// Not queued any more: a duplicate queue entry or a job orphaned mid-run.
		log.Warn("Skipping training job that is not queued", map[string]interface{}{"error": err})
		return nil
	}

	log.Info("Training job started")
	runID, err := o.run(ctx, job.ID, job.Request, log)
	if err == nil {
		o.finishRun(ctx, runID, mlops.RunFinished, log)
		o.metrics.JobFinished(kind, string(models.StateCompleted), &started)
		return nil
	}

	if errors.Is(err, models.ErrCancelled) {
		log.Info("Training job cancelled; stopped at transition boundary")
		o.finishRun(ctx, runID, mlops.RunKilled, log)
		o.checkpoint(ctx, job.ID)
		return nil
	}

	tracing.SetError(ctx, err)
	o.fail(ctx, job.ID, err)
	o.finishRun(ctx, runID, mlops.RunFailed, log)
	return fmt.Errorf("%w: %v", models.ErrExecutionFailure, err)
}

// run executes the pipeline steps. It returns the run ID as soon as one exists
// so the caller can close the run on any outcome.
func (o *Orchestrator) run(ctx context.Context, id string, req models.TrainingJobRequest, log *logging.Logger) (string, error) {
	def := req.Definition

	experiment := req.ExperimentName
	if experiment == "" {
		experiment = def.Name
	}
	experimentID, err := o.tracker.GetOrCreateExperiment(ctx, experiment)
	if err != nil {
		return "", fmt.Errorf("failed to resolve experiment %q: %w", experiment, err)
	}

	runName := req.RunName
	if runName == "" {
		runName = fmt.Sprintf("%s-%s", def.Name, shortID(id))
	}
	runID, err := o.tracker.CreateRun(ctx, experimentID, runName)
	if err != nil {
		return "", fmt.Errorf("failed to create run: %w", err)
	}
	o.annotate(ctx, id, func(j *models.TrainingJob) {
		j.Status.RunID = runID
		j.Status.ExperimentID = experimentID
	})

	if err := o.tracker.LogParameters(ctx, runID, runParameters(req)); err != nil {
		return runID, fmt.Errorf("failed to log parameters: %w", err)
	}

	trainingData, err := o.data.Load(ctx, req.DataSourceID, req.DataQuery)
	if err != nil {
		return runID, fmt.Errorf("failed to load training data from %s: %w", req.DataSourceID, err)
	}
	if len(trainingData) == 0 {
		return runID, fmt.Errorf("no training data found in %s", req.DataSourceID)
	}
	var validationData []models.Record
	if req.ValidationDataSourceID != "" {
		validationData, err = o.data.Load(ctx, req.ValidationDataSourceID, "")
		if err != nil {
			return runID, fmt.Errorf("failed to load validation data from %s: %w", req.ValidationDataSourceID, err)
		}
	}
	tracing.AddEvent(ctx, "data_loaded",
		attribute.Int("records.training", len(trainingData)),
		attribute.Int("records.validation", len(validationData)))

	if _, err := o.advance(ctx, id, models.StateTraining, models.ProgressTraining, nil); err != nil {
		return runID, err
	}

	trained, err := o.trainer.Train(ctx, def, trainingData, validationData, mlops.TrainingContext{
		JobID:        id,
		RunID:        runID,
		ExperimentID: experimentID,
		Parameters:   req.Parameters,
	})
	if err != nil {
		return runID, fmt.Errorf("training failed: %w", err)
	}
	if trained == nil || len(trained.Artifact) == 0 {
		return runID, errors.New("trainer returned an empty artifact")
	}
	if err := checkMetrics(trained.Metrics); err != nil {
		return runID, err
	}

	if _, err := o.advance(ctx, id, models.StateEvaluating, models.ProgressEvaluating, func(j *models.TrainingJob) {
		for k, v := range trained.Metrics {
			j.Status.Metrics[k] = v
		}
	}); err != nil {
		return runID, err
	}
	if len(trained.Metrics) > 0 {
		if err := o.tracker.LogMetrics(ctx, runID, trained.Metrics); err != nil {
			return runID, fmt.Errorf("failed to log metrics: %w", err)
		}
	}

	if _, err := o.advance(ctx, id, models.StateRegisteringModel, models.ProgressRegisteringModel, nil); err != nil {
		return runID, err
	}
	path, err := o.artifacts.PutArtifact(ctx, def.Name, runID, trained.Artifact)
	if err != nil {
		return runID, fmt.Errorf("failed to store model artifact: %w", err)
	}
	meta, err := o.models.Register(ctx, mlops.RegisterRequest{
		Name:         def.Name,
		Path:         path,
		Definition:   def,
		RunID:        runID,
		ExperimentID: experimentID,
		Metrics:      trained.Metrics,
	})
	if err != nil {
		return runID, fmt.Errorf("failed to register model: %w", err)
	}

	if _, err := o.advance(ctx, id, models.StateCompleted, models.ProgressCompleted, func(j *models.TrainingJob) {
		j.Status.ModelID = meta.ID
		j.Status.ModelVersion = meta.Version
	}); err != nil {
		return runID, err
	}

	log.Info("Training job completed", map[string]interface{}{
		"model":   meta.Name,
		"version": meta.Version,
	})
	return runID, nil
}

// checkMetrics rejects NaN and infinite values, which JSON and the registry
// cannot store
func checkMetrics(m map[string]float64) error {
	var bad []string
	for k, v := range m {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			bad = append(bad, fmt.Sprintf("%s=%v", k, v))
		}
	}
	if len(bad) == 0 {
		return nil
	}
	sort.Strings(bad)
	return fmt.Errorf("trainer returned non-finite metrics: %s", strings.Join(bad, ", "))
}

// MarkFailed records an unexpected failure (such as a recovered panic) on the job
func (o *Orchestrator) MarkFailed(ctx context.Context, job *models.TrainingJob, cause error) {
	o.fail(ctx, job.ID, fmt.Errorf("%w: %v", models.ErrExecutionFailure, cause))
	if current, ok := o.jobs.Get(job.ID); ok {
		o.finishRun(ctx, current.Status.RunID, mlops.RunFailed, o.logger.WithField("job_id", job.ID))
	}
}

// Restore reloads non-terminal jobs after a restart. Only queued jobs are
// re-enqueued; jobs interrupted mid-pipeline stay in their last state until
// an operator cancels or resubmits them.
func (o *Orchestrator) Restore(ctx context.Context) error {
	jobs, err := o.store.GetActiveTrainingJobs(ctx)
	if err != nil {
		return fmt.Errorf("failed to load active training jobs: %w", err)
	}

	requeued, orphaned := 0, 0
	for _, job := range jobs {
		o.jobs.Put(job.ID, job)
		if job.Status.State == models.StateQueued {
			if err := o.queue.Enqueue(ctx, job.ID); err != nil {
				return fmt.Errorf("failed to re-enqueue training job %s: %w", job.ID, err)
			}
			requeued++
			continue
		}
		orphaned++
		o.logger.Warn("Recovery: training job interrupted mid-run is not resumed", map[string]interface{}{
			"job_id": job.ID,
			"state":  string(job.Status.State),
		})
	}

	o.logger.Info("Recovery: training jobs restored", map[string]interface{}{
		"active":   len(jobs),
		"requeued": requeued,
		"orphaned": orphaned,
	})
	return nil
}

// transition applies a validated state change in memory. Callers hold the registry lock.
func (o *Orchestrator) transition(j *models.TrainingJob, to models.JobState, reason string) error {
	if err := models.ValidateTrainingTransition(j.Status.State, to); err != nil {
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

// advance moves the job to the next state and persists the checkpoint.
// It returns models.ErrCancelled if the job was cancelled meanwhile.
func (o *Orchestrator) advance(ctx context.Context, id string, to models.JobState, progress int, mutate func(*models.TrainingJob)) (*models.TrainingJob, error) {
	job, err := o.jobs.Update(id, func(j *models.TrainingJob) error {
		if j.Status.State == models.StateCancelled {
			return models.ErrCancelled
		}
		if err := o.transition(j, to, ""); err != nil {
			return err
		}
		if progress > j.Status.Progress {
			j.Status.Progress = progress
		}
		if j.Status.Metrics == nil {
			j.Status.Metrics = map[string]float64{}
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

// annotate updates fields without a state change
func (o *Orchestrator) annotate(ctx context.Context, id string, mutate func(*models.TrainingJob)) {
	_, err := o.jobs.Update(id, func(j *models.TrainingJob) error {
		mutate(j)
		j.Status.UpdatedAt = o.now().UTC()
		return nil
	})
	if err == nil {
		o.checkpoint(ctx, id)
	}
}

func (o *Orchestrator) fail(ctx context.Context, id string, cause error) {
	job, err := o.jobs.Update(id, func(j *models.TrainingJob) error {
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
		o.logger.Warn("Could not mark training job failed", map[string]interface{}{
			"job_id": id,
			"cause":  cause,
			"error":  err,
		})
		return
	}

	o.checkpoint(ctx, id)
	o.metrics.JobFinished(kind, string(models.StateFailed), job.Status.StartedAt)
	o.logger.Error("Training job failed", map[string]interface{}{
		"job_id": id,
		"error":  cause,
	})
}

// checkpoint writes the current registry snapshot of a job to the store.
// Failures are retried briefly and then logged; the next checkpoint carries
// the same or newer state.
func (o *Orchestrator) checkpoint(ctx context.Context, id string) {
	ctx = context.WithoutCancel(ctx)

	o.persistMu.Lock()
	defer o.persistMu.Unlock()

	job, ok := o.jobs.Get(id)
	if !ok {
		return
	}
	err := retry.Do(ctx, o.retryCfg, func() error {
		return o.store.SaveTrainingJob(ctx, job)
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

func (o *Orchestrator) finishRun(ctx context.Context, runID string, status mlops.RunStatus, log *logging.Logger) {
	if runID == "" {
		return
	}
	if err := o.tracker.FinishRun(context.WithoutCancel(ctx), runID, status); err != nil {
		log.Warn("Failed to close experiment run", map[string]interface{}{
			"run_id": runID,
			"status": string(status),
			"error":  err,
		})
	}
}

func runParameters(req models.TrainingJobRequest) map[string]string {
	params := map[string]string{
		"algorithm":   req.Definition.Algorithm,
		"data_source": req.DataSourceID,
	}
	if req.Definition.Task != "" {
		params["task"] = req.Definition.Task
	}
	if req.Definition.Target != "" {
		params["target"] = req.Definition.Target
	}
	for k, v := range req.Definition.Hyperparameters {
		params["hp."+k] = v
	}
	for k, v := range req.Parameters {
		params[k] = v
	}
	return params
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
