// Package worker runs the background loop that drains one job queue.
package worker

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/psantana5/ml-orchestrator/pkg/logging"
)

const (
	DefaultIdlePollInterval = 1 * time.Second
	DefaultBackoffInterval  = 5 * time.Second
)

// Processor is the orchestrator side of a worker
type Processor[J any] interface {
	GetNextJob(ctx context.Context) (J, bool, error)
	Execute(ctx context.Context, job J) error
	MarkFailed(ctx context.Context, job J, cause error)
}

// Config controls polling and backoff. Zero values select the defaults.
type Config struct {
	Name             string
	IdlePollInterval time.Duration
	BackoffInterval  time.Duration
}

// Worker executes jobs one at a time. Several workers in one process may
// drain the same queue: a job is claimed by its first transition out of
// queued, which happens under the registry lock.
type Worker[J any] struct {
	name      string
	processor Processor[J]
	idlePoll  time.Duration
	backoff   time.Duration
	logger    *logging.Logger

	mu      sync.Mutex
	stopCh  chan struct{}
	wg      sync.WaitGroup
	running bool
}

// New creates a worker for processor
func New[J any](processor Processor[J], cfg Config, logger *logging.Logger) *Worker[J] {
	if cfg.IdlePollInterval <= 0 {
		cfg.IdlePollInterval = DefaultIdlePollInterval
	}
	if cfg.BackoffInterval <= 0 {
		cfg.BackoffInterval = DefaultBackoffInterval
	}
	if cfg.Name == "" {
		cfg.Name = "worker"
	}
	if logger == nil {
		logger = logging.Discard()
	}
	return &Worker[J]{
		name:      cfg.Name,
		processor: processor,
		idlePoll:  cfg.IdlePollInterval,
		backoff:   cfg.BackoffInterval,
		logger:    logger.WithField("worker", cfg.Name),
	}
}

// Start launches the loop. It returns immediately; the loop ends when ctx is
// done or Stop is called.
func (w *Worker[J]) Start(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return
	}
	w.running = true
	w.stopCh = make(chan struct{})

	w.logger.Info("Worker started", map[string]interface{}{
		"idle_poll": w.idlePoll.String(),
		"backoff":   w.backoff.String(),
	})

	w.wg.Add(1)
	go w.run(ctx, w.stopCh)
}

// Name identifies the worker in logs
func (w *Worker[J]) Name() string {
	return w.name
}

// Stop signals the loop and waits for the job in progress to finish
func (w *Worker[J]) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	close(w.stopCh)
	w.mu.Unlock()

	w.wg.Wait()
	w.logger.Info("Worker stopped")
}

func (w *Worker[J]) run(ctx context.Context, stopCh <-chan struct{}) {
	defer w.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		default:
		}

		wait := w.step(ctx)
		if wait <= 0 {
			continue
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-stopCh:
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// step processes at most one job and returns how long to sleep before the next
func (w *Worker[J]) step(ctx context.Context) (wait time.Duration) {
	job, ok, err := w.processor.GetNextJob(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return 0
		}
		w.logger.Error("Failed to dequeue job", map[string]interface{}{"error": err})
		return w.backoff
	}
	if !ok {
		return w.idlePoll
	}

	defer func() {
		if r := recover(); r != nil {
			cause := fmt.Errorf("panic: %v", r)
			w.logger.Error("Job execution panicked", map[string]interface{}{
				"error": cause,
				"stack": string(debug.Stack()),
			})
			w.processor.MarkFailed(ctx, job, cause)
			wait = w.backoff
		}
	}()

	if err := w.processor.Execute(ctx, job); err != nil {
		w.logger.Warn("Job finished with error", map[string]interface{}{"error": err})
		return w.backoff
	}
	return 0
}
