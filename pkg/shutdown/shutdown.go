// Package shutdown runs registered teardown steps in reverse order once a
// termination signal arrives.
package shutdown

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/psantana5/ml-orchestrator/pkg/logging"
)

type step struct {
	name string
	fn   func(context.Context) error
}

// Manager handles graceful shutdown
type Manager struct {
	mu      sync.Mutex
	steps   []step
	timeout time.Duration
	logger  *logging.Logger

	done chan struct{}
	once sync.Once
}

// New creates a manager that gives all steps together at most timeout
func New(timeout time.Duration, logger *logging.Logger) *Manager {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Manager{
		timeout: timeout,
		logger:  logger.WithField("component", "shutdown"),
		done:    make(chan struct{}),
	}
}

// Register adds a named step. Steps run last-registered first.
func (m *Manager) Register(name string, fn func(context.Context) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.steps = append(m.steps, step{name: name, fn: fn})
}

// Trigger starts shutdown without a signal
func (m *Manager) Trigger() {
	m.once.Do(func() { close(m.done) })
}

// Done is closed once shutdown has been triggered
func (m *Manager) Done() <-chan struct{} {
	return m.done
}

// Wait blocks until SIGINT/SIGTERM, Trigger or ctx cancellation, then runs every step
func (m *Manager) Wait(ctx context.Context) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigCh)

	select {
	case sig := <-sigCh:
		m.logger.Info("Received signal, initiating graceful shutdown", map[string]interface{}{"signal": sig.String()})
	case <-m.done:
		m.logger.Info("Shutdown triggered")
	case <-ctx.Done():
		m.logger.Info("Context cancelled, initiating graceful shutdown")
	}
	m.Trigger()
	m.Shutdown()
}

// Shutdown runs the registered steps in reverse order. Failing steps are
// logged and do not stop the remaining ones. It returns the number of failures.
func (m *Manager) Shutdown() int {
	m.mu.Lock()
	steps := append([]step(nil), m.steps...)
	m.steps = nil
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	defer cancel()

	failed := 0
	for i := len(steps) - 1; i >= 0; i-- {
		s := steps[i]
		if err := s.fn(ctx); err != nil {
			failed++
			m.logger.Error("Shutdown step failed", map[string]interface{}{"step": s.name, "error": err.Error()})
			continue
		}
		m.logger.Info("Shutdown step complete", map[string]interface{}{"step": s.name})
	}
	m.logger.Info("Graceful shutdown complete")
	return failed
}

// StopHTTPServer wraps http.Server.Shutdown as a step
func StopHTTPServer(server interface{ Shutdown(context.Context) error }) func(context.Context) error {
	return func(ctx context.Context) error {
		if err := server.Shutdown(ctx); err != nil {
			return fmt.Errorf("failed to stop HTTP server: %w", err)
		}
		return nil
	}
}

// CloseResource wraps an io.Closer as a step
func CloseResource(closer interface{ Close() error }) func(context.Context) error {
	return func(context.Context) error {
		return closer.Close()
	}
}

// StopFunc wraps a blocking stop function so that it gives up when the
// shutdown deadline passes
func StopFunc(stop func()) func(context.Context) error {
	return func(ctx context.Context) error {
		finished := make(chan struct{})
		go func() {
			stop()
			close(finished)
		}()
		select {
		case <-finished:
			return nil
		case <-ctx.Done():
			return fmt.Errorf("gave up waiting: %w", ctx.Err())
		}
	}
}
