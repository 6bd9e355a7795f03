// Package queue holds the per-kind FIFO of job IDs awaiting execution.
package queue

import (
	"context"
	"fmt"
	"sync"
)

// Queue is a FIFO of job IDs. Dequeue never blocks: it reports ok=false when empty.
type Queue interface {
	Enqueue(ctx context.Context, jobID string) error
	Dequeue(ctx context.Context) (jobID string, ok bool, err error)
	Len(ctx context.Context) (int, error)
}

// MemoryQueue is a mutex-guarded slice FIFO
type MemoryQueue struct {
	mu    sync.Mutex
	items []string
}

// NewMemoryQueue creates an empty in-process queue
func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{items: make([]string, 0)}
}

func (q *MemoryQueue) Enqueue(ctx context.Context, jobID string) error {
	if jobID == "" {
		return fmt.Errorf("job id is required")
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	q.items = append(q.items, jobID)
	return nil
}

func (q *MemoryQueue) Dequeue(ctx context.Context) (string, bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		return "", false, nil
	}
	id := q.items[0]
	q.items[0] = ""
	q.items = q.items[1:]
	return id, true, nil
}

func (q *MemoryQueue) Len(ctx context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items), nil
}
