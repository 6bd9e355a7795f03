package queue

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"
)

func runQueueSuite(t *testing.T, q Queue) {
	ctx := context.Background()

	if _, ok, err := q.Dequeue(ctx); err != nil || ok {
		t.Fatalf("Dequeue on empty queue = ok %v, err %v", ok, err)
	}

	for _, id := range []string{"a", "b", "c"} {
		if err := q.Enqueue(ctx, id); err != nil {
			t.Fatalf("Enqueue(%s) failed: %v", id, err)
		}
	}

	n, err := q.Len(ctx)
	if err != nil || n != 3 {
		t.Fatalf("Len() = %d, %v; want 3", n, err)
	}

	for _, want := range []string{"a", "b", "c"} {
		got, ok, err := q.Dequeue(ctx)
		if err != nil || !ok {
			t.Fatalf("Dequeue failed: ok %v, err %v", ok, err)
		}
		if got != want {
			t.Errorf("Dequeue() = %s, want %s", got, want)
		}
	}

	if _, ok, _ := q.Dequeue(ctx); ok {
		t.Error("queue should be empty")
	}

	if err := q.Enqueue(ctx, ""); err == nil {
		t.Error("Enqueue should reject an empty id")
	}
}

func TestMemoryQueue(t *testing.T) {
	runQueueSuite(t, NewMemoryQueue())
}

func TestMemoryQueueConcurrent(t *testing.T) {
	q := NewMemoryQueue()
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			q.Enqueue(ctx, fmt.Sprintf("job-%d", i))
		}(i)
	}
	wg.Wait()

	seen := make(map[string]bool)
	var mu sync.Mutex
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				id, ok, _ := q.Dequeue(ctx)
				if !ok {
					return
				}
				mu.Lock()
				if seen[id] {
					t.Errorf("job %s dequeued twice", id)
				}
				seen[id] = true
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if len(seen) != 50 {
		t.Errorf("dequeued %d jobs, want 50", len(seen))
	}
}

func TestRedisQueue(t *testing.T) {
	url := os.Getenv("REDIS_URL")
	if url == "" {
		t.Skip("Skipping Redis integration test: REDIS_URL not set")
	}

	ctx := context.Background()
	prefix := fmt.Sprintf("mlorch-test-%d", time.Now().UnixNano())
	q, err := NewRedisQueue(ctx, url, prefix, "training")
	if err != nil {
		t.Fatalf("Failed to connect: %v", err)
	}
	defer q.Close()
	defer q.client.Del(ctx, q.Key())

	runQueueSuite(t, q)
}
