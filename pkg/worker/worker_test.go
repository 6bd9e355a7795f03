package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type fakeProcessor struct {
	mu         sync.Mutex
	queue      []string
	executed   []string
	failed     map[string]error
	polls      int
	dequeueErr error
}

func (p *fakeProcessor) GetNextJob(ctx context.Context) (string, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.polls++
	if p.dequeueErr != nil {
		err := p.dequeueErr
		p.dequeueErr = nil
		return "", false, err
	}
	if len(p.queue) == 0 {
		return "", false, nil
	}
	job := p.queue[0]
	p.queue = p.queue[1:]
	return job, true, nil
}

func (p *fakeProcessor) Execute(ctx context.Context, job string) error {
	if job == "explode" {
		panic("nil pointer dereference")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.executed = append(p.executed, job)
	if job == "bad" {
		return errors.New("execution failure")
	}
	return nil
}

func (p *fakeProcessor) MarkFailed(ctx context.Context, job string, cause error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failed == nil {
		p.failed = map[string]error{}
	}
	p.failed[job] = cause
}

func (p *fakeProcessor) snapshot() ([]string, map[string]error, int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	failed := map[string]error{}
	for k, v := range p.failed {
		failed[k] = v
	}
	return append([]string(nil), p.executed...), failed, p.polls
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestWorkerProcessesInOrder(t *testing.T) {
	p := &fakeProcessor{queue: []string{"a", "bad", "c"}}
	w := New[string](p, Config{Name: "test", IdlePollInterval: 5 * time.Millisecond, BackoffInterval: 5 * time.Millisecond}, nil)

	w.Start(context.Background())
	defer w.Stop()

	waitFor(t, func() bool {
		executed, _, _ := p.snapshot()
		return len(executed) == 3
	})

	executed, _, _ := p.snapshot()
	want := []string{"a", "bad", "c"}
	for i := range want {
		if executed[i] != want[i] {
			t.Errorf("executed[%d] = %s, want %s", i, executed[i], want[i])
		}
	}
}

func TestWorkerSurvivesPanic(t *testing.T) {
	p := &fakeProcessor{queue: []string{"explode", "after"}}
	w := New[string](p, Config{IdlePollInterval: 5 * time.Millisecond, BackoffInterval: 5 * time.Millisecond}, nil)

	w.Start(context.Background())
	defer w.Stop()

	waitFor(t, func() bool {
		executed, _, _ := p.snapshot()
		return len(executed) == 1
	})

	executed, failed, _ := p.snapshot()
	if executed[0] != "after" {
		t.Errorf("expected the next job to run after a panic, got %v", executed)
	}
	if failed["explode"] == nil {
		t.Error("panicking job was not marked failed")
	}
}

func TestWorkerBacksOffOnDequeueError(t *testing.T) {
	p := &fakeProcessor{queue: []string{"a"}, dequeueErr: errors.New("redis: connection refused")}
	w := New[string](p, Config{IdlePollInterval: 5 * time.Millisecond, BackoffInterval: 10 * time.Millisecond}, nil)

	w.Start(context.Background())
	defer w.Stop()

	waitFor(t, func() bool {
		executed, _, _ := p.snapshot()
		return len(executed) == 1
	})
}

func TestWorkerIdlePollsAndStops(t *testing.T) {
	p := &fakeProcessor{}
	w := New[string](p, Config{IdlePollInterval: 5 * time.Millisecond}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	w.Start(ctx)
	waitFor(t, func() bool {
		_, _, polls := p.snapshot()
		return polls >= 3
	})
	cancel()
	w.Stop()

	_, _, polls := p.snapshot()
	time.Sleep(20 * time.Millisecond)
	_, _, after := p.snapshot()
	if after != polls {
		t.Errorf("worker kept polling after stop: %d -> %d", polls, after)
	}
}

func TestDefaults(t *testing.T) {
	w := New[string](&fakeProcessor{}, Config{}, nil)
	if w.idlePoll != DefaultIdlePollInterval {
		t.Errorf("idlePoll = %v", w.idlePoll)
	}
	if w.backoff != DefaultBackoffInterval {
		t.Errorf("backoff = %v", w.backoff)
	}
	w.Stop()
}

func TestStepWaits(t *testing.T) {
	cfg := Config{IdlePollInterval: 7 * time.Millisecond, BackoffInterval: 11 * time.Millisecond}
	tests := []struct {
		name  string
		queue []string
		want  time.Duration
	}{
		{"success runs the next job at once", []string{"a"}, 0},
		{"failed job backs off", []string{"bad"}, cfg.BackoffInterval},
		{"panic backs off", []string{"explode"}, cfg.BackoffInterval},
		{"empty queue idles", nil, cfg.IdlePollInterval},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := New[string](&fakeProcessor{queue: tt.queue}, cfg, nil)
			if got := w.step(context.Background()); got != tt.want {
				t.Errorf("step() = %v, want %v", got, tt.want)
			}
		})
	}
}
