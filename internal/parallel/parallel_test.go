package parallel

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
)

func counting(n int, hit *atomic.Int32) []func(ctx context.Context) {
	tasks := make([]func(ctx context.Context), n)
	for i := range tasks {
		tasks[i] = func(ctx context.Context) { hit.Add(1) }
	}
	return tasks
}

func TestSequentialRunsAllTasks(t *testing.T) {
	var hit atomic.Int32
	if err := (Sequential{}).Run(context.Background(), counting(5, &hit)); err != nil {
		t.Fatalf("run: %v", err)
	}
	if hit.Load() != 5 {
		t.Fatalf("ran %d tasks, want 5", hit.Load())
	}
}

func TestBoundedRunsAllTasks(t *testing.T) {
	var hit atomic.Int32
	b := &Bounded{Workers: 3}
	if err := b.Run(context.Background(), counting(20, &hit)); err != nil {
		t.Fatalf("run: %v", err)
	}
	if hit.Load() != 20 {
		t.Fatalf("ran %d tasks, want 20", hit.Load())
	}
}

func TestBoundedRespectsWorkerLimit(t *testing.T) {
	var mu sync.Mutex
	inFlight, peak := 0, 0
	gate := make(chan struct{})

	tasks := make([]func(ctx context.Context), 8)
	for i := range tasks {
		tasks[i] = func(ctx context.Context) {
			mu.Lock()
			inFlight++
			if inFlight > peak {
				peak = inFlight
			}
			mu.Unlock()
			<-gate
			mu.Lock()
			inFlight--
			mu.Unlock()
		}
	}

	b := &Bounded{Workers: 2}
	done := make(chan struct{})
	go func() {
		defer close(done)
		b.Run(context.Background(), tasks)
	}()
	close(gate)
	<-done

	if peak > 2 {
		t.Fatalf("peak concurrency = %d, want <= 2", peak)
	}
}

func TestSequentialStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var hit atomic.Int32
	tasks := []func(ctx context.Context){
		func(ctx context.Context) { hit.Add(1); cancel() },
		func(ctx context.Context) { hit.Add(1) },
	}
	if err := (Sequential{}).Run(ctx, tasks); err == nil {
		t.Fatalf("expected context error")
	}
	if hit.Load() != 1 {
		t.Fatalf("ran %d tasks after cancel, want 1", hit.Load())
	}
}
