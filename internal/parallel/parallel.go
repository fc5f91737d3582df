package parallel

import (
	"context"
	"log"
	"runtime"
	"sync"
)

// Executor runs a set of independent tasks. The two variants are
// sequential and bounded-parallel; Select probes once at startup and the
// callers are written against the interface only.
type Executor interface {
	Name() string
	Run(ctx context.Context, tasks []func(ctx context.Context)) error
}

// Select returns the bounded executor when more than one CPU is available,
// else the sequential one.
func Select(workers int) Executor {
	if runtime.NumCPU() <= 1 || workers == 1 {
		log.Printf("[parallel] using sequential executor")
		return Sequential{}
	}
	if workers < 1 {
		workers = runtime.NumCPU()
	}
	return &Bounded{Workers: workers}
}

type Sequential struct{}

func (Sequential) Name() string { return "sequential" }

func (Sequential) Run(ctx context.Context, tasks []func(ctx context.Context)) error {
	for _, task := range tasks {
		if err := ctx.Err(); err != nil {
			return err
		}
		task(ctx)
	}
	return nil
}

// Bounded fans tasks out over at most Workers goroutines.
type Bounded struct {
	Workers int
}

func (b *Bounded) Name() string { return "bounded" }

func (b *Bounded) Run(ctx context.Context, tasks []func(ctx context.Context)) error {
	workers := b.Workers
	if workers < 1 {
		workers = runtime.NumCPU()
	}
	sem := make(chan struct{}, workers)
	var wg sync.WaitGroup
	for _, task := range tasks {
		if err := ctx.Err(); err != nil {
			break
		}
		wg.Add(1)
		sem <- struct{}{}
		go func(task func(ctx context.Context)) {
			defer wg.Done()
			defer func() { <-sem }()
			task(ctx)
		}(task)
	}
	wg.Wait()
	return ctx.Err()
}
