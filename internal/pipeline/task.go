package pipeline

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"provis/internal/types"
)

type taskState string

const (
	taskQueued  taskState = "queued"
	taskRunning taskState = "running"
	taskDone    taskState = "done"
	taskFailed  taskState = "failed"
)

// RetrySpec is one phase's retry budget: Tries total attempts, Backoff[i]
// the wait before attempt i+2.
type RetrySpec struct {
	Tries   int
	Backoff []time.Duration
}

func (s RetrySpec) wait(attempt int) time.Duration {
	if len(s.Backoff) == 0 {
		return 0
	}
	if attempt >= len(s.Backoff) {
		return s.Backoff[len(s.Backoff)-1]
	}
	return s.Backoff[attempt]
}

// pool is a counting semaphore gating a class of tasks.
type pool chan struct{}

func newPool(size int) pool {
	if size < 1 {
		size = 1
	}
	return make(pool, size)
}

func (p pool) acquire(ctx context.Context) error {
	if p == nil {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case p <- struct{}{}:
		return nil
	}
}

func (p pool) release() {
	if p == nil {
		return
	}
	<-p
}

// task is one unit in a job's dependency graph. Only the engine mutates a
// task, and only after observing its completion.
type task struct {
	id    string
	phase types.Phase
	deps  []string
	pool  pool
	retry RetrySpec
	run   func(ctx context.Context) error

	state    taskState
	attempts int
	notUntil time.Time
	err      error
}

// engine drives one job's tasks through QUEUED -> RUNNING -> DONE, retrying
// failures per the task's RetrySpec until exhaustion marks the task, and the
// job, FAILED. Dependents of a failed task never start.
type engine struct {
	mu    sync.Mutex
	tasks map[string]*task
	order []string // insertion order, for deterministic scheduling

	onDone func(t *task, done, total int)
}

func newEngine() *engine {
	return &engine{tasks: make(map[string]*task)}
}

func (e *engine) add(t *task) {
	e.mu.Lock()
	defer e.mu.Unlock()
	t.state = taskQueued
	e.tasks[t.id] = t
	e.order = append(e.order, t.id)
}

// addDep appends a dependency to an existing task.
func (e *engine) addDep(taskID, depID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if t, ok := e.tasks[taskID]; ok {
		t.deps = append(t.deps, depID)
	}
}

func (e *engine) depsMet(t *task) bool {
	for _, dep := range t.deps {
		d, ok := e.tasks[dep]
		if !ok || d.state != taskDone {
			return false
		}
	}
	return true
}

// failedPhase reports the phase of the first failed task, in insertion
// order.
func (e *engine) failedPhase() (types.Phase, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, id := range e.order {
		if t := e.tasks[id]; t.state == taskFailed {
			return t.phase, true
		}
	}
	return "", false
}

func (e *engine) counts() (done, failed, running, total int) {
	for _, t := range e.tasks {
		switch t.state {
		case taskDone:
			done++
		case taskFailed:
			failed++
		case taskRunning:
			running++
		}
	}
	return done, failed, running, len(e.tasks)
}

// runAll blocks until every task is DONE or the job has failed. The loop
// wakes on task completion; a timer is armed only when a retry backoff is
// pending. On failure it stops starting new tasks and drains in-flight
// ones. Returns the first task error, or ctx's error on cancellation.
func (e *engine) runAll(ctx context.Context) error {
	results := make(chan *task)
	var inFlight int
	var firstErr error

	for {
		e.mu.Lock()
		done, failed, _, total := e.counts()
		if failed > 0 && firstErr == nil {
			for _, id := range e.order {
				if t := e.tasks[id]; t.state == taskFailed {
					firstErr = t.err
					break
				}
			}
		}
		allSettled := done+failed == total
		var ready []*task
		var wake time.Time
		if firstErr == nil && ctx.Err() == nil {
			now := time.Now()
			for _, id := range e.order {
				t := e.tasks[id]
				if t.state != taskQueued || !e.depsMet(t) {
					continue
				}
				if t.notUntil.After(now) {
					if wake.IsZero() || t.notUntil.Before(wake) {
						wake = t.notUntil
					}
					continue
				}
				ready = append(ready, t)
			}
			for _, t := range ready {
				t.state = taskRunning
			}
		}
		e.mu.Unlock()

		if allSettled && inFlight == 0 {
			return firstErr
		}
		if (firstErr != nil || ctx.Err() != nil) && inFlight == 0 {
			if firstErr != nil {
				return firstErr
			}
			return ctx.Err()
		}

		for _, t := range ready {
			inFlight++
			go e.execute(ctx, t, results)
		}

		if (firstErr != nil || ctx.Err() != nil) || wake.IsZero() {
			// nothing to wait for but a completion
			t := <-results
			inFlight--
			e.settle(t)
			continue
		}
		select {
		case t := <-results:
			inFlight--
			e.settle(t)
		case <-time.After(time.Until(wake)):
			// the earliest retry backoff elapsed
		}
	}
}

func (e *engine) execute(ctx context.Context, t *task, results chan<- *task) {
	err := func() error {
		if err := t.pool.acquire(ctx); err != nil {
			return err
		}
		defer t.pool.release()
		return t.run(ctx)
	}()

	e.mu.Lock()
	t.err = err
	e.mu.Unlock()
	results <- t
}

// settle moves a finished task to DONE, back to QUEUED with backoff, or to
// FAILED when its tries are spent.
func (e *engine) settle(t *task) {
	e.mu.Lock()
	t.attempts++
	if t.err == nil {
		t.state = taskDone
	} else if t.attempts < t.retry.Tries {
		wait := t.retry.wait(t.attempts - 1)
		t.notUntil = time.Now().Add(wait)
		t.state = taskQueued
		log.Printf("[pipeline] task %s attempt %d/%d failed, retrying in %s: %v",
			t.id, t.attempts, t.retry.Tries, wait, t.err)
	} else {
		t.state = taskFailed
		t.err = fmt.Errorf("task %s failed after %d attempts: %w", t.id, t.attempts, t.err)
		log.Printf("[pipeline] %v", t.err)
	}
	done, _, _, total := e.counts()
	cb := e.onDone
	state := t.state
	e.mu.Unlock()

	if cb != nil && state == taskDone {
		cb(t, done, total)
	}
}
