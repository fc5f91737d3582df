package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"provis/internal/artifact"
	"provis/internal/config"
	"provis/internal/detect"
	"provis/internal/llmx"
	"provis/internal/parse"
	"provis/internal/resolve"
	"provis/internal/safeio"
	"provis/internal/snapshot"
	"provis/internal/status"
	"provis/internal/types"
)

// Per-phase retry budgets. Summarize gets the longest backoff since its
// failures are usually external rate limits.
var defaultRetries = map[types.Phase]RetrySpec{
	types.PhaseDiscover:  {Tries: 3, Backoff: []time.Duration{30 * time.Second, 60 * time.Second, 120 * time.Second}},
	types.PhaseParse:     {Tries: 3, Backoff: []time.Duration{30 * time.Second, 60 * time.Second, 120 * time.Second}},
	types.PhaseMerge:     {Tries: 2, Backoff: []time.Duration{15 * time.Second, 30 * time.Second}},
	types.PhaseMap:       {Tries: 2, Backoff: []time.Duration{15 * time.Second, 30 * time.Second}},
	types.PhaseSummarize: {Tries: 3, Backoff: []time.Duration{60 * time.Second, 120 * time.Second, 240 * time.Second}},
	types.PhaseFinalize:  {Tries: 2, Backoff: []time.Duration{10 * time.Second, 20 * time.Second}},
}

var ErrDraining = errors.New("pipeline: shutting down")

// Options bundle the orchestrator's collaborators. Retries overrides the
// default per-phase budgets (tests compress them).
type Options struct {
	Status  *status.Manager
	Store   artifact.Store
	Client  llmx.Client // nil disables the model layer
	Retries map[types.Phase]RetrySpec
}

// Orchestrator multiplexes analysis jobs over two bounded resource pools:
// one for structural parsing, one for model calls. Only the orchestrator
// mutates job records, and only after observing task completion.
type Orchestrator struct {
	cfg     config.Config
	status  *status.Manager
	store   artifact.Store
	client  llmx.Client
	retries map[types.Phase]RetrySpec

	parsePool pool
	modelPool pool
	parsers   *parse.Registry

	mu       sync.Mutex
	jobs     map[string]*Run
	draining bool
	wg       sync.WaitGroup
	stop     chan struct{}
	stopOnce sync.Once
}

func New(cfg config.Config, opts Options) *Orchestrator {
	retries := opts.Retries
	if retries == nil {
		retries = defaultRetries
	}
	st := opts.Status
	if st == nil {
		st = status.NewManager()
	}
	o := &Orchestrator{
		cfg:       cfg,
		status:    st,
		store:     opts.Store,
		client:    opts.Client,
		retries:   retries,
		parsePool: newPool(cfg.ParseConcurrency),
		modelPool: newPool(cfg.ModelConcurrency),
		parsers:   parse.Default(),
		jobs:      make(map[string]*Run),
		stop:      make(chan struct{}),
	}
	if cfg.SweepInterval > 0 {
		go o.sweeper()
	}
	return o
}

// Run is the per-job run context: every cache and flag a job needs lives
// here, constructed at job start, never shared across jobs.
type Run struct {
	JobID    string
	RepoID   string
	RepoPath string

	fsys     *safeio.SafeFS
	snap     *snapshot.Snapshot
	resolver *resolve.Resolver
	registry *detect.Registry
	session  *llmx.Session

	mu         sync.Mutex
	files      []types.FileRecord
	graph      types.GraphArtifact
	caps       []types.Capability
	warnings   []types.Warning
	artifacts  []artifact.Meta
	phaseStart map[types.Phase]time.Time
	phaseDur   map[types.Phase]time.Duration
	budgetOut  bool
}

// Submit starts a job in the background and returns its ID.
func (o *Orchestrator) Submit(repoID, repoPath string) (string, error) {
	o.mu.Lock()
	if o.draining {
		o.mu.Unlock()
		return "", ErrDraining
	}
	o.wg.Add(1)
	o.mu.Unlock()

	jobID := uuid.NewString()
	run := &Run{
		JobID:      jobID,
		RepoID:     repoID,
		RepoPath:   repoPath,
		phaseStart: make(map[types.Phase]time.Time),
		phaseDur:   make(map[types.Phase]time.Duration),
	}
	o.mu.Lock()
	o.jobs[jobID] = run
	o.mu.Unlock()

	o.status.Create(jobID, repoID)
	go func() {
		defer o.wg.Done()
		if err := o.runJob(context.Background(), run); err != nil {
			log.Printf("[pipeline] job %s failed: %v", jobID, err)
		}
	}()
	return jobID, nil
}

// RunSync runs one job to completion on the caller's goroutine.
func (o *Orchestrator) RunSync(ctx context.Context, repoID, repoPath string) (string, error) {
	o.mu.Lock()
	if o.draining {
		o.mu.Unlock()
		return "", ErrDraining
	}
	o.wg.Add(1)
	o.mu.Unlock()
	defer o.wg.Done()

	jobID := uuid.NewString()
	run := &Run{
		JobID:      jobID,
		RepoID:     repoID,
		RepoPath:   repoPath,
		phaseStart: make(map[types.Phase]time.Time),
		phaseDur:   make(map[types.Phase]time.Duration),
	}
	o.mu.Lock()
	o.jobs[jobID] = run
	o.mu.Unlock()

	o.status.Create(jobID, repoID)
	return jobID, o.runJob(ctx, run)
}

// Status exposes the status manager for handlers and the CLI.
func (o *Orchestrator) Status() *status.Manager { return o.status }

// Shutdown stops new job starts, cooperatively drains in-flight ones and
// stops the sweeper. In-flight tasks are not aborted mid-run.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	o.draining = true
	o.mu.Unlock()
	o.stopOnce.Do(func() { close(o.stop) })

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (o *Orchestrator) runJob(ctx context.Context, run *Run) error {
	if o.client != nil {
		sess, err := llmx.NewSession(o.client, llmx.SessionOptions{
			TokenBudget: o.cfg.TokenBudget,
			CacheSize:   o.cfg.ModelCacheSize,
			RPS:         o.cfg.ModelRPS,
			Burst:       o.cfg.ModelBurst,
		})
		if err != nil {
			return err
		}
		run.session = sess
		defer sess.Close()
	}
	run.registry = detect.NewRegistry(o.cfg.DetectorWorkers, detect.NewReranker())

	o.status.Update(run.JobID, func(r *status.Record) { r.State = status.StateRunning })

	e := newEngine()
	e.onDone = func(t *task, done, total int) {
		percent := float64(done) / float64(total) * 100
		o.status.Update(run.JobID, func(r *status.Record) {
			r.Phase = t.phase
			r.Percent = percent
			r.TasksDone = done
			r.TasksTotal = total
		})
		o.status.Emit(run.JobID, "task_done", t.phase, percent, t.id)
	}
	o.buildTasks(e, run)

	err := e.runAll(ctx)
	if err != nil {
		// The record keeps the phase the job failed in.
		phase := types.PhaseFailed
		if p, ok := e.failedPhase(); ok {
			phase = p
		}
		o.status.Update(run.JobID, func(r *status.Record) {
			r.State = status.StateFailed
			r.Phase = phase
			r.Error = err.Error()
		})
		o.status.Emit(run.JobID, "failed", phase, 0, err.Error())
		return err
	}
	o.status.Update(run.JobID, func(r *status.Record) {
		r.State = status.StateDone
		r.Phase = types.PhaseDone
		r.Percent = 100
	})
	o.status.Emit(run.JobID, "done", types.PhaseDone, 100, "")
	return nil
}

// buildTasks wires the linear phase chain. Parse batch tasks are added by
// the discover task once the snapshot exists; merge starts with a
// dependency on discover and gains one per batch.
func (o *Orchestrator) buildTasks(e *engine, run *Run) {
	e.add(&task{
		id:    "discover",
		phase: types.PhaseDiscover,
		retry: o.retries[types.PhaseDiscover],
		run: func(ctx context.Context) error {
			return o.timed(run, types.PhaseDiscover, func() error {
				return o.discover(ctx, e, run)
			})
		},
	})
	e.add(&task{
		id:    "merge",
		phase: types.PhaseMerge,
		deps:  []string{"discover"},
		pool:  o.modelPool,
		retry: o.retries[types.PhaseMerge],
		run: func(ctx context.Context) error {
			return o.timed(run, types.PhaseMerge, func() error { return o.merge(ctx, run) })
		},
	})
	e.add(&task{
		id:    "map",
		phase: types.PhaseMap,
		deps:  []string{"merge"},
		retry: o.retries[types.PhaseMap],
		run: func(ctx context.Context) error {
			return o.timed(run, types.PhaseMap, func() error { return o.mapCapabilities(ctx, run) })
		},
	})
	e.add(&task{
		id:    "summarize",
		phase: types.PhaseSummarize,
		deps:  []string{"map"},
		pool:  o.modelPool,
		retry: o.retries[types.PhaseSummarize],
		run: func(ctx context.Context) error {
			return o.timed(run, types.PhaseSummarize, func() error { return o.summarize(ctx, run) })
		},
	})
	e.add(&task{
		id:    "finalize",
		phase: types.PhaseFinalize,
		deps:  []string{"summarize"},
		retry: o.retries[types.PhaseFinalize],
		run: func(ctx context.Context) error {
			return o.timed(run, types.PhaseFinalize, func() error { return o.finalize(ctx, run) })
		},
	})
}

func (o *Orchestrator) timed(run *Run, phase types.Phase, fn func() error) error {
	start := time.Now()
	run.mu.Lock()
	if _, ok := run.phaseStart[phase]; !ok {
		run.phaseStart[phase] = start
	}
	run.mu.Unlock()

	err := fn()

	run.mu.Lock()
	run.phaseDur[phase] += time.Since(start)
	run.mu.Unlock()
	return err
}

func (o *Orchestrator) sweeper() {
	ticker := time.NewTicker(o.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-o.stop:
			return
		case <-ticker.C:
			o.status.Sweep(o.cfg.RetentionWindow)
			o.sweepRuns()
		}
	}
}

// sweepRuns drops run contexts whose status record is gone or finished
// past the retention window.
func (o *Orchestrator) sweepRuns() {
	cutoff := time.Now().UTC().Add(-o.cfg.RetentionWindow)
	o.mu.Lock()
	defer o.mu.Unlock()
	for id := range o.jobs {
		rec, ok := o.status.Get(id)
		if !ok {
			delete(o.jobs, id)
			continue
		}
		if (rec.State == status.StateDone || rec.State == status.StateFailed) &&
			!rec.FinishedAt.IsZero() && rec.FinishedAt.Before(cutoff) {
			delete(o.jobs, id)
		}
	}
}

func batchID(i int) string { return fmt.Sprintf("parse-batch-%d", i) }
