package pipeline

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"provis/internal/artifact"
	"provis/internal/config"
	"provis/internal/llmx"
	"provis/internal/status"
	"provis/internal/types"
)

// fastRetries compresses the per-phase budgets so retry paths finish in
// test time.
var fastRetries = map[types.Phase]RetrySpec{
	types.PhaseDiscover:  {Tries: 2, Backoff: []time.Duration{time.Millisecond}},
	types.PhaseParse:     {Tries: 2, Backoff: []time.Duration{time.Millisecond}},
	types.PhaseMerge:     {Tries: 2, Backoff: []time.Duration{time.Millisecond}},
	types.PhaseMap:       {Tries: 2, Backoff: []time.Duration{time.Millisecond}},
	types.PhaseSummarize: {Tries: 2, Backoff: []time.Duration{time.Millisecond}},
	types.PhaseFinalize:  {Tries: 2, Backoff: []time.Duration{time.Millisecond}},
}

func testConfig() config.Config {
	return config.Config{
		ParseConcurrency:  2,
		ModelConcurrency:  1,
		DetectorWorkers:   2,
		ParseBatchSize:    2,
		ParseBatchTimeout: 30 * time.Second,
		MaxFileBytes:      1 << 20,
	}
}

func writeRepo(t *testing.T, files map[string]string) string {
	t.Helper()
	root := t.TempDir()
	for name, content := range files {
		p := filepath.Join(root, filepath.FromSlash(name))
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
		if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}
	return root
}

func sampleRepo(t *testing.T) string {
	t.Helper()
	return writeRepo(t, map[string]string{
		"app/api/users/route.ts": "import { db } from \"../../lib/db\";\nexport async function GET(req) { return db.query(); }\n",
		"app/lib/db.ts":          "export const db = { query() { return [] } };\n",
		"worker/tasks.py":        "from celery import shared_task\n\n@shared_task\ndef send_email(user_id):\n    return user_id\n",
	})
}

func TestRunSyncCompletesJob(t *testing.T) {
	store, err := artifact.NewFSStore(t.TempDir())
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	o := New(testConfig(), Options{Store: store, Retries: fastRetries})

	jobID, err := o.RunSync(context.Background(), "demo", sampleRepo(t))
	if err != nil {
		t.Fatalf("RunSync: %v", err)
	}

	rec, ok := o.Status().Get(jobID)
	if !ok {
		t.Fatalf("no status record for %s", jobID)
	}
	if rec.State != status.StateDone {
		t.Fatalf("state = %s (error: %s), want done", rec.State, rec.Error)
	}
	if rec.Percent != 100 {
		t.Fatalf("percent = %v, want 100", rec.Percent)
	}
	if rec.SnapshotID == "" {
		t.Fatalf("snapshot id not recorded")
	}
	if len(rec.Artifacts) == 0 {
		t.Fatalf("no artifact URIs recorded")
	}

	ctx := context.Background()
	for _, kind := range []string{artifact.KindGraph, artifact.KindFiles, artifact.KindWarnings, artifact.KindFinal} {
		if _, err := store.Versions(ctx, "demo", rec.SnapshotID, kind); err != nil {
			t.Fatalf("missing %s artifact: %v", kind, err)
		}
	}
	// Capabilities are stored by map and again by summarize.
	versions, err := store.Versions(ctx, "demo", rec.SnapshotID, artifact.KindCapabilities)
	if err != nil {
		t.Fatalf("capabilities artifact: %v", err)
	}
	if len(versions) != 2 {
		t.Fatalf("capabilities versions = %d, want 2", len(versions))
	}

	var art types.GraphArtifact
	if _, err := artifact.GetJSON(ctx, store, "demo", rec.SnapshotID, artifact.KindGraph, 0, &art); err != nil {
		t.Fatalf("get graph: %v", err)
	}
	if art.Metadata.TotalEdges == 0 {
		t.Fatalf("graph has no edges")
	}

	var caps []types.Capability
	if _, err := artifact.GetJSON(ctx, store, "demo", rec.SnapshotID, artifact.KindCapabilities, 0, &caps); err != nil {
		t.Fatalf("get capabilities: %v", err)
	}
	if len(caps) == 0 {
		t.Fatalf("no capabilities derived")
	}
	for _, c := range caps {
		if c.Summary == "" {
			t.Fatalf("capability %s has no summary", c.Name)
		}
	}
}

func TestRunSyncEmitsProgressEvents(t *testing.T) {
	o := New(testConfig(), Options{Retries: fastRetries})
	jobID, err := o.RunSync(context.Background(), "demo", sampleRepo(t))
	if err != nil {
		t.Fatalf("RunSync: %v", err)
	}

	events := o.Status().Events(jobID, 0)
	if len(events) == 0 {
		t.Fatalf("no events emitted")
	}
	last := events[len(events)-1]
	if last.Type != "done" {
		t.Fatalf("last event = %s, want done", last.Type)
	}
	var prev float64
	for _, ev := range events {
		if ev.Type != "task_done" {
			continue
		}
		if ev.Percent < prev {
			t.Fatalf("percent went backwards: %v after %v", ev.Percent, prev)
		}
		prev = ev.Percent
	}
}

func TestSummariesUseScriptedModel(t *testing.T) {
	client := llmx.NewFakeClient()
	client.Script("schema=summary-v1", `{"summary":"Serves user lookups over HTTP."}`)
	cfg := testConfig()
	cfg.TokenBudget = 1 << 20
	o := New(cfg, Options{Client: client, Retries: fastRetries})

	jobID, err := o.RunSync(context.Background(), "demo", sampleRepo(t))
	if err != nil {
		t.Fatalf("RunSync: %v", err)
	}
	rec, _ := o.Status().Get(jobID)
	if rec.State != status.StateDone {
		t.Fatalf("state = %s (error: %s)", rec.State, rec.Error)
	}
	if client.Calls() == 0 {
		t.Fatalf("model never called")
	}
}

func TestSubmitRejectedWhileDraining(t *testing.T) {
	o := New(testConfig(), Options{Retries: fastRetries})
	if err := o.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if _, err := o.Submit("demo", t.TempDir()); !errors.Is(err, ErrDraining) {
		t.Fatalf("Submit after shutdown = %v, want ErrDraining", err)
	}
	if _, err := o.RunSync(context.Background(), "demo", t.TempDir()); !errors.Is(err, ErrDraining) {
		t.Fatalf("RunSync after shutdown = %v, want ErrDraining", err)
	}
}

func TestEngineRetriesThenSucceeds(t *testing.T) {
	e := newEngine()
	var attempts atomic.Int32
	e.add(&task{
		id:    "flaky",
		phase: types.PhaseParse,
		retry: RetrySpec{Tries: 3, Backoff: []time.Duration{time.Millisecond}},
		run: func(ctx context.Context) error {
			if attempts.Add(1) < 3 {
				return errors.New("transient")
			}
			return nil
		},
	})
	if err := e.runAll(context.Background()); err != nil {
		t.Fatalf("runAll: %v", err)
	}
	if got := attempts.Load(); got != 3 {
		t.Fatalf("attempts = %d, want 3", got)
	}
}

func TestEngineHonorsRetryBackoff(t *testing.T) {
	e := newEngine()
	backoff := 50 * time.Millisecond
	var mu sync.Mutex
	var attempts []time.Time
	e.add(&task{
		id:    "flaky",
		phase: types.PhaseMerge,
		retry: RetrySpec{Tries: 2, Backoff: []time.Duration{backoff}},
		run: func(ctx context.Context) error {
			mu.Lock()
			attempts = append(attempts, time.Now())
			n := len(attempts)
			mu.Unlock()
			if n == 1 {
				return errors.New("transient")
			}
			return nil
		},
	})
	if err := e.runAll(context.Background()); err != nil {
		t.Fatalf("runAll: %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(attempts) != 2 {
		t.Fatalf("attempts = %d, want 2", len(attempts))
	}
	if gap := attempts[1].Sub(attempts[0]); gap < backoff {
		t.Fatalf("retry after %s, want at least %s", gap, backoff)
	}
}

func TestEngineExhaustedRetriesFailDependents(t *testing.T) {
	e := newEngine()
	var downstream atomic.Bool
	e.add(&task{
		id:    "broken",
		phase: types.PhaseParse,
		retry: RetrySpec{Tries: 2, Backoff: []time.Duration{time.Millisecond}},
		run: func(ctx context.Context) error {
			return errors.New("boom")
		},
	})
	e.add(&task{
		id:    "dependent",
		phase: types.PhaseMerge,
		deps:  []string{"broken"},
		retry: RetrySpec{Tries: 1},
		run: func(ctx context.Context) error {
			downstream.Store(true)
			return nil
		},
	})

	err := e.runAll(context.Background())
	if err == nil {
		t.Fatalf("runAll succeeded, want failure")
	}
	if want := "task broken failed after 2 attempts"; !strings.Contains(err.Error(), want) {
		t.Fatalf("error = %q, want substring %q", err, want)
	}
	if downstream.Load() {
		t.Fatalf("dependent ran after its dependency failed")
	}
	if phase, ok := e.failedPhase(); !ok || phase != types.PhaseParse {
		t.Fatalf("failedPhase = %s, %v; want %s", phase, ok, types.PhaseParse)
	}
}

func TestEngineStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	e := newEngine()
	e.add(&task{
		id:    "first",
		phase: types.PhaseDiscover,
		retry: RetrySpec{Tries: 1},
		run: func(ctx context.Context) error {
			cancel()
			return nil
		},
	})
	var ran atomic.Bool
	e.add(&task{
		id:    "second",
		phase: types.PhaseMerge,
		deps:  []string{"first"},
		retry: RetrySpec{Tries: 1},
		run: func(ctx context.Context) error {
			ran.Store(true)
			return nil
		},
	})

	if err := e.runAll(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("runAll = %v, want context.Canceled", err)
	}
	if ran.Load() {
		t.Fatalf("second task started after cancellation")
	}
}

func TestFailedJobRecordsError(t *testing.T) {
	o := New(testConfig(), Options{Retries: fastRetries})
	jobID, err := o.RunSync(context.Background(), "demo", filepath.Join(t.TempDir(), "missing"))
	if err == nil {
		t.Fatalf("RunSync on missing repo succeeded")
	}
	rec, ok := o.Status().Get(jobID)
	if !ok {
		t.Fatalf("no record for failed job")
	}
	if rec.State != status.StateFailed {
		t.Fatalf("state = %s, want failed", rec.State)
	}
	if rec.Error == "" {
		t.Fatalf("error not recorded")
	}
	if rec.Phase != types.PhaseDiscover {
		t.Fatalf("phase = %s, want %s", rec.Phase, types.PhaseDiscover)
	}
}

func TestParseBatchTimeoutDegrades(t *testing.T) {
	cfg := testConfig()
	cfg.ParseBatchTimeout = time.Nanosecond
	store, err := artifact.NewFSStore(t.TempDir())
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	o := New(cfg, Options{Store: store, Retries: fastRetries})

	jobID, err := o.RunSync(context.Background(), "demo", sampleRepo(t))
	if err != nil {
		t.Fatalf("RunSync: %v", err)
	}
	rec, _ := o.Status().Get(jobID)
	if rec.State != status.StateDone {
		t.Fatalf("state = %s (error: %s), want done despite batch timeout", rec.State, rec.Error)
	}
	if rec.Warnings == 0 {
		t.Fatalf("timeout produced no warnings")
	}

	var warnings []types.Warning
	if _, err := artifact.GetJSON(context.Background(), store, "demo", rec.SnapshotID, artifact.KindWarnings, 0, &warnings); err != nil {
		t.Fatalf("get warnings: %v", err)
	}
	found := false
	for _, w := range warnings {
		if w.ReasonCode == types.ReasonTimeout {
			found = true
		}
	}
	if !found {
		t.Fatalf("no timeout warning in artifact: %+v", warnings)
	}
}
