package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"time"

	"provis/internal/artifact"
	"provis/internal/capability"
	"provis/internal/detect"
	"provis/internal/graph"
	"provis/internal/llmx"
	"provis/internal/resolve"
	"provis/internal/safeio"
	"provis/internal/snapshot"
	"provis/internal/status"
	"provis/internal/types"
)

// discover builds the snapshot, seeds minimal records for every file and
// fans the parseable ones out into batch tasks. Merge gains one dependency
// per batch.
func (o *Orchestrator) discover(ctx context.Context, e *engine, run *Run) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	fsys, err := safeio.NewSafeFS(run.RepoPath)
	if err != nil {
		return fmt.Errorf("discover: %w", err)
	}
	snap, err := snapshot.Build(run.RepoID, fsys, snapshot.Options{MaxFileBytes: o.cfg.MaxFileBytes})
	if err != nil {
		return fmt.Errorf("discover: %w", err)
	}

	run.mu.Lock()
	run.fsys = fsys
	run.snap = snap
	run.resolver = resolve.New(snap, fsys, resolve.Options{EnableBruteForce: o.cfg.EnableBruteForce})
	run.files = make([]types.FileRecord, len(snap.Files))
	copy(run.files, snap.Files)
	for _, rec := range run.files {
		if rec.SkippedLarge {
			run.addWarningLocked(types.PhaseDiscover, rec.Path, types.ReasonSkippedLarge,
				fmt.Sprintf("file exceeds %d bytes, structural parse skipped", o.cfg.MaxFileBytes))
		}
	}

	batchSize := o.cfg.ParseBatchSize
	if batchSize < 1 {
		batchSize = 50
	}
	var current []int
	var batches [][]int
	for i, rec := range run.files {
		if rec.SkippedLarge || !snapshot.Parseable(rec.Language) {
			continue
		}
		current = append(current, i)
		if len(current) == batchSize {
			batches = append(batches, current)
			current = nil
		}
	}
	if len(current) > 0 {
		batches = append(batches, current)
	}
	run.mu.Unlock()

	o.status.Update(run.JobID, func(r *status.Record) { r.SnapshotID = snap.ID })

	for i, batch := range batches {
		batch := batch
		id := batchID(i)
		e.add(&task{
			id:    id,
			phase: types.PhaseParse,
			deps:  []string{"discover"},
			pool:  o.parsePool,
			retry: o.retries[types.PhaseParse],
			run: func(ctx context.Context) error {
				return o.timed(run, types.PhaseParse, func() error {
					return o.parseBatch(ctx, run, batch)
				})
			},
		})
		e.addDep("merge", id)
	}
	log.Printf("[pipeline] job %s: %d files, %d parse batches", run.JobID, len(snap.Files), len(batches))
	return nil
}

// parseBatch runs the per-file pipeline for one batch under the batch
// timeout. When the timeout fires, files not yet processed keep their
// minimal records and get a timeout warning; the batch still succeeds.
func (o *Orchestrator) parseBatch(ctx context.Context, run *Run, indices []int) error {
	timeout := o.cfg.ParseBatchTimeout
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	bctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	for n, idx := range indices {
		if bctx.Err() != nil {
			run.mu.Lock()
			for _, rest := range indices[n:] {
				run.addWarningLocked(types.PhaseParse, run.files[rest].Path, types.ReasonTimeout,
					"parse batch timed out, file kept as minimal record")
			}
			run.mu.Unlock()
			if ctx.Err() != nil {
				return ctx.Err() // job-level cancellation, not a batch degrade
			}
			log.Printf("[pipeline] job %s: parse batch degraded after %s", run.JobID, timeout)
			return nil
		}

		run.mu.Lock()
		rec := run.files[idx]
		run.mu.Unlock()

		full, err := o.parseFile(run, rec)
		if err != nil {
			run.mu.Lock()
			run.addWarningLocked(types.PhaseParse, rec.Path, types.ReasonUnknown, err.Error())
			run.mu.Unlock()
			continue
		}
		run.mu.Lock()
		run.files[idx] = full
		run.mu.Unlock()
	}
	return nil
}

// parseFile produces the full record for one file: symbols, resolved
// imports and detector output. Parser and detector failures degrade the
// record, they never fail the batch.
func (o *Orchestrator) parseFile(run *Run, rec types.FileRecord) (types.FileRecord, error) {
	content, err := run.snap.ReadFile(rec.Path)
	if err != nil {
		return rec, fmt.Errorf("read: %w", err)
	}
	parsed, err := o.parsers.ParseFile(rec.Path, content)
	if err != nil {
		return rec, fmt.Errorf("parse: %w", err)
	}
	if parsed != nil {
		rec.Exports = parsed.Exports
		for _, fn := range parsed.Functions {
			rec.Functions = append(rec.Functions, types.FunctionSym{
				Name:       fn.Name,
				Params:     fn.Params,
				Decorators: fn.Decorators,
				Calls:      fn.Calls,
				Evidence:   []types.EvidenceSpan{{File: rec.Path, Start: fn.Line, End: fn.End}},
			})
		}
		for _, cls := range parsed.Classes {
			rec.Classes = append(rec.Classes, types.ClassSym{
				Name:     cls.Name,
				Bases:    cls.Bases,
				Methods:  cls.Methods,
				Evidence: []types.EvidenceSpan{{File: rec.Path, Start: cls.Line, End: cls.End}},
			})
		}
		for _, imp := range parsed.Imports {
			rec.Imports = append(rec.Imports, run.resolver.Resolve(rec.Path, imp))
		}
	}

	results := run.registry.DetectAll(detect.Input{
		Path:     rec.Path,
		Language: rec.Language,
		Content:  content,
		Parsed:   parsed,
	})
	for _, res := range results {
		rec.Routes = append(rec.Routes, res.Routes...)
		rec.Jobs = append(rec.Jobs, res.Jobs...)
		rec.Stores = append(rec.Stores, res.Stores...)
		rec.Externals = append(rec.Externals, res.Externals...)
	}
	return rec, nil
}

// merge folds every file record into the graph, asks the model layer for
// proposals on thin files, and stores the graph and files artifacts.
func (o *Orchestrator) merge(ctx context.Context, run *Run) error {
	run.mu.Lock()
	files := make([]types.FileRecord, len(run.files))
	copy(files, run.files)
	run.mu.Unlock()

	b := graph.NewBuilder()
	for _, rec := range files {
		b.AddFile(rec)
	}

	if run.session != nil {
		for _, rec := range files {
			if !thinRecord(rec) {
				continue
			}
			snippet := o.snippetFor(run, rec)
			proposals, err := llmx.ProposeEdges(ctx, run.session, rec, snippet)
			if err != nil {
				if errors.Is(err, llmx.ErrBudgetExceeded) {
					run.mu.Lock()
					run.budgetOut = true
					run.addWarningLocked(types.PhaseMerge, rec.Path, types.ReasonBudgetExceeded,
						"model token budget exhausted, remaining completions skipped")
					run.mu.Unlock()
					break
				}
				return err
			}
			for _, edge := range proposals {
				b.MergeModelEdge(edge)
			}
		}
	}

	art := b.Build()
	run.mu.Lock()
	run.graph = art
	run.mu.Unlock()

	if err := o.putArtifact(ctx, run, artifact.KindGraph, art); err != nil {
		return err
	}
	return o.putArtifact(ctx, run, artifact.KindFiles, files)
}

// thinRecord marks files whose static pass produced nothing to hang edges
// on; only these are worth a model call.
func thinRecord(rec types.FileRecord) bool {
	if rec.SkippedLarge || !snapshot.Parseable(rec.Language) {
		return false
	}
	return len(rec.Imports) == 0 && len(rec.Routes) == 0 && len(rec.Jobs) == 0 &&
		len(rec.Stores) == 0 && len(rec.Externals) == 0
}

const maxSnippetBytes = 2048

func (o *Orchestrator) snippetFor(run *Run, rec types.FileRecord) string {
	content, err := run.snap.ReadFile(rec.Path)
	if err != nil {
		return ""
	}
	if len(content) > maxSnippetBytes {
		content = content[:maxSnippetBytes]
	}
	return string(content)
}

// mapCapabilities derives and ranks capabilities, builds the warnings
// artifact and stores both.
func (o *Orchestrator) mapCapabilities(ctx context.Context, run *Run) error {
	run.mu.Lock()
	art := run.graph
	files := make([]types.FileRecord, len(run.files))
	copy(files, run.files)
	run.mu.Unlock()

	caps := capability.NewAnalyzer(art, files).Analyze()

	run.mu.Lock()
	run.caps = caps
	warnings := buildWarnings(run.warnings, art)
	run.warnings = warnings
	run.mu.Unlock()

	o.status.Update(run.JobID, func(r *status.Record) { r.Warnings = len(warnings) })

	if err := o.putArtifact(ctx, run, artifact.KindCapabilities, caps); err != nil {
		return err
	}
	return o.putArtifact(ctx, run, artifact.KindWarnings, warnings)
}

// summarize fills per-capability summaries through the model layer. A
// spent budget degrades the rest to static summaries; it never fails the
// task.
func (o *Orchestrator) summarize(ctx context.Context, run *Run) error {
	run.mu.Lock()
	caps := run.caps
	budgetOut := run.budgetOut
	run.mu.Unlock()

	for i := range caps {
		if run.session == nil || budgetOut {
			caps[i].Summary = llmx.StaticSummary(caps[i])
			continue
		}
		summary, err := llmx.Summarize(ctx, run.session, caps[i])
		caps[i].Summary = summary
		if errors.Is(err, llmx.ErrBudgetExceeded) {
			budgetOut = true
			run.mu.Lock()
			run.budgetOut = true
			run.addWarningLocked(types.PhaseSummarize, "", types.ReasonBudgetExceeded,
				"model token budget exhausted, remaining summaries are static")
			run.mu.Unlock()
		}
	}

	run.mu.Lock()
	run.caps = caps
	run.mu.Unlock()
	return o.putArtifact(ctx, run, artifact.KindCapabilities, caps)
}

// lowConfidence marks main edges worth a warning even though they were
// kept.
const lowConfidence = 0.7

// buildWarnings extends the phase warnings with graph-level signals:
// quarantined edge counts, low-confidence main edges and suggested edges,
// aggregated per (file, reason).
func buildWarnings(warnings []types.Warning, art types.GraphArtifact) []types.Warning {
	out := append([]types.Warning(nil), warnings...)
	if n := art.Metadata.QuarantinedEdges; n > 0 {
		out = append(out, types.Warning{
			Phase:      types.PhaseMerge,
			ReasonCode: types.ReasonUnknown,
			Message:    "low-confidence hypothesis edges quarantined",
			Count:      n,
		})
	}

	type warnKey struct {
		file   string
		reason string
	}
	lowConf := make(map[warnKey]int)
	for _, edge := range art.Edges {
		if edge.Confidence < lowConfidence {
			reason := edge.ReasonCode
			if reason == "" {
				reason = types.ReasonUnknown
			}
			lowConf[warnKey{edge.From, reason}]++
		}
	}
	suggested := make(map[warnKey]int)
	for _, edge := range art.SuggestedEdges {
		reason := edge.ReasonCode
		if reason == "" {
			reason = types.ReasonPatternFallback
		}
		suggested[warnKey{edge.From, reason}]++
	}

	emit := func(m map[warnKey]int, message string) {
		keys := make([]warnKey, 0, len(m))
		for k := range m {
			keys = append(keys, k)
		}
		sort.Slice(keys, func(i, j int) bool {
			if keys[i].file != keys[j].file {
				return keys[i].file < keys[j].file
			}
			return keys[i].reason < keys[j].reason
		})
		for _, k := range keys {
			out = append(out, types.Warning{
				Phase:      types.PhaseMerge,
				File:       k.file,
				ReasonCode: k.reason,
				Message:    message,
				Count:      m[k],
			})
		}
	}
	emit(lowConf, "edge kept below the low-confidence bar")
	emit(suggested, "edges below the confidence floor kept as suggestions")
	return out
}

// FinalReport is the finalize artifact: inventory plus job metrics.
type FinalReport struct {
	JobID          string                 `json:"job_id"`
	RepoID         string                 `json:"repo_id"`
	SnapshotID     string                 `json:"snapshot_id"`
	Files          int                    `json:"files"`
	Capabilities   int                    `json:"capabilities"`
	Warnings       int                    `json:"warnings"`
	Graph          types.GraphMetadata    `json:"graph"`
	PhaseDurations map[types.Phase]string `json:"phase_durations"`
	ModelUsage     *llmx.Usage            `json:"model_usage,omitempty"`
	Artifacts      []artifact.Meta        `json:"artifacts"`
}

func (o *Orchestrator) finalize(ctx context.Context, run *Run) error {
	run.mu.Lock()
	report := FinalReport{
		JobID:          run.JobID,
		RepoID:         run.RepoID,
		Files:          len(run.files),
		Capabilities:   len(run.caps),
		Warnings:       len(run.warnings),
		Graph:          run.graph.Metadata,
		PhaseDurations: make(map[types.Phase]string, len(run.phaseDur)),
		Artifacts:      append([]artifact.Meta(nil), run.artifacts...),
	}
	if run.snap != nil {
		report.SnapshotID = run.snap.ID
	}
	for phase, d := range run.phaseDur {
		report.PhaseDurations[phase] = d.Round(time.Millisecond).String()
	}
	run.mu.Unlock()

	if run.session != nil {
		usage := run.session.Usage()
		report.ModelUsage = &usage
	}
	if err := o.putArtifact(ctx, run, artifact.KindFinal, report); err != nil {
		return err
	}

	o.status.Update(run.JobID, func(r *status.Record) {
		run.mu.Lock()
		defer run.mu.Unlock()
		r.Artifacts = r.Artifacts[:0]
		for _, m := range run.artifacts {
			r.Artifacts = append(r.Artifacts, m.URI)
		}
	})
	return nil
}

func (o *Orchestrator) putArtifact(ctx context.Context, run *Run, kind string, v any) error {
	if o.store == nil {
		return nil
	}
	snapID := ""
	run.mu.Lock()
	if run.snap != nil {
		snapID = run.snap.ID
	}
	run.mu.Unlock()

	meta, err := artifact.PutJSON(ctx, o.store, run.RepoID, snapID, kind, v)
	if err != nil {
		return fmt.Errorf("store %s: %w", kind, err)
	}
	run.mu.Lock()
	run.artifacts = append(run.artifacts, meta)
	run.mu.Unlock()
	return nil
}

// addWarningLocked aggregates by (phase, file, reason); run.mu must be
// held.
func (run *Run) addWarningLocked(phase types.Phase, file, reason, message string) {
	for i := range run.warnings {
		w := &run.warnings[i]
		if w.Phase == phase && w.File == file && w.ReasonCode == reason {
			w.Count++
			return
		}
	}
	run.warnings = append(run.warnings, types.Warning{
		Phase:      phase,
		File:       file,
		ReasonCode: reason,
		Message:    message,
		Count:      1,
	})
}
