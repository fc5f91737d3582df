package graph

import (
	"testing"

	"provis/internal/types"
)

func record(path string) types.FileRecord {
	return types.FileRecord{Path: path, Language: "ts"}
}

func TestBuildImportAndRouteEdges(t *testing.T) {
	b := NewBuilder()
	rec := record("src/app.ts")
	rec.Imports = []types.ImportEdge{
		{Raw: "./users", Resolved: "src/users.ts", Confidence: 0.95},
		{Raw: "express", External: true, Confidence: 0},
	}
	rec.Routes = []types.RouteItem{
		{Method: "GET", Path: "/users", Handler: "listUsers", Middlewares: []string{"auth"}, Confidence: 0.9},
	}
	b.AddFile(rec)

	art := b.Build()
	if art.Metadata.TotalEdges != 3 {
		t.Fatalf("total edges = %d, want 3", art.Metadata.TotalEdges)
	}
	var gotImport, gotRoute, gotMW bool
	for _, e := range art.Edges {
		switch e.Kind {
		case types.EdgeImports:
			gotImport = e.From == "src/app.ts" && e.To == "src/users.ts"
		case types.EdgeRoutes:
			gotRoute = e.From == "GET:/users" && e.To == "src/app.ts"
		case types.EdgeMiddleware:
			gotMW = e.From == "GET:/users" && e.To == "auth"
			if e.Confidence != 0.9*derivedEdgeFactor {
				t.Fatalf("middleware confidence = %v", e.Confidence)
			}
		}
	}
	if !gotImport || !gotRoute || !gotMW {
		t.Fatalf("missing edges: import=%v route=%v middleware=%v", gotImport, gotRoute, gotMW)
	}
}

func TestExternalImportsProduceNoEdges(t *testing.T) {
	b := NewBuilder()
	rec := record("src/app.ts")
	rec.Imports = []types.ImportEdge{{Raw: "stripe", External: true}}
	b.AddFile(rec)
	if got := b.Build().Metadata.TotalEdges; got != 0 {
		t.Fatalf("total edges = %d, want 0", got)
	}
}

func TestJobProducerConsumerEdges(t *testing.T) {
	b := NewBuilder()
	rec := record("src/worker.ts")
	rec.Jobs = []types.JobItem{
		{Name: "send-email", Kind: "bull", Producer: "src/api.ts", Consumer: "unknown", Confidence: 0.9},
	}
	b.AddFile(rec)

	art := b.Build()
	if art.Metadata.TotalEdges != 2 {
		t.Fatalf("total edges = %d, want 2 (job + producer, unknown consumer skipped)", art.Metadata.TotalEdges)
	}
	for _, e := range art.Edges {
		if e.Kind == types.EdgeCalls {
			if e.From != "send-email" || e.To != "src/api.ts" {
				t.Fatalf("producer edge = %s -> %s", e.From, e.To)
			}
			if e.Confidence != 0.9*derivedEdgeFactor {
				t.Fatalf("producer confidence = %v", e.Confidence)
			}
		}
	}
}

func TestQuarantineDropsLowConfidenceHypotheses(t *testing.T) {
	b := NewBuilder()
	rec := record("src/app.ts")
	rec.Routes = []types.RouteItem{
		{Method: "GET", Path: "/a", Confidence: 0.2, Hypothesis: true, ReasonCode: types.ReasonPatternFallback},
		{Method: "GET", Path: "/b", Confidence: 0.3, Hypothesis: true, ReasonCode: types.ReasonPatternFallback},
	}
	b.AddFile(rec)

	art := b.Build()
	if art.Metadata.QuarantinedEdges != 1 {
		t.Fatalf("quarantined = %d, want 1", art.Metadata.QuarantinedEdges)
	}
	if art.Metadata.TotalEdges != 1 {
		t.Fatalf("total = %d, want 1", art.Metadata.TotalEdges)
	}
	// a low-confidence edge at exactly the threshold survives to suggested
	if len(art.SuggestedEdges) != 1 || art.SuggestedEdges[0].From != "GET:/b" {
		t.Fatalf("suggested = %+v", art.SuggestedEdges)
	}
	if len(art.Edges) != 0 {
		t.Fatalf("main edges = %+v, want none", art.Edges)
	}
}

func TestSuggestedSplitByConfidence(t *testing.T) {
	b := NewBuilder()
	rec := record("src/app.ts")
	rec.Stores = []types.StoreItem{
		{Name: "User", Kind: "prisma", Confidence: 0.95},
		{Name: "orders", Kind: "sql", Confidence: 0.4},
	}
	b.AddFile(rec)

	art := b.Build()
	if len(art.Edges) != 1 || art.Edges[0].From != "User" {
		t.Fatalf("main edges = %+v", art.Edges)
	}
	if len(art.SuggestedEdges) != 1 || art.SuggestedEdges[0].From != "orders" {
		t.Fatalf("suggested edges = %+v", art.SuggestedEdges)
	}
}

func TestMergeModelEdgeRequiresStrictlyHigherConfidence(t *testing.T) {
	b := NewBuilder()
	rec := record("src/app.ts")
	rec.Imports = []types.ImportEdge{{Raw: "./db", Resolved: "src/db.ts", Confidence: 0.95}}
	b.AddFile(rec)

	// equal confidence must not displace the static edge
	b.MergeModelEdge(types.GraphEdge{
		From: "src/app.ts", To: "src/db.ts", Kind: types.EdgeImports,
		Confidence: 0.95, Hypothesis: true,
	})
	art := b.Build()
	if art.Edges[0].Hypothesis {
		t.Fatalf("static edge replaced by equal-confidence proposal")
	}
	if art.Metadata.LLMEdges != 0 {
		t.Fatalf("llm edges = %d, want 0", art.Metadata.LLMEdges)
	}

	// a novel edge is added and counted
	b.MergeModelEdge(types.GraphEdge{
		From: "src/app.ts", To: "src/queue.ts", Kind: types.EdgeImports,
		Confidence: 0.6, Hypothesis: true,
	})
	art = b.Build()
	if art.Metadata.LLMEdges != 1 {
		t.Fatalf("llm edges = %d, want 1", art.Metadata.LLMEdges)
	}
}

func TestMergeModelEdgeKeepsEvidenceFromBoth(t *testing.T) {
	b := NewBuilder()
	rec := record("src/app.ts")
	rec.Imports = []types.ImportEdge{{
		Raw: "./db", Resolved: "src/db.ts", Confidence: 0.95,
		Evidence: []types.EvidenceSpan{{File: "src/app.ts", Start: 1, End: 1}},
	}}
	b.AddFile(rec)
	b.MergeModelEdge(types.GraphEdge{
		From: "src/app.ts", To: "src/db.ts", Kind: types.EdgeImports,
		Confidence: 0.4,
		Evidence:   []types.EvidenceSpan{{File: "src/app.ts", Start: 9, End: 9}},
	})

	art := b.Build()
	if got := len(art.Edges[0].Evidence); got != 2 {
		t.Fatalf("evidence spans = %d, want 2", got)
	}
}

func TestBuildOrderIsDeterministic(t *testing.T) {
	mk := func() types.GraphArtifact {
		b := NewBuilder()
		rec := record("src/z.ts")
		rec.Imports = []types.ImportEdge{
			{Raw: "./b", Resolved: "src/b.ts", Confidence: 0.95},
			{Raw: "./a", Resolved: "src/a.ts", Confidence: 0.95},
		}
		rec.Functions = []types.FunctionSym{{Name: "run"}}
		b.AddFile(rec)
		return b.Build()
	}
	first, second := mk(), mk()
	if len(first.Edges) != len(second.Edges) {
		t.Fatalf("edge counts differ: %d vs %d", len(first.Edges), len(second.Edges))
	}
	for i := range first.Edges {
		if first.Edges[i].Key() != second.Edges[i].Key() {
			t.Fatalf("edge %d differs: %+v vs %+v", i, first.Edges[i], second.Edges[i])
		}
	}
	if first.Edges[0].To != "src/a.ts" {
		t.Fatalf("edges not sorted, first = %+v", first.Edges[0])
	}
}

func TestHypothesisRatio(t *testing.T) {
	b := NewBuilder()
	rec := record("src/app.ts")
	rec.Routes = []types.RouteItem{
		{Method: "GET", Path: "/a", Confidence: 0.9},
		{Method: "GET", Path: "/b", Confidence: 0.3, Hypothesis: true},
	}
	b.AddFile(rec)

	meta := b.Build().Metadata
	if meta.HypothesisEdges != 1 {
		t.Fatalf("hypothesis edges = %d", meta.HypothesisEdges)
	}
	if meta.HypothesisRatio != 0.5 {
		t.Fatalf("ratio = %v, want 0.5", meta.HypothesisRatio)
	}
}
