package graph

import (
	"fmt"
	"sort"

	"provis/internal/types"
)

// Quarantine and suggestion thresholds. A hypothesis below quarantineBelow
// is dropped entirely; anything hypothetical or below suggestBelow lands in
// the suggested set instead of the main graph.
const (
	quarantineBelow = 0.3
	suggestBelow    = 0.5
)

// derivedEdgeFactor scales middleware and producer/consumer edges off
// their parent route or job confidence.
const derivedEdgeFactor = 0.8

// Builder accumulates static edges per file, merges model-layer proposals
// and emits the final artifact. Not safe for concurrent use; the merge
// phase owns one Builder at a time.
type Builder struct {
	edges map[types.EdgeKey]types.GraphEdge

	staticEdges      int
	llmEdges         int
	quarantinedEdges int
}

func NewBuilder() *Builder {
	return &Builder{edges: make(map[types.EdgeKey]types.GraphEdge)}
}

// AddFile folds one parsed file record into the static layer.
func (b *Builder) AddFile(rec types.FileRecord) {
	b.addImports(rec.Path, rec.Imports)
	b.addRoutes(rec.Path, rec.Routes)
	b.addJobs(rec.Path, rec.Jobs)
	b.addStores(rec.Path, rec.Stores)
	b.addExternals(rec.Path, rec.Externals)
	b.addSymbols(rec)
}

func (b *Builder) addImports(file string, imports []types.ImportEdge) {
	for _, imp := range imports {
		if imp.External || imp.Resolved == "" {
			continue
		}
		b.putStatic(types.GraphEdge{
			From:       file,
			To:         imp.Resolved,
			Kind:       types.EdgeImports,
			Confidence: imp.Confidence,
			Hypothesis: imp.Hypothesis,
			ReasonCode: imp.ReasonCode,
			Evidence:   imp.Evidence,
		})
	}
}

func (b *Builder) addRoutes(file string, routes []types.RouteItem) {
	for _, route := range routes {
		routeID := fmt.Sprintf("%s:%s", route.Method, route.Path)
		b.putStatic(types.GraphEdge{
			From:       routeID,
			To:         file,
			Kind:       types.EdgeRoutes,
			Confidence: route.Confidence,
			Hypothesis: route.Hypothesis,
			ReasonCode: route.ReasonCode,
			Evidence:   route.Evidence,
		})
		for _, mw := range route.Middlewares {
			b.putStatic(types.GraphEdge{
				From:       routeID,
				To:         mw,
				Kind:       types.EdgeMiddleware,
				Confidence: route.Confidence * derivedEdgeFactor,
				Hypothesis: route.Hypothesis,
				ReasonCode: route.ReasonCode,
				Evidence:   route.Evidence,
			})
		}
	}
}

func (b *Builder) addJobs(file string, jobs []types.JobItem) {
	for _, job := range jobs {
		b.putStatic(types.GraphEdge{
			From:       job.Name,
			To:         file,
			Kind:       types.EdgeJobs,
			Confidence: job.Confidence,
			Hypothesis: job.Hypothesis,
			ReasonCode: job.ReasonCode,
			Evidence:   job.Evidence,
		})
		for _, endpoint := range []string{job.Producer, job.Consumer} {
			if endpoint == "" || endpoint == "unknown" {
				continue
			}
			b.putStatic(types.GraphEdge{
				From:       job.Name,
				To:         endpoint,
				Kind:       types.EdgeCalls,
				Confidence: job.Confidence * derivedEdgeFactor,
				Hypothesis: job.Hypothesis,
				ReasonCode: job.ReasonCode,
				Evidence:   job.Evidence,
			})
		}
	}
}

func (b *Builder) addStores(file string, stores []types.StoreItem) {
	for _, store := range stores {
		b.putStatic(types.GraphEdge{
			From:       store.Name,
			To:         file,
			Kind:       types.EdgeStores,
			Confidence: store.Confidence,
			Hypothesis: store.Hypothesis,
			ReasonCode: store.ReasonCode,
			Evidence:   store.Evidence,
		})
	}
}

func (b *Builder) addExternals(file string, externals []types.ExternalItem) {
	for _, ext := range externals {
		b.putStatic(types.GraphEdge{
			From:       ext.Name,
			To:         file,
			Kind:       types.EdgeExternals,
			Confidence: ext.Confidence,
			Hypothesis: ext.Hypothesis,
			ReasonCode: ext.ReasonCode,
			Evidence:   ext.Evidence,
		})
	}
}

func (b *Builder) addSymbols(rec types.FileRecord) {
	for _, fn := range rec.Functions {
		b.putStatic(types.GraphEdge{
			From:       rec.Path,
			To:         fn.Name,
			Kind:       types.EdgeCalls,
			Confidence: 0.8,
			Evidence:   fn.Evidence,
		})
	}
	for _, cls := range rec.Classes {
		b.putStatic(types.GraphEdge{
			From:       rec.Path,
			To:         cls.Name,
			Kind:       types.EdgeCalls,
			Confidence: 0.8,
			Evidence:   cls.Evidence,
		})
	}
}

// putStatic records a static edge, keeping the stronger one on key
// collision.
func (b *Builder) putStatic(edge types.GraphEdge) {
	key := edge.Key()
	if existing, ok := b.edges[key]; ok {
		b.edges[key] = mergeIfBetter(existing, edge)
		return
	}
	b.edges[key] = edge
	b.staticEdges++
}

// MergeModelEdge folds a model-layer proposal into the graph. The
// proposal wins only with strictly higher confidence than the static
// edge it collides with.
func (b *Builder) MergeModelEdge(edge types.GraphEdge) {
	key := edge.Key()
	existing, ok := b.edges[key]
	if !ok {
		b.edges[key] = edge
		b.llmEdges++
		return
	}
	merged := mergeIfBetter(existing, edge)
	if merged.Confidence != existing.Confidence || merged.Hypothesis != existing.Hypothesis {
		b.llmEdges++
	}
	b.edges[key] = merged
}

// mergeIfBetter keeps existing unless candidate is strictly more
// confident. Evidence from both survives either way.
func mergeIfBetter(existing, candidate types.GraphEdge) types.GraphEdge {
	evidence := types.DedupeEvidence(append(existing.Evidence, candidate.Evidence...))
	out := existing
	if candidate.Confidence > existing.Confidence {
		out = candidate
	}
	out.Evidence = evidence
	return out
}

// Build applies quarantine, splits main from suggested edges and emits
// the artifact with counters. Edges are ordered by (from, to, kind).
func (b *Builder) Build() types.GraphArtifact {
	var all []types.GraphEdge
	hypothesisEdges := 0
	for _, edge := range b.edges {
		if edge.Hypothesis && edge.Confidence < quarantineBelow {
			b.quarantinedEdges++
			continue
		}
		if edge.Hypothesis {
			hypothesisEdges++
		}
		all = append(all, edge)
	}
	sort.Slice(all, func(i, j int) bool {
		a, c := all[i], all[j]
		if a.From != c.From {
			return a.From < c.From
		}
		if a.To != c.To {
			return a.To < c.To
		}
		return a.Kind < c.Kind
	})

	var main, suggested []types.GraphEdge
	for _, edge := range all {
		if edge.Hypothesis || edge.Confidence < suggestBelow {
			suggested = append(suggested, edge)
		} else {
			main = append(main, edge)
		}
	}

	total := len(all)
	ratio := 0.0
	if total > 0 {
		ratio = float64(hypothesisEdges) / float64(total)
	}
	return types.GraphArtifact{
		Edges:          main,
		SuggestedEdges: suggested,
		Metadata: types.GraphMetadata{
			TotalEdges:       total,
			MainEdges:        len(main),
			SuggestedEdges:   len(suggested),
			StaticEdges:      b.staticEdges,
			LLMEdges:         b.llmEdges,
			HypothesisEdges:  hypothesisEdges,
			QuarantinedEdges: b.quarantinedEdges,
			HypothesisRatio:  ratio,
		},
	}
}
