package detect

import (
	"math"
	"regexp"
	"sort"
	"strings"

	"provis/internal/types"
)

// Reranker orders fallback candidates by how well they fit the file they
// came from: score = 0.3*similarity + 0.7*original confidence. The
// similarity backend is probed once at construction; when none is
// available, candidates pass through unchanged.
type Reranker struct {
	backend similarityBackend
}

type similarityBackend interface {
	// Similarity returns a score in [0,1] between candidate text and
	// surrounding file context.
	Similarity(candidate, context string) float64
}

// NewReranker selects the best available similarity backend.
func NewReranker() *Reranker {
	return &Reranker{backend: probeBackends()}
}

// Available reports whether a similarity backend was found.
func (r *Reranker) Available() bool { return r != nil && r.backend != nil }

// RerankRoutes re-scores route hypotheses against the file content and
// returns them best first. Confidence values are not rewritten; only the
// order changes.
func (r *Reranker) RerankRoutes(routes []types.RouteItem, content []byte) []types.RouteItem {
	if !r.Available() || len(routes) < 2 {
		return routes
	}
	ctx := string(content)
	type scored struct {
		item  types.RouteItem
		score float64
	}
	out := make([]scored, 0, len(routes))
	for _, route := range routes {
		sim := r.backend.Similarity(route.Method+" "+route.Path, ctx)
		out = append(out, scored{item: route, score: 0.3*sim + 0.7*route.Confidence})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].score > out[j].score })
	result := make([]types.RouteItem, len(out))
	for i, s := range out {
		result[i] = s.item
	}
	return result
}

func probeBackends() similarityBackend {
	// Token overlap is always constructible; keep the probe shape so a
	// heavier embedding backend can slot in.
	return tokenOverlap{}
}

// tokenOverlap scores by weighted token intersection. Cheap, symmetric
// enough for ordering route candidates within one file.
type tokenOverlap struct{}

var reToken = regexp.MustCompile(`[A-Za-z_][A-Za-z0-9_]*`)

func (tokenOverlap) Similarity(candidate, context string) float64 {
	candTokens := tokenize(candidate)
	if len(candTokens) == 0 {
		return 0
	}
	ctxTokens := tokenize(context)
	hits := 0
	for tok := range candTokens {
		if ctxTokens[tok] {
			hits++
		}
	}
	// Dampen long candidates so one shared token still counts.
	return math.Sqrt(float64(hits) / float64(len(candTokens)))
}

func tokenize(s string) map[string]bool {
	out := make(map[string]bool)
	for _, tok := range reToken.FindAllString(strings.ToLower(s), -1) {
		out[tok] = true
	}
	return out
}
