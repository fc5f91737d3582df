package detect

import (
	"context"
	"log"

	"provis/internal/parallel"
	"provis/internal/parse"
	"provis/internal/types"
)

// Structural matches carry high confidence; lexical fallbacks are
// hypotheses until something stronger confirms them.
const (
	confStructural = 0.9
	confFallback   = 0.3
)

// Input is one file handed to every applicable detector.
type Input struct {
	Path     string
	Language string
	Content  []byte
	Parsed   *parse.Result // nil when the structural tier is unavailable
}

// Result is one detector's output for one file. A detector that finds
// nothing returns a zero Result; a detector that fails is reported as an
// empty hypothesis result by the registry.
type Result struct {
	Detector   string
	Routes     []types.RouteItem
	Jobs       []types.JobItem
	Stores     []types.StoreItem
	Externals  []types.ExternalItem
	Hypothesis bool
	ReasonCode string
}

func (r Result) empty() bool {
	return len(r.Routes) == 0 && len(r.Jobs) == 0 && len(r.Stores) == 0 && len(r.Externals) == 0
}

// Detector is one named detection strategy. The set of implementations is
// closed: route, job, store and external detectors registered below.
type Detector interface {
	Name() string
	Detect(in Input) (Result, error)
}

// Registry runs an ordered list of detectors over files with a small
// bounded worker pool per file.
type Registry struct {
	detectors []Detector
	exec      parallel.Executor
}

// NewRegistry builds the default detector set. workers bounds the
// per-file fan-out; values below 1 fall back to 4.
func NewRegistry(workers int, reranker *Reranker) *Registry {
	if workers < 1 {
		workers = 4
	}
	return &Registry{
		exec: parallel.Select(workers),
		detectors: []Detector{
			&nextJSDetector{},
			&expressDetector{reranker: reranker},
			&reactRouterDetector{},
			&pythonRouteDetector{},
			&queueDetector{},
			&celeryDetector{},
			&storeDetector{},
			&externalDetector{},
		},
	}
}

// DetectAll runs every detector against the file and returns one result
// per detector, ordered like the registry. A panicking or failing
// detector contributes an empty hypothesis result instead of aborting
// its siblings.
func (r *Registry) DetectAll(in Input) []Result {
	results := make([]Result, len(r.detectors))
	tasks := make([]func(ctx context.Context), len(r.detectors))
	for i, det := range r.detectors {
		i, det := i, det
		tasks[i] = func(context.Context) {
			results[i] = runOne(det, in)
		}
	}
	r.exec.Run(context.Background(), tasks)
	return results
}

func runOne(det Detector, in Input) (out Result) {
	defer func() {
		if rec := recover(); rec != nil {
			log.Printf("[detect] %s panicked on %s: %v", det.Name(), in.Path, rec)
			out = Result{Detector: det.Name(), Hypothesis: true, ReasonCode: types.ReasonUnknown}
		}
	}()
	res, err := det.Detect(in)
	if err != nil {
		log.Printf("[detect] %s failed on %s: %v", det.Name(), in.Path, err)
		return Result{Detector: det.Name(), Hypothesis: true, ReasonCode: types.ReasonUnknown}
	}
	res.Detector = det.Name()
	return res
}

func span(path string, start, end int) types.EvidenceSpan {
	if start < 1 {
		start = 1
	}
	if end < start {
		end = start
	}
	return types.EvidenceSpan{File: path, Start: start, End: end}
}

// lineOf converts a byte offset into a 1-based line number.
func lineOf(content []byte, offset int) int {
	if offset < 0 || offset > len(content) {
		return 1
	}
	n := 1
	for _, b := range content[:offset] {
		if b == '\n' {
			n++
		}
	}
	return n
}
