package types

// Shared data model for the analysis engine. Every detected fact carries
// evidence spans and a confidence score; facts below the observation bar are
// flagged as hypotheses with a reason code explaining the degradation.

// Phases ---------------------------------------------------------------------

type Phase string

const (
	PhaseQueued    Phase = "queued"
	PhaseDiscover  Phase = "discovering"
	PhaseParse     Phase = "parsing"
	PhaseMerge     Phase = "merging"
	PhaseMap       Phase = "mapping"
	PhaseSummarize Phase = "summarizing"
	PhaseFinalize  Phase = "finalizing"
	PhaseDone      Phase = "done"
	PhaseFailed    Phase = "failed"
)

// Reason codes ---------------------------------------------------------------

const (
	ReasonAliasMiss       = "alias-miss"
	ReasonDynamicImport   = "dynamic-import"
	ReasonPatternFallback = "pattern-fallback"
	ReasonSkippedLarge    = "skipped_large"
	ReasonTimeout         = "timeout"
	ReasonRateLimit       = "rate-limit"
	ReasonBudgetExceeded  = "budget-exceeded"
	ReasonUnknown         = "unknown"
)

// Evidence -------------------------------------------------------------------

// EvidenceSpan points at the lines that justify a detected fact.
// Start and End are 1-based and inclusive.
type EvidenceSpan struct {
	File  string `json:"file"`
	Start int    `json:"start"`
	End   int    `json:"end"`
}

// DedupeEvidence removes duplicate spans, keeping first-seen order.
func DedupeEvidence(spans []EvidenceSpan) []EvidenceSpan {
	seen := make(map[EvidenceSpan]struct{}, len(spans))
	out := make([]EvidenceSpan, 0, len(spans))
	for _, s := range spans {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}

// Files ----------------------------------------------------------------------

type FunctionSym struct {
	Name       string         `json:"name"`
	Params     []string       `json:"params,omitempty"`
	Decorators []string       `json:"decorators,omitempty"`
	Calls      []string       `json:"calls,omitempty"`
	Evidence   []EvidenceSpan `json:"evidence,omitempty"`
}

type ClassSym struct {
	Name     string         `json:"name"`
	Bases    []string       `json:"bases,omitempty"`
	Methods  []string       `json:"methods,omitempty"`
	Evidence []EvidenceSpan `json:"evidence,omitempty"`
}

// FileRecord is the immutable per-snapshot description of one source file,
// produced by the parse phase and read-only afterwards.
type FileRecord struct {
	Path     string `json:"path"`
	Language string `json:"language"` // e.g. "typescript", "python"
	Size     int64  `json:"size"`
	Hash     string `json:"hash"`
	MTime    int64  `json:"mtime"`

	Exports   []string      `json:"exports,omitempty"`
	Imports   []ImportEdge  `json:"imports,omitempty"`
	Functions []FunctionSym `json:"functions,omitempty"`
	Classes   []ClassSym    `json:"classes,omitempty"`

	Routes    []RouteItem    `json:"routes,omitempty"`
	Jobs      []JobItem      `json:"jobs,omitempty"`
	Stores    []StoreItem    `json:"stores,omitempty"`
	Externals []ExternalItem `json:"externals,omitempty"`

	Hints        map[string]string `json:"hints,omitempty"`
	SkippedLarge bool              `json:"skipped_large,omitempty"`
}

// HasMain reports whether the file declares a main-like entry function.
func (f *FileRecord) HasMain() bool {
	for _, fn := range f.Functions {
		if fn.Name == "main" {
			return true
		}
	}
	return false
}

// Imports --------------------------------------------------------------------

// ImportEdge maps a raw import specifier to a repo-relative path, or marks it
// external. Exactly one of {Resolved != "", External} holds.
type ImportEdge struct {
	Raw        string         `json:"raw"`
	Resolved   string         `json:"resolved,omitempty"`
	External   bool           `json:"external"`
	Kind       string         `json:"kind"` // "esm" | "cjs" | "py"
	Confidence float64        `json:"confidence"`
	Hypothesis bool           `json:"hypothesis"`
	ReasonCode string         `json:"reason_code,omitempty"`
	Evidence   []EvidenceSpan `json:"evidence,omitempty"`
}

// Detected items -------------------------------------------------------------

type RouteItem struct {
	Method      string         `json:"method"`
	Path        string         `json:"path"`
	Handler     string         `json:"handler,omitempty"`
	Middlewares []string       `json:"middlewares,omitempty"`
	Confidence  float64        `json:"confidence"`
	Hypothesis  bool           `json:"hypothesis"`
	ReasonCode  string         `json:"reason_code,omitempty"`
	Evidence    []EvidenceSpan `json:"evidence"`
}

type JobItem struct {
	Name       string         `json:"name"`
	Kind       string         `json:"kind"` // "bull" | "agenda" | "celery" | "generic"
	Producer   string         `json:"producer,omitempty"`
	Consumer   string         `json:"consumer,omitempty"`
	Confidence float64        `json:"confidence"`
	Hypothesis bool           `json:"hypothesis"`
	ReasonCode string         `json:"reason_code,omitempty"`
	Evidence   []EvidenceSpan `json:"evidence"`
}

type StoreItem struct {
	Name       string         `json:"name"`
	Kind       string         `json:"kind"` // "prisma" | "typeorm" | "sequelize" | "sqlalchemy" | "django" | "sql"
	Confidence float64        `json:"confidence"`
	Hypothesis bool           `json:"hypothesis"`
	ReasonCode string         `json:"reason_code,omitempty"`
	Evidence   []EvidenceSpan `json:"evidence"`
}

type ExternalItem struct {
	Name       string         `json:"name"`
	Kind       string         `json:"kind"` // "sdk" | "custom" | "env"
	Package    string         `json:"package,omitempty"`
	Confidence float64        `json:"confidence"`
	Hypothesis bool           `json:"hypothesis"`
	ReasonCode string         `json:"reason_code,omitempty"`
	Evidence   []EvidenceSpan `json:"evidence"`
}

// Graph ----------------------------------------------------------------------

type EdgeKind string

const (
	EdgeImports    EdgeKind = "imports"
	EdgeRoutes     EdgeKind = "routes"
	EdgeJobs       EdgeKind = "jobs"
	EdgeStores     EdgeKind = "stores"
	EdgeExternals  EdgeKind = "externals"
	EdgeCalls      EdgeKind = "calls"
	EdgeMiddleware EdgeKind = "middleware"
)

type GraphEdge struct {
	From       string         `json:"from"`
	To         string         `json:"to"`
	Kind       EdgeKind       `json:"kind"`
	Confidence float64        `json:"confidence"`
	Hypothesis bool           `json:"hypothesis"`
	ReasonCode string         `json:"reason_code,omitempty"`
	Evidence   []EvidenceSpan `json:"evidence,omitempty"`
}

// EdgeKey identifies an edge; the graph holds at most one edge per key.
type EdgeKey struct {
	From string
	To   string
	Kind EdgeKind
}

func (e GraphEdge) Key() EdgeKey { return EdgeKey{From: e.From, To: e.To, Kind: e.Kind} }

type GraphMetadata struct {
	TotalEdges       int     `json:"total_edges"`
	MainEdges        int     `json:"main_edges"`
	SuggestedEdges   int     `json:"suggested_edges"`
	StaticEdges      int     `json:"static_edges"`
	LLMEdges         int     `json:"llm_edges"`
	HypothesisEdges  int     `json:"hypothesis_edges"`
	QuarantinedEdges int     `json:"quarantined_edges"`
	HypothesisRatio  float64 `json:"hypothesis_edge_ratio"`
}

// GraphArtifact is the merged, quarantine-filtered edge graph.
type GraphArtifact struct {
	Edges          []GraphEdge   `json:"edges"`
	SuggestedEdges []GraphEdge   `json:"suggested_edges"`
	Metadata       GraphMetadata `json:"metadata"`
}

// Capabilities ---------------------------------------------------------------

type Lane string

const (
	LaneWeb       Lane = "web"
	LaneAPI       Lane = "api"
	LaneWorker    Lane = "worker"
	LaneScheduler Lane = "scheduler"
	LaneCLI       Lane = "cli"
)

type DataItem struct {
	Name        string         `json:"name"`
	Kind        string         `json:"kind"` // "environment" | "request" | "database" | "service" | "response"
	Description string         `json:"description,omitempty"`
	Confidence  float64        `json:"confidence"`
	Hypothesis  bool           `json:"hypothesis"`
	ReasonCode  string         `json:"reason_code,omitempty"`
	Evidence    []EvidenceSpan `json:"evidence,omitempty"`
}

type DataFlow struct {
	Inputs    []DataItem `json:"inputs"`
	Stores    []DataItem `json:"stores"`
	Externals []DataItem `json:"externals"`
	Outputs   []DataItem `json:"outputs"`
}

type PolicyRecord struct {
	Name        string         `json:"name"`
	Kind        string         `json:"kind"` // "middleware"
	Description string         `json:"description,omitempty"`
	Confidence  float64        `json:"confidence"`
	Evidence    []EvidenceSpan `json:"evidence,omitempty"`
}

type ContractRecord struct {
	Name        string         `json:"name"`
	Kind        string         `json:"kind"` // "schema"
	Description string         `json:"description,omitempty"`
	Confidence  float64        `json:"confidence"`
	Evidence    []EvidenceSpan `json:"evidence,omitempty"`
}

type Centrality struct {
	Degree      float64 `json:"degree"`
	Betweenness float64 `json:"betweenness"`
	Closeness   float64 `json:"closeness"`
	Eigenvector float64 `json:"eigenvector"`
}

// Capability is a bounded, entrypoint-rooted subgraph representing one
// user- or system-facing unit of behavior.
type Capability struct {
	ID             string           `json:"id"`
	Name           string           `json:"name"`
	Purpose        string           `json:"purpose"`
	Summary        string           `json:"summary,omitempty"`
	Entrypoints    []string         `json:"entrypoints"`
	Orchestrators  []string         `json:"orchestrators"`
	ControlFlow    []GraphEdge      `json:"control_flow"`
	DataFlow       DataFlow         `json:"data_flow"`
	Policies       []PolicyRecord   `json:"policies,omitempty"`
	Contracts      []ContractRecord `json:"contracts,omitempty"`
	Lane           Lane             `json:"lane"`
	Evidence       []EvidenceSpan   `json:"evidence"`
	SuggestedEdges []GraphEdge      `json:"suggested_edges,omitempty"`
	Centrality     Centrality       `json:"centrality"`
	Score          float64          `json:"score"`
	Rank           int              `json:"rank"`
	Confidence     float64          `json:"confidence"`
	Hypothesis     bool             `json:"hypothesis"`
}

// Warnings -------------------------------------------------------------------

type Warning struct {
	Phase      Phase         `json:"phase"`
	File       string        `json:"file,omitempty"`
	ReasonCode string        `json:"reason_code"`
	Evidence   *EvidenceSpan `json:"evidence,omitempty"`
	Message    string        `json:"message"`
	Count      int           `json:"count"`
}
