package capability

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log"
	"path"
	"sort"
	"strings"

	"provis/internal/types"
)

// Provenance confidence below this marks the capability as a hypothesis.
const hypothesisBelow = 0.7

// Control-flow edges that are hypotheses or below this stay out of the
// capability's main view.
const suggestBelow = 0.5

// entrypointKeywords mark a file as a probable entrypoint by name alone.
var entrypointKeywords = []string{
	"main", "index", "app", "server", "start",
	"cli", "command", "script", "worker", "job",
}

// lanePatterns is the ordered path-pattern table for lane assignment.
var lanePatterns = []struct {
	lane     types.Lane
	patterns []string
}{
	{types.LaneWeb, []string{"/app/", "/pages/"}},
	{types.LaneAPI, []string{"/api/", "/graphql/", "/rpc/"}},
	{types.LaneWorker, []string{"/workers/", "/jobs/", "/tasks/"}},
	{types.LaneScheduler, []string{"/scheduler/", "/cron/", "/periodic/"}},
	{types.LaneCLI, []string{"/cli/", "/scripts/", "/bin/"}},
}

var laneDescriptions = map[types.Lane]string{
	types.LaneWeb:       "Web interface and user interaction",
	types.LaneAPI:       "API service and data access",
	types.LaneWorker:    "Background processing and job execution",
	types.LaneScheduler: "Scheduled task execution",
	types.LaneCLI:       "Command-line interface and scripting",
}

// Analyzer derives entrypoint-rooted capabilities from the merged graph
// and the per-file records.
type Analyzer struct {
	graph types.GraphArtifact
	files map[string]types.FileRecord
	all   []types.GraphEdge // main + suggested
}

func NewAnalyzer(graph types.GraphArtifact, files []types.FileRecord) *Analyzer {
	byPath := make(map[string]types.FileRecord, len(files))
	for _, f := range files {
		byPath[f.Path] = f
	}
	all := make([]types.GraphEdge, 0, len(graph.Edges)+len(graph.SuggestedEdges))
	all = append(all, graph.Edges...)
	all = append(all, graph.SuggestedEdges...)
	return &Analyzer{graph: graph, files: byPath, all: all}
}

// Analyze derives, ranks and dense-ranks all capabilities. One entrypoint
// failing is logged and skipped; the rest of the batch continues.
func (a *Analyzer) Analyze() []types.Capability {
	var caps []types.Capability
	for _, ep := range a.entrypoints() {
		c, err := a.analyzeEntrypoint(ep)
		if err != nil {
			log.Printf("[capability] skip entrypoint %s: %v", ep, err)
			continue
		}
		caps = append(caps, c)
	}
	rank(caps, len(a.all))
	return caps
}

// entrypoints is the union of graph nodes reached by a routes or jobs
// edge, files whose name matches a keyword, and files whose parsed
// metadata declares main or non-empty routes/jobs. Sorted for determinism.
func (a *Analyzer) entrypoints() []string {
	set := make(map[string]struct{})
	for _, e := range a.all {
		if e.Kind == types.EdgeRoutes || e.Kind == types.EdgeJobs {
			set[e.To] = struct{}{}
		}
	}
	for p, rec := range a.files {
		if isEntrypointFile(p, rec) {
			set[p] = struct{}{}
		}
	}
	out := make([]string, 0, len(set))
	for p := range set {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

func isEntrypointFile(p string, rec types.FileRecord) bool {
	name := strings.ToLower(path.Base(p))
	name = strings.TrimSuffix(name, path.Ext(name))
	for _, kw := range entrypointKeywords {
		if strings.Contains(name, kw) {
			return true
		}
	}
	if rec.HasMain() {
		return true
	}
	return len(rec.Routes) > 0 || len(rec.Jobs) > 0
}

func (a *Analyzer) analyzeEntrypoint(ep string) (c types.Capability, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("capability: %v", r)
		}
	}()

	prov := a.provenance(ep)
	lane := a.determineLane(ep, prov)
	control := a.controlFlow(ep)
	flow := a.dataFlow(ep, prov)
	policies := a.policies(ep)
	contracts := a.contracts(ep)

	evidence := prov.evidence
	for _, e := range control {
		evidence = append(evidence, e.Evidence...)
	}
	for _, items := range [][]types.DataItem{flow.Inputs, flow.Stores, flow.Externals, flow.Outputs} {
		for _, it := range items {
			evidence = append(evidence, it.Evidence...)
		}
	}
	evidence = types.DedupeEvidence(evidence)

	var suggested []types.GraphEdge
	for _, e := range control {
		if e.Hypothesis || e.Confidence < suggestBelow {
			suggested = append(suggested, e)
		}
	}

	conf := prov.confidence()
	c = types.Capability{
		ID:             capabilityID(ep, lane),
		Name:           capabilityName(ep, lane),
		Purpose:        capabilityPurpose(lane, flow),
		Entrypoints:    []string{ep},
		Orchestrators:  prov.orchestrators,
		ControlFlow:    control,
		DataFlow:       flow,
		Policies:       policies,
		Contracts:      contracts,
		Lane:           lane,
		Evidence:       evidence,
		SuggestedEdges: suggested,
		Confidence:     conf,
		Hypothesis:     conf < hypothesisBelow,
	}
	return c, nil
}

// provenance holds the one-hop neighborhood of an entrypoint.
type provenance struct {
	routeIDs      []string // "METHOD:path" or job names pointing at the file
	orchestrators []string
	stores        []string
	externals     []string
	evidence      []types.EvidenceSpan
}

func (a *Analyzer) provenance(ep string) provenance {
	var p provenance
	orch := map[string]struct{}{ep: {}}
	stores := map[string]struct{}{}
	externals := map[string]struct{}{}

	for _, e := range a.graph.Edges {
		switch e.Kind {
		case types.EdgeRoutes, types.EdgeJobs:
			if e.To == ep {
				p.routeIDs = append(p.routeIDs, e.From)
				p.evidence = append(p.evidence, e.Evidence...)
			}
		case types.EdgeImports, types.EdgeCalls:
			if e.From == ep {
				orch[e.To] = struct{}{}
			} else if e.To == ep {
				orch[e.From] = struct{}{}
			}
		case types.EdgeStores:
			if other, ok := otherEnd(e, ep); ok {
				stores[other] = struct{}{}
			}
		case types.EdgeExternals:
			if other, ok := otherEnd(e, ep); ok {
				externals[other] = struct{}{}
			}
		}
	}

	p.orchestrators = sortedKeys(orch)
	p.stores = sortedKeys(stores)
	p.externals = sortedKeys(externals)
	sort.Strings(p.routeIDs)
	return p
}

// confidence is the mean of three provenance factors: route/job backing,
// orchestrator breadth, evidence presence.
func (p provenance) confidence() float64 {
	var sum float64
	if len(p.routeIDs) > 0 {
		sum += 0.9
	} else {
		sum += 0.3
	}
	if len(p.orchestrators) > 1 {
		sum += 0.8
	} else {
		sum += 0.5
	}
	if len(p.evidence) > 0 {
		sum += 0.8
	} else {
		sum += 0.2
	}
	return sum / 3
}

func (a *Analyzer) determineLane(ep string, prov provenance) types.Lane {
	probe := "/" + strings.TrimPrefix(ep, "/")
	for _, entry := range lanePatterns {
		for _, pat := range entry.patterns {
			if strings.Contains(probe, pat) {
				return entry.lane
			}
		}
	}
	for _, id := range prov.routeIDs {
		if _, routePath, ok := strings.Cut(id, ":"); ok && strings.HasPrefix(routePath, "/") {
			if strings.Contains(routePath, "/api/") || strings.HasPrefix(routePath, "/api") {
				return types.LaneAPI
			}
			return types.LaneWeb
		}
	}
	for _, id := range prov.routeIDs {
		lower := strings.ToLower(id)
		if strings.Contains(lower, "job") || strings.Contains(lower, "task") {
			return types.LaneWorker
		}
		if strings.Contains(lower, "cli") || strings.Contains(lower, "script") {
			return types.LaneCLI
		}
	}
	return types.LaneWeb
}

func (a *Analyzer) controlFlow(ep string) []types.GraphEdge {
	var out []types.GraphEdge
	for _, e := range a.all {
		if e.From == ep || e.To == ep {
			out = append(out, e)
		}
	}
	return out
}

func (a *Analyzer) dataFlow(ep string, prov provenance) types.DataFlow {
	var flow types.DataFlow

	if rec, ok := a.files[ep]; ok {
		for _, ext := range rec.Externals {
			if ext.Kind != "env" {
				continue
			}
			flow.Inputs = append(flow.Inputs, types.DataItem{
				Name:        ext.Name,
				Kind:        "environment",
				Description: fmt.Sprintf("Environment variable %s", ext.Name),
				Confidence:  ext.Confidence,
				Hypothesis:  ext.Hypothesis,
				ReasonCode:  ext.ReasonCode,
				Evidence:    ext.Evidence,
			})
		}
	}

	for _, e := range a.graph.Edges {
		if e.Kind != types.EdgeRoutes || e.To != ep {
			continue
		}
		method, routePath, _ := strings.Cut(e.From, ":")
		flow.Inputs = append(flow.Inputs, types.DataItem{
			Name:        fmt.Sprintf("%s %s", method, routePath),
			Kind:        "request",
			Description: fmt.Sprintf("Request shape for %s %s", method, routePath),
			Confidence:  e.Confidence,
			Hypothesis:  e.Hypothesis,
			ReasonCode:  e.ReasonCode,
			Evidence:    e.Evidence,
		})
		flow.Outputs = append(flow.Outputs, types.DataItem{
			Name:        fmt.Sprintf("%s %s response", method, routePath),
			Kind:        "response",
			Description: fmt.Sprintf("Response shape for %s %s", method, routePath),
			Confidence:  e.Confidence,
			Hypothesis:  e.Hypothesis,
			ReasonCode:  e.ReasonCode,
			Evidence:    e.Evidence,
		})
	}

	for _, name := range prov.stores {
		flow.Stores = append(flow.Stores, types.DataItem{
			Name:       name,
			Kind:       "database",
			Confidence: 0.8,
			Evidence:   []types.EvidenceSpan{{File: ep, Start: 1, End: 1}},
		})
	}
	for _, name := range prov.externals {
		flow.Externals = append(flow.Externals, types.DataItem{
			Name:        name,
			Kind:        "service",
			Description: fmt.Sprintf("External service %s", name),
			Confidence:  0.7,
			Hypothesis:  true,
			Evidence:    []types.EvidenceSpan{{File: ep, Start: 1, End: 1}},
		})
	}
	return flow
}

func (a *Analyzer) policies(ep string) []types.PolicyRecord {
	routeIDs := make(map[string]struct{})
	for _, e := range a.graph.Edges {
		if e.Kind == types.EdgeRoutes && e.To == ep {
			routeIDs[e.From] = struct{}{}
		}
	}
	var out []types.PolicyRecord
	for _, e := range a.graph.Edges {
		if e.Kind != types.EdgeMiddleware {
			continue
		}
		if _, ok := routeIDs[e.From]; !ok {
			continue
		}
		out = append(out, types.PolicyRecord{
			Name:        e.To,
			Kind:        "middleware",
			Description: fmt.Sprintf("Middleware on %s", e.From),
			Confidence:  e.Confidence,
			Evidence:    e.Evidence,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (a *Analyzer) contracts(ep string) []types.ContractRecord {
	var out []types.ContractRecord
	for _, e := range a.graph.Edges {
		if e.Kind != types.EdgeStores {
			continue
		}
		other, ok := otherEnd(e, ep)
		if !ok {
			continue
		}
		out = append(out, types.ContractRecord{
			Name:        other,
			Kind:        "schema",
			Description: fmt.Sprintf("Data schema %s", other),
			Confidence:  e.Confidence,
			Evidence:    e.Evidence,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// rank scores every capability with cheap centrality proxies and assigns
// ranks 1..N in sorted order. Ties break on the first entrypoint so equal
// scores still rank deterministically.
func rank(caps []types.Capability, totalEdges int) {
	if totalEdges < 1 {
		totalEdges = 1
	}
	for i := range caps {
		degree := float64(len(caps[i].ControlFlow)) / float64(totalEdges)
		caps[i].Centrality = types.Centrality{
			Degree:      degree,
			Betweenness: degree * 0.5,
			Closeness:   degree * 0.7,
			Eigenvector: degree * 0.6,
		}
		c := caps[i].Centrality
		caps[i].Score = 0.3*c.Degree + 0.3*c.Betweenness + 0.2*c.Closeness + 0.2*c.Eigenvector
	}
	sort.SliceStable(caps, func(i, j int) bool {
		if caps[i].Score != caps[j].Score {
			return caps[i].Score > caps[j].Score
		}
		return caps[i].Entrypoints[0] < caps[j].Entrypoints[0]
	})
	for i := range caps {
		caps[i].Rank = i + 1
	}
}

func capabilityID(ep string, lane types.Lane) string {
	sum := sha256.Sum256([]byte(ep + ":" + string(lane)))
	return hex.EncodeToString(sum[:])[:16]
}

func capabilityName(ep string, lane types.Lane) string {
	stem := path.Base(ep)
	stem = strings.TrimSuffix(stem, path.Ext(stem))
	return fmt.Sprintf("%s - %s", titleLane(lane), stem)
}

func capabilityPurpose(lane types.Lane, flow types.DataFlow) string {
	purpose := laneDescriptions[lane]
	if purpose == "" {
		purpose = "Application capability"
	}
	if n := len(flow.Inputs); n > 0 {
		purpose += fmt.Sprintf(" with %d input sources", n)
	}
	if n := len(flow.Stores); n > 0 {
		purpose += fmt.Sprintf(" using %d data stores", n)
	}
	if n := len(flow.Externals); n > 0 {
		purpose += fmt.Sprintf(" integrating %d external services", n)
	}
	return purpose
}

func titleLane(lane types.Lane) string {
	s := string(lane)
	if s == "" {
		return s
	}
	if s == string(types.LaneAPI) {
		return "API"
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

func otherEnd(e types.GraphEdge, node string) (string, bool) {
	switch node {
	case e.From:
		return e.To, true
	case e.To:
		return e.From, true
	}
	return "", false
}

func sortedKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
