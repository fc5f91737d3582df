package resolve

import (
	"encoding/json"
	"path"
	"strings"

	"provis/internal/parse"
	"provis/internal/safeio"
	"provis/internal/snapshot"
	"provis/internal/types"
)

// Strategy confidences, highest first. A strategy result only wins when it
// clears acceptAbove, so the brute-force tier never shadows a real miss.
const (
	confRelative    = 0.95
	confAlias       = 0.9
	confNodeModules = 0.8
	confDeclared    = 0.8
	confBruteForce  = 0.3

	acceptAbove = 0.5
)

var scriptExts = []string{".ts", ".tsx", ".js", ".jsx", ".json", ""}

var indexFiles = []string{"index.ts", "index.tsx", "index.js", "index.jsx"}

// Options tunes resolution behavior.
type Options struct {
	// EnableBruteForce turns on the repo-wide suffix search tier.
	EnableBruteForce bool
}

// Resolver answers "which snapshot file does this import reference" for
// script and Python sources. It never returns an error: any internal
// failure degrades to an external hypothesis edge.
type Resolver struct {
	ws   *workspace
	fsys *safeio.SafeFS
	opts Options
}

type result struct {
	resolved   string
	confidence float64
	hypothesis bool
	reasonCode string
}

// New builds a resolver over one snapshot. fsys is used only for
// node_modules probes, which live outside the snapshot.
func New(snap *snapshot.Snapshot, fsys *safeio.SafeFS, opts Options) *Resolver {
	return &Resolver{ws: loadWorkspace(snap), fsys: fsys, opts: opts}
}

// Resolve turns a raw import into an edge. fromFile is the snapshot path
// of the importing file.
func (r *Resolver) Resolve(fromFile string, imp parse.RawImport) types.ImportEdge {
	edge := types.ImportEdge{
		Raw:      imp.Raw,
		Kind:     imp.Kind,
		Evidence: []types.EvidenceSpan{spanFor(fromFile, imp)},
	}

	var res result
	switch imp.Kind {
	case "py":
		res = r.resolvePython(fromFile, imp.Raw)
	default:
		res = r.resolveScript(fromFile, imp.Raw)
	}

	if res.resolved != "" {
		edge.Resolved = res.resolved
		edge.Confidence = res.confidence
		edge.Hypothesis = res.hypothesis
		edge.ReasonCode = res.reasonCode
	} else {
		edge.External = true
		edge.Confidence = 0.0
		edge.Hypothesis = true
		edge.ReasonCode = firstNonEmpty(res.reasonCode, types.ReasonAliasMiss)
	}

	// A dynamic import stays a hypothesis even when the target is found.
	if imp.Dynamic {
		edge.Hypothesis = true
		edge.ReasonCode = types.ReasonDynamicImport
	}
	return edge
}

func (r *Resolver) resolveScript(fromFile, raw string) result {
	strategies := []func(string, string) result{
		r.scriptRelative,
		r.scriptTsconfigPaths,
		r.scriptNodeModules,
		r.scriptDeclaredPackage,
	}
	for _, strat := range strategies {
		if res := strat(fromFile, raw); res.resolved != "" && res.confidence > acceptAbove {
			return res
		}
	}
	if r.opts.EnableBruteForce {
		if res := r.scriptBruteForce(fromFile, raw); res.resolved != "" {
			return res
		}
	}
	return result{reasonCode: types.ReasonAliasMiss}
}

func (r *Resolver) scriptRelative(fromFile, raw string) result {
	if !strings.HasPrefix(raw, ".") {
		return result{}
	}
	base := path.Join(path.Dir(fromFile), raw)
	if p, ok := r.scriptCandidate(base); ok {
		return result{resolved: p, confidence: confRelative}
	}
	return result{}
}

func (r *Resolver) scriptTsconfigPaths(fromFile, raw string) result {
	dir, cfg, ok := r.ws.closestTsconfig(path.Dir(fromFile))
	if !ok || len(cfg.Paths) == 0 {
		return result{}
	}
	for pattern, mappings := range cfg.Paths {
		rest, ok := matchPattern(raw, pattern)
		if !ok {
			continue
		}
		for _, mapping := range mappings {
			mapped := strings.Replace(mapping, "*", rest, 1)
			base := path.Join(dir, cfg.BaseURL, mapped)
			if p, ok := r.scriptCandidate(base); ok {
				return result{resolved: p, confidence: confAlias}
			}
		}
	}
	return result{}
}

func (r *Resolver) scriptNodeModules(fromFile, raw string) result {
	if strings.HasPrefix(raw, ".") || r.fsys == nil {
		return result{}
	}
	for dir := path.Dir(fromFile); ; dir = path.Dir(dir) {
		pkgDir := path.Join(dir, "node_modules", raw)
		if p := r.nodeModulesEntry(pkgDir); p != "" {
			return result{resolved: p, confidence: confNodeModules}
		}
		if dir == "." || dir == "/" {
			return result{}
		}
	}
}

// nodeModulesEntry resolves a package dir to its entry file via
// package.json "main", falling back to index files.
func (r *Resolver) nodeModulesEntry(pkgDir string) string {
	manifest := path.Join(pkgDir, "package.json")
	if data, err := r.fsys.SafeReadFile(manifest); err == nil {
		var pkg packageJSON
		if err := json.Unmarshal(data, &pkg); err == nil {
			main := firstNonEmpty(pkg.Main, "index.js")
			entry := path.Join(pkgDir, main)
			if _, err := r.fsys.SafeStat(entry); err == nil {
				return entry
			}
		}
	}
	for _, idx := range indexFiles {
		entry := path.Join(pkgDir, idx)
		if _, err := r.fsys.SafeStat(entry); err == nil {
			return entry
		}
	}
	return ""
}

func (r *Resolver) scriptDeclaredPackage(fromFile, raw string) result {
	name, rest := raw, ""
	if i := strings.Index(raw, "/"); i >= 0 && !strings.HasPrefix(raw, "@") {
		name, rest = raw[:i], raw[i+1:]
	} else if strings.HasPrefix(raw, "@") {
		// Scoped names take two segments: @scope/pkg/sub.
		parts := strings.SplitN(raw, "/", 3)
		if len(parts) >= 2 {
			name = parts[0] + "/" + parts[1]
		}
		if len(parts) == 3 {
			rest = parts[2]
		}
	}
	dir, ok := r.ws.packages[name]
	if !ok {
		return result{}
	}
	base := dir
	if rest != "" {
		base = path.Join(dir, rest)
	}
	if p, ok := r.scriptCandidate(base); ok {
		return result{resolved: p, confidence: confDeclared}
	}
	// Bare package reference: try common source entrypoints.
	for _, entry := range []string{"src/index.ts", "src/index.tsx", "src/index.js"} {
		p := path.Join(dir, entry)
		if r.ws.files[p] {
			return result{resolved: p, confidence: confDeclared}
		}
	}
	return result{}
}

func (r *Resolver) scriptBruteForce(_, raw string) result {
	if strings.HasPrefix(raw, ".") {
		return result{}
	}
	last := raw
	if i := strings.LastIndex(raw, "/"); i >= 0 {
		last = raw[i+1:]
	}
	for _, ext := range []string{".ts", ".tsx", ".js", ".jsx"} {
		if matches := r.ws.sortedMatches(last + ext); len(matches) > 0 {
			return result{
				resolved:   matches[0],
				confidence: confBruteForce,
				hypothesis: true,
				reasonCode: types.ReasonAliasMiss,
			}
		}
	}
	for _, idx := range indexFiles {
		if matches := r.ws.sortedMatches(last + "/" + idx); len(matches) > 0 {
			return result{
				resolved:   matches[0],
				confidence: confBruteForce,
				hypothesis: true,
				reasonCode: types.ReasonAliasMiss,
			}
		}
	}
	return result{}
}

// scriptCandidate probes base with each script extension, then as a
// directory with index files.
func (r *Resolver) scriptCandidate(base string) (string, bool) {
	for _, ext := range scriptExts {
		if r.ws.files[base+ext] {
			return base + ext, true
		}
	}
	if r.ws.dirs[base] {
		for _, idx := range indexFiles {
			p := path.Join(base, idx)
			if r.ws.files[p] {
				return p, true
			}
		}
	}
	return "", false
}

func (r *Resolver) resolvePython(fromFile, raw string) result {
	strategies := []func(string, string) result{
		r.pythonRelative,
		r.pythonAbsolute,
		r.pythonDeclaredPackage,
	}
	for _, strat := range strategies {
		if res := strat(fromFile, raw); res.resolved != "" && res.confidence > acceptAbove {
			return res
		}
	}
	if r.opts.EnableBruteForce {
		if res := r.pythonBruteForce(fromFile, raw); res.resolved != "" {
			return res
		}
	}
	return result{reasonCode: types.ReasonAliasMiss}
}

func (r *Resolver) pythonRelative(fromFile, raw string) result {
	if !strings.HasPrefix(raw, ".") {
		return result{}
	}
	dots := 0
	for dots < len(raw) && raw[dots] == '.' {
		dots++
	}
	dir := path.Dir(fromFile)
	for i := 1; i < dots; i++ {
		dir = path.Dir(dir)
	}
	base := dir
	if rest := raw[dots:]; rest != "" {
		base = path.Join(dir, strings.ReplaceAll(rest, ".", "/"))
	}
	if p, ok := r.pythonCandidate(base); ok {
		return result{resolved: p, confidence: confRelative}
	}
	return result{}
}

func (r *Resolver) pythonAbsolute(_, raw string) result {
	base := strings.ReplaceAll(raw, ".", "/")
	if p, ok := r.pythonCandidate(base); ok {
		return result{resolved: p, confidence: confAlias}
	}
	return result{}
}

func (r *Resolver) pythonDeclaredPackage(_, raw string) result {
	top := raw
	if i := strings.Index(raw, "."); i >= 0 {
		top = raw[:i]
	}
	if !r.ws.pyPackages[top] {
		return result{}
	}
	for dir := range r.ws.pyInitDirs {
		if dir == top || strings.HasSuffix(dir, "/"+top) {
			sub := path.Join(dir, strings.ReplaceAll(strings.TrimPrefix(raw, top), ".", "/"))
			if p, ok := r.pythonCandidate(sub); ok {
				return result{resolved: p, confidence: confDeclared}
			}
		}
	}
	return result{}
}

func (r *Resolver) pythonBruteForce(_, raw string) result {
	last := raw
	if i := strings.LastIndex(raw, "."); i >= 0 {
		last = raw[i+1:]
	}
	if matches := r.ws.sortedMatches(last + ".py"); len(matches) > 0 {
		return result{
			resolved:   matches[0],
			confidence: confBruteForce,
			hypothesis: true,
			reasonCode: types.ReasonAliasMiss,
		}
	}
	if matches := r.ws.sortedMatches(last + "/__init__.py"); len(matches) > 0 {
		return result{
			resolved:   matches[0],
			confidence: confBruteForce,
			hypothesis: true,
			reasonCode: types.ReasonAliasMiss,
		}
	}
	return result{}
}

func (r *Resolver) pythonCandidate(base string) (string, bool) {
	if r.ws.files[base+".py"] {
		return base + ".py", true
	}
	init := path.Join(base, "__init__.py")
	if r.ws.files[init] {
		return init, true
	}
	return "", false
}

func matchPattern(raw, pattern string) (rest string, ok bool) {
	if strings.HasSuffix(pattern, "*") {
		prefix := strings.TrimSuffix(pattern, "*")
		if strings.HasPrefix(raw, prefix) {
			return raw[len(prefix):], true
		}
		return "", false
	}
	if raw == pattern {
		return "", true
	}
	return "", false
}

func spanFor(fromFile string, imp parse.RawImport) types.EvidenceSpan {
	start, end := imp.Line, imp.End
	if start < 1 {
		start = 1
	}
	if end < start {
		end = start
	}
	return types.EvidenceSpan{File: fromFile, Start: start, End: end}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
