package parse

import (
	"path/filepath"
	"sort"
	"strings"
)

// Result is the structural tier's view of one source file. Detectors and
// the import resolver consume it; nothing here is written back to disk.
type Result struct {
	Language   string
	Imports    []RawImport
	Exports    []string
	Functions  []FunctionOut
	Classes    []ClassOut
	Calls      []Call
	Decorators []Decorator
}

// RawImport is an unresolved module reference as written in source.
type RawImport struct {
	Raw     string
	Kind    string // "esm" | "cjs" | "py"
	Dynamic bool   // import("x") rather than a static statement
	Line    int
	End     int
}

// FunctionOut is a declared function with the source span it occupies.
type FunctionOut struct {
	Name       string
	Params     []string
	Decorators []string
	Calls      []string
	Line       int
	End        int
}

// ClassOut is a declared class.
type ClassOut struct {
	Name       string
	Bases      []string
	Methods    []string
	Decorators []string
	Line       int
	End        int
}

// Call is a call expression with its literal string arguments, enough for
// detectors to recognize route registrations and queue wiring without
// re-walking the tree.
type Call struct {
	Name       string // callee name ("get", "require", "task")
	Qualifier  string // receiver text ("app", "router", "process.env")
	StringArgs []string
	IdentArgs  []string // bare identifier arguments, in order
	Arity      int
	Line       int
	End        int
}

// Decorator is a Python decorator attached to a function or class.
type Decorator struct {
	Name       string // dotted name without '@' ("app.get", "shared_task")
	StringArgs []string
	Target     string // decorated symbol name
	TargetKind string // "function" | "class"
	Line       int
	End        int
}

// LanguageParser is implemented once per grammar.
type LanguageParser interface {
	Language() string
	Extensions() []string
	Parse(filename string, content []byte) (*Result, error)
}

// Registry routes files to the parser for their extension.
type Registry struct {
	parsers   map[string]LanguageParser
	extToLang map[string]string
}

func NewRegistry() *Registry {
	return &Registry{
		parsers:   make(map[string]LanguageParser),
		extToLang: make(map[string]string),
	}
}

// Default returns a registry with every supported grammar registered.
func Default() *Registry {
	r := NewRegistry()
	r.Register(NewScriptParser())
	r.Register(NewPythonParser())
	return r
}

func (r *Registry) Register(p LanguageParser) {
	r.parsers[p.Language()] = p
	for _, ext := range p.Extensions() {
		r.extToLang[ext] = p.Language()
	}
}

// ParserForFile returns the parser handling the file's extension.
func (r *Registry) ParserForFile(filename string) (LanguageParser, bool) {
	lang, ok := r.extToLang[strings.ToLower(filepath.Ext(filename))]
	if !ok {
		return nil, false
	}
	p, ok := r.parsers[lang]
	return p, ok
}

// ParseFile parses content for the given path. Unsupported extensions
// return (nil, nil) so callers can skip them.
func (r *Registry) ParseFile(path string, content []byte) (*Result, error) {
	p, ok := r.ParserForFile(path)
	if !ok {
		return nil, nil
	}
	res, err := p.Parse(path, content)
	if err != nil {
		return nil, err
	}
	res.normalize()
	return res, nil
}

func (res *Result) normalize() {
	res.Exports = dedupeStrings(res.Exports)
	sort.Slice(res.Imports, func(i, j int) bool {
		if res.Imports[i].Line != res.Imports[j].Line {
			return res.Imports[i].Line < res.Imports[j].Line
		}
		return res.Imports[i].Raw < res.Imports[j].Raw
	})
	sort.Slice(res.Calls, func(i, j int) bool { return res.Calls[i].Line < res.Calls[j].Line })
	sort.Slice(res.Decorators, func(i, j int) bool { return res.Decorators[i].Line < res.Decorators[j].Line })
}

func dedupeStrings(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" || seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}
