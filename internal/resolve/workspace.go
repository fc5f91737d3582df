package resolve

import (
	"encoding/json"
	"log"
	"path"
	"regexp"
	"sort"
	"strings"

	"github.com/pelletier/go-toml/v2"

	"provis/internal/snapshot"
)

// workspace holds everything the strategies need to answer membership and
// alias questions without touching the filesystem again.
type workspace struct {
	files map[string]bool // snapshot file paths
	dirs  map[string]bool // implied directories

	tsconfigs  map[string]tsconfig // dir -> parsed tsconfig.json
	packages   map[string]string   // package.json name -> dir
	pyPackages map[string]bool     // declared python package names
	pyInitDirs map[string]bool     // dirs containing __init__.py
}

type tsconfig struct {
	BaseURL string
	Paths   map[string][]string
}

type tsconfigJSON struct {
	CompilerOptions struct {
		BaseURL string              `json:"baseUrl"`
		Paths   map[string][]string `json:"paths"`
	} `json:"compilerOptions"`
}

type packageJSON struct {
	Name string `json:"name"`
	Main string `json:"main"`
}

type pyprojectTOML struct {
	Project struct {
		Name string `toml:"name"`
	} `toml:"project"`
	Tool struct {
		Poetry struct {
			Name     string `toml:"name"`
			Packages []struct {
				Include string `toml:"include"`
			} `toml:"packages"`
		} `toml:"poetry"`
	} `toml:"tool"`
}

// tsconfig.json allows // and /* */ comments plus trailing commas.
var (
	reLineComment  = regexp.MustCompile(`(?m)^\s*//.*$`)
	reBlockComment = regexp.MustCompile(`(?s)/\*.*?\*/`)
	reTrailComma   = regexp.MustCompile(`,\s*([}\]])`)
)

func loadWorkspace(snap *snapshot.Snapshot) *workspace {
	ws := &workspace{
		files:      snap.PathSet(),
		dirs:       make(map[string]bool),
		tsconfigs:  make(map[string]tsconfig),
		packages:   make(map[string]string),
		pyPackages: make(map[string]bool),
		pyInitDirs: make(map[string]bool),
	}

	for p := range ws.files {
		for d := path.Dir(p); d != "." && d != "/"; d = path.Dir(d) {
			ws.dirs[d] = true
		}
	}

	for _, f := range snap.Files {
		switch path.Base(f.Path) {
		case "tsconfig.json":
			ws.loadTsconfig(snap, f.Path)
		case "package.json":
			ws.loadPackageJSON(snap, f.Path)
		case "pyproject.toml":
			ws.loadPyproject(snap, f.Path)
		case "__init__.py":
			ws.pyInitDirs[path.Dir(f.Path)] = true
		}
	}
	return ws
}

func (ws *workspace) loadTsconfig(snap *snapshot.Snapshot, p string) {
	data, err := snap.ReadFile(p)
	if err != nil {
		return
	}
	data = reBlockComment.ReplaceAll(data, nil)
	data = reLineComment.ReplaceAll(data, nil)
	data = reTrailComma.ReplaceAll(data, []byte("$1"))

	var cfg tsconfigJSON
	if err := json.Unmarshal(data, &cfg); err != nil {
		log.Printf("[resolve] skip malformed %s: %v", p, err)
		return
	}
	base := cfg.CompilerOptions.BaseURL
	if base == "" {
		base = "."
	}
	ws.tsconfigs[path.Dir(p)] = tsconfig{BaseURL: base, Paths: cfg.CompilerOptions.Paths}
}

func (ws *workspace) loadPackageJSON(snap *snapshot.Snapshot, p string) {
	data, err := snap.ReadFile(p)
	if err != nil {
		return
	}
	var pkg packageJSON
	if err := json.Unmarshal(data, &pkg); err != nil {
		log.Printf("[resolve] skip malformed %s: %v", p, err)
		return
	}
	if pkg.Name != "" {
		ws.packages[pkg.Name] = path.Dir(p)
	}
}

func (ws *workspace) loadPyproject(snap *snapshot.Snapshot, p string) {
	data, err := snap.ReadFile(p)
	if err != nil {
		return
	}
	var proj pyprojectTOML
	if err := toml.Unmarshal(data, &proj); err != nil {
		log.Printf("[resolve] skip malformed %s: %v", p, err)
		return
	}
	for _, name := range []string{proj.Project.Name, proj.Tool.Poetry.Name} {
		if name != "" {
			// Distribution names use dashes, import names use underscores.
			ws.pyPackages[strings.ReplaceAll(name, "-", "_")] = true
		}
	}
	for _, pkg := range proj.Tool.Poetry.Packages {
		if pkg.Include != "" {
			ws.pyPackages[pkg.Include] = true
		}
	}
}

// closestTsconfig walks up from dir looking for a loaded tsconfig.
func (ws *workspace) closestTsconfig(dir string) (string, tsconfig, bool) {
	for d := dir; ; d = path.Dir(d) {
		if cfg, ok := ws.tsconfigs[d]; ok {
			return d, cfg, true
		}
		if d == "." || d == "/" {
			return "", tsconfig{}, false
		}
	}
}

// sortedMatches returns snapshot files whose path ends with the suffix,
// in deterministic order.
func (ws *workspace) sortedMatches(suffix string) []string {
	var out []string
	for p := range ws.files {
		if p == suffix || strings.HasSuffix(p, "/"+suffix) {
			out = append(out, p)
		}
	}
	sort.Strings(out)
	return out
}
