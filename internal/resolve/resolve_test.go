package resolve

import (
	"os"
	"path/filepath"
	"testing"

	"provis/internal/parse"
	"provis/internal/safeio"
	"provis/internal/snapshot"
	"provis/internal/types"
)

func write(t *testing.T, dir, rel, content string) {
	t.Helper()
	p := filepath.Join(dir, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", rel, err)
	}
}

func newResolver(t *testing.T, dir string, opts Options) *Resolver {
	t.Helper()
	fsys, err := safeio.NewSafeFS(dir)
	if err != nil {
		t.Fatalf("NewSafeFS: %v", err)
	}
	snap, err := snapshot.Build("r", fsys, snapshot.Options{})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	return New(snap, fsys, opts)
}

func TestResolveRelativeScript(t *testing.T) {
	dir := t.TempDir()
	write(t, dir, "src/app.ts", "")
	write(t, dir, "src/db.ts", "")
	r := newResolver(t, dir, Options{})

	edge := r.Resolve("src/app.ts", parse.RawImport{Raw: "./db", Kind: "esm", Line: 3, End: 3})
	if edge.Resolved != "src/db.ts" {
		t.Fatalf("resolved = %q", edge.Resolved)
	}
	if edge.Confidence != 0.95 || edge.Hypothesis || edge.External {
		t.Fatalf("edge = %+v", edge)
	}
	if len(edge.Evidence) != 1 || edge.Evidence[0].Start != 3 {
		t.Fatalf("evidence = %+v", edge.Evidence)
	}
}

func TestResolveRelativeIndex(t *testing.T) {
	dir := t.TempDir()
	write(t, dir, "src/app.ts", "")
	write(t, dir, "src/util/index.ts", "")
	r := newResolver(t, dir, Options{})

	edge := r.Resolve("src/app.ts", parse.RawImport{Raw: "./util", Kind: "esm", Line: 1, End: 1})
	if edge.Resolved != "src/util/index.ts" {
		t.Fatalf("resolved = %q", edge.Resolved)
	}
}

func TestResolveTsconfigAlias(t *testing.T) {
	dir := t.TempDir()
	write(t, dir, "tsconfig.json", `{
  // path aliases
  "compilerOptions": {
    "baseUrl": ".",
    "paths": { "@lib/*": ["src/lib/*"] },
  }
}`)
	write(t, dir, "src/app.ts", "")
	write(t, dir, "src/lib/auth.ts", "")
	r := newResolver(t, dir, Options{})

	edge := r.Resolve("src/app.ts", parse.RawImport{Raw: "@lib/auth", Kind: "esm", Line: 1, End: 1})
	if edge.Resolved != "src/lib/auth.ts" {
		t.Fatalf("resolved = %q (edge %+v)", edge.Resolved, edge)
	}
	if edge.Confidence != 0.9 {
		t.Fatalf("confidence = %v", edge.Confidence)
	}
}

func TestResolveNodeModules(t *testing.T) {
	dir := t.TempDir()
	write(t, dir, "src/app.js", "")
	write(t, dir, "node_modules/leftpad/package.json", `{"name":"leftpad","main":"lib/pad.js"}`)
	write(t, dir, "node_modules/leftpad/lib/pad.js", "")
	r := newResolver(t, dir, Options{})

	edge := r.Resolve("src/app.js", parse.RawImport{Raw: "leftpad", Kind: "cjs", Line: 1, End: 1})
	if edge.Resolved != "node_modules/leftpad/lib/pad.js" {
		t.Fatalf("resolved = %q (edge %+v)", edge.Resolved, edge)
	}
	if edge.Confidence != 0.8 {
		t.Fatalf("confidence = %v", edge.Confidence)
	}
}

func TestResolveUnknownIsExternal(t *testing.T) {
	dir := t.TempDir()
	write(t, dir, "src/app.ts", "")
	r := newResolver(t, dir, Options{})

	edge := r.Resolve("src/app.ts", parse.RawImport{Raw: "express", Kind: "esm", Line: 1, End: 1})
	if !edge.External || edge.Confidence != 0.0 || !edge.Hypothesis {
		t.Fatalf("edge = %+v", edge)
	}
	if edge.ReasonCode != types.ReasonAliasMiss {
		t.Fatalf("reason = %q", edge.ReasonCode)
	}
}

func TestResolveRelativeMissIsExternalHypothesis(t *testing.T) {
	dir := t.TempDir()
	write(t, dir, "src/app.ts", "")
	r := newResolver(t, dir, Options{})

	edge := r.Resolve("src/app.ts", parse.RawImport{Raw: "./missing_module", Kind: "esm", Line: 2, End: 2})
	if !edge.External {
		t.Fatalf("external = false, edge = %+v", edge)
	}
	if edge.Confidence != 0.0 {
		t.Fatalf("confidence = %v, want 0.0", edge.Confidence)
	}
	if !edge.Hypothesis {
		t.Fatalf("hypothesis = false, edge = %+v", edge)
	}
	if edge.ReasonCode != types.ReasonAliasMiss {
		t.Fatalf("reason = %q, want %q", edge.ReasonCode, types.ReasonAliasMiss)
	}
	if edge.Resolved != "" {
		t.Fatalf("resolved = %q, want empty", edge.Resolved)
	}
}

func TestResolveBruteForceOptIn(t *testing.T) {
	dir := t.TempDir()
	write(t, dir, "src/app.ts", "")
	write(t, dir, "packages/core/widget.ts", "")

	off := newResolver(t, dir, Options{})
	edge := off.Resolve("src/app.ts", parse.RawImport{Raw: "core/widget", Kind: "esm", Line: 1, End: 1})
	if !edge.External {
		t.Fatalf("brute force should be off: %+v", edge)
	}

	on := newResolver(t, dir, Options{EnableBruteForce: true})
	edge = on.Resolve("src/app.ts", parse.RawImport{Raw: "core/widget", Kind: "esm", Line: 1, End: 1})
	if edge.Resolved != "packages/core/widget.ts" {
		t.Fatalf("resolved = %q", edge.Resolved)
	}
	if edge.Confidence != 0.3 || !edge.Hypothesis || edge.ReasonCode != types.ReasonAliasMiss {
		t.Fatalf("edge = %+v", edge)
	}
}

func TestResolveDynamicImportStaysHypothesis(t *testing.T) {
	dir := t.TempDir()
	write(t, dir, "src/app.ts", "")
	write(t, dir, "src/lazy.ts", "")
	r := newResolver(t, dir, Options{})

	edge := r.Resolve("src/app.ts", parse.RawImport{Raw: "./lazy", Kind: "esm", Dynamic: true, Line: 5, End: 5})
	if edge.Resolved != "src/lazy.ts" {
		t.Fatalf("resolved = %q", edge.Resolved)
	}
	if !edge.Hypothesis || edge.ReasonCode != types.ReasonDynamicImport {
		t.Fatalf("edge = %+v", edge)
	}
}

func TestResolvePythonRelative(t *testing.T) {
	dir := t.TempDir()
	write(t, dir, "app/views.py", "")
	write(t, dir, "app/models.py", "")
	write(t, dir, "app/__init__.py", "")
	r := newResolver(t, dir, Options{})

	edge := r.Resolve("app/views.py", parse.RawImport{Raw: ".models", Kind: "py", Line: 1, End: 1})
	if edge.Resolved != "app/models.py" {
		t.Fatalf("resolved = %q (edge %+v)", edge.Resolved, edge)
	}
	if edge.Confidence != 0.95 {
		t.Fatalf("confidence = %v", edge.Confidence)
	}
}

func TestResolvePythonAbsoluteAndPackage(t *testing.T) {
	dir := t.TempDir()
	write(t, dir, "pyproject.toml", "[project]\nname = \"acme-app\"\n")
	write(t, dir, "acme_app/__init__.py", "")
	write(t, dir, "acme_app/tasks.py", "")
	write(t, dir, "scripts/run.py", "")
	r := newResolver(t, dir, Options{})

	edge := r.Resolve("scripts/run.py", parse.RawImport{Raw: "acme_app.tasks", Kind: "py", Line: 1, End: 1})
	if edge.Resolved != "acme_app/tasks.py" {
		t.Fatalf("resolved = %q (edge %+v)", edge.Resolved, edge)
	}

	edge = r.Resolve("scripts/run.py", parse.RawImport{Raw: "acme_app", Kind: "py", Line: 2, End: 2})
	if edge.Resolved != "acme_app/__init__.py" {
		t.Fatalf("resolved = %q (edge %+v)", edge.Resolved, edge)
	}
}
