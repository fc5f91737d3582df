package snapshot

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io/fs"
	"path/filepath"
	"sort"
	"strings"

	"provis/internal/safeio"
	"provis/internal/types"
)

// Snapshot is an immutable view of a repository at scan time. File records
// carry metadata only; content is read on demand through the bound SafeFS.
type Snapshot struct {
	RepoID string
	ID     string
	Files  []types.FileRecord

	fsys *safeio.SafeFS
}

// Options tunes the walk.
type Options struct {
	// MaxFileBytes marks larger files as skipped instead of reading them.
	MaxFileBytes int64
}

var skipDirs = map[string]bool{
	".git":         true,
	".hg":          true,
	".svn":         true,
	"node_modules": true,
	"vendor":       true,
	"target":       true,
	"build":        true,
	"dist":         true,
	".next":        true,
	".cache":       true,
	"__pycache__":  true,
	".venv":        true,
	"venv":         true,
}

// Build walks the repository under fsys and returns a snapshot with one
// record per regular file, sorted by path. Files over MaxFileBytes are
// recorded with SkippedLarge set and no content hash is computed for them.
func Build(repoID string, fsys *safeio.SafeFS, opts Options) (*Snapshot, error) {
	if fsys == nil {
		return nil, fmt.Errorf("snapshot: nil filesystem")
	}
	maxBytes := opts.MaxFileBytes
	if maxBytes <= 0 {
		maxBytes = 1 << 20
	}

	var files []types.FileRecord
	err := fsys.Walk(func(rel string, d fs.DirEntry) error {
		if d.IsDir() {
			if skipDirs[d.Name()] {
				return fs.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		rec := types.FileRecord{
			Path:     rel,
			Language: LanguageFor(rel),
			Size:     info.Size(),
			MTime:    info.ModTime().Unix(),
		}
		if info.Size() > maxBytes {
			rec.SkippedLarge = true
			files = append(files, rec)
			return nil
		}
		data, err := fsys.SafeReadFile(rel)
		if err != nil {
			return nil
		}
		sum := sha256.Sum256(data)
		rec.Hash = hex.EncodeToString(sum[:])
		files = append(files, rec)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("snapshot: walk: %w", err)
	}

	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })

	return &Snapshot{
		RepoID: repoID,
		ID:     deriveID(files),
		Files:  files,
		fsys:   fsys,
	}, nil
}

// ReadFile returns the content of a snapshot file by repo-relative path.
func (s *Snapshot) ReadFile(path string) ([]byte, error) {
	if s == nil || s.fsys == nil {
		return nil, fmt.Errorf("snapshot: no filesystem bound")
	}
	return s.fsys.SafeReadFile(filepath.FromSlash(path))
}

// File returns the record for a path, if present.
func (s *Snapshot) File(path string) (types.FileRecord, bool) {
	i := sort.Search(len(s.Files), func(i int) bool { return s.Files[i].Path >= path })
	if i < len(s.Files) && s.Files[i].Path == path {
		return s.Files[i], true
	}
	return types.FileRecord{}, false
}

// PathSet returns the set of file paths for membership checks.
func (s *Snapshot) PathSet() map[string]bool {
	set := make(map[string]bool, len(s.Files))
	for _, f := range s.Files {
		set[f.Path] = true
	}
	return set
}

// deriveID hashes the sorted (path, hash) pairs so the snapshot ID is
// stable for identical content regardless of scan order.
func deriveID(files []types.FileRecord) string {
	h := sha256.New()
	for _, f := range files {
		fmt.Fprintf(h, "%s:%s\n", f.Path, f.Hash)
	}
	return hex.EncodeToString(h.Sum(nil))[:16]
}

// LanguageFor infers a language tag from the file extension.
func LanguageFor(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".js", ".mjs", ".cjs":
		return "javascript"
	case ".jsx":
		return "jsx"
	case ".ts", ".mts", ".cts":
		return "typescript"
	case ".tsx":
		return "tsx"
	case ".py":
		return "python"
	case ".go":
		return "go"
	case ".json":
		return "json"
	case ".toml":
		return "toml"
	case ".yaml", ".yml":
		return "yaml"
	case ".md":
		return "markdown"
	default:
		return ""
	}
}

// Parseable reports whether the structural tier understands the language.
func Parseable(lang string) bool {
	switch lang {
	case "javascript", "jsx", "typescript", "tsx", "python":
		return true
	}
	return false
}
