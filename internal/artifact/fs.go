package artifact

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"time"
)

var reVersionFile = regexp.MustCompile(`^v(\d+)\.json$`)

// FSStore keeps artifacts under root using the repo/snapshot/kind/vN.json
// layout. Writes go through a temp file and rename.
type FSStore struct {
	root string
}

func NewFSStore(root string) (*FSStore, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("artifact: init %s: %w", root, err)
	}
	return &FSStore{root: root}, nil
}

func (s *FSStore) kindDir(repoID, snapshotID, kind string) string {
	return filepath.Join(s.root, repoID, snapshotID, kind)
}

func (s *FSStore) Put(ctx context.Context, repoID, snapshotID, kind string, payload []byte) (Meta, error) {
	if err := ctx.Err(); err != nil {
		return Meta{}, err
	}
	if repoID == "" || snapshotID == "" || kind == "" {
		return Meta{}, fmt.Errorf("artifact: repo, snapshot and kind are required")
	}
	dir := s.kindDir(repoID, snapshotID, kind)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return Meta{}, fmt.Errorf("artifact: mkdir: %w", err)
	}

	version := s.latestVersion(dir) + 1
	final := filepath.Join(dir, fmt.Sprintf("v%d.json", version))
	tmp, err := os.CreateTemp(dir, ".put-*")
	if err != nil {
		return Meta{}, fmt.Errorf("artifact: temp: %w", err)
	}
	if _, err := tmp.Write(payload); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return Meta{}, fmt.Errorf("artifact: write: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return Meta{}, fmt.Errorf("artifact: close: %w", err)
	}
	if err := os.Rename(tmp.Name(), final); err != nil {
		os.Remove(tmp.Name())
		return Meta{}, fmt.Errorf("artifact: rename: %w", err)
	}

	return Meta{
		RepoID:           repoID,
		SnapshotID:       snapshotID,
		Kind:             kind,
		Version:          version,
		Bytes:            int64(len(payload)),
		SHA256:           contentHash(payload),
		SchemaVersion:    schemaVersion,
		GeneratorVersion: generatorVersion,
		URI:              "file://" + final,
		CreatedAt:        time.Now().UTC(),
	}, nil
}

func (s *FSStore) Get(ctx context.Context, repoID, snapshotID, kind string, version int) ([]byte, Meta, error) {
	if err := ctx.Err(); err != nil {
		return nil, Meta{}, err
	}
	dir := s.kindDir(repoID, snapshotID, kind)
	if version <= 0 {
		version = s.latestVersion(dir)
		if version == 0 {
			return nil, Meta{}, ErrNotFound
		}
	}
	p := filepath.Join(dir, fmt.Sprintf("v%d.json", version))
	payload, err := os.ReadFile(p)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, Meta{}, ErrNotFound
		}
		return nil, Meta{}, fmt.Errorf("artifact: read: %w", err)
	}
	meta := s.metaFor(repoID, snapshotID, kind, version, p, payload)
	return payload, meta, nil
}

func (s *FSStore) Versions(ctx context.Context, repoID, snapshotID, kind string) ([]Meta, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	dir := s.kindDir(repoID, snapshotID, kind)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("artifact: list: %w", err)
	}
	var out []Meta
	for _, e := range entries {
		m := reVersionFile.FindStringSubmatch(e.Name())
		if m == nil {
			continue
		}
		version, _ := strconv.Atoi(m[1])
		p := filepath.Join(dir, e.Name())
		payload, err := os.ReadFile(p)
		if err != nil {
			continue
		}
		out = append(out, s.metaFor(repoID, snapshotID, kind, version, p, payload))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out, nil
}

func (s *FSStore) metaFor(repoID, snapshotID, kind string, version int, path string, payload []byte) Meta {
	meta := Meta{
		RepoID:           repoID,
		SnapshotID:       snapshotID,
		Kind:             kind,
		Version:          version,
		Bytes:            int64(len(payload)),
		SHA256:           contentHash(payload),
		SchemaVersion:    schemaVersion,
		GeneratorVersion: generatorVersion,
		URI:              "file://" + path,
	}
	if info, err := os.Stat(path); err == nil {
		meta.CreatedAt = info.ModTime().UTC()
	}
	return meta
}

func (s *FSStore) latestVersion(dir string) int {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0
	}
	latest := 0
	for _, e := range entries {
		m := reVersionFile.FindStringSubmatch(e.Name())
		if m == nil {
			continue
		}
		if v, err := strconv.Atoi(m[1]); err == nil && v > latest {
			latest = v
		}
	}
	return latest
}
