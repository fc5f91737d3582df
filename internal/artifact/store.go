package artifact

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Artifact kinds produced by a pipeline run.
const (
	KindGraph        = "graph"
	KindCapabilities = "capabilities"
	KindWarnings     = "warnings"
	KindFiles        = "files"
	KindFinal        = "final"
)

var ErrNotFound = errors.New("artifact not found")

// Meta describes one stored artifact version.
type Meta struct {
	RepoID           string    `json:"repo_id"`
	SnapshotID       string    `json:"snapshot_id"`
	Kind             string    `json:"kind"`
	Version          int       `json:"version"`
	Bytes            int64     `json:"bytes"`
	SHA256           string    `json:"sha256"`
	SchemaVersion    int       `json:"schema_version"`
	GeneratorVersion string    `json:"generator_version"`
	URI              string    `json:"uri"`
	CreatedAt        time.Time `json:"created_at"`
}

// Store persists versioned artifacts. Writes are write-once: every Put
// allocates the next version; existing versions are never overwritten.
// version <= 0 on Get means latest.
type Store interface {
	Put(ctx context.Context, repoID, snapshotID, kind string, payload []byte) (Meta, error)
	Get(ctx context.Context, repoID, snapshotID, kind string, version int) ([]byte, Meta, error)
	Versions(ctx context.Context, repoID, snapshotID, kind string) ([]Meta, error)
}

const (
	schemaVersion    = 1
	generatorVersion = "1.0.0"
)

// objectKey is repo/snapshot/kind/vN.json.
func objectKey(repoID, snapshotID, kind string, version int) string {
	return fmt.Sprintf("%s/%s/%s/v%d.json", repoID, snapshotID, kind, version)
}

func contentHash(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

// PutJSON marshals v and stores it under kind.
func PutJSON(ctx context.Context, s Store, repoID, snapshotID, kind string, v any) (Meta, error) {
	payload, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return Meta{}, fmt.Errorf("artifact: marshal %s: %w", kind, err)
	}
	return s.Put(ctx, repoID, snapshotID, kind, payload)
}

// GetJSON fetches a version (<=0 for latest) and unmarshals it into out.
func GetJSON(ctx context.Context, s Store, repoID, snapshotID, kind string, version int, out any) (Meta, error) {
	payload, meta, err := s.Get(ctx, repoID, snapshotID, kind, version)
	if err != nil {
		return Meta{}, err
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return Meta{}, fmt.Errorf("artifact: unmarshal %s: %w", kind, err)
	}
	return meta, nil
}
