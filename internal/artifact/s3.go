package artifact

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

type S3Config struct {
	Endpoint  string
	Region    string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

// S3Store keeps artifacts in one bucket using the same key layout as
// FSStore.
type S3Store struct {
	client *minio.Client
	bucket string
	region string

	initOnce sync.Once
	initErr  error
}

func NewS3Store(cfg S3Config) (*S3Store, error) {
	endpoint := strings.TrimSpace(cfg.Endpoint)
	if endpoint == "" {
		return nil, fmt.Errorf("s3 endpoint is required")
	}
	access := strings.TrimSpace(cfg.AccessKey)
	secret := strings.TrimSpace(cfg.SecretKey)
	if access == "" || secret == "" {
		return nil, fmt.Errorf("s3 access key and secret key are required")
	}
	bucket := strings.TrimSpace(cfg.Bucket)
	if bucket == "" {
		return nil, fmt.Errorf("s3 bucket is required")
	}
	region := strings.TrimSpace(cfg.Region)
	if region == "" {
		region = "us-east-1"
	}

	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(access, secret, ""),
		Secure: cfg.UseSSL,
		Region: region,
	})
	if err != nil {
		return nil, fmt.Errorf("init s3 client: %w", err)
	}
	return &S3Store{client: client, bucket: bucket, region: region}, nil
}

func (s *S3Store) ensureBucket(ctx context.Context) error {
	s.initOnce.Do(func() {
		exists, err := s.client.BucketExists(ctx, s.bucket)
		if err != nil {
			s.initErr = err
			return
		}
		if exists {
			return
		}
		s.initErr = s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{Region: s.region})
	})
	return s.initErr
}

func (s *S3Store) Put(ctx context.Context, repoID, snapshotID, kind string, payload []byte) (Meta, error) {
	if repoID == "" || snapshotID == "" || kind == "" {
		return Meta{}, fmt.Errorf("artifact: repo, snapshot and kind are required")
	}
	if err := s.ensureBucket(ctx); err != nil {
		return Meta{}, fmt.Errorf("ensure bucket: %w", err)
	}
	version, err := s.latestVersion(ctx, repoID, snapshotID, kind)
	if err != nil {
		return Meta{}, err
	}
	version++

	key := objectKey(repoID, snapshotID, kind, version)
	hash := contentHash(payload)
	_, err = s.client.PutObject(ctx, s.bucket, key, bytes.NewReader(payload), int64(len(payload)), minio.PutObjectOptions{
		ContentType: "application/json",
		UserMetadata: map[string]string{
			"sha256":            hash,
			"schema-version":    strconv.Itoa(schemaVersion),
			"generator-version": generatorVersion,
		},
	})
	if err != nil {
		return Meta{}, fmt.Errorf("artifact: put %s: %w", key, err)
	}

	return Meta{
		RepoID:           repoID,
		SnapshotID:       snapshotID,
		Kind:             kind,
		Version:          version,
		Bytes:            int64(len(payload)),
		SHA256:           hash,
		SchemaVersion:    schemaVersion,
		GeneratorVersion: generatorVersion,
		URI:              fmt.Sprintf("s3://%s/%s", s.bucket, key),
		CreatedAt:        time.Now().UTC(),
	}, nil
}

func (s *S3Store) Get(ctx context.Context, repoID, snapshotID, kind string, version int) ([]byte, Meta, error) {
	if err := s.ensureBucket(ctx); err != nil {
		return nil, Meta{}, fmt.Errorf("ensure bucket: %w", err)
	}
	if version <= 0 {
		latest, err := s.latestVersion(ctx, repoID, snapshotID, kind)
		if err != nil {
			return nil, Meta{}, err
		}
		if latest == 0 {
			return nil, Meta{}, ErrNotFound
		}
		version = latest
	}

	key := objectKey(repoID, snapshotID, kind, version)
	obj, err := s.client.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, Meta{}, err
	}
	defer obj.Close()

	payload, err := io.ReadAll(obj)
	if err != nil {
		resp := minio.ToErrorResponse(err)
		if resp.Code == "NoSuchKey" || resp.Code == "NoSuchBucket" {
			return nil, Meta{}, ErrNotFound
		}
		return nil, Meta{}, err
	}
	meta := Meta{
		RepoID:           repoID,
		SnapshotID:       snapshotID,
		Kind:             kind,
		Version:          version,
		Bytes:            int64(len(payload)),
		SHA256:           contentHash(payload),
		SchemaVersion:    schemaVersion,
		GeneratorVersion: generatorVersion,
		URI:              fmt.Sprintf("s3://%s/%s", s.bucket, key),
	}
	return payload, meta, nil
}

func (s *S3Store) Versions(ctx context.Context, repoID, snapshotID, kind string) ([]Meta, error) {
	if err := s.ensureBucket(ctx); err != nil {
		return nil, fmt.Errorf("ensure bucket: %w", err)
	}
	prefix := fmt.Sprintf("%s/%s/%s/", repoID, snapshotID, kind)
	var out []Meta
	for obj := range s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{Prefix: prefix, Recursive: true}) {
		if obj.Err != nil {
			return nil, obj.Err
		}
		version, ok := versionFromKey(obj.Key)
		if !ok {
			continue
		}
		out = append(out, Meta{
			RepoID:     repoID,
			SnapshotID: snapshotID,
			Kind:       kind,
			Version:    version,
			Bytes:      obj.Size,
			URI:        fmt.Sprintf("s3://%s/%s", s.bucket, obj.Key),
			CreatedAt:  obj.LastModified.UTC(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out, nil
}

func (s *S3Store) latestVersion(ctx context.Context, repoID, snapshotID, kind string) (int, error) {
	versions, err := s.Versions(ctx, repoID, snapshotID, kind)
	if err != nil {
		return 0, err
	}
	if len(versions) == 0 {
		return 0, nil
	}
	return versions[len(versions)-1].Version, nil
}

var reKeyVersion = regexp.MustCompile(`/v(\d+)\.json$`)

func versionFromKey(key string) (int, bool) {
	m := reKeyVersion.FindStringSubmatch(key)
	if m == nil {
		return 0, false
	}
	v, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, false
	}
	return v, true
}
