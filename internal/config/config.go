package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config carries every tunable the engine reads from the environment.
// Load is called once at process start; the struct is passed explicitly
// from there (no package-level state).
type Config struct {
	// Resource pools.
	ParseConcurrency int // structural-parse pool slots
	ModelConcurrency int // model-call pool slots
	DetectorWorkers  int // per-file detector fan-out

	// Parsing.
	ParseBatchSize    int
	ParseBatchTimeout time.Duration
	MaxFileBytes      int64

	// Resolution.
	EnableBruteForce bool

	// Model layer.
	ModelProvider  string
	ModelName      string
	TokenBudget    int
	ModelCacheSize int
	ModelRPS       float64
	ModelBurst     int

	// Orchestrator.
	RetentionWindow time.Duration
	SweepInterval   time.Duration

	// Status sink persistence (optional).
	StatusPostgresDSN string

	// Artifact store (optional S3 backend).
	Artifact ArtifactConfig
}

type ArtifactConfig struct {
	Dir       string
	Endpoint  string
	Region    string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

// Load reads .env (if present) and the process environment.
func Load() (*Config, error) {
	_ = godotenv.Load()

	return &Config{
		ParseConcurrency:  envInt("PARSE_CONCURRENCY", 2),
		ModelConcurrency:  envInt("MODEL_CONCURRENCY", 2),
		DetectorWorkers:   envInt("DETECTOR_WORKERS", 4),
		ParseBatchSize:    envInt("PARSE_BATCH_SIZE", 50),
		ParseBatchTimeout: envDuration("PARSE_BATCH_TIMEOUT", 120*time.Second),
		MaxFileBytes:      int64(envInt("MAX_FILE_BYTES", 1<<20)),
		EnableBruteForce:  envBool("ENABLE_ALIAS_BRUTE_FORCE", false),
		ModelProvider:     firstNonEmpty(strings.TrimSpace(os.Getenv("MODEL_PROVIDER")), "gemini"),
		ModelName:         firstNonEmpty(strings.TrimSpace(os.Getenv("MODEL_NAME")), "gemini-2.0-flash"),
		TokenBudget:       envInt("MODEL_TOKEN_BUDGET", 200_000),
		ModelCacheSize:    envInt("MODEL_CACHE_SIZE", 1024),
		ModelRPS:          envFloat("MODEL_RPS", 0),
		ModelBurst:        envInt("MODEL_BURST", 0),
		RetentionWindow:   envDuration("JOB_RETENTION", time.Hour),
		SweepInterval:     envDuration("JOB_SWEEP_INTERVAL", 5*time.Minute),
		StatusPostgresDSN: strings.TrimSpace(os.Getenv("STATUS_PG_DSN")),
		Artifact:          loadArtifactConfig(),
	}, nil
}

func loadArtifactConfig() ArtifactConfig {
	return ArtifactConfig{
		Dir:       firstNonEmpty(strings.TrimSpace(os.Getenv("ARTIFACT_DIR")), "artifacts"),
		Endpoint:  strings.TrimSpace(os.Getenv("ARTIFACT_S3_ENDPOINT")),
		Region:    firstNonEmpty(strings.TrimSpace(os.Getenv("ARTIFACT_S3_REGION")), "us-east-1"),
		AccessKey: firstNonEmpty(strings.TrimSpace(os.Getenv("ARTIFACT_S3_ACCESS_KEY")), strings.TrimSpace(os.Getenv("MINIO_ROOT_USER"))),
		SecretKey: firstNonEmpty(strings.TrimSpace(os.Getenv("ARTIFACT_S3_SECRET_KEY")), strings.TrimSpace(os.Getenv("MINIO_ROOT_PASSWORD"))),
		Bucket:    firstNonEmpty(strings.TrimSpace(os.Getenv("ARTIFACT_S3_BUCKET")), "provis-artifacts"),
		UseSSL:    envBool("ARTIFACT_S3_USE_SSL", true),
	}
}

func envInt(key string, def int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}

func envFloat(key string, def float64) float64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return def
	}
	return f
}

func envBool(key string, def bool) bool {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	b, err := strconv.ParseBool(raw)
	if err != nil {
		return def
	}
	return b
}

func envDuration(key string, def time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return def
	}
	return d
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
