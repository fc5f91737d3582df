package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"provis/internal/artifact"
	"provis/internal/config"
	"provis/internal/llmx"
	"provis/internal/pipeline"
	"provis/internal/status"
)

func main() {
	repo := flag.String("repo", "", "path to the repository root to analyze")
	repoID := flag.String("repo-id", "", "repository id (defaults to the directory name)")
	addr := flag.String("serve", "", "listen address; when set, run as a server instead of one-shot")
	noModel := flag.Bool("no-model", false, "disable the model layer, static detectors only")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal(err)
	}

	store, err := buildStore(cfg)
	if err != nil {
		log.Fatal(err)
	}
	client, err := buildClient(cfg, *noModel)
	if err != nil {
		log.Fatal(err)
	}

	st := status.NewFromEnv(cfg.StatusPostgresDSN)
	o := pipeline.New(*cfg, pipeline.Options{Status: st, Store: store, Client: client})

	if *addr != "" {
		serve(o, *addr)
		return
	}

	if *repo == "" {
		log.Fatal("--repo is required")
	}
	id := *repoID
	if id == "" {
		id = filepath.Base(*repo)
	}

	ctx := context.Background()
	jobID, err := o.RunSync(ctx, id, *repo)
	if err != nil {
		log.Fatalf("analysis failed: %v", err)
	}
	rec, _ := o.Status().Get(jobID)
	out, _ := json.MarshalIndent(rec, "", "  ")
	fmt.Println(string(out))
}

func buildStore(cfg *config.Config) (artifact.Store, error) {
	if cfg.Artifact.Endpoint != "" {
		return artifact.NewS3Store(artifact.S3Config{
			Endpoint:  cfg.Artifact.Endpoint,
			Region:    cfg.Artifact.Region,
			AccessKey: cfg.Artifact.AccessKey,
			SecretKey: cfg.Artifact.SecretKey,
			Bucket:    cfg.Artifact.Bucket,
			UseSSL:    cfg.Artifact.UseSSL,
		})
	}
	return artifact.NewFSStore(cfg.Artifact.Dir)
}

func buildClient(cfg *config.Config, noModel bool) (llmx.Client, error) {
	if noModel {
		return nil, nil
	}
	switch cfg.ModelProvider {
	case "fake":
		return llmx.NewFakeClient(), nil
	case "gemini":
		if os.Getenv("GEMINI_API_KEY") == "" {
			log.Println("[provis] GEMINI_API_KEY is not set, model layer disabled")
			return nil, nil
		}
		return llmx.NewGeminiClient(context.Background(), cfg.ModelName)
	default:
		return nil, fmt.Errorf("unknown MODEL_PROVIDER %q", cfg.ModelProvider)
	}
}

// serve exposes job submission, status reads and the websocket event
// stream, and drains in-flight jobs on SIGINT/SIGTERM.
func serve(o *pipeline.Orchestrator, addr string) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/analyses", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			RepoID   string `json:"repo_id"`
			RepoPath string `json:"repo_path"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.RepoPath == "" {
			http.Error(w, "repo_path is required", http.StatusBadRequest)
			return
		}
		if req.RepoID == "" {
			req.RepoID = filepath.Base(req.RepoPath)
		}
		jobID, err := o.Submit(req.RepoID, req.RepoPath)
		if err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		json.NewEncoder(w).Encode(map[string]string{"job_id": jobID})
	})
	mux.HandleFunc("GET /v1/analyses/{id}", func(w http.ResponseWriter, r *http.Request) {
		rec, ok := o.Status().Get(r.PathValue("id"))
		if !ok {
			http.Error(w, "unknown job", http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(rec)
	})
	mux.HandleFunc("GET /v1/analyses", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(o.Status().List())
	})
	mux.Handle("GET /v1/analyses/stream", status.StreamHandler(o.Status()))

	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		log.Printf("[provis] listening on %s", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("[provis] server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("[provis] shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Printf("[provis] server shutdown: %v", err)
	}
	if err := o.Shutdown(ctx); err != nil {
		log.Printf("[provis] drain: %v", err)
	}
	log.Println("[provis] exiting")
}
