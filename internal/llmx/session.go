package llmx

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

const (
	defaultCacheSize = 512
	maxAttempts      = 3
	retryBase        = 300 * time.Millisecond
)

// SessionOptions configure one per-job model session.
type SessionOptions struct {
	TokenBudget int // 0 disables budgeting
	CacheSize   int
	RPS         float64
	Burst       int
}

// Usage is a snapshot of a session's model spend.
type Usage struct {
	UsedTokens int `json:"used_tokens"`
	Budget     int `json:"budget"`
	Calls      int `json:"calls"`
	Errors     int `json:"errors"`
	CacheHits  int `json:"cache_hits"`
}

// Session owns the model-call state for exactly one job run: response
// cache, token budget and rate limiter. Jobs never share a Session, so
// runs stay isolated and testable.
type Session struct {
	client  Client
	cache   *lru.Cache[string, json.RawMessage]
	limiter *rpsLimiter

	mu    sync.Mutex
	usage Usage
}

func NewSession(client Client, opts SessionOptions) (*Session, error) {
	size := opts.CacheSize
	if size <= 0 {
		size = defaultCacheSize
	}
	cache, err := lru.New[string, json.RawMessage](size)
	if err != nil {
		return nil, fmt.Errorf("llmx: cache: %w", err)
	}
	return &Session{
		client:  client,
		cache:   cache,
		limiter: newRPSLimiter(opts.RPS, opts.Burst),
		usage:   Usage{Budget: opts.TokenBudget},
	}, nil
}

// Close stops the limiter and releases the underlying client.
func (s *Session) Close() error {
	s.limiter.stop()
	return s.client.Close()
}

// Complete runs one cached, budgeted model call. schema names the expected
// response shape and participates in the cache key, so the same prompt with
// different shapes never collides.
func (s *Session) Complete(ctx context.Context, prompt string, input any, schema string) (json.RawMessage, error) {
	inJSON, err := json.Marshal(input)
	if err != nil {
		return nil, fmt.Errorf("llmx: marshal input: %w", err)
	}
	key := cacheKey(s.client.Name(), prompt, schema, inJSON)
	if cached, ok := s.cache.Get(key); ok {
		s.mu.Lock()
		s.usage.CacheHits++
		s.mu.Unlock()
		return cached, nil
	}

	cost := CountTokens(prompt) + CountTokens(string(inJSON))
	s.mu.Lock()
	if s.usage.Budget > 0 && s.usage.UsedTokens+cost > s.usage.Budget {
		s.mu.Unlock()
		return nil, ErrBudgetExceeded
	}
	s.usage.UsedTokens += cost
	s.usage.Calls++
	s.mu.Unlock()

	raw, err := s.generateWithRetry(ctx, prompt, input)
	if err != nil {
		s.mu.Lock()
		s.usage.Errors++
		s.mu.Unlock()
		return nil, err
	}

	s.mu.Lock()
	s.usage.UsedTokens += CountTokens(string(raw))
	s.mu.Unlock()
	s.cache.Add(key, raw)
	return raw, nil
}

func (s *Session) generateWithRetry(ctx context.Context, prompt string, input any) (json.RawMessage, error) {
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			backoff := retryBase * time.Duration(1<<(attempt-1))
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
		}
		if err := s.limiter.acquire(ctx); err != nil {
			return nil, err
		}
		raw, err := s.client.GenerateJSON(ctx, prompt, input)
		if err == nil {
			return raw, nil
		}
		lastErr = err
		log.Printf("[llmx] %s attempt %d/%d failed: %v", s.client.Name(), attempt+1, maxAttempts, err)
	}
	return nil, fmt.Errorf("llmx: %s exhausted retries: %w", s.client.Name(), lastErr)
}

// Usage returns a copy of the session's spend counters.
func (s *Session) Usage() Usage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.usage
}

func cacheKey(model, prompt, schema string, input []byte) string {
	h := sha256.New()
	h.Write([]byte(model))
	h.Write([]byte{0})
	h.Write([]byte(prompt))
	h.Write([]byte{0})
	h.Write([]byte(schema))
	h.Write([]byte{0})
	h.Write(input)
	return hex.EncodeToString(h.Sum(nil))
}
