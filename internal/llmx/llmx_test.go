package llmx

import (
	"context"
	"errors"
	"strings"
	"testing"

	"provis/internal/types"
)

func session(t *testing.T, client Client, opts SessionOptions) *Session {
	t.Helper()
	s, err := NewSession(client, opts)
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSessionCachesResponses(t *testing.T) {
	fake := NewFakeClient()
	fake.Script("schema=calls-v1", `{"calls":[]}`)
	s := session(t, fake, SessionOptions{})

	ctx := context.Background()
	if _, err := s.Complete(ctx, completionPrompt, "input", "calls-v1"); err != nil {
		t.Fatalf("first call: %v", err)
	}
	if _, err := s.Complete(ctx, completionPrompt, "input", "calls-v1"); err != nil {
		t.Fatalf("second call: %v", err)
	}
	if fake.Calls() != 1 {
		t.Fatalf("backend calls = %d, want 1", fake.Calls())
	}
	if u := s.Usage(); u.CacheHits != 1 {
		t.Fatalf("cache hits = %d, want 1", u.CacheHits)
	}
}

func TestSessionDistinguishesSchemasInCacheKey(t *testing.T) {
	fake := NewFakeClient()
	s := session(t, fake, SessionOptions{})

	ctx := context.Background()
	if _, err := s.Complete(ctx, "prompt", "input", "a"); err != nil {
		t.Fatalf("schema a: %v", err)
	}
	if _, err := s.Complete(ctx, "prompt", "input", "b"); err != nil {
		t.Fatalf("schema b: %v", err)
	}
	if fake.Calls() != 2 {
		t.Fatalf("backend calls = %d, want 2", fake.Calls())
	}
}

func TestSessionBudgetExceeded(t *testing.T) {
	fake := NewFakeClient()
	s := session(t, fake, SessionOptions{TokenBudget: 1})

	_, err := s.Complete(context.Background(), strings.Repeat("x", 400), "input", "v1")
	if !errors.Is(err, ErrBudgetExceeded) {
		t.Fatalf("err = %v, want ErrBudgetExceeded", err)
	}
	if fake.Calls() != 0 {
		t.Fatalf("backend called despite exhausted budget")
	}
}

func TestSessionRetriesThenFails(t *testing.T) {
	fake := NewFakeClient()
	fake.Fail("flaky", errors.New("boom"))
	s := session(t, fake, SessionOptions{})

	_, err := s.Complete(context.Background(), "flaky prompt", "input", "v1")
	if err == nil {
		t.Fatalf("expected error after exhausted retries")
	}
	if fake.Calls() != maxAttempts {
		t.Fatalf("backend calls = %d, want %d", fake.Calls(), maxAttempts)
	}
	if u := s.Usage(); u.Errors != 1 {
		t.Fatalf("errors = %d, want 1", u.Errors)
	}
}

func TestProposeEdgesCapsConfidenceAndMarksHypothesis(t *testing.T) {
	fake := NewFakeClient()
	fake.Script("schema=calls-v1", `{"calls":[
		{"from":"src/a.ts","to":"src/b.ts","kind":"calls","confidence":0.95},
		{"from":"src/a.ts","to":"src/c.ts","kind":"bogus","confidence":0.4}
	]}`)
	s := session(t, fake, SessionOptions{})

	edges, err := ProposeEdges(context.Background(), s, types.FileRecord{Path: "src/a.ts"}, "")
	if err != nil {
		t.Fatalf("ProposeEdges: %v", err)
	}
	if len(edges) != 2 {
		t.Fatalf("edges = %d, want 2", len(edges))
	}
	if edges[0].Confidence != completionCap {
		t.Fatalf("confidence = %v, want capped at %v", edges[0].Confidence, completionCap)
	}
	if !edges[0].Hypothesis || edges[0].ReasonCode != ReasonCompletion {
		t.Fatalf("edge not marked as model proposal: %+v", edges[0])
	}
	if edges[1].Kind != types.EdgeCalls {
		t.Fatalf("unknown kind not normalized: %+v", edges[1])
	}
}

func TestProposeEdgesGarbageYieldsNoEdges(t *testing.T) {
	fake := NewFakeClient()
	fake.Script("schema=calls-v1", `not json at all`)
	s := session(t, fake, SessionOptions{})

	edges, err := ProposeEdges(context.Background(), s, types.FileRecord{Path: "src/a.ts"}, "")
	if err != nil {
		t.Fatalf("garbage output must not fail: %v", err)
	}
	if len(edges) != 0 {
		t.Fatalf("edges = %+v, want none", edges)
	}
}

func TestSummarizeFallsBackToStatic(t *testing.T) {
	fake := NewFakeClient()
	fake.Script("schema=summary-v1", `{"summary":""}`)
	s := session(t, fake, SessionOptions{})

	cap := types.Capability{ID: "cap-1", Name: "GET /users", Lane: types.LaneAPI, Entrypoints: []string{"GET:/users"}}
	got, err := Summarize(context.Background(), s, cap)
	if err != nil {
		t.Fatalf("Summarize: %v", err)
	}
	if got != StaticSummary(cap) {
		t.Fatalf("summary = %q, want static fallback", got)
	}
}

func TestSummarizeUsesModelOutput(t *testing.T) {
	fake := NewFakeClient()
	fake.Script("schema=summary-v1", `{"summary":"Lists registered users."}`)
	s := session(t, fake, SessionOptions{})

	got, err := Summarize(context.Background(), s, types.Capability{ID: "cap-1", Lane: types.LaneAPI})
	if err != nil {
		t.Fatalf("Summarize: %v", err)
	}
	if got != "Lists registered users." {
		t.Fatalf("summary = %q", got)
	}
}
