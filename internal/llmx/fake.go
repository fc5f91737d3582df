package llmx

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
)

// FakeClient returns scripted JSON payloads keyed by schema-bearing prompt
// prefixes, for offline runs and tests. Unscripted prompts get "{}".
type FakeClient struct {
	mu        sync.Mutex
	responses map[string]json.RawMessage
	errs      map[string]error
	calls     int
}

func NewFakeClient() *FakeClient {
	return &FakeClient{
		responses: make(map[string]json.RawMessage),
		errs:      make(map[string]error),
	}
}

func (f *FakeClient) Name() string { return "fake" }
func (f *FakeClient) Close() error { return nil }

// Script registers the payload returned for prompts containing marker.
func (f *FakeClient) Script(marker string, payload string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responses[marker] = json.RawMessage(payload)
}

// Fail registers an error returned for prompts containing marker.
func (f *FakeClient) Fail(marker string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errs[marker] = err
}

func (f *FakeClient) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *FakeClient) GenerateJSON(ctx context.Context, prompt string, input any) (json.RawMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	for marker, err := range f.errs {
		if marker != "" && strings.Contains(prompt, marker) {
			return nil, err
		}
	}
	for marker, payload := range f.responses {
		if marker != "" && strings.Contains(prompt, marker) {
			return payload, nil
		}
	}
	return json.RawMessage(`{}`), nil
}
