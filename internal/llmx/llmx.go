package llmx

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
)

var (
	// ErrInvalidJSON means the model returned something that is not the
	// requested JSON shape. Callers treat it as a zero-result.
	ErrInvalidJSON = errors.New("invalid json from model")

	// ErrBudgetExceeded means the per-repo token budget is spent; no call
	// was made.
	ErrBudgetExceeded = errors.New("model token budget exceeded")
)

// Client is the minimal model surface the engine needs: one prompt plus a
// JSON input in, one JSON document out. Rate limiting, caching, budgeting
// and retries live in Session, not in implementations.
type Client interface {
	Name() string
	GenerateJSON(ctx context.Context, prompt string, input any) (json.RawMessage, error)
	Close() error
}

// CountTokens is a cheap approximation used for budget accounting.
// The budget is a guard rail, not billing, so ~4 bytes per token is enough.
func CountTokens(text string) int {
	text = strings.TrimSpace(text)
	if text == "" {
		return 0
	}
	n := len(text) / 4
	if n < 1 {
		n = 1
	}
	return n
}
