package llmx

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"

	"provis/internal/types"
)

const summaryPrompt = `Write one sentence describing what this capability does
for a reader skimming the repository. Respond with JSON of the shape
{"summary":"..."}. schema=summary-v1`

type summaryInput struct {
	Name        string   `json:"name"`
	Lane        string   `json:"lane"`
	Entrypoints []string `json:"entrypoints"`
	Stores      []string `json:"stores,omitempty"`
	Externals   []string `json:"externals,omitempty"`
}

type summaryPayload struct {
	Summary string `json:"summary"`
}

// Summarize produces a one-line summary for a capability. Model failures
// and garbage output degrade to a static summary; only the budget sentinel
// propagates so the caller can stop summarizing.
func Summarize(ctx context.Context, sess *Session, cap types.Capability) (string, error) {
	in := summaryInput{
		Name:        cap.Name,
		Lane:        string(cap.Lane),
		Entrypoints: cap.Entrypoints,
	}
	for _, s := range cap.DataFlow.Stores {
		in.Stores = append(in.Stores, s.Name)
	}
	for _, e := range cap.DataFlow.Externals {
		in.Externals = append(in.Externals, e.Name)
	}

	raw, err := sess.Complete(ctx, summaryPrompt, in, "summary-v1")
	if err != nil {
		if errors.Is(err, ErrBudgetExceeded) {
			return StaticSummary(cap), err
		}
		log.Printf("[llmx] summarize %s: %v", cap.ID, err)
		return StaticSummary(cap), nil
	}

	var payload summaryPayload
	if err := json.Unmarshal(raw, &payload); err != nil || strings.TrimSpace(payload.Summary) == "" {
		return StaticSummary(cap), nil
	}
	return strings.TrimSpace(payload.Summary), nil
}

// StaticSummary is the no-model fallback built from the capability shape.
func StaticSummary(cap types.Capability) string {
	subject := cap.Name
	if subject == "" && len(cap.Entrypoints) > 0 {
		subject = cap.Entrypoints[0]
	}
	return fmt.Sprintf("%s capability rooted at %s with %d control-flow edges.",
		cap.Lane, subject, len(cap.ControlFlow))
}
