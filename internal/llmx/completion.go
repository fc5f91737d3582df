package llmx

import (
	"context"
	"encoding/json"
	"errors"
	"log"

	"provis/internal/types"
)

// Model proposals are capped below the structural detector tier.
const completionCap = 0.6

const ReasonCompletion = "llm-completion"

const completionPrompt = `You analyze one source file and propose graph edges
the static pass may have missed. Respond with JSON of the shape
{"calls":[{"from":"<file>","to":"<file-or-symbol>","kind":"calls|imports|routes","confidence":0.0,"evidence":[{"file":"","start":1,"end":1}]}]}
Only include edges supported by the input. schema=calls-v1`

type completionInput struct {
	File    string   `json:"file"`
	Exports []string `json:"exports,omitempty"`
	Imports []string `json:"imports,omitempty"`
	Snippet string   `json:"snippet,omitempty"`
}

type completionEdge struct {
	From       string               `json:"from"`
	To         string               `json:"to"`
	Kind       string               `json:"kind"`
	Confidence float64              `json:"confidence"`
	Evidence   []types.EvidenceSpan `json:"evidence"`
}

type completionPayload struct {
	Calls []completionEdge `json:"calls"`
}

// ProposeEdges asks the model for edges missing from a thin file's static
// output. Every returned edge is a hypothesis capped at completionCap.
// Garbage or empty responses yield zero edges; only the budget sentinel is
// surfaced so the caller can stop asking.
func ProposeEdges(ctx context.Context, sess *Session, rec types.FileRecord, snippet string) ([]types.GraphEdge, error) {
	in := completionInput{File: rec.Path, Exports: rec.Exports, Snippet: snippet}
	for _, imp := range rec.Imports {
		in.Imports = append(in.Imports, imp.Raw)
	}

	raw, err := sess.Complete(ctx, completionPrompt, in, "calls-v1")
	if err != nil {
		if errors.Is(err, ErrBudgetExceeded) {
			return nil, err
		}
		log.Printf("[llmx] completion for %s: %v", rec.Path, err)
		return nil, nil
	}

	var payload completionPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		log.Printf("[llmx] completion for %s: %v", rec.Path, ErrInvalidJSON)
		return nil, nil
	}

	var edges []types.GraphEdge
	for _, e := range payload.Calls {
		if e.From == "" || e.To == "" {
			continue
		}
		kind := types.EdgeKind(e.Kind)
		switch kind {
		case types.EdgeCalls, types.EdgeImports, types.EdgeRoutes:
		default:
			kind = types.EdgeCalls
		}
		conf := e.Confidence
		if conf < 0 {
			conf = 0
		}
		if conf > completionCap {
			conf = completionCap
		}
		edges = append(edges, types.GraphEdge{
			From:       e.From,
			To:         e.To,
			Kind:       kind,
			Confidence: conf,
			Hypothesis: true,
			ReasonCode: ReasonCompletion,
			Evidence:   e.Evidence,
		})
	}
	return edges, nil
}
