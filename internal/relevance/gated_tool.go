package relevance

import (
	"context"
	"fmt"
	"sort"
)

// GatedLookup is an agent-facing document lookup restricted to one drawn
// subset. Requests for anything outside the subset get a uniform "not
// available" answer, so the agent cannot discover what the full candidate
// pool contains, and cannot distinguish "excluded this trial" from
// "does not exist".
type GatedLookup struct {
	byID    map[string]Document
	exposed map[string]bool
}

// NewGatedLookup builds a lookup over documents exposing only those whose
// ids appear in exposed.
func NewGatedLookup(documents []Document, exposed map[string]bool) *GatedLookup {
	byID := make(map[string]Document, len(documents))
	for _, doc := range documents {
		byID[doc.ID] = doc
	}
	return &GatedLookup{byID: byID, exposed: exposed}
}

func (g *GatedLookup) Name() string { return "lookup_context" }

func (g *GatedLookup) Description() string {
	return "Look up a context document by its identifier. Returns the document content, or reports that it is not available."
}

// Parameters describes the single-argument call shape.
func (g *GatedLookup) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"id": map[string]any{
				"type":        "string",
				"description": "Identifier of the document to look up",
			},
		},
		"required": []string{"id"},
	}
}

// Call serves a lookup. It never returns an error for unknown or gated ids;
// both cases produce the same textual response.
func (g *GatedLookup) Call(_ context.Context, args map[string]any) (string, error) {
	id, _ := args["id"].(string)
	if id == "" {
		return "", fmt.Errorf("lookup_context requires a non-empty id")
	}
	doc, ok := g.byID[id]
	if !ok || !g.exposed[id] {
		return fmt.Sprintf("document %q is not available", id), nil
	}
	return doc.Content, nil
}

// ExposedIDs returns the ids visible through this gate, for trial records.
func (g *GatedLookup) ExposedIDs() []string {
	ids := make([]string, 0, len(g.exposed))
	for id, in := range g.exposed {
		if in {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}
