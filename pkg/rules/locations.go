package rules

import "strings"

// BoundaryLevel is the depth of an administrative boundary.
type BoundaryLevel int

const (
	LevelCountry BoundaryLevel = iota
	LevelState
	LevelDistrict
	LevelWard
)

// Boundary is one node of the administrative hierarchy.
type Boundary struct {
	ID       string        `json:"id"`
	Name     string        `json:"name"`
	Level    BoundaryLevel `json:"level"`
	ParentID string        `json:"parent_id,omitempty"`
}

// LocationResolver looks up boundaries by name or alias. When parent is not
// nil only children of parent are considered; that is how same-named
// districts in different states are told apart.
type LocationResolver interface {
	FindBoundary(name string, level BoundaryLevel, parent *Boundary) *Boundary
}

// findInText tries the whole input, then every word, then every pair of
// adjacent words.
func findInText(r LocationResolver, input string, level BoundaryLevel, parent *Boundary) *Boundary {
	if r == nil {
		return nil
	}
	if b := r.FindBoundary(strings.TrimSpace(input), level, parent); b != nil {
		return b
	}
	words := tokenize(input)
	for _, w := range words {
		if b := r.FindBoundary(w.raw, level, parent); b != nil {
			return b
		}
	}
	for i := 0; i+1 < len(words); i++ {
		if b := r.FindBoundary(words[i].raw+" "+words[i+1].raw, level, parent); b != nil {
			return b
		}
	}
	return nil
}

// resolveReference expands "@results.<key>" against ctx.Results.
func resolveReference(ref string, ctx *Context) string {
	ref = strings.TrimSpace(ref)
	if key, ok := strings.CutPrefix(ref, "@results."); ok {
		key = strings.TrimSuffix(key, ".value")
		return ctx.Results[key]
	}
	return ref
}

func findState(ctx *Context, name string) *Boundary {
	if ctx.Locations == nil || name == "" {
		return nil
	}
	return ctx.Locations.FindBoundary(name, LevelState, nil)
}
