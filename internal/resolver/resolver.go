// Package resolver maps free-form project references from chat commands to
// registry entries. Only an exact match resolves; anything else comes back
// ambiguous with the full candidate list, so the requester always picks.
package resolver

import (
	"strings"

	"github.com/sahilm/fuzzy"
	"github.com/uesteibar/dispatchd/internal/registry"
)

const maxSuggestions = 3

// Resolution is the outcome of a resolve attempt. When Resolved is false,
// Candidates carries every active project in registry order and Suggestions
// the closest fuzzy matches to the original text, for rendering a
// disambiguation prompt.
type Resolution struct {
	Project      registry.Project
	Resolved     bool
	OriginalText string
	Candidates   []registry.Project
	Suggestions  []registry.Project
}

// Resolve matches raw against the active projects. Matching is exact and
// case-insensitive on project ID and name; a near-miss never auto-selects.
func Resolve(raw string, active []registry.Project) Resolution {
	trimmed := strings.TrimSpace(raw)

	if trimmed != "" {
		for _, p := range active {
			if strings.EqualFold(p.ID, trimmed) || strings.EqualFold(p.Name, trimmed) {
				return Resolution{Project: p, Resolved: true, OriginalText: trimmed}
			}
		}
	}

	return Resolution{
		Resolved:     false,
		OriginalText: trimmed,
		Candidates:   active,
		Suggestions:  suggest(trimmed, active),
	}
}

func suggest(text string, active []registry.Project) []registry.Project {
	if text == "" || len(active) == 0 {
		return nil
	}

	ids := make([]string, len(active))
	for i, p := range active {
		ids[i] = p.ID
	}

	matches := fuzzy.Find(strings.ToLower(text), ids)
	var out []registry.Project
	for _, m := range matches {
		out = append(out, active[m.Index])
		if len(out) == maxSuggestions {
			break
		}
	}
	return out
}
