package fallback

import (
	"slices"

	"gocode-gateway/internal/models"
)

// Chain resolves the ordered substitutes for a model id. Explicit
// equivalences win; otherwise other-vendor catalog models with at least half
// the context window are taken, largest window first. A model missing from
// the catalog without an equivalence entry has no chain.
func Chain(modelID string, catalog *models.Catalog, equivalences *models.EquivalenceTable) []string {
	if subs, ok := equivalences.Lookup(modelID); ok {
		return dedupe(modelID, subs)
	}
	if catalog == nil {
		return nil
	}

	primary, ok := catalog.Lookup(modelID)
	if !ok {
		return nil
	}

	var candidates []models.ModelInfo
	for _, m := range catalog.All() {
		// Compared doubled so an odd window does not round the bar down.
		if m.Provider == primary.Provider || 2*m.ContextWindowTokens < primary.ContextWindowTokens {
			continue
		}
		candidates = append(candidates, m)
	}
	slices.SortStableFunc(candidates, func(a, b models.ModelInfo) int {
		return b.ContextWindowTokens - a.ContextWindowTokens
	})

	ids := make([]string, 0, len(candidates))
	for _, m := range candidates {
		ids = append(ids, m.ID)
	}
	return ids
}

func dedupe(primary string, ids []string) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" || id == primary || slices.Contains(out, id) {
			continue
		}
		out = append(out, id)
	}
	return out
}
