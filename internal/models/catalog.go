package models

import (
	"slices"
	"strings"
)

// ModelInfo is a static catalog entry.
type ModelInfo struct {
	ID                  string       `json:"id"`
	DisplayName         string       `json:"display_name"`
	Provider            ProviderType `json:"provider"`
	ContextWindowTokens int          `json:"context_window_tokens"`
	MaxOutputTokens     int          `json:"max_output_tokens"`
}

// Catalog is an immutable, ordered set of known models.
type Catalog struct {
	models []ModelInfo
	byID   map[string]int
}

// NewCatalog builds a catalog from the given entries. Later duplicates of an
// id are ignored.
func NewCatalog(entries ...ModelInfo) *Catalog {
	c := &Catalog{
		models: make([]ModelInfo, 0, len(entries)),
		byID:   make(map[string]int, len(entries)),
	}
	for _, entry := range entries {
		if _, exists := c.byID[entry.ID]; exists {
			continue
		}
		c.byID[entry.ID] = len(c.models)
		c.models = append(c.models, entry)
	}
	return c
}

// Lookup returns the entry for id.
func (c *Catalog) Lookup(id string) (ModelInfo, bool) {
	idx, ok := c.byID[id]
	if !ok {
		return ModelInfo{}, false
	}
	return c.models[idx], true
}

// All returns a copy of every entry in declaration order.
func (c *Catalog) All() []ModelInfo {
	return slices.Clone(c.models)
}

// ForProvider returns the ids of every model served by p, in declaration order.
func (c *Catalog) ForProvider(p ProviderType) []string {
	var ids []string
	for _, m := range c.models {
		if m.Provider == p {
			ids = append(ids, m.ID)
		}
	}
	return ids
}

// EquivalenceTable maps a model id to ordered substitutes on other vendors.
type EquivalenceTable struct {
	entries map[string][]string
}

// NewEquivalenceTable copies entries into a read-only table.
func NewEquivalenceTable(entries map[string][]string) *EquivalenceTable {
	t := &EquivalenceTable{entries: make(map[string][]string, len(entries))}
	for id, subs := range entries {
		t.entries[id] = slices.Clone(subs)
	}
	return t
}

// Lookup returns a copy of the substitutes declared for id.
func (t *EquivalenceTable) Lookup(id string) ([]string, bool) {
	if t == nil {
		return nil, false
	}
	subs, ok := t.entries[id]
	if !ok {
		return nil, false
	}
	return slices.Clone(subs), true
}

var providerPrefixes = []struct {
	provider ProviderType
	prefixes []string
}{
	{ProviderOpenAI, []string{"gpt-", "o1", "o3", "o4", "chatgpt-"}},
	{ProviderAnthropic, []string{"claude-"}},
	{ProviderGemini, []string{"gemini-"}},
}

// ModelPrefixes returns the naming prefixes recognised for p.
func ModelPrefixes(p ProviderType) []string {
	for _, entry := range providerPrefixes {
		if entry.provider == p {
			return slices.Clone(entry.prefixes)
		}
	}
	return nil
}

// InferProvider guesses the vendor from a model id's naming convention.
func InferProvider(modelID string) (ProviderType, bool) {
	id := strings.ToLower(strings.TrimSpace(modelID))
	for _, entry := range providerPrefixes {
		for _, prefix := range entry.prefixes {
			if strings.HasPrefix(id, prefix) {
				return entry.provider, true
			}
		}
	}
	return "", false
}

// DefaultCatalog returns the built-in model catalog.
func DefaultCatalog() *Catalog {
	return NewCatalog(
		ModelInfo{ID: "gpt-4o", DisplayName: "GPT-4o", Provider: ProviderOpenAI, ContextWindowTokens: 128000, MaxOutputTokens: 16384},
		ModelInfo{ID: "gpt-4o-mini", DisplayName: "GPT-4o mini", Provider: ProviderOpenAI, ContextWindowTokens: 128000, MaxOutputTokens: 16384},
		ModelInfo{ID: "gpt-4-turbo", DisplayName: "GPT-4 Turbo", Provider: ProviderOpenAI, ContextWindowTokens: 128000, MaxOutputTokens: 4096},
		ModelInfo{ID: "gpt-3.5-turbo", DisplayName: "GPT-3.5 Turbo", Provider: ProviderOpenAI, ContextWindowTokens: 16385, MaxOutputTokens: 4096},
		ModelInfo{ID: "claude-3-5-sonnet-20241022", DisplayName: "Claude 3.5 Sonnet", Provider: ProviderAnthropic, ContextWindowTokens: 200000, MaxOutputTokens: 8192},
		ModelInfo{ID: "claude-3-opus-20240229", DisplayName: "Claude 3 Opus", Provider: ProviderAnthropic, ContextWindowTokens: 200000, MaxOutputTokens: 4096},
		ModelInfo{ID: "claude-3-sonnet-20240229", DisplayName: "Claude 3 Sonnet", Provider: ProviderAnthropic, ContextWindowTokens: 200000, MaxOutputTokens: 4096},
		ModelInfo{ID: "claude-3-haiku-20240307", DisplayName: "Claude 3 Haiku", Provider: ProviderAnthropic, ContextWindowTokens: 200000, MaxOutputTokens: 4096},
		ModelInfo{ID: "gemini-1.5-pro", DisplayName: "Gemini 1.5 Pro", Provider: ProviderGemini, ContextWindowTokens: 2000000, MaxOutputTokens: 8192},
		ModelInfo{ID: "gemini-1.5-flash", DisplayName: "Gemini 1.5 Flash", Provider: ProviderGemini, ContextWindowTokens: 1000000, MaxOutputTokens: 8192},
		ModelInfo{ID: "gemini-pro", DisplayName: "Gemini 1.0 Pro", Provider: ProviderGemini, ContextWindowTokens: 32760, MaxOutputTokens: 8192},
	)
}

// DefaultEquivalences returns the built-in cross-vendor substitutes.
func DefaultEquivalences() *EquivalenceTable {
	return NewEquivalenceTable(map[string][]string{
		"gpt-4o":                     {"claude-3-5-sonnet-20241022", "gemini-1.5-pro"},
		"gpt-4-turbo":                {"claude-3-opus-20240229", "gemini-1.5-pro"},
		"gpt-4o-mini":                {"claude-3-haiku-20240307", "gemini-1.5-flash"},
		"gpt-3.5-turbo":              {"claude-3-haiku-20240307", "gemini-pro"},
		"claude-3-5-sonnet-20241022": {"gpt-4o", "gemini-1.5-pro"},
		"claude-3-opus-20240229":     {"gpt-4-turbo", "gemini-1.5-pro"},
		"claude-3-sonnet-20240229":   {"gpt-4o", "gemini-1.5-pro"},
		"claude-3-haiku-20240307":    {"gpt-4o-mini", "gemini-1.5-flash"},
		"gemini-1.5-pro":             {"gpt-4o", "claude-3-5-sonnet-20241022"},
		"gemini-1.5-flash":           {"gpt-4o-mini", "claude-3-haiku-20240307"},
		"gemini-pro":                 {"gpt-3.5-turbo", "claude-3-haiku-20240307"},
	})
}
