package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplitSystem_FirstSystemWins(t *testing.T) {
	msgs := []Message{
		{Role: RoleSystem, Content: "be terse"},
		{Role: RoleUser, Content: "hi"},
		{Role: RoleSystem, Content: "be verbose"},
		{Role: RoleAssistant, Content: "hello"},
		{Role: RoleUser, Content: "again"},
	}

	system, turns := SplitSystem(msgs)

	assert.Equal(t, "be terse", system)
	require.Len(t, turns, 3)
	assert.Equal(t, []Message{
		{Role: RoleUser, Content: "hi"},
		{Role: RoleAssistant, Content: "hello"},
		{Role: RoleUser, Content: "again"},
	}, turns)
}

func TestSplitSystem_NoSystem(t *testing.T) {
	system, turns := SplitSystem([]Message{{Role: RoleUser, Content: "hi"}})
	assert.Empty(t, system)
	assert.Len(t, turns, 1)
}

func TestSplitSystem_SkipsBlankSystem(t *testing.T) {
	system, _ := SplitSystem([]Message{
		{Role: RoleSystem, Content: "  "},
		{Role: RoleSystem, Content: "real"},
		{Role: RoleUser, Content: "hi"},
	})
	assert.Equal(t, "real", system)
}

func TestNewUsage_DerivesTotal(t *testing.T) {
	assert.Equal(t, &Usage{PromptTokens: 3, CompletionTokens: 4, TotalTokens: 7}, NewUsage(3, 4, 0))
	assert.Equal(t, 10, NewUsage(3, 4, 10).TotalTokens)
}

func TestCatalog_LookupAndOrder(t *testing.T) {
	c := DefaultCatalog()

	info, ok := c.Lookup("claude-3-opus-20240229")
	require.True(t, ok)
	assert.Equal(t, ProviderAnthropic, info.Provider)
	assert.Equal(t, 200000, info.ContextWindowTokens)

	_, ok = c.Lookup("gpt-99")
	assert.False(t, ok)

	all := c.All()
	require.NotEmpty(t, all)
	assert.Equal(t, "gpt-4o", all[0].ID)

	all[0].ID = "mutated"
	first, _ := c.Lookup("gpt-4o")
	assert.Equal(t, "gpt-4o", first.ID, "All must return a copy")
}

func TestCatalog_ForProvider(t *testing.T) {
	c := DefaultCatalog()
	assert.Equal(t, []string{"gpt-4o", "gpt-4o-mini", "gpt-4-turbo", "gpt-3.5-turbo"}, c.ForProvider(ProviderOpenAI))
	assert.Equal(t, []string{"gemini-1.5-pro", "gemini-1.5-flash", "gemini-pro"}, c.ForProvider(ProviderGemini))
	assert.Empty(t, c.ForProvider("mistral"))
}

func TestCatalog_IgnoresDuplicates(t *testing.T) {
	c := NewCatalog(
		ModelInfo{ID: "a", Provider: ProviderOpenAI, ContextWindowTokens: 1},
		ModelInfo{ID: "a", Provider: ProviderGemini, ContextWindowTokens: 2},
	)
	info, _ := c.Lookup("a")
	assert.Equal(t, ProviderOpenAI, info.Provider)
	assert.Len(t, c.All(), 1)
}

func TestEquivalenceTable_ReturnsCopies(t *testing.T) {
	table := DefaultEquivalences()
	subs, ok := table.Lookup("gpt-4-turbo")
	require.True(t, ok)
	assert.Equal(t, []string{"claude-3-opus-20240229", "gemini-1.5-pro"}, subs)

	subs[0] = "changed"
	again, _ := table.Lookup("gpt-4-turbo")
	assert.Equal(t, "claude-3-opus-20240229", again[0])

	var nilTable *EquivalenceTable
	_, ok = nilTable.Lookup("gpt-4o")
	assert.False(t, ok)
}

func TestInferProvider(t *testing.T) {
	cases := map[string]ProviderType{
		"gpt-4o":                  ProviderOpenAI,
		"o1-preview":              ProviderOpenAI,
		"claude-3-haiku-20240307": ProviderAnthropic,
		"Gemini-2.0-flash":        ProviderGemini,
	}
	for id, want := range cases {
		got, ok := InferProvider(id)
		assert.True(t, ok, id)
		assert.Equal(t, want, got, id)
	}

	_, ok := InferProvider("llama-3")
	assert.False(t, ok)
}

func TestEquivalencesTargetCatalogModels(t *testing.T) {
	c := DefaultCatalog()
	for _, info := range c.All() {
		subs, ok := DefaultEquivalences().Lookup(info.ID)
		require.True(t, ok, info.ID)
		for _, sub := range subs {
			target, ok := c.Lookup(sub)
			require.True(t, ok, sub)
			assert.NotEqual(t, info.Provider, target.Provider, "%s -> %s", info.ID, sub)
		}
	}
}
