package attention

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolvePrefersHigherSpecificity(t *testing.T) {
	store := NewTemplateStore([]Template{
		{TemplateID: "tier-only", AppliesTo: AppliesTo{Tier: []string{"ho1"}}},
		{TemplateID: "framework-specific", AppliesTo: AppliesTo{Tier: []string{"ho1"}, FrameworkID: []string{"fw-1"}}},
	})

	tmpl, err := store.Resolve(Request{Tier: "ho1", FrameworkID: "fw-1"})
	require.NoError(t, err)
	assert.Equal(t, "framework-specific", tmpl.TemplateID)
}

func TestResolveFallsBackToSyntheticMinimal(t *testing.T) {
	store := NewTemplateStore([]Template{
		{TemplateID: "other", AppliesTo: AppliesTo{Tier: []string{"hot"}}},
	})

	tmpl, err := store.Resolve(Request{Tier: "ho1", RequiredContext: RequiredContext{FileRefs: []string{"a.txt"}}})
	require.NoError(t, err)
	assert.Equal(t, "synthetic-minimal", tmpl.TemplateID)
	require.Len(t, tmpl.Pipeline, 1)
	assert.Equal(t, StageFileRead, tmpl.Pipeline[0].Type)
}

func TestResolveAmbiguousTieFailsClosed(t *testing.T) {
	store := NewTemplateStore([]Template{
		{TemplateID: "a", AppliesTo: AppliesTo{Tier: []string{"ho1"}}},
		{TemplateID: "b", AppliesTo: AppliesTo{Tier: []string{"ho1"}}},
	})
	_, err := store.Resolve(Request{Tier: "ho1"})
	assert.Error(t, err)
}

func TestAssembleReadsFilesAndRendersContext(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "notes.txt")
	require.NoError(t, os.WriteFile(path, []byte("important notes"), 0o644))

	store := NewTemplateStore([]Template{
		{
			TemplateID: "file-template",
			AppliesTo:  AppliesTo{Tier: []string{"ho1"}},
			Pipeline: []StageConfig{
				{Stage: "read", Type: StageFileRead, Enabled: true, Config: map[string]any{"paths": []string{path}}},
			},
			Budget: BudgetConfig{MaxContextTokens: 1000, MaxQueries: 10, TimeoutMS: 1000, CharsPerToken: 4},
		},
	})

	a := NewAssembler(store, nil, nil, nil, time.Minute)
	result, err := a.Assemble(Request{Tier: "ho1"})
	require.NoError(t, err)
	assert.Contains(t, result.ContextText, "important notes")
	assert.NotEmpty(t, result.ContextHash)
	assert.False(t, result.FromCache)
}

func TestAssembleCachesSecondCall(t *testing.T) {
	store := NewTemplateStore([]Template{
		{TemplateID: "empty-template", AppliesTo: AppliesTo{Tier: []string{"ho1"}}, Budget: BudgetConfig{CharsPerToken: 4}},
	})
	a := NewAssembler(store, nil, nil, nil, time.Minute)

	req := Request{Tier: "ho1", WorkOrderID: "wo-1", SessionID: "s-1"}
	first, err := a.Assemble(req)
	require.NoError(t, err)
	assert.False(t, first.FromCache)

	second, err := a.Assemble(req)
	require.NoError(t, err)
	assert.True(t, second.FromCache)
}

func TestAssembleHorizontalSearchScoresPriorFragments(t *testing.T) {
	dir := t.TempDir()
	hit := filepath.Join(dir, "hit.txt")
	miss := filepath.Join(dir, "miss.txt")
	require.NoError(t, os.WriteFile(hit, []byte("deployment rollback procedure"), 0o644))
	require.NoError(t, os.WriteFile(miss, []byte("unrelated lunch menu"), 0o644))

	store := NewTemplateStore([]Template{
		{
			TemplateID: "horizontal-template",
			AppliesTo:  AppliesTo{Tier: []string{"ho1"}},
			Pipeline: []StageConfig{
				{Stage: "read", Type: StageFileRead, Enabled: true, Config: map[string]any{"paths": []string{hit, miss}}},
				{Stage: "search", Type: StageHorizontalSearch, Enabled: true, Config: map[string]any{
					"keywords":            []string{"rollback"},
					"relevance_threshold": 0.5,
				}},
			},
			Budget: BudgetConfig{MaxContextTokens: 1000, MaxQueries: 10, TimeoutMS: 1000, CharsPerToken: 4},
		},
	})

	a := NewAssembler(store, nil, nil, nil, time.Minute)
	result, err := a.Assemble(Request{Tier: "ho1"})
	require.NoError(t, err)

	var searchFragments []Fragment
	for _, f := range result.Fragments {
		if f.SourceID == hit || f.SourceID == miss {
			searchFragments = append(searchFragments, f)
		}
	}
	require.Len(t, searchFragments, 3)
	var scored int
	for _, f := range searchFragments {
		if f.RelevanceScore > 0 {
			scored++
		}
	}
	assert.Equal(t, 1, scored)
}

type fakeLedgerQuerier struct {
	entries []map[string]any
}

func (f *fakeLedgerQuerier) QueryForAttention(tier, eventType string, maxEntries int, recency string) ([]map[string]any, error) {
	return f.entries, nil
}

func TestAssembleRunsLedgerQueryStage(t *testing.T) {
	store := NewTemplateStore([]Template{
		{
			TemplateID: "ledger-template",
			AppliesTo:  AppliesTo{Tier: []string{"ho1"}},
			Pipeline: []StageConfig{
				{Stage: "recent", Type: StageLedgerQuery, Enabled: true, Config: map[string]any{"event_type": "WO_COMPLETED", "max_entries": 5}},
			},
			Budget: BudgetConfig{MaxContextTokens: 1000, CharsPerToken: 4},
		},
	})
	lq := &fakeLedgerQuerier{entries: []map[string]any{{"entry_id": "e1"}}}
	a := NewAssembler(store, lq, nil, nil, time.Minute)

	result, err := a.Assemble(Request{Tier: "ho1"})
	require.NoError(t, err)
	require.Len(t, result.Fragments, 1)
	assert.Equal(t, "ledger_query", result.Fragments[0].Source)
}

func TestStructuringDropsLowRelevanceUnderBudget(t *testing.T) {
	fragments := []Fragment{
		{Source: "a", Content: "alpha content here", TokenEstimate: 50, RelevanceScore: 0.2},
		{Source: "b", Content: "beta content here", TokenEstimate: 50, RelevanceScore: 0.9},
	}
	out := structure(fragments, nil, BudgetConfig{MaxContextTokens: 60})
	require.Len(t, out, 1)
	assert.Equal(t, "b", out[0].Source)
}

func TestDedupeFragmentsRemovesSubstringOverlap(t *testing.T) {
	fragments := []Fragment{
		{Source: "a", Content: "the quick brown fox"},
		{Source: "b", Content: "quick brown"},
	}
	out := dedupeFragments(fragments)
	assert.Len(t, out, 1)
}
