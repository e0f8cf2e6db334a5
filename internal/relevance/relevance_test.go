package relevance

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vibinex/review-agent/internal/models"
	"github.com/vibinex/review-agent/internal/store"
)

// Scenario 1 from spec.md §8: blame attributes lines 10-12 to alice
// (3 lines) and 13 to bob (1 line) => {alice: 75.00%, bob: 25.00%}.
func TestAggregateSimpleRelevance(t *testing.T) {
	items := []models.BlameItem{
		{AuthorAlias: "alice", File: "x.rs", LineStart: 10, LineEnd: 12},
		{AuthorAlias: "bob", File: "x.rs", LineStart: 13, LineEnd: 13},
	}
	records := Aggregate(items)
	require.Len(t, records, 2)

	byAuthor := make(map[string]float64)
	total := 0.0
	for _, r := range records {
		byAuthor[r.GitAlias] = r.Percentage
		total += r.Percentage
	}
	assert.InDelta(t, 75.00, byAuthor["alice"], 0.01)
	assert.InDelta(t, 25.00, byAuthor["bob"], 0.01)
	// Relevance totality invariant (spec.md §8): sum = 100.00 +/- 0.01.
	assert.InDelta(t, 100.00, total, 0.01)
}

func TestAggregateEmptyTotalEmitsNothing(t *testing.T) {
	records := Aggregate(nil)
	assert.Nil(t, records)
}

type fakeUpstream struct {
	handles map[string][]string
}

func (f *fakeUpstream) ResolveAlias(ctx context.Context, p models.Provider, alias string) ([]string, error) {
	return f.handles[alias], nil
}

// Scenario 3 from spec.md §8: two git aliases both map to {gh_a}; their
// percentages sum in the comment and exactly one row is emitted; an
// unmapped alias produces a separate row plus a "1 unmapped aliases"
// footer.
func TestHandleMergingAndUnmappedFooter(t *testing.T) {
	st, err := store.Open(filepath.Join(t.TempDir(), "agent.db"))
	require.NoError(t, err)
	defer st.Close()

	upstream := &fakeUpstream{handles: map[string][]string{
		"a@x":      {"gh_a"},
		"a.x@corp": {"gh_a"},
	}}
	calc := New(st, upstream)

	records := []models.RelevanceRecord{
		{GitAlias: "a@x", Percentage: 60.00},
		{GitAlias: "a.x@corp", Percentage: 30.00},
		{GitAlias: "c@x", Percentage: 10.00},
	}

	resolved, err := calc.ResolveHandles(context.Background(), models.ProviderGithub, records)
	require.NoError(t, err)

	comment := RenderComment(resolved, false)
	assert.Contains(t, comment, "gh_a")
	assert.Contains(t, comment, "90.00%")
	assert.Contains(t, comment, "1 unmapped aliases")
	assert.Contains(t, comment, "c@x")
}

func TestCoverageSumsRelevanceForApprovingHandles(t *testing.T) {
	records := []models.RelevanceRecord{
		{GitAlias: "a@x", Percentage: 60, Handles: []string{"gh_a"}},
		{GitAlias: "b@x", Percentage: 40, Handles: []string{"gh_b"}},
	}
	coverage := Coverage(records, []string{"gh_a"})
	assert.InDelta(t, 60, coverage["gh_a"], 0.01)
}

func TestResolveHandlesCachesUpstreamResult(t *testing.T) {
	st, err := store.Open(filepath.Join(t.TempDir(), "agent.db"))
	require.NoError(t, err)
	defer st.Close()

	upstream := &fakeUpstream{handles: map[string][]string{"a@x": {"gh_a"}}}
	calc := New(st, upstream)

	_, err = calc.ResolveHandles(context.Background(), models.ProviderGithub, []models.RelevanceRecord{{GitAlias: "a@x", Percentage: 100}})
	require.NoError(t, err)

	var am models.AliasMap
	found, err := store.GetJSON(st, aliasKey(models.ProviderGithub, "a@x"), &am)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, []string{"gh_a"}, am.Handles)
}
