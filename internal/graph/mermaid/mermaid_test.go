package mermaid

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vibinex/review-agent/internal/models"
)

// Scenario 6 from spec.md §8: modifying foo in a.rs called from b.rs
// yields two subgraphs and one green edge.
func TestRenderTwoSubgraphsOneGreenEdge(t *testing.T) {
	funcsByFile := map[string][]string{
		"a.rs": {"foo"},
		"b.rs": {"caller"},
	}
	edges := []models.GraphEdge{
		{FromFile: "a.rs", FromFunc: "foo", ToFile: "b.rs", ToFunc: "caller", Line: 42, Color: "green"},
	}

	chart := Render(funcsByFile, edges)
	require.True(t, strings.HasPrefix(chart, "%%{init:"))
	assert.Contains(t, chart, "flowchart LR")
	assert.Contains(t, chart, "subgraph")
	assert.Contains(t, chart, "a.rs")
	assert.Contains(t, chart, "b.rs")
	assert.Contains(t, chart, "Line 42")
	assert.Contains(t, chart, "stroke:green")
}

func TestRenderDropsSameFileEdges(t *testing.T) {
	funcsByFile := map[string][]string{"a.rs": {"foo", "bar"}}
	edges := []models.GraphEdge{
		{FromFile: "a.rs", FromFunc: "foo", ToFile: "a.rs", ToFunc: "bar", Line: 1, Color: "red"},
	}
	chart := Render(funcsByFile, edges)
	assert.NotContains(t, chart, "-->")
}

func TestRenderSubgraphIDsAreUnique(t *testing.T) {
	funcsByFile := map[string][]string{
		"a.rs": {"foo"},
		"b.rs": {"bar"},
		"c.rs": {"baz"},
	}
	chart := Render(funcsByFile, nil)
	ids := make(map[string]bool)
	for _, line := range strings.Split(chart, "\n") {
		if strings.HasPrefix(line, "subgraph ") {
			fields := strings.Fields(line)
			id := strings.SplitN(fields[1], "[", 2)[0]
			assert.False(t, ids[id], "subgraph id %q reused", id)
			ids[id] = true
		}
	}
	assert.Len(t, ids, 3)
}
