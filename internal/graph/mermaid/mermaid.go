// Package mermaid renders a GraphBuilder build into the fixed Mermaid
// flowchart wrapper from spec.md §4.6, grounded on
// original_source/vibi-dpu/src/graph/mermaid_elements.rs for the
// random-4-letter subgraph id convention and green/red edge coloring.
package mermaid

import (
	"fmt"
	"math/rand"
	"sort"
	"strings"

	"github.com/vibinex/review-agent/internal/models"
)

const idAlphabet = "abcdefghijklmnopqrstuvwxyz"

// randomID4 generates a random 4-letter subgraph id, mirroring
// original_source's generate_random_string(4).
func randomID4() string {
	b := make([]byte, 4)
	for i := range b {
		b[i] = idAlphabet[rand.Intn(len(idAlphabet))]
	}
	return string(b)
}

// node is one function within a file subgraph.
type node struct {
	id   string
	name string
}

// Render builds the Mermaid flowchart string. funcsByFile maps each
// touched file to the function names referenced within it by the
// resolved edges; edges carries the colored cross-file call edges.
//
// Invariants enforced (spec.md §8 "Graph purity"): every edge's two
// endpoints live in different file subgraphs (callers must have already
// dropped same-file edges); every subgraph id is used at most once.
func Render(funcsByFile map[string][]string, edges []models.GraphEdge) string {
	var files []string
	for f := range funcsByFile {
		files = append(files, f)
	}
	sort.Strings(files)

	subgraphID := make(map[string]string)
	used := make(map[string]bool)
	for _, f := range files {
		id := randomID4()
		for used[id] {
			id = randomID4()
		}
		used[id] = true
		subgraphID[f] = id
	}

	nodeID := func(file, fn string) string {
		return subgraphID[file] + "_" + sanitizeNodeName(fn)
	}

	var b strings.Builder
	b.WriteString("%%{init:{theme:neutral, themeVariables:{fontSize:20px},\n")
	b.WriteString("         flowchart:{nodeSpacing:100, rankSpacing:100}}}%%\n")
	b.WriteString("flowchart LR\n")

	for _, f := range files {
		fns := append([]string(nil), funcsByFile[f]...)
		sort.Strings(fns)
		b.WriteString(fmt.Sprintf("subgraph %s[%s]\n", subgraphID[f], f))
		for _, fn := range fns {
			b.WriteString(fmt.Sprintf("  %s[%s]\n", nodeID(f, fn), fn))
		}
		b.WriteString("end\n")
	}

	var linkStyles []string
	linkIndex := 0
	for _, e := range edges {
		if e.FromFile == e.ToFile {
			continue // purity invariant: edges must cross subgraphs
		}
		fromID := nodeID(e.FromFile, e.FromFunc)
		toID := nodeID(e.ToFile, e.ToFunc)
		b.WriteString(fmt.Sprintf("%s -- \"Line %d\" --> %s\n", fromID, e.Line, toID))
		linkStyles = append(linkStyles, fmt.Sprintf("linkStyle %d stroke:%s\n", linkIndex, e.Color))
		linkIndex++
	}
	for _, ls := range linkStyles {
		b.WriteString(ls)
	}

	return b.String()
}

func sanitizeNodeName(name string) string {
	replacer := strings.NewReplacer(" ", "_", ".", "_", "-", "_", "(", "", ")", "")
	return replacer.Replace(name)
}
