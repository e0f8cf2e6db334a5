package graph

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vibinex/review-agent/internal/diffengine"
	"github.com/vibinex/review-agent/internal/models"
	"github.com/vibinex/review-agent/internal/repocache"
	"github.com/vibinex/review-agent/internal/store"
)

func runGit(t *testing.T, dir string, args ...string) string {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(),
		"GIT_AUTHOR_NAME=test", "GIT_AUTHOR_EMAIL=test@example.com",
		"GIT_COMMITTER_NAME=test", "GIT_COMMITTER_EMAIL=test@example.com",
	)
	out, err := cmd.CombinedOutput()
	require.NoError(t, err, "git %v: %s", args, out)
	return strings.TrimSpace(string(out))
}

// fakeExtractor is a deterministic stand-in for the LLM-backed
// Extractor: IdentifyDefs reports one function spanning the whole file
// (used for A/D whole-file scans), FunctionsInFile reports one call site
// per file named after the function the fixture defines there (foo in
// a.go, caller in b.go; used for M-file header-line matching), FunctionNameFromLine matches by substring, and
// ImportPathFor reports every cross-file call as imported, mirroring the
// fixture's single-package layout.
type fakeExtractor struct {
	identifyCalls        int
	functionsInFileCalls int
}

func (f *fakeExtractor) IdentifyDefs(ctx context.Context, file, language, content string) ([]models.FuncDef, error) {
	f.identifyCalls++
	names := map[string]string{"a.go": "foo", "b.go": "caller"}
	name, ok := names[filepath.Base(file)]
	if !ok {
		return nil, nil
	}
	lines := strings.Count(content, "\n") + 1
	return []models.FuncDef{{File: file, Name: name, LineStart: 1, LineEnd: lines}}, nil
}

func (f *fakeExtractor) FunctionNameFromLine(ctx context.Context, line, language string) (string, bool, error) {
	for _, candidate := range []string{"foo", "caller"} {
		if strings.Contains(line, candidate+"(") {
			return candidate, true, nil
		}
	}
	return "", false, nil
}

func (f *fakeExtractor) FunctionsInFile(ctx context.Context, file, language, content string) ([]FunctionCall, error) {
	f.functionsInFileCalls++
	names := map[string]string{"a.go": "foo", "b.go": "caller"}
	name, ok := names[filepath.Base(file)]
	if !ok {
		return nil, nil
	}
	return []FunctionCall{{Line: 1, Name: name}}, nil
}

func (f *fakeExtractor) ImportPathFor(ctx context.Context, functionName, file, language, content string) (*ImportLocation, bool, error) {
	return &ImportLocation{Line: 1, ImportStmt: "package pkg"}, true, nil
}

// buildTestRepo lays out an origin repo with two commits: base defines
// foo (a.go) called from caller (b.go); head edits foo's body, keeping
// the call site untouched.
func buildTestRepo(t *testing.T) (originDir, base, head string) {
	t.Helper()
	originDir = t.TempDir()
	runGit(t, originDir, "init", "-b", "main")

	aGo := "package pkg\n\nfunc foo() {\n\tprintln(\"v1\")\n}\n"
	bGo := "package pkg\n\nfunc caller() {\n\tfoo()\n}\n"
	require.NoError(t, os.WriteFile(filepath.Join(originDir, "a.go"), []byte(aGo), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(originDir, "b.go"), []byte(bGo), 0o644))
	runGit(t, originDir, "add", ".")
	runGit(t, originDir, "commit", "-m", "base")
	base = runGit(t, originDir, "rev-parse", "HEAD")

	aGoV2 := "package pkg\n\nfunc foo() {\n\tprintln(\"v2\")\n}\n"
	require.NoError(t, os.WriteFile(filepath.Join(originDir, "a.go"), []byte(aGoV2), 0o644))
	runGit(t, originDir, "commit", "-am", "edit foo")
	head = runGit(t, originDir, "rev-parse", "HEAD")

	return originDir, base, head
}

func newTestBuilder(t *testing.T, extractor Extractor) (*Builder, models.Review) {
	t.Helper()
	originDir, base, head := buildTestRepo(t)

	dbPath := filepath.Join(t.TempDir(), "kv.db")
	st, err := store.Open(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	repos := repocache.New(st, t.TempDir())
	repo := models.Repository{Provider: models.ProviderGithub, Owner: "acme", Name: "widgets", CloneURL: originDir}
	cloned, err := repos.EnsureClone(context.Background(), repo, "")
	require.NoError(t, err)

	diffs := diffengine.New(logrus.New())
	builder := NewBuilder(repos, diffs, st, extractor, logrus.New())

	review := models.Review{
		Provider: models.ProviderGithub,
		Owner:    "acme",
		Repo:     "widgets",
		PRID:     "1",
		BaseSHA:  base,
		HeadSHA:  head,
		CloneDir: cloned.LocalDir,
	}
	return builder, review
}

func TestBuildProducesCrossFileEdgeAndChart(t *testing.T) {
	extractor := &fakeExtractor{}
	builder, review := newTestBuilder(t, extractor)

	info, err := builder.Build(context.Background(), review)
	require.NoError(t, err)

	require.NotEmpty(t, info.Edges)
	for _, e := range info.Edges {
		assert.NotEqual(t, e.FromFile, e.ToFile, "graph purity: edges must cross files")
	}
	assert.Contains(t, info.Chart, "flowchart LR")
	assert.Contains(t, info.Chart, "a.go")
	assert.Contains(t, info.Chart, "b.go")
}

func TestBuildIsIdempotentOnRepeatedCalls(t *testing.T) {
	extractor := &fakeExtractor{}
	builder, review := newTestBuilder(t, extractor)

	first, err := builder.Build(context.Background(), review)
	require.NoError(t, err)
	identifyAfterFirst := extractor.identifyCalls
	functionsInFileAfterFirst := extractor.functionsInFileCalls
	require.NotZero(t, functionsInFileAfterFirst, "a.go is an M file and must be scanned via functions_in_file")

	second, err := builder.Build(context.Background(), review)
	require.NoError(t, err)

	assert.Equal(t, identifyAfterFirst, extractor.identifyCalls, "second build must hit the cached GraphInfo, not rescan")
	assert.Equal(t, functionsInFileAfterFirst, extractor.functionsInFileCalls, "second build must hit the cached GraphInfo, not rescan")
	assert.Equal(t, first.Chart, second.Chart)
}
