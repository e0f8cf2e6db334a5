// Package diffengine implements DiffEngine: pure functions of
// (base_sha, head_sha, clone_dir) that shell out to git to produce file
// lists, hunk ranges, and per-range blame.
//
// Grounded on original_source/vibi-dpu/src/utils/gitops.rs
// (get_excluded_files, process_statoutput, generate_diff, process_diff,
// has_deletions) for the exact exclusion rule and hunk-header parsing,
// and utils/hunk.rs for blame coalescing semantics.
package diffengine

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/vibinex/review-agent/internal/errs"
	"github.com/vibinex/review-agent/internal/models"
)

// Engine runs git subprocesses inside a repo's clone_dir. Every
// invocation carries {clone_dir, stdin=nil, stdout/stderr captured}, per
// spec.md §9's "Sub-process orchestration" note.
type Engine struct {
	logger *logrus.Entry
}

func New(logger *logrus.Logger) *Engine {
	return &Engine{logger: logger.WithField("component", "diff_engine")}
}

func (e *Engine) git(ctx context.Context, cloneDir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", append([]string{"-C", cloneDir}, args...)...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", errs.NewParseError("git "+strings.Join(args, " "), fmt.Errorf("%w: %s", err, stderr.String()))
	}
	return stdout.String(), nil
}

// statItem is one numstat line: additions/deletions may be "-" for
// binary files, which process_statitem treats as 0 rather than skipping
// the item (matching original_source).
type statItem struct {
	additions int
	deletions int
	path      string
}

// ChangedFiles runs `git diff {base}...{head} --numstat` and splits the
// result into excluded/included paths per spec.md §4.4's exclusion rule:
// a file is excluded iff additions>500 || deletions>500 ||
// additions+deletions>500 || deletions<1.
func (e *Engine) ChangedFiles(ctx context.Context, cloneDir, base, head string) (excluded, included []string, err error) {
	out, err := e.git(ctx, cloneDir, "diff", fmt.Sprintf("%s...%s", base, head), "--numstat")
	if err != nil {
		return nil, nil, err
	}

	items := parseNumstat(out, e.logger)
	for _, item := range items {
		if isExcluded(item) {
			excluded = append(excluded, item.path)
		} else {
			included = append(included, item.path)
		}
	}
	return excluded, included, nil
}

func isExcluded(item statItem) bool {
	return item.additions > 500 ||
		item.deletions > 500 ||
		item.additions+item.deletions > 500 ||
		item.deletions < 1
}

func parseNumstat(out string, logger *logrus.Entry) []statItem {
	var items []statItem
	scanner := bufio.NewScanner(strings.NewReader(out))
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		fields := strings.SplitN(line, "\t", 3)
		if len(fields) != 3 {
			if logger != nil {
				logger.WithField("line", line).Warn("numstat: unparseable line, skipping")
			}
			continue
		}
		items = append(items, statItem{
			additions: parseIntOrZero(fields[0]),
			deletions: parseIntOrZero(fields[1]),
			path:      fields[2],
		})
	}
	return items
}

// parseIntOrZero defaults to 0 on parse failure (binary files report
// "-"), matching original_source's process_statitem rather than
// dropping the item.
func parseIntOrZero(s string) int {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0
	}
	return n
}

// UnifiedDiffs runs `git diff -U0 {base}...{head} -- {file}` per
// included file.
func (e *Engine) UnifiedDiffs(ctx context.Context, cloneDir, base, head string, files []string) (map[string]string, error) {
	out := make(map[string]string, len(files))
	for _, f := range files {
		text, err := e.git(ctx, cloneDir, "diff", "-U0", fmt.Sprintf("%s...%s", base, head), "--", f)
		if err != nil {
			if e.logger != nil {
				e.logger.WithError(err).WithField("file", f).Warn("unified diff failed, skipping file")
			}
			continue
		}
		out[f] = text
	}
	return out, nil
}

// hunkHeaderRe matches "@@ -a,b +c,d @@" (b/d default to 1 when absent).
var hunkHeaderRe = regexp.MustCompile(`^@@ -(\d+)(?:,(\d+))? \+(\d+)(?:,(\d+))? @@(.*)$`)

// DeletionRanges parses hunk headers out of a unified diff, keeping only
// hunks whose body contains at least one "-" line not starting with
// "---", and returns "a,a+b" range strings for those hunks' old-file
// side.
func (e *Engine) DeletionRanges(diff string) []string {
	var ranges []string
	lines := strings.Split(diff, "\n")
	for i := 0; i < len(lines); i++ {
		m := hunkHeaderRe.FindStringSubmatch(lines[i])
		if m == nil {
			continue
		}
		start, _ := strconv.Atoi(m[1])
		length := 1
		if m[2] != "" {
			length, _ = strconv.Atoi(m[2])
		}

		hasDeletion := false
		for j := i + 1; j < len(lines); j++ {
			if hunkHeaderRe.MatchString(lines[j]) {
				break
			}
			if isDeletionLine(lines[j]) {
				hasDeletion = true
			}
		}
		if hasDeletion && length > 0 {
			ranges = append(ranges, fmt.Sprintf("%d,%d", start, start+length))
		}
	}
	return ranges
}

// isDeletionLine mirrors original_source's has_deletions: a line starts
// with "-" but is not the "---" file-marker line.
func isDeletionLine(line string) bool {
	return strings.HasPrefix(line, "-") && !strings.HasPrefix(line, "---")
}

// blamePrefixRe parses one raw, uncoalesced line of `git blame` porcelain
// output, defensively: the author token may be the plain name or the
// angle-bracket email form, and fields may be empty.
var blamePrefixRe = regexp.MustCompile(`^\S+\s+\(([^)]*?)\s+(\d+)\s+[-+]?\d+\)`)

// Blame runs `git blame {commit} -L a,b -w -e --date=unix -l -- {file}`
// and coalesces consecutive lines with the same author into single
// BlameItems, satisfying spec.md §8's blame-coalescing invariant: output
// is sorted by (file, line_start) and strictly non-overlapping.
func (e *Engine) Blame(ctx context.Context, cloneDir, commit, file, lineRange string) ([]models.BlameItem, error) {
	out, err := e.git(ctx, cloneDir, "blame", commit, "-L", lineRange, "-w", "-e", "--date=unix", "-l", "--", file)
	if err != nil {
		return nil, err
	}

	type rawLine struct {
		author string
		ts     int64
		line   int
	}
	var raw []rawLine
	scanner := bufio.NewScanner(strings.NewReader(out))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		text := scanner.Text()
		m := blamePrefixRe.FindStringSubmatch(text)
		if m == nil {
			if e.logger != nil {
				e.logger.WithField("text", text).Warn("blame: unparseable line, skipping")
			}
			continue
		}
		author := normalizeAuthor(m[1])
		ts, tsErr := strconv.ParseInt(m[2], 10, 64)
		if tsErr != nil {
			continue
		}
		raw = append(raw, rawLine{author: author, ts: ts, line: lineFromRange(lineRange, lineNo)})
	}

	var items []models.BlameItem
	for _, r := range raw {
		if len(items) > 0 {
			last := &items[len(items)-1]
			if last.AuthorAlias == r.author && r.line == last.LineEnd+1 {
				last.LineEnd = r.line
				continue
			}
		}
		items = append(items, models.BlameItem{
			AuthorAlias: r.author,
			Timestamp:   r.ts,
			LineStart:   r.line,
			LineEnd:     r.line,
			File:        file,
			Commit:      commit,
		})
	}

	sort.Slice(items, func(i, j int) bool {
		if items[i].File != items[j].File {
			return items[i].File < items[j].File
		}
		return items[i].LineStart < items[j].LineStart
	})
	return items, nil
}

// normalizeAuthor strips angle brackets from the email form git blame
// -e emits.
func normalizeAuthor(s string) string {
	s = strings.TrimSpace(s)
	return strings.Trim(s, "<>")
}

// lineFromRange reconstructs the absolute source line number for the
// nth line of blame output given the requested "a,b" range.
func lineFromRange(lineRange string, nth int) int {
	parts := strings.SplitN(lineRange, ",", 2)
	start, _ := strconv.Atoi(parts[0])
	return start + nth - 1
}

// HunksForGraph splits files touched by the diff into Added/Modified/
// Deleted per `git diff --name-status`, then for each modified file
// extracts ADDED and DELETED hunk ranges separately via `git diff
// --unified=0 --ignore-space-change`, carrying the trailing hunk-header
// text as a header_line hint, per spec.md §4.4.
func (e *Engine) HunksForGraph(ctx context.Context, cloneDir, base, head string) (models.HunkDiffMap, []string, []string, error) {
	out, err := e.git(ctx, cloneDir, "diff", "--name-status", fmt.Sprintf("%s...%s", base, head))
	if err != nil {
		return models.HunkDiffMap{}, nil, nil, err
	}

	result := models.HunkDiffMap{Files: make(map[string]models.FileHunks)}
	var added, deleted []string

	scanner := bufio.NewScanner(strings.NewReader(out))
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 2 {
			continue
		}
		status, path := fields[0], fields[len(fields)-1]
		switch {
		case strings.HasPrefix(status, "A"):
			added = append(added, path)
		case strings.HasPrefix(status, "D"):
			deleted = append(deleted, path)
		case strings.HasPrefix(status, "M"):
			fh, err := e.modifiedFileHunks(ctx, cloneDir, base, head, path)
			if err != nil {
				if e.logger != nil {
					e.logger.WithError(err).WithField("file", path).Warn("hunk extraction failed, skipping file")
				}
				continue
			}
			result.Files[path] = fh
		}
	}
	return result, added, deleted, nil
}

func (e *Engine) modifiedFileHunks(ctx context.Context, cloneDir, base, head, path string) (models.FileHunks, error) {
	diff, err := e.git(ctx, cloneDir, "diff", "--unified=0", "--ignore-space-change", fmt.Sprintf("%s...%s", base, head), "--", path)
	if err != nil {
		return models.FileHunks{}, err
	}

	var fh models.FileHunks
	lines := strings.Split(diff, "\n")
	for _, line := range lines {
		m := hunkHeaderRe.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		header := strings.TrimSpace(m[5])

		if oldLen := parseIntOrZero(orDefault(m[2], "1")); oldLen > 0 {
			start, _ := strconv.Atoi(m[1])
			fh.DeletedHunks = append(fh.DeletedHunks, models.Hunk{
				File: path, Side: models.SideDeleted,
				StartLine: start, EndLine: start + oldLen - 1,
				HeaderLine: header,
			})
		}
		if newLen := parseIntOrZero(orDefault(m[4], "1")); newLen > 0 {
			start, _ := strconv.Atoi(m[3])
			fh.AddedHunks = append(fh.AddedHunks, models.Hunk{
				File: path, Side: models.SideAdded,
				StartLine: start, EndLine: start + newLen - 1,
				HeaderLine: header,
			})
		}
	}
	return fh, nil
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
