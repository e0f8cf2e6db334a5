// Package relevance implements RelevanceCalculator: aggregates
// blame lines into per-contributor percentages, resolves contributor to
// provider-handle aliases, and renders the PR comment/coverage map.
//
// Grounded on original_source/vibi-dpu/src/core/relevance.rs,
// utils/relevance.rs, db/aliases.rs, core/approval.rs, core/coverage.rs.
package relevance

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/vibinex/review-agent/internal/errs"
	"github.com/vibinex/review-agent/internal/models"
	"github.com/vibinex/review-agent/internal/store"
)

// UpstreamResolver consults the central server for a git alias's
// provider handles on a local cache miss (spec.md §4.5 step 4: "prefer
// local store; on miss consult the upstream server").
type UpstreamResolver interface {
	ResolveAlias(ctx context.Context, provider models.Provider, gitAlias string) ([]string, error)
}

// Calculator is RelevanceCalculator.
type Calculator struct {
	store    store.Store
	upstream UpstreamResolver
}

func New(st store.Store, upstream UpstreamResolver) *Calculator {
	return &Calculator{store: st, upstream: upstream}
}

func aliasKey(p models.Provider, gitAlias string) string {
	return fmt.Sprintf("%s/aliases/%s", p, gitAlias)
}

// Aggregate sums line counts per author and converts to percentages,
// per spec.md §4.5 steps 1-3. Returns nil (no comment, no assignment)
// when total <= 0.
func Aggregate(items []models.BlameItem) []models.RelevanceRecord {
	lines := make(map[string]int)
	order := make([]string, 0)
	for _, item := range items {
		if _, seen := lines[item.AuthorAlias]; !seen {
			order = append(order, item.AuthorAlias)
		}
		lines[item.AuthorAlias] += item.LineEnd - item.LineStart + 1
	}

	total := 0
	for _, n := range lines {
		total += n
	}
	if total <= 0 {
		return nil
	}

	records := make([]models.RelevanceRecord, 0, len(order))
	for _, author := range order {
		pct := 100 * float64(lines[author]) / float64(total)
		records = append(records, models.RelevanceRecord{
			GitAlias:   author,
			Percentage: roundTwoDecimals(pct),
		})
	}
	return records
}

func roundTwoDecimals(f float64) float64 {
	return float64(int(f*100+0.5)) / 100
}

// ResolveHandles fills in Handles for each record: prefer the local
// alias store, fall back to the upstream resolver on miss, and
// union-insert the result back into the store.
func (c *Calculator) ResolveHandles(ctx context.Context, p models.Provider, records []models.RelevanceRecord) ([]models.RelevanceRecord, error) {
	out := make([]models.RelevanceRecord, len(records))
	for i, rec := range records {
		rec.Provider = p

		var am models.AliasMap
		found, err := store.GetJSON(c.store, aliasKey(p, rec.GitAlias), &am)
		if err != nil {
			return nil, err
		}

		if !found && c.upstream != nil {
			handles, err := c.upstream.ResolveAlias(ctx, p, rec.GitAlias)
			if err != nil {
				// Best effort: an upstream miss leaves the alias
				// unmapped, it does not fail the whole PR.
				handles = nil
			}
			if len(handles) > 0 {
				am = models.AliasMap{GitAlias: rec.GitAlias, Handles: unionStrings(am.Handles, handles)}
				if err := store.PutJSON(c.store, aliasKey(p, rec.GitAlias), am); err != nil {
					return nil, err
				}
			}
		}

		rec.Handles = am.Handles
		out[i] = rec
	}
	return out, nil
}

func unionStrings(a, b []string) []string {
	seen := make(map[string]bool, len(a)+len(b))
	var out []string
	for _, s := range append(append([]string{}, a...), b...) {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}

// Persist stores the computed RelevanceRecords on the Review at db_key.
func (c *Calculator) Persist(review models.Review, records []models.RelevanceRecord) error {
	review.Relevance = records
	return store.PutJSON(c.store, review.Key(), review)
}

// mergedRow is one rendered comment-table row after handle-set dedup.
type mergedRow struct {
	label      string // handle, or raw alias if unmapped
	percentage float64
	unmapped   bool
}

// mergeByHandleOverlap implements spec.md §4.5's dedup rule: records
// whose handle sets overlap are merged by summing percentages
// (transitive merge within the current batch); records with no handles
// become a raw-alias row counted in the "unmapped aliases" tail.
func mergeByHandleOverlap(records []models.RelevanceRecord) (rows []mergedRow, unmappedCount int) {
	type group struct {
		handles map[string]bool
		total   float64
	}
	var groups []*group

	for _, rec := range records {
		if len(rec.Handles) == 0 {
			rows = append(rows, mergedRow{label: rec.GitAlias, percentage: rec.Percentage, unmapped: true})
			unmappedCount++
			continue
		}

		var match *group
		kept := groups[:0]
		for _, g := range groups {
			shared := false
			for _, h := range rec.Handles {
				shared = shared || g.handles[h]
			}
			if shared && match != nil {
				for h := range g.handles {
					match.handles[h] = true
				}
				match.total += g.total
				continue
			}
			if shared {
				match = g
			}
			kept = append(kept, g)
		}
		groups = kept
		if match == nil {
			match = &group{handles: make(map[string]bool)}
			groups = append(groups, match)
		}
		for _, h := range rec.Handles {
			match.handles[h] = true
		}
		match.total += rec.Percentage
	}

	for _, g := range groups {
		var handleList []string
		for h := range g.handles {
			handleList = append(handleList, h)
		}
		sort.Strings(handleList)
		rows = append(rows, mergedRow{label: strings.Join(handleList, ", "), percentage: g.total})
	}
	return rows, unmappedCount
}

// RenderComment produces the "Relevance table" template from spec.md
// §6: sorted descending, optional missing-handles footer, optional
// auto-assigning footer, fixed marketing tail.
func RenderComment(records []models.RelevanceRecord, autoAssign bool) string {
	rows, unmapped := mergeByHandleOverlap(records)
	sort.SliceStable(rows, func(i, j int) bool { return rows[i].percentage > rows[j].percentage })

	var b strings.Builder
	b.WriteString("| Contributor Name/Alias | Relevance |\n")
	b.WriteString("|---|---|\n")
	for _, r := range rows {
		b.WriteString(fmt.Sprintf("| %s | %.2f%% |\n", r.label, r.percentage))
	}
	if unmapped > 0 {
		b.WriteString(fmt.Sprintf("\n_%d unmapped aliases_\n", unmapped))
	}
	if autoAssign {
		b.WriteString("\n_auto assigning reviewers based on relevance_\n")
	}
	b.WriteString("\n---\n*Powered by Vibinex code review agent*\n")
	return b.String()
}

// Coverage computes the approval-path coverage map: handle -> sum of
// relevance across records whose handle set contains that reviewer
// (spec.md §4.5's symmetric approval path).
func Coverage(records []models.RelevanceRecord, approvingHandles []string) map[string]float64 {
	coverage := make(map[string]float64, len(approvingHandles))
	for _, reviewer := range approvingHandles {
		var sum float64
		for _, rec := range records {
			for _, h := range rec.Handles {
				if h == reviewer {
					sum += rec.Percentage
					break
				}
			}
		}
		coverage[reviewer] = sum
	}
	return coverage
}

// LoadReview fetches a persisted Review by db_key, used by the approval
// flow to reload relevance before computing coverage.
func LoadReview(st store.Store, dbKey string) (*models.Review, error) {
	var review models.Review
	found, err := store.GetJSON(st, dbKey, &review)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, errs.NewMissingData("review " + dbKey + " not found")
	}
	return &review, nil
}
