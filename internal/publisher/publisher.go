// Package publisher posts computed artifacts back to the upstream
// server and to providers, using a shared *http.Client and small
// per-call request builders, per spec.md §4.9/§6's fixed endpoint set.
package publisher

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/vibinex/review-agent/internal/errs"
	"github.com/vibinex/review-agent/internal/models"
	"github.com/vibinex/review-agent/internal/provider"
	"github.com/vibinex/review-agent/internal/store"
)

// HealthStatus is one of the three health-ping states from SPEC_FULL.md §D.2.
type HealthStatus string

const (
	HealthStart   HealthStatus = "START"
	HealthSuccess HealthStatus = "SUCCESS"
	HealthFailed  HealthStatus = "FAILED"
)

type setupInfo struct {
	Provider models.Provider `json:"provider"`
	Owner    string          `json:"owner"`
	Repos    []string        `json:"repos"`
}

type healthPayload struct {
	Status    HealthStatus `json:"status"`
	Timestamp int64        `json:"timestamp"`
	Topic     string       `json:"topic"`
}

// publishGuardKey gates a side-effecting publish (comment/assignment)
// against replay, per spec.md §9's "Idempotence gap" note: /api/hunks is
// already safe to re-POST (downstream keys by base/head), but provider
// comments and reviewer assignments are not, so a flag is recorded the
// first time a PR's side effects are posted.
func publishGuardKey(dbKey, baseSHA, headSHA string) string {
	return fmt.Sprintf("published:%s/%s/%s", dbKey, baseSHA, headSHA)
}

// Publisher posts hunk maps, setup/health pings, and PR comments/reviewer
// assignments to the upstream server and provider APIs.
type Publisher struct {
	serverURL  string
	httpClient *http.Client
	registry   *provider.Registry
	store      store.Store
	logger     *logrus.Logger
}

// New builds a Publisher posting to serverURL's upstream /api/* surface.
func New(serverURL string, registry *provider.Registry, st store.Store, logger *logrus.Logger) *Publisher {
	return &Publisher{
		serverURL:  serverURL,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		registry:   registry,
		store:      st,
		logger:     logger,
	}
}

func (p *Publisher) postJSON(ctx context.Context, path string, body any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return errs.Wrap(err, "encode publish payload")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.serverURL+path, bytes.NewReader(payload))
	if err != nil {
		return errs.Wrap(err, "build publish request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return errs.NewTransientHttp(path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 500 {
		return errs.NewTransientHttp(path, fmt.Errorf("upstream returned HTTP %d", resp.StatusCode))
	}
	if resp.StatusCode >= 400 {
		return errs.Wrap(fmt.Errorf("upstream returned HTTP %d", resp.StatusCode), path)
	}
	return nil
}

// PublishHunkMap posts the computed HunkMap JSON to /api/hunks. Safe to
// call repeatedly for the same (base, head): downstream keys by the
// pair, per spec.md §7's idempotence note.
func (p *Publisher) PublishHunkMap(ctx context.Context, hunkMap models.HunkDiffMap) error {
	return p.postJSON(ctx, "/api/hunks", hunkMap)
}

// PublishSetup posts the install flow's discovered repo list to
// /api/dpu/setup.
func (p *Publisher) PublishSetup(ctx context.Context, installationID string, reposByOwner map[string][]string, prov models.Provider) error {
	var info []setupInfo
	for owner, repos := range reposByOwner {
		info = append(info, setupInfo{Provider: prov, Owner: owner, Repos: repos})
	}
	return p.postJSON(ctx, "/api/dpu/setup", map[string]any{
		"installationId": installationID,
		"info":           info,
	})
}

// PublishAliases forwards the distinct git-author emails collected from
// a repo's history at install time to /api/dpu/aliases, the Go
// equivalent of original_source's send_aliases: it seeds the upstream
// alias map before any PR event arrives, so AliasCache's first
// ResolveAlias call for this repo can already return a handle instead of
// a miss.
func (p *Publisher) PublishAliases(ctx context.Context, prov models.Provider, owner, repo string, aliases []string) error {
	return p.postJSON(ctx, "/api/dpu/aliases", map[string]any{
		"provider": prov,
		"owner":    owner,
		"repo":     repo,
		"aliases":  aliases,
	})
}

// Health pings /api/dpu/health, per SPEC_FULL.md §D.2: START at listener
// startup, SUCCESS once the subscription is confirmed live, FAILED on an
// unrecoverable listener failure.
func (p *Publisher) Health(ctx context.Context, status HealthStatus, topic string, now time.Time) error {
	return p.postJSON(ctx, "/api/dpu/health", healthPayload{
		Status:    status,
		Timestamp: now.Unix(),
		Topic:     topic,
	})
}

// AlreadyPublished reports whether comment/assignment side effects were
// already posted for this (db_key, base, head) triple.
func (p *Publisher) AlreadyPublished(dbKey, baseSHA, headSHA string) (bool, error) {
	var flag bool
	return store.GetJSON(p.store, publishGuardKey(dbKey, baseSHA, headSHA), &flag)
}

// MarkPublished records that side effects have now been posted, so a
// replayed event does not re-comment or re-assign.
func (p *Publisher) MarkPublished(dbKey, baseSHA, headSHA string) error {
	return store.PutJSON(p.store, publishGuardKey(dbKey, baseSHA, headSHA), true)
}

// PostRelevanceComment posts the rendered relevance table to the PR,
// gated by repo_config.comment at the caller.
func (p *Publisher) PostRelevanceComment(ctx context.Context, review models.Review, accessToken, body string) error {
	gw, ok := p.registry.Get(review.Provider)
	if !ok {
		return fmt.Errorf("no provider gateway registered for %s", review.Provider)
	}
	return gw.AddComment(ctx, accessToken, review.Owner, review.Repo, review.PRID, body)
}

// PostDiffGraphComment posts the fenced mermaid chart, per spec.md §6's
// second comment template.
func (p *Publisher) PostDiffGraphComment(ctx context.Context, review models.Review, accessToken, chart string) error {
	body := fmt.Sprintf("```mermaid\n%s```\n\n[Adjust these settings](%s/settings)\n", chart, p.serverURL)
	gw, ok := p.registry.Get(review.Provider)
	if !ok {
		return fmt.Errorf("no provider gateway registered for %s", review.Provider)
	}
	return gw.AddComment(ctx, accessToken, review.Owner, review.Repo, review.PRID, body)
}

// AssignReviewers requests the given handles as reviewers via the
// provider gateway, per spec.md §4.5's auto-assign rule (the caller has
// already narrowed handles/UUIDs to the provider-specific convention).
func (p *Publisher) AssignReviewers(ctx context.Context, review models.Review, accessToken string, handles []string) error {
	gw, ok := p.registry.Get(review.Provider)
	if !ok {
		return fmt.Errorf("no provider gateway registered for %s", review.Provider)
	}
	return gw.RequestReviewers(ctx, accessToken, review.Owner, review.Repo, review.PRID, handles)
}

// ResolveAlias implements relevance.UpstreamResolver: on a local
// AliasMap miss, RelevanceCalculator consults the upstream server per
// spec.md §4.5 step 4 before giving up on a git alias.
func (p *Publisher) ResolveAlias(ctx context.Context, prov models.Provider, gitAlias string) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		fmt.Sprintf("%s/api/aliases/%s/%s", p.serverURL, prov, url.PathEscape(gitAlias)), nil)
	if err != nil {
		return nil, errs.Wrap(err, "build alias resolve request")
	}
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, errs.NewTransientHttp("resolve alias", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if resp.StatusCode >= 500 {
		return nil, errs.NewTransientHttp("resolve alias", fmt.Errorf("upstream returned HTTP %d", resp.StatusCode))
	}
	if resp.StatusCode >= 400 {
		return nil, errs.Wrap(fmt.Errorf("upstream returned HTTP %d", resp.StatusCode), "resolve alias")
	}

	var handles []string
	if err := json.NewDecoder(resp.Body).Decode(&handles); err != nil {
		return nil, errs.Wrap(err, "decode alias resolve response")
	}
	return handles, nil
}
