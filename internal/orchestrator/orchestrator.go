// Package orchestrator implements PipelineOrchestrator: envelope
// decode, dispatch by msgtype, and the concurrent per-PR review
// pipeline.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/vibinex/review-agent/internal/auth"
	"github.com/vibinex/review-agent/internal/diffengine"
	"github.com/vibinex/review-agent/internal/errs"
	"github.com/vibinex/review-agent/internal/graph"
	"github.com/vibinex/review-agent/internal/models"
	"github.com/vibinex/review-agent/internal/provider"
	"github.com/vibinex/review-agent/internal/publisher"
	"github.com/vibinex/review-agent/internal/relevance"
	"github.com/vibinex/review-agent/internal/repocache"
	"github.com/vibinex/review-agent/internal/store"
)

// Msgtype enumerates the bus envelope's dispatch key, per spec.md §4.7.
type Msgtype string

const (
	MsgInstallCallback Msgtype = "install_callback"
	MsgWebhookCallback Msgtype = "webhook_callback"
	MsgTrigger         Msgtype = "trigger"
	MsgApproval        Msgtype = "approval"
)

// Envelope is the bus message body, per spec.md §6: "Body JSON contains
// repositoryProvider, eventPayload (provider-native), and repoConfig."
type Envelope struct {
	Msgtype             Msgtype            `json:"msgtype"`
	RepositoryProvider  models.Provider    `json:"repositoryProvider"`
	EventPayload        json.RawMessage    `json:"eventPayload"`
	RepoConfig          *models.RepoConfig `json:"repoConfig,omitempty"`
}

// webhookPayload is the provider-native eventPayload shape this agent
// understands for webhook_callback/trigger: enough to identify a PR and
// its commit pair without parsing either provider's full wire format.
type webhookPayload struct {
	Owner   string `json:"owner"`
	Repo    string `json:"repo"`
	PRID    string `json:"pr_id"`
	Author  string `json:"author"`
	BaseSHA string `json:"base_sha"`
	HeadSHA string `json:"head_sha"`
}

// approvalPayload is eventPayload's shape for an "approval" msgtype.
type approvalPayload struct {
	Owner string `json:"owner"`
	Repo  string `json:"repo"`
	PRID  string `json:"pr_id"`
}

// Orchestrator wires auth, repo, diff, relevance, graph, and provider
// components into the dispatch table of spec.md §4.7.
type Orchestrator struct {
	store       store.Store
	auth        *auth.Cache
	repos       *repocache.Cache
	diffs       *diffengine.Engine
	relevance   *relevance.Calculator
	graphs      *graph.Builder
	registry    *provider.Registry
	publish     *publisher.Publisher
	logger      *logrus.Logger
	concurrency int
	serverURL   string
}

// New wires the orchestrator from its component dependencies.
func New(
	st store.Store,
	authCache *auth.Cache,
	repos *repocache.Cache,
	diffs *diffengine.Engine,
	relevanceCalc *relevance.Calculator,
	graphs *graph.Builder,
	registry *provider.Registry,
	publish *publisher.Publisher,
	logger *logrus.Logger,
	concurrency int,
	serverURL string,
) *Orchestrator {
	if concurrency <= 0 {
		concurrency = 8
	}
	return &Orchestrator{
		store: st, auth: authCache, repos: repos, diffs: diffs,
		relevance: relevanceCalc, graphs: graphs, registry: registry,
		publish: publish, logger: logger, concurrency: concurrency,
		serverURL: serverURL,
	}
}

// Dispatch decodes and routes a single bus message, per spec.md §4.7
// step 1-2. A malformed envelope is rejected before any handler runs.
// Handlers log and skip failures confined to one file, repo, comment,
// reviewer assignment or graph build; other failures (a malformed
// payload, a missing clone or commit, an unavailable token, a failed
// git diff, store write or upstream publish) are returned and end the
// handling of this event.
func (o *Orchestrator) Dispatch(ctx context.Context, body []byte) error {
	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return errs.NewParseError("decode envelope", err)
	}

	log := o.logger.WithField("msgtype", env.Msgtype).WithField("provider", env.RepositoryProvider)

	switch env.Msgtype {
	case MsgInstallCallback:
		return o.handleInstall(ctx, env)
	case MsgWebhookCallback:
		return o.handleWebhook(ctx, env)
	case MsgTrigger:
		return o.handleTrigger(ctx, env)
	case MsgApproval:
		return o.handleApproval(ctx, env)
	default:
		log.Warn("unrecognized msgtype, dropping")
		return nil
	}
}

func (o *Orchestrator) handleWebhook(ctx context.Context, env Envelope) error {
	var payload webhookPayload
	if err := json.Unmarshal(env.EventPayload, &payload); err != nil {
		return errs.NewParseError("decode webhook payload", err)
	}

	repoKey := models.Repository{Provider: env.RepositoryProvider, Owner: payload.Owner, Name: payload.Repo}.Key()
	var repo models.Repository
	found, err := store.GetJSON(o.store, repoKey, &repo)
	if err != nil {
		return err
	}
	if !found || repo.LocalDir == "" {
		return errs.NewMissingData("no clone registered for " + repoKey)
	}

	review := models.Review{
		Provider: env.RepositoryProvider,
		Owner:    payload.Owner,
		Repo:     payload.Repo,
		PRID:     payload.PRID,
		Author:   payload.Author,
		BaseSHA:  payload.BaseSHA,
		HeadSHA:  payload.HeadSHA,
		CloneDir: repo.LocalDir,
		CloneURL: repo.CloneURL,
	}
	if err := store.PutJSON(o.store, review.Key(), review); err != nil {
		return err
	}

	if gw, ok := o.registry.Get(env.RepositoryProvider); ok {
		if token, err := o.auth.AccessToken(ctx, env.RepositoryProvider, review.CloneDir); err == nil {
			o.refreshWorkspaceUserFromPR(ctx, gw, token, review)
		}
	}

	repoConfig := models.DefaultRepoConfig()
	if env.RepoConfig != nil {
		repoConfig = *env.RepoConfig
	}
	return o.runReviewPipeline(ctx, review, repoConfig)
}

func (o *Orchestrator) handleTrigger(ctx context.Context, env Envelope) error {
	var payload webhookPayload
	if err := json.Unmarshal(env.EventPayload, &payload); err != nil {
		return errs.NewParseError("decode trigger payload", err)
	}

	dbKey := fmt.Sprintf("%s/%s/%s/%s", env.RepositoryProvider, payload.Owner, payload.Repo, payload.PRID)
	var review models.Review
	found, err := store.GetJSON(o.store, dbKey, &review)
	if err != nil {
		return err
	}
	if !found {
		o.logger.WithField("db_key", dbKey).Warn("trigger for unknown review, dropping")
		return nil
	}

	repoConfig := models.DefaultRepoConfig()
	if env.RepoConfig != nil {
		repoConfig = *env.RepoConfig
	}
	return o.runReviewPipeline(ctx, review, repoConfig)
}

func (o *Orchestrator) handleApproval(ctx context.Context, env Envelope) error {
	var payload approvalPayload
	if err := json.Unmarshal(env.EventPayload, &payload); err != nil {
		return errs.NewParseError("decode approval payload", err)
	}

	dbKey := fmt.Sprintf("%s/%s/%s/%s", env.RepositoryProvider, payload.Owner, payload.Repo, payload.PRID)
	review, err := relevance.LoadReview(o.store, dbKey)
	if err != nil {
		return err
	}

	token, err := o.auth.AccessToken(ctx, env.RepositoryProvider, review.CloneDir)
	if err != nil {
		return err
	}
	gw, ok := o.registry.Get(env.RepositoryProvider)
	if !ok {
		return fmt.Errorf("no provider gateway registered for %s", env.RepositoryProvider)
	}
	approvers, err := gw.ApprovingReviewers(ctx, token, review.Owner, review.Repo, review.PRID)
	if err != nil {
		return err
	}

	coverage := relevance.Coverage(review.Relevance, approvers)
	o.logger.WithField("db_key", dbKey).WithField("coverage", coverage).Info("approval coverage computed")
	return nil
}

func hunkMapKey(review models.Review) string {
	return fmt.Sprintf("%s/%s/%s/%s/%s/%s", review.Provider, review.Owner, review.Repo, review.PRID, review.BaseSHA, review.HeadSHA)
}

// runReviewPipeline implements spec.md §4.7 step 3: short-circuit on an
// existing HunkMap, otherwise obtain a token, ensure commits, compute
// the diff/blame, persist+publish the HunkMap, then fan out to
// RelevanceCalculator and GraphBuilder concurrently.
func (o *Orchestrator) runReviewPipeline(ctx context.Context, review models.Review, repoConfig models.RepoConfig) error {
	log := o.logger.WithField("db_key", review.Key()).WithField("base_sha", review.BaseSHA).WithField("head_sha", review.HeadSHA)

	var existing models.HunkDiffMap
	found, err := store.GetJSON(o.store, hunkMapKey(review), &existing)
	if err != nil {
		return err
	}
	if found {
		log.Info("hunk map already computed, republishing only")
		return o.publish.PublishHunkMap(ctx, existing)
	}

	token, err := o.auth.AccessToken(ctx, review.Provider, review.CloneDir)
	if err != nil {
		log.WithError(err).Warn("auth unavailable, dropping event")
		return err
	}

	unlock := o.repos.Lock(review.Provider, review.Owner, review.Repo)
	if err := o.repos.EnsureCommits(ctx, review.CloneDir, review.BaseSHA, review.HeadSHA); err != nil {
		unlock()
		log.WithError(err).Warn("commits still missing after pull, skipping PR")
		return err
	}
	unlock()

	hunkMap, blameItems, err := o.computeHunksAndBlame(ctx, review)
	if err != nil {
		return err
	}

	if err := store.PutJSON(o.store, hunkMapKey(review), hunkMap); err != nil {
		return err
	}
	if err := o.publish.PublishHunkMap(ctx, hunkMap); err != nil {
		return err
	}

	already, err := o.publish.AlreadyPublished(review.Key(), review.BaseSHA, review.HeadSHA)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.concurrency)
	g.Go(func() error {
		return o.runRelevance(gctx, review, repoConfig, blameItems, token, already)
	})
	if repoConfig.DiffGraph {
		g.Go(func() error {
			return o.runGraph(gctx, review, token, already)
		})
	}
	if err := g.Wait(); err != nil {
		log.WithError(err).Warn("review pipeline fan-out failed")
		return err
	}

	if !already {
		if err := o.publish.MarkPublished(review.Key(), review.BaseSHA, review.HeadSHA); err != nil {
			return err
		}
	}
	return nil
}

// computeHunksAndBlame runs DiffEngine's numstat/unified-diff/blame
// sequence over the included files, per spec.md §4.4.
func (o *Orchestrator) computeHunksAndBlame(ctx context.Context, review models.Review) (models.HunkDiffMap, []models.BlameItem, error) {
	_, included, err := o.diffs.ChangedFiles(ctx, review.CloneDir, review.BaseSHA, review.HeadSHA)
	if err != nil {
		return models.HunkDiffMap{}, nil, err
	}

	diffs, err := o.diffs.UnifiedDiffs(ctx, review.CloneDir, review.BaseSHA, review.HeadSHA, included)
	if err != nil {
		return models.HunkDiffMap{}, nil, err
	}

	var blameItems []models.BlameItem
	for _, file := range included {
		diffText, ok := diffs[file]
		if !ok {
			continue
		}
		for _, lineRange := range o.diffs.DeletionRanges(diffText) {
			items, err := o.diffs.Blame(ctx, review.CloneDir, review.BaseSHA, file, lineRange)
			if err != nil {
				o.logger.WithError(err).WithField("file", file).Warn("blame failed, skipping range")
				continue
			}
			blameItems = append(blameItems, items...)
		}
	}

	hunkMap, _, _, err := o.diffs.HunksForGraph(ctx, review.CloneDir, review.BaseSHA, review.HeadSHA)
	if err != nil {
		return models.HunkDiffMap{}, nil, err
	}
	return hunkMap, blameItems, nil
}

// runRelevance implements the RelevanceCalculator tail of spec.md §4.5:
// aggregate, resolve handles, persist, then comment/assign if enabled
// and not already published for this commit pair.
func (o *Orchestrator) runRelevance(ctx context.Context, review models.Review, repoConfig models.RepoConfig, blameItems []models.BlameItem, token string, alreadyPublished bool) error {
	records := relevance.Aggregate(blameItems)
	if records == nil {
		return nil
	}

	resolved, err := o.relevance.ResolveHandles(ctx, review.Provider, records)
	if err != nil {
		return err
	}
	if err := o.relevance.Persist(review, resolved); err != nil {
		return err
	}
	if alreadyPublished {
		return nil
	}

	if repoConfig.Comment {
		body := relevance.RenderComment(resolved, repoConfig.AutoAssign)
		if err := o.publish.PostRelevanceComment(ctx, review, token, body); err != nil {
			o.logger.WithError(err).Warn("failed to post relevance comment")
		}
	}
	if repoConfig.AutoAssign {
		if err := o.assignReviewers(ctx, review, token, resolved); err != nil {
			o.logger.WithError(err).Warn("failed to assign reviewers")
		}
	}
	return nil
}

// assignReviewers implements spec.md §4.5's per-provider auto-assign
// rule: GH requests the first handle of each record verbatim; BB's
// RequestReviewers takes UUIDs, so each display-name handle is resolved
// through the workspace-user index first, and any handle without an
// index entry is dropped rather than sent as a bare display name.
func (o *Orchestrator) assignReviewers(ctx context.Context, review models.Review, token string, records []models.RelevanceRecord) error {
	var handles []string
	seen := make(map[string]bool)
	for _, rec := range records {
		if len(rec.Handles) == 0 {
			continue
		}
		var pick string
		if review.Provider == models.ProviderGithub {
			pick = rec.Handles[0]
		} else {
			for _, h := range rec.Handles {
				if !seen[h] {
					pick = h
					break
				}
			}
		}
		if pick == "" || seen[pick] || pick == review.Author {
			continue
		}
		seen[pick] = true

		if review.Provider == models.ProviderBitbucket {
			uuid, ok, err := o.lookupWorkspaceUser(pick)
			if err != nil {
				return err
			}
			if !ok {
				o.logger.WithField("display_name", pick).Warn("no workspace-user index entry, skipping auto-assign")
				continue
			}
			pick = uuid
		}

		handles = append(handles, pick)
	}
	if len(handles) == 0 {
		return nil
	}
	return o.publish.AssignReviewers(ctx, review, token, handles)
}

// runGraph implements the GraphBuilder fan-out branch of spec.md §4.7,
// posting the diff-graph comment when repo_config.diff_graph is set.
func (o *Orchestrator) runGraph(ctx context.Context, review models.Review, token string, alreadyPublished bool) error {
	info, err := o.graphs.Build(ctx, review)
	if err != nil {
		o.logger.WithError(err).Warn("graph build failed, skipping diff graph")
		return nil
	}
	if alreadyPublished || info.Chart == "" {
		return nil
	}
	if err := o.publish.PostDiffGraphComment(ctx, review, token, info.Chart); err != nil {
		o.logger.WithError(err).Warn("failed to post diff graph comment")
	}
	return nil
}
