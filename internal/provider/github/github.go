// Package github implements provider.Gateway against the GitHub REST
// API: a go-github client, a consistent pagination loop shape for list
// endpoints, and comment/reviewer calls through the same client.
package github

import (
	"context"
	"fmt"
	"time"

	"github.com/google/go-github/v68/github"

	"github.com/vibinex/review-agent/internal/errs"
	"github.com/vibinex/review-agent/internal/models"
	"github.com/vibinex/review-agent/internal/provider"
)

type Gateway struct {
	baseURL string
}

// New builds a GitHub gateway. baseURL overrides the default API host
// for GitHub Enterprise installs (GITHUB_BASE_URL); empty uses
// api.github.com.
func New(baseURL string) *Gateway {
	return &Gateway{baseURL: baseURL}
}

func (g *Gateway) Provider() models.Provider { return models.ProviderGithub }

func (g *Gateway) client(accessToken string) (*github.Client, error) {
	gh := github.NewClient(nil).WithAuthToken(accessToken)
	if g.baseURL != "" && g.baseURL != "https://api.github.com" {
		var err error
		gh, err = gh.WithEnterpriseURLs(g.baseURL, g.baseURL)
		if err != nil {
			return nil, errs.Wrap(err, "configure enterprise base url")
		}
	}
	return gh, nil
}

func (g *Gateway) ListPRs(ctx context.Context, accessToken, owner, repo string) ([]provider.PRInfo, error) {
	gh, err := g.client(accessToken)
	if err != nil {
		return nil, err
	}

	var out []provider.PRInfo
	opts := &github.PullRequestListOptions{State: "open", ListOptions: github.ListOptions{PerPage: 100}}
	for {
		prs, resp, err := gh.PullRequests.List(ctx, owner, repo, opts)
		if err != nil {
			return nil, errs.NewTransientHttp("ListPRs", err)
		}
		for _, pr := range prs {
			out = append(out, toPRInfo(owner, repo, pr))
		}
		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return out, nil
}

func (g *Gateway) GetPRInfo(ctx context.Context, accessToken, owner, repo, prID string) (*provider.PRInfo, error) {
	gh, err := g.client(accessToken)
	if err != nil {
		return nil, err
	}
	number, err := prNumber(prID)
	if err != nil {
		return nil, errs.NewParseError("pr id", err)
	}
	pr, _, err := gh.PullRequests.Get(ctx, owner, repo, number)
	if err != nil {
		return nil, errs.NewTransientHttp("GetPRInfo", err)
	}
	info := toPRInfo(owner, repo, pr)
	return &info, nil
}

func toPRInfo(owner, repo string, pr *github.PullRequest) provider.PRInfo {
	info := provider.PRInfo{
		ID:      fmt.Sprintf("%d", pr.GetNumber()),
		Owner:   owner,
		Repo:    repo,
		URL:     pr.GetHTMLURL(),
		BaseSHA: pr.GetBase().GetSHA(),
		HeadSHA: pr.GetHead().GetSHA(),
	}
	if pr.GetUser() != nil {
		info.Author = pr.GetUser().GetLogin()
	}
	return info
}

func (g *Gateway) ListWebhooks(ctx context.Context, accessToken, owner, repo string) ([]provider.WebhookSpec, error) {
	gh, err := g.client(accessToken)
	if err != nil {
		return nil, err
	}
	hooks, _, err := gh.Repositories.ListHooks(ctx, owner, repo, &github.ListOptions{PerPage: 100})
	if err != nil {
		return nil, errs.NewTransientHttp("ListWebhooks", err)
	}
	var out []provider.WebhookSpec
	for _, h := range hooks {
		out = append(out, provider.WebhookSpec{
			ID:     fmt.Sprintf("%d", h.GetID()),
			URL:    h.GetURL(),
			Events: h.Events,
		})
	}
	return out, nil
}

// webhookEvents is the fixed GH registration content from spec.md §6.
var webhookEvents = []string{"push", "pull_request", "pull_request_review"}

func (g *Gateway) AddWebhook(ctx context.Context, accessToken, owner, repo, callbackURL string) (*provider.WebhookSpec, error) {
	gh, err := g.client(accessToken)
	if err != nil {
		return nil, err
	}
	hook := &github.Hook{
		Events: webhookEvents,
		Config: &github.HookConfig{
			URL:         github.Ptr(callbackURL),
			ContentType: github.Ptr("json"),
			InsecureSSL: github.Ptr("0"),
		},
	}
	created, _, err := gh.Repositories.CreateHook(ctx, owner, repo, hook)
	if err != nil {
		return nil, errs.NewTransientHttp("AddWebhook", err)
	}
	return &provider.WebhookSpec{
		ID:     fmt.Sprintf("%d", created.GetID()),
		URL:    created.GetURL(),
		Events: created.Events,
	}, nil
}

func (g *Gateway) AddComment(ctx context.Context, accessToken, owner, repo, prID, body string) error {
	gh, err := g.client(accessToken)
	if err != nil {
		return err
	}
	number, err := prNumber(prID)
	if err != nil {
		return errs.NewParseError("pr id", err)
	}
	_, _, err = gh.Issues.CreateComment(ctx, owner, repo, number, &github.IssueComment{Body: github.Ptr(body)})
	if err != nil {
		return errs.NewTransientHttp("AddComment", err)
	}
	return nil
}

// RequestReviewers requests every handle in handles as a reviewer. The
// caller applies spec.md §4.5's GH auto-assign rule by passing the first
// provider handle of each relevance record.
func (g *Gateway) RequestReviewers(ctx context.Context, accessToken, owner, repo, prID string, handles []string) error {
	if len(handles) == 0 {
		return nil
	}
	gh, err := g.client(accessToken)
	if err != nil {
		return err
	}
	number, err := prNumber(prID)
	if err != nil {
		return errs.NewParseError("pr id", err)
	}
	_, _, err = gh.PullRequests.RequestReviewers(ctx, owner, repo, number, github.ReviewersRequest{Reviewers: handles})
	if err != nil {
		return errs.NewTransientHttp("RequestReviewers", err)
	}
	return nil
}

func (g *Gateway) RefreshToken(ctx context.Context, record models.AuthRecord) (*provider.RefreshResult, error) {
	// GH App installation tokens are minted from a signed JWT by
	// internal/auth (golang-jwt/jwt/v5); this gateway performs the
	// installation-token exchange call itself since it owns the HTTP
	// client, given the signed JWT as the bearer credential.
	gh, err := g.client(record.AccessToken)
	if err != nil {
		return nil, err
	}
	if record.InstallID == "" {
		return nil, errs.NewAuthUnavailable(string(models.ProviderGithub), fmt.Errorf("no install_id on auth record"))
	}
	var installID int64
	if _, err := fmt.Sscanf(record.InstallID, "%d", &installID); err != nil {
		return nil, errs.NewAuthUnavailable(string(models.ProviderGithub), err)
	}
	tok, _, err := gh.Apps.CreateInstallationToken(ctx, installID, nil)
	if err != nil {
		return nil, errs.NewAuthUnavailable(string(models.ProviderGithub), err)
	}
	issuedAt := time.Now()
	expiresIn := tok.GetExpiresAt().Time.Sub(issuedAt)
	if expiresIn <= 0 {
		expiresIn = tokenLifetime
	}
	return &provider.RefreshResult{
		AccessToken: tok.GetToken(),
		IssuedAt:    issuedAt.Unix(),
		ExpiresIn:   int64(expiresIn.Seconds()),
	}, nil
}

func (g *Gateway) ApprovingReviewers(ctx context.Context, accessToken, owner, repo, prID string) ([]string, error) {
	gh, err := g.client(accessToken)
	if err != nil {
		return nil, err
	}
	number, err := prNumber(prID)
	if err != nil {
		return nil, errs.NewParseError("pr id", err)
	}
	var all []*github.PullRequestReview
	opts := &github.ListOptions{PerPage: 100}
	for {
		reviews, resp, err := gh.PullRequests.ListReviews(ctx, owner, repo, number, opts)
		if err != nil {
			return nil, errs.NewTransientHttp("ListReviews", err)
		}
		all = append(all, reviews...)
		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}

	seen := make(map[string]bool)
	var handles []string
	for _, r := range all {
		if r.GetState() != "APPROVED" || r.GetUser() == nil {
			continue
		}
		login := r.GetUser().GetLogin()
		if !seen[login] {
			seen[login] = true
			handles = append(handles, login)
		}
	}
	return handles, nil
}

func prNumber(prID string) (int, error) {
	var n int
	_, err := fmt.Sscanf(prID, "%d", &n)
	return n, err
}

// tokenLifetime is GitHub's fixed installation token TTL, used as a
// fallback when the API response carries no expiry.
const tokenLifetime = time.Hour
