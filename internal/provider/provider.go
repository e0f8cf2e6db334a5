// Package provider implements ProviderGateway: one capability
// interface consumed by the core, with thin BB and GH variants,
// narrowed to the capability set spec.md §9 names verbatim.
package provider

import (
	"context"

	"github.com/vibinex/review-agent/internal/models"
)

// PRInfo is the provider-native pull request summary the core needs:
// enough to seed a Review without depending on provider wire types.
type PRInfo struct {
	ID         string
	Owner      string
	Repo       string
	BaseSHA    string
	HeadSHA    string
	Author     string
	AuthorUUID string // Bitbucket only; empty for GH
	URL        string
}

// WebhookSpec describes one webhook already registered (ListWebhooks)
// or to register (AddWebhook).
type WebhookSpec struct {
	ID     string
	URL    string
	Events []string
}

// RefreshResult carries a freshly minted AuthRecord's fields back to
// AuthCache after a refresh call.
type RefreshResult struct {
	AccessToken string
	IssuedAt    int64
	ExpiresIn   int64
}

// Gateway is the single capability set named in spec.md §9: list_prs,
// get_pr_info, list_webhooks, add_webhook, add_comment,
// request_reviewers, refresh_token. The core consumes only this
// interface; it never imports github.com/google/go-github or a
// Bitbucket wire type directly.
type Gateway interface {
	Provider() models.Provider

	ListPRs(ctx context.Context, accessToken, owner, repo string) ([]PRInfo, error)
	GetPRInfo(ctx context.Context, accessToken, owner, repo, prID string) (*PRInfo, error)

	ListWebhooks(ctx context.Context, accessToken, owner, repo string) ([]WebhookSpec, error)
	AddWebhook(ctx context.Context, accessToken, owner, repo, callbackURL string) (*WebhookSpec, error)

	AddComment(ctx context.Context, accessToken, owner, repo, prID, body string) error
	RequestReviewers(ctx context.Context, accessToken, owner, repo, prID string, handles []string) error

	// RefreshToken exchanges the current AuthRecord for a fresh one.
	// record.RefreshToken is the BB refresh token, or empty for GH (which
	// signs a JWT from the App PEM instead — see internal/auth).
	RefreshToken(ctx context.Context, record models.AuthRecord) (*RefreshResult, error)

	// ApprovingReviewers lists the handles of reviewers who have
	// approved the PR, for the §4.5 approval/coverage tail.
	ApprovingReviewers(ctx context.Context, accessToken, owner, repo, prID string) ([]string, error)
}

// Registry resolves a Gateway by provider so PipelineOrchestrator
// dispatches without a type switch.
type Registry struct {
	gateways map[models.Provider]Gateway
}

// NewRegistry builds an empty registry.
func NewRegistry() *Registry {
	return &Registry{gateways: make(map[models.Provider]Gateway)}
}

// Register adds a gateway implementation for a provider.
func (r *Registry) Register(g Gateway) {
	r.gateways[g.Provider()] = g
}

// Get returns the gateway for a provider, or false if none registered.
func (r *Registry) Get(p models.Provider) (Gateway, bool) {
	g, ok := r.gateways[p]
	return g, ok
}
