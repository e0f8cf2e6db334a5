// Package bitbucket implements provider.Gateway against the Bitbucket
// Cloud REST API (api.bitbucket.org/2.0). No mature Bitbucket Go SDK
// exists, so this is hand-rolled REST over net/http: a single shared
// *http.Client, structured error decoding, context-aware requests.
package bitbucket

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/vibinex/review-agent/internal/errs"
	"github.com/vibinex/review-agent/internal/models"
	"github.com/vibinex/review-agent/internal/provider"
)

type Gateway struct {
	baseURL    string
	clientID   string
	clientSecr string
	httpClient *http.Client
}

// New builds a Bitbucket gateway against baseURL (BITBUCKET_BASE_URL),
// using clientID/clientSecret for the OAuth refresh exchange.
func New(baseURL, clientID, clientSecret string) *Gateway {
	return &Gateway{
		baseURL:    baseURL,
		clientID:   clientID,
		clientSecr: clientSecret,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

func (g *Gateway) Provider() models.Provider { return models.ProviderBitbucket }

type bbError struct {
	StatusCode int
	Body       string
}

func (e *bbError) Error() string {
	return fmt.Sprintf("bitbucket API returned HTTP %d: %s", e.StatusCode, e.Body)
}

func (g *Gateway) doJSON(ctx context.Context, method, path, accessToken string, body any, out any) error {
	var reqBody io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return errs.NewParseError("encode request", err)
		}
		reqBody = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, g.baseURL+path, reqBody)
	if err != nil {
		return errs.Wrap(err, "build request")
	}
	if accessToken != "" {
		req.Header.Set("Authorization", "Bearer "+accessToken)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return errs.NewTransientHttp(method+" "+path, err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 500 {
		return errs.NewTransientHttp(method+" "+path, &bbError{StatusCode: resp.StatusCode, Body: string(respBody)})
	}
	if resp.StatusCode >= 400 {
		return errs.Wrap(&bbError{StatusCode: resp.StatusCode, Body: string(respBody)}, method+" "+path)
	}
	if out != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, out); err != nil {
			return errs.NewParseError("decode response", err)
		}
	}
	return nil
}

type bbPullRequest struct {
	ID     int    `json:"id"`
	Author struct {
		DisplayName string `json:"display_name"`
		UUID        string `json:"uuid"`
	} `json:"author"`
	Source struct {
		Commit struct {
			Hash string `json:"hash"`
		} `json:"commit"`
	} `json:"source"`
	Destination struct {
		Commit struct {
			Hash string `json:"hash"`
		} `json:"commit"`
	} `json:"destination"`
	Links struct {
		HTML struct {
			Href string `json:"href"`
		} `json:"html"`
	} `json:"links"`
}

type bbPagedPullRequests struct {
	Values []bbPullRequest `json:"values"`
	Next   string          `json:"next"`
}

func toPRInfo(owner, repo string, pr bbPullRequest) provider.PRInfo {
	return provider.PRInfo{
		ID:         fmt.Sprintf("%d", pr.ID),
		Owner:      owner,
		Repo:       repo,
		BaseSHA:    pr.Destination.Commit.Hash,
		HeadSHA:    pr.Source.Commit.Hash,
		Author:     pr.Author.DisplayName,
		AuthorUUID: pr.Author.UUID,
		URL:        pr.Links.HTML.Href,
	}
}

func (g *Gateway) ListPRs(ctx context.Context, accessToken, owner, repo string) ([]provider.PRInfo, error) {
	path := fmt.Sprintf("/repositories/%s/%s/pullrequests?state=OPEN", url.PathEscape(owner), url.PathEscape(repo))
	var out []provider.PRInfo
	for path != "" {
		var page bbPagedPullRequests
		if err := g.doJSON(ctx, http.MethodGet, path, accessToken, nil, &page); err != nil {
			return nil, err
		}
		for _, pr := range page.Values {
			out = append(out, toPRInfo(owner, repo, pr))
		}
		path = relativePath(g.baseURL, page.Next)
	}
	return out, nil
}

func relativePath(base, next string) string {
	if next == "" {
		return ""
	}
	if len(next) > len(base) && next[:len(base)] == base {
		return next[len(base):]
	}
	return ""
}

func (g *Gateway) GetPRInfo(ctx context.Context, accessToken, owner, repo, prID string) (*provider.PRInfo, error) {
	path := fmt.Sprintf("/repositories/%s/%s/pullrequests/%s", url.PathEscape(owner), url.PathEscape(repo), prID)
	var pr bbPullRequest
	if err := g.doJSON(ctx, http.MethodGet, path, accessToken, nil, &pr); err != nil {
		return nil, err
	}
	info := toPRInfo(owner, repo, pr)
	return &info, nil
}

type bbWebhook struct {
	UUID   string   `json:"uuid"`
	URL    string   `json:"url"`
	Events []string `json:"events"`
}

type bbPagedWebhooks struct {
	Values []bbWebhook `json:"values"`
}

func (g *Gateway) ListWebhooks(ctx context.Context, accessToken, owner, repo string) ([]provider.WebhookSpec, error) {
	path := fmt.Sprintf("/repositories/%s/%s/hooks", url.PathEscape(owner), url.PathEscape(repo))
	var page bbPagedWebhooks
	if err := g.doJSON(ctx, http.MethodGet, path, accessToken, nil, &page); err != nil {
		return nil, err
	}
	var out []provider.WebhookSpec
	for _, h := range page.Values {
		out = append(out, provider.WebhookSpec{ID: h.UUID, URL: h.URL, Events: h.Events})
	}
	return out, nil
}

// webhookEvents is the fixed BB registration content from spec.md §6.
var webhookEvents = []string{"pullrequest:created", "pullrequest:updated"}

func (g *Gateway) AddWebhook(ctx context.Context, accessToken, owner, repo, callbackURL string) (*provider.WebhookSpec, error) {
	path := fmt.Sprintf("/repositories/%s/%s/hooks", url.PathEscape(owner), url.PathEscape(repo))
	body := map[string]any{
		"description": "vibinex review agent",
		"url":         callbackURL,
		"active":      true,
		"events":      webhookEvents,
	}
	var created bbWebhook
	if err := g.doJSON(ctx, http.MethodPost, path, accessToken, body, &created); err != nil {
		return nil, err
	}
	return &provider.WebhookSpec{ID: created.UUID, URL: created.URL, Events: created.Events}, nil
}

func (g *Gateway) AddComment(ctx context.Context, accessToken, owner, repo, prID, body string) error {
	path := fmt.Sprintf("/repositories/%s/%s/pullrequests/%s/comments", url.PathEscape(owner), url.PathEscape(repo), prID)
	payload := map[string]any{"content": map[string]string{"raw": body}}
	return g.doJSON(ctx, http.MethodPost, path, accessToken, payload, nil)
}

// RequestReviewers adds each handle as a reviewer by UUID, matching
// spec.md §4.5's BB auto-assign rule (dedupe on UUID, skip PR author —
// enforced by the caller before this is invoked).
func (g *Gateway) RequestReviewers(ctx context.Context, accessToken, owner, repo, prID string, handles []string) error {
	for _, uuid := range handles {
		path := fmt.Sprintf("/repositories/%s/%s/pullrequests/%s/reviewers", url.PathEscape(owner), url.PathEscape(repo), prID)
		payload := map[string]any{"uuid": uuid}
		if err := g.doJSON(ctx, http.MethodPost, path, accessToken, payload, nil); err != nil {
			return err
		}
	}
	return nil
}

type bbTokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
}

// RefreshToken exchanges the stored refresh token via the OAuth
// client_credentials-style POST named in spec.md §4.2.
func (g *Gateway) RefreshToken(ctx context.Context, record models.AuthRecord) (*provider.RefreshResult, error) {
	if record.RefreshToken == "" {
		return nil, errs.NewAuthUnavailable(string(models.ProviderBitbucket), fmt.Errorf("no refresh_token on auth record"))
	}
	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", record.RefreshToken)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "https://bitbucket.org/site/oauth2/access_token", bytes.NewBufferString(form.Encode()))
	if err != nil {
		return nil, errs.Wrap(err, "build refresh request")
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(g.clientID, g.clientSecr)

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return nil, errs.NewAuthUnavailable(string(models.ProviderBitbucket), err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 400 {
		return nil, errs.NewAuthUnavailable(string(models.ProviderBitbucket), &bbError{StatusCode: resp.StatusCode, Body: string(body)})
	}

	var tok bbTokenResponse
	if err := json.Unmarshal(body, &tok); err != nil {
		return nil, errs.NewAuthUnavailable(string(models.ProviderBitbucket), err)
	}
	return &provider.RefreshResult{
		AccessToken: tok.AccessToken,
		IssuedAt:    time.Now().Unix(),
		ExpiresIn:   tok.ExpiresIn,
	}, nil
}

type bbParticipant struct {
	Role     string `json:"role"`
	Approved bool   `json:"approved"`
	User     struct {
		DisplayName string `json:"display_name"`
	} `json:"user"`
}

func (g *Gateway) ApprovingReviewers(ctx context.Context, accessToken, owner, repo, prID string) ([]string, error) {
	path := fmt.Sprintf("/repositories/%s/%s/pullrequests/%s", url.PathEscape(owner), url.PathEscape(repo), prID)
	var pr struct {
		Participants []bbParticipant `json:"participants"`
	}
	if err := g.doJSON(ctx, http.MethodGet, path, accessToken, nil, &pr); err != nil {
		return nil, err
	}
	var handles []string
	for _, p := range pr.Participants {
		if p.Approved {
			handles = append(handles, p.User.DisplayName)
		}
	}
	return handles, nil
}
