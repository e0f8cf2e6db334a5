package auth

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vibinex/review-agent/internal/errs"
	"github.com/vibinex/review-agent/internal/models"
	"github.com/vibinex/review-agent/internal/provider"
	"github.com/vibinex/review-agent/internal/store"
)

type fakeGateway struct {
	provider      models.Provider
	refreshCalls  int
	nextToken     string
	refreshErr    error
}

func (f *fakeGateway) Provider() models.Provider { return f.provider }
func (f *fakeGateway) ListPRs(ctx context.Context, accessToken, owner, repo string) ([]provider.PRInfo, error) {
	return nil, nil
}
func (f *fakeGateway) GetPRInfo(ctx context.Context, accessToken, owner, repo, prID string) (*provider.PRInfo, error) {
	return nil, nil
}
func (f *fakeGateway) ListWebhooks(ctx context.Context, accessToken, owner, repo string) ([]provider.WebhookSpec, error) {
	return nil, nil
}
func (f *fakeGateway) AddWebhook(ctx context.Context, accessToken, owner, repo, callbackURL string) (*provider.WebhookSpec, error) {
	return nil, nil
}
func (f *fakeGateway) AddComment(ctx context.Context, accessToken, owner, repo, prID, body string) error {
	return nil
}
func (f *fakeGateway) RequestReviewers(ctx context.Context, accessToken, owner, repo, prID string, handles []string) error {
	return nil
}
func (f *fakeGateway) ApprovingReviewers(ctx context.Context, accessToken, owner, repo, prID string) ([]string, error) {
	return nil, nil
}
func (f *fakeGateway) RefreshToken(ctx context.Context, record models.AuthRecord) (*provider.RefreshResult, error) {
	f.refreshCalls++
	if f.refreshErr != nil {
		return nil, f.refreshErr
	}
	return &provider.RefreshResult{
		AccessToken: f.nextToken,
		IssuedAt:    time.Now().Unix(),
		ExpiresIn:   3600,
	}, nil
}

type fakeRewriter struct {
	rewritten map[models.Provider]string
}

func (r *fakeRewriter) RewriteOrigin(p models.Provider, token string) error {
	if r.rewritten == nil {
		r.rewritten = make(map[models.Provider]string)
	}
	r.rewritten[p] = token
	return nil
}

func newTestCache(t *testing.T, gw *fakeGateway, rewriter *fakeRewriter) *Cache {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "agent.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	reg := provider.NewRegistry()
	reg.Register(gw)

	logger := logrus.New()
	return New(st, reg, rewriter, logger, "", "")
}

// Scenario 4 from spec.md §8: issued_at = now-3600, expires_in = 3600
// triggers exactly one refresh; the returned token differs from the
// old one; origin is rewritten before the next git pull.
func TestTokenExpiryTriggersExactlyOneRefresh(t *testing.T) {
	gw := &fakeGateway{provider: models.ProviderBitbucket, nextToken: "new-token"}
	rewriter := &fakeRewriter{}
	cache := newTestCache(t, gw, rewriter)

	require.NoError(t, cache.SaveSeed(models.AuthRecord{
		Provider:    models.ProviderBitbucket,
		AccessToken: "old-token",
		IssuedAt:    time.Now().Unix() - 3600,
		ExpiresIn:   3600,
	}))

	token, err := cache.AccessToken(context.Background(), models.ProviderBitbucket, "acme/widgets")
	require.NoError(t, err)

	assert.Equal(t, "new-token", token)
	assert.NotEqual(t, "old-token", token)
	assert.Equal(t, 1, gw.refreshCalls)
	assert.Equal(t, "new-token", rewriter.rewritten[models.ProviderBitbucket])
}

func TestFreshTokenSkipsRefresh(t *testing.T) {
	gw := &fakeGateway{provider: models.ProviderBitbucket, nextToken: "new-token"}
	cache := newTestCache(t, gw, nil)

	require.NoError(t, cache.SaveSeed(models.AuthRecord{
		Provider:    models.ProviderBitbucket,
		AccessToken: "still-good",
		IssuedAt:    time.Now().Unix(),
		ExpiresIn:   3600,
	}))

	token, err := cache.AccessToken(context.Background(), models.ProviderBitbucket, "acme/widgets")
	require.NoError(t, err)
	assert.Equal(t, "still-good", token)
	assert.Equal(t, 0, gw.refreshCalls)
}

func TestRefreshFailureSurfacesAuthUnavailable(t *testing.T) {
	gw := &fakeGateway{provider: models.ProviderBitbucket, refreshErr: assertErr{}}
	cache := newTestCache(t, gw, nil)

	_, err := cache.AccessToken(context.Background(), models.ProviderBitbucket, "acme/widgets")
	require.Error(t, err)

	var unavailable *errs.AuthUnavailable
	assert.ErrorAs(t, err, &unavailable)
}

type assertErr struct{}

func (assertErr) Error() string { return "refresh failed" }

// FreshnessInvariant mirrors spec.md §8's "Auth freshness" property
// directly against the fresh() helper.
func TestFreshnessInvariant(t *testing.T) {
	now := time.Now()
	rec := models.AuthRecord{IssuedAt: now.Unix() - 100, ExpiresIn: 200}
	assert.True(t, fresh(rec, now))

	expired := models.AuthRecord{IssuedAt: now.Unix() - 200, ExpiresIn: 100}
	assert.False(t, fresh(expired, now))
}
