// Package auth implements AuthCache: the persisted per-provider
// AuthRecord with timestamped expiry and refresh.
//
// The refresh *state machine* shape is grounded on
// original_source/vibi-dpu/src/db/auth.rs and bitbucket/auth.rs,
// github/auth.rs (timestamp-based expiry, JWT-from-PEM for the GH App);
// the single-attempt retry/logging texture follows a shared *http.Client
// with structured error logging at each call site.
package auth

import (
	"context"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/sirupsen/logrus"

	"github.com/vibinex/review-agent/internal/errs"
	"github.com/vibinex/review-agent/internal/models"
	"github.com/vibinex/review-agent/internal/provider"
	"github.com/vibinex/review-agent/internal/store"
)

// skew is subtracted from the expiry deadline so a token is refreshed
// slightly before the provider actually invalidates it.
const skew = 30 * time.Second

func keyFor(p models.Provider) string {
	return string(p) + "_auth_info"
}

// OriginRewriter rewrites a clone's `origin` remote URL to embed a fresh
// access token, so shell-invoked git inherits it. Implemented by
// internal/repocache; declared here to avoid a circular import.
type OriginRewriter interface {
	RewriteOrigin(provider models.Provider, accessToken string) error
}

// Cache is the AuthCache: one current AuthRecord per provider.
type Cache struct {
	store      store.Store
	registry   *provider.Registry
	rewriter   OriginRewriter
	logger     *logrus.Entry
	ghPEMPath string
	ghAppID   string
}

// New builds an AuthCache. ghPEMPath is the path to the GH App private
// key (spec.md §6: /app/repoprofiler_private.pem).
func New(st store.Store, registry *provider.Registry, rewriter OriginRewriter, logger *logrus.Logger, ghAppID, ghPEMPath string) *Cache {
	return &Cache{
		store:     st,
		registry:  registry,
		rewriter:  rewriter,
		logger:    logger.WithField("component", "auth_cache"),
		ghPEMPath: ghPEMPath,
		ghAppID:   ghAppID,
	}
}

// Current returns the persisted AuthRecord for a provider, or nil if
// none exists yet.
func (c *Cache) Current(p models.Provider) (*models.AuthRecord, error) {
	var rec models.AuthRecord
	found, err := store.GetJSON(c.store, keyFor(p), &rec)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}
	return &rec, nil
}

// fresh reports whether a record is still usable. Per spec.md §9's
// resolved Open Question: not yet expired iff expires_at > now, with
// skew added to now so a token about to lapse counts as expired. The
// inverted sense from the original source is intentionally not
// reproduced.
func fresh(rec models.AuthRecord, now time.Time) bool {
	return rec.ExpiresAt() > now.Unix()+int64(skew.Seconds())
}

// AccessToken returns a usable token for provider, refreshing at most
// once if the stored record is absent or expired. repoHint is unused by
// the refresh call itself but is accepted to match spec.md §4.2's
// signature, since a future multi-tenant AuthCache may key refresh by
// repo ownership.
func (c *Cache) AccessToken(ctx context.Context, p models.Provider, repoHint string) (string, error) {
	rec, err := c.Current(p)
	if err != nil {
		return "", err
	}

	now := time.Now()
	if rec != nil && fresh(*rec, now) {
		return rec.AccessToken, nil
	}

	return c.refresh(ctx, p, rec, now)
}

// refresh performs a single refresh attempt, as mandated by spec.md
// §4.2 ("Failure: a single refresh attempt"). Failure surfaces as
// AuthUnavailable; the caller drops the current event.
func (c *Cache) refresh(ctx context.Context, p models.Provider, prior *models.AuthRecord, now time.Time) (string, error) {
	gw, ok := c.registry.Get(p)
	if !ok {
		return "", errs.NewAuthUnavailable(string(p), errs.NewConfigError("provider gateway", nil))
	}

	var seed models.AuthRecord
	if prior != nil {
		seed = *prior
	}
	seed.Provider = p

	if p == models.ProviderGithub {
		signed, err := c.signGithubJWT(now)
		if err != nil {
			c.logger.WithError(err).Error("failed to sign github app jwt")
			return "", errs.NewAuthUnavailable(string(p), err)
		}
		seed.AccessToken = signed
	}

	result, err := gw.RefreshToken(ctx, seed)
	if err != nil {
		c.logger.WithError(err).WithField("provider", p).Error("token refresh failed")
		return "", errs.NewAuthUnavailable(string(p), err)
	}

	updated := models.AuthRecord{
		Provider:     p,
		AccessToken:  result.AccessToken,
		RefreshToken: seed.RefreshToken,
		IssuedAt:     result.IssuedAt,
		ExpiresIn:    result.ExpiresIn,
		InstallID:    seed.InstallID,
	}

	if err := store.PutJSON(c.store, keyFor(p), updated); err != nil {
		return "", err
	}

	if c.rewriter != nil {
		if err := c.rewriter.RewriteOrigin(p, updated.AccessToken); err != nil {
			c.logger.WithError(err).Warn("failed to rewrite clone origin after refresh")
		}
	}

	return updated.AccessToken, nil
}

// signGithubJWT signs an RS256 JWT from the PEM at ghPEMPath, the
// credential exchanged for an installation token (spec.md §4.2).
func (c *Cache) signGithubJWT(now time.Time) (string, error) {
	keyBytes, err := os.ReadFile(c.ghPEMPath)
	if err != nil {
		return "", errs.Wrap(err, "read github app private key")
	}
	key, err := jwt.ParseRSAPrivateKeyFromPEM(keyBytes)
	if err != nil {
		return "", errs.Wrap(err, "parse github app private key")
	}

	claims := jwt.RegisteredClaims{
		IssuedAt:  jwt.NewNumericDate(now.Add(-60 * time.Second)),
		ExpiresAt: jwt.NewNumericDate(now.Add(9 * time.Minute)),
		Issuer:    c.ghAppID,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	return token.SignedString(key)
}

// SaveSeed persists an initial AuthRecord, used by the install flow when
// an OAuth/App exchange happens outside AccessToken's refresh path (e.g.
// the very first BB OAuth callback).
func (c *Cache) SaveSeed(rec models.AuthRecord) error {
	return store.PutJSON(c.store, keyFor(rec.Provider), rec)
}
