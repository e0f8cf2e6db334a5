package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vibinex/review-agent/internal/auth"
	"github.com/vibinex/review-agent/internal/diffengine"
	"github.com/vibinex/review-agent/internal/graph"
	"github.com/vibinex/review-agent/internal/models"
	"github.com/vibinex/review-agent/internal/provider"
	"github.com/vibinex/review-agent/internal/publisher"
	"github.com/vibinex/review-agent/internal/relevance"
	"github.com/vibinex/review-agent/internal/repocache"
	"github.com/vibinex/review-agent/internal/store"
)

type stubBitbucketGateway struct {
	prs       []provider.PRInfo
	assigned  []string
	approvers []string
}

func (g *stubBitbucketGateway) Provider() models.Provider { return models.ProviderBitbucket }
func (g *stubBitbucketGateway) ListPRs(ctx context.Context, accessToken, owner, repo string) ([]provider.PRInfo, error) {
	return g.prs, nil
}
func (g *stubBitbucketGateway) GetPRInfo(ctx context.Context, accessToken, owner, repo, prID string) (*provider.PRInfo, error) {
	for _, pr := range g.prs {
		if pr.ID == prID {
			return &pr, nil
		}
	}
	return &provider.PRInfo{ID: prID, Owner: owner, Repo: repo}, nil
}
func (g *stubBitbucketGateway) ListWebhooks(ctx context.Context, accessToken, owner, repo string) ([]provider.WebhookSpec, error) {
	return nil, nil
}
func (g *stubBitbucketGateway) AddWebhook(ctx context.Context, accessToken, owner, repo, callbackURL string) (*provider.WebhookSpec, error) {
	return &provider.WebhookSpec{ID: "hook-1", URL: callbackURL}, nil
}
func (g *stubBitbucketGateway) AddComment(ctx context.Context, accessToken, owner, repo, prID, body string) error {
	return nil
}
func (g *stubBitbucketGateway) RequestReviewers(ctx context.Context, accessToken, owner, repo, prID string, handles []string) error {
	g.assigned = append(g.assigned, handles...)
	return nil
}
func (g *stubBitbucketGateway) RefreshToken(ctx context.Context, record models.AuthRecord) (*provider.RefreshResult, error) {
	return &provider.RefreshResult{AccessToken: "refreshed", IssuedAt: time.Now().Unix(), ExpiresIn: 3600}, nil
}
func (g *stubBitbucketGateway) ApprovingReviewers(ctx context.Context, accessToken, owner, repo, prID string) ([]string, error) {
	return g.approvers, nil
}

func newTestBitbucketOrchestrator(t *testing.T) (*Orchestrator, *stubBitbucketGateway, store.Store) {
	t.Helper()
	st, err := store.Open(t.TempDir() + "/kv.db")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)

	registry := provider.NewRegistry()
	gw := &stubBitbucketGateway{}
	registry.Register(gw)

	repos := repocache.New(st, t.TempDir())
	authCache := auth.New(st, registry, repos, logger, "", "")
	require.NoError(t, authCache.SaveSeed(models.AuthRecord{
		Provider:    models.ProviderBitbucket,
		AccessToken: "seed-token",
		IssuedAt:    time.Now().Unix(),
		ExpiresIn:   3600,
	}))

	diffs := diffengine.New(logger)
	relevanceCalc := relevance.New(st, nil)
	extractor := &noopExtractor{}
	graphs := graph.NewBuilder(repos, diffs, st, extractor, logger)
	publish := publisher.New("http://unused.invalid", registry, st, logger)

	orch := New(st, authCache, repos, diffs, relevanceCalc, graphs, registry, publish, logger, 4, "http://server.invalid")
	return orch, gw, st
}

func TestWorkspaceUserIndexRoundTrip(t *testing.T) {
	orch, _, _ := newTestBitbucketOrchestrator(t)

	require.NoError(t, orch.indexWorkspaceUser("Alice Smith", "uuid-alice"))

	uuid, ok, err := orch.lookupWorkspaceUser("Alice Smith")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "uuid-alice", uuid)

	_, ok, err = orch.lookupWorkspaceUser("Unknown Person")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestIndexWorkspaceUsersFromPRsSkipsBlankUUID(t *testing.T) {
	orch, _, _ := newTestBitbucketOrchestrator(t)

	orch.indexWorkspaceUsersFromPRs([]provider.PRInfo{
		{Author: "Alice Smith", AuthorUUID: "uuid-alice"},
		{Author: "No UUID Author", AuthorUUID: ""},
	})

	_, ok, err := orch.lookupWorkspaceUser("Alice Smith")
	require.NoError(t, err)
	assert.True(t, ok)

	_, ok, err = orch.lookupWorkspaceUser("No UUID Author")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestAssignReviewersResolvesBitbucketDisplayNamesToUUIDs(t *testing.T) {
	orch, gw, _ := newTestBitbucketOrchestrator(t)
	require.NoError(t, orch.indexWorkspaceUser("Alice Smith", "uuid-alice"))

	review := models.Review{Provider: models.ProviderBitbucket, Owner: "acme", Repo: "widgets", PRID: "1", Author: "pr-author"}
	records := []models.RelevanceRecord{
		{GitAlias: "alice@example.com", Percentage: 75, Handles: []string{"Alice Smith"}},
		{GitAlias: "ghost@example.com", Percentage: 25, Handles: []string{"Ghost Person"}},
	}

	require.NoError(t, orch.assignReviewers(context.Background(), review, "token", records))

	require.Len(t, gw.assigned, 1, "the unresolvable handle must be dropped, not sent as a bare display name")
	assert.Equal(t, "uuid-alice", gw.assigned[0])
}
