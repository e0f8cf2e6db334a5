package bitbucket

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vibinex/review-agent/internal/errs"
	"github.com/vibinex/review-agent/internal/models"
)

func TestListPRsPaginates(t *testing.T) {
	var calls int
	mux := http.NewServeMux()
	var server *httptest.Server
	mux.HandleFunc("/repositories/acme/widgets/pullrequests", func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"values": []map[string]any{{"id": 1}},
			"next":   server.URL + "/repositories/acme/widgets/pullrequests/page2",
		})
	})
	mux.HandleFunc("/repositories/acme/widgets/pullrequests/page2", func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"values": []map[string]any{{"id": 2}}})
	})
	server = httptest.NewServer(mux)
	defer server.Close()

	g := New(server.URL, "client", "secret")
	prs, err := g.ListPRs(context.Background(), "token", "acme", "widgets")
	require.NoError(t, err)
	require.Len(t, prs, 2)
	assert.Equal(t, "1", prs[0].ID)
	assert.Equal(t, "2", prs[1].ID)
	assert.Equal(t, 2, calls)
}

func TestAddCommentPostsBody(t *testing.T) {
	var gotBody map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.WriteHeader(http.StatusCreated)
	}))
	defer server.Close()

	g := New(server.URL, "id", "secret")
	err := g.AddComment(context.Background(), "token", "acme", "widgets", "7", "hello")
	require.NoError(t, err)

	content := gotBody["content"].(map[string]any)
	assert.Equal(t, "hello", content["raw"])
}

func TestRefreshTokenRequiresRefreshToken(t *testing.T) {
	g := New("https://api.bitbucket.org/2.0", "id", "secret")
	_, err := g.RefreshToken(context.Background(), models.AuthRecord{Provider: models.ProviderBitbucket})
	require.Error(t, err)
}

func TestServerErrorIsTransient(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	g := New(server.URL, "id", "secret")
	_, err := g.ListPRs(context.Background(), "token", "acme", "widgets")
	require.Error(t, err)
	var transient *errs.TransientHttp
	assert.ErrorAs(t, err, &transient)
}
