package main

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vibinex/review-agent/internal/config"
	"github.com/vibinex/review-agent/internal/models"
)

func TestHandleHealthzReportsUptime(t *testing.T) {
	startedAt := time.Now().Add(-5 * time.Second)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()

	handleHealthz(startedAt)(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var body healthzResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body.Status)
	assert.NotEmpty(t, body.Uptime)
}

func TestHandleDebugConfigOmitsSecrets(t *testing.T) {
	cfg := &config.Config{
		InstallID:             "install-1",
		Provider:              models.ProviderGithub,
		ServerURL:             "https://app.example.com",
		BitbucketClientSecret: "super-secret",
		GitHubAppPEMPath:      "/app/repoprofiler_private.pem",
	}
	req := httptest.NewRequest(http.MethodGet, "/debug/config", nil)
	rec := httptest.NewRecorder()

	handleDebugConfig(cfg)(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "install-1", body["install_id"])
	assert.Equal(t, string(models.ProviderGithub), body["provider"])
	assert.Equal(t, "https://app.example.com", body["server_url"])
	assert.NotContains(t, body, "bitbucket_client_secret")
	assert.NotContains(t, body, "BitbucketClientSecret")
}

func TestLogrusExtractorLoggerDebugfDoesNotPanic(t *testing.T) {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	l := logrusExtractorLogger{logger: logger}
	l.Debugf("attempt %d failed: %v", 1, "boom")
}
