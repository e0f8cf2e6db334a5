package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func withEnv(t *testing.T, kv map[string]string) {
	t.Helper()
	for k, v := range kv {
		t.Setenv(k, v)
	}
}

func baseEnv() map[string]string {
	return map[string]string{
		"INSTALL_ID":             "install-123",
		"PROVIDER":               "github",
		"SERVER_URL":             "https://dpu.example.com",
		"GCP_CREDENTIALS":        "/app/config/gcp.json",
		"GCP_PROJECT_ID":         "vibinex-prod",
		"GITHUB_APP_ID":          "98765",
	}
}

func TestLoadValidGithub(t *testing.T) {
	withEnv(t, baseEnv())
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "install-123", cfg.InstallID)
	assert.Equal(t, "https://api.github.com", cfg.GitHubBaseURL)
}

func TestLoadMissingInstallID(t *testing.T) {
	env := baseEnv()
	delete(env, "INSTALL_ID")
	withEnv(t, env)
	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "INSTALL_ID")
}

func TestLoadUnsupportedProvider(t *testing.T) {
	env := baseEnv()
	env["PROVIDER"] = "gitlab"
	withEnv(t, env)
	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported provider")
}

func TestLoadGithubRequiresAppIDOrPAT(t *testing.T) {
	env := baseEnv()
	delete(env, "GITHUB_APP_ID")
	withEnv(t, env)
	_, err := Load()
	require.Error(t, err)

	env["GITHUB_PAT"] = "ghp_abc"
	withEnv(t, env)
	_, err = Load()
	require.NoError(t, err)
}

func TestLoadBitbucketRequiresClientCreds(t *testing.T) {
	env := baseEnv()
	env["PROVIDER"] = "bitbucket"
	withEnv(t, env)
	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "BITBUCKET_CLIENT_ID")

	env["BITBUCKET_CLIENT_ID"] = "id"
	env["BITBUCKET_CLIENT_SECRET"] = "secret"
	withEnv(t, env)
	_, err = Load()
	require.NoError(t, err)
}

func TestWorkerConcurrencyDefault(t *testing.T) {
	withEnv(t, baseEnv())
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 8, cfg.WorkerConcurrency())
}
