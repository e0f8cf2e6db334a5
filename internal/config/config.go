// Package config loads the process configuration from environment
// variables and validates it once at startup, in the style of the
// Mattermost plugin's configuration.IsValid()/Clone() idiom generalized
// to a standalone process: there is no server pushing configuration
// changes here, so a Config is loaded once and is immutable thereafter.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/vibinex/review-agent/internal/errs"
	"github.com/vibinex/review-agent/internal/models"
)

// Config is the process-wide configuration, populated from the
// environment variables named in spec.md §6.
type Config struct {
	BitbucketClientID     string
	BitbucketClientSecret string
	BitbucketBaseURL      string

	GitHubAppID      string
	GitHubAppPEMPath string
	GitHubBaseURL    string
	GitHubPAT        string

	ServerURL string
	InstallID string
	Provider  models.Provider

	GCPCredentials string
	GCPProjectID   string
	PubsubTopic    string

	// LLM symbol-extraction endpoint, an external collaborator per
	// spec.md §1/§6: consumed only through internal/graph/llmclient.
	LLMBaseURL string
	LLMAPIKey  string
	LLMModel   string

	// Ambient stack, not in spec.md's table but required to run.
	LogLevel  string
	LogFormat string
	DBPath    string
	LogDir    string
}

// Load reads Config from the environment. Missing required variables
// surface as a ConfigError; the caller treats this as fatal at process
// start per spec.md §7.
func Load() (*Config, error) {
	cfg := &Config{
		BitbucketClientID:     os.Getenv("BITBUCKET_CLIENT_ID"),
		BitbucketClientSecret: os.Getenv("BITBUCKET_CLIENT_SECRET"),
		BitbucketBaseURL:      envOrDefault("BITBUCKET_BASE_URL", "https://api.bitbucket.org/2.0"),
		GitHubAppID:           os.Getenv("GITHUB_APP_ID"),
		GitHubAppPEMPath:      envOrDefault("GITHUB_APP_PEM_PATH", "/app/repoprofiler_private.pem"),
		GitHubBaseURL:         envOrDefault("GITHUB_BASE_URL", "https://api.github.com"),
		GitHubPAT:             os.Getenv("GITHUB_PAT"),
		ServerURL:             os.Getenv("SERVER_URL"),
		InstallID:             os.Getenv("INSTALL_ID"),
		Provider:              models.Provider(os.Getenv("PROVIDER")),
		GCPCredentials:        os.Getenv("GCP_CREDENTIALS"),
		GCPProjectID:          os.Getenv("GCP_PROJECT_ID"),
		PubsubTopic:           envOrDefault("PUBSUB_TOPIC", "dpu-events"),
		LLMBaseURL:            os.Getenv("LLM_BASE_URL"),
		LLMAPIKey:             os.Getenv("LLM_API_KEY"),
		LLMModel:              envOrDefault("LLM_MODEL", "gpt-4o-mini"),
		LogLevel:              envOrDefault("LOG_LEVEL", "info"),
		LogFormat:             envOrDefault("LOG_FORMAT", "json"),
		DBPath:                envOrDefault("DB_PATH", "/tmp/db/agent.db"),
		LogDir:                envOrDefault("LOG_DIR", "/tmp/logs"),
	}

	if err := cfg.IsValid(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Clone shallow-copies the configuration.
func (c *Config) Clone() *Config {
	clone := *c
	return &clone
}

// IsValid checks the required fields per the provider dominant for this
// install. A pure PAT-based self-host flow (GITHUB_PAT set) relaxes the
// GitHub App requirement.
func (c *Config) IsValid() error {
	if c.InstallID == "" {
		return errs.NewConfigError("INSTALL_ID", nil)
	}
	if c.Provider == "" {
		return errs.NewConfigError("PROVIDER", nil)
	}
	if c.Provider != models.ProviderBitbucket && c.Provider != models.ProviderGithub {
		return errs.NewConfigError("PROVIDER", fmt.Errorf("unsupported provider %q", c.Provider))
	}
	if c.ServerURL == "" {
		return errs.NewConfigError("SERVER_URL", nil)
	}
	if c.GCPCredentials == "" {
		return errs.NewConfigError("GCP_CREDENTIALS", nil)
	}
	if c.GCPProjectID == "" {
		return errs.NewConfigError("GCP_PROJECT_ID", nil)
	}

	switch c.Provider {
	case models.ProviderBitbucket:
		if c.BitbucketClientID == "" {
			return errs.NewConfigError("BITBUCKET_CLIENT_ID", nil)
		}
		if c.BitbucketClientSecret == "" {
			return errs.NewConfigError("BITBUCKET_CLIENT_SECRET", nil)
		}
	case models.ProviderGithub:
		if c.GitHubAppID == "" && c.GitHubPAT == "" {
			return errs.NewConfigError("GITHUB_APP_ID", fmt.Errorf("neither GITHUB_APP_ID nor GITHUB_PAT set"))
		}
	}
	return nil
}

func envOrDefault(name, fallback string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return fallback
}

// envOrDefaultInt parses an int env var, falling back on a parse error
// or missing value. Used by components that read numeric knobs not in
// spec.md's table (e.g. worker concurrency).
func envOrDefaultInt(name string, fallback int) int {
	v := os.Getenv(name)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return fallback
	}
	return n
}

// WorkerConcurrency bounds the PipelineOrchestrator's concurrent per-PR
// fan-out. Defaults to 8 when WORKER_CONCURRENCY is unset or invalid.
func (c *Config) WorkerConcurrency() int {
	return envOrDefaultInt("WORKER_CONCURRENCY", 8)
}
