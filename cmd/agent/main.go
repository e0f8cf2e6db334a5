// Command agent is the standalone process bootstrap, replacing the
// Mattermost plugin's OnActivate with a plain main() wiring every
// component named in spec.md: load configuration, open the KV store,
// build the provider registry and every component, then start
// the event listener and a small HTTP surface for health and debug
// introspection.
package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/vibinex/review-agent/internal/auth"
	"github.com/vibinex/review-agent/internal/config"
	"github.com/vibinex/review-agent/internal/diffengine"
	"github.com/vibinex/review-agent/internal/graph"
	"github.com/vibinex/review-agent/internal/graph/llmclient"
	"github.com/vibinex/review-agent/internal/listener"
	"github.com/vibinex/review-agent/internal/logging"
	"github.com/vibinex/review-agent/internal/orchestrator"
	"github.com/vibinex/review-agent/internal/provider"
	"github.com/vibinex/review-agent/internal/provider/bitbucket"
	"github.com/vibinex/review-agent/internal/provider/github"
	"github.com/vibinex/review-agent/internal/publisher"
	"github.com/vibinex/review-agent/internal/relevance"
	"github.com/vibinex/review-agent/internal/repocache"
	"github.com/vibinex/review-agent/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logrus.WithError(err).Fatal("invalid configuration")
	}

	logger := logging.New(cfg.LogLevel, cfg.LogFormat, cfg.LogDir)
	logger.WithFields(logrus.Fields{
		"install_id": cfg.InstallID,
		"provider":   cfg.Provider,
	}).Info("starting review agent")

	st, err := store.Open(cfg.DBPath)
	if err != nil {
		logger.WithError(err).Fatal("failed to open store")
	}
	defer st.Close()

	registry := provider.NewRegistry()
	registry.Register(github.New(cfg.GitHubBaseURL))
	registry.Register(bitbucket.New(cfg.BitbucketBaseURL, cfg.BitbucketClientID, cfg.BitbucketClientSecret))

	repos := repocache.New(st, "/tmp")
	authCache := auth.New(st, registry, repos, logger, cfg.GitHubAppID, cfg.GitHubAppPEMPath)
	diffs := diffengine.New(logger)
	pub := publisher.New(cfg.ServerURL, registry, st, logger)
	relevanceCalc := relevance.New(st, pub)

	extractor := graph.NewExtractor(llmclient.NewClient(cfg.LLMBaseURL, cfg.LLMAPIKey, cfg.LLMModel,
		llmclient.WithLogger(logrusExtractorLogger{logger})))
	graphs := graph.NewBuilder(repos, diffs, st, extractor, logger)

	orch := orchestrator.New(st, authCache, repos, diffs, relevanceCalc, graphs, registry, pub, logger, cfg.WorkerConcurrency(), cfg.ServerURL)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logging.StartCleanup(ctx, logger, cfg.LogDir, 7*24*time.Hour)

	lst, err := listener.New(ctx, cfg.GCPProjectID, cfg.GCPCredentials, cfg.PubsubTopic, orch, pub, logger)
	if err != nil {
		logger.WithError(err).Fatal("failed to build event listener")
	}
	defer lst.Close()

	go func() {
		if err := lst.Listen(ctx); err != nil && ctx.Err() == nil {
			logger.WithError(err).Error("event listener stopped unexpectedly")
		}
	}()

	startedAt := time.Now()
	router := mux.NewRouter()
	router.HandleFunc("/healthz", handleHealthz(startedAt)).Methods(http.MethodGet)
	router.HandleFunc("/debug/config", handleDebugConfig(cfg)).Methods(http.MethodGet)

	srv := &http.Server{
		Addr:              ":8090",
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Error("http server stopped unexpectedly")
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown signal received, draining")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
}

type healthzResponse struct {
	Status string `json:"status"`
	Uptime string `json:"uptime"`
}

func handleHealthz(startedAt time.Time) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(healthzResponse{
			Status: "ok",
			Uptime: time.Since(startedAt).String(),
		})
	}
}

func handleDebugConfig(cfg *config.Config) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"install_id": cfg.InstallID,
			"provider":   cfg.Provider,
			"server_url": cfg.ServerURL,
		})
	}
}

// logrusExtractorLogger adapts *logrus.Logger to llmclient.Logger.
type logrusExtractorLogger struct {
	logger *logrus.Logger
}

func (l logrusExtractorLogger) Debugf(format string, args ...any) {
	l.logger.Debugf(format, args...)
}
