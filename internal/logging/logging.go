// Package logging configures the process-wide structured logger:
// key/value fields rather than interpolated strings, realized here as
// logrus.Fields attached to a *logrus.Entry threaded through a PR's
// processing.
package logging

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"
	lumberjack "gopkg.in/natefinch/lumberjack.v2"
)

// New builds the process-wide logger. format is "json" (default,
// production) or "text" (LOG_FORMAT=text). Output is split across
// stderr and a rotating file under logDir, matching original_source's
// logger/init.rs writing to /tmp/logs.
func New(level, format, logDir string) *logrus.Logger {
	logger := logrus.New()

	switch format {
	case "text":
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	default:
		logger.SetFormatter(&logrus.JSONFormatter{})
	}

	if lvl, err := logrus.ParseLevel(level); err == nil {
		logger.SetLevel(lvl)
	} else {
		logger.SetLevel(logrus.InfoLevel)
	}

	rotator := &lumberjack.Logger{
		Filename:   filepath.Join(logDir, "agent.log"),
		MaxSize:    50, // megabytes
		MaxBackups: 10,
		MaxAge:     7, // days
		Compress:   true,
	}
	logger.SetOutput(io.MultiWriter(os.Stderr, rotator))

	return logger
}

// WithCorrelation attaches the correlation fields named in SPEC_FULL.md
// section A: db_key, base_sha/head_sha, provider, owner, repo.
func WithCorrelation(logger *logrus.Logger, dbKey, baseSHA, headSHA, provider, owner, repo string) *logrus.Entry {
	return logger.WithFields(logrus.Fields{
		"db_key":   dbKey,
		"base_sha": baseSHA,
		"head_sha": headSHA,
		"provider": provider,
		"owner":    owner,
		"repo":     repo,
	})
}

// StartCleanup launches a daily goroutine trimming files under logDir
// older than maxAge, adapted from original_source's logger/cleanup.rs.
// It runs until ctx is cancelled.
func StartCleanup(ctx context.Context, logger *logrus.Logger, logDir string, maxAge time.Duration) {
	go func() {
		ticker := time.NewTicker(24 * time.Hour)
		defer ticker.Stop()
		for {
			sweepOldLogs(logger, logDir, maxAge)
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
}

func sweepOldLogs(logger *logrus.Logger, logDir string, maxAge time.Duration) {
	entries, err := os.ReadDir(logDir)
	if err != nil {
		logger.WithError(err).WithField("log_dir", logDir).Warn("log cleanup: failed to read directory")
		return
	}
	cutoff := time.Now().Add(-maxAge)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			path := filepath.Join(logDir, entry.Name())
			if err := os.Remove(path); err != nil {
				logger.WithError(err).WithField("path", path).Warn("log cleanup: failed to remove stale log")
			}
		}
	}
}
