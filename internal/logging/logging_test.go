package logging

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSweepOldLogsRemovesStaleFiles(t *testing.T) {
	dir := t.TempDir()

	old := filepath.Join(dir, "agent.log.1")
	fresh := filepath.Join(dir, "agent.log")
	require.NoError(t, os.WriteFile(old, []byte("old"), 0o644))
	require.NoError(t, os.WriteFile(fresh, []byte("fresh"), 0o644))

	staleTime := time.Now().Add(-8 * 24 * time.Hour)
	require.NoError(t, os.Chtimes(old, staleTime, staleTime))

	logger := logrus.New()
	logger.SetOutput(os.Stderr)

	sweepOldLogs(logger, dir, 7*24*time.Hour)

	_, err := os.Stat(old)
	assert.True(t, os.IsNotExist(err))

	_, err = os.Stat(fresh)
	assert.NoError(t, err)
}

func TestNewBuildsLoggerWithRequestedLevel(t *testing.T) {
	dir := t.TempDir()
	logger := New("debug", "text", dir)
	assert.Equal(t, logrus.DebugLevel, logger.GetLevel())
}
