package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.HTTP.Addr)
	assert.Equal(t, 15*time.Second, cfg.Scheduler.Tick)
	assert.Equal(t, 10, cfg.Scheduler.MaxFailures)
	assert.Equal(t, 300*time.Millisecond, cfg.Sender.BatchWait)
	assert.Equal(t, 5, cfg.Sender.FlushAttempts)
	require.Contains(t, cfg.Platforms, "aramex")
	assert.Equal(t, 3, cfg.Platforms["aramex"].Breaker.FailThreshold)
	assert.Equal(t, 24*time.Hour, cfg.Webhooks.DedupeTTL)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, "0 3 * * *", cfg.Scheduler.CleanupCron)
	assert.Equal(t, 168*time.Hour, cfg.Scheduler.Retention)
}

func TestLoadMergesFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("http:\n  addr: \":9090\"\nscheduler:\n  workers: 2\n"), 0o600))

	t.Setenv("ERPHUB_SECURITY_MASTER_KEY", "from-env")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.HTTP.Addr)
	assert.Equal(t, 2, cfg.Scheduler.Workers)
	assert.Equal(t, 100, cfg.Scheduler.BatchSize)
	assert.Equal(t, "from-env", cfg.Security.MasterKey)
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"),
		[]byte("ERPHUB_SECURITY_KEY_ID=dotenv-key\nERPHUB_HTTP_ADDR=:7070\n"), 0o600))
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(wd) })
	t.Cleanup(func() { _ = os.Unsetenv("ERPHUB_SECURITY_KEY_ID") })
	t.Setenv("ERPHUB_HTTP_ADDR", ":6060")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "dotenv-key", cfg.Security.KeyID)
	assert.Equal(t, ":6060", cfg.HTTP.Addr, "process env wins over .env")
}
