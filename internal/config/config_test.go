package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	require.Equal(t, 8080, cfg.Server.Port)
	require.Equal(t, 3, cfg.Crawler.MaxRetries)
	require.Equal(t, 30*time.Second, cfg.FetchTimeout())
	require.Equal(t, time.Second, cfg.BackoffBase())
	require.Equal(t, 8, cfg.Scheduler.MaxConcurrentJobs)
	require.Equal(t, 15*time.Second, cfg.SupervisorInterval())
	require.Empty(t, cfg.DB.DSN)
	require.True(t, cfg.Logging.Development)
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := []byte(`
server:
  port: 9090
crawler:
  max_retries: 5
  user_agent: probe/2.0
scheduler:
  max_concurrent_jobs: 2
db:
  dsn: postgres://localhost/apicrawl
auth:
  enabled: true
  api_key: sekrit
`)
	require.NoError(t, os.WriteFile(path, data, 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 9090, cfg.Server.Port)
	require.Equal(t, 5, cfg.Crawler.MaxRetries)
	require.Equal(t, "probe/2.0", cfg.Crawler.UserAgent)
	require.Equal(t, 2, cfg.Scheduler.MaxConcurrentJobs)
	require.Equal(t, "postgres://localhost/apicrawl", cfg.DB.DSN)
	require.True(t, cfg.Auth.Enabled)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}

func TestValidateRejectsBadValues(t *testing.T) {
	base := func() Config {
		cfg, err := Load("")
		require.NoError(t, err)
		return cfg
	}

	cfg := base()
	cfg.Server.Port = 0
	require.Error(t, cfg.Validate())

	cfg = base()
	cfg.Crawler.MaxRetries = 0
	require.Error(t, cfg.Validate())

	cfg = base()
	cfg.Scheduler.MaxConcurrentJobs = -1
	require.Error(t, cfg.Validate())

	cfg = base()
	cfg.Auth.Enabled = true
	cfg.Auth.APIKey = ""
	require.Error(t, cfg.Validate())
}
