package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TheMichaelB/parksync/internal/config"
)

func TestDefaultConfig(t *testing.T) {
	cfg := config.DefaultConfig()

	assert.NotEmpty(t, cfg.API.BaseURL)
	assert.Positive(t, cfg.API.Timeout)
	assert.Equal(t, 50, cfg.Queue.MaxItems)
	assert.Equal(t, 24*time.Hour, cfg.Queue.TTL)
	assert.Equal(t, 3, cfg.Queue.MaxAttempts)
	assert.Equal(t, 5*time.Minute, cfg.Edge.PrivateTTL)
	assert.Equal(t, 150, cfg.Edge.TileMaxEntries)
	assert.Equal(t, "/offline/", cfg.Edge.OfflineURL)
	assert.Empty(t, cfg.Edge.Upstream, "edge follows api.base_url unless set")
	assert.Equal(t, "info", cfg.Log.Level)
	assert.NoError(t, cfg.Validate())
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*config.Config)
		wantErr string
	}{
		{
			name:    "valid config",
			modify:  func(c *config.Config) {},
			wantErr: "",
		},
		{
			name: "missing base URL",
			modify: func(c *config.Config) {
				c.API.BaseURL = ""
			},
			wantErr: "api.base_url is required",
		},
		{
			name: "invalid log level",
			modify: func(c *config.Config) {
				c.Log.Level = "invalid"
			},
			wantErr: "invalid log level",
		},
		{
			name: "negative timeout",
			modify: func(c *config.Config) {
				c.API.Timeout = -1
			},
			wantErr: "api.timeout must be positive",
		},
		{
			name: "unknown storage driver",
			modify: func(c *config.Config) {
				c.Storage.Driver = "indexeddb"
			},
			wantErr: "invalid storage driver",
		},
		{
			name: "s3 without bucket",
			modify: func(c *config.Config) {
				c.Storage.Driver = "s3"
			},
			wantErr: "storage.s3_bucket is required",
		},
		{
			name: "zero queue cap",
			modify: func(c *config.Config) {
				c.Queue.MaxItems = 0
			},
			wantErr: "queue.max_items must be positive",
		},
		{
			name: "sqlite edge without dsn",
			modify: func(c *config.Config) {
				c.Edge.Driver = "sqlite"
			},
			wantErr: "edge.dsn is required",
		},
		{
			name: "missing app version",
			modify: func(c *config.Config) {
				c.Edge.AppVersion = ""
			},
			wantErr: "edge.app_version is required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.DefaultConfig()
			tt.modify(cfg)

			err := cfg.Validate()
			if tt.wantErr != "" {
				assert.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestLoaderEnv(t *testing.T) {
	t.Setenv("PARKSYNC_API_BASE_URL", "https://test.example.com")
	t.Setenv("PARKSYNC_API_TIMEOUT", "45s")
	t.Setenv("PARKSYNC_LOG_LEVEL", "DEBUG")
	t.Setenv("PARKSYNC_QUEUE_MAX_ITEMS", "10")
	t.Setenv("PARKSYNC_EDGE_APP_VERSION", "2024.10.1")

	loader := config.NewLoader("")
	cfg, err := loader.Load()

	require.NoError(t, err)
	assert.Equal(t, "https://test.example.com", cfg.API.BaseURL)
	assert.Equal(t, 45*time.Second, cfg.API.Timeout)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, 10, cfg.Queue.MaxItems)
	assert.Equal(t, "2024.10.1", cfg.Edge.AppVersion)
	// Untouched settings keep their defaults
	assert.Equal(t, 24*time.Hour, cfg.Queue.TTL)
}

func TestLoaderFile(t *testing.T) {
	tmpDir := t.TempDir()

	t.Run("json", func(t *testing.T) {
		configPath := filepath.Join(tmpDir, "parksync.json")
		configJSON := `{
			"api": {
				"base_url": "https://file.example.com"
			},
			"log": {
				"level": "warn",
				"format": "json"
			}
		}`
		require.NoError(t, os.WriteFile(configPath, []byte(configJSON), 0644))

		cfg, err := config.NewLoader(configPath).Load()
		require.NoError(t, err)
		assert.Equal(t, "https://file.example.com", cfg.API.BaseURL)
		assert.Equal(t, "warn", cfg.Log.Level)
		assert.Equal(t, "json", cfg.Log.Format)
	})

	t.Run("yaml", func(t *testing.T) {
		configPath := filepath.Join(tmpDir, "parksync.yaml")
		configYAML := `
edge:
  app_version: "2025.01.0"
  private_ttl: 2m
  tile_max_entries: 10
storage:
  driver: sqlite
  data_dir: /tmp/parksync-yaml
`
		require.NoError(t, os.WriteFile(configPath, []byte(configYAML), 0644))

		cfg, err := config.NewLoader(configPath).Load()
		require.NoError(t, err)
		assert.Equal(t, "2025.01.0", cfg.Edge.AppVersion)
		assert.Equal(t, 2*time.Minute, cfg.Edge.PrivateTTL)
		assert.Equal(t, 10, cfg.Edge.TileMaxEntries)
		assert.Equal(t, "sqlite", cfg.Storage.Driver)
		assert.Equal(t, filepath.Join("/tmp/parksync-yaml", "state.db"), cfg.Storage.SQLitePath)
	})

	t.Run("missing explicit file", func(t *testing.T) {
		_, err := config.NewLoader(filepath.Join(tmpDir, "nope.json")).Load()
		assert.Error(t, err)
	})
}

func TestConfigEnsureDirectories(t *testing.T) {
	tmpDir := t.TempDir()
	cfg := config.DefaultConfig()
	cfg.Storage.DataDir = filepath.Join(tmpDir, "data")
	cfg.Storage.StateDir = filepath.Join(tmpDir, "data", "state")
	cfg.Log.File = filepath.Join(tmpDir, "logs", "app.log")

	err := cfg.EnsureDirectories()
	require.NoError(t, err)

	assert.DirExists(t, cfg.Storage.DataDir)
	assert.DirExists(t, cfg.Storage.StateDir)
	assert.DirExists(t, filepath.Dir(cfg.Log.File))
}
