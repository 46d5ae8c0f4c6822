package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Config holds all application configuration.
type Config struct {
	// Backend API
	API APIConfig `json:"api" mapstructure:"api"`

	// Persistent client storage
	Storage StorageConfig `json:"storage" mapstructure:"storage"`

	// Offline action queue bounds
	Queue QueueConfig `json:"queue" mapstructure:"queue"`

	// API client read cache
	Cache CacheConfig `json:"cache" mapstructure:"cache"`

	// Edge cache manager (service worker)
	Edge EdgeConfig `json:"edge" mapstructure:"edge"`

	// Sync coordinator
	Sync SyncConfig `json:"sync" mapstructure:"sync"`

	// Logging
	Log LogConfig `json:"log" mapstructure:"log"`

	// Prometheus exposition
	Metrics MetricsConfig `json:"metrics" mapstructure:"metrics"`
}

// APIConfig for backend communication.
type APIConfig struct {
	BaseURL            string        `json:"base_url" mapstructure:"base_url"`
	Timeout            time.Duration `json:"timeout" mapstructure:"timeout"`
	UserAgent          string        `json:"user_agent" mapstructure:"user_agent"`
	InsecureSkipVerify bool          `json:"insecure_skip_verify" mapstructure:"insecure_skip_verify"`
}

// StorageConfig selects where client state is persisted.
type StorageConfig struct {
	Driver     string `json:"driver" mapstructure:"driver"`           // json, sqlite, s3, memory
	DataDir    string `json:"data_dir" mapstructure:"data_dir"`       // Base directory for all data
	StateDir   string `json:"state_dir" mapstructure:"state_dir"`     // JSON store directory
	SQLitePath string `json:"sqlite_path" mapstructure:"sqlite_path"` // SQLite store file

	S3Bucket    string `json:"s3_bucket" mapstructure:"s3_bucket"`
	S3Prefix    string `json:"s3_prefix" mapstructure:"s3_prefix"`
	S3Region    string `json:"s3_region" mapstructure:"s3_region"`
	S3Endpoint  string `json:"s3_endpoint" mapstructure:"s3_endpoint"`
	S3PathStyle bool   `json:"s3_path_style" mapstructure:"s3_path_style"`
}

// QueueConfig bounds the offline action queue.
type QueueConfig struct {
	MaxItems    int           `json:"max_items" mapstructure:"max_items"`
	TTL         time.Duration `json:"ttl" mapstructure:"ttl"`
	MaxAttempts int           `json:"max_attempts" mapstructure:"max_attempts"`
}

// CacheConfig for the API client's short-lived read cache.
type CacheConfig struct {
	MaxEntries           int           `json:"max_entries" mapstructure:"max_entries"`
	DefaultTTL           time.Duration `json:"default_ttl" mapstructure:"default_ttl"`
	SpotsTTL             time.Duration `json:"spots_ttl" mapstructure:"spots_ttl"`
	MapTTL               time.Duration `json:"map_ttl" mapstructure:"map_ttl"`
	AIRecommendationsTTL time.Duration `json:"ai_recommendations_ttl" mapstructure:"ai_recommendations_ttl"`
	AIStressTTL          time.Duration `json:"ai_stress_ttl" mapstructure:"ai_stress_ttl"`
}

// EdgeConfig for the service worker cache manager.
type EdgeConfig struct {
	Listen      string `json:"listen" mapstructure:"listen"`
	Upstream    string `json:"upstream" mapstructure:"upstream"`
	AppVersion  string `json:"app_version" mapstructure:"app_version"`
	CachePrefix string `json:"cache_prefix" mapstructure:"cache_prefix"`
	OfflineURL  string `json:"offline_url" mapstructure:"offline_url"`

	Driver string `json:"driver" mapstructure:"driver"` // memory, sqlite, postgres
	DSN    string `json:"dsn" mapstructure:"dsn"`

	PrivateTTL        time.Duration `json:"private_ttl" mapstructure:"private_ttl"`
	PrivateMaxEntries int           `json:"private_max_entries" mapstructure:"private_max_entries"`
	TileMaxEntries    int           `json:"tile_max_entries" mapstructure:"tile_max_entries"`
	PrecacheURLs      []string      `json:"precache_urls" mapstructure:"precache_urls"`
	ShellURLs         []string      `json:"shell_urls" mapstructure:"shell_urls"`

	SyncQueueMax    int           `json:"sync_queue_max" mapstructure:"sync_queue_max"`
	SyncQueueTTL    time.Duration `json:"sync_queue_ttl" mapstructure:"sync_queue_ttl"`
	SyncMaxAttempts int           `json:"sync_max_attempts" mapstructure:"sync_max_attempts"`
}

// SyncConfig for the sync coordinator.
type SyncConfig struct {
	Interval time.Duration `json:"interval" mapstructure:"interval"` // 0 disables the periodic pass
}

// LogConfig for logging behavior.
type LogConfig struct {
	Level  string `json:"level" mapstructure:"level"`   // debug, info, warn, error
	Format string `json:"format" mapstructure:"format"` // text, json
	File   string `json:"file" mapstructure:"file"`     // Log file path (empty = stdout)
	Color  bool   `json:"color" mapstructure:"color"`   // Enable colored output
}

// MetricsConfig for Prometheus exposition.
type MetricsConfig struct {
	Enabled bool   `json:"enabled" mapstructure:"enabled"`
	Path    string `json:"path" mapstructure:"path"`
}

// DefaultConfig returns config with sensible defaults.
func DefaultConfig() *Config {
	dataDir := ".parksync"

	return &Config{
		API: APIConfig{
			BaseURL:   "http://localhost:8000",
			Timeout:   15 * time.Second,
			UserAgent: "parksync/1.0",
		},
		Storage: StorageConfig{
			Driver:     "json",
			DataDir:    dataDir,
			StateDir:   filepath.Join(dataDir, "state"),
			SQLitePath: filepath.Join(dataDir, "state.db"),
			S3Prefix:   "parksync/",
		},
		Queue: QueueConfig{
			MaxItems:    50,
			TTL:         24 * time.Hour,
			MaxAttempts: 3,
		},
		Cache: CacheConfig{
			MaxEntries:           256,
			DefaultTTL:           2 * time.Minute,
			SpotsTTL:             5 * time.Minute,
			MapTTL:               5 * time.Minute,
			AIRecommendationsTTL: 5 * time.Minute,
			AIStressTTL:          3 * time.Minute,
		},
		Edge: EdgeConfig{
			Listen:            "127.0.0.1:8088",
			AppVersion:        "2024.09.0",
			CachePrefix:       "ps-",
			OfflineURL:        "/offline/",
			Driver:            "memory",
			PrivateTTL:        5 * time.Minute,
			PrivateMaxEntries: 60,
			TileMaxEntries:    150,
			PrecacheURLs: []string{
				"/",
				"/offline/",
				"/static/css/app.css",
				"/static/js/app.js",
				"/static/js/map.js",
				"/static/icons/icon-192.png",
				"/static/icons/icon-512.png",
				"/manifest.webmanifest",
			},
			ShellURLs:       []string{"/", "/offline/"},
			SyncQueueMax:    50,
			SyncQueueTTL:    24 * time.Hour,
			SyncMaxAttempts: 3,
		},
		Sync: SyncConfig{
			Interval: time.Minute,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
			Color:  true,
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Path:    "/metrics",
		},
	}
}

// Validate checks configuration validity.
func (c *Config) Validate() error {
	if c.API.BaseURL == "" {
		return errors.New("api.base_url is required")
	}

	if c.API.Timeout <= 0 {
		return errors.New("api.timeout must be positive")
	}

	validDrivers := map[string]bool{"json": true, "sqlite": true, "s3": true, "memory": true}
	if !validDrivers[c.Storage.Driver] {
		return fmt.Errorf("invalid storage driver: %s", c.Storage.Driver)
	}

	if c.Storage.Driver == "s3" && c.Storage.S3Bucket == "" {
		return errors.New("storage.s3_bucket is required for the s3 driver")
	}

	if c.Queue.MaxItems <= 0 {
		return errors.New("queue.max_items must be positive")
	}

	if c.Queue.TTL <= 0 {
		return errors.New("queue.ttl must be positive")
	}

	if c.Queue.MaxAttempts <= 0 {
		return errors.New("queue.max_attempts must be positive")
	}

	if c.Cache.MaxEntries <= 0 {
		return errors.New("cache.max_entries must be positive")
	}

	if c.Edge.AppVersion == "" {
		return errors.New("edge.app_version is required")
	}

	if c.Edge.CachePrefix == "" || strings.Contains(c.Edge.AppVersion, " ") {
		return errors.New("edge.cache_prefix and edge.app_version must be non-empty tokens")
	}

	validEdgeDrivers := map[string]bool{"memory": true, "sqlite": true, "postgres": true}
	if !validEdgeDrivers[c.Edge.Driver] {
		return fmt.Errorf("invalid edge driver: %s", c.Edge.Driver)
	}

	if c.Edge.Driver != "memory" && c.Edge.DSN == "" {
		return fmt.Errorf("edge.dsn is required for the %s driver", c.Edge.Driver)
	}

	if c.Edge.PrivateTTL <= 0 || c.Edge.PrivateMaxEntries <= 0 || c.Edge.TileMaxEntries <= 0 {
		return errors.New("edge cache limits must be positive")
	}

	validLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLevels[c.Log.Level] {
		return fmt.Errorf("invalid log level: %s", c.Log.Level)
	}

	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[c.Log.Format] {
		return fmt.Errorf("invalid log format: %s", c.Log.Format)
	}

	return nil
}

// EnsureDirectories creates required directories.
func (c *Config) EnsureDirectories() error {
	dirs := []string{c.Storage.DataDir}

	switch c.Storage.Driver {
	case "json":
		dirs = append(dirs, c.Storage.StateDir)
	case "sqlite":
		dirs = append(dirs, filepath.Dir(c.Storage.SQLitePath))
	}

	if c.Log.File != "" {
		dirs = append(dirs, filepath.Dir(c.Log.File))
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}

	return nil
}
