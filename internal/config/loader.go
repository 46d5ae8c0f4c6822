package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment override, e.g.
// PARKSYNC_LOG_LEVEL=debug or PARKSYNC_EDGE_APP_VERSION=2024.10.0.
const EnvPrefix = "PARKSYNC"

// envKeys lists the settings that can be overridden from the environment.
var envKeys = []string{
	"api.base_url",
	"api.timeout",
	"api.user_agent",
	"api.insecure_skip_verify",
	"storage.driver",
	"storage.data_dir",
	"storage.state_dir",
	"storage.sqlite_path",
	"storage.s3_bucket",
	"storage.s3_prefix",
	"storage.s3_region",
	"storage.s3_endpoint",
	"storage.s3_path_style",
	"queue.max_items",
	"queue.ttl",
	"queue.max_attempts",
	"cache.max_entries",
	"edge.listen",
	"edge.upstream",
	"edge.app_version",
	"edge.driver",
	"edge.dsn",
	"edge.offline_url",
	"sync.interval",
	"log.level",
	"log.format",
	"log.file",
	"log.color",
	"metrics.enabled",
	"metrics.path",
}

// Loader handles configuration loading from multiple sources.
type Loader struct {
	configPath string
	v          *viper.Viper
}

// NewLoader creates a config loader. An empty path searches the default
// locations.
func NewLoader(configPath string) *Loader {
	return &Loader{
		configPath: configPath,
		v:          viper.New(),
	}
}

// Viper exposes the underlying instance so command flags can be bound.
func (l *Loader) Viper() *viper.Viper {
	return l.v
}

// Load reads configuration from file and environment.
func (l *Loader) Load() (*Config, error) {
	// Start with defaults
	cfg := DefaultConfig()

	if err := l.loadFile(); err != nil {
		return nil, err
	}

	l.v.SetEnvPrefix(EnvPrefix)
	l.v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	for _, key := range envKeys {
		if err := l.v.BindEnv(key); err != nil {
			return nil, fmt.Errorf("bind env %s: %w", key, err)
		}
	}

	if err := l.v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	// Data dir moves dependent paths unless they were set explicitly
	if l.v.IsSet("storage.data_dir") {
		if !l.v.IsSet("storage.state_dir") {
			cfg.Storage.StateDir = filepath.Join(cfg.Storage.DataDir, "state")
		}
		if !l.v.IsSet("storage.sqlite_path") {
			cfg.Storage.SQLitePath = filepath.Join(cfg.Storage.DataDir, "state.db")
		}
	}

	cfg.Log.Level = strings.ToLower(cfg.Log.Level)
	cfg.Log.Format = strings.ToLower(cfg.Log.Format)

	// Validate final config
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// ConfigFile returns the file the configuration was read from, if any.
func (l *Loader) ConfigFile() string {
	return l.v.ConfigFileUsed()
}

func (l *Loader) loadFile() error {
	if l.configPath != "" {
		l.v.SetConfigFile(l.configPath)
		if err := l.v.ReadInConfig(); err != nil {
			return fmt.Errorf("load config file: %w", err)
		}
		return nil
	}

	l.v.SetConfigName("parksync")
	for _, dir := range l.defaultDirs() {
		l.v.AddConfigPath(dir)
	}

	if err := l.v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		return fmt.Errorf("load config file %s: %w", l.v.ConfigFileUsed(), err)
	}

	return nil
}

// defaultDirs returns directories searched for parksync.{json,yaml,toml}.
func (l *Loader) defaultDirs() []string {
	dirs := []string{".", ".parksync"}

	if homeDir, err := os.UserHomeDir(); err == nil {
		dirs = append(dirs,
			filepath.Join(homeDir, ".config", "parksync"),
			filepath.Join(homeDir, ".parksync"),
		)
	}

	return dirs
}
