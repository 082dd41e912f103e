package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/go-playground/validator/v10"
)

// Config holds application configuration.
type Config struct {
	Server   ServerConfig   `toml:"server"`
	Database DatabaseConfig `toml:"database"`
	Log      LogConfig      `toml:"log"`
	Pipeline PipelineConfig `toml:"pipeline"`
	Workers  WorkersConfig  `toml:"workers"`
	Monitor  MonitorConfig  `toml:"monitor"`
	Fetch    FetchConfig    `toml:"fetch"`
	Redis    RedisConfig    `toml:"redis"`
	Drivers  []DriverConfig `toml:"driver" validate:"dive"`
}

// ServerConfig configures the HTTP API. When Secret is set, POST requests
// must be signed.
type ServerConfig struct {
	Port   int    `toml:"port" validate:"min=1,max=65535"`
	Secret string `toml:"secret"`
}

type DatabaseConfig struct {
	Path string `toml:"path" validate:"required"`
}

type LogConfig struct {
	Level  string `toml:"level" validate:"oneof=debug info warn error"`
	Format string `toml:"format" validate:"oneof=text json"`
}

// PipelineConfig tunes stage transitions and the retry policy.
type PipelineConfig struct {
	Platform           string        `toml:"platform" validate:"required"`
	DownloadDir        string        `toml:"download_dir" validate:"required"`
	MaxRetries         int           `toml:"max_retries" validate:"min=0"`
	AccountSwitchLimit int           `toml:"account_switch_limit" validate:"min=1"`
	RetryDelay         time.Duration `toml:"retry_delay" validate:"min=0"`
	PollInterval       time.Duration `toml:"poll_interval" validate:"min=1s"`
	MaxPolls           int           `toml:"max_polls" validate:"min=1"`
	CapacityWait       time.Duration `toml:"capacity_wait" validate:"min=0"`
	VerifyDownloads    bool          `toml:"verify_downloads"`
}

// WorkersConfig is the concurrency of each stage.
type WorkersConfig struct {
	Generate int `toml:"generate" validate:"min=1"`
	Poll     int `toml:"poll" validate:"min=1"`
	Download int `toml:"download" validate:"min=1"`
	Verify   int `toml:"verify" validate:"min=1"`
}

type MonitorConfig struct {
	Interval   time.Duration `toml:"interval" validate:"min=1s"`
	Cooldown   time.Duration `toml:"cooldown" validate:"min=0"`
	StaleAfter time.Duration `toml:"stale_after" validate:"min=1s"`
}

// FetchConfig configures artifact downloads. Providers are tried in order
// after the direct download.
type FetchConfig struct {
	Concurrency     int              `toml:"concurrency" validate:"min=1"`
	Timeout         time.Duration    `toml:"timeout" validate:"min=1s"`
	MaxBytes        int64            `toml:"max_bytes" validate:"min=1"`
	BreakerFailures uint32           `toml:"breaker_failures" validate:"min=1"`
	BreakerTimeout  time.Duration    `toml:"breaker_timeout" validate:"min=1s"`
	Providers       []ProviderConfig `toml:"provider" validate:"dive"`
}

// ProviderConfig is a mirror service that resolves an artifact url through
// a url template containing {url}.
type ProviderConfig struct {
	Name        string `toml:"name" validate:"required"`
	URLTemplate string `toml:"url_template" validate:"required,contains={url}"`
}

// RedisConfig enables the event stream when URL is set.
type RedisConfig struct {
	URL    string `toml:"url" validate:"omitempty,url"`
	Stream string `toml:"stream" validate:"required"`
	MaxLen int64  `toml:"max_len" validate:"min=1"`
}

// DriverConfig describes an external automation program for a platform.
// Args may contain the placeholders {op}, {account}, {email}, {secret},
// {proxy}, {profile}, {job}, {prompt} and {duration}.
type DriverConfig struct {
	Platform   string        `toml:"platform" validate:"required"`
	Command    string        `toml:"command" validate:"required"`
	Args       []string      `toml:"args"`
	ProfileDir string        `toml:"profile_dir"`
	Timeout    time.Duration `toml:"timeout" validate:"min=0"`
}

// DefaultConfigPath returns the default config file path using XDG_CONFIG_HOME.
func DefaultConfigPath() string {
	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		home, _ := os.UserHomeDir()
		configDir = filepath.Join(home, ".config")
	}
	return filepath.Join(configDir, "clipmill", "config.toml")
}

// DefaultDBPath returns the default database path using XDG_CACHE_HOME.
func DefaultDBPath() string {
	cacheDir := os.Getenv("XDG_CACHE_HOME")
	if cacheDir == "" {
		home, _ := os.UserHomeDir()
		cacheDir = filepath.Join(home, ".cache")
	}
	return filepath.Join(cacheDir, "clipmill", "jobs.db")
}

// DefaultDownloadDir returns the default artifact directory.
func DefaultDownloadDir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, "Videos", "clipmill")
}

// DefaultProfileDir returns the default root of per-account browser profiles.
func DefaultProfileDir() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		home, _ := os.UserHomeDir()
		dataDir = filepath.Join(home, ".local", "share")
	}
	return filepath.Join(dataDir, "clipmill", "profiles")
}

// ExpandPath replaces a leading ~ with the user's home directory.
func ExpandPath(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, strings.TrimPrefix(path, "~"))
	}
	return path
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server:   ServerConfig{Port: 8080},
		Database: DatabaseConfig{Path: DefaultDBPath()},
		Log:      LogConfig{Level: "info", Format: "text"},
		Pipeline: PipelineConfig{
			Platform:           "sora",
			DownloadDir:        DefaultDownloadDir(),
			MaxRetries:         3,
			AccountSwitchLimit: 10,
			RetryDelay:         5 * time.Second,
			PollInterval:       30 * time.Second,
			MaxPolls:           60,
			CapacityWait:       10 * time.Second,
		},
		Workers: WorkersConfig{Generate: 3, Poll: 5, Download: 3, Verify: 1},
		Monitor: MonitorConfig{
			Interval:   60 * time.Second,
			Cooldown:   24 * time.Hour,
			StaleAfter: 15 * time.Minute,
		},
		Fetch: FetchConfig{
			Concurrency:     3,
			Timeout:         5 * time.Minute,
			MaxBytes:        2 << 30,
			BreakerFailures: 5,
			BreakerTimeout:  60 * time.Second,
		},
		Redis: RedisConfig{Stream: "clipmill:events", MaxLen: 10000},
	}
}

var validate = validator.New()

// Load builds Config from defaults, the TOML file at path (a missing file is
// fine) and CLIPMILL_* environment overrides, then validates it.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		if _, err := toml.DecodeFile(path, cfg); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}

	cfg.Database.Path = ExpandPath(cfg.Database.Path)
	cfg.Pipeline.DownloadDir = ExpandPath(cfg.Pipeline.DownloadDir)
	for i := range cfg.Drivers {
		if cfg.Drivers[i].ProfileDir == "" {
			cfg.Drivers[i].ProfileDir = DefaultProfileDir()
		}
		cfg.Drivers[i].ProfileDir = ExpandPath(cfg.Drivers[i].ProfileDir)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks field constraints.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// Env overrides
func (c *Config) applyEnv() error {
	if port := os.Getenv("CLIPMILL_PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return fmt.Errorf("CLIPMILL_PORT: %w", err)
		}
		c.Server.Port = p
	}
	if secret := os.Getenv("CLIPMILL_SECRET"); secret != "" {
		c.Server.Secret = secret
	}
	if db := os.Getenv("CLIPMILL_DB"); db != "" {
		c.Database.Path = db
	}
	if dir := os.Getenv("CLIPMILL_DOWNLOAD_DIR"); dir != "" {
		c.Pipeline.DownloadDir = dir
	}
	if url := os.Getenv("CLIPMILL_REDIS_URL"); url != "" {
		c.Redis.URL = url
	}
	if level := os.Getenv("CLIPMILL_LOG_LEVEL"); level != "" {
		c.Log.Level = level
	}
	return nil
}

// Driver returns the driver configured for platform, if any.
func (c *Config) Driver(platform string) (DriverConfig, bool) {
	for _, d := range c.Drivers {
		if d.Platform == platform {
			return d, true
		}
	}
	return DriverConfig{}, false
}
