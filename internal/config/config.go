package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"medsync/internal/models"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	App         AppConfig         `yaml:"app"`
	Upstream    UpstreamConfig    `yaml:"upstream"`
	Database    DatabaseConfig    `yaml:"database"`
	Sync        SyncConfig        `yaml:"sync"`
	Interceptor InterceptorConfig `yaml:"interceptor"`
	Cache       CacheConfig       `yaml:"cache"`
	Bridge      BridgeConfig      `yaml:"bridge"`
	Page        PageConfig        `yaml:"page"`
	Redis       RedisConfig       `yaml:"redis"`
	Backup      BackupConfig      `yaml:"backup"`
	Monitoring  MonitoringConfig  `yaml:"monitoring"`
	Logging     LoggingConfig     `yaml:"logging"`
}

type AppConfig struct {
	Name        string `yaml:"name"`
	Environment string `yaml:"environment"`
	Version     string `yaml:"version"`
}

// UpstreamConfig points at the record-management application being fronted.
type UpstreamConfig struct {
	BaseURL       string        `yaml:"base_url"`
	HealthPath    string        `yaml:"health_path"`
	ProbeInterval time.Duration `yaml:"probe_interval"`
}

type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// Client error policies for terminal 4xx replays.
const (
	ClientErrorDrop       = "drop"
	ClientErrorDeadLetter = "deadletter"
)

type SyncConfig struct {
	Interval          time.Duration `yaml:"interval"`
	MaxRetries        int           `yaml:"max_retries"`
	RequestTimeout    time.Duration `yaml:"request_timeout"`
	ClientErrorPolicy string        `yaml:"client_error_policy"`
	DeadLetterKey     string        `yaml:"dead_letter_key"`
	RPS               float64       `yaml:"rps"`
	Burst             int           `yaml:"burst"`
}

type InterceptorConfig struct {
	Port       int      `yaml:"port"`
	APIPrefix  string   `yaml:"api_prefix"`
	Precache   []string `yaml:"precache"`
	StaticDirs []string `yaml:"static_dirs"`
}

type CacheConfig struct {
	Version   string `yaml:"version"`
	Backend   string `yaml:"backend"` // memory | redis | failover
	KeyPrefix string `yaml:"key_prefix"`
}

type BridgeConfig struct {
	AckMode        bool          `yaml:"ack_mode"`
	ResendInterval time.Duration `yaml:"resend_interval"`
	OutboxSize     int           `yaml:"outbox_size"`
	Path           string        `yaml:"path"`
	URL            string        `yaml:"url"`
}

// PageConfig tunes the runtime that owns the queue.
type PageConfig struct {
	StatusPort        int           `yaml:"status_port"`
	IndicatorInterval time.Duration `yaml:"indicator_interval"`
	AutoAcceptUpdates bool          `yaml:"auto_accept_updates"`
}

type RedisConfig struct {
	Address  string `yaml:"address"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	PoolSize int    `yaml:"pool_size"`
}

type BackupConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Schedule      string `yaml:"schedule"`
	RetentionDays int    `yaml:"retention_days"`
	StoragePath   string `yaml:"storage_path"`
}

type MonitoringConfig struct {
	PrometheusEnabled bool `yaml:"prometheus_enabled"`
	PrometheusPort    int  `yaml:"prometheus_port"`
}

type LoggingConfig struct {
	Level    string `yaml:"level"`
	Format   string `yaml:"format"`
	Output   string `yaml:"output"`
	FilePath string `yaml:"file_path"`
}

// Load reads the YAML config at configPath, expanding ${VAR} references.
// A .env file in the working directory is loaded first when present.
func Load(configPath string) (*Config, error) {
	if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(".env"); err != nil {
			return nil, fmt.Errorf("load .env: %w", err)
		}
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, err
	}

	expandedData := []byte(os.ExpandEnv(string(data)))

	var config Config
	if err := yaml.Unmarshal(expandedData, &config); err != nil {
		return nil, err
	}

	config.applyDefaults()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

func (c *Config) Validate() error {
	if c.Upstream.BaseURL == "" {
		return errors.New("upstream base_url is required")
	}
	u, err := url.Parse(c.Upstream.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("upstream base_url %q is not an absolute URL", c.Upstream.BaseURL)
	}

	if c.Database.Path == "" {
		return errors.New("database path is required")
	}

	if c.Sync.MaxRetries < 0 {
		return errors.New("sync max_retries must not be negative")
	}

	switch c.Sync.ClientErrorPolicy {
	case ClientErrorDrop:
	case ClientErrorDeadLetter:
		if c.Redis.Address == "" {
			return errors.New("sync client_error_policy=deadletter requires redis.address")
		}
	default:
		return fmt.Errorf("unknown sync client_error_policy %q", c.Sync.ClientErrorPolicy)
	}

	switch c.Cache.Backend {
	case "memory":
	case "redis", "failover":
		if c.Redis.Address == "" {
			return fmt.Errorf("cache backend %s requires redis.address", c.Cache.Backend)
		}
	default:
		return fmt.Errorf("unknown cache backend %q", c.Cache.Backend)
	}

	if !strings.HasPrefix(c.Interceptor.APIPrefix, "/") {
		return fmt.Errorf("interceptor api_prefix %q must start with /", c.Interceptor.APIPrefix)
	}

	return nil
}

func (c *Config) applyDefaults() {
	if c.App.Name == "" {
		c.App.Name = "medsync"
	}
	if c.Upstream.HealthPath == "" {
		c.Upstream.HealthPath = "/"
	}
	if c.Upstream.ProbeInterval == 0 {
		c.Upstream.ProbeInterval = models.DefaultProbeInterval
	}

	if c.Sync.Interval == 0 {
		c.Sync.Interval = models.DefaultSyncInterval
	}
	if c.Sync.MaxRetries == 0 {
		c.Sync.MaxRetries = models.DefaultMaxRetries
	}
	if c.Sync.RequestTimeout == 0 {
		c.Sync.RequestTimeout = 15 * time.Second
	}
	if c.Sync.ClientErrorPolicy == "" {
		c.Sync.ClientErrorPolicy = ClientErrorDrop
	}
	if c.Sync.DeadLetterKey == "" {
		c.Sync.DeadLetterKey = "medsync:deadletter"
	}

	if c.Interceptor.Port == 0 {
		c.Interceptor.Port = 8080
	}
	if c.Interceptor.APIPrefix == "" {
		c.Interceptor.APIPrefix = models.DefaultAPIPrefix
	}
	if len(c.Interceptor.Precache) == 0 {
		c.Interceptor.Precache = []string{"/"}
	}
	if len(c.Interceptor.StaticDirs) == 0 {
		c.Interceptor.StaticDirs = []string{"/static/", "/_next/static/"}
	}

	if c.Cache.Version == "" {
		c.Cache.Version = models.DefaultCacheVersion
	}
	if c.Cache.Backend == "" {
		c.Cache.Backend = "memory"
	}
	if c.Cache.KeyPrefix == "" {
		c.Cache.KeyPrefix = "medsync:cache"
	}

	if c.Bridge.ResendInterval == 0 {
		c.Bridge.ResendInterval = 5 * time.Second
	}
	if c.Bridge.OutboxSize == 0 {
		c.Bridge.OutboxSize = 256
	}
	if c.Bridge.Path == "" {
		c.Bridge.Path = "/__medsync/bridge"
	}

	if c.Page.StatusPort == 0 {
		c.Page.StatusPort = 8081
	}
	if c.Page.IndicatorInterval == 0 {
		c.Page.IndicatorInterval = models.DefaultIndicatorInterval
	}

	if c.Backup.StoragePath == "" {
		c.Backup.StoragePath = "backups"
	}

	if c.Monitoring.PrometheusEnabled && c.Monitoring.PrometheusPort == 0 {
		c.Monitoring.PrometheusPort = 9090
	}
}
