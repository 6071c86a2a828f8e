// Package config loads server and CLI configuration with viper.
//
// Values come from an optional YAML or JSON file, then OBJECTSTORE_*
// environment variables, then defaults. Nested keys map to variables
// with "." replaced by "_", e.g. OBJECTSTORE_STORAGE_PRIMARY_CLOUD.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/fruitsalade/objectstore/internal/retry"
	"github.com/fruitsalade/objectstore/internal/storage/azure"
	"github.com/fruitsalade/objectstore/internal/storage/gcs"
	"github.com/fruitsalade/objectstore/internal/storage/local"
	"github.com/fruitsalade/objectstore/internal/storage/s3"
)

// EnvConfigPath names the variable that points at the config file.
const EnvConfigPath = "OBJECTSTORE_CONFIG"

// Provider kinds, in the order their instances are numbered.
const (
	KindAzure  = "azure"
	KindAmazon = "amazon"
	KindGoogle = "google"
	KindLocal  = "local"
	KindMemory = "memory"
)

// Config holds all objectstore configuration.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Log       LogConfig       `mapstructure:"log"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Cache     CacheConfig     `mapstructure:"cache"`
	Upload    UploadConfig    `mapstructure:"upload"`
	Retry     RetryConfig     `mapstructure:"retry"`
	Providers ProvidersConfig `mapstructure:"providers"`
}

type ServerConfig struct {
	ListenAddr      string        `mapstructure:"listen_addr"`
	MetricsAddr     string        `mapstructure:"metrics_addr"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	MaxUploadSize   int64         `mapstructure:"max_upload_size"`
}

type LogConfig struct {
	Level  string        `mapstructure:"level"`
	Format string        `mapstructure:"format"`
	Output string        `mapstructure:"output"`
	File   FileLogConfig `mapstructure:"file"`
}

type FileLogConfig struct {
	MaxSize    int  `mapstructure:"maxsize"`
	MaxAge     int  `mapstructure:"maxage"`
	MaxBackups int  `mapstructure:"maxbackups"`
	Compress   bool `mapstructure:"compress"`
}

// StorageConfig selects the primary provider and tunes the service.
// PrimaryCloud is a provider kind ("azure", "amazon", "google", "local",
// "memory"), meaning its first instance, or an instance name such as
// "amazon-1". Every other configured provider becomes a mirror.
type StorageConfig struct {
	PrimaryCloud        string `mapstructure:"primary_cloud"`
	MaxCacheSeconds     int    `mapstructure:"max_cache_seconds"`
	MaxCachedBodyBytes  int64  `mapstructure:"max_cached_body_bytes"`
	ProbeSubdirectories bool   `mapstructure:"probe_subdirectories"`
	FolderConcurrency   int    `mapstructure:"folder_concurrency"`
	CaseInsensitive     bool   `mapstructure:"case_insensitive"`
}

// CacheConfig selects the metadata cache store: "memory", "redis" or
// "none".
type CacheConfig struct {
	Backend    string      `mapstructure:"backend"`
	MaxEntries int         `mapstructure:"max_entries"`
	Redis      RedisConfig `mapstructure:"redis"`
}

type RedisConfig struct {
	Addr      string `mapstructure:"addr"`
	Password  string `mapstructure:"password"`
	DB        int    `mapstructure:"db"`
	KeyPrefix string `mapstructure:"key_prefix"`
}

type UploadConfig struct {
	IdleTimeout         time.Duration `mapstructure:"idle_timeout"`
	SweepInterval       time.Duration `mapstructure:"sweep_interval"`
	MaxChunkBytes       int64         `mapstructure:"max_chunk_bytes"`
	DefaultCacheControl string        `mapstructure:"default_cache_control"`
}

type RetryConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	InitialWait time.Duration `mapstructure:"initial_wait"`
	MaxWait     time.Duration `mapstructure:"max_wait"`
}

// ProvidersConfig lists provider instances by kind. Memory is a count
// of in-process stores.
type ProvidersConfig struct {
	Azure  []azure.Config `mapstructure:"azure"`
	Amazon []s3.Config    `mapstructure:"amazon"`
	Google []gcs.Config   `mapstructure:"google"`
	Local  []local.Config `mapstructure:"local"`
	Memory int            `mapstructure:"memory"`
}

// Count returns the number of configured instances of kind.
func (p ProvidersConfig) Count(kind string) int {
	switch kind {
	case KindAzure:
		return len(p.Azure)
	case KindAmazon:
		return len(p.Amazon)
	case KindGoogle:
		return len(p.Google)
	case KindLocal:
		return len(p.Local)
	case KindMemory:
		return p.Memory
	}
	return 0
}

// Kinds lists every provider kind in numbering order.
func Kinds() []string {
	return []string{KindAzure, KindAmazon, KindGoogle, KindLocal, KindMemory}
}

// InstanceName names the i-th instance of kind, e.g. "amazon-0".
func InstanceName(kind string, i int) string {
	return fmt.Sprintf("%s-%d", kind, i)
}

// Names returns every configured instance name.
func (p ProvidersConfig) Names() []string {
	var names []string
	for _, kind := range Kinds() {
		for i := 0; i < p.Count(kind); i++ {
			names = append(names, InstanceName(kind, i))
		}
	}
	return names
}

// PrimaryName resolves Storage.PrimaryCloud to a configured instance name.
func (c *Config) PrimaryName() (string, error) {
	want := strings.ToLower(strings.TrimSpace(c.Storage.PrimaryCloud))
	if want == "" {
		return "", errors.New("storage.primary_cloud is required")
	}
	for _, kind := range Kinds() {
		if want == kind {
			if c.Providers.Count(kind) == 0 {
				return "", fmt.Errorf("primary cloud %q has no configured provider", want)
			}
			return InstanceName(kind, 0), nil
		}
	}
	for _, name := range c.Providers.Names() {
		if want == name {
			return name, nil
		}
	}
	return "", fmt.Errorf("primary cloud %q does not name a configured provider", c.Storage.PrimaryCloud)
}

// RetryPolicy returns the driver retry configuration.
func (c *Config) RetryPolicy() retry.Config {
	rc := retry.DefaultConfig()
	if c.Retry.MaxAttempts > 0 {
		rc.MaxAttempts = c.Retry.MaxAttempts
	}
	if c.Retry.InitialWait > 0 {
		rc.InitialWait = c.Retry.InitialWait
	}
	if c.Retry.MaxWait > 0 {
		rc.MaxWait = c.Retry.MaxWait
	}
	return rc
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.listen_addr", ":8080")
	v.SetDefault("server.metrics_addr", ":9090")
	v.SetDefault("server.shutdown_timeout", 30*time.Second)
	v.SetDefault("server.max_upload_size", int64(100*1024*1024))

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("log.output", "stdout")
	v.SetDefault("log.file.maxsize", 100)
	v.SetDefault("log.file.maxage", 30)
	v.SetDefault("log.file.maxbackups", 5)
	v.SetDefault("log.file.compress", true)

	v.SetDefault("storage.primary_cloud", KindMemory)
	v.SetDefault("storage.max_cache_seconds", 300)
	v.SetDefault("storage.max_cached_body_bytes", int64(256*1024))
	v.SetDefault("storage.probe_subdirectories", true)
	v.SetDefault("storage.folder_concurrency", 8)
	v.SetDefault("storage.case_insensitive", false)

	v.SetDefault("cache.backend", "memory")
	v.SetDefault("cache.max_entries", 10000)
	v.SetDefault("cache.redis.addr", "localhost:6379")
	v.SetDefault("cache.redis.password", "")
	v.SetDefault("cache.redis.db", 0)
	v.SetDefault("cache.redis.key_prefix", "objectstore:")

	v.SetDefault("upload.idle_timeout", 30*time.Minute)
	v.SetDefault("upload.sweep_interval", 5*time.Minute)
	v.SetDefault("upload.max_chunk_bytes", int64(64*1024*1024))
	v.SetDefault("upload.default_cache_control", "max-age=3600, must-revalidate")

	v.SetDefault("retry.max_attempts", 4)
	v.SetDefault("retry.initial_wait", 200*time.Millisecond)
	v.SetDefault("retry.max_wait", 5*time.Second)

	v.SetDefault("providers.memory", 0)
}

// Load reads configuration from path, or from $OBJECTSTORE_CONFIG when
// path is empty. With neither set only the environment and defaults
// apply. The result is validated.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("OBJECTSTORE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path == "" {
		path = os.Getenv(EnvConfigPath)
	}
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// An unconfigured install runs on a single in-process store.
	if len(cfg.Providers.Names()) == 0 && strings.EqualFold(cfg.Storage.PrimaryCloud, KindMemory) {
		cfg.Providers.Memory = 1
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	var errs []error
	if _, err := c.PrimaryName(); err != nil {
		errs = append(errs, err)
	}
	switch c.Cache.Backend {
	case "memory", "none":
	case "redis":
		if c.Cache.Redis.Addr == "" {
			errs = append(errs, errors.New("cache.redis.addr is required for the redis cache"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown cache backend %q", c.Cache.Backend))
	}
	if c.Storage.MaxCacheSeconds < 0 {
		errs = append(errs, errors.New("storage.max_cache_seconds must not be negative"))
	}
	if c.Upload.MaxChunkBytes <= 0 {
		errs = append(errs, errors.New("upload.max_chunk_bytes must be positive"))
	}
	if c.Upload.IdleTimeout <= 0 {
		errs = append(errs, errors.New("upload.idle_timeout must be positive"))
	}
	for i, a := range c.Providers.Amazon {
		if a.BucketName == "" {
			errs = append(errs, fmt.Errorf("providers.amazon[%d]: bucket_name is required", i))
		}
	}
	for i, g := range c.Providers.Google {
		if g.BucketName == "" {
			errs = append(errs, fmt.Errorf("providers.google[%d]: bucket_name is required", i))
		}
	}
	for i, a := range c.Providers.Azure {
		if a.ConnectionString == "" || a.Container == "" {
			errs = append(errs, fmt.Errorf("providers.azure[%d]: connection_string and container are required", i))
		}
	}
	for i, l := range c.Providers.Local {
		if l.RootPath == "" {
			errs = append(errs, fmt.Errorf("providers.local[%d]: root_path is required", i))
		}
	}
	return errors.Join(errs...)
}
