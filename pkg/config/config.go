// Package config loads server settings from defaults, an optional YAML file
// and MLORCH_* environment variables, in increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment override, e.g. MLORCH_SERVER_ADDR
const EnvPrefix = "MLORCH"

type ServerConfig struct {
	Addr              string        `mapstructure:"addr" yaml:"addr"`
	ReadTimeout       time.Duration `mapstructure:"read_timeout" yaml:"read_timeout"`
	WriteTimeout      time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`
	TLS               bool          `mapstructure:"tls" yaml:"tls"`
	CertFile          string        `mapstructure:"cert_file" yaml:"cert_file"`
	KeyFile           string        `mapstructure:"key_file" yaml:"key_file"`
	CAFile            string        `mapstructure:"ca_file" yaml:"ca_file"`
	RequireClientCert bool          `mapstructure:"require_client_cert" yaml:"require_client_cert"`
	ShutdownTimeout   time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
}

type LogConfig struct {
	Level string `mapstructure:"level" yaml:"level"`
	JSON  bool   `mapstructure:"json" yaml:"json"`
	// File enables the per-component log file under /var/log/mlorch
	File bool `mapstructure:"file" yaml:"file"`
}

type StoreConfig struct {
	Type            string        `mapstructure:"type" yaml:"type"`
	DSN             string        `mapstructure:"dsn" yaml:"dsn"`
	Path            string        `mapstructure:"path" yaml:"path"`
	MaxOpenConns    int           `mapstructure:"max_open_conns" yaml:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns" yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime" yaml:"conn_max_lifetime"`
}

type QueueConfig struct {
	Type     string `mapstructure:"type" yaml:"type"`
	RedisURL string `mapstructure:"redis_url" yaml:"redis_url"`
	Prefix   string `mapstructure:"prefix" yaml:"prefix"`
}

type ObjectStoreConfig struct {
	Endpoint       string `mapstructure:"endpoint" yaml:"endpoint"`
	AccessKey      string `mapstructure:"access_key" yaml:"access_key"`
	SecretKey      string `mapstructure:"secret_key" yaml:"secret_key"`
	UseSSL         bool   `mapstructure:"use_ssl" yaml:"use_ssl"`
	Region         string `mapstructure:"region" yaml:"region"`
	ArtifactBucket string `mapstructure:"artifact_bucket" yaml:"artifact_bucket"`
}

type RegistryConfig struct {
	Type string `mapstructure:"type" yaml:"type"`
	DSN  string `mapstructure:"dsn" yaml:"dsn"`
}

// RemoteConfig describes one of the HTTP services we call out to
type RemoteConfig struct {
	URL     string        `mapstructure:"url" yaml:"url"`
	APIKey  string        `mapstructure:"api_key" yaml:"api_key"`
	Timeout time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

type TrainerConfig struct {
	RemoteConfig `mapstructure:",squash" yaml:",inline"`
	Algorithms   []string `mapstructure:"algorithms" yaml:"algorithms"`
}

type ClientTLSConfig struct {
	CAFile   string `mapstructure:"ca_file" yaml:"ca_file"`
	CertFile string `mapstructure:"cert_file" yaml:"cert_file"`
	KeyFile  string `mapstructure:"key_file" yaml:"key_file"`
}

type CacheConfig struct {
	TTL time.Duration `mapstructure:"ttl" yaml:"ttl"`
}

type WorkerConfig struct {
	Training         int           `mapstructure:"training" yaml:"training"`
	Batch            int           `mapstructure:"batch" yaml:"batch"`
	IdlePollInterval time.Duration `mapstructure:"idle_poll_interval" yaml:"idle_poll_interval"`
	BackoffInterval  time.Duration `mapstructure:"backoff_interval" yaml:"backoff_interval"`
}

type AuthConfig struct {
	// APIKeys holds plaintext keys or bcrypt hashes
	APIKeys []string `mapstructure:"api_keys" yaml:"api_keys"`
}

type RateLimitConfig struct {
	Enabled bool    `mapstructure:"enabled" yaml:"enabled"`
	RPS     float64 `mapstructure:"rps" yaml:"rps"`
	Burst   int     `mapstructure:"burst" yaml:"burst"`
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Addr    string `mapstructure:"addr" yaml:"addr"`
	Host    bool   `mapstructure:"host" yaml:"host"`
}

type TracingConfig struct {
	Enabled     bool   `mapstructure:"enabled" yaml:"enabled"`
	Exporter    string `mapstructure:"exporter" yaml:"exporter"`
	Endpoint    string `mapstructure:"endpoint" yaml:"endpoint"`
	Insecure    bool   `mapstructure:"insecure" yaml:"insecure"`
	Environment string `mapstructure:"environment" yaml:"environment"`
}

// Config is the complete server configuration
type Config struct {
	Server      ServerConfig      `mapstructure:"server" yaml:"server"`
	Log         LogConfig         `mapstructure:"log" yaml:"log"`
	Store       StoreConfig       `mapstructure:"store" yaml:"store"`
	Queue       QueueConfig       `mapstructure:"queue" yaml:"queue"`
	ObjectStore ObjectStoreConfig `mapstructure:"object_store" yaml:"object_store"`
	Registry    RegistryConfig    `mapstructure:"registry" yaml:"registry"`
	Tracker     RemoteConfig      `mapstructure:"tracker" yaml:"tracker"`
	Trainer     TrainerConfig     `mapstructure:"trainer" yaml:"trainer"`
	ClientTLS   ClientTLSConfig   `mapstructure:"client_tls" yaml:"client_tls"`
	Cache       CacheConfig       `mapstructure:"cache" yaml:"cache"`
	Workers     WorkerConfig      `mapstructure:"workers" yaml:"workers"`
	Auth        AuthConfig        `mapstructure:"auth" yaml:"auth"`
	RateLimit   RateLimitConfig   `mapstructure:"rate_limit" yaml:"rate_limit"`
	Metrics     MetricsConfig     `mapstructure:"metrics" yaml:"metrics"`
	Tracing     TracingConfig     `mapstructure:"tracing" yaml:"tracing"`
}

// SetDefaults registers every key so that environment overrides reach
// Unmarshal even when no file mentions them
func SetDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "5m")
	v.SetDefault("server.tls", false)
	v.SetDefault("server.cert_file", "certs/mlserve.crt")
	v.SetDefault("server.key_file", "certs/mlserve.key")
	v.SetDefault("server.ca_file", "")
	v.SetDefault("server.require_client_cert", false)
	v.SetDefault("server.shutdown_timeout", "30s")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.json", false)
	v.SetDefault("log.file", false)

	v.SetDefault("store.type", "sqlite")
	v.SetDefault("store.dsn", "")
	v.SetDefault("store.path", "mlorch.db")
	v.SetDefault("store.max_open_conns", 25)
	v.SetDefault("store.max_idle_conns", 5)
	v.SetDefault("store.conn_max_lifetime", "5m")

	v.SetDefault("queue.type", "memory")
	v.SetDefault("queue.redis_url", "redis://localhost:6379/0")
	v.SetDefault("queue.prefix", "mlorch")

	v.SetDefault("object_store.endpoint", "localhost:9000")
	v.SetDefault("object_store.access_key", "")
	v.SetDefault("object_store.secret_key", "")
	v.SetDefault("object_store.use_ssl", false)
	v.SetDefault("object_store.region", "")
	v.SetDefault("object_store.artifact_bucket", "models")

	v.SetDefault("registry.type", "sqlite")
	v.SetDefault("registry.dsn", "mlorch-models.db")

	v.SetDefault("tracker.url", "http://localhost:5000")
	v.SetDefault("tracker.api_key", "")
	v.SetDefault("tracker.timeout", "30s")

	v.SetDefault("trainer.url", "http://localhost:8500")
	v.SetDefault("trainer.api_key", "")
	v.SetDefault("trainer.timeout", "2h")
	v.SetDefault("trainer.algorithms", []string{})

	v.SetDefault("client_tls.ca_file", "")
	v.SetDefault("client_tls.cert_file", "")
	v.SetDefault("client_tls.key_file", "")

	v.SetDefault("cache.ttl", "1h")

	v.SetDefault("workers.training", 1)
	v.SetDefault("workers.batch", 2)
	v.SetDefault("workers.idle_poll_interval", "1s")
	v.SetDefault("workers.backoff_interval", "5s")

	v.SetDefault("auth.api_keys", []string{})

	v.SetDefault("rate_limit.enabled", true)
	v.SetDefault("rate_limit.rps", 50.0)
	v.SetDefault("rate_limit.burst", 100)

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.addr", ":9090")
	v.SetDefault("metrics.host", true)

	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.exporter", "otlp")
	v.SetDefault("tracing.endpoint", "localhost:4318")
	v.SetDefault("tracing.insecure", true)
	v.SetDefault("tracing.environment", "development")
}

// New returns a viper instance with defaults and environment binding.
// When file is empty, ./mlorch.yaml and /etc/mlorch/mlorch.yaml are tried.
func New(file string) *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	if file != "" {
		v.SetConfigFile(file)
	} else {
		v.SetConfigName("mlorch")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/mlorch")
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads configuration. A missing default file is not an error; a
// missing explicit file is.
func Load(file string) (Config, error) {
	return FromViper(New(file))
}

// FromViper reads the config file, if any, and decodes v
func FromViper(v *viper.Viper) (Config, error) {
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("load config: %w", err)
		}
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects settings the server cannot start with
func (c Config) Validate() error {
	var errs []error
	switch c.Store.Type {
	case "memory", "sqlite", "postgres", "postgresql":
	default:
		errs = append(errs, fmt.Errorf("store.type %q is not one of memory, sqlite, postgres", c.Store.Type))
	}
	switch c.Queue.Type {
	case "memory", "redis":
	default:
		errs = append(errs, fmt.Errorf("queue.type %q is not one of memory, redis", c.Queue.Type))
	}
	switch c.Registry.Type {
	case "sqlite", "postgres", "postgresql":
	default:
		errs = append(errs, fmt.Errorf("registry.type %q is not one of sqlite, postgres", c.Registry.Type))
	}
	if c.Workers.Training < 0 || c.Workers.Batch < 0 {
		errs = append(errs, errors.New("worker counts must not be negative"))
	}
	if c.Cache.TTL <= 0 {
		errs = append(errs, errors.New("cache.ttl must be positive"))
	}
	if c.RateLimit.Enabled && (c.RateLimit.RPS <= 0 || c.RateLimit.Burst <= 0) {
		errs = append(errs, errors.New("rate_limit.rps and rate_limit.burst must be positive"))
	}
	if c.Server.TLS && (c.Server.CertFile == "" || c.Server.KeyFile == "") {
		errs = append(errs, errors.New("server.cert_file and server.key_file are required with TLS"))
	}
	if c.Store.Type == "postgres" && c.Store.DSN == "" {
		errs = append(errs, errors.New("store.dsn is required for postgres"))
	}
	return errors.Join(errs...)
}

const redacted = "********"

// Redacted returns a copy with secrets masked, for display
func (c Config) Redacted() Config {
	mask := func(s string) string {
		if s == "" {
			return ""
		}
		return redacted
	}
	c.ObjectStore.SecretKey = mask(c.ObjectStore.SecretKey)
	c.Tracker.APIKey = mask(c.Tracker.APIKey)
	c.Trainer.APIKey = mask(c.Trainer.APIKey)
	keys := make([]string, len(c.Auth.APIKeys))
	for i, k := range c.Auth.APIKeys {
		keys[i] = mask(k)
	}
	c.Auth.APIKeys = keys
	return c
}
