// Package config loads and validates application configuration from YAML files
// with environment-variable overrides. It provides typed structs for every
// subsystem (Server, Scan, Postgres, Kafka, Redis, Cache, etc.).
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the top-level application configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Scan     ScanConfig     `yaml:"scan"`
	Postgres PostgresConfig `yaml:"postgres"`
	Kafka    KafkaConfig    `yaml:"kafka"`
	Redis    RedisConfig    `yaml:"redis"`
	Cache    CacheConfig    `yaml:"cache"`
	Logging  LoggingConfig  `yaml:"logging"`
	Metrics  MetricsConfig  `yaml:"metrics"`
}

// ServerConfig holds HTTP server settings. RPCPort 0 disables the RPC
// listener; ScanRateLimit is scan requests per minute per client, 0 for no
// limit.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	RPCPort         int           `yaml:"rpcPort"`
	ScanRateLimit   int           `yaml:"scanRateLimit"`
	ReadTimeout     time.Duration `yaml:"readTimeout"`
	WriteTimeout    time.Duration `yaml:"writeTimeout"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout"`
}

// ScanConfig holds scan defaults. Roots and Markers are used by the CLI when
// none are given on the command line; AllowedRoots confines the roots that
// API and worker requests may name.
type ScanConfig struct {
	Roots        []string      `yaml:"roots"`
	AllowedRoots []string      `yaml:"allowedRoots"`
	Packages     []string      `yaml:"packages"`
	Markers      []string      `yaml:"markers"`
	Kinds        []string      `yaml:"kinds"`
	Exclude      []string      `yaml:"exclude"`
	Workers      int           `yaml:"workers"`
	MaxUnitSize  int64         `yaml:"maxUnitSize"`
	Timeout      time.Duration `yaml:"timeout"`
	Persist      bool          `yaml:"persist"`
	Publish      bool          `yaml:"publish"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	Database        string        `yaml:"database"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	SSLMode         string        `yaml:"sslMode"`
	MaxOpenConns    int           `yaml:"maxOpenConns"`
	MaxIdleConns    int           `yaml:"maxIdleConns"`
	ConnMaxLifetime time.Duration `yaml:"connMaxLifetime"`
}

// DSN returns a lib/pq-compatible data source name.
func (p PostgresConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		p.Host, p.Port, p.User, p.Password, p.Database, p.SSLMode,
	)
}

// KafkaConfig holds Kafka broker and topic settings.
type KafkaConfig struct {
	Brokers       []string      `yaml:"brokers"`
	ConsumerGroup string        `yaml:"consumerGroup"`
	Topics        KafkaTopics   `yaml:"topics"`
	BatchSize     int           `yaml:"batchSize"`
	FlushInterval time.Duration `yaml:"flushInterval"`
}

// KafkaTopics maps logical topic names to their Kafka topic strings.
type KafkaTopics struct {
	ScanRequests string `yaml:"scanRequests"`
	MatchEvents  string `yaml:"matchEvents"`
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	PoolSize int    `yaml:"poolSize"`
}

// CacheConfig controls the two-tier scan result cache.
type CacheConfig struct {
	Enabled      bool          `yaml:"enabled"`
	LocalEntries int           `yaml:"localEntries"`
	TTL          time.Duration `yaml:"ttl"`
	UseRedis     bool          `yaml:"useRedis"`
}

// LoggingConfig controls structured logging level and output format.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MetricsConfig controls the Prometheus metrics server.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// Load reads a YAML config file (if provided), then a .env file in the
// working directory (if present), and applies environment-variable overrides.
// It returns a Config populated with defaults for any missing values.
func Load(path string) (*Config, error) {
	cfg := defaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", path, err)
		}
	}
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("loading .env: %w", err)
	}
	applyEnvOverrides(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects values no component can work with.
func (c *Config) Validate() error {
	var errs []error
	if c.Scan.Workers < 0 {
		errs = append(errs, fmt.Errorf("scan.workers must not be negative, got %d", c.Scan.Workers))
	}
	if c.Scan.MaxUnitSize < 0 {
		errs = append(errs, fmt.Errorf("scan.maxUnitSize must not be negative, got %d", c.Scan.MaxUnitSize))
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port out of range: %d", c.Server.Port))
	}
	if c.Server.RPCPort < 0 || c.Server.RPCPort > 65535 {
		errs = append(errs, fmt.Errorf("server.rpcPort out of range: %d", c.Server.RPCPort))
	}
	if c.Server.ScanRateLimit < 0 {
		errs = append(errs, fmt.Errorf("server.scanRateLimit must not be negative, got %d", c.Server.ScanRateLimit))
	}
	if c.Cache.Enabled && c.Cache.LocalEntries <= 0 {
		errs = append(errs, fmt.Errorf("cache.localEntries must be positive when the cache is enabled"))
	}
	if c.Kafka.BatchSize <= 0 {
		errs = append(errs, fmt.Errorf("kafka.batchSize must be positive, got %d", c.Kafka.BatchSize))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// defaultConfig returns a Config with defaults suitable for local
// development.
func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			RPCPort:         9091,
			ScanRateLimit:   60,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    5 * time.Minute,
			ShutdownTimeout: 15 * time.Second,
		},
		Scan: ScanConfig{
			Kinds:       []string{"type"},
			Workers:     1,
			MaxUnitSize: 64 << 20,
			Timeout:     2 * time.Minute,
		},
		Postgres: PostgresConfig{
			Host:            "localhost",
			Port:            5432,
			Database:        "markerscan",
			User:            "markerscan",
			Password:        "localdev",
			SSLMode:         "disable",
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
		},
		Kafka: KafkaConfig{
			Brokers:       []string{"localhost:9092"},
			ConsumerGroup: "markerscan-workers",
			Topics: KafkaTopics{
				ScanRequests: "scan-requests",
				MatchEvents:  "marker-matches",
			},
			BatchSize:     100,
			FlushInterval: time.Second,
		},
		Redis: RedisConfig{
			Addr:     "localhost:6379",
			Password: "",
			DB:       0,
			PoolSize: 10,
		},
		Cache: CacheConfig{
			Enabled:      true,
			LocalEntries: 256,
			TTL:          5 * time.Minute,
			UseRedis:     false,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Port:    9090,
		},
	}
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// applyEnvOverrides reads MS_* environment variables and overrides the
// corresponding config fields.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("MS_SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("MS_SERVER_RPC_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.RPCPort = port
		}
	}
	if v := os.Getenv("MS_SCAN_ROOTS"); v != "" {
		cfg.Scan.Roots = splitList(v)
	}
	if v := os.Getenv("MS_SCAN_ALLOWED_ROOTS"); v != "" {
		cfg.Scan.AllowedRoots = splitList(v)
	}
	if v := os.Getenv("MS_SCAN_PACKAGES"); v != "" {
		cfg.Scan.Packages = splitList(v)
	}
	if v := os.Getenv("MS_SCAN_MARKERS"); v != "" {
		cfg.Scan.Markers = splitList(v)
	}
	if v := os.Getenv("MS_SCAN_KINDS"); v != "" {
		cfg.Scan.Kinds = splitList(v)
	}
	if v := os.Getenv("MS_SCAN_EXCLUDE"); v != "" {
		cfg.Scan.Exclude = splitList(v)
	}
	if v := os.Getenv("MS_SCAN_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Scan.Workers = n
		}
	}
	if v := os.Getenv("MS_SCAN_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Scan.Timeout = d
		}
	}
	if v := os.Getenv("MS_SCAN_PERSIST"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Scan.Persist = b
		}
	}
	if v := os.Getenv("MS_SCAN_PUBLISH"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Scan.Publish = b
		}
	}
	if v := os.Getenv("MS_POSTGRES_HOST"); v != "" {
		cfg.Postgres.Host = v
	}
	if v := os.Getenv("MS_POSTGRES_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Postgres.Port = port
		}
	}
	if v := os.Getenv("MS_POSTGRES_DATABASE"); v != "" {
		cfg.Postgres.Database = v
	}
	if v := os.Getenv("MS_POSTGRES_USER"); v != "" {
		cfg.Postgres.User = v
	}
	if v := os.Getenv("MS_POSTGRES_PASSWORD"); v != "" {
		cfg.Postgres.Password = v
	}
	if v := os.Getenv("MS_POSTGRES_SSLMODE"); v != "" {
		cfg.Postgres.SSLMode = v
	}
	if v := os.Getenv("MS_KAFKA_BROKERS"); v != "" {
		cfg.Kafka.Brokers = splitList(v)
	}
	if v := os.Getenv("MS_REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("MS_REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("MS_CACHE_USE_REDIS"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Cache.UseRedis = b
		}
	}
	if v := os.Getenv("MS_LOGGING_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("MS_LOGGING_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}
}
