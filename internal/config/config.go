// Package config provides configuration management for entmatch.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// DefaultPort is the default HTTP port for the match service.
	DefaultPort = 8000

	// DefaultSettingsFile is read from the working directory unless ENTMATCH_CONFIG is set.
	DefaultSettingsFile = "entmatch.yaml"

	DefaultMaxClusters      = 10000
	DefaultThreshold        = 0.8
	DefaultMaxBatchSize     = 1000
	DefaultMaxMentionTokens = 256
)

// Store backends.
const (
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
	BackendMemory   = "memory"
)

// Setting keys. The same names are used in the settings file and the environment.
const (
	KeyConfigPath       = "ENTMATCH_CONFIG"
	KeyMaxClusters      = "MAX_CLUSTERS"
	KeyThreshold        = "SIMILARITY_THRESHOLD"
	KeyStoreBackend     = "STORE_BACKEND"
	KeyRedisHost        = "REDIS_HOST"
	KeyRedisPort        = "REDIS_PORT"
	KeyRedisDB          = "REDIS_DB"
	KeyRedisPassword    = "REDIS_PASSWORD"
	KeyRedisNamespace   = "REDIS_NAMESPACE"
	KeyRedisMaxIdle     = "REDIS_MAX_IDLE"
	KeyRedisTimeout     = "REDIS_TIMEOUT"
	KeyPostgresDSN      = "POSTGRES_DSN"
	KeyPostgresMaxConns = "POSTGRES_MAX_CONNS"
	KeyEmbedProvider    = "EMBEDDING_PROVIDER"
	KeyEmbedBaseURL     = "EMBEDDING_BASE_URL"
	KeyEmbedAPIKey      = "EMBEDDING_API_KEY"
	KeyEmbedModel       = "EMBEDDING_MODEL"
	KeyEmbedDimensions  = "EMBEDDING_DIMENSIONS"
	KeyEmbedTimeout     = "EMBEDDING_TIMEOUT"
	KeyPort             = "ENTMATCH_PORT"
	KeyAuthToken        = "ENTMATCH_AUTH_TOKEN"
	KeyRateLimit        = "ENTMATCH_RATE_LIMIT"
	KeyRateBurst        = "ENTMATCH_RATE_BURST"
	KeyMaxBatchSize     = "MAX_BATCH_SIZE"
	KeyMaxMentionTokens = "MAX_MENTION_TOKENS"
	KeyLogLevel         = "ENTMATCH_LOG_LEVEL"
	KeyMaintenance      = "MAINTENANCE_INTERVAL"
)

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	Host      string
	Port      int
	DB        int
	Password  string
	Namespace string
	MaxIdle   int
	Timeout   time.Duration
}

// PostgresConfig holds PostgreSQL connection settings.
type PostgresConfig struct {
	DSN      string
	MaxConns int
}

// EmbeddingConfig selects and configures the embedding provider.
type EmbeddingConfig struct {
	Provider   string // "openai" or "ngram"
	BaseURL    string
	APIKey     string
	Model      string
	Dimensions int
	Timeout    time.Duration
}

// Config holds the application configuration.
type Config struct {
	// Matching
	MaxClusters         int
	SimilarityThreshold float64
	MaxBatchSize        int
	MaxMentionTokens    int

	// Storage
	StoreBackend string
	Redis        RedisConfig
	Postgres     PostgresConfig

	Embedding EmbeddingConfig

	// HTTP service
	Port      int
	AuthToken string  // Empty disables token auth
	RateLimit float64 // Requests per second per client, 0 disables
	RateBurst int

	// MaintenanceInterval is the period of background eviction sweeps, 0 disables them.
	MaintenanceInterval time.Duration

	LogLevel string
}

// Default returns a Config with default values.
func Default() *Config {
	return &Config{
		MaxClusters:         DefaultMaxClusters,
		SimilarityThreshold: DefaultThreshold,
		MaxBatchSize:        DefaultMaxBatchSize,
		MaxMentionTokens:    DefaultMaxMentionTokens,
		StoreBackend:        BackendRedis,
		Redis: RedisConfig{
			Host:    "redis",
			Port:    6379,
			MaxIdle: 8,
			Timeout: 5 * time.Second,
		},
		Postgres: PostgresConfig{MaxConns: 10},
		Embedding: EmbeddingConfig{
			Provider: "openai",
			Timeout:  30 * time.Second,
		},
		Port:      DefaultPort,
		RateLimit: 0,
		RateBurst: 20,

		MaintenanceInterval: 10 * time.Minute,
		LogLevel:            "info",
	}
}

// SettingsPath returns the settings file path.
func SettingsPath() string {
	if p := os.Getenv(KeyConfigPath); p != "" {
		return p
	}
	return DefaultSettingsFile
}

// Load reads the settings file at path (missing is fine), applies
// environment overrides and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()

	settings, err := readSettings(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.apply(func(key string) (string, bool) {
		v, ok := settings[key]
		return v, ok
	}); err != nil {
		return nil, fmt.Errorf("settings file %s: %w", path, err)
	}

	if err := cfg.apply(os.LookupEnv); err != nil {
		return nil, fmt.Errorf("environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// readSettings parses a flat YAML mapping of setting keys to scalar values.
func readSettings(path string) (map[string]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read settings file: %w", err)
	}

	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse settings file %s: %w", path, err)
	}

	settings := make(map[string]string, len(raw))
	for k, v := range raw {
		if v == nil {
			continue
		}
		settings[strings.ToUpper(k)] = fmt.Sprint(v)
	}
	return settings, nil
}

type lookupFunc func(key string) (string, bool)

func (c *Config) apply(lookup lookupFunc) error {
	p := parser{lookup: lookup}

	p.int(KeyMaxClusters, &c.MaxClusters)
	p.float(KeyThreshold, &c.SimilarityThreshold)
	p.int(KeyMaxBatchSize, &c.MaxBatchSize)
	p.int(KeyMaxMentionTokens, &c.MaxMentionTokens)

	p.str(KeyStoreBackend, &c.StoreBackend)
	p.str(KeyRedisHost, &c.Redis.Host)
	p.int(KeyRedisPort, &c.Redis.Port)
	p.int(KeyRedisDB, &c.Redis.DB)
	p.str(KeyRedisPassword, &c.Redis.Password)
	p.str(KeyRedisNamespace, &c.Redis.Namespace)
	p.int(KeyRedisMaxIdle, &c.Redis.MaxIdle)
	p.duration(KeyRedisTimeout, &c.Redis.Timeout)
	p.str(KeyPostgresDSN, &c.Postgres.DSN)
	p.int(KeyPostgresMaxConns, &c.Postgres.MaxConns)

	p.str(KeyEmbedProvider, &c.Embedding.Provider)
	p.str(KeyEmbedBaseURL, &c.Embedding.BaseURL)
	p.str(KeyEmbedAPIKey, &c.Embedding.APIKey)
	p.str(KeyEmbedModel, &c.Embedding.Model)
	p.int(KeyEmbedDimensions, &c.Embedding.Dimensions)
	p.duration(KeyEmbedTimeout, &c.Embedding.Timeout)

	p.int(KeyPort, &c.Port)
	p.str(KeyAuthToken, &c.AuthToken)
	p.float(KeyRateLimit, &c.RateLimit)
	p.int(KeyRateBurst, &c.RateBurst)
	p.duration(KeyMaintenance, &c.MaintenanceInterval)
	p.str(KeyLogLevel, &c.LogLevel)

	c.StoreBackend = strings.ToLower(strings.TrimSpace(c.StoreBackend))
	c.Embedding.Provider = strings.ToLower(strings.TrimSpace(c.Embedding.Provider))

	return errors.Join(p.errs...)
}

// Validate checks value ranges and cross-field requirements.
func (c *Config) Validate() error {
	var errs []error
	if c.MaxClusters < 1 {
		errs = append(errs, fmt.Errorf("%s must be positive, got %d", KeyMaxClusters, c.MaxClusters))
	}
	if err := ValidateThreshold(c.SimilarityThreshold); err != nil {
		errs = append(errs, err)
	}
	if c.MaxBatchSize < 0 {
		errs = append(errs, fmt.Errorf("%s must not be negative", KeyMaxBatchSize))
	}
	if c.MaxMentionTokens < 0 {
		errs = append(errs, fmt.Errorf("%s must not be negative", KeyMaxMentionTokens))
	}

	switch c.StoreBackend {
	case BackendRedis:
		if c.Redis.Host == "" || c.Redis.Port <= 0 {
			errs = append(errs, fmt.Errorf("%s and %s are required for the redis backend", KeyRedisHost, KeyRedisPort))
		}
	case BackendPostgres:
		if c.Postgres.DSN == "" {
			errs = append(errs, fmt.Errorf("%s is required for the postgres backend", KeyPostgresDSN))
		}
	case BackendMemory:
	default:
		errs = append(errs, fmt.Errorf("%s must be one of redis, postgres, memory; got %q", KeyStoreBackend, c.StoreBackend))
	}

	if c.Embedding.Provider == "" {
		errs = append(errs, fmt.Errorf("%s is required", KeyEmbedProvider))
	}
	if c.Embedding.Dimensions < 0 {
		errs = append(errs, fmt.Errorf("%s must not be negative", KeyEmbedDimensions))
	}
	if c.Port <= 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("%s out of range: %d", KeyPort, c.Port))
	}
	if c.RateLimit < 0 || c.RateBurst < 0 {
		errs = append(errs, fmt.Errorf("%s and %s must not be negative", KeyRateLimit, KeyRateBurst))
	}
	if c.MaintenanceInterval < 0 {
		errs = append(errs, fmt.Errorf("%s must not be negative", KeyMaintenance))
	}

	return errors.Join(errs...)
}

// ValidateThreshold checks that t is a usable similarity threshold.
func ValidateThreshold(t float64) error {
	if !(t > 0 && t <= 1) {
		return fmt.Errorf("%s must be in (0, 1], got %v", KeyThreshold, t)
	}
	return nil
}

// Tunables are the settings applied to a running engine without restart.
type Tunables struct {
	SimilarityThreshold float64
	MaxClusters         int
}

// Tunables returns the live-reloadable subset of c.
func (c *Config) Tunables() Tunables {
	return Tunables{SimilarityThreshold: c.SimilarityThreshold, MaxClusters: c.MaxClusters}
}

// parser collects conversion errors while applying settings.
type parser struct {
	lookup lookupFunc
	errs   []error
}

func (p *parser) get(key string) (string, bool) {
	v, ok := p.lookup(key)
	if !ok {
		return "", false
	}
	v = strings.TrimSpace(v)
	return v, v != ""
}

func (p *parser) str(key string, dst *string) {
	if v, ok := p.get(key); ok {
		*dst = v
	}
}

func (p *parser) int(key string, dst *int) {
	v, ok := p.get(key)
	if !ok {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: invalid integer %q", key, v))
		return
	}
	*dst = n
}

func (p *parser) float(key string, dst *float64) {
	v, ok := p.get(key)
	if !ok {
		return
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: invalid number %q", key, v))
		return
	}
	*dst = f
}

// duration accepts Go durations ("5s") or plain seconds ("5").
func (p *parser) duration(key string, dst *time.Duration) {
	v, ok := p.get(key)
	if !ok {
		return
	}
	if d, err := time.ParseDuration(v); err == nil {
		*dst = d
		return
	}
	if secs, err := strconv.ParseFloat(v, 64); err == nil {
		*dst = time.Duration(secs * float64(time.Second))
		return
	}
	p.errs = append(p.errs, fmt.Errorf("%s: invalid duration %q", key, v))
}
