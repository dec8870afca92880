package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// clearEnv unsets every setting key for the duration of the test.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		KeyConfigPath, KeyMaxClusters, KeyThreshold, KeyStoreBackend,
		KeyRedisHost, KeyRedisPort, KeyRedisDB, KeyRedisPassword, KeyRedisNamespace,
		KeyRedisMaxIdle, KeyRedisTimeout, KeyPostgresDSN, KeyPostgresMaxConns,
		KeyEmbedProvider, KeyEmbedBaseURL, KeyEmbedAPIKey, KeyEmbedModel,
		KeyEmbedDimensions, KeyEmbedTimeout, KeyPort, KeyAuthToken, KeyRateLimit,
		KeyRateBurst, KeyMaxBatchSize, KeyMaxMentionTokens, KeyLogLevel, KeyMaintenance,
	} {
		if v, ok := os.LookupEnv(key); ok {
			require.NoError(t, os.Unsetenv(key))
			t.Cleanup(func() { _ = os.Setenv(key, v) })
		}
	}
}

func writeSettings(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "entmatch.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

func TestDefault(t *testing.T) {
	cfg := Default()

	assert.Equal(t, 10000, cfg.MaxClusters)
	assert.Equal(t, 0.8, cfg.SimilarityThreshold)
	assert.Equal(t, BackendRedis, cfg.StoreBackend)
	assert.Equal(t, "redis", cfg.Redis.Host)
	assert.Equal(t, 6379, cfg.Redis.Port)
	assert.Equal(t, 8000, cfg.Port)
	assert.Equal(t, 1000, cfg.MaxBatchSize)
	assert.Equal(t, 256, cfg.MaxMentionTokens)
	assert.Equal(t, 10*time.Minute, cfg.MaintenanceInterval)
	assert.NoError(t, cfg.Validate())
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoad_SettingsFile(t *testing.T) {
	clearEnv(t)
	path := writeSettings(t, `
MAX_CLUSTERS: 50
SIMILARITY_THRESHOLD: 0.92
STORE_BACKEND: Memory
REDIS_TIMEOUT: 750ms
EMBEDDING_PROVIDER: ngram
EMBEDDING_DIMENSIONS: 128
embedding_timeout: 3
MAINTENANCE_INTERVAL: 0
ENTMATCH_LOG_LEVEL: debug
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 50, cfg.MaxClusters)
	assert.Equal(t, 0.92, cfg.SimilarityThreshold)
	assert.Equal(t, BackendMemory, cfg.StoreBackend)
	assert.Equal(t, 750*time.Millisecond, cfg.Redis.Timeout)
	assert.Equal(t, "ngram", cfg.Embedding.Provider)
	assert.Equal(t, 128, cfg.Embedding.Dimensions)
	assert.Equal(t, 3*time.Second, cfg.Embedding.Timeout)
	assert.Zero(t, cfg.MaintenanceInterval)
	assert.Equal(t, "debug", cfg.LogLevel)
}

func TestLoad_EnvironmentWins(t *testing.T) {
	clearEnv(t)
	path := writeSettings(t, "MAX_CLUSTERS: 50\nREDIS_HOST: file-host\n")

	t.Setenv(KeyMaxClusters, "7")
	t.Setenv(KeyRedisPort, "6380")
	t.Setenv(KeyAuthToken, "secret")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 7, cfg.MaxClusters)
	assert.Equal(t, "file-host", cfg.Redis.Host)
	assert.Equal(t, 6380, cfg.Redis.Port)
	assert.Equal(t, "secret", cfg.AuthToken)
}

func TestLoad_InvalidValues(t *testing.T) {
	tests := []struct {
		name string
		key  string
		val  string
	}{
		{"non-numeric max clusters", KeyMaxClusters, "lots"},
		{"threshold above one", KeyThreshold, "1.5"},
		{"zero threshold", KeyThreshold, "0"},
		{"zero max clusters", KeyMaxClusters, "0"},
		{"unknown backend", KeyStoreBackend, "sqlite"},
		{"bad duration", KeyRedisTimeout, "soon"},
		{"port out of range", KeyPort, "70000"},
		{"negative maintenance interval", KeyMaintenance, "-1m"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			t.Setenv(tt.key, tt.val)

			_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.key)
		})
	}
}

func TestLoad_MalformedFile(t *testing.T) {
	clearEnv(t)
	path := writeSettings(t, "MAX_CLUSTERS: [1, 2\n")

	_, err := Load(path)
	assert.Error(t, err)
}

func TestValidate_PostgresRequiresDSN(t *testing.T) {
	cfg := Default()
	cfg.StoreBackend = BackendPostgres
	assert.ErrorContains(t, cfg.Validate(), KeyPostgresDSN)

	cfg.Postgres.DSN = "postgres://localhost/entmatch"
	assert.NoError(t, cfg.Validate())
}

func TestSettingsPath(t *testing.T) {
	clearEnv(t)
	assert.Equal(t, DefaultSettingsFile, SettingsPath())

	t.Setenv(KeyConfigPath, "/etc/entmatch/settings.yaml")
	assert.Equal(t, "/etc/entmatch/settings.yaml", SettingsPath())
}

func TestTunables(t *testing.T) {
	cfg := Default()
	cfg.MaxClusters = 3
	cfg.SimilarityThreshold = 0.5

	assert.Equal(t, Tunables{SimilarityThreshold: 0.5, MaxClusters: 3}, cfg.Tunables())
}
