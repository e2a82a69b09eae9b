package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func envMap(m map[string]string) LookupFunc {
	return func(key string) (string, bool) {
		v, ok := m[key]
		return v, ok
	}
}

func TestFromEnv_Defaults(t *testing.T) {
	cfg, err := FromEnv(envMap(map[string]string{"WEBHOOK_SECRET": "s"}))
	require.NoError(t, err)

	assert.Equal(t, BackendMemory, cfg.StoreBackend)
	assert.True(t, cfg.AccessRequired)
	assert.Equal(t, 48*time.Hour, cfg.Plans.FixedDuration)
	assert.Equal(t, 3000, cfg.Port)
	assert.Equal(t, ":3000", cfg.Addr())
	assert.Equal(t, "/webhooks/provider", cfg.WebhookPath)
	assert.Equal(t, CacheLRU, cfg.ValidationCache)
	assert.False(t, cfg.ValidationFallback)
	assert.Equal(t, "info", cfg.LogLevel)
}

func TestFromEnv_Full(t *testing.T) {
	cfg, err := FromEnv(envMap(map[string]string{
		"LEMON_WEBHOOK_SECRET":      "legacy",
		"PLAN_FIXED_KEYS":           "48H, 49H",
		"PLAN_MONTHLY_KEYS":         "111",
		"PLAN_ANNUAL_KEYS":          "222,,333",
		"FIXED_DURATION_HOURS":      "72",
		"ACCESS_REQUIRED":           "false",
		"ADMIN_KEY":                 "adm",
		"DATABASE_PRIVATE_URL":      "postgres://u:p@db/ent",
		"STORE_TIMEOUT":             "2s",
		"CIRCUIT_BREAKER_ENABLED":   "0",
		"CIRCUIT_BREAKER_THRESHOLD": "3",
		"CIRCUIT_BREAKER_RESET":     "15",
		"VALIDATION_FALLBACK":       "true",
		"VALIDATION_TIMEOUT":        "1500ms",
		"VALIDATION_CACHE":          "NONE",
		"PORT":                      "8081",
		"METRICS_ADDR":              "",
		"LOG_LEVEL":                 "DEBUG",
		"LOG_FORMAT":                "console",
	}))
	require.NoError(t, err)

	assert.Equal(t, "legacy", cfg.WebhookSecret)
	assert.Equal(t, []string{"48H", "49H"}, cfg.Plans.FixedKeys)
	assert.Equal(t, []string{"222", "333"}, cfg.Plans.AnnualKeys)
	assert.Equal(t, 72*time.Hour, cfg.Plans.FixedDuration)
	assert.False(t, cfg.AccessRequired)
	assert.Equal(t, BackendPostgres, cfg.StoreBackend, "inferred from the database url")
	assert.Equal(t, "postgres://u:p@db/ent", cfg.DatabaseURL)
	assert.Equal(t, 2*time.Second, cfg.StoreTimeout)
	assert.False(t, cfg.CircuitBreakerEnabled)
	assert.Equal(t, 3, cfg.CircuitBreakerThreshold)
	assert.Equal(t, 15*time.Second, cfg.CircuitBreakerReset)
	assert.True(t, cfg.ValidationFallback)
	assert.Equal(t, 1500*time.Millisecond, cfg.ValidationTimeout)
	assert.Equal(t, CacheNone, cfg.ValidationCache)
	assert.Equal(t, 8081, cfg.Port)
	assert.Empty(t, cfg.MetricsAddr, "empty disables the metrics server")
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "console", cfg.LogFormat)
}

func TestFromEnv_BackendInference(t *testing.T) {
	cfg, err := FromEnv(envMap(map[string]string{
		"WEBHOOK_SECRET": "s",
		"REDIS_URL":      "redis://localhost:6379/0",
	}))
	require.NoError(t, err)
	assert.Equal(t, BackendRedis, cfg.StoreBackend)

	cfg, err = FromEnv(envMap(map[string]string{
		"WEBHOOK_SECRET": "s",
		"DATABASE_URL":   "postgres://db",
		"STORE_BACKEND":  "memory",
	}))
	require.NoError(t, err)
	assert.Equal(t, BackendMemory, cfg.StoreBackend, "explicit backend wins")
}

func TestFromEnv_Errors(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"missing secret", map[string]string{}},
		{"bad bool", map[string]string{"WEBHOOK_SECRET": "s", "ACCESS_REQUIRED": "maybe"}},
		{"bad duration", map[string]string{"WEBHOOK_SECRET": "s", "STORE_TIMEOUT": "soon"}},
		{"bad hours", map[string]string{"WEBHOOK_SECRET": "s", "FIXED_DURATION_HOURS": "-1"}},
		{"bad port", map[string]string{"WEBHOOK_SECRET": "s", "PORT": "70000"}},
		{"unknown backend", map[string]string{"WEBHOOK_SECRET": "s", "STORE_BACKEND": "mongo"}},
		{"postgres without url", map[string]string{"WEBHOOK_SECRET": "s", "STORE_BACKEND": "postgres"}},
		{"redis without url", map[string]string{"WEBHOOK_SECRET": "s", "STORE_BACKEND": "redis"}},
		{"redis cache without url", map[string]string{"WEBHOOK_SECRET": "s", "VALIDATION_CACHE": "redis"}},
		{"bad log level", map[string]string{"WEBHOOK_SECRET": "s", "LOG_LEVEL": "loud"}},
		{"bad validation url", map[string]string{"WEBHOOK_SECRET": "s", "VALIDATION_URL": "not a url"}},
		{"bad webhook path", map[string]string{"WEBHOOK_SECRET": "s", "WEBHOOK_PATH": "hooks"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := FromEnv(envMap(tt.env))
			assert.Error(t, err)
		})
	}
}

func TestLoad_EnvFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.env")
	require.NoError(t, os.WriteFile(path, []byte("WEBHOOK_SECRET=from_file\nPORT=4000\n"), 0o600))

	// godotenv never overrides variables that are already set
	t.Setenv("PORT", "5000")
	t.Setenv("WEBHOOK_SECRET", "")
	require.NoError(t, os.Unsetenv("WEBHOOK_SECRET"))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "from_file", cfg.WebhookSecret)
	assert.Equal(t, 5000, cfg.Port)
}

func TestLoad_MissingEnvFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.env"))
	assert.Error(t, err)
}
