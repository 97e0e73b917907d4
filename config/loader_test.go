package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLoaderConfig() *LoaderConfig {
	cfg := DefaultLoaderConfig()
	cfg.EnvFiles = nil
	return cfg
}

func TestLoadDefaultsWithoutConfigFile(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	require.NoError(t, Load(t.TempDir(), false, testLoaderConfig()))
	cfg := GetConfig()

	assert.Equal(t, "localhost:8080", cfg.ListenAddr)
	assert.Equal(t, 30*time.Minute, cfg.Impersonate.MaxDuration)
	assert.True(t, cfg.Impersonate.RequireReason)
	assert.False(t, cfg.Impersonate.ReadOnly)
	assert.Equal(t, 100, cfg.Impersonate.MaxFilterSize)
	assert.Equal(t, 20, cfg.Impersonate.PageSize)
	assert.Equal(t, "Local", cfg.Impersonate.TimeZone)
	assert.Equal(t, []string{"openid", "profile", "email"}, cfg.OIDC.Scopes)
	assert.Equal(t, TextLogFormat, cfg.Logging.Format)
}

func TestLoadConfigFileAndEnvironment(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(`
advertise_url: https://impersonate.example.com/
impersonate:
  max_duration: 1h
  require_superuser: true
  time_zone: Europe/Madrid
cors:
  allowed_origins:
    - http://localhost:5173
logging:
  format: json
  level: debug
`), 0o600))
	t.Setenv("IMPERSONATE_IMPERSONATE_MAX_DURATION", "10m")

	require.NoError(t, Load(dir, false, testLoaderConfig()))
	cfg := GetConfig()

	assert.Equal(t, "https://impersonate.example.com", cfg.AdvertiseURL)
	assert.Equal(t, 10*time.Minute, cfg.Impersonate.MaxDuration)
	assert.True(t, cfg.Impersonate.RequireSuperuser)
	assert.Equal(t, []string{"http://localhost:5173"}, cfg.CORS.AllowedOrigins)
	assert.Equal(t, JSONLogFormat, cfg.Logging.Format)
	assert.Equal(t, "debug", cfg.Logging.Level.String())

	loc, err := cfg.Impersonate.Location()
	require.NoError(t, err)
	assert.Equal(t, "Europe/Madrid", loc.String())
}

func TestLoadMissingFile(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	err := Load(filepath.Join(t.TempDir(), "missing.yaml"), true, testLoaderConfig())
	assert.ErrorContains(t, err, "reading config file")
}

func TestLoadEnvFiles(t *testing.T) {
	dir := t.TempDir()
	envFile := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(envFile, []byte("IMPERSONATE_TEST_REDIS_ADDR=redis.internal:6379\n"), 0o600))
	t.Cleanup(func() { os.Unsetenv("IMPERSONATE_TEST_REDIS_ADDR") })

	require.NoError(t, LoadEnvFiles(filepath.Join(dir, "absent.env"), envFile))
	assert.Equal(t, "redis.internal:6379", os.Getenv("IMPERSONATE_TEST_REDIS_ADDR"))
}

func TestLocation(t *testing.T) {
	loc, err := ImpersonateConfig{TimeZone: "Local"}.Location()
	require.NoError(t, err)
	assert.Equal(t, time.Local, loc)

	loc, err = ImpersonateConfig{TimeZone: "UTC"}.Location()
	require.NoError(t, err)
	assert.Equal(t, time.UTC, loc)

	_, err = ImpersonateConfig{TimeZone: "Nowhere/Atlantis"}.Location()
	assert.Error(t, err)
}

func TestValidateServe(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	require.NoError(t, Load(t.TempDir(), false, testLoaderConfig()))
	err := ValidateServe(GetConfig())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "oidc.issuer")

	viper.Set("advertise_url", "http://localhost:8080")
	viper.Set("oidc.issuer", "http://localhost:9000")
	viper.Set("oidc.client_id", "impersonate")
	viper.Set("oidc.client_secret", "secret")
	viper.Set("session.authentication_key", "0123456789abcdef0123456789abcdef")
	viper.Set("session.encryption_key", "0123456789abcdef0123456789abcdef")
	assert.NoError(t, ValidateServe(GetConfig()))

	viper.Set("impersonate.max_filter_size", 0)
	assert.NoError(t, ValidateServe(GetConfig()))
	assert.Equal(t, 0, GetConfig().Impersonate.MaxFilterSize)

	viper.Set("impersonate.max_filter_size", -1)
	assert.ErrorContains(t, ValidateServe(GetConfig()), "max_filter_size")
	viper.Set("impersonate.max_filter_size", 100)

	viper.Set("cors.allowed_origins", []string{"http://localhost:5173", "*"})
	assert.ErrorContains(t, ValidateServe(GetConfig()), "cors.allowed_origins")
	viper.Set("cors.allowed_origins", []string{"http://localhost:5173"})
	assert.NoError(t, ValidateServe(GetConfig()))

	viper.Set("impersonate.max_duration", "-1m")
	assert.ErrorContains(t, ValidateServe(GetConfig()), "max_duration")
}
