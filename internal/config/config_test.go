package config_test

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"analytics/internal/config"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"DATABASE_URL", "DATABASE_DRIVER", "MAX_RETRIES", "RETRY_DELAY",
		"COHORT_MONTHS_BACK", "CHURN_THRESHOLD_DAYS", "LOG_LEVEL", "EXPORTS_DIR",
	} {
		t.Setenv(k, "")
	}
}

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "analytics.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
	return path
}

func TestLoad_MissingURLIsConfigError(t *testing.T) {
	clearEnv(t)

	_, err := config.Load("")
	var cerr *config.Error
	require.True(t, errors.As(err, &cerr), "got %v", err)
	assert.Equal(t, "database.url", cerr.Field)
}

func TestLoad_DefaultsWithEnvURL(t *testing.T) {
	clearEnv(t)
	t.Setenv("DATABASE_URL", "postgres://localhost/analytics")

	cfg, err := config.Load("")
	require.NoError(t, err)
	assert.Equal(t, "postgres", cfg.Database.Driver)
	assert.Equal(t, 3, cfg.Retry.MaxAttempts)
	assert.Equal(t, 5*time.Second, cfg.Retry.Delay.Std())
	assert.Equal(t, 12, cfg.Analytics.CohortMonthsBack)
	assert.Equal(t, 30, cfg.Analytics.ChurnThresholdDays)
	assert.Equal(t, 30*24*time.Hour, cfg.Analytics.RevenueWindow.Std())
	assert.Equal(t, "csv", cfg.Export.Format)
}

func TestLoad_FileThenEnvOverrides(t *testing.T) {
	clearEnv(t)
	path := writeFile(t, `
database:
  url: sqlite:///tmp/a.db
  driver: sqlite
retry:
  max_attempts: 5
  delay: 2s
export:
  dir: /var/exports
  format: parquet
schedule:
  cron: "0 3 * * *"
`)
	t.Setenv("MAX_RETRIES", "7")
	t.Setenv("RETRY_DELAY", "1.5")
	t.Setenv("LOG_LEVEL", "DEBUG")

	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, 7, cfg.Retry.MaxAttempts)
	assert.Equal(t, 1500*time.Millisecond, cfg.Retry.Delay.Std())
	assert.Equal(t, "parquet", cfg.Export.Format)
	assert.Equal(t, "/var/exports", cfg.Export.Dir)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "0 3 * * *", cfg.Schedule.Cron)
}

func TestLoad_DriverAliases(t *testing.T) {
	for _, driver := range []string{"PostgreSQL", "pg", "mariadb", "sqlite3"} {
		t.Run(driver, func(t *testing.T) {
			clearEnv(t)
			t.Setenv("DATABASE_URL", "x")
			t.Setenv("DATABASE_DRIVER", driver)

			cfg, err := config.Load("")
			require.NoError(t, err)
			assert.Equal(t, strings.ToLower(driver), cfg.Database.Driver)
		})
	}
}

func TestLoad_BadEnvInteger(t *testing.T) {
	clearEnv(t)
	t.Setenv("DATABASE_URL", "postgres://x")
	t.Setenv("COHORT_MONTHS_BACK", "twelve")

	_, err := config.Load("")
	var cerr *config.Error
	require.True(t, errors.As(err, &cerr))
	assert.Equal(t, "COHORT_MONTHS_BACK", cerr.Field)
}

func TestLoad_InvalidValues(t *testing.T) {
	tests := []struct {
		name  string
		body  string
		field string
	}{
		{"driver", "database: {url: x, driver: oracle}", "database.driver"},
		{"format", "database: {url: x}\nexport: {dir: out, format: xlsx}", "export.format"},
		{"attempts", "database: {url: x}\nretry: {max_attempts: 0, delay: 1s}", "retry.maxattempts"},
		{"upload bucket", "database: {url: x}\nexport: {dir: out, format: csv, upload: {enabled: true, endpoint: \"minio:9000\"}}", "export.upload.bucket"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			_, err := config.Load(writeFile(t, tt.body))
			var cerr *config.Error
			require.True(t, errors.As(err, &cerr), "got %v", err)
			assert.Equal(t, tt.field, cerr.Field)
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	clearEnv(t)
	_, err := config.Load(filepath.Join(t.TempDir(), "nope.yaml"))
	var cerr *config.Error
	require.True(t, errors.As(err, &cerr))
	assert.True(t, errors.Is(err, os.ErrNotExist))
}
