package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wikiimport/internal/util"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "wikiimport.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
	return path
}

func TestDefault(t *testing.T) {
	cfg := Default()
	assert.Equal(t, 8, cfg.Concurrency)
	assert.Equal(t, 4, cfg.Upload.Concurrency)
	assert.Equal(t, uint(5), cfg.Upload.Attempts)
	assert.Equal(t, 200*time.Millisecond, cfg.Upload.InitialDelay)
	assert.Equal(t, 10*time.Second, cfg.Upload.MaxDelay)
	assert.Equal(t, 250*time.Millisecond, cfg.Upload.MaxJitter)
	assert.True(t, cfg.S3.Secure)
	assert.Empty(t, cfg.S3.Endpoint)
	assert.Equal(t, 30000, cfg.Database.BusyTimeout)
	assert.Empty(t, cfg.Excludes)
	assert.Empty(t, cfg.Report)
	require.NoError(t, cfg.Validate())
}

func TestLoadWithoutFile(t *testing.T) {
	t.Setenv(EnvConfig, "")
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadOverlaysFile(t *testing.T) {
	path := writeConfig(t, `
concurrency: 2
upload:
  attempts: 9
  max_delay: 1m
s3:
  endpoint: localhost:9000
  secure: false
  key_prefix: blobs/
excludes:
  - "*.tmp"
  - private/
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 2, cfg.Concurrency)
	assert.Equal(t, uint(9), cfg.Upload.Attempts)
	assert.Equal(t, time.Minute, cfg.Upload.MaxDelay)
	assert.Equal(t, 200*time.Millisecond, cfg.Upload.InitialDelay, "unset keys keep their defaults")
	assert.Equal(t, 4, cfg.Upload.Concurrency)
	assert.Equal(t, "localhost:9000", cfg.S3.Endpoint)
	assert.False(t, cfg.S3.Secure)
	assert.Equal(t, "blobs/", cfg.S3.KeyPrefix)
	assert.Equal(t, []string{"*.tmp", "private/"}, cfg.Excludes)
}

func TestLoadFromEnvPath(t *testing.T) {
	t.Setenv(EnvConfig, writeConfig(t, "report: out.md\n"))
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "out.md", cfg.Report)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	path := writeConfig(t, "concurrency: 2\ndatabase:\n  busy_timeout: 100\n")
	t.Setenv(EnvConcurrency, "16")
	t.Setenv(EnvBusyTimeout, "5000")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 16, cfg.Concurrency)
	assert.Equal(t, 5000, cfg.Database.BusyTimeout)
}

func TestLoadErrors(t *testing.T) {
	t.Run("missing explicit file", func(t *testing.T) {
		_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
		assert.ErrorIs(t, err, os.ErrNotExist)
	})
	t.Run("malformed yaml", func(t *testing.T) {
		_, err := Load(writeConfig(t, "concurrency: [1, 2\n"))
		assert.ErrorContains(t, err, "failed to parse config")
	})
	t.Run("bad duration", func(t *testing.T) {
		_, err := Load(writeConfig(t, "upload:\n  max_delay: soon\n"))
		assert.Error(t, err)
	})
	t.Run("bad env", func(t *testing.T) {
		t.Setenv(EnvConfig, "")
		t.Setenv(EnvConcurrency, "many")
		_, err := Load("")
		assert.ErrorContains(t, err, EnvConcurrency)
	})
	t.Run("invalid value", func(t *testing.T) {
		_, err := Load(writeConfig(t, "concurrency: 0\n"))
		assert.ErrorContains(t, err, "concurrency must be at least 1")
	})
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"upload concurrency", func(c *Config) { c.Upload.Concurrency = 0 }, "upload.concurrency"},
		{"attempts", func(c *Config) { c.Upload.Attempts = 0 }, "upload.attempts"},
		{"negative delay", func(c *Config) { c.Upload.MaxJitter = -time.Second }, "must not be negative"},
		{"inverted delays", func(c *Config) { c.Upload.MaxDelay = time.Millisecond }, "below upload.initial_delay"},
		{"busy timeout", func(c *Config) { c.Database.BusyTimeout = -1 }, "database.busy_timeout"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.ErrorContains(t, cfg.Validate(), tt.want)
		})
	}

	cfg := Default()
	cfg.Concurrency = 0
	cfg.Upload.Attempts = 0
	err := cfg.Validate()
	assert.ErrorContains(t, err, "concurrency must be at least 1")
	assert.ErrorContains(t, err, "upload.attempts")
}

func TestBackoff(t *testing.T) {
	cfg := Default()
	assert.Equal(t, util.BackoffPolicy{
		Attempts:     5,
		InitialDelay: 200 * time.Millisecond,
		MaxDelay:     10 * time.Second,
		MaxJitter:    250 * time.Millisecond,
	}, cfg.Backoff())
}
