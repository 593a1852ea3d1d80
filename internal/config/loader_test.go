// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "minyami.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := NewLoader("", "1.2.3").Load()
	require.NoError(t, err)

	assert.Equal(t, 5, cfg.Threads)
	assert.Equal(t, 5, cfg.Retries)
	assert.Equal(t, 60*time.Second, cfg.Timeout)
	assert.Equal(t, "ts", cfg.Format)
	assert.Equal(t, "json", cfg.Checkpoint.Backend)
	assert.Equal(t, DefaultCheckpointPath("json"), cfg.Checkpoint.Path)
	assert.True(t, filepath.IsAbs(cfg.TempDir))
	assert.Equal(t, "1.2.3", cfg.Version)
	assert.Equal(t, "1.2.3", cfg.Telemetry.ServiceVersion)
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
threads: 16
timeout: 90s
format: MKV
headers:
  Referer: https://example.com/
checkpoint:
  backend: sqlite
keyCache:
  backend: redis
  redis:
    addr: 127.0.0.1:6379
live:
  maxInterval: 3s
`)
	cfg, err := NewLoader(path, "").Load()
	require.NoError(t, err)

	assert.Equal(t, 16, cfg.Threads)
	assert.Equal(t, 90*time.Second, cfg.Timeout)
	assert.Equal(t, "mkv", cfg.Format)
	assert.Equal(t, "https://example.com/", cfg.Headers["Referer"])
	assert.Equal(t, "sqlite", cfg.Checkpoint.Backend)
	assert.Equal(t, DefaultCheckpointPath("sqlite"), cfg.Checkpoint.Path)
	assert.Equal(t, "127.0.0.1:6379", cfg.KeyCache.Redis.Addr)
	assert.Equal(t, 3*time.Second, cfg.Live.MaxInterval)
	// untouched sections keep their defaults
	assert.Equal(t, 5, cfg.Retries)
	assert.Equal(t, 10, cfg.Live.MaxFetchFailures)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	path := writeConfig(t, "threads: 16\nproxy: http://127.0.0.1:8080\n")
	t.Setenv(EnvThreads, "3")
	t.Setenv(EnvTimeout, "30")
	t.Setenv(EnvProxy, "socks5://127.0.0.1:1080")
	t.Setenv(EnvCheckpointPath, filepath.Join(t.TempDir(), "c.json"))

	l := NewLoader(path, "")
	cfg, err := l.Load()
	require.NoError(t, err)

	assert.Equal(t, 3, cfg.Threads)
	assert.Equal(t, 30*time.Second, cfg.Timeout)
	assert.Equal(t, "socks5://127.0.0.1:1080", cfg.Proxy)
	assert.Equal(t, filepath.Base(cfg.Checkpoint.Path), "c.json")
	assert.Contains(t, l.ConsumedEnvKeys, EnvThreads)
	assert.Contains(t, l.ConsumedEnvKeys, EnvOTelEndpoint)
}

func TestLoadRejectsUnknownField(t *testing.T) {
	path := writeConfig(t, "threads: 4\nthread_count: 9\n")
	_, err := NewLoader(path, "").Load()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnknownConfigField)
}

func TestLoadRejectsMultipleDocuments(t *testing.T) {
	path := writeConfig(t, "threads: 4\n---\nthreads: 5\n")
	_, err := NewLoader(path, "").Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "multiple documents")
}

func TestLoadRejectsNonYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte("{}"), 0o600))
	_, err := NewLoader(path, "").Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "only YAML supported")
}

func TestLoadEmptyFile(t *testing.T) {
	cfg, err := NewLoader(writeConfig(t, ""), "").Load()
	require.NoError(t, err)
	assert.Equal(t, 5, cfg.Threads)
}

func TestLoadValidationFailure(t *testing.T) {
	t.Setenv(EnvThreads, "0")
	t.Setenv(EnvFormat, "avi")
	_, err := NewLoader("", "").Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "threads")
	assert.Contains(t, err.Error(), "format")
}

func TestKeyCacheOptions(t *testing.T) {
	kc := KeyCacheConfig{Backend: "redis", Redis: RedisConfig{Addr: "r:6379", DB: 2, Prefix: "p:"}}
	opts := kc.Options()
	assert.Equal(t, "redis", opts.Backend)
	assert.Equal(t, "r:6379", opts.Redis.Addr)
	assert.Equal(t, 2, opts.Redis.DB)
	assert.Equal(t, "p:", opts.Redis.Prefix)
}
