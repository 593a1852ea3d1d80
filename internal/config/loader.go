// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment variable names.
const (
	EnvThreads           = "MINYAMI_THREADS"
	EnvRetries           = "MINYAMI_RETRIES"
	EnvTimeout           = "MINYAMI_TIMEOUT"
	EnvProxy             = "MINYAMI_PROXY"
	EnvFormat            = "MINYAMI_FORMAT"
	EnvTempDir           = "MINYAMI_TEMP_DIR"
	EnvCookies           = "MINYAMI_COOKIES"
	EnvLogLevel          = "MINYAMI_LOG_LEVEL"
	EnvRateLimit         = "MINYAMI_RATE_LIMIT"
	EnvRateBurst         = "MINYAMI_RATE_BURST"
	EnvDecryptBackend    = "MINYAMI_DECRYPT_BACKEND"
	EnvOpenSSLPath       = "MINYAMI_OPENSSL_PATH"
	EnvFFmpegPath        = "MINYAMI_FFMPEG_PATH"
	EnvCheckpointBackend = "MINYAMI_CHECKPOINT_BACKEND"
	EnvCheckpointPath    = "MINYAMI_CHECKPOINT_PATH"
	EnvKeyCache          = "MINYAMI_KEY_CACHE"
	EnvKeyCacheTTL       = "MINYAMI_KEY_CACHE_TTL"
	EnvRedisAddr         = "MINYAMI_REDIS_ADDR"
	EnvRedisPassword     = "MINYAMI_REDIS_PASSWORD"
	EnvRedisDB           = "MINYAMI_REDIS_DB"
	EnvLiveMaxFailures   = "MINYAMI_LIVE_MAX_FAILURES"
	EnvLiveMaxInterval   = "MINYAMI_LIVE_MAX_INTERVAL"
	EnvMetricsListen     = "MINYAMI_METRICS_LISTEN"
	EnvOTelEnabled       = "MINYAMI_OTEL_ENABLED"
	EnvOTelExporter      = "MINYAMI_OTEL_EXPORTER"
	EnvOTelEndpoint      = "MINYAMI_OTEL_ENDPOINT"
	EnvOTelSampling      = "MINYAMI_OTEL_SAMPLING"
	EnvOTelInsecure      = "MINYAMI_OTEL_INSECURE"
)

// Loader applies defaults, then the YAML file, then the environment.
type Loader struct {
	configPath string
	version    string
	// ConsumedEnvKeys records every variable the loader looked at.
	ConsumedEnvKeys map[string]struct{}
}

// NewLoader returns a loader for configPath. An empty path skips the file.
func NewLoader(configPath, version string) *Loader {
	return &Loader{
		configPath:      configPath,
		version:         version,
		ConsumedEnvKeys: make(map[string]struct{}),
	}
}

func (l *Loader) envString(key, def string) string {
	l.ConsumedEnvKeys[key] = struct{}{}
	return ParseString(key, def)
}

func (l *Loader) envInt(key string, def int) int {
	l.ConsumedEnvKeys[key] = struct{}{}
	return ParseInt(key, def)
}

func (l *Loader) envBool(key string, def bool) bool {
	l.ConsumedEnvKeys[key] = struct{}{}
	return ParseBool(key, def)
}

func (l *Loader) envDuration(key string, def time.Duration) time.Duration {
	l.ConsumedEnvKeys[key] = struct{}{}
	return ParseDuration(key, def)
}

func (l *Loader) envFloat(key string, def float64) float64 {
	l.ConsumedEnvKeys[key] = struct{}{}
	return ParseFloat(key, def)
}

// Load builds and validates the configuration.
func (l *Loader) Load() (Config, error) {
	cfg := Defaults()

	if l.configPath != "" {
		if err := l.loadFile(l.configPath, &cfg); err != nil {
			return cfg, fmt.Errorf("load config file: %w", err)
		}
	}
	l.mergeEnv(&cfg)

	cfg.Version = l.version
	cfg.Telemetry.ServiceVersion = l.version
	l.resolve(&cfg)

	if err := Validate(cfg); err != nil {
		return cfg, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// loadFile decodes path over cfg. Unknown keys are rejected.
func (l *Loader) loadFile(path string, cfg *Config) error {
	path = filepath.Clean(path)
	ext := strings.ToLower(filepath.Ext(path))
	if ext != ".yaml" && ext != ".yml" {
		return fmt.Errorf("unsupported config format: %s (only YAML supported)", ext)
	}

	// #nosec G304 -- the path is chosen by the operator
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read file: %w", err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		if strings.Contains(err.Error(), "field") && strings.Contains(err.Error(), "not found") {
			return fmt.Errorf("%w: %v", ErrUnknownConfigField, err)
		}
		return fmt.Errorf("strict config parse error: %w", err)
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return errors.New("config file contains multiple documents or trailing content")
	}
	return nil
}

func (l *Loader) mergeEnv(cfg *Config) {
	cfg.Threads = l.envInt(EnvThreads, cfg.Threads)
	cfg.Retries = l.envInt(EnvRetries, cfg.Retries)
	cfg.Timeout = l.envDuration(EnvTimeout, cfg.Timeout)
	cfg.Proxy = l.envString(EnvProxy, cfg.Proxy)
	cfg.Format = l.envString(EnvFormat, cfg.Format)
	cfg.TempDir = l.envString(EnvTempDir, cfg.TempDir)
	cfg.Cookies = l.envString(EnvCookies, cfg.Cookies)
	cfg.LogLevel = l.envString(EnvLogLevel, cfg.LogLevel)

	cfg.RateLimit.RPS = l.envFloat(EnvRateLimit, cfg.RateLimit.RPS)
	cfg.RateLimit.Burst = l.envInt(EnvRateBurst, cfg.RateLimit.Burst)

	cfg.Decrypt.Backend = l.envString(EnvDecryptBackend, cfg.Decrypt.Backend)
	cfg.Decrypt.OpenSSLPath = l.envString(EnvOpenSSLPath, cfg.Decrypt.OpenSSLPath)
	cfg.Merge.FFmpegPath = l.envString(EnvFFmpegPath, cfg.Merge.FFmpegPath)

	cfg.Checkpoint.Backend = l.envString(EnvCheckpointBackend, cfg.Checkpoint.Backend)
	cfg.Checkpoint.Path = l.envString(EnvCheckpointPath, cfg.Checkpoint.Path)

	cfg.KeyCache.Backend = l.envString(EnvKeyCache, cfg.KeyCache.Backend)
	cfg.KeyCache.TTL = l.envDuration(EnvKeyCacheTTL, cfg.KeyCache.TTL)
	cfg.KeyCache.Redis.Addr = l.envString(EnvRedisAddr, cfg.KeyCache.Redis.Addr)
	cfg.KeyCache.Redis.Password = l.envString(EnvRedisPassword, cfg.KeyCache.Redis.Password)
	cfg.KeyCache.Redis.DB = l.envInt(EnvRedisDB, cfg.KeyCache.Redis.DB)

	cfg.Live.MaxFetchFailures = l.envInt(EnvLiveMaxFailures, cfg.Live.MaxFetchFailures)
	cfg.Live.MaxInterval = l.envDuration(EnvLiveMaxInterval, cfg.Live.MaxInterval)

	cfg.Metrics.Listen = l.envString(EnvMetricsListen, cfg.Metrics.Listen)

	cfg.Telemetry.Enabled = l.envBool(EnvOTelEnabled, cfg.Telemetry.Enabled)
	cfg.Telemetry.ExporterType = l.envString(EnvOTelExporter, cfg.Telemetry.ExporterType)
	cfg.Telemetry.Endpoint = l.envString(EnvOTelEndpoint, cfg.Telemetry.Endpoint)
	cfg.Telemetry.SamplingRate = l.envFloat(EnvOTelSampling, cfg.Telemetry.SamplingRate)
	cfg.Telemetry.Insecure = l.envBool(EnvOTelInsecure, cfg.Telemetry.Insecure)
}

// resolve fills values derived from other settings.
func (l *Loader) resolve(cfg *Config) {
	cfg.Format = strings.ToLower(strings.TrimSpace(cfg.Format))
	if cfg.Checkpoint.Path == "" {
		cfg.Checkpoint.Path = DefaultCheckpointPath(cfg.Checkpoint.Backend)
	}
	if abs, err := filepath.Abs(cfg.TempDir); err == nil {
		cfg.TempDir = abs
	}
}
