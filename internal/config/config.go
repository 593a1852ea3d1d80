// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package config loads download settings from defaults, an optional YAML
// file and MINYAMI_* environment variables. Command line flags are applied by
// the caller on top of the loaded value.
package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/Last-Order/Minyami-sub000/internal/cache"
	"github.com/Last-Order/Minyami-sub000/internal/checkpoint"
	"github.com/Last-Order/Minyami-sub000/internal/decrypt"
	"github.com/Last-Order/Minyami-sub000/internal/merge"
	"github.com/Last-Order/Minyami-sub000/internal/telemetry"
)

// Config is the complete runtime configuration of a download.
type Config struct {
	Threads int `yaml:"threads"`
	// Retries caps attempts per segment. Zero retries forever.
	Retries int `yaml:"retries"`
	// Timeout is the base per-attempt timeout. It grows with each retry.
	Timeout time.Duration     `yaml:"timeout"`
	Proxy   string            `yaml:"proxy"`
	Format  string            `yaml:"format"`
	TempDir string            `yaml:"tempDir"`
	Headers map[string]string `yaml:"headers"`
	Cookies string            `yaml:"cookies"`
	NoMerge bool              `yaml:"noMerge"`
	Keep    bool              `yaml:"keep"`

	LogLevel string `yaml:"logLevel"`

	RateLimit  RateLimitConfig  `yaml:"rateLimit"`
	Decrypt    DecryptConfig    `yaml:"decrypt"`
	Merge      MergeConfig      `yaml:"merge"`
	Checkpoint CheckpointConfig `yaml:"checkpoint"`
	KeyCache   KeyCacheConfig   `yaml:"keyCache"`
	Live       LiveConfig       `yaml:"live"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	Telemetry  telemetry.Config `yaml:"telemetry"`

	Version string `yaml:"-"`
}

// RateLimitConfig paces requests. RPS 0 disables pacing.
type RateLimitConfig struct {
	RPS   float64 `yaml:"rps"`
	Burst int     `yaml:"burst"`
}

type DecryptConfig struct {
	Backend     string `yaml:"backend"`
	OpenSSLPath string `yaml:"opensslPath"`
}

type MergeConfig struct {
	FFmpegPath string `yaml:"ffmpegPath"`
}

// CheckpointConfig selects the resume store. An empty Path resolves to a
// per-backend default under the user cache directory.
type CheckpointConfig struct {
	Backend string `yaml:"backend"`
	Path    string `yaml:"path"`
}

// KeyCacheConfig mirrors resolved keys so resumed or parallel runs reuse them.
type KeyCacheConfig struct {
	Backend string        `yaml:"backend"`
	TTL     time.Duration `yaml:"ttl"`
	Redis   RedisConfig   `yaml:"redis"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

// Options converts the key cache settings for cache.New.
func (c KeyCacheConfig) Options() cache.Options {
	return cache.Options{
		Backend: c.Backend,
		Redis: cache.RedisConfig{
			Addr:     c.Redis.Addr,
			Password: c.Redis.Password,
			DB:       c.Redis.DB,
			Prefix:   c.Redis.Prefix,
		},
		CleanupInterval: time.Minute,
	}
}

type LiveConfig struct {
	MaxFetchFailures int           `yaml:"maxFetchFailures"`
	MaxInterval      time.Duration `yaml:"maxInterval"`
}

// MetricsConfig enables the Prometheus endpoint when Listen is set.
type MetricsConfig struct {
	Listen string `yaml:"listen"`
}

// Defaults returns the configuration used when nothing else is set.
func Defaults() Config {
	return Config{
		Threads:  5,
		Retries:  5,
		Timeout:  60 * time.Second,
		Format:   merge.FormatTS,
		TempDir:  filepath.Join(os.TempDir(), "minyami"),
		LogLevel: "info",
		Decrypt: DecryptConfig{
			Backend:     decrypt.BackendNative,
			OpenSSLPath: "openssl",
		},
		Merge: MergeConfig{FFmpegPath: "ffmpeg"},
		Checkpoint: CheckpointConfig{
			Backend: checkpoint.BackendJSON,
		},
		KeyCache: KeyCacheConfig{
			Backend: cache.BackendMemory,
			TTL:     24 * time.Hour,
		},
		Live: LiveConfig{
			MaxFetchFailures: 10,
			MaxInterval:      5 * time.Second,
		},
		Telemetry: telemetry.Config{
			ServiceName:  telemetry.DefaultServiceName,
			ExporterType: telemetry.ExporterGRPC,
			SamplingRate: 1,
		},
	}
}

// DefaultCheckpointPath is where a backend keeps its data when no path is
// configured.
func DefaultCheckpointPath(backend string) string {
	dir, err := os.UserCacheDir()
	if err != nil {
		dir = os.TempDir()
	}
	dir = filepath.Join(dir, "minyami")
	switch backend {
	case checkpoint.BackendSQLite:
		return filepath.Join(dir, "tasks.db")
	case checkpoint.BackendBadger:
		return filepath.Join(dir, "tasks.badger")
	default:
		return filepath.Join(dir, "tasks.json")
	}
}
