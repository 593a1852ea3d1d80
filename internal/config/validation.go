// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package config

import (
	"fmt"
	"net"
	"strings"

	"github.com/Last-Order/Minyami-sub000/internal/cache"
	"github.com/Last-Order/Minyami-sub000/internal/checkpoint"
	"github.com/Last-Order/Minyami-sub000/internal/decrypt"
	"github.com/Last-Order/Minyami-sub000/internal/merge"
	"github.com/Last-Order/Minyami-sub000/internal/platform/httpx"
	"github.com/Last-Order/Minyami-sub000/internal/telemetry"
	"github.com/Last-Order/Minyami-sub000/internal/validate"
)

// Validate reports every invalid setting at once.
func Validate(cfg Config) error {
	v := validate.New()

	v.Range("threads", cfg.Threads, 1, 256)
	v.NonNegative("retries", cfg.Retries)
	v.PositiveDuration("timeout", cfg.Timeout)
	v.OneOf("format", cfg.Format, []string{merge.FormatTS, merge.FormatMKV, merge.FormatMP4})
	v.Directory("tempDir", cfg.TempDir, false)
	v.OneOf("logLevel", cfg.LogLevel, []string{"trace", "debug", "info", "warn", "error"})

	if cfg.Proxy != "" {
		v.Custom("proxy", cfg.Proxy, func(any) error {
			_, err := httpx.ParseProxy(cfg.Proxy)
			return err
		})
	}

	if cfg.RateLimit.RPS < 0 {
		v.AddError("rateLimit.rps", "value cannot be negative", cfg.RateLimit.RPS)
	}
	v.NonNegative("rateLimit.burst", cfg.RateLimit.Burst)

	v.OneOf("decrypt.backend", cfg.Decrypt.Backend, []string{decrypt.BackendNative, decrypt.BackendOpenSSL})
	if cfg.Decrypt.Backend == decrypt.BackendOpenSSL {
		v.NotEmpty("decrypt.opensslPath", cfg.Decrypt.OpenSSLPath)
	}
	if cfg.Format != merge.FormatTS && !cfg.NoMerge {
		v.NotEmpty("merge.ffmpegPath", cfg.Merge.FFmpegPath)
	}

	v.OneOf("checkpoint.backend", cfg.Checkpoint.Backend, []string{
		checkpoint.BackendJSON, checkpoint.BackendSQLite, checkpoint.BackendBadger, checkpoint.BackendMemory,
	})

	v.OneOf("keyCache.backend", cfg.KeyCache.Backend, []string{cache.BackendMemory, cache.BackendRedis, cache.BackendNone})
	if cfg.KeyCache.Backend == cache.BackendRedis {
		v.NotEmpty("keyCache.redis.addr", cfg.KeyCache.Redis.Addr)
	}

	v.Positive("live.maxFetchFailures", cfg.Live.MaxFetchFailures)
	v.PositiveDuration("live.maxInterval", cfg.Live.MaxInterval)

	if cfg.Metrics.Listen != "" {
		v.ListenAddr("metrics.listen", cfg.Metrics.Listen)
	}

	if cfg.Telemetry.Enabled {
		v.OneOf("telemetry.exporter", cfg.Telemetry.ExporterType, []string{telemetry.ExporterGRPC, telemetry.ExporterHTTP})
		v.Custom("telemetry.endpoint", cfg.Telemetry.Endpoint, checkEndpoint)
	}

	return v.Err()
}

// checkEndpoint accepts the host:port form the OTLP exporters dial.
func checkEndpoint(value any) error {
	endpoint, _ := value.(string)
	if strings.TrimSpace(endpoint) == "" {
		return fmt.Errorf("value cannot be empty")
	}
	if strings.Contains(endpoint, "://") {
		return fmt.Errorf("endpoint must be host:port without a scheme")
	}
	if _, _, err := net.SplitHostPort(endpoint); err != nil {
		return fmt.Errorf("invalid endpoint: %w", err)
	}
	return nil
}
