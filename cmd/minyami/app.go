package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/Last-Order/Minyami-sub000/internal/cache"
	"github.com/Last-Order/Minyami-sub000/internal/checkpoint"
	"github.com/Last-Order/Minyami-sub000/internal/config"
	"github.com/Last-Order/Minyami-sub000/internal/download"
	xglog "github.com/Last-Order/Minyami-sub000/internal/log"
	"github.com/Last-Order/Minyami-sub000/internal/metrics"
	"github.com/Last-Order/Minyami-sub000/internal/telemetry"
	"github.com/Last-Order/Minyami-sub000/internal/version"
)

// loadConfig reads defaults, the config file and the environment. Command
// flags are applied by the caller, which then validates again.
func loadConfig(gf *globalFlags) (config.Config, error) {
	cfg, err := config.NewLoader(gf.configPath, version.Version).Load()
	if err != nil {
		return cfg, err
	}
	if gf.logLevel != "" {
		cfg.LogLevel = gf.logLevel
	}
	return cfg, nil
}

// app holds the process wide collaborators of one command.
type app struct {
	cfg    config.Config
	logger zerolog.Logger
	store  checkpoint.Store
	keys   cache.Cache

	closers []func()
}

// newApp configures logging and opens the checkpoint store. withRuntime
// additionally starts tracing, the metrics endpoint and the key cache.
func newApp(ctx context.Context, cfg config.Config, withRuntime bool) (*app, error) {
	xglog.Configure(xglog.Config{
		Level:   cfg.LogLevel,
		Output:  os.Stderr,
		Service: "minyami",
		Version: version.Version,
	})
	a := &app{cfg: cfg, logger: xglog.WithComponent("cli")}

	if err := os.MkdirAll(filepath.Dir(cfg.Checkpoint.Path), 0o755); err != nil {
		return nil, fmt.Errorf("create checkpoint dir: %w", err)
	}
	store, err := checkpoint.NewStore(cfg.Checkpoint.Backend, cfg.Checkpoint.Path)
	if err != nil {
		return nil, fmt.Errorf("open checkpoint store: %w", err)
	}
	a.store = store
	a.closers = append(a.closers, func() {
		if err := store.Close(); err != nil {
			a.logger.Warn().Err(err).Msg("close checkpoint store")
		}
	})
	if !withRuntime {
		return a, nil
	}

	tp, err := telemetry.NewProvider(ctx, cfg.Telemetry)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("init tracing: %w", err)
	}
	a.closers = append(a.closers, func() {
		if err := tp.Shutdown(context.WithoutCancel(ctx)); err != nil {
			a.logger.Warn().Err(err).Msg("shutdown tracing")
		}
	})

	if cfg.Metrics.Listen != "" {
		srv, err := metrics.NewServer(cfg.Metrics.Listen)
		if err != nil {
			a.Close()
			return nil, err
		}
		mctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		done := make(chan struct{})
		go func() {
			defer close(done)
			if err := srv.Run(mctx); err != nil {
				a.logger.Warn().Err(err).Msg("metrics endpoint stopped")
			}
		}()
		a.closers = append(a.closers, func() {
			cancel()
			<-done
		})
	}

	keys, err := cache.New(cfg.KeyCache.Options(), xglog.WithComponent("cache"))
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("init key cache: %w", err)
	}
	a.keys = keys
	a.closers = append(a.closers, func() { _ = keys.Close() })
	return a, nil
}

// downloadOptions are the collaborators injected into every download.
func (a *app) downloadOptions(events chan<- download.Event) []download.Option {
	opts := []download.Option{
		download.WithStore(a.store),
		download.WithLogger(xglog.WithComponent("download")),
	}
	if events != nil {
		opts = append(opts, download.WithEvents(events))
	}
	if a.keys != nil {
		opts = append(opts, download.WithKeyCache(a.keys, a.cfg.KeyCache.TTL))
	}
	return opts
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

// Exit codes.
const (
	exitFailure     = 1
	exitInterrupted = 130
)

func exitCode(err error) int {
	if errors.Is(err, download.ErrInterrupted) || errors.Is(err, download.ErrAborted) {
		return exitInterrupted
	}
	return exitFailure
}

// overrideString copies a flag value into dst when the flag was set.
func overrideString(cmd *cobra.Command, name string, dst *string) {
	if f := cmd.Flags().Lookup(name); f != nil && f.Changed {
		*dst = f.Value.String()
	}
}
