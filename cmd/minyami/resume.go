package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Last-Order/Minyami-sub000/internal/config"
	"github.com/Last-Order/Minyami-sub000/internal/download"
)

type storeFlags struct {
	backend string
	path    string
}

func (f *storeFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.backend, "checkpoint-backend", "", "checkpoint store: json, sqlite, badger or memory")
	cmd.Flags().StringVar(&f.path, "checkpoint-path", "", "checkpoint store location")
}

func (f *storeFlags) apply(cmd *cobra.Command, cfg *config.Config) {
	if changed(cmd, "checkpoint-backend") {
		cfg.Checkpoint.Backend = f.backend
		if !changed(cmd, "checkpoint-path") {
			cfg.Checkpoint.Path = config.DefaultCheckpointPath(f.backend)
		}
	}
	overrideString(cmd, "checkpoint-path", &cfg.Checkpoint.Path)
}

// loadWithStore loads the config with checkpoint flag overrides applied.
func loadWithStore(cmd *cobra.Command, gf *globalFlags, sf *storeFlags) (config.Config, error) {
	cfg, err := loadConfig(gf)
	if err != nil {
		return cfg, err
	}
	sf.apply(cmd, &cfg)
	if err := config.Validate(cfg); err != nil {
		return cfg, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

func newResumeCmd(gf *globalFlags) *cobra.Command {
	sf := &storeFlags{}
	var (
		threads       int
		metricsListen string
	)
	cmd := &cobra.Command{
		Use:   "resume <task-id>",
		Short: "Continue an interrupted archive download",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadWithStore(cmd, gf, sf)
			if err != nil {
				return err
			}
			overrideString(cmd, "metrics-listen", &cfg.Metrics.Listen)

			a, err := newApp(cmd.Context(), cfg, true)
			if err != nil {
				return err
			}
			defer a.Close()

			var adjust func(*download.Options)
			if changed(cmd, "threads") {
				adjust = func(o *download.Options) { o.Threads = threads }
			}
			adjustTools := func(o *download.Options) {
				if adjust != nil {
					adjust(o)
				}
				o.DecryptBackend = cfg.Decrypt.Backend
				o.OpenSSLPath = cfg.Decrypt.OpenSSLPath
				o.FFmpegPath = cfg.Merge.FFmpegPath
				o.RateLimit, o.RateBurst = cfg.RateLimit.RPS, cfg.RateLimit.Burst
			}

			events := make(chan download.Event, 256)
			arc, err := download.NewResume(cmd.Context(), a.store, args[0], adjustTools, a.downloadOptions(events)...)
			if err != nil {
				return fmt.Errorf("resume %s: %w", args[0], err)
			}

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()
			stopSignals := onInterrupt(cancel, forceExit)
			defer stopSignals()
			return runWithProgress(events, func() error { return arc.Run(ctx) })
		},
	}
	sf.register(cmd)
	cmd.Flags().IntVarP(&threads, "threads", "t", 0, "override the saved thread count")
	cmd.Flags().StringVar(&metricsListen, "metrics-listen", "", "serve Prometheus metrics on this address")
	return cmd
}
