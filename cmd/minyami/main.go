// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Command minyami downloads HLS recordings and live streams.
package main

import (
	"context"
	"os"

	"github.com/spf13/cobra"

	xglog "github.com/Last-Order/Minyami-sub000/internal/log"
	"github.com/Last-Order/Minyami-sub000/internal/version"
)

// globalFlags are shared by every subcommand.
type globalFlags struct {
	configPath string
	logLevel   string
}

func newRootCmd() *cobra.Command {
	gf := &globalFlags{}
	root := &cobra.Command{
		Use:           "minyami",
		Short:         "Download HLS recordings and live streams",
		Version:       version.String(),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&gf.configPath, "config", "", "path to config file (YAML)")
	root.PersistentFlags().StringVar(&gf.logLevel, "log-level", "", "log level (trace, debug, info, warn, error)")

	root.AddCommand(
		newDownloadCmd(gf),
		newResumeCmd(gf),
		newListCmd(gf),
		newCleanCmd(gf),
		newVersionCmd(),
	)
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print build information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			cmd.Println("minyami " + version.String())
		},
	}
}

func main() {
	xglog.Configure(xglog.Config{
		Level:   "info",
		Service: "minyami",
		Version: version.Version,
	})

	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		logger := xglog.WithComponent("cli")
		logger.Error().Err(err).Msg("command failed")
		os.Exit(exitCode(err))
	}
}
