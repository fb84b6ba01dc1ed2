package main

import (
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/bdobrica/Kaden/common/version"
	"github.com/bdobrica/Kaden/internal/kaden/app"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and, when configured, the Matrix front-end",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cfg.Validate(); err != nil {
				return err
			}
			slog.Info("starting kaden", "version", version.Version, "commit", version.GitCommit, "config", cfg)

			a, err := app.New(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer a.Stop()
			return a.Run(cmd.Context())
		},
	}
}
