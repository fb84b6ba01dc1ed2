package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/bdobrica/Kaden/internal/kaden/config"
)

var (
	exit    = os.Exit
	envFile string
	cfg     *config.Config
)

// newRootCmd creates the 'kaden' command with its subcommands.
func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "kaden",
		Short:         "Turn plain sentences into Home Assistant automations",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file loaded before reading KADEN_* variables")
	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		// A missing .env is normal in containers.
		if err := godotenv.Load(envFile); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("load %s: %w", envFile, err)
		}
		cfg = config.Load()
		slog.SetDefault(newLogger(cmd.ErrOrStderr(), cfg))
		return nil
	}

	rootCmd.AddCommand(
		newServeCmd(),
		newGenerateCmd(),
		newValidateCmd(),
		newEntitiesCmd(),
		newVersionCmd(),
	)
	return rootCmd
}

func newLogger(w io.Writer, c *config.Config) *slog.Logger {
	opts := &slog.HandlerOptions{Level: c.Level()}
	if c.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
