package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"escrowdesk/internal/app"
	"escrowdesk/internal/config"
)

var (
	jsonOutput bool
	verbose    bool

	session *app.App
)

var rootCmd = &cobra.Command{
	Use:           "escrowctl <command>",
	Short:         "Create, list and approve escrow agreements from the terminal",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return fmt.Errorf("config: %w", err)
		}
		level := cfg.LogLevel
		if !verbose && level < slog.LevelWarn {
			level = slog.LevelWarn
		}
		a, err := app.Build(cmd.Context(), cfg, app.NewLogger(level))
		if err != nil {
			return err
		}
		session = a
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output as JSON")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "log at the configured LOG_LEVEL instead of warn")

	rootCmd.AddCommand(sessionCmd, listCmd, createCmd, approveCmd)
}

// run executes one command and closes the session whether or not it
// failed; cobra skips post-run hooks after an error.
func run(ctx context.Context, args []string) error {
	defer closeSession()
	rootCmd.SetArgs(args)
	return rootCmd.ExecuteContext(ctx)
}

func closeSession() {
	if session != nil {
		session.Close()
		session = nil
	}
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:]); err != nil {
		stop()
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
