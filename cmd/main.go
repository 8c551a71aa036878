/**
 * @description
 * Entry point for the payment emission service. `serve` runs the long-lived
 * process (HTTP API, cron jobs, outbox dispatcher, settlement consumer); the
 * other subcommands run one operation and exit.
 */
package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var Version = "dev"

func main() {
	// A missing .env is normal outside local development.
	_ = godotenv.Load()

	logger := newLogger(os.Stdout)

	rootCmd := &cobra.Command{
		Use:           "payment-emission-service",
		Short:         "Emits recurring payments to PSPs and tracks their lifecycle",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), logger)
		},
	}

	rootCmd.AddCommand(serveCmd(logger))
	rootCmd.AddCommand(emitCmd())
	rootCmd.AddCommand(planCmd())
	rootCmd.AddCommand(migrateCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newLogger(w io.Writer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, nil))
}

// commandLogger logs one-shot subcommands to stderr; their stdout carries the
// JSON result only.
func commandLogger(cmd *cobra.Command) *slog.Logger {
	return newLogger(cmd.ErrOrStderr())
}
