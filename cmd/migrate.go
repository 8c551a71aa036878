package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/transfa/payment-emission-service/internal/config"
	"github.com/transfa/payment-emission-service/internal/store"
)

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the embedded SQL migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := commandLogger(cmd)
			cfg, err := config.LoadConfig(".")
			if err != nil {
				return fmt.Errorf("failed to load configuration: %w", err)
			}

			dbpool, err := openDatabase(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer dbpool.Close()

			applied, err := store.Migrate(cmd.Context(), dbpool)
			if err != nil {
				return err
			}
			if len(applied) == 0 {
				logger.Info("database schema is up to date")
				return nil
			}
			logger.Info("migrations applied", "migrations", applied)
			return nil
		},
	}
}
