package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"codecollab/api/internal/config"
	"codecollab/api/internal/store"

	"pkt.systems/pslog"
)

func loadConfig(cmd *cobra.Command) (config.Config, error) {
	envFiles, err := cmd.Flags().GetStringSlice("env-file")
	if err != nil {
		return config.Config{}, err
	}
	cfg, err := config.Load(envFiles...)
	if err != nil {
		return config.Config{}, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			logger := pslog.Ctx(ctx)
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			db, err := store.Open(ctx, cfg.DatabaseURL, store.DefaultPoolOptions())
			if err != nil {
				return fmt.Errorf("database connection failed: %w", err)
			}
			defer db.Close()

			applied, err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir)
			if err != nil {
				return fmt.Errorf("migrations failed: %w", err)
			}
			if len(applied) == 0 {
				logger.Info("migrations up to date", "dir", cfg.MigrationsDir)
				return nil
			}
			logger.Info("migrations applied", "count", len(applied), "versions", applied)
			return nil
		},
	}
}
