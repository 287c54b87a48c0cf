package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/jmehdipour/erphub/internal/db"
	"github.com/jmehdipour/erphub/internal/logger"
	"github.com/spf13/cobra"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create MySQL tables and ClickHouse log tables (idempotent)",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		log := logger.Named("migrate")

		ctx, cancel := context.WithTimeout(cmd.Context(), 2*time.Minute)
		defer cancel()

		mysqlDB, err := db.OpenMySQL(cfg.MySQL)
		if err != nil {
			return fmt.Errorf("open mysql: %w", err)
		}
		defer mysqlDB.Close()
		if err := db.MigrateMySQL(ctx, mysqlDB); err != nil {
			return fmt.Errorf("migrate mysql: %w", err)
		}
		log.Info("mysql migrated")

		chDB, err := db.OpenClickHouse(cfg.ClickHouse)
		if err != nil {
			return fmt.Errorf("open clickhouse: %w", err)
		}
		defer chDB.Close()
		if err := db.MigrateClickHouse(ctx, chDB); err != nil {
			return fmt.Errorf("migrate clickhouse: %w", err)
		}
		log.Info("clickhouse migrated")
		return nil
	},
}
