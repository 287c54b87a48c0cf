package worker

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/jmehdipour/erphub/internal/db"
	"github.com/jmehdipour/erphub/internal/integrations"
	"github.com/jmehdipour/erphub/internal/logger"
	"github.com/jmehdipour/erphub/internal/repository"
	"github.com/jmehdipour/erphub/internal/scheduler"
	"github.com/jmehdipour/erphub/internal/security"
	"github.com/jmehdipour/erphub/internal/service/accounts"
	"github.com/jmehdipour/erphub/internal/service/inbound"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var schedulerCmd = &cobra.Command{
	Use:   "scheduler",
	Short: "Poll due accounts and sync them with their platforms",
	RunE:  runScheduler,
}

func runScheduler(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	log := logger.Named("scheduler")
	defer func() { _ = logger.Log.Sync() }()

	dbx, err := db.OpenMySQL(cfg.MySQL)
	if err != nil {
		return fmt.Errorf("mysql connect: %w", err)
	}
	defer dbx.Close()

	chDB, err := db.OpenClickHouse(cfg.ClickHouse)
	if err != nil {
		return fmt.Errorf("clickhouse connect: %w", err)
	}
	defer chDB.Close()

	rdb, err := db.OpenRedis(cfg.Redis)
	if err != nil {
		return fmt.Errorf("redis connect: %w", err)
	}
	defer func() { _ = rdb.Close() }()

	cipher, err := security.NewCipherFromConfig(cfg.Security)
	if err != nil {
		return err
	}

	accountsRepo := repository.NewAccountsRepository(dbx)
	shipmentsRepo := repository.NewShipmentsRepository(dbx)
	outboxRepo := repository.NewOutboxRepository(dbx)

	s := scheduler.New(
		dbx,
		accountsRepo,
		shipmentsRepo,
		repository.NewSyncLogsRepository(chDB),
		inbound.NewApplier(repository.NewMessagesRepository(dbx), shipmentsRepo, outboxRepo),
		integrations.NewDefaultRegistry(integrations.OptionsFromConfig(cfg.Platforms)),
		accounts.New(accountsRepo, cipher, nil),
		scheduler.NewRedisLocker(rdb),
		cfg.Scheduler,
		log,
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Scheduler.CleanupCron != "" {
		hk := scheduler.NewHousekeeping(
			repository.NewDeliveriesRepository(dbx),
			outboxRepo,
			cfg.Scheduler.Retention,
			logger.Named("housekeeping"),
		)
		c, err := hk.Start(ctx, cfg.Scheduler.CleanupCron)
		if err != nil {
			return fmt.Errorf("housekeeping cron %q: %w", cfg.Scheduler.CleanupCron, err)
		}
		defer func() { <-c.Stop().Done() }()
	}

	log.Info("scheduler started",
		zap.Duration("tick", s.Tick),
		zap.Int("workers", s.Workers),
		zap.Int("batch_size", s.BatchSize),
	)
	return s.Run(ctx)
}
