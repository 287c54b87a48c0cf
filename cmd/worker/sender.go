package worker

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jmehdipour/erphub/internal/db"
	"github.com/jmehdipour/erphub/internal/integrations"
	"github.com/jmehdipour/erphub/internal/kafka"
	"github.com/jmehdipour/erphub/internal/logger"
	"github.com/jmehdipour/erphub/internal/model"
	"github.com/jmehdipour/erphub/internal/repository"
	"github.com/jmehdipour/erphub/internal/security"
	"github.com/jmehdipour/erphub/internal/service/accounts"
	"github.com/jmehdipour/erphub/internal/worker"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var senderCmd = &cobra.Command{
	Use:   "sender",
	Short: "Deliver queued outbound messages to Facebook and WhatsApp",
	RunE:  runSender,
}

func runSender(cmd *cobra.Command, args []string) error {
	// 1) load config
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	log := logger.Named("sender")
	defer func() { _ = logger.Log.Sync() }()

	// 2) DB connections
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

	cipher, err := security.NewCipherFromConfig(cfg.Security)
	if err != nil {
		return err
	}

	// 3) repositories
	accountsRepo := repository.NewAccountsRepository(dbx)
	secrets := accounts.New(accountsRepo, cipher, nil)
	registry := integrations.NewDefaultRegistry(integrations.OptionsFromConfig(cfg.Platforms))

	// 4) kafka consumer
	groupID := cfg.Kafka.GroupID
	if groupID == "" {
		groupID = "erphub"
	}
	groupID += "-sender"

	consumer := kafka.NewConsumer(kafka.Config{
		Brokers:        cfg.Kafka.Brokers,
		Topic:          model.TopicMessagesOutbound,
		GroupID:        groupID,
		MinBytes:       cfg.Kafka.MinBytes,
		MaxBytes:       cfg.Kafka.MaxBytes,
		CommitInterval: time.Duration(cfg.Kafka.CommitInterval) * time.Millisecond,
		Log:            logger.Named("kafka"),
	})
	defer consumer.Close()

	w := worker.NewSenderKafka(
		dbx,
		consumer,
		repository.NewMessagesRepository(dbx),
		accountsRepo,
		repository.NewOutboxRepository(dbx),
		repository.NewSyncLogsRepository(chDB),
		registry,
		secrets,
		log,
	)

	// tune knobs
	if cfg.Sender.WorkerCount > 0 {
		w.Workers = cfg.Sender.WorkerCount
	}
	if cfg.Sender.BatchSize > 0 {
		w.BatchSize = cfg.Sender.BatchSize
	}
	if cfg.Sender.BatchWait > 0 {
		w.BatchWait = cfg.Sender.BatchWait
	}
	if cfg.Sender.MaxAttempts > 0 {
		w.MaxAttempts = cfg.Sender.MaxAttempts
	}
	if cfg.Sender.FlushAttempts > 0 {
		w.FlushAttempts = cfg.Sender.FlushAttempts
	}

	// 5) graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info("sender started",
		zap.String("topic", model.TopicMessagesOutbound),
		zap.String("group", groupID),
		zap.Int("workers", w.Workers),
		zap.Int("batch_size", w.BatchSize),
		zap.Duration("batch_wait", w.BatchWait),
	)
	return w.Run(ctx)
}
