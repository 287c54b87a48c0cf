package worker

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/jmehdipour/erphub/internal/db"
	"github.com/jmehdipour/erphub/internal/kafka"
	"github.com/jmehdipour/erphub/internal/logger"
	"github.com/jmehdipour/erphub/internal/repository"
	"github.com/jmehdipour/erphub/internal/worker"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var relayCmd = &cobra.Command{
	Use:   "relay",
	Short: "Publish outbox events to Kafka",
	RunE:  runRelay,
}

func runRelay(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	log := logger.Named("relay")
	defer func() { _ = logger.Log.Sync() }()

	dbx, err := db.OpenMySQL(cfg.MySQL)
	if err != nil {
		return fmt.Errorf("mysql connect: %w", err)
	}
	defer dbx.Close()

	producer := kafka.NewProducer(kafka.ProducerConfig{
		Brokers: cfg.Kafka.Brokers,
		Log:     logger.Named("kafka"),
	})
	defer producer.Close()

	r := worker.NewRelay(repository.NewOutboxRepository(dbx), producer, cfg.Relay.Interval, cfg.Relay.BatchSize, log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info("relay started",
		zap.Duration("interval", r.Interval),
		zap.Int("batch_size", r.BatchSize),
	)
	return r.Run(ctx)
}
