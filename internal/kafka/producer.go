package kafka

import (
	"context"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

type ProducerConfig struct {
	Brokers      []string
	BatchTimeout time.Duration // default 10ms
	WriteTimeout time.Duration // default 10s
	Log          *zap.Logger
}

// Producer writes to whatever topic each message names. Messages with the
// same key land on the same partition, so per-aggregate order holds.
type Producer struct {
	w *kafka.Writer
}

func NewProducer(c ProducerConfig) *Producer {
	bt := c.BatchTimeout
	if bt <= 0 {
		bt = 10 * time.Millisecond
	}
	wt := c.WriteTimeout
	if wt <= 0 {
		wt = 10 * time.Second
	}

	w := &kafka.Writer{
		Addr:                   kafka.TCP(c.Brokers...),
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		MaxAttempts:            3,
		BatchTimeout:           bt,
		WriteTimeout:           wt,
		Compression:            kafka.Snappy,
		AllowAutoTopicCreation: true,
	}
	if c.Log != nil {
		w.ErrorLogger = zapLogger(c.Log.Named("kafka-writer"))
	}
	return &Producer{w: w}
}

// Publish blocks until every message is acknowledged or the write fails.
func (p *Producer) Publish(ctx context.Context, msgs ...Message) error {
	if len(msgs) == 0 {
		return nil
	}
	return p.w.WriteMessages(ctx, msgs...)
}

func (p *Producer) Close() error { return p.w.Close() }
