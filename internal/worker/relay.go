package worker

import (
	"context"
	"strconv"
	"time"

	"github.com/jmehdipour/erphub/internal/kafka"
	"github.com/jmehdipour/erphub/internal/metrics"
	"github.com/jmehdipour/erphub/internal/repository"
	"go.uber.org/zap"
)

type Publisher interface {
	Publish(ctx context.Context, msgs ...kafka.Message) error
}

// Relay moves outbox rows to Kafka. A row is marked published only after
// the broker acknowledged it, so a crash in between republishes it.
type Relay struct {
	Outbox    repository.OutboxRepository
	Publisher Publisher
	Log       *zap.Logger
	Interval  time.Duration
	BatchSize int

	now func() time.Time
}

func NewRelay(outbox repository.OutboxRepository, pub Publisher, interval time.Duration, batchSize int, log *zap.Logger) *Relay {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	if batchSize <= 0 {
		batchSize = 200
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Relay{
		Outbox:    outbox,
		Publisher: pub,
		Log:       log,
		Interval:  interval,
		BatchSize: batchSize,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

func (r *Relay) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.Interval)
	defer ticker.Stop()

	r.Log.Info("relay started", zap.Duration("interval", r.Interval), zap.Int("batch_size", r.BatchSize))
	for {
		n, err := r.RelayOnce(ctx)
		if err != nil && ctx.Err() == nil {
			r.Log.Warn("relay batch failed", zap.Error(err))
		}
		// a full batch means more rows are waiting
		if err == nil && n == r.BatchSize && ctx.Err() == nil {
			continue
		}
		select {
		case <-ctx.Done():
			r.Log.Info("relay stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// RelayOnce publishes one batch and returns how many rows it moved.
func (r *Relay) RelayOnce(ctx context.Context) (int, error) {
	events, err := r.Outbox.FetchUnpublished(ctx, r.BatchSize)
	if err != nil || len(events) == 0 {
		return 0, err
	}

	ids := make([]int64, 0, len(events))
	msgs := make([]kafka.Message, 0, len(events))
	for _, ev := range events {
		ids = append(ids, ev.ID)
		msgs = append(msgs, kafka.Message{
			Topic: ev.Topic,
			Key:   []byte(ev.AggregateID),
			Value: ev.Payload,
			Headers: []kafka.Header{
				{Key: "outbox-id", Value: []byte(strconv.FormatInt(ev.ID, 10))},
				{Key: "aggregate", Value: []byte(ev.Aggregate)},
			},
		})
	}

	if err := r.Publisher.Publish(ctx, msgs...); err != nil {
		if aerr := r.Outbox.IncrementAttempts(context.WithoutCancel(ctx), ids); aerr != nil {
			r.Log.Warn("outbox attempts update failed", zap.Error(aerr))
		}
		return 0, err
	}
	if err := r.Outbox.MarkPublished(context.WithoutCancel(ctx), ids, r.now()); err != nil {
		return 0, err
	}
	for _, ev := range events {
		metrics.OutboxPublishedTotal.WithLabelValues(ev.Topic).Inc()
	}
	return len(events), nil
}
