package scheduler

import (
	"context"
	"time"

	"github.com/jmehdipour/erphub/internal/repository"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Housekeeping prunes rows that only matter for a bounded window: applied
// webhook deliveries and already published outbox events.
type Housekeeping struct {
	Deliveries repository.DeliveriesRepository
	Outbox     repository.OutboxRepository
	Retention  time.Duration
	Log        *zap.Logger

	now func() time.Time
}

func NewHousekeeping(deliveries repository.DeliveriesRepository, outbox repository.OutboxRepository, retention time.Duration, log *zap.Logger) *Housekeeping {
	if retention <= 0 {
		retention = 7 * 24 * time.Hour
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Housekeeping{
		Deliveries: deliveries,
		Outbox:     outbox,
		Retention:  retention,
		Log:        log,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

func (h *Housekeeping) Prune(ctx context.Context) error {
	cutoff := h.now().Add(-h.Retention)

	deliveries, err := h.Deliveries.PruneBefore(ctx, cutoff)
	if err != nil {
		return err
	}
	events, err := h.Outbox.PrunePublished(ctx, cutoff)
	if err != nil {
		return err
	}
	h.Log.Info("housekeeping done",
		zap.Time("cutoff", cutoff),
		zap.Int64("deliveries", deliveries),
		zap.Int64("outbox_events", events),
	)
	return nil
}

// Start registers Prune on spec (standard 5-field cron) and starts the cron
// runner. Stop the returned cron to end it; its Stop context waits for a
// running prune.
func (h *Housekeeping) Start(ctx context.Context, spec string) (*cron.Cron, error) {
	c := cron.New(cron.WithLogger(cron.PrintfLogger(zap.NewStdLog(h.Log))))
	_, err := c.AddFunc(spec, func() {
		if err := h.Prune(ctx); err != nil && ctx.Err() == nil {
			h.Log.Error("housekeeping failed", zap.Error(err))
		}
	})
	if err != nil {
		return nil, err
	}
	c.Start()
	return c, nil
}
