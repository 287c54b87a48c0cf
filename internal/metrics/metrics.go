package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	WebhooksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "erphub_webhooks_total",
			Help: "Inbound webhook calls by platform and result",
		},
		[]string{"platform", "result"}, // applied|deduped|rejected|ignored|error
	)

	NormalizedItemsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "erphub_normalized_items_total",
			Help: "Items normalized from vendor payloads by platform and kind",
		},
		[]string{"platform", "kind"}, // message|status|shipment|skipped
	)

	SyncRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "erphub_sync_runs_total",
			Help: "Scheduled sync runs by platform and result",
		},
		[]string{"platform", "result"}, // success|failed|skipped
	)

	SyncDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "erphub_sync_duration_seconds",
			Help:    "Duration of a single account sync",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		},
		[]string{"platform"},
	)

	MessagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "erphub_outbound_messages_total",
			Help: "Outbound messages lifecycle counter by stage and channel",
		},
		[]string{"stage", "channel"}, // queued|sent|failed
	)

	OutboxPublishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "erphub_outbox_published_total",
			Help: "Outbox events published to Kafka by topic",
		},
		[]string{"topic"},
	)
)

var registerOnce sync.Once

// MustRegister registers all collectors once; later calls are no-ops.
func MustRegister(r prometheus.Registerer) {
	registerOnce.Do(func() {
		r.MustRegister(
			WebhooksTotal,
			NormalizedItemsTotal,
			SyncRunsTotal,
			SyncDuration,
			MessagesTotal,
			OutboxPublishedTotal,
		)
	})
}
