package model

import "time"

const (
	TopicMessagesOutbound = "erphub.messages.outbound"
	TopicMessagesInbound  = "erphub.messages.inbound"
	TopicMessageStatus    = "erphub.messages.status"
	TopicShipments        = "erphub.shipments"
)

type OutboxEvent struct {
	ID          int64      `db:"id"`
	Aggregate   string     `db:"aggregate"`    // message | shipment
	AggregateID string     `db:"aggregate_id"` // message.ID / shipment.ID
	Topic       string     `db:"topic"`
	Payload     []byte     `db:"payload"`
	Attempts    int        `db:"attempts"`
	PublishedAt *time.Time `db:"published_at"`
	CreatedAt   time.Time  `db:"created_at"`
}
