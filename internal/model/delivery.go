package model

import "time"

// Delivery records a webhook call we already applied.
type Delivery struct {
	Platform   Platform  `db:"platform"`
	DeliveryID string    `db:"delivery_id"`
	TenantID   int64     `db:"tenant_id"`
	AccountID  string    `db:"account_id"`
	ReceivedAt time.Time `db:"received_at"`
}
