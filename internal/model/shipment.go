package model

import (
	"time"

	"github.com/shopspring/decimal"
)

type ShipmentStatus string

const (
	ShipmentCreated        ShipmentStatus = "created"
	ShipmentPickedUp       ShipmentStatus = "picked_up"
	ShipmentInTransit      ShipmentStatus = "in_transit"
	ShipmentOutForDelivery ShipmentStatus = "out_for_delivery"
	ShipmentDelivered      ShipmentStatus = "delivered"
	ShipmentException      ShipmentStatus = "exception"
	ShipmentReturned       ShipmentStatus = "returned"
	ShipmentUnknown        ShipmentStatus = "unknown"
)

// Final reports whether no further courier events are expected.
func (s ShipmentStatus) Final() bool {
	return s == ShipmentDelivered || s == ShipmentReturned
}

// Shipment is the latest known state of a parcel, keyed by
// (tenant_id, courier, tracking_number).
type Shipment struct {
	ID             string              `db:"id" json:"id"`
	TenantID       int64               `db:"tenant_id" json:"tenant_id"`
	AccountID      string              `db:"account_id" json:"account_id"`
	Courier        Platform            `db:"courier" json:"courier"`
	TrackingNumber string              `db:"tracking_number" json:"tracking_number"`
	Reference      string              `db:"reference" json:"reference,omitempty"`
	Status         ShipmentStatus      `db:"status" json:"status"`
	RawStatus      string              `db:"raw_status" json:"raw_status"`
	Location       string              `db:"location" json:"location,omitempty"`
	Description    string              `db:"description" json:"description,omitempty"`
	CODAmount      decimal.NullDecimal `db:"cod_amount" json:"cod_amount"`
	Currency       string              `db:"currency" json:"currency,omitempty"`
	EventAt        time.Time           `db:"event_at" json:"event_at"`
	CreatedAt      time.Time           `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time           `db:"updated_at" json:"updated_at"`
}

// ShipmentEvent is one normalized tracking update from a courier webhook or poll.
type ShipmentEvent struct {
	AccountExternalID string              `json:"account_external_id,omitempty"`
	TrackingNumber    string              `json:"tracking_number"`
	Reference         string              `json:"reference,omitempty"`
	Status            ShipmentStatus      `json:"status"`
	RawStatus         string              `json:"raw_status"`
	Location          string              `json:"location,omitempty"`
	Description       string              `json:"description,omitempty"`
	CODAmount         decimal.NullDecimal `json:"cod_amount"`
	Currency          string              `json:"currency,omitempty"`
	At                time.Time           `json:"at"`
}
