package model

import "time"

// Envelope is the payload published to Kafka for an outbound message.
type Envelope struct {
	ID        string          `json:"id"` // message ULID
	TenantID  int64           `json:"tenant_id"`
	AccountID string          `json:"account_id"`
	Message   OutboundMessage `json:"message"`
}

// OutboundMessage is what a tenant asks us to send through a messaging account.
type OutboundMessage struct {
	Recipient string      `json:"recipient"`
	Type      MessageType `json:"type"`
	Text      string      `json:"text,omitempty"`
	MediaURL  string      `json:"media_url,omitempty"`
}

// Event is the payload published for inbound changes (message.received,
// message.status, shipment.updated).
type Event struct {
	Type      string    `json:"type"`
	TenantID  int64     `json:"tenant_id"`
	AccountID string    `json:"account_id"`
	Data      any       `json:"data"`
	At        time.Time `json:"at"`
}
