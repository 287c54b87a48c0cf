package model

import "time"

type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

type MessageType string

const (
	MessageText     MessageType = "text"
	MessageImage    MessageType = "image"
	MessageAudio    MessageType = "audio"
	MessageVideo    MessageType = "video"
	MessageDocument MessageType = "document"
	MessageLocation MessageType = "location"
	MessageSticker  MessageType = "sticker"
	MessageUnknown  MessageType = "unknown"
)

// ParseMessageType maps vendor attachment/message types onto ours.
func ParseMessageType(s string) MessageType {
	switch MessageType(s) {
	case MessageText, MessageImage, MessageAudio, MessageVideo, MessageDocument, MessageLocation, MessageSticker:
		return MessageType(s)
	case "file":
		return MessageDocument
	default:
		return MessageUnknown
	}
}

type MessageStatus string

const (
	StatusReceived  MessageStatus = "received"
	StatusQueued    MessageStatus = "queued"
	StatusSent      MessageStatus = "sent"
	StatusDelivered MessageStatus = "delivered"
	StatusRead      MessageStatus = "read"
	StatusFailed    MessageStatus = "failed"
)

func (s MessageStatus) String() string {
	return string(s)
}

func (s MessageStatus) Valid() bool {
	return s.rank() > 0
}

// rank orders outbound delivery states; a status update is applied only
// when it moves forward. failed is terminal.
func (s MessageStatus) rank() int {
	switch s {
	case StatusReceived:
		return 1
	case StatusQueued:
		return 1
	case StatusSent:
		return 2
	case StatusDelivered:
		return 3
	case StatusRead:
		return 4
	case StatusFailed:
		return 5
	default:
		return 0
	}
}

// Advances reports whether moving from s to next is a forward transition.
func (s MessageStatus) Advances(next MessageStatus) bool {
	if s == StatusFailed {
		return false
	}
	return next.rank() > s.rank()
}

// Message is the platform-independent shape of a chat message, persisted in
// the messages table.
type Message struct {
	ID             string        `db:"id" json:"id"`
	TenantID       int64         `db:"tenant_id" json:"tenant_id"`
	AccountID      string        `db:"account_id" json:"account_id"`
	Channel        Platform      `db:"channel" json:"channel"`
	ExternalID     string        `db:"external_id" json:"external_id"`
	ConversationID string        `db:"conversation_id" json:"conversation_id"`
	SenderID       string        `db:"sender_id" json:"sender_id"`
	SenderName     string        `db:"sender_name" json:"sender_name,omitempty"`
	Recipient      string        `db:"recipient" json:"recipient"`
	Direction      Direction     `db:"direction" json:"direction"`
	Type           MessageType   `db:"type" json:"type"`
	Text           string        `db:"text" json:"text,omitempty"`
	MediaURL       string        `db:"media_url" json:"media_url,omitempty"`
	Status         MessageStatus `db:"status" json:"status"`
	Error          string        `db:"error" json:"error,omitempty"`
	SentAt         time.Time     `db:"sent_at" json:"sent_at"`
	CreatedAt      time.Time     `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time     `db:"updated_at" json:"updated_at"`
}

// StatusUpdate is a delivery/read receipt for a message we sent. Facebook
// read receipts carry a watermark instead of message ids.
type StatusUpdate struct {
	AccountExternalID string        `json:"account_external_id"`
	ExternalID        string        `json:"external_id,omitempty"`
	Recipient         string        `json:"recipient,omitempty"`
	Status            MessageStatus `json:"status"`
	Watermark         *time.Time    `json:"watermark,omitempty"`
	Error             string        `json:"error,omitempty"`
	At                time.Time     `json:"at"`
}
