package webhook

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jmehdipour/erphub/internal/model"
)

type fbPayload struct {
	Object string    `json:"object"`
	Entry  []fbEntry `json:"entry"`
}

type fbEntry struct {
	ID        string        `json:"id"` // page id
	Time      int64         `json:"time"`
	Messaging []fbMessaging `json:"messaging"`
}

type fbParty struct {
	ID string `json:"id"`
}

type fbMessaging struct {
	Sender    fbParty     `json:"sender"`
	Recipient fbParty     `json:"recipient"`
	Timestamp int64       `json:"timestamp"` // unix millis
	Message   *fbMessage  `json:"message,omitempty"`
	Delivery  *fbDelivery `json:"delivery,omitempty"`
	Read      *fbRead     `json:"read,omitempty"`
}

type fbMessage struct {
	MID         string         `json:"mid"`
	Text        string         `json:"text"`
	IsEcho      bool           `json:"is_echo"`
	Attachments []fbAttachment `json:"attachments"`
}

type fbAttachment struct {
	Type    string `json:"type"` // image|audio|video|file|location|fallback
	Payload struct {
		URL         string `json:"url"`
		StickerID   int64  `json:"sticker_id"`
		Coordinates *struct {
			Lat  float64 `json:"lat"`
			Long float64 `json:"long"`
		} `json:"coordinates"`
	} `json:"payload"`
}

type fbDelivery struct {
	MIDs      []string `json:"mids"`
	Watermark int64    `json:"watermark"`
}

type fbRead struct {
	Watermark int64 `json:"watermark"`
}

// NormalizeFacebook maps a Messenger Platform page webhook.
func NormalizeFacebook(body []byte) (Batch, error) {
	var p fbPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return Batch{}, fmt.Errorf("webhook: parse facebook payload: %w", err)
	}
	if p.Object != "page" {
		return Batch{}, fmt.Errorf("webhook: facebook object %q is not supported", p.Object)
	}

	b := Batch{Platform: model.PlatformFacebook}
	for _, e := range p.Entry {
		pageID := e.ID
		for _, ev := range e.Messaging {
			at := millis(ev.Timestamp)
			switch {
			case ev.Message != nil:
				b.Messages = append(b.Messages, InboundMessage{
					AccountExternalID: pageID,
					Message:           fbToMessage(pageID, ev, at),
				})
			case ev.Delivery != nil:
				for _, mid := range ev.Delivery.MIDs {
					b.Statuses = append(b.Statuses, model.StatusUpdate{
						AccountExternalID: pageID,
						ExternalID:        mid,
						Recipient:         ev.Sender.ID,
						Status:            model.StatusDelivered,
						At:                at,
					})
				}
				if len(ev.Delivery.MIDs) == 0 && ev.Delivery.Watermark > 0 {
					wm := millis(ev.Delivery.Watermark)
					b.Statuses = append(b.Statuses, model.StatusUpdate{
						AccountExternalID: pageID,
						Recipient:         ev.Sender.ID,
						Status:            model.StatusDelivered,
						Watermark:         &wm,
						At:                at,
					})
				}
			case ev.Read != nil:
				wm := millis(ev.Read.Watermark)
				b.Statuses = append(b.Statuses, model.StatusUpdate{
					AccountExternalID: pageID,
					Recipient:         ev.Sender.ID,
					Status:            model.StatusRead,
					Watermark:         &wm,
					At:                at,
				})
			}
		}
	}
	return b, nil
}

func fbToMessage(pageID string, ev fbMessaging, at time.Time) model.Message {
	m := model.Message{
		Channel:    model.PlatformFacebook,
		ExternalID: ev.Message.MID,
		Type:       model.MessageText,
		Text:       ev.Message.Text,
		SentAt:     at,
	}

	// Echoes are copies of messages the page sent; sender is the page.
	if ev.Message.IsEcho {
		m.Direction = model.DirectionOutbound
		m.Status = model.StatusSent
		m.SenderID = pageID
		m.Recipient = ev.Recipient.ID
		m.ConversationID = ev.Recipient.ID
	} else {
		m.Direction = model.DirectionInbound
		m.Status = model.StatusReceived
		m.SenderID = ev.Sender.ID
		m.Recipient = pageID
		m.ConversationID = ev.Sender.ID
	}

	if len(ev.Message.Attachments) > 0 {
		a := ev.Message.Attachments[0]
		m.Type = model.ParseMessageType(a.Type)
		m.MediaURL = a.Payload.URL
		if a.Payload.StickerID != 0 {
			m.Type = model.MessageSticker
		}
		if a.Type == "location" && a.Payload.Coordinates != nil {
			m.Type = model.MessageLocation
			m.Text = fmt.Sprintf("%f,%f", a.Payload.Coordinates.Lat, a.Payload.Coordinates.Long)
		}
	}
	if m.Type == model.MessageText && strings.TrimSpace(m.Text) == "" {
		m.Type = model.MessageUnknown
	}
	return m
}

func millis(ms int64) time.Time {
	if ms <= 0 {
		return time.Now().UTC()
	}
	return time.UnixMilli(ms).UTC()
}
