package webhook

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jmehdipour/erphub/internal/model"
	"github.com/jmehdipour/erphub/internal/util"
)

type waPayload struct {
	Object string    `json:"object"`
	Entry  []waEntry `json:"entry"`
}

type waEntry struct {
	ID      string     `json:"id"` // WhatsApp business account id
	Changes []waChange `json:"changes"`
}

type waChange struct {
	Field string  `json:"field"`
	Value waValue `json:"value"`
}

type waValue struct {
	MessagingProduct string `json:"messaging_product"`
	Metadata         struct {
		DisplayPhoneNumber string `json:"display_phone_number"`
		PhoneNumberID      string `json:"phone_number_id"`
	} `json:"metadata"`
	Contacts []struct {
		Profile struct {
			Name string `json:"name"`
		} `json:"profile"`
		WaID string `json:"wa_id"`
	} `json:"contacts"`
	Messages []waMessage `json:"messages"`
	Statuses []waStatus  `json:"statuses"`
}

type waMedia struct {
	ID       string `json:"id"`
	MimeType string `json:"mime_type"`
	Caption  string `json:"caption"`
	Filename string `json:"filename"`
}

type waMessage struct {
	From      string `json:"from"`
	ID        string `json:"id"`
	Timestamp string `json:"timestamp"` // unix seconds as string
	Type      string `json:"type"`
	Text      *struct {
		Body string `json:"body"`
	} `json:"text,omitempty"`
	Image    *waMedia `json:"image,omitempty"`
	Audio    *waMedia `json:"audio,omitempty"`
	Video    *waMedia `json:"video,omitempty"`
	Document *waMedia `json:"document,omitempty"`
	Sticker  *waMedia `json:"sticker,omitempty"`
	Location *struct {
		Latitude  float64 `json:"latitude"`
		Longitude float64 `json:"longitude"`
		Name      string  `json:"name"`
		Address   string  `json:"address"`
	} `json:"location,omitempty"`
}

type waStatus struct {
	ID          string `json:"id"`
	Status      string `json:"status"` // sent|delivered|read|failed
	Timestamp   string `json:"timestamp"`
	RecipientID string `json:"recipient_id"`
	Errors      []struct {
		Code  int    `json:"code"`
		Title string `json:"title"`
	} `json:"errors"`
}

// MediaScheme prefixes WhatsApp media ids; the Cloud API only hands out ids
// that must be resolved with an authenticated call.
const MediaScheme = "whatsapp-media://"

// NormalizeWhatsApp maps a WhatsApp Cloud API webhook.
func NormalizeWhatsApp(body []byte) (Batch, error) {
	var p waPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return Batch{}, fmt.Errorf("webhook: parse whatsapp payload: %w", err)
	}
	if p.Object != "whatsapp_business_account" {
		return Batch{}, fmt.Errorf("webhook: whatsapp object %q is not supported", p.Object)
	}

	b := Batch{Platform: model.PlatformWhatsApp}
	for _, e := range p.Entry {
		for _, ch := range e.Changes {
			if ch.Field != "messages" {
				continue
			}
			v := ch.Value
			phoneID := v.Metadata.PhoneNumberID

			names := make(map[string]string, len(v.Contacts))
			for _, c := range v.Contacts {
				names[c.WaID] = c.Profile.Name
			}

			for _, wm := range v.Messages {
				m := waToMessage(wm)
				m.SenderName = names[wm.From]
				m.Recipient = util.NormalizePhone(v.Metadata.DisplayPhoneNumber)
				b.Messages = append(b.Messages, InboundMessage{AccountExternalID: phoneID, Message: m})
			}

			for _, st := range v.Statuses {
				status, ok := waStatusMap[st.Status]
				if !ok {
					continue
				}
				u := model.StatusUpdate{
					AccountExternalID: phoneID,
					ExternalID:        st.ID,
					Recipient:         util.NormalizePhone(st.RecipientID),
					Status:            status,
					At:                unixString(st.Timestamp),
				}
				if len(st.Errors) > 0 {
					u.Error = fmt.Sprintf("%d: %s", st.Errors[0].Code, st.Errors[0].Title)
				}
				b.Statuses = append(b.Statuses, u)
			}
		}
	}
	return b, nil
}

var waStatusMap = map[string]model.MessageStatus{
	"sent":      model.StatusSent,
	"delivered": model.StatusDelivered,
	"read":      model.StatusRead,
	"failed":    model.StatusFailed,
}

func waToMessage(wm waMessage) model.Message {
	from := util.NormalizePhone(wm.From)
	m := model.Message{
		Channel:        model.PlatformWhatsApp,
		ExternalID:     wm.ID,
		ConversationID: from,
		SenderID:       from,
		Direction:      model.DirectionInbound,
		Status:         model.StatusReceived,
		Type:           model.ParseMessageType(wm.Type),
		SentAt:         unixString(wm.Timestamp),
	}

	var media *waMedia
	switch {
	case wm.Text != nil:
		m.Text = wm.Text.Body
	case wm.Image != nil:
		media = wm.Image
	case wm.Audio != nil:
		media = wm.Audio
	case wm.Video != nil:
		media = wm.Video
	case wm.Document != nil:
		media = wm.Document
	case wm.Sticker != nil:
		media = wm.Sticker
	case wm.Location != nil:
		loc := wm.Location
		m.Text = strings.TrimSpace(fmt.Sprintf("%f,%f %s %s", loc.Latitude, loc.Longitude, loc.Name, loc.Address))
	}
	if media != nil {
		m.MediaURL = MediaScheme + media.ID
		m.Text = media.Caption
	}
	return m
}

func unixString(s string) time.Time {
	sec, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil || sec <= 0 {
		return time.Now().UTC()
	}
	return time.Unix(sec, 0).UTC()
}
