package integrations

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"github.com/jmehdipour/erphub/internal/model"
	"github.com/jmehdipour/erphub/internal/util"
)

// WhatsAppClient uses the WhatsApp Business Cloud API. There is no history
// pull: inbound traffic arrives only by webhook, so Sync just checks that the
// phone number and token are still valid.
type WhatsAppClient struct {
	http *httpClient
}

func NewWhatsAppClient(o ClientOptions) *WhatsAppClient {
	if o.BaseURL == "" {
		o.BaseURL = "https://graph.facebook.com/v19.0"
	}
	return &WhatsAppClient{http: newHTTPClient(model.PlatformWhatsApp, o)}
}

func (c *WhatsAppClient) Platform() model.Platform { return model.PlatformWhatsApp }

type waPhoneNumber struct {
	ID                 string `json:"id"`
	DisplayPhoneNumber string `json:"display_phone_number"`
	QualityRating      string `json:"quality_rating"`
}

func (c *WhatsAppClient) Sync(ctx context.Context, req SyncRequest) (SyncResult, error) {
	id := firstSet(req.Credentials.PhoneNumberID, req.Account.ExternalID)
	if id == "" {
		return SyncResult{}, fmt.Errorf("integrations: whatsapp account %s has no phone number id", req.Account.ID)
	}

	var resp waPhoneNumber
	path := "/" + url.PathEscape(id) + "?fields=id,display_phone_number,quality_rating"
	if err := c.http.do(ctx, breakerKey(req.Credentials), http.MethodGet, path, bearer(req.Credentials.AccessToken), nil, &resp); err != nil {
		return SyncResult{}, err
	}
	if resp.ID != "" && resp.ID != id {
		return SyncResult{}, fmt.Errorf("integrations: whatsapp phone number mismatch: got %s want %s", resp.ID, id)
	}
	return SyncResult{Cursor: req.Cursor}, nil
}

type waSendResponse struct {
	Messages []struct {
		ID string `json:"id"`
	} `json:"messages"`
}

// Send posts to /{phone_number_id}/messages and returns the wamid.
func (c *WhatsAppClient) Send(ctx context.Context, creds model.Credentials, msg model.OutboundMessage) (string, error) {
	to := util.WaID(msg.Recipient)
	if to == "" {
		return "", fmt.Errorf("integrations: invalid whatsapp recipient %q", msg.Recipient)
	}

	body := map[string]any{
		"messaging_product": "whatsapp",
		"recipient_type":    "individual",
		"to":                to,
	}
	switch msg.Type {
	case model.MessageText, "":
		body["type"] = "text"
		body["text"] = map[string]any{"body": msg.Text, "preview_url": false}
	case model.MessageImage, model.MessageAudio, model.MessageVideo, model.MessageDocument:
		media := map[string]any{"link": msg.MediaURL}
		if msg.Text != "" && msg.Type != model.MessageAudio {
			media["caption"] = msg.Text
		}
		body["type"] = string(msg.Type)
		body[string(msg.Type)] = media
	default:
		return "", fmt.Errorf("integrations: whatsapp cannot send %q messages", msg.Type)
	}

	var resp waSendResponse
	path := "/" + url.PathEscape(creds.PhoneNumberID) + "/messages"
	if err := c.http.do(ctx, breakerKey(creds), http.MethodPost, path, bearer(creds.AccessToken), body, &resp); err != nil {
		return "", err
	}
	if len(resp.Messages) == 0 || resp.Messages[0].ID == "" {
		return "", fmt.Errorf("integrations: whatsapp returned no message id")
	}
	return resp.Messages[0].ID, nil
}
