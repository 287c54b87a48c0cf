package integrations

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/jmehdipour/erphub/internal/model"
)

const graphTimeLayout = "2006-01-02T15:04:05-0700"

// FacebookClient talks to the Graph API on behalf of a Messenger page.
type FacebookClient struct {
	http *httpClient
}

func NewFacebookClient(o ClientOptions) *FacebookClient {
	if o.BaseURL == "" {
		o.BaseURL = "https://graph.facebook.com/v19.0"
	}
	return &FacebookClient{http: newHTTPClient(model.PlatformFacebook, o)}
}

func (c *FacebookClient) Platform() model.Platform { return model.PlatformFacebook }

type graphParty struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type graphParties struct {
	Data []graphParty `json:"data"`
}

type graphMessage struct {
	ID          string       `json:"id"`
	Message     string       `json:"message"`
	From        graphParty   `json:"from"`
	To          graphParties `json:"to"`
	CreatedTime string       `json:"created_time"`
}

type graphConversations struct {
	Data []struct {
		ID       string `json:"id"`
		Messages struct {
			Data []graphMessage `json:"data"`
		} `json:"messages"`
	} `json:"data"`
}

// Sync pulls page conversations updated since the cursor (unix seconds).
// The new cursor is the newest message time seen.
func (c *FacebookClient) Sync(ctx context.Context, req SyncRequest) (SyncResult, error) {
	pageID := firstSet(req.Credentials.PageID, req.Account.ExternalID)
	if pageID == "" {
		return SyncResult{}, fmt.Errorf("integrations: facebook account %s has no page id", req.Account.ID)
	}

	q := url.Values{}
	q.Set("fields", "messages.limit(25){id,message,from,to,created_time}")
	q.Set("limit", "50")
	var since time.Time
	if sec, err := strconv.ParseInt(req.Cursor, 10, 64); err == nil && sec > 0 {
		since = time.Unix(sec, 0).UTC()
		q.Set("since", req.Cursor)
	}

	var resp graphConversations
	path := "/" + url.PathEscape(pageID) + "/conversations?" + q.Encode()
	if err := c.http.do(ctx, breakerKey(req.Credentials), http.MethodGet, path, bearer(req.Credentials.AccessToken), nil, &resp); err != nil {
		return SyncResult{}, err
	}

	res := SyncResult{Cursor: req.Cursor}
	newest := since
	for _, conv := range resp.Data {
		for _, gm := range conv.Messages.Data {
			at, err := time.Parse(graphTimeLayout, gm.CreatedTime)
			if err != nil {
				continue
			}
			at = at.UTC()
			// since is second-granular; the upsert absorbs the overlap.
			if at.Before(since) {
				continue
			}
			res.Messages = append(res.Messages, graphToMessage(pageID, gm, at))
			if at.After(newest) {
				newest = at
			}
		}
	}
	if newest.After(since) {
		res.Cursor = strconv.FormatInt(newest.Unix(), 10)
	}
	return res, nil
}

func graphToMessage(pageID string, gm graphMessage, at time.Time) model.Message {
	m := model.Message{
		Channel:    model.PlatformFacebook,
		ExternalID: gm.ID,
		SenderID:   gm.From.ID,
		SenderName: gm.From.Name,
		Type:       model.MessageText,
		Text:       gm.Message,
		SentAt:     at,
	}
	var peer string
	if len(gm.To.Data) > 0 {
		peer = gm.To.Data[0].ID
	}
	if gm.From.ID == pageID {
		m.Direction = model.DirectionOutbound
		m.Status = model.StatusSent
		m.Recipient = peer
		m.ConversationID = peer
	} else {
		m.Direction = model.DirectionInbound
		m.Status = model.StatusReceived
		m.Recipient = pageID
		m.ConversationID = gm.From.ID
	}
	if strings.TrimSpace(m.Text) == "" {
		m.Type = model.MessageUnknown
	}
	return m
}

type fbSendRequest struct {
	Recipient struct {
		ID string `json:"id"`
	} `json:"recipient"`
	MessagingType string         `json:"messaging_type"`
	Message       map[string]any `json:"message"`
}

type fbSendResponse struct {
	RecipientID string `json:"recipient_id"`
	MessageID   string `json:"message_id"`
}

// Send posts a message through the Send API and returns the message id.
func (c *FacebookClient) Send(ctx context.Context, creds model.Credentials, msg model.OutboundMessage) (string, error) {
	body := fbSendRequest{MessagingType: "RESPONSE"}
	body.Recipient.ID = msg.Recipient

	switch msg.Type {
	case model.MessageText, "":
		body.Message = map[string]any{"text": msg.Text}
	case model.MessageImage, model.MessageAudio, model.MessageVideo, model.MessageDocument:
		kind := string(msg.Type)
		if msg.Type == model.MessageDocument {
			kind = "file"
		}
		body.Message = map[string]any{"attachment": map[string]any{
			"type":    kind,
			"payload": map[string]any{"url": msg.MediaURL, "is_reusable": true},
		}}
	default:
		return "", fmt.Errorf("integrations: facebook cannot send %q messages", msg.Type)
	}

	var resp fbSendResponse
	path := "/" + url.PathEscape(creds.PageID) + "/messages"
	if err := c.http.do(ctx, breakerKey(creds), http.MethodPost, path, bearer(creds.AccessToken), body, &resp); err != nil {
		return "", err
	}
	if resp.MessageID == "" {
		return "", fmt.Errorf("integrations: facebook returned no message id")
	}
	return resp.MessageID, nil
}

func firstSet(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
