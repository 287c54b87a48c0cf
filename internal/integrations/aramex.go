package integrations

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/jmehdipour/erphub/internal/model"
	"github.com/jmehdipour/erphub/internal/webhook"
)

// aramexChunk is the number of waybills per TrackShipments call.
const aramexChunk = 50

// AramexClient polls the Aramex Shipping Services tracking endpoint.
type AramexClient struct {
	http *httpClient
}

func NewAramexClient(o ClientOptions) *AramexClient {
	if o.BaseURL == "" {
		o.BaseURL = "https://ws.aramex.net/ShippingAPI.V2"
	}
	return &AramexClient{http: newHTTPClient(model.PlatformAramex, o)}
}

func (c *AramexClient) Platform() model.Platform { return model.PlatformAramex }

type aramexClientInfo struct {
	UserName           string `json:"UserName"`
	Password           string `json:"Password"`
	Version            string `json:"Version"`
	AccountNumber      string `json:"AccountNumber"`
	AccountPin         string `json:"AccountPin"`
	AccountEntity      string `json:"AccountEntity"`
	AccountCountryCode string `json:"AccountCountryCode"`
	Source             int    `json:"Source"`
}

type aramexTrackRequest struct {
	ClientInfo                aramexClientInfo  `json:"ClientInfo"`
	Shipments                 []string          `json:"Shipments"`
	GetLastTrackingUpdateOnly bool              `json:"GetLastTrackingUpdateOnly"`
	Transaction               map[string]string `json:"Transaction"`
}

// Sync tracks the account's open waybills. Couriers have no cursor.
func (c *AramexClient) Sync(ctx context.Context, req SyncRequest) (SyncResult, error) {
	res := SyncResult{Cursor: req.Cursor}
	cr := req.Credentials
	info := aramexClientInfo{
		UserName:           cr.Username,
		Password:           cr.Password,
		Version:            "v1.0",
		AccountNumber:      cr.AccountNumber,
		AccountPin:         cr.AccountPin,
		AccountEntity:      cr.AccountEntity,
		AccountCountryCode: cr.AccountCountryCode,
		Source:             24,
	}

	for start := 0; start < len(req.OpenShipments); start += aramexChunk {
		end := min(start+aramexChunk, len(req.OpenShipments))
		body := aramexTrackRequest{
			ClientInfo:                info,
			Shipments:                 req.OpenShipments[start:end],
			GetLastTrackingUpdateOnly: false,
			Transaction:               map[string]string{"Reference1": req.Account.ID},
		}

		var out webhook.AramexTrackingResult
		if err := c.http.do(ctx, breakerKey(req.Credentials), http.MethodPost, "/Tracking/Service_1_0.svc/json/TrackShipments", nil, body, &out); err != nil {
			return SyncResult{}, err
		}
		if out.HasErrors {
			return SyncResult{}, aramexError(out)
		}
		res.Shipments = append(res.Shipments, webhook.AramexEvents(out)...)
	}
	return res, nil
}

func aramexError(out webhook.AramexTrackingResult) error {
	msgs := make([]string, 0, len(out.Notifications))
	for _, n := range out.Notifications {
		msgs = append(msgs, n.Code+": "+n.Message)
	}
	// ERR01/ERR02 are authentication failures; report them like a 401.
	for _, n := range out.Notifications {
		if n.Code == "ERR01" || n.Code == "ERR02" {
			return &APIError{Platform: model.PlatformAramex, Status: http.StatusUnauthorized, Body: strings.Join(msgs, "; ")}
		}
	}
	return fmt.Errorf("integrations: aramex tracking failed: %s", strings.Join(msgs, "; "))
}
