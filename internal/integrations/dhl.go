package integrations

import (
	"context"
	"errors"
	"net/http"
	"net/url"

	"github.com/jmehdipour/erphub/internal/model"
	"github.com/jmehdipour/erphub/internal/webhook"
)

// DHLClient polls the Shipment Tracking - Unified API.
type DHLClient struct {
	http *httpClient
}

func NewDHLClient(o ClientOptions) *DHLClient {
	if o.BaseURL == "" {
		o.BaseURL = "https://api-eu.dhl.com"
	}
	return &DHLClient{http: newHTTPClient(model.PlatformDHL, o)}
}

func (c *DHLClient) Platform() model.Platform { return model.PlatformDHL }

// Sync tracks each open shipment. Unknown tracking numbers (404) are skipped
// so one bad number does not block the rest.
func (c *DHLClient) Sync(ctx context.Context, req SyncRequest) (SyncResult, error) {
	res := SyncResult{Cursor: req.Cursor}
	headers := map[string]string{"DHL-API-Key": req.Credentials.APIKey}

	for _, tn := range req.OpenShipments {
		var out webhook.DHLTrackingResponse
		path := "/track/shipments?trackingNumber=" + url.QueryEscape(tn)
		err := c.http.do(ctx, breakerKey(req.Credentials), http.MethodGet, path, headers, nil, &out)
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound {
			continue
		}
		if err != nil {
			return SyncResult{}, err
		}
		res.Shipments = append(res.Shipments, webhook.DHLEvents(out)...)
	}
	return res, nil
}
