package webhook

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/jmehdipour/erphub/internal/model"
	"github.com/shopspring/decimal"
)

// ---- Aramex ----

// AramexTrackingResult mirrors TrackShipments results; Aramex push callbacks
// use the same shape, so polling and webhooks share one parser.
type AramexTrackingResult struct {
	HasErrors       bool `json:"HasErrors"`
	TrackingResults []struct {
		Key   string              `json:"Key"` // waybill number
		Value []AramexTrackUpdate `json:"Value"`
	} `json:"TrackingResults"`
	Notifications []struct {
		Code    string `json:"Code"`
		Message string `json:"Message"`
	} `json:"Notifications"`
}

type AramexTrackUpdate struct {
	WaybillNumber     string `json:"WaybillNumber"`
	UpdateCode        string `json:"UpdateCode"`
	UpdateDescription string `json:"UpdateDescription"`
	UpdateDateTime    string `json:"UpdateDateTime"` // "/Date(1596026700000+0400)/"
	UpdateLocation    string `json:"UpdateLocation"`
	Comments          string `json:"Comments"`
	ProblemCode       string `json:"ProblemCode"`
	Reference         string `json:"Reference1,omitempty"`
	CODAmount         string `json:"CODAmount,omitempty"`
	CODCurrency       string `json:"CODCurrency,omitempty"`
	AccountNumber     string `json:"AccountNumber,omitempty"`
}

var aramexStatus = map[string]model.ShipmentStatus{
	"SH014": model.ShipmentCreated,
	"SH012": model.ShipmentPickedUp,
	"SH047": model.ShipmentPickedUp,
	"SH001": model.ShipmentInTransit,
	"SH002": model.ShipmentInTransit,
	"SH022": model.ShipmentInTransit,
	"SH073": model.ShipmentInTransit,
	"SH003": model.ShipmentOutForDelivery,
	"SH005": model.ShipmentDelivered,
	"SH006": model.ShipmentDelivered,
	"SH007": model.ShipmentDelivered,
	"SH004": model.ShipmentException,
	"SH008": model.ShipmentException,
	"SH033": model.ShipmentException,
	"SH043": model.ShipmentException,
	"SH069": model.ShipmentReturned,
	"SH076": model.ShipmentReturned,
}

// MapAramexStatus maps an Aramex update code; unknown codes keep the raw
// value on the event and map to unknown.
func MapAramexStatus(code string) model.ShipmentStatus {
	if s, ok := aramexStatus[strings.ToUpper(strings.TrimSpace(code))]; ok {
		return s
	}
	return model.ShipmentUnknown
}

// NormalizeAramex returns the newest event per waybill.
func NormalizeAramex(body []byte) (Batch, error) {
	var r AramexTrackingResult
	if err := json.Unmarshal(body, &r); err != nil {
		return Batch{}, fmt.Errorf("webhook: parse aramex payload: %w", err)
	}
	return Batch{Platform: model.PlatformAramex, Shipments: AramexEvents(r)}, nil
}

func AramexEvents(r AramexTrackingResult) []model.ShipmentEvent {
	var out []model.ShipmentEvent
	for _, tr := range r.TrackingResults {
		var latest *model.ShipmentEvent
		for _, u := range tr.Value {
			ev := model.ShipmentEvent{
				AccountExternalID: u.AccountNumber,
				TrackingNumber:    firstNonEmpty(u.WaybillNumber, tr.Key),
				Reference:         u.Reference,
				Status:            MapAramexStatus(u.UpdateCode),
				RawStatus:         u.UpdateCode,
				Location:          u.UpdateLocation,
				Description:       firstNonEmpty(u.UpdateDescription, u.Comments),
				CODAmount:         parseAmount(u.CODAmount),
				Currency:          u.CODCurrency,
				At:                parseAramexDate(u.UpdateDateTime),
			}
			if latest == nil || ev.At.After(latest.At) {
				e := ev
				latest = &e
			}
		}
		if latest != nil && latest.TrackingNumber != "" {
			out = append(out, *latest)
		}
	}
	sortEvents(out)
	return out
}

var aramexDate = regexp.MustCompile(`/Date\((-?\d+)([+-]\d{4})?\)/`)

func parseAramexDate(s string) time.Time {
	if m := aramexDate.FindStringSubmatch(s); m != nil {
		ms, err := strconv.ParseInt(m[1], 10, 64)
		if err == nil {
			return time.UnixMilli(ms).UTC()
		}
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC()
	}
	return time.Time{}
}

// ---- DHL ----

// DHLTrackingResponse is the Shipment Tracking - Unified API shape, also used
// by DHL push notifications.
type DHLTrackingResponse struct {
	Shipments []DHLShipment `json:"shipments"`
}

type DHLShipment struct {
	ID      string    `json:"id"`
	Service string    `json:"service"`
	Status  DHLStatus `json:"status"`
	Details struct {
		References []struct {
			Number string `json:"number"`
			Type   string `json:"type"`
		} `json:"references"`
		AccountNumber string `json:"accountNumber,omitempty"`
	} `json:"details"`
	Events []DHLStatus `json:"events"`
}

type DHLStatus struct {
	Timestamp string `json:"timestamp"`
	Location  struct {
		Address struct {
			AddressLocality string `json:"addressLocality"`
			CountryCode     string `json:"countryCode"`
		} `json:"address"`
	} `json:"location"`
	StatusCode  string `json:"statusCode"` // pre-transit|transit|delivered|failure|unknown
	Status      string `json:"status"`
	Description string `json:"description"`
}

// MapDHLStatus maps DHL statusCode plus free-text status onto ours.
func MapDHLStatus(code, status string) model.ShipmentStatus {
	text := strings.ToLower(status)
	switch strings.ToLower(strings.TrimSpace(code)) {
	case "pre-transit":
		return model.ShipmentCreated
	case "transit":
		switch {
		case strings.Contains(text, "out for delivery"):
			return model.ShipmentOutForDelivery
		case strings.Contains(text, "picked up"):
			return model.ShipmentPickedUp
		case strings.Contains(text, "return"):
			return model.ShipmentReturned
		}
		return model.ShipmentInTransit
	case "delivered":
		if strings.Contains(text, "return") {
			return model.ShipmentReturned
		}
		return model.ShipmentDelivered
	case "failure":
		return model.ShipmentException
	default:
		return model.ShipmentUnknown
	}
}

func NormalizeDHL(body []byte) (Batch, error) {
	var r DHLTrackingResponse
	if err := json.Unmarshal(body, &r); err != nil {
		return Batch{}, fmt.Errorf("webhook: parse dhl payload: %w", err)
	}
	return Batch{Platform: model.PlatformDHL, Shipments: DHLEvents(r)}, nil
}

func DHLEvents(r DHLTrackingResponse) []model.ShipmentEvent {
	out := make([]model.ShipmentEvent, 0, len(r.Shipments))
	for _, s := range r.Shipments {
		if strings.TrimSpace(s.ID) == "" {
			continue
		}
		st := s.Status
		ev := model.ShipmentEvent{
			AccountExternalID: s.Details.AccountNumber,
			TrackingNumber:    s.ID,
			Status:            MapDHLStatus(st.StatusCode, firstNonEmpty(st.Status, st.Description)),
			RawStatus:         firstNonEmpty(st.StatusCode, st.Status),
			Location:          strings.TrimSpace(st.Location.Address.AddressLocality + " " + st.Location.Address.CountryCode),
			Description:       firstNonEmpty(st.Description, st.Status),
			At:                parseRFC3339(st.Timestamp),
		}
		if len(s.Details.References) > 0 {
			ev.Reference = s.Details.References[0].Number
		}
		out = append(out, ev)
	}
	sortEvents(out)
	return out
}

func parseRFC3339(s string) time.Time {
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}

func parseAmount(s string) decimal.NullDecimal {
	s = strings.TrimSpace(s)
	if s == "" {
		return decimal.NullDecimal{}
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.NullDecimal{}
	}
	return decimal.NewNullDecimal(d)
}

func sortEvents(evs []model.ShipmentEvent) {
	sort.SliceStable(evs, func(i, j int) bool {
		return evs[i].TrackingNumber < evs[j].TrackingNumber
	})
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}
