package webhook

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"sort"
	"strings"

	"github.com/jmehdipour/erphub/internal/model"
)

// Batch is everything one vendor payload normalizes into. Items keep the
// vendor-side account id so the caller can route them to tenant accounts.
type Batch struct {
	Platform  model.Platform
	Messages  []InboundMessage
	Statuses  []model.StatusUpdate
	Shipments []model.ShipmentEvent
}

// InboundMessage is a message before it is bound to a tenant account.
type InboundMessage struct {
	AccountExternalID string
	Message           model.Message
}

func (b Batch) Empty() bool {
	return len(b.Messages) == 0 && len(b.Statuses) == 0 && len(b.Shipments) == 0
}

func (b Batch) Len() int {
	return len(b.Messages) + len(b.Statuses) + len(b.Shipments)
}

// AccountExternalIDs lists distinct vendor account ids referenced by the batch.
func (b Batch) AccountExternalIDs() []string {
	set := map[string]struct{}{}
	for _, m := range b.Messages {
		set[m.AccountExternalID] = struct{}{}
	}
	for _, s := range b.Statuses {
		set[s.AccountExternalID] = struct{}{}
	}
	for _, s := range b.Shipments {
		set[s.AccountExternalID] = struct{}{}
	}
	delete(set, "")

	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Normalize maps a raw vendor payload onto the common model.
func Normalize(platform model.Platform, body []byte) (Batch, error) {
	switch platform {
	case model.PlatformFacebook:
		return NormalizeFacebook(body)
	case model.PlatformWhatsApp:
		return NormalizeWhatsApp(body)
	case model.PlatformAramex:
		return NormalizeAramex(body)
	case model.PlatformDHL:
		return NormalizeDHL(body)
	default:
		return Batch{}, fmt.Errorf("%w: %q", ErrUnsupportedPlatform, platform)
	}
}

var deliveryHeaders = map[model.Platform][]string{
	model.PlatformFacebook: {"X-Meta-Delivery-Id"},
	model.PlatformWhatsApp: {"X-Meta-Delivery-Id"},
	model.PlatformAramex:   {"X-Request-Id"},
	model.PlatformDHL:      {"X-Request-Id", "X-Dhl-Request-Id"},
}

// DeliveryID identifies one webhook call for dedupe. Vendors that do not send
// a delivery header retry with the identical body, so the body hash is stable.
func DeliveryID(platform model.Platform, headers http.Header, body []byte) string {
	for _, h := range deliveryHeaders[platform] {
		if v := strings.TrimSpace(headers.Get(h)); v != "" {
			return v
		}
	}
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}
