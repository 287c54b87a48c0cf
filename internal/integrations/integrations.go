package integrations

import (
	"context"
	"fmt"

	"github.com/jmehdipour/erphub/internal/config"
	"github.com/jmehdipour/erphub/internal/model"
)

// SyncRequest carries everything one account sync needs. OpenShipments lists
// tracking numbers of non-final shipments for courier accounts.
type SyncRequest struct {
	Account       model.Account
	Credentials   model.Credentials
	Cursor        string
	OpenShipments []string
}

type SyncResult struct {
	Messages  []model.Message
	Shipments []model.ShipmentEvent
	Cursor    string
}

func (r SyncResult) Items() int { return len(r.Messages) + len(r.Shipments) }

// Syncer pulls changes a webhook may have missed.
type Syncer interface {
	Platform() model.Platform
	Sync(ctx context.Context, req SyncRequest) (SyncResult, error)
}

// Sender delivers an outbound message and returns the vendor message id.
type Sender interface {
	Platform() model.Platform
	Send(ctx context.Context, creds model.Credentials, msg model.OutboundMessage) (string, error)
}

// Registry maps platforms to their vendor clients.
type Registry struct {
	syncers map[model.Platform]Syncer
	senders map[model.Platform]Sender
}

func NewRegistry() *Registry {
	return &Registry{
		syncers: map[model.Platform]Syncer{},
		senders: map[model.Platform]Sender{},
	}
}

// NewDefaultRegistry wires all vendor clients from per-platform options.
func NewDefaultRegistry(opts map[model.Platform]ClientOptions) *Registry {
	r := NewRegistry()

	fb := NewFacebookClient(opts[model.PlatformFacebook])
	wa := NewWhatsAppClient(opts[model.PlatformWhatsApp])
	r.RegisterSyncer(fb)
	r.RegisterSender(fb)
	r.RegisterSyncer(wa)
	r.RegisterSender(wa)
	r.RegisterSyncer(NewAramexClient(opts[model.PlatformAramex]))
	r.RegisterSyncer(NewDHLClient(opts[model.PlatformDHL]))

	return r
}

// OptionsFromConfig converts the platforms config section; unknown platform
// names are ignored.
func OptionsFromConfig(platforms map[string]config.PlatformConfig) map[model.Platform]ClientOptions {
	out := make(map[model.Platform]ClientOptions, len(platforms))
	for name, pc := range platforms {
		p, ok := model.ParsePlatform(name)
		if !ok {
			continue
		}
		out[p] = ClientOptions{
			BaseURL:       pc.BaseURL,
			TimeoutMs:     pc.TimeoutMs,
			RPS:           pc.RPS,
			Burst:         pc.Burst,
			FailThreshold: pc.Breaker.FailThreshold,
			OpenForMs:     pc.Breaker.OpenForMs,
		}
	}
	return out
}

func (r *Registry) RegisterSyncer(s Syncer) { r.syncers[s.Platform()] = s }
func (r *Registry) RegisterSender(s Sender) { r.senders[s.Platform()] = s }

func (r *Registry) Syncer(p model.Platform) (Syncer, error) {
	s, ok := r.syncers[p]
	if !ok {
		return nil, fmt.Errorf("integrations: no syncer for platform %q", p)
	}
	return s, nil
}

func (r *Registry) Sender(p model.Platform) (Sender, error) {
	s, ok := r.senders[p]
	if !ok {
		return nil, fmt.Errorf("integrations: no sender for platform %q", p)
	}
	return s, nil
}
