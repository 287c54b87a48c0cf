package inbound

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jmehdipour/erphub/internal/model"
	"github.com/jmehdipour/erphub/internal/repository"
	"github.com/jmehdipour/erphub/internal/util"
	"github.com/jmoiron/sqlx"
)

const (
	EventMessageReceived = "message.received"
	EventMessageEcho     = "message.echo"
	EventMessageStatus   = "message.status"
	EventShipmentUpdated = "shipment.updated"
)

// Items are normalized changes already bound to one account.
type Items struct {
	Messages  []model.Message
	Statuses  []model.StatusUpdate
	Shipments []model.ShipmentEvent
}

func (i Items) Len() int { return len(i.Messages) + len(i.Statuses) + len(i.Shipments) }

// Counts reports what an apply actually changed. Replays count as skipped.
type Counts struct {
	Messages  int `json:"messages"`
	Statuses  int `json:"statuses"`
	Shipments int `json:"shipments"`
	Skipped   int `json:"skipped"`
}

func (c Counts) Changed() int { return c.Messages + c.Statuses + c.Shipments }

func (c *Counts) add(o Counts) {
	c.Messages += o.Messages
	c.Statuses += o.Statuses
	c.Shipments += o.Shipments
	c.Skipped += o.Skipped
}

// Applier writes normalized items idempotently and records an outbox event
// for every row that changed. Webhooks and scheduled syncs share it.
type Applier struct {
	messages  repository.MessagesRepository
	shipments repository.ShipmentsRepository
	outbox    repository.OutboxRepository
	now       func() time.Time
}

func NewApplier(messages repository.MessagesRepository, shipments repository.ShipmentsRepository, outbox repository.OutboxRepository) *Applier {
	return &Applier{
		messages:  messages,
		shipments: shipments,
		outbox:    outbox,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Apply must run inside tx; the caller commits.
func (a *Applier) Apply(ctx context.Context, tx *sqlx.Tx, acc model.Account, items Items) (Counts, error) {
	var c Counts
	now := a.now()

	for _, m := range items.Messages {
		if strings.TrimSpace(m.ExternalID) == "" {
			c.Skipped++
			continue
		}
		m.ID = util.New()
		m.TenantID = acc.TenantID
		m.AccountID = acc.ID
		m.Channel = acc.Platform
		if m.SentAt.IsZero() {
			m.SentAt = now
		}
		inserted, err := a.messages.UpsertInbound(ctx, tx, m)
		if err != nil {
			return c, fmt.Errorf("upsert message %s: %w", m.ExternalID, err)
		}
		if !inserted {
			c.Skipped++
			continue
		}
		typ := EventMessageReceived
		if m.Direction == model.DirectionOutbound {
			typ = EventMessageEcho
		}
		if err := a.emit(ctx, tx, acc, "message", m.ID, model.TopicMessagesInbound, typ, m, m.SentAt); err != nil {
			return c, err
		}
		c.Messages++
	}

	for _, st := range items.Statuses {
		var (
			n   int64
			err error
		)
		switch {
		case st.ExternalID != "":
			n, err = a.messages.ApplyStatus(ctx, tx, acc.TenantID, acc.Platform, st.ExternalID, st.Status, st.Error)
		case st.Watermark != nil && st.Recipient != "":
			n, err = a.messages.ApplyWatermark(ctx, tx, acc.ID, st.Recipient, st.Status, *st.Watermark)
		}
		if err != nil {
			return c, fmt.Errorf("apply status %s: %w", st.Status, err)
		}
		if n == 0 {
			c.Skipped++
			continue
		}
		at := st.At
		if at.IsZero() {
			at = now
		}
		key := st.ExternalID
		if key == "" {
			key = st.Recipient
		}
		if err := a.emit(ctx, tx, acc, "message", key, model.TopicMessageStatus, EventMessageStatus, st, at); err != nil {
			return c, err
		}
		c.Statuses++
	}

	for _, ev := range items.Shipments {
		if strings.TrimSpace(ev.TrackingNumber) == "" {
			c.Skipped++
			continue
		}
		s := model.Shipment{
			ID:             util.New(),
			TenantID:       acc.TenantID,
			AccountID:      acc.ID,
			Courier:        acc.Platform,
			TrackingNumber: ev.TrackingNumber,
			Reference:      ev.Reference,
			Status:         ev.Status,
			RawStatus:      ev.RawStatus,
			Location:       ev.Location,
			Description:    ev.Description,
			CODAmount:      ev.CODAmount,
			Currency:       ev.Currency,
			EventAt:        ev.At,
		}
		if s.Status == "" {
			s.Status = model.ShipmentUnknown
		}
		if s.EventAt.IsZero() {
			s.EventAt = now
		}
		changed, err := a.shipments.Upsert(ctx, tx, s)
		if err != nil {
			return c, fmt.Errorf("upsert shipment %s: %w", s.TrackingNumber, err)
		}
		if !changed {
			c.Skipped++
			continue
		}
		if err := a.emit(ctx, tx, acc, "shipment", s.TrackingNumber, model.TopicShipments, EventShipmentUpdated, ev, s.EventAt); err != nil {
			return c, err
		}
		c.Shipments++
	}
	return c, nil
}

func (a *Applier) emit(ctx context.Context, tx *sqlx.Tx, acc model.Account, aggregate, aggregateID, topic, typ string, data any, at time.Time) error {
	payload, err := json.Marshal(model.Event{
		Type:      typ,
		TenantID:  acc.TenantID,
		AccountID: acc.ID,
		Data:      data,
		At:        at,
	})
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", typ, err)
	}
	if err := a.outbox.Insert(ctx, tx, aggregate, aggregateID, topic, payload); err != nil {
		return fmt.Errorf("insert outbox %s: %w", typ, err)
	}
	return nil
}
