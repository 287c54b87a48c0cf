package inbound

import (
	"context"
	"sync"
	"time"

	"github.com/jmehdipour/erphub/internal/model"
	"github.com/jmehdipour/erphub/internal/repository"
	"github.com/jmoiron/sqlx"
)

type fakeAccounts struct {
	repository.AccountsRepository
	byID map[string]model.Account
}

func (f *fakeAccounts) GetByID(_ context.Context, id string) (model.Account, error) {
	a, ok := f.byID[id]
	if !ok {
		return model.Account{}, repository.ErrNotFound
	}
	return a, nil
}

func (f *fakeAccounts) FindByExternalID(_ context.Context, p model.Platform, ext string) (model.Account, error) {
	for _, a := range f.byID {
		if a.Platform == p && a.ExternalID == ext {
			return a, nil
		}
	}
	return model.Account{}, repository.ErrNotFound
}

type fakeDeliveries struct {
	seen map[string]bool
}

func (f *fakeDeliveries) Insert(_ context.Context, _ *sqlx.Tx, d model.Delivery) error {
	k := string(d.Platform) + d.DeliveryID
	if f.seen[k] {
		return repository.ErrDuplicate
	}
	f.seen[k] = true
	return nil
}

func (f *fakeDeliveries) PruneBefore(context.Context, time.Time) (int64, error) { return 0, nil }

type fakeSyncLogs struct {
	mu   sync.Mutex
	logs []model.SyncLog
}

func (f *fakeSyncLogs) Insert(_ context.Context, logs ...model.SyncLog) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.logs = append(f.logs, logs...)
	return nil
}

func (f *fakeSyncLogs) List(context.Context, int64, repository.SyncLogFilter) ([]model.SyncLog, error) {
	return f.logs, nil
}

type fakeMessages struct {
	repository.MessagesRepository
	rows       map[string]model.Message // by external id
	watermarks int
	err        error
}

func (f *fakeMessages) UpsertInbound(_ context.Context, _ *sqlx.Tx, m model.Message) (bool, error) {
	if f.err != nil {
		return false, f.err
	}
	if _, ok := f.rows[m.ExternalID]; ok {
		return false, nil
	}
	f.rows[m.ExternalID] = m
	return true, nil
}

func (f *fakeMessages) ApplyStatus(_ context.Context, _ *sqlx.Tx, _ int64, _ model.Platform, ext string, st model.MessageStatus, _ string) (int64, error) {
	m, ok := f.rows[ext]
	if !ok || !m.Status.Advances(st) {
		return 0, nil
	}
	m.Status = st
	f.rows[ext] = m
	return 1, nil
}

func (f *fakeMessages) ApplyWatermark(context.Context, *sqlx.Tx, string, string, model.MessageStatus, time.Time) (int64, error) {
	f.watermarks++
	return 1, nil
}

type fakeShipments struct {
	repository.ShipmentsRepository
	rows map[string]model.Shipment
}

func (f *fakeShipments) Upsert(_ context.Context, _ *sqlx.Tx, s model.Shipment) (bool, error) {
	cur, ok := f.rows[s.TrackingNumber]
	if ok && s.EventAt.Before(cur.EventAt) {
		return false, nil
	}
	f.rows[s.TrackingNumber] = s
	return true, nil
}

type fakeOutbox struct {
	repository.OutboxRepository
	topics []string
}

func (f *fakeOutbox) Insert(_ context.Context, _ *sqlx.Tx, _, _, topic string, _ []byte) error {
	f.topics = append(f.topics, topic)
	return nil
}

type fakeSecrets struct {
	creds  map[string]model.Credentials
	tokens map[string]string
}

func (f *fakeSecrets) Credentials(a model.Account) (model.Credentials, error) {
	return f.creds[a.ID], nil
}

func (f *fakeSecrets) WebhookSecret(a model.Account) (string, error) {
	return f.tokens[a.ID], nil
}

type fakeDedupe struct {
	claimed  map[string]bool
	released []string
}

func (f *fakeDedupe) Claim(_ context.Context, key string) (bool, error) {
	if f.claimed[key] {
		return false, nil
	}
	f.claimed[key] = true
	return true, nil
}

func (f *fakeDedupe) Release(_ context.Context, key string) error {
	delete(f.claimed, key)
	f.released = append(f.released, key)
	return nil
}
