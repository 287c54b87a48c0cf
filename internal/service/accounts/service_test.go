package accounts

import (
	"context"
	"testing"
	"time"

	"github.com/jmehdipour/erphub/internal/model"
	"github.com/jmehdipour/erphub/internal/repository"
	"github.com/jmehdipour/erphub/internal/security"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memRepo struct {
	rows map[string]model.Account
}

func newMemRepo() *memRepo { return &memRepo{rows: map[string]model.Account{}} }

func (m *memRepo) Create(_ context.Context, a model.Account) error {
	m.rows[a.ID] = a
	return nil
}

func (m *memRepo) Get(_ context.Context, tenantID int64, id string) (model.Account, error) {
	a, ok := m.rows[id]
	if !ok || a.TenantID != tenantID {
		return model.Account{}, repository.ErrNotFound
	}
	return a, nil
}

func (m *memRepo) GetByID(_ context.Context, id string) (model.Account, error) {
	a, ok := m.rows[id]
	if !ok {
		return model.Account{}, repository.ErrNotFound
	}
	return a, nil
}

func (m *memRepo) ListByTenant(_ context.Context, tenantID int64) ([]model.Account, error) {
	var out []model.Account
	for _, a := range m.rows {
		if a.TenantID == tenantID {
			out = append(out, a)
		}
	}
	return out, nil
}

func (m *memRepo) FindByExternalID(context.Context, model.Platform, string) (model.Account, error) {
	return model.Account{}, repository.ErrNotFound
}

func (m *memRepo) FindByVerifyTokenHash(context.Context, model.Platform, string) (model.Account, error) {
	return model.Account{}, repository.ErrNotFound
}

func (m *memRepo) ExistsExternalID(_ context.Context, p model.Platform, ext, except string) (bool, error) {
	for _, a := range m.rows {
		if a.Platform == p && a.ExternalID == ext && a.ID != except && a.Active() {
			return true, nil
		}
	}
	return false, nil
}

func (m *memRepo) UpdateCredentials(_ context.Context, a model.Account) error {
	m.rows[a.ID] = a
	return nil
}

func (m *memRepo) SetStatus(_ context.Context, tenantID int64, id string, st model.AccountStatus, now time.Time) error {
	a, ok := m.rows[id]
	if !ok || a.TenantID != tenantID {
		return repository.ErrNotFound
	}
	a.Status = st
	m.rows[id] = a
	return nil
}

func (m *memRepo) Delete(_ context.Context, tenantID int64, id string) error {
	if a, ok := m.rows[id]; !ok || a.TenantID != tenantID {
		return repository.ErrNotFound
	}
	delete(m.rows, id)
	return nil
}

func (m *memRepo) TriggerNow(_ context.Context, tenantID int64, id string, now time.Time) error {
	a := m.rows[id]
	a.NextSyncAt = &now
	m.rows[id] = a
	return nil
}

func (m *memRepo) ListDue(context.Context, time.Time, int) ([]model.Account, error) { return nil, nil }

func (m *memRepo) MarkSynced(context.Context, *sqlx.Tx, string, string, time.Time, time.Time) error {
	return nil
}

func (m *memRepo) MarkFailed(context.Context, string, int, model.AccountStatus, string, time.Time) error {
	return nil
}

func newService(t *testing.T) (*Service, *memRepo) {
	t.Helper()
	c, err := security.NewCipher([]byte("test-master-key"), "k1", 1)
	require.NoError(t, err)
	repo := newMemRepo()
	return New(repo, c, nil), repo
}

var waCreds = model.Credentials{AccessToken: "EAAG", AppSecret: "app-secret", PhoneNumberID: "1122"}

func TestCreateSealsCredentials(t *testing.T) {
	svc, repo := newService(t)

	v, err := svc.Create(context.Background(), 1, CreateInput{
		Platform:    "whatsapp",
		Name:        "Support line",
		Credentials: waCreds,
		VerifyToken: "verify-me-please",
	})
	require.NoError(t, err)
	assert.Equal(t, "1122", v.ExternalID)
	assert.Equal(t, int64(300), v.SyncIntervalSec)
	assert.True(t, v.HasWebhookToken)

	stored := repo.rows[v.ID]
	assert.NotContains(t, string(stored.Credentials), "EAAG")
	assert.Equal(t, security.HashToken("verify-me-please"), stored.VerifyTokenHash)
	require.NotNil(t, stored.NextSyncAt)

	creds, err := svc.Credentials(stored)
	require.NoError(t, err)
	assert.Equal(t, waCreds, creds)
}

func TestCreateValidates(t *testing.T) {
	svc, _ := newService(t)

	_, err := svc.Create(context.Background(), 1, CreateInput{Platform: "telegram", Name: "x"})
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, []string{"platform:oneof"}, verr.Fields)

	_, err = svc.Create(context.Background(), 1, CreateInput{Platform: "dhl", Name: "x"})
	assert.ErrorIs(t, err, ErrMissingCredentials)
}

func TestCreateRejectsTakenExternalID(t *testing.T) {
	svc, _ := newService(t)
	in := CreateInput{Platform: "whatsapp", Name: "a", Credentials: waCreds}

	_, err := svc.Create(context.Background(), 1, in)
	require.NoError(t, err)
	_, err = svc.Create(context.Background(), 2, in)
	assert.ErrorIs(t, err, ErrExternalIDTaken)
}

func TestTenantScoping(t *testing.T) {
	svc, _ := newService(t)
	v, err := svc.Create(context.Background(), 1, CreateInput{
		Platform:    "dhl",
		Name:        "dhl",
		Credentials: model.Credentials{APIKey: "k"},
	})
	require.NoError(t, err)

	_, err = svc.Get(context.Background(), 2, v.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, svc.Delete(context.Background(), 2, v.ID), ErrNotFound)
	assert.ErrorIs(t, svc.SetStatus(context.Background(), 2, v.ID, model.AccountDisabled), ErrNotFound)

	list, err := svc.List(context.Background(), 1)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestSetStatusAndTrigger(t *testing.T) {
	svc, repo := newService(t)
	v, err := svc.Create(context.Background(), 1, CreateInput{
		Platform:      "aramex",
		Name:          "aramex",
		WebhookSecret: "0123456789abcdef",
		Credentials: model.Credentials{
			Username: "u", Password: "p", AccountNumber: "ACC1", AccountPin: "1",
			AccountEntity: "DXB", AccountCountryCode: "AE",
		},
	})
	require.NoError(t, err)

	secret, err := svc.WebhookSecret(repo.rows[v.ID])
	require.NoError(t, err)
	assert.Equal(t, "0123456789abcdef", secret)

	assert.ErrorIs(t, svc.SetStatus(context.Background(), 1, v.ID, model.AccountError), ErrInvalidStatus)
	require.NoError(t, svc.SetStatus(context.Background(), 1, v.ID, model.AccountDisabled))
	assert.ErrorIs(t, svc.TriggerSync(context.Background(), 1, v.ID), ErrInvalidStatus)

	require.NoError(t, svc.SetStatus(context.Background(), 1, v.ID, model.AccountActive))
	assert.NoError(t, svc.TriggerSync(context.Background(), 1, v.ID))
}

func TestUpdateCredentialsKeepsSecretsWhenOmitted(t *testing.T) {
	svc, repo := newService(t)
	v, err := svc.Create(context.Background(), 1, CreateInput{
		Platform:    "whatsapp",
		Name:        "a",
		Credentials: waCreds,
		VerifyToken: "verify-me-please",
	})
	require.NoError(t, err)

	next := waCreds
	next.AccessToken = "rotated"
	_, err = svc.UpdateCredentials(context.Background(), 1, v.ID, UpdateCredentialsInput{Credentials: next})
	require.NoError(t, err)

	stored := repo.rows[v.ID]
	assert.Equal(t, security.HashToken("verify-me-please"), stored.VerifyTokenHash)
	creds, err := svc.Credentials(stored)
	require.NoError(t, err)
	assert.Equal(t, "rotated", creds.AccessToken)
}
