package queue

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmehdipour/erphub/internal/model"
	"github.com/jmehdipour/erphub/internal/repository"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeAccounts struct {
	repository.AccountsRepository
	rows map[string]model.Account
}

func (f *fakeAccounts) Get(_ context.Context, tenantID int64, id string) (model.Account, error) {
	a, ok := f.rows[id]
	if !ok || a.TenantID != tenantID {
		return model.Account{}, repository.ErrNotFound
	}
	return a, nil
}

type fakeMessages struct {
	repository.MessagesRepository
	queued []model.Message
	err    error
}

func (f *fakeMessages) InsertQueued(_ context.Context, _ *sqlx.Tx, m model.Message) error {
	if f.err != nil {
		return f.err
	}
	f.queued = append(f.queued, m)
	return nil
}

type outboxRow struct {
	aggregateID string
	topic       string
	payload     []byte
}

type fakeOutbox struct {
	repository.OutboxRepository
	rows []outboxRow
}

func (f *fakeOutbox) Insert(_ context.Context, _ *sqlx.Tx, _, aggregateID, topic string, payload []byte) error {
	f.rows = append(f.rows, outboxRow{aggregateID, topic, payload})
	return nil
}

func newService(t *testing.T) (*Service, sqlmock.Sqlmock, *fakeMessages, *fakeOutbox) {
	t.Helper()
	raw, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, mock.ExpectationsWereMet())
		_ = raw.Close()
	})

	accounts := &fakeAccounts{rows: map[string]model.Account{
		"wa1":  {ID: "wa1", TenantID: 1, Platform: model.PlatformWhatsApp, Status: model.AccountActive},
		"fb1":  {ID: "fb1", TenantID: 1, Platform: model.PlatformFacebook, Status: model.AccountDisabled},
		"dhl1": {ID: "dhl1", TenantID: 1, Platform: model.PlatformDHL, Status: model.AccountActive},
	}}
	msgs, outbox := &fakeMessages{}, &fakeOutbox{}
	return New(sqlx.NewDb(raw, "mysql"), accounts, msgs, outbox, nil), mock, msgs, outbox
}

func TestEnqueue(t *testing.T) {
	svc, mock, msgs, outbox := newService(t)
	mock.ExpectBegin()
	mock.ExpectCommit()

	msg, err := svc.Enqueue(context.Background(), 1, SendInput{AccountID: "wa1", Recipient: "0044 7700 900123", Text: " hi "})
	require.NoError(t, err)
	assert.Len(t, msg.ID, 26)
	assert.Equal(t, model.StatusQueued, msg.Status)
	assert.Equal(t, model.DirectionOutbound, msg.Direction)
	assert.Equal(t, "+447700900123", msg.Recipient)
	require.Len(t, msgs.queued, 1)

	require.Len(t, outbox.rows, 1)
	assert.Equal(t, model.TopicMessagesOutbound, outbox.rows[0].topic)
	assert.Equal(t, msg.ID, outbox.rows[0].aggregateID)

	var env model.Envelope
	require.NoError(t, json.Unmarshal(outbox.rows[0].payload, &env))
	assert.Equal(t, msg.ID, env.ID)
	assert.Equal(t, "wa1", env.AccountID)
	assert.Equal(t, "hi", env.Message.Text)
	assert.Equal(t, model.MessageText, env.Message.Type)
}

func TestEnqueueRejects(t *testing.T) {
	svc, _, msgs, _ := newService(t)
	ctx := context.Background()

	cases := []struct {
		name     string
		tenantID int64
		in       SendInput
		want     error
	}{
		{"missing fields", 1, SendInput{AccountID: "wa1"}, ErrInvalidInput},
		{"other tenant", 2, SendInput{AccountID: "wa1", Recipient: "+15550001111", Text: "x"}, ErrAccountNotFound},
		{"disabled", 1, SendInput{AccountID: "fb1", Recipient: "psid", Text: "x"}, ErrAccountDisabled},
		{"courier", 1, SendInput{AccountID: "dhl1", Recipient: "psid", Text: "x"}, ErrNotMessaging},
		{"bad phone", 1, SendInput{AccountID: "wa1", Recipient: "12", Text: "x"}, ErrInvalidInput},
		{"image without url", 1, SendInput{AccountID: "wa1", Recipient: "+15550001111", Type: "image", Text: "x"}, ErrInvalidInput},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := svc.Enqueue(ctx, tc.tenantID, tc.in)
			assert.ErrorIs(t, err, tc.want)
		})
	}
	assert.Empty(t, msgs.queued)
}

func TestEnqueueValidationFields(t *testing.T) {
	svc, _, _, _ := newService(t)
	ctx := context.Background()

	_, err := svc.Enqueue(ctx, 1, SendInput{AccountID: "wa1"})
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, verr.Fields, "recipient:required")
	assert.Contains(t, verr.Fields, "text:required_without")

	_, err = svc.Enqueue(ctx, 1, SendInput{AccountID: "wa1", Recipient: "12", Text: "x"})
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, []string{"recipient:phone"}, verr.Fields)
}

func TestEnqueueRollsBack(t *testing.T) {
	svc, mock, msgs, outbox := newService(t)
	msgs.err = errors.New("deadlock")
	mock.ExpectBegin()
	mock.ExpectRollback()

	_, err := svc.Enqueue(context.Background(), 1, SendInput{AccountID: "wa1", Recipient: "+15550001111", Text: "x"})
	require.Error(t, err)
	assert.Empty(t, outbox.rows)
}
