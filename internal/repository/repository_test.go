package repository

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/go-sql-driver/mysql"
	"github.com/jmehdipour/erphub/internal/model"
	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMock(t *testing.T) (*sqlx.DB, sqlmock.Sqlmock) {
	t.Helper()
	raw, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, mock.ExpectationsWereMet())
		_ = raw.Close()
	})
	return sqlx.NewDb(raw, "mysql"), mock
}

func q(s string) string { return regexp.QuoteMeta(s) }

var accountCols = []string{
	"id", "tenant_id", "platform", "name", "external_id", "credentials", "webhook_secret",
	"verify_token_hash", "status", "sync_interval_sec", "sync_cursor", "last_synced_at",
	"next_sync_at", "fail_count", "last_error", "created_at", "updated_at",
}

func accountRow(rows *sqlmock.Rows, id string, tenantID int64, p model.Platform) *sqlmock.Rows {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	return rows.AddRow(id, tenantID, string(p), "main", "ext-"+id, []byte("sealed"), nil,
		"", "active", 300, "", nil, now, 0, "", now, now)
}

func TestTenantsGetByAPIKey(t *testing.T) {
	dbx, mock := newMock(t)
	repo := NewTenantsRepository(dbx)

	mock.ExpectQuery(q("FROM tenants")).WithArgs("missing").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	got, err := repo.GetByAPIKey(context.Background(), "missing")
	require.NoError(t, err)
	assert.Nil(t, got)

	rps := 5
	mock.ExpectQuery(q("FROM tenants")).WithArgs("k1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "api_key", "status", "rate_limit_rps", "created_at", "updated_at"}).
			AddRow(7, "Acme", "k1", "active", rps, time.Now(), time.Now()))
	got, err = repo.GetByAPIKey(context.Background(), "k1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, int64(7), got.ID)
	require.NotNil(t, got.RateLimitRPS)
	assert.Equal(t, 5, *got.RateLimitRPS)
}

func TestAccountsGetIsTenantScoped(t *testing.T) {
	dbx, mock := newMock(t)
	repo := NewAccountsRepository(dbx)

	mock.ExpectQuery(q("FROM integration_accounts WHERE id = ? AND tenant_id = ?")).
		WithArgs("acc-1", int64(2)).
		WillReturnRows(sqlmock.NewRows(accountCols))

	_, err := repo.Get(context.Background(), 2, "acc-1")
	assert.ErrorIs(t, err, ErrNotFound)

	mock.ExpectQuery(q("FROM integration_accounts WHERE id = ? AND tenant_id = ?")).
		WithArgs("acc-1", int64(1)).
		WillReturnRows(accountRow(sqlmock.NewRows(accountCols), "acc-1", 1, model.PlatformDHL))

	a, err := repo.Get(context.Background(), 1, "acc-1")
	require.NoError(t, err)
	assert.Equal(t, model.PlatformDHL, a.Platform)
	assert.Equal(t, 5*time.Minute, a.Interval())
	assert.Nil(t, a.WebhookSecret)
}

func TestAccountsCreateDuplicate(t *testing.T) {
	dbx, mock := newMock(t)
	repo := NewAccountsRepository(dbx)

	mock.ExpectExec(q("INSERT INTO integration_accounts")).
		WillReturnError(&mysql.MySQLError{Number: 1062, Message: "Duplicate entry"})

	err := repo.Create(context.Background(), model.Account{ID: "acc-1", TenantID: 1})
	assert.ErrorIs(t, err, ErrDuplicate)
}

func TestAccountsSetStatus(t *testing.T) {
	dbx, mock := newMock(t)
	repo := NewAccountsRepository(dbx)
	now := time.Now()

	mock.ExpectExec(q("SET status = ?, fail_count = 0, last_error = '', next_sync_at = ?")).
		WithArgs("active", now, now, "acc-1", int64(1)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, repo.SetStatus(context.Background(), 1, "acc-1", model.AccountActive, now))

	mock.ExpectExec(q("UPDATE integration_accounts SET status = ?, updated_at = ?")).
		WithArgs("disabled", now, "acc-1", int64(9)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	err := repo.SetStatus(context.Background(), 9, "acc-1", model.AccountDisabled, now)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestAccountsListDueAndMarkSynced(t *testing.T) {
	dbx, mock := newMock(t)
	repo := NewAccountsRepository(dbx)
	now := time.Now()

	rows := sqlmock.NewRows(accountCols)
	accountRow(rows, "a1", 1, model.PlatformFacebook)
	accountRow(rows, "a2", 2, model.PlatformAramex)
	mock.ExpectQuery(q("WHERE status = 'active' AND next_sync_at IS NOT NULL AND next_sync_at <= ?")).
		WithArgs(now, 100).
		WillReturnRows(rows)

	due, err := repo.ListDue(context.Background(), now, 0)
	require.NoError(t, err)
	require.Len(t, due, 2)
	assert.Equal(t, "a2", due[1].ID)

	mock.ExpectBegin()
	mock.ExpectExec(q("SET sync_cursor = ?, last_synced_at = ?, next_sync_at = ?")).
		WithArgs("c2", now, now.Add(time.Minute), now, "a1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
	require.NoError(t, repo.MarkSynced(context.Background(), nil, "a1", "c2", now, now.Add(time.Minute)))
}

func TestMessagesUpsertInbound(t *testing.T) {
	dbx, mock := newMock(t)
	repo := NewMessagesRepository(dbx)
	m := model.Message{ID: "m1", TenantID: 1, AccountID: "a1", Channel: model.PlatformWhatsApp, ExternalID: "wamid.1"}

	mock.ExpectBegin()
	mock.ExpectExec(q("ON DUPLICATE KEY UPDATE id = id")).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
	inserted, err := repo.UpsertInbound(context.Background(), nil, m)
	require.NoError(t, err)
	assert.True(t, inserted)

	mock.ExpectBegin()
	mock.ExpectExec(q("ON DUPLICATE KEY UPDATE id = id")).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()
	inserted, err = repo.UpsertInbound(context.Background(), nil, m)
	require.NoError(t, err)
	assert.False(t, inserted, "replay is a no-op")
}

func TestMessagesApplyStatusOnlyMovesForward(t *testing.T) {
	dbx, mock := newMock(t)
	repo := NewMessagesRepository(dbx)

	mock.ExpectBegin()
	mock.ExpectExec(q("AND status IN (?, ?, ?, ?)")).
		WithArgs("read", "", int64(1), "whatsapp", "wamid.1", "received", "queued", "sent", "delivered").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	n, err := repo.ApplyStatus(context.Background(), nil, 1, model.PlatformWhatsApp, "wamid.1", model.StatusRead, "")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestStatusesBefore(t *testing.T) {
	assert.Equal(t, []string{"received", "queued"}, statusesBefore(model.StatusSent))
	assert.Equal(t, []string{""}, statusesBefore(model.StatusQueued))
	assert.NotContains(t, statusesBefore(model.StatusDelivered), "read")
}

func TestMessagesBatchUpdateStatus(t *testing.T) {
	dbx, mock := newMock(t)
	repo := NewMessagesRepository(dbx)

	require.NoError(t, repo.BatchUpdateStatus(context.Background(), nil, nil, model.StatusFailed, "x"))

	mock.ExpectBegin()
	mock.ExpectExec(q("WHERE id IN (?, ?) AND status = 'queued'")).
		WithArgs("failed", "boom", "m1", "m2").
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectCommit()
	require.NoError(t, repo.BatchUpdateStatus(context.Background(), nil, []string{"m1", "m2"}, model.StatusFailed, "boom"))
}

func TestMessagesList(t *testing.T) {
	dbx, mock := newMock(t)
	repo := NewMessagesRepository(dbx)

	mock.ExpectQuery(q("WHERE tenant_id = ? AND channel = ? AND status = ? ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?")).
		WithArgs(int64(1), "facebook", "sent", 50, 0).
		WillReturnRows(sqlmock.NewRows([]string{"id", "channel", "status"}).AddRow("m1", "facebook", "sent"))

	out, err := repo.List(context.Background(), 1, MessageFilter{Channel: model.PlatformFacebook, Status: model.StatusSent, Limit: 9999})
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, model.StatusSent, out[0].Status)
}

func TestShipmentsUpsertIgnoresOlderEvents(t *testing.T) {
	dbx, mock := newMock(t)
	repo := NewShipmentsRepository(dbx)
	s := model.Shipment{
		ID:             "s1",
		TenantID:       1,
		AccountID:      "a1",
		Courier:        model.PlatformAramex,
		TrackingNumber: "111",
		Status:         model.ShipmentInTransit,
		CODAmount:      decimal.NewNullDecimal(decimal.RequireFromString("10.5")),
		EventAt:        time.Now(),
	}

	mock.ExpectBegin()
	mock.ExpectExec(q("event_at    = GREATEST(event_at, VALUES(event_at))")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	changed, err := repo.Upsert(context.Background(), nil, s)
	require.NoError(t, err)
	assert.False(t, changed)
}

func TestShipmentsListOpen(t *testing.T) {
	dbx, mock := newMock(t)
	repo := NewShipmentsRepository(dbx)

	mock.ExpectQuery(q("status NOT IN ('delivered', 'returned')")).
		WithArgs("a1", 200).
		WillReturnRows(sqlmock.NewRows([]string{"tracking_number"}).AddRow("111").AddRow("222"))

	got, err := repo.ListOpen(context.Background(), "a1", 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"111", "222"}, got)
}

func TestDeliveriesInsertDuplicate(t *testing.T) {
	dbx, mock := newMock(t)
	repo := NewDeliveriesRepository(dbx)

	mock.ExpectBegin()
	mock.ExpectExec(q("INSERT INTO webhook_deliveries")).
		WillReturnError(&mysql.MySQLError{Number: 1062})
	mock.ExpectRollback()

	tx, err := dbx.Beginx()
	require.NoError(t, err)
	err = repo.Insert(context.Background(), tx, model.Delivery{Platform: model.PlatformDHL, DeliveryID: "d1"})
	assert.ErrorIs(t, err, ErrDuplicate)
	require.NoError(t, tx.Rollback())
}

func TestOutboxFetchAndMark(t *testing.T) {
	dbx, mock := newMock(t)
	repo := NewOutboxRepository(dbx)
	now := time.Now()

	mock.ExpectQuery(q("WHERE published_at IS NULL")).WithArgs(10).
		WillReturnRows(sqlmock.NewRows([]string{"id", "aggregate", "aggregate_id", "topic", "payload", "attempts", "published_at", "created_at"}).
			AddRow(1, "message", "m1", model.TopicMessagesOutbound, []byte(`{}`), 0, nil, now))
	evs, err := repo.FetchUnpublished(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, evs, 1)
	assert.Nil(t, evs[0].PublishedAt)

	mock.ExpectExec(q("UPDATE outbox SET published_at = ? WHERE id IN (?, ?)")).
		WithArgs(now, int64(1), int64(2)).
		WillReturnResult(sqlmock.NewResult(0, 2))
	require.NoError(t, repo.MarkPublished(context.Background(), []int64{1, 2}, now))
}

func TestPruning(t *testing.T) {
	dbx, mock := newMock(t)
	cutoff := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectExec(q("DELETE FROM webhook_deliveries WHERE received_at < ?")).
		WithArgs(cutoff).WillReturnResult(sqlmock.NewResult(0, 7))
	n, err := NewDeliveriesRepository(dbx).PruneBefore(context.Background(), cutoff)
	require.NoError(t, err)
	assert.Equal(t, int64(7), n)

	mock.ExpectExec(q("DELETE FROM outbox WHERE published_at IS NOT NULL")).
		WithArgs(cutoff).WillReturnResult(sqlmock.NewResult(0, 3))
	n, err = NewOutboxRepository(dbx).PrunePublished(context.Background(), cutoff)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
}

func TestSyncLogsInsertBatch(t *testing.T) {
	ch, mock := newMock(t)
	repo := NewSyncLogsRepository(ch)
	at := time.Now()

	mock.ExpectBegin()
	prep := mock.ExpectPrepare(q("INSERT INTO sync_logs"))
	prep.ExpectExec().WithArgs("l1", int64(1), "a1", "dhl", "sync", "success", int32(1), int32(3), "", int64(12), at).
		WillReturnResult(sqlmock.NewResult(0, 1))
	prep.ExpectExec().WithArgs("l2", int64(1), "a1", "dhl", "sync", "failed", int32(2), int32(0), "boom", int64(5), at).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := repo.Insert(context.Background(),
		model.SyncLog{ID: "l1", TenantID: 1, AccountID: "a1", Platform: model.PlatformDHL, Kind: model.RunSync, Status: model.RunSuccess, Attempt: 1, Items: 3, DurationMs: 12, StartedAt: at},
		model.SyncLog{ID: "l2", TenantID: 1, AccountID: "a1", Platform: model.PlatformDHL, Kind: model.RunSync, Status: model.RunFailed, Attempt: 2, Error: "boom", DurationMs: 5, StartedAt: at},
	)
	require.NoError(t, err)
}

func TestSyncLogsInsertRollsBackOnError(t *testing.T) {
	ch, mock := newMock(t)
	repo := NewSyncLogsRepository(ch)

	mock.ExpectBegin()
	mock.ExpectPrepare(q("INSERT INTO sync_logs")).ExpectExec().WillReturnError(errors.New("boom"))
	mock.ExpectRollback()

	err := repo.Insert(context.Background(), model.SyncLog{ID: "l1"})
	assert.ErrorContains(t, err, "append sync log l1")
}
