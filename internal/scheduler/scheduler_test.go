package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmehdipour/erphub/internal/config"
	"github.com/jmehdipour/erphub/internal/integrations"
	"github.com/jmehdipour/erphub/internal/model"
	"github.com/jmehdipour/erphub/internal/repository"
	"github.com/jmehdipour/erphub/internal/service/inbound"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type failure struct {
	count  int
	status model.AccountStatus
	err    string
	next   time.Time
}

type fakeAccounts struct {
	repository.AccountsRepository
	mu      sync.Mutex
	due     [][]model.Account
	synced  map[string]string // id -> cursor
	nextAt  map[string]time.Time
	failed  map[string]failure
	listErr error
}

func newFakeAccounts(due ...[]model.Account) *fakeAccounts {
	return &fakeAccounts{due: due, synced: map[string]string{}, nextAt: map[string]time.Time{}, failed: map[string]failure{}}
}

func (f *fakeAccounts) ListDue(context.Context, time.Time, int) ([]model.Account, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	if len(f.due) == 0 {
		return nil, nil
	}
	out := f.due[0]
	f.due = f.due[1:]
	return out, nil
}

func (f *fakeAccounts) MarkSynced(_ context.Context, _ *sqlx.Tx, id, cursor string, _, next time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.synced[id] = cursor
	f.nextAt[id] = next
	return nil
}

func (f *fakeAccounts) MarkFailed(_ context.Context, id string, n int, st model.AccountStatus, lastErr string, next time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failed[id] = failure{count: n, status: st, err: lastErr, next: next}
	return nil
}

type fakeShipments struct {
	repository.ShipmentsRepository
	open []string
}

func (f *fakeShipments) ListOpen(context.Context, string, int) ([]string, error) { return f.open, nil }

func (f *fakeShipments) Upsert(context.Context, *sqlx.Tx, model.Shipment) (bool, error) {
	return true, nil
}

type fakeMessages struct {
	repository.MessagesRepository
}

func (fakeMessages) UpsertInbound(context.Context, *sqlx.Tx, model.Message) (bool, error) {
	return true, nil
}

type fakeOutbox struct {
	repository.OutboxRepository
}

func (fakeOutbox) Insert(context.Context, *sqlx.Tx, string, string, string, []byte) error { return nil }

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
	return nil, nil
}

type fakeSecrets struct{}

func (fakeSecrets) Credentials(model.Account) (model.Credentials, error) {
	return model.Credentials{AccessToken: "tok"}, nil
}
func (fakeSecrets) WebhookSecret(model.Account) (string, error) { return "", nil }

type fakeLocker struct {
	mu       sync.Mutex
	held     map[string]bool
	released int
}

func (l *fakeLocker) Lock(_ context.Context, key string, _ time.Duration) (func(context.Context) error, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held[key] {
		return nil, ErrLocked
	}
	l.held[key] = true
	return func(context.Context) error {
		l.mu.Lock()
		defer l.mu.Unlock()
		delete(l.held, key)
		l.released++
		return nil
	}, nil
}

type fakeSyncer struct {
	platform model.Platform
	calls    atomic.Int32
	fn       func(req integrations.SyncRequest) (integrations.SyncResult, error)
}

func (f *fakeSyncer) Platform() model.Platform { return f.platform }

func (f *fakeSyncer) Sync(_ context.Context, req integrations.SyncRequest) (integrations.SyncResult, error) {
	f.calls.Add(1)
	return f.fn(req)
}

type harness struct {
	s         *Scheduler
	mock      sqlmock.Sqlmock
	accounts  *fakeAccounts
	shipments *fakeShipments
	logs      *fakeSyncLogs
	locker    *fakeLocker
	syncer    *fakeSyncer
	now       time.Time
}

func newHarness(t *testing.T, platform model.Platform, fn func(integrations.SyncRequest) (integrations.SyncResult, error)) *harness {
	t.Helper()
	raw, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, mock.ExpectationsWereMet())
		_ = raw.Close()
	})

	h := &harness{
		mock:      mock,
		accounts:  newFakeAccounts(),
		shipments: &fakeShipments{},
		logs:      &fakeSyncLogs{},
		locker:    &fakeLocker{held: map[string]bool{}},
		syncer:    &fakeSyncer{platform: platform, fn: fn},
		now:       time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC),
	}
	reg := integrations.NewRegistry()
	reg.RegisterSyncer(h.syncer)

	h.s = New(sqlx.NewDb(raw, "mysql"), h.accounts, h.shipments, h.logs,
		inbound.NewApplier(fakeMessages{}, h.shipments, fakeOutbox{}),
		reg, fakeSecrets{}, h.locker,
		config.SchedulerConfig{
			Tick:        10 * time.Millisecond,
			Workers:     2,
			JobTimeout:  time.Second,
			RetryBase:   time.Minute,
			RetryMax:    30 * time.Minute,
			MaxFailures: 5,
		}, nil)
	h.s.now = func() time.Time { return h.now }
	return h
}

func account(id string, p model.Platform) model.Account {
	return model.Account{ID: id, TenantID: 1, Platform: p, Status: model.AccountActive, SyncInterval: 300, Cursor: "c1"}
}

func TestSyncAccountSuccess(t *testing.T) {
	h := newHarness(t, model.PlatformFacebook, func(req integrations.SyncRequest) (integrations.SyncResult, error) {
		assert.Equal(t, "c1", req.Cursor)
		assert.Equal(t, "tok", req.Credentials.AccessToken)
		return integrations.SyncResult{
			Messages: []model.Message{{ExternalID: "m_1", Direction: model.DirectionInbound}},
			Cursor:   "c2",
		}, nil
	})
	h.mock.ExpectBegin()
	h.mock.ExpectCommit()

	entry := h.s.SyncAccount(context.Background(), account("a1", model.PlatformFacebook))
	assert.Equal(t, model.RunSuccess, entry.Status)
	assert.Equal(t, int32(1), entry.Items)
	assert.Equal(t, model.RunSync, entry.Kind)
	assert.Equal(t, "c2", h.accounts.synced["a1"])
	assert.Equal(t, h.now.Add(5*time.Minute), h.accounts.nextAt["a1"])
	assert.Empty(t, h.accounts.failed)
	assert.Equal(t, 1, h.locker.released)
	require.Len(t, h.logs.logs, 1)
}

func TestSyncAccountCourierUsesOpenShipments(t *testing.T) {
	h := newHarness(t, model.PlatformDHL, func(req integrations.SyncRequest) (integrations.SyncResult, error) {
		assert.Equal(t, []string{"T1", "T2"}, req.OpenShipments)
		return integrations.SyncResult{Shipments: []model.ShipmentEvent{{TrackingNumber: "T1", Status: model.ShipmentDelivered}}}, nil
	})
	h.shipments.open = []string{"T1", "T2"}
	h.mock.ExpectBegin()
	h.mock.ExpectCommit()

	entry := h.s.SyncAccount(context.Background(), account("d1", model.PlatformDHL))
	assert.Equal(t, model.RunSuccess, entry.Status)
	assert.Equal(t, int32(1), entry.Items)
}

func TestSyncAccountRetryableFailureBacksOff(t *testing.T) {
	h := newHarness(t, model.PlatformAramex, func(integrations.SyncRequest) (integrations.SyncResult, error) {
		return integrations.SyncResult{}, &integrations.APIError{Platform: model.PlatformAramex, Status: 503}
	})
	acc := account("x1", model.PlatformAramex)
	acc.FailCount = 2

	entry := h.s.SyncAccount(context.Background(), acc)
	assert.Equal(t, model.RunFailed, entry.Status)
	assert.Equal(t, int32(3), entry.Attempt)

	f := h.accounts.failed["x1"]
	assert.Equal(t, 3, f.count)
	assert.Equal(t, model.AccountActive, f.status)
	assert.Equal(t, h.now.Add(4*time.Minute), f.next)
	assert.Contains(t, f.err, "status=503")
	assert.Empty(t, h.accounts.synced)
}

func TestSyncAccountMovesToErrorState(t *testing.T) {
	t.Run("auth rejected", func(t *testing.T) {
		h := newHarness(t, model.PlatformFacebook, func(integrations.SyncRequest) (integrations.SyncResult, error) {
			return integrations.SyncResult{}, &integrations.APIError{Platform: model.PlatformFacebook, Status: 401}
		})
		h.s.SyncAccount(context.Background(), account("a1", model.PlatformFacebook))
		assert.Equal(t, model.AccountError, h.accounts.failed["a1"].status)
		assert.Equal(t, 1, h.accounts.failed["a1"].count)
	})

	t.Run("too many failures", func(t *testing.T) {
		h := newHarness(t, model.PlatformFacebook, func(integrations.SyncRequest) (integrations.SyncResult, error) {
			return integrations.SyncResult{}, errors.New("connection reset")
		})
		acc := account("a1", model.PlatformFacebook)
		acc.FailCount = 4
		h.s.SyncAccount(context.Background(), acc)
		assert.Equal(t, model.AccountError, h.accounts.failed["a1"].status)
		assert.Equal(t, 5, h.accounts.failed["a1"].count)
	})
}

func TestSyncAccountRecoversPanic(t *testing.T) {
	h := newHarness(t, model.PlatformFacebook, func(integrations.SyncRequest) (integrations.SyncResult, error) {
		panic("nil map")
	})
	entry := h.s.SyncAccount(context.Background(), account("a1", model.PlatformFacebook))
	assert.Equal(t, model.RunFailed, entry.Status)
	assert.Contains(t, entry.Error, "nil map")
	assert.Equal(t, 1, h.accounts.failed["a1"].count)
	assert.Equal(t, 1, h.locker.released)
}

func TestSyncAccountSkipsLockedAccount(t *testing.T) {
	h := newHarness(t, model.PlatformFacebook, func(integrations.SyncRequest) (integrations.SyncResult, error) {
		return integrations.SyncResult{}, nil
	})
	h.locker.held[lockKey("a1")] = true

	entry := h.s.SyncAccount(context.Background(), account("a1", model.PlatformFacebook))
	assert.Equal(t, model.RunSkipped, entry.Status)
	assert.Zero(t, h.syncer.calls.Load())
	assert.Empty(t, h.accounts.failed)
}

func TestSyncAccountUnknownPlatform(t *testing.T) {
	h := newHarness(t, model.PlatformFacebook, nil)
	entry := h.s.SyncAccount(context.Background(), account("w1", model.PlatformWhatsApp))
	assert.Equal(t, model.RunFailed, entry.Status)
	assert.Equal(t, 1, h.accounts.failed["w1"].count)
}

func TestBackoff(t *testing.T) {
	s := &Scheduler{RetryBase: time.Minute, RetryMax: 10 * time.Minute}
	assert.Equal(t, time.Minute, s.Backoff(1))
	assert.Equal(t, 2*time.Minute, s.Backoff(2))
	assert.Equal(t, 8*time.Minute, s.Backoff(4))
	assert.Equal(t, 10*time.Minute, s.Backoff(5))
	assert.Equal(t, 10*time.Minute, s.Backoff(60))
}

func TestRunDrainsDueAccountsAndStops(t *testing.T) {
	h := newHarness(t, model.PlatformFacebook, func(req integrations.SyncRequest) (integrations.SyncResult, error) {
		return integrations.SyncResult{Cursor: req.Account.ID + "-next"}, nil
	})
	h.accounts.due = [][]model.Account{
		{account("a1", model.PlatformFacebook), account("a2", model.PlatformFacebook)},
	}
	h.s.Workers = 1
	for i := 0; i < 2; i++ {
		h.mock.ExpectBegin()
		h.mock.ExpectCommit()
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.s.Run(ctx) }()

	require.Eventually(t, func() bool { return h.syncer.calls.Load() == 2 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not stop")
	}

	h.accounts.mu.Lock()
	defer h.accounts.mu.Unlock()
	assert.Equal(t, map[string]string{"a1": "a1-next", "a2": "a2-next"}, h.accounts.synced)
}

func TestPollSkipsInflightAccounts(t *testing.T) {
	h := newHarness(t, model.PlatformFacebook, nil)
	h.accounts.due = [][]model.Account{{account("a1", model.PlatformFacebook), account("a2", model.PlatformFacebook)}}
	h.s.inflight.Store("a1", struct{}{})

	jobs := make(chan model.Account, 4)
	h.s.poll(context.Background(), jobs)
	close(jobs)

	var got []string
	for a := range jobs {
		got = append(got, a.ID)
	}
	assert.Equal(t, []string{"a2"}, got)
}
