package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/jmehdipour/erphub/internal/db"
	"github.com/jmehdipour/erphub/internal/model"
	"github.com/jmoiron/sqlx"
)

const accountColumns = `
	id, tenant_id, platform, name, external_id, credentials, webhook_secret,
	verify_token_hash, status, sync_interval_sec, sync_cursor, last_synced_at,
	next_sync_at, fail_count, last_error, created_at, updated_at`

// AccountsRepository persists integration accounts. Tenant-facing reads take
// the tenant id so one tenant never sees another's accounts.
type AccountsRepository interface {
	Create(ctx context.Context, a model.Account) error
	Get(ctx context.Context, tenantID int64, id string) (model.Account, error)
	GetByID(ctx context.Context, id string) (model.Account, error)
	ListByTenant(ctx context.Context, tenantID int64) ([]model.Account, error)
	FindByExternalID(ctx context.Context, platform model.Platform, externalID string) (model.Account, error)
	FindByVerifyTokenHash(ctx context.Context, platform model.Platform, hash string) (model.Account, error)
	ExistsExternalID(ctx context.Context, platform model.Platform, externalID, exceptID string) (bool, error)
	UpdateCredentials(ctx context.Context, a model.Account) error
	SetStatus(ctx context.Context, tenantID int64, id string, status model.AccountStatus, now time.Time) error
	Delete(ctx context.Context, tenantID int64, id string) error
	TriggerNow(ctx context.Context, tenantID int64, id string, now time.Time) error

	ListDue(ctx context.Context, now time.Time, limit int) ([]model.Account, error)
	MarkSynced(ctx context.Context, tx *sqlx.Tx, id, cursor string, at, next time.Time) error
	MarkFailed(ctx context.Context, id string, failCount int, status model.AccountStatus, lastErr string, next time.Time) error
}

type AccountsRepositoryImpl struct {
	db *sqlx.DB
}

func NewAccountsRepository(db *sqlx.DB) *AccountsRepositoryImpl {
	return &AccountsRepositoryImpl{db: db}
}

var _ AccountsRepository = (*AccountsRepositoryImpl)(nil)

func (r *AccountsRepositoryImpl) Create(ctx context.Context, a model.Account) error {
	_, err := r.db.NamedExecContext(ctx, `
		INSERT INTO integration_accounts
		    (id, tenant_id, platform, name, external_id, credentials, webhook_secret,
		     verify_token_hash, status, sync_interval_sec, sync_cursor, next_sync_at,
		     fail_count, last_error, created_at, updated_at)
		VALUES
		    (:id, :tenant_id, :platform, :name, :external_id, :credentials, :webhook_secret,
		     :verify_token_hash, :status, :sync_interval_sec, :sync_cursor, :next_sync_at,
		     0, '', :created_at, :updated_at)
	`, a)
	if isDuplicate(err) {
		return ErrDuplicate
	}
	return err
}

func (r *AccountsRepositoryImpl) Get(ctx context.Context, tenantID int64, id string) (model.Account, error) {
	var a model.Account
	err := r.db.GetContext(ctx, &a,
		`SELECT `+accountColumns+` FROM integration_accounts WHERE id = ? AND tenant_id = ?`, id, tenantID)
	return a, notFound(err)
}

func (r *AccountsRepositoryImpl) GetByID(ctx context.Context, id string) (model.Account, error) {
	var a model.Account
	err := r.db.GetContext(ctx, &a, `SELECT `+accountColumns+` FROM integration_accounts WHERE id = ?`, id)
	return a, notFound(err)
}

func (r *AccountsRepositoryImpl) ListByTenant(ctx context.Context, tenantID int64) ([]model.Account, error) {
	var out []model.Account
	err := r.db.SelectContext(ctx, &out,
		`SELECT `+accountColumns+` FROM integration_accounts WHERE tenant_id = ? ORDER BY created_at, id`, tenantID)
	return out, err
}

// FindByExternalID routes a Meta webhook entry to its account. Active accounts
// win over disabled ones sharing the same external id.
func (r *AccountsRepositoryImpl) FindByExternalID(ctx context.Context, platform model.Platform, externalID string) (model.Account, error) {
	var a model.Account
	err := r.db.GetContext(ctx, &a, `
		SELECT `+accountColumns+`
		  FROM integration_accounts
		 WHERE platform = ? AND external_id = ?
		 ORDER BY status = 'active' DESC, created_at
		 LIMIT 1
	`, platform, externalID)
	return a, notFound(err)
}

func (r *AccountsRepositoryImpl) FindByVerifyTokenHash(ctx context.Context, platform model.Platform, hash string) (model.Account, error) {
	var a model.Account
	err := r.db.GetContext(ctx, &a, `
		SELECT `+accountColumns+`
		  FROM integration_accounts
		 WHERE platform = ? AND verify_token_hash = ? AND status = 'active'
		 LIMIT 1
	`, platform, hash)
	return a, notFound(err)
}

// ExistsExternalID reports another active account on the same vendor id.
func (r *AccountsRepositoryImpl) ExistsExternalID(ctx context.Context, platform model.Platform, externalID, exceptID string) (bool, error) {
	var n int
	err := r.db.GetContext(ctx, &n, `
		SELECT COUNT(*) FROM integration_accounts
		 WHERE platform = ? AND external_id = ? AND id <> ? AND status = 'active'
	`, platform, externalID, exceptID)
	return n > 0, err
}

func (r *AccountsRepositoryImpl) UpdateCredentials(ctx context.Context, a model.Account) error {
	res, err := r.db.NamedExecContext(ctx, `
		UPDATE integration_accounts
		   SET credentials = :credentials,
		       webhook_secret = :webhook_secret,
		       verify_token_hash = :verify_token_hash,
		       external_id = :external_id,
		       updated_at = :updated_at
		 WHERE id = :id AND tenant_id = :tenant_id
	`, a)
	return affected(res, err)
}

// SetStatus also resets the failure streak when an account is (re)activated
// so the scheduler picks it up on the next tick.
func (r *AccountsRepositoryImpl) SetStatus(ctx context.Context, tenantID int64, id string, status model.AccountStatus, now time.Time) error {
	q := `UPDATE integration_accounts SET status = ?, updated_at = ? WHERE id = ? AND tenant_id = ?`
	args := []any{status, now, id, tenantID}
	if status == model.AccountActive {
		q = `UPDATE integration_accounts
		        SET status = ?, fail_count = 0, last_error = '', next_sync_at = ?, updated_at = ?
		      WHERE id = ? AND tenant_id = ?`
		args = []any{status, now, now, id, tenantID}
	}
	res, err := r.db.ExecContext(ctx, q, args...)
	return affected(res, err)
}

func (r *AccountsRepositoryImpl) Delete(ctx context.Context, tenantID int64, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM integration_accounts WHERE id = ? AND tenant_id = ?`, id, tenantID)
	return affected(res, err)
}

func (r *AccountsRepositoryImpl) TriggerNow(ctx context.Context, tenantID int64, id string, now time.Time) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE integration_accounts SET next_sync_at = ?, updated_at = ?
		 WHERE id = ? AND tenant_id = ?
	`, now, now, id, tenantID)
	return affected(res, err)
}

// ListDue returns active accounts whose next sync time has passed, oldest first.
func (r *AccountsRepositoryImpl) ListDue(ctx context.Context, now time.Time, limit int) ([]model.Account, error) {
	if limit <= 0 {
		limit = 100
	}
	var out []model.Account
	err := r.db.SelectContext(ctx, &out, `
		SELECT `+accountColumns+`
		  FROM integration_accounts
		 WHERE status = 'active' AND next_sync_at IS NOT NULL AND next_sync_at <= ?
		 ORDER BY next_sync_at
		 LIMIT ?
	`, now, limit)
	return out, err
}

func (r *AccountsRepositoryImpl) MarkSynced(ctx context.Context, tx *sqlx.Tx, id, cursor string, at, next time.Time) error {
	return db.WithTx(ctx, r.db, tx, func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, `
			UPDATE integration_accounts
			   SET sync_cursor = ?, last_synced_at = ?, next_sync_at = ?,
			       fail_count = 0, last_error = '', updated_at = ?
			 WHERE id = ?
		`, cursor, at, next, at, id)
		return err
	})
}

// MarkFailed only touches accounts that are still active, so a concurrent
// disable is not overwritten.
func (r *AccountsRepositoryImpl) MarkFailed(ctx context.Context, id string, failCount int, status model.AccountStatus, lastErr string, next time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE integration_accounts
		   SET fail_count = ?, status = ?, last_error = ?, next_sync_at = ?, updated_at = NOW(3)
		 WHERE id = ? AND status = 'active'
	`, failCount, status, truncate(lastErr, 1024), next, id)
	return err
}

// affected maps a zero-row update to ErrNotFound. MySQL reports changed rows,
// so every caller also bumps updated_at.
func affected(res sql.Result, err error) error {
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
