package repository

import (
	"context"

	"github.com/jmehdipour/erphub/internal/db"
	"github.com/jmehdipour/erphub/internal/model"
	"github.com/jmoiron/sqlx"
)

const shipmentColumns = `
	id, tenant_id, account_id, courier, tracking_number, reference, status, raw_status,
	location, description, cod_amount, currency, event_at, created_at, updated_at`

type ShipmentsRepository interface {
	Upsert(ctx context.Context, tx *sqlx.Tx, s model.Shipment) (bool, error)
	ListOpen(ctx context.Context, accountID string, limit int) ([]string, error)
	GetByTracking(ctx context.Context, tenantID int64, trackingNumber string) ([]model.Shipment, error)
}

type ShipmentsRepositoryImpl struct {
	db *sqlx.DB
}

func NewShipmentsRepository(db *sqlx.DB) *ShipmentsRepositoryImpl {
	return &ShipmentsRepositoryImpl{db: db}
}

var _ ShipmentsRepository = (*ShipmentsRepositoryImpl)(nil)

// Upsert applies a tracking event unless the stored one is newer. Columns are
// assigned before event_at because MySQL evaluates SET left to right. It
// reports whether the row changed.
func (r *ShipmentsRepositoryImpl) Upsert(ctx context.Context, tx *sqlx.Tx, s model.Shipment) (bool, error) {
	const q = `
		INSERT INTO shipments
		    (id, tenant_id, account_id, courier, tracking_number, reference, status, raw_status,
		     location, description, cod_amount, currency, event_at, created_at, updated_at)
		VALUES
		    (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NOW(3), NOW(3))
		ON DUPLICATE KEY UPDATE
		    reference   = IF(VALUES(event_at) >= event_at AND VALUES(reference) <> '', VALUES(reference), reference),
		    status      = IF(VALUES(event_at) >= event_at, VALUES(status), status),
		    raw_status  = IF(VALUES(event_at) >= event_at, VALUES(raw_status), raw_status),
		    location    = IF(VALUES(event_at) >= event_at, VALUES(location), location),
		    description = IF(VALUES(event_at) >= event_at, VALUES(description), description),
		    cod_amount  = IF(VALUES(event_at) >= event_at, COALESCE(VALUES(cod_amount), cod_amount), cod_amount),
		    currency    = IF(VALUES(event_at) >= event_at AND VALUES(currency) <> '', VALUES(currency), currency),
		    updated_at  = IF(VALUES(event_at) >= event_at, NOW(3), updated_at),
		    event_at    = GREATEST(event_at, VALUES(event_at))
	`
	var changed bool
	err := db.WithTx(ctx, r.db, tx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, q,
			s.ID, s.TenantID, s.AccountID, s.Courier, s.TrackingNumber, s.Reference, s.Status, s.RawStatus,
			s.Location, s.Description, s.CODAmount, s.Currency, s.EventAt,
		)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		changed = n > 0
		return err
	})
	return changed, err
}

// ListOpen returns tracking numbers still expecting courier events.
func (r *ShipmentsRepositoryImpl) ListOpen(ctx context.Context, accountID string, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 200
	}
	var out []string
	err := r.db.SelectContext(ctx, &out, `
		SELECT tracking_number
		  FROM shipments
		 WHERE account_id = ? AND status NOT IN ('delivered', 'returned')
		 ORDER BY event_at
		 LIMIT ?
	`, accountID, limit)
	return out, err
}

func (r *ShipmentsRepositoryImpl) GetByTracking(ctx context.Context, tenantID int64, trackingNumber string) ([]model.Shipment, error) {
	out := []model.Shipment{}
	err := r.db.SelectContext(ctx, &out,
		`SELECT `+shipmentColumns+` FROM shipments WHERE tenant_id = ? AND tracking_number = ? ORDER BY courier`,
		tenantID, trackingNumber)
	if err != nil {
		return nil, err
	}
	return out, nil
}
