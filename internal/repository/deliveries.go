package repository

import (
	"context"
	"time"

	"github.com/jmehdipour/erphub/internal/model"
	"github.com/jmoiron/sqlx"
)

// DeliveriesRepository records applied webhook deliveries. The primary key on
// (platform, delivery_id) is the durable dedupe behind the Redis fast path.
type DeliveriesRepository interface {
	Insert(ctx context.Context, tx *sqlx.Tx, d model.Delivery) error
	PruneBefore(ctx context.Context, before time.Time) (int64, error)
}

type deliveriesRepo struct {
	db *sqlx.DB
}

func NewDeliveriesRepository(db *sqlx.DB) DeliveriesRepository { return &deliveriesRepo{db: db} }

// Insert returns ErrDuplicate when the delivery was already applied.
func (r *deliveriesRepo) Insert(ctx context.Context, tx *sqlx.Tx, d model.Delivery) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO webhook_deliveries (platform, delivery_id, tenant_id, account_id, received_at)
		VALUES (?, ?, ?, ?, ?)
	`, d.Platform, d.DeliveryID, d.TenantID, d.AccountID, d.ReceivedAt)
	if isDuplicate(err) {
		return ErrDuplicate
	}
	return err
}

// PruneBefore drops deliveries older than any vendor retry window.
func (r *deliveriesRepo) PruneBefore(ctx context.Context, before time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM webhook_deliveries WHERE received_at < ?`, before)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
