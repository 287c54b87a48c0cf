package repository

import (
	"context"
	"time"

	"github.com/jmehdipour/erphub/internal/db"
	"github.com/jmehdipour/erphub/internal/model"
	"github.com/jmoiron/sqlx"
)

const messageColumns = `
	id, tenant_id, account_id, channel, COALESCE(external_id, '') AS external_id,
	conversation_id, sender_id, sender_name, recipient, direction, type,
	COALESCE(text, '') AS text, media_url, status, error, sent_at, created_at, updated_at`

// MessagesRepository persists the common message model. Rows are unique per
// (tenant_id, channel, external_id), which makes webhook replays and repeated
// syncs no-ops.
type MessagesRepository interface {
	UpsertInbound(ctx context.Context, tx *sqlx.Tx, m model.Message) (bool, error)
	ApplyStatus(ctx context.Context, tx *sqlx.Tx, tenantID int64, channel model.Platform, externalID string, status model.MessageStatus, errText string) (int64, error)
	ApplyWatermark(ctx context.Context, tx *sqlx.Tx, accountID, recipient string, status model.MessageStatus, watermark time.Time) (int64, error)
	InsertQueued(ctx context.Context, tx *sqlx.Tx, m model.Message) error
	MarkSent(ctx context.Context, tx *sqlx.Tx, id, externalID string, at time.Time) error
	BatchUpdateStatus(ctx context.Context, tx *sqlx.Tx, ids []string, status model.MessageStatus, errText string) error
	GetByID(ctx context.Context, id string) (model.Message, error)
	List(ctx context.Context, tenantID int64, f MessageFilter) ([]model.Message, error)
}

type MessageFilter struct {
	AccountID string
	Channel   model.Platform
	Status    model.MessageStatus
	Limit     int
	Offset    int
}

type MessagesRepositoryImpl struct {
	db *sqlx.DB
}

func NewMessagesRepository(db *sqlx.DB) *MessagesRepositoryImpl {
	return &MessagesRepositoryImpl{db: db}
}

var _ MessagesRepository = (*MessagesRepositoryImpl)(nil)

// UpsertInbound inserts a message seen on a vendor channel and reports whether
// it was new. Existing rows are left untouched.
func (r *MessagesRepositoryImpl) UpsertInbound(ctx context.Context, tx *sqlx.Tx, m model.Message) (bool, error) {
	const q = `
		INSERT INTO messages
		    (id, tenant_id, account_id, channel, external_id, conversation_id, sender_id,
		     sender_name, recipient, direction, type, text, media_url, status, error,
		     sent_at, created_at, updated_at)
		VALUES
		    (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NOW(3), NOW(3))
		ON DUPLICATE KEY UPDATE id = id
	`
	var inserted bool
	err := db.WithTx(ctx, r.db, tx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, q,
			m.ID, m.TenantID, m.AccountID, m.Channel, m.ExternalID, m.ConversationID, m.SenderID,
			m.SenderName, m.Recipient, m.Direction, m.Type, m.Text, m.MediaURL, m.Status, m.Error,
			m.SentAt,
		)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		inserted = n == 1
		return err
	})
	return inserted, err
}

// ApplyStatus moves a message forward to status. Updates that would regress
// (read -> delivered) or touch a failed message match no rows.
func (r *MessagesRepositoryImpl) ApplyStatus(ctx context.Context, tx *sqlx.Tx, tenantID int64, channel model.Platform, externalID string, status model.MessageStatus, errText string) (int64, error) {
	query, args, err := sqlx.In(`
		UPDATE messages SET status = ?, error = ?, updated_at = NOW(3)
		 WHERE tenant_id = ? AND channel = ? AND external_id = ? AND status IN (?)
	`, status, truncate(errText, 1024), tenantID, channel, externalID, statusesBefore(status))
	if err != nil {
		return 0, err
	}
	return r.exec(ctx, tx, r.db.Rebind(query), args...)
}

// ApplyWatermark marks every outbound message to recipient sent at or before
// the watermark. Facebook read and delivery receipts work this way.
func (r *MessagesRepositoryImpl) ApplyWatermark(ctx context.Context, tx *sqlx.Tx, accountID, recipient string, status model.MessageStatus, watermark time.Time) (int64, error) {
	query, args, err := sqlx.In(`
		UPDATE messages SET status = ?, updated_at = NOW(3)
		 WHERE account_id = ? AND recipient = ? AND direction = 'outbound'
		   AND sent_at <= ? AND status IN (?)
	`, status, accountID, recipient, watermark, statusesBefore(status))
	if err != nil {
		return 0, err
	}
	return r.exec(ctx, tx, r.db.Rebind(query), args...)
}

// InsertQueued inserts an outbound message with status=queued and no vendor id.
func (r *MessagesRepositoryImpl) InsertQueued(ctx context.Context, tx *sqlx.Tx, m model.Message) error {
	const q = `
		INSERT INTO messages
		    (id, tenant_id, account_id, channel, external_id, conversation_id, sender_id,
		     sender_name, recipient, direction, type, text, media_url, status, error,
		     sent_at, created_at, updated_at)
		VALUES
		    (?, ?, ?, ?, NULL, ?, '', '', ?, 'outbound', ?, ?, ?, 'queued', '', ?, NOW(3), NOW(3))
	`
	return db.WithTx(ctx, r.db, tx, func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, q,
			m.ID, m.TenantID, m.AccountID, m.Channel, m.Recipient, m.Recipient,
			m.Type, m.Text, m.MediaURL, m.SentAt,
		)
		return err
	})
}

// MarkSent records the vendor id of a queued message.
func (r *MessagesRepositoryImpl) MarkSent(ctx context.Context, tx *sqlx.Tx, id, externalID string, at time.Time) error {
	_, err := r.exec(ctx, tx, `
		UPDATE messages
		   SET status = 'sent', external_id = ?, sent_at = ?, error = '', updated_at = NOW(3)
		 WHERE id = ? AND status = 'queued'
	`, externalID, at, id)
	return err
}

// BatchUpdateStatus updates status for many queued messages using a single statement.
func (r *MessagesRepositoryImpl) BatchUpdateStatus(ctx context.Context, tx *sqlx.Tx, ids []string, status model.MessageStatus, errText string) error {
	if len(ids) == 0 {
		return nil
	}
	const base = `UPDATE messages SET status = ?, error = ?, updated_at = NOW(3) WHERE id IN (?) AND status = 'queued'`
	query, args, err := sqlx.In(base, status, truncate(errText, 1024), ids)
	if err != nil {
		return err
	}
	_, err = r.exec(ctx, tx, r.db.Rebind(query), args...)
	return err
}

func (r *MessagesRepositoryImpl) GetByID(ctx context.Context, id string) (model.Message, error) {
	var m model.Message
	err := r.db.GetContext(ctx, &m, `SELECT `+messageColumns+` FROM messages WHERE id = ?`, id)
	return m, notFound(err)
}

func (r *MessagesRepositoryImpl) List(ctx context.Context, tenantID int64, f MessageFilter) ([]model.Message, error) {
	if f.Limit <= 0 || f.Limit > 500 {
		f.Limit = 50
	}
	if f.Offset < 0 {
		f.Offset = 0
	}

	q := `SELECT ` + messageColumns + ` FROM messages WHERE tenant_id = ?`
	args := []any{tenantID}
	if f.AccountID != "" {
		q += " AND account_id = ?"
		args = append(args, f.AccountID)
	}
	if f.Channel != "" {
		q += " AND channel = ?"
		args = append(args, f.Channel)
	}
	if f.Status != "" {
		q += " AND status = ?"
		args = append(args, f.Status)
	}
	q += " ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?"
	args = append(args, f.Limit, f.Offset)

	out := []model.Message{}
	if err := r.db.SelectContext(ctx, &out, q, args...); err != nil {
		return nil, err
	}
	return out, nil
}

func (r *MessagesRepositoryImpl) exec(ctx context.Context, tx *sqlx.Tx, query string, args ...any) (int64, error) {
	var n int64
	err := db.WithTx(ctx, r.db, tx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, query, args...)
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	return n, err
}

// statusesBefore lists the states from which next is a forward move.
func statusesBefore(next model.MessageStatus) []string {
	all := []model.MessageStatus{
		model.StatusReceived, model.StatusQueued, model.StatusSent,
		model.StatusDelivered, model.StatusRead, model.StatusFailed,
	}
	var out []string
	for _, s := range all {
		if s.Advances(next) {
			out = append(out, string(s))
		}
	}
	if len(out) == 0 {
		// keeps IN () valid; matches nothing
		out = append(out, "")
	}
	return out
}
