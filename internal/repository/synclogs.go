package repository

import (
	"context"
	"fmt"

	"github.com/jmehdipour/erphub/internal/model"
	"github.com/jmoiron/sqlx"
)

// SyncLogsRepository stores integration runs in ClickHouse.
type SyncLogsRepository interface {
	Insert(ctx context.Context, logs ...model.SyncLog) error
	List(ctx context.Context, tenantID int64, f SyncLogFilter) ([]model.SyncLog, error)
}

type SyncLogFilter struct {
	AccountID string
	Status    model.RunStatus
	Kind      model.RunKind
	Limit     int
	Offset    int
}

type syncLogsRepository struct {
	ch *sqlx.DB // ClickHouse connection
}

func NewSyncLogsRepository(ch *sqlx.DB) SyncLogsRepository {
	return &syncLogsRepository{ch: ch}
}

// Insert writes one batch. clickhouse-go sends every Exec of a prepared
// INSERT inside a transaction as a single block on Commit.
func (r *syncLogsRepository) Insert(ctx context.Context, logs ...model.SyncLog) error {
	if len(logs) == 0 {
		return nil
	}
	tx, err := r.ch.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO sync_logs
		    (id, tenant_id, account_id, platform, kind, status, attempt, items, error, duration_ms, started_at)
	`)
	if err != nil {
		return fmt.Errorf("prepare sync_logs batch: %w", err)
	}
	defer stmt.Close()

	for _, l := range logs {
		if _, err := stmt.ExecContext(ctx,
			l.ID, l.TenantID, l.AccountID, string(l.Platform), string(l.Kind), string(l.Status),
			l.Attempt, l.Items, l.Error, l.DurationMs, l.StartedAt,
		); err != nil {
			return fmt.Errorf("append sync log %s: %w", l.ID, err)
		}
	}
	return tx.Commit()
}

func (r *syncLogsRepository) List(ctx context.Context, tenantID int64, f SyncLogFilter) ([]model.SyncLog, error) {
	if f.Limit <= 0 || f.Limit > 1000 {
		f.Limit = 50
	}
	if f.Offset < 0 {
		f.Offset = 0
	}

	q := `
		SELECT id, tenant_id, account_id, platform, kind, status, attempt, items, error, duration_ms, started_at
		FROM sync_logs
		WHERE tenant_id = ?
	`
	args := []any{tenantID}

	if f.AccountID != "" {
		q += " AND account_id = ?"
		args = append(args, f.AccountID)
	}
	if f.Status != "" {
		q += " AND status = ?"
		args = append(args, string(f.Status))
	}
	if f.Kind != "" {
		q += " AND kind = ?"
		args = append(args, string(f.Kind))
	}

	q += " ORDER BY started_at DESC LIMIT ? OFFSET ?"
	args = append(args, f.Limit, f.Offset)

	rows := []model.SyncLog{}
	if err := r.ch.SelectContext(ctx, &rows, q, args...); err != nil {
		return nil, err
	}
	return rows, nil
}
