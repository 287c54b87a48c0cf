package model

import "time"

type RunKind string

const (
	RunSync    RunKind = "sync"
	RunWebhook RunKind = "webhook"
	RunSend    RunKind = "send"
)

type RunStatus string

const (
	RunSuccess RunStatus = "success"
	RunFailed  RunStatus = "failed"
	RunSkipped RunStatus = "skipped"
)

func (s RunStatus) Valid() bool {
	return s == RunSuccess || s == RunFailed || s == RunSkipped
}

// SyncLog is one integration run, stored append-only in ClickHouse.
type SyncLog struct {
	ID         string    `db:"id" json:"id"`
	TenantID   int64     `db:"tenant_id" json:"tenant_id"`
	AccountID  string    `db:"account_id" json:"account_id"`
	Platform   Platform  `db:"platform" json:"platform"`
	Kind       RunKind   `db:"kind" json:"kind"`
	Status     RunStatus `db:"status" json:"status"`
	Attempt    int32     `db:"attempt" json:"attempt"`
	Items      int32     `db:"items" json:"items"`
	Error      string    `db:"error" json:"error,omitempty"`
	DurationMs int64     `db:"duration_ms" json:"duration_ms"`
	StartedAt  time.Time `db:"started_at" json:"started_at"`
}
