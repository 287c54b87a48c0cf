package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jmehdipour/erphub/internal/config"
	"github.com/jmehdipour/erphub/internal/integrations"
	"github.com/jmehdipour/erphub/internal/metrics"
	"github.com/jmehdipour/erphub/internal/model"
	"github.com/jmehdipour/erphub/internal/repository"
	"github.com/jmehdipour/erphub/internal/service/inbound"
	"github.com/jmehdipour/erphub/internal/util"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
)

// Scheduler is the interval job queue: it polls due integration accounts and
// re-syncs each one through its platform Syncer.
type Scheduler struct {
	// Dependencies
	DB        *sqlx.DB
	Accounts  repository.AccountsRepository
	Shipments repository.ShipmentsRepository
	SyncLogs  repository.SyncLogsRepository
	Applier   *inbound.Applier
	Registry  *integrations.Registry
	Secrets   inbound.Secrets
	Locker    Locker
	Log       *zap.Logger

	// Behavior
	Tick        time.Duration
	Workers     int
	BatchSize   int
	JobTimeout  time.Duration
	LockTTL     time.Duration
	RetryBase   time.Duration
	RetryMax    time.Duration
	MaxFailures int

	now      func() time.Time
	inflight sync.Map // account id -> struct{}
}

func New(
	db *sqlx.DB,
	accounts repository.AccountsRepository,
	shipments repository.ShipmentsRepository,
	syncLogs repository.SyncLogsRepository,
	applier *inbound.Applier,
	registry *integrations.Registry,
	secrets inbound.Secrets,
	locker Locker,
	cfg config.SchedulerConfig,
	log *zap.Logger,
) *Scheduler {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Scheduler{
		DB:          db,
		Accounts:    accounts,
		Shipments:   shipments,
		SyncLogs:    syncLogs,
		Applier:     applier,
		Registry:    registry,
		Secrets:     secrets,
		Locker:      locker,
		Log:         log,
		Tick:        cfg.Tick,
		Workers:     cfg.Workers,
		BatchSize:   cfg.BatchSize,
		JobTimeout:  cfg.JobTimeout,
		LockTTL:     cfg.LockTTL,
		RetryBase:   cfg.RetryBase,
		RetryMax:    cfg.RetryMax,
		MaxFailures: cfg.MaxFailures,
		now:         func() time.Time { return time.Now().UTC() },
	}
	s.defaults()
	return s
}

func (s *Scheduler) defaults() {
	if s.Tick <= 0 {
		s.Tick = 15 * time.Second
	}
	if s.Workers <= 0 {
		s.Workers = 8
	}
	if s.BatchSize <= 0 {
		s.BatchSize = 100
	}
	if s.JobTimeout <= 0 {
		s.JobTimeout = 2 * time.Minute
	}
	if s.LockTTL < s.JobTimeout {
		s.LockTTL = s.JobTimeout + 30*time.Second
	}
	if s.RetryBase <= 0 {
		s.RetryBase = time.Minute
	}
	if s.RetryMax < s.RetryBase {
		s.RetryMax = 30 * s.RetryBase
	}
	if s.MaxFailures <= 0 {
		s.MaxFailures = 10
	}
}

// Run polls until ctx is cancelled, then waits for in-flight jobs.
func (s *Scheduler) Run(ctx context.Context) error {
	jobs := make(chan model.Account, s.Workers)

	var wg sync.WaitGroup
	for i := 0; i < s.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for acc := range jobs {
				// jobs outlive ctx so a shutdown never leaves a half-written run
				s.SyncAccount(context.WithoutCancel(ctx), acc)
				s.inflight.Delete(acc.ID)
			}
		}()
	}

	s.Log.Info("scheduler started",
		zap.Duration("tick", s.Tick),
		zap.Int("workers", s.Workers),
		zap.Int("batch_size", s.BatchSize),
	)

	ticker := time.NewTicker(s.Tick)
	defer ticker.Stop()

	for {
		s.poll(ctx, jobs)
		select {
		case <-ctx.Done():
			close(jobs)
			wg.Wait()
			s.Log.Info("scheduler stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// poll hands due accounts to the workers. Accounts still running from an
// earlier tick are not queued twice.
func (s *Scheduler) poll(ctx context.Context, jobs chan<- model.Account) {
	due, err := s.Accounts.ListDue(ctx, s.now(), s.BatchSize)
	if err != nil {
		if ctx.Err() == nil {
			s.Log.Error("list due accounts", zap.Error(err))
		}
		return
	}
	for _, acc := range due {
		if _, busy := s.inflight.LoadOrStore(acc.ID, struct{}{}); busy {
			continue
		}
		select {
		case jobs <- acc:
		case <-ctx.Done():
			s.inflight.Delete(acc.ID)
			return
		}
	}
}

// SyncAccount runs one sync attempt and records it. It never returns an error;
// the outcome lands on the account row and in the sync log.
func (s *Scheduler) SyncAccount(ctx context.Context, acc model.Account) model.SyncLog {
	started := s.now()
	entry := model.SyncLog{
		ID:        util.New(),
		TenantID:  acc.TenantID,
		AccountID: acc.ID,
		Platform:  acc.Platform,
		Kind:      model.RunSync,
		Attempt:   int32(acc.FailCount + 1),
		StartedAt: started,
	}
	log := s.Log.With(zap.String("account_id", acc.ID), zap.String("platform", string(acc.Platform)))

	unlock, err := s.Locker.Lock(ctx, lockKey(acc.ID), s.LockTTL)
	if err != nil {
		if !errors.Is(err, ErrLocked) {
			log.Warn("sync lock failed", zap.Error(err))
		}
		entry.Status = model.RunSkipped
		entry.Error = err.Error()
		return s.finish(ctx, entry, started)
	}
	defer func() {
		if err := unlock(ctx); err != nil {
			log.Warn("sync unlock failed", zap.Error(err))
		}
	}()

	items, err := s.run(ctx, acc)
	if err != nil {
		entry.Status = model.RunFailed
		entry.Error = err.Error()
		s.fail(ctx, log, acc, err)
		return s.finish(ctx, entry, started)
	}

	entry.Status = model.RunSuccess
	entry.Items = int32(items)
	log.Debug("sync done", zap.Int("items", items))
	return s.finish(ctx, entry, started)
}

// run fetches from the vendor and applies the result. A panicking syncer is
// reported as a failed run.
func (s *Scheduler) run(ctx context.Context, acc model.Account) (items int, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("sync panic: %v", r)
		}
	}()

	syncer, err := s.Registry.Syncer(acc.Platform)
	if err != nil {
		return 0, err
	}
	creds, err := s.Secrets.Credentials(acc)
	if err != nil {
		return 0, fmt.Errorf("open credentials: %w", err)
	}

	req := integrations.SyncRequest{Account: acc, Credentials: creds, Cursor: acc.Cursor}
	if acc.Platform.IsCourier() {
		req.OpenShipments, err = s.Shipments.ListOpen(ctx, acc.ID, 0)
		if err != nil {
			return 0, fmt.Errorf("list open shipments: %w", err)
		}
	}

	jobCtx, cancel := context.WithTimeout(ctx, s.JobTimeout)
	defer cancel()
	res, err := syncer.Sync(jobCtx, req)
	if err != nil {
		return 0, err
	}

	now := s.now()
	err = s.withTx(ctx, func(tx *sqlx.Tx) error {
		if _, err := s.Applier.Apply(ctx, tx, acc, inbound.Items{Messages: res.Messages, Shipments: res.Shipments}); err != nil {
			return err
		}
		return s.Accounts.MarkSynced(ctx, tx, acc.ID, res.Cursor, now, now.Add(acc.Interval()))
	})
	if err != nil {
		return 0, fmt.Errorf("persist sync: %w", err)
	}
	return res.Items(), nil
}

func (s *Scheduler) withTx(ctx context.Context, fn func(*sqlx.Tx) error) error {
	tx, err := s.DB.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

// fail pushes next_sync_at out by backoff and parks the account in error
// once it keeps failing or the vendor rejects its credentials.
func (s *Scheduler) fail(ctx context.Context, log *zap.Logger, acc model.Account, cause error) {
	failCount := acc.FailCount + 1
	status := model.AccountActive
	if failCount >= s.MaxFailures || integrations.IsAuthError(cause) {
		status = model.AccountError
	}
	next := s.now().Add(s.Backoff(failCount))

	if err := s.Accounts.MarkFailed(ctx, acc.ID, failCount, status, cause.Error(), next); err != nil {
		log.Error("mark sync failed", zap.Error(err))
	}
	fields := []zap.Field{zap.Int("fail_count", failCount), zap.Time("next_sync_at", next), zap.Error(cause)}
	if status == model.AccountError {
		log.Error("account moved to error state", fields...)
		return
	}
	log.Warn("sync failed", fields...)
}

// Backoff is RetryBase doubled per consecutive failure, capped at RetryMax.
func (s *Scheduler) Backoff(failCount int) time.Duration {
	d := s.RetryBase
	for i := 1; i < failCount; i++ {
		d *= 2
		if d >= s.RetryMax {
			return s.RetryMax
		}
	}
	return d
}

func (s *Scheduler) finish(ctx context.Context, entry model.SyncLog, started time.Time) model.SyncLog {
	elapsed := s.now().Sub(started)
	entry.DurationMs = elapsed.Milliseconds()

	metrics.SyncRunsTotal.WithLabelValues(string(entry.Platform), string(entry.Status)).Inc()
	if entry.Status != model.RunSkipped {
		metrics.SyncDuration.WithLabelValues(string(entry.Platform)).Observe(elapsed.Seconds())
	}
	if s.SyncLogs != nil {
		if err := s.SyncLogs.Insert(ctx, entry); err != nil {
			s.Log.Warn("write sync log failed", zap.String("account_id", entry.AccountID), zap.Error(err))
		}
	}
	return entry
}
