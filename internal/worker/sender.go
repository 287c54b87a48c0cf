package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jmehdipour/erphub/internal/integrations"
	"github.com/jmehdipour/erphub/internal/kafka"
	"github.com/jmehdipour/erphub/internal/metrics"
	"github.com/jmehdipour/erphub/internal/model"
	"github.com/jmehdipour/erphub/internal/repository"
	"github.com/jmehdipour/erphub/internal/service/inbound"
	"github.com/jmehdipour/erphub/internal/util"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
)

// Fetcher is the consumer side of the outbound topic.
type Fetcher interface {
	Fetch(ctx context.Context) (kafka.Message, error)
	Commit(ctx context.Context, m kafka.Message) error
}

// SenderKafka:
// - fetches outbound envelopes from Kafka,
// - delivers them through the platform Sender with bounded retries,
// - batches message status updates, outbox events and send logs in one tx.
type SenderKafka struct {
	// Dependencies
	DB       *sqlx.DB
	Consumer Fetcher
	Messages repository.MessagesRepository
	Accounts repository.AccountsRepository
	Outbox   repository.OutboxRepository
	SyncLogs repository.SyncLogsRepository
	Registry *integrations.Registry
	Secrets  inbound.Secrets
	Log      *zap.Logger

	// Behavior
	Workers     int           // number of goroutines processing messages
	BatchSize   int           // max buffered updates per flush (items)
	BatchWait   time.Duration // max time to wait before flush
	MaxAttempts   int           // vendor attempts per message for retryable errors
	RetryWait     time.Duration // first retry delay, doubled per attempt
	FlushAttempts int           // tries per status batch before it is dropped
}

// maxRetryWait caps the backoff between reloads of one envelope.
const maxRetryWait = 5 * time.Second

func NewSenderKafka(
	db *sqlx.DB,
	consumer Fetcher,
	messages repository.MessagesRepository,
	accounts repository.AccountsRepository,
	outbox repository.OutboxRepository,
	syncLogs repository.SyncLogsRepository,
	registry *integrations.Registry,
	secrets inbound.Secrets,
	log *zap.Logger,
) *SenderKafka {
	if log == nil {
		log = zap.NewNop()
	}
	return &SenderKafka{
		DB:          db,
		Consumer:    consumer,
		Messages:    messages,
		Accounts:    accounts,
		Outbox:      outbox,
		SyncLogs:    syncLogs,
		Registry:    registry,
		Secrets:     secrets,
		Log:         log,
		Workers:     16,
		BatchSize:   100,
		BatchWait:   300 * time.Millisecond,
		MaxAttempts:   3,
		RetryWait:     500 * time.Millisecond,
		FlushAttempts: 5,
	}
}

// Run starts the worker and blocks until ctx is cancelled and buffered
// updates are flushed.
func (w *SenderKafka) Run(ctx context.Context) error {
	if w.Workers <= 0 {
		w.Workers = 16
	}
	if w.BatchSize <= 0 {
		w.BatchSize = 100
	}
	if w.BatchWait <= 0 {
		w.BatchWait = 300 * time.Millisecond
	}
	if w.MaxAttempts <= 0 {
		w.MaxAttempts = 1
	}
	if w.RetryWait <= 0 {
		w.RetryWait = 500 * time.Millisecond
	}
	if w.FlushAttempts <= 0 {
		w.FlushAttempts = 1
	}

	// Channel for worker results → batch writer
	updates := make(chan updateItem, w.BatchSize*2)
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		w.runBatchWriter(ctx, updates)
	}()

	msgCh := make(chan kafka.Message, w.Workers*2)

	// Fetcher goroutine
	go func() {
		defer close(msgCh)
		for {
			m, err := w.Consumer.Fetch(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				w.Log.Warn("kafka fetch failed", zap.Error(err))
				select {
				case <-ctx.Done():
					return
				case <-time.After(200 * time.Millisecond):
				}
				continue
			}
			select {
			case msgCh <- m:
			case <-ctx.Done():
				return
			}
		}
	}()

	var wg sync.WaitGroup
	for i := 0; i < w.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.runProcessor(ctx, msgCh, updates)
		}()
	}

	w.Log.Info("sender started",
		zap.Int("workers", w.Workers),
		zap.Int("batch_size", w.BatchSize),
		zap.Duration("batch_wait", w.BatchWait),
	)

	wg.Wait()
	close(updates)
	<-writerDone
	w.Log.Info("sender stopped")
	return nil
}

type updateItem struct {
	msgID      string
	tenantID   int64
	accountID  string
	channel    model.Platform
	externalID string
	status     model.MessageStatus // sent | failed
	err        string
	attempts   int
	started    time.Time
	at         time.Time
}

// outcome tells the processor what to do with an envelope's offset.
type outcome int

const (
	outcomeSkip   outcome = iota // nothing to write, commit
	outcomeUpdate                // status change for the batch writer, commit
	outcomeRetry                 // temporary failure, do not commit
)

func (w *SenderKafka) runProcessor(ctx context.Context, in <-chan kafka.Message, out chan<- updateItem) {
	for m := range in {
		u, res := w.processWithRetry(ctx, m)
		switch res {
		case outcomeRetry:
			// shutting down: left uncommitted so the group redelivers it after restart
			continue
		case outcomeUpdate:
			out <- u
		}
		// MarkSent and the queued-status guard make replays no-ops
		if err := w.Consumer.Commit(context.WithoutCancel(ctx), m); err != nil {
			w.Log.Warn("kafka commit failed", zap.Int64("offset", m.Offset), zap.Error(err))
		}
	}
}

// processWithRetry holds the envelope until it is processed or ctx ends.
// Commits are cumulative per partition, so moving on would commit past it.
func (w *SenderKafka) processWithRetry(ctx context.Context, m kafka.Message) (updateItem, outcome) {
	wait := w.RetryWait
	for {
		u, res := w.processOne(ctx, m)
		if res != outcomeRetry {
			return u, res
		}
		select {
		case <-ctx.Done():
			return updateItem{}, outcomeRetry
		case <-time.After(wait):
		}
		wait = min(wait*2, maxRetryWait)
	}
}

func (w *SenderKafka) processOne(ctx context.Context, m kafka.Message) (updateItem, outcome) {
	var env model.Envelope
	if err := json.Unmarshal(m.Value, &env); err != nil || env.ID == "" {
		w.Log.Warn("poison envelope skipped", zap.Int64("offset", m.Offset), zap.Error(err))
		return updateItem{}, outcomeSkip
	}
	log := w.Log.With(zap.String("message_id", env.ID), zap.String("account_id", env.AccountID))

	msg, err := w.Messages.GetByID(ctx, env.ID)
	if errors.Is(err, repository.ErrNotFound) {
		log.Warn("envelope for unknown message skipped")
		return updateItem{}, outcomeSkip
	}
	if err != nil {
		log.Error("load message failed", zap.Error(err))
		return updateItem{}, outcomeRetry
	}
	if msg.Status != model.StatusQueued {
		return updateItem{}, outcomeSkip
	}

	acc, err := w.Accounts.GetByID(ctx, msg.AccountID)
	if err != nil && !errors.Is(err, repository.ErrNotFound) {
		log.Error("load account failed", zap.Error(err))
		return updateItem{}, outcomeRetry
	}

	u := updateItem{
		msgID:     msg.ID,
		tenantID:  msg.TenantID,
		accountID: msg.AccountID,
		channel:   msg.Channel,
		started:   time.Now().UTC(),
	}
	if err != nil {
		err = fmt.Errorf("account %s: %w", msg.AccountID, err)
	} else {
		u.externalID, u.attempts, err = w.deliver(ctx, acc, env)
	}
	u.at = time.Now().UTC()
	if err != nil {
		if ctx.Err() != nil {
			return updateItem{}, outcomeRetry
		}
		u.status, u.err = model.StatusFailed, err.Error()
		metrics.MessagesTotal.WithLabelValues("failed", string(msg.Channel)).Inc()
		log.Warn("send failed", zap.Int("attempts", u.attempts), zap.Error(err))
		return u, outcomeUpdate
	}
	u.status = model.StatusSent
	metrics.MessagesTotal.WithLabelValues("sent", string(msg.Channel)).Inc()
	return u, outcomeUpdate
}

func (w *SenderKafka) deliver(ctx context.Context, acc model.Account, env model.Envelope) (string, int, error) {
	if !acc.Active() {
		return "", 0, errors.New("account is not active")
	}
	sender, err := w.Registry.Sender(acc.Platform)
	if err != nil {
		return "", 0, err
	}
	creds, err := w.Secrets.Credentials(acc)
	if err != nil {
		return "", 0, err
	}

	wait := w.RetryWait
	for attempt := 1; ; attempt++ {
		id, err := sender.Send(ctx, creds, env.Message)
		if err == nil {
			return id, attempt, nil
		}
		if attempt >= w.MaxAttempts || !integrations.IsRetryable(err) {
			return "", attempt, err
		}
		select {
		case <-ctx.Done():
			return "", attempt, ctx.Err()
		case <-time.After(wait):
		}
		wait *= 2
	}
}

// runBatchWriter does size/time-based flush of message updates atomically.
func (w *SenderKafka) runBatchWriter(ctx context.Context, in <-chan updateItem) {
	tick := time.NewTicker(w.BatchWait)
	defer tick.Stop()

	// the final flush must not inherit cancellation
	flushCtx := context.WithoutCancel(ctx)
	var buf []updateItem
	failures := 0

	// flush keeps buf after a failed write so the next tick retries it; it
	// reports false while a retry is still due.
	flush := func() bool {
		if len(buf) == 0 {
			return true
		}
		err := w.flush(flushCtx, buf)
		if err == nil {
			buf, failures = buf[:0], 0
			return true
		}
		failures++
		if failures < w.FlushAttempts {
			w.Log.Warn("sender flush failed, retrying",
				zap.Int("items", len(buf)), zap.Int("failures", failures), zap.Error(err))
			return false
		}
		w.Log.Error("sender flush gave up, messages stay queued",
			zap.Int("items", len(buf)), zap.Strings("message_ids", messageIDs(buf)), zap.Error(err))
		buf, failures = buf[:0], 0
		return true
	}

	for {
		select {
		case u, ok := <-in:
			if !ok {
				for !flush() {
					time.Sleep(w.BatchWait)
				}
				return
			}
			buf = append(buf, u)
			if len(buf) >= w.BatchSize && failures == 0 {
				flush()
			}
		case <-tick.C:
			flush()
		}
	}
}

func messageIDs(items []updateItem) []string {
	ids := make([]string, 0, len(items))
	for _, it := range items {
		ids = append(ids, it.msgID)
	}
	return ids
}

// flush writes one batch: sent rows get their vendor id, failed rows are
// grouped by error text, and each changed message gets a status event.
func (w *SenderKafka) flush(ctx context.Context, items []updateItem) error {
	failedByErr := map[string][]string{}
	for _, it := range items {
		if it.status == model.StatusFailed {
			failedByErr[it.err] = append(failedByErr[it.err], it.msgID)
		}
	}

	tx, err := w.DB.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	sent := 0
	for _, it := range items {
		if it.status != model.StatusSent {
			continue
		}
		if err := w.Messages.MarkSent(ctx, tx, it.msgID, it.externalID, it.at); err != nil {
			return err
		}
		sent++
	}
	for errText, ids := range failedByErr {
		if err := w.Messages.BatchUpdateStatus(ctx, tx, ids, model.StatusFailed, errText); err != nil {
			return err
		}
	}
	for _, it := range items {
		if err := w.emitStatus(ctx, tx, it); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	w.writeLogs(ctx, items)
	w.Log.Debug("sender flushed", zap.Int("sent", sent), zap.Int("failed", len(items)-sent))
	return nil
}

func (w *SenderKafka) emitStatus(ctx context.Context, tx *sqlx.Tx, it updateItem) error {
	payload, err := json.Marshal(model.Event{
		Type:      inbound.EventMessageStatus,
		TenantID:  it.tenantID,
		AccountID: it.accountID,
		Data: model.StatusUpdate{
			ExternalID: it.externalID,
			Status:     it.status,
			Error:      it.err,
			At:         it.at,
		},
		At: it.at,
	})
	if err != nil {
		return err
	}
	return w.Outbox.Insert(ctx, tx, "message", it.msgID, model.TopicMessageStatus, payload)
}

func (w *SenderKafka) writeLogs(ctx context.Context, items []updateItem) {
	if w.SyncLogs == nil {
		return
	}
	logs := make([]model.SyncLog, 0, len(items))
	for _, it := range items {
		st := model.RunSuccess
		if it.status == model.StatusFailed {
			st = model.RunFailed
		}
		logs = append(logs, model.SyncLog{
			ID:         util.New(),
			TenantID:   it.tenantID,
			AccountID:  it.accountID,
			Platform:   it.channel,
			Kind:       model.RunSend,
			Status:     st,
			Attempt:    int32(it.attempts),
			Items:      1,
			Error:      it.err,
			DurationMs: it.at.Sub(it.started).Milliseconds(),
			StartedAt:  it.started,
		})
	}
	if err := w.SyncLogs.Insert(ctx, logs...); err != nil {
		w.Log.Warn("write send logs failed", zap.Error(err))
	}
}
