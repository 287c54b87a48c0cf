package inbound

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/jmehdipour/erphub/internal/metrics"
	"github.com/jmehdipour/erphub/internal/model"
	"github.com/jmehdipour/erphub/internal/repository"
	"github.com/jmehdipour/erphub/internal/util"
	"github.com/jmehdipour/erphub/internal/webhook"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
)

var (
	ErrInvalidSignature = webhook.ErrInvalidSignature
	ErrAccountNotFound  = errors.New("integration account not found")
	ErrBadPayload       = errors.New("malformed webhook payload")
)

// Secrets opens the sealed parts of an account.
type Secrets interface {
	Credentials(a model.Account) (model.Credentials, error)
	WebhookSecret(a model.Account) (string, error)
}

type Request struct {
	Platform  model.Platform
	Headers   http.Header
	Body      []byte
	AccountID string // courier callbacks carry it in the URL
}

type Result struct {
	DeliveryID string `json:"delivery_id"`
	Deduped    bool   `json:"deduped"`
	Ignored    int    `json:"ignored"`
	Counts
}

// Service is the webhook processor: verify, dedupe, normalize, persist.
type Service struct {
	db         *sqlx.DB
	accounts   repository.AccountsRepository
	deliveries repository.DeliveriesRepository
	syncLogs   repository.SyncLogsRepository
	applier    *Applier
	secrets    Secrets
	dedupe     Deduper
	log        *zap.Logger
	now        func() time.Time
}

func NewService(
	db *sqlx.DB,
	accounts repository.AccountsRepository,
	deliveries repository.DeliveriesRepository,
	syncLogs repository.SyncLogsRepository,
	applier *Applier,
	secrets Secrets,
	dedupe Deduper,
	log *zap.Logger,
) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{
		db:         db,
		accounts:   accounts,
		deliveries: deliveries,
		syncLogs:   syncLogs,
		applier:    applier,
		secrets:    secrets,
		dedupe:     dedupe,
		log:        log,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// target is one account a webhook writes to, with the items routed to it.
type target struct {
	account model.Account
	items   Items
}

func (s *Service) Process(ctx context.Context, req Request) (Result, error) {
	started := s.now()
	platform := string(req.Platform)

	batch, err := webhook.Normalize(req.Platform, req.Body)
	if errors.Is(err, webhook.ErrUnsupportedPlatform) {
		return Result{}, err
	}
	if err != nil {
		metrics.WebhooksTotal.WithLabelValues(platform, "rejected").Inc()
		return Result{}, fmt.Errorf("%w: %v", ErrBadPayload, err)
	}

	var targets []target
	var res Result
	if req.Platform.IsCourier() {
		targets, err = s.courierTarget(ctx, req, batch)
	} else {
		targets, res.Ignored, err = s.metaTargets(ctx, req, batch)
	}
	if err != nil {
		result := "error"
		if errors.Is(err, ErrInvalidSignature) {
			result = "rejected"
			for _, t := range targets {
				s.writeLogs(ctx, t.account, model.RunFailed, 0, err.Error(), started)
			}
		}
		metrics.WebhooksTotal.WithLabelValues(platform, result).Inc()
		return Result{}, err
	}

	// Disabled and errored accounts still authenticate, but their payload
	// is dropped with a 2xx so the vendor stops retrying.
	active := targets[:0]
	for _, t := range targets {
		if !t.account.Active() {
			res.Ignored += t.items.Len()
			continue
		}
		active = append(active, t)
	}
	metrics.NormalizedItemsTotal.WithLabelValues(platform, "skipped").Add(float64(res.Ignored))
	if len(active) == 0 {
		metrics.WebhooksTotal.WithLabelValues(platform, "ignored").Inc()
		return res, nil
	}

	res.DeliveryID = webhook.DeliveryID(req.Platform, req.Headers, req.Body)
	key := dedupeKey(platform, res.DeliveryID)
	if s.dedupe != nil {
		first, err := s.dedupe.Claim(ctx, key)
		if err != nil {
			s.log.Warn("webhook dedupe claim failed, falling back to db", zap.String("platform", platform), zap.Error(err))
		} else if !first {
			res.Deduped = true
			metrics.WebhooksTotal.WithLabelValues(platform, "deduped").Inc()
			return res, nil
		}
	}

	counts, err := s.persist(ctx, req.Platform, res.DeliveryID, active)
	if errors.Is(err, repository.ErrDuplicate) {
		res.Deduped = true
		metrics.WebhooksTotal.WithLabelValues(platform, "deduped").Inc()
		return res, nil
	}
	if err != nil {
		if s.dedupe != nil {
			if rerr := s.dedupe.Release(ctx, key); rerr != nil {
				s.log.Warn("webhook dedupe release failed", zap.String("key", key), zap.Error(rerr))
			}
		}
		for _, t := range active {
			s.writeLogs(ctx, t.account, model.RunFailed, 0, err.Error(), started)
		}
		metrics.WebhooksTotal.WithLabelValues(platform, "error").Inc()
		return Result{}, err
	}

	res.Counts = counts
	for _, t := range active {
		s.writeLogs(ctx, t.account, model.RunSuccess, t.items.Len(), "", started)
	}
	metrics.WebhooksTotal.WithLabelValues(platform, "applied").Inc()
	metrics.NormalizedItemsTotal.WithLabelValues(platform, "message").Add(float64(counts.Messages))
	metrics.NormalizedItemsTotal.WithLabelValues(platform, "status").Add(float64(counts.Statuses))
	metrics.NormalizedItemsTotal.WithLabelValues(platform, "shipment").Add(float64(counts.Shipments))

	s.log.Debug("webhook applied",
		zap.String("platform", platform),
		zap.String("delivery_id", res.DeliveryID),
		zap.Int("messages", counts.Messages),
		zap.Int("statuses", counts.Statuses),
		zap.Int("shipments", counts.Shipments),
		zap.Int("skipped", counts.Skipped),
	)
	return res, nil
}

// courierTarget authenticates a courier callback with the account's shared token.
func (s *Service) courierTarget(ctx context.Context, req Request, batch webhook.Batch) ([]target, error) {
	acc, err := s.accounts.GetByID(ctx, req.AccountID)
	if errors.Is(err, repository.ErrNotFound) || (err == nil && acc.Platform != req.Platform) {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, err
	}

	t := target{account: acc, items: Items{Shipments: batch.Shipments}}
	secret, err := s.secrets.WebhookSecret(acc)
	if err != nil {
		return []target{t}, fmt.Errorf("open webhook secret: %w", err)
	}
	if err := webhook.VerifyToken(secret, req.Headers.Get(webhook.HeaderCourierToken)); err != nil {
		return []target{t}, err
	}
	return []target{t}, nil
}

// metaTargets routes entries by page or phone number id and checks the
// signature with each account's app secret. Unknown ids are counted as ignored.
func (s *Service) metaTargets(ctx context.Context, req Request, batch webhook.Batch) ([]target, int, error) {
	byExt := map[string]*target{}
	var targets []*target
	for _, ext := range batch.AccountExternalIDs() {
		acc, err := s.accounts.FindByExternalID(ctx, req.Platform, ext)
		if errors.Is(err, repository.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, 0, err
		}
		t := &target{account: acc}
		byExt[ext] = t
		targets = append(targets, t)
	}

	ignored := 0
	for _, m := range batch.Messages {
		if t, ok := byExt[m.AccountExternalID]; ok {
			t.items.Messages = append(t.items.Messages, m.Message)
		} else {
			ignored++
		}
	}
	for _, st := range batch.Statuses {
		if t, ok := byExt[st.AccountExternalID]; ok {
			t.items.Statuses = append(t.items.Statuses, st)
		} else {
			ignored++
		}
	}

	out := make([]target, 0, len(targets))
	for _, t := range targets {
		out = append(out, *t)
	}

	sig := req.Headers.Get(webhook.HeaderMetaSignature)
	for _, t := range out {
		creds, err := s.secrets.Credentials(t.account)
		if err != nil {
			return out, ignored, fmt.Errorf("open credentials: %w", err)
		}
		if err := webhook.VerifyMetaSignature(creds.AppSecret, sig, req.Body); err != nil {
			return out, ignored, err
		}
	}
	return out, ignored, nil
}

func (s *Service) persist(ctx context.Context, platform model.Platform, deliveryID string, targets []target) (Counts, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return Counts{}, err
	}
	defer func() { _ = tx.Rollback() }()

	first := targets[0].account
	err = s.deliveries.Insert(ctx, tx, model.Delivery{
		Platform:   platform,
		DeliveryID: deliveryID,
		TenantID:   first.TenantID,
		AccountID:  first.ID,
		ReceivedAt: s.now(),
	})
	if err != nil {
		return Counts{}, err
	}

	var total Counts
	for _, t := range targets {
		c, err := s.applier.Apply(ctx, tx, t.account, t.items)
		if err != nil {
			return Counts{}, err
		}
		total.add(c)
	}

	if err := tx.Commit(); err != nil {
		return Counts{}, err
	}
	return total, nil
}

func (s *Service) writeLogs(ctx context.Context, acc model.Account, status model.RunStatus, items int, errText string, started time.Time) {
	if s.syncLogs == nil {
		return
	}
	err := s.syncLogs.Insert(ctx, model.SyncLog{
		ID:         util.New(),
		TenantID:   acc.TenantID,
		AccountID:  acc.ID,
		Platform:   acc.Platform,
		Kind:       model.RunWebhook,
		Status:     status,
		Attempt:    1,
		Items:      int32(items),
		Error:      errText,
		DurationMs: s.now().Sub(started).Milliseconds(),
		StartedAt:  started,
	})
	if err != nil {
		s.log.Warn("write sync log failed", zap.String("account_id", acc.ID), zap.Error(err))
	}
}
