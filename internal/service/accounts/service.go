package accounts

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/jmehdipour/erphub/internal/model"
	"github.com/jmehdipour/erphub/internal/repository"
	"github.com/jmehdipour/erphub/internal/security"
	"github.com/jmehdipour/erphub/internal/util"
	"github.com/jmehdipour/erphub/internal/validation"
)

const (
	defaultSyncInterval = 5 * time.Minute
	minSyncInterval     = time.Minute
)

var (
	ErrNotFound           = repository.ErrNotFound
	ErrExternalIDTaken    = errors.New("external id already used by an active account")
	ErrInvalidStatus      = errors.New("status must be active or disabled")
	ErrMissingCredentials = errors.New("missing credentials")
)

// ValidationError lists the input fields that failed validation.
type ValidationError struct {
	Fields []string
}

func (e *ValidationError) Error() string {
	return "invalid input: " + strings.Join(e.Fields, ", ")
}

type CreateInput struct {
	Platform        string            `json:"platform" validate:"required,oneof=facebook whatsapp aramex dhl"`
	Name            string            `json:"name" validate:"required,max=255"`
	SyncIntervalSec int64             `json:"sync_interval_sec" validate:"omitempty,min=60,max=86400"`
	Credentials     model.Credentials `json:"credentials"`
	VerifyToken     string            `json:"verify_token" validate:"omitempty,min=8,max=128"`
	WebhookSecret   string            `json:"webhook_secret" validate:"omitempty,min=16,max=256"`
}

type UpdateCredentialsInput struct {
	Credentials   model.Credentials `json:"credentials"`
	VerifyToken   string            `json:"verify_token" validate:"omitempty,min=8,max=128"`
	WebhookSecret string            `json:"webhook_secret" validate:"omitempty,min=16,max=256"`
}

// View is the tenant-facing shape of an account; secrets never leave the service.
type View struct {
	ID              string              `json:"id"`
	Platform        model.Platform      `json:"platform"`
	Name            string              `json:"name"`
	ExternalID      string              `json:"external_id,omitempty"`
	Status          model.AccountStatus `json:"status"`
	SyncIntervalSec int64               `json:"sync_interval_sec"`
	LastSyncedAt    *time.Time          `json:"last_synced_at,omitempty"`
	NextSyncAt      *time.Time          `json:"next_sync_at,omitempty"`
	FailCount       int                 `json:"fail_count"`
	LastError       string              `json:"last_error,omitempty"`
	HasWebhookToken bool                `json:"has_webhook_secret"`
	CreatedAt       time.Time           `json:"created_at"`
}

func ToView(a model.Account) View {
	return View{
		ID:              a.ID,
		Platform:        a.Platform,
		Name:            a.Name,
		ExternalID:      a.ExternalID,
		Status:          a.Status,
		SyncIntervalSec: a.SyncInterval,
		LastSyncedAt:    a.LastSyncedAt,
		NextSyncAt:      a.NextSyncAt,
		FailCount:       a.FailCount,
		LastError:       a.LastError,
		HasWebhookToken: len(a.WebhookSecret) > 0 || a.VerifyTokenHash != "",
		CreatedAt:       a.CreatedAt,
	}
}

// Service manages integration accounts and seals their credentials.
type Service struct {
	repo     repository.AccountsRepository
	cipher   *security.Cipher
	validate *validator.Validate
	now      func() time.Time
}

func New(repo repository.AccountsRepository, cipher *security.Cipher, validate *validator.Validate) *Service {
	if validate == nil {
		validate = validation.New()
	}
	return &Service{
		repo:     repo,
		cipher:   cipher,
		validate: validate,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (s *Service) Create(ctx context.Context, tenantID int64, in CreateInput) (View, error) {
	if err := s.check(in); err != nil {
		return View{}, err
	}
	p, _ := model.ParsePlatform(in.Platform)
	if missing := in.Credentials.Missing(p); len(missing) > 0 {
		return View{}, fmt.Errorf("%w: %s", ErrMissingCredentials, strings.Join(missing, ", "))
	}

	now := s.now()
	interval := time.Duration(in.SyncIntervalSec) * time.Second
	if interval == 0 {
		interval = defaultSyncInterval
	}
	if interval < minSyncInterval {
		interval = minSyncInterval
	}

	a := model.Account{
		ID:           util.New(),
		TenantID:     tenantID,
		Platform:     p,
		Name:         strings.TrimSpace(in.Name),
		ExternalID:   in.Credentials.ExternalIDFor(p),
		Status:       model.AccountActive,
		SyncInterval: int64(interval / time.Second),
		NextSyncAt:   &now,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.seal(ctx, &a, in.Credentials, in.VerifyToken, in.WebhookSecret); err != nil {
		return View{}, err
	}

	if err := s.repo.Create(ctx, a); err != nil {
		return View{}, fmt.Errorf("create account: %w", err)
	}
	return ToView(a), nil
}

func (s *Service) Get(ctx context.Context, tenantID int64, id string) (View, error) {
	a, err := s.repo.Get(ctx, tenantID, id)
	if err != nil {
		return View{}, err
	}
	return ToView(a), nil
}

func (s *Service) List(ctx context.Context, tenantID int64) ([]View, error) {
	list, err := s.repo.ListByTenant(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	out := make([]View, 0, len(list))
	for _, a := range list {
		out = append(out, ToView(a))
	}
	return out, nil
}

// UpdateCredentials replaces the sealed credentials. Empty verify token or
// webhook secret keep the stored ones.
func (s *Service) UpdateCredentials(ctx context.Context, tenantID int64, id string, in UpdateCredentialsInput) (View, error) {
	if err := s.check(in); err != nil {
		return View{}, err
	}
	a, err := s.repo.Get(ctx, tenantID, id)
	if err != nil {
		return View{}, err
	}
	if missing := in.Credentials.Missing(a.Platform); len(missing) > 0 {
		return View{}, fmt.Errorf("%w: %s", ErrMissingCredentials, strings.Join(missing, ", "))
	}

	a.ExternalID = in.Credentials.ExternalIDFor(a.Platform)
	a.UpdatedAt = s.now()
	if err := s.seal(ctx, &a, in.Credentials, in.VerifyToken, in.WebhookSecret); err != nil {
		return View{}, err
	}
	if err := s.repo.UpdateCredentials(ctx, a); err != nil {
		return View{}, fmt.Errorf("update credentials: %w", err)
	}
	return ToView(a), nil
}

// SetStatus lets a tenant disable an account or bring an errored one back.
func (s *Service) SetStatus(ctx context.Context, tenantID int64, id string, status model.AccountStatus) error {
	if status != model.AccountActive && status != model.AccountDisabled {
		return ErrInvalidStatus
	}
	if status == model.AccountActive {
		a, err := s.repo.Get(ctx, tenantID, id)
		if err != nil {
			return err
		}
		if err := s.ensureExternalIDFree(ctx, a); err != nil {
			return err
		}
	}
	return s.repo.SetStatus(ctx, tenantID, id, status, s.now())
}

func (s *Service) Delete(ctx context.Context, tenantID int64, id string) error {
	return s.repo.Delete(ctx, tenantID, id)
}

// TriggerSync makes the account due on the next scheduler tick.
func (s *Service) TriggerSync(ctx context.Context, tenantID int64, id string) error {
	a, err := s.repo.Get(ctx, tenantID, id)
	if err != nil {
		return err
	}
	if !a.Active() {
		return fmt.Errorf("%w: account is %s", ErrInvalidStatus, a.Status)
	}
	return s.repo.TriggerNow(ctx, tenantID, id, s.now())
}

// Credentials opens the sealed credentials of an account for a worker.
func (s *Service) Credentials(a model.Account) (model.Credentials, error) {
	return s.cipher.OpenCredentials(a.TenantID, a.Credentials)
}

// WebhookSecret opens the shared courier callback token.
func (s *Service) WebhookSecret(a model.Account) (string, error) {
	if len(a.WebhookSecret) == 0 {
		return "", nil
	}
	raw, err := s.cipher.Decrypt(a.TenantID, a.WebhookSecret)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

func (s *Service) seal(ctx context.Context, a *model.Account, creds model.Credentials, verifyToken, webhookSecret string) error {
	if err := s.ensureExternalIDFree(ctx, *a); err != nil {
		return err
	}

	sealed, err := s.cipher.SealCredentials(a.TenantID, creds)
	if err != nil {
		return fmt.Errorf("seal credentials: %w", err)
	}
	a.Credentials = sealed

	if webhookSecret != "" {
		ws, err := s.cipher.Encrypt(a.TenantID, []byte(webhookSecret))
		if err != nil {
			return fmt.Errorf("seal webhook secret: %w", err)
		}
		a.WebhookSecret = ws
	}
	if verifyToken != "" {
		a.VerifyTokenHash = security.HashToken(verifyToken)
	}
	return nil
}

// ensureExternalIDFree keeps Meta webhook routing unambiguous: one active
// account per page or phone number.
func (s *Service) ensureExternalIDFree(ctx context.Context, a model.Account) error {
	if a.ExternalID == "" || !a.Platform.IsMessaging() {
		return nil
	}
	taken, err := s.repo.ExistsExternalID(ctx, a.Platform, a.ExternalID, a.ID)
	if err != nil {
		return err
	}
	if taken {
		return ErrExternalIDTaken
	}
	return nil
}

func (s *Service) check(in any) error {
	err := s.validate.Struct(in)
	if err == nil {
		return nil
	}
	if fields := validation.Fields(err); len(fields) > 0 {
		return &ValidationError{Fields: fields}
	}
	return err
}
