package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/jmehdipour/erphub/internal/metrics"
	"github.com/jmehdipour/erphub/internal/model"
	"github.com/jmehdipour/erphub/internal/repository"
	"github.com/jmehdipour/erphub/internal/util"
	"github.com/jmehdipour/erphub/internal/validation"
	"github.com/jmoiron/sqlx"
)

var (
	ErrAccountNotFound = errors.New("account not found")
	ErrAccountDisabled = errors.New("account is not active")
	ErrNotMessaging    = errors.New("account platform cannot send messages")
	ErrInvalidInput    = errors.New("invalid input")
)

// ValidationError lists the "field:tag" pairs that failed; it matches ErrInvalidInput.
type ValidationError struct {
	Fields []string
}

func (e *ValidationError) Error() string {
	return ErrInvalidInput.Error() + ": " + strings.Join(e.Fields, ", ")
}

func (e *ValidationError) Unwrap() error { return ErrInvalidInput }

func invalid(fields ...string) error { return &ValidationError{Fields: fields} }

type SendInput struct {
	AccountID string `json:"account_id" validate:"required"`
	Recipient string `json:"recipient" validate:"required,max=64"`
	Type      string `json:"type" validate:"omitempty,oneof=text image audio video document"`
	Text      string `json:"text" validate:"required_without=MediaURL,max=4096"`
	MediaURL  string `json:"media_url" validate:"omitempty,url,max=1024"`
}

// Service atomically persists a queued outbound message and its outbox event.
type Service struct {
	db       *sqlx.DB
	accounts repository.AccountsRepository
	msgs     repository.MessagesRepository
	outbox   repository.OutboxRepository
	validate *validator.Validate
	now      func() time.Time
}

func New(
	db *sqlx.DB,
	accountsRepo repository.AccountsRepository,
	messagesRepo repository.MessagesRepository,
	outboxRepo repository.OutboxRepository,
	validate *validator.Validate,
) *Service {
	if validate == nil {
		validate = validation.New()
	}
	return &Service{
		db:       db,
		accounts: accountsRepo,
		msgs:     messagesRepo,
		outbox:   outboxRepo,
		validate: validate,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Enqueue checks the tenant's account, generates a ULID, and writes the
// `messages` row (status queued) and its `outbox` event in one transaction.
func (s *Service) Enqueue(ctx context.Context, tenantID int64, in SendInput) (model.Message, error) {
	if err := s.validate.Struct(in); err != nil {
		if fields := validation.Fields(err); len(fields) > 0 {
			return model.Message{}, invalid(fields...)
		}
		return model.Message{}, err
	}

	acc, err := s.accounts.Get(ctx, tenantID, in.AccountID)
	if errors.Is(err, repository.ErrNotFound) {
		return model.Message{}, ErrAccountNotFound
	}
	if err != nil {
		return model.Message{}, err
	}
	if !acc.Platform.IsMessaging() {
		return model.Message{}, ErrNotMessaging
	}
	if !acc.Active() {
		return model.Message{}, ErrAccountDisabled
	}

	out, err := outbound(acc.Platform, in)
	if err != nil {
		return model.Message{}, err
	}

	msg := model.Message{
		ID:        util.New(),
		TenantID:  tenantID,
		AccountID: acc.ID,
		Channel:   acc.Platform,
		Recipient: out.Recipient,
		Direction: model.DirectionOutbound,
		Type:      out.Type,
		Text:      out.Text,
		MediaURL:  out.MediaURL,
		Status:    model.StatusQueued,
		SentAt:    s.now(),
	}

	payload, err := json.Marshal(model.Envelope{
		ID:        msg.ID,
		TenantID:  tenantID,
		AccountID: acc.ID,
		Message:   out,
	})
	if err != nil {
		return model.Message{}, fmt.Errorf("marshal envelope: %w", err)
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return model.Message{}, err
	}
	defer func() { _ = tx.Rollback() }()

	if err := s.msgs.InsertQueued(ctx, tx, msg); err != nil {
		return model.Message{}, fmt.Errorf("insert message queued: %w", err)
	}
	if err := s.outbox.Insert(ctx, tx, "message", msg.ID, model.TopicMessagesOutbound, payload); err != nil {
		return model.Message{}, fmt.Errorf("insert outbox: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return model.Message{}, err
	}

	metrics.MessagesTotal.WithLabelValues("queued", string(acc.Platform)).Inc()
	return msg, nil
}

// outbound normalizes the recipient for the channel and checks the payload
// matches the message type.
func outbound(p model.Platform, in SendInput) (model.OutboundMessage, error) {
	out := model.OutboundMessage{
		Recipient: strings.TrimSpace(in.Recipient),
		Type:      model.MessageText,
		Text:      strings.TrimSpace(in.Text),
		MediaURL:  strings.TrimSpace(in.MediaURL),
	}
	if in.Type != "" {
		out.Type = model.ParseMessageType(in.Type)
	}
	if p == model.PlatformWhatsApp {
		out.Recipient = util.NormalizePhone(out.Recipient)
		if out.Recipient == "" {
			return out, invalid("recipient:phone")
		}
	}

	switch {
	case out.Type == model.MessageText && out.Text == "":
		return out, invalid("text:required")
	case out.Type != model.MessageText && out.MediaURL == "":
		return out, invalid("media_url:required")
	}
	return out, nil
}
