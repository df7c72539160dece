package payments

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"

	"payrecon/internal/apperr"
	"payrecon/internal/common/database"
	"payrecon/internal/payments/domain"
)

// Repository is the transactional persistence the state machine runs on.
type Repository interface {
	WithTx(ctx context.Context, fn func(tx Tx) error) error
}

// Tx is a unit of work. Reads named ForUpdate lock the row until commit.
type Tx interface {
	GetPaymentForUpdate(ctx context.Context, providerPaymentID string) (*domain.Payment, error)
	InsertPayment(ctx context.Context, p *domain.Payment) error
	UpdatePayment(ctx context.Context, p *domain.Payment) error

	GetLinkForUpdate(ctx context.Context, id uuid.UUID) (*domain.PaymentLink, error)
	UpdateLink(ctx context.Context, l *domain.PaymentLink) error

	GetSubscriptionForUpdate(ctx context.Context, id uuid.UUID) (*domain.Subscription, error)
	UpdateSubscription(ctx context.Context, s *domain.Subscription) error

	InsertCancelledLinkAlert(ctx context.Context, a *domain.CancelledLinkAlert) error
	InsertDiscrepancy(ctx context.Context, d *domain.Discrepancy) error
}

// SideEffects receives committed transitions. Implementations must not block
// and must not fail the caller.
type SideEffects interface {
	LinkPaymentApproved(ctx context.Context, p *domain.Payment, l *domain.PaymentLink)
	InvoiceRequested(ctx context.Context, p *domain.Payment, l *domain.PaymentLink)
	CancelledLinkPayment(ctx context.Context, a *domain.CancelledLinkAlert, p *domain.Payment)
	SubscriptionUpdated(ctx context.Context, s *domain.Subscription, p *domain.Payment, previous domain.SubscriptionStatus)
}

// Outcome describes what ApplyStatus did beyond recording the payment.
type Outcome string

const (
	OutcomeRecorded             Outcome = "recorded"
	OutcomeLinkPaid             Outcome = "link_paid"
	OutcomeLinkUseRecorded      Outcome = "link_use_recorded"
	OutcomeLinkNotActive        Outcome = "link_not_active"
	OutcomeCancelledLinkPayment Outcome = "cancelled_link_payment"
	OutcomeSubscriptionUpdated  Outcome = "subscription_updated"
)

// ApplyResult is the outcome of ApplyStatus.
type ApplyResult struct {
	Payment      *domain.Payment
	Created      bool
	Transitioned bool
	Outcome      Outcome
}

// ApplyOption customises a single ApplyStatus call.
type ApplyOption func(*applyOptions)

type applyOptions struct {
	discrepancies []*domain.Discrepancy
}

// WithDiscrepancies appends audit records in the same transaction as the
// status change, so a correction never lands without its audit trail.
func WithDiscrepancies(ds ...*domain.Discrepancy) ApplyOption {
	return func(o *applyOptions) {
		o.discrepancies = append(o.discrepancies, ds...)
	}
}

// ErrMissingOwner is returned when a payment's kind has no matching owner id.
var ErrMissingOwner = errors.New("payment has no owner")

// maxUpsertAttempts bounds the insert-conflict-update retry.
const maxUpsertAttempts = 3

// Service is the state machine for payments, payment links and
// subscriptions. It is the only writer of their status fields.
type Service struct {
	repo    Repository
	effects SideEffects
	logger  *slog.Logger
	now     func() time.Time
}

// NewService creates a new state machine service
func NewService(repo Repository, effects SideEffects, logger *slog.Logger) *Service {
	return &Service{
		repo:    repo,
		effects: effects,
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// ApplyStatus upserts the payment keyed by provider payment id and runs the
// link or subscription transition it implies.
//
// in must carry the owner (TenantID, Kind and LinkID or SubscriptionID) and
// the provider-reported fields. An existing row keeps its owner. A unique
// violation from a concurrent insert is retried through the update path.
func (s *Service) ApplyStatus(ctx context.Context, in domain.Payment, providerStatus string, snapshot json.RawMessage, opts ...ApplyOption) (*ApplyResult, error) {
	var o applyOptions
	for _, opt := range opts {
		opt(&o)
	}

	var (
		result  *ApplyResult
		pending []func(context.Context)
	)

	err := database.RetryOn(ctx, maxUpsertAttempts, database.IsUniqueViolation, func() error {
		pending = pending[:0]
		return s.repo.WithTx(ctx, func(tx Tx) error {
			r, effects, err := s.apply(ctx, tx, in, providerStatus, snapshot)
			if err != nil {
				return err
			}
			for _, d := range o.discrepancies {
				if err := tx.InsertDiscrepancy(ctx, d); err != nil {
					return fmt.Errorf("inserting discrepancy: %w", err)
				}
			}
			result, pending = r, effects
			return nil
		})
	})
	if err != nil {
		err = fmt.Errorf("applying status %q to payment %s: %w", providerStatus, in.ProviderPaymentID, err)
		if isPermanent(err) {
			return nil, err
		}
		return nil, apperr.Retry(err)
	}

	for _, fire := range pending {
		fire(ctx)
	}

	return result, nil
}

func (s *Service) apply(ctx context.Context, tx Tx, in domain.Payment, providerStatus string, snapshot json.RawMessage) (*ApplyResult, []func(context.Context), error) {
	now := s.now()
	status := domain.MapProviderStatus(providerStatus)

	payment, err := tx.GetPaymentForUpdate(ctx, in.ProviderPaymentID)
	created := false
	previous := domain.PaymentStatus("")

	switch {
	case database.IsNotFound(err):
		payment = &in
		payment.ID = ulid.Make().String()
		payment.Status = status
		payment.ProviderStatus = providerStatus
		payment.RawPayload = snapshot
		payment.ProcessedAt = &now
		payment.CreatedAt = now
		payment.UpdatedAt = now
		if err := tx.InsertPayment(ctx, payment); err != nil {
			return nil, nil, err
		}
		created = true

	case err != nil:
		return nil, nil, fmt.Errorf("loading payment: %w", err)

	default:
		previous = payment.Status
		mergeObservation(payment, &in)
		payment.Status = status
		payment.ProviderStatus = providerStatus
		if len(snapshot) > 0 {
			payment.RawPayload = snapshot
		}
		payment.ProcessedAt = &now
		payment.UpdatedAt = now
		if err := tx.UpdatePayment(ctx, payment); err != nil {
			return nil, nil, fmt.Errorf("updating payment: %w", err)
		}
	}

	result := &ApplyResult{Payment: payment, Created: created, Outcome: OutcomeRecorded}

	switch payment.Kind {
	case domain.PaymentKindLink:
		if !firstApproval(created, previous, status) {
			return result, nil, nil
		}
		effects, err := s.applyLinkApproval(ctx, tx, payment, result, now)
		return result, effects, err

	case domain.PaymentKindSubscription:
		if !created && previous == status {
			return result, nil, nil
		}
		effects, err := s.applySubscriptionPayment(ctx, tx, payment, result, now)
		return result, effects, err
	}

	return result, nil, nil
}

// isPermanent reports errors that the same input will always reproduce. Any
// other failure on the transaction path is treated as transient.
func isPermanent(err error) bool {
	return errors.Is(err, ErrMissingOwner) ||
		errors.Is(err, domain.ErrInvalidTransition) ||
		database.IsNotFound(err)
}

// firstApproval is true for the first observation of a payment as approved:
// either it is created approved, or it moves into approved from a state that
// precedes approval. Redeliveries of an approved payment never qualify.
func firstApproval(created bool, previous, current domain.PaymentStatus) bool {
	if current != domain.PaymentStatusApproved {
		return false
	}
	if created {
		return true
	}
	return previous == domain.PaymentStatusPending || previous == domain.PaymentStatusProcessing
}

func (s *Service) applyLinkApproval(ctx context.Context, tx Tx, payment *domain.Payment, result *ApplyResult, now time.Time) ([]func(context.Context), error) {
	if payment.LinkID == nil {
		return nil, fmt.Errorf("%w: link payment without link id", ErrMissingOwner)
	}

	link, err := tx.GetLinkForUpdate(ctx, *payment.LinkID)
	if err != nil {
		return nil, fmt.Errorf("loading link %s: %w", payment.LinkID, err)
	}

	log := s.logger.With(
		"provider_payment_id", payment.ProviderPaymentID,
		"tenant_id", payment.TenantID,
		"link_id", link.ID,
		"link_status", link.Status,
	)

	switch link.Status {
	case domain.LinkStatusActive:
		if err := link.RecordUse(now); err != nil {
			return nil, err
		}
		if err := tx.UpdateLink(ctx, link); err != nil {
			return nil, fmt.Errorf("updating link: %w", err)
		}

		result.Transitioned = true
		result.Outcome = OutcomeLinkUseRecorded
		if link.Status == domain.LinkStatusPaid {
			result.Outcome = OutcomeLinkPaid
		}
		log.Info("payment link use recorded", "uses_count", link.UsesCount, "new_status", link.Status)

		effects := []func(context.Context){
			func(ctx context.Context) { s.effects.LinkPaymentApproved(ctx, payment, link) },
		}
		if link.RequiresInvoice {
			effects = append(effects, func(ctx context.Context) { s.effects.InvoiceRequested(ctx, payment, link) })
		}
		return effects, nil

	case domain.LinkStatusCancelled:
		alert := &domain.CancelledLinkAlert{
			ID:                 ulid.Make().String(),
			TenantID:           link.TenantID,
			LinkID:             link.ID,
			LinkTitle:          link.Title,
			ProviderPaymentID:  payment.ProviderPaymentID,
			Amount:             payment.Amount,
			PayerEmail:         payment.Payer.Email,
			CancelledAt:        link.CancelledAt,
			CancelledBy:        link.CancelledBy,
			CancellationReason: link.CancellationReason,
			CreatedAt:          now,
		}
		if err := tx.InsertCancelledLinkAlert(ctx, alert); err != nil {
			return nil, fmt.Errorf("inserting cancelled link alert: %w", err)
		}

		result.Outcome = OutcomeCancelledLinkPayment
		log.Warn("approved payment for cancelled link",
			"alert_id", alert.ID,
			"amount", payment.Amount.String(),
			"cancellation_reason", link.CancellationReason,
		)
		return []func(context.Context){
			func(ctx context.Context) { s.effects.CancelledLinkPayment(ctx, alert, payment) },
		}, nil

	default:
		result.Outcome = OutcomeLinkNotActive
		log.Warn("approved payment for inactive link, uses not counted")
		return nil, nil
	}
}

func (s *Service) applySubscriptionPayment(ctx context.Context, tx Tx, payment *domain.Payment, result *ApplyResult, now time.Time) ([]func(context.Context), error) {
	if payment.SubscriptionID == nil {
		return nil, fmt.Errorf("%w: subscription payment without subscription id", ErrMissingOwner)
	}

	sub, err := tx.GetSubscriptionForUpdate(ctx, *payment.SubscriptionID)
	if err != nil {
		return nil, fmt.Errorf("loading subscription %s: %w", payment.SubscriptionID, err)
	}

	previous := sub.Status
	next, changed := domain.NextSubscriptionStatus(sub.Status, payment.Status)
	if payment.Status == domain.PaymentStatusApproved {
		sub.LastPaymentAt = &now
	}
	if !changed && payment.Status != domain.PaymentStatusApproved {
		return nil, nil
	}

	sub.Status = next
	sub.UpdatedAt = now
	if err := tx.UpdateSubscription(ctx, sub); err != nil {
		return nil, fmt.Errorf("updating subscription: %w", err)
	}
	if !changed {
		return nil, nil
	}

	result.Transitioned = true
	result.Outcome = OutcomeSubscriptionUpdated
	s.logger.Info("subscription status changed",
		"subscription_id", sub.ID,
		"tenant_id", sub.TenantID,
		"from", previous,
		"to", next,
		"provider_payment_id", payment.ProviderPaymentID,
	)

	return []func(context.Context){
		func(ctx context.Context) { s.effects.SubscriptionUpdated(ctx, sub, payment, previous) },
	}, nil
}

// mergeObservation copies provider-reported fields onto an existing row. The
// owner columns are never changed by a later observation.
func mergeObservation(dst, src *domain.Payment) {
	if src.Amount.Currency != "" {
		dst.Amount = src.Amount
	}
	if src.Payer != (domain.Payer{}) {
		dst.Payer = src.Payer
	}
	if src.PaymentMethodID != "" {
		dst.PaymentMethodID = src.PaymentMethodID
	}
	if src.ExternalReference != "" {
		dst.ExternalReference = src.ExternalReference
	}
	if src.ProviderUpdatedAt != nil {
		dst.ProviderUpdatedAt = src.ProviderUpdatedAt
	}
}

// CancelLink is the owner action that moves an active link to cancelled.
// It takes the same row lock as ApplyStatus, so a concurrent approval either
// sees the link active (and pays it) or cancelled (and raises an alert).
func (s *Service) CancelLink(ctx context.Context, tenantID string, linkID uuid.UUID, cancelledBy, reason string) (*domain.PaymentLink, error) {
	var link *domain.PaymentLink

	err := s.repo.WithTx(ctx, func(tx Tx) error {
		l, err := tx.GetLinkForUpdate(ctx, linkID)
		if err != nil {
			return err
		}
		if l.TenantID != tenantID {
			return database.ErrNotFound
		}
		if err := l.Cancel(cancelledBy, reason, s.now()); err != nil {
			return err
		}
		if err := tx.UpdateLink(ctx, l); err != nil {
			return fmt.Errorf("updating link: %w", err)
		}
		link = l
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("cancelling link %s: %w", linkID, err)
	}

	s.logger.Info("payment link cancelled",
		"link_id", link.ID,
		"tenant_id", link.TenantID,
		"cancelled_by", cancelledBy,
		"reason", reason,
	)

	return link, nil
}
