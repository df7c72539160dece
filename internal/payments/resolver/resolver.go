// Package resolver maps an opaque provider payment id to the tenant and
// entity that own it.
//
// Resolution is an ordered chain of strategies. Each strategy either claims
// the payment, passes, or fails with an error; retryable errors stop the
// chain so that the delivery is retried, other errors are logged and the
// next strategy runs.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"payrecon/internal/apperr"
	"payrecon/internal/payments/domain"
	"payrecon/internal/provider"
)

// ErrUnresolved means no strategy could attribute the payment.
var ErrUnresolved = errors.New("payment could not be resolved to an owner")

// Owner is everything needed to apply a provider status to a payment.
type Owner struct {
	TenantID       string
	Kind           domain.PaymentKind
	LinkID         *uuid.UUID
	SubscriptionID *uuid.UUID
	// Record is the provider's current view of the payment.
	Record *provider.PaymentRecord
	// Existing is set when the payment was already stored.
	Existing bool
	// Strategy names the step that resolved the payment.
	Strategy string
}

// Strategy is one resolution step.
type Strategy interface {
	Name() string
	TryResolve(ctx context.Context, providerPaymentID string) (*Owner, bool, error)
}

// Store is the read model the strategies need.
type Store interface {
	GetPaymentByProviderID(ctx context.Context, providerPaymentID string) (*domain.Payment, error)
	GetIntegration(ctx context.Context, tenantID string) (*domain.Integration, error)
	ListActiveIntegrations(ctx context.Context) ([]domain.Integration, error)
	LookupOwner(ctx context.Context, providerPaymentID string) (string, error)
	RecordOwner(ctx context.Context, providerPaymentID, tenantID string) error
	GetLink(ctx context.Context, id uuid.UUID) (*domain.PaymentLink, error)
	GetSubscription(ctx context.Context, id uuid.UUID) (*domain.Subscription, error)
	GetSubscriptionByTenant(ctx context.Context, tenantID string) (*domain.Subscription, error)
}

// Fetcher retrieves a payment from the provider.
type Fetcher interface {
	GetPayment(ctx context.Context, id, accessToken string) (*provider.PaymentRecord, error)
}

// Chain runs strategies in order.
type Chain struct {
	strategies []Strategy
	logger     *slog.Logger
}

// NewChain composes strategies in the given order.
func NewChain(logger *slog.Logger, strategies ...Strategy) *Chain {
	return &Chain{strategies: strategies, logger: logger}
}

// NewDefaultChain builds the production order: stored payment, owner index,
// integration scan, platform account.
func NewDefaultChain(store Store, fetcher Fetcher, platformToken string, logger *slog.Logger) *Chain {
	return NewChain(logger,
		&ExistingPayment{store: store, fetcher: fetcher, platformToken: platformToken},
		&IndexLookup{store: store, fetcher: fetcher},
		&IntegrationScan{store: store, fetcher: fetcher, logger: logger},
		&PlatformAccount{store: store, fetcher: fetcher, token: platformToken},
	)
}

// Resolve returns the owner of providerPaymentID, ErrUnresolved, or a
// retryable error.
func (c *Chain) Resolve(ctx context.Context, providerPaymentID string) (*Owner, error) {
	for _, s := range c.strategies {
		owner, ok, err := s.TryResolve(ctx, providerPaymentID)
		if err != nil {
			if apperr.IsRetryable(err) || ctx.Err() != nil {
				return nil, fmt.Errorf("resolving via %s: %w", s.Name(), err)
			}
			c.logger.Warn("resolver strategy failed",
				"strategy", s.Name(),
				"provider_payment_id", providerPaymentID,
				"error", err,
			)
			continue
		}
		if ok {
			owner.Strategy = s.Name()
			c.logger.Debug("payment resolved",
				"strategy", s.Name(),
				"provider_payment_id", providerPaymentID,
				"tenant_id", owner.TenantID,
				"kind", owner.Kind,
			)
			return owner, nil
		}
	}
	return nil, ErrUnresolved
}
