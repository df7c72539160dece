package resolver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"payrecon/internal/apperr"
	"payrecon/internal/common/database"
	"payrecon/internal/payments/domain"
	"payrecon/internal/provider"
)

// ExistingPayment resolves payments already stored: the row's owner is kept
// and only the provider record is refreshed.
type ExistingPayment struct {
	store         Store
	fetcher       Fetcher
	platformToken string
}

func (s *ExistingPayment) Name() string { return "existing_payment" }

func (s *ExistingPayment) TryResolve(ctx context.Context, id string) (*Owner, bool, error) {
	p, err := s.store.GetPaymentByProviderID(ctx, id)
	if database.IsNotFound(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, apperr.Retry(fmt.Errorf("loading payment: %w", err))
	}

	token := s.platformToken
	if p.Kind == domain.PaymentKindLink {
		in, err := s.store.GetIntegration(ctx, p.TenantID)
		if err != nil {
			if database.IsNotFound(err) {
				return nil, false, fmt.Errorf("tenant %s has no active integration", p.TenantID)
			}
			return nil, false, apperr.Retry(err)
		}
		token = in.AccessToken
	}
	if token == "" {
		return nil, false, errors.New("no access token for stored payment")
	}

	rec, err := s.fetcher.GetPayment(ctx, id, token)
	if err != nil {
		return nil, false, err
	}

	return &Owner{
		TenantID:       p.TenantID,
		Kind:           p.Kind,
		LinkID:         p.LinkID,
		SubscriptionID: p.SubscriptionID,
		Record:         rec,
		Existing:       true,
	}, true, nil
}

// IndexLookup consults the provider_payment_id -> tenant index.
type IndexLookup struct {
	store   Store
	fetcher Fetcher
}

func (s *IndexLookup) Name() string { return "owner_index" }

func (s *IndexLookup) TryResolve(ctx context.Context, id string) (*Owner, bool, error) {
	tenantID, err := s.store.LookupOwner(ctx, id)
	if database.IsNotFound(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, apperr.Retry(err)
	}

	in, err := s.store.GetIntegration(ctx, tenantID)
	if database.IsNotFound(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, apperr.Retry(err)
	}

	rec, err := s.fetcher.GetPayment(ctx, id, in.AccessToken)
	if provider.IsNotVisible(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	return linkOwner(ctx, s.store, tenantID, rec)
}

// IntegrationScan asks every active tenant integration for the payment and
// records the winner in the owner index. Its cost grows with the number of
// tenants; the index exists so that this step is rarely reached.
type IntegrationScan struct {
	store   Store
	fetcher Fetcher
	logger  *slog.Logger
}

func (s *IntegrationScan) Name() string { return "integration_scan" }

func (s *IntegrationScan) TryResolve(ctx context.Context, id string) (*Owner, bool, error) {
	integrations, err := s.store.ListActiveIntegrations(ctx)
	if err != nil {
		return nil, false, apperr.Retry(err)
	}

	var transient error
	for _, in := range integrations {
		if ctx.Err() != nil {
			return nil, false, apperr.Retry(ctx.Err())
		}

		rec, err := s.fetcher.GetPayment(ctx, id, in.AccessToken)
		if err != nil {
			if !provider.IsNotVisible(err) {
				s.logger.Warn("integration fetch failed",
					"tenant_id", in.TenantID,
					"provider_payment_id", id,
					"error", err,
				)
				if apperr.IsRetryable(err) {
					transient = err
				}
			}
			continue
		}

		owner, ok, err := linkOwner(ctx, s.store, in.TenantID, rec)
		if ok {
			if err := s.store.RecordOwner(ctx, id, in.TenantID); err != nil {
				s.logger.Warn("failed to index payment owner", "tenant_id", in.TenantID, "provider_payment_id", id, "error", err)
			}
		}
		return owner, ok, err
	}

	// The owner may be the integration that failed transiently.
	if transient != nil {
		return nil, false, transient
	}
	return nil, false, nil
}

// PlatformAccount fetches with the platform's own token and attributes the
// payment to a subscription, by UUID or legacy tenant reference.
type PlatformAccount struct {
	store   Store
	fetcher Fetcher
	token   string
}

func (s *PlatformAccount) Name() string { return "platform_account" }

func (s *PlatformAccount) TryResolve(ctx context.Context, id string) (*Owner, bool, error) {
	if s.token == "" {
		return nil, false, nil
	}

	rec, err := s.fetcher.GetPayment(ctx, id, s.token)
	if provider.IsNotVisible(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	ref, err := domain.ParseExternalReference(rec.ExternalReference)
	if err != nil {
		return nil, false, fmt.Errorf("platform payment %s: %w", id, err)
	}

	var sub *domain.Subscription
	switch r := ref.(type) {
	case domain.UUIDRef:
		sub, err = s.store.GetSubscription(ctx, r.ID)
	case domain.LegacyRef:
		sub, err = s.store.GetSubscriptionByTenant(ctx, r.TenantID)
	}
	if database.IsNotFound(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, apperr.Retry(err)
	}

	subID := sub.ID
	return &Owner{
		TenantID:       sub.TenantID,
		Kind:           domain.PaymentKindSubscription,
		SubscriptionID: &subID,
		Record:         rec,
	}, true, nil
}

// linkOwner classifies a record fetched with tenantID's token as a link
// payment when its external reference names one of that tenant's links.
func linkOwner(ctx context.Context, store Store, tenantID string, rec *provider.PaymentRecord) (*Owner, bool, error) {
	ref, err := domain.ParseExternalReference(rec.ExternalReference)
	if err != nil {
		return nil, false, nil
	}
	uref, ok := ref.(domain.UUIDRef)
	if !ok {
		return nil, false, nil
	}

	link, err := store.GetLink(ctx, uref.ID)
	if database.IsNotFound(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, apperr.Retry(err)
	}
	if link.TenantID != tenantID {
		return nil, false, nil
	}

	linkID := link.ID
	return &Owner{
		TenantID: tenantID,
		Kind:     domain.PaymentKindLink,
		LinkID:   &linkID,
		Record:   rec,
	}, true, nil
}
