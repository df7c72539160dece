package payments

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"payrecon/internal/apperr"
	"payrecon/internal/common/database"
	"payrecon/internal/common/money"
	"payrecon/internal/payments/domain"
)

// memRepo serialises transactions behind one mutex, which is what row locks
// give the real store for the rows a single payment touches.
type memRepo struct {
	mu            sync.Mutex
	payments      map[string]domain.Payment
	links         map[uuid.UUID]domain.PaymentLink
	subscriptions map[uuid.UUID]domain.Subscription
	alerts        []domain.CancelledLinkAlert
	discrepancies []domain.Discrepancy

	// beforeInsert runs once inside InsertPayment. It may write committed
	// state directly to simulate a concurrent writer winning the race.
	beforeInsert func(r *memRepo, p *domain.Payment) error

	// txErr fails every transaction before it starts.
	txErr error
}

func newMemRepo() *memRepo {
	return &memRepo{
		payments:      make(map[string]domain.Payment),
		links:         make(map[uuid.UUID]domain.PaymentLink),
		subscriptions: make(map[uuid.UUID]domain.Subscription),
	}
}

func (r *memRepo) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.txErr != nil {
		return r.txErr
	}

	tx := &memTx{
		repo:          r,
		payments:      clone(r.payments),
		links:         clone(r.links),
		subscriptions: clone(r.subscriptions),
	}
	if err := fn(tx); err != nil {
		return err
	}

	r.payments, r.links, r.subscriptions = tx.payments, tx.links, tx.subscriptions
	r.alerts = append(r.alerts, tx.alerts...)
	r.discrepancies = append(r.discrepancies, tx.discrepancies...)
	return nil
}

func clone[K comparable, V any](m map[K]V) map[K]V {
	out := make(map[K]V, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

type memTx struct {
	repo          *memRepo
	payments      map[string]domain.Payment
	links         map[uuid.UUID]domain.PaymentLink
	subscriptions map[uuid.UUID]domain.Subscription
	alerts        []domain.CancelledLinkAlert
	discrepancies []domain.Discrepancy
}

func (t *memTx) GetPaymentForUpdate(_ context.Context, id string) (*domain.Payment, error) {
	p, ok := t.payments[id]
	if !ok {
		return nil, database.ErrNotFound
	}
	return &p, nil
}

func (t *memTx) InsertPayment(_ context.Context, p *domain.Payment) error {
	if hook := t.repo.beforeInsert; hook != nil {
		t.repo.beforeInsert = nil
		if err := hook(t.repo, p); err != nil {
			return err
		}
	}
	if _, ok := t.payments[p.ProviderPaymentID]; ok {
		return database.ErrAlreadyExists
	}
	t.payments[p.ProviderPaymentID] = *p
	return nil
}

func (t *memTx) UpdatePayment(_ context.Context, p *domain.Payment) error {
	t.payments[p.ProviderPaymentID] = *p
	return nil
}

func (t *memTx) GetLinkForUpdate(_ context.Context, id uuid.UUID) (*domain.PaymentLink, error) {
	l, ok := t.links[id]
	if !ok {
		return nil, database.ErrNotFound
	}
	return &l, nil
}

func (t *memTx) UpdateLink(_ context.Context, l *domain.PaymentLink) error {
	t.links[l.ID] = *l
	return nil
}

func (t *memTx) GetSubscriptionForUpdate(_ context.Context, id uuid.UUID) (*domain.Subscription, error) {
	s, ok := t.subscriptions[id]
	if !ok {
		return nil, database.ErrNotFound
	}
	return &s, nil
}

func (t *memTx) UpdateSubscription(_ context.Context, s *domain.Subscription) error {
	t.subscriptions[s.ID] = *s
	return nil
}

func (t *memTx) InsertCancelledLinkAlert(_ context.Context, a *domain.CancelledLinkAlert) error {
	t.alerts = append(t.alerts, *a)
	return nil
}

func (t *memTx) InsertDiscrepancy(_ context.Context, d *domain.Discrepancy) error {
	t.discrepancies = append(t.discrepancies, *d)
	return nil
}

type recordedEffects struct {
	mu            sync.Mutex
	approved      []string
	invoices      []string
	alerts        []string
	subscriptions []domain.SubscriptionStatus
}

func (e *recordedEffects) LinkPaymentApproved(_ context.Context, p *domain.Payment, _ *domain.PaymentLink) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.approved = append(e.approved, p.ProviderPaymentID)
}

func (e *recordedEffects) InvoiceRequested(_ context.Context, p *domain.Payment, _ *domain.PaymentLink) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.invoices = append(e.invoices, p.ProviderPaymentID)
}

func (e *recordedEffects) CancelledLinkPayment(_ context.Context, a *domain.CancelledLinkAlert, _ *domain.Payment) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.alerts = append(e.alerts, a.ID)
}

func (e *recordedEffects) SubscriptionUpdated(_ context.Context, s *domain.Subscription, _ *domain.Payment, _ domain.SubscriptionStatus) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.subscriptions = append(e.subscriptions, s.Status)
}

func newTestService(t *testing.T) (*Service, *memRepo, *recordedEffects) {
	t.Helper()
	repo := newMemRepo()
	effects := &recordedEffects{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewService(repo, effects, logger), repo, effects
}

func seedLink(repo *memRepo, status domain.LinkStatus, requiresInvoice bool) domain.PaymentLink {
	link := domain.PaymentLink{
		ID:              uuid.New(),
		TenantID:        "tenant-1",
		Token:           "tok-" + uuid.NewString()[:8],
		Title:           "Consulta",
		Amount:          money.New(50000, money.MXN),
		MaxUses:         1,
		Status:          status,
		RequiresInvoice: requiresInvoice,
	}
	repo.links[link.ID] = link
	return link
}

func linkPayment(providerID string, link domain.PaymentLink, amountMinor int64) domain.Payment {
	id := link.ID
	return domain.Payment{
		ProviderPaymentID: providerID,
		TenantID:          link.TenantID,
		Kind:              domain.PaymentKindLink,
		LinkID:            &id,
		Amount:            money.New(amountMinor, money.MXN),
		Payer:             domain.Payer{Email: "payer@example.com"},
		ExternalReference: link.ID.String(),
	}
}

var snapshot = json.RawMessage(`{"status":"approved"}`)

func TestApplyStatusPaysActiveLink(t *testing.T) {
	svc, repo, effects := newTestService(t)
	link := seedLink(repo, domain.LinkStatusActive, true)

	res, err := svc.ApplyStatus(context.Background(), linkPayment("P1", link, 50000), "approved", snapshot)
	require.NoError(t, err)

	assert.True(t, res.Created)
	assert.True(t, res.Transitioned)
	assert.Equal(t, OutcomeLinkPaid, res.Outcome)
	assert.Equal(t, domain.PaymentStatusApproved, res.Payment.Status)

	stored := repo.links[link.ID]
	assert.Equal(t, domain.LinkStatusPaid, stored.Status)
	assert.Equal(t, 1, stored.UsesCount)
	assert.Equal(t, []string{"P1"}, effects.approved)
	assert.Equal(t, []string{"P1"}, effects.invoices)
}

func TestApplyStatusDuplicateDelivery(t *testing.T) {
	svc, repo, effects := newTestService(t)
	link := seedLink(repo, domain.LinkStatusActive, false)
	ctx := context.Background()

	first, err := svc.ApplyStatus(ctx, linkPayment("P1", link, 10000), "approved", snapshot)
	require.NoError(t, err)
	second, err := svc.ApplyStatus(ctx, linkPayment("P1", link, 10000), "approved", snapshot)
	require.NoError(t, err)

	assert.True(t, first.Created)
	assert.False(t, second.Created)
	assert.False(t, second.Transitioned)
	assert.Equal(t, first.Payment.ID, second.Payment.ID)

	assert.Len(t, repo.payments, 1)
	assert.Equal(t, 1, repo.links[link.ID].UsesCount)
	assert.Len(t, effects.approved, 1)
	assert.Empty(t, effects.invoices)
}

func TestApplyStatusCancelledLinkRace(t *testing.T) {
	svc, repo, effects := newTestService(t)
	link := seedLink(repo, domain.LinkStatusActive, true)
	ctx := context.Background()

	_, err := svc.CancelLink(ctx, "tenant-1", link.ID, "owner@example.com", "customer_request")
	require.NoError(t, err)

	res, err := svc.ApplyStatus(ctx, linkPayment("P1", link, 50000), "approved", snapshot)
	require.NoError(t, err)

	assert.Equal(t, OutcomeCancelledLinkPayment, res.Outcome)
	assert.False(t, res.Transitioned)
	assert.Equal(t, domain.PaymentStatusApproved, repo.payments["P1"].Status)

	stored := repo.links[link.ID]
	assert.Equal(t, domain.LinkStatusCancelled, stored.Status)
	assert.Equal(t, 0, stored.UsesCount)

	require.Len(t, repo.alerts, 1)
	alert := repo.alerts[0]
	assert.Equal(t, link.ID, alert.LinkID)
	assert.Equal(t, "P1", alert.ProviderPaymentID)
	assert.Equal(t, "customer_request", alert.CancellationReason)
	assert.Equal(t, "500.00 MXN", alert.Amount.String())

	assert.Len(t, effects.alerts, 1)
	assert.Empty(t, effects.approved)
	assert.Empty(t, effects.invoices)
}

func TestApplyStatusInactiveLinks(t *testing.T) {
	for _, status := range []domain.LinkStatus{domain.LinkStatusExpired, domain.LinkStatusPaid} {
		t.Run(string(status), func(t *testing.T) {
			svc, repo, effects := newTestService(t)
			link := seedLink(repo, status, false)

			res, err := svc.ApplyStatus(context.Background(), linkPayment("P9", link, 50000), "approved", snapshot)
			require.NoError(t, err)

			assert.Equal(t, OutcomeLinkNotActive, res.Outcome)
			assert.Len(t, repo.payments, 1)
			assert.Equal(t, status, repo.links[link.ID].Status)
			assert.Equal(t, 0, repo.links[link.ID].UsesCount)
			assert.Empty(t, repo.alerts)
			assert.Empty(t, effects.approved)
		})
	}
}

func TestApplyStatusPendingThenApproved(t *testing.T) {
	svc, repo, effects := newTestService(t)
	link := seedLink(repo, domain.LinkStatusActive, false)
	ctx := context.Background()

	res, err := svc.ApplyStatus(ctx, linkPayment("P1", link, 50000), "in_process", snapshot)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentStatusProcessing, res.Payment.Status)
	assert.Equal(t, domain.LinkStatusActive, repo.links[link.ID].Status)

	res, err = svc.ApplyStatus(ctx, linkPayment("P1", link, 50000), "approved", snapshot)
	require.NoError(t, err)
	assert.True(t, res.Transitioned)
	assert.Equal(t, domain.LinkStatusPaid, repo.links[link.ID].Status)

	// Refund and a stray re-approval must not count the link twice.
	_, err = svc.ApplyStatus(ctx, linkPayment("P1", link, 50000), "refunded", snapshot)
	require.NoError(t, err)
	res, err = svc.ApplyStatus(ctx, linkPayment("P1", link, 50000), "approved", snapshot)
	require.NoError(t, err)
	assert.False(t, res.Transitioned)
	assert.Equal(t, 1, repo.links[link.ID].UsesCount)
	assert.Len(t, effects.approved, 1)
}

func TestApplyStatusUniqueViolationTakesUpdatePath(t *testing.T) {
	svc, repo, _ := newTestService(t)
	link := seedLink(repo, domain.LinkStatusActive, false)

	repo.beforeInsert = func(r *memRepo, p *domain.Payment) error {
		// Another delivery committed the same payment first.
		winner := *p
		winner.ID = "winner"
		r.payments[p.ProviderPaymentID] = winner
		return database.ErrAlreadyExists
	}

	res, err := svc.ApplyStatus(context.Background(), linkPayment("P1", link, 50000), "pending", snapshot)
	require.NoError(t, err)
	assert.False(t, res.Created)
	assert.Equal(t, "winner", res.Payment.ID)
	assert.Len(t, repo.payments, 1)
}

func TestApplyStatusAtMostOneTransition(t *testing.T) {
	svc, repo, effects := newTestService(t)
	link := seedLink(repo, domain.LinkStatusActive, false)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		for j := 0; j < 3; j++ {
			wg.Add(1)
			go func(id string) {
				defer wg.Done()
				_, err := svc.ApplyStatus(ctx, linkPayment(id, link, 50000), "approved", snapshot)
				assert.NoError(t, err)
			}(fmt.Sprintf("P%d", i))
		}
	}
	wg.Wait()

	assert.Len(t, repo.payments, 10)
	assert.Equal(t, 1, repo.links[link.ID].UsesCount)
	assert.Equal(t, domain.LinkStatusPaid, repo.links[link.ID].Status)
	assert.Len(t, effects.approved, 1)
}

func TestApplyStatusSubscription(t *testing.T) {
	svc, repo, effects := newTestService(t)
	ctx := context.Background()

	sub := domain.Subscription{ID: uuid.New(), TenantID: "tenant-1", Plan: "pro", Status: domain.SubscriptionStatusTrial}
	repo.subscriptions[sub.ID] = sub

	billing := func(id string) domain.Payment {
		subID := sub.ID
		return domain.Payment{
			ProviderPaymentID: id,
			TenantID:          sub.TenantID,
			Kind:              domain.PaymentKindSubscription,
			SubscriptionID:    &subID,
			Amount:            money.New(29900, money.MXN),
		}
	}

	res, err := svc.ApplyStatus(ctx, billing("B1"), "approved", snapshot)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSubscriptionUpdated, res.Outcome)
	assert.Equal(t, domain.SubscriptionStatusActive, repo.subscriptions[sub.ID].Status)
	assert.NotNil(t, repo.subscriptions[sub.ID].LastPaymentAt)

	res, err = svc.ApplyStatus(ctx, billing("B1"), "approved", snapshot)
	require.NoError(t, err)
	assert.False(t, res.Transitioned)

	res, err = svc.ApplyStatus(ctx, billing("B2"), "rejected", snapshot)
	require.NoError(t, err)
	assert.True(t, res.Transitioned)
	assert.Equal(t, domain.SubscriptionStatusPastDue, repo.subscriptions[sub.ID].Status)

	assert.Equal(t, []domain.SubscriptionStatus{domain.SubscriptionStatusActive, domain.SubscriptionStatusPastDue}, effects.subscriptions)
}

func TestApplyStatusWithDiscrepancies(t *testing.T) {
	svc, repo, _ := newTestService(t)
	link := seedLink(repo, domain.LinkStatusActive, false)
	ctx := context.Background()

	_, err := svc.ApplyStatus(ctx, linkPayment("P1", link, 50000), "pending", snapshot)
	require.NoError(t, err)

	d := &domain.Discrepancy{ID: "d1", EntityType: "payment", EntityID: "P1", Field: "status",
		StoredValue: "pending", ProviderValue: "approved", DetectedAt: time.Now()}
	_, err = svc.ApplyStatus(ctx, linkPayment("P1", link, 50000), "approved", nil, WithDiscrepancies(d))
	require.NoError(t, err)

	require.Len(t, repo.discrepancies, 1)
	assert.Equal(t, domain.PaymentStatusApproved, repo.payments["P1"].Status)
	assert.JSONEq(t, string(snapshot), string(repo.payments["P1"].RawPayload), "empty snapshot keeps the stored one")
}

func TestCancelLink(t *testing.T) {
	svc, repo, _ := newTestService(t)
	ctx := context.Background()
	link := seedLink(repo, domain.LinkStatusActive, false)

	_, err := svc.CancelLink(ctx, "other-tenant", link.ID, "x", "y")
	require.ErrorIs(t, err, database.ErrNotFound)

	cancelled, err := svc.CancelLink(ctx, "tenant-1", link.ID, "owner", "customer_request")
	require.NoError(t, err)
	assert.Equal(t, domain.LinkStatusCancelled, cancelled.Status)
	require.NotNil(t, cancelled.CancelledAt)

	_, err = svc.CancelLink(ctx, "tenant-1", link.ID, "owner", "again")
	require.ErrorIs(t, err, domain.ErrInvalidTransition)

	_, err = svc.CancelLink(ctx, "tenant-1", uuid.New(), "owner", "missing")
	require.ErrorIs(t, err, database.ErrNotFound)
}

func TestApplyStatusErrorClassification(t *testing.T) {
	ctx := context.Background()

	t.Run("repository failure is retryable", func(t *testing.T) {
		svc, repo, _ := newTestService(t)
		link := seedLink(repo, domain.LinkStatusActive, false)
		repo.txErr = errors.New("connection refused")

		_, err := svc.ApplyStatus(ctx, linkPayment("P1", link, 50000), "approved", snapshot)
		require.Error(t, err)
		assert.True(t, apperr.IsRetryable(err))
	})

	t.Run("unknown link is permanent", func(t *testing.T) {
		svc, repo, _ := newTestService(t)
		link := domain.PaymentLink{ID: uuid.New(), TenantID: "tenant-1"}

		_, err := svc.ApplyStatus(ctx, linkPayment("P1", link, 50000), "approved", snapshot)
		require.Error(t, err)
		assert.False(t, apperr.IsRetryable(err))
		assert.Empty(t, repo.payments)
	})

	t.Run("link payment without link id is permanent", func(t *testing.T) {
		svc, _, _ := newTestService(t)
		in := domain.Payment{ProviderPaymentID: "P1", TenantID: "tenant-1", Kind: domain.PaymentKindLink, Amount: money.New(100, money.MXN)}

		_, err := svc.ApplyStatus(ctx, in, "approved", snapshot)
		require.ErrorIs(t, err, ErrMissingOwner)
		assert.False(t, apperr.IsRetryable(err))
	})
}
