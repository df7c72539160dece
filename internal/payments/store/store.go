package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"payrecon/internal/common/database"
	"payrecon/internal/common/money"
	"payrecon/internal/payments"
	"payrecon/internal/payments/domain"
)

// Store provides payments data access
type Store struct {
	db *database.DB
}

// New creates a new payments store
func New(db *database.DB) *Store {
	return &Store{db: db}
}

var _ payments.Repository = (*Store)(nil)

// maxTxAttempts bounds retries of a transaction aborted by a deadlock
const maxTxAttempts = 3

// WithTx runs fn in a read-committed transaction, retrying on deadlock
func (s *Store) WithTx(ctx context.Context, fn func(tx payments.Tx) error) error {
	return database.RetryOn(ctx, maxTxAttempts, database.IsSerializationFailure, func() error {
		return s.db.WithTx(ctx, func(tx pgx.Tx) error {
			return fn(&txStore{q: tx})
		})
	})
}

const paymentColumns = `
	id, provider_payment_id, tenant_id, kind, link_id, subscription_id,
	amount_minor, currency, status, provider_status,
	COALESCE(payer_email, ''), COALESCE(payer_first_name, ''), COALESCE(payer_last_name, ''),
	COALESCE(payer_phone, ''), COALESCE(payment_method_id, ''), COALESCE(external_reference, ''),
	raw_payload, provider_updated_at, processed_at, created_at, updated_at`

const linkColumns = `
	id, tenant_id, token, title, COALESCE(description, ''), amount_minor, currency,
	expires_at, max_uses, uses_count, requires_invoice, status,
	cancelled_at, COALESCE(cancelled_by, ''), COALESCE(cancellation_reason, ''),
	paid_at, created_at, updated_at`

const subscriptionColumns = `
	id, tenant_id, plan, status, last_payment_at, created_at, updated_at`

// GetPaymentByProviderID retrieves a payment without locking it
func (s *Store) GetPaymentByProviderID(ctx context.Context, providerPaymentID string) (*domain.Payment, error) {
	query := `SELECT ` + paymentColumns + ` FROM payments WHERE provider_payment_id = $1`
	return scanPayment(s.db.QueryRow(ctx, query, providerPaymentID))
}

// GetLink retrieves a payment link without locking it
func (s *Store) GetLink(ctx context.Context, id uuid.UUID) (*domain.PaymentLink, error) {
	query := `SELECT ` + linkColumns + ` FROM payment_links WHERE id = $1`
	return scanLink(s.db.QueryRow(ctx, query, id))
}

// GetSubscription retrieves a subscription by id
func (s *Store) GetSubscription(ctx context.Context, id uuid.UUID) (*domain.Subscription, error) {
	query := `SELECT ` + subscriptionColumns + ` FROM subscriptions WHERE id = $1`
	return scanSubscription(s.db.QueryRow(ctx, query, id))
}

// GetSubscriptionByTenant retrieves the tenant's most recent subscription
func (s *Store) GetSubscriptionByTenant(ctx context.Context, tenantID string) (*domain.Subscription, error) {
	query := `SELECT ` + subscriptionColumns + ` FROM subscriptions
		WHERE tenant_id = $1 AND status <> 'cancelled'
		ORDER BY created_at DESC LIMIT 1`
	return scanSubscription(s.db.QueryRow(ctx, query, tenantID))
}

// ListActiveIntegrations lists every active tenant integration
func (s *Store) ListActiveIntegrations(ctx context.Context) ([]domain.Integration, error) {
	query := `
		SELECT tenant_id, COALESCE(provider_user_id, ''), access_token,
		       COALESCE(contact_email, ''), COALESCE(contact_phone, ''), active
		FROM tenant_integrations
		WHERE active
		ORDER BY tenant_id
	`

	rows, err := s.db.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("listing integrations: %w", err)
	}
	defer rows.Close()

	var out []domain.Integration
	for rows.Next() {
		var in domain.Integration
		if err := rows.Scan(&in.TenantID, &in.ProviderUserID, &in.AccessToken, &in.ContactEmail, &in.ContactPhone, &in.Active); err != nil {
			return nil, fmt.Errorf("scanning integration: %w", err)
		}
		out = append(out, in)
	}
	return out, rows.Err()
}

// GetIntegration retrieves a tenant's active integration
func (s *Store) GetIntegration(ctx context.Context, tenantID string) (*domain.Integration, error) {
	query := `
		SELECT tenant_id, COALESCE(provider_user_id, ''), access_token,
		       COALESCE(contact_email, ''), COALESCE(contact_phone, ''), active
		FROM tenant_integrations
		WHERE tenant_id = $1 AND active
	`

	var in domain.Integration
	err := s.db.QueryRow(ctx, query, tenantID).Scan(
		&in.TenantID, &in.ProviderUserID, &in.AccessToken, &in.ContactEmail, &in.ContactPhone, &in.Active,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, database.ErrNotFound
		}
		return nil, fmt.Errorf("getting integration: %w", err)
	}
	return &in, nil
}

// LookupOwner returns the tenant indexed for a provider payment id
func (s *Store) LookupOwner(ctx context.Context, providerPaymentID string) (string, error) {
	var tenantID string
	err := s.db.QueryRow(ctx,
		`SELECT tenant_id FROM payment_owner_index WHERE provider_payment_id = $1`,
		providerPaymentID,
	).Scan(&tenantID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", database.ErrNotFound
		}
		return "", fmt.Errorf("looking up owner: %w", err)
	}
	return tenantID, nil
}

// RecordOwner indexes a provider payment id to its tenant. The first
// registration wins.
func (s *Store) RecordOwner(ctx context.Context, providerPaymentID, tenantID string) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO payment_owner_index (provider_payment_id, tenant_id, created_at)
		VALUES ($1, $2, now())
		ON CONFLICT (provider_payment_id) DO NOTHING
	`, providerPaymentID, tenantID)
	if err != nil {
		return fmt.Errorf("recording owner: %w", err)
	}
	return nil
}

// ListRecentPayments lists payments created or updated since the given time,
// oldest first
func (s *Store) ListRecentPayments(ctx context.Context, since time.Time, limit int) ([]*domain.Payment, error) {
	query := `SELECT ` + paymentColumns + ` FROM payments
		WHERE updated_at >= $1 OR created_at >= $1
		ORDER BY updated_at ASC
		LIMIT $2`

	rows, err := s.db.Query(ctx, query, since, limit)
	if err != nil {
		return nil, fmt.Errorf("listing recent payments: %w", err)
	}
	defer rows.Close()

	var out []*domain.Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// DiscrepancySummary counts discrepancies per tenant, entity type and field
// in [from, to). An empty tenantID covers all tenants.
func (s *Store) DiscrepancySummary(ctx context.Context, tenantID string, from, to time.Time) ([]domain.DiscrepancyCount, error) {
	query := `
		SELECT tenant_id, entity_type, field, COUNT(*)
		FROM reconciliation_discrepancies
		WHERE ($1 = '' OR tenant_id = $1) AND detected_at >= $2 AND detected_at < $3
		GROUP BY tenant_id, entity_type, field
		ORDER BY tenant_id, entity_type, field
	`

	rows, err := s.db.Query(ctx, query, tenantID, from, to)
	if err != nil {
		return nil, fmt.Errorf("summarising discrepancies: %w", err)
	}
	defer rows.Close()

	var out []domain.DiscrepancyCount
	for rows.Next() {
		var c domain.DiscrepancyCount
		if err := rows.Scan(&c.TenantID, &c.EntityType, &c.Field, &c.Count); err != nil {
			return nil, fmt.Errorf("scanning discrepancy count: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// ListCancelledLinkAlerts lists a tenant's alerts, newest first. limit+1 rows
// may be requested to detect a further page.
func (s *Store) ListCancelledLinkAlerts(ctx context.Context, tenantID string, limit, offset int) ([]*domain.CancelledLinkAlert, error) {
	query := `
		SELECT id, tenant_id, link_id, COALESCE(link_title, ''), provider_payment_id,
			   amount_minor, currency, COALESCE(payer_email, ''), cancelled_at,
			   COALESCE(cancelled_by, ''), COALESCE(cancellation_reason, ''), created_at
		FROM cancelled_link_alerts
		WHERE tenant_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`

	rows, err := s.db.Query(ctx, query, tenantID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("listing alerts: %w", err)
	}
	defer rows.Close()

	var out []*domain.CancelledLinkAlert
	for rows.Next() {
		var a domain.CancelledLinkAlert
		var amount int64
		var currency string
		err := rows.Scan(
			&a.ID, &a.TenantID, &a.LinkID, &a.LinkTitle, &a.ProviderPaymentID,
			&amount, &currency, &a.PayerEmail, &a.CancelledAt,
			&a.CancelledBy, &a.CancellationReason, &a.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scanning alert: %w", err)
		}
		a.Amount = money.New(amount, money.Currency(currency))
		out = append(out, &a)
	}
	return out, rows.Err()
}

// txStore implements payments.Tx on a pgx transaction
type txStore struct {
	q database.Querier
}

func (t *txStore) GetPaymentForUpdate(ctx context.Context, providerPaymentID string) (*domain.Payment, error) {
	query := `SELECT ` + paymentColumns + ` FROM payments WHERE provider_payment_id = $1 FOR UPDATE`
	return scanPayment(t.q.QueryRow(ctx, query, providerPaymentID))
}

func (t *txStore) InsertPayment(ctx context.Context, p *domain.Payment) error {
	query := `
		INSERT INTO payments (
			id, provider_payment_id, tenant_id, kind, link_id, subscription_id,
			amount_minor, currency, status, provider_status,
			payer_email, payer_first_name, payer_last_name, payer_phone,
			payment_method_id, external_reference, raw_payload,
			provider_updated_at, processed_at, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14,
			$15, $16, $17, $18, $19, $20, $21
		)
	`

	_, err := t.q.Exec(ctx, query,
		p.ID, p.ProviderPaymentID, p.TenantID, p.Kind, p.LinkID, p.SubscriptionID,
		p.Amount.AmountMinor, string(p.Amount.Currency), p.Status, p.ProviderStatus,
		nullableString(p.Payer.Email), nullableString(p.Payer.FirstName),
		nullableString(p.Payer.LastName), nullableString(p.Payer.Phone),
		nullableString(p.PaymentMethodID), nullableString(p.ExternalReference), jsonb(p.RawPayload),
		p.ProviderUpdatedAt, p.ProcessedAt, p.CreatedAt, p.UpdatedAt,
	)
	if err != nil {
		if database.IsUniqueViolation(err) {
			return fmt.Errorf("payment %s already exists: %w", p.ProviderPaymentID, database.ErrAlreadyExists)
		}
		return fmt.Errorf("inserting payment: %w", err)
	}
	return nil
}

func (t *txStore) UpdatePayment(ctx context.Context, p *domain.Payment) error {
	query := `
		UPDATE payments SET
			amount_minor = $2, currency = $3, status = $4, provider_status = $5,
			payer_email = $6, payer_first_name = $7, payer_last_name = $8, payer_phone = $9,
			payment_method_id = $10, external_reference = $11, raw_payload = $12,
			provider_updated_at = $13, processed_at = $14, updated_at = $15
		WHERE id = $1
	`

	tag, err := t.q.Exec(ctx, query,
		p.ID, p.Amount.AmountMinor, string(p.Amount.Currency), p.Status, p.ProviderStatus,
		nullableString(p.Payer.Email), nullableString(p.Payer.FirstName),
		nullableString(p.Payer.LastName), nullableString(p.Payer.Phone),
		nullableString(p.PaymentMethodID), nullableString(p.ExternalReference), jsonb(p.RawPayload),
		p.ProviderUpdatedAt, p.ProcessedAt, p.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("updating payment: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return database.ErrNotFound
	}
	return nil
}

func (t *txStore) GetLinkForUpdate(ctx context.Context, id uuid.UUID) (*domain.PaymentLink, error) {
	query := `SELECT ` + linkColumns + ` FROM payment_links WHERE id = $1 FOR UPDATE`
	return scanLink(t.q.QueryRow(ctx, query, id))
}

func (t *txStore) UpdateLink(ctx context.Context, l *domain.PaymentLink) error {
	query := `
		UPDATE payment_links SET
			status = $2, uses_count = $3, paid_at = $4,
			cancelled_at = $5, cancelled_by = $6, cancellation_reason = $7,
			updated_at = $8
		WHERE id = $1
	`

	tag, err := t.q.Exec(ctx, query,
		l.ID, l.Status, l.UsesCount, l.PaidAt,
		l.CancelledAt, nullableString(l.CancelledBy), nullableString(l.CancellationReason),
		l.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("updating link: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return database.ErrNotFound
	}
	return nil
}

func (t *txStore) GetSubscriptionForUpdate(ctx context.Context, id uuid.UUID) (*domain.Subscription, error) {
	query := `SELECT ` + subscriptionColumns + ` FROM subscriptions WHERE id = $1 FOR UPDATE`
	return scanSubscription(t.q.QueryRow(ctx, query, id))
}

func (t *txStore) UpdateSubscription(ctx context.Context, s *domain.Subscription) error {
	tag, err := t.q.Exec(ctx,
		`UPDATE subscriptions SET status = $2, last_payment_at = $3, updated_at = $4 WHERE id = $1`,
		s.ID, s.Status, s.LastPaymentAt, s.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("updating subscription: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return database.ErrNotFound
	}
	return nil
}

func (t *txStore) InsertCancelledLinkAlert(ctx context.Context, a *domain.CancelledLinkAlert) error {
	query := `
		INSERT INTO cancelled_link_alerts (
			id, tenant_id, link_id, link_title, provider_payment_id, amount_minor, currency,
			payer_email, cancelled_at, cancelled_by, cancellation_reason, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`

	_, err := t.q.Exec(ctx, query,
		a.ID, a.TenantID, a.LinkID, nullableString(a.LinkTitle), a.ProviderPaymentID,
		a.Amount.AmountMinor, string(a.Amount.Currency), nullableString(a.PayerEmail),
		a.CancelledAt, nullableString(a.CancelledBy), nullableString(a.CancellationReason), a.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting alert: %w", err)
	}
	return nil
}

func (t *txStore) InsertDiscrepancy(ctx context.Context, d *domain.Discrepancy) error {
	query := `
		INSERT INTO reconciliation_discrepancies (
			id, run_id, tenant_id, entity_type, entity_id, field,
			stored_value, provider_value, description, detected_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`

	_, err := t.q.Exec(ctx, query,
		d.ID, d.RunID, d.TenantID, d.EntityType, d.EntityID, d.Field,
		d.StoredValue, d.ProviderValue, d.Description, d.DetectedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting discrepancy: %w", err)
	}
	return nil
}

func scanPayment(row pgx.Row) (*domain.Payment, error) {
	var p domain.Payment
	var amount int64
	var currency string
	var raw []byte
	err := row.Scan(
		&p.ID, &p.ProviderPaymentID, &p.TenantID, &p.Kind, &p.LinkID, &p.SubscriptionID,
		&amount, &currency, &p.Status, &p.ProviderStatus,
		&p.Payer.Email, &p.Payer.FirstName, &p.Payer.LastName,
		&p.Payer.Phone, &p.PaymentMethodID, &p.ExternalReference,
		&raw, &p.ProviderUpdatedAt, &p.ProcessedAt, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, database.ErrNotFound
		}
		return nil, fmt.Errorf("scanning payment: %w", err)
	}
	p.Amount = money.New(amount, money.Currency(currency))
	p.RawPayload = json.RawMessage(raw)
	return &p, nil
}

func scanLink(row pgx.Row) (*domain.PaymentLink, error) {
	var l domain.PaymentLink
	var amount int64
	var currency string
	err := row.Scan(
		&l.ID, &l.TenantID, &l.Token, &l.Title, &l.Description, &amount, &currency,
		&l.ExpiresAt, &l.MaxUses, &l.UsesCount, &l.RequiresInvoice, &l.Status,
		&l.CancelledAt, &l.CancelledBy, &l.CancellationReason,
		&l.PaidAt, &l.CreatedAt, &l.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, database.ErrNotFound
		}
		return nil, fmt.Errorf("scanning link: %w", err)
	}
	l.Amount = money.New(amount, money.Currency(currency))
	return &l, nil
}

func scanSubscription(row pgx.Row) (*domain.Subscription, error) {
	var s domain.Subscription
	err := row.Scan(&s.ID, &s.TenantID, &s.Plan, &s.Status, &s.LastPaymentAt, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, database.ErrNotFound
		}
		return nil, fmt.Errorf("scanning subscription: %w", err)
	}
	return &s, nil
}

func nullableString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// jsonb passes raw JSON through as text so pgx does not re-encode it.
func jsonb(raw json.RawMessage) string {
	if len(raw) == 0 {
		return "{}"
	}
	return string(raw)
}
