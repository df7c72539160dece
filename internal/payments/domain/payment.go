package domain

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"

	"payrecon/internal/common/money"
)

// PaymentStatus is the internal payment status
type PaymentStatus string

const (
	PaymentStatusPending     PaymentStatus = "pending"
	PaymentStatusApproved    PaymentStatus = "approved"
	PaymentStatusProcessing  PaymentStatus = "processing"
	PaymentStatusRejected    PaymentStatus = "rejected"
	PaymentStatusCancelled   PaymentStatus = "cancelled"
	PaymentStatusRefunded    PaymentStatus = "refunded"
	PaymentStatusChargedBack PaymentStatus = "charged_back"
)

// MapProviderStatus translates the provider's status vocabulary. Unknown
// values map to pending.
func MapProviderStatus(providerStatus string) PaymentStatus {
	switch strings.ToLower(strings.TrimSpace(providerStatus)) {
	case "approved", "authorized":
		return PaymentStatusApproved
	case "in_process", "in_mediation":
		return PaymentStatusProcessing
	case "rejected":
		return PaymentStatusRejected
	case "cancelled":
		return PaymentStatusCancelled
	case "refunded":
		return PaymentStatusRefunded
	case "charged_back":
		return PaymentStatusChargedBack
	default:
		return PaymentStatusPending
	}
}

// PaymentKind tells which entity owns a payment
type PaymentKind string

const (
	PaymentKindLink         PaymentKind = "link"
	PaymentKindSubscription PaymentKind = "subscription"
)

// Payer holds payer contact details
type Payer struct {
	Email     string `json:"email,omitempty"`
	FirstName string `json:"first_name,omitempty"`
	LastName  string `json:"last_name,omitempty"`
	Phone     string `json:"phone,omitempty"`
}

// Name returns the payer's display name
func (p Payer) Name() string {
	return strings.TrimSpace(p.FirstName + " " + p.LastName)
}

// Payment is one provider-side payment attempt, unique by ProviderPaymentID.
// Subscription payments (BillingPayment) share the shape and set
// SubscriptionID instead of LinkID.
type Payment struct {
	ID                string          `json:"id"`
	ProviderPaymentID string          `json:"provider_payment_id"`
	TenantID          string          `json:"tenant_id"`
	Kind              PaymentKind     `json:"kind"`
	LinkID            *uuid.UUID      `json:"link_id,omitempty"`
	SubscriptionID    *uuid.UUID      `json:"subscription_id,omitempty"`
	Amount            money.Money     `json:"amount"`
	Status            PaymentStatus   `json:"status"`
	ProviderStatus    string          `json:"provider_status"`
	Payer             Payer           `json:"payer"`
	PaymentMethodID   string          `json:"payment_method_id,omitempty"`
	ExternalReference string          `json:"external_reference,omitempty"`
	RawPayload        json.RawMessage `json:"raw_payload,omitempty"`
	ProviderUpdatedAt *time.Time      `json:"provider_updated_at,omitempty"`
	ProcessedAt       *time.Time      `json:"processed_at,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
}
