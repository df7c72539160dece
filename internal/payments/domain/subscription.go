package domain

import (
	"time"

	"github.com/google/uuid"
)

// SubscriptionStatus represents the billing state of a tenant subscription
type SubscriptionStatus string

const (
	SubscriptionStatusTrial     SubscriptionStatus = "trial"
	SubscriptionStatusActive    SubscriptionStatus = "active"
	SubscriptionStatusPastDue   SubscriptionStatus = "past_due"
	SubscriptionStatusCancelled SubscriptionStatus = "cancelled"
)

// Subscription is a tenant's recurring platform plan
type Subscription struct {
	ID            uuid.UUID          `json:"id"`
	TenantID      string             `json:"tenant_id"`
	Plan          string             `json:"plan"`
	Status        SubscriptionStatus `json:"status"`
	LastPaymentAt *time.Time         `json:"last_payment_at,omitempty"`
	CreatedAt     time.Time          `json:"created_at"`
	UpdatedAt     time.Time          `json:"updated_at"`
}

// NextSubscriptionStatus returns the status a billing payment moves the
// subscription to, and false when it does not move it at all.
func NextSubscriptionStatus(current SubscriptionStatus, payment PaymentStatus) (SubscriptionStatus, bool) {
	switch payment {
	case PaymentStatusApproved:
		if current == SubscriptionStatusTrial || current == SubscriptionStatusPastDue {
			return SubscriptionStatusActive, true
		}
	case PaymentStatusRejected, PaymentStatusCancelled:
		if current == SubscriptionStatusTrial || current == SubscriptionStatusActive {
			return SubscriptionStatusPastDue, true
		}
	}
	return current, false
}
