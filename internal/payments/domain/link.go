package domain

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"payrecon/internal/common/money"
)

// LinkStatus represents the status of a payment link
type LinkStatus string

const (
	LinkStatusActive    LinkStatus = "active"
	LinkStatusPaid      LinkStatus = "paid"
	LinkStatusExpired   LinkStatus = "expired"
	LinkStatusCancelled LinkStatus = "cancelled"
)

// IsTerminal reports whether no further transition is possible
func (s LinkStatus) IsTerminal() bool {
	return s == LinkStatusPaid || s == LinkStatusExpired || s == LinkStatusCancelled
}

// ErrInvalidTransition is returned when a status change is not allowed from
// the current state
var ErrInvalidTransition = errors.New("invalid status transition")

// PaymentLink is a shareable request for a fixed amount
type PaymentLink struct {
	ID                 uuid.UUID   `json:"id"`
	TenantID           string      `json:"tenant_id"`
	Token              string      `json:"token"`
	Title              string      `json:"title"`
	Description        string      `json:"description,omitempty"`
	Amount             money.Money `json:"amount"`
	ExpiresAt          *time.Time  `json:"expires_at,omitempty"`
	MaxUses            int         `json:"max_uses"`
	UsesCount          int         `json:"uses_count"`
	RequiresInvoice    bool        `json:"requires_invoice"`
	Status             LinkStatus  `json:"status"`
	CancelledAt        *time.Time  `json:"cancelled_at,omitempty"`
	CancelledBy        string      `json:"cancelled_by,omitempty"`
	CancellationReason string      `json:"cancellation_reason,omitempty"`
	PaidAt             *time.Time  `json:"paid_at,omitempty"`
	CreatedAt          time.Time   `json:"created_at"`
	UpdatedAt          time.Time   `json:"updated_at"`
}

// RecordUse counts one approved payment against the link. The link becomes
// paid once it reaches MaxUses; a multi-use link stays active until then.
func (l *PaymentLink) RecordUse(at time.Time) error {
	if l.Status != LinkStatusActive {
		return fmt.Errorf("%w: link %s is %s", ErrInvalidTransition, l.ID, l.Status)
	}

	l.UsesCount++
	l.UpdatedAt = at
	if l.UsesCount >= max(l.MaxUses, 1) {
		l.Status = LinkStatusPaid
		l.PaidAt = &at
	}
	return nil
}

// Cancel records an owner cancellation. Only active links can be cancelled.
func (l *PaymentLink) Cancel(by, reason string, at time.Time) error {
	if l.Status != LinkStatusActive {
		return fmt.Errorf("%w: link %s is %s", ErrInvalidTransition, l.ID, l.Status)
	}

	l.Status = LinkStatusCancelled
	l.CancelledAt = &at
	l.CancelledBy = by
	l.CancellationReason = reason
	l.UpdatedAt = at
	return nil
}
