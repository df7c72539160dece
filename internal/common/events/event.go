package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/oklog/ulid/v2"
)

// Event represents a domain event envelope
type Event struct {
	ID            string          `json:"event_id"`
	Type          string          `json:"type"`
	Version       int             `json:"version"`
	OccurredAt    time.Time       `json:"occurred_at"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	TenantID      string          `json:"tenant_id"`
	AggregateType string          `json:"aggregate_type"`
	AggregateID   string          `json:"aggregate_id"`
	Data          json.RawMessage `json:"data"`
}

// NewEvent creates a new event
func NewEvent(eventType string, tenantID, aggregateType, aggregateID string, data interface{}) (*Event, error) {
	dataBytes, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}

	return &Event{
		ID:            ulid.Make().String(),
		Type:          eventType,
		Version:       1,
		OccurredAt:    time.Now().UTC(),
		TenantID:      tenantID,
		AggregateType: aggregateType,
		AggregateID:   aggregateID,
		Data:          dataBytes,
	}, nil
}

// WithCorrelation sets the correlation id
func (e *Event) WithCorrelation(correlationID string) *Event {
	e.CorrelationID = correlationID
	return e
}

// DecodeData decodes the event data into a struct
func (e *Event) DecodeData(v interface{}) error {
	return json.Unmarshal(e.Data, v)
}

// Publisher publishes events to a message broker
type Publisher interface {
	Publish(ctx context.Context, event *Event) error
}

// Event types. The type is also the NATS subject.
const (
	EventPaymentApproved      = "payrecon.payment.approved"
	EventLinkPaid             = "payrecon.link.paid"
	EventCancelledLinkPayment = "payrecon.alert.cancelled_link_payment"
	EventSubscriptionUpdated  = "payrecon.subscription.updated"
	EventInvoiceRequested     = "invoice.generate.requested"
)

// PaymentApprovedData is the data for payrecon.payment.approved events
type PaymentApprovedData struct {
	PaymentID         string `json:"payment_id"`
	ProviderPaymentID string `json:"provider_payment_id"`
	Kind              string `json:"kind"`
	LinkID            string `json:"link_id,omitempty"`
	AmountMinor       int64  `json:"amount_minor"`
	Currency          string `json:"currency"`
	PayerEmail        string `json:"payer_email,omitempty"`
}

// LinkPaidData is the data for payrecon.link.paid events
type LinkPaidData struct {
	LinkID            string    `json:"link_id"`
	ProviderPaymentID string    `json:"provider_payment_id"`
	UsesCount         int       `json:"uses_count"`
	PaidAt            time.Time `json:"paid_at"`
}

// CancelledLinkPaymentData is the data for cancelled-link alerts
type CancelledLinkPaymentData struct {
	AlertID            string     `json:"alert_id"`
	LinkID             string     `json:"link_id"`
	ProviderPaymentID  string     `json:"provider_payment_id"`
	AmountMinor        int64      `json:"amount_minor"`
	Currency           string     `json:"currency"`
	PayerEmail         string     `json:"payer_email,omitempty"`
	CancelledAt        *time.Time `json:"cancelled_at,omitempty"`
	CancelledBy        string     `json:"cancelled_by,omitempty"`
	CancellationReason string     `json:"cancellation_reason,omitempty"`
}

// SubscriptionUpdatedData is the data for payrecon.subscription.updated events
type SubscriptionUpdatedData struct {
	SubscriptionID    string `json:"subscription_id"`
	PreviousStatus    string `json:"previous_status"`
	Status            string `json:"status"`
	ProviderPaymentID string `json:"provider_payment_id"`
}

// InvoiceRequestedData is the data for invoice.generate.requested events
type InvoiceRequestedData struct {
	PaymentID         string `json:"payment_id"`
	ProviderPaymentID string `json:"provider_payment_id"`
	LinkID            string `json:"link_id"`
	AmountMinor       int64  `json:"amount_minor"`
	Currency          string `json:"currency"`
	PayerEmail        string `json:"payer_email,omitempty"`
	PayerName         string `json:"payer_name,omitempty"`
	Concept           string `json:"concept"`
}
