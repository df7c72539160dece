package domain

import (
	"time"

	"github.com/google/uuid"

	"payrecon/internal/common/money"
)

// Integration is a tenant's connected provider account
type Integration struct {
	TenantID       string `json:"tenant_id"`
	ProviderUserID string `json:"provider_user_id,omitempty"`
	AccessToken    string `json:"-"`
	ContactEmail   string `json:"contact_email,omitempty"`
	ContactPhone   string `json:"contact_phone,omitempty"`
	Active         bool   `json:"active"`
}

// CancelledLinkAlert records an approved payment that arrived for a link the
// owner had already cancelled. Never updated or deleted.
type CancelledLinkAlert struct {
	ID                 string      `json:"id"`
	TenantID           string      `json:"tenant_id"`
	LinkID             uuid.UUID   `json:"link_id"`
	LinkTitle          string      `json:"link_title,omitempty"`
	ProviderPaymentID  string      `json:"provider_payment_id"`
	Amount             money.Money `json:"amount"`
	PayerEmail         string      `json:"payer_email,omitempty"`
	CancelledAt        *time.Time  `json:"cancelled_at,omitempty"`
	CancelledBy        string      `json:"cancelled_by,omitempty"`
	CancellationReason string      `json:"cancellation_reason,omitempty"`
	CreatedAt          time.Time   `json:"created_at"`
}

// Discrepancy is an append-only record of stored state disagreeing with
// the provider
type Discrepancy struct {
	ID            string    `json:"id"`
	RunID         string    `json:"run_id"`
	TenantID      string    `json:"tenant_id"`
	EntityType    string    `json:"entity_type"`
	EntityID      string    `json:"entity_id"`
	Field         string    `json:"field"`
	StoredValue   string    `json:"stored_value"`
	ProviderValue string    `json:"provider_value"`
	Description   string    `json:"description"`
	DetectedAt    time.Time `json:"detected_at"`
}

// DiscrepancyCount aggregates discrepancies per tenant, entity type and field
type DiscrepancyCount struct {
	TenantID   string `json:"tenant_id"`
	EntityType string `json:"entity_type"`
	Field      string `json:"field"`
	Count      int64  `json:"count"`
}

// RunStatus is the state of a reconciliation run
type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusPartial   RunStatus = "partial"
	RunStatusFailed    RunStatus = "failed"
)

// ReconciliationRun is the bookkeeping row of one reconciliation pass
type ReconciliationRun struct {
	ID          string     `json:"id"`
	WindowStart time.Time  `json:"window_start"`
	WindowEnd   time.Time  `json:"window_end"`
	Status      RunStatus  `json:"status"`
	Checked     int        `json:"checked"`
	Mismatched  int        `json:"mismatched"`
	Failed      int        `json:"failed"`
	StartedAt   time.Time  `json:"started_at"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
}

// NotificationAttempt is one persisted delivery attempt on one channel
type NotificationAttempt struct {
	ID              string    `json:"id"`
	TenantID        string    `json:"tenant_id"`
	EventType       string    `json:"event_type"`
	Channel         string    `json:"channel"`
	Role            string    `json:"role"`
	Recipient       string    `json:"recipient"`
	Status          string    `json:"status"`
	Error           string    `json:"error,omitempty"`
	ParentAttemptID string    `json:"parent_attempt_id,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
}
