package webhook

import (
	"encoding/json"
	"fmt"

	"payrecon/internal/common/api"
	"payrecon/internal/provider"
)

// Event types the provider declares
const (
	TypePayment       = "payment"
	TypeMerchantOrder = "merchant_order"
	TypeRefund        = "refund"
)

// Notification is the parsed webhook body
type Notification struct {
	ID       provider.ID `json:"id"`
	Type     string      `json:"type" validate:"required"`
	Action   string      `json:"action"`
	LiveMode *bool       `json:"live_mode"`
	Data     struct {
		ID provider.ID `json:"id" validate:"required"`
	} `json:"data"`
}

// ParseNotification decodes and validates a raw webhook body
func ParseNotification(body []byte) (*Notification, error) {
	var n Notification
	if err := json.Unmarshal(body, &n); err != nil {
		return nil, fmt.Errorf("decoding webhook body: %w", err)
	}
	if err := api.Validate.Struct(&n); err != nil {
		return nil, err
	}
	return &n, nil
}

// EventID is the provider's notification id. It is empty for payloads that
// carry no id, which are then processed without a dedup gate.
func (n *Notification) EventID() string {
	return n.ID.String()
}

// ResourceID is the id of the resource the notification is about
func (n *Notification) ResourceID() string {
	return n.Data.ID.String()
}
