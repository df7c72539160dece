package provider

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// ID is a provider identifier. The API emits numeric ids, some payload
// shapes quote them; both decode to the same string.
type ID string

func (id *ID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*id = ""
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*id = ID(strings.TrimSpace(s))
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("provider id: %w", err)
	}
	*id = ID(n.String())
	return nil
}

func (id ID) String() string { return string(id) }

// PaymentRecord is the canonical payment as the provider reports it.
type PaymentRecord struct {
	ID                ID              `json:"id"`
	Status            string          `json:"status"`
	StatusDetail      string          `json:"status_detail,omitempty"`
	TransactionAmount decimal.Decimal `json:"transaction_amount"`
	CurrencyID        string          `json:"currency_id"`
	ExternalReference string          `json:"external_reference"`
	PaymentMethodID   string          `json:"payment_method_id"`
	Payer             Payer           `json:"payer"`
	DateCreated       *time.Time      `json:"date_created,omitempty"`
	DateLastUpdated   *time.Time      `json:"date_last_updated,omitempty"`
	LiveMode          bool            `json:"live_mode"`

	// Raw is the undecoded response body, kept as the stored snapshot.
	Raw json.RawMessage `json:"-"`
}

// Payer holds the payer contact fields the engine uses.
type Payer struct {
	Email     string `json:"email"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Phone     Phone  `json:"phone"`
}

// Phone is the provider's split phone number.
type Phone struct {
	AreaCode string `json:"area_code"`
	Number   string `json:"number"`
}

// String joins area code and number, empty when no number is present.
func (p Phone) String() string {
	if strings.TrimSpace(p.Number) == "" {
		return ""
	}
	return strings.TrimSpace(p.AreaCode + p.Number)
}
