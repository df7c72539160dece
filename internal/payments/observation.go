package payments

import (
	"fmt"
	"strings"

	"payrecon/internal/common/money"
	"payrecon/internal/payments/domain"
	"payrecon/internal/provider"
)

// ObservationFromRecord converts the provider's payment record into the
// provider-owned fields of a Payment. Owner fields are left for the caller.
func ObservationFromRecord(rec *provider.PaymentRecord) (domain.Payment, error) {
	currency := money.Currency(strings.ToUpper(strings.TrimSpace(rec.CurrencyID)))
	if _, ok := money.GetCurrencyInfo(currency); !ok {
		return domain.Payment{}, fmt.Errorf("unsupported currency %q on payment %s", rec.CurrencyID, rec.ID)
	}

	amount, err := money.FromDecimal(rec.TransactionAmount, currency)
	if err != nil {
		return domain.Payment{}, fmt.Errorf("payment %s amount: %w", rec.ID, err)
	}

	return domain.Payment{
		ProviderPaymentID: rec.ID.String(),
		Amount:            amount,
		Payer: domain.Payer{
			Email:     rec.Payer.Email,
			FirstName: rec.Payer.FirstName,
			LastName:  rec.Payer.LastName,
			Phone:     rec.Payer.Phone.String(),
		},
		PaymentMethodID:   rec.PaymentMethodID,
		ExternalReference: rec.ExternalReference,
		ProviderUpdatedAt: rec.DateLastUpdated,
	}, nil
}
