package provider

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"payrecon/internal/apperr"
)

func newTestClient(t *testing.T, handler http.HandlerFunc, timeout time.Duration) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewClient(Config{BaseURL: srv.URL, Timeout: timeout}, logger)
}

func TestGetPayment(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/payments/123456", r.URL.Path)
		assert.Equal(t, "Bearer tok-1", r.Header.Get("Authorization"))

		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{
			"id": 123456,
			"status": "approved",
			"transaction_amount": 500.00,
			"currency_id": "MXN",
			"external_reference": "0d6f5c1e-52ad-4f8f-8d8c-3b7f7f0c9a11",
			"payment_method_id": "visa",
			"payer": {"email": "ana@example.com", "first_name": "Ana", "last_name": "Ruiz",
				"phone": {"area_code": "55", "number": "12345678"}}
		}`)
	}, time.Second)

	rec, err := client.GetPayment(context.Background(), "123456", "tok-1")
	require.NoError(t, err)

	assert.Equal(t, ID("123456"), rec.ID)
	assert.Equal(t, "approved", rec.Status)
	assert.Equal(t, "500", rec.TransactionAmount.String())
	assert.Equal(t, "MXN", rec.CurrencyID)
	assert.Equal(t, "ana@example.com", rec.Payer.Email)
	assert.Equal(t, "5512345678", rec.Payer.Phone.String())
	assert.NotEmpty(t, rec.Raw)
}

func TestGetPaymentUsesVersionedBaseURL(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/payments/42", r.URL.Path)
		_, _ = io.WriteString(w, `{"id": 42, "status": "pending", "transaction_amount": 10, "currency_id": "MXN"}`)
	}))
	t.Cleanup(srv.Close)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	client := NewClient(Config{BaseURL: srv.URL + "/v1/", Timeout: time.Second}, logger)

	rec, err := client.GetPayment(context.Background(), "42", "tok-1")
	require.NoError(t, err)
	assert.Equal(t, "pending", rec.Status)
}

func TestGetPaymentErrorClassification(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		body      string
		retryable bool
		notVis    bool
	}{
		{"not found", http.StatusNotFound, `{"message":"not found"}`, false, true},
		{"unauthorized", http.StatusUnauthorized, `{}`, false, true},
		{"forbidden", http.StatusForbidden, `{}`, false, true},
		{"bad request", http.StatusBadRequest, `{}`, false, false},
		{"rate limited", http.StatusTooManyRequests, `{}`, true, false},
		{"server error", http.StatusBadGateway, `{}`, true, false},
		{"malformed", http.StatusOK, `not json`, false, false},
		{"missing status", http.StatusOK, `{"id": 1}`, false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = io.WriteString(w, tt.body)
			}, time.Second)

			_, err := client.GetPayment(context.Background(), "1", "tok")
			require.Error(t, err)
			assert.Equal(t, tt.retryable, apperr.IsRetryable(err))
			assert.Equal(t, tt.notVis, IsNotVisible(err))
		})
	}
}

func TestGetPaymentTimeoutIsRetryable(t *testing.T) {
	release := make(chan struct{})
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}, 50*time.Millisecond)
	defer close(release)

	_, err := client.GetPayment(context.Background(), "1", "tok")
	require.Error(t, err)
	assert.True(t, apperr.IsRetryable(err))
}

func TestIDUnmarshal(t *testing.T) {
	tests := []struct {
		in   string
		want ID
	}{
		{`{"id": 987654321}`, "987654321"},
		{`{"id": "987654321"}`, "987654321"},
		{`{"id": null}`, ""},
	}

	for _, tt := range tests {
		var rec struct {
			ID ID `json:"id"`
		}
		require.NoError(t, json.Unmarshal([]byte(tt.in), &rec))
		assert.Equal(t, tt.want, rec.ID)
	}
}
