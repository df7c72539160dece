// Package provider is a thin REST client for the payment provider's API.
package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"payrecon/internal/apperr"
)

// Config holds provider API configuration.
type Config struct {
	BaseURL             string        `envconfig:"PROVIDER_BASE_URL" default:"https://api.mercadopago.com/v1" validate:"required,url"`
	PlatformAccessToken string        `envconfig:"PROVIDER_PLATFORM_ACCESS_TOKEN"`
	Timeout             time.Duration `envconfig:"PROVIDER_TIMEOUT" default:"10s" validate:"gt=0,lte=30s"`
}

var (
	// ErrNotFound means the token's account cannot see the payment.
	ErrNotFound = errors.New("payment not found at provider")
	// ErrUnauthorized means the access token was rejected.
	ErrUnauthorized = errors.New("provider rejected access token")
	// ErrMalformedResponse means the provider answered 2xx with a body we cannot use.
	ErrMalformedResponse = errors.New("malformed provider response")
)

// APIError carries a non-2xx provider response.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("provider api error: status=%d body=%s", e.StatusCode, e.Body)
}

// maxErrorBody caps how much of an error response ends up in logs.
const maxErrorBody = 512

// Client fetches canonical payment records.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a provider client. Every request is bounded by cfg.Timeout.
func NewClient(cfg Config, logger *slog.Logger) *Client {
	return &Client{
		baseURL: strings.TrimSuffix(cfg.BaseURL, "/"),
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		logger: logger,
	}
}

// GetPayment fetches a payment by provider id using accessToken.
//
// Timeouts, transport failures, 429 and 5xx are returned wrapped as
// retryable. 404 and 401/403 map to ErrNotFound and ErrUnauthorized; other
// 4xx and undecodable bodies are permanent.
func (c *Client) GetPayment(ctx context.Context, id, accessToken string) (*PaymentRecord, error) {
	endpoint := c.baseURL + "/payments/" + url.PathEscape(id)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+accessToken)
	httpReq.Header.Set("Accept", "application/json")

	start := time.Now()
	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, apperr.Retry(fmt.Errorf("http request: %w", err))
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, apperr.Retry(fmt.Errorf("read response: %w", err))
	}

	c.logger.Debug("provider request completed",
		"provider_payment_id", id,
		"status", httpResp.StatusCode,
		"duration_ms", time.Since(start).Milliseconds(),
	)

	if err := classify(httpResp.StatusCode, respBody); err != nil {
		return nil, err
	}

	var record PaymentRecord
	if err := json.Unmarshal(respBody, &record); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	if record.ID == "" || record.Status == "" {
		return nil, fmt.Errorf("%w: missing id or status", ErrMalformedResponse)
	}
	record.Raw = json.RawMessage(respBody)

	return &record, nil
}

func classify(status int, body []byte) error {
	if status < 400 {
		return nil
	}

	if len(body) > maxErrorBody {
		body = body[:maxErrorBody]
	}
	apiErr := &APIError{StatusCode: status, Body: string(body)}

	switch {
	case status == http.StatusNotFound:
		return fmt.Errorf("%w: %v", ErrNotFound, apiErr)
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return fmt.Errorf("%w: %v", ErrUnauthorized, apiErr)
	case status == http.StatusTooManyRequests || status >= 500:
		return apperr.Retry(apiErr)
	default:
		return apiErr
	}
}

// IsNotVisible reports whether err means the token's account simply does
// not own the payment, as opposed to a failure worth surfacing.
func IsNotVisible(err error) bool {
	return errors.Is(err, ErrNotFound) || errors.Is(err, ErrUnauthorized)
}
