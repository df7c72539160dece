// Package webhook is the inbound provider notification endpoint: it
// authenticates, deduplicates and routes each delivery, and maps the outcome
// onto the HTTP status the provider's retry policy understands.
package webhook

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"payrecon/internal/apperr"
	"payrecon/internal/common/api"
	"payrecon/internal/common/middleware"
	"payrecon/internal/signature"
)

// Config holds webhook endpoint configuration
type Config struct {
	Secret       string        `envconfig:"WEBHOOK_SECRET" validate:"required"`
	AllowSandbox bool          `envconfig:"WEBHOOK_ALLOW_SANDBOX" default:"false"`
	Timeout      time.Duration `envconfig:"WEBHOOK_TIMEOUT" default:"8s" validate:"gt=0,lte=30s"`
	MaxBodyBytes int64         `envconfig:"WEBHOOK_MAX_BODY_BYTES" default:"1048576" validate:"gt=0"`
}

// Authenticator checks the delivery signature
type Authenticator interface {
	Authenticate(rawBody []byte, header string) error
}

// Deduper is the processed-event set
type Deduper interface {
	IsDuplicate(ctx context.Context, eventType, eventID string) (bool, error)
	MarkProcessed(ctx context.Context, eventType, eventID string, ttl time.Duration) error
}

// Handler handles provider webhook deliveries
type Handler struct {
	auth         Authenticator
	dedup        Deduper
	router       *Router
	processedTTL time.Duration
	cfg          Config
	logger       *slog.Logger
}

// NewHandler creates a new webhook handler
func NewHandler(auth Authenticator, dedup Deduper, router *Router, processedTTL time.Duration, cfg Config, logger *slog.Logger) *Handler {
	return &Handler{
		auth:         auth,
		dedup:        dedup,
		router:       router,
		processedTTL: processedTTL,
		cfg:          cfg,
		logger:       logger,
	}
}

// Routes returns the webhook routes
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.MaxBodySize(h.cfg.MaxBodyBytes))
	r.Post("/", h.Receive)
	return r
}

// Receive handles POST /webhooks/provider
//
// 200 means processed, deliberately ignored or permanently failed, 401 means
// the signature was rejected and 500 asks the provider to redeliver after a
// transient failure.
func (h *Handler) Receive(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.cfg.Timeout)
	defer cancel()

	log := h.logger.With("correlation_id", middleware.GetCorrelationID(ctx))

	body, err := io.ReadAll(r.Body)
	if err != nil {
		log.Warn("failed to read webhook body", "error", err)
		api.BadRequest(w, "unreadable body")
		return
	}

	if err := h.auth.Authenticate(body, r.Header.Get(signature.HeaderName)); err != nil {
		log.Warn("webhook signature rejected", "error", err, "remote_addr", r.RemoteAddr)
		api.WriteError(w, http.StatusUnauthorized, api.ErrCodeUnauthorized, "invalid signature")
		return
	}

	n, err := ParseNotification(body)
	if err != nil {
		// Authentic but unusable; redelivery would not help.
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			log.Warn("webhook payload failed validation, ignoring", "error", err)
		} else {
			log.Warn("webhook payload is not valid JSON, ignoring", "error", err)
		}
		api.WriteData(w, http.StatusOK, Result{Disposition: DispositionIgnored})
		return
	}

	log = log.With(
		"event_type", n.Type,
		"event_id", n.EventID(),
		"resource_id", n.ResourceID(),
	)

	if n.EventID() != "" {
		dup, err := h.dedup.IsDuplicate(ctx, n.Type, n.EventID())
		if err != nil {
			log.Error("idempotency check failed", "error", err)
			api.InternalError(w, "temporarily unable to process webhook")
			return
		}
		if dup {
			log.Info("duplicate webhook delivery skipped")
			api.WriteData(w, http.StatusOK, Result{Disposition: DispositionIgnored})
			return
		}
	}

	result, err := h.router.Route(ctx, n)
	if err != nil {
		if apperr.IsRetryable(err) {
			log.Warn("webhook processing failed, provider will retry", "error", err)
			api.InternalError(w, "webhook processing failed")
			return
		}
		// Redelivering the same payload would fail the same way. Left
		// unmarked so a delivery after a fix is processed.
		log.Error("webhook processing failed permanently, acknowledging", "error", err)
		api.WriteData(w, http.StatusOK, Result{Disposition: DispositionFailed})
		return
	}

	if n.EventID() != "" {
		// The state change is committed; a failed mark only costs an
		// idempotent reprocessing on redelivery.
		if err := h.dedup.MarkProcessed(ctx, n.Type, n.EventID(), h.processedTTL); err != nil {
			log.Warn("failed to mark webhook processed", "error", err)
		}
	}

	api.WriteData(w, http.StatusOK, result)
}
