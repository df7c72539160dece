package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"payrecon/internal/common/api"
	"payrecon/internal/common/database"
	"payrecon/internal/common/middleware"
	"payrecon/internal/payments/domain"
	"payrecon/internal/reconcile"
)

// ReportStore is the read side of the audit tables plus the owner index
type ReportStore interface {
	DiscrepancySummary(ctx context.Context, tenantID string, from, to time.Time) ([]domain.DiscrepancyCount, error)
	ListCancelledLinkAlerts(ctx context.Context, tenantID string, limit, offset int) ([]*domain.CancelledLinkAlert, error)
	RecordOwner(ctx context.Context, providerPaymentID, tenantID string) error
}

// LinkCanceller performs the owner cancellation through the state machine
type LinkCanceller interface {
	CancelLink(ctx context.Context, tenantID string, linkID uuid.UUID, cancelledBy, reason string) (*domain.PaymentLink, error)
}

// RunTrigger starts a reconciliation run in the background
type RunTrigger interface {
	Trigger(ctx context.Context) (string, error)
}

// defaultSummaryWindow is used when the summary request has no from date
const defaultSummaryWindow = 30 * 24 * time.Hour

// Handler handles operations API requests
type Handler struct {
	reports ReportStore
	links   LinkCanceller
	runs    RunTrigger
}

// NewHandler creates a new operations handler
func NewHandler(reports ReportStore, links LinkCanceller, runs RunTrigger) *Handler {
	return &Handler{reports: reports, links: links, runs: runs}
}

// Routes returns the operations routes
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Get("/reconciliation/discrepancies/summary", h.DiscrepancySummary)
	r.Post("/reconciliation/run", h.TriggerRun)
	r.Get("/alerts/cancelled-link-payments", h.ListCancelledLinkAlerts)
	r.Post("/links/{id}/cancel", h.CancelLink)
	r.Post("/owner-index", h.RegisterOwner)

	return r
}

// DiscrepancySummary handles GET /reconciliation/discrepancies/summary
func (h *Handler) DiscrepancySummary(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	to := time.Now().UTC()
	if v := q.Get("to"); v != "" {
		t, err := parseTime(v)
		if err != nil {
			api.BadRequest(w, "to must be RFC 3339 or YYYY-MM-DD")
			return
		}
		to = t
	}
	from := to.Add(-defaultSummaryWindow)
	if v := q.Get("from"); v != "" {
		t, err := parseTime(v)
		if err != nil {
			api.BadRequest(w, "from must be RFC 3339 or YYYY-MM-DD")
			return
		}
		from = t
	}
	if !from.Before(to) {
		api.BadRequest(w, "from must be before to")
		return
	}

	counts, err := h.reports.DiscrepancySummary(r.Context(), q.Get("tenant_id"), from, to)
	if err != nil {
		api.InternalError(w, "failed to summarise discrepancies")
		return
	}
	if counts == nil {
		counts = []domain.DiscrepancyCount{}
	}

	api.WriteData(w, http.StatusOK, map[string]any{
		"from":   from,
		"to":     to,
		"counts": counts,
	})
}

// TriggerRun handles POST /reconciliation/run
func (h *Handler) TriggerRun(w http.ResponseWriter, r *http.Request) {
	runID, err := h.runs.Trigger(r.Context())
	if err != nil {
		if errors.Is(err, reconcile.ErrRunInProgress) {
			api.Conflict(w, "a reconciliation run is already in progress")
			return
		}
		api.InternalError(w, "failed to start reconciliation run")
		return
	}

	api.WriteData(w, http.StatusAccepted, map[string]string{"run_id": runID})
}

// ListCancelledLinkAlerts handles GET /alerts/cancelled-link-payments
func (h *Handler) ListCancelledLinkAlerts(w http.ResponseWriter, r *http.Request) {
	tenantID := r.URL.Query().Get("tenant_id")
	if tenantID == "" {
		api.BadRequest(w, "tenant_id required")
		return
	}

	params := api.GetPaginationParams(r, 50, 200)
	alerts, err := h.reports.ListCancelledLinkAlerts(r.Context(), tenantID, params.Limit+1, params.Offset)
	if err != nil {
		api.InternalError(w, "failed to list alerts")
		return
	}

	api.WritePaginated(w, alerts, params)
}

// CancelLinkRequest is the API request for cancelling a payment link
type CancelLinkRequest struct {
	TenantID    string `json:"tenant_id" validate:"required"`
	CancelledBy string `json:"cancelled_by" validate:"max=255"`
	Reason      string `json:"reason" validate:"max=1000"`
}

// CancelLink handles POST /links/{id}/cancel
func (h *Handler) CancelLink(w http.ResponseWriter, r *http.Request) {
	linkID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		api.BadRequest(w, "invalid link ID")
		return
	}

	var req CancelLinkRequest
	if err := api.DecodeAndValidate(r, &req); err != nil {
		api.ValidationError(w, err)
		return
	}

	cancelledBy := req.CancelledBy
	if cancelledBy == "" {
		cancelledBy = middleware.GetOperator(r.Context())
	}
	if cancelledBy == "" {
		api.BadRequest(w, "cancelled_by required")
		return
	}

	link, err := h.links.CancelLink(r.Context(), req.TenantID, linkID, cancelledBy, req.Reason)
	if err != nil {
		switch {
		case database.IsNotFound(err):
			api.NotFound(w, "link not found")
		case errors.Is(err, domain.ErrInvalidTransition):
			api.WriteError(w, http.StatusConflict, api.ErrCodeInvalidState, "only active links can be cancelled")
		default:
			api.InternalError(w, "failed to cancel link")
		}
		return
	}

	api.WriteData(w, http.StatusOK, link)
}

// RegisterOwnerRequest is the API request for indexing a payment's owner
type RegisterOwnerRequest struct {
	ProviderPaymentID string `json:"provider_payment_id" validate:"required,max=64"`
	TenantID          string `json:"tenant_id" validate:"required"`
}

// RegisterOwner handles POST /owner-index
func (h *Handler) RegisterOwner(w http.ResponseWriter, r *http.Request) {
	var req RegisterOwnerRequest
	if err := api.DecodeAndValidate(r, &req); err != nil {
		api.ValidationError(w, err)
		return
	}

	if err := h.reports.RecordOwner(r.Context(), req.ProviderPaymentID, req.TenantID); err != nil {
		api.InternalError(w, "failed to register owner")
		return
	}

	api.WriteData(w, http.StatusCreated, req)
}

func parseTime(v string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t.UTC(), nil
	}
	return time.Parse(time.DateOnly, v)
}
