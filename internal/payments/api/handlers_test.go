package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"payrecon/internal/common/database"
	"payrecon/internal/common/middleware"
	"payrecon/internal/common/money"
	"payrecon/internal/payments/domain"
	"payrecon/internal/reconcile"
)

type fakeReports struct {
	summaryTenant string
	from, to      time.Time
	alerts        []*domain.CancelledLinkAlert
	alertsLimit   int
	owners        map[string]string
}

func (f *fakeReports) DiscrepancySummary(_ context.Context, tenantID string, from, to time.Time) ([]domain.DiscrepancyCount, error) {
	f.summaryTenant, f.from, f.to = tenantID, from, to
	return []domain.DiscrepancyCount{{TenantID: "t1", EntityType: "link_payment", Field: "status", Count: 3}}, nil
}

func (f *fakeReports) ListCancelledLinkAlerts(_ context.Context, _ string, limit, offset int) ([]*domain.CancelledLinkAlert, error) {
	f.alertsLimit = limit
	end := min(offset+limit, len(f.alerts))
	if offset >= end {
		return nil, nil
	}
	return f.alerts[offset:end], nil
}

func (f *fakeReports) RecordOwner(_ context.Context, providerPaymentID, tenantID string) error {
	if f.owners == nil {
		f.owners = map[string]string{}
	}
	f.owners[providerPaymentID] = tenantID
	return nil
}

type fakeLinks struct {
	links map[uuid.UUID]*domain.PaymentLink
}

func (f *fakeLinks) CancelLink(_ context.Context, tenantID string, linkID uuid.UUID, by, reason string) (*domain.PaymentLink, error) {
	l, ok := f.links[linkID]
	if !ok || l.TenantID != tenantID {
		return nil, fmt.Errorf("cancelling link %s: %w", linkID, database.ErrNotFound)
	}
	if err := l.Cancel(by, reason, time.Now()); err != nil {
		return nil, fmt.Errorf("cancelling link %s: %w", linkID, err)
	}
	return l, nil
}

type fakeRuns struct{ busy bool }

func (f *fakeRuns) Trigger(context.Context) (string, error) {
	if f.busy {
		return "", reconcile.ErrRunInProgress
	}
	f.busy = true
	return "01HRUN", nil
}

func newTestRouter() (http.Handler, *fakeReports, *fakeLinks, *fakeRuns) {
	reports := &fakeReports{}
	links := &fakeLinks{links: map[uuid.UUID]*domain.PaymentLink{}}
	runs := &fakeRuns{}
	return NewHandler(reports, links, runs).Routes(), reports, links, runs
}

func do(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req = req.WithContext(context.WithValue(req.Context(), middleware.OperatorKey, "ops-oncall"))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestDiscrepancySummary(t *testing.T) {
	h, reports, _, _ := newTestRouter()

	rec := do(t, h, http.MethodGet, "/reconciliation/discrepancies/summary?tenant_id=t1&from=2026-10-01&to=2026-10-16T00:00:00Z", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	assert.Equal(t, "t1", reports.summaryTenant)
	assert.Equal(t, time.Date(2026, 10, 1, 0, 0, 0, 0, time.UTC), reports.from)
	assert.Equal(t, time.Date(2026, 10, 16, 0, 0, 0, 0, time.UTC), reports.to)
	assert.Contains(t, rec.Body.String(), `"count":3`)
}

func TestDiscrepancySummaryBadRange(t *testing.T) {
	h, _, _, _ := newTestRouter()

	tests := []string{
		"/reconciliation/discrepancies/summary?from=yesterday",
		"/reconciliation/discrepancies/summary?from=2026-10-16&to=2026-10-01",
	}
	for _, path := range tests {
		rec := do(t, h, http.MethodGet, path, nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code, path)
	}
}

func TestTriggerRun(t *testing.T) {
	h, _, _, _ := newTestRouter()

	rec := do(t, h, http.MethodPost, "/reconciliation/run", nil)
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Contains(t, rec.Body.String(), "01HRUN")

	rec = do(t, h, http.MethodPost, "/reconciliation/run", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestListCancelledLinkAlertsPaginates(t *testing.T) {
	h, reports, _, _ := newTestRouter()
	for i := 0; i < 3; i++ {
		reports.alerts = append(reports.alerts, &domain.CancelledLinkAlert{
			ID:       fmt.Sprintf("a%d", i),
			TenantID: "t1",
			Amount:   money.New(50000, money.MXN),
		})
	}

	rec := do(t, h, http.MethodGet, "/alerts/cancelled-link-payments?tenant_id=t1&limit=2", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 3, reports.alertsLimit)

	var resp struct {
		Data       []domain.CancelledLinkAlert `json:"data"`
		Pagination struct {
			HasMore bool `json:"has_more"`
		} `json:"pagination"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Len(t, resp.Data, 2)
	assert.True(t, resp.Pagination.HasMore)

	rec = do(t, h, http.MethodGet, "/alerts/cancelled-link-payments", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCancelLink(t *testing.T) {
	h, _, links, _ := newTestRouter()
	id := uuid.New()
	links.links[id] = &domain.PaymentLink{ID: id, TenantID: "t1", Status: domain.LinkStatusActive}

	rec := do(t, h, http.MethodPost, "/links/"+id.String()+"/cancel", map[string]string{"tenant_id": "t1", "reason": "wrong amount"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, domain.LinkStatusCancelled, links.links[id].Status)
	assert.Equal(t, "ops-oncall", links.links[id].CancelledBy)

	// Already cancelled.
	rec = do(t, h, http.MethodPost, "/links/"+id.String()+"/cancel", map[string]string{"tenant_id": "t1"})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Contains(t, rec.Body.String(), "INVALID_STATE")

	// Another tenant's link.
	rec = do(t, h, http.MethodPost, "/links/"+id.String()+"/cancel", map[string]string{"tenant_id": "t2"})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, h, http.MethodPost, "/links/not-a-uuid/cancel", map[string]string{"tenant_id": "t1"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, http.MethodPost, "/links/"+id.String()+"/cancel", map[string]string{})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestRegisterOwner(t *testing.T) {
	h, reports, _, _ := newTestRouter()

	rec := do(t, h, http.MethodPost, "/owner-index", map[string]string{"provider_payment_id": "P-9", "tenant_id": "t1"})
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "t1", reports.owners["P-9"])

	rec = do(t, h, http.MethodPost, "/owner-index", map[string]string{"tenant_id": "t1"})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}
