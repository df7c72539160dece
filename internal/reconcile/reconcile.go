// Package reconcile periodically re-fetches recent payments from the provider
// and corrects stored state that drifted, leaving an audit record for every
// correction.
package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"
	"golang.org/x/sync/errgroup"

	"payrecon/internal/apperr"
	"payrecon/internal/idempotency"
	"payrecon/internal/payments"
	"payrecon/internal/payments/domain"
	"payrecon/internal/provider"
)

// Config holds reconciliation settings
type Config struct {
	Enabled    bool          `envconfig:"RECONCILE_ENABLED" default:"true"`
	Interval   time.Duration `envconfig:"RECONCILE_INTERVAL" default:"1h" validate:"gt=0"`
	Lookback   time.Duration `envconfig:"RECONCILE_LOOKBACK" default:"24h" validate:"gt=0"`
	Workers    int           `envconfig:"RECONCILE_WORKERS" default:"8" validate:"min=1,max=64"`
	BatchLimit int           `envconfig:"RECONCILE_BATCH_LIMIT" default:"5000" validate:"min=1"`
	LockTTL    time.Duration `envconfig:"RECONCILE_LOCK_TTL" default:"15s" validate:"gt=0"`
}

// ErrRunInProgress is returned when a run is requested while one is active
var ErrRunInProgress = errors.New("reconciliation run already in progress")

// Store is the persistence the job needs
type Store interface {
	ListRecentPayments(ctx context.Context, since time.Time, limit int) ([]*domain.Payment, error)
	GetPaymentByProviderID(ctx context.Context, providerPaymentID string) (*domain.Payment, error)
	GetIntegration(ctx context.Context, tenantID string) (*domain.Integration, error)
	CreateRun(ctx context.Context, run *domain.ReconciliationRun) error
	FinishRun(ctx context.Context, run *domain.ReconciliationRun) error
}

// Fetcher retrieves the provider's view of a payment
type Fetcher interface {
	GetPayment(ctx context.Context, id, accessToken string) (*provider.PaymentRecord, error)
}

// Applier runs the payment state machine
type Applier interface {
	ApplyStatus(ctx context.Context, in domain.Payment, providerStatus string, snapshot json.RawMessage, opts ...payments.ApplyOption) (*payments.ApplyResult, error)
}

// Locker provides the per-payment lock shared with the webhook path
type Locker interface {
	WithLock(ctx context.Context, scope, key string, ttl time.Duration, fn func() error) error
}

// Archiver keeps run reports
type Archiver interface {
	PutJSON(ctx context.Context, key string, v any) error
}

// Failure is one payment that could not be reconciled
type Failure struct {
	ProviderPaymentID string `json:"provider_payment_id"`
	TenantID          string `json:"tenant_id"`
	Error             string `json:"error"`
}

// Report is the full outcome of a run
type Report struct {
	Run           domain.ReconciliationRun `json:"run"`
	Discrepancies []domain.Discrepancy     `json:"discrepancies"`
	Failures      []Failure                `json:"failures"`
}

// Reconciler compares stored payments with the provider. Only one run is
// active at a time.
type Reconciler struct {
	store         Store
	fetcher       Fetcher
	applier       Applier
	locker        Locker
	archiver      Archiver
	platformToken string
	cfg           Config
	logger        *slog.Logger
	now           func() time.Time

	running atomic.Bool
	wg      sync.WaitGroup
}

// New creates a reconciler. archiver may be nil.
func New(store Store, fetcher Fetcher, applier Applier, locker Locker, archiver Archiver, platformToken string, cfg Config, logger *slog.Logger) *Reconciler {
	return &Reconciler{
		store:         store,
		fetcher:       fetcher,
		applier:       applier,
		locker:        locker,
		archiver:      archiver,
		platformToken: platformToken,
		cfg:           cfg,
		logger:        logger,
		now:           func() time.Time { return time.Now().UTC() },
	}
}

// Start runs the job every Interval until ctx is done
func (r *Reconciler) Start(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	r.logger.Info("reconciliation scheduler started",
		"interval", r.cfg.Interval,
		"lookback", r.cfg.Lookback,
		"workers", r.cfg.Workers,
	)

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("reconciliation scheduler stopped")
			return
		case <-ticker.C:
			if _, err := r.Run(ctx); err != nil {
				if errors.Is(err, ErrRunInProgress) {
					r.logger.Info("previous reconciliation still running, skipping tick")
					continue
				}
				r.logger.Error("reconciliation run failed", "error", err)
			}
		}
	}
}

// Run executes one pass synchronously
func (r *Reconciler) Run(ctx context.Context) (*Report, error) {
	r.wg.Add(1)
	defer r.wg.Done()

	if !r.running.CompareAndSwap(false, true) {
		return nil, ErrRunInProgress
	}
	defer r.running.Store(false)

	return r.executeRun(ctx, ulid.Make().String())
}

// Trigger starts a pass in the background and returns its run id
func (r *Reconciler) Trigger(ctx context.Context) (string, error) {
	r.wg.Add(1)
	if !r.running.CompareAndSwap(false, true) {
		r.wg.Done()
		return "", ErrRunInProgress
	}

	runID := ulid.Make().String()
	ctx = context.WithoutCancel(ctx)

	go func() {
		defer r.wg.Done()
		defer r.running.Store(false)

		if _, err := r.executeRun(ctx, runID); err != nil {
			r.logger.Error("triggered reconciliation run failed", "run_id", runID, "error", err)
		}
	}()

	return runID, nil
}

// Running reports whether a pass is active
func (r *Reconciler) Running() bool {
	return r.running.Load()
}

// Wait blocks until in-flight runs have finished, scheduled or triggered
func (r *Reconciler) Wait() {
	r.wg.Wait()
}

func (r *Reconciler) executeRun(ctx context.Context, runID string) (*Report, error) {
	start := r.now()
	report := &Report{
		Run: domain.ReconciliationRun{
			ID:          runID,
			WindowStart: start.Add(-r.cfg.Lookback),
			WindowEnd:   start,
			Status:      domain.RunStatusRunning,
			StartedAt:   start,
		},
	}
	run := &report.Run
	log := r.logger.With("run_id", run.ID)

	if err := r.store.CreateRun(ctx, run); err != nil {
		return nil, err
	}

	recent, err := r.store.ListRecentPayments(ctx, run.WindowStart, r.cfg.BatchLimit)
	if err != nil {
		r.finish(ctx, report, domain.RunStatusFailed)
		return report, fmt.Errorf("listing payments to reconcile: %w", err)
	}

	log.Info("reconciliation run started",
		"window_start", run.WindowStart,
		"payments", len(recent),
	)

	var mu sync.Mutex
	var g errgroup.Group
	g.SetLimit(r.cfg.Workers)

	for _, p := range recent {
		p := p
		g.Go(func() error {
			ds, err := r.reconcilePayment(ctx, run.ID, p)

			mu.Lock()
			defer mu.Unlock()
			run.Checked++
			if err != nil {
				run.Failed++
				report.Failures = append(report.Failures, Failure{
					ProviderPaymentID: p.ProviderPaymentID,
					TenantID:          p.TenantID,
					Error:             err.Error(),
				})
				log.Warn("payment reconciliation failed",
					"provider_payment_id", p.ProviderPaymentID,
					"tenant_id", p.TenantID,
					"retryable", apperr.IsRetryable(err),
					"error", err,
				)
				return nil
			}
			if len(ds) > 0 {
				run.Mismatched++
				for _, d := range ds {
					report.Discrepancies = append(report.Discrepancies, *d)
				}
			}
			return nil
		})
	}
	_ = g.Wait()

	status := domain.RunStatusCompleted
	switch {
	case run.Failed > 0 && run.Failed == run.Checked:
		status = domain.RunStatusFailed
	case run.Failed > 0:
		status = domain.RunStatusPartial
	}
	r.finish(ctx, report, status)

	log.Info("reconciliation run finished",
		"status", run.Status,
		"checked", run.Checked,
		"mismatched", run.Mismatched,
		"failed", run.Failed,
		"duration", run.FinishedAt.Sub(run.StartedAt),
	)

	return report, nil
}

func (r *Reconciler) finish(ctx context.Context, report *Report, status domain.RunStatus) {
	finishedAt := r.now()
	report.Run.Status = status
	report.Run.FinishedAt = &finishedAt

	if err := r.store.FinishRun(ctx, &report.Run); err != nil {
		r.logger.Error("failed to record run result", "run_id", report.Run.ID, "error", err)
	}

	if r.archiver == nil {
		return
	}
	if err := r.archiver.PutJSON(ctx, ReportKey(report.Run.ID, report.Run.StartedAt), report); err != nil {
		r.logger.Error("failed to archive run report", "run_id", report.Run.ID, "error", err)
	}
}

// ReportKey is the object key of a run report
func ReportKey(runID string, startedAt time.Time) string {
	return fmt.Sprintf("reconciliation/%s/%s.json", startedAt.UTC().Format("2006/01/02"), runID)
}

// reconcilePayment compares one payment with the provider and, on mismatch,
// applies the provider's values together with the discrepancy records.
func (r *Reconciler) reconcilePayment(ctx context.Context, runID string, listed *domain.Payment) ([]*domain.Discrepancy, error) {
	token, err := r.tokenFor(ctx, listed)
	if err != nil {
		return nil, err
	}

	rec, err := r.fetcher.GetPayment(ctx, listed.ProviderPaymentID, token)
	if err != nil {
		return nil, fmt.Errorf("fetching payment: %w", err)
	}
	observed, err := payments.ObservationFromRecord(rec)
	if err != nil {
		return nil, err
	}

	if len(r.diff(runID, listed, rec, observed)) == 0 {
		return nil, nil
	}

	var applied []*domain.Discrepancy
	err = r.locker.WithLock(ctx, idempotency.ScopePayment, listed.ProviderPaymentID, r.cfg.LockTTL, func() error {
		// A webhook may have corrected the row since it was listed.
		current, err := r.store.GetPaymentByProviderID(ctx, listed.ProviderPaymentID)
		if err != nil {
			return fmt.Errorf("reloading payment: %w", err)
		}
		ds := r.diff(runID, current, rec, observed)
		if len(ds) == 0 {
			return nil
		}

		in := observed
		in.TenantID = current.TenantID
		in.Kind = current.Kind
		in.LinkID = current.LinkID
		in.SubscriptionID = current.SubscriptionID

		res, err := r.applier.ApplyStatus(ctx, in, rec.Status, rec.Raw, payments.WithDiscrepancies(ds...))
		if err != nil {
			return err
		}

		for _, d := range ds {
			r.logger.Warn("payment corrected from provider",
				"run_id", runID,
				"provider_payment_id", current.ProviderPaymentID,
				"tenant_id", current.TenantID,
				"field", d.Field,
				"stored", d.StoredValue,
				"provider", d.ProviderValue,
				"outcome", res.Outcome,
			)
		}
		applied = ds
		return nil
	})
	if err != nil {
		return nil, err
	}
	return applied, nil
}

func (r *Reconciler) tokenFor(ctx context.Context, p *domain.Payment) (string, error) {
	if p.Kind == domain.PaymentKindSubscription {
		if r.platformToken == "" {
			return "", errors.New("no platform access token for subscription payment")
		}
		return r.platformToken, nil
	}

	in, err := r.store.GetIntegration(ctx, p.TenantID)
	if err != nil {
		return "", fmt.Errorf("loading integration for tenant %s: %w", p.TenantID, err)
	}
	return in.AccessToken, nil
}

func (r *Reconciler) diff(runID string, stored *domain.Payment, rec *provider.PaymentRecord, observed domain.Payment) []*domain.Discrepancy {
	now := r.now()
	newDiscrepancy := func(field, storedValue, providerValue string) *domain.Discrepancy {
		return &domain.Discrepancy{
			ID:            ulid.Make().String(),
			RunID:         runID,
			TenantID:      stored.TenantID,
			EntityType:    string(stored.Kind) + "_payment",
			EntityID:      stored.ProviderPaymentID,
			Field:         field,
			StoredValue:   storedValue,
			ProviderValue: providerValue,
			Description:   fmt.Sprintf("%s stored as %q, provider reports %q", field, storedValue, providerValue),
			DetectedAt:    now,
		}
	}

	var ds []*domain.Discrepancy
	if want := domain.MapProviderStatus(rec.Status); want != stored.Status {
		ds = append(ds, newDiscrepancy("status", string(stored.Status), string(want)))
	}
	if !observed.Amount.Equal(stored.Amount) {
		ds = append(ds, newDiscrepancy("amount", stored.Amount.String(), observed.Amount.String()))
	}
	return ds
}
