package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"payrecon/internal/idempotency"
	"payrecon/internal/payments"
	"payrecon/internal/payments/domain"
	"payrecon/internal/payments/resolver"
)

// Disposition is what the router did with a notification
type Disposition string

const (
	DispositionProcessed    Disposition = "processed"
	DispositionAcknowledged Disposition = "acknowledged"
	DispositionIgnored      Disposition = "ignored"
	DispositionUnresolved   Disposition = "unresolved"
	DispositionFailed       Disposition = "failed"
)

// Result is the outcome of routing one notification
type Result struct {
	Disposition Disposition      `json:"status"`
	Outcome     payments.Outcome `json:"outcome,omitempty"`
}

// HandlerFunc processes one notification type
type HandlerFunc func(ctx context.Context, n *Notification) (Result, error)

// Resolver finds the owner of a provider payment
type Resolver interface {
	Resolve(ctx context.Context, providerPaymentID string) (*resolver.Owner, error)
}

// Applier runs the payment state machine
type Applier interface {
	ApplyStatus(ctx context.Context, in domain.Payment, providerStatus string, snapshot json.RawMessage, opts ...payments.ApplyOption) (*payments.ApplyResult, error)
}

// Locker provides mutual exclusion per logical entity
type Locker interface {
	WithLock(ctx context.Context, scope, key string, ttl time.Duration, fn func() error) error
}

// Router dispatches notifications by declared type
type Router struct {
	handlers map[string]HandlerFunc
	resolver Resolver
	applier  Applier
	locker   Locker
	lockTTL  time.Duration
	logger   *slog.Logger
}

// NewRouter creates a router with the payment, merchant_order and refund
// handlers registered.
func NewRouter(res Resolver, applier Applier, locker Locker, lockTTL time.Duration, logger *slog.Logger) *Router {
	r := &Router{
		resolver: res,
		applier:  applier,
		locker:   locker,
		lockTTL:  lockTTL,
		logger:   logger,
	}
	r.handlers = map[string]HandlerFunc{
		TypePayment:       r.handlePayment,
		TypeMerchantOrder: r.acknowledge,
		TypeRefund:        r.acknowledge,
	}
	return r
}

// Route dispatches n. Unknown types are ignored, never errors.
func (r *Router) Route(ctx context.Context, n *Notification) (Result, error) {
	h, ok := r.handlers[n.Type]
	if !ok {
		r.logger.Info("webhook type not handled, ignoring",
			"event_type", n.Type,
			"action", n.Action,
			"resource_id", n.ResourceID(),
		)
		return Result{Disposition: DispositionIgnored}, nil
	}
	return h(ctx, n)
}

// acknowledge handles types that are accepted but not acted on yet.
// Refunds also arrive as payment notifications with status refunded, which
// is where they change state.
func (r *Router) acknowledge(_ context.Context, n *Notification) (Result, error) {
	r.logger.Info("webhook acknowledged without action",
		"event_type", n.Type,
		"action", n.Action,
		"resource_id", n.ResourceID(),
	)
	return Result{Disposition: DispositionAcknowledged}, nil
}

func (r *Router) handlePayment(ctx context.Context, n *Notification) (Result, error) {
	paymentID := n.ResourceID()
	log := r.logger.With("provider_payment_id", paymentID, "action", n.Action)

	var result Result
	err := r.locker.WithLock(ctx, idempotency.ScopePayment, paymentID, r.lockTTL, func() error {
		owner, err := r.resolver.Resolve(ctx, paymentID)
		if errors.Is(err, resolver.ErrUnresolved) {
			log.Warn("payment could not be attributed to any tenant or subscription, ignoring")
			result = Result{Disposition: DispositionUnresolved}
			return nil
		}
		if err != nil {
			return err
		}

		in, err := payments.ObservationFromRecord(owner.Record)
		if err != nil {
			return fmt.Errorf("reading provider record: %w", err)
		}
		in.TenantID = owner.TenantID
		in.Kind = owner.Kind
		in.LinkID = owner.LinkID
		in.SubscriptionID = owner.SubscriptionID

		applied, err := r.applier.ApplyStatus(ctx, in, owner.Record.Status, owner.Record.Raw)
		if err != nil {
			return err
		}

		log.Info("payment notification processed",
			"tenant_id", owner.TenantID,
			"kind", owner.Kind,
			"strategy", owner.Strategy,
			"status", applied.Payment.Status,
			"created", applied.Created,
			"outcome", applied.Outcome,
		)
		result = Result{Disposition: DispositionProcessed, Outcome: applied.Outcome}
		return nil
	})
	if err != nil {
		return Result{}, err
	}
	return result, nil
}
