// Package dispatch turns committed state transitions into published events
// and tenant notifications. Nothing here can fail the transition that
// triggered it.
package dispatch

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"payrecon/internal/common/events"
	"payrecon/internal/common/middleware"
	"payrecon/internal/notify"
	"payrecon/internal/payments/domain"
)

// Config holds side-effect dispatch configuration
type Config struct {
	AdminEmail string        `envconfig:"NOTIFY_ADMIN_EMAIL" validate:"omitempty,email"`
	Timeout    time.Duration `envconfig:"DISPATCH_TIMEOUT" default:"30s" validate:"gt=0"`
}

// Notification types understood by the templating service
const (
	NotifyLinkPaid             = "link_paid"
	NotifyCancelledLinkPayment = "cancelled_link_payment"
	NotifySubscriptionUpdated  = "subscription_updated"
)

// Notifier delivers one notification with channel fallback
type Notifier interface {
	Notify(ctx context.Context, ev notify.Event) (notify.Result, error)
}

// ContactStore looks up who to notify for a tenant
type ContactStore interface {
	GetIntegration(ctx context.Context, tenantID string) (*domain.Integration, error)
}

// Dispatcher implements the state machine's side effects asynchronously
type Dispatcher struct {
	publisher events.Publisher
	notifier  Notifier
	contacts  ContactStore
	cfg       Config
	logger    *slog.Logger
	wg        sync.WaitGroup
}

// New creates a new side-effect dispatcher
func New(publisher events.Publisher, notifier Notifier, contacts ContactStore, cfg Config, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		publisher: publisher,
		notifier:  notifier,
		contacts:  contacts,
		cfg:       cfg,
		logger:    logger,
	}
}

// Wait blocks until every in-flight side effect has finished
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// run executes fn detached from the caller's cancellation but bounded by the
// dispatch timeout.
func (d *Dispatcher) run(ctx context.Context, name string, fn func(ctx context.Context)) {
	ctx = context.WithoutCancel(ctx)
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				d.logger.Error("side effect panicked", "effect", name, "panic", r)
			}
		}()

		ctx, cancel := context.WithTimeout(ctx, d.cfg.Timeout)
		defer cancel()
		fn(ctx)
	}()
}

func (d *Dispatcher) publish(ctx context.Context, eventType, tenantID, aggregateType, aggregateID string, data any) {
	event, err := events.NewEvent(eventType, tenantID, aggregateType, aggregateID, data)
	if err != nil {
		d.logger.Error("failed to build event", "type", eventType, "error", err)
		return
	}
	event.WithCorrelation(middleware.GetCorrelationID(ctx))

	if err := d.publisher.Publish(ctx, event); err != nil {
		d.logger.Error("failed to publish event",
			"type", eventType,
			"event_id", event.ID,
			"tenant_id", tenantID,
			"aggregate_id", aggregateID,
			"error", err,
		)
	}
}

func (d *Dispatcher) notifyTenant(ctx context.Context, tenantID, notificationType string, data map[string]any) {
	integration, err := d.contacts.GetIntegration(ctx, tenantID)
	if err != nil {
		d.logger.Warn("no contact for tenant notification",
			"tenant_id", tenantID,
			"type", notificationType,
			"error", err,
		)
		return
	}

	d.deliver(ctx, notify.Event{
		TenantID:  tenantID,
		Type:      notificationType,
		Recipient: notify.Recipient{Email: integration.ContactEmail, Phone: integration.ContactPhone},
		Context:   data,
	})
}

func (d *Dispatcher) deliver(ctx context.Context, ev notify.Event) {
	res, err := d.notifier.Notify(ctx, ev)
	if err != nil {
		d.logger.Error("notification not delivered",
			"tenant_id", ev.TenantID,
			"type", ev.Type,
			"attempts", len(res.Attempts),
			"error", err,
		)
		return
	}
	d.logger.Debug("notification delivered",
		"tenant_id", ev.TenantID,
		"type", ev.Type,
		"channel", res.Channel,
	)
}

// LinkPaymentApproved publishes the approval and, once the link is paid,
// notifies the owner.
func (d *Dispatcher) LinkPaymentApproved(ctx context.Context, p *domain.Payment, l *domain.PaymentLink) {
	payment, link := *p, *l
	d.run(ctx, "link_payment_approved", func(ctx context.Context) {
		d.publish(ctx, events.EventPaymentApproved, payment.TenantID, "payment", payment.ID, events.PaymentApprovedData{
			PaymentID:         payment.ID,
			ProviderPaymentID: payment.ProviderPaymentID,
			Kind:              string(payment.Kind),
			LinkID:            link.ID.String(),
			AmountMinor:       payment.Amount.AmountMinor,
			Currency:          string(payment.Amount.Currency),
			PayerEmail:        payment.Payer.Email,
		})

		if link.Status != domain.LinkStatusPaid || link.PaidAt == nil {
			return
		}

		d.publish(ctx, events.EventLinkPaid, link.TenantID, "payment_link", link.ID.String(), events.LinkPaidData{
			LinkID:            link.ID.String(),
			ProviderPaymentID: payment.ProviderPaymentID,
			UsesCount:         link.UsesCount,
			PaidAt:            *link.PaidAt,
		})

		d.notifyTenant(ctx, link.TenantID, NotifyLinkPaid, map[string]any{
			"link_id":     link.ID.String(),
			"link_title":  link.Title,
			"amount":      payment.Amount.String(),
			"payer_name":  payment.Payer.Name(),
			"payer_email": payment.Payer.Email,
		})
	})
}

// InvoiceRequested hands the payment to invoice generation
func (d *Dispatcher) InvoiceRequested(ctx context.Context, p *domain.Payment, l *domain.PaymentLink) {
	payment, link := *p, *l
	d.run(ctx, "invoice_requested", func(ctx context.Context) {
		d.publish(ctx, events.EventInvoiceRequested, payment.TenantID, "payment", payment.ID, events.InvoiceRequestedData{
			PaymentID:         payment.ID,
			ProviderPaymentID: payment.ProviderPaymentID,
			LinkID:            link.ID.String(),
			AmountMinor:       payment.Amount.AmountMinor,
			Currency:          string(payment.Amount.Currency),
			PayerEmail:        payment.Payer.Email,
			PayerName:         payment.Payer.Name(),
			Concept:           link.Title,
		})
	})
}

// CancelledLinkPayment publishes the alert and notifies the owner and, when
// configured, the platform admin.
func (d *Dispatcher) CancelledLinkPayment(ctx context.Context, a *domain.CancelledLinkAlert, p *domain.Payment) {
	alert, payment := *a, *p
	d.run(ctx, "cancelled_link_payment", func(ctx context.Context) {
		d.publish(ctx, events.EventCancelledLinkPayment, alert.TenantID, "payment_link", alert.LinkID.String(), events.CancelledLinkPaymentData{
			AlertID:            alert.ID,
			LinkID:             alert.LinkID.String(),
			ProviderPaymentID:  alert.ProviderPaymentID,
			AmountMinor:        alert.Amount.AmountMinor,
			Currency:           string(alert.Amount.Currency),
			PayerEmail:         alert.PayerEmail,
			CancelledAt:        alert.CancelledAt,
			CancelledBy:        alert.CancelledBy,
			CancellationReason: alert.CancellationReason,
		})

		data := map[string]any{
			"alert_id":            alert.ID,
			"link_id":             alert.LinkID.String(),
			"link_title":          alert.LinkTitle,
			"amount":              alert.Amount.String(),
			"payer_name":          payment.Payer.Name(),
			"payer_email":         alert.PayerEmail,
			"cancellation_reason": alert.CancellationReason,
		}

		d.notifyTenant(ctx, alert.TenantID, NotifyCancelledLinkPayment, data)

		if d.cfg.AdminEmail != "" {
			d.deliver(ctx, notify.Event{
				TenantID:  alert.TenantID,
				Type:      NotifyCancelledLinkPayment,
				Recipient: notify.Recipient{Name: "admin", Email: d.cfg.AdminEmail},
				Context:   data,
			})
		}
	})
}

// SubscriptionUpdated publishes the subscription transition and notifies the
// tenant when it fell past due.
func (d *Dispatcher) SubscriptionUpdated(ctx context.Context, s *domain.Subscription, p *domain.Payment, previous domain.SubscriptionStatus) {
	sub, payment := *s, *p
	d.run(ctx, "subscription_updated", func(ctx context.Context) {
		d.publish(ctx, events.EventSubscriptionUpdated, sub.TenantID, "subscription", sub.ID.String(), events.SubscriptionUpdatedData{
			SubscriptionID:    sub.ID.String(),
			PreviousStatus:    string(previous),
			Status:            string(sub.Status),
			ProviderPaymentID: payment.ProviderPaymentID,
		})

		if sub.Status != domain.SubscriptionStatusPastDue {
			return
		}
		d.notifyTenant(ctx, sub.TenantID, NotifySubscriptionUpdated, map[string]any{
			"subscription_id": sub.ID.String(),
			"plan":            sub.Plan,
			"status":          string(sub.Status),
			"amount":          payment.Amount.String(),
		})
	})
}
