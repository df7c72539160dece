// Package notify delivers notifications through the templating service with
// channel fallback. Rendering is the templating service's job; this package
// only chooses channels and records every attempt.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"payrecon/internal/payments/domain"
)

// Channel is a delivery channel
type Channel string

const (
	ChannelMessaging Channel = "messaging"
	ChannelEmail     Channel = "email"
)

// Attempt roles
const (
	RolePrimary  = "primary"
	RoleFallback = "fallback"
)

// Attempt statuses
const (
	StatusSent   = "sent"
	StatusFailed = "failed"
)

// ErrNoRecipient is returned when an event has neither phone nor email
var ErrNoRecipient = errors.New("recipient has no phone or email")

// Recipient is who a notification is for
type Recipient struct {
	Name  string `json:"name,omitempty"`
	Email string `json:"email,omitempty"`
	Phone string `json:"phone,omitempty"`
}

// Event is what the engine asks the templating service to deliver
type Event struct {
	TenantID  string         `json:"tenant_id"`
	Type      string         `json:"type"`
	Recipient Recipient      `json:"recipient"`
	Context   map[string]any `json:"context,omitempty"`
}

// Result summarises a Notify call
type Result struct {
	Delivered bool
	Channel   Channel
	Attempts  []domain.NotificationAttempt
}

// Transport delivers one event on one channel
type Transport interface {
	Send(ctx context.Context, channel Channel, event Event) error
}

// AttemptStore persists attempts
type AttemptStore interface {
	InsertNotificationAttempt(ctx context.Context, a *domain.NotificationAttempt) error
}

// Dispatcher picks channels and records attempts
type Dispatcher struct {
	transport Transport
	attempts  AttemptStore
	logger    *slog.Logger
	now       func() time.Time
}

// NewDispatcher creates a new dispatcher
func NewDispatcher(transport Transport, attempts AttemptStore, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		transport: transport,
		attempts:  attempts,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Notify sends on the primary channel (messaging when a phone is known,
// email otherwise) and falls back to email when the primary fails and an
// address is available. Every attempt is persisted.
func (d *Dispatcher) Notify(ctx context.Context, ev Event) (Result, error) {
	var res Result

	primary, address := primaryChannel(ev.Recipient)
	if primary == "" {
		return res, ErrNoRecipient
	}

	parent, err := d.attempt(ctx, ev, primary, RolePrimary, address, "")
	res.Attempts = append(res.Attempts, parent)
	if err == nil {
		res.Delivered, res.Channel = true, primary
		return res, nil
	}

	if primary == ChannelEmail || strings.TrimSpace(ev.Recipient.Email) == "" {
		return res, fmt.Errorf("%s delivery failed: %w", primary, err)
	}

	d.logger.Warn("primary notification channel failed, falling back to email",
		"tenant_id", ev.TenantID,
		"type", ev.Type,
		"channel", primary,
		"error", err,
	)

	fallback, ferr := d.attempt(ctx, ev, ChannelEmail, RoleFallback, ev.Recipient.Email, parent.ID)
	res.Attempts = append(res.Attempts, fallback)
	if ferr != nil {
		return res, fmt.Errorf("%s and email delivery failed: %w", primary, errors.Join(err, ferr))
	}

	res.Delivered, res.Channel = true, ChannelEmail
	return res, nil
}

func (d *Dispatcher) attempt(ctx context.Context, ev Event, ch Channel, role, address, parentID string) (domain.NotificationAttempt, error) {
	sendErr := d.transport.Send(ctx, ch, ev)

	a := domain.NotificationAttempt{
		ID:              ulid.Make().String(),
		TenantID:        ev.TenantID,
		EventType:       ev.Type,
		Channel:         string(ch),
		Role:            role,
		Recipient:       address,
		Status:          StatusSent,
		ParentAttemptID: parentID,
		CreatedAt:       d.now(),
	}
	if sendErr != nil {
		a.Status = StatusFailed
		a.Error = sendErr.Error()
	}

	if err := d.attempts.InsertNotificationAttempt(ctx, &a); err != nil {
		d.logger.Error("failed to persist notification attempt",
			"attempt_id", a.ID,
			"channel", ch,
			"error", err,
		)
	}

	return a, sendErr
}

func primaryChannel(r Recipient) (Channel, string) {
	switch {
	case strings.TrimSpace(r.Phone) != "":
		return ChannelMessaging, r.Phone
	case strings.TrimSpace(r.Email) != "":
		return ChannelEmail, r.Email
	default:
		return "", ""
	}
}

// Requester is a request/reply transport such as the NATS client
type Requester interface {
	Request(ctx context.Context, subject string, payload []byte, timeout time.Duration) ([]byte, error)
}

// NATSTransport sends events to the templating service on notify.<channel>
type NATSTransport struct {
	requester Requester
	timeout   time.Duration
}

// NewNATSTransport creates a request/reply transport
func NewNATSTransport(requester Requester, timeout time.Duration) *NATSTransport {
	return &NATSTransport{requester: requester, timeout: timeout}
}

type sendReply struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// Send delivers ev and interprets the templating service's reply
func (t *NATSTransport) Send(ctx context.Context, channel Channel, ev Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshaling notification: %w", err)
	}

	data, err := t.requester.Request(ctx, "notify."+string(channel), payload, t.timeout)
	if err != nil {
		return err
	}

	var reply sendReply
	if err := json.Unmarshal(data, &reply); err != nil {
		return fmt.Errorf("decoding notification reply: %w", err)
	}
	if !reply.OK {
		return fmt.Errorf("templating service rejected notification: %s", reply.Error)
	}
	return nil
}
