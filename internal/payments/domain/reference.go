package domain

import (
	"errors"
	"strings"

	"github.com/google/uuid"
)

// LegacySubscriptionPrefix marks the deprecated subscription reference
// format "kita_subscription_<tenant_id>".
const LegacySubscriptionPrefix = "kita_subscription_"

// ErrUnrecognizedReference is returned for references in no known format
var ErrUnrecognizedReference = errors.New("unrecognized external reference")

// ExternalReference is the value the provider echoes back for a payment.
// It is either a UUIDRef or a LegacyRef.
type ExternalReference interface {
	String() string
	externalReference()
}

// UUIDRef points at a payment link or subscription by id
type UUIDRef struct {
	ID uuid.UUID
}

func (r UUIDRef) String() string     { return r.ID.String() }
func (r UUIDRef) externalReference() {}

// LegacyRef identifies a tenant's subscription by tenant id
type LegacyRef struct {
	TenantID string
}

func (r LegacyRef) String() string     { return LegacySubscriptionPrefix + r.TenantID }
func (r LegacyRef) externalReference() {}

// ParseExternalReference is the only place reference strings are interpreted.
func ParseExternalReference(s string) (ExternalReference, error) {
	s = strings.TrimSpace(s)

	if tenantID, ok := strings.CutPrefix(s, LegacySubscriptionPrefix); ok {
		if tenantID == "" {
			return nil, ErrUnrecognizedReference
		}
		return LegacyRef{TenantID: tenantID}, nil
	}

	id, err := uuid.Parse(s)
	if err != nil {
		return nil, ErrUnrecognizedReference
	}
	return UUIDRef{ID: id}, nil
}
