package metering

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/metering/backend/internal/domain/shared"
)

// PaymentStatus describes where a subscription stands with the external
// billing process
type PaymentStatus string

const (
	// PaymentStatusTrial grants the tier before the first payment
	PaymentStatusTrial PaymentStatus = "TRIAL"

	// PaymentStatusActive is a paid-up subscription
	PaymentStatusActive PaymentStatus = "ACTIVE"

	// PaymentStatusCancelled means the user ended the subscription
	PaymentStatusCancelled PaymentStatus = "CANCELLED"

	// PaymentStatusExpired means the subscription lapsed without renewal
	PaymentStatusExpired PaymentStatus = "EXPIRED"
)

// String returns the string representation of PaymentStatus
func (s PaymentStatus) String() string {
	return string(s)
}

// IsValid returns true if the payment status is valid
func (s PaymentStatus) IsValid() bool {
	switch s {
	case PaymentStatusTrial, PaymentStatusActive, PaymentStatusCancelled, PaymentStatusExpired:
		return true
	}
	return false
}

// Grants reports whether this status entitles the user to the tier
func (s PaymentStatus) Grants() bool {
	return s == PaymentStatusTrial || s == PaymentStatusActive
}

// Subscription assigns a tier to a (user, service) pair. At most one
// subscription is active per pair. A tier change never mutates the row in
// place: the old subscription is superseded and a new one created, so
// history is preserved. All writes are owned by the external billing
// process; the metering engine only reads the active tier.
type Subscription struct {
	shared.BaseEntity
	UserID        uuid.UUID
	Service       Service
	Tier          string
	IsActive      bool
	PaymentStatus PaymentStatus
	StartedAt     time.Time
	ExpiresAt     *time.Time
}

// NewSubscription creates an active subscription starting at startedAt
func NewSubscription(userID uuid.UUID, service Service, tier string, status PaymentStatus, startedAt time.Time) (*Subscription, error) {
	if userID == uuid.Nil {
		return nil, NewInvalidArgumentError("user ID cannot be empty")
	}
	if !service.IsValid() {
		return nil, NewInvalidArgumentError("service cannot be empty")
	}
	if tier == "" {
		return nil, NewInvalidArgumentError("tier cannot be empty")
	}
	if !status.IsValid() {
		return nil, NewInvalidArgumentError("invalid payment status %q", status)
	}

	return &Subscription{
		BaseEntity:    shared.NewBaseEntity(),
		UserID:        userID,
		Service:       service,
		Tier:          tier,
		IsActive:      true,
		PaymentStatus: status,
		StartedAt:     startedAt,
	}, nil
}

// WithExpiry sets an expiry instant
func (s *Subscription) WithExpiry(expiresAt time.Time) *Subscription {
	s.ExpiresAt = &expiresAt
	return s
}

// IsCurrent reports whether the subscription grants its tier at the given
// instant
func (s *Subscription) IsCurrent(now time.Time) bool {
	if !s.IsActive || !s.PaymentStatus.Grants() {
		return false
	}
	if s.StartedAt.After(now) {
		return false
	}
	if s.ExpiresAt != nil && !s.ExpiresAt.After(now) {
		return false
	}
	return true
}

// Supersede deactivates the subscription so a replacement row can carry a
// new tier. The row itself is kept for history.
func (s *Subscription) Supersede(now time.Time) {
	s.IsActive = false
	s.UpdatedAt = now
}

// Cancel marks the subscription cancelled by the user
func (s *Subscription) Cancel(now time.Time) {
	s.IsActive = false
	s.PaymentStatus = PaymentStatusCancelled
	s.UpdatedAt = now
}

// Expire marks the subscription lapsed
func (s *Subscription) Expire(now time.Time) {
	s.IsActive = false
	s.PaymentStatus = PaymentStatusExpired
	s.UpdatedAt = now
}

// SubscriptionLookup resolves the active tier for a user and service.
// Implementations return shared.ErrNotFound when no active subscription
// exists; the engine maps that to the catalog's default tier so metering is
// never blocked by a provisioning gap.
type SubscriptionLookup interface {
	ActiveTier(ctx context.Context, userID uuid.UUID, service Service) (string, error)
}
