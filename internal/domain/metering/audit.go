package metering

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/metering/backend/internal/domain/shared"
)

// UsageEvent is the immutable, append-only record of one consumption
// attempt. Events exist for observability and reconciliation; quota
// correctness never depends on them.
type UsageEvent struct {
	shared.BaseEntity
	UserID     uuid.UUID
	Service    Service
	Metric     MetricName
	PeriodKey  string
	Amount     int64
	Allowed    bool
	Value      int64 // counter value after the attempt
	RecordedAt time.Time
}

// NewUsageEvent creates a usage event for a consumption attempt
func NewUsageEvent(key CounterKey, amount int64, outcome ConsumeOutcome, recordedAt time.Time) *UsageEvent {
	return &UsageEvent{
		BaseEntity: shared.NewBaseEntity(),
		UserID:     key.UserID,
		Service:    key.Service,
		Metric:     key.Metric,
		PeriodKey:  key.PeriodKey,
		Amount:     amount,
		Allowed:    outcome.Allowed,
		Value:      outcome.Value,
		RecordedAt: recordedAt,
	}
}

// AuditLog receives post-hoc consumption events. It is an external
// collaborator: the engine hands events over after the decision is made,
// and a failing audit sink never changes or delays a quota decision.
type AuditLog interface {
	Record(ctx context.Context, event *UsageEvent) error
}
