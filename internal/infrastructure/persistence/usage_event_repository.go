package persistence

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/metering/backend/internal/domain/metering"
	"github.com/metering/backend/internal/domain/shared"
)

// UsageEventModel is the GORM model for usage events
type UsageEventModel struct {
	ID         uuid.UUID `gorm:"type:uuid;primaryKey"`
	UserID     uuid.UUID `gorm:"type:uuid;not null;index:idx_usage_events_user"`
	Service    string    `gorm:"type:varchar(100);not null"`
	Metric     string    `gorm:"type:varchar(100);not null"`
	PeriodKey  string    `gorm:"type:varchar(20);not null"`
	Amount     int64     `gorm:"not null"`
	Allowed    bool      `gorm:"not null"`
	Value      int64     `gorm:"not null"`
	RecordedAt time.Time `gorm:"not null;index:idx_usage_events_recorded_at"`
	CreatedAt  time.Time `gorm:"autoCreateTime"`
}

// TableName returns the table name for the model
func (UsageEventModel) TableName() string {
	return "usage_events"
}

// ToEntity converts the model to a domain entity
func (m *UsageEventModel) ToEntity() *metering.UsageEvent {
	return &metering.UsageEvent{
		BaseEntity: shared.BaseEntity{
			ID:        m.ID,
			CreatedAt: m.CreatedAt,
			UpdatedAt: m.CreatedAt,
		},
		UserID:     m.UserID,
		Service:    metering.Service(m.Service),
		Metric:     metering.MetricName(m.Metric),
		PeriodKey:  m.PeriodKey,
		Amount:     m.Amount,
		Allowed:    m.Allowed,
		Value:      m.Value,
		RecordedAt: m.RecordedAt,
	}
}

// UsageEventRepository implements metering.AuditLog on the database. Events
// are append-only; nothing ever updates a row.
type UsageEventRepository struct {
	db *gorm.DB
}

// NewUsageEventRepository creates a new usage event repository
func NewUsageEventRepository(db *gorm.DB) *UsageEventRepository {
	return &UsageEventRepository{db: db}
}

// Record appends a usage event
func (r *UsageEventRepository) Record(ctx context.Context, event *metering.UsageEvent) error {
	model := &UsageEventModel{
		ID:         event.ID,
		UserID:     event.UserID,
		Service:    event.Service.String(),
		Metric:     event.Metric.String(),
		PeriodKey:  event.PeriodKey,
		Amount:     event.Amount,
		Allowed:    event.Allowed,
		Value:      event.Value,
		RecordedAt: event.RecordedAt,
		CreatedAt:  event.CreatedAt,
	}
	return r.db.WithContext(ctx).Create(model).Error
}

// FindByUser retrieves a user's events for a service, newest first
func (r *UsageEventRepository) FindByUser(ctx context.Context, userID uuid.UUID, service metering.Service, limit int) ([]*metering.UsageEvent, error) {
	if limit <= 0 {
		limit = 100
	}

	var models []UsageEventModel
	err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Where("service = ?", service.String()).
		Order("recorded_at DESC").
		Limit(limit).
		Find(&models).Error
	if err != nil {
		return nil, err
	}

	events := make([]*metering.UsageEvent, len(models))
	for i, model := range models {
		events[i] = model.ToEntity()
	}
	return events, nil
}

// DeleteOlderThan removes events recorded before the cutoff and returns the
// number of rows deleted
func (r *UsageEventRepository) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	result := r.db.WithContext(ctx).
		Where("recorded_at < ?", cutoff).
		Delete(&UsageEventModel{})
	return result.RowsAffected, result.Error
}

// Ensure UsageEventRepository implements the interface
var _ metering.AuditLog = (*UsageEventRepository)(nil)
