package persistence

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/metering/backend/internal/domain/metering"
	"github.com/metering/backend/internal/domain/shared"
)

// SubscriptionModel is the GORM model for subscriptions
type SubscriptionModel struct {
	ID            uuid.UUID  `gorm:"type:uuid;primaryKey"`
	UserID        uuid.UUID  `gorm:"type:uuid;not null;index:idx_subscriptions_user_service"`
	Service       string     `gorm:"type:varchar(100);not null;index:idx_subscriptions_user_service"`
	Tier          string     `gorm:"type:varchar(50);not null"`
	IsActive      bool       `gorm:"not null;default:true"`
	PaymentStatus string     `gorm:"type:varchar(20);not null"`
	StartedAt     time.Time  `gorm:"not null"`
	ExpiresAt     *time.Time `gorm:""`
	CreatedAt     time.Time  `gorm:"autoCreateTime"`
	UpdatedAt     time.Time  `gorm:"autoUpdateTime"`
}

// TableName returns the table name for the model
func (SubscriptionModel) TableName() string {
	return "subscriptions"
}

// ToEntity converts the model to a domain entity
func (m *SubscriptionModel) ToEntity() *metering.Subscription {
	return &metering.Subscription{
		BaseEntity: shared.BaseEntity{
			ID:        m.ID,
			CreatedAt: m.CreatedAt,
			UpdatedAt: m.UpdatedAt,
		},
		UserID:        m.UserID,
		Service:       metering.Service(m.Service),
		Tier:          m.Tier,
		IsActive:      m.IsActive,
		PaymentStatus: metering.PaymentStatus(m.PaymentStatus),
		StartedAt:     m.StartedAt,
		ExpiresAt:     m.ExpiresAt,
	}
}

// SubscriptionModelFromEntity creates a model from a domain entity
func SubscriptionModelFromEntity(e *metering.Subscription) *SubscriptionModel {
	return &SubscriptionModel{
		ID:            e.ID,
		UserID:        e.UserID,
		Service:       e.Service.String(),
		Tier:          e.Tier,
		IsActive:      e.IsActive,
		PaymentStatus: e.PaymentStatus.String(),
		StartedAt:     e.StartedAt,
		ExpiresAt:     e.ExpiresAt,
		CreatedAt:     e.CreatedAt,
		UpdatedAt:     e.UpdatedAt,
	}
}

// SubscriptionRepository implements metering.SubscriptionLookup and provides
// the write operations the external billing process uses to manage tiers
type SubscriptionRepository struct {
	db    *gorm.DB
	clock shared.Clock
}

// NewSubscriptionRepository creates a new subscription repository
func NewSubscriptionRepository(db *gorm.DB, clock shared.Clock) *SubscriptionRepository {
	if clock == nil {
		clock = shared.SystemClock()
	}
	return &SubscriptionRepository{db: db, clock: clock}
}

// ActiveTier returns the tier of the user's current subscription for the
// service. Returns shared.ErrNotFound when no current subscription exists.
func (r *SubscriptionRepository) ActiveTier(ctx context.Context, userID uuid.UUID, service metering.Service) (string, error) {
	now := r.clock.Now()

	var model SubscriptionModel
	err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Where("service = ?", service.String()).
		Where("is_active = ?", true).
		Where("payment_status IN ?", []string{
			metering.PaymentStatusTrial.String(),
			metering.PaymentStatusActive.String(),
		}).
		Where("started_at <= ?", now).
		Where("expires_at IS NULL OR expires_at > ?", now).
		Order("started_at DESC").
		First(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", shared.ErrNotFound
		}
		return "", err
	}
	return model.Tier, nil
}

// Save persists a subscription
func (r *SubscriptionRepository) Save(ctx context.Context, sub *metering.Subscription) error {
	model := SubscriptionModelFromEntity(sub)
	return r.db.WithContext(ctx).Create(model).Error
}

// Update updates an existing subscription
func (r *SubscriptionRepository) Update(ctx context.Context, sub *metering.Subscription) error {
	model := SubscriptionModelFromEntity(sub)
	return r.db.WithContext(ctx).Save(model).Error
}

// FindByUser retrieves all subscriptions for a user and service, newest first
func (r *SubscriptionRepository) FindByUser(ctx context.Context, userID uuid.UUID, service metering.Service) ([]*metering.Subscription, error) {
	var models []SubscriptionModel
	err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Where("service = ?", service.String()).
		Order("started_at DESC").
		Find(&models).Error
	if err != nil {
		return nil, err
	}

	subs := make([]*metering.Subscription, len(models))
	for i, model := range models {
		subs[i] = model.ToEntity()
	}
	return subs, nil
}

// Replace supersedes the user's active subscription for the service and
// installs a new one in a single transaction. The superseded row is kept
// for history.
func (r *SubscriptionRepository) Replace(ctx context.Context, replacement *metering.Subscription) error {
	now := r.clock.Now()

	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Model(&SubscriptionModel{}).
			Where("user_id = ?", replacement.UserID).
			Where("service = ?", replacement.Service.String()).
			Where("is_active = ?", true).
			Updates(map[string]any{"is_active": false, "updated_at": now}).Error
		if err != nil {
			return err
		}

		return tx.Create(SubscriptionModelFromEntity(replacement)).Error
	})
}

// Ensure SubscriptionRepository implements the interface
var _ metering.SubscriptionLookup = (*SubscriptionRepository)(nil)
