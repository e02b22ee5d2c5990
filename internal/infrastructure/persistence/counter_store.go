package persistence

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/metering/backend/internal/domain/metering"
)

// UsageCounterModel is the GORM model for usage counters. The four-column
// primary key is the counter identity; a new period key means a new row, so
// counters "reset" without ever being written to.
type UsageCounterModel struct {
	UserID    uuid.UUID `gorm:"type:uuid;primaryKey"`
	Service   string    `gorm:"type:varchar(100);primaryKey"`
	Metric    string    `gorm:"type:varchar(100);primaryKey"`
	PeriodKey string    `gorm:"type:varchar(20);primaryKey"`
	Value     int64     `gorm:"not null;default:0"`
	UpdatedAt time.Time `gorm:"autoUpdateTime"`
}

// TableName returns the table name for the model
func (UsageCounterModel) TableName() string {
	return "usage_counters"
}

// The WHERE clause on DO UPDATE makes check-and-increment a single atomic
// statement: the database either commits the incremented value or touches
// nothing. Zero returned rows means the increment would have crossed the cap.
const boundedIncrementSQL = `
INSERT INTO usage_counters (user_id, service, metric, period_key, value, updated_at)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT (user_id, service, metric, period_key)
DO UPDATE SET value = usage_counters.value + ?, updated_at = ?
WHERE usage_counters.value + ? <= ?
RETURNING value`

const unboundedIncrementSQL = `
INSERT INTO usage_counters (user_id, service, metric, period_key, value, updated_at)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT (user_id, service, metric, period_key)
DO UPDATE SET value = usage_counters.value + ?, updated_at = ?
RETURNING value`

// GormCounterStore implements metering.CounterStorage on a relational
// database. Works on PostgreSQL and on SQLite (used by tests).
type GormCounterStore struct {
	db *gorm.DB
}

// NewGormCounterStore creates a new database-backed counter store
func NewGormCounterStore(db *gorm.DB) *GormCounterStore {
	return &GormCounterStore{db: db}
}

// BoundedIncrement atomically adds amount to the counter unless the result
// would exceed cap. Returns the counter value after the attempt and whether
// the increment was refused.
func (s *GormCounterStore) BoundedIncrement(ctx context.Context, key metering.CounterKey, amount int64, cap metering.Limit) (int64, bool, error) {
	now := time.Now().UTC()

	// An amount larger than the whole cap can never fit, even into a
	// fresh counter. Skip the write and report the untouched value.
	if !cap.IsUnlimited() && amount > cap.Value() {
		current, err := s.Value(ctx, key)
		if err != nil {
			return 0, false, err
		}
		return current, true, nil
	}

	var newValue int64
	var result *gorm.DB
	if cap.IsUnlimited() {
		result = s.db.WithContext(ctx).Raw(unboundedIncrementSQL,
			key.UserID, key.Service.String(), key.Metric.String(), key.PeriodKey,
			amount, now, amount, now,
		).Scan(&newValue)
	} else {
		result = s.db.WithContext(ctx).Raw(boundedIncrementSQL,
			key.UserID, key.Service.String(), key.Metric.String(), key.PeriodKey,
			amount, now, amount, now, amount, cap.Value(),
		).Scan(&newValue)
	}
	if result.Error != nil {
		return 0, false, result.Error
	}

	if result.RowsAffected == 0 {
		current, err := s.Value(ctx, key)
		if err != nil {
			return 0, false, err
		}
		return current, true, nil
	}

	return newValue, false, nil
}

// Value reads the current counter value. A counter that was never written
// reads as zero.
func (s *GormCounterStore) Value(ctx context.Context, key metering.CounterKey) (int64, error) {
	var model UsageCounterModel
	err := s.db.WithContext(ctx).
		Where("user_id = ?", key.UserID).
		Where("service = ?", key.Service.String()).
		Where("metric = ?", key.Metric.String()).
		Where("period_key = ?", key.PeriodKey).
		First(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, nil
		}
		return 0, err
	}
	return model.Value, nil
}

// DeleteStale removes counters from periods that ended before the cutoff.
// Permanent counters are never deleted.
func (s *GormCounterStore) DeleteStale(ctx context.Context, before time.Time) (int64, error) {
	result := s.db.WithContext(ctx).
		Where("period_key <> ?", metering.PermanentPeriodKey).
		Where("updated_at < ?", before).
		Delete(&UsageCounterModel{})
	return result.RowsAffected, result.Error
}

// Ensure GormCounterStore implements the interface
var _ metering.CounterStorage = (*GormCounterStore)(nil)
