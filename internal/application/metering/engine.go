package metering

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/metering/backend/internal/domain/metering"
	"github.com/metering/backend/internal/domain/shared"
	"go.uber.org/zap"
)

// MetricUsage is the decision-plus-reporting shape both engine operations
// return for a single metric
type MetricUsage struct {
	Service     metering.Service
	Metric      metering.MetricName
	Allowed     bool
	Current     int64
	Limit       metering.Limit
	Remaining   metering.Limit
	PercentUsed float64
	Cadence     metering.Cadence
	ResetsAt    *time.Time
}

// QuotaEngine answers "is this action still within quota" for metered
// actions. It composes the tier catalog, subscription lookup and usage
// ledger; the only blocking work is the ledger's single atomic storage
// operation. Denial by policy is a result, never an error; failure to
// evaluate quota is an error and callers must treat it as a denial.
type QuotaEngine struct {
	catalog       *metering.TierCatalog
	subscriptions metering.SubscriptionLookup
	ledger        *metering.Ledger
	audit         metering.AuditLog
	clock         shared.Clock
	logger        *zap.Logger

	auditTimeout time.Duration
}

// NewQuotaEngine creates a quota engine. The audit log may be nil when no
// audit collaborator is wired.
func NewQuotaEngine(
	catalog *metering.TierCatalog,
	subscriptions metering.SubscriptionLookup,
	ledger *metering.Ledger,
	audit metering.AuditLog,
	clock shared.Clock,
	logger *zap.Logger,
) *QuotaEngine {
	if clock == nil {
		clock = shared.SystemClock()
	}
	return &QuotaEngine{
		catalog:       catalog,
		subscriptions: subscriptions,
		ledger:        ledger,
		audit:         audit,
		clock:         clock,
		logger:        logger,
		auditTimeout:  5 * time.Second,
	}
}

// Consume atomically checks the metric against the user's tier limit and
// commits the increment when it fits. Allowed=false with a nil error means
// the quota is exhausted for the current period; an error means the quota
// could not be evaluated at all.
func (e *QuotaEngine) Consume(ctx context.Context, userID uuid.UUID, service metering.Service, metric metering.MetricName, amount int64) (*MetricUsage, error) {
	if userID == uuid.Nil {
		return nil, metering.NewInvalidArgumentError("user ID cannot be empty")
	}
	if amount <= 0 {
		return nil, metering.NewInvalidArgumentError("consume amount must be positive, got %d", amount)
	}

	tier, err := e.resolveTier(ctx, userID, service)
	if err != nil {
		return nil, err
	}

	limit, err := e.catalog.Limit(service, tier, metric)
	if err != nil {
		return nil, err
	}
	cadence, err := e.catalog.Cadence(service, metric)
	if err != nil {
		return nil, err
	}

	now := e.clock.Now()
	key := metering.CounterKey{
		UserID:    userID,
		Service:   service,
		Metric:    metric,
		PeriodKey: metering.PeriodKey(cadence, now),
	}

	outcome, err := e.ledger.TryConsume(ctx, key, amount, limit)
	if err != nil {
		e.logger.Error("Failed to evaluate quota",
			zap.String("user_id", userID.String()),
			zap.String("service", service.String()),
			zap.String("metric", metric.String()),
			zap.Error(err))
		return nil, err
	}

	if !outcome.Allowed {
		e.logger.Info("Quota exceeded, denying consumption",
			zap.String("user_id", userID.String()),
			zap.String("service", service.String()),
			zap.String("metric", metric.String()),
			zap.Int64("current", outcome.Value),
			zap.String("limit", limit.String()))
	}

	e.publishAudit(key, amount, outcome, now)

	return e.buildUsage(service, metric, outcome.Allowed, outcome.Value, limit, cadence, now), nil
}

// Stats reports the current usage for every metric the service defines,
// without consuming anything. Repeated calls never change a counter.
func (e *QuotaEngine) Stats(ctx context.Context, userID uuid.UUID, service metering.Service) (map[metering.MetricName]*MetricUsage, error) {
	if userID == uuid.Nil {
		return nil, metering.NewInvalidArgumentError("user ID cannot be empty")
	}

	tier, err := e.resolveTier(ctx, userID, service)
	if err != nil {
		return nil, err
	}

	metrics, err := e.catalog.Metrics(service)
	if err != nil {
		return nil, err
	}
	limits, err := e.catalog.Limits(service, tier)
	if err != nil {
		return nil, err
	}

	now := e.clock.Now()
	stats := make(map[metering.MetricName]*MetricUsage, len(metrics))

	for _, m := range metrics {
		key := metering.CounterKey{
			UserID:    userID,
			Service:   service,
			Metric:    m.Name,
			PeriodKey: metering.PeriodKey(m.Cadence, now),
		}

		current, err := e.ledger.Peek(ctx, key)
		if err != nil {
			return nil, err
		}

		limit := limits[m.Name]
		allowed := limit.Allows(current, 1)
		stats[m.Name] = e.buildUsage(service, m.Name, allowed, current, limit, m.Cadence, now)
	}

	return stats, nil
}

// resolveTier returns the user's active tier, falling back to the
// catalog's default tier when no active subscription exists. Metering must
// never be blocked by a subscription-provisioning gap.
func (e *QuotaEngine) resolveTier(ctx context.Context, userID uuid.UUID, service metering.Service) (string, error) {
	tier, err := e.subscriptions.ActiveTier(ctx, userID, service)
	if err == nil {
		return tier, nil
	}

	if errors.Is(err, shared.ErrNotFound) {
		fallback, derr := e.catalog.DefaultTier(service)
		if derr != nil {
			return "", derr
		}
		e.logger.Debug("No active subscription, using default tier",
			zap.String("user_id", userID.String()),
			zap.String("service", service.String()),
			zap.String("tier", fallback))
		return fallback, nil
	}

	return "", shared.WrapDomainError(
		metering.CodeStorageUnavailable,
		"subscription store unavailable for user="+userID.String()+" service="+service.String(),
		err,
	)
}

func (e *QuotaEngine) buildUsage(service metering.Service, metric metering.MetricName, allowed bool, current int64, limit metering.Limit, cadence metering.Cadence, now time.Time) *MetricUsage {
	return &MetricUsage{
		Service:     service,
		Metric:      metric,
		Allowed:     allowed,
		Current:     current,
		Limit:       limit,
		Remaining:   limit.Remaining(current),
		PercentUsed: limit.PercentUsed(current),
		Cadence:     cadence,
		ResetsAt:    metering.NextReset(cadence, now),
	}
}

// publishAudit hands the consumption event to the audit collaborator
// asynchronously. Audit is post-hoc by contract: a slow or failing sink
// never changes or delays the quota decision.
func (e *QuotaEngine) publishAudit(key metering.CounterKey, amount int64, outcome metering.ConsumeOutcome, now time.Time) {
	if e.audit == nil {
		return
	}

	event := metering.NewUsageEvent(key, amount, outcome, now)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), e.auditTimeout)
		defer cancel()

		if err := e.audit.Record(ctx, event); err != nil {
			e.logger.Warn("Failed to record usage event",
				zap.String("user_id", key.UserID.String()),
				zap.String("service", key.Service.String()),
				zap.String("metric", key.Metric.String()),
				zap.Error(err))
		}
	}()
}
