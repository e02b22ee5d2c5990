package metering

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/metering/backend/internal/domain/metering"
	"github.com/metering/backend/internal/domain/shared"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type memCounterStorage struct {
	mu       sync.Mutex
	counters map[string]int64
	failWith error
}

func newMemCounterStorage() *memCounterStorage {
	return &memCounterStorage{counters: make(map[string]int64)}
}

func (s *memCounterStorage) BoundedIncrement(_ context.Context, key metering.CounterKey, amount int64, cap metering.Limit) (int64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWith != nil {
		return 0, false, s.failWith
	}
	current := s.counters[key.String()]
	if !cap.Allows(current, amount) {
		return current, true, nil
	}
	current += amount
	s.counters[key.String()] = current
	return current, false, nil
}

func (s *memCounterStorage) Value(_ context.Context, key metering.CounterKey) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWith != nil {
		return 0, s.failWith
	}
	return s.counters[key.String()], nil
}

type stubSubscriptions struct {
	tier string
	err  error
}

func (s *stubSubscriptions) ActiveTier(context.Context, uuid.UUID, metering.Service) (string, error) {
	if s.err != nil {
		return "", s.err
	}
	return s.tier, nil
}

type captureAudit struct {
	mu     sync.Mutex
	events []*metering.UsageEvent
	err    error
	done   chan struct{}
}

func newCaptureAudit(expected int) *captureAudit {
	a := &captureAudit{done: make(chan struct{}, expected)}
	return a
}

func (a *captureAudit) Record(_ context.Context, event *metering.UsageEvent) error {
	a.mu.Lock()
	a.events = append(a.events, event)
	a.mu.Unlock()
	a.done <- struct{}{}
	return a.err
}

func (a *captureAudit) wait(t *testing.T, n int) []*metering.UsageEvent {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-a.done:
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for audit events")
		}
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]*metering.UsageEvent, len(a.events))
	copy(out, a.events)
	return out
}

func testCatalog(t *testing.T) *metering.TierCatalog {
	t.Helper()
	catalog, err := metering.NewTierCatalog(metering.CatalogDefinition{
		Services: []metering.ServiceDefinition{
			{
				Name:        "cash-flow",
				DefaultTier: "free",
				Metrics: []metering.MetricDefinition{
					{Name: "transactions", Cadence: "MONTHLY"},
					{Name: "report-exports", Cadence: "DAILY"},
					{Name: "ledger-archives", Cadence: "NEVER"},
				},
				Tiers: []metering.TierDefinition{
					{Name: "free", Limits: map[string]int64{"transactions": 100, "report-exports": 3, "ledger-archives": 1}},
					{Name: "pro", Limits: map[string]int64{"transactions": 10000, "report-exports": 50, "ledger-archives": 25}},
					{Name: "enterprise", Limits: map[string]int64{"transactions": -1, "report-exports": -1, "ledger-archives": -1}},
				},
			},
		},
	})
	require.NoError(t, err)
	return catalog
}

func testEngine(t *testing.T, storage metering.CounterStorage, subs metering.SubscriptionLookup, audit metering.AuditLog, clock shared.Clock) *QuotaEngine {
	t.Helper()
	return NewQuotaEngine(testCatalog(t), subs, metering.NewLedger(storage), audit, clock, zap.NewNop())
}

func TestQuotaEngine_Consume(t *testing.T) {
	ctx := context.Background()
	userID := uuid.New()
	now := time.Date(2025, 1, 15, 10, 0, 0, 0, time.UTC)

	t.Run("allows consumption under the limit", func(t *testing.T) {
		engine := testEngine(t, newMemCounterStorage(), &stubSubscriptions{tier: "free"}, nil, shared.FixedClock(now))

		usage, err := engine.Consume(ctx, userID, "cash-flow", "transactions", 1)
		require.NoError(t, err)
		assert.True(t, usage.Allowed)
		assert.Equal(t, int64(1), usage.Current)
		assert.Equal(t, int64(99), usage.Remaining.Value())
		assert.Equal(t, metering.CadenceMonthly, usage.Cadence)
		require.NotNil(t, usage.ResetsAt)
		assert.Equal(t, time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC), *usage.ResetsAt)
	})

	t.Run("allows the increment that lands exactly on the limit", func(t *testing.T) {
		storage := newMemCounterStorage()
		engine := testEngine(t, storage, &stubSubscriptions{tier: "free"}, nil, shared.FixedClock(now))

		for i := 0; i < 99; i++ {
			_, err := engine.Consume(ctx, userID, "cash-flow", "transactions", 1)
			require.NoError(t, err)
		}

		usage, err := engine.Consume(ctx, userID, "cash-flow", "transactions", 1)
		require.NoError(t, err)
		assert.True(t, usage.Allowed)
		assert.Equal(t, int64(100), usage.Current)
		assert.Equal(t, int64(0), usage.Remaining.Value())
		assert.Equal(t, 100.0, usage.PercentUsed)
	})

	t.Run("denies past the limit without changing the counter", func(t *testing.T) {
		storage := newMemCounterStorage()
		engine := testEngine(t, storage, &stubSubscriptions{tier: "free"}, nil, shared.FixedClock(now))

		for i := 0; i < 100; i++ {
			_, err := engine.Consume(ctx, userID, "cash-flow", "transactions", 1)
			require.NoError(t, err)
		}

		usage, err := engine.Consume(ctx, userID, "cash-flow", "transactions", 1)
		require.NoError(t, err)
		assert.False(t, usage.Allowed)
		assert.Equal(t, int64(100), usage.Current)
		assert.Equal(t, int64(0), usage.Remaining.Value())

		again, err := engine.Consume(ctx, userID, "cash-flow", "transactions", 1)
		require.NoError(t, err)
		assert.False(t, again.Allowed)
		assert.Equal(t, int64(100), again.Current)
	})

	t.Run("denies an oversized amount near the boundary but admits a smaller one", func(t *testing.T) {
		engine := testEngine(t, newMemCounterStorage(), &stubSubscriptions{tier: "free"}, nil, shared.FixedClock(now))

		_, err := engine.Consume(ctx, userID, "cash-flow", "report-exports", 2)
		require.NoError(t, err)

		denied, err := engine.Consume(ctx, userID, "cash-flow", "report-exports", 2)
		require.NoError(t, err)
		assert.False(t, denied.Allowed)
		assert.Equal(t, int64(2), denied.Current)

		allowed, err := engine.Consume(ctx, userID, "cash-flow", "report-exports", 1)
		require.NoError(t, err)
		assert.True(t, allowed.Allowed)
		assert.Equal(t, int64(3), allowed.Current)
	})

	t.Run("unlimited tier is never denied", func(t *testing.T) {
		engine := testEngine(t, newMemCounterStorage(), &stubSubscriptions{tier: "enterprise"}, nil, shared.FixedClock(now))

		for i := 0; i < 500; i++ {
			usage, err := engine.Consume(ctx, userID, "cash-flow", "transactions", 25)
			require.NoError(t, err)
			require.True(t, usage.Allowed)
			assert.Equal(t, int64(25*(i+1)), usage.Current)
		}
	})

	t.Run("daily counter starts fresh after midnight UTC", func(t *testing.T) {
		storage := newMemCounterStorage()
		day1 := time.Date(2025, 1, 15, 23, 59, 0, 0, time.UTC)
		engine := testEngine(t, storage, &stubSubscriptions{tier: "free"}, nil, shared.FixedClock(day1))

		for i := 0; i < 3; i++ {
			_, err := engine.Consume(ctx, userID, "cash-flow", "report-exports", 1)
			require.NoError(t, err)
		}
		denied, err := engine.Consume(ctx, userID, "cash-flow", "report-exports", 1)
		require.NoError(t, err)
		assert.False(t, denied.Allowed)

		day2 := time.Date(2025, 1, 16, 0, 1, 0, 0, time.UTC)
		engine = testEngine(t, storage, &stubSubscriptions{tier: "free"}, nil, shared.FixedClock(day2))

		usage, err := engine.Consume(ctx, userID, "cash-flow", "report-exports", 1)
		require.NoError(t, err)
		assert.True(t, usage.Allowed)
		assert.Equal(t, int64(1), usage.Current)
	})

	t.Run("monthly counter starts fresh in the next month", func(t *testing.T) {
		storage := newMemCounterStorage()
		jan := time.Date(2025, 1, 31, 22, 0, 0, 0, time.UTC)
		engine := testEngine(t, storage, &stubSubscriptions{tier: "free"}, nil, shared.FixedClock(jan))

		_, err := engine.Consume(ctx, userID, "cash-flow", "transactions", 100)
		require.NoError(t, err)
		denied, err := engine.Consume(ctx, userID, "cash-flow", "transactions", 1)
		require.NoError(t, err)
		assert.False(t, denied.Allowed)

		feb := time.Date(2025, 2, 1, 2, 0, 0, 0, time.UTC)
		engine = testEngine(t, storage, &stubSubscriptions{tier: "free"}, nil, shared.FixedClock(feb))

		usage, err := engine.Consume(ctx, userID, "cash-flow", "transactions", 1)
		require.NoError(t, err)
		assert.True(t, usage.Allowed)
		assert.Equal(t, int64(1), usage.Current)
	})

	t.Run("lifetime counter never resets", func(t *testing.T) {
		storage := newMemCounterStorage()
		engine := testEngine(t, storage, &stubSubscriptions{tier: "free"}, nil, shared.FixedClock(now))

		usage, err := engine.Consume(ctx, userID, "cash-flow", "ledger-archives", 1)
		require.NoError(t, err)
		assert.True(t, usage.Allowed)
		assert.Nil(t, usage.ResetsAt)

		nextYear := now.AddDate(1, 0, 0)
		engine = testEngine(t, storage, &stubSubscriptions{tier: "free"}, nil, shared.FixedClock(nextYear))

		denied, err := engine.Consume(ctx, userID, "cash-flow", "ledger-archives", 1)
		require.NoError(t, err)
		assert.False(t, denied.Allowed)
		assert.Equal(t, int64(1), denied.Current)
	})

	t.Run("falls back to the default tier without a subscription", func(t *testing.T) {
		engine := testEngine(t, newMemCounterStorage(), &stubSubscriptions{err: shared.ErrNotFound}, nil, shared.FixedClock(now))

		usage, err := engine.Consume(ctx, userID, "cash-flow", "transactions", 1)
		require.NoError(t, err)
		assert.True(t, usage.Allowed)
		assert.Equal(t, int64(100), usage.Limit.Value())
	})

	t.Run("rejects invalid arguments", func(t *testing.T) {
		engine := testEngine(t, newMemCounterStorage(), &stubSubscriptions{tier: "free"}, nil, shared.FixedClock(now))

		_, err := engine.Consume(ctx, uuid.Nil, "cash-flow", "transactions", 1)
		assert.True(t, metering.IsInvalidArgument(err))

		_, err = engine.Consume(ctx, userID, "cash-flow", "transactions", 0)
		assert.True(t, metering.IsInvalidArgument(err))

		_, err = engine.Consume(ctx, userID, "cash-flow", "transactions", -5)
		assert.True(t, metering.IsInvalidArgument(err))
	})

	t.Run("unknown service or metric is a configuration error", func(t *testing.T) {
		engine := testEngine(t, newMemCounterStorage(), &stubSubscriptions{tier: "free"}, nil, shared.FixedClock(now))

		_, err := engine.Consume(ctx, userID, "no-such-service", "transactions", 1)
		assert.True(t, metering.IsConfigurationError(err))

		_, err = engine.Consume(ctx, userID, "cash-flow", "no-such-metric", 1)
		assert.True(t, metering.IsConfigurationError(err))
	})

	t.Run("storage failure is an error, not a silent allow", func(t *testing.T) {
		storage := newMemCounterStorage()
		storage.failWith = errors.New("connection refused")
		engine := testEngine(t, storage, &stubSubscriptions{tier: "free"}, nil, shared.FixedClock(now))

		usage, err := engine.Consume(ctx, userID, "cash-flow", "transactions", 1)
		require.Error(t, err)
		assert.Nil(t, usage)
		assert.True(t, metering.IsStorageUnavailable(err))
	})

	t.Run("subscription store failure is an error, not a tier fallback", func(t *testing.T) {
		subs := &stubSubscriptions{err: errors.New("connection refused")}
		engine := testEngine(t, newMemCounterStorage(), subs, nil, shared.FixedClock(now))

		usage, err := engine.Consume(ctx, userID, "cash-flow", "transactions", 1)
		require.Error(t, err)
		assert.Nil(t, usage)
		assert.True(t, metering.IsStorageUnavailable(err))
	})
}

func TestQuotaEngine_ConsumeConcurrent(t *testing.T) {
	ctx := context.Background()
	userID := uuid.New()
	now := time.Date(2025, 1, 15, 10, 0, 0, 0, time.UTC)

	storage := newMemCounterStorage()
	engine := testEngine(t, storage, &stubSubscriptions{tier: "free"}, nil, shared.FixedClock(now))

	const workers = 150

	var wg sync.WaitGroup
	var allowed, denied int64
	var mu sync.Mutex
	errs := make(chan error, workers)

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			usage, err := engine.Consume(ctx, userID, "cash-flow", "transactions", 1)
			if err != nil {
				errs <- err
				return
			}
			mu.Lock()
			defer mu.Unlock()
			if usage.Allowed {
				allowed++
			} else {
				denied++
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	assert.Equal(t, int64(100), allowed, "exactly the limit admitted, never more")
	assert.Equal(t, int64(50), denied)

	stats, err := engine.Stats(ctx, userID, "cash-flow")
	require.NoError(t, err)
	assert.Equal(t, int64(100), stats["transactions"].Current)
}

func TestQuotaEngine_Audit(t *testing.T) {
	ctx := context.Background()
	userID := uuid.New()
	now := time.Date(2025, 1, 15, 10, 0, 0, 0, time.UTC)

	t.Run("records allowed and denied consumption", func(t *testing.T) {
		audit := newCaptureAudit(3)
		engine := testEngine(t, newMemCounterStorage(), &stubSubscriptions{tier: "free"}, audit, shared.FixedClock(now))

		_, err := engine.Consume(ctx, userID, "cash-flow", "report-exports", 3)
		require.NoError(t, err)
		_, err = engine.Consume(ctx, userID, "cash-flow", "report-exports", 1)
		require.NoError(t, err)

		events := audit.wait(t, 2)
		require.Len(t, events, 2)

		byAllowed := map[bool]*metering.UsageEvent{}
		for _, e := range events {
			byAllowed[e.Allowed] = e
		}
		require.Contains(t, byAllowed, true)
		require.Contains(t, byAllowed, false)
		assert.Equal(t, int64(3), byAllowed[true].Amount)
		assert.Equal(t, int64(3), byAllowed[true].Value)
		assert.Equal(t, int64(1), byAllowed[false].Amount)
		assert.Equal(t, "2025-01-15", byAllowed[true].PeriodKey)
	})

	t.Run("audit failure does not affect the decision", func(t *testing.T) {
		audit := newCaptureAudit(1)
		audit.err = errors.New("sink down")
		engine := testEngine(t, newMemCounterStorage(), &stubSubscriptions{tier: "free"}, audit, shared.FixedClock(now))

		usage, err := engine.Consume(ctx, userID, "cash-flow", "transactions", 1)
		require.NoError(t, err)
		assert.True(t, usage.Allowed)
		audit.wait(t, 1)
	})
}

func TestQuotaEngine_Stats(t *testing.T) {
	ctx := context.Background()
	userID := uuid.New()
	now := time.Date(2025, 1, 15, 10, 0, 0, 0, time.UTC)

	t.Run("reports every metric without consuming", func(t *testing.T) {
		storage := newMemCounterStorage()
		engine := testEngine(t, storage, &stubSubscriptions{tier: "free"}, nil, shared.FixedClock(now))

		for i := 0; i < 40; i++ {
			_, err := engine.Consume(ctx, userID, "cash-flow", "transactions", 1)
			require.NoError(t, err)
		}

		stats, err := engine.Stats(ctx, userID, "cash-flow")
		require.NoError(t, err)
		require.Len(t, stats, 3)

		tx := stats["transactions"]
		assert.True(t, tx.Allowed)
		assert.Equal(t, int64(40), tx.Current)
		assert.Equal(t, int64(100), tx.Limit.Value())
		assert.Equal(t, int64(60), tx.Remaining.Value())
		assert.Equal(t, 40.0, tx.PercentUsed)
		require.NotNil(t, tx.ResetsAt)
		assert.Equal(t, time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC), *tx.ResetsAt)

		exports := stats["report-exports"]
		assert.Equal(t, int64(0), exports.Current)
		assert.Equal(t, metering.CadenceDaily, exports.Cadence)

		archives := stats["ledger-archives"]
		assert.Nil(t, archives.ResetsAt)

		again, err := engine.Stats(ctx, userID, "cash-flow")
		require.NoError(t, err)
		assert.Equal(t, int64(40), again["transactions"].Current, "stats never consume")
	})

	t.Run("exhausted metric reports allowed false", func(t *testing.T) {
		engine := testEngine(t, newMemCounterStorage(), &stubSubscriptions{tier: "free"}, nil, shared.FixedClock(now))

		_, err := engine.Consume(ctx, userID, "cash-flow", "ledger-archives", 1)
		require.NoError(t, err)

		stats, err := engine.Stats(ctx, userID, "cash-flow")
		require.NoError(t, err)
		assert.False(t, stats["ledger-archives"].Allowed)
	})

	t.Run("unlimited metric reports zero percent used", func(t *testing.T) {
		storage := newMemCounterStorage()
		engine := testEngine(t, storage, &stubSubscriptions{tier: "enterprise"}, nil, shared.FixedClock(now))

		_, err := engine.Consume(ctx, userID, "cash-flow", "transactions", 5000)
		require.NoError(t, err)

		stats, err := engine.Stats(ctx, userID, "cash-flow")
		require.NoError(t, err)
		tx := stats["transactions"]
		assert.True(t, tx.Limit.IsUnlimited())
		assert.True(t, tx.Remaining.IsUnlimited())
		assert.Equal(t, 0.0, tx.PercentUsed)
		assert.Equal(t, int64(5000), tx.Current)
	})

	t.Run("fails closed when a counter cannot be read", func(t *testing.T) {
		storage := newMemCounterStorage()
		storage.failWith = errors.New("connection refused")
		engine := testEngine(t, storage, &stubSubscriptions{tier: "free"}, nil, shared.FixedClock(now))

		stats, err := engine.Stats(ctx, userID, "cash-flow")
		require.Error(t, err)
		assert.Nil(t, stats)
		assert.True(t, metering.IsStorageUnavailable(err))
	})

	t.Run("unknown service is a configuration error", func(t *testing.T) {
		engine := testEngine(t, newMemCounterStorage(), &stubSubscriptions{tier: "free"}, nil, shared.FixedClock(now))

		_, err := engine.Stats(ctx, userID, "no-such-service")
		assert.True(t, metering.IsConfigurationError(err))
	})
}
