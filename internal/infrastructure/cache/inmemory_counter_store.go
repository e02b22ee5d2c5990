package cache

import (
	"context"
	"sync"

	"github.com/metering/backend/internal/domain/metering"
)

// InMemoryCounterStore implements metering.CounterStorage in process memory.
// Counters do not survive a restart, so it is only suitable for development
// and tests.
type InMemoryCounterStore struct {
	mu       sync.Mutex
	counters map[string]int64
}

// NewInMemoryCounterStore creates a new in-memory counter store
func NewInMemoryCounterStore() *InMemoryCounterStore {
	return &InMemoryCounterStore{
		counters: make(map[string]int64),
	}
}

// BoundedIncrement atomically adds amount to the counter unless the result
// would exceed cap
func (s *InMemoryCounterStore) BoundedIncrement(ctx context.Context, key metering.CounterKey, amount int64, cap metering.Limit) (int64, bool, error) {
	if err := ctx.Err(); err != nil {
		return 0, false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	k := key.String()
	current := s.counters[k]
	if !cap.Allows(current, amount) {
		return current, true, nil
	}
	current += amount
	s.counters[k] = current
	return current, false, nil
}

// Value reads the current counter value. A counter that was never written
// reads as zero.
func (s *InMemoryCounterStore) Value(ctx context.Context, key metering.CounterKey) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counters[key.String()], nil
}

// Len returns the number of live counters
func (s *InMemoryCounterStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.counters)
}

// Ensure InMemoryCounterStore implements the interface
var _ metering.CounterStorage = (*InMemoryCounterStore)(nil)
