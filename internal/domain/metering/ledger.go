package metering

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// CounterKey identifies one usage counter. Contention is scoped to a single
// key: two operations on different keys never share a lock, in any storage
// backend.
type CounterKey struct {
	UserID    uuid.UUID
	Service   Service
	Metric    MetricName
	PeriodKey string
}

// String returns the flat form used by key-value counter stores
func (k CounterKey) String() string {
	return fmt.Sprintf("%s:%s:%s:%s", k.UserID, k.Service, k.Metric, k.PeriodKey)
}

// CounterStorage is the single atomic primitive quota correctness rests on.
// Any store offering a row-level conditional update or a compare-and-swap
// qualifies: a relational row lock, a single-owner in-memory map, or a
// distributed key-value store with server-side scripts.
type CounterStorage interface {
	// BoundedIncrement atomically adds amount to the counter unless the
	// result would exceed cap. When capped it leaves the stored value
	// untouched and returns it with capped=true. A key that has never been
	// written counts as zero. The check and the write MUST be one storage
	// operation; a read followed by a write reintroduces the overrun race.
	BoundedIncrement(ctx context.Context, key CounterKey, amount int64, cap Limit) (newValue int64, capped bool, err error)

	// Value returns the latest committed counter value, zero when the key
	// has never been written. Read-committed isolation is sufficient.
	Value(ctx context.Context, key CounterKey) (int64, error)
}

// ConsumeOutcome is the result of one consumption attempt
type ConsumeOutcome struct {
	Allowed bool
	Value   int64 // committed counter value after the attempt; unchanged when denied
}

// Ledger layers consume-and-check semantics over a CounterStorage. It owns
// no state of its own; every decision is delegated to the storage's atomic
// primitive so multiple backend instances sharing a store stay consistent.
type Ledger struct {
	storage   CounterStorage
	opTimeout time.Duration
}

// LedgerOption is a functional option for Ledger configuration
type LedgerOption func(*Ledger)

// WithOperationTimeout bounds every storage call with its own deadline, so
// a hung store connection cannot block a consume indefinitely even when the
// caller supplied no deadline of its own. Zero disables the bound.
func WithOperationTimeout(d time.Duration) LedgerOption {
	return func(l *Ledger) {
		l.opTimeout = d
	}
}

// NewLedger creates a ledger over the given counter storage
func NewLedger(storage CounterStorage, opts ...LedgerOption) *Ledger {
	l := &Ledger{storage: storage}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *Ledger) boundCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if l.opTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, l.opTimeout)
}

// TryConsume performs one atomic bounded increment. An Unlimited limit
// always increments and allows; the counter is still recorded for
// reporting, never compared. Storage failure surfaces as a
// STORAGE_UNAVAILABLE error which callers must treat as a denial; this
// includes a context deadline elapsing mid-operation, where the increment
// may or may not have committed and neither allow nor deny can be assumed.
func (l *Ledger) TryConsume(ctx context.Context, key CounterKey, amount int64, limit Limit) (ConsumeOutcome, error) {
	if amount <= 0 {
		return ConsumeOutcome{}, NewInvalidArgumentError("consume amount must be positive, got %d", amount)
	}

	ctx, cancel := l.boundCtx(ctx)
	defer cancel()

	newValue, capped, err := l.storage.BoundedIncrement(ctx, key, amount, limit)
	if err != nil {
		return ConsumeOutcome{}, NewStorageError(err, key)
	}

	return ConsumeOutcome{Allowed: !capped, Value: newValue}, nil
}

// Peek returns the committed counter value without mutating it
func (l *Ledger) Peek(ctx context.Context, key CounterKey) (int64, error) {
	ctx, cancel := l.boundCtx(ctx)
	defer cancel()

	value, err := l.storage.Value(ctx, key)
	if err != nil {
		return 0, NewStorageError(err, key)
	}
	return value, nil
}
