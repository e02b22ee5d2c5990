package metering

import (
	"math"
	"strconv"
)

// Limit is the cap for one metric within a tier: either a finite
// non-negative count or the explicit Unlimited marker. The zero value is a
// finite limit of zero (fully restricted), which is the deliberate fail-safe
// default for metrics a tier does not mention.
type Limit struct {
	value     int64
	unlimited bool
}

// ZeroLimit is the fully restricted limit
var ZeroLimit = Limit{}

// Unlimited is the explicit no-cap marker. It never participates in
// arithmetic; comparisons against it short-circuit to "allowed".
var Unlimited = Limit{unlimited: true}

// FiniteLimit creates a finite limit. Negative values are clamped to zero
// rather than becoming an accidental unlimited marker.
func FiniteLimit(n int64) Limit {
	if n < 0 {
		n = 0
	}
	return Limit{value: n}
}

// IsUnlimited returns true if the limit has no cap
func (l Limit) IsUnlimited() bool {
	return l.unlimited
}

// Value returns the finite cap. Only meaningful when IsUnlimited is false.
func (l Limit) Value() int64 {
	return l.value
}

// Allows reports whether consuming amount on top of current stays within
// the limit
func (l Limit) Allows(current, amount int64) bool {
	if l.unlimited {
		return true
	}
	return current+amount <= l.value
}

// Remaining returns the headroom left at the given usage: Unlimited stays
// Unlimited, finite limits never go below zero
func (l Limit) Remaining(current int64) Limit {
	if l.unlimited {
		return Unlimited
	}
	return FiniteLimit(l.value - current)
}

// PercentUsed returns the share of the limit consumed, rounded to the
// nearest percent. Unlimited and zero limits report 0.
func (l Limit) PercentUsed(current int64) float64 {
	if l.unlimited || l.value == 0 {
		return 0
	}
	return math.Round(float64(current) / float64(l.value) * 100)
}

// Int64 returns the wire representation: -1 for Unlimited, the cap
// otherwise. Only storage adapters and response DTOs should call this; the
// sentinel never flows back into domain arithmetic.
func (l Limit) Int64() int64 {
	if l.unlimited {
		return -1
	}
	return l.value
}

// String returns "unlimited" or the decimal cap
func (l Limit) String() string {
	if l.unlimited {
		return "unlimited"
	}
	return strconv.FormatInt(l.value, 10)
}
