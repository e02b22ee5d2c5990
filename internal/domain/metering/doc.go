// Package metering provides domain models for tier-based usage quota metering.
//
// This package implements the quota metering bounded context, which is
// responsible for:
//   - Describing the static tier catalog (metrics, reset cadences, per-tier limits)
//   - Deriving canonical period keys and reset instants from wall-clock time
//   - Enforcing limits through a single atomic bounded-increment primitive
//
// Key types:
//   - TierCatalog: Immutable registry of services, metrics and tier limits
//   - Limit: Tagged value that is either a finite cap or the Unlimited marker
//   - Ledger: Consume-and-check semantics over a CounterStorage primitive
//   - Subscription: Read-only view of a user's active tier for a service
//
// The metering domain integrates with:
//   - An external billing process: Owns subscription writes and tier changes
//   - An external audit collaborator: Receives post-hoc consumption events
package metering
