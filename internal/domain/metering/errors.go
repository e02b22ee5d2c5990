package metering

import (
	"errors"
	"fmt"

	"github.com/metering/backend/internal/domain/shared"
)

// Error codes for the metering domain. CONFIGURATION_ERROR and
// INVALID_ARGUMENT are not retryable; STORAGE_UNAVAILABLE is, and callers
// must treat it as a denial until it resolves (fail-closed).
const (
	CodeConfigurationError = "CONFIGURATION_ERROR"
	CodeInvalidArgument    = "INVALID_ARGUMENT"
	CodeStorageUnavailable = "STORAGE_UNAVAILABLE"
)

// NewConfigurationError creates an error for an unknown service, metric or
// tier. This signals a mismatch between the caller and the tier catalog and
// should fail loudly rather than be retried.
func NewConfigurationError(format string, args ...any) *shared.DomainError {
	return shared.NewDomainError(CodeConfigurationError, fmt.Sprintf(format, args...))
}

// NewInvalidArgumentError creates an error for a malformed request
func NewInvalidArgumentError(format string, args ...any) *shared.DomainError {
	return shared.NewDomainError(CodeInvalidArgument, fmt.Sprintf(format, args...))
}

// NewStorageError wraps a counter-store failure with the counter identity
// for observability. The underlying cause stays in the chain for errors.Is
// but is never serialized.
func NewStorageError(cause error, key CounterKey) *shared.DomainError {
	return shared.WrapDomainError(
		CodeStorageUnavailable,
		fmt.Sprintf("counter store unavailable for user=%s service=%s metric=%s", key.UserID, key.Service, key.Metric),
		cause,
	)
}

// IsConfigurationError reports whether err carries CONFIGURATION_ERROR
func IsConfigurationError(err error) bool {
	return shared.ErrorCode(err) == CodeConfigurationError
}

// IsInvalidArgument reports whether err carries INVALID_ARGUMENT
func IsInvalidArgument(err error) bool {
	return shared.ErrorCode(err) == CodeInvalidArgument
}

// IsStorageUnavailable reports whether err carries STORAGE_UNAVAILABLE
// anywhere in its chain
func IsStorageUnavailable(err error) bool {
	var de *shared.DomainError
	if errors.As(err, &de) {
		return de.Code == CodeStorageUnavailable
	}
	return false
}
