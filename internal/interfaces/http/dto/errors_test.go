package dto

import (
	"encoding/json"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGetHTTPStatus(t *testing.T) {
	tests := []struct {
		name   string
		code   string
		status int
	}{
		{"quota exceeded maps to 429", ErrCodeQuotaExceeded, http.StatusTooManyRequests},
		{"storage unavailable maps to 503", ErrCodeStorageUnavailable, http.StatusServiceUnavailable},
		{"invalid input maps to 400", ErrCodeInvalidInput, http.StatusBadRequest},
		{"configuration maps to 500", ErrCodeConfiguration, http.StatusInternalServerError},
		{"not found maps to 404", ErrCodeNotFound, http.StatusNotFound},
		{"unknown code defaults to 500", "ERR_SOMETHING_ELSE", http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.status, GetHTTPStatus(tt.code))
		})
	}
}

func TestNormalizeErrorCode(t *testing.T) {
	assert.Equal(t, ErrCodeStorageUnavailable, NormalizeErrorCode("STORAGE_UNAVAILABLE"))
	assert.Equal(t, ErrCodeConfiguration, NormalizeErrorCode("CONFIGURATION_ERROR"))
	assert.Equal(t, ErrCodeInvalidInput, NormalizeErrorCode("INVALID_ARGUMENT"))
	assert.Equal(t, ErrCodeQuotaExceeded, NormalizeErrorCode("QUOTA_EXCEEDED"))
	assert.Equal(t, ErrCodeQuotaExceeded, NormalizeErrorCode(ErrCodeQuotaExceeded))
	assert.Equal(t, "CUSTOM_CODE", NormalizeErrorCode("CUSTOM_CODE"))
}

func TestNewErrorResponseWithRequestID(t *testing.T) {
	resp := NewErrorResponseWithRequestID("STORAGE_UNAVAILABLE", "quota state unavailable", "req-123")

	assert.False(t, resp.Success)
	assert.NotNil(t, resp.Error)
	assert.Equal(t, ErrCodeStorageUnavailable, resp.Error.Code)
	assert.Equal(t, "quota state unavailable", resp.Error.Message)
	assert.Equal(t, "req-123", resp.Error.RequestID)
	assert.NotZero(t, resp.Error.Timestamp)
}

func TestErrorResponseJSON(t *testing.T) {
	resp := NewErrorResponseWithRequestID(ErrCodeQuotaExceeded, "monthly limit reached", "req-test-123")

	data, err := json.Marshal(resp)
	assert.NoError(t, err)

	var decoded Response
	err = json.Unmarshal(data, &decoded)
	assert.NoError(t, err)

	assert.False(t, decoded.Success)
	assert.NotNil(t, decoded.Error)
	assert.Equal(t, ErrCodeQuotaExceeded, decoded.Error.Code)
	assert.Equal(t, "req-test-123", decoded.Error.RequestID)
}
