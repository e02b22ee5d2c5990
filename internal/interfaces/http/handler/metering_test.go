package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	appmetering "github.com/metering/backend/internal/application/metering"
	"github.com/metering/backend/internal/domain/metering"
	"github.com/metering/backend/internal/domain/shared"
	"github.com/metering/backend/internal/interfaces/http/dto"
)

type stubQuotaService struct {
	consumeFn func(ctx context.Context, userID uuid.UUID, service metering.Service, metric metering.MetricName, amount int64) (*appmetering.MetricUsage, error)
	statsFn   func(ctx context.Context, userID uuid.UUID, service metering.Service) (map[metering.MetricName]*appmetering.MetricUsage, error)

	lastAmount int64
	lastUser   uuid.UUID
}

func (s *stubQuotaService) Consume(ctx context.Context, userID uuid.UUID, service metering.Service, metric metering.MetricName, amount int64) (*appmetering.MetricUsage, error) {
	s.lastAmount = amount
	s.lastUser = userID
	return s.consumeFn(ctx, userID, service, metric, amount)
}

func (s *stubQuotaService) Stats(ctx context.Context, userID uuid.UUID, service metering.Service) (map[metering.MetricName]*appmetering.MetricUsage, error) {
	s.lastUser = userID
	return s.statsFn(ctx, userID, service)
}

func setupTestRouter(t *testing.T, engine QuotaService) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	require.NoError(t, RegisterValidations())

	r := gin.New()
	h := NewMeteringHandler(engine)
	h.RegisterRoutes(r.Group("/api/v1"))
	return r
}

func allowedUsage(service, metric string, current, limit int64) *appmetering.MetricUsage {
	resetsAt := time.Date(2025, 7, 1, 0, 0, 0, 0, time.UTC)
	return &appmetering.MetricUsage{
		Service:     metering.Service(service),
		Metric:      metering.MetricName(metric),
		Allowed:     true,
		Current:     current,
		Limit:       metering.FiniteLimit(limit),
		Remaining:   metering.FiniteLimit(limit - current),
		PercentUsed: float64(current) / float64(limit) * 100,
		Cadence:     metering.CadenceMonthly,
		ResetsAt:    &resetsAt,
	}
}

func decodeResponse(t *testing.T, w *httptest.ResponseRecorder) dto.Response {
	t.Helper()
	var resp dto.Response
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp
}

func TestMeteringHandler_Consume(t *testing.T) {
	userID := uuid.New()

	t.Run("allowed consumption returns usage", func(t *testing.T) {
		stub := &stubQuotaService{
			consumeFn: func(_ context.Context, _ uuid.UUID, service metering.Service, metric metering.MetricName, _ int64) (*appmetering.MetricUsage, error) {
				return allowedUsage(service.String(), metric.String(), 5, 100), nil
			},
		}
		r := setupTestRouter(t, stub)

		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/api/v1/usage/cash-flow/transactions/consume", nil)
		req.Header.Set("X-User-ID", userID.String())
		r.ServeHTTP(w, req)

		assert.Equal(t, http.StatusOK, w.Code)
		resp := decodeResponse(t, w)
		assert.True(t, resp.Success)

		data, ok := resp.Data.(map[string]any)
		require.True(t, ok)
		assert.Equal(t, "cash-flow", data["service"])
		assert.Equal(t, "transactions", data["metric"])
		assert.Equal(t, float64(5), data["current"])
		assert.Equal(t, float64(100), data["limit"])
		assert.Equal(t, float64(95), data["remaining"])
		assert.Equal(t, "MONTHLY", data["cadence"])
	})

	t.Run("amount defaults to one without a body", func(t *testing.T) {
		stub := &stubQuotaService{
			consumeFn: func(_ context.Context, _ uuid.UUID, service metering.Service, metric metering.MetricName, _ int64) (*appmetering.MetricUsage, error) {
				return allowedUsage(service.String(), metric.String(), 1, 100), nil
			},
		}
		r := setupTestRouter(t, stub)

		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/api/v1/usage/cash-flow/transactions/consume", nil)
		req.Header.Set("X-User-ID", userID.String())
		r.ServeHTTP(w, req)

		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, int64(1), stub.lastAmount)
		assert.Equal(t, userID, stub.lastUser)
	})

	t.Run("amount from request body is forwarded", func(t *testing.T) {
		stub := &stubQuotaService{
			consumeFn: func(_ context.Context, _ uuid.UUID, service metering.Service, metric metering.MetricName, _ int64) (*appmetering.MetricUsage, error) {
				return allowedUsage(service.String(), metric.String(), 7, 100), nil
			},
		}
		r := setupTestRouter(t, stub)

		w := httptest.NewRecorder()
		body := bytes.NewBufferString(`{"amount": 7}`)
		req := httptest.NewRequest(http.MethodPost, "/api/v1/usage/cash-flow/transactions/consume", body)
		req.Header.Set("X-User-ID", userID.String())
		req.Header.Set("Content-Type", "application/json")
		r.ServeHTTP(w, req)

		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, int64(7), stub.lastAmount)
	})

	t.Run("negative amount is rejected", func(t *testing.T) {
		stub := &stubQuotaService{
			consumeFn: func(_ context.Context, _ uuid.UUID, _ metering.Service, _ metering.MetricName, _ int64) (*appmetering.MetricUsage, error) {
				t.Fatal("engine should not be called")
				return nil, nil
			},
		}
		r := setupTestRouter(t, stub)

		w := httptest.NewRecorder()
		body := bytes.NewBufferString(`{"amount": -3}`)
		req := httptest.NewRequest(http.MethodPost, "/api/v1/usage/cash-flow/transactions/consume", body)
		req.Header.Set("X-User-ID", userID.String())
		req.Header.Set("Content-Type", "application/json")
		r.ServeHTTP(w, req)

		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("denied consumption returns 429 with usage", func(t *testing.T) {
		stub := &stubQuotaService{
			consumeFn: func(_ context.Context, _ uuid.UUID, service metering.Service, metric metering.MetricName, _ int64) (*appmetering.MetricUsage, error) {
				u := allowedUsage(service.String(), metric.String(), 100, 100)
				u.Allowed = false
				u.Remaining = metering.ZeroLimit
				return u, nil
			},
		}
		r := setupTestRouter(t, stub)

		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/api/v1/usage/cash-flow/transactions/consume", nil)
		req.Header.Set("X-User-ID", userID.String())
		r.ServeHTTP(w, req)

		assert.Equal(t, http.StatusTooManyRequests, w.Code)
		resp := decodeResponse(t, w)
		assert.False(t, resp.Success)
		require.NotNil(t, resp.Error)
		assert.Equal(t, dto.ErrCodeQuotaExceeded, resp.Error.Code)

		data, ok := resp.Data.(map[string]any)
		require.True(t, ok)
		assert.Equal(t, false, data["allowed"])
		assert.Equal(t, float64(100), data["current"])
	})

	t.Run("storage failure maps to 503", func(t *testing.T) {
		stub := &stubQuotaService{
			consumeFn: func(_ context.Context, _ uuid.UUID, _ metering.Service, _ metering.MetricName, _ int64) (*appmetering.MetricUsage, error) {
				return nil, shared.NewDomainError(metering.CodeStorageUnavailable, "counter store unavailable")
			},
		}
		r := setupTestRouter(t, stub)

		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/api/v1/usage/cash-flow/transactions/consume", nil)
		req.Header.Set("X-User-ID", userID.String())
		r.ServeHTTP(w, req)

		assert.Equal(t, http.StatusServiceUnavailable, w.Code)
		resp := decodeResponse(t, w)
		require.NotNil(t, resp.Error)
		assert.Equal(t, dto.ErrCodeStorageUnavailable, resp.Error.Code)
	})

	t.Run("unknown service maps to 500 configuration error", func(t *testing.T) {
		stub := &stubQuotaService{
			consumeFn: func(_ context.Context, _ uuid.UUID, _ metering.Service, _ metering.MetricName, _ int64) (*appmetering.MetricUsage, error) {
				return nil, shared.NewDomainError(metering.CodeConfigurationError, "service not registered")
			},
		}
		r := setupTestRouter(t, stub)

		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/api/v1/usage/unknown-svc/transactions/consume", nil)
		req.Header.Set("X-User-ID", userID.String())
		r.ServeHTTP(w, req)

		assert.Equal(t, http.StatusInternalServerError, w.Code)
	})

	t.Run("missing user header is unauthorized", func(t *testing.T) {
		stub := &stubQuotaService{}
		r := setupTestRouter(t, stub)

		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/api/v1/usage/cash-flow/transactions/consume", nil)
		r.ServeHTTP(w, req)

		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("malformed user header is unauthorized", func(t *testing.T) {
		stub := &stubQuotaService{}
		r := setupTestRouter(t, stub)

		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/api/v1/usage/cash-flow/transactions/consume", nil)
		req.Header.Set("X-User-ID", "not-a-uuid")
		r.ServeHTTP(w, req)

		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("uppercase metric name is rejected", func(t *testing.T) {
		stub := &stubQuotaService{}
		r := setupTestRouter(t, stub)

		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/api/v1/usage/cash-flow/Transactions/consume", nil)
		req.Header.Set("X-User-ID", userID.String())
		r.ServeHTTP(w, req)

		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestMeteringHandler_Stats(t *testing.T) {
	userID := uuid.New()

	t.Run("reports all metrics sorted by name", func(t *testing.T) {
		stub := &stubQuotaService{
			statsFn: func(_ context.Context, _ uuid.UUID, service metering.Service) (map[metering.MetricName]*appmetering.MetricUsage, error) {
				return map[metering.MetricName]*appmetering.MetricUsage{
					"transactions":   allowedUsage(service.String(), "transactions", 42, 100),
					"report-exports": allowedUsage(service.String(), "report-exports", 1, 3),
				}, nil
			},
		}
		r := setupTestRouter(t, stub)

		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/api/v1/usage/cash-flow", nil)
		req.Header.Set("X-User-ID", userID.String())
		r.ServeHTTP(w, req)

		assert.Equal(t, http.StatusOK, w.Code)

		var resp struct {
			Success bool          `json:"success"`
			Data    StatsResponse `json:"data"`
		}
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.True(t, resp.Success)
		assert.Equal(t, "cash-flow", resp.Data.Service)
		require.Len(t, resp.Data.Metrics, 2)
		assert.Equal(t, "report-exports", resp.Data.Metrics[0].Metric)
		assert.Equal(t, "transactions", resp.Data.Metrics[1].Metric)
		assert.Equal(t, int64(42), resp.Data.Metrics[1].Current)
	})

	t.Run("unlimited metric serializes as -1", func(t *testing.T) {
		stub := &stubQuotaService{
			statsFn: func(_ context.Context, _ uuid.UUID, service metering.Service) (map[metering.MetricName]*appmetering.MetricUsage, error) {
				return map[metering.MetricName]*appmetering.MetricUsage{
					"transactions": {
						Service:   service,
						Metric:    "transactions",
						Allowed:   true,
						Current:   1234,
						Limit:     metering.Unlimited,
						Remaining: metering.Unlimited,
						Cadence:   metering.CadenceMonthly,
					},
				}, nil
			},
		}
		r := setupTestRouter(t, stub)

		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/api/v1/usage/cash-flow", nil)
		req.Header.Set("X-User-ID", userID.String())
		r.ServeHTTP(w, req)

		assert.Equal(t, http.StatusOK, w.Code)

		var resp struct {
			Data StatsResponse `json:"data"`
		}
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		require.Len(t, resp.Data.Metrics, 1)
		assert.Equal(t, int64(-1), resp.Data.Metrics[0].Limit)
		assert.Equal(t, int64(-1), resp.Data.Metrics[0].Remaining)
	})

	t.Run("lookup failure is fail closed", func(t *testing.T) {
		stub := &stubQuotaService{
			statsFn: func(_ context.Context, _ uuid.UUID, _ metering.Service) (map[metering.MetricName]*appmetering.MetricUsage, error) {
				return nil, shared.NewDomainError(metering.CodeStorageUnavailable, "counter store unavailable")
			},
		}
		r := setupTestRouter(t, stub)

		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/api/v1/usage/cash-flow", nil)
		req.Header.Set("X-User-ID", userID.String())
		r.ServeHTTP(w, req)

		assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	})

	t.Run("missing user header is unauthorized", func(t *testing.T) {
		stub := &stubQuotaService{}
		r := setupTestRouter(t, stub)

		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/api/v1/usage/cash-flow", nil)
		r.ServeHTTP(w, req)

		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})
}
