package handler

import (
	"context"
	"net/http"
	"regexp"
	"sort"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	appmetering "github.com/metering/backend/internal/application/metering"
	"github.com/metering/backend/internal/domain/metering"
	"github.com/metering/backend/internal/interfaces/http/dto"
)

// QuotaService is the engine surface the handler needs
type QuotaService interface {
	Consume(ctx context.Context, userID uuid.UUID, service metering.Service, metric metering.MetricName, amount int64) (*appmetering.MetricUsage, error)
	Stats(ctx context.Context, userID uuid.UUID, service metering.Service) (map[metering.MetricName]*appmetering.MetricUsage, error)
}

// MeteringHandler handles usage consumption and reporting HTTP requests
type MeteringHandler struct {
	BaseHandler
	engine QuotaService
}

// NewMeteringHandler creates a new metering handler
func NewMeteringHandler(engine QuotaService) *MeteringHandler {
	return &MeteringHandler{engine: engine}
}

// RegisterRoutes registers metering routes on the given router group
func (h *MeteringHandler) RegisterRoutes(rg *gin.RouterGroup) {
	usage := rg.Group("/usage")
	{
		usage.POST("/:service/:metric/consume", h.Consume)
		usage.GET("/:service", h.Stats)
	}
}

var identifierPattern = regexp.MustCompile(`^[a-z0-9]+(-[a-z0-9]+)*$`)

// RegisterValidations installs the custom binding validators this package
// uses. Must be called once before the routes are served.
func RegisterValidations() error {
	if v, ok := binding.Validator.Engine().(*validator.Validate); ok {
		return v.RegisterValidation("identifier", func(fl validator.FieldLevel) bool {
			return identifierPattern.MatchString(fl.Field().String())
		})
	}
	return nil
}

// ============================================================================
// Request/Response DTOs
// ============================================================================

type usageURI struct {
	Service string `uri:"service" binding:"required,identifier"`
	Metric  string `uri:"metric" binding:"required,identifier"`
}

type serviceURI struct {
	Service string `uri:"service" binding:"required,identifier"`
}

// ConsumeRequest is the body of a consumption attempt. Amount defaults to 1.
type ConsumeRequest struct {
	Amount int64 `json:"amount" binding:"omitempty,min=1"`
}

// MetricUsageResponse reports one metric's usage. A limit of -1 means
// unlimited.
type MetricUsageResponse struct {
	Service     string     `json:"service"`
	Metric      string     `json:"metric"`
	Allowed     bool       `json:"allowed"`
	Current     int64      `json:"current"`
	Limit       int64      `json:"limit"`
	Remaining   int64      `json:"remaining"`
	PercentUsed float64    `json:"percent_used"`
	Cadence     string     `json:"cadence"`
	ResetsAt    *time.Time `json:"resets_at,omitempty"`
}

func toMetricUsageResponse(u *appmetering.MetricUsage) MetricUsageResponse {
	return MetricUsageResponse{
		Service:     u.Service.String(),
		Metric:      u.Metric.String(),
		Allowed:     u.Allowed,
		Current:     u.Current,
		Limit:       u.Limit.Int64(),
		Remaining:   u.Remaining.Int64(),
		PercentUsed: u.PercentUsed,
		Cadence:     u.Cadence.String(),
		ResetsAt:    u.ResetsAt,
	}
}

// StatsResponse reports usage for every metric of a service
type StatsResponse struct {
	Service string                `json:"service"`
	Metrics []MetricUsageResponse `json:"metrics"`
}

// ============================================================================
// Handlers
// ============================================================================

// Consume attempts to consume quota for one metric. Denial by quota is a 429
// carrying the current usage; failure to evaluate quota is a 503 and the
// caller must treat it as a denial.
func (h *MeteringHandler) Consume(c *gin.Context) {
	userID, err := getUserID(c)
	if err != nil {
		h.Unauthorized(c, err.Error())
		return
	}

	var uri usageURI
	if err := c.ShouldBindUri(&uri); err != nil {
		h.BadRequest(c, "service and metric must be lowercase identifiers")
		return
	}

	req := ConsumeRequest{Amount: 1}
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			h.BadRequest(c, "invalid request body: "+err.Error())
			return
		}
		if req.Amount == 0 {
			req.Amount = 1
		}
	}

	usage, err := h.engine.Consume(c.Request.Context(), userID, metering.Service(uri.Service), metering.MetricName(uri.Metric), req.Amount)
	if err != nil {
		h.HandleError(c, err)
		return
	}

	body := toMetricUsageResponse(usage)
	if !usage.Allowed {
		resp := dto.NewErrorResponseWithRequestID(dto.ErrCodeQuotaExceeded,
			"quota exceeded for "+uri.Service+"/"+uri.Metric, getRequestID(c))
		resp.Data = body
		c.JSON(http.StatusTooManyRequests, resp)
		return
	}

	h.Success(c, body)
}

// Stats reports the caller's current usage for every metric the service
// defines, without consuming anything
func (h *MeteringHandler) Stats(c *gin.Context) {
	userID, err := getUserID(c)
	if err != nil {
		h.Unauthorized(c, err.Error())
		return
	}

	var uri serviceURI
	if err := c.ShouldBindUri(&uri); err != nil {
		h.BadRequest(c, "service must be a lowercase identifier")
		return
	}

	stats, err := h.engine.Stats(c.Request.Context(), userID, metering.Service(uri.Service))
	if err != nil {
		h.HandleError(c, err)
		return
	}

	resp := StatsResponse{
		Service: uri.Service,
		Metrics: make([]MetricUsageResponse, 0, len(stats)),
	}
	for _, usage := range stats {
		resp.Metrics = append(resp.Metrics, toMetricUsageResponse(usage))
	}
	sort.Slice(resp.Metrics, func(i, j int) bool {
		return resp.Metrics[i].Metric < resp.Metrics[j].Metric
	})

	h.Success(c, resp)
}
