package http

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/FSTGIAT/call-analytics-sub001/internal/domain"
	"github.com/FSTGIAT/call-analytics-sub001/internal/health"
	"github.com/FSTGIAT/call-analytics-sub001/internal/service"
)

// Handler handles HTTP requests.
type Handler struct {
	service *service.Service
}

// NewHandler creates a new handler.
func NewHandler(service *service.Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes registers the operational routes with the echo server.
func (h *Handler) RegisterRoutes(e *echo.Echo) {
	e.GET("/health", h.Health)

	e.GET("/v1/metrics", h.Metrics)
	e.GET("/v1/metrics/:consumer", h.ConsumerMetrics)
	e.GET("/v1/lag", h.Lag)
	e.GET("/v1/errors/summary", h.ErrorSummary)

	e.POST("/v1/consumers/:name/restart", h.RestartConsumer)
	e.POST("/v1/assembly/breaker/reset", h.ResetBreaker)

	e.GET("/v1/producer/modes", h.GetProducerModes)
	e.PUT("/v1/producer/modes", h.SetProducerModes)

	e.POST("/v1/inference/generate", h.Generate)
	e.POST("/v1/inference/conversations", h.OpenConversation)
	e.DELETE("/v1/inference/conversations/:id", h.CloseConversation)
	e.GET("/v1/inference/metrics", h.RouterMetrics)
	e.POST("/v1/inference/metrics/reset", h.ResetRouterMetrics)
	e.PUT("/v1/inference/force-local", h.SetForceLocal)
}

// Health returns the pipeline rollup with 200 for healthy/degraded and 503
// for unhealthy.
func (h *Handler) Health(c echo.Context) error {
	rollup := h.service.Health(c.Request().Context())
	return c.JSON(health.HTTPStatus(rollup.Status), rollup)
}

// Metrics returns every consumer's snapshot.
func (h *Handler) Metrics(c echo.Context) error {
	return c.JSON(http.StatusOK, h.service.MetricsAll())
}

// ConsumerMetrics returns one consumer's snapshot.
func (h *Handler) ConsumerMetrics(c echo.Context) error {
	snap, ok := h.service.MetricsFor(c.Param("consumer"))
	if !ok {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "unknown consumer"})
	}
	return c.JSON(http.StatusOK, snap)
}

// Lag returns processed/succeeded/failed counts plus derived rates.
func (h *Handler) Lag(c echo.Context) error {
	return c.JSON(http.StatusOK, h.service.Lag())
}

// ErrorSummary returns the failure-ledger aggregate.
func (h *Handler) ErrorSummary(c echo.Context) error {
	summary, err := h.service.ErrorSummary(c.Request().Context())
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	return c.JSON(http.StatusOK, summary)
}

// RestartConsumer performs the stop/wait/start sequence for one consumer.
func (h *Handler) RestartConsumer(c echo.Context) error {
	name := c.Param("name")
	if err := h.service.RestartConsumer(name); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
	}
	return c.JSON(http.StatusOK, map[string]string{"consumer": name, "status": "restarted"})
}

// ResetBreaker administratively closes the assembly emit breaker.
func (h *Handler) ResetBreaker(c echo.Context) error {
	h.service.ResetBreaker(c.Request().Context())
	return c.JSON(http.StatusOK, map[string]string{
		"breaker": string(h.service.BreakerState()),
	})
}

// GetProducerModes returns the persisted live/historical flags.
func (h *Handler) GetProducerModes(c echo.Context) error {
	modes, err := h.service.ProducerModes(c.Request().Context())
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	return c.JSON(http.StatusOK, modes)
}

// SetProducerModes updates the flags.
func (h *Handler) SetProducerModes(c echo.Context) error {
	var modes domain.ProducerModes
	if err := c.Bind(&modes); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}
	if err := h.service.SetProducerModes(c.Request().Context(), &modes); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
	}
	return c.JSON(http.StatusOK, modes)
}

// Generate routes one interactive inference request. A total backend failure
// is still a 200 with success=false; only caller errors are 4xx.
func (h *Handler) Generate(c echo.Context) error {
	var req domain.InferenceRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}

	resp, err := h.service.Generate(c.Request().Context(), &req)
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
	}
	return c.JSON(http.StatusOK, resp)
}

// OpenConversation assigns a conversation id.
func (h *Handler) OpenConversation(c echo.Context) error {
	id := h.service.OpenConversation()
	return c.JSON(http.StatusCreated, map[string]any{
		"conversation_id": id,
		"created_at":      time.Now(),
	})
}

// CloseConversation forgets a conversation id.
func (h *Handler) CloseConversation(c echo.Context) error {
	if !h.service.CloseConversation(c.Param("id")) {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "unknown conversation"})
	}
	return c.NoContent(http.StatusNoContent)
}

// RouterMetrics returns routing statistics and backend health.
func (h *Handler) RouterMetrics(c echo.Context) error {
	return c.JSON(http.StatusOK, h.service.RouterMetrics())
}

// ResetRouterMetrics clears routing statistics and rolling backend health.
func (h *Handler) ResetRouterMetrics(c echo.Context) error {
	h.service.ResetRouterMetrics()
	return c.JSON(http.StatusOK, map[string]string{"status": "reset"})
}

type forceLocalRequest struct {
	ForceLocal bool `json:"force_local"`
}

// SetForceLocal toggles the process-wide force-local routing flag.
func (h *Handler) SetForceLocal(c echo.Context) error {
	var req forceLocalRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}
	h.service.SetForceLocal(req.ForceLocal)
	return c.JSON(http.StatusOK, map[string]bool{"force_local": h.service.ForceLocal()})
}
