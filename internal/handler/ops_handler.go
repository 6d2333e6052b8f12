package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// DB疎通確認
type Pinger func(ctx context.Context) error

// /metrics と /healthz
type OpsHandler struct {
	gatherer prometheus.Gatherer
	ping     Pinger
}

func NewOpsHandler(gatherer prometheus.Gatherer, ping Pinger) *OpsHandler {
	return &OpsHandler{gatherer: gatherer, ping: ping}
}

func (h *OpsHandler) RegisterRoutes(e *echo.Echo) {
	e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{})))
	e.GET("/healthz", h.healthz)
}

func (h *OpsHandler) healthz(c echo.Context) error {
	if h.ping != nil {
		ctx, cancel := context.WithTimeout(c.Request().Context(), 2*time.Second)
		defer cancel()
		if err := h.ping(ctx); err != nil {
			return c.JSON(http.StatusServiceUnavailable, ErrorResponse{Error: "database unavailable"})
		}
	}
	return c.JSON(http.StatusOK, SuccessResponse{Message: "ok"})
}
