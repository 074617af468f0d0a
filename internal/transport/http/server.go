// Package http provides the operational HTTP server.
package http

import (
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/FSTGIAT/call-analytics-sub001/internal/service"
)

// NewServer creates and configures the ops/inference HTTP server.
func NewServer(svc *service.Service) *echo.Echo {
	e := echo.New()
	e.HideBanner = true

	// Middleware
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())

	h := NewHandler(svc)
	h.RegisterRoutes(e)

	return e
}
