package audit

import (
	"github.com/labstack/echo/v4"
)

// RegisterRoutes mounts the admin audit endpoints. The caller supplies the
// authentication and admin-role middleware so this package stays free of
// auth imports (auth records into audit).
func RegisterRoutes(e *echo.Echo, h *Handler, guards ...echo.MiddlewareFunc) {
	g := e.Group("/api/admin/auth-events", guards...)
	g.GET("", h.Recent)
	g.GET("/summary", h.Summary)
	g.GET("/accounts/:id", h.AccountHistory)
}
