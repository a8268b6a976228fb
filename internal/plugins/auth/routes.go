package auth

import (
	"time"

	"github.com/labstack/echo/v4"

	"github.com/keyxmakerx/buildboard/internal/middleware"
)

// RegisterRoutes sets up the identity login flow and the session API.
//
// /auth/idv/start is rate-limited per client IP with the configured
// threshold: each start mints state and costs a provider round trip.
func RegisterRoutes(e *echo.Echo, h *Handler, service AuthService, startLimit int, startWindow time.Duration) {
	// Public routes -- no session required.
	e.GET("/auth/idv/start", h.Start, middleware.RateLimit(startLimit, startWindow))
	e.GET(CallbackPath, h.Callback)
	e.POST("/logout", h.Logout)

	requireAuth := RequireAuth(service)
	e.GET("/auth/idv/address", h.Address, requireAuth)

	api := e.Group("/api", requireAuth)
	api.GET("/me", h.Me)
	api.GET("/admin/accounts/:id", h.AdminAccount, RequireRole(RoleAdmin))
	api.GET("/review/queue-access", h.ReviewQueueAccess, RequireReviewerOrAdmin())
}
