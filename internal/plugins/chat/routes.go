package chat

import "github.com/labstack/echo/v4"

// RegisterRoutes mounts the chat login under /oauth/slack. gate decides
// whether the platform is open; it runs before either handler.
func RegisterRoutes(e *echo.Echo, h *Handler, gate echo.MiddlewareFunc) {
	g := e.Group("/oauth/slack", gate)
	g.GET("/start", h.Start)
	g.GET("/callback", h.Callback)
}
