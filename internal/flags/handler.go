package flags

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/keyxmakerx/buildboard/internal/apperror"
)

// flagView is the JSON shape of one flag.
type flagView struct {
	Name    string `json:"name"`
	Enabled bool   `json:"enabled"`
	State   string `json:"state"`
}

type setRequest struct {
	Enabled *bool `json:"enabled"`
}

// Handler serves the admin flag endpoints.
type Handler struct {
	client *Client
}

// NewHandler creates a flag handler over c.
func NewHandler(c *Client) *Handler {
	return &Handler{client: c}
}

// Get returns the effective value of a flag (GET /api/admin/flags/:name).
func (h *Handler) Get(c echo.Context) error {
	name := c.Param("name")
	return c.JSON(http.StatusOK, flagView{
		Name:    name,
		Enabled: h.client.IsEnabled(c.Request().Context(), name),
		State:   h.client.State().String(),
	})
}

// Put stores a flag value (PUT /api/admin/flags/:name, body {"enabled": bool}).
// A Degraded client answers 503 since the write has nowhere to go.
func (h *Handler) Put(c echo.Context) error {
	name := c.Param("name")
	var req setRequest
	if err := c.Bind(&req); err != nil || req.Enabled == nil {
		return apperror.NewBadRequest(`body must be {"enabled": true|false}`)
	}

	if err := h.client.Set(c.Request().Context(), name, *req.Enabled); err != nil {
		if errors.Is(err, ErrDegraded) {
			return apperror.NewServiceUnavailable(err)
		}
		return apperror.NewInternal(err)
	}
	return c.JSON(http.StatusOK, flagView{
		Name:    name,
		Enabled: *req.Enabled,
		State:   h.client.State().String(),
	})
}

// RegisterRoutes mounts the admin flag endpoints behind the caller's
// authentication and role middleware.
func RegisterRoutes(e *echo.Echo, h *Handler, guards ...echo.MiddlewareFunc) {
	g := e.Group("/api/admin/flags", guards...)
	g.GET("/:name", h.Get)
	g.PUT("/:name", h.Put)
}
