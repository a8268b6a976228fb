package audit

import (
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/keyxmakerx/buildboard/internal/apperror"
)

// Handler serves the admin view of the login audit trail. Handlers are thin:
// bind request, call service, render JSON.
type Handler struct {
	service AuditService
}

// NewHandler creates a new audit handler.
func NewHandler(service AuditService) *Handler {
	return &Handler{service: service}
}

// Recent returns a page of recent login events (GET /api/admin/auth-events).
func (h *Handler) Recent(c echo.Context) error {
	page, _ := strconv.Atoi(c.QueryParam("page"))

	events, err := h.service.Recent(c.Request().Context(), page)
	if err != nil {
		return err
	}
	if events == nil {
		events = []AuthEvent{}
	}
	return c.JSON(http.StatusOK, events)
}

// AccountHistory returns one account's login events
// (GET /api/admin/auth-events/accounts/:id).
func (h *Handler) AccountHistory(c echo.Context) error {
	events, err := h.service.AccountHistory(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	if events == nil {
		events = []AuthEvent{}
	}
	return c.JSON(http.StatusOK, events)
}

// Summary returns outcome counts (GET /api/admin/auth-events/summary?window=24h).
func (h *Handler) Summary(c echo.Context) error {
	var window time.Duration
	if raw := c.QueryParam("window"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			return apperror.NewBadRequest("window must be a positive duration such as 24h")
		}
		window = d
	}

	sum, err := h.service.Summary(c.Request().Context(), window)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, sum)
}
