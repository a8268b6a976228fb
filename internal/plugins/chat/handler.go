package chat

import (
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/keyxmakerx/buildboard/internal/apperror"
	"github.com/keyxmakerx/buildboard/internal/middleware"
	"github.com/keyxmakerx/buildboard/internal/oauthstate"
	"github.com/keyxmakerx/buildboard/internal/plugins/auth"
)

// Cookie names for the chat flow's state slot. They differ from the
// identity flow's so the two logins cannot consume each other's state.
const (
	StateCookieName      = "slack_oauth_state"
	ReturnPathCookieName = "slack_oauth_return_path"
)

// Handler handles the chat login routes.
type Handler struct {
	service    ChatService
	guard      *oauthstate.Guard
	sessionTTL time.Duration
}

// NewHandler creates a new chat login handler.
func NewHandler(service ChatService, guard *oauthstate.Guard, sessionTTL time.Duration) *Handler {
	return &Handler{service: service, guard: guard, sessionTTL: sessionTTL}
}

// Start begins a chat login (GET /oauth/slack/start).
func (h *Handler) Start(c echo.Context) error {
	rec, out := h.service.Start(c.Request().Context(), c.QueryParam("return_to"))
	switch o := out.(type) {
	case auth.Redirect:
		h.guard.Issue(c, rec)
		return c.Redirect(http.StatusFound, o.Path)
	case auth.Failure:
		return c.Redirect(http.StatusFound, middleware.ErrorRedirectPath(o.Kind.PublicMessage()))
	}
	return apperror.NewInternal(fmt.Errorf("unexpected start outcome %T", out))
}

// Callback completes a chat login (GET /oauth/slack/callback).
func (h *Handler) Callback(c echo.Context) error {
	rec, stateErr := h.guard.Consume(c, c.QueryParam("state"))

	out := h.service.Callback(c.Request().Context(), auth.CallbackInput{
		StateErr:      stateErr,
		ReturnPath:    rec.ReturnPath,
		Code:          c.QueryParam("code"),
		ProviderError: c.QueryParam("error"),
		RemoteIP:      c.RealIP(),
	})

	switch o := out.(type) {
	case auth.Success:
		auth.SetSessionCookie(c, o.Token, h.sessionTTL)
		return c.Redirect(http.StatusFound, o.ReturnPath)
	case auth.Redirect:
		return c.Redirect(http.StatusFound, o.Path)
	case auth.Failure:
		return c.Redirect(http.StatusFound, middleware.ErrorRedirectPath(o.Kind.PublicMessage()))
	}
	return apperror.NewInternal(fmt.Errorf("unexpected callback outcome %T", out))
}
